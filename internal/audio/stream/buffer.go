// Package stream accumulates live audio for a conversational session and
// signals when the speaker pauses.
package stream

import (
	"log/slog"
	"sync"
	"time"
)

type Config struct {
	Capacity       int
	SampleRate     int
	PauseThreshold time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Capacity:       512000,
		SampleRate:     16000,
		PauseThreshold: 800 * time.Millisecond,
	}
}

// PauseEvent is delivered when audio resumes after a gap longer than the
// pause threshold while samples are still buffered.
type PauseEvent struct {
	Silence  time.Duration
	Buffered int
	At       time.Time
}

// ChunkEvent is delivered for every chunk handed to AddSamples.
type ChunkEvent struct {
	Samples  []float32
	Accepted int
	At       time.Time
}

// Buffer is a bounded sample accumulator. All state is guarded by one mutex;
// listeners run on the caller's goroutine after the mutex is released.
type Buffer struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	samples   []float32
	lastAudio time.Time
	onPause   []func(PauseEvent)
	onChunk   []func(ChunkEvent)

	now func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Buffer {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = def.PauseThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		cfg:     cfg,
		logger:  logger,
		samples: make([]float32, 0, cfg.Capacity),
		now:     cfg.Clock,
	}
}

// OnPause registers a pause listener.
func (b *Buffer) OnPause(fn func(PauseEvent)) {
	b.mu.Lock()
	b.onPause = append(b.onPause, fn)
	b.mu.Unlock()
}

// OnChunk registers a chunk listener.
func (b *Buffer) OnChunk(fn func(ChunkEvent)) {
	b.mu.Lock()
	b.onChunk = append(b.onChunk, fn)
	b.mu.Unlock()
}

// AddSamples appends chunk. Pause listeners fire before the append so they
// can drain the utterance that just ended; samples beyond capacity are
// dropped.
func (b *Buffer) AddSamples(chunk []float32) {
	now := b.now()

	b.mu.Lock()
	var pause *PauseEvent
	if !b.lastAudio.IsZero() && len(b.samples) > 0 {
		if gap := now.Sub(b.lastAudio); gap >= b.cfg.PauseThreshold {
			pause = &PauseEvent{Silence: gap, Buffered: len(b.samples), At: now}
		}
	}
	pauseListeners := b.onPause
	b.mu.Unlock()

	if pause != nil {
		for _, fn := range pauseListeners {
			fn(*pause)
		}
	}

	b.mu.Lock()
	remaining := b.cfg.Capacity - len(b.samples)
	accepted := len(chunk)
	if accepted > remaining {
		accepted = remaining
	}
	b.samples = append(b.samples, chunk[:accepted]...)
	b.lastAudio = now
	chunkListeners := b.onChunk
	b.mu.Unlock()

	if dropped := len(chunk) - accepted; dropped > 0 {
		b.logger.Warn("stream buffer full, dropping samples",
			slog.Int("dropped", dropped),
			slog.Int("capacity", b.cfg.Capacity),
		)
	}
	for _, fn := range chunkListeners {
		fn(ChunkEvent{Samples: chunk, Accepted: accepted, At: now})
	}
}

// GetAndClear returns the buffered samples, empties the buffer and resets
// the last-audio timestamp.
func (b *Buffer) GetAndClear() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	b.samples = b.samples[:0]
	b.lastAudio = time.Time{}
	return out
}

// Snapshot returns a copy of the buffered samples without clearing them.
func (b *Buffer) Snapshot() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	return out
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	b.samples = b.samples[:0]
	b.lastAudio = time.Time{}
	b.mu.Unlock()
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// FillPercent reports occupancy in [0, 100].
func (b *Buffer) FillPercent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.samples)) / float64(b.cfg.Capacity) * 100
}

// Duration is the buffered audio length at the configured sample rate.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(float64(len(b.samples)) / float64(b.cfg.SampleRate) * float64(time.Second))
}

func (b *Buffer) LastAudio() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAudio
}

// IdleFor reports how long ago audio last arrived, or zero when nothing is
// buffered.
func (b *Buffer) IdleFor(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 || b.lastAudio.IsZero() {
		return 0
	}
	return now.Sub(b.lastAudio)
}

func (b *Buffer) SampleRate() int { return b.cfg.SampleRate }

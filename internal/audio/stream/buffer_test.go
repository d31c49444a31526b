package stream

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBuffer(cfg Config) (*Buffer, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(cfg, newLogger())
	b.now = clock.now
	return b, clock
}

func TestPauseFiresBeforeAppend(t *testing.T) {
	b, clock := newTestBuffer(DefaultConfig())

	var drained [][]float32
	b.OnPause(func(ev PauseEvent) {
		if ev.Buffered != 3 {
			t.Errorf("expected 3 buffered samples, got %d", ev.Buffered)
		}
		drained = append(drained, b.GetAndClear())
	})

	b.AddSamples([]float32{0.1, 0.2})
	clock.advance(100 * time.Millisecond)
	b.AddSamples([]float32{0.3})
	if len(drained) != 0 {
		t.Fatalf("pause fired for a short gap")
	}

	clock.advance(900 * time.Millisecond)
	b.AddSamples([]float32{0.9})
	if len(drained) != 1 || len(drained[0]) != 3 {
		t.Fatalf("expected one drained utterance of 3 samples, got %v", drained)
	}
	if got := b.Len(); got != 1 {
		t.Fatalf("expected new chunk buffered after pause, got %d samples", got)
	}
}

func TestPauseRequiresBufferedAudio(t *testing.T) {
	b, clock := newTestBuffer(DefaultConfig())
	fired := false
	b.OnPause(func(PauseEvent) { fired = true })

	b.AddSamples([]float32{0.1})
	b.Clear()
	clock.advance(2 * time.Second)
	b.AddSamples([]float32{0.2})
	if fired {
		t.Fatalf("pause fired with an empty buffer")
	}
}

func TestCapacityDropsOverflow(t *testing.T) {
	b, _ := newTestBuffer(Config{Capacity: 4, SampleRate: 4, PauseThreshold: time.Second})
	var accepted []int
	b.OnChunk(func(ev ChunkEvent) { accepted = append(accepted, ev.Accepted) })

	b.AddSamples([]float32{1, 2, 3})
	b.AddSamples([]float32{4, 5, 6})
	if b.Len() != 4 {
		t.Fatalf("expected buffer capped at 4, got %d", b.Len())
	}
	if b.FillPercent() != 100 {
		t.Fatalf("expected 100%% fill, got %f", b.FillPercent())
	}
	if b.Duration() != time.Second {
		t.Fatalf("expected 1s buffered, got %s", b.Duration())
	}
	if len(accepted) != 2 || accepted[0] != 3 || accepted[1] != 1 {
		t.Fatalf("unexpected accepted counts %v", accepted)
	}
	got := b.GetAndClear()
	if len(got) != 4 || got[3] != 4 {
		t.Fatalf("unexpected drained samples %v", got)
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after drain")
	}
}

func TestSnapshotAndIdle(t *testing.T) {
	b, clock := newTestBuffer(DefaultConfig())
	if idle := b.IdleFor(clock.now()); idle != 0 {
		t.Fatalf("expected zero idle for empty buffer, got %s", idle)
	}
	b.AddSamples([]float32{0.5, 0.5})
	snap := b.Snapshot()
	snap[0] = 0
	if b.Snapshot()[0] != 0.5 {
		t.Fatalf("snapshot aliases buffer storage")
	}
	clock.advance(3 * time.Second)
	if idle := b.IdleFor(clock.now()); idle != 3*time.Second {
		t.Fatalf("expected 3s idle, got %s", idle)
	}
	if !b.LastAudio().Equal(clock.now().Add(-3 * time.Second)) {
		t.Fatalf("unexpected last audio %s", b.LastAudio())
	}
}

func TestFlushAndClearResetTimestamp(t *testing.T) {
	b, clock := newTestBuffer(DefaultConfig())

	b.AddSamples([]float32{0.1, 0.2})
	clock.advance(time.Second)
	if got := b.GetAndClear(); len(got) != 2 {
		t.Fatalf("expected 2 drained samples, got %d", len(got))
	}
	if !b.LastAudio().IsZero() {
		t.Fatalf("expected timestamp reset after GetAndClear, got %s", b.LastAudio())
	}

	b.AddSamples([]float32{0.3})
	b.Clear()
	if b.Len() != 0 || !b.LastAudio().IsZero() {
		t.Fatalf("expected empty buffer and reset timestamp after Clear, len=%d last=%s", b.Len(), b.LastAudio())
	}

	// A frame after a long gap starts fresh instead of reporting a pause.
	paused := false
	b.OnPause(func(PauseEvent) { paused = true })
	clock.advance(10 * time.Second)
	b.AddSamples([]float32{0.4})
	if paused {
		t.Fatalf("pause fired for an empty buffer")
	}
	if !b.LastAudio().Equal(clock.now()) {
		t.Fatalf("expected timestamp of the new append, got %s", b.LastAudio())
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	b := New(Config{Capacity: 1 << 16}, newLogger())
	var wg sync.WaitGroup
	wg.Add(2)
	total := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.AddSamples(make([]float32, 32))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			total += len(b.GetAndClear())
		}
	}()
	wg.Wait()
	total += len(b.GetAndClear())
	if total != 500*32 {
		t.Fatalf("expected %d samples through the buffer, got %d", 500*32, total)
	}
}

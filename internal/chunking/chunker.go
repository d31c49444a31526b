// Package chunking splits long recordings into overlapping windows and stitches
// the per-window transcripts back together.
package chunking

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidConfig reports a chunk/overlap pair that cannot tile audio.
var ErrInvalidConfig = errors.New("chunking: invalid config")

// Chunk is one window over the source samples. StartFrame and EndFrame are
// sample offsets into the source; OverlapStart marks where the region shared
// with the previous chunk begins (equal to StartFrame for every chunk but the
// first).
type Chunk struct {
	Samples      []float32
	StartFrame   int
	EndFrame     int
	OverlapStart int
}

type Chunker struct {
	chunkSeconds   float64
	overlapSeconds float64
}

func NewChunker(chunkSeconds, overlapSeconds float64) (*Chunker, error) {
	if chunkSeconds <= 0 {
		return nil, fmt.Errorf("%w: chunk length %gs must be positive", ErrInvalidConfig, chunkSeconds)
	}
	if overlapSeconds < 0 || overlapSeconds >= chunkSeconds {
		return nil, fmt.Errorf("%w: overlap %gs must be in [0, %gs)", ErrInvalidConfig, overlapSeconds, chunkSeconds)
	}
	return &Chunker{chunkSeconds: chunkSeconds, overlapSeconds: overlapSeconds}, nil
}

func (c *Chunker) ChunkSeconds() float64   { return c.chunkSeconds }
func (c *Chunker) OverlapSeconds() float64 { return c.overlapSeconds }

// OverlapFraction is the share of each chunk repeated in the next one.
func (c *Chunker) OverlapFraction() float64 {
	return c.overlapSeconds / c.chunkSeconds
}

// NeedsChunking reports whether n samples exceed one chunk.
func (c *Chunker) NeedsChunking(n, sampleRate int) bool {
	return n > c.chunkSamples(sampleRate)
}

func (c *Chunker) chunkSamples(sampleRate int) int {
	return int(c.chunkSeconds * float64(sampleRate))
}

// Chunk tiles samples with fixed-stride windows. The chunks cover every
// sample, end frames strictly increase and the last chunk ends at
// len(samples). Chunk sample slices alias the input.
func (c *Chunker) Chunk(samples []float32, sampleRate int) []Chunk {
	total := len(samples)
	if total == 0 || sampleRate <= 0 {
		return nil
	}
	size := c.chunkSamples(sampleRate)
	overlap := int(c.overlapSeconds * float64(sampleRate))
	if size <= 0 {
		size = 1
	}
	if overlap >= size {
		overlap = size - 1
	}
	if total <= size {
		return []Chunk{{Samples: samples, StartFrame: 0, EndFrame: total, OverlapStart: 0}}
	}

	stride := size - overlap
	n := int(math.Ceil(float64(total-size)/float64(stride))) + 1
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * stride
		end := start + size
		if end > total {
			end = total
		}
		if start >= end {
			break
		}
		ch := Chunk{Samples: samples[start:end], StartFrame: start, EndFrame: end}
		if i > 0 {
			ch.OverlapStart = start
		}
		chunks = append(chunks, ch)
	}
	return chunks
}

// MergeTranscripts joins per-chunk transcripts. When the counts disagree the
// transcripts are concatenated with single spaces without deduplication.
func (c *Chunker) MergeTranscripts(transcripts []string, chunks []Chunk) string {
	if len(transcripts) != len(chunks) {
		parts := make([]string, 0, len(transcripts))
		for _, t := range transcripts {
			if t = strings.TrimSpace(t); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, " ")
	}
	return Merge(transcripts, c.OverlapFraction())
}

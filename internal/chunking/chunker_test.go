package chunking

import (
	"errors"
	"testing"
)

func TestNewChunkerValidation(t *testing.T) {
	cases := []struct {
		chunk, overlap float64
		ok             bool
	}{
		{50, 2, true},
		{10, 0, true},
		{0, 0, false},
		{-1, 0, false},
		{10, 10, false},
		{10, -1, false},
	}
	for _, tc := range cases {
		_, err := NewChunker(tc.chunk, tc.overlap)
		if tc.ok && err != nil {
			t.Fatalf("chunk=%g overlap=%g: unexpected error %v", tc.chunk, tc.overlap, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("chunk=%g overlap=%g: expected ErrInvalidConfig, got %v", tc.chunk, tc.overlap, err)
		}
	}
}

func TestChunkHundredSeconds(t *testing.T) {
	const rate = 16000
	c, err := NewChunker(50, 2)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	chunks := c.Chunk(make([]float32, 100*rate), rate)
	want := [][2]int{{0, 50 * rate}, {48 * rate, 98 * rate}, {96 * rate, 100 * rate}}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(chunks))
	}
	for i, ch := range chunks {
		if ch.StartFrame != want[i][0] || ch.EndFrame != want[i][1] {
			t.Fatalf("chunk %d: expected [%d,%d), got [%d,%d)", i, want[i][0], want[i][1], ch.StartFrame, ch.EndFrame)
		}
		if len(ch.Samples) != ch.EndFrame-ch.StartFrame {
			t.Fatalf("chunk %d: sample count %d does not match bounds", i, len(ch.Samples))
		}
	}
	if chunks[0].OverlapStart != 0 || chunks[1].OverlapStart != 48*rate {
		t.Fatalf("unexpected overlap starts %d, %d", chunks[0].OverlapStart, chunks[1].OverlapStart)
	}
}

func TestChunkCoverage(t *testing.T) {
	const rate = 100
	c, err := NewChunker(3, 0.5)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	for _, total := range []int{1, 299, 300, 301, 555, 1000, 1234} {
		chunks := c.Chunk(make([]float32, total), rate)
		if len(chunks) == 0 {
			t.Fatalf("total=%d: no chunks", total)
		}
		if chunks[0].StartFrame != 0 {
			t.Fatalf("total=%d: first chunk starts at %d", total, chunks[0].StartFrame)
		}
		for i, ch := range chunks {
			if ch.StartFrame >= ch.EndFrame {
				t.Fatalf("total=%d chunk %d: empty window", total, i)
			}
			if i > 0 {
				prev := chunks[i-1]
				if ch.EndFrame <= prev.EndFrame {
					t.Fatalf("total=%d chunk %d: end frames not increasing", total, i)
				}
				if ch.StartFrame > prev.EndFrame {
					t.Fatalf("total=%d chunk %d: gap after %d", total, i, prev.EndFrame)
				}
			}
		}
		if last := chunks[len(chunks)-1].EndFrame; last != total {
			t.Fatalf("total=%d: last chunk ends at %d", total, last)
		}
	}
}

func TestChunkShortInput(t *testing.T) {
	c, err := NewChunker(50, 2)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	chunks := c.Chunk(make([]float32, 1000), 16000)
	if len(chunks) != 1 || chunks[0].EndFrame != 1000 || chunks[0].OverlapStart != 0 {
		t.Fatalf("expected one whole-input chunk, got %+v", chunks)
	}
	if c.NeedsChunking(1000, 16000) {
		t.Fatalf("short input reported as needing chunking")
	}
	if got := c.Chunk(nil, 16000); len(got) != 0 {
		t.Fatalf("expected no chunks for empty input")
	}
}

func TestMergeTranscriptsCountMismatch(t *testing.T) {
	c, err := NewChunker(50, 2)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	chunks := c.Chunk(make([]float32, 100*16000), 16000)
	got := c.MergeTranscripts([]string{"this is", "", "this is"}, chunks[:2])
	if got != "this is this is" {
		t.Fatalf("expected coarse join, got %q", got)
	}
	got = c.MergeTranscripts([]string{"one two three", "three four", "four five"}, chunks)
	if got != "one two three four five" {
		t.Fatalf("expected deduplicated merge, got %q", got)
	}
}

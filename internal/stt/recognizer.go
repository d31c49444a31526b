package stt

import (
	"context"
	"time"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	// Mock is set when the text came from the placeholder backend rather than
	// a loaded model.
	Mock bool
	// Audio is the duration of the transcribed input.
	Audio time.Duration
}

// Recognizer abstracts STT backends. Samples are mono floats in [-1, 1].
// Implementations return an error only when ctx ends; recognition failures
// are reported in the text.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int, final bool) (TranscriptResult, error)
}

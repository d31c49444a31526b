package vad

import (
	"math"
	"testing"
)

func TestSilenceScoresZero(t *testing.T) {
	d := New(DefaultConfig())
	if got := d.Score(make([]float32, 1600)); got != 0 {
		t.Fatalf("expected 0 for silence, got %f", got)
	}
	if got := d.Score(nil); got != 0 {
		t.Fatalf("expected 0 for empty input, got %f", got)
	}
	if d.IsSpeech(make([]float32, 1600)) {
		t.Fatalf("silence classified as speech")
	}
}

func TestLowNoiseFloorsToZero(t *testing.T) {
	d := New(DefaultConfig())
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.0005
	}
	if got := d.Score(samples); got != 0 {
		t.Fatalf("expected DC hum under threshold to score 0, got %f", got)
	}
}

func TestToneScoresAsSpeech(t *testing.T) {
	d := New(DefaultConfig())
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	score := d.Score(samples)
	if score <= 0.5 || score > 1 {
		t.Fatalf("expected loud tone to score in (0.5, 1], got %f", score)
	}
	if !d.IsSpeech(samples) {
		t.Fatalf("tone not classified as speech")
	}
}

func TestScoreIsBounded(t *testing.T) {
	d := New(DefaultConfig())
	samples := make([]float32, 512)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 1
		} else {
			samples[i] = -1
		}
	}
	if got := d.Score(samples); got < 0.999 || got > 1 {
		t.Fatalf("expected saturated score 1, got %f", got)
	}
}

func TestZeroCrossingRate(t *testing.T) {
	if got := zeroCrossingRate([]float32{1, -1, 1, -1, 1}); got != 1 {
		t.Fatalf("expected 1, got %f", got)
	}
	if got := zeroCrossingRate([]float32{1, 1, 1}); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
}

// Package vad scores short audio windows for voice activity.
package vad

import "math"

const (
	energyWeight   = 0.5
	spectralWeight = 0.3
	zcrWeight      = 0.2

	// RMS level treated as full-scale speech energy.
	referenceRMS = 0.1
)

type Config struct {
	SilenceThreshold float64
	FrameSize        int
	HopSize          int
}

func DefaultConfig() Config {
	return Config{SilenceThreshold: 0.02, FrameSize: 256, HopSize: 128}
}

// Detector computes a [0,1] voice confidence from energy, spectral activity
// and zero-crossing rate. It holds no per-stream state.
type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	if cfg.HopSize <= 0 {
		cfg.HopSize = def.HopSize
	}
	return &Detector{cfg: cfg}
}

// Score returns the voice confidence for samples. Windows whose weighted
// score falls under the silence threshold score exactly zero.
func (d *Detector) Score(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	score := energyWeight*clamp01(rms(samples)/referenceRMS) +
		spectralWeight*d.spectralActivity(samples) +
		zcrWeight*zeroCrossingRate(samples)
	if score < d.cfg.SilenceThreshold {
		return 0
	}
	return clamp01(score)
}

// IsSpeech reports whether samples score above the silence threshold.
func (d *Detector) IsSpeech(samples []float32) bool {
	return d.Score(samples) > 0
}

// Reset clears per-stream state.
func (d *Detector) Reset() {}

func (d *Detector) Threshold() float64 { return d.cfg.SilenceThreshold }

// spectralActivity averages the RMS of the first difference over sliding
// sub-frames, a cheap proxy for high-frequency content.
func (d *Detector) spectralActivity(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	diff := make([]float32, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		diff[i-1] = samples[i] - samples[i-1]
	}
	if len(diff) <= d.cfg.FrameSize {
		return clamp01(rms(diff) / referenceRMS)
	}
	var sum float64
	var frames int
	for start := 0; start+d.cfg.FrameSize <= len(diff); start += d.cfg.HopSize {
		sum += rms(diff[start : start+d.cfg.FrameSize])
		frames++
	}
	return clamp01(sum / float64(frames) / referenceRMS)
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func zeroCrossingRate(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(samples); i++ {
		if (samples[i] >= 0) != (samples[i-1] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

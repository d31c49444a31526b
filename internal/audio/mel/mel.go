// Package mel computes log-mel spectrograms for the acoustic encoder.
package mel

import (
	"errors"
	"fmt"
	"math"
)

// Normalization modes.
const (
	NormalizeFixed      = "fixed"
	NormalizePerFeature = "per_feature"
	NormalizeNone       = "none"
)

const (
	logFloor          = 1e-10
	perFeatureEpsilon = 1e-5
)

// ErrInvalidConfig reports an unusable extractor configuration.
var ErrInvalidConfig = errors.New("mel: invalid config")

// Normalization selects how log-mel values are scaled after extraction.
type Normalization struct {
	Mode string
	Mean float64
	Std  float64
}

type Config struct {
	SampleRate    int
	NumMels       int
	FFTSize       int
	WindowLength  int
	HopLength     int
	FMin          float64
	FMax          float64
	Normalization Normalization
}

// DefaultConfig matches the 16 kHz, 80-bin front end the encoder was trained on.
func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		NumMels:      80,
		FFTSize:      512,
		WindowLength: 400,
		HopLength:    160,
		FMin:         0,
		FMax:         8000,
		Normalization: Normalization{
			Mode: NormalizeFixed,
			Mean: -4.0,
			Std:  4.0,
		},
	}
}

func (c Config) validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate must be positive", ErrInvalidConfig)
	case c.NumMels <= 0:
		return fmt.Errorf("%w: mel bins must be positive", ErrInvalidConfig)
	case c.FFTSize <= 0 || c.FFTSize&(c.FFTSize-1) != 0:
		return fmt.Errorf("%w: fft size %d is not a power of two", ErrInvalidConfig, c.FFTSize)
	case c.WindowLength <= 0 || c.WindowLength > c.FFTSize:
		return fmt.Errorf("%w: window length %d must be in (0, %d]", ErrInvalidConfig, c.WindowLength, c.FFTSize)
	case c.HopLength <= 0:
		return fmt.Errorf("%w: hop length must be positive", ErrInvalidConfig)
	case c.FMin < 0 || c.FMax <= c.FMin:
		return fmt.Errorf("%w: frequency range [%g, %g] is empty", ErrInvalidConfig, c.FMin, c.FMax)
	case c.FMax > float64(c.SampleRate)/2:
		return fmt.Errorf("%w: fmax %g exceeds nyquist", ErrInvalidConfig, c.FMax)
	}
	switch c.Normalization.Mode {
	case "", NormalizeFixed:
		if c.Normalization.Std == 0 {
			return fmt.Errorf("%w: fixed normalization needs a non-zero std", ErrInvalidConfig)
		}
	case NormalizePerFeature, NormalizeNone:
	default:
		return fmt.Errorf("%w: unknown normalization mode %q", ErrInvalidConfig, c.Normalization.Mode)
	}
	return nil
}

// Spectrogram is a [frames][bins] matrix of normalised log-mel values.
type Spectrogram struct {
	Data    [][]float32
	Frames  int
	Bins    int
	Samples int // source waveform length
}

// ChannelsFirst flattens the matrix to bins-major order, the [1, bins, frames]
// layout the encoder consumes.
func (s Spectrogram) ChannelsFirst() []float32 {
	out := make([]float32, s.Bins*s.Frames)
	for f, row := range s.Data {
		for b, v := range row {
			out[b*s.Frames+f] = v
		}
	}
	return out
}

// PadFrames returns a copy padded with value up to a multiple of multiple frames.
func (s Spectrogram) PadFrames(multiple int, value float32) Spectrogram {
	if multiple <= 1 || s.Frames%multiple == 0 {
		return s
	}
	target := (s.Frames/multiple + 1) * multiple
	data := make([][]float32, target)
	copy(data, s.Data)
	for f := s.Frames; f < target; f++ {
		row := make([]float32, s.Bins)
		if value != 0 {
			for b := range row {
				row[b] = value
			}
		}
		data[f] = row
	}
	return Spectrogram{Data: data, Frames: target, Bins: s.Bins, Samples: s.Samples}
}

// Extractor turns waveforms into log-mel spectrograms. It is immutable and
// safe for concurrent use.
type Extractor struct {
	cfg     Config
	window  []float64
	filters [][]float64
	fft     *fft
}

func New(cfg Config) (*Extractor, error) {
	if cfg.Normalization.Mode == "" {
		cfg.Normalization.Mode = NormalizeFixed
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Extractor{
		cfg:     cfg,
		window:  hann(cfg.WindowLength),
		filters: filterbank(cfg),
		fft:     newFFT(cfg.FFTSize),
	}, nil
}

// Config returns the extractor's configuration.
func (e *Extractor) Config() Config { return e.cfg }

// WithNumMels returns a new extractor with a different mel bin count.
func (e *Extractor) WithNumMels(n int) (*Extractor, error) {
	cfg := e.cfg
	cfg.NumMels = n
	return New(cfg)
}

// FrameCount returns how many frames Extract produces for n samples.
func (e *Extractor) FrameCount(n int) int {
	if n <= 0 {
		return 0
	}
	if n < e.cfg.WindowLength {
		return 1
	}
	return (n-e.cfg.WindowLength)/e.cfg.HopLength + 1
}

// Extract computes the normalised log-mel spectrogram of samples.
func (e *Extractor) Extract(samples []float32) Spectrogram {
	frames := e.FrameCount(len(samples))
	spec := Spectrogram{Data: make([][]float32, frames), Frames: frames, Bins: e.cfg.NumMels, Samples: len(samples)}
	if frames == 0 {
		return spec
	}

	re := make([]float64, e.cfg.FFTSize)
	im := make([]float64, e.cfg.FFTSize)
	power := make([]float64, e.cfg.FFTSize/2+1)
	for f := 0; f < frames; f++ {
		start := f * e.cfg.HopLength
		for i := range re {
			re[i], im[i] = 0, 0
		}
		for i := 0; i < e.cfg.WindowLength && start+i < len(samples); i++ {
			re[i] = float64(samples[start+i]) * e.window[i]
		}
		e.fft.transform(re, im)
		for k := range power {
			power[k] = re[k]*re[k] + im[k]*im[k]
		}

		row := make([]float32, e.cfg.NumMels)
		for m, filter := range e.filters {
			var energy float64
			for k, w := range filter {
				if w != 0 {
					energy += w * power[k]
				}
			}
			row[m] = float32(math.Log(math.Max(energy, logFloor)))
		}
		spec.Data[f] = row
	}

	e.normalize(spec)
	return spec
}

func (e *Extractor) normalize(spec Spectrogram) {
	norm := e.cfg.Normalization
	switch norm.Mode {
	case NormalizeNone:
		return
	case NormalizePerFeature:
		for b := 0; b < spec.Bins; b++ {
			var mean float64
			for f := 0; f < spec.Frames; f++ {
				mean += float64(spec.Data[f][b])
			}
			mean /= float64(spec.Frames)
			var variance float64
			for f := 0; f < spec.Frames; f++ {
				d := float64(spec.Data[f][b]) - mean
				variance += d * d
			}
			variance /= float64(spec.Frames)
			std := math.Sqrt(variance) + perFeatureEpsilon
			for f := 0; f < spec.Frames; f++ {
				spec.Data[f][b] = float32((float64(spec.Data[f][b]) - mean) / std)
			}
		}
	default:
		mean, std := float32(norm.Mean), float32(norm.Std)
		for _, row := range spec.Data {
			for b := range row {
				row[b] = (row[b] - mean) / std
			}
		}
	}
}

// hann builds a periodic Hann window.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// filterbank builds triangular HTK mel filters over the positive FFT bins.
func filterbank(cfg Config) [][]float64 {
	bins := cfg.FFTSize/2 + 1
	lo, hi := hzToMel(cfg.FMin), hzToMel(cfg.FMax)
	points := make([]float64, cfg.NumMels+2)
	for i := range points {
		points[i] = melToHz(lo + (hi-lo)*float64(i)/float64(cfg.NumMels+1))
	}
	binHz := float64(cfg.SampleRate) / float64(cfg.FFTSize)

	filters := make([][]float64, cfg.NumMels)
	for m := range filters {
		left, center, right := points[m], points[m+1], points[m+2]
		row := make([]float64, bins)
		for k := range row {
			hz := float64(k) * binHz
			switch {
			case hz > left && hz <= center && center > left:
				row[k] = (hz - left) / (center - left)
			case hz > center && hz < right && right > center:
				row[k] = (right - hz) / (right - center)
			}
		}
		filters[m] = row
	}
	return filters
}

package asr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-asr/internal/audio/mel"
)

const DefaultSpecFile = "model_spec.json"

// Length semantics for the encoder's length input.
const (
	LengthPaddedFrames = "padded_frames"
	LengthFrames       = "frames"
	LengthSamples      = "samples"
)

const (
	PaddingMultiple = "multiple"
	PaddingNone     = "none"
)

const DecodingTDT = "tdt"

// ModelSpec is the side-car contract shipped next to the model graphs. It
// is read once at load and shared read-only afterwards.
type ModelSpec struct {
	Version         string            `json:"version" yaml:"version"`
	SampleRate      int               `json:"sample_rate" yaml:"sample_rate"`
	MelBins         int               `json:"mel_bins" yaml:"mel_bins"`
	NFFT            int               `json:"n_fft" yaml:"n_fft"`
	WinLength       int               `json:"win_length" yaml:"win_length"`
	HopLength       int               `json:"hop_length" yaml:"hop_length"`
	FMin            float64           `json:"fmin" yaml:"fmin"`
	FMax            float64           `json:"fmax" yaml:"fmax"`
	Normalization   NormalizationSpec `json:"normalization" yaml:"normalization"`
	Padding         PaddingSpec       `json:"padding" yaml:"padding"`
	LengthSemantics string            `json:"length_semantics" yaml:"length_semantics"`
	Decoding        DecodingSpec      `json:"decoding" yaml:"decoding"`
	State           StateSpec         `json:"state" yaml:"state"`
	Encoder         GraphSpec         `json:"encoder" yaml:"encoder"`
	Decoder         GraphSpec         `json:"decoder" yaml:"decoder"`
	VocabularyFile  string            `json:"vocabulary_file" yaml:"vocabulary_file"`
	Chunking        ChunkingSpec      `json:"chunking" yaml:"chunking"`
	Limits          LimitsSpec        `json:"limits" yaml:"limits"`
}

type NormalizationSpec struct {
	Mode string  `json:"mode" yaml:"mode"`
	Mean float64 `json:"mean" yaml:"mean"`
	Std  float64 `json:"std" yaml:"std"`
}

type PaddingSpec struct {
	Strategy string  `json:"strategy" yaml:"strategy"`
	Multiple int     `json:"multiple" yaml:"multiple"`
	Value    float32 `json:"value" yaml:"value"`
}

type DecodingSpec struct {
	Type      string `json:"type" yaml:"type"`
	BlankID   *int   `json:"blank_id" yaml:"blank_id"`
	Durations []int  `json:"durations" yaml:"durations"`
}

type StateSpec struct {
	Layers     int `json:"layers" yaml:"layers"`
	HiddenSize int `json:"hidden_size" yaml:"hidden_size"`
}

// GraphSpec names a graph file and the tensor names the adapter binds to,
// in role order.
type GraphSpec struct {
	File    string   `json:"file" yaml:"file"`
	Inputs  []string `json:"inputs" yaml:"inputs"`
	Outputs []string `json:"outputs" yaml:"outputs"`
}

type ChunkingSpec struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	ChunkSeconds   float64 `json:"chunk_seconds" yaml:"chunk_seconds"`
	OverlapSeconds float64 `json:"overlap_seconds" yaml:"overlap_seconds"`
}

type LimitsSpec struct {
	MinFrames int `json:"min_frames" yaml:"min_frames"`
	MaxFrames int `json:"max_frames" yaml:"max_frames"`
}

// LoadModelSpec reads a JSON or YAML model specification, fills unset
// fields with defaults and validates the result.
func LoadModelSpec(path string) (*ModelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model spec: %w", err)
	}
	return ParseModelSpec(data)
}

// ParseModelSpec decodes a document starting with '{' as strict JSON and
// anything else as YAML.
func ParseModelSpec(data []byte) (*ModelSpec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("parse model spec: empty document")
	}
	var spec ModelSpec
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("parse model spec: %w", err)
		}
	} else if err := yaml.Unmarshal(trimmed, &spec); err != nil {
		return nil, fmt.Errorf("parse model spec: %w", err)
	}
	spec.applyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// DefaultModelSpec describes a Parakeet-style TDT export with an 80-bin
// front end.
func DefaultModelSpec() ModelSpec {
	var spec ModelSpec
	spec.applyDefaults()
	return spec
}

func (s *ModelSpec) applyDefaults() {
	if s.Version == "" {
		s.Version = "1"
	}
	if s.SampleRate == 0 {
		s.SampleRate = 16000
	}
	if s.MelBins == 0 {
		s.MelBins = 80
	}
	if s.NFFT == 0 {
		s.NFFT = 512
	}
	if s.WinLength == 0 {
		s.WinLength = 400
	}
	if s.HopLength == 0 {
		s.HopLength = 160
	}
	if s.FMax == 0 {
		s.FMax = float64(s.SampleRate) / 2
	}
	if s.Normalization.Mode == "" {
		s.Normalization.Mode = mel.NormalizeFixed
	}
	if s.Normalization.Mode == mel.NormalizeFixed && s.Normalization.Std == 0 {
		s.Normalization.Mean = -4.0
		s.Normalization.Std = 4.0
	}
	if s.Padding.Strategy == "" {
		s.Padding.Strategy = PaddingMultiple
	}
	if s.Padding.Multiple == 0 {
		s.Padding.Multiple = 8
	}
	if s.LengthSemantics == "" {
		s.LengthSemantics = LengthPaddedFrames
	}
	if s.Decoding.Type == "" {
		s.Decoding.Type = DecodingTDT
	}
	if s.Decoding.BlankID == nil {
		blank := 1024
		s.Decoding.BlankID = &blank
	}
	if len(s.Decoding.Durations) == 0 {
		s.Decoding.Durations = []int{0, 1, 2, 3, 4}
	}
	if s.State.Layers == 0 {
		s.State.Layers = 2
	}
	if s.State.HiddenSize == 0 {
		s.State.HiddenSize = 640
	}
	if s.Encoder.File == "" {
		s.Encoder.File = "encoder.onnx"
	}
	if len(s.Encoder.Inputs) == 0 {
		s.Encoder.Inputs = []string{"audio_signal", "length"}
	}
	if len(s.Encoder.Outputs) == 0 {
		s.Encoder.Outputs = []string{"outputs", "encoded_lengths"}
	}
	if s.Decoder.File == "" {
		s.Decoder.File = "decoder.onnx"
	}
	if len(s.Decoder.Inputs) == 0 {
		s.Decoder.Inputs = []string{"encoder_outputs", "targets", "input_states_1", "input_states_2"}
	}
	if len(s.Decoder.Outputs) == 0 {
		s.Decoder.Outputs = []string{"outputs", "output_states_1", "output_states_2"}
	}
	if s.VocabularyFile == "" {
		s.VocabularyFile = "vocab.txt"
	}
	if s.Chunking.ChunkSeconds == 0 {
		s.Chunking.ChunkSeconds = 50
		if s.Chunking.OverlapSeconds == 0 {
			s.Chunking.OverlapSeconds = 2
		}
	}
	if s.Limits.MinFrames == 0 {
		s.Limits.MinFrames = 5
	}
	if s.Limits.MaxFrames == 0 {
		s.Limits.MaxFrames = 6000
	}
}

func (s *ModelSpec) Validate() error {
	switch {
	case s.SampleRate <= 0:
		return fmt.Errorf("model spec: sample_rate must be positive")
	case s.MelBins <= 0:
		return fmt.Errorf("model spec: mel_bins must be positive")
	case s.HopLength <= 0 || s.WinLength <= 0:
		return fmt.Errorf("model spec: win_length and hop_length must be positive")
	}
	switch s.LengthSemantics {
	case LengthPaddedFrames, LengthFrames, LengthSamples:
	default:
		return fmt.Errorf("model spec: unknown length_semantics %q", s.LengthSemantics)
	}
	switch s.Padding.Strategy {
	case PaddingMultiple:
		if s.Padding.Multiple < 1 {
			return fmt.Errorf("model spec: padding multiple must be at least 1")
		}
	case PaddingNone:
	default:
		return fmt.Errorf("model spec: unknown padding strategy %q", s.Padding.Strategy)
	}
	if s.Decoding.Type != DecodingTDT {
		return fmt.Errorf("model spec: unsupported decoding type %q", s.Decoding.Type)
	}
	if s.BlankID() < 0 {
		return fmt.Errorf("model spec: blank_id must be non-negative")
	}
	if s.State.Layers <= 0 || s.State.HiddenSize <= 0 {
		return fmt.Errorf("model spec: state layers and hidden_size must be positive")
	}
	if len(s.Encoder.Inputs) < 2 || len(s.Encoder.Outputs) < 1 {
		return fmt.Errorf("model spec: encoder needs audio and length inputs and a hidden-state output")
	}
	if len(s.Decoder.Inputs) < 4 || len(s.Decoder.Outputs) < 3 {
		return fmt.Errorf("model spec: decoder needs hidden, target and two state inputs and three outputs")
	}
	if s.Chunking.Enabled && (s.Chunking.ChunkSeconds <= 0 || s.Chunking.OverlapSeconds < 0 || s.Chunking.OverlapSeconds >= s.Chunking.ChunkSeconds) {
		return fmt.Errorf("model spec: chunking overlap %gs must be below chunk length %gs", s.Chunking.OverlapSeconds, s.Chunking.ChunkSeconds)
	}
	if s.Limits.MinFrames < 0 || s.Limits.MaxFrames < s.Limits.MinFrames {
		return fmt.Errorf("model spec: limits must satisfy 0 <= min_frames <= max_frames")
	}
	return nil
}

func (s *ModelSpec) BlankID() int {
	if s.Decoding.BlankID == nil {
		return 0
	}
	return *s.Decoding.BlankID
}

// MelConfig derives the feature extractor configuration.
func (s *ModelSpec) MelConfig() mel.Config {
	return mel.Config{
		SampleRate:   s.SampleRate,
		NumMels:      s.MelBins,
		FFTSize:      s.NFFT,
		WindowLength: s.WinLength,
		HopLength:    s.HopLength,
		FMin:         s.FMin,
		FMax:         s.FMax,
		Normalization: mel.Normalization{
			Mode: s.Normalization.Mode,
			Mean: s.Normalization.Mean,
			Std:  s.Normalization.Std,
		},
	}
}

// PadMultiple is the frame multiple the encoder input is padded to.
func (s *ModelSpec) PadMultiple() int {
	if s.Padding.Strategy == PaddingNone {
		return 1
	}
	return s.Padding.Multiple
}

// LengthValue computes the encoder length input from the unpadded and padded
// frame counts and the source sample count.
func (s *ModelSpec) LengthValue(frames, paddedFrames, samples int) int64 {
	switch s.LengthSemantics {
	case LengthFrames:
		return int64(frames)
	case LengthSamples:
		return int64(samples)
	default:
		return int64(paddedFrames)
	}
}

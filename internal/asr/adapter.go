// Package asr drives a two-graph token-and-duration transducer: a log-mel
// front end, an acoustic encoder and a step-wise decoder/joint network.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-asr/internal/audio/mel"
	"github.com/loqalabs/loqa-asr/internal/chunking"
)

var (
	ErrAudioTooShort = errors.New("asr: audio too short")
	ErrAudioTooLong  = errors.New("asr: audio too long")
	ErrNotLoaded     = errors.New("asr: model not loaded")
)

// Mode reports what an adapter produces transcripts with.
type Mode string

const (
	ModeUnloaded Mode = "unloaded"
	ModeModel    Mode = "model"
	// ModeMock returns placeholder transcripts because no model graphs
	// were found.
	ModeMock Mode = "mock"
)

// ChunkFailedMarker is substituted for the transcript of a chunk whose
// inference failed. Chunks are numbered from 1.
func ChunkFailedMarker(index int) string {
	return fmt.Sprintf("[chunk %d failed]", index+1)
}

type Options struct {
	ModelDir string
	// SpecFile defaults to model_spec.json inside ModelDir.
	SpecFile string
	// Engine opens the graphs. A nil engine puts the adapter in mock mode.
	Engine Engine
	Logger *slog.Logger
	// MinFrames and MaxFrames override the model spec limits when positive.
	MinFrames int
	MaxFrames int
	// Chunking overrides the model spec chunking section when set.
	Chunking *ChunkingSpec
	// ForceMock skips graph loading and tolerates a missing spec file.
	ForceMock bool
}

// ioBinding resolves a graph's role-ordered tensor names against what the
// graph declares.
type ioBinding struct {
	names []string
	infos []TensorInfo
}

func (b ioBinding) dtype(i int, fallback DType) DType {
	if i < len(b.infos) && b.infos[i].DType != DTypeUnknown {
		return b.infos[i].DType
	}
	return fallback
}

// Adapter loads a model directory once and transcribes audio against it.
// After Load it is safe for concurrent use.
type Adapter struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	loaded atomic.Bool
	// use is held shared by inference calls and exclusively while the
	// graphs are opened or released.
	use sync.RWMutex

	mode      Mode
	spec      *ModelSpec
	extractor *mel.Extractor
	vocab     *Vocabulary
	chunker   *chunking.Chunker
	minFrames int
	maxFrames int

	encoder Graph
	decoder Graph
	encIn   ioBinding
	encOut  ioBinding
	decIn   ioBinding
	decOut  ioBinding

	serialize bool
	runMu     sync.Mutex
}

func New(opts Options) *Adapter {
	if opts.SpecFile == "" {
		opts.SpecFile = DefaultSpecFile
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		opts:   opts,
		logger: logger.With(slog.String("component", "asr")),
		mode:   ModeUnloaded,
	}
}

// Load reads the model spec, builds the feature extractor, opens the graphs
// and loads the vocabulary. Concurrent callers wait for the first load and
// return without reloading. A missing or invalid spec fails the load; missing
// graph files select mock mode.
func (a *Adapter) Load(ctx context.Context) error {
	if a.loaded.Load() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded.Load() {
		return nil
	}
	a.use.Lock()
	defer a.use.Unlock()

	spec, err := a.loadSpec()
	if err != nil {
		return err
	}
	extractor, err := mel.New(spec.MelConfig())
	if err != nil {
		return fmt.Errorf("build feature extractor: %w", err)
	}

	var chunker *chunking.Chunker
	if spec.Chunking.Enabled {
		chunker, err = chunking.NewChunker(spec.Chunking.ChunkSeconds, spec.Chunking.OverlapSeconds)
		if err != nil {
			return fmt.Errorf("build chunker: %w", err)
		}
	}

	minFrames, maxFrames := spec.Limits.MinFrames, spec.Limits.MaxFrames
	if a.opts.MinFrames > 0 {
		minFrames = a.opts.MinFrames
	}
	if a.opts.MaxFrames > 0 {
		maxFrames = a.opts.MaxFrames
	}

	mode := ModeModel
	encPath := a.resolve(spec.Encoder.File)
	decPath := a.resolve(spec.Decoder.File)
	missing := missingFiles(encPath, decPath)
	switch {
	case a.opts.ForceMock:
		mode = ModeMock
	case a.opts.Engine == nil || len(missing) > 0:
		a.logger.Warn("model graphs unavailable, serving placeholder transcripts",
			slog.String("model_dir", a.opts.ModelDir),
			slog.Any("missing", missing),
			slog.Bool("engine", a.opts.Engine != nil),
		)
		mode = ModeMock
	default:
		if err := a.openGraphs(ctx, spec, encPath, decPath); err != nil {
			return err
		}
		extractor = a.reconcileMelBins(spec, extractor)
	}

	a.spec = spec
	a.extractor = extractor
	a.chunker = chunker
	a.minFrames = minFrames
	a.maxFrames = maxFrames
	a.mode = mode
	if mode == ModeModel {
		a.vocab = a.loadVocabulary(spec)
	}
	a.loaded.Store(true)

	a.logger.Info("speech model loaded",
		slog.String("mode", string(mode)),
		slog.String("version", spec.Version),
		slog.Int("mel_bins", extractor.Config().NumMels),
		slog.Bool("chunking", chunker != nil),
		slog.Bool("serialized", a.serialize),
	)
	return nil
}

func (a *Adapter) loadSpec() (*ModelSpec, error) {
	path := a.resolve(a.opts.SpecFile)
	spec, err := LoadModelSpec(path)
	if err != nil {
		if !a.opts.ForceMock || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load model spec %s: %w", path, err)
		}
		def := DefaultModelSpec()
		spec = &def
	}
	if a.opts.Chunking != nil {
		spec.Chunking = *a.opts.Chunking
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

func (a *Adapter) resolve(name string) string {
	if filepath.IsAbs(name) || a.opts.ModelDir == "" {
		return name
	}
	return filepath.Join(a.opts.ModelDir, name)
}

func missingFiles(paths ...string) []string {
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}

func (a *Adapter) openGraphs(ctx context.Context, spec *ModelSpec, encPath, decPath string) error {
	encoder, err := a.opts.Engine.Open(ctx, encPath)
	if err != nil {
		return fmt.Errorf("open encoder %s: %w", encPath, err)
	}
	decoder, err := a.opts.Engine.Open(ctx, decPath)
	if err != nil {
		_ = encoder.Close()
		return fmt.Errorf("open decoder %s: %w", decPath, err)
	}

	var bindErr error
	bind := func(kind string, want []string, declared []TensorInfo) ioBinding {
		b, err := bindTensors(want, declared)
		if err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind %s: %w", kind, err)
		}
		return b
	}
	encIn := bind("encoder inputs", spec.Encoder.Inputs, encoder.Inputs())
	encOut := bind("encoder outputs", spec.Encoder.Outputs, encoder.Outputs())
	decIn := bind("decoder inputs", spec.Decoder.Inputs, decoder.Inputs())
	decOut := bind("decoder outputs", spec.Decoder.Outputs, decoder.Outputs())
	if bindErr != nil {
		_ = encoder.Close()
		_ = decoder.Close()
		return bindErr
	}

	a.encoder, a.decoder = encoder, decoder
	a.encIn, a.encOut, a.decIn, a.decOut = encIn, encOut, decIn, decOut
	a.serialize = true
	if cr, ok := a.opts.Engine.(ConcurrentRunner); ok && cr.ConcurrentRun() {
		a.serialize = false
	}
	return nil
}

// bindTensors maps each wanted name to a declared tensor, by name first and
// then by position. Graphs that declare nothing are bound by name as-is.
func bindTensors(want []string, declared []TensorInfo) (ioBinding, error) {
	b := ioBinding{names: make([]string, len(want)), infos: make([]TensorInfo, len(want))}
	if len(declared) == 0 {
		for i, name := range want {
			b.names[i] = name
			b.infos[i] = TensorInfo{Name: name}
		}
		return b, nil
	}
	byName := make(map[string]TensorInfo, len(declared))
	for _, info := range declared {
		byName[info.Name] = info
	}
	for i, name := range want {
		info, ok := byName[name]
		if !ok {
			if i >= len(declared) {
				return ioBinding{}, fmt.Errorf("tensor %q not declared and no tensor at position %d", name, i)
			}
			info = declared[i]
		}
		b.names[i] = info.Name
		b.infos[i] = info
	}
	return b, nil
}

// reconcileMelBins rebuilds the extractor when the encoder declares a fixed
// mel dimension that disagrees with the model spec.
func (a *Adapter) reconcileMelBins(spec *ModelSpec, extractor *mel.Extractor) *mel.Extractor {
	if len(a.encIn.infos) == 0 {
		return extractor
	}
	shape := a.encIn.infos[0].Shape
	if len(shape) != 3 || shape[1] <= 0 || int(shape[1]) == spec.MelBins {
		return extractor
	}
	rebuilt, err := extractor.WithNumMels(int(shape[1]))
	if err != nil {
		a.logger.Warn("encoder mel dimension rejected, keeping spec value",
			slog.Int("declared", int(shape[1])),
			slog.Int("spec", spec.MelBins),
			slogError(err),
		)
		return extractor
	}
	a.logger.Warn("encoder declares a different mel dimension",
		slog.Int("declared", int(shape[1])),
		slog.Int("spec", spec.MelBins),
	)
	return rebuilt
}

func (a *Adapter) loadVocabulary(spec *ModelSpec) *Vocabulary {
	path := a.resolve(spec.VocabularyFile)
	vocab, err := LoadVocabulary(path)
	if err != nil {
		a.logger.Warn("vocabulary unavailable, decoding token ids as bytes",
			slog.String("path", path),
			slogError(err),
		)
		return nil
	}
	if n := vocab.Len(); n != spec.BlankID() && n != spec.BlankID()+1 {
		a.logger.Warn("vocabulary size does not match blank id",
			slog.Int("pieces", n),
			slog.Int("blank_id", spec.BlankID()),
		)
	}
	return vocab
}

// Close waits for in-flight inference, then releases the graphs. The
// adapter can be loaded again afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.use.Lock()
	defer a.use.Unlock()
	var errs []error
	if a.encoder != nil {
		errs = append(errs, a.encoder.Close())
	}
	if a.decoder != nil {
		errs = append(errs, a.decoder.Close())
	}
	a.encoder, a.decoder = nil, nil
	a.loaded.Store(false)
	a.mode = ModeUnloaded
	return errors.Join(errs...)
}

func (a *Adapter) Loaded() bool { return a.loaded.Load() }

func (a *Adapter) Mode() Mode {
	a.use.RLock()
	defer a.use.RUnlock()
	if !a.loaded.Load() {
		return ModeUnloaded
	}
	return a.mode
}

// Spec returns a copy of the loaded model spec.
func (a *Adapter) Spec() (ModelSpec, bool) {
	if !a.loaded.Load() {
		return ModelSpec{}, false
	}
	return *a.spec, true
}

// SampleRate is the rate the model expects, 16 kHz before load.
func (a *Adapter) SampleRate() int {
	if !a.loaded.Load() {
		return DefaultModelSpec().SampleRate
	}
	return a.spec.SampleRate
}

// GraphIO returns the declared inputs and outputs of the encoder and decoder.
func (a *Adapter) GraphIO() map[string][]TensorInfo {
	a.use.RLock()
	defer a.use.RUnlock()
	if !a.loaded.Load() || a.mode != ModeModel {
		return nil
	}
	return map[string][]TensorInfo{
		"encoder.inputs":  a.encoder.Inputs(),
		"encoder.outputs": a.encoder.Outputs(),
		"decoder.inputs":  a.decoder.Inputs(),
		"decoder.outputs": a.decoder.Outputs(),
	}
}

// PrepareInput computes the normalised log-mel features for samples at the
// model sample rate.
func (a *Adapter) PrepareInput(samples []float32) (mel.Spectrogram, error) {
	if !a.loaded.Load() {
		return mel.Spectrogram{}, ErrNotLoaded
	}
	return a.extractor.Extract(samples), nil
}

// Infer runs single-pass recognition over a prepared spectrogram.
func (a *Adapter) Infer(ctx context.Context, features mel.Spectrogram) (string, error) {
	a.use.RLock()
	defer a.use.RUnlock()
	if !a.loaded.Load() {
		return "", ErrNotLoaded
	}
	return a.infer(ctx, features)
}

// infer expects a.use held for reading and the adapter loaded.
func (a *Adapter) infer(ctx context.Context, features mel.Spectrogram) (string, error) {
	if features.Frames < a.minFrames {
		return "", fmt.Errorf("%w: %d frames, need at least %d", ErrAudioTooShort, features.Frames, a.minFrames)
	}
	if features.Frames > a.maxFrames && a.chunker == nil {
		return "", fmt.Errorf("%w: %d frames exceeds %d", ErrAudioTooLong, features.Frames, a.maxFrames)
	}
	if a.mode == ModeMock {
		return mockTranscript(a.durationSeconds(features)), nil
	}

	hidden, encodedLen, err := a.runEncoder(ctx, features)
	if err != nil {
		return "", err
	}
	res, err := greedyDecode(ctx, decodeParams{
		encodedLen: encodedLen,
		blankID:    a.spec.BlankID(),
		durations:  a.spec.Decoding.Durations,
		layers:     a.spec.State.Layers,
		hidden:     a.spec.State.HiddenSize,
	}, a.decoderStep(hidden), a.logger)
	if err != nil {
		return "", err
	}
	return a.vocab.Decode(res.tokens, a.spec.BlankID()), nil
}

// Transcribe recognises samples at the model sample rate. Input longer than
// the single-pass limit is split into overlapping chunks when chunking is
// enabled; chunks are decoded in order with fresh decoder state and merged.
func (a *Adapter) Transcribe(ctx context.Context, samples []float32) (string, error) {
	a.use.RLock()
	defer a.use.RUnlock()
	if !a.loaded.Load() {
		return "", ErrNotLoaded
	}
	if a.mode == ModeModel && a.chunker != nil && a.extractor.FrameCount(len(samples)) > a.maxFrames {
		return a.transcribeChunked(ctx, samples)
	}
	return a.infer(ctx, a.extractor.Extract(samples))
}

func (a *Adapter) transcribeChunked(ctx context.Context, samples []float32) (string, error) {
	chunks := a.chunker.Chunk(samples, a.spec.SampleRate)
	transcripts := make([]string, len(chunks))
	for i, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := a.infer(ctx, a.extractor.Extract(ch.Samples))
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return "", ctx.Err()
		case errors.Is(err, ErrAudioTooShort):
			// a sliver of trailing audio carries no words
			text = ""
		default:
			a.logger.Warn("chunk transcription failed",
				slog.Int("chunk", i+1),
				slog.Int("start_frame", ch.StartFrame),
				slog.Int("end_frame", ch.EndFrame),
				slogError(err),
			)
			text = ChunkFailedMarker(i)
		}
		transcripts[i] = text
	}
	a.logger.Debug("merged chunk transcripts", slog.Int("chunks", len(chunks)))
	return a.chunker.MergeTranscripts(transcripts, chunks), nil
}

func (a *Adapter) runEncoder(ctx context.Context, features mel.Spectrogram) (*Tensor, int, error) {
	padded := features.PadFrames(a.spec.PadMultiple(), a.spec.Padding.Value)
	length := a.spec.LengthValue(features.Frames, padded.Frames, features.Samples)
	inputs := map[string]*Tensor{
		a.encIn.names[0]: NewFloat32Tensor([]int64{1, int64(padded.Bins), int64(padded.Frames)}, padded.ChannelsFirst()),
		a.encIn.names[1]: NewIntTensor(a.encIn.dtype(1, DTypeInt64), []int64{1}, length),
	}
	out, err := a.run(ctx, a.encoder, inputs, a.encOut.names)
	if err != nil {
		return nil, 0, fmt.Errorf("run encoder: %w", err)
	}

	hidden := out[a.encOut.names[0]]
	if hidden == nil || hidden.DType != DTypeFloat32 || len(hidden.Shape) != 3 {
		return nil, 0, fmt.Errorf("encoder output %q is not a [1, D, T] float tensor", a.encOut.names[0])
	}
	encodedLen := int(hidden.Shape[2])
	if len(a.encOut.names) > 1 {
		if lengths := out[a.encOut.names[1]]; lengths != nil {
			if v, err := lengths.IntAt(0); err == nil && v > 0 && int(v) < encodedLen {
				encodedLen = int(v)
			}
		}
	}
	return hidden, encodedLen, nil
}

func (a *Adapter) decoderStep(hidden *Tensor) stepFunc {
	targetType := a.decIn.dtype(1, DTypeInt32)
	return func(ctx context.Context, label int, state DecoderState) (jointOutput, DecoderState, error) {
		inputs := map[string]*Tensor{
			a.decIn.names[0]: hidden,
			a.decIn.names[1]: NewIntTensor(targetType, []int64{1, 1}, int64(label)),
			a.decIn.names[2]: NewFloat32Tensor(state.shape(), state.Hidden),
			a.decIn.names[3]: NewFloat32Tensor(state.shape(), state.Cell),
		}
		out, err := a.run(ctx, a.decoder, inputs, a.decOut.names)
		if err != nil {
			return jointOutput{}, state, err
		}

		logits := out[a.decOut.names[0]]
		if logits == nil || logits.DType != DTypeFloat32 || len(logits.Shape) == 0 {
			return jointOutput{}, state, fmt.Errorf("decoder output %q is not a float tensor", a.decOut.names[0])
		}
		width := int(logits.Shape[len(logits.Shape)-1])
		if width <= 0 || len(logits.Float32)%width != 0 {
			return jointOutput{}, state, fmt.Errorf("decoder output %q has unusable shape %v", a.decOut.names[0], logits.Shape)
		}

		next := state
		if h := out[a.decOut.names[1]]; h != nil && len(h.Float32) == len(state.Hidden) {
			next.Hidden = h.Float32
		}
		if c := out[a.decOut.names[2]]; c != nil && len(c.Float32) == len(state.Cell) {
			next.Cell = c.Float32
		}
		return jointOutput{logits: logits.Float32, rows: len(logits.Float32) / width, width: width}, next, nil
	}
}

func (a *Adapter) run(ctx context.Context, g Graph, inputs map[string]*Tensor, outputs []string) (map[string]*Tensor, error) {
	if a.serialize {
		a.runMu.Lock()
		defer a.runMu.Unlock()
	}
	return g.Run(ctx, inputs, outputs)
}

func (a *Adapter) durationSeconds(features mel.Spectrogram) float64 {
	if features.Samples > 0 {
		return float64(features.Samples) / float64(a.spec.SampleRate)
	}
	return float64(features.Frames*a.spec.HopLength) / float64(a.spec.SampleRate)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package asr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

var testVocab = []string{"▁hel", "lo", "▁world", "<unk>"}

func loadAdapter(t *testing.T, dir string, engine Engine, opts Options) *Adapter {
	t.Helper()
	opts.ModelDir = dir
	opts.Engine = engine
	opts.Logger = newLogger()
	a := New(opts)
	if err := a.Load(context.Background()); err != nil {
		t.Fatalf("load adapter: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestLoadFailsWithoutSpec(t *testing.T) {
	dir := writeModelDir(t, "", true, testVocab)
	a := New(Options{ModelDir: dir, Engine: newFakeEngine(80, &decoderScript{}), Logger: newLogger()})
	err := a.Load(context.Background())
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing spec error, got %v", err)
	}
	if a.Mode() != ModeUnloaded {
		t.Fatalf("expected unloaded mode, got %s", a.Mode())
	}
}

func TestLoadFailsWithCorruptSpec(t *testing.T) {
	dir := writeModelDir(t, `{"mel_bins": "eighty"`, true, testVocab)
	a := New(Options{ModelDir: dir, Engine: newFakeEngine(80, &decoderScript{}), Logger: newLogger()})
	if err := a.Load(context.Background()); err == nil {
		t.Fatalf("expected corrupt spec to fail load")
	}
}

func TestMissingGraphsSelectMockMode(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, false, nil)
	a := loadAdapter(t, dir, newFakeEngine(80, &decoderScript{}), Options{})
	if a.Mode() != ModeMock {
		t.Fatalf("expected mock mode, got %s", a.Mode())
	}
	oneSecond, err := a.Transcribe(context.Background(), make([]float32, 16000))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if oneSecond != mockPhrases[1] {
		t.Fatalf("expected %q, got %q", mockPhrases[1], oneSecond)
	}
	again, err := a.Transcribe(context.Background(), make([]float32, 16000))
	if err != nil || again != oneSecond {
		t.Fatalf("mock output not deterministic: %q vs %q (%v)", oneSecond, again, err)
	}
	twoSeconds, err := a.Transcribe(context.Background(), make([]float32, 32000))
	if err != nil || twoSeconds != mockPhrases[2] {
		t.Fatalf("expected %q, got %q (%v)", mockPhrases[2], twoSeconds, err)
	}
}

func TestForceMockWithoutSpec(t *testing.T) {
	a := New(Options{ModelDir: t.TempDir(), ForceMock: true, Logger: newLogger()})
	if err := a.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Mode() != ModeMock || a.SampleRate() != 16000 {
		t.Fatalf("unexpected mode %s at %d Hz", a.Mode(), a.SampleRate())
	}
}

func TestConcurrentLoadOpensGraphsOnce(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	engine := newFakeEngine(80, &decoderScript{})
	a := New(Options{ModelDir: dir, Engine: engine, Logger: newLogger()})
	t.Cleanup(func() { _ = a.Close() })

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.Load(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	if got := engine.opens.Load(); got != 2 {
		t.Fatalf("expected 2 graph opens, got %d", got)
	}
	if a.Mode() != ModeModel {
		t.Fatalf("expected model mode, got %s", a.Mode())
	}
}

// A quarter second of silence once failed with a shape mismatch between the
// padded spectrogram and the encoder length input.
func TestShortSilentBufferRunsFullPath(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	script := &decoderScript{}
	engine := newFakeEngine(80, script)
	a := loadAdapter(t, dir, engine, Options{})

	features, err := a.PrepareInput(make([]float32, 4000))
	if err != nil {
		t.Fatalf("prepare input: %v", err)
	}
	if features.Frames != 23 {
		t.Fatalf("expected 23 frames, got %d", features.Frames)
	}
	text, err := a.Infer(context.Background(), features)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty transcript for silence, got %q", text)
	}
	// 24 padded frames subsample to 3 encoder frames, each a blank step
	if got := len(script.seenLabels()); got != 3 {
		t.Fatalf("expected 3 decoder steps, got %d", got)
	}
}

func TestInferEmitsTokensWithDurations(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	script := &decoderScript{steps: []scriptStep{
		{token: 0, durIdx: 1},
		{token: 1, durIdx: 1},
		{token: 2, durIdx: 0},
	}}
	a := loadAdapter(t, dir, newFakeEngine(80, script), Options{})

	text, err := a.Transcribe(context.Background(), make([]float32, 4000))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", text)
	}
	labels := script.seenLabels()
	want := []int{testBlank, 0, 1}
	if len(labels) != len(want) {
		t.Fatalf("expected labels %v, got %v", want, labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("expected labels %v, got %v", want, labels)
		}
	}
}

func TestPolicyRejections(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	a := loadAdapter(t, dir, newFakeEngine(80, &decoderScript{}), Options{MaxFrames: 50})

	if _, err := a.Transcribe(context.Background(), make([]float32, 100)); !errors.Is(err, ErrAudioTooShort) {
		t.Fatalf("expected ErrAudioTooShort, got %v", err)
	}
	if _, err := a.Transcribe(context.Background(), make([]float32, 16000)); !errors.Is(err, ErrAudioTooLong) {
		t.Fatalf("expected ErrAudioTooLong, got %v", err)
	}
}

func TestChunkedTranscriptionIsolatesFailures(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	engine := newFakeEngine(80, &decoderScript{})
	inner := engine.encoder.run
	var mu sync.Mutex
	calls := 0
	engine.encoder.run = func(ctx context.Context, in map[string]*Tensor) (map[string]*Tensor, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			return nil, fmt.Errorf("device lost")
		}
		return inner(ctx, in)
	}
	a := loadAdapter(t, dir, engine, Options{
		MaxFrames: 50,
		Chunking:  &ChunkingSpec{Enabled: true, ChunkSeconds: 1, OverlapSeconds: 0.25},
	})

	text, err := a.Transcribe(context.Background(), make([]float32, 32000))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != ChunkFailedMarker(1) {
		t.Fatalf("expected %q, got %q", ChunkFailedMarker(1), text)
	}
	if calls != 3 {
		t.Fatalf("expected 3 chunk encodes, got %d", calls)
	}
}

func TestCancellationDiscardsResult(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	a := loadAdapter(t, dir, newFakeEngine(80, &decoderScript{}), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	text, err := a.Transcribe(ctx, make([]float32, 4000))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if text != "" {
		t.Fatalf("expected no partial text, got %q", text)
	}
}

func TestRunsSerializedWithoutConcurrentEngine(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	engine := newFakeEngine(80, &decoderScript{})
	engine.encoder.delay = 2 * time.Millisecond
	a := loadAdapter(t, dir, engine, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Transcribe(context.Background(), make([]float32, 4000)); err != nil {
				t.Errorf("transcribe: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := engine.encoder.maxInflight.Load(); got != 1 {
		t.Fatalf("expected serialized runs, saw %d in flight", got)
	}

	concurrent := loadAdapter(t, writeModelDir(t, testSpecJSON, true, testVocab), concurrentEngine{newFakeEngine(80, &decoderScript{})}, Options{})
	if concurrent.serialize {
		t.Fatalf("expected concurrent engine runs to skip serialization")
	}
}

func TestEncoderMelDimensionOverridesSpec(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	a := loadAdapter(t, dir, newFakeEngine(128, &decoderScript{}), Options{})

	features, err := a.PrepareInput(make([]float32, 4000))
	if err != nil {
		t.Fatalf("prepare input: %v", err)
	}
	if features.Bins != 128 {
		t.Fatalf("expected 128 mel bins, got %d", features.Bins)
	}
	if _, err := a.Infer(context.Background(), features); err != nil {
		t.Fatalf("infer: %v", err)
	}
	if spec, _ := a.Spec(); spec.MelBins != 80 {
		t.Fatalf("spec mutated to %d bins", spec.MelBins)
	}
}

func TestPositionalBindingFallback(t *testing.T) {
	declared := []TensorInfo{
		{Name: "x", DType: DTypeFloat32},
		{Name: "len", DType: DTypeInt32},
	}
	b, err := bindTensors([]string{"audio_signal", "len"}, declared)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if b.names[0] != "x" || b.names[1] != "len" {
		t.Fatalf("unexpected binding %v", b.names)
	}
	if b.dtype(1, DTypeInt64) != DTypeInt32 {
		t.Fatalf("expected declared int32 length")
	}
	if _, err := bindTensors([]string{"a", "b", "c"}, declared); err == nil {
		t.Fatalf("expected error for unbindable tensor")
	}
}

func TestCloseReleasesGraphs(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	engine := newFakeEngine(80, &decoderScript{})
	a := New(Options{ModelDir: dir, Engine: engine, Logger: newLogger()})
	if err := a.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !engine.encoder.closed.Load() || !engine.decoder.closed.Load() {
		t.Fatalf("graphs not closed")
	}
	if _, err := a.Transcribe(context.Background(), make([]float32, 4000)); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded after close, got %v", err)
	}
}

func TestCloseWaitsForInflightTranscription(t *testing.T) {
	dir := writeModelDir(t, testSpecJSON, true, testVocab)
	engine := newFakeEngine(80, &decoderScript{})
	started, release := make(chan struct{}), make(chan struct{})
	encode := engine.encoder.run
	engine.encoder.run = func(ctx context.Context, in map[string]*Tensor) (map[string]*Tensor, error) {
		close(started)
		<-release
		return encode(ctx, in)
	}
	a := New(Options{ModelDir: dir, Engine: engine, Logger: newLogger()})
	if err := a.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	transcribed := make(chan error, 1)
	go func() {
		_, err := a.Transcribe(context.Background(), make([]float32, 4000))
		transcribed <- err
	}()
	<-started

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	select {
	case <-closed:
		t.Fatalf("Close returned while a transcription was running")
	case <-time.After(20 * time.Millisecond):
	}
	if engine.encoder.closed.Load() {
		t.Fatalf("encoder released under an in-flight run")
	}

	close(release)
	if err := <-transcribed; err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
	if !engine.encoder.closed.Load() || !engine.decoder.closed.Load() {
		t.Fatalf("expected graphs released")
	}
	if _, err := a.Transcribe(context.Background(), make([]float32, 4000)); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded after close, got %v", err)
	}
}

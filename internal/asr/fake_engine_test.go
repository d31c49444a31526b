package asr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testBlank      = 4
	testDurations  = 5
	testJointWidth = testBlank + 1 + testDurations
)

const testSpecJSON = `{
  "version": "test-1",
  "sample_rate": 16000,
  "mel_bins": 80,
  "decoding": {"type": "tdt", "blank_id": 4, "durations": [0, 1, 2, 3, 4]},
  "state": {"layers": 1, "hidden_size": 2},
  "limits": {"min_frames": 5, "max_frames": 6000}
}`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeModelDir lays out a model directory. Graph files are empty
// placeholders; the fake engine never reads them.
func writeModelDir(t *testing.T, spec string, graphs bool, vocab []string) string {
	t.Helper()
	dir := t.TempDir()
	if spec != "" {
		if err := os.WriteFile(filepath.Join(dir, DefaultSpecFile), []byte(spec), 0o644); err != nil {
			t.Fatalf("write spec: %v", err)
		}
	}
	if graphs {
		for _, name := range []string{"encoder.onnx", "decoder.onnx"} {
			if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
				t.Fatalf("write graph: %v", err)
			}
		}
	}
	if vocab != nil {
		if err := os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte(strings.Join(vocab, "\n")+"\n"), 0o644); err != nil {
			t.Fatalf("write vocab: %v", err)
		}
	}
	return dir
}

type runFunc func(ctx context.Context, in map[string]*Tensor) (map[string]*Tensor, error)

type fakeGraph struct {
	inputs  []TensorInfo
	outputs []TensorInfo
	run     runFunc
	delay   time.Duration

	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
	closed      atomic.Bool
}

func (g *fakeGraph) Inputs() []TensorInfo  { return g.inputs }
func (g *fakeGraph) Outputs() []TensorInfo { return g.outputs }

func (g *fakeGraph) Run(ctx context.Context, in map[string]*Tensor, outputs []string) (map[string]*Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := g.inflight.Add(1)
	defer g.inflight.Add(-1)
	for {
		m := g.maxInflight.Load()
		if n <= m || g.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	g.calls.Add(1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	res, err := g.run(ctx, in)
	if err != nil {
		return nil, err
	}
	for _, name := range outputs {
		if _, ok := res[name]; !ok {
			return nil, fmt.Errorf("output %q not produced", name)
		}
	}
	return res, nil
}

func (g *fakeGraph) Close() error {
	g.closed.Store(true)
	return nil
}

type fakeEngine struct {
	encoder *fakeGraph
	decoder *fakeGraph
	opens   atomic.Int32
}

func (e *fakeEngine) Open(_ context.Context, path string) (Graph, error) {
	e.opens.Add(1)
	switch filepath.Base(path) {
	case "encoder.onnx":
		return e.encoder, nil
	case "decoder.onnx":
		return e.decoder, nil
	}
	return nil, fmt.Errorf("unexpected graph %s", path)
}

type concurrentEngine struct {
	*fakeEngine
}

func (concurrentEngine) ConcurrentRun() bool { return true }

func encoderInfos(bins int64) ([]TensorInfo, []TensorInfo) {
	in := []TensorInfo{
		{Name: "audio_signal", Shape: []int64{1, bins, -1}, DType: DTypeFloat32},
		{Name: "length", Shape: []int64{1}, DType: DTypeInt64},
	}
	out := []TensorInfo{
		{Name: "outputs", Shape: []int64{1, -1, -1}, DType: DTypeFloat32},
		{Name: "encoded_lengths", Shape: []int64{1}, DType: DTypeInt64},
	}
	return in, out
}

func decoderInfos() ([]TensorInfo, []TensorInfo) {
	in := []TensorInfo{
		{Name: "encoder_outputs", Shape: []int64{1, -1, -1}, DType: DTypeFloat32},
		{Name: "targets", Shape: []int64{1, 1}, DType: DTypeInt32},
		{Name: "input_states_1", Shape: []int64{1, 1, 2}, DType: DTypeFloat32},
		{Name: "input_states_2", Shape: []int64{1, 1, 2}, DType: DTypeFloat32},
	}
	out := []TensorInfo{
		{Name: "outputs", Shape: []int64{1, -1, 1, testJointWidth}, DType: DTypeFloat32},
		{Name: "output_states_1", Shape: []int64{1, 1, 2}, DType: DTypeFloat32},
		{Name: "output_states_2", Shape: []int64{1, 1, 2}, DType: DTypeFloat32},
	}
	return in, out
}

// subsamplingEncoder checks the audio/length contract and emits one hidden
// frame per eight padded mel frames.
func subsamplingEncoder(bins int64) runFunc {
	return func(_ context.Context, in map[string]*Tensor) (map[string]*Tensor, error) {
		audio, length := in["audio_signal"], in["length"]
		if audio == nil || length == nil {
			return nil, fmt.Errorf("missing encoder inputs")
		}
		if len(audio.Shape) != 3 || audio.Shape[0] != 1 || audio.Shape[1] != bins || audio.Shape[2]%8 != 0 {
			return nil, fmt.Errorf("bad audio shape %v", audio.Shape)
		}
		if int64(len(audio.Float32)) != audio.Shape[1]*audio.Shape[2] {
			return nil, fmt.Errorf("audio data length %d does not match shape %v", len(audio.Float32), audio.Shape)
		}
		if length.DType != DTypeInt64 || len(length.Int64) != 1 || length.Int64[0] != audio.Shape[2] {
			return nil, fmt.Errorf("length %v does not match padded frames %d", length.Int64, audio.Shape[2])
		}
		frames := audio.Shape[2] / 8
		return map[string]*Tensor{
			"outputs":         NewFloat32Tensor([]int64{1, 4, frames}, make([]float32, 4*frames)),
			"encoded_lengths": NewIntTensor(DTypeInt64, []int64{1}, frames),
		}, nil
	}
}

type scriptStep struct {
	token  int
	durIdx int
}

// decoderScript replays joint decisions in call order and then emits blanks.
type decoderScript struct {
	mu     sync.Mutex
	steps  []scriptStep
	labels []int
}

func (s *decoderScript) run(_ context.Context, in map[string]*Tensor) (map[string]*Tensor, error) {
	hidden, targets := in["encoder_outputs"], in["targets"]
	h, c := in["input_states_1"], in["input_states_2"]
	if hidden == nil || targets == nil || h == nil || c == nil {
		return nil, fmt.Errorf("missing decoder inputs")
	}
	if targets.DType != DTypeInt32 || len(targets.Int32) != 1 || len(targets.Shape) != 2 {
		return nil, fmt.Errorf("bad targets %+v", targets)
	}
	if len(h.Float32) != 2 || len(c.Float32) != 2 || len(h.Shape) != 3 {
		return nil, fmt.Errorf("bad state shapes %v %v", h.Shape, c.Shape)
	}
	frames := hidden.Shape[2]

	s.mu.Lock()
	step := scriptStep{token: testBlank}
	if call := len(s.labels); call < len(s.steps) {
		step = s.steps[call]
	}
	s.labels = append(s.labels, int(targets.Int32[0]))
	s.mu.Unlock()

	logits := make([]float32, int(frames)*testJointWidth)
	for r := 0; r < int(frames); r++ {
		row := logits[r*testJointWidth : (r+1)*testJointWidth]
		row[step.token] = 10
		row[testBlank+1+step.durIdx] = 5
	}
	return map[string]*Tensor{
		"outputs":         NewFloat32Tensor([]int64{1, frames, 1, testJointWidth}, logits),
		"output_states_1": NewFloat32Tensor([]int64{1, 1, 2}, []float32{0.5, 0.5}),
		"output_states_2": NewFloat32Tensor([]int64{1, 1, 2}, []float32{0.5, 0.5}),
	}, nil
}

func (s *decoderScript) seenLabels() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.labels...)
}

func newFakeEngine(bins int64, script *decoderScript) *fakeEngine {
	encIn, encOut := encoderInfos(bins)
	decIn, decOut := decoderInfos()
	return &fakeEngine{
		encoder: &fakeGraph{inputs: encIn, outputs: encOut, run: subsamplingEncoder(bins)},
		decoder: &fakeGraph{inputs: decIn, outputs: decOut, run: script.run},
	}
}

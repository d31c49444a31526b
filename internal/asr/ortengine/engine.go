// Package ortengine runs model graphs with ONNX Runtime.
package ortengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/loqalabs/loqa-asr/internal/asr"
)

type Config struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default search path.
	LibraryPath    string
	IntraOpThreads int
}

var envMu sync.Mutex

// Engine opens ONNX graphs as asr.Graph values. ONNX Runtime sessions accept
// concurrent Run calls.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	owns   bool
}

var _ asr.Engine = (*Engine)(nil)
var _ asr.ConcurrentRunner = (*Engine)(nil)

func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	envMu.Lock()
	defer envMu.Unlock()

	e := &Engine{cfg: cfg, logger: logger.With(slog.String("component", "ortengine"))}
	if ort.IsInitialized() {
		return e, nil
	}
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	e.owns = true
	e.logger.Info("onnxruntime initialized", slog.String("library", cfg.LibraryPath))
	return e, nil
}

func (e *Engine) ConcurrentRun() bool { return true }

// Open reads the graph's declared inputs and outputs. Sessions are created
// on first use, one per distinct set of requested outputs, so a run only
// asks the runtime for the outputs its caller binds.
func (e *Engine) Open(ctx context.Context, path string) (asr.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inInfo, outInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect graph: %w", err)
	}

	g := &graph{
		path:     path,
		logger:   e.logger,
		inputs:   convertInfo(inInfo),
		outputs:  convertInfo(outInfo),
		sessions: make(map[string]*ort.DynamicAdvancedSession),
	}
	g.inNames = make([]string, len(g.inputs))
	for i, info := range g.inputs {
		g.inNames[i] = info.Name
	}
	g.declared = make(map[string]bool, len(g.outputs))
	outNames := make([]string, len(g.outputs))
	for i, info := range g.outputs {
		outNames[i] = info.Name
		g.declared[info.Name] = true
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	if e.cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(e.cfg.IntraOpThreads); err != nil {
			_ = opts.Destroy()
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	g.opts = opts

	e.logger.Info("graph opened",
		slog.String("path", path),
		slog.Any("inputs", g.inNames),
		slog.Any("outputs", outNames),
	)
	return g, nil
}

// Close tears down the ONNX Runtime environment if this engine created it.
func (e *Engine) Close() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !e.owns || !ort.IsInitialized() {
		return nil
	}
	e.owns = false
	return ort.DestroyEnvironment()
}

type graph struct {
	path     string
	logger   *slog.Logger
	opts     *ort.SessionOptions
	inputs   []asr.TensorInfo
	outputs  []asr.TensorInfo
	inNames  []string
	declared map[string]bool

	mu       sync.Mutex
	sessions map[string]*ort.DynamicAdvancedSession
}

func (g *graph) Inputs() []asr.TensorInfo  { return g.inputs }
func (g *graph) Outputs() []asr.TensorInfo { return g.outputs }

func (g *graph) Run(ctx context.Context, inputs map[string]*asr.Tensor, want []string) (map[string]*asr.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session, err := g.session(want)
	if err != nil {
		return nil, err
	}

	inVals := make([]ort.Value, len(g.inputs))
	defer destroyAll(inVals)
	for i, info := range g.inputs {
		t, ok := inputs[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", info.Name)
		}
		v, err := toValue(t)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", info.Name, err)
		}
		inVals[i] = v
	}

	outVals := make([]ort.Value, len(want))
	defer destroyAll(outVals)
	if err := session.Run(inVals, outVals); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	result := make(map[string]*asr.Tensor, len(want))
	for i, name := range want {
		t, err := fromValue(outVals[i])
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		result[name] = t
	}
	return result, nil
}

// session returns the session bound to want, creating it on first use.
func (g *graph) session(want []string) (*ort.DynamicAdvancedSession, error) {
	key, err := outputKey(want, g.declared)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.opts == nil {
		return nil, errors.New("graph closed")
	}
	if s, ok := g.sessions[key]; ok {
		return s, nil
	}
	s, err := ort.NewDynamicAdvancedSession(g.path, g.inNames, want, g.opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	g.sessions[key] = s
	g.logger.Debug("session created", slog.String("path", g.path), slog.Any("outputs", want))
	return s, nil
}

func (g *graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for key, s := range g.sessions {
		errs = append(errs, s.Destroy())
		delete(g.sessions, key)
	}
	if g.opts != nil {
		errs = append(errs, g.opts.Destroy())
		g.opts = nil
	}
	return errors.Join(errs...)
}

// outputKey validates a requested output list against the graph's declared
// outputs and returns the key its session is cached under. Order is kept
// because session outputs are positional.
func outputKey(want []string, declared map[string]bool) (string, error) {
	if len(want) == 0 {
		return "", errors.New("no outputs requested")
	}
	seen := make(map[string]bool, len(want))
	for _, name := range want {
		if !declared[name] {
			return "", fmt.Errorf("graph has no output %q", name)
		}
		if seen[name] {
			return "", fmt.Errorf("output %q requested twice", name)
		}
		seen[name] = true
	}
	return strings.Join(want, "\x00"), nil
}

func convertInfo(infos []ort.InputOutputInfo) []asr.TensorInfo {
	out := make([]asr.TensorInfo, len(infos))
	for i, info := range infos {
		out[i] = asr.TensorInfo{
			Name:  info.Name,
			Shape: append([]int64(nil), info.Dimensions...),
			DType: convertDType(info.DataType),
		}
	}
	return out
}

func convertDType(dt ort.TensorElementDataType) asr.DType {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return asr.DTypeFloat32
	case ort.TensorElementDataTypeInt32:
		return asr.DTypeInt32
	case ort.TensorElementDataTypeInt64:
		return asr.DTypeInt64
	default:
		return asr.DTypeUnknown
	}
}

func toValue(t *asr.Tensor) (ort.Value, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	shape := ort.NewShape(t.Shape...)
	switch t.DType {
	case asr.DTypeFloat32:
		v, err := ort.NewTensor(shape, t.Float32)
		if err != nil {
			return nil, err
		}
		return v, nil
	case asr.DTypeInt32:
		v, err := ort.NewTensor(shape, t.Int32)
		if err != nil {
			return nil, err
		}
		return v, nil
	case asr.DTypeInt64:
		v, err := ort.NewTensor(shape, t.Int64)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported dtype %s", t.DType)
}

func fromValue(v ort.Value) (*asr.Tensor, error) {
	switch tv := v.(type) {
	case *ort.Tensor[float32]:
		return asr.NewFloat32Tensor(cloneShape(tv.GetShape()), append([]float32(nil), tv.GetData()...)), nil
	case *ort.Tensor[int32]:
		return &asr.Tensor{Shape: cloneShape(tv.GetShape()), DType: asr.DTypeInt32, Int32: append([]int32(nil), tv.GetData()...)}, nil
	case *ort.Tensor[int64]:
		return &asr.Tensor{Shape: cloneShape(tv.GetShape()), DType: asr.DTypeInt64, Int64: append([]int64(nil), tv.GetData()...)}, nil
	case nil:
		return nil, errors.New("output not produced")
	}
	return nil, fmt.Errorf("unsupported output value %T", v)
}

func cloneShape(s ort.Shape) []int64 {
	return append([]int64(nil), s...)
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}

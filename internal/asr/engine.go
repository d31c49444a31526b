package asr

import (
	"context"
	"fmt"
)

// DType identifies a tensor element type.
type DType int

const (
	DTypeUnknown DType = iota
	DTypeFloat32
	DTypeInt32
	DTypeInt64
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeInt32:
		return "int32"
	case DTypeInt64:
		return "int64"
	default:
		return "unknown"
	}
}

// TensorInfo is a graph's declared input or output. Dynamic dimensions are
// reported as -1.
type TensorInfo struct {
	Name  string
	Shape []int64
	DType DType
}

// Tensor is a dense row-major tensor. Exactly one data slice is populated,
// matching DType.
type Tensor struct {
	Shape   []int64
	DType   DType
	Float32 []float32
	Int32   []int32
	Int64   []int64
}

func NewFloat32Tensor(shape []int64, data []float32) *Tensor {
	return &Tensor{Shape: shape, DType: DTypeFloat32, Float32: data}
}

// NewIntTensor builds an integer tensor of the requested width. Anything
// other than DTypeInt32 produces int64 storage.
func NewIntTensor(dtype DType, shape []int64, values ...int64) *Tensor {
	if dtype == DTypeInt32 {
		data := make([]int32, len(values))
		for i, v := range values {
			data[i] = int32(v)
		}
		return &Tensor{Shape: shape, DType: DTypeInt32, Int32: data}
	}
	return &Tensor{Shape: shape, DType: DTypeInt64, Int64: append([]int64(nil), values...)}
}

// Len returns the element count implied by the tensor's data.
func (t *Tensor) Len() int {
	switch t.DType {
	case DTypeFloat32:
		return len(t.Float32)
	case DTypeInt32:
		return len(t.Int32)
	case DTypeInt64:
		return len(t.Int64)
	}
	return 0
}

// IntAt reads element i of an integer tensor.
func (t *Tensor) IntAt(i int) (int64, error) {
	switch t.DType {
	case DTypeInt32:
		if i < len(t.Int32) {
			return int64(t.Int32[i]), nil
		}
	case DTypeInt64:
		if i < len(t.Int64) {
			return t.Int64[i], nil
		}
	case DTypeFloat32:
		if i < len(t.Float32) {
			return int64(t.Float32[i]), nil
		}
	default:
		return 0, fmt.Errorf("tensor has no data")
	}
	return 0, fmt.Errorf("index %d out of range for %d elements", i, t.Len())
}

// Graph is one loaded computation graph.
type Graph interface {
	Inputs() []TensorInfo
	Outputs() []TensorInfo
	// Run executes the graph and returns the requested outputs by name.
	Run(ctx context.Context, inputs map[string]*Tensor, outputs []string) (map[string]*Tensor, error)
	Close() error
}

// Engine opens graphs from model files.
type Engine interface {
	Open(ctx context.Context, path string) (Graph, error)
}

// ConcurrentRunner is implemented by engines whose graphs accept
// overlapping Run calls. Graphs from other engines are run one at a time.
type ConcurrentRunner interface {
	ConcurrentRun() bool
}

package ortengine

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/loqalabs/loqa-asr/internal/asr"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConvertInfo(t *testing.T) {
	infos := convertInfo([]ort.InputOutputInfo{
		{Name: "audio_signal", Dimensions: ort.NewShape(1, 128, -1), DataType: ort.TensorElementDataTypeFloat},
		{Name: "length", Dimensions: ort.NewShape(1), DataType: ort.TensorElementDataTypeInt64},
		{Name: "targets", Dimensions: ort.NewShape(1, 1), DataType: ort.TensorElementDataTypeInt32},
		{Name: "mask", Dimensions: ort.NewShape(1), DataType: ort.TensorElementDataTypeBool},
	})
	want := []asr.DType{asr.DTypeFloat32, asr.DTypeInt64, asr.DTypeInt32, asr.DTypeUnknown}
	for i, info := range infos {
		if info.DType != want[i] {
			t.Fatalf("%s: expected %s, got %s", info.Name, want[i], info.DType)
		}
	}
	if infos[0].Shape[1] != 128 || infos[0].Shape[2] != -1 {
		t.Fatalf("unexpected shape %v", infos[0].Shape)
	}
}

func TestFromValueRejectsMissingOutput(t *testing.T) {
	if _, err := fromValue(nil); err == nil {
		t.Fatalf("expected error for missing output")
	}
	if _, err := toValue(nil); err == nil {
		t.Fatalf("expected error for nil tensor")
	}
}

func TestNewFailsWithoutLibrary(t *testing.T) {
	if ort.IsInitialized() {
		t.Skip("onnxruntime already initialized in this process")
	}
	_, err := New(Config{LibraryPath: filepath.Join(t.TempDir(), "libonnxruntime.so")}, newLogger())
	if err == nil {
		t.Fatalf("expected initialization to fail for a missing library")
	}
}

func TestOutputKeyFollowsRequest(t *testing.T) {
	declared := map[string]bool{"outputs": true, "encoded_lengths": true, "hidden": true}

	key, err := outputKey([]string{"outputs", "encoded_lengths"}, declared)
	if err != nil {
		t.Fatalf("output key: %v", err)
	}
	other, err := outputKey([]string{"encoded_lengths", "outputs"}, declared)
	if err != nil {
		t.Fatalf("output key: %v", err)
	}
	if key == other {
		t.Fatalf("reordered outputs must bind a separate session")
	}
	if again, _ := outputKey([]string{"outputs", "encoded_lengths"}, declared); again != key {
		t.Fatalf("same request produced %q, want %q", again, key)
	}

	for _, want := range [][]string{nil, {"logits"}, {"outputs", "outputs"}} {
		if _, err := outputKey(want, declared); err == nil {
			t.Fatalf("expected %v to be rejected", want)
		}
	}
}

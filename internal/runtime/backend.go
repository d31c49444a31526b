package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/asr/ortengine"
	"github.com/loqalabs/loqa-asr/internal/capability"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/stt"
)

// backend is the recognizer selected by stt.mode plus what it needs to
// release on shutdown.
type backend struct {
	recognizer stt.Recognizer
	adapter    *asr.Adapter
	engine     *ortengine.Engine
	mode       string
}

func (b *backend) Close() error {
	if b == nil {
		return nil
	}
	var err error
	if b.adapter != nil {
		err = b.adapter.Close()
	}
	if b.engine != nil {
		if cerr := b.engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// capabilities describes the backend for the node registry.
func (b *backend) capabilities(cfg config.STTConfig) []capability.Capability {
	attrs := map[string]string{
		"backend":     b.mode,
		"sample_rate": strconv.Itoa(cfg.SampleRate),
		"interim":     strconv.FormatBool(cfg.PublishInterim),
	}
	if b.adapter != nil {
		attrs["mode"] = string(b.adapter.Mode())
		if spec, ok := b.adapter.Spec(); ok {
			attrs["model_version"] = spec.Version
			attrs["model_sample_rate"] = strconv.Itoa(spec.SampleRate)
			attrs["chunking"] = strconv.FormatBool(spec.Chunking.Enabled)
		}
	}
	return []capability.Capability{{Name: capability.NameSTT, Attributes: attrs}}
}

func adapterOptions(cfg config.STTConfig, logger *slog.Logger) asr.Options {
	opts := asr.Options{
		ModelDir:  cfg.ModelDir,
		Logger:    logger,
		MinFrames: cfg.MinFrames,
		MaxFrames: cfg.MaxFrames,
	}
	if c := cfg.Chunking; c.Enabled != nil {
		opts.Chunking = &asr.ChunkingSpec{
			Enabled:        *c.Enabled,
			ChunkSeconds:   c.ChunkSeconds,
			OverlapSeconds: c.OverlapSeconds,
		}
	}
	return opts
}

func newBackend(ctx context.Context, cfg config.STTConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Mode {
	case "exec":
		rec, err := stt.NewExecRecognizer(cfg, logger)
		if err != nil {
			return nil, err
		}
		return &backend{recognizer: rec, mode: cfg.Mode}, nil

	case "mock":
		opts := adapterOptions(cfg, logger)
		opts.ForceMock = true
		adapter := asr.New(opts)
		if err := adapter.Load(ctx); err != nil {
			return nil, fmt.Errorf("load mock backend: %w", err)
		}
		return &backend{recognizer: stt.NewPipeline(adapter, logger), adapter: adapter, mode: cfg.Mode}, nil

	case "onnx":
		engine, err := ortengine.New(ortengine.Config{
			LibraryPath:    cfg.ONNXLibrary,
			IntraOpThreads: cfg.IntraOpThreads,
		}, logger)
		if err != nil {
			return nil, err
		}
		opts := adapterOptions(cfg, logger)
		opts.Engine = engine
		adapter := asr.New(opts)
		if err := adapter.Load(ctx); err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("load model: %w", err)
		}
		if adapter.Mode() == asr.ModeMock {
			logger.Warn("model graphs missing, serving placeholder transcripts",
				slog.String("model_dir", cfg.ModelDir))
		}
		return &backend{
			recognizer: stt.NewPipeline(adapter, logger),
			adapter:    adapter,
			engine:     engine,
			mode:       cfg.Mode,
		}, nil
	}
	return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
}

package stt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/audio/wavcodec"
)

// Texts returned in place of a transcript when recognition cannot proceed.
const (
	TextAudioTooShort      = "[audio too short]"
	TextAudioTooLong       = "[audio too long: enable chunking]"
	TextTranscriptionError = "[transcription error]"
)

const instrumentationName = "github.com/loqalabs/loqa-asr/stt"

// IsPlaceholder reports whether text is one of the failure texts rather than
// recognized speech.
func IsPlaceholder(text string) bool {
	switch text {
	case TextAudioTooShort, TextAudioTooLong, TextTranscriptionError:
		return true
	}
	return false
}

// Transcriber is the model-facing side of the pipeline. *asr.Adapter
// satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
	SampleRate() int
	Mode() asr.Mode
}

// Pipeline is the entry point for turning audio into text: it resamples to
// the model rate, runs the model and converts failures into placeholder text.
type Pipeline struct {
	model    Transcriber
	logger   *slog.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

var _ Recognizer = (*Pipeline)(nil)

func NewPipeline(model Transcriber, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		model:  model,
		logger: logger.With(slog.String("component", "stt-pipeline")),
		tracer: otel.Tracer(instrumentationName),
	}
	if err := p.initMetrics(); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	p.requests, err = meter.Int64Counter("loqa.stt.requests",
		metric.WithDescription("Transcription requests"))
	if err != nil {
		return err
	}
	p.failures, err = meter.Int64Counter("loqa.stt.failures",
		metric.WithDescription("Transcription requests that produced placeholder text"))
	if err != nil {
		return err
	}
	p.latency, err = meter.Float64Histogram("loqa.stt.latency",
		metric.WithDescription("Transcription wall time"),
		metric.WithUnit("s"))
	return err
}

// TranscribeWAV decodes a WAV container and transcribes it. Malformed input
// decodes to no audio and yields TextAudioTooShort.
func (p *Pipeline) TranscribeWAV(ctx context.Context, data []byte) (TranscriptResult, error) {
	decoded := wavcodec.Decode(data, p.logger)
	return p.TranscribeSamples(ctx, decoded.Samples, decoded.SampleRate)
}

// Transcribe implements Recognizer.
func (p *Pipeline) Transcribe(ctx context.Context, samples []float32, sampleRate int, final bool) (TranscriptResult, error) {
	ctx, span := p.tracer.Start(ctx, "stt.transcribe",
		trace.WithAttributes(attribute.Bool("stt.final", final)))
	defer span.End()
	res, err := p.transcribe(ctx, span, samples, sampleRate)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// TranscribeSamples transcribes mono samples recorded at sampleRate.
func (p *Pipeline) TranscribeSamples(ctx context.Context, samples []float32, sampleRate int) (TranscriptResult, error) {
	ctx, span := p.tracer.Start(ctx, "stt.transcribe")
	defer span.End()
	res, err := p.transcribe(ctx, span, samples, sampleRate)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Pipeline) transcribe(ctx context.Context, span trace.Span, samples []float32, sampleRate int) (TranscriptResult, error) {
	start := time.Now()
	modelRate := p.model.SampleRate()
	if sampleRate <= 0 {
		sampleRate = modelRate
	}
	mode := p.model.Mode()
	span.SetAttributes(
		attribute.Int("stt.samples", len(samples)),
		attribute.Int("stt.sample_rate", sampleRate),
		attribute.String("stt.mode", string(mode)),
	)
	attrs := metric.WithAttributes(attribute.String("mode", string(mode)))
	if p.requests != nil {
		p.requests.Add(ctx, 1, attrs)
	}

	input := wavcodec.Resample(samples, sampleRate, modelRate)
	result := TranscriptResult{
		Mock:  mode == asr.ModeMock,
		Audio: time.Duration(float64(len(samples)) / float64(sampleRate) * float64(time.Second)),
	}

	text, err := p.model.Transcribe(ctx, input)
	if p.latency != nil {
		p.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return TranscriptResult{}, ctxErr
		}
		result.Text = p.placeholder(err)
		if p.failures != nil {
			p.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("mode", string(mode)),
				attribute.String("reason", result.Text),
			))
		}
		span.SetAttributes(attribute.String("stt.failure", result.Text))
		return result, nil
	}
	result.Text = text
	p.logger.Debug("transcribed",
		slog.Int("samples", len(input)),
		slog.Duration("audio", result.Audio),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("chars", len(text)),
	)
	return result, nil
}

func (p *Pipeline) placeholder(err error) string {
	switch {
	case errors.Is(err, asr.ErrAudioTooShort):
		p.logger.Debug("audio below minimum length", slogError(err))
		return TextAudioTooShort
	case errors.Is(err, asr.ErrAudioTooLong):
		p.logger.Warn("audio exceeds maximum length", slogError(err))
		return TextAudioTooLong
	default:
		p.logger.Error("transcription failed", slogError(err))
		return TextTranscriptionError
	}
}

package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-asr/internal/audio/wavcodec"
	"github.com/loqalabs/loqa-asr/internal/config"
)

// execRecognizer hands each utterance to an external command as a 16-bit WAV
// file and reads a JSON {"text", "confidence"} reply from its stdout.
type execRecognizer struct {
	cmd    []string
	cfg    config.STTConfig
	logger *slog.Logger
	mu     sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

var _ Recognizer = (*execRecognizer)(nil)

func NewExecRecognizer(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{
		cmd:    args,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "stt-exec")),
	}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := TranscriptResult{}
	if sampleRate > 0 {
		result.Audio = time.Duration(float64(len(samples)) / float64(sampleRate) * float64(time.Second))
	}
	if len(samples) == 0 {
		result.Text = TextAudioTooShort
		return result, nil
	}

	text, confidence, err := r.run(ctx, samples, sampleRate, final)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return TranscriptResult{}, ctxErr
		}
		r.logger.Error("stt command failed", slogError(err))
		result.Text = TextTranscriptionError
		return result, nil
	}
	result.Text = text
	result.Confidence = confidence
	return result, nil
}

func (r *execRecognizer) run(ctx context.Context, samples []float32, sampleRate int, final bool) (string, float64, error) {
	wav, err := wavcodec.Encode(samples, sampleRate)
	if err != nil {
		return "", 0, err
	}
	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return "", 0, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(wav); err != nil {
		file.Close()
		return "", 0, fmt.Errorf("write wav: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", 0, fmt.Errorf("close wav: %w", err)
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelDir != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelDir)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", 0, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", 0, fmt.Errorf("decode stt response: %w", err)
	}
	return strings.TrimSpace(resp.Text), resp.Confidence, nil
}

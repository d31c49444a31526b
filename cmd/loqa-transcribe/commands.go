package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/asr/ortengine"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/stt"
)

type options struct {
	modelDir       string
	specFile       string
	onnxLibrary    string
	threads        int
	mock           bool
	chunkSeconds   float64
	overlapSeconds float64
	noChunking     bool
	jsonOutput     bool
	verbose        bool

	server  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "loqa-transcribe",
		Short:         "Offline speech-to-text for WAV files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.modelDir, "model-dir", "./models/parakeet-tdt", "Directory holding the model graphs and spec")
	root.PersistentFlags().StringVar(&opts.specFile, "spec", asr.DefaultSpecFile, "Model spec file, relative to --model-dir")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr")

	root.AddCommand(newFileCmd(opts), newInspectCmd(opts), newRemoteCmd(opts))
	return root
}

func addEngineFlags(cmd *cobra.Command, opts *options) {
	cmd.Flags().StringVar(&opts.onnxLibrary, "onnx-library", "", "Path to the ONNX Runtime shared library")
	cmd.Flags().IntVar(&opts.threads, "threads", 0, "Intra-op threads for inference (0 = runtime default)")
	cmd.Flags().BoolVar(&opts.mock, "mock", false, "Skip the model and return placeholder transcripts")
}

func newFileCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file <input.wav>...",
		Short: "Transcribe WAV files with the local model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger()
			adapter, closeAdapter, err := opts.loadAdapter(cmd, logger)
			if err != nil {
				return err
			}
			defer closeAdapter()

			pipeline := stt.NewPipeline(adapter, logger)
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				result, err := pipeline.TranscribeWAV(cmd.Context(), data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := opts.print(cmd.OutOrStdout(), fileResult{
					File:       path,
					Text:       result.Text,
					Mock:       result.Mock,
					DurationMS: result.Audio.Milliseconds(),
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addEngineFlags(cmd, opts)
	cmd.Flags().Float64Var(&opts.chunkSeconds, "chunk-seconds", 0, "Override the model's chunk length")
	cmd.Flags().Float64Var(&opts.overlapSeconds, "overlap-seconds", 0, "Override the model's chunk overlap")
	cmd.Flags().BoolVar(&opts.noChunking, "no-chunking", false, "Disable chunking of long audio")
	return cmd
}

func newInspectCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the model spec and the graphs' declared inputs and outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := opts.logger()
			adapter, closeAdapter, err := opts.loadAdapter(cmd, logger)
			if err != nil {
				return err
			}
			defer closeAdapter()

			spec, _ := adapter.Spec()
			report := inspectReport{Mode: string(adapter.Mode()), Spec: spec, Graphs: adapter.GraphIO()}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return report.write(cmd.OutOrStdout())
		},
	}
	addEngineFlags(cmd, opts)
	return cmd
}

func newRemoteCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote <input.wav>...",
		Short: "Send WAV files to a running loqad node over NATS",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger()
			client, err := bus.Connect(cmd.Context(), config.BusConfig{
				Servers:        []string{opts.server},
				ConnectTimeout: 2000,
			}, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				resp, err := requestTranscript(cmd.Context(), client, data, opts.timeout)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if resp.Error != "" {
					return fmt.Errorf("%s: %s", path, resp.Error)
				}
				if err := opts.print(cmd.OutOrStdout(), fileResult{
					File:       path,
					Text:       resp.Text,
					DurationMS: resp.DurationMS,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "nats://localhost:4222", "NATS server URL")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "Per-file request timeout")
	return cmd
}

func requestTranscript(ctx context.Context, client *bus.Client, wav []byte, timeout time.Duration) (protocol.TranscribeResponse, error) {
	var resp protocol.TranscribeResponse
	payload, err := json.Marshal(protocol.TranscribeRequest{RequestID: uuid.NewString(), WAV: wav})
	if err != nil {
		return resp, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := client.Conn().RequestWithContext(ctx, protocol.SubjectTranscribe, payload)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func (o *options) logger() *slog.Logger {
	if !o.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (o *options) adapterOptions(cmd *cobra.Command) asr.Options {
	adapterOpts := asr.Options{
		ModelDir:  o.modelDir,
		SpecFile:  o.specFile,
		ForceMock: o.mock,
	}
	switch {
	case o.noChunking:
		adapterOpts.Chunking = &asr.ChunkingSpec{}
	case cmd.Flags().Changed("chunk-seconds") || cmd.Flags().Changed("overlap-seconds"):
		adapterOpts.Chunking = &asr.ChunkingSpec{
			Enabled:        true,
			ChunkSeconds:   o.chunkSeconds,
			OverlapSeconds: o.overlapSeconds,
		}
	}
	return adapterOpts
}

func (o *options) loadAdapter(cmd *cobra.Command, logger *slog.Logger) (*asr.Adapter, func(), error) {
	adapterOpts := o.adapterOptions(cmd)
	adapterOpts.Logger = logger

	var engine *ortengine.Engine
	if !o.mock {
		var err error
		engine, err = ortengine.New(ortengine.Config{LibraryPath: o.onnxLibrary, IntraOpThreads: o.threads}, logger)
		if err != nil {
			return nil, nil, err
		}
		adapterOpts.Engine = engine
	}

	adapter := asr.New(adapterOpts)
	closeAll := func() {
		_ = adapter.Close()
		if engine != nil {
			_ = engine.Close()
		}
	}
	if err := adapter.Load(cmd.Context()); err != nil {
		closeAll()
		return nil, nil, err
	}
	return adapter, closeAll, nil
}

type fileResult struct {
	File       string `json:"file"`
	Text       string `json:"text"`
	Mock       bool   `json:"mock,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (o *options) print(w io.Writer, r fileResult) error {
	if o.jsonOutput {
		return writeJSON(w, r)
	}
	_, err := fmt.Fprintf(w, "%s\t%s\n", r.File, r.Text)
	return err
}

type inspectReport struct {
	Mode   string                      `json:"mode"`
	Spec   asr.ModelSpec               `json:"spec"`
	Graphs map[string][]asr.TensorInfo `json:"graphs,omitempty"`
}

func (r inspectReport) write(w io.Writer) error {
	fmt.Fprintf(w, "mode:        %s\n", r.Mode)
	fmt.Fprintf(w, "version:     %s\n", r.Spec.Version)
	fmt.Fprintf(w, "sample rate: %d Hz\n", r.Spec.SampleRate)
	fmt.Fprintf(w, "mel bins:    %d (n_fft %d, hop %d)\n", r.Spec.MelBins, r.Spec.NFFT, r.Spec.HopLength)
	fmt.Fprintf(w, "decoding:    %s\n", r.Spec.Decoding.Type)
	if r.Spec.Chunking.Enabled {
		fmt.Fprintf(w, "chunking:    %.1fs chunks, %.1fs overlap\n", r.Spec.Chunking.ChunkSeconds, r.Spec.Chunking.OverlapSeconds)
	} else {
		fmt.Fprintln(w, "chunking:    off")
	}

	names := make([]string, 0, len(r.Graphs))
	for name := range r.Graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "\n%s:\n", name)
		for _, info := range r.Graphs[name] {
			fmt.Fprintf(w, "  %-24s %-8s %v\n", info.Name, info.DType, info.Shape)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

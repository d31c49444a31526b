package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio/wavcodec"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/capability"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/stt"
)

const (
	maxUploadBytes = 64 << 20
	pruneInterval  = time.Hour
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	backend  *backend
	service  *stt.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricHandler

	if err := r.startComponents(ctx); err != nil {
		r.stop()
		return err
	}

	mux := r.routes()
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil && bind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if r.cfg.EventStore.RetentionMode != "ephemeral" {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("node_id", r.cfg.Node.ID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.stop()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return err
	}

	if !r.cfg.STT.Enabled {
		r.logger.Info("stt disabled")
		return nil
	}

	r.backend, err = newBackend(ctx, r.cfg.STT, r.logger)
	if err != nil {
		return err
	}

	r.service = stt.NewService(ctx, r.cfg.STT, r.bus, r.backend.recognizer, r.store, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.backend.capabilities(r.cfg.STT), r.logger)
	return err
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// stop tears down whatever Start managed to bring up, in reverse order.
func (r *Runtime) stop() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.registry != nil {
		r.registry.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if err := r.backend.Close(); err != nil {
		r.logger.Error("backend shutdown error", slog.String("error", err.Error()))
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("transcript prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/transcribe", r.handleTranscribe)
	mux.HandleFunc("/v1/nodes", r.handleNodes)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if reason := r.notReady(); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady() string {
	switch {
	case !r.ready.Load():
		return "starting"
	case r.bus != nil && !r.bus.Healthy():
		return "bus"
	case r.service != nil && !r.service.Healthy():
		return "stt"
	case r.registry != nil && !r.registry.Healthy():
		return "registry"
	}
	return ""
}

type transcribeReply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Mock       bool    `json:"mock"`
	DurationMS int64   `json:"duration_ms"`
}

// handleTranscribe accepts a WAV body and answers with the final transcript.
func (r *Runtime) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.backend == nil {
		http.Error(w, "stt disabled", http.StatusServiceUnavailable)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	audio := wavcodec.Decode(data, r.logger)
	ctx := req.Context()
	if ms := r.cfg.STT.TimeoutMS; ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	result, err := r.backend.recognizer.Transcribe(ctx, audio.Samples, audio.SampleRate, true)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(transcribeReply{
		Text:       result.Text,
		Confidence: result.Confidence,
		Mock:       result.Mock,
		DurationMS: result.Audio.Milliseconds(),
	})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if r.registry != nil {
		nodes = append(nodes, r.registry.Query(nil)...)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}

package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-asr/internal/audio/stream"
	"github.com/loqalabs/loqa-asr/internal/audio/vad"
	"github.com/loqalabs/loqa-asr/internal/audio/wavcodec"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

// Flush reasons carried on published transcripts.
const (
	ReasonPause   = "pause"
	ReasonFinal   = "final"
	ReasonIdle    = "idle"
	ReasonFull    = "full"
	ReasonInterim = "interim"
)

const sessionQueueDepth = 16

// Service turns streamed audio frames into transcripts. Each session buffers
// audio until the speaker pauses, the device marks a frame final, or the
// stream goes idle; the buffered utterance is then transcribed in order on a
// per-session worker.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	store      *eventstore.Store
	logger     *slog.Logger
	vad        *vad.Detector
	clock      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool

	utterances metric.Int64Counter
	dropped    metric.Int64Counter
}

type job struct {
	samples []float32
	final   bool
	reason  string
}

type session struct {
	id         string
	sampleRate int
	channels   int
	buffer     *stream.Buffer
	jobs       chan job
	busy       atomic.Bool

	// mu serialises ingest, flushes and closing for this session.
	mu           sync.Mutex
	voiced       bool
	silentRun    time.Duration
	lastPartial  time.Time
	lastActivity time.Time
	closed       bool
}

// NewService wires the service. store may be nil.
func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, store *eventstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		store:      store,
		logger:     logger.With(slog.String("component", "stt-service")),
		vad:        vad.New(vad.Config{SilenceThreshold: cfg.SilenceThreshold}),
		clock:      time.Now,
		sessions:   make(map[string]*session),
		ctx:        ctx,
		cancel:     cancel,
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	s.utterances, err = meter.Int64Counter("loqa.stt.utterances",
		metric.WithDescription("Utterances handed to the recognizer"))
	if err != nil {
		return err
	}
	s.dropped, err = meter.Int64Counter("loqa.stt.utterances.dropped",
		metric.WithDescription("Buffered utterances discarded without transcription"))
	if err != nil {
		return err
	}
	active, err := meter.Int64ObservableGauge("loqa.stt.sessions",
		metric.WithDescription("Sessions with live audio buffers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(active, int64(s.ActiveSessions()))
		return nil
	}, active)
	return err
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	frames, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)

	requests, err := conn.Subscribe(protocol.SubjectTranscribe, s.handleTranscribe)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe transcribe requests: %w", err)
	}
	s.subs = append(s.subs, requests)

	if idle := s.idleFlush(); idle > 0 {
		s.wg.Add(1)
		go s.sweep(idle)
	}
	s.ready.Store(true)
	s.logger.Info("stt service started",
		slog.Int("sample_rate", s.cfg.SampleRate),
		slog.Int("pause_threshold_ms", s.cfg.PauseThresholdMS),
		slog.Bool("interim", s.cfg.PublishInterim))
	return nil
}

// Close stops intake, lets queued utterances finish against a cancelled
// context and waits for the workers.
func (s *Service) Close() {
	s.ready.Store(false)
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.mu.Lock()
		s.closeLocked(sess)
		sess.mu.Unlock()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

// ActiveSessions reports how many sessions currently hold a buffer.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) idleFlush() time.Duration {
	return time.Duration(s.cfg.IdleFlushMS) * time.Millisecond
}

func (s *Service) pauseThreshold() time.Duration {
	return time.Duration(s.cfg.PauseThresholdMS) * time.Millisecond
}

func samplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(sampleRate) * float64(time.Second))
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.logger.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}

	for {
		sess, created := s.session(frame)
		if sess == nil {
			return
		}
		if created && s.store != nil {
			if err := s.store.AppendSession(s.ctx, sess.id, msg.Subject); err != nil {
				s.logger.Warn("failed to record session", slogError(err))
			}
		}
		if s.ingest(sess, frame) {
			return
		}
		// Retired by the idle sweeper between lookup and lock; the next
		// lookup opens a fresh session.
	}
}

// ingest buffers one frame and runs the flush rules. It reports false when
// the session was closed before the frame could be buffered.
func (s *Service) ingest(sess *session, frame protocol.AudioFrame) bool {
	samples := s.frameSamples(sess, frame)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return false
	}
	sess.lastActivity = s.clock()
	speech := len(samples) > 0 && s.vad.IsSpeech(samples)
	// A pause detected here flushes the previous utterance before these
	// samples are appended.
	sess.buffer.AddSamples(samples)
	if speech {
		sess.voiced = true
		sess.silentRun = 0
	} else {
		sess.silentRun += samplesDuration(len(samples), sess.sampleRate)
	}

	if frame.Final {
		s.flushLocked(sess, ReasonFinal)
		s.removeSession(sess)
		s.closeLocked(sess)
		return true
	}
	// Clients that keep streaming through silence never leave an arrival
	// gap, so trailing silence after speech also ends the utterance.
	if sess.silentRun >= s.pauseThreshold() {
		if sess.voiced {
			s.flushLocked(sess, ReasonPause)
		} else {
			sess.buffer.Clear()
			sess.silentRun = 0
		}
		return true
	}
	if sess.buffer.FillPercent() >= 100 {
		s.logger.Warn("session buffer full, flushing", slog.String("session_id", sess.id))
		s.flushLocked(sess, ReasonFull)
		return true
	}
	s.maybeInterimLocked(sess)
	return true
}

func (s *Service) session(frame protocol.AudioFrame) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[frame.SessionID]; ok {
		return sess, false
	}
	if s.ctx.Err() != nil {
		return nil, false
	}

	rate := frame.SampleRate
	if rate <= 0 {
		rate = s.cfg.SampleRate
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = s.cfg.Channels
	}
	sess := &session{
		id:           frame.SessionID,
		sampleRate:   rate,
		channels:     channels,
		lastActivity: s.clock(),
		jobs:         make(chan job, sessionQueueDepth),
		buffer: stream.New(stream.Config{
			Capacity:       s.cfg.BufferCapacity,
			SampleRate:     rate,
			PauseThreshold: s.pauseThreshold(),
			Clock:          s.clock,
		}, s.logger.With(slog.String("session_id", frame.SessionID))),
	}
	// Pause listeners run inside AddSamples, which ingest calls with
	// sess.mu held.
	sess.buffer.OnPause(func(evt stream.PauseEvent) {
		s.logger.Debug("pause detected",
			slog.String("session_id", sess.id),
			slog.Duration("silence", evt.Silence),
			slog.Int("buffered", evt.Buffered))
		s.flushLocked(sess, ReasonPause)
	})
	s.sessions[frame.SessionID] = sess

	s.wg.Add(1)
	go s.work(sess)
	s.logger.Info("stt session opened",
		slog.String("session_id", sess.id),
		slog.Int("sample_rate", rate),
		slog.Int("channels", channels))
	return sess, true
}

func (s *Service) frameSamples(sess *session, frame protocol.AudioFrame) []float32 {
	if len(frame.PCM)%2 != 0 {
		s.logger.Warn("pcm payload not aligned", slog.String("session_id", sess.id), slog.Int("bytes", len(frame.PCM)))
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = sess.channels
	}
	samples := wavcodec.Downmix(wavcodec.PCM16ToFloat(frame.PCM), channels)
	if frame.SampleRate > 0 && frame.SampleRate != sess.sampleRate {
		samples = wavcodec.Resample(samples, frame.SampleRate, sess.sampleRate)
	}
	return samples
}

// flushLocked hands the buffered utterance to the worker. Caller holds
// sess.mu.
func (s *Service) flushLocked(sess *session, reason string) {
	samples := sess.buffer.GetAndClear()
	voiced := sess.voiced
	sess.voiced = false
	sess.silentRun = 0
	sess.lastPartial = time.Time{}
	if len(samples) == 0 {
		return
	}
	if !voiced {
		s.logger.Debug("dropping silent utterance",
			slog.String("session_id", sess.id),
			slog.Int("samples", len(samples)))
		s.count(s.dropped, reason)
		return
	}
	s.enqueueLocked(sess, job{samples: samples, final: true, reason: reason}, true)
}

func (s *Service) maybeInterimLocked(sess *session) {
	if !s.cfg.PublishInterim || !sess.voiced || sess.busy.Load() {
		return
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return
	}
	now := s.clock()
	if sess.lastPartial.IsZero() {
		sess.lastPartial = now
		return
	}
	if now.Sub(sess.lastPartial) < interval {
		return
	}
	sess.lastPartial = now
	s.enqueueLocked(sess, job{samples: sess.buffer.Snapshot(), reason: ReasonInterim}, false)
}

func (s *Service) enqueueLocked(sess *session, j job, wait bool) {
	if sess.closed {
		return
	}
	if !wait {
		select {
		case sess.jobs <- j:
		default:
		}
		return
	}
	select {
	case sess.jobs <- j:
		s.count(s.utterances, j.reason)
	case <-s.ctx.Done():
	}
}

func (s *Service) removeSession(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
}

// closeLocked stops the worker once its queue drains. Caller holds sess.mu.
func (s *Service) closeLocked(sess *session) {
	if sess.closed {
		return
	}
	sess.closed = true
	close(sess.jobs)
}

func (s *Service) work(sess *session) {
	defer s.wg.Done()
	for j := range sess.jobs {
		sess.busy.Store(true)
		s.transcribe(sess, j)
		sess.busy.Store(false)
	}
	s.logger.Debug("stt session closed", slog.String("session_id", sess.id))
}

func (s *Service) transcribe(sess *session, j job) {
	if s.ctx.Err() != nil {
		return
	}
	ctx := s.ctx
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	result, err := s.recognizer.Transcribe(ctx, j.samples, sess.sampleRate, j.final)
	if err != nil {
		s.logger.Warn("stt transcription abandoned",
			slog.String("session_id", sess.id),
			slog.String("reason", j.reason),
			slogError(err))
		return
	}
	if result.Text == "" || IsPlaceholder(result.Text) {
		s.logger.Debug("no transcript for utterance",
			slog.String("session_id", sess.id),
			slog.String("reason", j.reason),
			slog.String("text", result.Text))
		return
	}
	s.publishTranscript(sess.id, result, j)
}

func (s *Service) publishTranscript(sessionID string, result TranscriptResult, j job) {
	subject := protocol.SubjectTranscriptPartial
	kind := eventstore.KindPartial
	if j.final {
		subject = protocol.SubjectTranscriptFinal
		kind = eventstore.KindFinal
	}
	now := s.clock().UTC()
	msg := protocol.Transcript{
		SessionID:  sessionID,
		TraceID:    uuid.NewString(),
		Text:       result.Text,
		Partial:    !j.final,
		Timestamp:  now,
		Confidence: result.Confidence,
		DurationMS: result.Audio.Milliseconds(),
		Reason:     j.reason,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}

	if s.store == nil {
		return
	}
	err := s.store.AppendTranscript(context.WithoutCancel(s.ctx), eventstore.Transcript{
		SessionID:  sessionID,
		TraceID:    msg.TraceID,
		Kind:       kind,
		Text:       msg.Text,
		Confidence: msg.Confidence,
		Reason:     j.reason,
		Mock:       result.Mock,
		DurationMS: msg.DurationMS,
		CreatedAt:  now,
	})
	if err != nil {
		s.logger.Warn("failed to record transcript", slogError(err))
	}
}

func (s *Service) sweep(idle time.Duration) {
	defer s.wg.Done()
	interval := max(idle/4, 50*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flushIdle(idle)
		}
	}
}

// flushIdle transcribes sessions whose audio stopped without a pause or
// final marker, and retires sessions that stay silent afterwards.
func (s *Service) flushIdle(idle time.Duration) {
	now := s.clock()
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		quiet := now.Sub(sess.lastActivity)
		switch {
		case quiet < idle:
		case sess.buffer.Len() > 0:
			s.flushLocked(sess, ReasonIdle)
		case quiet >= 4*idle:
			s.removeSession(sess)
			s.closeLocked(sess)
		}
		sess.mu.Unlock()
	}
}

func (s *Service) handleTranscribe(msg *nats.Msg) {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode transcribe request", slogError(err))
		s.respond(msg, protocol.TranscribeResponse{Error: "invalid request"})
		return
	}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if s.cfg.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(s.ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		decoded := wavcodec.Decode(req.WAV, s.logger)
		resp := protocol.TranscribeResponse{RequestID: req.RequestID}
		result, err := s.recognizer.Transcribe(ctx, decoded.Samples, decoded.SampleRate, true)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Text = result.Text
			resp.Confidence = result.Confidence
			resp.DurationMS = result.Audio.Milliseconds()
		}
		s.respond(msg, resp)
		if err == nil && req.SessionID != "" && !IsPlaceholder(result.Text) && result.Text != "" {
			s.publishTranscript(req.SessionID, result, job{final: true, reason: ReasonFinal})
		}
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.TranscribeResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal transcribe response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to transcribe request", slogError(err))
	}
}

func (s *Service) count(counter metric.Int64Counter, reason string) {
	if counter == nil {
		return
	}
	counter.Add(s.ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

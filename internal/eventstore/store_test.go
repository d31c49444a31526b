package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "transcripts.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendTranscript(ctx, Transcript{SessionID: "s", Text: "dropped"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	got, err := es.ListSessionTranscripts(ctx, "s", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected nothing retained, got %v (%v)", got, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.AppendSession(ctx, "session-123", "audio.frame"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	records := []Transcript{
		{SessionID: "session-123", TraceID: "t-1", Kind: KindPartial, Text: "turn on", Reason: "interim"},
		{SessionID: "session-123", TraceID: "t-2", Text: "turn on the lights", Confidence: 0.9, Reason: "pause", DurationMS: 1800},
	}
	for _, tr := range records {
		if err := es.AppendTranscript(ctx, tr); err != nil {
			t.Fatalf("append transcript: %v", err)
		}
	}
	got, err := es.ListSessionTranscripts(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(got))
	}
	if got[0].Kind != KindPartial || got[1].Kind != KindFinal {
		t.Fatalf("unexpected kinds %q, %q", got[0].Kind, got[1].Kind)
	}
	if got[1].Text != "turn on the lights" || got[1].DurationMS != 1800 || got[1].Confidence != 0.9 {
		t.Fatalf("unexpected record %+v", got[1])
	}
}

func TestAppendTranscriptCreatesSessionAndFlagsMock(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})

	if err := es.AppendTranscript(ctx, Transcript{SessionID: "fresh", Text: "hello world", Mock: true}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	got, err := es.ListSessionTranscripts(ctx, "fresh", 0)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(got) != 1 || !got[0].Mock {
		t.Fatalf("expected one mock transcript, got %+v", got)
	}
	if err := es.AppendTranscript(ctx, Transcript{Text: "orphan"}); err == nil {
		t.Fatalf("expected error for missing session id")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "audio.frame"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendTranscript(ctx, Transcript{SessionID: "old-session", Text: "stale"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "audio.frame"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendTranscript(ctx, Transcript{SessionID: "new-session", Text: "fresh"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListSessionTranscripts(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old session pruned")
	}
	kept, err := es.ListSessionTranscripts(ctx, "new-session", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("expected new session kept, got %d", len(kept))
	}
}

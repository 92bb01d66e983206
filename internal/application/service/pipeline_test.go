package service

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"signalpipe/internal/domain/model"
)

func newPipelineEnv(t *testing.T, rateMax, breakerThreshold int) (*testEnv, *Pipeline) {
	t.Helper()
	env := newTestEnv(t)
	adm := NewAdmission(time.Minute, rateMax, 5*time.Minute, 24*time.Hour,
		breakerThreshold, 30*time.Second, nil)
	pipe := NewPipeline(adm, env.wal, env.proc, env.retry, nil)
	return env, pipe
}

func TestIngestEntrySuccess(t *testing.T) {
	env, pipe := newPipelineEnv(t, 100, 5)
	env.seedStrategy(t, "ES", true)

	out := pipe.Ingest(context.Background(), "10.0.0.1", "TradingView", signalPayload("buy", 4500.25))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d: %+v", out.Status, out)
	}
	if !out.Result.Success || out.Result.Kind != "entry_applied" {
		t.Fatalf("result = %+v", out.Result)
	}
	if out.CorrelationID == "" {
		t.Error("correlation id missing")
	}

	stats, _ := env.store.Wal().Stats(context.Background())
	if stats.ByStatus[model.WalCompleted] != 1 {
		t.Errorf("wal stats = %+v, want one completed entry", stats.ByStatus)
	}
}

func TestIngestDuplicateReplaysCachedResult(t *testing.T) {
	env, pipe := newPipelineEnv(t, 100, 5)
	env.seedStrategy(t, "ES", true)
	ctx := context.Background()

	payload := signalPayload("buy", 4500.25)
	first := pipe.Ingest(ctx, "10.0.0.1", "TradingView", payload)
	if !first.Result.Success {
		t.Fatalf("first delivery failed: %+v", first)
	}

	second := pipe.Ingest(ctx, "10.0.0.1", "TradingView", payload)
	if second.Status != http.StatusOK || !second.Duplicate {
		t.Fatalf("second delivery = %+v, want duplicate", second)
	}
	if !bytes.Contains(second.CachedBody, []byte("entry_applied")) {
		t.Errorf("cached body = %s", second.CachedBody)
	}

	// no second WAL entry, no second position
	stats, _ := env.store.Wal().Stats(ctx)
	if stats.Total != 1 {
		t.Errorf("wal total = %d, duplicate wrote a second entry", stats.Total)
	}
}

func TestIngestDuplicateAfterRetryCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.seedStrategy(t, "ES", true)
	adm := NewAdmission(time.Minute, 100, 5*time.Minute, 24*time.Hour, 5, 30*time.Second, nil)
	env.retry.BindAdmission(adm)

	// the ingest path sees a store outage; the sweep runs against the
	// recovered store (newTestEnv binds the healthy processor to the queue)
	failing := NewProcessor(env.store.Trading(), failingStrategies{}, env.wal, nil, nil, time.Second)
	pipe := NewPipeline(adm, env.wal, failing, env.retry, nil)
	ctx := context.Background()

	payload := signalPayload("buy", 4500)
	first := pipe.Ingest(ctx, "10.0.0.1", "tv", payload)
	if first.Status != http.StatusOK || !first.WillRetry {
		t.Fatalf("first delivery = %+v, want will-retry", first)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := env.retry.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	// a duplicate delivery within the idempotency window replays the
	// result the sweep produced instead of reprocessing the signal
	second := pipe.Ingest(ctx, "10.0.0.1", "tv", payload)
	if second.Status != http.StatusOK || !second.Duplicate {
		t.Fatalf("second delivery = %+v, want duplicate", second)
	}
	if !bytes.Contains(second.CachedBody, []byte("entry_applied")) {
		t.Errorf("cached body = %s", second.CachedBody)
	}

	stats, _ := env.store.Wal().Stats(ctx)
	if stats.Total != 1 {
		t.Errorf("wal total = %d, duplicate wrote a second entry", stats.Total)
	}
}

func TestIngestRateLimit(t *testing.T) {
	env, pipe := newPipelineEnv(t, 2, 5)
	env.seedStrategy(t, "ES", true)
	ctx := context.Background()

	pipe.Ingest(ctx, "10.0.0.1", "tv", signalPayload("buy", 4500))
	pipe.Ingest(ctx, "10.0.0.1", "tv", signalPayload("sell", 4510))

	out := pipe.Ingest(ctx, "10.0.0.1", "tv", signalPayload("buy", 4520))
	if out.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", out.Status)
	}
	if out.Result.Code != model.CodeRateLimited {
		t.Errorf("code = %s", out.Result.Code)
	}
	if out.RetryAfter <= 0 {
		t.Error("retry-after not set")
	}

	// another sender is not affected
	if out := pipe.Ingest(ctx, "10.0.0.2", "tv", signalPayload("buy", 4530)); out.Status == http.StatusTooManyRequests {
		t.Error("rate limit leaked across sources")
	}
}

func TestIngestRejectsBadPayload(t *testing.T) {
	_, pipe := newPipelineEnv(t, 100, 5)

	out := pipe.Ingest(context.Background(), "10.0.0.1", "tv", []byte("not json"))
	if out.Status != http.StatusBadRequest || out.Result.Code != model.CodeSanitization {
		t.Fatalf("outcome = %+v, want 400 SANITIZATION_ERROR", out)
	}
}

func TestIngestRejectsStaleTimestamp(t *testing.T) {
	_, pipe := newPipelineEnv(t, 100, 5)

	stale := []byte(`{"symbol":"ES","action":"buy","price":4500,"timestamp":"2025-01-01T00:00:00Z"}`)
	out := pipe.Ingest(context.Background(), "10.0.0.1", "tv", stale)
	if out.Status != http.StatusBadRequest || out.Result.Code != model.CodeReplayWindow {
		t.Fatalf("outcome = %+v, want 400 REPLAY_WINDOW_VIOLATION", out)
	}
}

func TestIngestWhilePaused(t *testing.T) {
	_, pipe := newPipelineEnv(t, 100, 5)

	pipe.Pause()
	out := pipe.Ingest(context.Background(), "10.0.0.1", "tv", signalPayload("buy", 4500))
	if out.Status != http.StatusServiceUnavailable || out.Result.Code != model.CodePaused {
		t.Fatalf("outcome = %+v, want 503 PROCESSING_PAUSED", out)
	}

	pipe.Resume()
	if pipe.Paused() {
		t.Error("pipeline still paused after resume")
	}
}

func TestIngestUnknownStrategyIsSoft(t *testing.T) {
	_, pipe := newPipelineEnv(t, 100, 5)

	// the sender did nothing wrong; it must not resend
	out := pipe.Ingest(context.Background(), "10.0.0.1", "tv", signalPayload("buy", 4500))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d, want soft 200", out.Status)
	}
	if out.Result.Success || out.Result.Code != model.CodeUnknownStrategy {
		t.Errorf("result = %+v", out.Result)
	}
}

func TestIngestBreakerOpensOnStoreFailure(t *testing.T) {
	env, pipe := newPipelineEnv(t, 100, 1)
	env.seedStrategy(t, "ES", true)
	ctx := context.Background()

	// kill the store so the WAL append fails
	env.store.Close()

	out := pipe.Ingest(ctx, "10.0.0.1", "tv", signalPayload("buy", 4500))
	if out.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 on append failure", out.Status)
	}

	out = pipe.Ingest(ctx, "10.0.0.1", "tv", signalPayload("buy", 4510))
	if out.Status != http.StatusServiceUnavailable || out.Result.Code != model.CodeCircuitOpen {
		t.Fatalf("outcome = %+v, want 503 CIRCUIT_OPEN", out)
	}
}

func TestIngestTransientFailureQueuesRetry(t *testing.T) {
	env := newTestEnv(t)
	adm := NewAdmission(time.Minute, 100, 5*time.Minute, 24*time.Hour, 5, 30*time.Second, nil)
	proc := NewProcessor(env.store.Trading(), failingStrategies{}, env.wal, nil, nil, time.Second)
	pipe := NewPipeline(adm, env.wal, proc, env.retry, nil)
	ctx := context.Background()

	out := pipe.Ingest(ctx, "10.0.0.1", "tv", signalPayload("buy", 4500))
	if out.Status != http.StatusOK || !out.WillRetry {
		t.Fatalf("outcome = %+v, want 200 will-retry", out)
	}

	stats, _ := env.store.Retry().Stats(ctx)
	if stats.ByStatus[model.RetryPending] != 1 {
		t.Errorf("retry queue = %+v, want one pending item", stats.ByStatus)
	}
}

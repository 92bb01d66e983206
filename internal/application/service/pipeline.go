package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"signalpipe/internal/domain/model"
	domainsvc "signalpipe/internal/domain/service"
	"signalpipe/internal/infrastructure/metrics"
)

// Outcome is what the HTTP layer renders for one ingested webhook.
type Outcome struct {
	Status        int
	CorrelationID string
	Duplicate     bool
	WillRetry     bool
	RetryAfter    time.Duration
	Result        Result
	CachedBody    []byte
}

// Pipeline chains admission, the write-ahead log, the signal processor and
// the retry queue into the single ingest path the webhook handler calls.
type Pipeline struct {
	admission *Admission
	wal       *WalService
	processor *Processor
	retry     *RetryService
	clock     domainsvc.Clock

	paused atomic.Bool
}

func NewPipeline(admission *Admission, wal *WalService, processor *Processor, retry *RetryService, clock domainsvc.Clock) *Pipeline {
	if clock == nil {
		clock = domainsvc.SystemClock()
	}
	return &Pipeline{
		admission: admission,
		wal:       wal,
		processor: processor,
		retry:     retry,
		clock:     clock,
	}
}

// Pause stops accepting new signals; in-flight work and retries continue.
func (p *Pipeline) Pause()       { p.paused.Store(true) }
func (p *Pipeline) Resume()      { p.paused.Store(false) }
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// BreakerState exposes the circuit state for the health endpoint.
func (p *Pipeline) BreakerState() domainsvc.BreakerState { return p.admission.BreakerState() }

// Ingest runs the whole admission-to-processing chain for one raw payload.
// Every path returns a renderable Outcome; errors never escape.
func (p *Pipeline) Ingest(ctx context.Context, sourceIP, userAgent string, raw []byte) Outcome {
	correlationID := uuid.NewString()
	lg := log.With().Str("correlation_id", correlationID).Str("source_ip", sourceIP).Logger()

	if p.paused.Load() {
		metrics.AdmissionRejections.WithLabelValues("paused").Inc()
		return p.reject(correlationID, model.Rejectf(model.CodePaused, "signal processing is paused"))
	}

	if dec := p.admission.RateLimit(sourceIP); !dec.Allowed {
		lg.Warn().Dur("retry_after", dec.RetryAfter).Msg("rate limit exceeded")
		out := p.reject(correlationID, model.Rejectf(model.CodeRateLimited, "rate limit exceeded"))
		out.RetryAfter = dec.RetryAfter
		return out
	}

	admitted, err := p.admission.Validate(raw)
	if err != nil {
		lg.Warn().Err(err).Msg("payload rejected at admission")
		return p.reject(correlationID, err)
	}

	if cached, ok := p.admission.LookupDuplicate(admitted.IdempotencyKey); ok {
		lg.Info().Str("symbol", admitted.Payload.Symbol).Msg("duplicate signal, replaying cached result")
		metrics.SignalsProcessed.WithLabelValues("duplicate").Inc()
		return Outcome{
			Status:        http.StatusOK,
			CorrelationID: correlationID,
			Duplicate:     true,
			CachedBody:    cached,
		}
	}

	if !p.admission.BreakerAllow() {
		lg.Warn().Msg("circuit breaker open, shedding signal")
		return p.reject(correlationID, model.Rejectf(model.CodeCircuitOpen, "store circuit breaker is open"))
	}

	entry := &model.WalEntry{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		RawPayload:    admitted.Payload.Raw,
		Preview: model.Preview{
			Symbol: admitted.Payload.Symbol,
			Action: admitted.Payload.Action,
			Price:  admitted.Payload.Price,
			Qty:    admitted.Payload.Quantity,
		},
		Status:     model.WalReceived,
		SourceIP:   sourceIP,
		UserAgent:  userAgent,
		ReceivedAt: p.clock.Now(),
	}
	if err := p.wal.Append(ctx, entry); err != nil {
		// Nothing durable exists yet, so the caller has to resend.
		p.admission.RecordFailure()
		lg.Error().Err(err).Msg("wal append failed")
		return p.reject(correlationID, model.Transient(err))
	}

	res := p.processor.Process(ctx, entry.ID, correlationID, admitted.Payload.Raw)
	switch {
	case res.Success:
		p.admission.RecordSuccess()
		p.remember(admitted.IdempotencyKey, res)
		return Outcome{Status: http.StatusOK, CorrelationID: correlationID, Result: res}

	case res.Retryable:
		p.admission.RecordFailure()
		if err := p.retry.Enqueue(ctx, entry.ID, admitted.Payload.Raw, correlationID, admitted.Payload.Symbol, res.Message); err != nil {
			lg.Error().Err(err).Msg("retry enqueue failed, relying on recovery sweep")
		}
		lg.Warn().Str("code", string(res.Code)).Msg("transient failure, signal queued for retry")
		return Outcome{Status: http.StatusOK, CorrelationID: correlationID, WillRetry: true, Result: res}

	default:
		// A business rejection means the pipeline worked end to end.
		p.admission.RecordSuccess()
		p.remember(admitted.IdempotencyKey, res)
		return Outcome{Status: statusFor(res.Code), CorrelationID: correlationID, Result: res}
	}
}

// ReplayRetry re-arms one dead-lettered item and processes it immediately.
func (p *Pipeline) ReplayRetry(ctx context.Context, id int64) error {
	if err := p.retry.Reopen(ctx, id); err != nil {
		return err
	}
	_, err := p.retry.SweepOnce(ctx)
	return err
}

func (p *Pipeline) remember(key string, res Result) {
	body, err := json.Marshal(res)
	if err != nil {
		return
	}
	p.admission.RememberResult(key, body)
}

func (p *Pipeline) reject(correlationID string, err error) Outcome {
	code := model.CodeOf(err)
	return Outcome{
		Status:        statusFor(code),
		CorrelationID: correlationID,
		Result:        Result{Code: code, Message: err.Error()},
	}
}

// statusFor maps error codes to HTTP statuses. Business rejections are soft:
// the sender did nothing wrong and must not resend, so they get 200.
func statusFor(code model.Code) int {
	switch code {
	case model.CodeRateLimited:
		return http.StatusTooManyRequests
	case model.CodeSanitization, model.CodeReplayWindow, model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeCircuitOpen, model.CodePaused:
		return http.StatusServiceUnavailable
	case model.CodeStoreError, model.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

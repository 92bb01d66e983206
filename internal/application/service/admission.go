package service

import (
	"time"

	"signalpipe/internal/domain/model"
	domainsvc "signalpipe/internal/domain/service"
	"signalpipe/internal/infrastructure/metrics"
)

// Admission runs the pre-durability guards: rate limit, payload sanitization,
// replay-window check, idempotency lookup and the store circuit breaker.
// All guards are in-memory and per-instance.
type Admission struct {
	limiter *domainsvc.RateLimiter
	replay  *domainsvc.ReplayWindow
	idem    *domainsvc.IdempotencyStore
	breaker *domainsvc.CircuitBreaker

	sanitizer *domainsvc.Sanitizer
}

func NewAdmission(
	rateWindow time.Duration, rateMax int,
	replayDrift time.Duration,
	idemTTL time.Duration,
	breakerThreshold int, breakerCooldown time.Duration,
	clock domainsvc.Clock,
) *Admission {
	if clock == nil {
		clock = domainsvc.SystemClock()
	}
	return &Admission{
		limiter:   domainsvc.NewRateLimiter(rateWindow, rateMax, clock),
		replay:    domainsvc.NewReplayWindow(replayDrift, clock),
		idem:      domainsvc.NewIdempotencyStore(idemTTL, clock),
		breaker:   domainsvc.NewCircuitBreaker(breakerThreshold, breakerCooldown, clock),
		sanitizer: domainsvc.NewSanitizer(),
	}
}

// Admitted is the result of a payload passing every admission guard.
type Admitted struct {
	Payload        *domainsvc.SanitizedPayload
	SignalTime     time.Time
	IdempotencyKey string
}

// RateLimit checks the fixed window for one source key.
func (a *Admission) RateLimit(key string) domainsvc.RateDecision {
	dec := a.limiter.Allow(key)
	if !dec.Allowed {
		metrics.AdmissionRejections.WithLabelValues("rate_limited").Inc()
	}
	return dec
}

// Validate sanitizes the raw payload and checks its signal timestamp against
// the replay window. It does not consult the idempotency cache or breaker.
func (a *Admission) Validate(raw []byte) (*Admitted, error) {
	payload, err := a.sanitizer.Sanitize(raw)
	if err != nil {
		metrics.AdmissionRejections.WithLabelValues("sanitization").Inc()
		return nil, model.Reject(model.CodeSanitization, err)
	}
	sigTime, err := a.replay.Validate(payload.TimestampRaw)
	if err != nil {
		metrics.AdmissionRejections.WithLabelValues("replay_window").Inc()
		return nil, model.Reject(model.CodeReplayWindow, err)
	}
	return &Admitted{
		Payload:        payload,
		SignalTime:     sigTime,
		IdempotencyKey: domainsvc.IdempotencyKey(payload.Symbol, payload.Action, sigTime, payload.Price),
	}, nil
}

// LookupDuplicate returns the stored result of an identical earlier signal.
func (a *Admission) LookupDuplicate(key string) ([]byte, bool) {
	return a.idem.Lookup(key)
}

// RememberResult caches the terminal result for the idempotency window.
func (a *Admission) RememberResult(key string, result []byte) {
	a.idem.Store(key, result)
}

// RememberOutcome caches a terminal result keyed by the payload's identity.
// Used for results that arrive after the original request already returned,
// so the key is recomputed from the raw payload; the replay window is not
// re-checked because retries legitimately finish long after the alert fired.
func (a *Admission) RememberOutcome(raw, result []byte) {
	payload, err := a.sanitizer.Sanitize(raw)
	if err != nil {
		return
	}
	ts, err := domainsvc.ParseSignalTime(payload.TimestampRaw)
	if err != nil {
		return
	}
	a.idem.Store(domainsvc.IdempotencyKey(payload.Symbol, payload.Action, ts, payload.Price), result)
}

// BreakerAllow gates store access; a denial means the breaker is open.
func (a *Admission) BreakerAllow() bool {
	ok := a.breaker.Allow()
	if !ok {
		metrics.AdmissionRejections.WithLabelValues("circuit_open").Inc()
	}
	a.publishBreakerState()
	return ok
}

func (a *Admission) RecordSuccess() {
	a.breaker.RecordSuccess()
	a.publishBreakerState()
}

func (a *Admission) RecordFailure() {
	a.breaker.RecordFailure()
	a.publishBreakerState()
}

func (a *Admission) BreakerState() domainsvc.BreakerState {
	return a.breaker.State()
}

func (a *Admission) publishBreakerState() {
	switch a.breaker.State() {
	case domainsvc.BreakerOpen:
		metrics.CircuitState.Set(1)
	case domainsvc.BreakerHalfOpen:
		metrics.CircuitState.Set(2)
	default:
		metrics.CircuitState.Set(0)
	}
}

// Cleanup drops expired rate buckets and idempotency entries.
func (a *Admission) Cleanup() {
	a.limiter.Cleanup()
	a.idem.Cleanup()
}

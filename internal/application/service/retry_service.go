package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
	domainsvc "signalpipe/internal/domain/service"
	"signalpipe/internal/infrastructure/metrics"
)

// RetryService replays transiently failed signals with exponential backoff
// and parks them dead-lettered once the budget is spent. The processor is
// bound after construction because the two reference each other through the
// WAL service.
type RetryService struct {
	repo      port.RetryRepository
	proc      *Processor
	wal       port.WalRepository
	admission *Admission
	clock     domainsvc.Clock

	maxRetries   int
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
	drainLimit   int
}

func NewRetryService(repo port.RetryRepository, wal port.WalRepository, clock domainsvc.Clock,
	maxRetries int, initialDelay time.Duration, multiplier float64, maxDelay time.Duration, drainLimit int) *RetryService {
	if clock == nil {
		clock = domainsvc.SystemClock()
	}
	return &RetryService{
		repo:         repo,
		wal:          wal,
		clock:        clock,
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		multiplier:   multiplier,
		maxDelay:     maxDelay,
		drainLimit:   drainLimit,
	}
}

// BindProcessor wires the processor used for replays.
func (s *RetryService) BindProcessor(p *Processor) { s.proc = p }

// BindAdmission wires the idempotency cache so results that terminate via
// the sweep are visible to duplicate deliveries, same as synchronous ones.
func (s *RetryService) BindAdmission(a *Admission) { s.admission = a }

// Enqueue schedules the first retry for a transiently failed signal.
func (s *RetryService) Enqueue(ctx context.Context, walID string, payload []byte, correlationID, symbol, lastError string) error {
	item := &model.RetryItem{
		WalID:           walID,
		OriginalPayload: payload,
		CorrelationID:   correlationID,
		StrategySymbol:  symbol,
		MaxRetries:      s.maxRetries,
		NextRetryAt:     s.clock.Now().Add(model.Backoff(0, s.initialDelay, s.multiplier, s.maxDelay)),
		LastError:       lastError,
	}
	if err := s.repo.Enqueue(ctx, item); err != nil {
		return err
	}
	metrics.RetryEnqueued.Inc()
	log.Info().
		Int64("retry_id", item.ID).
		Str("wal_id", walID).
		Time("next_retry_at", item.NextRetryAt).
		Msg("signal enqueued for retry")
	return nil
}

// SweepOnce drains due items and reprocesses each through the signal
// processor under a fresh correlation id suffixed by the attempt number.
// Items left in processing longer than the backoff ceiling belong to a sweep
// that died mid-flight and are reclaimed first.
func (s *RetryService) SweepOnce(ctx context.Context) (int, error) {
	if n, err := s.repo.ReclaimStale(ctx, s.clock.Now().Add(-s.maxDelay)); err != nil {
		log.Error().Err(err).Msg("stale claim reclaim failed")
	} else if n > 0 {
		log.Warn().Int64("reclaimed", n).Msg("reclaimed retry items from a dead sweep")
	}

	items, err := s.repo.DrainDue(ctx, s.clock.Now(), s.drainLimit)
	if err != nil {
		return 0, err
	}

	for _, item := range items {
		attempt := item.RetryCount + 1
		correlation := fmt.Sprintf("%s-r%d", item.CorrelationID, attempt)
		res := s.proc.Process(ctx, item.WalID, correlation, item.OriginalPayload)

		switch {
		case res.Success:
			if err := s.repo.MarkCompleted(ctx, item.ID); err != nil {
				log.Error().Err(err).Int64("retry_id", item.ID).Msg("retry completion mark failed")
			}
			s.rememberOutcome(item.OriginalPayload, res)
			log.Info().Int64("retry_id", item.ID).Int("attempt", attempt).Msg("retry succeeded")

		case !res.Retryable:
			// The signal was rejected on its merits; retrying cannot change that.
			if err := s.repo.Cancel(ctx, item.ID, res.Message); err != nil {
				log.Error().Err(err).Int64("retry_id", item.ID).Msg("retry cancel failed")
			}
			s.rememberOutcome(item.OriginalPayload, res)
			log.Warn().Int64("retry_id", item.ID).Str("code", string(res.Code)).Msg("retry cancelled: non-retryable rejection")

		case attempt >= item.MaxRetries:
			if err := s.repo.MarkFailed(ctx, item.ID, res.Message); err != nil {
				log.Error().Err(err).Int64("retry_id", item.ID).Msg("dead-letter mark failed")
			}
			if err := s.wal.MarkFailed(ctx, item.WalID, "retries exhausted: "+res.Message); err != nil {
				log.Error().Err(err).Str("wal_id", item.WalID).Msg("wal exhaust mark failed")
			}
			metrics.RetryDeadLetter.Inc()
			log.Error().Int64("retry_id", item.ID).Int("attempts", attempt).Msg("retry budget exhausted, dead-lettered")

		default:
			next := s.clock.Now().Add(model.Backoff(attempt, s.initialDelay, s.multiplier, s.maxDelay))
			if err := s.repo.ScheduleNext(ctx, item.ID, attempt, next, res.Message); err != nil {
				log.Error().Err(err).Int64("retry_id", item.ID).Msg("retry reschedule failed")
			}
		}
	}
	return len(items), nil
}

// Run drives the sweep until ctx is done.
func (s *RetryService) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("retry sweep failed")
			}
		}
	}
}

// rememberOutcome stores the eventual result under the payload's idempotency
// key, so a duplicate delivery after the sweep finishes replays the cached
// body instead of reprocessing.
func (s *RetryService) rememberOutcome(raw []byte, res Result) {
	if s.admission == nil {
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		return
	}
	s.admission.RememberOutcome(raw, body)
}

func (s *RetryService) HasActive(ctx context.Context, walID string) (bool, error) {
	return s.repo.HasActive(ctx, walID)
}

func (s *RetryService) Get(ctx context.Context, id int64) (*model.RetryItem, error) {
	return s.repo.Get(ctx, id)
}

func (s *RetryService) MarkCompleted(ctx context.Context, id int64) error {
	return s.repo.MarkCompleted(ctx, id)
}

func (s *RetryService) Reopen(ctx context.Context, id int64) error {
	return s.repo.Reopen(ctx, id)
}

func (s *RetryService) Stats(ctx context.Context) (*model.RetryStats, error) {
	return s.repo.Stats(ctx)
}

func (s *RetryService) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.Purge(ctx, cutoff)
}

package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
	domainsvc "signalpipe/internal/domain/service"
	"signalpipe/internal/infrastructure/metrics"
)

const recoveryErrMsg = "recovery: stuck after crash"

// WalService wraps the WAL repository with the recovery and retention
// protocols. Append is the durability point of the pipeline: once it
// returns nil, the signal can no longer be silently lost.
type WalService struct {
	repo  port.WalRepository
	retry *RetryService
	clock domainsvc.Clock

	stuckAfter time.Duration
	retention  time.Duration
}

func NewWalService(repo port.WalRepository, retry *RetryService, clock domainsvc.Clock, stuckAfter, retention time.Duration) *WalService {
	if clock == nil {
		clock = domainsvc.SystemClock()
	}
	return &WalService{
		repo:       repo,
		retry:      retry,
		clock:      clock,
		stuckAfter: stuckAfter,
		retention:  retention,
	}
}

// Append durably records the raw payload before any business logic runs.
func (s *WalService) Append(ctx context.Context, entry *model.WalEntry) error {
	if err := s.repo.Append(ctx, entry); err != nil {
		return err
	}
	metrics.WalAppends.Inc()
	return nil
}

func (s *WalService) MarkProcessing(ctx context.Context, walID string) (bool, error) {
	return s.repo.MarkProcessing(ctx, walID)
}

func (s *WalService) MarkCompleted(ctx context.Context, walID, resultRef string) error {
	return s.repo.MarkCompleted(ctx, walID, resultRef)
}

func (s *WalService) MarkFailed(ctx context.Context, walID, errMsg string) error {
	return s.repo.MarkFailed(ctx, walID, errMsg)
}

func (s *WalService) MarkRetrying(ctx context.Context, walID, errMsg string) error {
	return s.repo.MarkRetrying(ctx, walID, errMsg)
}

func (s *WalService) Get(ctx context.Context, walID string) (*model.WalEntry, error) {
	return s.repo.Get(ctx, walID)
}

func (s *WalService) Stats(ctx context.Context) (*model.WalStats, error) {
	return s.repo.Stats(ctx)
}

// RecoverStuck reclassifies entries left in processing past the stuck
// threshold and hands them to the retry queue, then re-enqueues retrying
// entries whose queue item was lost (a crash between the retrying mark and
// the enqueue). Run once at startup and then on a timer; the sweep interval
// bounds how long a crash can hide an in-flight signal.
func (s *WalService) RecoverStuck(ctx context.Context) (int, error) {
	recovered, err := s.recoverProcessing(ctx)
	if err != nil {
		return recovered, err
	}
	requeued, err := s.requeueOrphans(ctx)
	return recovered + requeued, err
}

func (s *WalService) recoverProcessing(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.stuckAfter)
	entries, err := s.repo.FindStuck(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, e := range entries {
		if err := s.repo.MarkRetrying(ctx, e.ID, recoveryErrMsg); err != nil {
			log.Error().Err(err).Str("wal_id", e.ID).Msg("recovery mark failed")
			continue
		}
		if err := s.retry.Enqueue(ctx, e.ID, e.RawPayload, e.CorrelationID, e.Preview.Symbol, recoveryErrMsg); err != nil {
			log.Error().Err(err).Str("wal_id", e.ID).Msg("recovery enqueue failed")
			continue
		}
		recovered++
		log.Warn().
			Str("wal_id", e.ID).
			Str("correlation_id", e.CorrelationID).
			Time("last_attempt", e.LastAttemptAt).
			Msg("recovered stuck wal entry")
	}
	return recovered, nil
}

// requeueOrphans finds retrying entries with no pending or processing retry
// item and re-enqueues them. Entries whose attempt budget is already spent
// are dead-lettered at the WAL instead of cycling forever.
func (s *WalService) requeueOrphans(ctx context.Context) (int, error) {
	entries, err := s.repo.FindRetryable(ctx, s.retry.maxRetries+1, 100)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, e := range entries {
		active, err := s.retry.HasActive(ctx, e.ID)
		if err != nil {
			log.Error().Err(err).Str("wal_id", e.ID).Msg("orphan check failed")
			continue
		}
		if active {
			continue
		}
		if e.Attempts >= s.retry.maxRetries {
			if err := s.repo.MarkFailed(ctx, e.ID, "retries exhausted: "+e.ErrorMessage); err != nil {
				log.Error().Err(err).Str("wal_id", e.ID).Msg("orphan exhaust mark failed")
			}
			continue
		}
		if err := s.retry.Enqueue(ctx, e.ID, e.RawPayload, e.CorrelationID, e.Preview.Symbol, e.ErrorMessage); err != nil {
			log.Error().Err(err).Str("wal_id", e.ID).Msg("orphan enqueue failed")
			continue
		}
		requeued++
		log.Warn().
			Str("wal_id", e.ID).
			Str("correlation_id", e.CorrelationID).
			Msg("re-enqueued orphaned retrying entry")
	}
	return requeued, nil
}

// PurgeAged deletes completed/failed entries past the retention window.
func (s *WalService) PurgeAged(ctx context.Context) (int64, error) {
	return s.PurgeBefore(ctx, s.clock.Now().Add(-s.retention))
}

func (s *WalService) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.repo.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("purged", n).Msg("wal retention sweep")
	}
	return n, nil
}

// RunMaintenance drives the recovery and retention sweeps until ctx is done.
func (s *WalService) RunMaintenance(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RecoverStuck(ctx); err != nil {
				log.Error().Err(err).Msg("wal recovery sweep failed")
			}
			if _, err := s.PurgeAged(ctx); err != nil {
				log.Error().Err(err).Msg("wal retention sweep failed")
			}
		}
	}
}

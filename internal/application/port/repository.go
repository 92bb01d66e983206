package port

import (
	"context"
	"time"

	"signalpipe/internal/domain/model"
)

// WalRepository persists the write-ahead log. Append must be durable before
// it returns; the mark* transitions are idempotent (repeating one is a no-op).
type WalRepository interface {
	Append(ctx context.Context, entry *model.WalEntry) error
	Get(ctx context.Context, walID string) (*model.WalEntry, error)
	// MarkProcessing claims the entry for one attempt, reporting whether the
	// transition happened. Terminal and already-claimed entries stay untouched
	// and report false.
	MarkProcessing(ctx context.Context, walID string) (bool, error)
	MarkCompleted(ctx context.Context, walID, resultRef string) error
	MarkFailed(ctx context.Context, walID, errMsg string) error
	MarkRetrying(ctx context.Context, walID, errMsg string) error

	// FindStuck returns processing entries whose last attempt predates cutoff.
	FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]*model.WalEntry, error)
	// FindRetryable returns retrying entries with attempts below maxAttempts.
	FindRetryable(ctx context.Context, maxAttempts, limit int) ([]*model.WalEntry, error)
	// Purge deletes completed/failed entries received before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*model.WalStats, error)
}

// EntryApplication is the input to the entry transaction.
type EntryApplication struct {
	Position *model.Position
	Log      *model.WebhookLog
}

// ExitApplication is the input to the exit transaction. The position is
// re-read inside the transaction; callers pass the exit fill only.
type ExitApplication struct {
	StrategySymbol string
	ExitPriceCents int64
	ExitTime       time.Time
	OverridePnL    *int64
	Commission     int64
	Log            *model.WebhookLog
}

// TradingRepository applies validated signals to position/trade state. Each
// Apply* call is a single transaction: on error nothing is persisted.
// Business-state conflicts come back as non-retryable pipeline errors
// (POSITION_EXISTS, NO_OPEN_POSITION); infrastructure failures as retryable.
type TradingRepository interface {
	// FindOpenPosition returns the open position for symbol, or nil.
	FindOpenPosition(ctx context.Context, strategySymbol string) (*model.Position, error)
	// ApplyEntry re-checks no open position exists, then inserts the log row
	// and the position. Exactly one of two concurrent entries wins.
	ApplyEntry(ctx context.Context, app EntryApplication) (positionID, logID int64, err error)
	// ApplyExit closes the open position, inserts the trade, and links them.
	ApplyExit(ctx context.Context, app ExitApplication) (*model.Trade, int64, error)
	// InsertSyntheticTrade records a trade with no matching position row, for
	// exits carrying caller-supplied entry data.
	InsertSyntheticTrade(ctx context.Context, trade *model.Trade, log *model.WebhookLog) (int64, int64, error)
}

// RetryRepository persists the retry queue.
type RetryRepository interface {
	Enqueue(ctx context.Context, item *model.RetryItem) error
	Get(ctx context.Context, id int64) (*model.RetryItem, error)
	// DrainDue claims up to limit pending items due at now, moving them to
	// processing so concurrent sweeps do not double-claim.
	DrainDue(ctx context.Context, now time.Time, limit int) ([]*model.RetryItem, error)
	MarkCompleted(ctx context.Context, id int64) error
	ScheduleNext(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	// Cancel terminates an item that is no longer worth retrying (the
	// underlying signal was rejected for a non-transient reason).
	Cancel(ctx context.Context, id int64, reason string) error
	// Reopen moves a dead-lettered item back to pending for manual replay.
	Reopen(ctx context.Context, id int64) error
	// HasActive reports whether a pending or processing item exists for walID.
	HasActive(ctx context.Context, walID string) (bool, error)
	// ReclaimStale returns processing items claimed before cutoff to pending,
	// so a sweep that died mid-flight cannot strand them.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*model.RetryStats, error)
}

// StrategyRepository backs the strategy lookup.
type StrategyRepository interface {
	Resolve(ctx context.Context, symbol string) (*model.Strategy, error)
	Upsert(ctx context.Context, strategy *model.Strategy) error
}

// Store bundles the repositories over one backing database.
type Store interface {
	Wal() WalRepository
	Trading() TradingRepository
	Retry() RetryRepository
	Strategies() StrategyRepository
	Close() error
}

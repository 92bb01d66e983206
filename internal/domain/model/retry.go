package model

import "time"

// Retry item statuses.
type RetryStatus string

const (
	RetryPending    RetryStatus = "pending"
	RetryProcessing RetryStatus = "processing"
	RetryCompleted  RetryStatus = "completed"
	RetryFailed     RetryStatus = "failed"
	RetryCancelled  RetryStatus = "cancelled"
)

// RetryItem holds a signal whose processing failed transiently. NextRetryAt
// strictly increases with RetryCount under exponential backoff; once
// RetryCount reaches MaxRetries the item is dead-lettered (status failed) and
// only a manual replay can revive it.
type RetryItem struct {
	ID              int64       `json:"id"`
	WalID           string      `json:"wal_id"`
	OriginalPayload []byte      `json:"original_payload"`
	CorrelationID   string      `json:"correlation_id"`
	StrategySymbol  string      `json:"strategy_symbol"`
	RetryCount      int         `json:"retry_count"`
	MaxRetries      int         `json:"max_retries"`
	NextRetryAt     time.Time   `json:"next_retry_at"`
	LastError       string      `json:"last_error,omitempty"`
	Status          RetryStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// RetryStats is the ops-surface summary of the queue.
type RetryStats struct {
	ByStatus map[RetryStatus]int64 `json:"by_status"`
	Total    int64                 `json:"total"`
	NextDue  time.Time             `json:"next_due,omitempty"`
}

// Backoff returns the delay before attempt retryCount+1:
// min(initial * multiplier^retryCount, max).
func Backoff(retryCount int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < retryCount; i++ {
		d = time.Duration(float64(d) * multiplier)
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

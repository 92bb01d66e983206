package model

import "time"

// WAL entry lifecycle statuses. Transitions are
// received -> processing -> {completed|failed|retrying} and
// retrying -> processing; anything else is a bug.
type WalStatus string

const (
	WalReceived   WalStatus = "received"
	WalProcessing WalStatus = "processing"
	WalCompleted  WalStatus = "completed"
	WalFailed     WalStatus = "failed"
	WalRetrying   WalStatus = "retrying"
)

// WalEntry is the durable record of one inbound request, written before any
// business logic runs.
type WalEntry struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	RawPayload    []byte    `json:"raw_payload"`
	Preview       Preview   `json:"preview"`
	Status        WalStatus `json:"status"`
	Attempts      int       `json:"attempts"`
	SourceIP      string    `json:"source_ip"`
	UserAgent     string    `json:"user_agent"`
	ReceivedAt    time.Time `json:"received_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ResultRef     string    `json:"result_ref,omitempty"`
}

// Preview is a best-effort extraction of the payload identity fields, kept on
// the WAL entry so operators can read stuck entries without parsing JSON.
// Extraction must never fail admission; missing fields stay zero.
type Preview struct {
	Symbol string  `json:"symbol,omitempty"`
	Action string  `json:"action,omitempty"`
	Price  float64 `json:"price,omitempty"`
	Qty    float64 `json:"qty,omitempty"`
}

// WalStats is the ops-surface summary of the log.
type WalStats struct {
	ByStatus map[WalStatus]int64 `json:"by_status"`
	Total    int64               `json:"total"`
	Oldest   time.Time           `json:"oldest,omitempty"`
}

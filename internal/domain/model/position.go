package model

import "time"

// Position statuses.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// Position is one outstanding directional exposure per strategy. At most one
// open position may exist per strategy symbol; the store enforces that inside
// the entry transaction.
type Position struct {
	ID              int64     `json:"id"`
	StrategyID      int64     `json:"strategy_id"`
	StrategySymbol  string    `json:"strategy_symbol"`
	Direction       Direction `json:"direction"`
	EntryPriceCents int64     `json:"entry_price_cents"`
	Quantity        float64   `json:"quantity"`
	EntryTime       time.Time `json:"entry_time"`
	Status          string    `json:"status"`
	ExitPriceCents  int64     `json:"exit_price_cents,omitempty"`
	ExitTime        time.Time `json:"exit_time,omitempty"`
	PnLCents        int64     `json:"pnl_cents,omitempty"`
	TradeID         int64     `json:"trade_id,omitempty"`
	SourceWalID     string    `json:"source_wal_id,omitempty"`
}

// Trade is the immutable closed-trade record produced when a position closes,
// or synthesized when an exit arrives with caller-supplied entry data and no
// matching position.
type Trade struct {
	ID              int64     `json:"id"`
	StrategyID      int64     `json:"strategy_id"`
	EntryDate       time.Time `json:"entry_date"`
	ExitDate        time.Time `json:"exit_date"`
	Direction       Direction `json:"direction"`
	EntryPriceCents int64     `json:"entry_price_cents"`
	ExitPriceCents  int64     `json:"exit_price_cents"`
	Quantity        float64   `json:"quantity"`
	PnLCents        int64     `json:"pnl_cents"`
	PnLPercent      float64   `json:"pnl_percent"`
	CommissionCents int64     `json:"commission_cents"`
}

// WebhookLog is the per-signal business log row written inside the same
// transaction as the position/trade mutation it records.
type WebhookLog struct {
	ID             int64     `json:"id"`
	WalID          string    `json:"wal_id"`
	CorrelationID  string    `json:"correlation_id"`
	StrategyID     int64     `json:"strategy_id"`
	StrategySymbol string    `json:"strategy_symbol"`
	Action         string    `json:"action"`
	Status         string    `json:"status"` // processing, success, error
	Detail         string    `json:"detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

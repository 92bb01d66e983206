package model

import "time"

// Event types emitted after a signal is applied.
const (
	EventPositionOpened = "position_opened"
	EventTradeClosed    = "trade_closed"
)

// Event is the fire-and-forget notification handed to publishers after a
// successful entry or exit. Publishing is never awaited by the processor.
type Event struct {
	Type           string    `json:"type"`
	CorrelationID  string    `json:"correlation_id"`
	StrategySymbol string    `json:"strategy_symbol"`
	Direction      Direction `json:"direction"`
	Price          float64   `json:"price"`
	Quantity       float64   `json:"quantity"`
	PnL            float64   `json:"pnl,omitempty"`
	PositionID     int64     `json:"position_id,omitempty"`
	TradeID        int64     `json:"trade_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

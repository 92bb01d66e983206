package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Direction of a position: long or short.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Signal is the normalized form of an inbound webhook payload. It is a
// tagged union over entry and exit; the processor switches on the concrete
// type so every branch is explicit.
type Signal interface {
	StrategySymbol() string
	SignalTime() time.Time
}

// EntrySignal opens a new position for a strategy.
type EntrySignal struct {
	Symbol    string
	Direction Direction
	Price     float64
	Quantity  float64
	Timestamp time.Time
}

func (s EntrySignal) StrategySymbol() string { return s.Symbol }
func (s EntrySignal) SignalTime() time.Time { return s.Timestamp }

// ExitSignal closes the open position for a strategy. EntryPrice/EntryTime
// are the caller-supplied fallback used when no open position exists; PnL,
// when set, overrides the computed value.
type ExitSignal struct {
	Symbol     string
	Direction  Direction
	Price      float64
	Quantity   float64
	Timestamp  time.Time
	EntryPrice *float64
	EntryTime  *time.Time
	PnL        *float64
}

func (s ExitSignal) StrategySymbol() string { return s.Symbol }
func (s ExitSignal) SignalTime() time.Time { return s.Timestamp }

// Strategy maps an inbound symbol to its stored id. Inactive strategies are
// paused: signals for them are acknowledged but not applied.
type Strategy struct {
	ID     int64  `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// ToCents converts a decimal monetary amount to integer minor units.
// Persisted money is always cents so arithmetic never drifts.
func ToCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

// FromCents converts integer minor units back to a decimal amount.
func FromCents(c int64) float64 {
	return float64(c) / 100
}

// ComputePnLCents returns the realized P&L in cents for a closed position:
// (exit - entry) * qty for long, inverted for short.
func ComputePnLCents(dir Direction, entryCents, exitCents int64, qty float64) int64 {
	diff := float64(exitCents - entryCents)
	if dir == DirectionShort {
		diff = -diff
	}
	return int64(math.Round(diff * qty))
}

// ParseDirection normalizes a direction string; buy-side aliases map to long.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "long", "buy":
		return DirectionLong, nil
	case "short", "sell":
		return DirectionShort, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp layouts accepted from charting platforms, tried in order.
var signalTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006.01.02 15:04:05",
	"2006.01.02 15:04",
}

// ParseSignalTime parses a payload-carried timestamp: ISO-8601, the
// space/dot-separated TradingView variants, or Unix seconds/millis.
func ParseSignalTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// 13+ digits is millis, 10 is seconds
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}

	for _, layout := range signalTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// ReplayWindow rejects payloads whose timestamp drifts more than the bound
// from current time, in either direction.
type ReplayWindow struct {
	Drift time.Duration
	clock Clock
}

func NewReplayWindow(drift time.Duration, clock Clock) *ReplayWindow {
	if clock == nil {
		clock = SystemClock()
	}
	return &ReplayWindow{Drift: drift, clock: clock}
}

// Validate parses raw and checks it against the drift bound.
func (w *ReplayWindow) Validate(raw string) (time.Time, error) {
	ts, err := ParseSignalTime(raw)
	if err != nil {
		return time.Time{}, err
	}
	drift := w.clock.Now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > w.Drift {
		return time.Time{}, fmt.Errorf("timestamp outside replay window (drift %s, max %s)", drift.Truncate(time.Second), w.Drift)
	}
	return ts, nil
}

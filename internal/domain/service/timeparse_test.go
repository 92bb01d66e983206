package service

import (
	"testing"
	"time"
)

func TestParseSignalTimeFormats(t *testing.T) {
	want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	cases := []string{
		"2025-06-01T12:30:00Z",
		"2025-06-01T12:30:00",
		"2025-06-01 12:30:00",
		"2025-06-01 12:30",
		"2025.06.01 12:30:00",
		"2025.06.01 12:30",
		"1748781000",    // unix seconds
		"1748781000000", // unix millis
	}
	for _, c := range cases {
		got, err := ParseSignalTime(c)
		if err != nil {
			t.Errorf("ParseSignalTime(%q) error: %v", c, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseSignalTime(%q) = %s, want %s", c, got, want)
		}
	}
}

func TestParseSignalTimeInvalid(t *testing.T) {
	for _, c := range []string{"", "yesterday", "01/06/2025"} {
		if _, err := ParseSignalTime(c); err == nil {
			t.Errorf("ParseSignalTime(%q) should fail", c)
		}
	}
}

func TestReplayWindow(t *testing.T) {
	clock := newFakeClock() // 2025-06-01T12:00:00Z
	w := NewReplayWindow(5*time.Minute, clock)

	if _, err := w.Validate("2025-06-01T11:56:00Z"); err != nil {
		t.Errorf("timestamp inside window rejected: %v", err)
	}
	if _, err := w.Validate("2025-06-01T12:04:59Z"); err != nil {
		t.Errorf("slightly-future timestamp inside window rejected: %v", err)
	}
	if _, err := w.Validate("2025-06-01T11:54:00Z"); err == nil {
		t.Error("stale timestamp should be rejected")
	}
	if _, err := w.Validate("2025-06-01T12:06:00Z"); err == nil {
		t.Error("future timestamp beyond drift should be rejected")
	}
}

package service

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	domainsvc "signalpipe/internal/domain/service"
	"signalpipe/internal/infrastructure/storage/sqlite"

	"signalpipe/internal/domain/model"
)

// fakeClock lets tests move time forward explicitly.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// testEnv wires real sqlite-backed services the way the service context does.
type testEnv struct {
	store *sqlite.Store
	wal   *WalService
	retry *RetryService
	proc  *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := domainsvc.SystemClock()
	retry := NewRetryService(store.Retry(), store.Wal(), clock, 3, time.Millisecond, 2, time.Second, 10)
	wal := NewWalService(store.Wal(), retry, clock, 5*time.Minute, 7*24*time.Hour)
	proc := NewProcessor(store.Trading(), store.Strategies(), wal, nil, clock, 5*time.Second)
	retry.BindProcessor(proc)

	return &testEnv{store: store, wal: wal, retry: retry, proc: proc}
}

func (e *testEnv) seedStrategy(t *testing.T, symbol string, active bool) {
	t.Helper()
	err := e.store.Strategies().Upsert(context.Background(),
		&model.Strategy{Symbol: symbol, Name: symbol, Active: active})
	if err != nil {
		t.Fatalf("seed strategy failed: %v", err)
	}
}

func (e *testEnv) appendWal(t *testing.T, walID string, payload []byte) {
	t.Helper()
	err := e.wal.Append(context.Background(), &model.WalEntry{
		ID:            walID,
		CorrelationID: "corr-" + walID,
		RawPayload:    payload,
		Status:        model.WalReceived,
		ReceivedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("wal append failed: %v", err)
	}
}

func (e *testEnv) walStatus(t *testing.T, walID string) model.WalStatus {
	t.Helper()
	entry, err := e.store.Wal().Get(context.Background(), walID)
	if err != nil || entry == nil {
		t.Fatalf("wal get failed: %v", err)
	}
	return entry.Status
}

func signalPayload(action string, price float64) []byte {
	ts := time.Now().UTC().Format(time.RFC3339)
	return []byte(`{"symbol":"ES","action":"` + action + `","price":` +
		strconv.FormatFloat(price, 'f', -1, 64) + `,"quantity":2,"timestamp":"` + ts + `"}`)
}

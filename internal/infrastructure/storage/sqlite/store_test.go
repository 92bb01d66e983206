package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEntry(id string) *model.WalEntry {
	return &model.WalEntry{
		ID:            id,
		CorrelationID: "corr-" + id,
		RawPayload:    []byte(`{"symbol":"ES","action":"buy","price":4500}`),
		Preview:       model.Preview{Symbol: "ES", Action: "buy", Price: 4500, Qty: 1},
		SourceIP:      "10.0.0.1",
		UserAgent:     "TradingView",
		ReceivedAt:    time.Now(),
	}
}

func TestWalRepoLifecycle(t *testing.T) {
	store := newTestStore(t)
	wal := store.Wal()
	ctx := context.Background()

	if err := wal.Append(ctx, testEntry("w1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got, err := wal.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != model.WalReceived {
		t.Errorf("fresh entry status = %s, want received", got.Status)
	}
	if got.Preview.Symbol != "ES" {
		t.Errorf("preview symbol = %q", got.Preview.Symbol)
	}

	claimed, err := wal.MarkProcessing(ctx, "w1")
	if err != nil {
		t.Fatalf("mark processing failed: %v", err)
	}
	if !claimed {
		t.Fatal("fresh entry was not claimed")
	}
	got, _ = wal.Get(ctx, "w1")
	if got.Status != model.WalProcessing || got.Attempts != 1 {
		t.Errorf("after processing: status=%s attempts=%d", got.Status, got.Attempts)
	}

	if err := wal.MarkCompleted(ctx, "w1", "position:1"); err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}
	got, _ = wal.Get(ctx, "w1")
	if got.Status != model.WalCompleted || got.ResultRef != "position:1" {
		t.Errorf("after completion: status=%s ref=%q", got.Status, got.ResultRef)
	}

	// completed is terminal: a late MarkFailed must not undo it
	if err := wal.MarkFailed(ctx, "w1", "late failure"); err != nil {
		t.Fatalf("late mark failed errored: %v", err)
	}
	got, _ = wal.Get(ctx, "w1")
	if got.Status != model.WalCompleted {
		t.Errorf("completed entry mutated to %s", got.Status)
	}

	// and a late MarkProcessing must not claim it for another attempt
	claimed, err = wal.MarkProcessing(ctx, "w1")
	if err != nil {
		t.Fatalf("late mark processing errored: %v", err)
	}
	if claimed {
		t.Error("terminal entry was claimed for reprocessing")
	}
	got, _ = wal.Get(ctx, "w1")
	if got.Status != model.WalCompleted || got.Attempts != 1 {
		t.Errorf("terminal entry mutated: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestWalRepoFindStuck(t *testing.T) {
	store := newTestStore(t)
	wal := store.Wal()
	ctx := context.Background()

	wal.Append(ctx, testEntry("stuck"))
	wal.MarkProcessing(ctx, "stuck")
	wal.Append(ctx, testEntry("fresh"))
	wal.MarkProcessing(ctx, "fresh")

	// everything is stuck relative to a future cutoff
	entries, err := wal.FindStuck(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("find stuck failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("stuck entries = %d, want 2", len(entries))
	}

	// nothing is stuck relative to a past cutoff
	entries, _ = wal.FindStuck(ctx, time.Now().Add(-time.Minute), 10)
	if len(entries) != 0 {
		t.Errorf("stuck entries = %d, want 0", len(entries))
	}
}

func TestWalRepoFindRetryable(t *testing.T) {
	store := newTestStore(t)
	wal := store.Wal()
	ctx := context.Background()

	wal.Append(ctx, testEntry("r1"))
	wal.MarkProcessing(ctx, "r1")
	wal.MarkRetrying(ctx, "r1", "store unavailable")
	wal.Append(ctx, testEntry("done"))
	wal.MarkProcessing(ctx, "done")
	wal.MarkCompleted(ctx, "done", "position:9")

	entries, err := wal.FindRetryable(ctx, 5, 10)
	if err != nil {
		t.Fatalf("find retryable failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "r1" {
		t.Fatalf("retryable entries = %+v, want just r1", entries)
	}
	if entries[0].ErrorMessage != "store unavailable" {
		t.Errorf("error message = %q", entries[0].ErrorMessage)
	}

	// attempts at or above the cap are excluded
	entries, _ = wal.FindRetryable(ctx, 1, 10)
	if len(entries) != 0 {
		t.Errorf("retryable under cap 1 = %d, want 0", len(entries))
	}
}

func TestWalRepoStatsAndPurge(t *testing.T) {
	store := newTestStore(t)
	wal := store.Wal()
	ctx := context.Background()

	wal.Append(ctx, testEntry("a"))
	wal.Append(ctx, testEntry("b"))
	wal.MarkProcessing(ctx, "b")
	wal.MarkCompleted(ctx, "b", "trade:1")

	stats, err := wal.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByStatus[model.WalReceived] != 1 || stats.ByStatus[model.WalCompleted] != 1 {
		t.Errorf("by status = %v", stats.ByStatus)
	}

	// purge removes only terminal entries older than the cutoff
	n, err := wal.Purge(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1 (only the completed entry)", n)
	}
}

func seedStrategy(t *testing.T, store *Store, symbol string, active bool) *model.Strategy {
	t.Helper()
	ctx := context.Background()
	if err := store.Strategies().Upsert(ctx, &model.Strategy{Symbol: symbol, Name: symbol, Active: active}); err != nil {
		t.Fatalf("upsert strategy failed: %v", err)
	}
	s, err := store.Strategies().Resolve(ctx, symbol)
	if err != nil || s == nil {
		t.Fatalf("resolve strategy failed: %v", err)
	}
	return s
}

func TestStrategyRepoResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := seedStrategy(t, store, "ES", true)
	if !s.Active {
		t.Error("strategy should be active")
	}

	// upsert flips active without duplicating the row
	store.Strategies().Upsert(ctx, &model.Strategy{Symbol: "ES", Name: "ES", Active: false})
	s, _ = store.Strategies().Resolve(ctx, "ES")
	if s.Active {
		t.Error("upsert should have deactivated the strategy")
	}

	missing, err := store.Strategies().Resolve(ctx, "ZZ")
	if err != nil {
		t.Fatalf("resolve unknown errored: %v", err)
	}
	if missing != nil {
		t.Error("unknown symbol should resolve to nil")
	}
}

func TestTradingRepoEntryExitRoundTrip(t *testing.T) {
	store := newTestStore(t)
	trading := store.Trading()
	ctx := context.Background()
	strat := seedStrategy(t, store, "ES", true)

	entryTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	posID, logID, err := trading.ApplyEntry(ctx, port.EntryApplication{
		Position: &model.Position{
			StrategyID:      strat.ID,
			StrategySymbol:  "ES",
			Direction:       model.DirectionLong,
			EntryPriceCents: 450000,
			Quantity:        2,
			EntryTime:       entryTime,
			SourceWalID:     "w-entry",
		},
		Log: &model.WebhookLog{WalID: "w-entry", CorrelationID: "c1", StrategyID: strat.ID, StrategySymbol: "ES", Action: "buy"},
	})
	if err != nil {
		t.Fatalf("apply entry failed: %v", err)
	}
	if posID == 0 || logID == 0 {
		t.Fatalf("ids not assigned: pos=%d log=%d", posID, logID)
	}

	open, err := trading.FindOpenPosition(ctx, "ES")
	if err != nil {
		t.Fatalf("find open failed: %v", err)
	}
	if open == nil || open.ID != posID || open.Direction != model.DirectionLong {
		t.Fatalf("open position mismatch: %+v", open)
	}

	// a second entry for the same symbol must lose
	_, _, err = trading.ApplyEntry(ctx, port.EntryApplication{
		Position: &model.Position{StrategyID: strat.ID, StrategySymbol: "ES", Direction: model.DirectionLong,
			EntryPriceCents: 451000, Quantity: 1, EntryTime: entryTime},
		Log: &model.WebhookLog{WalID: "w-dup", CorrelationID: "c2", StrategyID: strat.ID, StrategySymbol: "ES", Action: "buy"},
	})
	if model.CodeOf(err) != model.CodePositionExists {
		t.Fatalf("second entry error = %v, want POSITION_EXISTS", err)
	}
	if model.IsRetryable(err) {
		t.Error("POSITION_EXISTS must not be retryable")
	}

	// exit closes the position and computes P&L in cents
	trade, _, err := trading.ApplyExit(ctx, port.ExitApplication{
		StrategySymbol: "ES",
		ExitPriceCents: 455000,
		ExitTime:       entryTime.Add(time.Hour),
		Log:            &model.WebhookLog{WalID: "w-exit", CorrelationID: "c3", StrategyID: strat.ID, StrategySymbol: "ES", Action: "sell"},
	})
	if err != nil {
		t.Fatalf("apply exit failed: %v", err)
	}
	if trade.PnLCents != 10000 { // (4550-4500)*100*2
		t.Errorf("pnl = %d cents, want 10000", trade.PnLCents)
	}

	if open, _ := trading.FindOpenPosition(ctx, "ES"); open != nil {
		t.Error("position should be closed after exit")
	}

	// exit with nothing open is a non-retryable rejection
	_, _, err = trading.ApplyExit(ctx, port.ExitApplication{
		StrategySymbol: "ES", ExitPriceCents: 455000, ExitTime: entryTime,
		Log: &model.WebhookLog{WalID: "w-exit2", CorrelationID: "c4", StrategyID: strat.ID, StrategySymbol: "ES", Action: "sell"},
	})
	if model.CodeOf(err) != model.CodeNoOpenPosition {
		t.Fatalf("exit without position error = %v, want NO_OPEN_POSITION", err)
	}
}

func TestApplyEntryConcurrentSingleWinner(t *testing.T) {
	store := newTestStore(t)
	trading := store.Trading()
	ctx := context.Background()
	strat := seedStrategy(t, store, "ES", true)

	const workers = 16
	var wins, conflicts int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			_, _, err := trading.ApplyEntry(ctx, port.EntryApplication{
				Position: &model.Position{
					StrategyID:      strat.ID,
					StrategySymbol:  "ES",
					Direction:       model.DirectionLong,
					EntryPriceCents: 450000,
					Quantity:        1,
					EntryTime:       time.Now(),
					SourceWalID:     fmt.Sprintf("w%d", n),
				},
				Log: &model.WebhookLog{WalID: fmt.Sprintf("w%d", n), CorrelationID: fmt.Sprintf("c%d", n),
					StrategyID: strat.ID, StrategySymbol: "ES", Action: "buy"},
			})
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			case model.CodeOf(err) == model.CodePositionExists:
				atomic.AddInt64(&conflicts, 1)
			default:
				t.Errorf("worker %d: unexpected error %v", n, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if conflicts != workers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, workers-1)
	}

	open, err := trading.FindOpenPosition(ctx, "ES")
	if err != nil || open == nil {
		t.Fatalf("open position missing after race: %v", err)
	}
	var count int
	if err := store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE strategy_symbol = 'ES' AND status = 'open'
	`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("open positions = %d, want 1", count)
	}
}

func TestTradingRepoOverridePnL(t *testing.T) {
	store := newTestStore(t)
	trading := store.Trading()
	ctx := context.Background()
	strat := seedStrategy(t, store, "NQ", true)

	now := time.Now()
	_, _, err := trading.ApplyEntry(ctx, port.EntryApplication{
		Position: &model.Position{StrategyID: strat.ID, StrategySymbol: "NQ", Direction: model.DirectionShort,
			EntryPriceCents: 2000000, Quantity: 1, EntryTime: now},
		Log: &model.WebhookLog{WalID: "w1", CorrelationID: "c1", StrategyID: strat.ID, StrategySymbol: "NQ", Action: "sell"},
	})
	if err != nil {
		t.Fatalf("apply entry failed: %v", err)
	}

	override := int64(-12345)
	trade, _, err := trading.ApplyExit(ctx, port.ExitApplication{
		StrategySymbol: "NQ", ExitPriceCents: 1990000, ExitTime: now.Add(time.Minute),
		OverridePnL:    &override,
		Log:            &model.WebhookLog{WalID: "w2", CorrelationID: "c2", StrategyID: strat.ID, StrategySymbol: "NQ", Action: "exit"},
	})
	if err != nil {
		t.Fatalf("apply exit failed: %v", err)
	}
	if trade.PnLCents != -12345 {
		t.Errorf("pnl = %d, want caller override -12345", trade.PnLCents)
	}
}

func TestTradingRepoSyntheticTrade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	strat := seedStrategy(t, store, "ES", true)

	now := time.Now()
	tradeID, logID, err := store.Trading().InsertSyntheticTrade(ctx, &model.Trade{
		StrategyID:      strat.ID,
		EntryDate:       now.Add(-time.Hour),
		ExitDate:        now,
		Direction:       model.DirectionLong,
		EntryPriceCents: 450000,
		ExitPriceCents:  455000,
		Quantity:        1,
		PnLCents:        5000,
	}, &model.WebhookLog{WalID: "w1", CorrelationID: "c1", StrategyID: strat.ID, StrategySymbol: "ES", Action: "exit",
		Detail: "synthetic trade: no open position, caller supplied entry"})
	if err != nil {
		t.Fatalf("synthetic trade failed: %v", err)
	}
	if tradeID == 0 || logID == 0 {
		t.Errorf("ids not assigned: trade=%d log=%d", tradeID, logID)
	}

	// settling the log row as success must not erase the synthetic flag
	var status, detail string
	if err := store.db.QueryRowContext(ctx, `
		SELECT status, detail FROM webhook_logs WHERE id = ?
	`, logID).Scan(&status, &detail); err != nil {
		t.Fatalf("log query failed: %v", err)
	}
	if status != "success" {
		t.Errorf("log status = %q, want success", status)
	}
	if !strings.Contains(detail, "synthetic trade") {
		t.Errorf("log detail = %q, synthetic flag erased", detail)
	}
}

func TestRetryRepoLifecycle(t *testing.T) {
	store := newTestStore(t)
	retry := store.Retry()
	ctx := context.Background()

	item := &model.RetryItem{
		WalID:           "w1",
		OriginalPayload: []byte(`{"symbol":"ES"}`),
		CorrelationID:   "c1",
		StrategySymbol:  "ES",
		MaxRetries:      5,
		NextRetryAt:     time.Now().Add(-time.Second), // already due
		LastError:       "store timeout",
	}
	if err := retry.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if item.ID == 0 {
		t.Fatal("enqueue should assign the id")
	}

	due, err := retry.DrainDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != item.ID {
		t.Fatalf("drained %d items", len(due))
	}

	// a second drain must not re-claim the same item
	again, _ := retry.DrainDue(ctx, time.Now(), 10)
	if len(again) != 0 {
		t.Fatal("drain re-claimed a processing item")
	}

	// reschedule puts it back as pending with a future due time
	next := time.Now().Add(time.Hour)
	if err := retry.ScheduleNext(ctx, item.ID, 1, next, "still failing"); err != nil {
		t.Fatalf("schedule next failed: %v", err)
	}
	if due, _ := retry.DrainDue(ctx, time.Now(), 10); len(due) != 0 {
		t.Fatal("item drained before its due time")
	}
	if due, _ := retry.DrainDue(ctx, next.Add(time.Second), 10); len(due) != 1 {
		t.Fatal("item not drained after its due time")
	}

	// dead-letter, then manual reopen revives it
	if err := retry.MarkFailed(ctx, item.ID, "exhausted"); err != nil {
		t.Fatalf("mark failed errored: %v", err)
	}
	got, _ := retry.Get(ctx, item.ID)
	if got.Status != model.RetryFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	if err := retry.Reopen(ctx, item.ID); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, _ = retry.Get(ctx, item.ID)
	if got.Status != model.RetryPending || got.RetryCount != 0 {
		t.Errorf("after reopen: status=%s count=%d", got.Status, got.RetryCount)
	}
}

func TestRetryRepoReclaimStale(t *testing.T) {
	store := newTestStore(t)
	retry := store.Retry()
	ctx := context.Background()

	item := &model.RetryItem{
		WalID: "w1", OriginalPayload: []byte(`{}`), CorrelationID: "c1",
		StrategySymbol: "ES", MaxRetries: 5, NextRetryAt: time.Now().Add(-time.Second),
	}
	retry.Enqueue(ctx, item)
	if due, _ := retry.DrainDue(ctx, time.Now(), 10); len(due) != 1 {
		t.Fatalf("drained %d items, want 1", len(due))
	}

	// the sweep dies here; a fresh claim is left alone
	if n, _ := retry.ReclaimStale(ctx, time.Now().Add(-time.Minute)); n != 0 {
		t.Errorf("reclaimed %d fresh claims, want 0", n)
	}

	// past the staleness cutoff the claim is returned to pending
	n, err := retry.ReclaimStale(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	if due, _ := retry.DrainDue(ctx, time.Now(), 10); len(due) != 1 {
		t.Error("reclaimed item did not drain again")
	}
}

func TestRetryRepoHasActive(t *testing.T) {
	store := newTestStore(t)
	retry := store.Retry()
	ctx := context.Background()

	item := &model.RetryItem{
		WalID: "w1", OriginalPayload: []byte(`{}`), CorrelationID: "c1",
		StrategySymbol: "ES", MaxRetries: 5, NextRetryAt: time.Now().Add(-time.Second),
	}
	retry.Enqueue(ctx, item)

	if active, _ := retry.HasActive(ctx, "w1"); !active {
		t.Error("pending item not reported active")
	}
	retry.DrainDue(ctx, time.Now(), 10)
	if active, _ := retry.HasActive(ctx, "w1"); !active {
		t.Error("processing item not reported active")
	}

	retry.MarkCompleted(ctx, item.ID)
	if active, _ := retry.HasActive(ctx, "w1"); active {
		t.Error("completed item still reported active")
	}
	if active, _ := retry.HasActive(ctx, "w-other"); active {
		t.Error("unknown wal id reported active")
	}
}

func TestRetryRepoCancelAndStats(t *testing.T) {
	store := newTestStore(t)
	retry := store.Retry()
	ctx := context.Background()

	item := &model.RetryItem{
		WalID: "w1", OriginalPayload: []byte(`{}`), CorrelationID: "c1",
		StrategySymbol: "ES", MaxRetries: 5, NextRetryAt: time.Now().Add(-time.Second),
	}
	retry.Enqueue(ctx, item)
	retry.DrainDue(ctx, time.Now(), 10)

	if err := retry.Cancel(ctx, item.ID, "strategy is paused"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	got, _ := retry.Get(ctx, item.ID)
	if got.Status != model.RetryCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// reopen only applies to dead-lettered items
	if err := retry.Reopen(ctx, item.ID); err == nil {
		t.Error("reopening a cancelled item should fail")
	}

	stats, err := retry.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[model.RetryCancelled] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"signalpipe/internal/application/port"
)

// Store is the sqlite-backed implementation of port.Store. One connection,
// inline migrations; the default driver for single-node deployments.
type Store struct {
	db         *sql.DB
	wal        *WalRepo
	trading    *TradingRepo
	retry      *RetryRepo
	strategies *StrategyRepo
}

func New(path string) (*Store, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.wal = &WalRepo{db: db}
	s.trading = &TradingRepo{db: db}
	s.retry = &RetryRepo{db: db}
	s.strategies = &StrategyRepo{db: db}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Wal() port.WalRepository { return s.wal }
func (s *Store) Trading() port.TradingRepository { return s.trading }
func (s *Store) Retry() port.RetryRepository { return s.retry }
func (s *Store) Strategies() port.StrategyRepository { return s.strategies }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS wal_entries (
  id TEXT PRIMARY KEY,
  correlation_id TEXT NOT NULL,
  raw_payload BLOB NOT NULL,
  preview_symbol TEXT NOT NULL DEFAULT '',
  preview_action TEXT NOT NULL DEFAULT '',
  preview_price REAL NOT NULL DEFAULT 0,
  preview_qty REAL NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  source_ip TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  received_at INTEGER NOT NULL,
  last_attempt_at INTEGER NOT NULL,
  completed_at INTEGER,
  error_message TEXT NOT NULL DEFAULT '',
  result_ref TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_wal_status ON wal_entries(status);
CREATE INDEX IF NOT EXISTS idx_wal_received ON wal_entries(received_at);
CREATE INDEX IF NOT EXISTS idx_wal_correlation ON wal_entries(correlation_id);

CREATE TABLE IF NOT EXISTS strategies (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS positions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  strategy_id INTEGER NOT NULL,
  strategy_symbol TEXT NOT NULL,
  direction TEXT NOT NULL,
  entry_price_cents INTEGER NOT NULL,
  quantity REAL NOT NULL,
  entry_time INTEGER NOT NULL,
  status TEXT NOT NULL,
  exit_price_cents INTEGER,
  exit_time INTEGER,
  pnl_cents INTEGER,
  trade_id INTEGER,
  source_wal_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(strategy_symbol);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open
  ON positions(strategy_symbol) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS trades (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  strategy_id INTEGER NOT NULL,
  entry_date INTEGER NOT NULL,
  exit_date INTEGER NOT NULL,
  direction TEXT NOT NULL,
  entry_price_cents INTEGER NOT NULL,
  exit_price_cents INTEGER NOT NULL,
  quantity REAL NOT NULL,
  pnl_cents INTEGER NOT NULL,
  pnl_percent REAL NOT NULL,
  commission_cents INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id);

CREATE TABLE IF NOT EXISTS webhook_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  wal_id TEXT NOT NULL DEFAULT '',
  correlation_id TEXT NOT NULL DEFAULT '',
  strategy_id INTEGER NOT NULL DEFAULT 0,
  strategy_symbol TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_wal ON webhook_logs(wal_id);

CREATE TABLE IF NOT EXISTS retry_queue (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  wal_id TEXT NOT NULL DEFAULT '',
  original_payload BLOB NOT NULL,
  correlation_id TEXT NOT NULL,
  strategy_symbol TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL,
  next_retry_at INTEGER NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_queue(status, next_retry_at);
`)
	return err
}

var _ port.Store = (*Store)(nil)

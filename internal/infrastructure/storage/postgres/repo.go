package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"signalpipe/internal/application/port"
)

// Store is the postgres-backed implementation of port.Store, selected by
// config when the pipeline shares a database across instances. Schema
// mirrors the sqlite store; timestamps are unix millis for parity.
type Store struct {
	db         *sql.DB
	wal        *WalRepo
	trading    *TradingRepo
	retry      *RetryRepo
	strategies *StrategyRepo
}

func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

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
  raw_payload BYTEA NOT NULL,
  preview_symbol TEXT NOT NULL DEFAULT '',
  preview_action TEXT NOT NULL DEFAULT '',
  preview_price DOUBLE PRECISION NOT NULL DEFAULT 0,
  preview_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  source_ip TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  received_at BIGINT NOT NULL,
  last_attempt_at BIGINT NOT NULL,
  completed_at BIGINT,
  error_message TEXT NOT NULL DEFAULT '',
  result_ref TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_wal_status ON wal_entries(status);
CREATE INDEX IF NOT EXISTS idx_wal_received ON wal_entries(received_at);

CREATE TABLE IF NOT EXISTS strategies (
  id BIGSERIAL PRIMARY KEY,
  symbol TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS positions (
  id BIGSERIAL PRIMARY KEY,
  strategy_id BIGINT NOT NULL,
  strategy_symbol TEXT NOT NULL,
  direction TEXT NOT NULL,
  entry_price_cents BIGINT NOT NULL,
  quantity DOUBLE PRECISION NOT NULL,
  entry_time BIGINT NOT NULL,
  status TEXT NOT NULL,
  exit_price_cents BIGINT,
  exit_time BIGINT,
  pnl_cents BIGINT,
  trade_id BIGINT,
  source_wal_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(strategy_symbol);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open
  ON positions(strategy_symbol) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS trades (
  id BIGSERIAL PRIMARY KEY,
  strategy_id BIGINT NOT NULL,
  entry_date BIGINT NOT NULL,
  exit_date BIGINT NOT NULL,
  direction TEXT NOT NULL,
  entry_price_cents BIGINT NOT NULL,
  exit_price_cents BIGINT NOT NULL,
  quantity DOUBLE PRECISION NOT NULL,
  pnl_cents BIGINT NOT NULL,
  pnl_percent DOUBLE PRECISION NOT NULL,
  commission_cents BIGINT NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id);

CREATE TABLE IF NOT EXISTS webhook_logs (
  id BIGSERIAL PRIMARY KEY,
  wal_id TEXT NOT NULL DEFAULT '',
  correlation_id TEXT NOT NULL DEFAULT '',
  strategy_id BIGINT NOT NULL DEFAULT 0,
  strategy_symbol TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_wal ON webhook_logs(wal_id);

CREATE TABLE IF NOT EXISTS retry_queue (
  id BIGSERIAL PRIMARY KEY,
  wal_id TEXT NOT NULL DEFAULT '',
  original_payload BYTEA NOT NULL,
  correlation_id TEXT NOT NULL,
  strategy_symbol TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL,
  next_retry_at BIGINT NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_queue(status, next_retry_at);
`)
	return err
}

var _ port.Store = (*Store)(nil)

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
)

type TradingRepo struct {
	db *sql.DB
}

func (r *TradingRepo) FindOpenPosition(ctx context.Context, symbol string) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, strategy_symbol, direction, entry_price_cents,
		       quantity, entry_time, status, source_wal_id
		FROM positions WHERE strategy_symbol = ? AND status = ?
	`, symbol, model.PositionOpen)
	return scanOpenPosition(row)
}

// ApplyEntry opens a position inside one transaction. The open-position check
// is repeated here so two concurrent entries for the same symbol cannot both
// commit; the unique partial index backs the check at the storage level.
func (r *TradingRepo) ApplyEntry(ctx context.Context, app port.EntryApplication) (int64, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, model.Transient(err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM positions WHERE strategy_symbol = ? AND status = ?
	`, app.Position.StrategySymbol, model.PositionOpen).Scan(&existing)
	if err == nil {
		return 0, 0, model.Rejectf(model.CodePositionExists,
			"open position %d already exists for %s", existing, app.Position.StrategySymbol)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, model.Transient(err)
	}

	logID, err := insertLog(ctx, tx, app.Log, "processing")
	if err != nil {
		return 0, 0, err
	}

	p := app.Position
	res, err := tx.ExecContext(ctx, `
		INSERT INTO positions(
			strategy_id, strategy_symbol, direction, entry_price_cents,
			quantity, entry_time, status, source_wal_id
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, p.StrategyID, p.StrategySymbol, string(p.Direction), p.EntryPriceCents,
		p.Quantity, p.EntryTime.UnixMilli(), model.PositionOpen, p.SourceWalID)
	if err != nil {
		return 0, 0, model.Transient(err)
	}
	positionID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, model.Transient(err)
	}

	if err := finishLog(ctx, tx, logID, "success", ""); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, model.Transient(err)
	}
	return positionID, logID, nil
}

// ApplyExit closes the open position and records the trade in one
// transaction. P&L is computed from the position read inside the transaction
// unless the caller supplied an authoritative value.
func (r *TradingRepo) ApplyExit(ctx context.Context, app port.ExitApplication) (*model.Trade, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, model.Transient(err)
	}
	defer tx.Rollback()

	pos, err := scanOpenPosition(tx.QueryRowContext(ctx, `
		SELECT id, strategy_id, strategy_symbol, direction, entry_price_cents,
		       quantity, entry_time, status, source_wal_id
		FROM positions WHERE strategy_symbol = ? AND status = ?
	`, app.StrategySymbol, model.PositionOpen))
	if err != nil {
		return nil, 0, err
	}
	if pos == nil {
		return nil, 0, model.Rejectf(model.CodeNoOpenPosition,
			"no open position for %s", app.StrategySymbol)
	}

	pnl := model.ComputePnLCents(pos.Direction, pos.EntryPriceCents, app.ExitPriceCents, pos.Quantity)
	if app.OverridePnL != nil {
		pnl = *app.OverridePnL
	}
	var pnlPercent float64
	if basis := float64(pos.EntryPriceCents) * pos.Quantity; basis != 0 {
		pnlPercent = float64(pnl) / basis * 100
	}

	logID, err := insertLog(ctx, tx, app.Log, "processing")
	if err != nil {
		return nil, 0, err
	}

	trade := &model.Trade{
		StrategyID:      pos.StrategyID,
		EntryDate:       pos.EntryTime,
		ExitDate:        app.ExitTime,
		Direction:       pos.Direction,
		EntryPriceCents: pos.EntryPriceCents,
		ExitPriceCents:  app.ExitPriceCents,
		Quantity:        pos.Quantity,
		PnLCents:        pnl,
		PnLPercent:      pnlPercent,
		CommissionCents: app.Commission,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO trades(
			strategy_id, entry_date, exit_date, direction, entry_price_cents,
			exit_price_cents, quantity, pnl_cents, pnl_percent, commission_cents, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.StrategyID, trade.EntryDate.UnixMilli(), trade.ExitDate.UnixMilli(),
		string(trade.Direction), trade.EntryPriceCents, trade.ExitPriceCents,
		trade.Quantity, trade.PnLCents, trade.PnLPercent, trade.CommissionCents,
		time.Now().UnixMilli())
	if err != nil {
		return nil, 0, model.Transient(err)
	}
	trade.ID, err = res.LastInsertId()
	if err != nil {
		return nil, 0, model.Transient(err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE positions
		SET status = ?, exit_price_cents = ?, exit_time = ?, pnl_cents = ?, trade_id = ?
		WHERE id = ?
	`, model.PositionClosed, app.ExitPriceCents, app.ExitTime.UnixMilli(), pnl, trade.ID, pos.ID)
	if err != nil {
		return nil, 0, model.Transient(err)
	}

	if err := finishLog(ctx, tx, logID, "success", ""); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, model.Transient(err)
	}
	return trade, logID, nil
}

// InsertSyntheticTrade records a trade for an exit with no matching position
// row; the caller supplied the entry side explicitly.
func (r *TradingRepo) InsertSyntheticTrade(ctx context.Context, trade *model.Trade, logRow *model.WebhookLog) (int64, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, model.Transient(err)
	}
	defer tx.Rollback()

	logID, err := insertLog(ctx, tx, logRow, "processing")
	if err != nil {
		return 0, 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO trades(
			strategy_id, entry_date, exit_date, direction, entry_price_cents,
			exit_price_cents, quantity, pnl_cents, pnl_percent, commission_cents, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.StrategyID, trade.EntryDate.UnixMilli(), trade.ExitDate.UnixMilli(),
		string(trade.Direction), trade.EntryPriceCents, trade.ExitPriceCents,
		trade.Quantity, trade.PnLCents, trade.PnLPercent, trade.CommissionCents,
		time.Now().UnixMilli())
	if err != nil {
		return 0, 0, model.Transient(err)
	}
	tradeID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, model.Transient(err)
	}

	if err := finishLog(ctx, tx, logID, "success", ""); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, model.Transient(err)
	}
	return tradeID, logID, nil
}

func insertLog(ctx context.Context, tx *sql.Tx, l *model.WebhookLog, status string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_logs(
			wal_id, correlation_id, strategy_id, strategy_symbol, action, status, detail, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, l.WalID, l.CorrelationID, l.StrategyID, l.StrategySymbol, l.Action,
		status, l.Detail, time.Now().UnixMilli())
	if err != nil {
		return 0, model.Transient(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, model.Transient(err)
	}
	return id, nil
}

// finishLog settles the log row's status. An empty detail keeps whatever the
// insert recorded (the synthetic-trade flag, for one).
func finishLog(ctx context.Context, tx *sql.Tx, id int64, status, detail string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE webhook_logs
		SET status = ?, detail = COALESCE(NULLIF(?, ''), detail)
		WHERE id = ?
	`, status, detail, id)
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

func scanOpenPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var entryTime int64
	var direction string
	err := row.Scan(&p.ID, &p.StrategyID, &p.StrategySymbol, &direction,
		&p.EntryPriceCents, &p.Quantity, &entryTime, &p.Status, &p.SourceWalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient(err)
	}
	p.Direction = model.Direction(direction)
	p.EntryTime = time.UnixMilli(entryTime).UTC()
	return &p, nil
}

var _ port.TradingRepository = (*TradingRepo)(nil)

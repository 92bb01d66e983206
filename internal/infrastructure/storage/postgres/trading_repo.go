package postgres

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

const openPositionSelect = `
	SELECT id, strategy_id, strategy_symbol, direction, entry_price_cents,
	       quantity, entry_time, status, source_wal_id
	FROM positions WHERE strategy_symbol = $1 AND status = $2`

func (r *TradingRepo) FindOpenPosition(ctx context.Context, symbol string) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, openPositionSelect, symbol, model.PositionOpen)
	return scanOpenPosition(row)
}

func (r *TradingRepo) ApplyEntry(ctx context.Context, app port.EntryApplication) (int64, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, model.Transient(err)
	}
	defer tx.Rollback()

	// FOR UPDATE serializes two concurrent entries on the same symbol; the
	// partial unique index backs this up if neither sees the other's row.
	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM positions WHERE strategy_symbol = $1 AND status = $2 FOR UPDATE
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
	var positionID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO positions(
			strategy_id, strategy_symbol, direction, entry_price_cents,
			quantity, entry_time, status, source_wal_id
		) VALUES($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, p.StrategyID, p.StrategySymbol, string(p.Direction), p.EntryPriceCents,
		p.Quantity, p.EntryTime.UnixMilli(), model.PositionOpen, p.SourceWalID).Scan(&positionID)
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

func (r *TradingRepo) ApplyExit(ctx context.Context, app port.ExitApplication) (*model.Trade, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, model.Transient(err)
	}
	defer tx.Rollback()

	pos, err := scanOpenPosition(tx.QueryRowContext(ctx, openPositionSelect+` FOR UPDATE`,
		app.StrategySymbol, model.PositionOpen))
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
	if err := insertTrade(ctx, tx, trade); err != nil {
		return nil, 0, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE positions
		SET status = $1, exit_price_cents = $2, exit_time = $3, pnl_cents = $4, trade_id = $5
		WHERE id = $6
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
	if err := insertTrade(ctx, tx, trade); err != nil {
		return 0, 0, err
	}
	if err := finishLog(ctx, tx, logID, "success", ""); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, model.Transient(err)
	}
	return trade.ID, logID, nil
}

func insertTrade(ctx context.Context, tx *sql.Tx, trade *model.Trade) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO trades(
			strategy_id, entry_date, exit_date, direction, entry_price_cents,
			exit_price_cents, quantity, pnl_cents, pnl_percent, commission_cents, created_at
		) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, trade.StrategyID, trade.EntryDate.UnixMilli(), trade.ExitDate.UnixMilli(),
		string(trade.Direction), trade.EntryPriceCents, trade.ExitPriceCents,
		trade.Quantity, trade.PnLCents, trade.PnLPercent, trade.CommissionCents,
		time.Now().UnixMilli()).Scan(&trade.ID)
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

func insertLog(ctx context.Context, tx *sql.Tx, l *model.WebhookLog, status string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO webhook_logs(
			wal_id, correlation_id, strategy_id, strategy_symbol, action, status, detail, created_at
		) VALUES($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, l.WalID, l.CorrelationID, l.StrategyID, l.StrategySymbol, l.Action,
		status, l.Detail, time.Now().UnixMilli()).Scan(&id)
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
		SET status = $1, detail = COALESCE(NULLIF($2, ''), detail)
		WHERE id = $3
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

package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
)

type StrategyRepo struct {
	db *sql.DB
}

func (r *StrategyRepo) Resolve(ctx context.Context, symbol string) (*model.Strategy, error) {
	var s model.Strategy
	var active int
	err := r.db.QueryRowContext(ctx, `
		SELECT id, symbol, name, active FROM strategies WHERE symbol = ?
	`, symbol).Scan(&s.ID, &s.Symbol, &s.Name, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient(err)
	}
	s.Active = active != 0
	return &s, nil
}

func (r *StrategyRepo) Upsert(ctx context.Context, s *model.Strategy) error {
	active := 0
	if s.Active {
		active = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO strategies(symbol, name, active) VALUES(?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET name = excluded.name, active = excluded.active
	`, s.Symbol, s.Name, active)
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

var _ port.StrategyRepository = (*StrategyRepo)(nil)

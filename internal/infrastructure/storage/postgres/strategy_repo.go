package postgres

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
	err := r.db.QueryRowContext(ctx, `
		SELECT id, symbol, name, active FROM strategies WHERE symbol = $1
	`, symbol).Scan(&s.ID, &s.Symbol, &s.Name, &s.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient(err)
	}
	return &s, nil
}

func (r *StrategyRepo) Upsert(ctx context.Context, s *model.Strategy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO strategies(symbol, name, active) VALUES($1, $2, $3)
		ON CONFLICT(symbol) DO UPDATE SET name = excluded.name, active = excluded.active
	`, s.Symbol, s.Name, s.Active)
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

var _ port.StrategyRepository = (*StrategyRepo)(nil)

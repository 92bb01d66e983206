package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
)

type WalRepo struct {
	db *sql.DB
}

func (r *WalRepo) Append(ctx context.Context, e *model.WalEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wal_entries(
			id, correlation_id, raw_payload,
			preview_symbol, preview_action, preview_price, preview_qty,
			status, attempts, source_ip, user_agent, received_at, last_attempt_at
		) VALUES($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12)
	`, e.ID, e.CorrelationID, e.RawPayload,
		e.Preview.Symbol, e.Preview.Action, e.Preview.Price, e.Preview.Qty,
		string(model.WalReceived), e.SourceIP, e.UserAgent,
		e.ReceivedAt.UnixMilli(), e.ReceivedAt.UnixMilli())
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

func (r *WalRepo) Get(ctx context.Context, walID string) (*model.WalEntry, error) {
	row := r.db.QueryRowContext(ctx, walSelect+` WHERE id = $1`, walID)
	return scanWalEntry(row)
}

const walSelect = `
	SELECT id, correlation_id, raw_payload,
	       preview_symbol, preview_action, preview_price, preview_qty,
	       status, attempts, source_ip, user_agent,
	       received_at, last_attempt_at, completed_at, error_message, result_ref
	FROM wal_entries`

func (r *WalRepo) MarkProcessing(ctx context.Context, walID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE wal_entries
		SET status = $1, attempts = attempts + 1, last_attempt_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`, string(model.WalProcessing), time.Now().UnixMilli(), walID,
		string(model.WalReceived), string(model.WalRetrying))
	if err != nil {
		return false, model.Transient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, model.Transient(err)
	}
	return n > 0, nil
}

func (r *WalRepo) MarkCompleted(ctx context.Context, walID, resultRef string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE wal_entries
		SET status = $1, completed_at = $2, result_ref = $3, error_message = ''
		WHERE id = $4 AND status != $1
	`, string(model.WalCompleted), time.Now().UnixMilli(), resultRef, walID)
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

func (r *WalRepo) MarkFailed(ctx context.Context, walID, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE wal_entries
		SET status = $1, completed_at = $2, error_message = $3
		WHERE id = $4 AND status NOT IN ($5, $1)
	`, string(model.WalFailed), time.Now().UnixMilli(), errMsg, walID,
		string(model.WalCompleted))
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

func (r *WalRepo) MarkRetrying(ctx context.Context, walID, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE wal_entries
		SET status = $1, error_message = $2
		WHERE id = $3 AND status NOT IN ($4, $5)
	`, string(model.WalRetrying), errMsg, walID,
		string(model.WalCompleted), string(model.WalFailed))
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

func (r *WalRepo) FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]*model.WalEntry, error) {
	rows, err := r.db.QueryContext(ctx, walSelect+`
		WHERE status = $1 AND last_attempt_at < $2
		ORDER BY last_attempt_at ASC
		LIMIT $3
	`, string(model.WalProcessing), cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, model.Transient(err)
	}
	defer rows.Close()
	return collectWalEntries(rows)
}

func (r *WalRepo) FindRetryable(ctx context.Context, maxAttempts, limit int) ([]*model.WalEntry, error) {
	rows, err := r.db.QueryContext(ctx, walSelect+`
		WHERE status = $1 AND attempts < $2
		ORDER BY last_attempt_at ASC
		LIMIT $3
	`, string(model.WalRetrying), maxAttempts, limit)
	if err != nil {
		return nil, model.Transient(err)
	}
	defer rows.Close()
	return collectWalEntries(rows)
}

func (r *WalRepo) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM wal_entries
		WHERE status IN ($1, $2) AND received_at < $3
	`, string(model.WalCompleted), string(model.WalFailed), cutoff.UnixMilli())
	if err != nil {
		return 0, model.Transient(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *WalRepo) Stats(ctx context.Context) (*model.WalStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*), MIN(received_at) FROM wal_entries GROUP BY status
	`)
	if err != nil {
		return nil, model.Transient(err)
	}
	defer rows.Close()

	stats := &model.WalStats{ByStatus: make(map[model.WalStatus]int64)}
	var oldest int64
	for rows.Next() {
		var status string
		var count, minReceived int64
		if err := rows.Scan(&status, &count, &minReceived); err != nil {
			return nil, model.Transient(err)
		}
		stats.ByStatus[model.WalStatus(status)] = count
		stats.Total += count
		if oldest == 0 || minReceived < oldest {
			oldest = minReceived
		}
	}
	if oldest > 0 {
		stats.Oldest = time.UnixMilli(oldest).UTC()
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWalEntry(row rowScanner) (*model.WalEntry, error) {
	var e model.WalEntry
	var receivedAt, lastAttemptAt int64
	var completedAt sql.NullInt64
	err := row.Scan(
		&e.ID, &e.CorrelationID, &e.RawPayload,
		&e.Preview.Symbol, &e.Preview.Action, &e.Preview.Price, &e.Preview.Qty,
		&e.Status, &e.Attempts, &e.SourceIP, &e.UserAgent,
		&receivedAt, &lastAttemptAt, &completedAt, &e.ErrorMessage, &e.ResultRef,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient(err)
	}
	e.ReceivedAt = time.UnixMilli(receivedAt).UTC()
	e.LastAttemptAt = time.UnixMilli(lastAttemptAt).UTC()
	if completedAt.Valid {
		e.CompletedAt = time.UnixMilli(completedAt.Int64).UTC()
	}
	return &e, nil
}

func collectWalEntries(rows *sql.Rows) ([]*model.WalEntry, error) {
	var out []*model.WalEntry
	for rows.Next() {
		e, err := scanWalEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Transient(err)
	}
	return out, nil
}

var _ port.WalRepository = (*WalRepo)(nil)

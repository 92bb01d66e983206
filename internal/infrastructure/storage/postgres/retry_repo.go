package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
)

type RetryRepo struct {
	db *sql.DB
}

const retrySelect = `
	SELECT id, wal_id, original_payload, correlation_id, strategy_symbol,
	       retry_count, max_retries, next_retry_at, last_error, status,
	       created_at, updated_at
	FROM retry_queue`

func (r *RetryRepo) Enqueue(ctx context.Context, item *model.RetryItem) error {
	now := time.Now().UnixMilli()
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO retry_queue(
			wal_id, original_payload, correlation_id, strategy_symbol,
			retry_count, max_retries, next_retry_at, last_error, status,
			created_at, updated_at
		) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, item.WalID, item.OriginalPayload, item.CorrelationID, item.StrategySymbol,
		item.RetryCount, item.MaxRetries, item.NextRetryAt.UnixMilli(),
		item.LastError, string(model.RetryPending), now, now).Scan(&item.ID)
	if err != nil {
		return model.Transient(err)
	}
	item.Status = model.RetryPending
	return nil
}

func (r *RetryRepo) Get(ctx context.Context, id int64) (*model.RetryItem, error) {
	return scanRetryItem(r.db.QueryRowContext(ctx, retrySelect+` WHERE id = $1`, id))
}

// DrainDue claims due items with UPDATE ... RETURNING over a locked select,
// so concurrent sweeps on different instances never double-claim.
func (r *RetryRepo) DrainDue(ctx context.Context, now time.Time, limit int) ([]*model.RetryItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE retry_queue SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM retry_queue
			WHERE status = $3 AND next_retry_at <= $4
			ORDER BY next_retry_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, wal_id, original_payload, correlation_id, strategy_symbol,
		          retry_count, max_retries, next_retry_at, last_error, status,
		          created_at, updated_at
	`, string(model.RetryProcessing), now.UnixMilli(),
		string(model.RetryPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, model.Transient(err)
	}
	defer rows.Close()

	var items []*model.RetryItem
	for rows.Next() {
		item, err := scanRetryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Transient(err)
	}
	return items, nil
}

func (r *RetryRepo) MarkCompleted(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, model.RetryCompleted, "")
}

func (r *RetryRepo) ScheduleNext(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE retry_queue
		SET status = $1, retry_count = $2, next_retry_at = $3, last_error = $4, updated_at = $5
		WHERE id = $6
	`, string(model.RetryPending), retryCount, nextRetryAt.UnixMilli(),
		lastError, time.Now().UnixMilli(), id)
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

func (r *RetryRepo) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return r.setStatus(ctx, id, model.RetryFailed, lastError)
}

func (r *RetryRepo) Cancel(ctx context.Context, id int64, reason string) error {
	return r.setStatus(ctx, id, model.RetryCancelled, reason)
}

func (r *RetryRepo) Reopen(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_queue
		SET status = $1, retry_count = 0, next_retry_at = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`, string(model.RetryPending), now, now, id, string(model.RetryFailed))
	if err != nil {
		return model.Transient(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Rejectf(model.CodeValidation, "retry item %d is not dead-lettered", id)
	}
	return nil
}

func (r *RetryRepo) HasActive(ctx context.Context, walID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM retry_queue WHERE wal_id = $1 AND status IN ($2, $3)
	`, walID, string(model.RetryPending), string(model.RetryProcessing)).Scan(&n)
	if err != nil {
		return false, model.Transient(err)
	}
	return n > 0, nil
}

// ReclaimStale flips processing items last touched before cutoff back to
// pending, so a sweep that crashed mid-flight cannot strand its claims.
func (r *RetryRepo) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_queue SET status = $1, updated_at = $2
		WHERE status = $3 AND updated_at < $4
	`, string(model.RetryPending), time.Now().UnixMilli(),
		string(model.RetryProcessing), cutoff.UnixMilli())
	if err != nil {
		return 0, model.Transient(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *RetryRepo) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM retry_queue
		WHERE status IN ($1, $2, $3) AND updated_at < $4
	`, string(model.RetryCompleted), string(model.RetryFailed),
		string(model.RetryCancelled), cutoff.UnixMilli())
	if err != nil {
		return 0, model.Transient(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *RetryRepo) Stats(ctx context.Context) (*model.RetryStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM retry_queue GROUP BY status
	`)
	if err != nil {
		return nil, model.Transient(err)
	}
	defer rows.Close()

	stats := &model.RetryStats{ByStatus: make(map[model.RetryStatus]int64)}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, model.Transient(err)
		}
		stats.ByStatus[model.RetryStatus(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, model.Transient(err)
	}

	var nextDue sql.NullInt64
	err = r.db.QueryRowContext(ctx, `
		SELECT MIN(next_retry_at) FROM retry_queue WHERE status = $1
	`, string(model.RetryPending)).Scan(&nextDue)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, model.Transient(err)
	}
	if nextDue.Valid {
		stats.NextDue = time.UnixMilli(nextDue.Int64).UTC()
	}
	return stats, nil
}

func (r *RetryRepo) setStatus(ctx context.Context, id int64, status model.RetryStatus, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE retry_queue SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4
	`, string(status), lastError, time.Now().UnixMilli(), id)
	if err != nil {
		return model.Transient(err)
	}
	return nil
}

func scanRetryItem(row rowScanner) (*model.RetryItem, error) {
	var item model.RetryItem
	var status string
	var nextRetryAt, createdAt, updatedAt int64
	err := row.Scan(&item.ID, &item.WalID, &item.OriginalPayload, &item.CorrelationID,
		&item.StrategySymbol, &item.RetryCount, &item.MaxRetries, &nextRetryAt,
		&item.LastError, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient(err)
	}
	item.Status = model.RetryStatus(status)
	item.NextRetryAt = time.UnixMilli(nextRetryAt).UTC()
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &item, nil
}

var _ port.RetryRepository = (*RetryRepo)(nil)

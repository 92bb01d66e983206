package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
)

type RetryRepo struct {
	db *sql.DB
}

func (r *RetryRepo) Enqueue(ctx context.Context, item *model.RetryItem) error {
	now := time.Now().UnixMilli()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO retry_queue(
			wal_id, original_payload, correlation_id, strategy_symbol,
			retry_count, max_retries, next_retry_at, last_error, status,
			created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.WalID, item.OriginalPayload, item.CorrelationID, item.StrategySymbol,
		item.RetryCount, item.MaxRetries, item.NextRetryAt.UnixMilli(),
		item.LastError, string(model.RetryPending), now, now)
	if err != nil {
		return model.Transient(err)
	}
	item.ID, _ = res.LastInsertId()
	item.Status = model.RetryPending
	return nil
}

func (r *RetryRepo) Get(ctx context.Context, id int64) (*model.RetryItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, wal_id, original_payload, correlation_id, strategy_symbol,
		       retry_count, max_retries, next_retry_at, last_error, status,
		       created_at, updated_at
		FROM retry_queue WHERE id = ?
	`, id)
	return scanRetryItem(row)
}

// DrainDue claims due pending items by flipping them to processing in the
// same transaction that reads them, so overlapping sweeps never double-claim.
func (r *RetryRepo) DrainDue(ctx context.Context, now time.Time, limit int) ([]*model.RetryItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, model.Transient(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, wal_id, original_payload, correlation_id, strategy_symbol,
		       retry_count, max_retries, next_retry_at, last_error, status,
		       created_at, updated_at
		FROM retry_queue
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`, string(model.RetryPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, model.Transient(err)
	}
	var items []*model.RetryItem
	for rows.Next() {
		item, err := scanRetryItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, model.Transient(err)
	}
	rows.Close()

	if len(items) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, 0, len(items))
	args := []any{string(model.RetryProcessing), now.UnixMilli()}
	for _, item := range items {
		ids = append(ids, "?")
		args = append(args, item.ID)
		item.Status = model.RetryProcessing
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE retry_queue SET status = ?, updated_at = ?
		WHERE id IN (`+strings.Join(ids, ",")+`)
	`, args...)
	if err != nil {
		return nil, model.Transient(err)
	}
	if err := tx.Commit(); err != nil {
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
		SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
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

// Reopen resets a dead-lettered item for manual replay.
func (r *RetryRepo) Reopen(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_queue
		SET status = ?, retry_count = 0, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(model.RetryPending), time.Now().UnixMilli(), time.Now().UnixMilli(),
		id, string(model.RetryFailed))
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
		SELECT COUNT(*) FROM retry_queue WHERE wal_id = ? AND status IN (?, ?)
	`, walID, string(model.RetryPending), string(model.RetryProcessing)).Scan(&n)
	if err != nil {
		return false, model.Transient(err)
	}
	return n > 0, nil
}

// ReclaimStale flips processing items last touched before cutoff back to
// pending. A sweep that crashed between claiming and finishing leaves its
// items in processing; without the reclaim they would never drain again.
func (r *RetryRepo) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_queue SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
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
		WHERE status IN (?, ?, ?) AND updated_at < ?
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
		SELECT MIN(next_retry_at) FROM retry_queue WHERE status = ?
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
		UPDATE retry_queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
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

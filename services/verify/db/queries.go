package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const getTask = `
SELECT item_key, latest_snapshot_item_id, status, priority, last_seen_at, assignee, due_date, version
FROM verification_tasks
WHERE item_key = ?
`

func (q *Queries) GetTask(ctx context.Context, itemKey string) (VerificationTask, error) {
	row := q.db.QueryRowContext(ctx, getTask, itemKey)
	var t VerificationTask
	err := row.Scan(
		&t.ItemKey,
		&t.LatestSnapshotItemID,
		&t.Status,
		&t.Priority,
		&t.LastSeenAt,
		&t.Assignee,
		&t.DueDate,
		&t.Version,
	)
	return t, err
}

const createTask = `
INSERT INTO verification_tasks (item_key, latest_snapshot_item_id, status, priority, last_seen_at)
VALUES (?, ?, ?, ?, ?)
`

type CreateTaskParams struct {
	ItemKey              string
	LatestSnapshotItemID sql.NullInt64
	Status               string
	Priority             int64
	LastSeenAt           int64
}

func (q *Queries) CreateTask(ctx context.Context, params CreateTaskParams) error {
	_, err := q.db.ExecContext(
		ctx, createTask,
		params.ItemKey,
		params.LatestSnapshotItemID,
		params.Status,
		params.Priority,
		params.LastSeenAt,
	)
	return err
}

const updateTaskFromIngest = `
UPDATE verification_tasks
SET latest_snapshot_item_id = ?,
    priority = ?,
    last_seen_at = ?,
    version = version + 1
WHERE item_key = ? AND version = ?
`

type UpdateTaskFromIngestParams struct {
	LatestSnapshotItemID sql.NullInt64
	Priority             int64
	LastSeenAt           int64
	ItemKey              string
	Version              int64
}

// returns the number of affected rows so callers can detect a lost
// optimistic-concurrency race
func (q *Queries) UpdateTaskFromIngest(ctx context.Context, params UpdateTaskFromIngestParams) (int64, error) {
	res, err := q.db.ExecContext(
		ctx, updateTaskFromIngest,
		params.LatestSnapshotItemID,
		params.Priority,
		params.LastSeenAt,
		params.ItemKey,
		params.Version,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const updateTaskFromIngestWithStatus = `
UPDATE verification_tasks
SET latest_snapshot_item_id = ?,
    status = ?,
    priority = ?,
    last_seen_at = ?,
    version = version + 1
WHERE item_key = ? AND version = ?
`

type UpdateTaskFromIngestWithStatusParams struct {
	LatestSnapshotItemID sql.NullInt64
	Status               string
	Priority             int64
	LastSeenAt           int64
	ItemKey              string
	Version              int64
}

func (q *Queries) UpdateTaskFromIngestWithStatus(ctx context.Context, params UpdateTaskFromIngestWithStatusParams) (int64, error) {
	res, err := q.db.ExecContext(
		ctx, updateTaskFromIngestWithStatus,
		params.LatestSnapshotItemID,
		params.Status,
		params.Priority,
		params.LastSeenAt,
		params.ItemKey,
		params.Version,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const markTaskVerified = `
UPDATE verification_tasks
SET status = ?,
    priority = ?,
    version = version + 1
WHERE item_key = ?
`

type MarkTaskVerifiedParams struct {
	Status   string
	Priority int64
	ItemKey  string
}

func (q *Queries) MarkTaskVerified(ctx context.Context, params MarkTaskVerifiedParams) (int64, error) {
	res, err := q.db.ExecContext(
		ctx, markTaskVerified,
		params.Status,
		params.Priority,
		params.ItemKey,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const listPendingTasks = `
SELECT item_key, latest_snapshot_item_id, status, priority, last_seen_at, assignee, due_date, version
FROM verification_tasks
WHERE status = 'PENDING'
ORDER BY priority DESC, last_seen_at DESC
LIMIT ?
`

func (q *Queries) ListPendingTasks(ctx context.Context, limit int64) ([]VerificationTask, error) {
	rows, err := q.db.QueryContext(ctx, listPendingTasks, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerificationTask
	for rows.Next() {
		var t VerificationTask
		err := rows.Scan(
			&t.ItemKey,
			&t.LatestSnapshotItemID,
			&t.Status,
			&t.Priority,
			&t.LastSeenAt,
			&t.Assignee,
			&t.DueDate,
			&t.Version,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const getVerifiedRate = `
SELECT item_key, rate, evidence, note, updated_by, updated_at
FROM verified_rate_current
WHERE item_key = ?
`

func (q *Queries) GetVerifiedRate(ctx context.Context, itemKey string) (VerifiedRateCurrent, error) {
	row := q.db.QueryRowContext(ctx, getVerifiedRate, itemKey)
	var r VerifiedRateCurrent
	err := row.Scan(&r.ItemKey, &r.Rate, &r.Evidence, &r.Note, &r.UpdatedBy, &r.UpdatedAt)
	return r, err
}

const upsertVerifiedRate = `
INSERT INTO verified_rate_current (item_key, rate, evidence, note, updated_by, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (item_key) DO UPDATE SET
    rate = excluded.rate,
    evidence = excluded.evidence,
    note = excluded.note,
    updated_by = excluded.updated_by,
    updated_at = excluded.updated_at
`

type UpsertVerifiedRateParams struct {
	ItemKey   string
	Rate      float64
	Evidence  sql.NullString
	Note      sql.NullString
	UpdatedBy string
	UpdatedAt int64
}

func (q *Queries) UpsertVerifiedRate(ctx context.Context, params UpsertVerifiedRateParams) error {
	_, err := q.db.ExecContext(
		ctx, upsertVerifiedRate,
		params.ItemKey,
		params.Rate,
		params.Evidence,
		params.Note,
		params.UpdatedBy,
		params.UpdatedAt,
	)
	return err
}

const insertVerifiedRateHistory = `
INSERT INTO verified_rate_history (item_key, rate, evidence, note, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`

type InsertVerifiedRateHistoryParams struct {
	ItemKey   string
	Rate      float64
	Evidence  sql.NullString
	Note      sql.NullString
	CreatedBy string
	CreatedAt int64
}

func (q *Queries) InsertVerifiedRateHistory(ctx context.Context, params InsertVerifiedRateHistoryParams) error {
	_, err := q.db.ExecContext(
		ctx, insertVerifiedRateHistory,
		params.ItemKey,
		params.Rate,
		params.Evidence,
		params.Note,
		params.CreatedBy,
		params.CreatedAt,
	)
	return err
}

const listVerifiedRateHistory = `
SELECT id, item_key, rate, evidence, note, created_by, created_at
FROM verified_rate_history
WHERE item_key = ?
ORDER BY id DESC
`

func (q *Queries) ListVerifiedRateHistory(ctx context.Context, itemKey string) ([]VerifiedRateHistory, error) {
	rows, err := q.db.QueryContext(ctx, listVerifiedRateHistory, itemKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerifiedRateHistory
	for rows.Next() {
		var h VerifiedRateHistory
		err := rows.Scan(&h.ID, &h.ItemKey, &h.Rate, &h.Evidence, &h.Note, &h.CreatedBy, &h.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

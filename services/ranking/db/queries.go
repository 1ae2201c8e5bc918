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

type Snapshot struct {
	ID           int64
	CapturedAt   int64
	GenreID      string
	RankingType  string
	FetchedCount int64
	Status       string
	Error        sql.NullString
}

type SnapshotItem struct {
	ID         int64
	SnapshotID int64
	Rank       int64
	ItemKey    string
	Title      string
	ItemURL    string
	ShopName   string
	SourceRate sql.NullFloat64
	RawPayload []byte
}

const createSnapshot = `
INSERT INTO snapshots (captured_at, genre_id, ranking_type, fetched_count, status, error)
VALUES (?, ?, ?, ?, ?, ?)
`

type CreateSnapshotParams struct {
	CapturedAt   int64
	GenreID      string
	RankingType  string
	FetchedCount int64
	Status       string
	Error        sql.NullString
}

func (q *Queries) CreateSnapshot(ctx context.Context, params CreateSnapshotParams) (int64, error) {
	res, err := q.db.ExecContext(
		ctx, createSnapshot,
		params.CapturedAt,
		params.GenreID,
		params.RankingType,
		params.FetchedCount,
		params.Status,
		params.Error,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const createSnapshotItem = `
INSERT INTO snapshot_items (snapshot_id, rank, item_key, title, item_url, shop_name, source_rate, raw_payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

type CreateSnapshotItemParams struct {
	SnapshotID int64
	Rank       int64
	ItemKey    string
	Title      string
	ItemURL    string
	ShopName   string
	SourceRate sql.NullFloat64
	RawPayload []byte
}

func (q *Queries) CreateSnapshotItem(ctx context.Context, params CreateSnapshotItemParams) (int64, error) {
	res, err := q.db.ExecContext(
		ctx, createSnapshotItem,
		params.SnapshotID,
		params.Rank,
		params.ItemKey,
		params.Title,
		params.ItemURL,
		params.ShopName,
		params.SourceRate,
		params.RawPayload,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const getSnapshot = `
SELECT id, captured_at, genre_id, ranking_type, fetched_count, status, error
FROM snapshots
WHERE id = ?
`

func (q *Queries) GetSnapshot(ctx context.Context, id int64) (Snapshot, error) {
	row := q.db.QueryRowContext(ctx, getSnapshot, id)
	var s Snapshot
	err := row.Scan(&s.ID, &s.CapturedAt, &s.GenreID, &s.RankingType, &s.FetchedCount, &s.Status, &s.Error)
	return s, err
}

const listSnapshots = `
SELECT id, captured_at, genre_id, ranking_type, fetched_count, status, error
FROM snapshots
WHERE genre_id = ?
ORDER BY captured_at DESC
LIMIT ?
`

func (q *Queries) ListSnapshots(ctx context.Context, genreID string, limit int64) ([]Snapshot, error) {
	rows, err := q.db.QueryContext(ctx, listSnapshots, genreID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		err := rows.Scan(&s.ID, &s.CapturedAt, &s.GenreID, &s.RankingType, &s.FetchedCount, &s.Status, &s.Error)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const getSnapshotItem = `
SELECT id, snapshot_id, rank, item_key, title, item_url, shop_name, source_rate, raw_payload
FROM snapshot_items
WHERE id = ?
`

func (q *Queries) GetSnapshotItem(ctx context.Context, id int64) (SnapshotItem, error) {
	row := q.db.QueryRowContext(ctx, getSnapshotItem, id)
	var item SnapshotItem
	err := row.Scan(
		&item.ID,
		&item.SnapshotID,
		&item.Rank,
		&item.ItemKey,
		&item.Title,
		&item.ItemURL,
		&item.ShopName,
		&item.SourceRate,
		&item.RawPayload,
	)
	return item, err
}

const listSnapshotItems = `
SELECT id, snapshot_id, rank, item_key, title, item_url, shop_name, source_rate, raw_payload
FROM snapshot_items
WHERE snapshot_id = ?
ORDER BY rank ASC
`

func (q *Queries) ListSnapshotItems(ctx context.Context, snapshotID int64) ([]SnapshotItem, error) {
	rows, err := q.db.QueryContext(ctx, listSnapshotItems, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotItem
	for rows.Next() {
		var item SnapshotItem
		err := rows.Scan(
			&item.ID,
			&item.SnapshotID,
			&item.Rank,
			&item.ItemKey,
			&item.Title,
			&item.ItemURL,
			&item.ShopName,
			&item.SourceRate,
			&item.RawPayload,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

const deleteStaleSnapshotItems = `
DELETE FROM snapshot_items
WHERE snapshot_id IN (
    SELECT id FROM snapshots
    WHERE genre_id = ?
    ORDER BY captured_at DESC
    LIMIT -1 OFFSET ?
)
`

const deleteStaleSnapshots = `
DELETE FROM snapshots
WHERE id IN (
    SELECT id FROM snapshots
    WHERE genre_id = ?
    ORDER BY captured_at DESC
    LIMIT -1 OFFSET ?
)
`

type SweepSnapshotsParams struct {
	GenreID string
	Keep    int64
}

// deletes everything but the Keep most recent snapshots for the genre,
// items first so no orphans survive a crash between the two statements
func (q *Queries) SweepSnapshots(ctx context.Context, params SweepSnapshotsParams) error {
	_, err := q.db.ExecContext(ctx, deleteStaleSnapshotItems, params.GenreID, params.Keep)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, deleteStaleSnapshots, params.GenreID, params.Keep)
	return err
}

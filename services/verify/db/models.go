package db

import "database/sql"

type VerificationTask struct {
	ItemKey              string
	LatestSnapshotItemID sql.NullInt64
	Status               string
	Priority             int64
	LastSeenAt           int64
	Assignee             sql.NullString
	DueDate              sql.NullInt64
	Version              int64
}

type VerifiedRateCurrent struct {
	ItemKey   string
	Rate      float64
	Evidence  sql.NullString
	Note      sql.NullString
	UpdatedBy string
	UpdatedAt int64
}

type VerifiedRateHistory struct {
	ID        int64
	ItemKey   string
	Rate      float64
	Evidence  sql.NullString
	Note      sql.NullString
	CreatedBy string
	CreatedAt int64
}

// Package verify owns the per-item reconciliation state: the single
// source of truth for verified commission rates, the append-only
// verification history, and the work queue that prioritizes scarce
// verification effort.
package verify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"ratewatch-backend/lib/timezone"
	"ratewatch-backend/services/audit"
	"ratewatch-backend/services/verify/db"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/verify")

const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusVerified   = "VERIFIED"
)

// a source/verified divergence at or above this many percentage points
// reopens an already-verified task
const reopenThreshold = 1.0

// ErrConflict reports a lost optimistic-concurrency race on a task row.
var ErrConflict = errors.New("verification task was modified concurrently")

type Service struct {
	db    *sql.DB
	qry   *db.Queries
	audit audit.Sink
}

func NewService(database *sql.DB, auditSink audit.Sink) Service {
	return Service{
		db:    database,
		qry:   db.New(database),
		audit: auditSink,
	}
}

type VerifiedRate struct {
	ItemKey   string
	Rate      float64
	Evidence  string
	Note      string
	UpdatedBy string
	UpdatedAt time.Time
}

// GetVerifiedRate returns nil when the item has never been verified.
func (s Service) GetVerifiedRate(ctx context.Context, itemKey string) (*VerifiedRate, error) {
	row, err := s.qry.GetVerifiedRate(ctx, itemKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &VerifiedRate{
		ItemKey:   row.ItemKey,
		Rate:      row.Rate,
		Evidence:  row.Evidence.String,
		Note:      row.Note.String,
		UpdatedBy: row.UpdatedBy,
		UpdatedAt: time.Unix(row.UpdatedAt, 0).In(timezone.Location),
	}, nil
}

// History returns the item's verification events, newest first.
func (s Service) History(ctx context.Context, itemKey string) ([]db.VerifiedRateHistory, error) {
	return s.qry.ListVerifiedRateHistory(ctx, itemKey)
}

func (s Service) GetTask(ctx context.Context, itemKey string) (db.VerificationTask, error) {
	return s.qry.GetTask(ctx, itemKey)
}

func (s Service) PendingQueue(ctx context.Context, limit int64) ([]db.VerificationTask, error) {
	return s.qry.ListPendingTasks(ctx, limit)
}

type IngestUpsert struct {
	ItemKey        string
	SnapshotItemID int64
	Rank           int
	SourceRate     *float64
	// the current verified rate, as looked up by the caller before the
	// snapshot item was persisted
	VerifiedRate *float64
}

func (u IngestUpsert) reopenSignal() bool {
	return u.SourceRate != nil && u.VerifiedRate != nil &&
		math.Abs(*u.SourceRate-*u.VerifiedRate) >= reopenThreshold
}

// UpsertTaskFromIngest reconciles a task against a fresh snapshot item.
// Status transitions are decided from the stored row, not blindly
// upserted: an IN_PROGRESS task a reviewer has claimed is left alone, and
// only a reopen signal flips a VERIFIED task back to PENDING. The write
// is guarded by the row version; a lost race is retried once against the
// re-read row.
func (s Service) UpsertTaskFromIngest(ctx context.Context, req IngestUpsert) error {
	ctx, span := tracer.Start(ctx, "UpsertTaskFromIngest")
	defer span.End()
	span.SetAttributes(
		attribute.String("item_key", req.ItemKey),
		attribute.Int("rank", req.Rank),
	)

	for attempt := 0; attempt < 2; attempt++ {
		reopened, err := s.upsertTaskOnce(ctx, req)
		if err == ErrConflict {
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if reopened {
			audit.Emit(ctx, s.audit, audit.Event{
				Type:       "verification.task_reopened",
				EntityType: "verification_task",
				EntityID:   req.ItemKey,
				Metadata: map[string]any{
					"source_rate":   req.SourceRate,
					"verified_rate": req.VerifiedRate,
				},
			})
		}
		return nil
	}

	span.SetStatus(codes.Error, ErrConflict.Error())
	return fmt.Errorf("upsert task %s: %w", req.ItemKey, ErrConflict)
}

func (s Service) upsertTaskOnce(ctx context.Context, req IngestUpsert) (reopened bool, err error) {
	priority := CalculatePriority(req.Rank, req.SourceRate, req.VerifiedRate)
	now := timezone.Now().Unix()
	snapshotItemID := sql.NullInt64{Int64: req.SnapshotItemID, Valid: true}

	current, err := s.qry.GetTask(ctx, req.ItemKey)
	if err == sql.ErrNoRows {
		status := StatusPending
		if req.VerifiedRate != nil && !req.reopenSignal() {
			status = StatusVerified
		}
		err := s.qry.CreateTask(ctx, db.CreateTaskParams{
			ItemKey:              req.ItemKey,
			LatestSnapshotItemID: snapshotItemID,
			Status:               status,
			Priority:             priority,
			LastSeenAt:           now,
		})
		return false, err
	}
	if err != nil {
		return false, err
	}

	// the reopening transition is VERIFIED -> PENDING; a task someone is
	// actively reviewing keeps its status even on disagreement
	reopen := req.reopenSignal() && current.Status == StatusVerified

	var affected int64
	if reopen {
		affected, err = s.qry.UpdateTaskFromIngestWithStatus(ctx, db.UpdateTaskFromIngestWithStatusParams{
			LatestSnapshotItemID: snapshotItemID,
			Status:               StatusPending,
			Priority:             priority,
			LastSeenAt:           now,
			ItemKey:              req.ItemKey,
			Version:              current.Version,
		})
	} else {
		affected, err = s.qry.UpdateTaskFromIngest(ctx, db.UpdateTaskFromIngestParams{
			LatestSnapshotItemID: snapshotItemID,
			Priority:             priority,
			LastSeenAt:           now,
			ItemKey:              req.ItemKey,
			Version:              current.Version,
		})
	}
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, ErrConflict
	}
	return reopen, nil
}

type Submission struct {
	ItemKey  string
	Rate     float64
	Evidence string
	Note     string
	// who supplied the ground truth: a reviewer's id or the designated
	// automation actor
	Actor string
}

// Submit records a verification event: history append, current-rate
// upsert and the VERIFIED flip happen in one transaction, since a partial
// write is a data-integrity defect. Priority is reset; the next ingest
// recomputes it from fresh rank and disagreement.
func (s Service) Submit(ctx context.Context, sub Submission) error {
	ctx, span := tracer.Start(ctx, "Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("item_key", sub.ItemKey),
		attribute.Float64("rate", sub.Rate),
		attribute.String("actor", sub.Actor),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	now := timezone.Now().Unix()
	evidence := sql.NullString{String: sub.Evidence, Valid: sub.Evidence != ""}
	note := sql.NullString{String: sub.Note, Valid: sub.Note != ""}

	err = txqry.InsertVerifiedRateHistory(ctx, db.InsertVerifiedRateHistoryParams{
		ItemKey:   sub.ItemKey,
		Rate:      sub.Rate,
		Evidence:  evidence,
		Note:      note,
		CreatedBy: sub.Actor,
		CreatedAt: now,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append history")
		return err
	}

	err = txqry.UpsertVerifiedRate(ctx, db.UpsertVerifiedRateParams{
		ItemKey:   sub.ItemKey,
		Rate:      sub.Rate,
		Evidence:  evidence,
		Note:      note,
		UpdatedBy: sub.Actor,
		UpdatedAt: now,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upsert current rate")
		return err
	}

	affected, err := txqry.MarkTaskVerified(ctx, db.MarkTaskVerifiedParams{
		Status:   StatusVerified,
		Priority: 0,
		ItemKey:  sub.ItemKey,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark task verified")
		return err
	}
	if affected == 0 {
		// first verification of an item never seen by ingestion
		err = txqry.CreateTask(ctx, db.CreateTaskParams{
			ItemKey:              sub.ItemKey,
			LatestSnapshotItemID: sql.NullInt64{},
			Status:               StatusVerified,
			Priority:             0,
			LastSeenAt:           now,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to create verified task")
			return err
		}
	}

	err = tx.Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	audit.Emit(ctx, s.audit, audit.Event{
		Type:       "verification.submitted",
		ActorID:    sub.Actor,
		EntityType: "verification_task",
		EntityID:   sub.ItemKey,
		Metadata:   map[string]any{"rate": sub.Rate},
	})
	return nil
}

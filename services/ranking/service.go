// Package ranking captures periodic snapshots of per-genre product
// rankings and feeds every sighted item into the verification queue.
package ranking

import (
	"context"
	"database/sql"
	"fmt"

	"ratewatch-backend/lib/appconfig"
	"ratewatch-backend/lib/scrapers/rakuten"
	"ratewatch-backend/lib/timezone"
	"ratewatch-backend/services/audit"
	"ratewatch-backend/services/ranking/db"
	"ratewatch-backend/services/verify"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/ranking")

// how many snapshots per genre the retention sweep keeps around
const snapshotRetention = 30

// Fetcher is the ranking source; satisfied by *rakuten.Client.
type Fetcher interface {
	FetchRanking(ctx context.Context, creds rakuten.Credentials, genreID string, topN int) ([]rakuten.Item, error)
}

// TaskUpserter is the slice of the verification service an ingest run
// needs: the pre-persist rate lookup and the per-item task upsert.
type TaskUpserter interface {
	GetVerifiedRate(ctx context.Context, itemKey string) (*verify.VerifiedRate, error)
	UpsertTaskFromIngest(ctx context.Context, req verify.IngestUpsert) error
}

type Service struct {
	db      *sql.DB
	qry     *db.Queries
	fetcher Fetcher
	verify  TaskUpserter
	creds   rakuten.Credentials
	config  appconfig.Provider
	audit   audit.Sink
}

type ServiceParams struct {
	DB      *sql.DB
	Fetcher Fetcher
	Verify  TaskUpserter
	Creds   rakuten.Credentials
	Config  appconfig.Provider
	Audit   audit.Sink
}

func NewService(params ServiceParams) Service {
	return Service{
		db:      params.DB,
		qry:     db.New(params.DB),
		fetcher: params.Fetcher,
		verify:  params.Verify,
		creds:   params.Creds,
		config:  params.Config,
		audit:   params.Audit,
	}
}

type IngestResult struct {
	SnapshotID int64
	Status     string
	Count      int
}

// IngestCategory fetches one genre's ranking, persists it as a snapshot
// and reconciles a verification task for every ranked item. A fetch that
// yields some items before failing is recorded as a PARTIAL snapshot
// with whatever arrived; a fetch that yields nothing is recorded as an
// ERROR snapshot so the gap is visible in the history.
func (s Service) IngestCategory(ctx context.Context, genreID string, topN int) (IngestResult, error) {
	ctx, span := tracer.Start(ctx, "IngestCategory")
	defer span.End()
	span.SetAttributes(
		attribute.String("genre_id", genreID),
		attribute.Int("top_n", topN),
	)

	items, fetchErr := s.fetcher.FetchRanking(ctx, s.creds, genreID, topN)

	status := db.SnapshotStatusSuccess
	snapshotErr := sql.NullString{}
	if fetchErr != nil {
		span.RecordError(fetchErr)
		status = db.SnapshotStatusPartial
		if len(items) == 0 {
			status = db.SnapshotStatusError
		}
		snapshotErr = sql.NullString{String: fetchErr.Error(), Valid: true}
	}

	snapshotID, itemIDs, err := s.persistSnapshot(ctx, genreID, status, snapshotErr, items)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist snapshot")
		return IngestResult{}, err
	}

	audit.Emit(ctx, s.audit, audit.Event{
		Type:       "snapshot.created",
		EntityType: "snapshot",
		EntityID:   fmt.Sprintf("%d", snapshotID),
		Metadata: map[string]any{
			"genre_id": genreID,
			"status":   status,
			"count":    len(items),
		},
	})

	// task reconciliation happens outside the snapshot transaction, so a
	// failed upsert cannot unwind the already-persisted snapshot; it is
	// still a persistence error, so it aborts the rest of this category
	for i, item := range items {
		err := s.upsertTask(ctx, item, itemIDs[i])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "task reconciliation failed")
			return IngestResult{SnapshotID: snapshotID, Status: status, Count: len(items)}, err
		}
	}

	result := IngestResult{SnapshotID: snapshotID, Status: status, Count: len(items)}
	if fetchErr != nil {
		span.SetStatus(codes.Error, fetchErr.Error())
		return result, fetchErr
	}
	return result, nil
}

func (s Service) persistSnapshot(
	ctx context.Context,
	genreID string,
	status string,
	snapshotErr sql.NullString,
	items []rakuten.Item,
) (snapshotID int64, itemIDs []int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	snapshotID, err = txqry.CreateSnapshot(ctx, db.CreateSnapshotParams{
		CapturedAt:   timezone.Now().Unix(),
		GenreID:      genreID,
		RankingType:  db.RankingTypeStandard,
		FetchedCount: int64(len(items)),
		Status:       status,
		Error:        snapshotErr,
	})
	if err != nil {
		return 0, nil, err
	}

	for _, item := range items {
		sourceRate := sql.NullFloat64{}
		if item.AffiliateRate != nil {
			sourceRate = sql.NullFloat64{Float64: *item.AffiliateRate, Valid: true}
		}
		itemID, err := txqry.CreateSnapshotItem(ctx, db.CreateSnapshotItemParams{
			SnapshotID: snapshotID,
			Rank:       int64(item.Rank),
			ItemKey:    item.ItemCode,
			Title:      item.ItemName,
			ItemURL:    item.ItemURL,
			ShopName:   item.ShopName,
			SourceRate: sourceRate,
			RawPayload: item.Raw,
		})
		if err != nil {
			return 0, nil, err
		}
		itemIDs = append(itemIDs, itemID)
	}

	err = tx.Commit()
	if err != nil {
		return 0, nil, err
	}
	return snapshotID, itemIDs, nil
}

func (s Service) upsertTask(ctx context.Context, item rakuten.Item, snapshotItemID int64) error {
	verified, err := s.verify.GetVerifiedRate(ctx, item.ItemCode)
	if err != nil {
		return fmt.Errorf("lookup verified rate for %s: %w", item.ItemCode, err)
	}
	var verifiedRate *float64
	if verified != nil {
		verifiedRate = &verified.Rate
	}
	return s.verify.UpsertTaskFromIngest(ctx, verify.IngestUpsert{
		ItemKey:        item.ItemCode,
		SnapshotItemID: snapshotItemID,
		Rank:           item.Rank,
		SourceRate:     item.AffiliateRate,
		VerifiedRate:   verifiedRate,
	})
}

type CategoryResult struct {
	GenreID string
	Result  IngestResult
	Err     error
}

// IngestAll runs one ingest per configured genre, sequentially so a
// single run never bursts the shared credential set. A failed genre is
// recorded and the run moves on.
func (s Service) IngestAll(ctx context.Context) ([]CategoryResult, error) {
	ctx, span := tracer.Start(ctx, "IngestAll")
	defer span.End()

	cfg, err := s.config.Get(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read ingest config")
		return nil, err
	}
	span.SetAttributes(attribute.Int("categories", len(cfg.Categories)))

	var results []CategoryResult
	for _, genreID := range cfg.Categories {
		result, err := s.IngestCategory(ctx, genreID, cfg.TopN)
		if err != nil {
			span.RecordError(err)
		}
		results = append(results, CategoryResult{
			GenreID: genreID,
			Result:  result,
			Err:     err,
		})
	}
	return results, nil
}

// IngestConfig exposes the effective configuration the next ingest run
// would use.
func (s Service) IngestConfig(ctx context.Context) (appconfig.Config, error) {
	return s.config.Get(ctx)
}

func (s Service) GetSnapshot(ctx context.Context, id int64) (db.Snapshot, error) {
	return s.qry.GetSnapshot(ctx, id)
}

func (s Service) ListSnapshots(ctx context.Context, genreID string, limit int64) ([]db.Snapshot, error) {
	return s.qry.ListSnapshots(ctx, genreID, limit)
}

func (s Service) ListSnapshotItems(ctx context.Context, snapshotID int64) ([]db.SnapshotItem, error) {
	return s.qry.ListSnapshotItems(ctx, snapshotID)
}

func (s Service) GetSnapshotItem(ctx context.Context, id int64) (db.SnapshotItem, error) {
	return s.qry.GetSnapshotItem(ctx, id)
}

// SweepSnapshots trims each configured genre's snapshot history down to
// the retention window.
func (s Service) SweepSnapshots(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "SweepSnapshots")
	defer span.End()

	cfg, err := s.config.Get(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, genreID := range cfg.Categories {
		err := s.qry.SweepSnapshots(ctx, db.SweepSnapshotsParams{
			GenreID: genreID,
			Keep:    snapshotRetention,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retention sweep failed")
			return fmt.Errorf("sweep snapshots for genre %s: %w", genreID, err)
		}
	}
	return nil
}

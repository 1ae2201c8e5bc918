package verify

import (
	"context"
	"testing"
	"time"

	"ratewatch-backend/lib/testutil"
	"ratewatch-backend/services/audit"
	"ratewatch-backend/services/verify/db"

	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (Service, context.Context) {
	setup, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "services/verify",
		DbSchema: db.Schema,
	})
	t.Cleanup(cleanup)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	return NewService(setup.DB, audit.SlogSink{}), ctx
}

func TestFirstSightingCreatesPendingTask(t *testing.T) {
	service, ctx := setupService(t)

	err := service.UpsertTaskFromIngest(ctx, IngestUpsert{
		ItemKey:        "greenshop:flower-001",
		SnapshotItemID: 11,
		Rank:           1,
		SourceRate:     rate(4.0),
	})
	require.NoError(t, err)

	task, err := service.GetTask(ctx, "greenshop:flower-001")
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, int64(50), task.Priority)
	require.Equal(t, int64(11), task.LatestSnapshotItemID.Int64)
}

func TestVerifiedItemStaysVerifiedOnAgreement(t *testing.T) {
	service, ctx := setupService(t)

	err := service.Submit(ctx, Submission{
		ItemKey: "k1", Rate: 5.0, Actor: "reviewer-a",
	})
	require.NoError(t, err)

	// diff 0.5 < 1.0: no reopen, status untouched
	err = service.UpsertTaskFromIngest(ctx, IngestUpsert{
		ItemKey:        "k1",
		SnapshotItemID: 7,
		Rank:           60,
		SourceRate:     rate(5.5),
		VerifiedRate:   rate(5.0),
	})
	require.NoError(t, err)

	task, err := service.GetTask(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusVerified, task.Status)
	require.Equal(t, int64(7), task.LatestSnapshotItemID.Int64)
}

func TestDisagreementReopensVerifiedTask(t *testing.T) {
	service, ctx := setupService(t)

	err := service.Submit(ctx, Submission{
		ItemKey: "k1", Rate: 5.0, Actor: "reviewer-a",
	})
	require.NoError(t, err)

	// diff 2.0 >= 1.0: reopen signal
	err = service.UpsertTaskFromIngest(ctx, IngestUpsert{
		ItemKey:        "k1",
		SnapshotItemID: 8,
		Rank:           60,
		SourceRate:     rate(7.0),
		VerifiedRate:   rate(5.0),
	})
	require.NoError(t, err)

	task, err := service.GetTask(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	// base 1 + disagreement 20
	require.Equal(t, int64(21), task.Priority)
}

func TestInProgressSurvivesIngest(t *testing.T) {
	service, ctx := setupService(t)

	err := service.UpsertTaskFromIngest(ctx, IngestUpsert{
		ItemKey: "k1", SnapshotItemID: 1, Rank: 5, SourceRate: rate(3.0),
	})
	require.NoError(t, err)

	_, err = service.db.ExecContext(ctx,
		"UPDATE verification_tasks SET status = ?, assignee = ? WHERE item_key = ?",
		StatusInProgress, "reviewer-b", "k1")
	require.NoError(t, err)

	// even a strong disagreement does not pull the task out from under
	// the reviewer working on it
	err = service.UpsertTaskFromIngest(ctx, IngestUpsert{
		ItemKey:        "k1",
		SnapshotItemID: 2,
		Rank:           5,
		SourceRate:     rate(9.0),
		VerifiedRate:   rate(2.0),
	})
	require.NoError(t, err)

	task, err := service.GetTask(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, task.Status)
	require.Equal(t, int64(2), task.LatestSnapshotItemID.Int64)
}

func TestFirstSightingWithKnownRate(t *testing.T) {
	service, ctx := setupService(t)

	// a task row was lost but the verified rate survived; re-ingest with
	// agreement recreates the task as VERIFIED
	err := service.UpsertTaskFromIngest(ctx, IngestUpsert{
		ItemKey:        "k1",
		SnapshotItemID: 3,
		Rank:           2,
		SourceRate:     rate(4.0),
		VerifiedRate:   rate(4.0),
	})
	require.NoError(t, err)

	task, err := service.GetTask(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusVerified, task.Status)

	// with disagreement it lands straight in PENDING
	err = service.UpsertTaskFromIngest(ctx, IngestUpsert{
		ItemKey:        "k2",
		SnapshotItemID: 4,
		Rank:           2,
		SourceRate:     rate(9.0),
		VerifiedRate:   rate(4.0),
	})
	require.NoError(t, err)

	task, err = service.GetTask(ctx, "k2")
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
}

func TestSubmitWritesHistoryAndCurrentAtomically(t *testing.T) {
	service, ctx := setupService(t)

	err := service.Submit(ctx, Submission{
		ItemKey:  "k1",
		Rate:     4.5,
		Evidence: "https://portal.example/result/123",
		Actor:    "reviewer-a",
	})
	require.NoError(t, err)
	err = service.Submit(ctx, Submission{
		ItemKey: "k1", Rate: 6.0, Actor: "scraper-bot",
	})
	require.NoError(t, err)

	current, err := service.GetVerifiedRate(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, 6.0, current.Rate)
	require.Equal(t, "scraper-bot", current.UpdatedBy)

	history, err := service.qry.ListVerifiedRateHistory(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 6.0, history[0].Rate)
	require.Equal(t, 4.5, history[1].Rate)
	require.Equal(t, "https://portal.example/result/123", history[1].Evidence.String)

	task, err := service.GetTask(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusVerified, task.Status)
	require.Equal(t, int64(0), task.Priority)
}

func TestGetVerifiedRateUnknownKey(t *testing.T) {
	service, ctx := setupService(t)

	current, err := service.GetVerifiedRate(ctx, "unknown")
	require.NoError(t, err)
	require.Nil(t, current)
}

func TestPendingQueueOrdering(t *testing.T) {
	service, ctx := setupService(t)

	seed := []struct {
		key  string
		rank int
	}{
		{"low", 200},
		{"top", 1},
		{"mid", 20},
	}
	for _, s := range seed {
		err := service.UpsertTaskFromIngest(ctx, IngestUpsert{
			ItemKey: s.key, SnapshotItemID: 1, Rank: s.rank,
		})
		require.NoError(t, err)
	}

	queue, err := service.PendingQueue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	require.Equal(t, "top", queue[0].ItemKey)
	require.Equal(t, "mid", queue[1].ItemKey)
}

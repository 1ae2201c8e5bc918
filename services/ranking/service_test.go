package ranking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ratewatch-backend/lib/appconfig"
	"ratewatch-backend/lib/scrapers/rakuten"
	"ratewatch-backend/lib/testutil"
	"ratewatch-backend/services/audit"
	"ratewatch-backend/services/ranking/db"
	"ratewatch-backend/services/verify"
	verifydb "ratewatch-backend/services/verify/db"

	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T, fetcher Fetcher, cfg appconfig.Config) (Service, verify.Service, context.Context) {
	setup, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "services/ranking",
		DbSchema: db.Schema + "\n" + verifydb.Schema,
	})
	t.Cleanup(cleanup)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	t.Cleanup(cancel)

	verifySvc := verify.NewService(setup.DB, audit.SlogSink{})
	rankingSvc := NewService(ServiceParams{
		DB:      setup.DB,
		Fetcher: fetcher,
		Verify:  verifySvc,
		Creds:   rakuten.Credentials{ApplicationID: "test-app-id"},
		Config:  appconfig.Static{Config: cfg},
		Audit:   audit.SlogSink{},
	})
	return rankingSvc, verifySvc, ctx
}

func rankingFixtureServer(t *testing.T, total int) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-app-id", r.URL.Query().Get("applicationId"))
		require.Equal(t, "2", r.URL.Query().Get("formatVersion"))

		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)

		first := (page-1)*30 + 1
		w.Header().Set("content-type", "application/json")
		fmt.Fprint(w, `{"title":"ranking","Items":[`)
		wrote := false
		for rank := first; rank <= total && rank < first+30; rank++ {
			if wrote {
				fmt.Fprint(w, ",")
			}
			wrote = true
			fmt.Fprintf(w,
				`{"Item":{"rank":%d,"itemCode":"shop%d:item%d","itemName":"item %d","itemUrl":"https://item.rakuten.co.jp/shop%d/item%d/","shopName":"shop %d","affiliateRate":%d.0,"itemPrice":1000}}`,
				rank, rank, rank, rank, rank, rank, rank, rank%10)
		}
		fmt.Fprint(w, `]}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestIngestCategoryPersistsSnapshotAndTasks(t *testing.T) {
	server := rankingFixtureServer(t, 30)
	fetcher := rakuten.NewClient(server.URL, time.Millisecond)

	service, verifySvc, ctx := setupService(t, fetcher, appconfig.Config{
		Categories: []string{"100227"},
		TopN:       10,
	})

	result, err := service.IngestCategory(ctx, "100227", 10)
	require.NoError(t, err)
	require.Equal(t, db.SnapshotStatusSuccess, result.Status)
	require.Equal(t, 10, result.Count)

	snapshot, err := service.GetSnapshot(ctx, result.SnapshotID)
	require.NoError(t, err)
	require.Equal(t, "100227", snapshot.GenreID)
	require.Equal(t, int64(10), snapshot.FetchedCount)
	require.Equal(t, db.SnapshotStatusSuccess, snapshot.Status)

	items, err := service.ListSnapshotItems(ctx, result.SnapshotID)
	require.NoError(t, err)
	require.Len(t, items, 10)
	for i, item := range items {
		require.Equal(t, int64(i+1), item.Rank)
		require.NotEmpty(t, item.RawPayload)
	}

	// every ranked item got a verification task
	for _, item := range items {
		task, err := verifySvc.GetTask(ctx, item.ItemKey)
		require.NoError(t, err)
		require.Equal(t, verify.StatusPending, task.Status)
		require.Equal(t, item.ID, task.LatestSnapshotItemID.Int64)
	}
}

type fakeFetcher struct {
	perGenre map[string][]rakuten.Item
	perErr   map[string]error
}

func (f fakeFetcher) FetchRanking(ctx context.Context, creds rakuten.Credentials, genreID string, topN int) ([]rakuten.Item, error) {
	return f.perGenre[genreID], f.perErr[genreID]
}

func fixtureItem(rank int, rate float64) rakuten.Item {
	return rakuten.Item{
		Rank:          rank,
		ItemCode:      fmt.Sprintf("shop%d:item%d", rank, rank),
		ItemName:      fmt.Sprintf("item %d", rank),
		ItemURL:       fmt.Sprintf("https://item.rakuten.co.jp/shop%d/item%d/", rank, rank),
		ShopName:      fmt.Sprintf("shop %d", rank),
		AffiliateRate: &rate,
		Raw:           []byte(`{}`),
	}
}

func TestIngestAllIsolatesCategoryFailures(t *testing.T) {
	fetcher := fakeFetcher{
		perGenre: map[string][]rakuten.Item{
			"good": {fixtureItem(1, 4.0), fixtureItem(2, 2.0)},
		},
		perErr: map[string]error{
			"down": errors.New("connection refused"),
		},
	}
	service, _, ctx := setupService(t, fetcher, appconfig.Config{
		Categories: []string{"down", "good"},
		TopN:       10,
	})

	results, err := service.IngestAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Equal(t, "down", results[0].GenreID)
	require.Error(t, results[0].Err)
	require.Equal(t, db.SnapshotStatusError, results[0].Result.Status)

	require.Equal(t, "good", results[1].GenreID)
	require.NoError(t, results[1].Err)
	require.Equal(t, 2, results[1].Result.Count)

	// the failed genre still leaves a visible snapshot row
	snapshot, err := service.GetSnapshot(ctx, results[0].Result.SnapshotID)
	require.NoError(t, err)
	require.Equal(t, db.SnapshotStatusError, snapshot.Status)
	require.True(t, snapshot.Error.Valid)
}

func TestIngestCategoryPartialFetch(t *testing.T) {
	fetcher := fakeFetcher{
		perGenre: map[string][]rakuten.Item{
			"flaky": {fixtureItem(1, 4.0)},
		},
		perErr: map[string]error{
			"flaky": errors.New("ranking api: unexpected status 502"),
		},
	}
	service, _, ctx := setupService(t, fetcher, appconfig.Config{
		Categories: []string{"flaky"},
		TopN:       10,
	})

	result, err := service.IngestCategory(ctx, "flaky", 10)
	require.Error(t, err)
	require.Equal(t, db.SnapshotStatusPartial, result.Status)
	require.Equal(t, 1, result.Count)

	items, err := service.ListSnapshotItems(ctx, result.SnapshotID)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestSweepSnapshotsKeepsRetentionWindow(t *testing.T) {
	fetcher := fakeFetcher{
		perGenre: map[string][]rakuten.Item{
			"g": {fixtureItem(1, 4.0)},
		},
	}
	service, _, ctx := setupService(t, fetcher, appconfig.Config{
		Categories: []string{"g"},
		TopN:       10,
	})

	for i := 0; i < snapshotRetention+5; i++ {
		_, err := service.IngestCategory(ctx, "g", 10)
		require.NoError(t, err)
	}

	err := service.SweepSnapshots(ctx)
	require.NoError(t, err)

	snapshots, err := service.ListSnapshots(ctx, "g", 100)
	require.NoError(t, err)
	require.Len(t, snapshots, snapshotRetention)
}

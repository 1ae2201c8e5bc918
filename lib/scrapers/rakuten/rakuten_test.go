package rakuten

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ratewatch-backend/lib/testutil"

	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) context.Context {
	_, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name: "scrapers/rakuten",
	})
	t.Cleanup(cleanup)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	t.Cleanup(cancel)
	return ctx
}

func TestFetchPageParsesEnvelope(t *testing.T) {
	ctx := setup(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "app-1", r.URL.Query().Get("applicationId"))
		require.Equal(t, "2", r.URL.Query().Get("formatVersion"))
		require.Equal(t, "100227", r.URL.Query().Get("genreId"))
		require.Equal(t, "aff-1", r.URL.Query().Get("affiliateId"))

		fmt.Fprint(w, `{
			"title": "food ranking",
			"lastBuildDate": "2026-08-30T10:00:00+09:00",
			"Items": [
				{"Item": {"rank": 1, "itemCode": "greenshop:flower-001", "itemName": "bouquet", "itemUrl": "https://item.rakuten.co.jp/greenshop/flower-001/", "shopName": "green shop", "affiliateRate": 4.0, "itemPrice": 2980}},
				{"Item": {"rank": 2, "itemCode": "bluecafe:beans-002", "itemName": "coffee beans", "itemUrl": "https://item.rakuten.co.jp/bluecafe/beans-002/", "shopName": "blue cafe", "itemPrice": 1480}}
			]
		}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Millisecond)
	page, err := client.FetchPage(ctx, Credentials{
		ApplicationID: "app-1",
		AffiliateID:   "aff-1",
	}, "100227", 1)
	require.NoError(t, err)

	require.Equal(t, "food ranking", page.Title)
	require.Len(t, page.Items, 2)

	first := page.Items[0]
	require.Equal(t, 1, first.Rank)
	require.Equal(t, "greenshop:flower-001", first.ItemCode)
	require.Equal(t, "green shop", first.ShopName)
	require.NotNil(t, first.AffiliateRate)
	require.Equal(t, 4.0, *first.AffiliateRate)
	require.NotEmpty(t, first.Raw)

	// absent rate stays nil rather than becoming zero
	require.Nil(t, page.Items[1].AffiliateRate)
}

func TestFetchPageAPIError(t *testing.T) {
	ctx := setup(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "wrong_parameter", "error_description": "genreId is not valid"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Millisecond)
	_, err := client.FetchPage(ctx, Credentials{ApplicationID: "app-1"}, "999", 1)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "wrong_parameter", apiErr.Code)
	require.Equal(t, "genreId is not valid", apiErr.Description)
}

func rankingPageBody(first, count int) string {
	body := `{"title":"t","Items":[`
	for i := 0; i < count; i++ {
		if i > 0 {
			body += ","
		}
		rank := first + i
		body += fmt.Sprintf(
			`{"Item":{"rank":%d,"itemCode":"s%d:i%d","itemName":"n","itemUrl":"u","shopName":"s","itemPrice":100}}`,
			rank, rank, rank)
	}
	return body + `]}`
}

func TestFetchRankingPaginatesAndTruncates(t *testing.T) {
	ctx := setup(t)

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		fmt.Fprint(w, rankingPageBody((page-1)*30+1, 30))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Millisecond)
	items, err := client.FetchRanking(ctx, Credentials{ApplicationID: "app-1"}, "100227", 45)
	require.NoError(t, err)

	require.Len(t, items, 45)
	require.Equal(t, int64(2), requests.Load())
	require.Equal(t, 1, items[0].Rank)
	require.Equal(t, 45, items[44].Rank)
}

func TestFetchRankingStopsOnShortPage(t *testing.T) {
	ctx := setup(t)

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		// the genre only has 12 ranked items
		fmt.Fprint(w, rankingPageBody(1, 12))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Millisecond)
	items, err := client.FetchRanking(ctx, Credentials{ApplicationID: "app-1"}, "100227", 100)
	require.NoError(t, err)

	require.Len(t, items, 12)
	require.Equal(t, int64(1), requests.Load())
}

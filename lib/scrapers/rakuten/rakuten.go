// Package rakuten fetches per-genre product rankings from the Ichiba
// ranking API. All calls are funneled through a per-credential-set queue
// so one application id never exceeds the source's pacing limits while
// unrelated credential sets proceed concurrently.
package rakuten

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ratewatch-backend/lib/keyqueue"
	"ratewatch-backend/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/rakuten")

const DefaultBaseURL = "https://app.rakuten.co.jp/services/api/IchibaItem/Ranking/20220601"

// the ranking API returns at most this many entries per page
const pageSize = 30

// Credentials identifies which external account a fetch is performed as;
// it is the unit of rate limiting.
type Credentials struct {
	ApplicationID string `json:"application_id"`
	AccessKey     string `json:"access_key"`
	AffiliateID   string `json:"affiliate_id"`
}

func (c Credentials) Key() string {
	return c.ApplicationID
}

type Item struct {
	Rank          int      `json:"rank"`
	ItemCode      string   `json:"itemCode"`
	ItemName      string   `json:"itemName"`
	ItemURL       string   `json:"itemUrl"`
	ShopName      string   `json:"shopName"`
	AffiliateRate *float64 `json:"affiliateRate"`
	ItemPrice     int64    `json:"itemPrice"`

	MediumImageURLs []struct {
		ImageURL string `json:"imageUrl"`
	} `json:"mediumImageUrls"`

	// the whole source entry, persisted opaquely with the snapshot item
	Raw json.RawMessage `json:"-"`
}

type RankingPage struct {
	Title         string
	LastBuildDate string
	Items         []Item
}

// APIError is the in-body error envelope of the ranking source.
type APIError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ranking api: %s: %s", e.Code, e.Description)
}

type Client struct {
	http  *resty.Client
	queue *keyqueue.Queue[*RankingPage]
}

func NewClient(baseURL string, interval time.Duration) *Client {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "scrapers/rakuten/http")

	return &Client{
		http:  client,
		queue: keyqueue.New[*RankingPage](interval),
	}
}

type rankingEnvelope struct {
	Title         string `json:"title"`
	LastBuildDate string `json:"lastBuildDate"`
	Items         []struct {
		Item json.RawMessage `json:"Item"`
	} `json:"Items"`

	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// FetchPage retrieves one ranking page for the genre, paced through the
// credential set's queue.
func (c *Client) FetchPage(ctx context.Context, creds Credentials, genreID string, page int) (*RankingPage, error) {
	return c.queue.Do(ctx, creds.Key(), func(ctx context.Context) (*RankingPage, error) {
		return c.fetchPage(ctx, creds, genreID, page)
	})
}

func (c *Client) fetchPage(ctx context.Context, creds Credentials, genreID string, page int) (*RankingPage, error) {
	ctx, span := tracer.Start(ctx, "FetchPage")
	defer span.End()
	span.SetAttributes(
		attribute.String("genre_id", genreID),
		attribute.Int("page", page),
	)

	query := map[string]string{
		"applicationId": creds.ApplicationID,
		"formatVersion": "2",
		"genreId":       genreID,
		"page":          fmt.Sprintf("%d", page),
	}
	if creds.AffiliateID != "" {
		query["affiliateId"] = creds.AffiliateID
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get("")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ranking request failed")
		return nil, err
	}

	var envelope rankingEnvelope
	err = json.Unmarshal(res.Body(), &envelope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal ranking body")
		return nil, err
	}
	if envelope.ErrorCode != "" {
		apiErr := &APIError{
			Code:        envelope.ErrorCode,
			Description: envelope.ErrorDescription,
		}
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}
	if res.IsError() {
		err := fmt.Errorf("ranking api: unexpected status %d", res.StatusCode())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := &RankingPage{
		Title:         envelope.Title,
		LastBuildDate: envelope.LastBuildDate,
	}
	for _, entry := range envelope.Items {
		var item Item
		err := json.Unmarshal(entry.Item, &item)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to unmarshal ranking item")
			return nil, err
		}
		item.Raw = entry.Item
		out.Items = append(out.Items, item)
	}

	return out, nil
}

// FetchRanking pages through the genre's ranking until either topN items
// are collected or the source returns a short page, then truncates to
// topN.
func (c *Client) FetchRanking(ctx context.Context, creds Credentials, genreID string, topN int) ([]Item, error) {
	ctx, span := tracer.Start(ctx, "FetchRanking")
	defer span.End()
	span.SetAttributes(
		attribute.String("genre_id", genreID),
		attribute.Int("top_n", topN),
	)

	var items []Item
	for page := 1; len(items) < topN; page++ {
		fetched, err := c.FetchPage(ctx, creds, genreID, page)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pagination aborted")
			return items, err
		}
		items = append(items, fetched.Items...)
		if len(fetched.Items) < pageSize {
			break
		}
	}

	if len(items) > topN {
		items = items[:topN]
	}
	span.SetAttributes(attribute.Int("fetched", len(items)))
	return items, nil
}

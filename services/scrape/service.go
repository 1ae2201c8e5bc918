// Package scrape owns the portal session as an explicit long-lived
// resource and runs verification batches against it: resolve work items
// to product URLs, look up each item's real commission rate through the
// portal tool, and write the results back as verified ground truth.
package scrape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"ratewatch-backend/lib/scrapers/afftool"
	"ratewatch-backend/lib/scrapers/afftool/itemid"
	"ratewatch-backend/services/audit"
	rankingdb "ratewatch-backend/services/ranking/db"
	"ratewatch-backend/services/verify"
	verifydb "ratewatch-backend/services/verify/db"

	"github.com/PuerkitoBio/purell"
	"github.com/go-resty/resty/v2"
	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/scrape")

// ScraperActor attributes automated verifications in history rows.
const ScraperActor = "scraper-bot"

var (
	// ErrBatchInProgress reports an attempt to run a second batch while
	// one already holds the session.
	ErrBatchInProgress = errors.New("a scrape batch is already running")
	// ErrNotStarted reports a batch attempt before Start succeeded.
	ErrNotStarted = errors.New("orchestrator has not been started")
)

// RateLookup is the slice of the portal client a batch needs; satisfied
// by *afftool.Client.
type RateLookup interface {
	CheckAlive(ctx context.Context) error
	LookupRate(ctx context.Context, itemUrl string) (float64, error)
	LookupRateByIDs(ctx context.Context, shopId, itemId string) (float64, error)
}

// Verifier is the slice of the verification service a batch needs.
type Verifier interface {
	Submit(ctx context.Context, sub verify.Submission) error
	PendingQueue(ctx context.Context, limit int64) ([]verifydb.VerificationTask, error)
	GetTask(ctx context.Context, itemKey string) (verifydb.VerificationTask, error)
}

// SnapshotReader resolves work items back to their captured snapshot
// rows; satisfied by ranking.Service.
type SnapshotReader interface {
	ListSnapshotItems(ctx context.Context, snapshotID int64) ([]rankingdb.SnapshotItem, error)
	GetSnapshotItem(ctx context.Context, id int64) (rankingdb.SnapshotItem, error)
}

// Target selects which items a batch works on.
type Target interface {
	isTarget()
}

type BySnapshot struct {
	SnapshotID int64
}

type ByQueue struct {
	// how many of the highest-priority pending tasks to take
	Limit int64
}

type ByItemKeys struct {
	Keys []string
}

func (BySnapshot) isTarget() {}
func (ByQueue) isTarget()    {}
func (ByItemKeys) isTarget() {}

const (
	ItemStatusOK     = "OK"
	ItemStatusFailed = "FAILED"
)

type ItemResult struct {
	ItemKey     string
	SourceRate  *float64
	ScrapedRate *float64
	// ScrapedRate - SourceRate; nil whenever either operand is absent
	Difference *float64
	Status     string
	Error      string
}

type BatchResult struct {
	Succeeded int
	Failed    int
	Items     []ItemResult
}

// Orchestrator is the single owner of the portal session. At most one
// batch runs at a time; a second RunBatch fails fast with
// ErrBatchInProgress instead of desynchronizing the tool's form state.
type Orchestrator struct {
	client   RateLookup
	resolver *itemid.Resolver
	verify   Verifier
	ranking  SnapshotReader
	pages    *resty.Client
	audit    audit.Sink
	// overridable for tests; defaults to a 1.0-2.0s random pause
	jitter func() (time.Duration, error)

	mu      sync.Mutex
	started bool
}

type OrchestratorParams struct {
	Client   RateLookup
	Resolver *itemid.Resolver
	Verify   Verifier
	Ranking  SnapshotReader
	Audit    audit.Sink
}

func NewOrchestrator(params OrchestratorParams) *Orchestrator {
	pages := resty.New()
	pages.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	pages.SetTimeout(time.Second * 30)

	return &Orchestrator{
		client:   params.Client,
		resolver: params.Resolver,
		verify:   params.Verify,
		ranking:  params.Ranking,
		pages:    pages,
		audit:    params.Audit,
		jitter:   defaultJitter,
	}
}

func defaultJitter() (time.Duration, error) {
	ms, err := random.IntRange(1000, 2000)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Start probes the session before any batch is allowed. A stale session
// document already failed at client construction; this catches cookies
// the portal has invalidated server-side, surfacing ErrLoginRequired so
// the operator re-runs the login procedure instead of retrying blindly.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Start")
	defer span.End()

	if !o.mu.TryLock() {
		return ErrBatchInProgress
	}
	defer o.mu.Unlock()

	err := o.client.CheckAlive(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session liveness check failed")
		return fmt.Errorf("start orchestrator: %w", err)
	}
	o.started = true
	return nil
}

func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = false
	o.pages.GetClient().CloseIdleConnections()
	return nil
}

type workItem struct {
	itemKey    string
	itemUrl    string
	sourceRate *float64
}

// RunBatch scrapes every item the target resolves to, sequentially with
// a randomized pause between items, and submits each successful
// extraction as a verification attributed to ScraperActor. Per-item
// failures are recorded in the result and do not stop the batch.
func (o *Orchestrator) RunBatch(ctx context.Context, target Target) (BatchResult, error) {
	ctx, span := tracer.Start(ctx, "RunBatch")
	defer span.End()

	if !o.mu.TryLock() {
		return BatchResult{}, ErrBatchInProgress
	}
	defer o.mu.Unlock()
	if !o.started {
		return BatchResult{}, ErrNotStarted
	}

	items, err := o.resolveTarget(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve batch target")
		return BatchResult{}, err
	}
	span.SetAttributes(attribute.Int("items", len(items)))

	var result BatchResult
	for i, item := range items {
		if i > 0 {
			err := o.pause(ctx)
			if err != nil {
				span.RecordError(err)
				return result, err
			}
		}
		result.Items = append(result.Items, o.scrapeOne(ctx, item))
		if result.Items[len(result.Items)-1].Status == ItemStatusOK {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	audit.Emit(ctx, o.audit, audit.Event{
		Type:       "scrape.batch_finished",
		ActorID:    ScraperActor,
		EntityType: "scrape_batch",
		Metadata: map[string]any{
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		},
	})
	return result, nil
}

func (o *Orchestrator) pause(ctx context.Context) error {
	delay, err := o.jitter()
	if err != nil {
		return err
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) resolveTarget(ctx context.Context, target Target) ([]workItem, error) {
	switch t := target.(type) {
	case BySnapshot:
		rows, err := o.ranking.ListSnapshotItems(ctx, t.SnapshotID)
		if err != nil {
			return nil, err
		}
		items := make([]workItem, len(rows))
		for i, row := range rows {
			items[i] = snapshotWorkItem(row)
		}
		return items, nil

	case ByQueue:
		tasks, err := o.verify.PendingQueue(ctx, t.Limit)
		if err != nil {
			return nil, err
		}
		var items []workItem
		for _, task := range tasks {
			item, err := o.taskWorkItem(ctx, task)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil

	case ByItemKeys:
		var items []workItem
		for _, key := range t.Keys {
			task, err := o.verify.GetTask(ctx, key)
			if err == sql.ErrNoRows {
				// never ingested; a reconstructed URL is all we have
				itemUrl, err := afftool.ItemURLFromKey(key)
				if err != nil {
					return nil, err
				}
				items = append(items, workItem{itemKey: key, itemUrl: itemUrl})
				continue
			}
			if err != nil {
				return nil, err
			}
			item, err := o.taskWorkItem(ctx, task)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil

	default:
		return nil, fmt.Errorf("unknown batch target %T", target)
	}
}

func (o *Orchestrator) taskWorkItem(ctx context.Context, task verifydb.VerificationTask) (workItem, error) {
	if !task.LatestSnapshotItemID.Valid {
		itemUrl, err := afftool.ItemURLFromKey(task.ItemKey)
		if err != nil {
			return workItem{}, err
		}
		return workItem{itemKey: task.ItemKey, itemUrl: itemUrl}, nil
	}
	row, err := o.ranking.GetSnapshotItem(ctx, task.LatestSnapshotItemID.Int64)
	if err == sql.ErrNoRows {
		// the retention sweep deleted the snapshot item out from under
		// the task; reconstruct the URL so the item stays scrapeable
		itemUrl, err := afftool.ItemURLFromKey(task.ItemKey)
		if err != nil {
			return workItem{}, err
		}
		return workItem{itemKey: task.ItemKey, itemUrl: itemUrl}, nil
	}
	if err != nil {
		return workItem{}, fmt.Errorf("resolve snapshot item for %s: %w", task.ItemKey, err)
	}
	return snapshotWorkItem(row), nil
}

func snapshotWorkItem(row rankingdb.SnapshotItem) workItem {
	item := workItem{
		itemKey: row.ItemKey,
		itemUrl: normalizeItemURL(row.ItemURL),
	}
	if item.itemUrl == "" {
		// fall back to reconstruction when the captured URL is garbage
		reconstructed, err := afftool.ItemURLFromKey(row.ItemKey)
		if err == nil {
			item.itemUrl = reconstructed
		}
	}
	if row.SourceRate.Valid {
		rate := row.SourceRate.Float64
		item.sourceRate = &rate
	}
	return item
}

// normalizeItemURL strips tracking junk the ranking source appends so
// the portal tool and the identifier cache see one canonical URL per
// listing. Returns "" for unparseable input.
func normalizeItemURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return purell.NormalizeURL(
		parsed,
		purell.FlagsSafe|
			purell.FlagsUsuallySafeNonGreedy|
			purell.FlagRemoveFragment|
			purell.FlagSortQuery,
	)
}

func (o *Orchestrator) scrapeOne(ctx context.Context, item workItem) ItemResult {
	ctx, span := tracer.Start(ctx, "scrapeOne")
	defer span.End()
	span.SetAttributes(attribute.String("item_key", item.itemKey))

	result := ItemResult{
		ItemKey:    item.itemKey,
		SourceRate: item.sourceRate,
		Status:     ItemStatusFailed,
	}

	rate, err := o.lookupWithRetry(ctx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate lookup failed")
		slog.WarnContext(ctx, "scrape item", "item_key", item.itemKey, "err", err)
		result.Error = err.Error()
		return result
	}

	err = o.verify.Submit(ctx, verify.Submission{
		ItemKey:  item.itemKey,
		Rate:     rate,
		Evidence: item.itemUrl,
		Actor:    ScraperActor,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit verification")
		result.Error = err.Error()
		return result
	}

	result.ScrapedRate = &rate
	if item.sourceRate != nil {
		diff := rate - *item.sourceRate
		result.Difference = &diff
	}
	result.Status = ItemStatusOK
	return result
}

// lookupWithRetry runs one lookup, retrying exactly once and only when
// the failure is a navigation timeout. Selector and extraction misses
// are deterministic; retrying them would just burn session budget.
func (o *Orchestrator) lookupWithRetry(ctx context.Context, item workItem) (float64, error) {
	rate, err := o.lookup(ctx, item)
	if err != nil && afftool.IsTimeout(err) {
		slog.WarnContext(ctx, "lookup timed out, retrying once",
			"item_key", item.itemKey)
		return o.lookup(ctx, item)
	}
	return rate, err
}

func (o *Orchestrator) lookup(ctx context.Context, item workItem) (float64, error) {
	if o.resolver != nil && item.itemUrl != "" {
		ids, err := o.resolver.Resolve(ctx, item.itemKey, func(ctx context.Context) (string, error) {
			return o.fetchItemPage(ctx, item.itemUrl)
		})
		if err == nil {
			return o.client.LookupRateByIDs(ctx, ids.ShopID, ids.ItemID)
		}
		if afftool.IsTimeout(err) {
			return 0, err
		}
		// resolution misses are soft; fall through to the URL path
		slog.DebugContext(ctx, "identifier resolution miss",
			"item_key", item.itemKey, "err", err)
	}

	itemUrl := item.itemUrl
	if itemUrl == "" {
		reconstructed, err := afftool.ItemURLFromKey(item.itemKey)
		if err != nil {
			return 0, err
		}
		itemUrl = reconstructed
	}
	return o.client.LookupRate(ctx, itemUrl)
}

func (o *Orchestrator) fetchItemPage(ctx context.Context, itemUrl string) (string, error) {
	res, err := o.pages.R().
		SetContext(ctx).
		Get(itemUrl)
	if err != nil {
		return "", err
	}
	if res.IsError() {
		return "", fmt.Errorf("fetch item page: unexpected status %d", res.StatusCode())
	}
	return string(res.Body()), nil
}

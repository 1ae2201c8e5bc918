package itemid

import (
	"context"
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/afftool/itemid")

// Resolver is a read-through cache over Extract: identifiers are stable
// for the life of a listing, so entries never expire.
type Resolver struct {
	db *badger.DB
}

func NewResolver(db *badger.DB) *Resolver {
	return &Resolver{db: db}
}

func cacheKey(itemKey string) []byte {
	return []byte("itemid:" + itemKey)
}

// Resolve returns the cached identifiers for itemKey, calling fetch for
// the page HTML and running the strategy cascade only on a cache miss.
// Extraction misses are not cached; the page may grow the identifiers
// back on a future fetch.
func (r *Resolver) Resolve(ctx context.Context, itemKey string, fetch func(ctx context.Context) (string, error)) (IDs, error) {
	ctx, span := tracer.Start(ctx, "Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("item_key", itemKey))

	cached, err := r.get(itemKey)
	if err == nil {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cached, nil
	}
	if err != badger.ErrKeyNotFound {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache read failed")
		return IDs{}, err
	}

	page, err := fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "page fetch failed")
		return IDs{}, err
	}

	ids, err := Extract(page)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return IDs{}, err
	}

	err = r.set(itemKey, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache write failed")
		return IDs{}, err
	}

	return ids, nil
}

func (r *Resolver) get(itemKey string) (IDs, error) {
	tx := r.db.NewTransaction(false)
	defer tx.Discard()

	item, err := tx.Get(cacheKey(itemKey))
	if err != nil {
		return IDs{}, err
	}
	serialized, err := item.ValueCopy(nil)
	if err != nil {
		return IDs{}, err
	}

	var ids IDs
	err = json.Unmarshal(serialized, &ids)
	if err != nil {
		return IDs{}, err
	}
	return ids, nil
}

func (r *Resolver) set(itemKey string, ids IDs) error {
	serialized, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	tx := r.db.NewTransaction(true)
	defer tx.Discard()

	err = tx.Set(cacheKey(itemKey), serialized)
	if err != nil {
		return err
	}
	return tx.Commit()
}

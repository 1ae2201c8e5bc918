package itemid

import (
	"context"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestCamelCaseBeatsSnakeCase(t *testing.T) {
	page := `<html><script>
		var a = {"shopId":"111","itemId":"222"};
		var b = {"shop_id":"333","item_id":"444"};
	</script></html>`

	ids, err := Extract(page)
	require.NoError(t, err)
	require.Equal(t, IDs{ShopID: "111", ItemID: "222"}, ids)
}

func TestSnakeCaseFields(t *testing.T) {
	page := `<html><script>window.cfg = {"shop_id": 333, "item_id": "444"};</script></html>`

	ids, err := Extract(page)
	require.NoError(t, err)
	require.Equal(t, IDs{ShopID: "333", ItemID: "444"}, ids)
}

func TestPageStateScript(t *testing.T) {
	// mixed naming conventions defeat the flat regex strategies; the
	// recursive state search accepts either convention per field
	page := `<html><head>
		<script id="__INITIAL_STATE__" type="application/json">
			{"page":{"product":{"shopId":987,"item_id":"654321"},"layout":"wide"}}
		</script>
	</head></html>`

	ids, err := Extract(page)
	require.NoError(t, err)
	if diff := cmp.Diff(IDs{ShopID: "987", ItemID: "654321"}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestPageStateDepthBound(t *testing.T) {
	// identifiers buried beyond the recursion cap are not found
	deep := `{"a":{"b":{"c":{"d":{"e":{"f":{"g":{"shopId":"1","item_id":"2"}}}}}}}}`
	page := `<html><script id="__INITIAL_STATE__" type="application/json">` + deep + `</script></html>`

	_, err := Extract(page)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAnalyticsPairs(t *testing.T) {
	page := `<html><script>
		track({'sid': '4455', 'iid': '6677', 'ref': 'ranking'});
	</script></html>`

	ids, err := Extract(page)
	require.NoError(t, err)
	require.Equal(t, IDs{ShopID: "4455", ItemID: "6677"}, ids)
}

func TestGenericJSONScriptBlock(t *testing.T) {
	page := `<html>
		<script type="application/json">{"widget":"carousel"}</script>
		<script type="application/json">{"context":{"itemId":"we-88","shop_id":"we-11"}}</script>
	</html>`

	ids, err := Extract(page)
	require.NoError(t, err)
	require.Equal(t, IDs{ShopID: "we-11", ItemID: "we-88"}, ids)
}

func TestLooseAssignments(t *testing.T) {
	page := `<html><script>
		var shopid = 'shop-5';
		itemId: "item-9",
	</script></html>`

	ids, err := Extract(page)
	require.NoError(t, err)
	require.Equal(t, IDs{ShopID: "shop-5", ItemID: "item-9"}, ids)
}

func TestExtractMiss(t *testing.T) {
	_, err := Extract(`<html><body><p>maintenance</p></body></html>`)
	require.ErrorIs(t, err, ErrNotFound)
}

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolverReadThrough(t *testing.T) {
	resolver := NewResolver(openTestBadger(t))
	ctx := context.Background()

	fetches := 0
	fetch := func(ctx context.Context) (string, error) {
		fetches++
		return `<html><script>{"shopId":"111","itemId":"222"}</script></html>`, nil
	}

	ids, err := resolver.Resolve(ctx, "greenshop:flower-001", fetch)
	require.NoError(t, err)
	require.Equal(t, IDs{ShopID: "111", ItemID: "222"}, ids)
	require.Equal(t, 1, fetches)

	// second resolve is served from the cache
	ids, err = resolver.Resolve(ctx, "greenshop:flower-001", fetch)
	require.NoError(t, err)
	require.Equal(t, IDs{ShopID: "111", ItemID: "222"}, ids)
	require.Equal(t, 1, fetches)
}

func TestResolverMissNotCached(t *testing.T) {
	resolver := NewResolver(openTestBadger(t))
	ctx := context.Background()

	fetches := 0
	pages := []string{
		`<html><body>rate limited</body></html>`,
		`<html><script>{"shopId":"1","itemId":"2"}</script></html>`,
	}
	fetch := func(ctx context.Context) (string, error) {
		page := pages[fetches]
		fetches++
		return page, nil
	}

	_, err := resolver.Resolve(ctx, "k", fetch)
	require.ErrorIs(t, err, ErrNotFound)

	ids, err := resolver.Resolve(ctx, "k", fetch)
	require.NoError(t, err)
	require.Equal(t, IDs{ShopID: "1", ItemID: "2"}, ids)
	require.Equal(t, 2, fetches)
}

func TestResolverFetchError(t *testing.T) {
	resolver := NewResolver(openTestBadger(t))

	boom := errors.New("boom")
	_, err := resolver.Resolve(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
}

// Package itemid extracts the (shop id, item id) pair the affiliate
// portal's deep links are built from out of a product page. The page
// format is loosely structured and shifts often, so extraction is an
// ordered cascade of independent strategies; the first one to yield both
// identifiers wins and later ones are never attempted.
package itemid

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"ratewatch-backend/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// ErrNotFound is a soft failure; callers fall back to navigating by the
// item's original URL instead of a reconstructed deep link.
var ErrNotFound = errors.New("no identifiers found in page")

type IDs struct {
	ShopID string `json:"shop_id"`
	ItemID string `json:"item_id"`
}

func (ids IDs) complete() bool {
	return ids.ShopID != "" && ids.ItemID != ""
}

type strategy struct {
	name string
	fn   func(page string) (IDs, bool)
}

var strategies = []strategy{
	{"camel_case_fields", matchCamelCaseFields},
	{"snake_case_fields", matchSnakeCaseFields},
	{"page_state_script", matchPageStateScript},
	{"analytics_pairs", matchAnalyticsPairs},
	{"json_script_blocks", matchJSONScriptBlocks},
	{"loose_assignments", matchLooseAssignments},
}

// Extract runs the strategy cascade over raw page HTML.
func Extract(page string) (IDs, error) {
	for _, s := range strategies {
		ids, ok := s.fn(page)
		if ok {
			return ids, nil
		}
	}
	return IDs{}, ErrNotFound
}

var (
	camelShopRe = regexp.MustCompile(`"shopId"\s*:\s*"?([A-Za-z0-9_-]+)"?`)
	camelItemRe = regexp.MustCompile(`"itemId"\s*:\s*"?([A-Za-z0-9_-]+)"?`)
	snakeShopRe = regexp.MustCompile(`"shop_id"\s*:\s*"?([A-Za-z0-9_-]+)"?`)
	snakeItemRe = regexp.MustCompile(`"item_id"\s*:\s*"?([A-Za-z0-9_-]+)"?`)
)

func matchPair(page string, shopRe, itemRe *regexp.Regexp) (IDs, bool) {
	shop := shopRe.FindStringSubmatch(page)
	item := itemRe.FindStringSubmatch(page)
	if len(shop) < 2 || len(item) < 2 {
		return IDs{}, false
	}
	ids := IDs{ShopID: shop[1], ItemID: item[1]}
	return ids, ids.complete()
}

func matchCamelCaseFields(page string) (IDs, bool) {
	return matchPair(page, camelShopRe, camelItemRe)
}

func matchSnakeCaseFields(page string) (IDs, bool) {
	return matchPair(page, snakeShopRe, snakeItemRe)
}

// ids of script blocks that carry the whole page state; checked before
// generic application/json blocks because the state blob is the most
// reliable carrier when present
var pageStateScriptIDs = []string{"__INITIAL_STATE__", "__NEXT_DATA__", "js-page-state"}

func matchPageStateScript(page string) (IDs, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return IDs{}, false
	}

	for _, id := range pageStateScriptIDs {
		sel := doc.Find("script#" + id)
		if len(sel.Nodes) == 0 {
			continue
		}
		ids, ok := searchJSONText(htmlutil.GetText(sel.Nodes[0]))
		if ok {
			return ids, true
		}
	}
	return IDs{}, false
}

// short tracking pairs emitted for the analytics beacon, e.g. "sid":"111"
var (
	analyticsShopRe = regexp.MustCompile(`["']s(?:hop)?id["']\s*[:=]\s*["']?([0-9]+)`)
	analyticsItemRe = regexp.MustCompile(`["']i(?:tem)?id["']\s*[:=]\s*["']?([0-9]+)`)
)

func matchAnalyticsPairs(page string) (IDs, bool) {
	return matchPair(page, analyticsShopRe, analyticsItemRe)
}

func matchJSONScriptBlocks(page string) (IDs, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return IDs{}, false
	}

	var found IDs
	var ok bool
	doc.Find(`script[type="application/json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		found, ok = searchJSONText(htmlutil.GetText(sel.Nodes[0]))
		return !ok
	})
	return found, ok
}

var (
	looseShopRe = regexp.MustCompile(`(?i)\bshop_?id\b\s*[:=]\s*["']?([A-Za-z0-9_-]+)`)
	looseItemRe = regexp.MustCompile(`(?i)\bitem_?id\b\s*[:=]\s*["']?([A-Za-z0-9_-]+)`)
)

func matchLooseAssignments(page string) (IDs, bool) {
	return matchPair(page, looseShopRe, looseItemRe)
}

// recursion depth cap for state blobs; the identifiers live near the top
// of every shape seen so far, deeper hits are likely unrelated entities
const maxSearchDepth = 6

func searchJSONText(text string) (IDs, bool) {
	decoder := json.NewDecoder(strings.NewReader(text))
	decoder.UseNumber()

	var root any
	err := decoder.Decode(&root)
	if err != nil {
		return IDs{}, false
	}

	var ids IDs
	searchJSONValue(root, &ids, 0)
	return ids, ids.complete()
}

func searchJSONValue(value any, ids *IDs, depth int) {
	if depth > maxSearchDepth || ids.complete() {
		return
	}

	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			switch key {
			case "shopId", "shop_id":
				if ids.ShopID == "" {
					ids.ShopID = scalarString(child)
				}
			case "itemId", "item_id":
				if ids.ItemID == "" {
					ids.ItemID = scalarString(child)
				}
			}
		}
		for _, child := range v {
			searchJSONValue(child, ids, depth+1)
		}
	case []any:
		for _, child := range v {
			searchJSONValue(child, ids, depth+1)
		}
	}
}

func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

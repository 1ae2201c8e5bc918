package afftool

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var ErrNoRateFound = errors.New("no commission rate found on result page")

// selectors tried in order against the result view; the portal reshuffles
// its markup a few times a year so newer shapes go first
var rateSelectors = []string{
	"#rateResult .rate-value",
	".search-result-table td.rate",
	".item-summary .commission-rate strong",
	"td[data-label=料率]",
}

// fallback phrasings matched over the page's full text when every
// selector misses
var ratePatterns = []*regexp.Regexp{
	regexp.MustCompile(`料率[:：]?\s*([0-9]+(?:\.[0-9]+)?)\s*[%％]`),
	regexp.MustCompile(`この商品の報酬率は\s*([0-9]+(?:\.[0-9]+)?)\s*[%％]`),
}

// ExtractRate pulls the percentage out of a lookup result document.
func ExtractRate(doc *goquery.Document) (float64, error) {
	for _, selector := range rateSelectors {
		text := strings.TrimSpace(doc.Find(selector).First().Text())
		if text == "" {
			continue
		}
		rate, err := parsePercent(text)
		if err == nil {
			return rate, nil
		}
	}

	fullText := doc.Text()
	for _, pattern := range ratePatterns {
		groups := pattern.FindStringSubmatch(fullText)
		if len(groups) < 2 {
			continue
		}
		rate, err := strconv.ParseFloat(groups[1], 64)
		if err == nil {
			return rate, nil
		}
	}

	return 0, ErrNoRateFound
}

func parsePercent(text string) (float64, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimRight(text, "%％")
	text = strings.TrimSpace(text)
	return strconv.ParseFloat(text, 64)
}

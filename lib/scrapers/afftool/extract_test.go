package afftool

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func docFromString(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestExtractRateSelector(t *testing.T) {
	doc := docFromString(t, `
		<html><body>
			<div id="rateResult">
				<span class="rate-value">4.0%</span>
			</div>
		</body></html>
	`)

	rate, err := ExtractRate(doc)
	require.NoError(t, err)
	require.Equal(t, 4.0, rate)
}

func TestExtractRateSelectorPriority(t *testing.T) {
	// when multiple known shapes appear, the first selector wins
	doc := docFromString(t, `
		<html><body>
			<div id="rateResult"><span class="rate-value">2.5％</span></div>
			<table class="search-result-table"><tr><td class="rate">9.0%</td></tr></table>
		</body></html>
	`)

	rate, err := ExtractRate(doc)
	require.NoError(t, err)
	require.Equal(t, 2.5, rate)
}

func TestExtractRateTextFallback(t *testing.T) {
	cases := []struct {
		name string
		html string
		want float64
	}{
		{
			name: "rate label phrasing",
			html: `<html><body><p>検索結果 料率: 3.5% の商品です</p></body></html>`,
			want: 3.5,
		},
		{
			name: "reward sentence phrasing",
			html: `<html><body><p>この商品の報酬率は 8％ です。</p></body></html>`,
			want: 8.0,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rate, err := ExtractRate(docFromString(t, c.html))
			require.NoError(t, err)
			require.Equal(t, c.want, rate)
		})
	}
}

func TestExtractRateMiss(t *testing.T) {
	doc := docFromString(t, `<html><body><p>該当する商品が見つかりませんでした</p></body></html>`)

	_, err := ExtractRate(doc)
	require.ErrorIs(t, err, ErrNoRateFound)
}

func TestItemURLFromKey(t *testing.T) {
	link, err := ItemURLFromKey("greenshop:flower-001")
	require.NoError(t, err)
	require.Equal(t, "https://item.rakuten.co.jp/greenshop/flower-001/", link)

	_, err = ItemURLFromKey("not-a-key")
	require.Error(t, err)
	_, err = ItemURLFromKey(":dangling")
	require.Error(t, err)
}

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	require.True(t, IsTimeout(context.DeadlineExceeded))
	require.True(t, IsTimeout(&net.OpError{Op: "dial", Err: fakeTimeoutError{}}))
	require.False(t, IsTimeout(context.Canceled))
	require.False(t, IsTimeout(ErrNoRateFound))
	require.False(t, IsTimeout(nil))

	// wrapped timeouts still classify
	wrapped := fmt.Errorf("navigate: %w", &net.OpError{Op: "read", Err: fakeTimeoutError{}})
	require.True(t, IsTimeout(wrapped))
}

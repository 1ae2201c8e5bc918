// Package afftool drives the affiliate portal's rate-lookup form: submit
// a product URL, read the commission rate back off the result page. The
// contract is purely structural and brittle by nature, hence the
// cascading selectors and regex fallbacks in extract.go.
package afftool

import (
	"bytes"
	"context"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"ratewatch-backend/lib/restyutil"
	"ratewatch-backend/lib/telemetry"
	"ratewatch-backend/lib/timezone"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/afftool")

const (
	memberPagePath = "/member/"
	lookupToolPath = "/tools/ratesearch/"
)

type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client
}

type ClientOptions struct {
	BaseUrl string
	Session *Session
	// optional, dumps raw exchanges for offline debugging
	InstrumentOutput restyutil.InstrumentOutput
}

func NewClient(opts ClientOptions) (*Client, error) {
	if !opts.Session.ValidAt(timezone.Now()) {
		return nil, ErrLoginRequired
	}

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(baseUrl, opts.Session.httpCookies())
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "scrapers/afftool/http")
	restyutil.InstrumentClient(client, opts.InstrumentOutput)

	return &Client{
		BaseUrl: baseUrl,
		Http:    client,
	}, nil
}

// CheckAlive requests a gated member page and inspects whether the portal
// bounced us to the login flow. A bounce means the stored cookies are dead
// even though the session document looked fresh.
func (c *Client) CheckAlive(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "CheckAlive")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get(memberPagePath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "liveness probe failed")
		return err
	}

	finalUrl := res.RawResponse.Request.URL
	if strings.Contains(finalUrl.Path, "login") || strings.Contains(finalUrl.RawQuery, "login") {
		span.SetStatus(codes.Error, "redirected to login flow")
		return ErrLoginRequired
	}

	return nil
}

// LookupRate drives the rate-lookup form for one product URL and returns
// the extracted percentage.
func (c *Client) LookupRate(ctx context.Context, itemUrl string) (float64, error) {
	ctx, span := tracer.Start(ctx, "LookupRate")
	defer span.End()
	span.SetAttributes(attribute.String("item_url", itemUrl))

	return c.lookup(ctx, map[string]string{"u": itemUrl})
}

// LookupRateByIDs queries the tool by resolved shop/item identifiers.
// The tool's identifier search is exact where its URL search depends on
// the portal recognizing the URL shape, so this path is preferred
// whenever the identifiers are known.
func (c *Client) LookupRateByIDs(ctx context.Context, shopId, itemId string) (float64, error) {
	ctx, span := tracer.Start(ctx, "LookupRateByIDs")
	defer span.End()
	span.SetAttributes(
		attribute.String("shop_id", shopId),
		attribute.String("item_id", itemId),
	)

	return c.lookup(ctx, map[string]string{
		"shopid": shopId,
		"itemid": itemId,
	})
}

func (c *Client) lookup(ctx context.Context, form map[string]string) (float64, error) {
	ctx, span := tracer.Start(ctx, "lookup")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get(lookupToolPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open lookup tool")
		return 0, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse lookup tool page")
		return 0, err
	}

	// the tool guards its form with a rotating hidden token
	if token := doc.Find("input[name=_token]").AttrOr("value", ""); token != "" {
		form["_token"] = token
	}

	res, err = c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(lookupToolPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate lookup submit failed")
		return 0, err
	}

	doc, err = goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse lookup result page")
		return 0, err
	}

	rate, err := ExtractRate(doc)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Float64("rate", rate))
	return rate, nil
}

// ItemURLFromKey reconstructs a product page URL from a "shopcode:itemid"
// item key, for when the stored URL is unusable.
func ItemURLFromKey(itemKey string) (string, error) {
	shop, item, found := strings.Cut(itemKey, ":")
	if !found || shop == "" || item == "" {
		return "", fmt.Errorf("item key %q is not shopcode:itemid shaped", itemKey)
	}
	return fmt.Sprintf("https://item.rakuten.co.jp/%s/%s/", shop, item), nil
}

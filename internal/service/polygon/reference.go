package polygon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	pkghttp "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/http"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

const (
	DefaultRestURL = "https://api.polygon.io"
	tickerPageSize = 1000
	maxTickerPages = 100
)

type tickerDTO struct {
	Ticker          string `json:"ticker"`
	Name            string `json:"name"`
	Market          string `json:"market"`
	Type            string `json:"type"`
	Currency        string `json:"currency_name"`
	PrimaryExchange string `json:"primary_exchange"`
	Active          bool   `json:"active"`
	LastUpdatedUTC  string `json:"last_updated_utc"`
	DelistedUTC     string `json:"delisted_utc"`
}

type tickerPage struct {
	Status  string      `json:"status"`
	Results []tickerDTO `json:"results"`
	NextURL string      `json:"next_url"`
}

type detailsResponse struct {
	Status  string `json:"status"`
	Results struct {
		MarketCap float64 `json:"market_cap"`
	} `json:"results"`
}

// ReferenceClient reads ticker reference data from the REST API.
type ReferenceClient struct {
	http    *pkghttp.Client
	baseURL string
	apiKey  string
	now     func() time.Time
	log     *logger.Logger
}

func NewReferenceClient(httpClient *pkghttp.Client, baseURL, apiKey string, log *logger.Logger) *ReferenceClient {
	if baseURL == "" {
		baseURL = DefaultRestURL
	}
	return &ReferenceClient{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		now:     time.Now,
		log:     log.Named("polygon_reference"),
	}
}

// ListTickers returns all common stocks, either the active ones or the
// delisted ones, following the API's pagination.
func (c *ReferenceClient) ListTickers(ctx context.Context, active bool) ([]*models.Ticker, error) {
	opts := &pkghttp.RequestOptions{
		Method: pkghttp.MethodGet,
		URL:    c.baseURL + "/v3/reference/tickers",
		QueryParams: map[string][]string{
			"market": {"stocks"},
			"type":   {"CS"},
			"active": {fmt.Sprint(active)},
			"date":   {c.now().Format("2006-01-02")},
			"sort":   {"ticker"},
			"limit":  {fmt.Sprint(tickerPageSize)},
			"apiKey": {c.apiKey},
		},
	}

	var out []*models.Ticker
	for page := 0; page < maxTickerPages; page++ {
		var resp tickerPage
		if err := c.http.SendAndParse(ctx, opts, &resp); err != nil {
			return nil, fmt.Errorf("list tickers page %d: %w", page, err)
		}
		for _, dto := range resp.Results {
			out = append(out, dto.toTicker())
		}
		if len(out) > 0 && len(out)%(tickerPageSize*5) == 0 {
			c.log.Info("fetched tickers", logger.Int("count", len(out)))
		}
		if resp.NextURL == "" {
			return out, nil
		}
		// next_url carries the cursor but not the key
		opts = &pkghttp.RequestOptions{
			Method:      pkghttp.MethodGet,
			URL:         resp.NextURL,
			QueryParams: map[string][]string{"apiKey": {c.apiKey}},
		}
	}
	return out, fmt.Errorf("list tickers: more than %d pages", maxTickerPages)
}

// MarketCap returns the most recent market capitalization of symbol.
func (c *ReferenceClient) MarketCap(ctx context.Context, symbol string) (int64, error) {
	var resp detailsResponse
	err := c.http.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method:      pkghttp.MethodGet,
		URL:         c.baseURL + "/v3/reference/tickers/" + symbol,
		QueryParams: map[string][]string{"apiKey": {c.apiKey}},
	}, &resp)
	if err != nil {
		return 0, fmt.Errorf("ticker details %s: %w", symbol, err)
	}
	return int64(resp.Results.MarketCap), nil
}

func (d tickerDTO) toTicker() *models.Ticker {
	t := &models.Ticker{
		ID:              strings.ToUpper(d.Ticker),
		Name:            d.Name,
		Market:          d.Market,
		Type:            d.Type,
		Currency:        d.Currency,
		PrimaryExchange: d.PrimaryExchange,
		Active:          d.Active,
	}
	if ts, err := time.Parse(time.RFC3339, d.LastUpdatedUTC); err == nil {
		t.LastUpdatedUTC = ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339, d.DelistedUTC); err == nil {
		ts = ts.UTC()
		t.DelistedUTC = &ts
	}
	return t
}

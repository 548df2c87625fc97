package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"synthd/native/collateral"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed reads a simple-price style JSON API:
//
//	{"<id>": {"usd": 150.12, "last_updated_at": 1700000000}}
type HTTPFeed struct {
	name     string
	client   HTTPDoer
	endpoint string
	id       string
	currency string
	apiKey   string
}

// NewHTTPFeed builds a feed for asset id priced in USD.
func NewHTTPFeed(name string, client HTTPDoer, endpoint, id, apiKey string) *HTTPFeed {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFeed{
		name:     name,
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		id:       strings.TrimSpace(id),
		currency: "usd",
		apiKey:   strings.TrimSpace(apiKey),
	}
}

func (f *HTTPFeed) Name() string { return f.name }

func (f *HTTPFeed) LatestRound(ctx context.Context) (Round, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return Round{}, err
	}
	values := url.Values{}
	values.Set("ids", f.id)
	values.Set("vs_currencies", f.currency)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Round{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Round{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(io.LimitReader(resp.Body, 1<<16))
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Round{}, fmt.Errorf("http feed: decode: %w", err)
	}
	entry, ok := payload[f.id]
	if !ok {
		return Round{}, fmt.Errorf("http feed: no entry for %s", f.id)
	}
	rawPrice, ok := entry[f.currency]
	if !ok {
		return Round{}, fmt.Errorf("http feed: no %s price for %s", f.currency, f.id)
	}
	price, err := decimal.NewFromString(rawPrice.String())
	if err != nil || !price.IsPositive() {
		return Round{}, ErrInvalidPrice
	}
	answer, overflow := uint256.FromBig(price.Shift(collateral.Decimals).BigInt())
	if overflow {
		return Round{}, ErrInvalidPrice
	}
	updated := time.Time{}
	if rawTs, ok := entry["last_updated_at"]; ok {
		if ts, err := strconv.ParseInt(rawTs.String(), 10, 64); err == nil && ts > 0 {
			updated = time.Unix(ts, 0).UTC()
		}
	}
	if updated.IsZero() {
		return Round{}, fmt.Errorf("http feed: missing last_updated_at for %s", f.id)
	}
	return Round{Answer: answer, Decimals: collateral.Decimals, UpdatedAt: updated}, nil
}

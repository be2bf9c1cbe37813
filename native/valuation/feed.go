package valuation

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lendvault/core/types"
)

// Quote is a single price observation for an asset, denominated in the
// settlement currency at the reported decimal precision. Quotes are transient;
// the service never persists them beyond the call that produced them.
type Quote struct {
	Price     *big.Int
	Decimals  uint8
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{Decimals: q.Decimals, Timestamp: q.Timestamp, Source: q.Source}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// PriceFeed resolves the current price for an asset symbol. Implementations
// run external code; callers must treat every invocation as fallible and
// potentially slow.
type PriceFeed interface {
	Quote(asset string) (Quote, error)
}

// ManualFeed provides an in-memory feed used for tests and manual overrides
// during incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{quotes: make(map[string]Quote)}
}

// Set stores the supplied quote for the asset symbol.
func (m *ManualFeed) Set(asset string, quote Quote) {
	if m == nil {
		return
	}
	symbol := types.NormalizeAsset(asset)
	if symbol == "" {
		return
	}
	m.mu.Lock()
	m.quotes[symbol] = quote.Clone()
	m.mu.Unlock()
}

// Quote retrieves the stored quote for the asset symbol.
func (m *ManualFeed) Quote(asset string) (Quote, error) {
	if m == nil {
		return Quote{}, fmt.Errorf("manual feed not configured")
	}
	symbol := types.NormalizeAsset(asset)
	m.mu.RLock()
	stored, ok := m.quotes[symbol]
	m.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("manual feed: quote for %s not found", symbol)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed fetches price data from a JSON quote endpoint. The endpoint is
// expected to answer GET ?symbol=<asset> with
// {"price": "<integer>", "decimals": <n>, "timestamp": <unix>}.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

// NewHTTPFeed constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used; configure a timeout on the supplied client to
// bound the valuation call budget. The API key is optional.
func NewHTTPFeed(client HTTPDoer, endpoint, apiKey string) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{client: client, endpoint: strings.TrimSpace(endpoint), apiKey: strings.TrimSpace(apiKey)}
}

func (f *HTTPFeed) Quote(asset string) (Quote, error) {
	if f == nil || f.endpoint == "" {
		return Quote{}, fmt.Errorf("http feed not configured")
	}
	symbol := types.NormalizeAsset(asset)
	req, err := http.NewRequest(http.MethodGet, f.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("symbol", symbol)
	req.URL.RawQuery = values.Encode()
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("http feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Decimals  uint8  `json:"decimals"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("http feed: decode: %w", err)
	}
	raw := strings.TrimSpace(payload.Price)
	if raw == "" {
		return Quote{}, fmt.Errorf("http feed: empty price")
	}
	price, ok := new(big.Int).SetString(raw, 10)
	if !ok || price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("http feed: invalid price %q", payload.Price)
	}
	ts := time.Unix(payload.Timestamp, 0)
	if payload.Timestamp <= 0 {
		ts = time.Now().UTC()
	}
	return Quote{Price: price, Decimals: payload.Decimals, Timestamp: ts, Source: "http"}, nil
}

package feeoracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SOLUSDFeedID is the Pyth SOL/USD price feed id.
const SOLUSDFeedID = "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"

var (
	ErrStalePrice = errors.New("feeoracle: price is stale")
	ErrNoPrice    = errors.New("feeoracle: price feed returned no price")
)

// StaticPrice is a fixed price feed in micro-USD per SOL.
type StaticPrice uint64

// Price implements PriceFeed.
func (p StaticPrice) Price(context.Context) (uint64, error) {
	return uint64(p), nil
}

// HermesFeed reads a Pyth Hermes price endpoint.
type HermesFeed struct {
	baseURL string
	feedID  string
	client  *http.Client
	maxAge  time.Duration
	now     func() time.Time
}

// HermesOption configures a HermesFeed.
type HermesOption func(*HermesFeed)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HermesOption {
	return func(h *HermesFeed) { h.client = c }
}

// WithFeedID sets the price feed id. Defaults to SOL/USD.
func WithFeedID(id string) HermesOption {
	return func(h *HermesFeed) { h.feedID = strings.TrimPrefix(id, "0x") }
}

// WithMaxAge rejects prices published longer ago than d. Zero disables the
// check.
func WithMaxAge(d time.Duration) HermesOption {
	return func(h *HermesFeed) { h.maxAge = d }
}

// WithHermesClock replaces time.Now for staleness checks.
func WithHermesClock(now func() time.Time) HermesOption {
	return func(h *HermesFeed) { h.now = now }
}

// NewHermesFeed creates a feed against baseURL, e.g.
// https://hermes.pyth.network.
func NewHermesFeed(baseURL string, opts ...HermesOption) *HermesFeed {
	h := &HermesFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		feedID:  SOLUSDFeedID,
		client:  &http.Client{Timeout: 5 * time.Second},
		maxAge:  time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int    `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// Price implements PriceFeed.
func (h *HermesFeed) Price(ctx context.Context) (uint64, error) {
	u := h.baseURL + "/v2/updates/price/latest?" + url.Values{
		"ids[]":  {h.feedID},
		"parsed": {"true"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("feeoracle: hermes request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("feeoracle: hermes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feeoracle: hermes: status %d", resp.StatusCode)
	}

	var body hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("feeoracle: hermes decode: %w", err)
	}
	if len(body.Parsed) == 0 {
		return 0, ErrNoPrice
	}

	p := body.Parsed[0].Price
	if h.maxAge > 0 && p.PublishTime > 0 {
		if age := h.now().Sub(time.Unix(p.PublishTime, 0)); age > h.maxAge {
			return 0, fmt.Errorf("%w: published %s ago", ErrStalePrice, age.Truncate(time.Second))
		}
	}

	raw, err := strconv.ParseInt(p.Price, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("feeoracle: hermes price %q: %w", p.Price, err)
	}
	if raw <= 0 {
		return 0, ErrNoPrice
	}
	return scaleToMicro(uint64(raw), p.Expo), nil
}

// scaleToMicro converts price × 10^expo into micro units.
func scaleToMicro(price uint64, expo int) uint64 {
	shift := expo + 6
	for ; shift > 0; shift-- {
		price = satMul(price, 10)
	}
	for ; shift < 0; shift++ {
		price /= 10
	}
	return price
}

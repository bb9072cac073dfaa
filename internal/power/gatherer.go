// Package power estimates the current electrical draw of supported
// blockchains from public hashrate and node-count APIs.
package power

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"powergate/internal/models"
)

var (
	// ErrUnsupportedChain is returned for chain names the gatherer does not know.
	ErrUnsupportedChain = errors.New("unsupported blockchain")

	// ErrUpstream is returned when no data source produced a usable answer.
	ErrUpstream = errors.New("upstream data unavailable")
)

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 1 << 20

// Gatherer fetches chain statistics and turns them into power estimates.
// Outbound calls share one token bucket, and concurrent lookups of the same
// chain share one fetch.
type Gatherer struct {
	client   *http.Client
	throttle *rate.Limiter
	cfg      models.UpstreamConfig
	logger   *slog.Logger
	now      func() time.Time
	inflight singleflight.Group
}

// Option configures a Gatherer.
type Option func(*Gatherer)

// WithHTTPClient replaces the default client. Its timeout is left as is.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gatherer) {
		if c != nil {
			g.client = c
		}
	}
}

// WithLogger sets the logger for upstream failures.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gatherer) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithNow sets the time source for response timestamps.
func WithNow(now func() time.Time) Option {
	return func(g *Gatherer) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGatherer creates a gatherer for the configured upstreams. A zero
// RequestsPerSecond disables outbound throttling.
func NewGatherer(cfg models.UpstreamConfig, opts ...Option) *Gatherer {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(cfg.Burst, 1)

	g := &Gatherer{
		client:   &http.Client{Timeout: cfg.Timeout},
		throttle: rate.NewLimiter(limit, burst),
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PowerUsage returns the current estimate for the named chain.
func (g *Gatherer) PowerUsage(ctx context.Context, name string) (*models.PowerUsageResponse, error) {
	chain, ok := LookupChain(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, name)
	}

	v, err, _ := g.inflight.Do(chain.Name, func() (any, error) {
		return g.gather(ctx, chain)
	})
	if err != nil {
		g.logger.Warn("Power usage unavailable", "chain", chain.Name, "error", err)
		return nil, err
	}

	// Callers sharing a flight get their own copy.
	resp := *v.(*models.PowerUsageResponse)
	return &resp, nil
}

func (g *Gatherer) gather(ctx context.Context, chain Chain) (*models.PowerUsageResponse, error) {
	var (
		wattage int64
		trend   string
	)

	switch chain.source {
	case sourceEthernodes:
		nodes, err := g.ethereumNodes(ctx)
		if err != nil {
			return nil, err
		}
		wattage = EstimateEthereumWattage(nodes)
		trend = models.TrendStable

	case sourceBlockchair:
		h, err := g.blockchairHashrate(ctx)
		if err != nil {
			g.logger.Warn("Blockchair unavailable, falling back to WhatToMine", "chain", chain.Name, "error", err)
			if h, err = g.whatToMineHashrate(ctx, chain.CoinID); err != nil {
				return nil, err
			}
		}
		wattage = EstimateWattage(h.Current, chain.Algorithm)
		trend = DetermineTrend(h)

	default:
		h, err := g.whatToMineHashrate(ctx, chain.CoinID)
		if err != nil {
			return nil, err
		}
		wattage = EstimateWattage(h.Current, chain.Algorithm)
		trend = DetermineTrend(h)
	}

	return &models.PowerUsageResponse{
		CurrentWattage: wattage,
		Timestamp:      g.now().UTC().Format(time.RFC3339),
		Trend:          trend,
	}, nil
}

func (g *Gatherer) blockchairHashrate(ctx context.Context) (Hashrate, error) {
	var body struct {
		Data struct {
			Hashrate24h *number `json:"hashrate_24h"`
		} `json:"data"`
	}
	if err := g.fetchJSON(ctx, joinURL(g.cfg.BlockchairURL, "/bitcoin/stats"), &body); err != nil {
		return Hashrate{}, err
	}
	if body.Data.Hashrate24h == nil {
		return Hashrate{}, fmt.Errorf("%w: blockchair response has no hashrate_24h", ErrUpstream)
	}
	return newHashrate(float64(*body.Data.Hashrate24h)), nil
}

func (g *Gatherer) whatToMineHashrate(ctx context.Context, coinID int) (Hashrate, error) {
	var body struct {
		Nethash *number `json:"nethash"`
	}
	url := joinURL(g.cfg.WhatToMineURL, "/coins/"+strconv.Itoa(coinID)+".json")
	if err := g.fetchJSON(ctx, url, &body); err != nil {
		return Hashrate{}, err
	}
	if body.Nethash == nil {
		return Hashrate{}, fmt.Errorf("%w: whattomine coin %d has no nethash", ErrUpstream, coinID)
	}
	return newHashrate(float64(*body.Nethash)), nil
}

func (g *Gatherer) ethereumNodes(ctx context.Context) (float64, error) {
	var body struct {
		TotalNodes *number `json:"total_nodes"`
	}
	if err := g.fetchJSON(ctx, joinURL(g.cfg.EthernodesURL, "/api/stats"), &body); err != nil {
		return 0, err
	}
	if body.TotalNodes == nil {
		return 0, fmt.Errorf("%w: ethernodes response has no total_nodes", ErrUpstream)
	}
	return float64(*body.TotalNodes), nil
}

// fetchJSON waits for an outbound token, then GETs url and decodes the body
// into v. Every failure wraps ErrUpstream.
func (g *Gatherer) fetchJSON(ctx context.Context, url string, v any) error {
	if err := g.throttle.Wait(ctx); err != nil {
		return fmt.Errorf("%w: throttled: %v", ErrUpstream, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	if g.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", g.cfg.UserAgent)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrUpstream, url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrUpstream, url, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrUpstream, url, err)
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// number decodes a JSON number or a numeric string.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*n = number(f)
	return nil
}

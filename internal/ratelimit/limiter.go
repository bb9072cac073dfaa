// Package ratelimit implements the request-admission gate: sliding-window
// quotas evaluated per client over a History of request timestamps. Histories
// live either in a shared server-side backend (KeyedStore) or with the client
// as an HMAC-signed token (SignedStore). Several tiers apply to each request,
// conjunctively.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Degradation reasons reported on the ratelimit.degraded counter.
const (
	ReasonStoreUnavailable = "store_unavailable"
	ReasonTokenTampered    = "token_tampered"
)

// Limiter applies a fixed set of tiers to requests. It is safe for concurrent
// use; per-request state lives in the Client returned by Acquire.
type Limiter struct {
	store  Store
	tiers  []Tier
	clock  Clock
	logger *slog.Logger
	strict bool

	meterProvider metric.MeterProvider
	decisions     metric.Int64Counter
	degraded      metric.Int64Counter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used for window arithmetic.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger used for degraded-state events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Limiter) {
		if mp != nil {
			l.meterProvider = mp
		}
	}
}

// WithRejectTampered makes a tampered token deny the request instead of
// being treated as an empty history.
func WithRejectTampered(reject bool) Option {
	return func(l *Limiter) {
		l.strict = reject
	}
}

// NewLimiter creates a limiter over store enforcing tiers in the given order.
func NewLimiter(store Store, tiers []Tier, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", ErrInvalidTier)
	}
	for _, t := range tiers {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	l := &Limiter{
		store:  store,
		tiers:  append([]Tier(nil), tiers...),
		clock:  SystemClock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.meterProvider == nil {
		l.meterProvider = otel.GetMeterProvider()
	}

	meter := l.meterProvider.Meter("powergate/ratelimit")
	var err error
	l.decisions, err = meter.Int64Counter(
		"ratelimit.decisions",
		metric.WithDescription("Admission decisions by result and tier"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	l.degraded, err = meter.Int64Counter(
		"ratelimit.degraded",
		metric.WithDescription("Histories treated as empty because they could not be read or verified"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return l, nil
}

// Tiers returns a copy of the configured tiers.
func (l *Limiter) Tiers() []Tier {
	return append([]Tier(nil), l.tiers...)
}

// Acquire loads the subject's history and returns the per-request handle.
// For stores shared between requests the identity stays locked until
// Release, so the check and the later Increment form one atomic cycle.
// The only error is ctx's, when it ends while waiting for the identity; an
// unreadable history is treated as empty.
func (l *Limiter) Acquire(ctx context.Context, s *Subject) (*Client, error) {
	c := &Client{limiter: l, subject: s}
	if locker, ok := l.store.(Locker); ok {
		unlock, err := locker.Lock(ctx, s.Identity)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", s.Identity, err)
		}
		c.unlock = unlock
	}

	h, err := l.store.Load(ctx, s)
	if err != nil {
		reason := l.reportDegraded(ctx, s, "load", err)
		c.tampered = reason == ReasonTokenTampered
		h = nil
	}
	c.history = h
	return c, nil
}

func (l *Limiter) reportDegraded(ctx context.Context, s *Subject, op string, err error) string {
	reason := ReasonStoreUnavailable
	if errors.Is(err, ErrTokenTampered) {
		reason = ReasonTokenTampered
	}
	l.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	l.logger.Warn("Rate limit history degraded to empty",
		"identity", s.Identity,
		"operation", op,
		"reason", reason,
		"error", err,
	)
	return reason
}

// Decision is the outcome of checking every configured tier.
type Decision struct {
	Allowed bool

	// Tier is the first tier that rejected the request. When Allowed it is
	// the first configured tier, the one whose stats go on the response.
	Tier  Tier
	Stats Stats

	// Tampered is set when the request was denied because its token failed
	// verification under WithRejectTampered.
	Tampered bool
}

// Client is the per-request view of one subject's quota. It must be
// released once the response is settled.
type Client struct {
	limiter     *Limiter
	subject     *Subject
	history     History
	unlock      func()
	tampered    bool
	incremented bool
}

// Subject returns the subject the client was acquired for.
func (c *Client) Subject() *Subject {
	return c.subject
}

// History returns a copy of the client's current history.
func (c *Client) History() History {
	return c.history.Clone()
}

// IsAllowed reports whether one more request fits under t.
func (c *Client) IsAllowed(t Tier) bool {
	return Allowed(c.history, t, c.now())
}

// Stats returns the quota state for t. Called before Increment it reflects
// the state without the current request; after, with it.
func (c *Client) Stats(t Tier) Stats {
	return StatsAt(c.history, t, c.now())
}

// Check evaluates the configured tiers in order and stops at the first one
// that rejects. Later tiers are not consulted.
func (c *Client) Check(ctx context.Context) Decision {
	l := c.limiter
	now := c.now()

	if c.tampered && l.strict {
		t := l.tiers[0]
		l.record(ctx, "tampered", t)
		return Decision{Tier: t, Stats: StatsAt(nil, t, now), Tampered: true}
	}

	for _, t := range l.tiers {
		if !Allowed(c.history, t, now) {
			l.record(ctx, "rejected", t)
			return Decision{Tier: t, Stats: StatsAt(c.history, t, now)}
		}
	}

	t := l.tiers[0]
	l.record(ctx, "allowed", t)
	return Decision{Allowed: true, Tier: t, Stats: StatsAt(c.history, t, now)}
}

func (l *Limiter) record(ctx context.Context, result string, t Tier) {
	l.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("tier", t.Name),
	))
}

// Increment records the current request and writes the history back. Only
// the first call per Client has an effect. A failed write is logged and
// counted; the in-memory history still includes the request so the
// response headers stay consistent.
func (c *Client) Increment(ctx context.Context) error {
	if c.incremented {
		return nil
	}
	c.incremented = true

	h := append(c.history.Clone(), c.now())
	c.history = h
	if err := c.limiter.store.Save(ctx, c.subject, h); err != nil {
		c.limiter.reportDegraded(ctx, c.subject, "save", err)
		return err
	}
	return nil
}

// Release unlocks the subject's identity. It is safe to call more than once.
func (c *Client) Release() {
	if c.unlock != nil {
		c.unlock()
		c.unlock = nil
	}
}

func (c *Client) now() int64 {
	return c.limiter.clock.Now().Unix()
}

// Package bridge quotes, submits and tracks cross-chain refills executed by
// the backend.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/httpx"
	"github.com/ggonzalez94/agent-funding/internal/metrics"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

// CooldownStore keeps no-route windows across processes.
type CooldownStore interface {
	SaveCooldown(ctx context.Context, key string, quote model.RefillQuote, until time.Time) error
	Cooldown(ctx context.Context, key string, now time.Time) (model.RefillQuote, bool, error)
	ClearCooldown(ctx context.Context, key string) error
}

// Client talks to the backend bridge endpoints. Unserviceable quotes are
// remembered for a cooldown window so callers do not re-query a route that
// has no liquidity. Without a CooldownStore the window lasts only as long as
// the process.
type Client struct {
	http     *httpx.Client
	baseURL  string
	cooldown *ttlcache.Cache[string, model.RefillQuote]
	persist  CooldownStore
	ttl      time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewClient(client *httpx.Client, baseURL string, cooldown time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, model.RefillQuote](cooldown),
		ttlcache.WithDisableTouchOnHit[string, model.RefillQuote](),
	)
	go cache.Start()
	return &Client{
		http:     client,
		baseURL:  baseURL,
		cooldown: cache,
		ttl:      cooldown,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// WithCooldownStore shares the no-route window through st.
func (c *Client) WithCooldownStore(st CooldownStore) *Client {
	c.persist = st
	return c
}

func (c *Client) Close() {
	c.cooldown.Stop()
}

// RefillRequirements quotes the given requests. With forceUpdate the backend
// re-prices instead of serving a cached quote and any cooldown is skipped.
// Transport failures return an error; a route without liquidity is a normal
// result with OutcomeUnserviceable.
func (c *Client) RefillRequirements(ctx context.Context, requests []model.BridgeRequest, forceUpdate bool) (model.RefillQuote, error) {
	if len(requests) == 0 {
		return model.RefillQuote{Outcome: model.QuoteOutcomeSatisfied}, nil
	}
	key := requestSetKey(requests)
	if forceUpdate {
		c.cooldown.Delete(key)
		if c.persist != nil {
			if err := c.persist.ClearCooldown(ctx, key); err != nil {
				c.logger.Debug().Err(err).Msg("clear stored no-route cooldown failed")
			}
		}
	} else if quote, ok := c.inCooldown(ctx, key); ok {
		return quote, nil
	}

	var resp refillRequirementsResponse
	url := registry.JoinURL(c.baseURL, registry.PathBridgeRefillRequirements)
	body := refillRequirementsRequest{BridgeRequests: requests, ForceUpdate: forceUpdate}
	if err := c.http.SendJSON(ctx, http.MethodPost, url, body, &resp); err != nil {
		return model.RefillQuote{}, unavailable("refill requirements unavailable", err)
	}

	quote := decodeQuote(resp, c.now())
	if quote.Outcome == model.QuoteOutcomeUnserviceable {
		until := c.now().Add(c.ttl)
		quote.CooldownUntil = &until
		c.cooldown.Set(key, quote, ttlcache.DefaultTTL)
		if c.persist != nil {
			if err := c.persist.SaveCooldown(ctx, key, quote, until); err != nil {
				c.logger.Warn().Err(err).Msg("store no-route cooldown failed")
			}
		}
		c.metrics.NoRoute()
		c.logger.Warn().Str("quote_id", quote.QuoteID).Str("reason", quote.Message).Dur("cooldown", c.ttl).Msg("no bridge route available")
	}
	return quote, nil
}

func (c *Client) inCooldown(ctx context.Context, key string) (model.RefillQuote, bool) {
	now := c.now()
	if item := c.cooldown.Get(key); item != nil && now.Before(item.ExpiresAt()) {
		c.logger.Debug().Time("until", item.ExpiresAt()).Msg("refill quote in no-route cooldown")
		return item.Value(), true
	}
	if c.persist == nil {
		return model.RefillQuote{}, false
	}
	quote, ok, err := c.persist.Cooldown(ctx, key, now)
	if err != nil {
		c.logger.Debug().Err(err).Msg("read stored no-route cooldown failed")
		return model.RefillQuote{}, false
	}
	if !ok {
		return model.RefillQuote{}, false
	}
	if quote.CooldownUntil != nil {
		if left := quote.CooldownUntil.Sub(now); left > 0 {
			c.cooldown.Set(key, quote, left)
		}
	}
	c.logger.Debug().Msg("refill quote in stored no-route cooldown")
	return quote, true
}

func decodeQuote(resp refillRequirementsResponse, now time.Time) model.RefillQuote {
	quote := model.RefillQuote{
		QuoteID:          resp.ID,
		IsRefillRequired: resp.IsRefillRequired,
		Deposits:         plainAmounts(resp.BridgeRefillRequirements),
		Legs:             make([]model.QuoteLeg, 0, len(resp.BridgeRequestStatus)),
	}
	if resp.ExpirationTimestamp > 0 {
		expires := time.Unix(resp.ExpirationTimestamp, 0).UTC()
		quote.ExpiresAt = &expires
	}

	failed := resp.Error
	for _, leg := range resp.BridgeRequestStatus {
		status := strings.ToUpper(strings.TrimSpace(leg.Status))
		quote.Legs = append(quote.Legs, model.QuoteLeg{
			Provider:       leg.Provider,
			FeeEstimate:    string(leg.Fee),
			ExpectedAmount: string(leg.ToAmount),
			ETASeconds:     leg.ETA,
			Status:         status,
			Message:        leg.Message,
		})
		switch status {
		case quoteFailed:
			failed = true
			if quote.Message == "" {
				quote.Message = leg.Message
			}
		case quoteDone:
			if leg.ETA > quote.ETASeconds {
				quote.ETASeconds = leg.ETA
			}
		}
	}

	switch {
	case failed:
		quote.Outcome = model.QuoteOutcomeUnserviceable
		if quote.Message == "" {
			quote.Message = "no route available for the requested refill"
		}
	case len(quote.Legs) == 0:
		quote.Outcome = model.QuoteOutcomeSatisfied
	default:
		quote.Outcome = model.QuoteOutcomeQuoted
	}
	return quote
}

// Execute asks the backend to run a quote.
func (c *Client) Execute(ctx context.Context, quoteID string) (Observation, error) {
	var resp statusResponse
	url := registry.JoinURL(c.baseURL, registry.PathBridgeExecute)
	if err := c.http.SendJSON(ctx, http.MethodPost, url, executeRequest{ID: quoteID}, &resp); err != nil {
		return Observation{}, unavailable("execute bridge quote", err)
	}
	if resp.ID == "" {
		resp.ID = quoteID
	}
	return resp.observation(), nil
}

func (c *Client) Status(ctx context.Context, quoteID string) (Observation, error) {
	var resp statusResponse
	url := registry.JoinURL(c.baseURL, registry.BridgeStatusPath(quoteID))
	if err := c.http.GetJSON(ctx, url, &resp); err != nil {
		return Observation{}, unavailable("bridge status", err)
	}
	if resp.ID == "" {
		resp.ID = quoteID
	}
	return resp.observation(), nil
}

// unavailable keeps typed errors (timeouts, auth, rate limits) and marks
// anything else as a transport failure.
func unavailable(msg string, err error) error {
	if _, ok := clierr.As(err); ok {
		return err
	}
	return clierr.Wrap(clierr.CodeUnavailable, msg, err)
}

// requestSetKey identifies a set of requests independent of their order.
func requestSetKey(requests []model.BridgeRequest) string {
	parts := make([]string, 0, len(requests))
	for _, r := range requests {
		buf, _ := json.Marshal(r)
		parts = append(parts, strings.ToLower(string(buf)))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

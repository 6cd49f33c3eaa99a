package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/socialtag/cashback/pkg/metrics"
	"github.com/socialtag/cashback/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPClient is a wrapper around an http.Client that fails over across indexer endpoints with
// a per-endpoint circuit-breaker and a shared rate limiter.
type HTTPClient struct {
	endpoints []string
	client    *http.Client
	token     string
	limiter   *rate.Limiter
	logger    *zap.Logger

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Token           string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// OptsFromEnv reads INDEXER_URLS, INDEXER_TOKEN and INDEXER_RPS.
func OptsFromEnv() Opts {
	return Opts{
		Endpoints: utils.EnvList("INDEXER_URLS", []string{"https://mainnet-idx.4160.nodely.dev"}),
		Token:     utils.Env("INDEXER_TOKEN", ""),
		Timeout:   utils.EnvDuration("EXTERNAL_CALL_TIMEOUT", 30*time.Second),
		RPS:       utils.EnvInt("INDEXER_RPS", 10),
		Burst:     utils.EnvInt("INDEXER_BURST", 20),
	}
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 10
	}
	if o.Burst <= 0 {
		o.Burst = 2 * o.RPS
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	endpoints := make([]string, 0, len(o.Endpoints))
	for _, ep := range utils.Dedup(o.Endpoints) {
		if ep = strings.TrimRight(strings.TrimSpace(ep), "/"); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}

	return &HTTPClient{
		endpoints:        endpoints,
		client:           client,
		token:            o.Token,
		limiter:          rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		logger:           o.Logger,
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
}

// isOpen returns true if the endpoint's breaker is OPEN.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure opens the breaker once an endpoint reaches the failure threshold.
func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
		c.logger.Warn("Indexer endpoint breaker opened", zap.String("endpoint", ep), zap.Duration("cooldown", c.breakerCooldown))
	}
}

func (c *HTTPClient) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

// errAllOpen is returned when every endpoint is cooling down.
var errAllOpen = errors.New("all indexer endpoints are unavailable")

// getJSON issues a GET against each endpoint in turn until one answers 2xx, decoding the body
// into out. kind labels the request in metrics.
func (c *HTTPClient) getJSON(ctx context.Context, kind, path string, query url.Values, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	lastErr := errAllOpen
	for _, ep := range c.endpoints {
		if c.isOpen(ep) {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		target := ep + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("X-Indexer-API-Token", c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			metrics.IndexerRequests.WithLabelValues(kind, "error").Inc()
			lastErr = err
			c.noteFailure(ep)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		status := fmt.Sprintf("%d", resp.StatusCode)
		metrics.IndexerRequests.WithLabelValues(kind, status).Inc()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("server %d from %s", resp.StatusCode, ep)
			c.noteFailure(ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("http %d from %s", resp.StatusCode, ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}

		decErr := json.NewDecoder(resp.Body).Decode(out)
		_ = utils.DrainAndClose(resp.Body)
		if decErr != nil {
			lastErr = fmt.Errorf("decode %s response: %w", kind, decErr)
			continue
		}
		c.noteSuccess(ep)
		return nil
	}

	return lastErr
}

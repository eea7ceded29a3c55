// Package transport implements the probe's HTTP client for one federation
// target: canonical batch serialization, HMAC signing, bounded retries,
// and a circuit breaker that sheds load from a persistently failing
// upstream. Clients satisfy failover.Target so the failover controller can
// route batches across several of them.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/fiberstack/fiber/internal/model"
)

// ErrRejected marks a terminal upstream rejection (4xx other than 408).
// Rejections fail the push immediately but do not trip the circuit
// breaker: a malformed batch says nothing about target health.
var ErrRejected = errors.New("batch rejected")

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second

	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// RetryPolicy bounds delivery attempts for one batch. Delays grow as
// base * 2^(attempt-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = defaultMaxAttempts
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = defaultBaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = defaultMaxDelay
	}
	return r
}

// Config describes one federation target.
type Config struct {
	Name   string
	URL    string
	Token  string // bearer token; empty omits the Authorization header
	NodeID string
	Secret string // federation HMAC secret
	Retry  RetryPolicy

	// RequestTimeout bounds a single HTTP attempt. Defaults to 10s.
	RequestTimeout time.Duration
}

// Client pushes signed metric batches to a single federation target.
type Client struct {
	name           string
	url            string
	token          string
	nodeID         string
	secret         []byte
	retry          RetryPolicy
	requestTimeout time.Duration
	http           *http.Client
	breaker        *gobreaker.CircuitBreaker
	log            *slog.Logger
}

// NewClient builds a Client for one target.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	c := &Client{
		name:           cfg.Name,
		url:            cfg.URL,
		token:          cfg.Token,
		nodeID:         cfg.NodeID,
		secret:         []byte(cfg.Secret),
		retry:          cfg.Retry.withDefaults(),
		requestTimeout: cfg.RequestTimeout,
		http:           &http.Client{},
		log:            log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state change", "target", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Name reports the target name for failover routing and logs.
func (c *Client) Name() string { return c.name }

// Push signs and delivers one batch, retrying transient failures. An open
// circuit fails fast without touching the network.
func (c *Client) Push(ctx context.Context, metrics []model.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.push(ctx, metrics)
	})
	if err != nil {
		return fmt.Errorf("transport: %s: %w", c.name, err)
	}
	return nil
}

func (c *Client) push(ctx context.Context, metrics []model.Metric) error {
	body, err := CanonicalJSON(model.Batch{NodeID: c.nodeID, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	batchID := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		// Fresh nonce and timestamp per attempt: the gateway burns the nonce
		// even when its response is lost in transit, and the stable batch id
		// lets its idempotency layer absorb the case where the first attempt
		// actually landed.
		nonce := uuid.NewString()
		timestamp := time.Now().UTC().Format(time.RFC3339)
		sig := Sign(c.secret, batchID, timestamp, nonce, body)

		lastErr = c.send(ctx, batchID, timestamp, nonce, sig, body)
		if lastErr == nil {
			c.log.Info("pushed batch",
				"target", c.name, "batch_id", batchID, "metrics", len(metrics), "attempt", attempt)
			return nil
		}
		if errors.Is(lastErr, ErrRejected) {
			c.log.Error("batch rejected",
				"target", c.name, "batch_id", batchID, "error", lastErr)
			return lastErr
		}
		c.log.Warn("push attempt failed",
			"target", c.name, "batch_id", batchID,
			"attempt", attempt, "max_attempts", c.retry.MaxAttempts, "error", lastErr)

		if attempt == c.retry.MaxAttempts {
			break
		}
		delay := min(c.retry.MaxDelay, c.retry.BaseDelay<<(attempt-1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

// Heartbeat reports the probe's liveness and active target to this
// target's gateway. Heartbeats are unsigned, best-effort, and make a
// single attempt: a lost one is replaced by the next tick, so neither
// retries nor the circuit breaker are involved.
func (c *Client) Heartbeat(ctx context.Context, status model.ProbeStatus) error {
	hbURL, err := c.endpoint("/api/probe/heartbeat")
	if err != nil {
		return fmt.Errorf("transport: %s: %w", c.name, err)
	}
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("transport: %s: encode heartbeat: %w", c.name, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, hbURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: %s: create request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s: send heartbeat: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("transport: %s: heartbeat HTTP %d", c.name, resp.StatusCode)
	}
	return nil
}

// endpoint swaps the path of the configured target URL. The batch URL
// points straight at the ingest route; sibling routes share its host.
func (c *Client) endpoint(path string) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

// send performs one HTTP attempt under the per-attempt timeout.
func (c *Client) send(ctx context.Context, batchID, timestamp, nonce, sig string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderBatchID, batchID)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, sig)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("HTTP %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(snippet)), ErrRejected)
	default:
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
}

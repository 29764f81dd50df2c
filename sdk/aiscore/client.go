// Package aiscore talks to the AI routing service that scores relay nodes.
package aiscore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	settleerrors "devpn/core/errors"
	"devpn/core/types"
)

const (
	serviceName    = "ai-scoring"
	defaultTimeout = 5 * time.Second
)

// NodeMetrics is the performance snapshot shared with the service.
type NodeMetrics struct {
	Node      string  `json:"node"`
	Latency   float64 `json:"latency"`
	Loss      float64 `json:"loss"`
	Jitter    float64 `json:"jitter"`
	Uptime    int64   `json:"uptime"`
	Bandwidth float64 `json:"bandwidth"`
}

// MetricsFromNode builds a snapshot from the stored node record. Missing
// metrics are reported as zero.
func MetricsFromNode(node types.Node) NodeMetrics {
	m := NodeMetrics{Node: node.Address}
	if node.Latency != nil {
		m.Latency = *node.Latency
	}
	if node.Loss != nil {
		m.Loss = *node.Loss
	}
	if node.Uptime != nil {
		m.Uptime = *node.Uptime
	}
	if node.Bandwidth != nil {
		m.Bandwidth = *node.Bandwidth
	}
	return m
}

// Client calls the scoring service. Requests are rate limited and traced.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is not wrapped.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New constructs a client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("aiscore: base url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("aiscore: parse base url: %w", err)
	}
	c := &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Score returns the service's score for address. Any transport or status
// failure is reported as an ExternalServiceError.
func (c *Client) Score(ctx context.Context, address string) (float64, error) {
	var resp scoreResponse
	path := "/node/" + url.PathEscape(address) + "/score"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, settleerrors.External(serviceName, "score", err)
	}
	return resp.Score, nil
}

// ReportMetrics posts a node's metrics snapshot.
func (c *Client) ReportMetrics(ctx context.Context, metrics NodeMetrics) error {
	return settleerrors.External(serviceName, "node_metrics", c.do(ctx, http.MethodPost, "/node/metrics", metrics, nil))
}

// UpdateReputation posts metrics to the reputation endpoint and returns the
// refreshed reputation score.
func (c *Client) UpdateReputation(ctx context.Context, metrics NodeMetrics) (int, error) {
	var resp scoreResponse
	if err := c.do(ctx, http.MethodPost, "/reputation/update", metrics, &resp); err != nil {
		return 0, settleerrors.External(serviceName, "reputation_update", err)
	}
	return int(resp.Score), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

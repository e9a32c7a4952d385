package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/protosnap/protosnap/internal/config"
	"github.com/protosnap/protosnap/pkg/types"
)

const (
	listPath = "/prototype/list"

	// maxErrorBody caps how much of a non-2xx body is kept in failure details.
	maxErrorBody = 1024
)

// Client talks to the ProtoPedia API. It is safe for concurrent use.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	log       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client built from config. Auth and tracing
// are then the caller's responsibility.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient builds a Client from cfg. The HTTP client is built once and reused.
func NewClient(cfg config.UpstreamConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		http:      buildHTTPClient(cfg),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// authRoundTripper injects the bearer token and user agent into every request.
type authRoundTripper struct {
	base      http.RoundTripper
	token     string
	userAgent string
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the upstream's auth and TLS
// settings, traced by otelhttp.
func buildHTTPClient(cfg config.UpstreamConfig) *http.Client {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	transport := &authRoundTripper{
		base:      otelhttp.NewTransport(&http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment}),
		token:     cfg.Token(),
		userAgent: cfg.UserAgent,
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultUpstreamTimeout
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// listResponse is the /prototype/list envelope.
type listResponse struct {
	Results []Record `json:"results"`
}

// ListPrototypes fetches one page of raw records. Every error is a *FetchFailure.
func (c *Client) ListPrototypes(ctx context.Context, params ListParams) ([]Record, error) {
	url := c.baseURL + listPath
	if q := params.Query().Encode(); q != "" {
		url += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchFailure{
			Kind:    KindNetwork,
			Code:    CodeNetwork,
			Message: fmt.Sprintf("build request: %v", err),
			Err:     err,
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportFailure(ctx, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusFailure(resp.StatusCode, url, strings.TrimSpace(string(body)))
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, transportFailure(ctx, url, err)
		}
		return nil, decodeFailure(resp.StatusCode, url, err)
	}
	if out.Results == nil {
		out.Results = []Record{}
	}
	return out.Results, nil
}

// Fetch lists and normalizes prototypes. It matches repository.FetchFunc.
func (c *Client) Fetch(ctx context.Context, params ListParams) ([]types.Prototype, error) {
	start := time.Now()
	records, err := c.ListPrototypes(ctx, params)
	if err != nil {
		c.log.Warn("upstream: list prototypes failed", "err", err)
		return nil, err
	}
	c.log.Debug("upstream: list prototypes",
		"count", len(records), "duration_ms", time.Since(start).Milliseconds())
	return NormalizeAll(records), nil
}

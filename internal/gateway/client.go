package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxResponseBodySize bounds how much of a response body is read (1MB).
	maxResponseBodySize = 1 << 20

	defaultTimeout = 30 * time.Second
)

// Credentials supplies the bearer credential for identity-scoped calls and is
// told when the remote service rejects it. CredentialRejected receives the
// token that was attached to the rejected request.
type Credentials interface {
	Credential() string
	CredentialRejected(token string, err *RemoteError)
}

// Config holds gateway configuration.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Engine            string
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8000",
		Timeout:           defaultTimeout,
		RequestsPerSecond: 5,
		Burst:             10,
		Engine:            "llama",
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithAgentProbe adds a gRPC health probe of the agent service to
// connectivity checks.
func WithAgentProbe(p *AgentProbe) Option {
	return func(c *Client) {
		c.probe = p
	}
}

// Client is the shared Request Gateway. One instance exists per process.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	engine  string
	probe   *AgentProbe
	logger  *slog.Logger

	credsMu sync.RWMutex
	creds   Credentials
}

// New creates a gateway client for the service at cfg.BaseURL.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	engine := cfg.Engine
	if engine == "" {
		engine = "llama"
	}

	c := &Client{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		engine:  engine,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UseCredentials binds the credential supplier. The session store binds
// itself once at construction.
func (c *Client) UseCredentials(creds Credentials) {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	c.creds = creds
}

// Close releases resources held by the client.
func (c *Client) Close() {
	if c.probe != nil {
		c.probe.Close()
	}
}

func (c *Client) credentials() Credentials {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds
}

type call struct {
	capability string
	method     string
	path       []string
	query      url.Values
	body       any
	authed     bool
}

// do performs one call and decodes a 2xx JSON body into out.
// Every failure is returned as a *RemoteError.
func (c *Client) do(ctx context.Context, cl call, out any) (rerr *RemoteError) {
	started := time.Now()
	defer func() {
		observe(cl.capability, started, rerr)
		if rerr != nil {
			c.logger.Debug("gateway call failed",
				"capability", cl.capability,
				"kind", rerr.Kind,
				"status", rerr.Status,
				"error", rerr.Err,
			)
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(cl.capability, err)
	}

	var reader io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return &RemoteError{Kind: KindClient, Capability: cl.capability, Message: "request could not be encoded", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	u := c.base.JoinPath(cl.path...)
	if len(cl.query) > 0 {
		u.RawQuery = cl.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), reader)
	if err != nil {
		return &RemoteError{Kind: KindClient, Capability: cl.capability, Message: "request could not be built", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var (
		creds Credentials
		token string
	)
	if cl.authed {
		if creds = c.credentials(); creds != nil {
			token = creds.Credential()
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(cl.capability, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "capability", cl.capability, "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return transportError(cl.capability, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := statusError(cl.capability, resp.StatusCode, body)
		if serr.Kind == KindAuth && creds != nil && token != "" {
			c.logger.Warn("credential rejected by tutoring service",
				"capability", cl.capability,
				"status", resp.StatusCode,
			)
			creds.CredentialRejected(token, serr)
		}
		return serr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &RemoteError{
			Kind:       KindServer,
			Capability: cl.capability,
			Status:     resp.StatusCode,
			Message:    "the tutoring service sent a malformed response",
			Err:        err,
		}
	}
	return nil
}

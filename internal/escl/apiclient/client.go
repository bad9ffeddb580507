// Package apiclient talks to the ESCL Connect-RPC API.
//
// Every call is a JSON POST authenticated with a bearer token. HTTP statuses
// are returned to the caller untouched; only transport failures become
// errors (*NetworkError).
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://core-api-prod.escl.workers.dev"
	DefaultTimeout = 10 * time.Second

	origin                 = "https://fightnt.escl.co.jp"
	referer                = "https://fightnt.escl.co.jp/"
	connectProtocolVersion = "1"

	pathCreateApplication = "/user.v1.UserApplicationService/CreateApplication"
	pathMe                = "/user.v1.UserService/Me"

	maxBodyBytes = 1 << 20
)

var (
	ErrUnauthorized = errors.New("apiclient: unauthorized")
	ErrNoToken      = errors.New("apiclient: no bearer token")
)

// NetworkError wraps transport failures (DNS, connect, timeout, reset).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return "apiclient: " + e.Op + ": " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// Response is one API reply. Payload is nil unless the body is a JSON object.
type Response struct {
	StatusCode int
	Payload    map[string]any
	Text       string
}

func (r Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Err maps a 401 to ErrUnauthorized and any other non-2xx to a generic error.
func (r Response) Err() error {
	switch {
	case r.OK():
		return nil
	case r.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("apiclient: unexpected status %d", r.StatusCode)
	}
}

// Config is shared by every Client a Factory hands out.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64 // 0 disables client-side throttling
	Burst      int
	HTTPClient *http.Client
}

// Factory builds per-token clients that share one HTTP client and one rate
// limiter.
type Factory struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

func NewFactory(cfg Config) *Factory {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Factory{
		baseURL: base,
		timeout: timeout,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// For returns a client bound to token.
func (f *Factory) For(token string) *Client {
	return &Client{f: f, token: token}
}

type Client struct {
	f     *Factory
	token string
}

// CreateApplication submits an entry for teamID to scrimID.
func (c *Client) CreateApplication(ctx context.Context, scrimID, teamID int64) (Response, error) {
	return c.post(ctx, pathCreateApplication, map[string]int64{"scrimId": scrimID, "teamId": teamID})
}

// Me returns the profile the token belongs to.
func (c *Client) Me(ctx context.Context) (Response, error) {
	return c.post(ctx, pathMe, struct{}{})
}

func (c *Client) post(ctx context.Context, path string, body any) (Response, error) {
	if strings.TrimSpace(c.token) == "" {
		return Response{}, ErrNoToken
	}
	if err := c.f.limiter.Wait(ctx); err != nil {
		return Response{}, &NetworkError{Op: path, Err: err}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.f.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", referer)
	req.Header.Set("Connect-Protocol-Version", connectProtocolVersion)

	resp, err := c.f.http.Do(req)
	if err != nil {
		return Response{}, &NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, &NetworkError{Op: path, Err: err}
	}

	out := Response{StatusCode: resp.StatusCode, Text: string(raw)}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		out.Payload = payload
	}
	return out, nil
}

// Package authority implements the HTTP client for the Authority's
// delta-feed and batch-read protocol: retried requests with
// exponential backoff, idempotent batch fetches, and conditional
// reads for the DHCP export.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linbo-net/runtime/pkg/types"
)

// Sentinel errors surfaced to SyncService so it can branch on error
// kind without string matching.
var (
	// ErrUnreachable means the Authority could not be reached at all
	// (network error, or every retry attempt exhausted on a 5xx/429).
	ErrUnreachable = errors.New("authority: unreachable")

	// ErrUnauthorized is fatal to the sync loop; the client never
	// retries it.
	ErrUnauthorized = errors.New("authority: unauthorized")

	// ErrStaleCursor signals the Authority does not recognize the
	// supplied cursor; the caller should fall back to a full sync.
	ErrStaleCursor = errors.New("authority: stale cursor")
)

// Config configures an AuthorityClient.
type Config struct {
	BaseURL     string
	BearerToken string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     []time.Duration
	HTTPClient  *http.Client
}

// DefaultConfig returns the policy defaults from the external
// interfaces spec: 10s timeout, 3 attempts, 500ms/1s/2s backoff.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
		MaxAttempts: 3,
		Backoff:     []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second},
	}
}

// Client is the Authority delta-feed and batch-read HTTP client.
type Client struct {
	cfg Config
	hc  *http.Client
}

// New creates a Client from cfg, filling in defaults for any zero
// field.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, hc: hc}
}

// ChangesResponse is the delta-feed response shape.
type ChangesResponse struct {
	NextCursor        types.Cursor `json:"nextCursor"`
	HostsChanged      []string     `json:"hostsChanged"`
	ConfigsChanged    []string     `json:"configsChanged"`
	StartConfsChanged []string     `json:"startConfsChanged"`
	DhcpChanged       bool         `json:"dhcpChanged"`
	DeletedHosts      []string     `json:"deletedHosts"`
	DeletedStartConfs []string     `json:"deletedStartConfs"`
}

// Empty reports whether the response carries no changes at all.
func (r *ChangesResponse) Empty() bool {
	return len(r.HostsChanged) == 0 && len(r.ConfigsChanged) == 0 &&
		len(r.StartConfsChanged) == 0 && !r.DhcpChanged &&
		len(r.DeletedHosts) == 0 && len(r.DeletedStartConfs) == 0
}

// GetChanges requests everything changed since cursor. An empty
// cursor requests a full snapshot of current entity ids.
func (c *Client) GetChanges(ctx context.Context, cursor types.Cursor) (*ChangesResponse, error) {
	url := fmt.Sprintf("%s/api/v1/linbo/changes?since=%s", c.cfg.BaseURL, cursor)

	var out ChangesResponse
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartConf is one raw start.conf body returned by a batch fetch.
type StartConf struct {
	ID      string `json:"id"`
	RawText string `json:"rawText"`
}

// BatchGetHosts fetches full host records for the given MACs. Unknown
// MACs are simply absent from the result, not an error.
func (c *Client) BatchGetHosts(ctx context.Context, macs []string) ([]*types.HostRecord, error) {
	url := fmt.Sprintf("%s/api/v1/linbo/hosts:batch", c.cfg.BaseURL)
	body, _ := json.Marshal(map[string][]string{"macs": macs})

	var out struct {
		Hosts []*types.HostRecord `json:"hosts"`
	}
	if err := c.doJSON(ctx, http.MethodPost, url, body, &out); err != nil {
		return nil, err
	}
	return out.Hosts, nil
}

// BatchGetConfigs fetches parsed configs for the given group ids.
func (c *Client) BatchGetConfigs(ctx context.Context, ids []string) ([]*types.ConfigRecord, error) {
	url := fmt.Sprintf("%s/api/v1/linbo/configs:batch", c.cfg.BaseURL)
	body, _ := json.Marshal(map[string][]string{"ids": ids})

	var out struct {
		Configs []*types.ConfigRecord `json:"configs"`
	}
	if err := c.doJSON(ctx, http.MethodPost, url, body, &out); err != nil {
		return nil, err
	}
	return out.Configs, nil
}

// BatchGetStartConfs fetches raw start.conf bodies for the given ids.
func (c *Client) BatchGetStartConfs(ctx context.Context, ids []string) ([]StartConf, error) {
	url := fmt.Sprintf("%s/api/v1/linbo/startconfs:batch", c.cfg.BaseURL)
	body, _ := json.Marshal(map[string][]string{"ids": ids})

	var out struct {
		StartConfs []StartConf `json:"startConfs"`
	}
	if err := c.doJSON(ctx, http.MethodPost, url, body, &out); err != nil {
		return nil, err
	}
	return out.StartConfs, nil
}

// DhcpExport is the result of a conditional DHCP export read.
type DhcpExport struct {
	NotModified bool
	Body        []byte
	ETag        string
}

// GetDhcpExport fetches the dnsmasq-proxy DHCP export, supporting a
// conditional If-None-Match read via etag.
func (c *Client) GetDhcpExport(ctx context.Context, etag string) (*DhcpExport, error) {
	url := fmt.Sprintf("%s/api/v1/linbo/dhcp/export/dnsmasq-proxy", c.cfg.BaseURL)

	var result *DhcpExport
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		c.setHeaders(req)
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNotModified:
			result = &DhcpExport{NotModified: true, ETag: etag}
			return nil
		case http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			result = &DhcpExport{Body: body, ETag: resp.Header.Get("ETag")}
			return nil
		default:
			return classifyStatus(resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HealthResult is the outcome of a liveness check.
type HealthResult struct {
	Healthy bool
	Version string
}

// CheckHealth calls GET /health. It does not retry: an unreachable
// Authority simply reports unhealthy.
func (c *Client) CheckHealth(ctx context.Context) HealthResult {
	url := fmt.Sprintf("%s/health", c.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthResult{Healthy: false}
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return HealthResult{Healthy: false}
	}
	defer resp.Body.Close()

	var out struct {
		Version string `json:"version"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return HealthResult{Healthy: resp.StatusCode == http.StatusOK, Version: out.Version}
}

// doJSON performs a retried request and decodes a JSON response body
// into out.
func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out interface{}) error {
	return c.withRetry(ctx, func() error {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		c.setHeaders(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusConflict {
			// Authority signals the cursor it was given is unknown to it.
			return ErrStaleCursor
		}
		if resp.StatusCode != http.StatusOK {
			return classifyStatus(resp.StatusCode)
		}

		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
}

// classifyStatus maps an HTTP status to a sentinel error, or a plain
// error for a 4xx that is neither retryable nor fatal in a known way.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnreachable, status)
	default:
		return fmt.Errorf("authority: unexpected status %d", status)
	}
}

// IsStaleCursor reports whether err is (or wraps) ErrStaleCursor.
func IsStaleCursor(err error) bool { return errors.Is(err, ErrStaleCursor) }

// withRetry runs fn up to MaxAttempts times. A 4xx other than 429 is
// never retried (per policy); ErrUnauthorized is never retried and
// ErrStaleCursor is never retried (it must surface immediately so the
// caller can fall back to a full sync).
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrStaleCursor) {
			return err
		}
		if !errors.Is(err, ErrUnreachable) {
			// Non-retryable 4xx.
			return err
		}

		if attempt < len(c.cfg.Backoff) {
			select {
			case <-time.After(c.cfg.Backoff[attempt]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

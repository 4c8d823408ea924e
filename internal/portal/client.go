package portal

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultUserAgent   = "campusmirror/1.0"
	defaultTimeout     = 60 * time.Second
	defaultMaxBodySize = 10 * 1024 * 1024 // 10MB
)

// ClientConfig carries the externally supplied portal addresses and paths.
// The portal exposes no API; these are the server-rendered pages the mirror
// is built from.
type ClientConfig struct {
	BaseURL       string // e.g. https://portal.example.edu
	IndexPath     string // semester overview page
	ListingPath   string // course/folder listing page, takes ref_id
	ProfilePath   string // account profile page
	HomePath      string // authenticated landing page, used for liveness probes
	SessionCookie string // name of the portal's session cookie
	UserAgent     string
	Timeout       time.Duration
	MaxConcurrent int
	MaxBodySize   int64
}

// Client fetches portal pages over HTTP, attaching the session token as the
// portal's session cookie on every request.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	cfg        ClientConfig
	guard      *ResourceGuard
}

// StatusError is returned when the portal answers with a non-200 status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal returned HTTP %d for %s", e.Code, e.URL)
}

// NewClient creates a portal page client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid portal base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("portal base URL must be http or https, got %q", base.Scheme)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}

	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects (max 10)")
				}
				return nil
			},
		},
		base:  base,
		cfg:   cfg,
		guard: NewResourceGuard(cfg.MaxConcurrent, cfg.MaxBodySize),
	}, nil
}

// Host returns the portal host, the unit the crawl pacer keys on.
func (c *Client) Host() string {
	return c.base.Host
}

// FetchIndex fetches the semester overview page.
func (c *Client) FetchIndex(ctx context.Context, token string) (string, error) {
	return c.get(ctx, token, c.pageURL(c.cfg.IndexPath, nil))
}

// FetchListing fetches the listing page for a course or folder reference.
func (c *Client) FetchListing(ctx context.Context, token, ref string) (string, error) {
	return c.get(ctx, token, c.pageURL(c.cfg.ListingPath, url.Values{"ref_id": {ref}}))
}

// FetchProfile fetches the account profile page.
func (c *Client) FetchProfile(ctx context.Context, token string) (string, error) {
	return c.get(ctx, token, c.pageURL(c.cfg.ProfilePath, nil))
}

// Probe fetches the authenticated landing page. Callers sniff the body for
// login-form markers to decide whether the token is still alive.
func (c *Client) Probe(ctx context.Context, token string) (string, error) {
	return c.get(ctx, token, c.pageURL(c.cfg.HomePath, nil))
}

// CheckConnectivity issues a cheap unauthenticated request against the
// portal host. Used as a pre-flight before probing a cached token so that an
// offline machine fails fast instead of timing out per page.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("portal unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) pageURL(path string, query url.Values) string {
	u := *c.base
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) get(ctx context.Context, token, pageURL string) (string, error) {
	if err := c.guard.Acquire(ctx); err != nil {
		return "", err
	}
	defer c.guard.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: c.cfg.SessionCookie, Value: token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, URL: pageURL}
	}

	body, err := c.guard.ReadBody(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	return string(body), nil
}

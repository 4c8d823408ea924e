package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
)

// RobotsAdvisor reads the portal's robots.txt for a crawl-delay hint. The
// mirror crawls authenticated pages robots rules don't govern, but honoring
// a published crawl-delay keeps the pacing on the polite side of the
// portal's abuse defenses.
type RobotsAdvisor struct {
	baseURL   string
	userAgent string
	client    *http.Client
	cache     *cache.Cache
}

// NewRobotsAdvisor creates an advisor for the given portal base URL.
func NewRobotsAdvisor(baseURL, userAgent string) *RobotsAdvisor {
	return &RobotsAdvisor{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 10 * time.Second},
		cache:     cache.New(24*time.Hour, 1*time.Hour),
	}
}

// CrawlDelay returns the crawl-delay published for our user agent, or zero
// when robots.txt is absent, unreadable or silent on the matter.
func (r *RobotsAdvisor) CrawlDelay(ctx context.Context) (time.Duration, error) {
	if cached, found := r.cache.Get(r.baseURL); found {
		return cached.(time.Duration), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/robots.txt", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		r.cache.Set(r.baseURL, time.Duration(0), cache.DefaultExpiration)
		return 0, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.cache.Set(r.baseURL, time.Duration(0), cache.DefaultExpiration)
		return 0, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return 0, fmt.Errorf("read robots.txt: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		r.cache.Set(r.baseURL, time.Duration(0), cache.DefaultExpiration)
		return 0, nil
	}

	delay := data.FindGroup(r.userAgent).CrawlDelay
	r.cache.Set(r.baseURL, delay, cache.DefaultExpiration)
	return delay, nil
}

// Package jobs runs the periodic background crawl. The portal pushes
// nothing; the mirror stays fresh by polling on an interval.
package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"campusmirror/internal/crawler"
)

// CrawlScheduler runs full crawls on a fixed interval. Overlap protection
// comes from the crawler's own per-user single-flight guard; a tick landing
// mid-crawl is simply skipped.
type CrawlScheduler struct {
	scheduler gocron.Scheduler
	crawler   *crawler.Crawler
	userID    string
	opts      crawler.Options
	interval  time.Duration
	timeout   time.Duration
}

// NewCrawlScheduler creates a scheduler for periodic crawls.
func NewCrawlScheduler(c *crawler.Crawler, userID string, opts crawler.Options, interval time.Duration) (*CrawlScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	return &CrawlScheduler{
		scheduler: scheduler,
		crawler:   c,
		userID:    userID,
		opts:      opts,
		interval:  interval,
		timeout:   interval,
	}, nil
}

// Start schedules the periodic crawl and begins running it.
func (s *CrawlScheduler) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.run),
	)
	if err != nil {
		return err
	}
	s.scheduler.Start()
	log.Printf("✅ [SCHEDULER] Periodic crawl scheduled every %s for user %s", s.interval, s.userID)
	return nil
}

// Stop shuts the scheduler down, waiting for a running tick to finish.
func (s *CrawlScheduler) Stop() error {
	return s.scheduler.Shutdown()
}

func (s *CrawlScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.crawler.Crawl(ctx, s.userID, s.opts)
	switch {
	case errors.Is(err, crawler.ErrCrawlInProgress):
		log.Printf("⏭  [SCHEDULER] Skipping tick, crawl still running for user %s", s.userID)
	case err != nil:
		log.Printf("❌ [SCHEDULER] Scheduled crawl failed for user %s: %v", s.userID, err)
	default:
		log.Printf("✅ [SCHEDULER] Scheduled crawl done for user %s (changed=%v, branch errors=%d)",
			s.userID, res.HasChanged, len(res.Errors))
	}
}

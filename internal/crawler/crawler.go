// Package crawler reconciles the remote portal hierarchy into the local
// mirror. Traversal is level-order: the portal only exposes one level of
// children per page fetch and the total depth is unknown upfront, so each
// pass re-queries the store for directories the current crawl has not
// visited yet instead of recursing in memory.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"campusmirror/internal/models"
	"campusmirror/internal/portal"
	"campusmirror/internal/store"
)

// ErrCrawlInProgress is returned when a crawl for the same user is already
// running in this process.
var ErrCrawlInProgress = errors.New("crawl already in progress for user")

// Fetcher fetches portal pages. Implemented by portal.Client; tests swap in
// fixture-backed fakes.
type Fetcher interface {
	Host() string
	FetchIndex(ctx context.Context, token string) (string, error)
	FetchListing(ctx context.Context, token, ref string) (string, error)
	FetchProfile(ctx context.Context, token string) (string, error)
}

// SessionSource yields a live portal session.
type SessionSource interface {
	AcquireSession(ctx context.Context) (*models.Session, error)
}

// Config carries the crawler's optional collaborators. Everything is
// injected; independent crawler instances share no state.
type Config struct {
	// Workers bounds concurrent folder listing fetches. Values below 2 mean
	// strictly sequential traversal. Parallelism never bypasses the pacer,
	// which is shared across workers.
	Workers int
	// Robots, when set, is consulted once per crawl for a crawl-delay hint.
	Robots *RobotsAdvisor
	// Metrics, when set, receives fetch/error/duration observations.
	Metrics *Metrics
	// RefreshCache is the per-resource suppression window for Refresh.
	// Injected so instances (and tests) never leak suppression state into
	// each other.
	RefreshCache *cache.Cache
}

// Crawler drives idempotent reconciliation crawls.
type Crawler struct {
	fetch    Fetcher
	store    *store.Store
	sessions SessionSource
	pacer    *Pacer
	bus      *EventBus
	cfg      Config
	inFlight sync.Map // userID -> struct{}
	now      func() time.Time
}

// Options selects what a crawl covers.
type Options struct {
	// IncludeYears restricts index processing to these semesters. Empty
	// means every year on the index page.
	IncludeYears []string
}

// BranchError records a branch that was abandoned mid-crawl.
type BranchError struct {
	Name     string
	Ref      string
	CourseID string
	Err      error
}

// Result summarizes a crawl.
type Result struct {
	// HasChanged is the logical OR of every insert/update the crawl made.
	HasChanged bool
	// Indexed counts resources whose listing page was processed.
	Indexed int
	// Errors lists abandoned branches. A non-empty list still means the
	// crawl as a whole succeeded; failed subtrees keep their last-known
	// mirrored state.
	Errors []BranchError
	// Skipped is set when a Refresh was suppressed by its window.
	Skipped bool
}

type accumulator struct {
	mu         sync.Mutex
	hasChanged bool
	indexed    int
	errors     []BranchError
}

func (a *accumulator) markChanged() {
	a.mu.Lock()
	a.hasChanged = true
	a.mu.Unlock()
}

func (a *accumulator) markIndexed() {
	a.mu.Lock()
	a.indexed++
	a.mu.Unlock()
}

func (a *accumulator) addError(be BranchError) {
	a.mu.Lock()
	a.errors = append(a.errors, be)
	a.mu.Unlock()
}

func (a *accumulator) result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Result{HasChanged: a.hasChanged, Indexed: a.indexed, Errors: a.errors}
}

// New creates a crawler.
func New(fetch Fetcher, st *store.Store, sessions SessionSource, pacer *Pacer, bus *EventBus, cfg Config) *Crawler {
	return &Crawler{
		fetch:    fetch,
		store:    st,
		sessions: sessions,
		pacer:    pacer,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Crawl reconciles the full hierarchy for one user. Crawls are idempotent:
// against unchanged remote content a repeat run writes nothing and reports
// HasChanged=false. Per-branch failures are reported as events and in
// Result.Errors; only an index page failure aborts the whole crawl.
func (c *Crawler) Crawl(ctx context.Context, userID string, opts Options) (*Result, error) {
	if _, loaded := c.inFlight.LoadOrStore(userID, struct{}{}); loaded {
		return nil, ErrCrawlInProgress
	}
	defer c.inFlight.Delete(userID)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := c.now()
	c.cfg.Metrics.crawlStarted()

	sess, err := c.sessions.AcquireSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	if err := c.store.EnsureUser(userID, ""); err != nil {
		return nil, err
	}

	if c.cfg.Robots != nil {
		if delay, err := c.cfg.Robots.CrawlDelay(ctx); err == nil && delay > 0 {
			c.pacer.SetCrawlDelay(c.fetch.Host(), delay)
			log.Printf("🕸  [CRAWLER] Honoring robots crawl-delay of %s for %s", delay, c.fetch.Host())
		}
	}

	crawlID := uuid.New().String()
	acc := &accumulator{}
	c.publish(userID, models.CrawlEvent{Type: models.EventStart})

	// The index page is the root of everything; failing it fails the crawl.
	indexHTML, err := c.fetchPaced(ctx, func() (string, error) {
		return c.fetch.FetchIndex(ctx, sess.Token)
	})
	if err != nil {
		c.publish(userID, models.CrawlEvent{Type: models.EventError, Err: err.Error()})
		return nil, fmt.Errorf("fetch index: %w", err)
	}

	include := make(map[string]bool, len(opts.IncludeYears))
	for _, y := range opts.IncludeYears {
		include[y] = true
	}

	for _, section := range portal.ParseIndex(indexHTML) {
		if len(include) > 0 && !include[section.Year] {
			continue
		}
		for _, item := range section.Items {
			if err := ctx.Err(); err != nil {
				return acc.result(), err
			}
			c.upsertIndexItem(userID, crawlID, section.Year, item, acc)
		}
	}

	c.syncProfile(ctx, userID, sess.Token)

	// Level one: course root listings.
	courses, err := c.store.Courses(userID)
	if err != nil {
		return acc.result(), err
	}
	for _, course := range courses {
		if err := ctx.Err(); err != nil {
			return acc.result(), err
		}
		ref := models.ExternalRef(course.ID)
		c.publish(userID, models.CrawlEvent{Type: models.EventIndexing, Name: course.Title, Ref: ref, CourseID: course.ID})
		acc.markIndexed()
		if err := c.syncListing(ctx, userID, sess.Token, crawlID, course.ID, nil, ref, acc); err != nil {
			if ctx.Err() != nil {
				return acc.result(), ctx.Err()
			}
			acc.addError(BranchError{Name: course.Title, Ref: ref, CourseID: course.ID, Err: err})
			c.publish(userID, models.CrawlEvent{Type: models.EventError, Name: course.Title, Ref: ref, CourseID: course.ID, Err: err.Error()})
		}
	}

	// Deeper levels: keep re-querying until a pass finds nothing new. Each
	// processed directory is stamped with this crawl's id, so the loop
	// always terminates and picks up directories inserted mid-crawl.
	for {
		if err := ctx.Err(); err != nil {
			return acc.result(), err
		}
		dirs, err := c.store.UnprocessedDirectories(userID, crawlID)
		if err != nil {
			return acc.result(), err
		}
		if len(dirs) == 0 {
			break
		}
		if err := c.processDirectories(ctx, userID, sess.Token, crawlID, dirs, acc); err != nil {
			return acc.result(), err
		}
	}

	c.publish(userID, models.CrawlEvent{Type: models.EventFinish})
	c.cfg.Metrics.observeCrawl(time.Since(start).Seconds())

	res := acc.result()
	log.Printf("✅ [CRAWLER] Crawl finished for user %s: indexed=%d changed=%v branch_errors=%d (took %s)",
		userID, res.Indexed, res.HasChanged, len(res.Errors), time.Since(start).Round(time.Millisecond))
	return res, nil
}

// Refresh re-syncs a single course or directory and its immediate children.
// Repeat refreshes of the same resource inside the suppression window are
// skipped without touching the network.
func (c *Crawler) Refresh(ctx context.Context, userID, id string) (*Result, error) {
	key := userID + "/" + id
	if c.cfg.RefreshCache != nil {
		if _, found := c.cfg.RefreshCache.Get(key); found {
			return &Result{Skipped: true}, nil
		}
	}

	sess, err := c.sessions.AcquireSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	crawlID := uuid.New().String()
	acc := &accumulator{}

	if strings.HasPrefix(id, "d-") {
		dir, err := c.store.GetDirectory(userID, id)
		if err != nil {
			return nil, err
		}
		if dir == nil {
			return nil, fmt.Errorf("unknown directory %s", id)
		}
		parentID := dir.ID
		c.publish(userID, models.CrawlEvent{Type: models.EventIndexing, Name: dir.Name, Ref: models.ExternalRef(id), CourseID: dir.CourseID})
		acc.markIndexed()
		if err := c.syncListing(ctx, userID, sess.Token, crawlID, dir.CourseID, &parentID, models.ExternalRef(id), acc); err != nil {
			return nil, err
		}
	} else {
		course, err := c.store.GetCourse(userID, id)
		if err != nil {
			return nil, err
		}
		if course == nil {
			return nil, fmt.Errorf("unknown course %s", id)
		}
		c.publish(userID, models.CrawlEvent{Type: models.EventIndexing, Name: course.Title, Ref: models.ExternalRef(id), CourseID: id})
		acc.markIndexed()
		if err := c.syncListing(ctx, userID, sess.Token, crawlID, id, nil, models.ExternalRef(id), acc); err != nil {
			return nil, err
		}
	}

	if c.cfg.RefreshCache != nil {
		c.cfg.RefreshCache.Set(key, c.now(), cache.DefaultExpiration)
	}
	return acc.result(), nil
}

func (c *Crawler) upsertIndexItem(userID, crawlID, year string, item portal.IndexItem, acc *accumulator) {
	var created, changed bool
	var err error
	id := models.CourseID(item.Ref)

	switch item.Kind {
	case models.KindGroup:
		created, changed, err = c.store.UpsertGroup(models.Group{
			ID: id, UserID: userID, Title: item.Title, Year: year,
		}, crawlID)
	default:
		created, changed, err = c.store.UpsertCourse(models.Course{
			ID: id, UserID: userID, Title: item.Title, Year: year,
		}, crawlID)
	}
	if err != nil {
		acc.addError(BranchError{Name: item.Title, Ref: item.Ref, CourseID: id, Err: err})
		c.publish(userID, models.CrawlEvent{Type: models.EventError, Name: item.Title, Ref: item.Ref, CourseID: id, Err: err.Error()})
		return
	}
	if created {
		c.publish(userID, models.CrawlEvent{Type: models.EventNewItem, Name: item.Title, Ref: item.Ref, CourseID: id})
	}
	if created || changed {
		acc.markChanged()
		c.cfg.Metrics.itemUpserted()
	}
}

// syncListing fetches one listing page and reconciles its children under the
// given parent. Returns an error only for this branch; callers decide
// whether that is branch-fatal or crawl-fatal.
func (c *Crawler) syncListing(ctx context.Context, userID, token, crawlID, courseID string, parentID *string, ref string, acc *accumulator) error {
	body, err := c.fetchPaced(ctx, func() (string, error) {
		return c.fetch.FetchListing(ctx, token, ref)
	})
	if err != nil {
		return fmt.Errorf("fetch listing %s: %w", ref, err)
	}

	items := portal.ParseListing(body, models.KindFolder, models.KindFile, models.KindGroup)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		var created, changed bool
		var upErr error
		switch item.Kind {
		case models.KindFolder:
			created, changed, upErr = c.store.UpsertDirectory(models.Directory{
				ID: models.DirectoryID(item.Ref), UserID: userID,
				Name: item.Title, Description: item.Description,
				ParentID: parentID, CourseID: courseID,
			}, crawlID)
		case models.KindFile:
			created, changed, upErr = c.store.UpsertFile(models.File{
				ID: item.Ref, UserID: userID,
				Name: item.Title, Type: item.Extension,
				ParentID: parentID, CourseID: courseID,
			}, crawlID)
		case models.KindGroup:
			created, changed, upErr = c.store.UpsertGroup(models.Group{
				ID: models.CourseID(item.Ref), UserID: userID,
				Title: item.Title, Description: item.Description,
				ParentID: parentID,
			}, crawlID)
		default:
			continue
		}
		if upErr != nil {
			return upErr
		}
		if created {
			c.publish(userID, models.CrawlEvent{Type: models.EventNewItem, Name: item.Title, Ref: item.Ref, CourseID: courseID})
		}
		if created || changed {
			acc.markChanged()
			c.cfg.Metrics.itemUpserted()
		}
	}
	return nil
}

// processDirectories walks one traversal level, optionally fanning out over
// a bounded worker pool. Event order stays stable within a branch; branches
// may interleave.
func (c *Crawler) processDirectories(ctx context.Context, userID, token, crawlID string, dirs []models.Directory, acc *accumulator) error {
	workers := c.cfg.Workers
	if workers < 2 {
		for _, d := range dirs {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.processDirectory(ctx, userID, token, crawlID, d, acc)
		}
		return nil
	}

	jobs := make(chan models.Directory)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				c.processDirectory(ctx, userID, token, crawlID, d, acc)
			}
		}()
	}
	for _, d := range dirs {
		if ctx.Err() != nil {
			break
		}
		jobs <- d
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

func (c *Crawler) processDirectory(ctx context.Context, userID, token, crawlID string, d models.Directory, acc *accumulator) {
	ref := models.ExternalRef(d.ID)
	c.publish(userID, models.CrawlEvent{Type: models.EventIndexing, Name: d.Name, Ref: ref, CourseID: d.CourseID})
	acc.markIndexed()

	parentID := d.ID
	err := c.syncListing(ctx, userID, token, crawlID, d.CourseID, &parentID, ref, acc)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		acc.addError(BranchError{Name: d.Name, Ref: ref, CourseID: d.CourseID, Err: err})
		c.publish(userID, models.CrawlEvent{Type: models.EventError, Name: d.Name, Ref: ref, CourseID: d.CourseID, Err: err.Error()})
	}

	// Stamp the directory even after a failure: its subtree is abandoned at
	// last-known state for this crawl rather than retried forever.
	if err := c.store.MarkDirectoryProcessed(userID, d.ID, crawlID); err != nil {
		acc.addError(BranchError{Name: d.Name, Ref: ref, CourseID: d.CourseID, Err: err})
	}
}

// syncProfile scrapes the account email off the profile page. Best effort;
// a failure never affects the crawl.
func (c *Crawler) syncProfile(ctx context.Context, userID, token string) {
	body, err := c.fetchPaced(ctx, func() (string, error) {
		return c.fetch.FetchProfile(ctx, token)
	})
	if err != nil {
		log.Printf("⚠️  [CRAWLER] Profile fetch failed for user %s: %v", userID, err)
		return
	}
	if email := portal.ParseProfile(body); email != "" {
		if err := c.store.SetUserEmail(userID, email); err != nil {
			log.Printf("⚠️  [CRAWLER] Storing profile email failed for user %s: %v", userID, err)
		}
	}
}

// fetchPaced runs one outbound fetch behind the pacer. Every page fetch in
// the crawl funnels through here, so the spacing holds uniformly.
func (c *Crawler) fetchPaced(ctx context.Context, fetch func() (string, error)) (string, error) {
	if err := c.pacer.Wait(ctx, c.fetch.Host()); err != nil {
		return "", err
	}
	c.cfg.Metrics.pageFetched()
	body, err := fetch()
	if err != nil {
		c.cfg.Metrics.fetchError()
	}
	return body, err
}

func (c *Crawler) publish(userID string, ev models.CrawlEvent) {
	if c.bus != nil {
		c.bus.Publish(userID, ev)
	}
}

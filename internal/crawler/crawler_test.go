package crawler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cache "github.com/patrickmn/go-cache"

	"campusmirror/internal/models"
	"campusmirror/internal/store"
)

// Markup builders matching the portal page structure.

func semesterRow(year string, entries ...string) string {
	return fmt.Sprintf(`<div class="semester-row"><h3>%s</h3><ul>%s</ul></div>`,
		year, strings.Join(entries, ""))
}

func courseEntry(ref, title string) string {
	return fmt.Sprintf(`<li class="portal-item"><img class="icon icon-course" src="c.svg">`+
		`<a href="/portal/listing.php?ref_id=%s">%s</a></li>`, ref, title)
}

func indexDoc(rows ...string) string {
	return "<html><body>" + strings.Join(rows, "") + "</body></html>"
}

func folderEntry(ref, title string) string {
	return fmt.Sprintf(`<div class="listing-item"><img class="icon icon-folder" src="f.svg">`+
		`<a href="/portal/listing.php?ref_id=%s">%s</a></div>`, ref, title)
}

func fileEntry(ref, name string) string {
	return fmt.Sprintf(`<div class="listing-item"><img class="icon icon-file" src="f.svg">`+
		`<a href="/portal/download.php?target=%s">%s</a></div>`, ref, name)
}

func listingDoc(entries ...string) string {
	return "<html><body><div>" + strings.Join(entries, "") + "</div></body></html>"
}

type fakeFetcher struct {
	mu       sync.Mutex
	index    string
	listings map[string]string
	errs     map[string]error
	fetches  []string
	times    []time.Time
}

func (f *fakeFetcher) Host() string { return "portal.test" }

func (f *fakeFetcher) FetchIndex(ctx context.Context, token string) (string, error) {
	f.record("index")
	return f.index, nil
}

func (f *fakeFetcher) FetchListing(ctx context.Context, token, ref string) (string, error) {
	f.record(ref)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[ref]; err != nil {
		return "", err
	}
	if body, ok := f.listings[ref]; ok {
		return body, nil
	}
	return "<html><body></body></html>", nil
}

func (f *fakeFetcher) FetchProfile(ctx context.Context, token string) (string, error) {
	f.record("profile")
	return "<html><body></body></html>", nil
}

func (f *fakeFetcher) record(what string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, what)
	f.times = append(f.times, time.Now())
}

func (f *fakeFetcher) fetchCount(what string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.fetches {
		if got == what {
			n++
		}
	}
	return n
}

type fakeSessions struct{}

func (fakeSessions) AcquireSession(ctx context.Context) (*models.Session, error) {
	return &models.Session{Token: "tok", AcquiredAt: time.Now()}, nil
}

func newTestCrawler(t *testing.T, fetch *fakeFetcher, cfg Config) (*Crawler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.sqlite"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(fetch, st, fakeSessions{}, NewPacer(time.Millisecond), NewEventBus(), cfg), st
}

func TestCrawlMirrorsHierarchyAndIsIdempotent(t *testing.T) {
	fetch := &fakeFetcher{
		index: indexDoc(semesterRow("HWS 2024", courseEntry("1000", "Systems Programming"))),
		listings: map[string]string{
			"1000": listingDoc(folderEntry("2000", "Slides")),
			"2000": listingDoc(fileEntry("3000", "lecture1.pdf")),
		},
	}
	c, st := newTestCrawler(t, fetch, Config{})

	res, err := c.Crawl(context.Background(), "u1", Options{})
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	if !res.HasChanged {
		t.Error("Expected HasChanged on first crawl")
	}
	if len(res.Errors) != 0 {
		t.Errorf("Expected no branch errors, got %+v", res.Errors)
	}

	course, _ := st.GetCourse("u1", "c-1000")
	if course == nil || course.Title != "Systems Programming" || course.Year != "HWS 2024" {
		t.Fatalf("Unexpected course row: %+v", course)
	}
	dir, _ := st.GetDirectory("u1", "d-2000")
	if dir == nil || dir.CourseID != "c-1000" || dir.ParentID != nil {
		t.Fatalf("Unexpected directory row: %+v", dir)
	}
	file, _ := st.GetFile("u1", "3000")
	if file == nil || file.Name != "lecture1" || file.Type != "pdf" {
		t.Fatalf("Unexpected file row: %+v", file)
	}
	if file.ParentID == nil || *file.ParentID != "d-2000" {
		t.Errorf("Expected file parented under d-2000, got %+v", file.ParentID)
	}
	if file.CourseID != "c-1000" {
		t.Errorf("Expected file course c-1000, got %q", file.CourseID)
	}

	// Unchanged remote content: the repeat crawl must write nothing.
	res, err = c.Crawl(context.Background(), "u1", Options{})
	if err != nil {
		t.Fatalf("Repeat crawl failed: %v", err)
	}
	if res.HasChanged {
		t.Error("Expected HasChanged=false on repeat crawl over unchanged content")
	}
}

func TestCrawlIncludeYearsFilter(t *testing.T) {
	fetch := &fakeFetcher{
		index: indexDoc(
			semesterRow("HWS 2024", courseEntry("1000", "Systems Programming")),
			semesterRow("FSS 2024", courseEntry("900", "Databases")),
		),
	}
	c, st := newTestCrawler(t, fetch, Config{})

	if _, err := c.Crawl(context.Background(), "u1", Options{IncludeYears: []string{"HWS 2024"}}); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	if course, _ := st.GetCourse("u1", "c-1000"); course == nil {
		t.Error("Expected included course to be mirrored")
	}
	if course, _ := st.GetCourse("u1", "c-900"); course != nil {
		t.Errorf("Expected excluded semester to be skipped, got %+v", course)
	}
}

func TestCrawlBranchFailureIsolation(t *testing.T) {
	fetch := &fakeFetcher{
		index: indexDoc(semesterRow("HWS 2024",
			courseEntry("1000", "Systems Programming"),
			courseEntry("900", "Databases"),
		)),
		listings: map[string]string{
			"1000": listingDoc(folderEntry("2000", "Slides")),
		},
		errs: map[string]error{"900": errors.New("portal returned garbage")},
	}
	c, st := newTestCrawler(t, fetch, Config{})

	bus := c.bus
	_, events := bus.Subscribe("u1", 256)

	res, err := c.Crawl(context.Background(), "u1", Options{})
	if err != nil {
		t.Fatalf("Crawl must survive a branch failure: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("Expected exactly one branch error, got %+v", res.Errors)
	}
	if res.Errors[0].CourseID != "c-900" {
		t.Errorf("Expected failed branch c-900, got %+v", res.Errors[0])
	}

	// The sibling branch is unaffected.
	if dir, _ := st.GetDirectory("u1", "d-2000"); dir == nil {
		t.Error("Expected healthy sibling branch to be mirrored")
	}

	var errorEvents, finishEvents int
	for len(events) > 0 {
		ev := <-events
		switch ev.Type {
		case models.EventError:
			errorEvents++
		case models.EventFinish:
			finishEvents++
		}
	}
	if errorEvents != 1 {
		t.Errorf("Expected 1 error event, got %d", errorEvents)
	}
	if finishEvents != 1 {
		t.Errorf("Expected crawl to finish despite the failed branch, got %d finish events", finishEvents)
	}
}

func TestCrawlTraversesNestedFoldersAndTerminates(t *testing.T) {
	fetch := &fakeFetcher{
		index: indexDoc(semesterRow("HWS 2024", courseEntry("1000", "Systems Programming"))),
		listings: map[string]string{
			"1000": listingDoc(folderEntry("2000", "Slides")),
			"2000": listingDoc(folderEntry("2100", "Week 1")),
			"2100": listingDoc(folderEntry("2110", "Extras")),
			"2110": listingDoc(fileEntry("3000", "bonus.pdf")),
		},
	}
	c, st := newTestCrawler(t, fetch, Config{})

	if _, err := c.Crawl(context.Background(), "u1", Options{}); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	deep, _ := st.GetFile("u1", "3000")
	if deep == nil {
		t.Fatal("Expected deeply nested file to be mirrored")
	}
	if deep.ParentID == nil || *deep.ParentID != "d-2110" {
		t.Errorf("Expected parent d-2110, got %+v", deep.ParentID)
	}

	// Each directory listing is fetched exactly once per crawl.
	for _, ref := range []string{"2000", "2100", "2110"} {
		if n := fetch.fetchCount(ref); n != 1 {
			t.Errorf("Expected listing %s fetched once, got %d", ref, n)
		}
	}
}

func TestCrawlParallelWorkers(t *testing.T) {
	fetch := &fakeFetcher{
		index: indexDoc(semesterRow("HWS 2024", courseEntry("1000", "Systems Programming"))),
		listings: map[string]string{
			"1000": listingDoc(
				folderEntry("2000", "Slides"),
				folderEntry("2001", "Exercises"),
				folderEntry("2002", "Exams"),
			),
			"2000": listingDoc(fileEntry("3000", "a.pdf")),
			"2001": listingDoc(fileEntry("3001", "b.pdf")),
			"2002": listingDoc(fileEntry("3002", "c.pdf")),
		},
	}
	c, st := newTestCrawler(t, fetch, Config{Workers: 3})

	if _, err := c.Crawl(context.Background(), "u1", Options{}); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	for _, id := range []string{"3000", "3001", "3002"} {
		if f, _ := st.GetFile("u1", id); f == nil {
			t.Errorf("Expected file %s mirrored under worker pool", id)
		}
	}
}

func TestCrawlCancelledContext(t *testing.T) {
	fetch := &fakeFetcher{index: indexDoc(semesterRow("HWS 2024", courseEntry("1000", "X")))}
	c, _ := newTestCrawler(t, fetch, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Crawl(ctx, "u1", Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestCrawlSingleFlightPerUser(t *testing.T) {
	fetch := &fakeFetcher{index: indexDoc(semesterRow("HWS 2024", courseEntry("1000", "X")))}
	c, _ := newTestCrawler(t, fetch, Config{})

	c.inFlight.Store("u1", struct{}{})
	if _, err := c.Crawl(context.Background(), "u1", Options{}); !errors.Is(err, ErrCrawlInProgress) {
		t.Fatalf("Expected ErrCrawlInProgress, got %v", err)
	}

	// Another user is unaffected.
	if _, err := c.Crawl(context.Background(), "u2", Options{}); err != nil {
		t.Fatalf("Expected other user's crawl to proceed: %v", err)
	}
}

func TestRefreshSuppressionWindow(t *testing.T) {
	fetch := &fakeFetcher{
		index: indexDoc(semesterRow("HWS 2024", courseEntry("1000", "Systems Programming"))),
		listings: map[string]string{
			"1000": listingDoc(folderEntry("2000", "Slides")),
		},
	}
	c, _ := newTestCrawler(t, fetch, Config{RefreshCache: cache.New(time.Minute, time.Minute)})

	if _, err := c.Crawl(context.Background(), "u1", Options{}); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	fetchesBefore := fetch.fetchCount("1000")

	res, err := c.Refresh(context.Background(), "u1", "c-1000")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if res.Skipped {
		t.Fatal("First refresh must not be suppressed")
	}
	if fetch.fetchCount("1000") != fetchesBefore+1 {
		t.Error("Expected refresh to hit the listing page")
	}

	res, err = c.Refresh(context.Background(), "u1", "c-1000")
	if err != nil {
		t.Fatalf("Suppressed refresh failed: %v", err)
	}
	if !res.Skipped {
		t.Error("Expected repeat refresh inside the window to be suppressed")
	}
	if fetch.fetchCount("1000") != fetchesBefore+1 {
		t.Error("Suppressed refresh must not touch the network")
	}
}

func TestRefreshDirectory(t *testing.T) {
	fetch := &fakeFetcher{
		index: indexDoc(semesterRow("HWS 2024", courseEntry("1000", "Systems Programming"))),
		listings: map[string]string{
			"1000": listingDoc(folderEntry("2000", "Slides")),
			"2000": listingDoc(fileEntry("3000", "lecture1.pdf")),
		},
	}
	c, st := newTestCrawler(t, fetch, Config{})

	if _, err := c.Crawl(context.Background(), "u1", Options{}); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	// A new file shows up in the folder between crawls.
	fetch.mu.Lock()
	fetch.listings["2000"] = listingDoc(fileEntry("3000", "lecture1.pdf"), fileEntry("3001", "lecture2.pdf"))
	fetch.mu.Unlock()

	res, err := c.Refresh(context.Background(), "u1", "d-2000")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !res.HasChanged {
		t.Error("Expected refresh to detect the new file")
	}
	if f, _ := st.GetFile("u1", "3001"); f == nil {
		t.Error("Expected new file mirrored by refresh")
	}
}

func TestRefreshUnknownResource(t *testing.T) {
	fetch := &fakeFetcher{}
	c, st := newTestCrawler(t, fetch, Config{})
	if err := st.EnsureUser("u1", "jdoe"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Refresh(context.Background(), "u1", "c-404"); err == nil {
		t.Error("Expected an error for an unknown course")
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"campusmirror/internal/auth"
	"campusmirror/internal/config"
	"campusmirror/internal/crawler"
	"campusmirror/internal/jobs"
	"campusmirror/internal/models"
	"campusmirror/internal/portal"
	"campusmirror/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("🚀 Starting campusmirror...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	cfg := config.Load()
	if cfg.Username == "" {
		log.Fatal("❌ PORTAL_USERNAME environment variable is required")
	}
	log.Printf("📋 Configuration loaded (portal: %s, db: %s)", cfg.PortalBaseURL, cfg.DatabasePath)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open mirror database: %v", err)
	}
	defer st.Close()
	log.Println("✅ Mirror database ready")

	client, err := portal.NewClient(portal.ClientConfig{
		BaseURL:       cfg.PortalBaseURL,
		IndexPath:     cfg.IndexPath,
		ListingPath:   cfg.ListingPath,
		ProfilePath:   cfg.ProfilePath,
		HomePath:      cfg.HomePath,
		SessionCookie: cfg.SessionCookie,
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.FetchTimeout,
		MaxConcurrent: cfg.MaxConcurrentFetches,
		MaxBodySize:   cfg.MaxBodySize,
	})
	if err != nil {
		log.Fatalf("❌ Failed to create portal client: %v", err)
	}

	authLog := logrus.New()
	authLog.SetFormatter(&logrus.JSONFormatter{})

	surface, err := auth.NewBrowserSurface(auth.BrowserConfig{
		ExecPath:      cfg.ChromePath,
		LoginURL:      strings.TrimSuffix(cfg.PortalBaseURL, "/") + cfg.LoginPath,
		LandingURL:    strings.TrimSuffix(cfg.PortalBaseURL, "/") + cfg.HomePath,
		SessionCookie: cfg.SessionCookie,
		Timeout:       cfg.LoginTimeout,
	}, authLog)
	if err != nil {
		log.Fatalf("❌ Failed to create login surface: %v", err)
	}

	// The real application stores the token in the OS keychain; the
	// standalone daemon keeps it in a file next to the database.
	tokens := &fileTokenStore{path: cfg.DatabasePath + ".token"}
	manager := auth.NewManager(client, surface, tokens, envVault{}, auth.ManagerConfig{
		Username:    cfg.Username,
		LoginMarker: cfg.LoginMarker,
	}, authLog)

	bus := crawler.NewEventBus()
	c := crawler.New(
		client,
		st,
		sessionSource{manager},
		crawler.NewPacer(cfg.RequestSpacing),
		bus,
		crawler.Config{
			Workers:      cfg.CrawlWorkers,
			Robots:       crawler.NewRobotsAdvisor(cfg.PortalBaseURL, cfg.UserAgent),
			Metrics:      crawler.NewMetrics(prometheus.DefaultRegisterer),
			RefreshCache: cache.New(cfg.RefreshWindow, time.Minute),
		},
	)

	userID := cfg.Username
	subID, events := bus.Subscribe(userID, 256)
	defer bus.Unsubscribe(userID, subID)
	go logEvents(events)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := crawler.Options{IncludeYears: cfg.IncludeYears}
	if res, err := c.Crawl(ctx, userID, opts); err != nil {
		log.Printf("❌ Initial crawl failed: %v", err)
	} else {
		log.Printf("✅ Initial crawl done (changed=%v, branch errors=%d)", res.HasChanged, len(res.Errors))
	}

	scheduler, err := jobs.NewCrawlScheduler(c, userID, opts, cfg.CrawlInterval)
	if err != nil {
		log.Fatalf("❌ Failed to create crawl scheduler: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("❌ Failed to start crawl scheduler: %v", err)
	}

	<-ctx.Done()
	log.Println("🛑 Shutting down...")
	if err := scheduler.Stop(); err != nil {
		log.Printf("⚠️  Scheduler shutdown: %v", err)
	}
}

func logEvents(events <-chan models.CrawlEvent) {
	for ev := range events {
		switch ev.Type {
		case models.EventError:
			log.Printf("❌ [CRAWL] %s: %s (%s): %s", ev.Type, ev.Name, ev.Ref, ev.Err)
		case models.EventStart, models.EventFinish:
			log.Printf("📡 [CRAWL] %s", ev.Type)
		default:
			log.Printf("📡 [CRAWL] %s: %s (%s)", ev.Type, ev.Name, ev.Ref)
		}
	}
}

// sessionSource adapts the auth manager to the crawler's interface, fixing
// the login mode the daemon uses.
type sessionSource struct {
	manager *auth.Manager
}

func (s sessionSource) AcquireSession(ctx context.Context) (*models.Session, error) {
	return s.manager.AcquireSession(ctx, auth.ModeAuto)
}

// fileTokenStore persists the session token in a file.
type fileTokenStore struct {
	path string
}

func (f *fileTokenStore) GetToken() string {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (f *fileTokenStore) SetToken(token string) {
	if err := os.WriteFile(f.path, []byte(token), 0600); err != nil {
		log.Printf("⚠️  Failed to persist session token: %v", err)
	}
}

// envVault reads the portal password from the environment. The desktop
// application replaces this with the OS keychain.
type envVault struct{}

func (envVault) GetPassword(username string) string {
	return os.Getenv("PORTAL_PASSWORD")
}

func (envVault) SavePassword(username, password string) {}

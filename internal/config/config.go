package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. The portal base URL and page
// paths are externally supplied static configuration; the portal itself
// publishes no endpoint catalog.
type Config struct {
	// Portal addresses
	PortalBaseURL string
	IndexPath     string
	ListingPath   string
	ProfilePath   string
	LoginPath     string
	HomePath      string

	// Session handling
	SessionCookie string
	LoginMarker   string
	Username      string
	ChromePath    string
	LoginTimeout  time.Duration

	// Crawl behavior
	RequestSpacing       time.Duration
	FetchTimeout         time.Duration
	MaxBodySize          int64
	MaxConcurrentFetches int
	CrawlWorkers         int
	IncludeYears         []string
	CrawlInterval        time.Duration
	RefreshWindow        time.Duration
	UserAgent            string

	// Storage
	DatabasePath string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		PortalBaseURL: getEnv("PORTAL_BASE_URL", "https://portal.example.edu"),
		IndexPath:     getEnv("PORTAL_INDEX_PATH", "/portal/index.php"),
		ListingPath:   getEnv("PORTAL_LISTING_PATH", "/portal/listing.php"),
		ProfilePath:   getEnv("PORTAL_PROFILE_PATH", "/portal/profile.php"),
		LoginPath:     getEnv("PORTAL_LOGIN_PATH", "/portal/login.php"),
		HomePath:      getEnv("PORTAL_HOME_PATH", "/portal/home.php"),

		SessionCookie: getEnv("PORTAL_SESSION_COOKIE", "PHPSESSID"),
		LoginMarker:   getEnv("PORTAL_LOGIN_MARKER", `name="login_form"`),
		Username:      getEnv("PORTAL_USERNAME", ""),
		ChromePath:    getEnv("CHROME_PATH", ""),
		LoginTimeout:  getDurationEnv("LOGIN_TIMEOUT", 2*time.Minute),

		RequestSpacing:       getDurationEnv("REQUEST_SPACING", 800*time.Millisecond),
		FetchTimeout:         getDurationEnv("FETCH_TIMEOUT", 60*time.Second),
		MaxBodySize:          getInt64Env("MAX_BODY_SIZE", 10*1024*1024),
		MaxConcurrentFetches: getIntEnv("MAX_CONCURRENT_FETCHES", 4),
		CrawlWorkers:         getIntEnv("CRAWL_WORKERS", 1),
		IncludeYears:         getListEnv("INCLUDE_YEARS"),
		CrawlInterval:        getDurationEnv("CRAWL_INTERVAL", 30*time.Minute),
		RefreshWindow:        getDurationEnv("REFRESH_WINDOW", 90*time.Second),
		UserAgent:            getEnv("USER_AGENT", "campusmirror/1.0"),

		DatabasePath: getEnv("DATABASE_PATH", "./campusmirror.sqlite"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

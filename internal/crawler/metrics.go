package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the crawl-side Prometheus metrics. A nil *Metrics disables
// collection, so tests and embedded uses don't need a registry.
type Metrics struct {
	PagesFetched  prometheus.Counter
	FetchErrors   prometheus.Counter
	Crawls        prometheus.Counter
	ItemsUpserted prometheus.Counter
	CrawlDuration prometheus.Histogram
}

// NewMetrics registers the crawl metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "campusmirror_pages_fetched_total",
			Help: "Total number of portal pages fetched",
		}),
		FetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "campusmirror_fetch_errors_total",
			Help: "Total number of failed page fetches",
		}),
		Crawls: factory.NewCounter(prometheus.CounterOpts{
			Name: "campusmirror_crawls_total",
			Help: "Total number of crawl runs started",
		}),
		ItemsUpserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "campusmirror_items_upserted_total",
			Help: "Total number of entities inserted or updated by crawls",
		}),
		CrawlDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "campusmirror_crawl_duration_seconds",
			Help:    "Full crawl duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

func (m *Metrics) pageFetched() {
	if m != nil {
		m.PagesFetched.Inc()
	}
}

func (m *Metrics) fetchError() {
	if m != nil {
		m.FetchErrors.Inc()
	}
}

func (m *Metrics) crawlStarted() {
	if m != nil {
		m.Crawls.Inc()
	}
}

func (m *Metrics) itemUpserted() {
	if m != nil {
		m.ItemsUpserted.Inc()
	}
}

func (m *Metrics) observeCrawl(seconds float64) {
	if m != nil {
		m.CrawlDuration.Observe(seconds)
	}
}

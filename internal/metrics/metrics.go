// Package metrics exposes the mitigation core's counters to Prometheus.
// Component state is read at scrape time; scan outcomes are recorded as
// they happen.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inercia/bulwark/internal/ban"
	"github.com/inercia/bulwark/internal/capture"
	"github.com/inercia/bulwark/internal/ratelimit"
)

const namespace = "bulwark"

// scrapeTimeout bounds store reads made while collecting ban stats.
const scrapeTimeout = 2 * time.Second

// BanSource reports ban engine counters.
type BanSource interface {
	Stats(ctx context.Context) ban.Stats
}

// LimiterSource reports rate limiter counters.
type LimiterSource interface {
	Stats() ratelimit.Stats
}

// CaptureSource lists live capture sessions.
type CaptureSource interface {
	List() []capture.Status
}

// StoreSource reports counter store health.
type StoreSource interface {
	Degraded() bool
	Failovers() uint64
}

// Sources are the components read at scrape time. Nil entries are skipped.
type Sources struct {
	Bans    BanSource
	Limiter LimiterSource
	Capture CaptureSource
	Store   StoreSource
}

// Collector implements prometheus.Collector over Sources.
type Collector struct {
	src Sources

	activeBans      *prometheus.Desc
	persistedBlocks *prometheus.Desc
	banTriggers     *prometheus.Desc
	banRefreshes    *prometheus.Desc
	enforceFailures *prometheus.Desc
	reconciled      *prometheus.Desc
	requests        *prometheus.Desc
	captureSessions *prometheus.Desc
	captureFrames   *prometheus.Desc
	storeDegraded   *prometheus.Desc
	storeFailovers  *prometheus.Desc
}

// NewCollector creates a Collector for src.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src:             src,
		activeBans:      prometheus.NewDesc(namespace+"_active_bans", "Temporary bans currently in effect", nil, nil),
		persistedBlocks: prometheus.NewDesc(namespace+"_persisted_blocks", "Administrative blocks on record", nil, nil),
		banTriggers:     prometheus.NewDesc(namespace+"_ban_triggers_total", "Bans and blocks by trigger", []string{"trigger"}, nil),
		banRefreshes:    prometheus.NewDesc(namespace+"_ban_refreshes_total", "Re-triggers that refreshed an active ban", nil, nil),
		enforceFailures: prometheus.NewDesc(namespace+"_enforcement_failures_total", "Bans recorded without a firewall rule", nil, nil),
		reconciled:      prometheus.NewDesc(namespace+"_reconciled_rules_total", "Firewall rules removed after their ban expired", nil, nil),
		requests:        prometheus.NewDesc(namespace+"_ratelimit_requests_total", "Requests seen by the rate limiter by outcome", []string{"outcome"}, nil),
		captureSessions: prometheus.NewDesc(namespace+"_capture_sessions", "Live capture sessions", nil, nil),
		captureFrames:   prometheus.NewDesc(namespace+"_capture_frames_total", "Frames handled by live capture sessions", []string{"stage"}, nil),
		storeDegraded:   prometheus.NewDesc(namespace+"_counter_store_degraded", "1 while the fallback counter store is serving", nil, nil),
		storeFailovers:  prometheus.NewDesc(namespace+"_counter_store_failovers_total", "Calls redirected to the fallback counter store", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeBans
	ch <- c.persistedBlocks
	ch <- c.banTriggers
	ch <- c.banRefreshes
	ch <- c.enforceFailures
	ch <- c.reconciled
	ch <- c.requests
	ch <- c.captureSessions
	ch <- c.captureFrames
	ch <- c.storeDegraded
	ch <- c.storeFailovers
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Bans != nil {
		ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
		st := c.src.Bans.Stats(ctx)
		cancel()
		ch <- prometheus.MustNewConstMetric(c.activeBans, prometheus.GaugeValue, float64(st.ActiveBans))
		ch <- prometheus.MustNewConstMetric(c.persistedBlocks, prometheus.GaugeValue, float64(st.PersistedBlocks))
		for trigger, n := range st.Triggers {
			ch <- prometheus.MustNewConstMetric(c.banTriggers, prometheus.CounterValue, float64(n), string(trigger))
		}
		ch <- prometheus.MustNewConstMetric(c.banRefreshes, prometheus.CounterValue, float64(st.Refreshes))
		ch <- prometheus.MustNewConstMetric(c.enforceFailures, prometheus.CounterValue, float64(st.EnforcementFailures))
		ch <- prometheus.MustNewConstMetric(c.reconciled, prometheus.CounterValue, float64(st.Reconciled))
	}

	if c.src.Limiter != nil {
		st := c.src.Limiter.Stats()
		for outcome, n := range map[string]uint64{
			"allowed":   st.Allowed,
			"exempt":    st.Exempt,
			"breach":    st.Breaches,
			"rejected":  st.Rejected,
			"fail_open": st.FailOpen,
		} {
			ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(n), outcome)
		}
	}

	if c.src.Capture != nil {
		sessions := c.src.Capture.List()
		var captured, delivered, dropped uint64
		for _, s := range sessions {
			captured += s.Captured
			delivered += s.Delivered
			dropped += s.Dropped
		}
		ch <- prometheus.MustNewConstMetric(c.captureSessions, prometheus.GaugeValue, float64(len(sessions)))
		ch <- prometheus.MustNewConstMetric(c.captureFrames, prometheus.GaugeValue, float64(captured), "captured")
		ch <- prometheus.MustNewConstMetric(c.captureFrames, prometheus.GaugeValue, float64(delivered), "delivered")
		ch <- prometheus.MustNewConstMetric(c.captureFrames, prometheus.GaugeValue, float64(dropped), "dropped")
	}

	if c.src.Store != nil {
		degraded := 0.0
		if c.src.Store.Degraded() {
			degraded = 1
		}
		ch <- prometheus.MustNewConstMetric(c.storeDegraded, prometheus.GaugeValue, degraded)
		ch <- prometheus.MustNewConstMetric(c.storeFailovers, prometheus.CounterValue, float64(c.src.Store.Failovers()))
	}
}

// Scans records port scan outcomes.
type Scans struct {
	total    *prometheus.CounterVec
	duration prometheus.Histogram
	open     prometheus.Counter
}

// NewScans creates the scan metrics. They are registered by Registry.
func NewScans() *Scans {
	return &Scans{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Port scans by result",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of port scans",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		open: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_open_ports_total",
			Help:      "Open ports found by port scans",
		}),
	}
}

// Observe records one finished scan. result is "ok", "cancelled" or "invalid".
func (s *Scans) Observe(result string, elapsed time.Duration, openPorts int) {
	if s == nil {
		return
	}
	s.total.WithLabelValues(result).Inc()
	if result != "invalid" {
		s.duration.Observe(elapsed.Seconds())
	}
	s.open.Add(float64(openPorts))
}

// Registry bundles the collectors with the Go runtime metrics.
type Registry struct {
	reg   *prometheus.Registry
	Scans *Scans
}

// NewRegistry registers a Collector over src plus scan and runtime metrics.
func NewRegistry(src Sources) *Registry {
	reg := prometheus.NewRegistry()
	scans := NewScans()
	reg.MustRegister(
		NewCollector(src),
		scans.total,
		scans.duration,
		scans.open,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg, Scans: scans}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

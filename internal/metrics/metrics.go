// Package metrics exports the server's Prometheus series: HTTP traffic,
// store latency, engine outcomes and recurrence expansion. Everything is
// registered on a private registry served by Handler.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caldora"

var registry = prometheus.NewRegistry()

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	registry.MustRegister(c)
	return c
}

func histogram(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		Buckets: prometheus.DefBuckets,
	}, labels)
	registry.MustRegister(h)
	return h
}

var (
	httpRequests = counter("http", "requests_total", "HTTP requests served.", "method", "route")
	httpErrors   = counter("http", "errors_total", "HTTP requests answered with a 5xx status.", "method", "route", "status")
	httpDuration = histogram("http", "request_duration_seconds", "HTTP request latency.", "method", "route", "status")

	storeLatency = histogram("db", "latency_seconds", "Store operation latency.", "operation", "route")

	mutations   = counter("", "mutations_total", "Engine mutations by operation and outcome.", "operation", "outcome")
	syncs       = counter("sync", "requests_total", "Sync requests by result: full, delta or expired.", "result")
	compactions = counter("ledger", "compactions_total", "Ledger compaction runs by outcome.", "outcome")
	truncations = counter("expansion", "truncated_total", "Expansions cut short by the occurrence limit, by caller.", "caller")

	expansionCache = &cacheCollector{
		hits:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "expansion_cache", "hits_total"), "Expansion cache hits.", nil, nil),
		misses:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "expansion_cache", "misses_total"), "Expansion cache misses.", nil, nil),
		entries: prometheus.NewDesc(prometheus.BuildFQName(namespace, "expansion_cache", "entries"), "Live expansion cache entries.", nil, nil),
	}
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		expansionCache,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// requestLabels travels in the request context so store and engine calls can
// be attributed to the route that caused them.
type requestLabels struct {
	rctx *chi.Context
	path string
	id   string
}

type labelsKey struct{}

// route is read late: chi fills in the pattern while it routes.
func (l *requestLabels) route() string {
	if l.rctx != nil {
		if p := strings.TrimSpace(l.rctx.RoutePattern()); p != "" {
			return p
		}
	}
	return l.path
}

// Middleware counts and times requests by method, route pattern and status.
// It must run after chi's RequestID middleware to pick up the request id.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			labels := &requestLabels{
				rctx: chi.RouteContext(r.Context()),
				path: r.URL.Path,
				id:   middleware.GetReqID(r.Context()),
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), labelsKey{}, labels)))
			observeRequest(r.Method, labels.route(), ww.Status(), time.Since(start))
		})
	}
}

func observeRequest(method, route string, status int, took time.Duration) {
	code := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(took.Seconds())
	if status >= http.StatusInternalServerError {
		httpErrors.WithLabelValues(method, route, code).Inc()
	}
}

func labelsFrom(ctx context.Context) *requestLabels {
	l, _ := ctx.Value(labelsKey{}).(*requestLabels)
	return l
}

// RequestIDFromContext returns the id chi assigned to the request, if the
// request went through Middleware.
func RequestIDFromContext(ctx context.Context) string {
	if l := labelsFrom(ctx); l != nil {
		return l.id
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if l := labelsFrom(ctx); l != nil {
		if route := l.route(); route != "" {
			return route
		}
	}
	return "unknown"
}

// ObserveDBLatency records how long a store operation started at start took.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	storeLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

// ObserveMutation counts one finished mutation. Outcome is a short label
// such as "committed", "unchanged" or "precondition_failed".
func ObserveMutation(operation, outcome string) {
	mutations.WithLabelValues(operation, outcome).Inc()
}

func ObserveSync(result string) {
	syncs.WithLabelValues(result).Inc()
}

func ObserveCompaction(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	compactions.WithLabelValues(outcome).Inc()
}

// ObserveTruncation counts an expansion that hit the occurrence limit.
func ObserveTruncation(caller string) {
	truncations.WithLabelValues(caller).Inc()
}

// CacheSample is a snapshot of the planner's expansion cache.
type CacheSample struct {
	Hits, Misses uint64
	Entries      int
}

// WatchExpansionCache makes every scrape read the cache through sample. A
// later call replaces the earlier source.
func WatchExpansionCache(sample func() CacheSample) {
	expansionCache.sample.Store(&sample)
}

// cacheCollector reports cache counters the planner already keeps instead of
// mirroring them into separate counters.
type cacheCollector struct {
	sample                atomic.Pointer[func() CacheSample]
	hits, misses, entries *prometheus.Desc
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.entries
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	fn := c.sample.Load()
	if fn == nil {
		return
	}
	s := (*fn)()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	var seenRoute, seenID string
	r.With(Middleware()).Get("/dav/{user}", func(w http.ResponseWriter, r *http.Request) {
		seenRoute = routeFromContext(r.Context())
		seenID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dav/alice", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "/dav/{user}", seenRoute)
	assert.NotEmpty(t, seenID)
	assert.Contains(t, scrape(t), `caldora_http_requests_total{method="GET",route="/dav/{user}"}`)
}

func TestServerErrorsCounted(t *testing.T) {
	h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/broken", nil))
	assert.Contains(t, scrape(t), `caldora_http_errors_total{method="PUT",route="/broken",status="500"} 1`)
}

func TestDomainCounters(t *testing.T) {
	ObserveMutation("reply", "committed")
	ObserveCompaction(errors.New("boom"))
	ObserveSync("expired")
	ObserveDBLatency(context.Background(), "db.test", time.Now())
	ObserveTruncation("freebusy")

	body := scrape(t)
	assert.Contains(t, body, `caldora_mutations_total{operation="reply",outcome="committed"} 1`)
	assert.Contains(t, body, `caldora_ledger_compactions_total{outcome="error"} 1`)
	assert.Contains(t, body, `caldora_sync_requests_total{result="expired"} 1`)
	assert.Contains(t, body, `caldora_db_latency_seconds_count{operation="db.test",route="unknown"} 1`)
	assert.Contains(t, body, `caldora_expansion_truncated_total{caller="freebusy"} 1`)
}

func TestExpansionCacheIsReadOnScrape(t *testing.T) {
	var hits uint64
	WatchExpansionCache(func() CacheSample {
		return CacheSample{Hits: hits, Misses: 2, Entries: 1}
	})

	hits = 5
	body := scrape(t)
	assert.Contains(t, body, "caldora_expansion_cache_hits_total 5")
	assert.Contains(t, body, "caldora_expansion_cache_misses_total 2")
	assert.Contains(t, body, "caldora_expansion_cache_entries 1")

	hits = 7
	assert.Contains(t, scrape(t), "caldora_expansion_cache_hits_total 7")
}

package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cyp0633/caldora/internal/metrics"
	"github.com/cyp0633/caldora/server/auth"
)

func init() {
	for _, method := range []string{"PROPFIND", "REPORT", "MKCALENDAR", "MKCOL", "PROPPATCH"} {
		chi.RegisterMethod(method)
	}
}

// Options wires the router.
type Options struct {
	// Prefix is where CalDAV is mounted, e.g. /caldav/.
	Prefix        string
	Realm         string
	CalDAV        http.Handler
	Authenticator auth.Authenticator
	Metrics       bool
	// Ready reports whether the backing store can serve requests. Nil
	// means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter serves health probes, metrics and the authenticated CalDAV tree.
func NewRouter(opts Options) http.Handler {
	prefix := "/" + strings.Trim(opts.Prefix, "/") + "/"
	if prefix == "//" {
		prefix = "/"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				http.Error(w, "unready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics {
		r.Handle("/metrics", metrics.Handler())
	}

	discover := func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusMovedPermanently)
	}
	r.Get("/.well-known/caldav", discover)
	r.MethodFunc("PROPFIND", "/.well-known/caldav", discover)

	if prefix != "/" {
		r.Handle(strings.TrimSuffix(prefix, "/"), http.HandlerFunc(discover))
	}
	r.With(auth.Middleware(opts.Authenticator, opts.Realm)).Handle(prefix+"*", opts.CalDAV)
	return r
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Nu11ified/code-spectre-sub000/internal/middleware"
)

// ResponseRecorder receives request durations for the performance ring.
type ResponseRecorder interface {
	RecordResponseTime(d time.Duration)
}

// Deps collects everything the router serves.
type Deps struct {
	Sessions     *SessionHandler
	Repositories *RepositoryHandler
	Validate     *ValidateHandler
	Admin        *AdminHandler
	Health       *HealthHandler
	Events       *EventsHandler
	Recorder     ResponseRecorder
	Registry     *prometheus.Registry
	CORSOrigin   []string
}

// NewRouter assembles the full route tree with global middleware.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(d.CORSOrigin))
	if d.Recorder != nil {
		r.Use(responseTimer(d.Recorder))
	}

	d.Health.RegisterHealth(r)
	d.Sessions.RegisterRoutes(r)
	d.Repositories.RegisterRoutes(r)
	d.Validate.RegisterRoutes(r)
	d.Admin.RegisterRoutes(r)

	r.Get("/ws/events", d.Events.ServeHTTP)

	if d.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// responseTimer feeds every request duration into the monitoring ring.
func responseTimer(rec ResponseRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			rec.RecordResponseTime(time.Since(start))
		})
	}
}

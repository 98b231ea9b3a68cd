// Package proxy derives per-container hostnames and the reverse-proxy
// routing labels that expose IDE containers.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
)

const (
	routeTestTimeout = 5 * time.Second
	idePort          = "8080"

	labelPrefix = "traefik"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Subdomain derives the hostname segment for a session. The result is
// lowercase with runs of non-alphanumerics collapsed to single dashes.
func Subdomain(userID, repoID int64, branch string) string {
	safe := nonAlnum.ReplaceAllString(strings.ToLower(branch), "-")
	safe = strings.Trim(safe, "-")
	return fmt.Sprintf("ide-u%d-r%d-%s", userID, repoID, safe)
}

// Route is a registered container route.
type Route struct {
	ContainerID string `json:"container_id"`
	Subdomain   string `json:"subdomain"`
	URL         string `json:"url"`
}

// Config holds the proxy-facing settings.
type Config struct {
	Domain          string
	EnableTLS       bool
	EnableDashboard bool
	IsolatedNetwork string
	MiddlewareChain []string
}

// Registrar computes routing labels and tracks which containers have
// routes. The labels are authoritative: they are applied once at container
// creation, and the in-memory index only mirrors them for listing.
type Registrar struct {
	cfg Config

	mu     sync.RWMutex
	routes map[string]Route

	client  *http.Client
	breaker *apperr.Breaker
}

// NewRegistrar creates a registrar. The default middleware chain is
// security-headers, rate-limit, ide-session.
func NewRegistrar(cfg Config) *Registrar {
	if len(cfg.MiddlewareChain) == 0 {
		cfg.MiddlewareChain = []string{"security-headers", "rate-limit", "ide-session"}
	}
	return &Registrar{
		cfg:    cfg,
		routes: make(map[string]Route),
		client: &http.Client{Timeout: routeTestTimeout},
		breaker: apperr.NewBreaker(apperr.BreakerConfig{
			Name:             "route-probe",
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		}),
	}
}

func (r *Registrar) scheme() string {
	if r.cfg.EnableTLS {
		return "https"
	}
	return "http"
}

// RouteURL returns the externally visible URL for a subdomain.
func (r *Registrar) RouteURL(subdomain string) string {
	return fmt.Sprintf("%s://%s.%s", r.scheme(), subdomain, r.cfg.Domain)
}

// BuildLabels returns the routing labels for a session. They are meant to
// be applied to the container at creation time.
func (r *Registrar) BuildLabels(userID, repoID int64, branch string) map[string]string {
	sub := Subdomain(userID, repoID, branch)
	router := labelPrefix + ".http.routers." + sub
	service := labelPrefix + ".http.services." + sub

	labels := map[string]string{
		labelPrefix + ".enable":               "true",
		router + ".rule":                      fmt.Sprintf("Host(`%s.%s`)", sub, r.cfg.Domain),
		router + ".entrypoints":               "websecure",
		router + ".middlewares":               strings.Join(r.cfg.MiddlewareChain, ","),
		router + ".priority":                  "100",
		service + ".loadbalancer.server.port": idePort,
		labelPrefix + ".docker.network":       r.cfg.IsolatedNetwork,
	}
	if r.cfg.EnableTLS {
		labels[router+".tls"] = "true"
		labels[router+".tls.certresolver"] = "letsencrypt"
	}
	return labels
}

// Register records a route for a container. Registering the same container
// twice is a no-op that returns the existing route.
func (r *Registrar) Register(containerID string, userID, repoID int64, branch string) Route {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.routes[containerID]; ok {
		return existing
	}
	sub := Subdomain(userID, repoID, branch)
	route := Route{
		ContainerID: containerID,
		Subdomain:   sub,
		URL:         r.RouteURL(sub),
	}
	r.routes[containerID] = route
	return route
}

// Unregister drops a container's route. Unknown containers are ignored.
func (r *Registrar) Unregister(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, containerID)
}

// Routes returns a snapshot of all registered routes.
func (r *Registrar) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	return out
}

// TestRoute probes a route with a HEAD request. A non-2xx status or any
// transport failure reports the route as unreachable. Probes run through a
// circuit breaker so a dead proxy does not soak up probe timeouts.
func (r *Registrar) TestRoute(ctx context.Context, url string) error {
	return r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.probe(ctx, url)
	}, nil)
}

func (r *Registrar) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return apperr.Wrap(err, apperr.NetworkError, "building route probe")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return apperr.Wrap(err, apperr.NetworkError, "probing route")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Newf(apperr.NetworkError, "route %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// DashboardURL returns the proxy dashboard address, or empty when the
// dashboard is disabled.
func (r *Registrar) DashboardURL() string {
	if !r.cfg.EnableDashboard {
		return ""
	}
	return fmt.Sprintf("%s://traefik.%s", r.scheme(), r.cfg.Domain)
}

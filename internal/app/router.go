package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/barcode-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the review server's HTTP handler with all
// middlewares and routes. When review credentials are configured the page
// and the JSON API sit behind the session check; health, readiness and
// metrics stay open either way.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Login endpoints stay outside the session check but carry the IP limit
	// so credential guessing is throttled.
	r.Group(func(lr chi.Router) {
		lr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		lr.Get("/login", srv.LoginPage())
		lr.Post("/login", srv.LoginHandler())
		lr.Post("/logout", srv.LogoutHandler())
	})

	// Review page and API.
	r.Group(func(pr chi.Router) {
		if cfg.ReviewAuthEnabled() {
			pr.Use(srv.Sessions.AuthRequired)
		}
		pr.Get("/", srv.HomeHandler())
		pr.Get("/review", srv.ReviewPage())
		pr.Get("/api/stats", srv.StatsHandler())
		pr.Get("/api/images/review", srv.ListReviewHandler())
		pr.Get("/api/images/{id}", srv.ImageDetailHandler())

		pr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/api/images/{id}/resolve", srv.ResolveHandler())
		})
	})

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	r.NotFound(srv.NotFoundHandler())

	return httpserver.SecurityHeaders(r)
}

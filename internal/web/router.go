package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/api"
	"github.com/lettera-app/feedsync/internal/images"
	"github.com/lettera-app/feedsync/internal/mutate"
	"github.com/lettera-app/feedsync/internal/state"
	"github.com/lettera-app/feedsync/internal/store"
	"github.com/lettera-app/feedsync/internal/syncer"
	"github.com/lettera-app/feedsync/internal/web/handler"
	webmw "github.com/lettera-app/feedsync/internal/web/middleware"
)

// Deps collects everything the HTTP surface needs.
type Deps struct {
	Store    *store.Store
	State    *state.State
	Backend  *api.Client
	Coord    *mutate.Coordinator
	Resolver *images.Resolver
	Orch     *syncer.Orchestrator
	Registry prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(webmw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(webmw.RequestLogger(d.Logger))

	// --- handler instances ---
	fh := handler.NewFeedHandler(d.Store, d.State, d.Orch, d.Logger)
	sh := handler.NewSyncHandler(d.Orch, d.Logger)
	ih := handler.NewItemHandler(d.Store, d.State, d.Coord, d.Resolver, d.Backend, d.Logger)
	ph := handler.NewSettingsHandler(d.State, d.Coord, d.Logger)
	hh := handler.NewHealthHandler()

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/feed", fh.Feed)
		r.Get("/feed/domains", fh.Domains)

		r.Post("/sync", sh.Trigger)
		r.Post("/sync/reset", sh.Reset)
		r.Get("/sync/state", sh.State)

		r.Get("/items/{id}", ih.Get)
		r.Post("/items/{id}/favorite", ih.Favorite)
		r.Put("/items/{id}/read", ih.Read)
		r.Put("/items/{id}/type", ih.SetType)
		r.Get("/items/{id}/image", ih.Image)
		r.Delete("/items/{id}/image", ih.ReleaseImage)
		r.Delete("/items/{id}", ih.Hide)

		r.Post("/images/update", ih.UpdateImages)

		r.Get("/settings", ph.Get)
		r.Put("/settings/image-source", ph.SetImageSource)
		r.Put("/settings/types", ph.SetActiveTypes)

		r.Post("/domains/{domain}/hide", ph.HideDomain)
		r.Delete("/domains/{domain}/hide", ph.UnhideDomain)
	})

	return r
}

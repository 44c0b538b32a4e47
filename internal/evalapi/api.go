// Package evalapi exposes the SDK client over HTTP so services written in
// other languages can evaluate flags against a shared local cache.
package evalapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/client"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Client is the evaluation surface served by the API. *client.Client implements it.
type Client interface {
	GetTreatmentWithConfig(key client.Key, flag string, attributes map[string]any) client.TreatmentResult
	GetTreatmentsWithConfig(key client.Key, flags []string, attributes map[string]any) map[string]client.TreatmentResult
	GetTreatmentsWithConfigByFlagSets(key client.Key, sets []string, attributes map[string]any) map[string]client.TreatmentResult
	Track(key, trafficType, eventType string, value *float64, properties map[string]any) error
	IsReady() bool
}

// Splits lists the cached flag definitions. *cache.SplitCache implements it.
type Splits interface {
	All() []*ruleengine.ParsedSplit
	ChangeNumber() int64
}

// API holds the router and the dependencies of the evaluator endpoints.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	sdk    Client
	splits Splits

	// apiKeyHash is the SHA-256 hash of the accepted API key.
	apiKeyHash string

	// skipAuth disables authentication (test/dev environments only).
	skipAuth bool

	logger *slog.Logger
}

// NewAPI creates an API with authentication enabled.
// Panics if apiKeyHash is empty.
func NewAPI(logger *slog.Logger, sdk Client, splits Splits, apiKeyHash string) *API {
	return NewAPIWithConfig(logger, sdk, splits, apiKeyHash, false)
}

// NewAPIWithConfig creates an API with explicit control over authentication.
//
// Panics if:
//   - sdk or splits are nil
//   - apiKeyHash is empty when skipAuth is false
func NewAPIWithConfig(logger *slog.Logger, sdk Client, splits Splits, apiKeyHash string, skipAuth bool) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if sdk == nil {
		panic("evalapi: client cannot be nil")
	}
	if splits == nil {
		panic("evalapi: split storage cannot be nil")
	}
	if !skipAuth && apiKeyHash == "" {
		panic("evalapi: apiKeyHash cannot be empty when authentication is enabled")
	}

	api := &API{
		Router:     chi.NewRouter(),
		sdk:        sdk,
		splits:     splits,
		apiKeyHash: strings.ToLower(apiKeyHash),
		skipAuth:   skipAuth,
		logger:     logger,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the middleware stack and endpoints.
func (a *API) configureRoutes() {
	// Order matters: the request id must exist before logging, and metrics
	// must wrap the recoverer to count panics as 500.
	a.Router.Use(a.RequestLogger)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(Metrics)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Group(func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Route("/client", func(r chi.Router) {
			r.Get("/get-treatment", a.handleGetTreatment)
			r.Get("/get-treatment-with-config", a.handleGetTreatmentWithConfig)
			r.Get("/get-treatments", a.handleGetTreatments)
			r.Get("/get-treatments-with-config", a.handleGetTreatmentsWithConfig)
			r.Get("/get-treatments-by-sets", a.handleGetTreatmentsByFlagSets)
			r.Get("/get-treatments-with-config-by-sets", a.handleGetTreatmentsWithConfigByFlagSets)
			r.Post("/track", a.handleTrack)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/splits", a.handleListSplits)
			r.Get("/ready", a.handleReady)
		})
	})
}

// handleHealthCheck reports that the HTTP server is serving.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

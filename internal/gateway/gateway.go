// Package gateway exposes the finance admin API over HTTP.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crosslogic/finance-service/internal/strategy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// HealthCheck is a named readiness check for a dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds admin API settings.
type Config struct {
	AdminToken     string
	MetricsPath    string   // default: /metrics
	AllowedOrigins []string // default: local dashboard and *.crosslogic.ai
}

// Gateway handles admin API requests
type Gateway struct {
	config         Config
	manager        *strategy.Manager
	webhookHandler http.Handler
	checks         []HealthCheck
	logger         *zap.Logger
	router         *chi.Mux

	// workerCtx outlives requests; workers started over HTTP run under it.
	workerCtx context.Context
}

// NewGateway builds the router. webhookHandler may be nil when no payment
// provider is configured.
func NewGateway(workerCtx context.Context, cfg Config, manager *strategy.Manager, webhookHandler http.Handler, checks []HealthCheck, logger *zap.Logger) *Gateway {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "https://*.crosslogic.ai"}
	}
	g := &Gateway{
		config:         cfg,
		manager:        manager,
		webhookHandler: webhookHandler,
		checks:         checks,
		logger:         logger.Named("gateway"),
		router:         chi.NewRouter(),
		workerCtx:      workerCtx,
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.registerMetrics()

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// signature verified by the handler itself
	if g.webhookHandler != nil {
		g.router.Method(http.MethodPost, "/api/webhooks/stripe", g.webhookHandler)
	}

	g.router.Route("/v1/finance", func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/tenants", g.handleRegisterTenant)
		r.Delete("/tenants/{provider}/{user}", g.handleUnregisterTenant)
		r.Get("/tenants/{provider}/{user}/state/{property}", g.handleGetFinanceState)
		r.Put("/tenants/{provider}/{user}/state", g.handleUpdateFinanceState)
		r.Post("/authorize", g.handleAuthorize)

		r.Get("/strategies", g.handleListStrategies)
		r.Get("/strategies/{name}/options", g.handleGetOptions)
		r.Put("/strategies/{name}/options", g.handleSetOptions)
		r.Post("/strategies/{name}/workers/start", g.handleStartWorkers)
		r.Post("/strategies/{name}/workers/stop", g.handleStopWorkers)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics refreshes the dependency gauges until ctx is done.
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	for _, c := range g.checks {
		status := 0.0
		if err := c.Check(ctx); err == nil {
			status = 1.0
		}
		dependencyUp.WithLabelValues(c.Name).Set(status)
	}
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.config.AdminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, c := range g.checks {
		if err := c.Check(r.Context()); err != nil {
			g.logger.Warn("dependency not ready", zap.String("dependency", c.Name), zap.Error(err))
			g.writeError(w, http.StatusServiceUnavailable, c.Name+" not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ready",
		"strategies": g.manager.Names(),
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errorType(statusCode),
		},
	})
}

func errorType(statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized:
		return "authentication_error"
	case statusCode == http.StatusNotFound:
		return "not_found_error"
	case statusCode == http.StatusConflict:
		return "conflict_error"
	case statusCode >= 500:
		return "api_error"
	}
	return "invalid_request_error"
}

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crosslogic/finance-service/internal/strategy"
	"github.com/crosslogic/finance-service/internal/tenants"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// workerReporter is implemented by strategies that expose worker state.
type workerReporter interface {
	WorkersActive() bool
}

type tenantRequest struct {
	UserID     string `json:"user_id"`
	ProviderID string `json:"provider_id"`
	Strategy   string `json:"strategy,omitempty"`
	Operation  string `json:"operation,omitempty"`
}

func (g *Gateway) handleRegisterTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ProviderID == "" || req.Strategy == "" {
		g.writeError(w, http.StatusBadRequest, "user_id, provider_id and strategy are required")
		return
	}

	if err := g.manager.RegisterTenant(r.Context(), req.UserID, req.ProviderID, req.Strategy); err != nil {
		g.writeFinanceError(w, "register tenant", err)
		return
	}

	g.writeJSON(w, http.StatusCreated, map[string]string{
		"status":      "registered",
		"user_id":     req.UserID,
		"provider_id": req.ProviderID,
		"strategy":    req.Strategy,
	})
}

func (g *Gateway) handleUnregisterTenant(w http.ResponseWriter, r *http.Request) {
	userID, providerID := chi.URLParam(r, "user"), chi.URLParam(r, "provider")

	if err := g.manager.UnregisterTenant(r.Context(), userID, providerID); err != nil {
		g.writeFinanceError(w, "unregister tenant", err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "unregistered",
		"user_id":     userID,
		"provider_id": providerID,
	})
}

func (g *Gateway) handleGetFinanceState(w http.ResponseWriter, r *http.Request) {
	userID, providerID := chi.URLParam(r, "user"), chi.URLParam(r, "provider")
	property := chi.URLParam(r, "property")

	value, err := g.manager.FinanceState(r.Context(), userID, providerID, property)
	if err != nil {
		g.writeFinanceError(w, "read finance state", err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"user_id":     userID,
		"provider_id": providerID,
		"property":    property,
		"value":       value,
	})
}

func (g *Gateway) handleUpdateFinanceState(w http.ResponseWriter, r *http.Request) {
	userID, providerID := chi.URLParam(r, "user"), chi.URLParam(r, "provider")

	var update map[string]string
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		g.writeError(w, http.StatusBadRequest, "body must be a JSON object of strings")
		return
	}

	if err := g.manager.UpdateFinanceState(r.Context(), userID, providerID, update); err != nil {
		g.writeFinanceError(w, "update finance state", err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	op, err := strategy.ParseOperation(req.Operation)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	authorized, err := g.manager.IsAuthorized(r.Context(), req.UserID, req.ProviderID, op)
	if err != nil {
		g.writeFinanceError(w, "authorize", err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     req.UserID,
		"provider_id": req.ProviderID,
		"operation":   string(op),
		"authorized":  authorized,
	})
}

func (g *Gateway) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	type strategyInfo struct {
		Name          string `json:"name"`
		WorkersActive *bool  `json:"workers_active,omitempty"`
	}

	var out []strategyInfo
	for _, name := range g.manager.Names() {
		info := strategyInfo{Name: name}
		if s, err := g.manager.Get(name); err == nil {
			if reporter, ok := s.(workerReporter); ok {
				active := reporter.WorkersActive()
				info.WorkersActive = &active
			}
		}
		out = append(out, info)
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": out})
}

func (g *Gateway) handleGetOptions(w http.ResponseWriter, r *http.Request) {
	s, ok := g.strategy(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, s.Options())
}

func (g *Gateway) handleSetOptions(w http.ResponseWriter, r *http.Request) {
	s, ok := g.strategy(w, r)
	if !ok {
		return
	}

	var opts map[string]string
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		g.writeError(w, http.StatusBadRequest, "body must be a JSON object of strings")
		return
	}

	if err := s.SetOptions(r.Context(), opts); err != nil {
		g.writeFinanceError(w, "set options", err)
		return
	}

	g.logger.Info("strategy options updated",
		zap.String("strategy", s.Name()),
		zap.Int("options", len(opts)),
	)
	g.writeJSON(w, http.StatusOK, s.Options())
}

func (g *Gateway) handleStartWorkers(w http.ResponseWriter, r *http.Request) {
	s, ok := g.strategy(w, r)
	if !ok {
		return
	}
	s.StartWorkers(g.workerCtx)
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "started", "strategy": s.Name()})
}

func (g *Gateway) handleStopWorkers(w http.ResponseWriter, r *http.Request) {
	s, ok := g.strategy(w, r)
	if !ok {
		return
	}
	s.StopWorkers()
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "strategy": s.Name()})
}

func (g *Gateway) strategy(w http.ResponseWriter, r *http.Request) (strategy.Strategy, bool) {
	s, err := g.manager.Get(chi.URLParam(r, "name"))
	if err != nil {
		g.writeFinanceError(w, "lookup strategy", err)
		return nil, false
	}
	return s, true
}

// writeFinanceError maps finance errors to HTTP statuses.
func (g *Gateway) writeFinanceError(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	if status >= 500 {
		g.logger.Error("finance request failed", zap.String("action", action), zap.Error(err))
	} else {
		g.logger.Debug("finance request rejected", zap.String("action", action), zap.Error(err))
	}
	g.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownTenant),
		errors.Is(err, models.ErrUnknownInvoice),
		errors.Is(err, strategy.ErrUnknownStrategy):
		return http.StatusNotFound
	case errors.Is(err, tenants.ErrAlreadyRegistered),
		errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

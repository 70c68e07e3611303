package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/pkg/circuitbreaker"
)

// BreakerHandler exposes circuit breaker state to operators
type BreakerHandler struct {
	manager *circuitbreaker.Manager
	logger  *zap.Logger
}

// NewBreakerHandler creates a new handler
func NewBreakerHandler(manager *circuitbreaker.Manager, logger *zap.Logger) *BreakerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerHandler{manager: manager, logger: logger}
}

// Routes returns the handler routes
func (h *BreakerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/{name}/reset", h.Reset)
	return r
}

// List handles GET /breakers
func (h *BreakerHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetHealthStatus())
}

// Reset handles POST /breakers/{name}/reset
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.manager.Reset(name); err != nil {
		if errors.Is(err, circuitbreaker.ErrUnknownBreaker) {
			jsonError(w, "breaker not found", http.StatusNotFound)
			return
		}
		jsonError(w, "reset failed", http.StatusInternalServerError)
		return
	}
	h.logger.Info("circuit breaker reset", zap.String("breaker", name))
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": "closed"})
}

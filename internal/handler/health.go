package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gembiz/gateway/internal/pool"
	"github.com/gembiz/gateway/internal/store"
)

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	pool  *pool.Pool
	store *store.Store
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string         `json:"status"`
	Redis    string         `json:"redis"`
	Accounts AccountsStatus `json:"accounts"`
}

// AccountsStatus represents account pool status.
type AccountsStatus struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(p *pool.Pool, st *store.Store) *HealthHandler {
	return &HealthHandler{pool: p, store: st}
}

// ServeHTTP handles the health check request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status: "healthy",
		Redis:  "connected",
	}
	if !h.store.Connected() {
		// Redis is optional, its absence alone never degrades health.
		response.Redis = "disconnected"
	}

	for _, status := range h.pool.Snapshot() {
		response.Accounts.Total++
		if status.IsAvailable {
			response.Accounts.Available++
		}
	}
	if response.Accounts.Available == 0 && response.Accounts.Total > 0 {
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

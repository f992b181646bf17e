package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gembiz/gateway/internal/openai"
)

// ModelsHandler handles GET /v1/models.
type ModelsHandler struct{}

// NewModelsHandler creates a models handler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// ServeHTTP lists the exposed models.
func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(openai.NewModelList())
}

// Get serves one model by id, 404 for names the gateway does not serve.
func (h *ModelsHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	model, ok := openai.LookupModel(name)
	if !ok {
		openai.WriteError(w, openai.NewModelNotFoundError(name))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(model)
}

package tools

import (
	"encoding/json"
	"net/http"

	"github.com/draknorr/publisheriq/internal/tools"
)

// SchemaHandler serves the analytics tool schemas as JSON.
type SchemaHandler struct {
	Registry *tools.Registry
}

// ServeHTTP renders schemas.
func (h SchemaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Registry.Schemas())
}

package http

import (
	"context"
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	nodes "irma-supervisor/internal/nodes/domain"
)

// NodeLister lists nodes.
type NodeLister interface {
	List(ctx context.Context, applicationID string) ([]nodes.Node, error)
}

// Handler serves GET /api/v1/nodes.
type Handler struct {
	nodes NodeLister
}

// NewHandler constructs a handler.
func NewHandler(lister NodeLister) (*Handler, error) {
	if lister == nil {
		return nil, errors.New("nodes handler: nil lister")
	}
	return &Handler{nodes: lister}, nil
}

// ServeHTTP returns the current node records, optionally filtered by application_id.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := h.nodes.List(r.Context(), r.URL.Query().Get("application_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

package http

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"irma-supervisor/internal/archive"
)

// EndpointsHandler manages external archival endpoints on /api/v1/archive/endpoints.
type EndpointsHandler struct {
	endpoints archive.EndpointSet
	logger    *zap.SugaredLogger
}

// NewEndpointsHandler constructs a handler.
func NewEndpointsHandler(endpoints archive.EndpointSet, logger *zap.SugaredLogger) (*EndpointsHandler, error) {
	if endpoints == nil {
		return nil, errors.New("archive handler: nil endpoint set")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EndpointsHandler{endpoints: endpoints, logger: logger}, nil
}

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

// ServeHTTP lists (GET), adds (POST) or removes (DELETE) an endpoint.
func (h *EndpointsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.endpoints.List(r.Context())
		if err != nil {
			h.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"endpoints": list})
	case http.MethodPost, http.MethodDelete:
		var req endpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
			http.Error(w, "endpoint required", http.StatusBadRequest)
			return
		}
		var err error
		if r.Method == http.MethodPost {
			err = h.endpoints.Add(r.Context(), req.Endpoint)
		} else {
			err = h.endpoints.Remove(r.Context(), req.Endpoint)
		}
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.logger.Infow("archive endpoint updated", "method", r.Method, "endpoint", req.Endpoint)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *EndpointsHandler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, archive.ErrInvalidEndpoint):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Errorw("archive endpoints request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

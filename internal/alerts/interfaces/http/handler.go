package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	alertapp "irma-supervisor/internal/alerts/application"
	alerts "irma-supervisor/internal/alerts/domain"
	alertexport "irma-supervisor/internal/alerts/interfaces"
	"irma-supervisor/internal/auth"
	nodes "irma-supervisor/internal/nodes/domain"
	"irma-supervisor/internal/observability/metrics"
)

const basePath = "/api/v1/alerts"

// Handler provides alert HTTP endpoints.
type Handler struct {
	ledger      *alertapp.Ledger
	coordinator *alertapp.Coordinator
	logger      *zap.SugaredLogger
}

// NewHandler constructs a handler.
func NewHandler(ledger *alertapp.Ledger, coordinator *alertapp.Coordinator, logger *zap.SugaredLogger) (*Handler, error) {
	if ledger == nil || coordinator == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{ledger: ledger, coordinator: coordinator, logger: logger}, nil
}

type handleRequest struct {
	IsConfirmed bool   `json:"isConfirmed"`
	HandleNote  string `json:"handleNote"`
	// Operator is only honoured when the request carries no authenticated subject.
	Operator string `json:"operator"`
}

// ServeHTTP handles /api/v1/alerts and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == basePath:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
	case strings.HasPrefix(r.URL.Path, basePath+"/export."):
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleExport(w, r, strings.TrimPrefix(r.URL.Path, basePath+"/export."))
	case strings.HasPrefix(r.URL.Path, basePath+"/"):
		h.handleAlert(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	nodeKey, ok := nodeKeyQuery(w, r)
	if !ok {
		return
	}
	var (
		list []alerts.Alert
		err  error
	)
	if raw := r.URL.Query().Get("session_id"); raw != "" {
		sessionID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || sessionID <= 0 {
			http.Error(w, "session_id must be a positive integer", http.StatusBadRequest)
			return
		}
		list, err = h.ledger.ListBySession(r.Context(), nodeKey, sessionID)
	} else {
		list, err = h.ledger.ListByNode(r.Context(), nodeKey, r.URL.Query().Get("pending") == "true")
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAlert(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, basePath+"/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		alert, err := h.ledger.Get(r.Context(), parts[0])
		if err != nil {
			h.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
	case len(parts) == 2 && parts[0] != "" && parts[1] == "handle":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleDecision(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, id string) {
	var req handleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	operator := auth.SubjectFromContext(r.Context())
	if operator == "" {
		operator = strings.TrimSpace(req.Operator)
	}
	resolution, err := h.coordinator.Handle(r.Context(), id, alerts.Handling{
		Confirmed: req.IsConfirmed,
		Note:      req.HandleNote,
		Operator:  operator,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	nodeKey, ok := nodeKeyQuery(w, r)
	if !ok {
		return
	}
	start := time.Now()
	list, err := h.ledger.ListByNode(r.Context(), nodeKey, false)
	if err != nil {
		metrics.ObserveAlertExport(format, metrics.ResultError, time.Since(start))
		h.respondError(w, err)
		return
	}
	trail := alertexport.AuditTrail{NodeKey: nodeKey, GeneratedAt: time.Now().UTC(), Alerts: list}

	var (
		data        []byte
		contentType string
	)
	switch format {
	case "xlsx":
		data, err = alertexport.BuildAuditXLSX(trail)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		data, err = alertexport.BuildAuditPDF(trail)
		contentType = "application/pdf"
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		metrics.ObserveAlertExport(format, metrics.ResultError, time.Since(start))
		h.respondError(w, err)
		return
	}
	metrics.ObserveAlertExport(format, metrics.ResultSuccess, time.Since(start))

	filename := strings.ReplaceAll(nodeKey, "/", "_") + "-alerts." + format
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerts.ErrNotFound), errors.Is(err, nodes.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, alerts.ErrOperatorRequired):
		http.Error(w, "operator identity required", http.StatusBadRequest)
	case errors.Is(err, nodes.ErrConcurrentModification):
		http.Error(w, "node busy, retry", http.StatusServiceUnavailable)
	case errors.Is(err, alerts.ErrConcurrentModification):
		http.Error(w, "alert busy, retry", http.StatusServiceUnavailable)
	default:
		h.logger.Errorw("alert request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func nodeKeyQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	applicationID := r.URL.Query().Get("application_id")
	nodeID := r.URL.Query().Get("node_id")
	if applicationID == "" || nodeID == "" {
		http.Error(w, "application_id and node_id are required", http.StatusBadRequest)
		return "", false
	}
	return nodes.Key(applicationID, nodeID), true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

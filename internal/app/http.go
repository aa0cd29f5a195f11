package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	alerthttp "irma-supervisor/internal/alerts/interfaces/http"
	archivehttp "irma-supervisor/internal/archive/interfaces/http"
	"irma-supervisor/internal/auth"
	nodehttp "irma-supervisor/internal/nodes/interfaces/http"
)

// Handler builds the HTTP surface: operator API behind JWT auth, plus /metrics and /healthz.
func (rt *Runtime) Handler() (http.Handler, error) {
	nodeHandler, err := nodehttp.NewHandler(rt.Registry)
	if err != nil {
		return nil, err
	}
	alertHandler, err := alerthttp.NewHandler(rt.Ledger, rt.Coordinator, rt.logger.Named("http"))
	if err != nil {
		return nil, err
	}
	endpointsHandler, err := archivehttp.NewEndpointsHandler(rt.Endpoints, rt.logger.Named("http"))
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/nodes", nodeHandler)
	mux.Handle("/api/v1/nodes/stream", nodehttp.NewStreamHandler(rt.Broker))
	mux.Handle("/api/v1/alerts", alertHandler)
	mux.Handle("/api/v1/alerts/", alertHandler)
	mux.Handle("/api/v1/archive/endpoints", endpointsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(rt.cfg.JWTSecret), policy)
	return loggingMiddleware(authMiddleware.Wrap(mux), rt.logger.Named("http")), nil
}

func loggingMiddleware(next http.Handler, logger *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debugw("http request", "method", r.Method, "path", r.URL.Path, "status", resp.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps server-sent events streaming through the wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

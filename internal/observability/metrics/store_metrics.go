package metrics

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

func registerStoreMetrics(db *sql.DB, logger *zap.SugaredLogger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "alerts_pending",
			Help: "Unhandled alerts across all nodes",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM documents WHERE collection = 'alerts' AND data->>'isHandled' = 'false'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "nodes_offline",
			Help: "Nodes currently in the OFFLINE state",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM documents WHERE collection = 'nodes' AND data->>'state' = 'OFFLINE'")
		},
	))
}

func queryCount(db *sql.DB, logger *zap.SugaredLogger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warnw("metrics query failed", "error", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}

package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"irma-supervisor/internal/readings"
)

const readingsTableSQL = `
CREATE TABLE IF NOT EXISTS readings (
	received_at    DateTime64(3),
	published_at   DateTime64(3),
	application_id LowCardinality(String),
	node_id        LowCardinality(String),
	session_id     Int64,
	reading_id     Int64,
	can_id         Int32,
	sensor_number  Int32,
	danger_level   Float64,
	window1_count  Int32,
	window2_count  Int32,
	window3_count  Int32
) ENGINE = MergeTree()
ORDER BY (application_id, node_id, session_id, reading_id)`

// ClickHouseConfig holds connection settings.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseTarget appends readings to a ClickHouse time-series table.
type ClickHouseTarget struct {
	conn driver.Conn
}

// NewClickHouseTarget connects and ensures the readings table exists.
func NewClickHouseTarget(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseTarget, error) {
	if cfg.Addr == "" {
		return nil, errors.New("archive: clickhouse addr required")
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, readingsTableSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create readings table: %w", err)
	}
	return &ClickHouseTarget{conn: conn}, nil
}

// Name implements Target.
func (c *ClickHouseTarget) Name() string {
	return "clickhouse"
}

// Forward implements Target.
func (c *ClickHouseTarget) Forward(ctx context.Context, r readings.Reading) error {
	if c == nil || c.conn == nil {
		return errors.New("archive: nil clickhouse target")
	}
	err := c.conn.Exec(ctx, `
		INSERT INTO readings (received_at, published_at, application_id, node_id, session_id, reading_id,
			can_id, sensor_number, danger_level, window1_count, window2_count, window3_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceivedAt, r.PublishedAt, r.ApplicationID, r.NodeID, r.SessionID, r.ReadingID,
		int32(r.CanID), int32(r.SensorNumber), r.DangerLevel,
		int32(r.Window1Count), int32(r.Window2Count), int32(r.Window3Count),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Close releases the connection.
func (c *ClickHouseTarget) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

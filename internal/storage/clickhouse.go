package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"sump-backend/internal/models"
)

// ClickHouseSink is the statistics sink backed by ClickHouse. It stores the
// ordered hour-bucketed emissions; ordering and dedup are the accumulator's
// responsibility, the sink appends blindly.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to ClickHouse and ensures the schema exists.
func NewClickHouseSink(addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
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
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Printf("Storage: Connected to ClickHouse at %s", addr)

	sink := &ClickHouseSink{conn: conn}
	if err := sink.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return sink, nil
}

func (s *ClickHouseSink) initSchema() error {
	ctx := context.Background()

	query := `
		CREATE TABLE IF NOT EXISTS pump_statistics (
			series_id String,
			series_name String,
			unit String,
			bucket_start DateTime,
			state Float64,
			cumulative_sum Float64,
			inserted_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		ORDER BY (series_id, bucket_start)
	`
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create pump_statistics table: %w", err)
	}

	log.Println("Storage: Statistics schema initialized")
	return nil
}

// Append inserts the ordered points for one series.
func (s *ClickHouseSink) Append(ctx context.Context, meta models.StatisticMetadata, points []models.StatisticPoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO pump_statistics (series_id, series_name, unit, bucket_start, state, cumulative_sum)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statistics batch: %w", err)
	}

	for _, p := range points {
		if err := batch.Append(meta.SeriesID, meta.Name, meta.Unit, p.Start, p.State, p.Sum); err != nil {
			return fmt.Errorf("failed to append statistics row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send statistics batch: %w", err)
	}
	return nil
}

// Close closes the ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

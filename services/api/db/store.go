package db

import (
	"context"
	"strconv"
	"time"

	"github.com/lnhm-botany/plant-monitor/internal/db"
)

// Store wraps read-only queries over the live reading table.
type Store struct {
	q      db.Querier
	schema string
}

// New creates a Store. q is usually a *pgxpool.Pool.
func New(q db.Querier, schema string) *Store {
	return &Store{q: q, schema: schema}
}

// Reading is a stored reading joined with its botanist's name.
type Reading struct {
	ReadingID    int64     `json:"reading_id"`
	PlantID      int       `json:"plant_id"`
	SoilMoisture float64   `json:"soil_moisture"`
	Temperature  float64   `json:"temperature"`
	Timestamp    time.Time `json:"timestamp"`
	LastWatered  time.Time `json:"last_watered"`
	BotanistID   int       `json:"botanist_id"`
	Botanist     *string   `json:"botanist,omitempty"`
}

// ReadingQuery holds filters for a plant's readings.
type ReadingQuery struct {
	PlantID int
	Limit   int
	Since   *time.Time
	Until   *time.Time
}

const readingColumns = `r.reading_id, r.plant_id, r.soil_moisture, r.temperature, r.timestamp, r.last_watered, r.botanist_id, b.name`

func (s *Store) from() string {
	return ` FROM ` + db.Table(s.schema, "reading") + ` AS r LEFT JOIN ` + db.Table(s.schema, "botanist") + ` AS b ON b.botanist_id = r.botanist_id`
}

// LatestReadings returns the most recent reading of every plant.
func (s *Store) LatestReadings(ctx context.Context) ([]Reading, error) {
	sql := `SELECT DISTINCT ON (r.plant_id) ` + readingColumns + s.from() + ` ORDER BY r.plant_id, r.timestamp DESC`
	return s.queryReadings(ctx, sql)
}

// PlantReadings returns readings for one plant, newest first.
func (s *Store) PlantReadings(ctx context.Context, q ReadingQuery) ([]Reading, error) {
	args := []any{q.PlantID}
	clause := " WHERE r.plant_id = $1"
	if q.Since != nil {
		args = append(args, *q.Since)
		clause += " AND r.timestamp >= $" + strconv.Itoa(len(args))
	}
	if q.Until != nil {
		args = append(args, *q.Until)
		clause += " AND r.timestamp <= $" + strconv.Itoa(len(args))
	}
	limit := ""
	if q.Limit > 0 {
		args = append(args, q.Limit)
		limit = " LIMIT $" + strconv.Itoa(len(args))
	}

	sql := `SELECT ` + readingColumns + s.from() + clause + ` ORDER BY r.timestamp DESC` + limit
	return s.queryReadings(ctx, sql, args...)
}

// Ping runs a trivial query to check the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.q.QueryRow(ctx, "SELECT 1").Scan(&one)
}

func (s *Store) queryReadings(ctx context.Context, sql string, args ...any) ([]Reading, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := make([]Reading, 0)
	for rows.Next() {
		var r Reading
		if err := rows.Scan(
			&r.ReadingID,
			&r.PlantID,
			&r.SoilMoisture,
			&r.Temperature,
			&r.Timestamp,
			&r.LastWatered,
			&r.BotanistID,
			&r.Botanist,
		); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

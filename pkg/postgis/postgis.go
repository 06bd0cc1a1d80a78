// Package postgis archives live records in PostGIS so a relay can restart
// without losing state and can answer area queries server-side.
package postgis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kass/go-proximity-sync/pkg/models"
)

// Archive stores raw record payloads with an optional geography point.
type Archive struct {
	db *sql.DB
}

// Open connects to the database at dsn.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Archive{db: db}, nil
}

// InitSchema creates the records table and its spatial index.
func (a *Archive) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis;`,
		`CREATE TABLE IF NOT EXISTS live_records (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			payload JSONB NOT NULL,
			location GEOGRAPHY(POINT, 4326),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_live_records_location ON live_records USING GIST(location);`,
	}

	for _, query := range queries {
		if _, err := a.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

// locate reads the Latitude/Longitude fields shared by every record kind.
func locate(payload []byte) (models.GeoPoint, bool) {
	var fields struct {
		Latitude  *float64 `json:"Latitude"`
		Longitude *float64 `json:"Longitude"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return models.GeoPoint{}, false
	}
	if fields.Latitude == nil || fields.Longitude == nil {
		return models.GeoPoint{}, false
	}
	return models.GeoPoint{Lat: *fields.Latitude, Lon: *fields.Longitude}, true
}

// Save upserts the record. Payloads without coordinates are stored without a location.
func (a *Archive) Save(ctx context.Context, collection, id string, payload []byte) error {
	var lon, lat sql.NullFloat64
	if p, ok := locate(payload); ok {
		lon = sql.NullFloat64{Float64: p.Lon, Valid: true}
		lat = sql.NullFloat64{Float64: p.Lat, Valid: true}
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO live_records (collection, id, payload, location, updated_at)
		VALUES ($1, $2, $3,
			CASE WHEN $4::float8 IS NULL THEN NULL
			ELSE ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography END,
			now())
		ON CONFLICT (collection, id) DO UPDATE
		SET payload = EXCLUDED.payload, location = EXCLUDED.location, updated_at = now()
	`, collection, id, string(payload), lon, lat)
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes the record if present.
func (a *Archive) Delete(ctx context.Context, collection, id string) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM live_records WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// LoadAll returns every record of a collection.
func (a *Archive) LoadAll(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, payload FROM live_records WHERE collection = $1`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return scanRecords(rows)
}

// QueryRadius returns records of collection within meters of center.
func (a *Archive) QueryRadius(ctx context.Context, collection string, center models.GeoPoint, meters float64) (map[string]json.RawMessage, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, payload
		FROM live_records
		WHERE collection = $1
		AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4)
	`, collection, center.Lon, center.Lat, meters)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return scanRecords(rows)
}

// QueryBox returns records of collection inside box.
func (a *Archive) QueryBox(ctx context.Context, collection string, box models.BoundingBox) (map[string]json.RawMessage, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, payload
		FROM live_records
		WHERE collection = $1
		AND location::geometry && ST_MakeEnvelope($2, $3, $4, $5, 4326)
	`, collection,
		box.BottomLeft.Lon, box.BottomLeft.Lat,
		box.TopRight.Lon, box.TopRight.Lat)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) (map[string]json.RawMessage, error) {
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[id] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// Count returns the number of records in a collection.
func (a *Archive) Count(ctx context.Context, collection string) (int64, error) {
	var count int64
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM live_records WHERE collection = $1`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

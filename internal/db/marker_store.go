package db

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/geo"
)

// UpsertMarker inserts a marker or, if a marker with the same ID already
// exists, updates its coordinate, label and protection flag.
func (db *DB) UpsertMarker(p cluster.Point) error {
	query := `
		INSERT INTO markers (id, lat, lng, label, protected)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lat = excluded.lat,
			lng = excluded.lng,
			label = excluded.label,
			protected = excluded.protected,
			updated_at = CURRENT_TIMESTAMP
	`

	protected := 0
	if p.Protected {
		protected = 1
	}

	_, err := db.DB.Exec(query, p.ID, p.Pos.Lat, p.Pos.Lng, p.Label, protected)
	if err != nil {
		return fmt.Errorf("failed to upsert marker: %w", err)
	}

	return nil
}

// InsertMarkers upserts a batch of markers in a single transaction.
func (db *DB) InsertMarkers(points []cluster.Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := db.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO markers (id, lat, lng, label, protected)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lat = excluded.lat,
			lng = excluded.lng,
			label = excluded.label,
			protected = excluded.protected,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare marker insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		protected := 0
		if p.Protected {
			protected = 1
		}
		if _, err := stmt.Exec(p.ID, p.Pos.Lat, p.Pos.Lng, p.Label, protected); err != nil {
			return fmt.Errorf("failed to insert marker %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit markers: %w", err)
	}

	return nil
}

// GetMarker retrieves a marker by ID. Returns nil, nil when absent.
func (db *DB) GetMarker(id string) (*cluster.Point, error) {
	query := `
		SELECT id, lat, lng, label, protected
		FROM markers
		WHERE id = ?
	`

	var p cluster.Point
	var protected int
	err := db.DB.QueryRow(query, id).Scan(
		&p.ID,
		&p.Pos.Lat,
		&p.Pos.Lng,
		&p.Label,
		&protected,
	)

	if err == sql.ErrNoRows {
		return nil, nil // Not found is OK, return nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query marker: %w", err)
	}

	p.Protected = protected == 1
	return &p, nil
}

// ListMarkers retrieves all markers in insertion order.
func (db *DB) ListMarkers() ([]cluster.Point, error) {
	query := `
		SELECT id, lat, lng, label, protected
		FROM markers
		ORDER BY rowid ASC
	`

	rows, err := db.DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query markers: %w", err)
	}
	defer rows.Close()

	var points []cluster.Point
	for rows.Next() {
		var p cluster.Point
		var protected int
		err := rows.Scan(
			&p.ID,
			&p.Pos.Lat,
			&p.Pos.Lng,
			&p.Label,
			&protected,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan marker: %w", err)
		}
		p.Protected = protected == 1
		points = append(points, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating markers: %w", err)
	}

	return points, nil
}

// ListMarkersInBounds retrieves markers inside the given bounding box, using
// the coordinate index. Longitude bounds that cross the antimeridian are not
// supported; callers split the box first.
func (db *DB) ListMarkersInBounds(b geo.Bounds) ([]cluster.Point, error) {
	query := `
		SELECT id, lat, lng, label, protected
		FROM markers
		WHERE lat >= ? AND lat <= ? AND lng >= ? AND lng <= ?
		ORDER BY rowid ASC
	`

	rows, err := db.DB.Query(query, b.MinLat, b.MaxLat, b.MinLng, b.MaxLng)
	if err != nil {
		return nil, fmt.Errorf("failed to query markers in bounds: %w", err)
	}
	defer rows.Close()

	var points []cluster.Point
	for rows.Next() {
		var p cluster.Point
		var protected int
		err := rows.Scan(
			&p.ID,
			&p.Pos.Lat,
			&p.Pos.Lng,
			&p.Label,
			&protected,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan marker: %w", err)
		}
		p.Protected = protected == 1
		points = append(points, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating markers: %w", err)
	}

	return points, nil
}

// DeleteMarker deletes a marker by ID and reports whether a row was removed.
func (db *DB) DeleteMarker(id string) (bool, error) {
	query := `DELETE FROM markers WHERE id = ?`

	result, err := db.DB.Exec(query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete marker: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// CountMarkers returns the number of stored markers.
func (db *DB) CountMarkers() (int, error) {
	var count int
	err := db.DB.QueryRow(`SELECT COUNT(*) FROM markers`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count markers: %w", err)
	}
	return count, nil
}

// ClearMarkers deletes all markers and returns the number removed.
func (db *DB) ClearMarkers() (int64, error) {
	result, err := db.DB.Exec(`DELETE FROM markers`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear markers: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

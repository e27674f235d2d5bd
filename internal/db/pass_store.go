package db

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/mapcluster/internal/cluster"
)

// InsertPass persists a single clustering pass record.
func (db *DB) InsertPass(st cluster.PassStats) error {
	return db.InsertPasses([]cluster.PassStats{st})
}

// InsertPasses persists a batch of pass records in a single transaction.
func (db *DB) InsertPasses(stats []cluster.PassStats) error {
	if len(stats) == 0 {
		return nil
	}

	tx, err := db.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO pass_history (
			pass_id, gen, trigger_reason, zoom, threshold_m,
			point_count, protected_count, singleton_count, cluster_count,
			clustered_points, largest_cluster,
			mean_nn_distance_m, p95_nn_distance_m,
			to_add, to_remove, visible_count,
			cache_rebuilt, superseded,
			duration_us, started_at_unix_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare pass insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range stats {
		cacheRebuilt := 0
		if st.CacheRebuilt {
			cacheRebuilt = 1
		}
		superseded := 0
		if st.Superseded {
			superseded = 1
		}

		_, err := stmt.Exec(
			st.PassID, st.Gen, st.Trigger, st.Zoom, st.Threshold,
			st.PointCount, st.ProtectedCount, st.SingletonCount, st.ClusterCount,
			st.ClusteredPoints, st.LargestCluster,
			st.MeanNNDistance, st.P95NNDistance,
			st.ToAdd, st.ToRemove, st.VisibleCount,
			cacheRebuilt, superseded,
			st.Duration.Microseconds(), st.StartedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert pass %s: %w", st.PassID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit passes: %w", err)
	}

	return nil
}

// RecentPasses retrieves the most recent pass records, newest first.
// A limit <= 0 defaults to 50.
func (db *DB) RecentPasses(limit int) ([]cluster.PassStats, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT pass_id, gen, trigger_reason, zoom, threshold_m,
		       point_count, protected_count, singleton_count, cluster_count,
		       clustered_points, largest_cluster,
		       mean_nn_distance_m, p95_nn_distance_m,
		       to_add, to_remove, visible_count,
		       cache_rebuilt, superseded,
		       duration_us, started_at_unix_ns
		FROM pass_history
		ORDER BY started_at_unix_ns DESC
		LIMIT ?
	`

	rows, err := db.DB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query passes: %w", err)
	}
	defer rows.Close()

	var stats []cluster.PassStats
	for rows.Next() {
		st, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating passes: %w", err)
	}

	return stats, nil
}

// PassByID retrieves a single pass record. Returns nil, nil when absent.
func (db *DB) PassByID(passID string) (*cluster.PassStats, error) {
	query := `
		SELECT pass_id, gen, trigger_reason, zoom, threshold_m,
		       point_count, protected_count, singleton_count, cluster_count,
		       clustered_points, largest_cluster,
		       mean_nn_distance_m, p95_nn_distance_m,
		       to_add, to_remove, visible_count,
		       cache_rebuilt, superseded,
		       duration_us, started_at_unix_ns
		FROM pass_history
		WHERE pass_id = ?
	`

	var st cluster.PassStats
	var cacheRebuilt, superseded int
	var durationUS, startedAtNS int64
	err := db.DB.QueryRow(query, passID).Scan(
		&st.PassID, &st.Gen, &st.Trigger, &st.Zoom, &st.Threshold,
		&st.PointCount, &st.ProtectedCount, &st.SingletonCount, &st.ClusterCount,
		&st.ClusteredPoints, &st.LargestCluster,
		&st.MeanNNDistance, &st.P95NNDistance,
		&st.ToAdd, &st.ToRemove, &st.VisibleCount,
		&cacheRebuilt, &superseded,
		&durationUS, &startedAtNS,
	)

	if err == sql.ErrNoRows {
		return nil, nil // Not found is OK, return nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pass: %w", err)
	}

	st.CacheRebuilt = cacheRebuilt == 1
	st.Superseded = superseded == 1
	st.Duration = time.Duration(durationUS) * time.Microsecond
	st.StartedAt = time.Unix(0, startedAtNS)
	return &st, nil
}

// PassSummaryStats aggregates pass history over a window.
type PassSummaryStats struct {
	Since             time.Time     `json:"since"`
	TotalPasses       int           `json:"total_passes"`
	CommittedPasses   int           `json:"committed_passes"`
	SupersededPasses  int           `json:"superseded_passes"`
	SupersessionRatio float64       `json:"supersession_ratio"`
	CacheRebuilds     int           `json:"cache_rebuilds"`
	DurationP50       time.Duration `json:"duration_p50_us"`
	DurationP95       time.Duration `json:"duration_p95_us"`
	DurationMax       time.Duration `json:"duration_max_us"`
}

// PassSummary aggregates pass records started at or after the cutoff: pass
// counts, supersession ratio, and duration percentiles across all passes in
// the window.
func (db *DB) PassSummary(since time.Time) (PassSummaryStats, error) {
	summary := PassSummaryStats{Since: since}

	query := `
		SELECT superseded, cache_rebuilt, duration_us
		FROM pass_history
		WHERE started_at_unix_ns >= ?
	`

	rows, err := db.DB.Query(query, since.UnixNano())
	if err != nil {
		return summary, fmt.Errorf("failed to query pass summary: %w", err)
	}
	defer rows.Close()

	var durations []float64
	for rows.Next() {
		var superseded, cacheRebuilt int
		var durationUS int64
		if err := rows.Scan(&superseded, &cacheRebuilt, &durationUS); err != nil {
			return summary, fmt.Errorf("failed to scan pass summary row: %w", err)
		}
		summary.TotalPasses++
		if superseded == 1 {
			summary.SupersededPasses++
		} else {
			summary.CommittedPasses++
		}
		if cacheRebuilt == 1 {
			summary.CacheRebuilds++
		}
		durations = append(durations, float64(durationUS))
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("failed to iterate pass summary rows: %w", err)
	}

	if summary.TotalPasses > 0 {
		summary.SupersessionRatio = float64(summary.SupersededPasses) / float64(summary.TotalPasses)
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		summary.DurationP50 = time.Duration(stat.Quantile(0.50, stat.Empirical, durations, nil)) * time.Microsecond
		summary.DurationP95 = time.Duration(stat.Quantile(0.95, stat.Empirical, durations, nil)) * time.Microsecond
		summary.DurationMax = time.Duration(durations[len(durations)-1]) * time.Microsecond
	}

	return summary, nil
}

// CountPasses returns the number of stored pass records.
func (db *DB) CountPasses() (int, error) {
	var count int
	err := db.DB.QueryRow(`SELECT COUNT(*) FROM pass_history`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count passes: %w", err)
	}
	return count, nil
}

// PrunePasses deletes pass records started before the cutoff and returns the
// number removed.
func (db *DB) PrunePasses(before time.Time) (int64, error) {
	query := `DELETE FROM pass_history WHERE started_at_unix_ns < ?`

	result, err := db.DB.Exec(query, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune passes: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// scanPass scans a pass_history row from a sql.Rows cursor.
func scanPass(rows *sql.Rows) (cluster.PassStats, error) {
	var st cluster.PassStats
	var cacheRebuilt, superseded int
	var durationUS, startedAtNS int64
	err := rows.Scan(
		&st.PassID, &st.Gen, &st.Trigger, &st.Zoom, &st.Threshold,
		&st.PointCount, &st.ProtectedCount, &st.SingletonCount, &st.ClusterCount,
		&st.ClusteredPoints, &st.LargestCluster,
		&st.MeanNNDistance, &st.P95NNDistance,
		&st.ToAdd, &st.ToRemove, &st.VisibleCount,
		&cacheRebuilt, &superseded,
		&durationUS, &startedAtNS,
	)
	if err != nil {
		return st, fmt.Errorf("failed to scan pass row: %w", err)
	}
	st.CacheRebuilt = cacheRebuilt == 1
	st.Superseded = superseded == 1
	st.Duration = time.Duration(durationUS) * time.Microsecond
	st.StartedAt = time.Unix(0, startedAtNS)
	return st, nil
}

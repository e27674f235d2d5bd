package db

import (
	"testing"
	"time"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/geo"
)

// newTestDB creates a migrated database in a per-test temp directory.
// The handle is closed automatically when the test finishes.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// markerAt builds a marker point for store tests.
func markerAt(id string, lat, lng float64) cluster.Point {
	return cluster.Point{
		ID:  id,
		Pos: geo.LatLng{Lat: lat, Lng: lng},
	}
}

// passRecord builds a fully populated pass record so round-trip tests can
// compare every column.
func passRecord(passID string, gen uint64) cluster.PassStats {
	return cluster.PassStats{
		PassID:          passID,
		Gen:             gen,
		Trigger:         "manual",
		Zoom:            15,
		Threshold:       305.75,
		PointCount:      42,
		ProtectedCount:  3,
		SingletonCount:  12,
		ClusterCount:    5,
		ClusteredPoints: 27,
		LargestCluster:  9,
		MeanNNDistance:  14.83,
		P95NNDistance:   22.24,
		ToAdd:           6,
		ToRemove:        2,
		VisibleCount:    20,
		CacheRebuilt:    true,
		Superseded:      false,
		Duration:        1234 * time.Microsecond,
		StartedAt:       time.Unix(0, 1700000000000000000),
	}
}

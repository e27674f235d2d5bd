package db

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/geo"
)

func TestUpsertMarkerRoundTrip(t *testing.T) {
	db := newTestDB(t)

	p := cluster.Point{
		ID:        "m1",
		Pos:       geo.LatLng{Lat: 51.5007, Lng: -0.1246},
		Label:     "Big Ben",
		Protected: true,
	}
	if err := db.UpsertMarker(p); err != nil {
		t.Fatalf("UpsertMarker failed: %v", err)
	}

	got, err := db.GetMarker("m1")
	if err != nil {
		t.Fatalf("GetMarker failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected marker, got nil")
	}
	if diff := cmp.Diff(p, *got); diff != "" {
		t.Errorf("Marker round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertMarkerUpdatesExisting(t *testing.T) {
	db := newTestDB(t)

	if err := db.UpsertMarker(markerAt("m1", 1, 2)); err != nil {
		t.Fatalf("UpsertMarker failed: %v", err)
	}

	// Second upsert with the same ID replaces coordinate, label and flag
	updated := cluster.Point{
		ID:        "m1",
		Pos:       geo.LatLng{Lat: 3, Lng: 4},
		Label:     "moved",
		Protected: true,
	}
	if err := db.UpsertMarker(updated); err != nil {
		t.Fatalf("UpsertMarker update failed: %v", err)
	}

	count, err := db.CountMarkers()
	if err != nil {
		t.Fatalf("CountMarkers failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 marker after upsert, got %d", count)
	}

	got, err := db.GetMarker("m1")
	if err != nil {
		t.Fatalf("GetMarker failed: %v", err)
	}
	if diff := cmp.Diff(updated, *got); diff != "" {
		t.Errorf("Updated marker mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMarkerMissing(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetMarker("nope")
	if err != nil {
		t.Fatalf("GetMarker failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing marker, got %+v", got)
	}
}

func TestInsertMarkersBatchPreservesOrder(t *testing.T) {
	db := newTestDB(t)

	batch := []cluster.Point{
		markerAt("a", 0, 0),
		markerAt("b", 0, 0.0001),
		markerAt("c", 50, 50),
	}
	if err := db.InsertMarkers(batch); err != nil {
		t.Fatalf("InsertMarkers failed: %v", err)
	}

	got, err := db.ListMarkers()
	if err != nil {
		t.Fatalf("ListMarkers failed: %v", err)
	}
	if diff := cmp.Diff(batch, got); diff != "" {
		t.Errorf("ListMarkers mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertMarkersEmptyBatch(t *testing.T) {
	db := newTestDB(t)

	if err := db.InsertMarkers(nil); err != nil {
		t.Errorf("InsertMarkers with empty batch should be a no-op, got: %v", err)
	}
}

func TestListMarkersInBounds(t *testing.T) {
	db := newTestDB(t)

	batch := []cluster.Point{
		markerAt("inside", 10, 10),
		markerAt("edge", 11, 11),
		markerAt("outside", 30, 30),
	}
	if err := db.InsertMarkers(batch); err != nil {
		t.Fatalf("InsertMarkers failed: %v", err)
	}

	got, err := db.ListMarkersInBounds(geo.Bounds{MinLat: 9, MinLng: 9, MaxLat: 11, MaxLng: 11})
	if err != nil {
		t.Fatalf("ListMarkersInBounds failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 markers in bounds, got %d", len(got))
	}
	if got[0].ID != "inside" || got[1].ID != "edge" {
		t.Errorf("Expected [inside edge], got [%s %s]", got[0].ID, got[1].ID)
	}
}

func TestDeleteMarker(t *testing.T) {
	db := newTestDB(t)

	if err := db.UpsertMarker(markerAt("m1", 1, 2)); err != nil {
		t.Fatalf("UpsertMarker failed: %v", err)
	}

	deleted, err := db.DeleteMarker("m1")
	if err != nil {
		t.Fatalf("DeleteMarker failed: %v", err)
	}
	if !deleted {
		t.Error("Expected deleted=true for existing marker")
	}

	// Second delete finds nothing
	deleted, err = db.DeleteMarker("m1")
	if err != nil {
		t.Fatalf("DeleteMarker failed: %v", err)
	}
	if deleted {
		t.Error("Expected deleted=false for missing marker")
	}

	count, err := db.CountMarkers()
	if err != nil {
		t.Fatalf("CountMarkers failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 markers after delete, got %d", count)
	}
}

func TestClearMarkers(t *testing.T) {
	db := newTestDB(t)

	batch := []cluster.Point{
		markerAt("a", 0, 0),
		markerAt("b", 1, 1),
		markerAt("c", 2, 2),
	}
	if err := db.InsertMarkers(batch); err != nil {
		t.Fatalf("InsertMarkers failed: %v", err)
	}

	removed, err := db.ClearMarkers()
	if err != nil {
		t.Fatalf("ClearMarkers failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("Expected 3 removed, got %d", removed)
	}

	got, err := db.ListMarkers()
	if err != nil {
		t.Fatalf("ListMarkers failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty list after clear, got %d markers", len(got))
	}
}

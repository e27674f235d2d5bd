package cluster

import (
	"sync"
	"testing"

	"github.com/banshee-data/mapcluster/internal/geo"
)

func TestPointSetAddAndLen(t *testing.T) {
	s := NewPointSet(IdentityByID)
	if s.Len() != 0 {
		t.Fatalf("expected empty set, got %d points", s.Len())
	}

	if !s.Add(Point{ID: "a", Pos: geo.LatLng{Lat: 1, Lng: 2}}) {
		t.Error("expected first add to succeed")
	}
	if !s.Add(Point{ID: "b", Pos: geo.LatLng{Lat: 3, Lng: 4}}) {
		t.Error("expected second add to succeed")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 points, got %d", s.Len())
	}
}

func TestPointSetDuplicateByID(t *testing.T) {
	s := NewPointSet(IdentityByID)
	s.Add(Point{ID: "a", Pos: geo.LatLng{Lat: 1, Lng: 2}})

	// Same ID at a different coordinate is still the same point.
	if s.Add(Point{ID: "a", Pos: geo.LatLng{Lat: 9, Lng: 9}}) {
		t.Error("expected duplicate ID add to be rejected")
	}
	// Different ID at the identical coordinate is a distinct point.
	if !s.Add(Point{ID: "b", Pos: geo.LatLng{Lat: 1, Lng: 2}}) {
		t.Error("expected same-coordinate add with new ID to succeed under IdentityByID")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 points, got %d", s.Len())
	}
}

func TestPointSetDuplicateByCoord(t *testing.T) {
	s := NewPointSet(IdentityByCoord)
	s.Add(Point{ID: "a", Pos: geo.LatLng{Lat: 1, Lng: 2}})

	// Under the legacy coordinate identity, an identical coordinate is the
	// same point even with a different ID.
	if s.Add(Point{ID: "b", Pos: geo.LatLng{Lat: 1, Lng: 2}}) {
		t.Error("expected same-coordinate add to be rejected under IdentityByCoord")
	}
	// A nearby but not bit-identical coordinate is distinct.
	if !s.Add(Point{ID: "c", Pos: geo.LatLng{Lat: 1.0000001, Lng: 2}}) {
		t.Error("expected nearby-coordinate add to succeed")
	}
}

func TestPointSetAddAssignsID(t *testing.T) {
	s := NewPointSet(IdentityByID)
	s.Add(Point{Pos: geo.LatLng{Lat: 5, Lng: 5}})
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].ID == "" {
		t.Error("expected an ID to be assigned to a point added without one")
	}
}

func TestPointSetRemove(t *testing.T) {
	s := NewPointSet(IdentityByID)
	a := Point{ID: "a", Pos: geo.LatLng{Lat: 1, Lng: 1}}
	b := Point{ID: "b", Pos: geo.LatLng{Lat: 2, Lng: 2}}
	c := Point{ID: "c", Pos: geo.LatLng{Lat: 3, Lng: 3}}
	s.Add(a)
	s.Add(b)
	s.Add(c)

	if !s.Remove(b) {
		t.Fatal("expected remove of present point to succeed")
	}
	if s.Remove(b) {
		t.Error("expected second remove of same point to report false")
	}
	if s.Remove(Point{ID: "zz"}) {
		t.Error("expected remove of unknown point to report false")
	}

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "c" {
		t.Errorf("expected [a c] after removal, got %v", ids(snap))
	}

	if !s.RemoveID("a") {
		t.Error("expected RemoveID of present point to succeed")
	}
	if s.RemoveID("a") {
		t.Error("expected RemoveID of absent point to report false")
	}
}

func TestPointSetRemoveIDUnderCoordIdentity(t *testing.T) {
	s := NewPointSet(IdentityByCoord)
	s.Add(Point{ID: "a", Pos: geo.LatLng{Lat: 1, Lng: 1}})
	s.Add(Point{ID: "b", Pos: geo.LatLng{Lat: 2, Lng: 2}})

	if !s.RemoveID("b") {
		t.Error("expected RemoveID to find point by scan under IdentityByCoord")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 point, got %d", s.Len())
	}
}

func TestPointSetSnapshotInsertionOrder(t *testing.T) {
	s := NewPointSet(IdentityByID)
	want := []string{"e", "a", "d", "b"}
	for i, id := range want {
		s.Add(Point{ID: id, Pos: geo.LatLng{Lat: float64(i), Lng: 0}})
	}

	got := ids(s.Snapshot())
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected insertion order %v, got %v", want, got)
		}
	}
}

func TestPointSetSnapshotIsCopy(t *testing.T) {
	s := NewPointSet(IdentityByID)
	s.Add(Point{ID: "a", Pos: geo.LatLng{Lat: 1, Lng: 1}})

	snap := s.Snapshot()
	snap[0].ID = "mutated"

	if s.Snapshot()[0].ID != "a" {
		t.Error("mutating a snapshot must not affect the set")
	}
}

func TestPointSetVersion(t *testing.T) {
	s := NewPointSet(IdentityByID)
	v0 := s.Version()

	s.Add(Point{ID: "a", Pos: geo.LatLng{Lat: 1, Lng: 1}})
	v1 := s.Version()
	if v1 == v0 {
		t.Error("expected version to change after add")
	}

	// Rejected duplicate is not an effective mutation.
	s.Add(Point{ID: "a", Pos: geo.LatLng{Lat: 1, Lng: 1}})
	if s.Version() != v1 {
		t.Error("expected version unchanged after rejected duplicate")
	}

	// Missed removal is not an effective mutation.
	s.Remove(Point{ID: "nope"})
	if s.Version() != v1 {
		t.Error("expected version unchanged after missed removal")
	}

	s.RemoveID("a")
	if s.Version() == v1 {
		t.Error("expected version to change after removal")
	}
}

func TestPointSetSnapshotVersionConsistent(t *testing.T) {
	s := NewPointSet(IdentityByID)
	s.Add(Point{ID: "a", Pos: geo.LatLng{Lat: 1, Lng: 1}})

	pts, v := s.SnapshotVersion()
	if len(pts) != 1 {
		t.Fatalf("expected 1 point in snapshot, got %d", len(pts))
	}
	if v != s.Version() {
		t.Errorf("expected snapshot version %d to match current %d", v, s.Version())
	}
}

func TestPointSetConcurrentReadsAndWrites(t *testing.T) {
	s := NewPointSet(IdentityByID)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Add(NewPoint(float64(n), float64(j)))
				s.Snapshot()
				s.Len()
				s.Version()
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != 8*50 {
		t.Errorf("expected %d points after concurrent adds, got %d", 8*50, s.Len())
	}
}

// ids extracts point IDs in order, for compact assertions.
func ids(pts []Point) []string {
	out := make([]string, len(pts))
	for i, p := range pts {
		out[i] = p.ID
	}
	return out
}

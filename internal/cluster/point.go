// Package cluster implements incremental grouping of geographic points into
// visual clusters for map rendering: a thread-safe point set, a full pairwise
// neighbor-distance cache, a greedy nearest-neighbor partitioner, a visible-set
// differ that turns each partition into an add/remove delta, and a recompute
// scheduler that guarantees only the latest request's result is applied.
package cluster

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/mapcluster/internal/geo"
)

// Point is a single input marker: a stable opaque identifier, a coordinate,
// and a protection flag. Protected points are never merged into clusters.
type Point struct {
	ID        string     `json:"id"`
	Pos       geo.LatLng `json:"pos"`
	Label     string     `json:"label,omitempty"`
	Protected bool       `json:"protected,omitempty"`
}

// NewPoint creates a point at (lat, lng) with a generated identifier.
func NewPoint(lat, lng float64) Point {
	return Point{ID: uuid.New().String(), Pos: geo.LatLng{Lat: lat, Lng: lng}}
}

// IdentityMode selects how points are considered equal for de-duplication and
// for used/unused tracking during partitioning.
//
// IdentityByID is the default: each point is a distinct entity identified by
// its ID, and two points sharing a coordinate remain distinct. IdentityByCoord
// is the legacy behavior in which two points at the identical coordinate are
// treated as the same point for membership purposes; it survives as a
// selectable variant because some feeds rely on coordinate-level dedup.
type IdentityMode int

const (
	IdentityByID IdentityMode = iota
	IdentityByCoord
)

// KeyFunc derives a point's identity key under this mode.
func (m IdentityMode) KeyFunc() func(Point) string {
	if m == IdentityByCoord {
		return coordKey
	}
	return PointID
}

func (m IdentityMode) String() string {
	if m == IdentityByCoord {
		return "coord"
	}
	return "id"
}

// ParseIdentityMode maps the config strings "id" and "coord" to a mode.
func ParseIdentityMode(s string) (IdentityMode, error) {
	switch s {
	case "", "id":
		return IdentityByID, nil
	case "coord":
		return IdentityByCoord, nil
	default:
		return IdentityByID, fmt.Errorf("unknown identity mode %q", s)
	}
}

// PointID is the identity key under IdentityByID.
func PointID(p Point) string { return p.ID }

// coordKey formats the exact coordinate pair, so only bit-identical
// coordinates collide.
func coordKey(p Point) string {
	return strconv.FormatFloat(p.Pos.Lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(p.Pos.Lng, 'f', -1, 64)
}

// PointSet is the mutable collection of input points. Mutations are exclusive;
// snapshots are shared reads. Every effective mutation increments the version,
// which is what marks downstream neighbor data stale.
type PointSet struct {
	mu       sync.RWMutex
	key      func(Point) string
	points   []Point        // insertion order
	index    map[string]int // identity key → position in points
	version  uint64
	identity IdentityMode
}

// NewPointSet creates an empty point set using the given identity mode.
func NewPointSet(mode IdentityMode) *PointSet {
	return &PointSet{
		key:      mode.KeyFunc(),
		index:    make(map[string]int),
		identity: mode,
	}
}

// Add inserts p and returns true, or returns false without mutating anything
// when an equal point (per the identity mode) is already present. A point
// with an empty ID is assigned a generated one.
func (s *PointSet) Add(p Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	k := s.key(p)
	if _, exists := s.index[k]; exists {
		return false
	}
	s.index[k] = len(s.points)
	s.points = append(s.points, p)
	s.version++
	return true
}

// Remove deletes the point equal to p (per the identity mode) and returns
// true, or returns false when no such point exists.
func (s *PointSet) Remove(p Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeKey(s.key(p))
}

// RemoveID deletes the point with the given ID and returns true, or false
// when absent. Under IdentityByCoord this is a linear scan.
func (s *PointSet) RemoveID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == IdentityByID {
		return s.removeKey(id)
	}
	for _, p := range s.points {
		if p.ID == id {
			return s.removeKey(s.key(p))
		}
	}
	return false
}

// removeKey deletes by identity key. Caller holds the write lock.
func (s *PointSet) removeKey(k string) bool {
	i, ok := s.index[k]
	if !ok {
		return false
	}
	delete(s.index, k)
	s.points = append(s.points[:i], s.points[i+1:]...)
	for j := i; j < len(s.points); j++ {
		s.index[s.key(s.points[j])] = j
	}
	s.version++
	return true
}

// Contains reports whether a point equal to p is present.
func (s *PointSet) Contains(p Point) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[s.key(p)]
	return ok
}

// Snapshot returns a copy of the points in insertion order.
func (s *PointSet) Snapshot() []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}

// SnapshotVersion returns the points and the version they correspond to as a
// single consistent read.
func (s *PointSet) SnapshotVersion() ([]Point, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out, s.version
}

// Len returns the number of points.
func (s *PointSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Version returns the mutation counter. It increments only on effective
// mutations; rejected duplicates and missed removals leave it unchanged.
func (s *PointSet) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Identity returns the identity mode the set was created with.
func (s *PointSet) Identity() IdentityMode { return s.identity }

package cluster

import (
	"sort"
	"sync"

	"github.com/banshee-data/mapcluster/internal/geo"
)

// NeighborEntry pairs a point with its precomputed distance to the
// neighborhood's reference point, in meters.
type NeighborEntry struct {
	Point    Point
	Distance float64
}

// Neighborhood is one point's view of every other point in the set, sorted
// ascending by distance. Ties keep input order so a rebuild over an unchanged
// set reproduces the same ordering.
type Neighborhood struct {
	Point     Point
	Neighbors []NeighborEntry
}

// BuildNeighborhoods computes the full pairwise neighborhood map for the
// given points, keyed by the identity key. This is deliberately O(n²) and
// eager: rebuilds happen only on discrete point-set edits, not on view
// changes, and serving a distance for a since-removed point is worse than
// recomputing. Suitable up to low thousands of points.
func BuildNeighborhoods(points []Point, key func(Point) string) map[string]Neighborhood {
	if key == nil {
		key = PointID
	}
	out := make(map[string]Neighborhood, len(points))
	for i, p := range points {
		entries := make([]NeighborEntry, 0, len(points)-1)
		for j, q := range points {
			if j == i {
				continue
			}
			entries = append(entries, NeighborEntry{
				Point:    q,
				Distance: geo.DistanceMeters(p.Pos, q.Pos),
			})
		}
		sort.SliceStable(entries, func(a, b int) bool {
			return entries[a].Distance < entries[b].Distance
		})
		out[key(p)] = Neighborhood{Point: p, Neighbors: entries}
	}
	return out
}

// NeighborCache holds the last committed neighborhood map together with the
// point-set version it was built from. A version mismatch is the staleness
// ("dirty") signal; the cache never patches incrementally.
//
// Store is separate from the build so a recompute pass can build into a local
// map and commit only after its supersession check: a cancelled pass then
// leaves the cache bit-for-bit untouched.
type NeighborCache struct {
	mu      sync.RWMutex
	key     func(Point) string
	byKey   map[string]Neighborhood
	version uint64
	built   bool
}

// NewNeighborCache creates an empty cache. A nil key function defaults to
// identity by point ID.
func NewNeighborCache(key func(Point) string) *NeighborCache {
	if key == nil {
		key = PointID
	}
	return &NeighborCache{key: key}
}

// Dirty reports whether the cache is stale relative to the given point-set
// version. An empty cache is always dirty.
func (c *NeighborCache) Dirty(version uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.built || c.version != version
}

// RebuildIfDirty rebuilds and commits the neighborhood map when the cache is
// stale for the given version. This is the synchronous path; passes that need
// cancellation safety build with BuildNeighborhoods and commit with Store.
func (c *NeighborCache) RebuildIfDirty(points []Point, version uint64) {
	if !c.Dirty(version) {
		return
	}
	c.Store(BuildNeighborhoods(points, c.key), version)
}

// Store commits a prebuilt neighborhood map as the cache contents for the
// given point-set version.
func (c *NeighborCache) Store(byKey map[string]Neighborhood, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = byKey
	c.version = version
	c.built = true
}

// NeighborsOf returns the cached, distance-ascending neighbor list for the
// point. Unknown points get an empty list, never an error.
func (c *NeighborCache) NeighborsOf(p Point) []NeighborEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nb, ok := c.byKey[c.key(p)]
	if !ok {
		return nil
	}
	return nb.Neighbors
}

// Snapshot returns the committed neighborhood map. The returned map and its
// neighborhoods are never mutated after commit; callers must treat them as
// read-only.
func (c *NeighborCache) Snapshot() map[string]Neighborhood {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Neighborhood, len(c.byKey))
	for k, v := range c.byKey {
		out[k] = v
	}
	return out
}

// Version returns the point-set version of the committed contents.
func (c *NeighborCache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

package cluster

import (
	"sort"

	"github.com/google/uuid"

	"github.com/banshee-data/mapcluster/internal/geo"
)

// Default partitioning parameters.
const (
	// DefaultMinClusterSize: a group forms only when it would merge MORE
	// than this many points, counting the seed. At the default of 2, a pair
	// stays two singletons and three coincident points become a cluster.
	DefaultMinClusterSize = 2

	// DefaultMaxZoom is the zoom level past which clustering is suspended
	// and every point renders individually.
	DefaultMaxZoom = 19.0
)

// PartitionParams carries one pass's inputs to the partitioner.
type PartitionParams struct {
	// Threshold is the maximum pairwise distance in meters (strict) within
	// which a neighbor is a merge candidate.
	Threshold float64

	// MinClusterSize gates group formation; see DefaultMinClusterSize.
	// Zero means the default.
	MinClusterSize int

	// Zoom and MaxZoom implement the pass-through rule: when Zoom > MaxZoom
	// every point is emitted as a singleton. A zero MaxZoom means the
	// default.
	Zoom    float64
	MaxZoom float64

	// ShouldCluster is the host clusterability policy. Nil means every
	// point is clusterable. A point's own Protected flag wins regardless.
	ShouldCluster func(Point) bool

	// Reference fixes the iteration order: ascending distance to this
	// coordinate, ties keeping insertion order. Nil means insertion order.
	Reference *geo.LatLng

	// Key is the identity function for used/unused tracking. Nil means
	// identity by point ID.
	Key func(Point) string
}

func (p PartitionParams) minClusterSize() int {
	if p.MinClusterSize <= 0 {
		return DefaultMinClusterSize
	}
	return p.MinClusterSize
}

func (p PartitionParams) maxZoom() float64 {
	if p.MaxZoom <= 0 {
		return DefaultMaxZoom
	}
	return p.MaxZoom
}

// ClusterGroup is one merged group from a single partition pass. The ID is
// unique for the lifetime of that pass only; it carries no identity across
// passes.
type ClusterGroup struct {
	ID      string
	Members []Point
}

// Centroid returns the arithmetic mean position of the members. This is the
// documented flat-average approximation, not a geodesic centroid.
func (g ClusterGroup) Centroid() geo.LatLng {
	pts := make([]geo.LatLng, len(g.Members))
	for i, m := range g.Members {
		pts[i] = m.Pos
	}
	return geo.Centroid(pts)
}

// PartitionResult is the three disjoint buckets produced by one pass. Every
// input point lands in exactly one bucket; under the max-zoom pass-through
// rule that bucket is always Singletons.
type PartitionResult struct {
	Protected  []Point
	Singletons []Point
	Clusters   []ClusterGroup
}

// Size returns the total number of points across all buckets.
func (r PartitionResult) Size() int {
	n := len(r.Protected) + len(r.Singletons)
	for _, g := range r.Clusters {
		n += len(g.Members)
	}
	return n
}

// ClusteredPoints returns the number of points merged into groups.
func (r PartitionResult) ClusteredPoints() int {
	n := 0
	for _, g := range r.Clusters {
		n += len(g.Members)
	}
	return n
}

// LargestCluster returns the member count of the biggest group, or zero.
func (r PartitionResult) LargestCluster() int {
	max := 0
	for _, g := range r.Clusters {
		if len(g.Members) > max {
			max = len(g.Members)
		}
	}
	return max
}

// Partitioner partitions a point snapshot, using its precomputed
// neighborhoods, into protected points, singletons, and cluster groups.
type Partitioner interface {
	Partition(points []Point, neighborhoods map[string]Neighborhood, params PartitionParams) PartitionResult
}

// GreedyPartitioner is the single-pass greedy nearest-neighbor partitioner.
//
// It walks the points in a fixed order and lets the first-processed point
// claim every unused clusterable neighbor within the threshold. The result is
// order-dependent: a candidate within range of two seeds belongs to whichever
// seed the walk reaches first. No global optimum is attempted; the fixed walk
// order is what makes results reproducible.
type GreedyPartitioner struct{}

var _ Partitioner = (*GreedyPartitioner)(nil)

// NewGreedyPartitioner creates a greedy partitioner.
func NewGreedyPartitioner() *GreedyPartitioner { return &GreedyPartitioner{} }

// Partition runs one pass. It never fails: an empty input yields an empty
// result and a single point yields one singleton.
func (gp *GreedyPartitioner) Partition(points []Point, neighborhoods map[string]Neighborhood, params PartitionParams) PartitionResult {
	var res PartitionResult
	if len(points) == 0 {
		return res
	}

	// Past max zoom nothing merges: emit every point individually.
	if params.Zoom > params.maxZoom() {
		res.Singletons = make([]Point, len(points))
		copy(res.Singletons, points)
		return res
	}

	key := params.Key
	if key == nil {
		key = PointID
	}
	clusterable := func(p Point) bool {
		if p.Protected {
			return false
		}
		if params.ShouldCluster == nil {
			return true
		}
		return params.ShouldCluster(p)
	}

	ordered := orderByReference(points, params.Reference)
	minSize := params.minClusterSize()
	used := make(map[string]bool, len(points))

	for _, p := range ordered {
		k := key(p)
		if used[k] {
			continue
		}

		if !clusterable(p) {
			res.Protected = append(res.Protected, p)
			used[k] = true
			continue
		}

		// Candidates: unused clusterable neighbors strictly inside the
		// threshold. The neighbor list is ascending, so the first entry at
		// or past the threshold ends the scan.
		var candidates []Point
		for _, ne := range neighborhoods[k].Neighbors {
			if ne.Distance >= params.Threshold {
				break
			}
			ck := key(ne.Point)
			if used[ck] || !clusterable(ne.Point) {
				continue
			}
			candidates = append(candidates, ne.Point)
		}

		if len(candidates) < minSize {
			// Not enough to merge: the seed and everything it reached all
			// become singletons, and stay claimed.
			res.Singletons = append(res.Singletons, p)
			used[k] = true
			for _, c := range candidates {
				res.Singletons = append(res.Singletons, c)
				used[key(c)] = true
			}
			continue
		}

		members := make([]Point, 0, len(candidates)+1)
		members = append(members, p)
		used[k] = true
		for _, c := range candidates {
			members = append(members, c)
			used[key(c)] = true
		}
		res.Clusters = append(res.Clusters, ClusterGroup{
			ID:      uuid.New().String(),
			Members: members,
		})
	}

	return res
}

// orderByReference returns the points sorted ascending by distance to ref,
// with ties keeping insertion order. A nil ref keeps insertion order as-is.
func orderByReference(points []Point, ref *geo.LatLng) []Point {
	out := make([]Point, len(points))
	copy(out, points)
	if ref == nil {
		return out
	}
	dist := make([]float64, len(out))
	for i, p := range out {
		dist[i] = geo.DistanceMeters(p.Pos, *ref)
	}
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return dist[idx[a]] < dist[idx[b]]
	})
	sorted := make([]Point, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted
}

package cluster

import (
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/mapcluster/internal/geo"
)

// =============================================================================
// Helpers
// =============================================================================

// testPartitionParams returns params that merge anything within 50m, with the
// permissive minimum used by most scenarios (a pair already clusters).
func testPartitionParams() PartitionParams {
	return PartitionParams{
		Threshold:      50,
		MinClusterSize: 1,
		Zoom:           15,
		MaxZoom:        19,
	}
}

// partitionOf builds neighborhoods and runs a greedy partition in one step.
func partitionOf(t *testing.T, pts []Point, params PartitionParams) PartitionResult {
	t.Helper()
	nbhd := BuildNeighborhoods(pts, PointID)
	return NewGreedyPartitioner().Partition(pts, nbhd, params)
}

// signature reduces a result to comparable bucket membership: sorted key
// lists per bucket, with cluster member sets themselves sorted. Cluster IDs
// are deliberately excluded; they are per-pass only.
type signature struct {
	Protected  []string
	Singletons []string
	Clusters   [][]string
}

func resultSignature(res PartitionResult) signature {
	sig := signature{
		Protected:  sortedIDs(res.Protected),
		Singletons: sortedIDs(res.Singletons),
	}
	for _, g := range res.Clusters {
		sig.Clusters = append(sig.Clusters, sortedIDs(g.Members))
	}
	sort.Slice(sig.Clusters, func(i, j int) bool {
		return fmt.Sprint(sig.Clusters[i]) < fmt.Sprint(sig.Clusters[j])
	})
	return sig
}

func sortedIDs(pts []Point) []string {
	out := ids(pts)
	sort.Strings(out)
	return out
}

// scenarioPoints is the canonical three-point fixture: a and b ~11m apart,
// c on another continent.
func scenarioPoints() []Point {
	return []Point{
		{ID: "a", Pos: geo.LatLng{Lat: 0, Lng: 0}},
		{ID: "b", Pos: geo.LatLng{Lat: 0, Lng: 0.0001}},
		{ID: "c", Pos: geo.LatLng{Lat: 50, Lng: 50}},
	}
}

// =============================================================================
// Scenario tests
// =============================================================================

func TestPartitionMergesClosePair(t *testing.T) {
	res := partitionOf(t, scenarioPoints(), testPartitionParams())

	if len(res.Clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(res.Clusters))
	}
	if got := sortedIDs(res.Clusters[0].Members); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected cluster members [a b], got %v", got)
	}
	if got := ids(res.Singletons); len(got) != 1 || got[0] != "c" {
		t.Errorf("expected singleton [c], got %v", got)
	}
	if len(res.Protected) != 0 {
		t.Errorf("expected no protected points, got %v", ids(res.Protected))
	}
}

func TestPartitionPolicyProtectsPoint(t *testing.T) {
	params := testPartitionParams()
	params.ShouldCluster = func(p Point) bool { return p.ID != "b" }

	res := partitionOf(t, scenarioPoints(), params)

	if got := ids(res.Protected); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected protected [b], got %v", got)
	}
	// With b out of reach, a has no candidates and joins c as a singleton.
	if got := sortedIDs(res.Singletons); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("expected singletons [a c], got %v", got)
	}
	if len(res.Clusters) != 0 {
		t.Errorf("expected no clusters, got %d", len(res.Clusters))
	}
}

func TestPartitionProtectedFlagWins(t *testing.T) {
	pts := scenarioPoints()
	pts[1].Protected = true // b

	res := partitionOf(t, pts, testPartitionParams())

	if got := ids(res.Protected); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected protected [b] from the point flag, got %v", got)
	}
	if len(res.Clusters) != 0 {
		t.Error("a protected point must never be merged into a cluster")
	}
}

func TestPartitionEmptyInput(t *testing.T) {
	res := partitionOf(t, nil, testPartitionParams())
	if len(res.Protected) != 0 || len(res.Singletons) != 0 || len(res.Clusters) != 0 {
		t.Errorf("expected empty result for empty input, got %+v", res)
	}
}

func TestPartitionSinglePoint(t *testing.T) {
	pts := []Point{{ID: "only", Pos: geo.LatLng{Lat: 1, Lng: 1}}}
	res := partitionOf(t, pts, testPartitionParams())

	if got := ids(res.Singletons); len(got) != 1 || got[0] != "only" {
		t.Errorf("expected singleton [only], got %v", got)
	}
}

func TestPartitionMaxZoomPassThrough(t *testing.T) {
	params := testPartitionParams()
	params.Zoom = 20 // past MaxZoom 19

	pts := scenarioPoints()
	pts[1].Protected = true // even protection is moot when nothing merges

	res := partitionOf(t, pts, params)

	if got := ids(res.Singletons); len(got) != 3 {
		t.Fatalf("expected all 3 points as singletons past max zoom, got %v", got)
	}
	if len(res.Clusters) != 0 || len(res.Protected) != 0 {
		t.Errorf("expected only singletons past max zoom, got %+v", resultSignature(res))
	}
	// Insertion order is preserved by the pass-through.
	if got := ids(res.Singletons); got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("expected pass-through to keep insertion order, got %v", got)
	}
}

// =============================================================================
// Minimum cluster size
// =============================================================================

func TestPartitionMinClusterSizeGate(t *testing.T) {
	// Three coincident-ish points 11m apart pairwise at most.
	triple := []Point{
		{ID: "a", Pos: geo.LatLng{Lat: 0, Lng: 0}},
		{ID: "b", Pos: geo.LatLng{Lat: 0, Lng: 0.0001}},
		{ID: "c", Pos: geo.LatLng{Lat: 0.0001, Lng: 0}},
	}
	pair := triple[:2]

	tests := []struct {
		name         string
		pts          []Point
		minSize      int
		wantClusters int
		wantSingles  int
	}{
		// Default (2): merge only when more than two points would merge.
		{"pair stays singletons at default", pair, 0, 0, 2},
		{"triple clusters at default", triple, 0, 1, 0},
		// Permissive (1): a pair is already a cluster.
		{"pair clusters at minimum 1", pair, 1, 1, 0},
		// Strict (3): even three points stay singletons.
		{"triple stays singletons at minimum 3", triple, 3, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testPartitionParams()
			params.MinClusterSize = tt.minSize
			res := partitionOf(t, tt.pts, params)

			if len(res.Clusters) != tt.wantClusters {
				t.Errorf("expected %d clusters, got %d", tt.wantClusters, len(res.Clusters))
			}
			if len(res.Singletons) != tt.wantSingles {
				t.Errorf("expected %d singletons, got %d", tt.wantSingles, len(res.Singletons))
			}
		})
	}
}

func TestPartitionThresholdIsStrict(t *testing.T) {
	a := Point{ID: "a", Pos: geo.LatLng{Lat: 0, Lng: 0}}
	b := Point{ID: "b", Pos: geo.LatLng{Lat: 0, Lng: 0.0001}}
	d := geo.DistanceMeters(a.Pos, b.Pos)

	params := testPartitionParams()
	params.Threshold = d // candidates require distance strictly below

	res := partitionOf(t, []Point{a, b}, params)
	if len(res.Clusters) != 0 {
		t.Error("expected no merge at exactly the threshold distance")
	}

	params.Threshold = d * 1.01
	res = partitionOf(t, []Point{a, b}, params)
	if len(res.Clusters) != 1 {
		t.Error("expected merge just past the threshold distance")
	}
}

// =============================================================================
// Ordering and tie-break
// =============================================================================

// chainPoints: x — m — y along the equator, with m equidistant from both ends
// and the ends out of range of each other.
func chainPoints() []Point {
	return []Point{
		{ID: "x", Pos: geo.LatLng{Lat: 0, Lng: 0}},
		{ID: "m", Pos: geo.LatLng{Lat: 0, Lng: 0.0002}},
		{ID: "y", Pos: geo.LatLng{Lat: 0, Lng: 0.0004}},
	}
}

func TestPartitionFirstProcessorClaimsSharedCandidate(t *testing.T) {
	params := testPartitionParams()
	params.Threshold = 30 // x–m and m–y are ~22m; x–y is ~44m

	res := partitionOf(t, chainPoints(), params)

	if len(res.Clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(res.Clusters))
	}
	// Insertion order processes x first, so x claims m and y is left alone.
	if got := sortedIDs(res.Clusters[0].Members); got[0] != "m" || got[1] != "x" {
		t.Errorf("expected x to claim m, got cluster %v", got)
	}
	if got := ids(res.Singletons); len(got) != 1 || got[0] != "y" {
		t.Errorf("expected singleton [y], got %v", got)
	}
}

func TestPartitionReferenceReordersWalk(t *testing.T) {
	params := testPartitionParams()
	params.Threshold = 30
	params.Reference = &geo.LatLng{Lat: 0, Lng: 0.0004} // y's position

	res := partitionOf(t, chainPoints(), params)

	if len(res.Clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(res.Clusters))
	}
	// Walking from y, y claims m and x is left alone.
	if got := sortedIDs(res.Clusters[0].Members); got[0] != "m" || got[1] != "y" {
		t.Errorf("expected y to claim m, got cluster %v", got)
	}
	if got := ids(res.Singletons); len(got) != 1 || got[0] != "x" {
		t.Errorf("expected singleton [x], got %v", got)
	}
}

func TestPartitionSpilledCandidatesBecomeSingletons(t *testing.T) {
	// Seed a has one in-range candidate b, below the default minimum: both
	// must land in the singleton bucket and stay claimed.
	pts := []Point{
		{ID: "a", Pos: geo.LatLng{Lat: 0, Lng: 0}},
		{ID: "b", Pos: geo.LatLng{Lat: 0, Lng: 0.0001}},
	}
	params := testPartitionParams()
	params.MinClusterSize = 2

	res := partitionOf(t, pts, params)
	if got := ids(res.Singletons); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected singletons [a b], got %v", got)
	}
}

// =============================================================================
// Properties
// =============================================================================

func gridPoints(rows, cols int, spacingDeg float64) []Point {
	pts := make([]Point, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			pts = append(pts, Point{
				ID:  fmt.Sprintf("p%d_%d", r, c),
				Pos: geo.LatLng{Lat: float64(r) * spacingDeg, Lng: float64(c) * spacingDeg},
			})
		}
	}
	return pts
}

func TestPartitionCoverage(t *testing.T) {
	pts := gridPoints(5, 5, 0.0002) // 22m spacing
	pts[3].Protected = true
	pts[17].Protected = true

	params := testPartitionParams()
	params.Threshold = 30

	res := partitionOf(t, pts, params)

	if res.Size() != len(pts) {
		t.Fatalf("expected %d points across buckets, got %d", len(pts), res.Size())
	}

	seen := make(map[string]int)
	for _, p := range res.Protected {
		seen[p.ID]++
	}
	for _, p := range res.Singletons {
		seen[p.ID]++
	}
	for _, g := range res.Clusters {
		for _, p := range g.Members {
			seen[p.ID]++
		}
	}
	for _, p := range pts {
		if seen[p.ID] != 1 {
			t.Errorf("expected point %s in exactly one bucket, seen %d times", p.ID, seen[p.ID])
		}
	}
}

func TestPartitionThresholdMonotonicity(t *testing.T) {
	// Uneven spacing so successive thresholds absorb more points.
	pts := []Point{
		{ID: "a", Pos: geo.LatLng{Lat: 0, Lng: 0}},
		{ID: "b", Pos: geo.LatLng{Lat: 0, Lng: 0.0001}},
		{ID: "c", Pos: geo.LatLng{Lat: 0, Lng: 0.0003}},
		{ID: "d", Pos: geo.LatLng{Lat: 0, Lng: 0.0006}},
		{ID: "e", Pos: geo.LatLng{Lat: 0, Lng: 0.0010}},
		{ID: "f", Pos: geo.LatLng{Lat: 0, Lng: 0.0015}},
	}
	nbhd := BuildNeighborhoods(pts, PointID)
	gp := NewGreedyPartitioner()

	prev := -1
	for _, threshold := range []float64{5, 15, 25, 40, 60, 100, 200} {
		params := testPartitionParams()
		params.Threshold = threshold
		res := gp.Partition(pts, nbhd, params)

		merged := res.ClusteredPoints()
		if merged < prev {
			t.Errorf("threshold %.0f merged %d points, fewer than %d at a smaller threshold",
				threshold, merged, prev)
		}
		prev = merged
	}
}

func TestPartitionIdempotent(t *testing.T) {
	pts := gridPoints(4, 4, 0.0002)
	pts[5].Protected = true
	nbhd := BuildNeighborhoods(pts, PointID)
	gp := NewGreedyPartitioner()

	params := testPartitionParams()
	params.Threshold = 30

	first := resultSignature(gp.Partition(pts, nbhd, params))
	second := resultSignature(gp.Partition(pts, nbhd, params))

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("partition not idempotent (-first +second):\n%s", diff)
	}
}

func TestPartitionWithoutNeighborhoods(t *testing.T) {
	// Missing neighborhoods mean no candidates: everything clusterable
	// degrades to singletons rather than failing.
	res := NewGreedyPartitioner().Partition(scenarioPoints(), nil, testPartitionParams())
	if len(res.Singletons) != 3 || len(res.Clusters) != 0 {
		t.Errorf("expected 3 singletons with no neighborhood data, got %+v", resultSignature(res))
	}
}

func TestClusterGroupCentroid(t *testing.T) {
	g := ClusterGroup{Members: []Point{
		{ID: "a", Pos: geo.LatLng{Lat: 0, Lng: 0}},
		{ID: "b", Pos: geo.LatLng{Lat: 2, Lng: 4}},
	}}
	c := g.Centroid()
	if c.Lat != 1 || c.Lng != 2 {
		t.Errorf("expected centroid (1,2), got (%f,%f)", c.Lat, c.Lng)
	}
}

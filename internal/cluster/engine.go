package cluster

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// Threshold derivation constants. The merge threshold for a pass is
//
//	threshold = cellSize(zoom) * k / zoomScale
//
// with k the spacing constant below: at k = ground meters per screen point at
// zoom scale 1 (equatorial, 256-point tiles), the threshold is the ground
// footprint of one cell at the current zoom. The detail constant halves the
// spacing once the view is zoomed past the cutover, where tighter grouping
// reads better.
const (
	DefaultThresholdScaleWide   = 156543.03
	DefaultThresholdScaleDetail = 78271.52
	DefaultDetailZoomCutover    = 16.0
)

// Config configures an Engine. Zero values mean defaults.
type Config struct {
	// Identity selects point equality for de-duplication and used-marking.
	Identity IdentityMode

	// MinClusterSize gates group formation (see DefaultMinClusterSize).
	MinClusterSize int

	// MaxZoom suspends clustering past this zoom level.
	MaxZoom float64

	// ThresholdScaleWide and ThresholdScaleDetail are the spacing constants
	// for views below and past DetailZoomCutover.
	ThresholdScaleWide   float64
	ThresholdScaleDetail float64
	DetailZoomCutover    float64

	// DropOffscreen disables the retain-offscreen policy: removals are then
	// reported even for items outside the viewport. Off by default.
	DropOffscreen bool

	// Policy is the host clusterability/cell-size policy.
	Policy ClusterPolicy

	// OnDelta receives every committed delta on the delivery goroutine.
	OnDelta func(Delta)

	// OnPass receives stats for every pass, committed or superseded.
	OnPass func(PassStats)

	// Logger for lifecycle messages. Nil means log.Default().
	Logger *log.Logger
}

// PassStats describes one recompute pass. Superseded passes report the work
// they did before abandoning; they never touch engine state.
type PassStats struct {
	PassID          string        `json:"pass_id"`
	Gen             uint64        `json:"gen"`
	Trigger         string        `json:"trigger"`
	Zoom            float64       `json:"zoom"`
	Threshold       float64       `json:"threshold_m"`
	PointCount      int           `json:"point_count"`
	ProtectedCount  int           `json:"protected_count"`
	SingletonCount  int           `json:"singleton_count"`
	ClusterCount    int           `json:"cluster_count"`
	ClusteredPoints int           `json:"clustered_points"`
	LargestCluster  int           `json:"largest_cluster"`
	MeanNNDistance  float64       `json:"mean_nn_distance_m"`
	P95NNDistance   float64       `json:"p95_nn_distance_m"`
	ToAdd           int           `json:"to_add"`
	ToRemove        int           `json:"to_remove"`
	VisibleCount    int           `json:"visible_count"`
	CacheRebuilt    bool          `json:"cache_rebuilt"`
	Superseded      bool          `json:"superseded"`
	Duration        time.Duration `json:"duration"`
	StartedAt       time.Time     `json:"started_at"`
}

// EngineStats is a point-in-time summary for status endpoints.
type EngineStats struct {
	Points       int        `json:"points"`
	VisibleItems int        `json:"visible_items"`
	Passes       uint64     `json:"passes"`
	Committed    uint64     `json:"committed"`
	Superseded   uint64     `json:"superseded"`
	Generation   uint64     `json:"generation"`
	Identity     string     `json:"identity"`
	LastPass     *PassStats `json:"last_pass,omitempty"`
}

// Engine ties the core together: the point set, the neighbor cache, the
// greedy partitioner, the visible-set differ, and the recompute scheduler.
// Mutations and view changes are fire-and-forget; results arrive through the
// delta callbacks on a single delivery goroutine.
type Engine struct {
	identity        IdentityMode
	key             func(Point) string
	minClusterSize  int
	maxZoom         float64
	kWide           float64
	kDetail         float64
	detailCutover   float64
	retainOffscreen bool
	policy          ClusterPolicy
	logger          *log.Logger

	points      *PointSet
	cache       *NeighborCache
	partitioner Partitioner
	differ      *VisibleSetDiffer
	sched       *Scheduler

	mu         sync.RWMutex
	view       Viewport
	deltaSinks []func(Delta)
	passSinks  []func(PassStats)
	passes     uint64
	committed  uint64
	superseded uint64
	lastPass   *PassStats
}

// NewEngine creates an engine and starts its scheduler workers.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		identity:        cfg.Identity,
		key:             cfg.Identity.KeyFunc(),
		minClusterSize:  cfg.MinClusterSize,
		maxZoom:         cfg.MaxZoom,
		kWide:           cfg.ThresholdScaleWide,
		kDetail:         cfg.ThresholdScaleDetail,
		detailCutover:   cfg.DetailZoomCutover,
		retainOffscreen: !cfg.DropOffscreen,
		policy:          cfg.Policy,
		logger:          cfg.Logger,
	}
	if e.minClusterSize <= 0 {
		e.minClusterSize = DefaultMinClusterSize
	}
	if e.maxZoom <= 0 {
		e.maxZoom = DefaultMaxZoom
	}
	if e.kWide <= 0 {
		e.kWide = DefaultThresholdScaleWide
	}
	if e.kDetail <= 0 {
		e.kDetail = DefaultThresholdScaleDetail
	}
	if e.detailCutover <= 0 {
		e.detailCutover = DefaultDetailZoomCutover
	}
	if e.logger == nil {
		e.logger = log.Default()
	}

	e.points = NewPointSet(e.identity)
	e.cache = NewNeighborCache(e.key)
	e.partitioner = NewGreedyPartitioner()
	e.differ = NewVisibleSetDiffer()

	if cfg.OnDelta != nil {
		e.deltaSinks = append(e.deltaSinks, cfg.OnDelta)
	}
	if cfg.OnPass != nil {
		e.passSinks = append(e.passSinks, cfg.OnPass)
	}

	e.sched = NewScheduler(SchedulerConfig{
		Run:     e.runPass,
		OnDelta: e.dispatchDelta,
		Logger:  e.logger,
	})
	return e
}

// OnDelta registers an additional committed-delta sink. Sinks run in
// registration order on the delivery goroutine.
func (e *Engine) OnDelta(fn func(Delta)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.deltaSinks = append(e.deltaSinks, fn)
	e.mu.Unlock()
}

// OnPass registers an additional pass-stats sink.
func (e *Engine) OnPass(fn func(PassStats)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.passSinks = append(e.passSinks, fn)
	e.mu.Unlock()
}

// Add inserts a point and, when it was actually new, requests a recompute.
func (e *Engine) Add(p Point) bool {
	if !e.points.Add(p) {
		return false
	}
	Tracef("point add id=%s (%.6f,%.6f)", p.ID, p.Pos.Lat, p.Pos.Lng)
	e.sched.Request("point-add")
	return true
}

// AddAll inserts a batch and requests a single recompute when anything
// changed. Returns the number of points actually added.
func (e *Engine) AddAll(pts []Point) int {
	added := 0
	for _, p := range pts {
		if e.points.Add(p) {
			added++
		}
	}
	if added > 0 {
		Tracef("batch add %d/%d points", added, len(pts))
		e.sched.Request("point-add")
	}
	return added
}

// Remove deletes the point equal to p and requests a recompute on success.
func (e *Engine) Remove(p Point) bool {
	if !e.points.Remove(p) {
		return false
	}
	Tracef("point remove id=%s", p.ID)
	e.sched.Request("point-remove")
	return true
}

// RemoveID deletes by point ID and requests a recompute on success.
func (e *Engine) RemoveID(id string) bool {
	if !e.points.RemoveID(id) {
		return false
	}
	Tracef("point remove id=%s", id)
	e.sched.Request("point-remove")
	return true
}

// SetViewport stores the new view state and requests a recompute.
func (e *Engine) SetViewport(v Viewport) {
	e.mu.Lock()
	e.view = v
	e.mu.Unlock()
	e.sched.Request("view-change")
}

// Viewport returns the current view state.
func (e *Engine) Viewport() Viewport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view
}

// Recompute requests a pass without changing any input, for hosts that want
// an explicit refresh. An empty trigger is recorded as "manual".
func (e *Engine) Recompute(trigger string) {
	if trigger == "" {
		trigger = "manual"
	}
	e.sched.Request(trigger)
}

// Snapshot returns the current points in insertion order.
func (e *Engine) Snapshot() []Point { return e.points.Snapshot() }

// Len returns the current point count.
func (e *Engine) Len() int { return e.points.Len() }

// Visible returns the committed visible set.
func (e *Engine) Visible() []Item { return e.differ.Visible() }

// Stats returns a point-in-time engine summary.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := EngineStats{
		Points:       e.points.Len(),
		VisibleItems: e.differ.VisibleCount(),
		Passes:       e.passes,
		Committed:    e.committed,
		Superseded:   e.superseded,
		Generation:   e.sched.Generation(),
		Identity:     e.identity.String(),
	}
	if e.lastPass != nil {
		lp := *e.lastPass
		s.LastPass = &lp
	}
	return s
}

// Close stops the scheduler workers. Pending work is dropped; buffered
// deltas are still delivered.
func (e *Engine) Close() { e.sched.Close() }

// ThresholdFor returns the merge threshold in meters the engine would use
// for the given view.
func (e *Engine) ThresholdFor(view Viewport) float64 {
	scale := view.ZoomScale
	if scale <= 0 {
		scale = math.Exp2(view.Zoom)
	}
	k := e.kWide
	if view.Zoom >= e.detailCutover {
		k = e.kDetail
	}
	return e.policy.cellSize(view.Zoom) * k / scale
}

// PartitionOnce runs a synchronous partition of the current points for the
// given view, bypassing the scheduler and committing nothing. Tools and the
// monitor's zoom sweep use it; the live path always goes through Request.
func (e *Engine) PartitionOnce(view Viewport) PartitionResult {
	pts, version := e.points.SnapshotVersion()
	e.cache.RebuildIfDirty(pts, version)
	return e.partitioner.Partition(pts, e.cache.Snapshot(), PartitionParams{
		Threshold:      e.ThresholdFor(view),
		MinClusterSize: e.minClusterSize,
		Zoom:           view.Zoom,
		MaxZoom:        e.maxZoom,
		ShouldCluster:  e.policy.ShouldCluster,
		Reference:      view.Center,
		Key:            e.key,
	})
}

// runPass executes one scheduled pass. Checkpoints: after the snapshot,
// after the neighborhood build, and decisively before commit. A pass that
// observes supersession or a point-set version change commits neither the
// cache nor the visible set, making it indistinguishable from never having
// run. A mutation that lands after the final check leaves a stale-but-valid
// visible set; the mutation's own request corrects it on the next pass.
func (e *Engine) runPass(gen uint64, trigger string) (Delta, bool) {
	started := time.Now()

	e.mu.RLock()
	view := e.view
	e.mu.RUnlock()
	pts, version := e.points.SnapshotVersion()

	stats := PassStats{
		PassID:     uuid.New().String(),
		Gen:        gen,
		Trigger:    trigger,
		Zoom:       view.Zoom,
		PointCount: len(pts),
		StartedAt:  started,
	}

	if e.sched.Superseded(gen) {
		return e.abandonPass(stats, started)
	}

	dirty := e.cache.Dirty(version)
	var nbhd map[string]Neighborhood
	if dirty {
		nbhd = BuildNeighborhoods(pts, e.key)
		stats.CacheRebuilt = true
	} else {
		nbhd = e.cache.Snapshot()
	}

	if e.sched.Superseded(gen) {
		return e.abandonPass(stats, started)
	}

	stats.Threshold = e.ThresholdFor(view)
	res := e.partitioner.Partition(pts, nbhd, PartitionParams{
		Threshold:      stats.Threshold,
		MinClusterSize: e.minClusterSize,
		Zoom:           view.Zoom,
		MaxZoom:        e.maxZoom,
		ShouldCluster:  e.policy.ShouldCluster,
		Reference:      view.Center,
		Key:            e.key,
	})
	items := Flatten(res, e.key)

	stats.ProtectedCount = len(res.Protected)
	stats.SingletonCount = len(res.Singletons)
	stats.ClusterCount = len(res.Clusters)
	stats.ClusteredPoints = res.ClusteredPoints()
	stats.LargestCluster = res.LargestCluster()
	stats.MeanNNDistance, stats.P95NNDistance = nearestNeighborStats(pts, nbhd, e.key)

	if e.sched.Superseded(gen) || e.points.Version() != version {
		return e.abandonPass(stats, started)
	}

	if dirty {
		e.cache.Store(nbhd, version)
	}
	toAdd, toRemove := e.differ.Diff(items, view, e.retainOffscreen)

	stats.ToAdd = len(toAdd)
	stats.ToRemove = len(toRemove)
	stats.VisibleCount = e.differ.VisibleCount()
	stats.Duration = time.Since(started)
	e.recordPass(stats)

	Diagf("pass %s gen=%d trigger=%s points=%d clusters=%d singles=%d protected=%d +%d/-%d in %s",
		stats.PassID[:8], gen, trigger, stats.PointCount, stats.ClusterCount,
		stats.SingletonCount, stats.ProtectedCount, stats.ToAdd, stats.ToRemove, stats.Duration)

	return Delta{
		ToAdd:    toAdd,
		ToRemove: toRemove,
		PassID:   stats.PassID,
		Gen:      gen,
		Trigger:  trigger,
		Zoom:     view.Zoom,
		At:       time.Now(),
	}, true
}

// abandonPass records a superseded pass. No shared state was touched.
func (e *Engine) abandonPass(stats PassStats, started time.Time) (Delta, bool) {
	stats.Superseded = true
	stats.Duration = time.Since(started)
	e.recordPass(stats)
	Tracef("pass %s gen=%d superseded after %s", stats.PassID[:8], stats.Gen, stats.Duration)
	return Delta{}, false
}

func (e *Engine) recordPass(stats PassStats) {
	e.mu.Lock()
	e.passes++
	if stats.Superseded {
		e.superseded++
	} else {
		e.committed++
		e.lastPass = &stats
	}
	sinks := make([]func(PassStats), len(e.passSinks))
	copy(sinks, e.passSinks)
	e.mu.Unlock()

	for _, fn := range sinks {
		fn(stats)
	}
}

func (e *Engine) dispatchDelta(d Delta) {
	e.mu.RLock()
	sinks := make([]func(Delta), len(e.deltaSinks))
	copy(sinks, e.deltaSinks)
	e.mu.RUnlock()

	for _, fn := range sinks {
		fn(d)
	}
}

// nearestNeighborStats returns the mean and P95 of each point's distance to
// its nearest neighbor, in meters. Zeroes for fewer than two points.
func nearestNeighborStats(pts []Point, nbhd map[string]Neighborhood, key func(Point) string) (mean, p95 float64) {
	if len(pts) < 2 {
		return 0, 0
	}
	nearest := make([]float64, 0, len(pts))
	for _, p := range pts {
		nb := nbhd[key(p)].Neighbors
		if len(nb) > 0 {
			nearest = append(nearest, nb[0].Distance)
		}
	}
	if len(nearest) == 0 {
		return 0, 0
	}
	mean = stat.Mean(nearest, nil)
	sort.Float64s(nearest)
	p95 = stat.Quantile(0.95, stat.Empirical, nearest, nil)
	return mean, p95
}

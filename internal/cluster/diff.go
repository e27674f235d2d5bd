package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/mapcluster/internal/geo"
)

// Viewport is the host-supplied view state for one pass. Deriving the zoom
// scale from a real map projection is the host's job; the engine only
// consumes it.
type Viewport struct {
	// Bounds is the visible region, used by the retain-offscreen policy.
	Bounds geo.Bounds `json:"bounds"`

	// Zoom is the map zoom level, used for the cell-size tiers and the
	// max-zoom pass-through rule.
	Zoom float64 `json:"zoom"`

	// ZoomScale is a positive scalar where larger means more zoomed in.
	// When zero, 2^Zoom is assumed.
	ZoomScale float64 `json:"zoom_scale,omitempty"`

	// Center, when set, fixes the partition walk order by ascending
	// distance to it.
	Center *geo.LatLng `json:"center,omitempty"`
}

// Delta is one committed pass's output across the renderer boundary.
type Delta struct {
	ToAdd    []Item    `json:"to_add"`
	ToRemove []Item    `json:"to_remove"`
	PassID   string    `json:"pass_id"`
	Gen      uint64    `json:"gen"`
	Trigger  string    `json:"trigger,omitempty"`
	Zoom     float64   `json:"zoom"`
	At       time.Time `json:"at"`
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool { return len(d.ToAdd) == 0 && len(d.ToRemove) == 0 }

// VisibleSetDiffer owns the record of what the boundary currently displays
// and turns each fresh display set into the minimal add/remove delta against
// it. Reading the previous set and committing the new one happen under one
// lock, so concurrent diffs serialize and never interleave their updates.
type VisibleSetDiffer struct {
	mu      sync.Mutex
	visible map[string]Item
}

// NewVisibleSetDiffer creates a differ with an empty visible set.
func NewVisibleSetDiffer() *VisibleSetDiffer {
	return &VisibleSetDiffer{visible: make(map[string]Item)}
}

// Diff compares newItems against the committed visible set and commits.
//
// toAdd is every item not previously visible, in newItems order. toRemove is
// every previously visible item absent from newItems, sorted by key. With
// retainOffscreen set, a would-be removal whose coordinate falls outside
// view.Bounds is kept displayed instead: it stays in the committed set and is
// not reported, trading memory for less churn while panning. A zero Bounds
// disables retention for that pass (nothing is "off screen" when no viewport
// was supplied).
func (d *VisibleSetDiffer) Diff(newItems []Item, view Viewport, retainOffscreen bool) (toAdd, toRemove []Item) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]Item, len(newItems))
	for _, it := range newItems {
		next[it.Key] = it
	}

	for _, it := range newItems {
		if _, ok := d.visible[it.Key]; !ok {
			toAdd = append(toAdd, it)
		}
	}

	var gone []Item
	for k, it := range d.visible {
		if _, ok := next[k]; ok {
			continue
		}
		if retainOffscreen && !view.Bounds.IsZero() && !view.Bounds.Contains(it.Center) {
			next[k] = it
			continue
		}
		gone = append(gone, it)
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].Key < gone[j].Key })
	toRemove = gone

	d.visible = next
	return toAdd, toRemove
}

// Visible returns the committed visible set, sorted by key.
func (d *VisibleSetDiffer) Visible() []Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Item, 0, len(d.visible))
	for _, it := range d.visible {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// VisibleCount returns the committed visible set size.
func (d *VisibleSetDiffer) VisibleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visible)
}

// Reset clears the committed visible set, as when the boundary tears down
// its rendered state.
func (d *VisibleSetDiffer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible = make(map[string]Item)
}

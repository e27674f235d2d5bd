package cluster

// Cell footprints in screen points for the built-in zoom tiers.
const (
	CellSizeFar   = 88.0 // zoom 12 and below
	CellSizeMid   = 64.0 // zoom 13–15
	CellSizeNear  = 32.0 // zoom 16–18
	CellSizeClose = 16.0 // zoom 19 and above
)

// DefaultCellSize returns the tiered cell footprint for a zoom level. Hosts
// that want different spacing override it through ClusterPolicy.CellSize.
func DefaultCellSize(zoom float64) float64 {
	switch {
	case zoom >= 19:
		return CellSizeClose
	case zoom >= 16:
		return CellSizeNear
	case zoom >= 13:
		return CellSizeMid
	default:
		return CellSizeFar
	}
}

// ClusterPolicy is the host-injected clustering policy: two independent
// optional functions rather than a subclassable base.
type ClusterPolicy struct {
	// ShouldCluster reports whether a point may be merged into a cluster.
	// Nil means every point may. A point whose Protected flag is set is
	// excluded regardless of this function.
	ShouldCluster func(Point) bool

	// CellSize returns the cell footprint in screen points for a zoom
	// level, or ok=false to decline, in which case the engine uses the
	// DefaultCellSize tiers.
	CellSize func(zoom float64) (size float64, ok bool)
}

// cellSize resolves the effective cell footprint for a zoom level.
func (p ClusterPolicy) cellSize(zoom float64) float64 {
	if p.CellSize != nil {
		if size, ok := p.CellSize(zoom); ok && size > 0 {
			return size
		}
	}
	return DefaultCellSize(zoom)
}

// Package monitor serves debugging charts over the clustering engine using
// go-echarts: a scatter view of the current partition and a zoom sweep of
// cluster formation, each backed by a JSON data endpoint. These are
// debugging-only pages (no auth) for eyeballing partitioner behaviour without
// a map renderer attached.
package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/geo"
	"github.com/banshee-data/mapcluster/internal/httputil"
)

// echartsAssetsPrefix is where the chart pages load the echarts runtime from.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Bucket colors for the scatter page. Centroids get a hot color and a bigger
// symbol so they read over their members.
const (
	colorProtected = "#ffca28"
	colorSingleton = "#9e9e9e"
	colorClustered = "#42a5f5"
	colorCentroid  = "#ff5252"
)

// Monitor attaches the debug chart routes to an HTTP mux. Every page runs the
// partitioner synchronously via PartitionOnce, so nothing here touches the
// committed visible set or the scheduler.
type Monitor struct {
	engine *cluster.Engine
}

// New creates a Monitor over the given engine.
func New(engine *cluster.Engine) *Monitor {
	return &Monitor{engine: engine}
}

// AttachRoutes registers the /monitor/ pages and their data endpoints.
func (m *Monitor) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/monitor/", m.handleIndex)
	mux.HandleFunc("/monitor/scatter", m.handleScatterChart)
	mux.HandleFunc("/monitor/scatter.json", m.handleScatterData)
	mux.HandleFunc("/monitor/sweep", m.handleSweepChart)
	mux.HandleFunc("/monitor/sweep.json", m.handleSweepData)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>mapcluster monitor</title></head>
<body style="font-family: monospace; background: #111; color: #ddd;">
<h2>mapcluster debug monitor</h2>
<ul>
<li><a style="color:#8cf" href="/monitor/scatter">scatter</a> — current points by bucket (params: zoom, max_points)</li>
<li><a style="color:#8cf" href="/monitor/scatter.json">scatter.json</a></li>
<li><a style="color:#8cf" href="/monitor/sweep">sweep</a> — counts across a zoom sweep (params: from, to, step)</li>
<li><a style="color:#8cf" href="/monitor/sweep.json">sweep.json</a></li>
</ul>
</body>
</html>
`

func (m *Monitor) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/monitor/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

// scatterZoom resolves the zoom for a scatter render: the zoom query param if
// present, else the engine's current viewport zoom, else a mid zoom.
func (m *Monitor) scatterZoom(r *http.Request) float64 {
	if z := r.URL.Query().Get("zoom"); z != "" {
		if v, err := strconv.ParseFloat(z, 64); err == nil && v >= 0 && v <= 22 {
			return v
		}
	}
	if z := m.engine.Viewport().Zoom; z > 0 {
		return z
	}
	return 12.0
}

// partitionAt runs one synchronous pass at the given zoom, keeping the
// current viewport's bounds and center so walk order matches the live path.
func (m *Monitor) partitionAt(zoom float64) (cluster.PartitionResult, cluster.Viewport) {
	view := m.engine.Viewport()
	view.Zoom = zoom
	view.ZoomScale = 0 // derive 2^zoom rather than a stale scale
	return m.engine.PartitionOnce(view), view
}

// handleScatterChart renders the current partition as a scatter plot (HTML),
// one series per bucket plus a centroid overlay.
// Query params:
//   - zoom (optional; defaults to the current viewport zoom)
//   - max_points (optional; default 8000) to reduce payload size
func (m *Monitor) handleScatterChart(w http.ResponseWriter, r *http.Request) {
	zoom := m.scatterZoom(r)

	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	res, view := m.partitionAt(zoom)
	total := res.Size()
	if total == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no points loaded")
		return
	}

	// Downsample the big buckets by stride to stay within maxPoints. The
	// protected and centroid series are small and always drawn in full.
	stride := 1
	if total > maxPoints {
		stride = int(math.Ceil(float64(total) / float64(maxPoints)))
	}

	var ext extent
	protPts := make([]opts.ScatterData, 0, len(res.Protected))
	for _, p := range res.Protected {
		ext.add(p.Pos)
		protPts = append(protPts, opts.ScatterData{Value: []interface{}{p.Pos.Lng, p.Pos.Lat}})
	}
	singlePts := make([]opts.ScatterData, 0, len(res.Singletons)/stride+1)
	for i := 0; i < len(res.Singletons); i += stride {
		p := res.Singletons[i]
		ext.add(p.Pos)
		singlePts = append(singlePts, opts.ScatterData{Value: []interface{}{p.Pos.Lng, p.Pos.Lat}})
	}
	memberPts := make([]opts.ScatterData, 0, res.ClusteredPoints()/stride+1)
	centroidPts := make([]opts.ScatterData, 0, len(res.Clusters))
	for _, g := range res.Clusters {
		c := g.Centroid()
		ext.add(c)
		centroidPts = append(centroidPts, opts.ScatterData{Value: []interface{}{c.Lng, c.Lat, len(g.Members)}})
		for i := 0; i < len(g.Members); i += stride {
			p := g.Members[i]
			ext.add(p.Pos)
			memberPts = append(memberPts, opts.ScatterData{Value: []interface{}{p.Pos.Lng, p.Pos.Lat}})
		}
	}

	subtitle := fmt.Sprintf(
		"zoom=%.1f threshold=%.1fm points=%d protected=%d singles=%d clusters=%d stride=%d",
		zoom, m.engine.ThresholdFor(view), total,
		len(res.Protected), len(res.Singletons), len(res.Clusters), stride,
	)

	latMin, latMax, lngMin, lngMax := ext.padded()

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Cluster Scatter", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Partition Scatter", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: lngMin, Max: lngMax, Name: "Longitude", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: latMin, Max: latMax, Name: "Latitude", NameLocation: "middle", NameGap: 30}),
	)

	scatter.AddSeries("singletons", singlePts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}), charts.WithItemStyleOpts(opts.ItemStyle{Color: colorSingleton}))
	scatter.AddSeries("clustered", memberPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}), charts.WithItemStyleOpts(opts.ItemStyle{Color: colorClustered}))
	scatter.AddSeries("protected", protPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 7}), charts.WithItemStyleOpts(opts.ItemStyle{Color: colorProtected}))
	scatter.AddSeries("centroids", centroidPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}), charts.WithItemStyleOpts(opts.ItemStyle{Color: colorCentroid}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// ScatterBucket is one cluster group in the scatter.json payload.
type ScatterBucket struct {
	ID       string          `json:"id"`
	Centroid geo.LatLng      `json:"centroid"`
	Count    int             `json:"count"`
	Members  []cluster.Point `json:"members"`
}

// ScatterData is the /monitor/scatter.json payload.
type ScatterData struct {
	Zoom       float64         `json:"zoom"`
	ThresholdM float64         `json:"threshold_m"`
	Points     int             `json:"points"`
	Protected  []cluster.Point `json:"protected"`
	Singletons []cluster.Point `json:"singletons"`
	Clusters   []ScatterBucket `json:"clusters"`
}

// handleScatterData returns the full partition buckets as JSON.
// Query params: zoom (optional; same resolution as the chart page).
func (m *Monitor) handleScatterData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	zoom := m.scatterZoom(r)
	res, view := m.partitionAt(zoom)

	out := ScatterData{
		Zoom:       zoom,
		ThresholdM: m.engine.ThresholdFor(view),
		Points:     res.Size(),
		Protected:  res.Protected,
		Singletons: res.Singletons,
		Clusters:   make([]ScatterBucket, 0, len(res.Clusters)),
	}
	if out.Protected == nil {
		out.Protected = []cluster.Point{}
	}
	if out.Singletons == nil {
		out.Singletons = []cluster.Point{}
	}
	for _, g := range res.Clusters {
		out.Clusters = append(out.Clusters, ScatterBucket{
			ID:       g.ID,
			Centroid: g.Centroid(),
			Count:    len(g.Members),
			Members:  g.Members,
		})
	}
	httputil.WriteJSONOK(w, out)
}

// SweepStep is one zoom level's result in the sweep payload.
type SweepStep struct {
	Zoom            float64 `json:"zoom"`
	ThresholdM      float64 `json:"threshold_m"`
	Protected       int     `json:"protected"`
	Singletons      int     `json:"singletons"`
	Clusters        int     `json:"clusters"`
	ClusteredPoints int     `json:"clustered_points"`
	LargestCluster  int     `json:"largest_cluster"`
}

// sweepRange parses the from/to/step query params with defaults and caps the
// number of steps so a bad request can't spin the partitioner for minutes.
func sweepRange(r *http.Request) (from, to, step float64, err error) {
	from, to, step = 3.0, 18.0, 1.0
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseFloat(v, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid 'from' parameter")
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = strconv.ParseFloat(v, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid 'to' parameter")
		}
	}
	if v := q.Get("step"); v != "" {
		if step, err = strconv.ParseFloat(v, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid 'step' parameter")
		}
	}
	if step <= 0 || to < from || from < 0 || to > 22 {
		return 0, 0, 0, fmt.Errorf("invalid sweep range [%g,%g] step %g", from, to, step)
	}
	if (to-from)/step > 64 {
		return 0, 0, 0, fmt.Errorf("sweep range too large (max 64 steps)")
	}
	return from, to, step, nil
}

// runSweep partitions the current points once per zoom level.
func (m *Monitor) runSweep(from, to, step float64) []SweepStep {
	var steps []SweepStep
	for z := from; z <= to+1e-9; z += step {
		res, view := m.partitionAt(z)
		steps = append(steps, SweepStep{
			Zoom:            z,
			ThresholdM:      m.engine.ThresholdFor(view),
			Protected:       len(res.Protected),
			Singletons:      len(res.Singletons),
			Clusters:        len(res.Clusters),
			ClusteredPoints: res.ClusteredPoints(),
			LargestCluster:  res.LargestCluster(),
		})
	}
	return steps
}

// handleSweepChart renders cluster/singleton counts across a zoom sweep as a
// line chart (HTML).
// Query params:
//   - from, to, step (optional; default 3..18 step 1)
func (m *Monitor) handleSweepChart(w http.ResponseWriter, r *http.Request) {
	from, to, step, err := sweepRange(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if m.engine.Len() == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no points loaded")
		return
	}

	steps := m.runSweep(from, to, step)

	x := make([]string, len(steps))
	clusters := make([]opts.LineData, len(steps))
	singles := make([]opts.LineData, len(steps))
	merged := make([]opts.LineData, len(steps))
	for i, s := range steps {
		x[i] = strconv.FormatFloat(s.Zoom, 'g', -1, 64)
		clusters[i] = opts.LineData{Value: s.Clusters}
		singles[i] = opts.LineData{Value: s.Singletons}
		merged[i] = opts.LineData{Value: s.ClusteredPoints}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Zoom Sweep", Theme: "dark", Width: "1100px", Height: "650px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Cluster Formation vs Zoom", Subtitle: fmt.Sprintf("points=%d sweep=[%g..%g] step=%g", m.engine.Len(), from, to, step)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Zoom", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Count", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).
		AddSeries("clusters", clusters).
		AddSeries("singletons", singles).
		AddSeries("clustered points", merged)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleSweepData returns the sweep table as JSON.
// Query params: from, to, step (same as the chart page).
func (m *Monitor) handleSweepData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	from, to, step, err := sweepRange(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	steps := m.runSweep(from, to, step)
	if steps == nil {
		steps = []SweepStep{}
	}
	httputil.WriteJSONOK(w, steps)
}

// extent tracks the lat/lng bounding box of plotted points.
type extent struct {
	set            bool
	minLat, maxLat float64
	minLng, maxLng float64
}

func (e *extent) add(p geo.LatLng) {
	if !e.set {
		e.minLat, e.maxLat = p.Lat, p.Lat
		e.minLng, e.maxLng = p.Lng, p.Lng
		e.set = true
		return
	}
	e.minLat = math.Min(e.minLat, p.Lat)
	e.maxLat = math.Max(e.maxLat, p.Lat)
	e.minLng = math.Min(e.minLng, p.Lng)
	e.maxLng = math.Max(e.maxLng, p.Lng)
}

// padded returns the box grown by 5% per side so edge points stay visible.
// A degenerate box (single point) gets a small fixed margin.
func (e *extent) padded() (latMin, latMax, lngMin, lngMax float64) {
	padLat := (e.maxLat - e.minLat) * 0.05
	padLng := (e.maxLng - e.minLng) * 0.05
	if padLat == 0 {
		padLat = 0.001
	}
	if padLng == 0 {
		padLng = 0.001
	}
	return e.minLat - padLat, e.maxLat + padLat, e.minLng - padLng, e.maxLng + padLng
}

// Command zoom-profile runs the partitioner over a zoom sweep and reports
// how a marker set clusters at each level: cluster and singleton counts, the
// derived distance threshold, and largest-group size, as a CSV table plus an
// optional PNG chart. Markers come from a server database or are generated
// synthetically.
//
// Usage:
//
//	go run ./cmd/tools/zoom-profile -points 400 -plot profile.png
//	go run ./cmd/tools/zoom-profile -db markers.db -zoom-min 10 -zoom-max 18
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"image/color"
	"log"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/config"
	"github.com/banshee-data/mapcluster/internal/db"
	"github.com/banshee-data/mapcluster/internal/geo"
)

// parseCenter parses a "lat,lng" pair.
func parseCenter(s string) (geo.LatLng, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geo.LatLng{}, fmt.Errorf("expected lat,lng, got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.LatLng{}, fmt.Errorf("invalid latitude %q: %w", parts[0], err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.LatLng{}, fmt.Errorf("invalid longitude %q: %w", parts[1], err)
	}
	return geo.LatLng{Lat: lat, Lng: lng}, nil
}

// profileRow is one zoom level's partition outcome.
type profileRow struct {
	Zoom            float64
	ThresholdMeters float64
	Items           int
	Protected       int
	Singletons      int
	Clusters        int
	ClusteredPoints int
	LargestCluster  int
}

// syntheticPoints generates a reproducible marker spread around a center.
func syntheticPoints(n int, seed int64, center geo.LatLng, spread float64) []cluster.Point {
	rng := rand.New(rand.NewSource(seed))
	points := make([]cluster.Point, 0, n)
	for i := 0; i < n; i++ {
		p := cluster.NewPoint(
			center.Lat+(rng.Float64()-0.5)*spread,
			center.Lng+(rng.Float64()-0.5)*spread,
		)
		p.ID = fmt.Sprintf("syn-%05d", i)
		p.Protected = i%40 == 0
		points = append(points, p)
	}
	return points
}

// nnSummary reports nearest-neighbor spacing for the set: the scale the
// threshold sweep is working against.
func nnSummary(points []cluster.Point) (mean, median, p95 float64) {
	if len(points) < 2 {
		return 0, 0, 0
	}
	nbhd := cluster.BuildNeighborhoods(points, nil)
	nearest := make([]float64, 0, len(points))
	for _, p := range points {
		if nb := nbhd[p.ID].Neighbors; len(nb) > 0 {
			nearest = append(nearest, nb[0].Distance)
		}
	}
	if len(nearest) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(nearest, nil)
	sort.Float64s(nearest)
	median = stat.Quantile(0.5, stat.Empirical, nearest, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, nearest, nil)
	return mean, median, p95
}

// sweep partitions the set once per zoom step and collects the outcomes.
func sweep(engine *cluster.Engine, center geo.LatLng, zoomMin, zoomMax, zoomStep float64) []profileRow {
	var rows []profileRow
	for z := zoomMin; z <= zoomMax+1e-9; z += zoomStep {
		view := cluster.Viewport{Zoom: z, Center: &center}
		res := engine.PartitionOnce(view)
		rows = append(rows, profileRow{
			Zoom:            z,
			ThresholdMeters: engine.ThresholdFor(view),
			Items:           len(res.Protected) + len(res.Singletons) + len(res.Clusters),
			Protected:       len(res.Protected),
			Singletons:      len(res.Singletons),
			Clusters:        len(res.Clusters),
			ClusteredPoints: res.ClusteredPoints(),
			LargestCluster:  res.LargestCluster(),
		})
	}
	return rows
}

func writeCSV(path string, rows []profileRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"zoom", "threshold_m", "items", "protected", "singletons", "clusters", "clustered_points", "largest_cluster"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			strconv.FormatFloat(r.Zoom, 'f', 2, 64),
			strconv.FormatFloat(r.ThresholdMeters, 'f', 2, 64),
			strconv.Itoa(r.Items),
			strconv.Itoa(r.Protected),
			strconv.Itoa(r.Singletons),
			strconv.Itoa(r.Clusters),
			strconv.Itoa(r.ClusteredPoints),
			strconv.Itoa(r.LargestCluster),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// writePlot renders cluster, singleton, and item counts against zoom.
func writePlot(path string, rows []profileRow) error {
	p := plot.New()
	p.Title.Text = "Partition profile by zoom"
	p.X.Label.Text = "Zoom"
	p.Y.Label.Text = "Count"

	series := []struct {
		name  string
		color color.RGBA
		value func(profileRow) float64
	}{
		{"clusters", color.RGBA{R: 0xd6, G: 0x45, B: 0x41, A: 0xff}, func(r profileRow) float64 { return float64(r.Clusters) }},
		{"singletons", color.RGBA{R: 0x41, G: 0x69, B: 0xd6, A: 0xff}, func(r profileRow) float64 { return float64(r.Singletons) }},
		{"items", color.RGBA{R: 0x3a, G: 0x9e, B: 0x4f, A: 0xff}, func(r profileRow) float64 { return float64(r.Items) }},
	}

	for _, s := range series {
		pts := make(plotter.XYs, len(rows))
		for i, r := range rows {
			pts[i] = plotter.XY{X: r.Zoom, Y: s.value(r)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = s.color
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	p.Legend.Top = true
	p.Legend.Left = true

	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}

func main() {
	dbFile := flag.String("db", "", "Load markers from this SQLite database instead of generating them")
	points := flag.Int("points", 400, "Synthetic marker count (ignored with -db)")
	centerStr := flag.String("center", "51.5074,-0.1278", "Viewport center and synthetic area center (lat,lng)")
	spread := flag.Float64("spread", 0.1, "Extent of the synthetic area in degrees")
	seed := flag.Int64("seed", 1, "RNG seed for synthetic markers")
	zoomMin := flag.Float64("zoom-min", 8, "Sweep start zoom")
	zoomMax := flag.Float64("zoom-max", 20, "Sweep end zoom (inclusive)")
	zoomStep := flag.Float64("zoom-step", 0.5, "Sweep step")
	minClusterSize := flag.Int("min-cluster-size", 0, "Override the minimum cluster size (0: tuning default)")
	identityFlag := flag.String("identity", "", "Point identity mode: id or coord (default: tuning config)")
	configPath := flag.String("config", "", "Path to a tuning config JSON file (default: built-in defaults)")
	output := flag.String("output", "", "Output CSV filename (defaults to zoom-profile-<timestamp>.csv)")
	plotFile := flag.String("plot", "", "Also render a PNG chart to this path")
	flag.Parse()

	if *zoomStep <= 0 {
		log.Fatal("zoom-step must be positive")
	}
	center, err := parseCenter(*centerStr)
	if err != nil {
		log.Fatalf("invalid -center: %v", err)
	}

	tuning := config.MustLoadDefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		tuning = loaded
	}

	var markers []cluster.Point
	if *dbFile != "" {
		database, err := db.OpenDB(*dbFile)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		markers, err = database.ListMarkers()
		if err != nil {
			log.Fatalf("failed to load markers: %v", err)
		}
		log.Printf("Loaded %d markers from %s", len(markers), *dbFile)
	} else {
		markers = syntheticPoints(*points, *seed, center, *spread)
		log.Printf("Generated %d synthetic markers around (%.4f, %.4f)", len(markers), center.Lat, center.Lng)
	}
	if len(markers) == 0 {
		log.Fatal("no markers to profile")
	}

	mean, median, p95 := nnSummary(markers)
	log.Printf("Nearest-neighbor spacing: mean=%.1fm median=%.1fm p95=%.1fm", mean, median, p95)

	identityMode := tuning.GetIdentity()
	if *identityFlag != "" {
		identityMode = *identityFlag
	}
	identity, err := cluster.ParseIdentityMode(identityMode)
	if err != nil {
		log.Fatalf("invalid identity mode: %v", err)
	}

	minSize := tuning.GetMinClusterSize()
	if *minClusterSize > 0 {
		minSize = *minClusterSize
	}

	engine := cluster.NewEngine(cluster.Config{
		Identity:             identity,
		MinClusterSize:       minSize,
		MaxZoom:              tuning.GetMaxZoom(),
		ThresholdScaleWide:   tuning.GetThresholdScaleWide(),
		ThresholdScaleDetail: tuning.GetThresholdScaleDetail(),
		DetailZoomCutover:    tuning.GetDetailZoomCutover(),
	})
	defer engine.Close()
	engine.AddAll(markers)

	rows := sweep(engine, center, *zoomMin, *zoomMax, *zoomStep)

	for _, r := range rows {
		log.Printf("zoom %5.2f: threshold=%8.1fm items=%4d clusters=%3d singletons=%4d largest=%3d",
			r.Zoom, r.ThresholdMeters, r.Items, r.Clusters, r.Singletons, r.LargestCluster)
	}

	outPath := *output
	if outPath == "" {
		outPath = fmt.Sprintf("zoom-profile-%s.csv", time.Now().Format("20060102-150405"))
	}
	if err := writeCSV(outPath, rows); err != nil {
		log.Fatalf("failed to write CSV: %v", err)
	}
	log.Printf("Wrote %d rows to %s", len(rows), outPath)

	if *plotFile != "" {
		if err := writePlot(*plotFile, rows); err != nil {
			log.Fatalf("failed to render plot: %v", err)
		}
		log.Printf("Wrote chart to %s", *plotFile)
	}
}

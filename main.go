// Command mapcluster runs the marker clustering server: an incremental
// clustering engine fed by UDP marker mutations, fronted by a REST +
// WebSocket API, with SQLite persistence, Prometheus metrics, and optional
// NATS delta publishing and session recording.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/mapcluster/internal/api"
	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/config"
	"github.com/banshee-data/mapcluster/internal/db"
	"github.com/banshee-data/mapcluster/internal/deltapub"
	"github.com/banshee-data/mapcluster/internal/feed"
	"github.com/banshee-data/mapcluster/internal/metrics"
	"github.com/banshee-data/mapcluster/internal/monitor"
	"github.com/banshee-data/mapcluster/internal/recorder"
	"github.com/banshee-data/mapcluster/internal/version"
)

var (
	port        = flag.String("port", ":8080", "HTTP listen address")
	dbFile      = flag.String("db", "markers.db", "Path to the SQLite database file")
	udpFeed     = flag.String("udp-feed", "", "UDP mutation feed listen address (default: tuning config; 0 to disable)")
	natsURL     = flag.String("nats-url", "", "NATS broker URL for delta publishing (default: tuning config; empty disables)")
	recordDir   = flag.String("record-dir", "", "Record this session under the given directory (empty: recording off)")
	configPath  = flag.String("config", "", "Path to a tuning config JSON file (default: built-in defaults)")
	devMode     = flag.Bool("dev", false, "Run in dev mode: seed demo markers when the store is empty")
	logInterval = flag.Int("log-interval", 0, "Feed statistics logging interval in seconds (0: tuning config)")
	debugOps    = flag.Bool("debug-ops", false, "Log the cluster ops stream to stderr")
	debugDiag   = flag.Bool("debug-diag", false, "Log the cluster diag stream to stderr")
	debugTrace  = flag.Bool("debug-trace", false, "Log the cluster trace stream to stderr")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// demoMarkers generates a reproducible spread of markers around central
// London for dev mode: dense enough that the default viewport clusters, with
// a few protected points sprinkled in.
func demoMarkers(n int) []cluster.Point {
	rng := rand.New(rand.NewSource(42))
	points := make([]cluster.Point, 0, n)
	for i := 0; i < n; i++ {
		p := cluster.NewPoint(
			51.5074+(rng.Float64()-0.5)*0.12,
			-0.1278+(rng.Float64()-0.5)*0.18,
		)
		p.ID = fmt.Sprintf("demo-%03d", i)
		p.Label = p.ID
		p.Protected = i%25 == 0
		points = append(points, p)
	}
	return points
}

// cellSizePolicy maps the tuning config's footprint tiers onto the engine's
// zoom bands.
func cellSizePolicy(tuning *config.TuningConfig) func(zoom float64) (float64, bool) {
	return func(zoom float64) (float64, bool) {
		switch {
		case zoom >= 19:
			return tuning.GetCellSizeClose(), true
		case zoom >= 16:
			return tuning.GetCellSizeNear(), true
		case zoom >= 13:
			return tuning.GetCellSizeMid(), true
		default:
			return tuning.GetCellSizeFar(), true
		}
	}
}

func main() {
	// The migrate subcommand manages the schema without starting the server.
	// Dispatch it before flag.Parse sees the subcommand arguments.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		migrateFlags := flag.NewFlagSet("migrate", flag.ExitOnError)
		migrateDB := migrateFlags.String("db-path", "markers.db", "Path to the SQLite database file")
		if err := migrateFlags.Parse(os.Args[2:]); err != nil {
			log.Fatalf("failed to parse migrate flags: %v", err)
		}
		db.RunMigrateCommand(migrateFlags.Args(), *migrateDB)
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("mapcluster %s\n", version.String())
		return
	}

	if *port == "" {
		log.Fatal("no listen address given")
	}

	writers := cluster.LogWriters{}
	if *debugOps || *devMode {
		writers.Ops = os.Stderr
	}
	if *debugDiag {
		writers.Diag = os.Stderr
	}
	if *debugTrace {
		writers.Trace = os.Stderr
	}
	cluster.SetLogWriters(writers)

	tuning := config.MustLoadDefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		tuning = loaded
	}

	database, err := db.NewDBWithMigrationCheck(*dbFile, true)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *dbFile, err)
	}
	defer database.Close()

	if *devMode {
		count, err := database.CountMarkers()
		if err != nil {
			log.Fatalf("failed to count markers: %v", err)
		}
		if count == 0 {
			seed := demoMarkers(250)
			if err := database.InsertMarkers(seed); err != nil {
				log.Fatalf("failed to seed demo markers: %v", err)
			}
			log.Printf("Dev mode: seeded %d demo markers", len(seed))
		}
	}

	identity, err := cluster.ParseIdentityMode(tuning.GetIdentity())
	if err != nil {
		log.Fatalf("invalid identity mode in tuning config: %v", err)
	}

	registry := metrics.NewRegistry()

	engine := cluster.NewEngine(cluster.Config{
		Identity:             identity,
		MinClusterSize:       tuning.GetMinClusterSize(),
		MaxZoom:              tuning.GetMaxZoom(),
		ThresholdScaleWide:   tuning.GetThresholdScaleWide(),
		ThresholdScaleDetail: tuning.GetThresholdScaleDetail(),
		DetailZoomCutover:    tuning.GetDetailZoomCutover(),
		DropOffscreen:        !tuning.GetRetainOffscreen(),
		Policy:               cluster.ClusterPolicy{CellSize: cellSizePolicy(tuning)},
	})

	markers, err := database.ListMarkers()
	if err != nil {
		log.Fatalf("failed to load markers: %v", err)
	}
	if added := engine.AddAll(markers); added > 0 {
		log.Printf("Loaded %d markers from %s", added, *dbFile)
	}

	hub := api.NewHub(engine, tuning.GetWSSendBuffer(), registry)

	brokerURL := *natsURL
	if brokerURL == "" {
		brokerURL = tuning.GetNATSURL()
	}
	var publisher deltapub.Publisher = deltapub.NopPublisher{}
	if brokerURL != "" {
		p, err := deltapub.NewNATSPublisher(deltapub.Config{
			URL:     brokerURL,
			Subject: tuning.GetNATSSubject(),
			Name:    "mapcluster-server",
			Metrics: registry.Metrics,
		})
		if err != nil {
			log.Fatalf("failed to connect to NATS at %s: %v", brokerURL, err)
		}
		publisher = p
	}

	var rec *recorder.Recorder
	if *recordDir != "" {
		rec, err = recorder.New(recorder.Config{
			BaseDir:   *recordDir,
			ChunkSize: tuning.GetRecorderChunkSize(),
		})
		if err != nil {
			log.Fatalf("failed to start session recorder: %v", err)
		}
		log.Printf("Recording session to %s", rec.Dir())
	}

	var journal *db.PassJournal
	if tuning.GetJournalEnabled() {
		journal = db.NewPassJournal(db.PassJournalConfig{
			Store:    database,
			Interval: tuning.GetFlushInterval(),
		})
	}

	engine.OnPass(registry.Metrics.ObservePass)
	if journal != nil {
		engine.OnPass(journal.Record)
	}
	if rec != nil {
		engine.OnPass(func(st cluster.PassStats) {
			if err := rec.RecordPass(st); err != nil {
				log.Printf("failed to record pass: %v", err)
			}
		})
	}

	engine.OnDelta(hub.Broadcast)
	engine.OnDelta(registry.Metrics.ObserveDelta)
	engine.OnDelta(deltapub.Sink(publisher))
	if rec != nil {
		engine.OnDelta(func(d cluster.Delta) {
			if err := rec.RecordDelta(d); err != nil {
				log.Printf("failed to record delta: %v", err)
			}
		})
	}

	statsInterval := tuning.GetStatsInterval()
	if *logInterval > 0 {
		statsInterval = time.Duration(*logInterval) * time.Second
	}

	// Sessions served by the API: the directory we are recording into, or
	// the default recording location when recording is off this run.
	sessionsDir := *recordDir
	if sessionsDir == "" {
		sessionsDir = tuning.GetRecorderDir()
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if journal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := journal.Run(ctx); err != nil {
				log.Printf("pass journal terminated: %v", err)
			}
		}()
	}

	feedAddr := *udpFeed
	switch feedAddr {
	case "":
		feedAddr = tuning.GetFeedListenAddr()
	case "0", "off":
		feedAddr = ""
	}
	if feedAddr != "" {
		var mutationRecorder feed.MutationRecorder
		if rec != nil {
			mutationRecorder = rec
		}
		listener := feed.New(feed.Config{
			Addr:          feedAddr,
			ReadBuffer:    tuning.GetFeedBufferSize(),
			StatsInterval: statsInterval,
			Engine:        engine,
			DB:            database,
			Metrics:       registry.Metrics,
			Recorder:      mutationRecorder,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Listen(ctx); err != nil && err != context.Canceled {
				log.Printf("feed listener terminated: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(api.Config{
			Engine:      engine,
			DB:          database,
			Hub:         hub,
			Metrics:     registry,
			Tuning:      tuning,
			SessionsDir: sessionsDir,
		})
		mux := apiServer.ServeMux()
		monitor.New(engine).AttachRoutes(mux)

		server := &http.Server{
			Addr:    *port,
			Handler: api.LoggingMiddleware(mux),
		}

		// Serve in the background; this goroutine waits for shutdown.
		go func() {
			log.Printf("mapcluster %s listening on %s", version.Version, *port)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("listen on %s: %v", *port, err)
			}
		}()

		<-ctx.Done()
		log.Println("Shutdown signal received; stopping HTTP server")

		// In-flight requests get five seconds to finish.
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(drainCtx); err != nil {
			log.Printf("forced close of HTTP server: %v", err)
		}

		log.Printf("HTTP server stopped")
	}()

	// Wait for all goroutines to finish, then drain in dependency order: the
	// engine stops producing deltas before the sinks they feed are closed.
	wg.Wait()

	engine.Close()
	hub.Close()
	if err := publisher.Close(); err != nil {
		log.Printf("failed to close delta publisher: %v", err)
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Printf("failed to close session recorder: %v", err)
		}
	}

	log.Printf("Shutdown complete")
}

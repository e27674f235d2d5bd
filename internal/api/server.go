package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/config"
	"github.com/banshee-data/mapcluster/internal/db"
	"github.com/banshee-data/mapcluster/internal/fsutil"
	"github.com/banshee-data/mapcluster/internal/httputil"
	"github.com/banshee-data/mapcluster/internal/metrics"
	"github.com/banshee-data/mapcluster/internal/version"
)

const (
	ansiReset  = "\033[0m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[1;32m"
	ansiRed    = "\033[1;31m"
)

// Server serves the REST surface over the clustering engine: marker CRUD,
// viewport updates, the committed visible set, pass history, and the delta
// stream. The DB, hub, metrics registry, and tuning config are all optional;
// handlers that need a missing piece answer with an explanatory error.
type Server struct {
	engine      *cluster.Engine
	db          *db.DB
	hub         *Hub
	registry    *metrics.Registry
	tuning      *config.TuningConfig
	sessionsDir string
	sessionsFS  fsutil.FileSystem
	started     time.Time
}

// Config assembles a Server.
type Config struct {
	Engine      *cluster.Engine
	DB          *db.DB
	Hub         *Hub
	Metrics     *metrics.Registry
	Tuning      *config.TuningConfig
	SessionsDir string
	SessionsFS  fsutil.FileSystem
}

func NewServer(cfg Config) *Server {
	sessionsFS := cfg.SessionsFS
	if sessionsFS == nil {
		sessionsFS = fsutil.OSFileSystem{}
	}
	return &Server{
		engine:      cfg.Engine,
		db:          cfg.DB,
		hub:         cfg.Hub,
		registry:    cfg.Metrics,
		tuning:      cfg.Tuning,
		sessionsDir: cfg.SessionsDir,
		sessionsFS:  sessionsFS,
		started:     time.Now(),
	}
}

// statusRecorder captures the response code for the request log. It forwards
// Flush and Hijack so streaming responses and WebSocket upgrades still work
// behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func statusColor(code int) string {
	switch {
	case code < 300:
		return ansiGreen
	case code < 400:
		return ansiYellow
	default:
		return ansiRed
	}
}

// LoggingMiddleware writes one line per request: status, method, URI, and
// elapsed milliseconds.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := float64(time.Since(start).Microseconds()) / 1e3
		log.Printf("[%s%d%s] %s %s%s%s %.2fms",
			statusColor(rec.status), rec.status, ansiReset,
			r.Method,
			ansiCyan, r.RequestURI, ansiReset,
			elapsed)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/markers", s.handleMarkersOrCreate)
	mux.HandleFunc("/api/markers/", s.handleMarkerByID)
	mux.HandleFunc("/api/view", s.handleSetView)
	mux.HandleFunc("/api/visible", s.handleVisible)
	mux.HandleFunc("/api/recompute", s.handleRecompute)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/passes", s.handlePasses)
	mux.HandleFunc("/api/passes/summary", s.handlePassSummary)
	mux.HandleFunc("/api/params", s.handleParams)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionDownload)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.registry != nil {
		mux.Handle("/metrics", s.registry.Handler())
	}
	if s.db != nil {
		// The debug surface is a convenience; the API works without it.
		if err := s.db.AttachAdminRoutes(mux); err != nil {
			log.Printf("Admin routes unavailable: %v", err)
		}
	}
	return mux
}

// MarkerAPI is the flat wire shape for marker endpoints. Without it the
// responses would expose the engine's nested position struct; we control the
// output format here.
type MarkerAPI struct {
	ID        string  `json:"id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Label     string  `json:"label,omitempty"`
	Protected bool    `json:"protected,omitempty"`
}

func markerToAPI(p cluster.Point) MarkerAPI {
	return MarkerAPI{
		ID:        p.ID,
		Lat:       p.Pos.Lat,
		Lng:       p.Pos.Lng,
		Label:     p.Label,
		Protected: p.Protected,
	}
}

// toPoint converts the request shape to an engine point, generating an ID
// when the client did not supply one.
func (m MarkerAPI) toPoint() cluster.Point {
	p := cluster.NewPoint(m.Lat, m.Lng)
	if m.ID != "" {
		p.ID = m.ID
	}
	p.Label = m.Label
	p.Protected = m.Protected
	return p
}

func validCoords(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// handleMarkersOrCreate handles GET and POST to /api/markers
func (s *Server) handleMarkersOrCreate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListMarkers(w, r)
	case http.MethodPost:
		s.handleCreateMarker(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleListMarkers handles GET /api/markers - the durable marker collection,
// or the live engine contents when no store is attached.
func (s *Server) handleListMarkers(w http.ResponseWriter, r *http.Request) {
	var points []cluster.Point
	if s.db != nil {
		var err error
		points, err = s.db.ListMarkers()
		if err != nil {
			log.Printf("Error listing markers: %v", err)
			httputil.InternalServerError(w, "Failed to list markers")
			return
		}
	} else {
		points = s.engine.Snapshot()
	}

	markers := make([]MarkerAPI, len(points))
	for i, p := range points {
		markers[i] = markerToAPI(p)
	}
	httputil.WriteJSONOK(w, markers)
}

// handleCreateMarker handles POST /api/markers - add or update a marker,
// writing through to the store and the engine.
func (s *Server) handleCreateMarker(w http.ResponseWriter, r *http.Request) {
	var req MarkerAPI
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "Invalid request body")
		return
	}

	if !validCoords(req.Lat, req.Lng) {
		httputil.BadRequest(w, fmt.Sprintf("Coordinates out of range: (%v, %v)", req.Lat, req.Lng))
		return
	}

	p := req.toPoint()

	if s.db != nil {
		if err := s.db.UpsertMarker(p); err != nil {
			log.Printf("Error upserting marker %s: %v", p.ID, err)
			httputil.InternalServerError(w, "Failed to store marker")
			return
		}
	}

	status := http.StatusCreated
	if !s.engine.Add(p) {
		// Duplicate identity: replace in place.
		s.engine.RemoveID(p.ID)
		s.engine.Add(p)
		status = http.StatusOK
	}

	httputil.WriteJSON(w, status, markerToAPI(p))
}

// handleMarkerByID handles GET/DELETE /api/markers/{id}
func (s *Server) handleMarkerByID(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/markers/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		httputil.BadRequest(w, "Missing marker ID")
		return
	}
	id := pathParts[0]

	switch r.Method {
	case http.MethodGet:
		s.handleGetMarker(w, r, id)
	case http.MethodDelete:
		s.handleDeleteMarker(w, r, id)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleGetMarker handles GET /api/markers/{id}
func (s *Server) handleGetMarker(w http.ResponseWriter, r *http.Request, id string) {
	if s.db != nil {
		p, err := s.db.GetMarker(id)
		if err != nil {
			log.Printf("Error fetching marker %s: %v", id, err)
			httputil.InternalServerError(w, "Failed to fetch marker")
			return
		}
		if p == nil {
			httputil.NotFound(w, "Marker not found")
			return
		}
		httputil.WriteJSONOK(w, markerToAPI(*p))
		return
	}

	for _, p := range s.engine.Snapshot() {
		if p.ID == id {
			httputil.WriteJSONOK(w, markerToAPI(p))
			return
		}
	}
	httputil.NotFound(w, "Marker not found")
}

// handleDeleteMarker handles DELETE /api/markers/{id}
func (s *Server) handleDeleteMarker(w http.ResponseWriter, r *http.Request, id string) {
	stored := false
	if s.db != nil {
		var err error
		stored, err = s.db.DeleteMarker(id)
		if err != nil {
			log.Printf("Error deleting marker %s: %v", id, err)
			httputil.InternalServerError(w, "Failed to delete marker")
			return
		}
	}

	live := s.engine.RemoveID(id)
	if !stored && !live {
		httputil.NotFound(w, "Marker not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSetView handles POST /api/view - update the viewport and schedule a
// recompute. The response reports the merge threshold the engine derives for
// the posted view.
func (s *Server) handleSetView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var view cluster.Viewport
	if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
		httputil.BadRequest(w, "Invalid request body")
		return
	}

	if view.Zoom < 0 {
		httputil.BadRequest(w, fmt.Sprintf("Invalid zoom %v", view.Zoom))
		return
	}

	s.engine.SetViewport(view)
	if s.registry != nil {
		s.registry.Metrics.ObserveRecompute("view-change")
	}

	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":      "ok",
		"zoom":        view.Zoom,
		"threshold_m": s.engine.ThresholdFor(view),
	})
}

// handleVisible handles GET /api/visible - the committed visible set.
func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	items := s.engine.Visible()
	if items == nil {
		items = []cluster.Item{}
	}
	httputil.WriteJSONOK(w, items)
}

// handleRecompute handles POST /api/recompute - request a pass without
// changing any input. Scheduling is fire-and-forget, so the reply is 202.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	trigger := r.URL.Query().Get("trigger")
	if trigger == "" {
		trigger = "manual"
	}

	s.engine.Recompute(trigger)
	if s.registry != nil {
		s.registry.Metrics.ObserveRecompute(trigger)
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":  "scheduled",
		"trigger": trigger,
	})
}

// StatsResponse is the /api/stats payload.
type StatsResponse struct {
	Engine        cluster.EngineStats `json:"engine"`
	Viewport      cluster.Viewport    `json:"viewport"`
	StoredMarkers int                 `json:"stored_markers,omitempty"`
	Stream        *StreamStats        `json:"stream,omitempty"`
	Version       string              `json:"version"`
	GitSHA        string              `json:"git_sha"`
	UptimeSeconds float64             `json:"uptime_seconds"`
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := StatsResponse{
		Engine:        s.engine.Stats(),
		Viewport:      s.engine.Viewport(),
		Version:       version.Version,
		GitSHA:        version.GitSHA,
		UptimeSeconds: time.Since(s.started).Seconds(),
	}

	if s.db != nil {
		count, err := s.db.CountMarkers()
		if err != nil {
			log.Printf("Error counting markers: %v", err)
		} else {
			resp.StoredMarkers = count
		}
	}

	if s.hub != nil {
		st := s.hub.Stats()
		resp.Stream = &st
	}

	httputil.WriteJSONOK(w, resp)
}

// handlePasses handles GET /api/passes?limit=N - recent pass history.
func (s *Server) handlePasses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Pass history not enabled")
		return
	}

	limit := 50 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		parsedLimit, err := strconv.Atoi(l)
		if err != nil || parsedLimit < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsedLimit
	}

	passes, err := s.db.RecentPasses(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve passes: %v", err))
		return
	}
	if passes == nil {
		passes = []cluster.PassStats{}
	}
	httputil.WriteJSONOK(w, passes)
}

// handlePassSummary handles GET /api/passes/summary?since=24h
func (s *Server) handlePassSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Pass history not enabled")
		return
	}

	window := 24 * time.Hour // default value
	if since := r.URL.Query().Get("since"); since != "" {
		parsed, err := time.ParseDuration(since)
		if err != nil || parsed <= 0 {
			httputil.BadRequest(w, "Invalid 'since' parameter")
			return
		}
		window = parsed
	}

	summary, err := s.db.PassSummary(time.Now().Add(-window))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to summarise passes: %v", err))
		return
	}
	httputil.WriteJSONOK(w, summary)
}

// handleParams handles GET /api/params - the effective tuning values, with
// every default applied. The shape matches the tuning config file, so the
// response can be saved and fed back in with -config.
func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	tuning := s.tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	httputil.WriteJSONOK(w, tuning.Effective())
}

// handleStream upgrades to the WebSocket delta stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Delta stream not enabled")
		return
	}
	s.hub.ServeWS(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":    "ok",
		"service":   "mapcluster",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

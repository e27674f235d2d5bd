package api

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"log"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/banshee-data/mapcluster/internal/httputil"
	"github.com/banshee-data/mapcluster/internal/recorder"
	"github.com/banshee-data/mapcluster/internal/security"
)

// handleSessions handles GET /api/sessions - recorded sessions, newest first.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.sessionsDir == "" {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Session recording not enabled")
		return
	}

	// Recording enabled but nothing captured yet.
	if !s.sessionsFS.Exists(s.sessionsDir) {
		httputil.WriteJSONOK(w, []recorder.SessionInfo{})
		return
	}

	sessions, err := recorder.ListSessions(s.sessionsFS, s.sessionsDir)
	if err != nil {
		log.Printf("Error listing sessions: %v", err)
		httputil.InternalServerError(w, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []recorder.SessionInfo{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// handleSessionDownload handles GET /api/sessions/{name} - the session
// directory packed as a tar.gz attachment.
func (s *Server) handleSessionDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.sessionsDir == "" {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Session recording not enabled")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if name == "" || name != security.SanitizeFilename(name) {
		httputil.BadRequest(w, "Invalid session name")
		return
	}

	dir := filepath.Join(s.sessionsDir, name)
	if err := security.ValidatePathWithinDirectory(dir, s.sessionsDir); err != nil {
		httputil.BadRequest(w, "Invalid session name")
		return
	}
	if !s.sessionsFS.Exists(dir) {
		httputil.NotFound(w, "Session not found")
		return
	}

	entries, err := s.sessionsFS.ReadDir(dir)
	if err != nil {
		log.Printf("Error reading session %s: %v", name, err)
		httputil.InternalServerError(w, "Failed to read session")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.tar.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := s.archiveSessionFile(tw, name, entry.Name()); err != nil {
			// Headers are already out; log and cut the stream short.
			log.Printf("Error archiving session file %s/%s: %v", name, entry.Name(), err)
			return
		}
	}
}

func (s *Server) archiveSessionFile(tw *tar.Writer, session, file string) error {
	full := filepath.Join(s.sessionsDir, session, file)
	data, err := s.sessionsFS.ReadFile(full)
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name: path.Join(session, file),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if fi, err := s.sessionsFS.Stat(full); err == nil {
		hdr.ModTime = fi.ModTime()
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/mapcluster/internal/deploy"
)

// Backup snapshots the target's live database through the server's own
// backup endpoint (a VACUUM INTO download, safe against concurrent writes)
// and pulls the snapshot down to a local directory.
type Backup struct {
	Exec     *deploy.Executor
	OutDir   string
	HTTPPort string
}

// Backup fetches the snapshot and downloads it.
func (b *Backup) Backup() error {
	stamp := time.Now().UTC().Format("20060102-150405")
	remote := fmt.Sprintf("/tmp/mapcluster-backup-%s.db.gz", stamp)
	local := filepath.Join(b.OutDir, fmt.Sprintf("markers-%s.db.gz", stamp))

	fmt.Println("Requesting database snapshot...")
	fetch := fmt.Sprintf("curl -fsS -m 60 -o %s http://localhost:%s/debug/backup", remote, b.HTTPPort)
	if _, err := b.Exec.Run(fetch); err != nil {
		return fmt.Errorf("backup endpoint failed (is the service running?): %w", err)
	}

	if err := os.MkdirAll(b.OutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := b.Exec.Pull(remote, local); err != nil {
		return fmt.Errorf("failed to download snapshot: %w", err)
	}
	b.Exec.Run("rm -f " + remote)

	if fi, err := os.Stat(local); err == nil {
		fmt.Printf("Backup written to %s (%d bytes)\n", local, fi.Size())
	} else {
		fmt.Printf("Backup written to %s\n", local)
	}
	return nil
}

// Status reports the service's systemd state, health endpoint, engine
// stats, and database footprint in one shot.
type Status struct {
	Exec     *deploy.Executor
	HTTPPort string
}

// Report prints the status lines. Individual probes failing is part of the
// report, not a tool error: a down service still gets a status.
func (s *Status) Report() error {
	unit, err := s.Exec.Run("systemctl is-active " + deploy.ServiceName + " 2>/dev/null || true")
	if err != nil {
		return fmt.Errorf("failed to query systemd: %w", err)
	}
	state := strings.TrimSpace(unit)
	if state == "" {
		state = "not installed"
	}
	fmt.Printf("service:  %s\n", state)

	if health, err := s.Exec.Run(fmt.Sprintf("curl -fsS -m 2 http://localhost:%s/healthz", s.HTTPPort)); err == nil {
		fmt.Printf("health:   %s\n", strings.TrimSpace(health))
	} else {
		fmt.Println("health:   unreachable")
	}

	if stats, err := s.Exec.Run(fmt.Sprintf("curl -fsS -m 2 http://localhost:%s/api/stats", s.HTTPPort)); err == nil {
		fmt.Printf("stats:    %s\n", strings.TrimSpace(stats))
	}

	if du, err := s.Exec.Run("du -sh " + deploy.DataDir + " 2>/dev/null || true"); err == nil && strings.TrimSpace(du) != "" {
		fmt.Printf("data:     %s\n", strings.TrimSpace(du))
	}

	if journal, err := s.Exec.Run("journalctl -u " + deploy.ServiceName + " -n 5 --no-pager 2>/dev/null || true"); err == nil && strings.TrimSpace(journal) != "" {
		fmt.Println("recent log:")
		for _, line := range strings.Split(strings.TrimSpace(journal), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
	return nil
}

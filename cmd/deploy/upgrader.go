package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/mapcluster/internal/deploy"
)

// Upgrader swaps the installed binary for a new build. The running binary
// and a database snapshot go to a timestamped backup directory first, so a
// bad build is one 'rollback' away.
type Upgrader struct {
	Exec       *deploy.Executor
	BinaryPath string
	NoBackup   bool
}

// Upgrade runs the sequence: verify installed, back up, stop, swap, start,
// health check.
func (u *Upgrader) Upgrade() error {
	fmt.Println("Upgrading mapcluster...")

	if _, err := u.Exec.Run("test -x " + deploy.BinaryPath); err != nil {
		return fmt.Errorf("mapcluster is not installed on the target; use 'install' first")
	}

	current, err := u.Exec.Run(deploy.BinaryPath + " -version 2>/dev/null || true")
	if err == nil && strings.TrimSpace(current) != "" {
		fmt.Printf("  current: %s\n", strings.TrimSpace(current))
	}

	if !u.NoBackup {
		backupDir, err := backupCurrent(u.Exec)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("  ✅ backed up to %s\n", backupDir)
	}

	staging := "/tmp/mapcluster.upgrade"
	if err := u.Exec.Push(u.BinaryPath, staging); err != nil {
		return fmt.Errorf("failed to upload new binary: %w", err)
	}

	if _, err := u.Exec.Sudo("systemctl stop " + deploy.ServiceName); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}

	if _, err := u.Exec.Sudo(fmt.Sprintf("install -m 0755 %s %s", staging, deploy.BinaryPath)); err != nil {
		// Try to come back up on the old binary rather than staying down.
		u.Exec.Sudo("systemctl start " + deploy.ServiceName)
		return fmt.Errorf("failed to install new binary: %w", err)
	}
	u.Exec.Run("rm -f " + staging)

	if _, err := u.Exec.Sudo("systemctl start " + deploy.ServiceName); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	if err := waitHealthy(u.Exec, "8080", 15*time.Second); err != nil {
		fmt.Println("  ⚠️  new binary failed its health check")
		fmt.Println("  run 'mapcluster-deploy rollback' to restore the previous build")
		return err
	}

	fmt.Println("Upgrade complete; service is healthy.")
	return nil
}

// backupCurrent snapshots the running binary and database into a timestamped
// directory under the backup root and returns its path.
func backupCurrent(exec *deploy.Executor) (string, error) {
	stamp := time.Now().UTC().Format("20060102-150405")
	dir := fmt.Sprintf("%s/%s", deploy.BackupRoot, stamp)

	if _, err := exec.Sudo("mkdir -p " + dir); err != nil {
		return "", err
	}
	if _, err := exec.Sudo(fmt.Sprintf("cp %s %s/mapcluster", deploy.BinaryPath, dir)); err != nil {
		return "", err
	}
	// sqlite's own snapshot, not cp: safe against a mid-write copy.
	if _, err := exec.Sudo(fmt.Sprintf("-u %s sqlite3 %s \"VACUUM INTO '%s/markers.db'\" 2>/dev/null || sudo cp %s %s/markers.db",
		deploy.ServiceUser, deploy.DBPath, dir, deploy.DBPath, dir)); err != nil {
		return "", err
	}
	return dir, nil
}

// Rollback restores the most recent backup: binary always, database only
// when asked (markers written since the backup are lost with it).
type Rollback struct {
	Exec      *deploy.Executor
	RestoreDB bool
}

// Rollback performs the restore and restarts the service.
func (r *Rollback) Rollback() error {
	dir, err := latestBackup(r.Exec)
	if err != nil {
		return err
	}
	fmt.Printf("Rolling back to %s...\n", dir)

	if _, err := r.Exec.Sudo("systemctl stop " + deploy.ServiceName); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	if _, err := r.Exec.Sudo(fmt.Sprintf("install -m 0755 %s/mapcluster %s", dir, deploy.BinaryPath)); err != nil {
		return fmt.Errorf("failed to restore binary: %w", err)
	}
	if r.RestoreDB {
		if _, err := r.Exec.Sudo(fmt.Sprintf("install -o %s -g %s -m 0640 %s/markers.db %s",
			deploy.ServiceUser, deploy.ServiceUser, dir, deploy.DBPath)); err != nil {
			return fmt.Errorf("failed to restore database: %w", err)
		}
		fmt.Println("  ✅ database restored")
	}
	if _, err := r.Exec.Sudo("systemctl start " + deploy.ServiceName); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	if err := waitHealthy(r.Exec, "8080", 15*time.Second); err != nil {
		return fmt.Errorf("rolled back but the service is still unhealthy: %w", err)
	}
	fmt.Println("Rollback complete; service is healthy.")
	return nil
}

// latestBackup returns the newest timestamped directory under the backup
// root. Directory names sort chronologically, so the last one wins.
func latestBackup(exec *deploy.Executor) (string, error) {
	out, err := exec.Run(fmt.Sprintf("ls -1 %s 2>/dev/null | sort | tail -n 1", deploy.BackupRoot))
	if err != nil {
		return "", fmt.Errorf("failed to list backups: %w", err)
	}
	name := strings.TrimSpace(out)
	if name == "" {
		return "", fmt.Errorf("no backups found under %s", deploy.BackupRoot)
	}
	return deploy.BackupRoot + "/" + name, nil
}

// waitHealthy polls the service's health endpoint on the target until it
// answers or the deadline passes.
func waitHealthy(exec *deploy.Executor, port string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	check := fmt.Sprintf("curl -fsS -m 2 http://localhost:%s/healthz", port)
	var lastErr error
	for time.Now().Before(deadline) {
		if _, err := exec.Run(check); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("service not healthy after %s: %w", timeout, lastErr)
}

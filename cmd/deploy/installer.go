package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/mapcluster/internal/deploy"
)

// serviceUnit is the systemd unit the installer writes. ExecStart points at
// the install layout constants; the listen addresses are filled in per
// install.
const serviceUnit = `[Unit]
Description=mapcluster marker clustering server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=%s
WorkingDirectory=%s
ExecStart=%s -port %s%s -db %s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

// Installer performs a first-time install on a target: service user, data
// directory, binary, unit file, schema migration, start, health check.
type Installer struct {
	Exec       *deploy.Executor
	BinaryPath string // local path of the binary to install
	Port       string // HTTP listen address for the unit file
	FeedAddr   string // UDP feed listen address, empty for config default
}

// Install runs the full sequence. Steps that are already done (existing
// user, existing directory) are skipped, so re-running after a partial
// failure is safe.
func (i *Installer) Install() error {
	if err := i.validateBinary(); err != nil {
		return err
	}

	fmt.Println("Installing mapcluster...")

	if out, err := i.Exec.Run("systemctl is-active " + deploy.ServiceName + " 2>/dev/null || true"); err == nil && strings.TrimSpace(out) == "active" {
		return fmt.Errorf("mapcluster is already running on the target; use 'upgrade' instead")
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"service user", i.createServiceUser},
		{"data directory", i.createDataDir},
		{"binary", i.installBinary},
		{"systemd unit", i.installUnit},
		{"database schema", i.migrateDatabase},
		{"service start", i.startService},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		fmt.Printf("  ✅ %s\n", step.name)
	}

	if err := waitHealthy(i.Exec, "8080", 10*time.Second); err != nil {
		fmt.Println("  ⚠️  service started but the health check did not pass")
		return err
	}
	fmt.Println("Install complete; service is healthy.")
	return nil
}

// validateBinary confirms the local binary exists before touching the target.
func (i *Installer) validateBinary() error {
	info, err := os.Stat(i.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %s not found: %w", i.BinaryPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("binary path %s is a directory", i.BinaryPath)
	}
	return nil
}

func (i *Installer) createServiceUser() error {
	check := fmt.Sprintf("id -u %s >/dev/null 2>&1", deploy.ServiceUser)
	if _, err := i.Exec.Run(check); err == nil {
		return nil
	}
	_, err := i.Exec.Sudo(fmt.Sprintf("useradd --system --home-dir %s --shell /usr/sbin/nologin %s",
		deploy.DataDir, deploy.ServiceUser))
	return err
}

func (i *Installer) createDataDir() error {
	_, err := i.Exec.Sudo(fmt.Sprintf("install -d -o %s -g %s -m 0750 %s",
		deploy.ServiceUser, deploy.ServiceUser, deploy.DataDir))
	return err
}

func (i *Installer) installBinary() error {
	staging := "/tmp/mapcluster.install"
	if err := i.Exec.Push(i.BinaryPath, staging); err != nil {
		return err
	}
	if _, err := i.Exec.Sudo(fmt.Sprintf("install -m 0755 %s %s", staging, deploy.BinaryPath)); err != nil {
		return err
	}
	_, err := i.Exec.Run("rm -f " + staging)
	return err
}

func (i *Installer) installUnit() error {
	feedFlag := ""
	if i.FeedAddr != "" {
		feedFlag = " -udp-feed " + i.FeedAddr
	}
	unit := fmt.Sprintf(serviceUnit, deploy.ServiceUser, deploy.DataDir,
		deploy.BinaryPath, i.Port, feedFlag, deploy.DBPath)

	// Write through a heredoc so the unit lands in one round trip.
	cmd := fmt.Sprintf("sudo tee %s >/dev/null <<'UNIT'\n%sUNIT", deploy.UnitPath, unit)
	if _, err := i.Exec.Run(cmd); err != nil {
		return err
	}
	if _, err := i.Exec.Sudo("systemctl daemon-reload"); err != nil {
		return err
	}
	_, err := i.Exec.Sudo("systemctl enable " + deploy.ServiceName)
	return err
}

// migrateDatabase brings the schema up to date before the first start, so
// the service never boots against a half-created database.
func (i *Installer) migrateDatabase() error {
	_, err := i.Exec.Sudo(fmt.Sprintf("-u %s %s migrate -db-path %s up",
		deploy.ServiceUser, deploy.BinaryPath, deploy.DBPath))
	return err
}

func (i *Installer) startService() error {
	_, err := i.Exec.Sudo("systemctl start " + deploy.ServiceName)
	return err
}

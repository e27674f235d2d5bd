// Command mapcluster-deploy installs, upgrades, and watches mapcluster on a
// field unit over SSH. It drives the standard install layout (systemd unit,
// /usr/local/bin binary, /var/lib data directory) and leans on the server's
// own endpoints for health checks and database backups.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/mapcluster/internal/deploy"
)

const version = "0.2.0"

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "install":
		err = runInstall(args)
	case "upgrade":
		err = runUpgrade(args)
	case "rollback":
		err = runRollback(args)
	case "backup":
		err = runBackup(args)
	case "status":
		err = runStatus(args)
	case "version":
		fmt.Printf("mapcluster-deploy version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// targetFlags registers the flags every subcommand shares and returns a
// function that resolves them into an executor after parsing.
func targetFlags(fs *flag.FlagSet) func() (*deploy.Executor, error) {
	host := fs.String("target", "", "Deploy target hostname, IP, or ssh_config alias (empty: this machine)")
	user := fs.String("user", "", "SSH user (default: ssh_config or current user)")
	key := fs.String("key", "", "SSH identity file (default: ssh_config)")
	dryRun := fs.Bool("dry-run", false, "Print commands without executing them")
	debug := fs.Bool("debug", false, "Trace every executed command")

	return func() (*deploy.Executor, error) {
		target, err := deploy.ResolveTarget(*host, *user, *key)
		if err != nil {
			return nil, err
		}
		exec := deploy.NewExecutor(target, *dryRun)
		if *debug {
			exec.SetTrace(func(format string, args ...interface{}) {
				fmt.Printf("[debug] "+format+"\n", args...)
			})
		}
		return exec, nil
	}
}

func runInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	binary := fs.String("binary", "./mapcluster", "Path to the mapcluster binary to install")
	port := fs.String("port", ":8080", "HTTP listen address for the service")
	feed := fs.String("udp-feed", "", "UDP feed listen address for the service (empty: config default)")
	mkExec := targetFlags(fs)
	fs.Parse(args)

	exec, err := mkExec()
	if err != nil {
		return err
	}
	inst := &Installer{Exec: exec, BinaryPath: *binary, Port: *port, FeedAddr: *feed}
	return inst.Install()
}

func runUpgrade(args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	binary := fs.String("binary", "./mapcluster", "Path to the new mapcluster binary")
	noBackup := fs.Bool("no-backup", false, "Skip backing up the current binary and database")
	mkExec := targetFlags(fs)
	fs.Parse(args)

	exec, err := mkExec()
	if err != nil {
		return err
	}
	up := &Upgrader{Exec: exec, BinaryPath: *binary, NoBackup: *noBackup}
	return up.Upgrade()
}

func runRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	withDB := fs.Bool("with-db", false, "Also restore the database snapshot from the backup")
	mkExec := targetFlags(fs)
	fs.Parse(args)

	exec, err := mkExec()
	if err != nil {
		return err
	}
	rb := &Rollback{Exec: exec, RestoreDB: *withDB}
	return rb.Rollback()
}

func runBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	outDir := fs.String("out", "./backups", "Local directory to store the downloaded backup")
	httpPort := fs.String("http", "8080", "Port the service listens on (for the backup endpoint)")
	mkExec := targetFlags(fs)
	fs.Parse(args)

	exec, err := mkExec()
	if err != nil {
		return err
	}
	b := &Backup{Exec: exec, OutDir: *outDir, HTTPPort: *httpPort}
	return b.Backup()
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	httpPort := fs.String("http", "8080", "Port the service listens on")
	mkExec := targetFlags(fs)
	fs.Parse(args)

	exec, err := mkExec()
	if err != nil {
		return err
	}
	s := &Status{Exec: exec, HTTPPort: *httpPort}
	return s.Report()
}

func printUsage() {
	fmt.Println(`mapcluster-deploy - deployment manager for mapcluster field units

Usage: mapcluster-deploy <command> [options]

Commands:
  install    Install mapcluster as a systemd service on the target
  upgrade    Upgrade the installed binary, with automatic backup
  rollback   Restore the previous binary (optionally the database)
  backup     Snapshot the target's database and download it
  status     Show service, health, and database state
  version    Print the deploy tool version
  help       Show this help

Common options (all commands):
  -target    Hostname, IP, or ssh_config alias; empty runs locally
  -user      SSH user
  -key       SSH identity file
  -dry-run   Print the commands without executing them
  -debug     Trace every executed command

Examples:
  mapcluster-deploy install -target unit-7 -binary ./mapcluster
  mapcluster-deploy upgrade -target unit-7 -binary ./mapcluster
  mapcluster-deploy backup -target unit-7 -out ./backups
  mapcluster-deploy status -target unit-7`)
}

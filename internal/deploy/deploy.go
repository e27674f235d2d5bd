// Package deploy runs commands on a mapcluster field unit, locally or over
// SSH, for the deploy tool. Command execution goes through an injectable
// runner so the tool's sequences are testable without a live target.
package deploy

import (
	"fmt"
	"os/exec"
	"strings"
)

// Install layout on a field unit. The deploy tool owns these paths end to
// end: installer creates them, upgrader swaps them, rollback restores them.
const (
	ServiceName = "mapcluster"
	ServiceUser = "mapcluster"
	BinaryPath  = "/usr/local/bin/mapcluster"
	DataDir     = "/var/lib/mapcluster"
	DBPath      = "/var/lib/mapcluster/markers.db"
	UnitPath    = "/etc/systemd/system/mapcluster.service"
	BackupRoot  = "/var/backups/mapcluster"
)

// Runner executes one local command and returns its combined output.
// Production uses ExecRunner; tests substitute a recorder.
type Runner func(name string, args ...string) ([]byte, error)

// ExecRunner runs the command through os/exec.
func ExecRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Executor runs shell commands against a deploy target. A local target runs
// them directly; a remote one wraps them in ssh/scp. DryRun prints what would
// run and reports success without executing.
type Executor struct {
	Target Target
	DryRun bool

	runner Runner
	trace  func(format string, args ...interface{})
}

// NewExecutor creates an executor for the target using ExecRunner.
func NewExecutor(target Target, dryRun bool) *Executor {
	return &Executor{Target: target, DryRun: dryRun, runner: ExecRunner}
}

// SetRunner replaces the command runner; tests use this.
func (e *Executor) SetRunner(r Runner) {
	if r != nil {
		e.runner = r
	}
}

// SetTrace installs a debug trace function for every executed command.
func (e *Executor) SetTrace(fn func(format string, args ...interface{})) {
	e.trace = fn
}

// IsLocal reports whether commands run on this machine rather than over SSH.
func (e *Executor) IsLocal() bool {
	h := e.Target.Host
	return h == "" || h == "localhost" || h == "127.0.0.1"
}

// Run executes command (a shell line) on the target and returns its combined
// output.
func (e *Executor) Run(command string) (string, error) {
	if e.DryRun {
		fmt.Printf("[dry-run] %s\n", command)
		return "", nil
	}
	if e.trace != nil {
		e.trace("run: %s", command)
	}

	var out []byte
	var err error
	if e.IsLocal() {
		out, err = e.runner("sh", "-c", command)
	} else {
		args := append(e.Target.sshArgs(), e.Target.sshHost(), command)
		out, err = e.runner("ssh", args...)
	}
	if err != nil {
		return string(out), fmt.Errorf("command %q failed: %w (output: %s)", command, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Sudo executes command with root privileges on the target.
func (e *Executor) Sudo(command string) (string, error) {
	return e.Run("sudo " + command)
}

// Push copies a local file to the given path on the target.
func (e *Executor) Push(localPath, remotePath string) error {
	return e.copy(localPath, remotePath, true)
}

// Pull copies a file from the target to the given local path.
func (e *Executor) Pull(remotePath, localPath string) error {
	return e.copy(localPath, remotePath, false)
}

func (e *Executor) copy(localPath, remotePath string, push bool) error {
	if e.DryRun {
		if push {
			fmt.Printf("[dry-run] copy %s -> %s:%s\n", localPath, e.Target.Host, remotePath)
		} else {
			fmt.Printf("[dry-run] copy %s:%s -> %s\n", e.Target.Host, remotePath, localPath)
		}
		return nil
	}

	var name string
	var args []string
	if e.IsLocal() {
		name = "cp"
		if push {
			args = []string{localPath, remotePath}
		} else {
			args = []string{remotePath, localPath}
		}
	} else {
		name = "scp"
		args = e.Target.scpArgs()
		if push {
			args = append(args, localPath, e.Target.sshHost()+":"+remotePath)
		} else {
			args = append(args, e.Target.sshHost()+":"+remotePath, localPath)
		}
	}
	if e.trace != nil {
		e.trace("copy: %s %s", name, strings.Join(args, " "))
	}
	if out, err := e.runner(name, args...); err != nil {
		return fmt.Errorf("copy failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Target identifies a deploy destination and how to authenticate to it.
type Target struct {
	Host    string // hostname, IP, or ssh_config alias; empty means local
	User    string
	KeyPath string
	Port    string
}

// sshHost returns the user@host form ssh and scp expect.
func (t Target) sshHost() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// sshArgs returns the ssh option flags for this target. BatchMode keeps a
// misconfigured key from hanging the tool on a password prompt.
func (t Target) sshArgs() []string {
	args := []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=10"}
	if t.KeyPath != "" {
		args = append(args, "-i", t.KeyPath)
	}
	if t.Port != "" {
		args = append(args, "-p", t.Port)
	}
	return args
}

// scpArgs mirrors sshArgs; scp spells the port flag differently.
func (t Target) scpArgs() []string {
	args := []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=10"}
	if t.KeyPath != "" {
		args = append(args, "-i", t.KeyPath)
	}
	if t.Port != "" {
		args = append(args, "-P", t.Port)
	}
	return args
}

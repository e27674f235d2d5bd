package deploy

import (
	"os"
	"path/filepath"
	"testing"
)

const fixtureConfig = `# field units
Host unit-7
    HostName 10.1.7.20
    User fieldops
    IdentityFile ~/.ssh/field_ed25519
    Port 2222

Host unit-*
    User fallback
    IdentityFile=~/.ssh/fleet_key

Host *
    User everyone
`

func writeConfig(t *testing.T, content string) (path, home string) {
	t.Helper()
	home = t.TempDir()
	path = filepath.Join(home, "config")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}
	return path, home
}

func TestResolveFromConfigExactHost(t *testing.T) {
	path, home := writeConfig(t, fixtureConfig)

	got, err := resolveFromConfig(Target{Host: "unit-7"}, path, home)
	if err != nil {
		t.Fatalf("resolveFromConfig failed: %v", err)
	}
	if got.Host != "10.1.7.20" {
		t.Errorf("Host: got %q, want %q", got.Host, "10.1.7.20")
	}
	if got.User != "fieldops" {
		t.Errorf("User: got %q, want %q", got.User, "fieldops")
	}
	if want := filepath.Join(home, ".ssh", "field_ed25519"); got.KeyPath != want {
		t.Errorf("KeyPath: got %q, want %q", got.KeyPath, want)
	}
	if got.Port != "2222" {
		t.Errorf("Port: got %q, want %q", got.Port, "2222")
	}
}

func TestResolveFromConfigWildcard(t *testing.T) {
	path, home := writeConfig(t, fixtureConfig)

	got, err := resolveFromConfig(Target{Host: "unit-12"}, path, home)
	if err != nil {
		t.Fatalf("resolveFromConfig failed: %v", err)
	}
	// First matching stanza is unit-*; hostname passes through unchanged.
	if got.Host != "unit-12" {
		t.Errorf("Host: got %q, want %q", got.Host, "unit-12")
	}
	if got.User != "fallback" {
		t.Errorf("User: got %q, want %q", got.User, "fallback")
	}
	if want := filepath.Join(home, ".ssh", "fleet_key"); got.KeyPath != want {
		t.Errorf("KeyPath (Key=Value form): got %q, want %q", got.KeyPath, want)
	}
}

func TestResolveFlagsWinOverConfig(t *testing.T) {
	path, home := writeConfig(t, fixtureConfig)

	got, err := resolveFromConfig(Target{Host: "unit-7", User: "override", KeyPath: "/tmp/key"}, path, home)
	if err != nil {
		t.Fatalf("resolveFromConfig failed: %v", err)
	}
	if got.User != "override" {
		t.Errorf("User: got %q, want flag value %q", got.User, "override")
	}
	if got.KeyPath != "/tmp/key" {
		t.Errorf("KeyPath: got %q, want flag value %q", got.KeyPath, "/tmp/key")
	}
	// HostName still resolves from config.
	if got.Host != "10.1.7.20" {
		t.Errorf("Host: got %q, want %q", got.Host, "10.1.7.20")
	}
}

func TestResolveMissingConfigPassesThrough(t *testing.T) {
	got, err := resolveFromConfig(Target{Host: "somewhere"}, "/nonexistent/ssh/config", "/home/nobody")
	if err != nil {
		t.Fatalf("expected missing config to be non-fatal, got %v", err)
	}
	if got.Host != "somewhere" || got.User != "" {
		t.Errorf("target changed without a config: %+v", got)
	}
}

func TestResolveTargetLocalShortCircuits(t *testing.T) {
	got, err := ResolveTarget("localhost", "", "")
	if err != nil {
		t.Fatalf("ResolveTarget failed: %v", err)
	}
	if got.Host != "localhost" {
		t.Errorf("Host: got %q, want localhost untouched", got.Host)
	}
}

func TestHostMatches(t *testing.T) {
	cases := []struct {
		host, pattern string
		want          bool
	}{
		{"unit-7", "unit-7", true},
		{"unit-7", "unit-*", true},
		{"unit-7", "*", true},
		{"unit-7", "unit-?", true},
		{"gateway", "unit-*", false},
	}
	for _, tc := range cases {
		if got := hostMatches(tc.host, tc.pattern); got != tc.want {
			t.Errorf("hostMatches(%q, %q) = %v, want %v", tc.host, tc.pattern, got, tc.want)
		}
	}
}

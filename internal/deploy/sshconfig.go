package deploy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveTarget fills a Target from the user's ssh_config. Flag values win
// over config values; the config only supplies what the flags left empty.
// A host with no matching stanza (or no config file at all) passes through
// unchanged, since ssh itself will resolve it.
func ResolveTarget(host, user, keyPath string) (Target, error) {
	t := Target{Host: host, User: user, KeyPath: keyPath}
	if host == "" || host == "localhost" || host == "127.0.0.1" {
		return t, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return t, nil
	}
	resolved, err := resolveFromConfig(t, filepath.Join(home, ".ssh", "config"), home)
	if err != nil {
		return t, err
	}
	return resolved, nil
}

// resolveFromConfig applies the first matching Host stanza from the config
// file at path. A missing file is not an error.
func resolveFromConfig(t Target, path, home string) (Target, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	matched := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitConfigLine(line)
		if !ok {
			continue
		}

		if strings.EqualFold(key, "Host") {
			if matched {
				break // end of the stanza we were reading
			}
			for _, pattern := range strings.Fields(value) {
				if hostMatches(t.Host, pattern) {
					matched = true
					break
				}
			}
			continue
		}
		if !matched {
			continue
		}

		switch strings.ToLower(key) {
		case "hostname":
			t.Host = value
		case "user":
			if t.User == "" {
				t.User = value
			}
		case "identityfile":
			if t.KeyPath == "" {
				t.KeyPath = expandHome(value, home)
			}
		case "port":
			if t.Port == "" {
				t.Port = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return t, fmt.Errorf("failed to read ssh config: %w", err)
	}
	return t, nil
}

// splitConfigLine handles both "Key Value" and "Key=Value" forms.
func splitConfigLine(line string) (key, value string, ok bool) {
	if i := strings.IndexByte(line, '='); i >= 0 && !strings.ContainsAny(line[:i], " \t") {
		return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
	}
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return "", "", false
	}
	return strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1]), true
}

// hostMatches implements ssh_config glob patterns: * matches any run of
// characters, ? a single one. Negated patterns are not supported.
func hostMatches(host, pattern string) bool {
	if pattern == "*" {
		return true
	}
	matched, err := filepath.Match(pattern, host)
	return err == nil && matched
}

// expandHome rewrites a leading ~/ to the user's home directory.
func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

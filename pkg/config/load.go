package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "POLIS_MTA_CONFIG"

// ErrNoConfig is returned by Locate when no candidate file exists.
var ErrNoConfig = errors.New("no configuration file found")

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultPaths lists the user-level and system-level fallback locations.
func DefaultPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".polis-mta.yaml"))
	}
	return append(paths, "/etc/polis-mta.yaml")
}

// Locate picks the configuration file: an explicit path wins, then the
// POLIS_MTA_CONFIG environment variable, then the first existing default.
func Locate(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, nil
	}
	for _, candidate := range DefaultPaths() {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", ErrNoConfig
}

// Load reads the configuration file, expands ${VAR} references to set
// environment variables, and parses YAML.
func Load(path string) (*Tree, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	//nolint:gosec // Config file path is controlled by admin/operator
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
	}

	tree, err := Parse(expandEnv(data))
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", absPath, err)
	}
	tree.source = absPath
	return tree, nil
}

// expandEnv only touches ${NAME} references to variables that are set, so
// regex replacements such as ${1} and anchors such as `$` survive intact.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return ref
	})
}

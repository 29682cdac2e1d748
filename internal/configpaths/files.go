// Package configpaths locates upsip configuration files.
package configpaths

import (
	"errors"
	"os"
	"path/filepath"
)

// SystemConfigDir holds system-wide configuration, read after the user's.
const SystemConfigDir = "/etc/upsip"

// Base names probed in every config directory.
var configBaseNames = []string{"config", "server", "proxy"}

// DefaultConfigDir returns the per-user configuration directory.
func DefaultConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "upsip"), nil
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "upsip"), nil
	}
	return "", errors.New("HOME not set")
}

// DefaultConfigPath returns the default config file path for the given format using base name "config".
func DefaultConfigPath(format string) (string, error) {
	return DefaultNamedConfigPath("config", format)
}

// DefaultNamedConfigPath returns the default config file path for the given format and base name (e.g., "server").
func DefaultNamedConfigPath(baseName, format string) (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, baseName+"."+Extension(format)), nil
}

// Extension maps a format name to its file extension. Unknown formats are JSON.
func Extension(format string) string {
	switch format {
	case "yaml", "yml":
		return "yaml"
	case "toml":
		return "toml"
	}
	return "json"
}

// EnsureDir ensures the directory for a given file path exists.
func EnsureDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0o755)
}

// Candidates lists config files per loader, most specific first.
type Candidates struct {
	JSON []string
	YAML []string
	TOML []string
}

func (c *Candidates) addDir(dir string) {
	for _, base := range configBaseNames {
		p := filepath.Join(dir, base)
		c.JSON = append(c.JSON, p+".json")
		c.YAML = append(c.YAML, p+".yaml", p+".yml")
		c.TOML = append(c.TOML, p+".toml")
	}
}

// ConfigCandidatePaths builds candidate paths for config files per format.
// If userPath is provided, it is prioritized and routed to the matching loader by extension.
func ConfigCandidatePaths(userPath string) Candidates {
	var c Candidates
	if userPath != "" {
		switch filepath.Ext(userPath) {
		case ".yaml", ".yml":
			c.YAML = append(c.YAML, userPath)
		case ".toml":
			c.TOML = append(c.TOML, userPath)
		default:
			c.JSON = append(c.JSON, userPath)
		}
	}

	if wd, err := os.Getwd(); err == nil {
		c.addDir(wd)
	}
	if dir, err := DefaultConfigDir(); err == nil {
		c.addDir(dir)
	}
	c.addDir(SystemConfigDir)
	return c
}

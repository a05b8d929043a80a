package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".dwiflow"

// Load reads and merges configuration files over the defaults. Later paths
// take precedence over earlier ones; empty paths are ignored.
// Missing files are not errors; malformed files return an error.
func Load(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := mergeConfigFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths, then explicit
// (which must exist when non-empty).
// Global: ~/.dwiflow/config.{json,yaml,yml}
// Project: .dwiflow/config.{json,yaml,yml} (relative to cwd)
func LoadDefault(explicit string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("config %s: %w", explicit, err)
		}
	}

	return Load(find(filepath.Join(homeDir, DirName)), find(DirName), explicit)
}

// find returns the first config file present in dir, or "".
func find(dir string) string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// decode parses data as YAML or JSON depending on the file extension.
func decode(path string, data []byte, out *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, out)
	}
	return json.Unmarshal(data, out)
}

// mergeConfigFile reads a config file and merges it into the base config.
// Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := decode(path, data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(base, &loaded)
	return nil
}

// merge overlays every non-zero field of src onto dst. Maps merge per key;
// a tool or branch entry replaces the whole entry.
func merge(dst, src *Config) {
	if src.BIDSDir != "" {
		dst.BIDSDir = src.BIDSDir
	}
	if src.DerivativesDir != "" {
		dst.DerivativesDir = src.DerivativesDir
	}
	if src.HistoryPath != "" {
		dst.HistoryPath = src.HistoryPath
	}
	if src.MetricsPath != "" {
		dst.MetricsPath = src.MetricsPath
	}

	for key, spec := range src.Inputs {
		dst.Inputs[key] = spec
	}
	for name, tool := range src.Tools {
		dst.Tools[name] = tool
	}
	for name, branch := range src.Branches {
		dst.Branches[name] = branch
	}
	for stage, params := range src.Params {
		if dst.Params[stage] == nil {
			dst.Params[stage] = params.Clone()
			continue
		}
		for k, v := range params {
			dst.Params[stage][k] = v
		}
	}

	ex := src.Execution
	if ex.Concurrency > 0 {
		dst.Execution.Concurrency = ex.Concurrency
	}
	if ex.StageTimeout > 0 {
		dst.Execution.StageTimeout = ex.StageTimeout
	}
	if ex.LockTimeout > 0 {
		dst.Execution.LockTimeout = ex.LockTimeout
	}
	if len(ex.Branches) > 0 {
		dst.Execution.Branches = ex.Branches
	}
	if ex.Breaker.Failures > 0 {
		dst.Execution.Breaker.Failures = ex.Breaker.Failures
	}
	if ex.Breaker.Cooldown > 0 {
		dst.Execution.Breaker.Cooldown = ex.Breaker.Cooldown
	}

	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Pretty {
		dst.Log.Pretty = true
	}
}

// Package connections manages named, lazily-opened database connections
// declared in a YAML file, across the sqlite, mysql and postgresql drivers.
package connections

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SupportedDrivers maps accepted driver names to the database/sql driver
// they open with.
var SupportedDrivers = map[string]string{
	"sqlite":     "sqlite3",
	"sqlite3":    "sqlite3",
	"mysql":      "mysql",
	"postgresql": "pgx",
	"pgx":        "pgx",
}

// ConnectionConfig declares one named connection.
type ConnectionConfig struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type fileConfig struct {
	Connections []ConnectionConfig `yaml:"connections"`
}

// DefaultLocations returns the connection file search paths in priority
// order. The environment variable wins, then the working directory, then
// the per-user file.
func DefaultLocations() []string {
	var locations []string
	if path := os.Getenv("SIMQLE_CONNECTIONS"); path != "" {
		locations = append(locations, path)
	}
	locations = append(locations, "./.connections.yml", "./.connections.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".simqle", "connections.yml"))
	}
	return locations
}

// ParseConfig decodes and validates a connections file.
func ParseConfig(data []byte) ([]ConnectionConfig, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode connections file: %w", err)
	}
	if len(cfg.Connections) == 0 {
		return nil, fmt.Errorf("connections file declares no connections")
	}
	seen := make(map[string]bool, len(cfg.Connections))
	for i, c := range cfg.Connections {
		if c.Name == "" {
			return nil, fmt.Errorf("connection %d: name is required", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate connection %q", c.Name)
		}
		seen[c.Name] = true
		if _, ok := SupportedDrivers[c.Driver]; !ok {
			return nil, fmt.Errorf("connection %q: unsupported driver %q", c.Name, c.Driver)
		}
		if c.DSN == "" {
			return nil, fmt.Errorf("connection %q: dsn is required", c.Name)
		}
	}
	return cfg.Connections, nil
}

// loadConfigFile reads path, or searches the default locations when path is
// empty.
func loadConfigFile(path string) ([]ConnectionConfig, string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read connections file: %w", err)
		}
		cfg, err := ParseConfig(data)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		return cfg, path, nil
	}
	for _, candidate := range DefaultLocations() {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		cfg, err := ParseConfig(data)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", candidate, err)
		}
		return cfg, candidate, nil
	}
	return nil, "", fmt.Errorf("no connections file found in default locations")
}

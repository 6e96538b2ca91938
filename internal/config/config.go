// Package config loads the optional YAML configuration file. Flags in
// main override anything set here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr        string
	DBPath      string
	TasksDir    string
	Poll        time.Duration
	PruneEvery  time.Duration
	Interpreter []string
	Debug       bool
}

// fileConfig is the on-disk shape; durations are plain strings so the
// file can say "250ms" or "1h".
type fileConfig struct {
	Addr        string   `yaml:"addr"`
	DBPath      string   `yaml:"db"`
	TasksDir    string   `yaml:"tasks_dir"`
	Poll        string   `yaml:"poll"`
	PruneEvery  string   `yaml:"prune_every"`
	Interpreter []string `yaml:"interpreter"`
	Debug       bool     `yaml:"debug"`
}

func Default() Config {
	return Config{
		Addr:        ":8080",
		DBPath:      "tasklane.db",
		TasksDir:    "tasks",
		Poll:        time.Second,
		PruneEvery:  time.Hour,
		Interpreter: []string{"/bin/sh"},
	}
}

// Load reads path over the defaults. A missing path ("" or a file that
// does not exist) just yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.TasksDir != "" {
		cfg.TasksDir = fc.TasksDir
	}
	if len(fc.Interpreter) > 0 {
		cfg.Interpreter = fc.Interpreter
	}
	if fc.Debug {
		cfg.Debug = true
	}
	if cfg.Poll, err = parseDuration("poll", fc.Poll, cfg.Poll); err != nil {
		return cfg, err
	}
	if cfg.PruneEvery, err = parseDuration("prune_every", fc.PruneEvery, cfg.PruneEvery); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseDuration(key, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

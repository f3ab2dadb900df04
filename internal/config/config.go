// Package config loads the engine's recognized environment variables
// (spec §6) into a Config struct via Default()+applyEnvOverrides().
// Loading configuration *files* is an external collaborator's job per the
// spec's scope; this package only reads environment variables and exposes
// the resulting struct (plus a YAML dump for diagnostics/logging).
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// DurabilityMode selects the WAL fsync policy (spec §4.8).
type DurabilityMode string

const (
	DurabilityImmediate DurabilityMode = "immediate"
	DurabilityBatched    DurabilityMode = "batched"
	DurabilityAsync      DurabilityMode = "async"
)

// Config holds the engine-wide configuration recognized from environment
// variables.
type Config struct {
	DataDir               string         `yaml:"data_dir"`
	DurabilityMode        DurabilityMode `yaml:"durability_mode"`
	BufferSize            int            `yaml:"buffer_size"`
	MaxWALSizeBytes       int64          `yaml:"max_wal_size_bytes"`
	AutoCompactThreshold  int            `yaml:"auto_compact_threshold"`
	NumThreads            int            `yaml:"num_threads"`
	QueryTimeout          time.Duration  `yaml:"query_timeout"`
	LogLevel              string         `yaml:"log_level"`
	LogJSON               bool           `yaml:"log_json"`
}

// Default returns the engine's built-in defaults before environment
// overrides are applied.
func Default() *Config {
	return &Config{
		DataDir:              "./data",
		DurabilityMode:       DurabilityImmediate,
		BufferSize:           1000,
		MaxWALSizeBytes:      64 * 1024 * 1024, // 64 MiB, spec §4.8 default
		AutoCompactThreshold: 16,
		NumThreads:           0, // 0 = all cores
		QueryTimeout:         30 * time.Second,
		LogLevel:             "info",
		LogJSON:              true,
	}
}

// Load builds a Config from Default() overridden by recognized environment
// variables.
func Load() *Config {
	cfg := Default()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("data_dir"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("durability_mode"); v != "" {
		c.DurabilityMode = DurabilityMode(v)
	}
	if v := os.Getenv("buffer_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BufferSize = n
		}
	}
	if v := os.Getenv("max_wal_size_bytes"); v != "" {
		if sz, err := parseByteSize(v); err == nil {
			c.MaxWALSizeBytes = sz
		}
	}
	if v := os.Getenv("auto_compact_threshold"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AutoCompactThreshold = n
		}
	}
	if v := os.Getenv("num_threads"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.NumThreads = n
		}
	}
	if v := os.Getenv("query_timeout_ms"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QueryTimeout = time.Duration(n) * time.Millisecond
		}
	}
}

// parseByteSize accepts either a raw integer byte count or a human unit
// string ("64MiB", "512KB") using datasize, the way erigon sizes its
// storage thresholds from config.
func parseByteSize(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return int64(v.Bytes()), nil
}

// Workers returns the resolved number of runtime worker goroutines: the
// configured NumThreads, or all logical CPUs when 0 (spec §6).
func (c *Config) Workers() int {
	if c.NumThreads > 0 {
		return c.NumThreads
	}
	return runtime.NumCPU()
}

// Dump marshals the effective configuration to YAML for diagnostics. It is
// in-memory only; the core never owns config file I/O.
func (c *Config) Dump() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ProductionWarning reports whether the configured durability mode is
// weaker than immediate, per spec §4.8 ("a production-mode warning is
// emitted whenever persistence is disabled or the mode is weaker than
// immediate").
func (c *Config) ProductionWarning() (warn bool, reason string) {
	switch c.DurabilityMode {
	case DurabilityImmediate:
		return false, ""
	case DurabilityBatched:
		return true, "durability_mode=batched allows bounded loss of the last unflushed batch on crash"
	case DurabilityAsync:
		return true, "durability_mode=async allows unbounded loss on crash"
	default:
		return true, fmt.Sprintf("unrecognized durability_mode %q, treating as weaker than immediate", c.DurabilityMode)
	}
}

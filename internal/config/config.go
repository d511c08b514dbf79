// Package config handles configuration loading and management for the
// fuzzing harness.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the global harness configuration.
type Config struct {
	Target    TargetConfig    `yaml:"target"`
	Execution ExecutionConfig `yaml:"execution"`
	Coverage  CoverageConfig  `yaml:"coverage"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Output    OutputConfig    `yaml:"output"`
}

// TargetConfig describes the instrumented binary under test.
type TargetConfig struct {
	Binary string            `yaml:"binary"`
	Args   []string          `yaml:"args"`
	Env    map[string]string `yaml:"env"`
}

// ExecutionConfig controls how scripts are run against the target.
type ExecutionConfig struct {
	// Mode selects the child-process strategy: "reprl" (default, fast, one
	// long-lived child reused across executions) or "forkserver" (a fresh
	// fork per execution, for targets that can't safely reset in-process).
	Mode string `yaml:"mode"`

	Timeout time.Duration `yaml:"timeout"`

	// RespawnEvery forces a fresh child instance after this many
	// executions, bounding how much state a REPRL child can accumulate
	// even when nothing crashes. Zero disables periodic respawning.
	RespawnEvery int `yaml:"respawn_every"`

	CaptureStdout bool `yaml:"capture_stdout"`
	CaptureStderr bool `yaml:"capture_stderr"`

	// AuxChannelFD, when nonzero, registers one extra REPRL data channel at
	// this descriptor number (must be outside 0-2 and 100-103) that the
	// target can write auxiliary diagnostic data to — crash context beyond
	// plain stdout/stderr, for instance. Zero disables it. Has no effect in
	// forkserver mode.
	AuxChannelFD int `yaml:"aux_channel_fd"`

	Workers int `yaml:"workers"`
}

// CoverageConfig controls the shared-memory coverage bitmap.
type CoverageConfig struct {
	ShmSize    int  `yaml:"shm_size"`
	TrackEdges bool `yaml:"track_edges"`
}

// ClusterConfig controls distributed execution across multiple workers.
type ClusterConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Role       string `yaml:"role"` // "master" or "worker"
	ListenAddr string `yaml:"listen_addr"`
	MasterAddr string `yaml:"master_addr"`
}

// OutputConfig controls where corpus entries, crashes, and reports land.
type OutputConfig struct {
	CorpusDir  string `yaml:"corpus_dir"`
	CrashDir   string `yaml:"crash_dir"`
	Format     string `yaml:"format"` // json, html, markdown
	OutputFile string `yaml:"output_file"`
	Verbose    bool   `yaml:"verbose"`
	EnableTUI  bool   `yaml:"enable_tui"`
	QuietMode  bool   `yaml:"quiet_mode"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		Execution: ExecutionConfig{
			Mode:    "reprl",
			Timeout: 1 * time.Second,
			Workers: 1,
		},
		Coverage: CoverageConfig{
			ShmSize:    0x100000,
			TrackEdges: false,
		},
		Output: OutputConfig{
			CorpusDir: "corpus",
			CrashDir:  "crashes",
			Format:    "json",
			EnableTUI: true,
		},
	}
}

// Load reads a YAML configuration file, overlaying it onto DefaultConfig so
// a partial file only needs to name the fields it wants to change.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Target.Binary == "" {
		return nil, fmt.Errorf("config: target.binary is required")
	}
	return cfg, nil
}

// Package config loads and validates configuration for the
// knowledge-base index service. It layers a global base config
// (~/.kbindex.kdl) under a project config (<root>/.kbindex.kdl),
// mirroring the teacher's KDL-first, merge-then-validate design.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config is the root configuration object. Every field maps to one of
// the closed configuration keys from the service spec (§6), grouped
// the way the teacher groups its own config sections.
type Config struct {
	Version int
	Project Project
	Index   Index
	Cache   Cache
	Worker  Worker
	Watch   Watch

	Include []string
	Exclude []string

	SchemaVersion int // bumping invalidates all prior cached results
}

type Project struct {
	Root string
	Name string
}

type Index struct {
	MaxFileSize       int64
	MaxTotalSizeMB    int64
	MaxFileCount      int
	FollowSymlinks    bool
	RespectGitignore  bool
	IncludeExtensions []string // include_extensions: analysis language filter
	BatchSize         int      // batch_size: migrator / scanner chunk size
}

// Cache holds the closed config keys governing the two-tier analysis
// cache (C2).
type Cache struct {
	MaxMemoryEntries int           // maxMemoryEntries: cache tier-1 capacity
	DefaultTTL       time.Duration // defaultTTL: cache entry lifetime
	MaxDiskSizeMB    int64         // maxDiskSize: cache tier-2 soft ceiling
}

// Worker holds the closed config keys governing the supervised worker
// pool (C4).
type Worker struct {
	MaxWorkers        int           // maxWorkers: pool size N
	MaxQueueSize      int           // maxQueueSize: admission bound
	WorkerIdleTimeout time.Duration // workerIdleTimeout: stuck-worker threshold
	HeartbeatInterval time.Duration // heartbeat_interval: supervisor cadence
	TaskTimeout       time.Duration // per-task timeout before Timeout error
	ShutdownGrace     time.Duration // grace period before force-terminate
}

// Watch holds the closed config keys governing the file watcher (C3).
type Watch struct {
	Enabled               bool
	DebounceMs            int // debounce_ms: watcher quiet interval
	IgnoredGlobs          []string
	MaxConcurrentAnalysis int
}

// Default returns a config with the teacher-style smart defaults
// applied (see Validator.setSmartDefaults), rooted at root.
func Default(root string) *Config {
	return &Config{
		Version: 1,
		Project: Project{Root: root, Name: filepath.Base(root)},
		Index: Index{
			MaxFileSize:       5 * 1024 * 1024,
			MaxTotalSizeMB:    2048,
			MaxFileCount:      200000,
			RespectGitignore:  true,
			IncludeExtensions: []string{".go", ".ts", ".tsx", ".js", ".jsx", ".py", ".md"},
			BatchSize:         100,
		},
		Cache: Cache{
			MaxMemoryEntries: 2000,
			DefaultTTL:       2 * time.Hour,
			MaxDiskSizeMB:    512,
		},
		Worker: Worker{
			MaxWorkers:        max(1, runtime.NumCPU()-1),
			MaxQueueSize:      1024,
			WorkerIdleTimeout: 30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			TaskTimeout:       60 * time.Second,
			ShutdownGrace:     10 * time.Second,
		},
		Watch: Watch{
			Enabled:               true,
			DebounceMs:            300,
			MaxConcurrentAnalysis: max(1, runtime.NumCPU()-1),
		},
		SchemaVersion: 1,
	}
}

// Load loads configuration for root, layering ~/.kbindex.kdl under
// <root>/.kbindex.kdl, applying environment overrides, validating, and
// filling smart defaults.
func Load(root string) (*Config, error) {
	base := Default(root)

	if home, err := os.UserHomeDir(); err == nil {
		if globalCfg, err := LoadKDL(home); err == nil && globalCfg != nil {
			// LoadKDL defaults a missing root to the directory it read
			// from ($HOME here); the project root always comes from root.
			globalCfg.Project.Root = ""
			base = mergeConfigs(base, globalCfg)
		}
	}

	if projectCfg, err := LoadKDL(root); err != nil {
		return nil, err
	} else if projectCfg != nil {
		base = mergeConfigs(base, projectCfg)
	}

	applyEnvOverrides(base)
	base.EnrichExclusionsWithBuildArtifacts()

	if err := NewValidator().ValidateAndSetDefaults(base); err != nil {
		return nil, err
	}
	return base, nil
}

// LoadWithRoot loads configuration from configPath (the CLI's --config
// flag) layered over Default(rootDir), so the project root stays pinned
// independently of that file. An empty configPath falls back to Load.
func LoadWithRoot(configPath, rootDir string) (*Config, error) {
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg, err := parseKDL(string(content))
		if err != nil {
			return nil, err
		}
		base := mergeConfigs(Default(rootDir), cfg)
		applyEnvOverrides(base)
		base.EnrichExclusionsWithBuildArtifacts()
		if err := NewValidator().ValidateAndSetDefaults(base); err != nil {
			return nil, err
		}
		return base, nil
	}
	return Load(rootDir)
}

// applyEnvOverrides applies the environment variables the service
// recognizes directly (PROJECT_ROOT, SCHEMA_VERSION). LOG_LEVEL is read
// by internal/debug and BACKEND_TYPE by the storage constructor,
// neither of which flows through Config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROJECT_ROOT"); v != "" {
		cfg.Project.Root = v
	}
	if v := os.Getenv("SCHEMA_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchemaVersion = n
		}
	}
}

package config

import (
	"fmt"
	"runtime"

	"github.com/standardbeagle/kbindex/internal/kberrors"
)

// Validator checks a Config for internal consistency and fills in any
// fields a partial KDL file left zero-valued.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// ValidateAndSetDefaults validates cfg section by section, wrapping the
// first failure as a kberrors.Error, then applies smart defaults for
// anything still unset.
func (v *Validator) ValidateAndSetDefaults(cfg *Config) error {
	if err := v.validateProject(&cfg.Project); err != nil {
		return kberrors.New(kberrors.InvalidArgument, "config.project", err)
	}
	if err := v.validateIndex(&cfg.Index); err != nil {
		return kberrors.New(kberrors.InvalidArgument, "config.index", err)
	}
	if err := v.validateCache(&cfg.Cache); err != nil {
		return kberrors.New(kberrors.InvalidArgument, "config.cache", err)
	}
	if err := v.validateWorker(&cfg.Worker); err != nil {
		return kberrors.New(kberrors.InvalidArgument, "config.worker", err)
	}
	if err := v.validateWatch(&cfg.Watch); err != nil {
		return kberrors.New(kberrors.InvalidArgument, "config.watch", err)
	}
	v.setSmartDefaults(cfg)
	return nil
}

func (v *Validator) validateProject(p *Project) error {
	if p.Root == "" {
		return fmt.Errorf("project root must not be empty")
	}
	return nil
}

func (v *Validator) validateIndex(idx *Index) error {
	if idx.MaxFileSize < 0 {
		return fmt.Errorf("maxFileSize must be >= 0")
	}
	if idx.MaxTotalSizeMB < 0 {
		return fmt.Errorf("maxTotalSizeMB must be >= 0")
	}
	if idx.MaxFileCount < 0 {
		return fmt.Errorf("maxFileCount must be >= 0")
	}
	if idx.BatchSize < 0 {
		return fmt.Errorf("batch_size must be >= 0")
	}
	return nil
}

func (v *Validator) validateCache(c *Cache) error {
	if c.MaxMemoryEntries < 0 {
		return fmt.Errorf("maxMemoryEntries must be >= 0")
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("defaultTTL must be >= 0")
	}
	if c.MaxDiskSizeMB < 0 {
		return fmt.Errorf("maxDiskSize must be >= 0")
	}
	return nil
}

func (v *Validator) validateWorker(w *Worker) error {
	if w.MaxWorkers < 0 {
		return fmt.Errorf("maxWorkers must be >= 0")
	}
	if w.MaxQueueSize < 0 {
		return fmt.Errorf("maxQueueSize must be >= 0")
	}
	if w.WorkerIdleTimeout < 0 {
		return fmt.Errorf("workerIdleTimeout must be >= 0")
	}
	if w.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat_interval must be >= 0")
	}
	return nil
}

func (v *Validator) validateWatch(w *Watch) error {
	if w.DebounceMs < 0 {
		return fmt.Errorf("debounce_ms must be >= 0")
	}
	if w.MaxConcurrentAnalysis < 0 {
		return fmt.Errorf("max concurrent analysis must be >= 0")
	}
	return nil
}

// setSmartDefaults fills in anything a partial KDL file left at its
// zero value, scaling worker-related defaults off the host's CPU count
// the way the teacher's performance defaults do.
func (v *Validator) setSmartDefaults(cfg *Config) {
	cpu := runtime.NumCPU()

	if cfg.Worker.MaxWorkers == 0 {
		cfg.Worker.MaxWorkers = max(1, cpu-1)
	}
	if cfg.Watch.MaxConcurrentAnalysis == 0 {
		cfg.Watch.MaxConcurrentAnalysis = max(1, cpu-1)
	}
	if cfg.Worker.MaxQueueSize == 0 {
		cfg.Worker.MaxQueueSize = 1024
	}
	if cfg.Cache.MaxMemoryEntries == 0 {
		cfg.Cache.MaxMemoryEntries = 2000
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = 100
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = 1
	}
}

// ValidateConfig is a package-level convenience wrapper over
// NewValidator().ValidateAndSetDefaults, matching the call style used
// at the CLI entry point.
func ValidateConfig(cfg *Config) error {
	return NewValidator().ValidateAndSetDefaults(cfg)
}

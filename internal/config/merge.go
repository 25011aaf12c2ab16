package config

// mergeConfigs layers override on top of base, field by field, keeping
// base's value wherever override left the field at its zero value. This
// is how a project .kbindex.kdl overrides a global ~/.kbindex.kdl, which
// in turn overrides Default().
func mergeConfigs(base, override *Config) *Config {
	if override == nil {
		return base
	}
	merged := *base

	if override.Project.Root != "" {
		merged.Project.Root = override.Project.Root
	}
	if override.Project.Name != "" {
		merged.Project.Name = override.Project.Name
	}

	if override.Index.MaxFileSize != 0 {
		merged.Index.MaxFileSize = override.Index.MaxFileSize
	}
	if override.Index.MaxTotalSizeMB != 0 {
		merged.Index.MaxTotalSizeMB = override.Index.MaxTotalSizeMB
	}
	if override.Index.MaxFileCount != 0 {
		merged.Index.MaxFileCount = override.Index.MaxFileCount
	}
	if override.Index.FollowSymlinks {
		merged.Index.FollowSymlinks = true
	}
	if override.Index.RespectGitignore {
		merged.Index.RespectGitignore = true
	}
	if len(override.Index.IncludeExtensions) > 0 {
		merged.Index.IncludeExtensions = override.Index.IncludeExtensions
	}
	if override.Index.BatchSize != 0 {
		merged.Index.BatchSize = override.Index.BatchSize
	}

	if override.Cache.MaxMemoryEntries != 0 {
		merged.Cache.MaxMemoryEntries = override.Cache.MaxMemoryEntries
	}
	if override.Cache.DefaultTTL != 0 {
		merged.Cache.DefaultTTL = override.Cache.DefaultTTL
	}
	if override.Cache.MaxDiskSizeMB != 0 {
		merged.Cache.MaxDiskSizeMB = override.Cache.MaxDiskSizeMB
	}

	if override.Worker.MaxWorkers != 0 {
		merged.Worker.MaxWorkers = override.Worker.MaxWorkers
	}
	if override.Worker.MaxQueueSize != 0 {
		merged.Worker.MaxQueueSize = override.Worker.MaxQueueSize
	}
	if override.Worker.WorkerIdleTimeout != 0 {
		merged.Worker.WorkerIdleTimeout = override.Worker.WorkerIdleTimeout
	}
	if override.Worker.HeartbeatInterval != 0 {
		merged.Worker.HeartbeatInterval = override.Worker.HeartbeatInterval
	}
	if override.Worker.TaskTimeout != 0 {
		merged.Worker.TaskTimeout = override.Worker.TaskTimeout
	}
	if override.Worker.ShutdownGrace != 0 {
		merged.Worker.ShutdownGrace = override.Worker.ShutdownGrace
	}

	if override.Watch.DebounceMs != 0 {
		merged.Watch.DebounceMs = override.Watch.DebounceMs
	}
	if override.Watch.MaxConcurrentAnalysis != 0 {
		merged.Watch.MaxConcurrentAnalysis = override.Watch.MaxConcurrentAnalysis
	}
	if len(override.Watch.IgnoredGlobs) > 0 {
		merged.Watch.IgnoredGlobs = override.Watch.IgnoredGlobs
	}

	if len(override.Include) > 0 {
		merged.Include = override.Include
	}
	merged.Exclude = dedupeAppend(base.Exclude, override.Exclude)
	if override.SchemaVersion != 0 {
		merged.SchemaVersion = override.SchemaVersion
	}

	return &merged
}

func dedupeAppend(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// EnrichExclusionsWithBuildArtifacts scans the project root for
// language-specific build configuration (package.json, Cargo.toml,
// pyproject.toml, ...) and appends any detected output directories to
// Exclude, alongside the built-in default exclusion set.
func (c *Config) EnrichExclusionsWithBuildArtifacts() {
	c.Exclude = append(c.Exclude, getDefaultExclusions()...)

	detector := NewBuildArtifactDetector(c.Project.Root)
	detected := detector.DetectOutputDirectories()
	if len(detected) > 0 {
		c.Exclude = append(c.Exclude, detected...)
	}
	c.Exclude = DeduplicatePatterns(c.Exclude)
}

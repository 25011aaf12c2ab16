package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKDL_Empty(t *testing.T) {
	cfg, err := parseKDL("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Empty(t, cfg.Project.Name)
	assert.Zero(t, cfg.Worker.MaxWorkers)
	assert.Zero(t, cfg.Cache.MaxMemoryEntries)
}

func TestParseKDL_WorkerSection(t *testing.T) {
	kdlContent := `
worker {
    maxWorkers 6
    maxQueueSize 2048
    workerIdleTimeout "45s"
    heartbeat_interval "10s"
    task_timeout "90s"
    shutdown_grace "15s"
}
`
	cfg, err := parseKDL(kdlContent)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 6, cfg.Worker.MaxWorkers)
	assert.Equal(t, 2048, cfg.Worker.MaxQueueSize)
	assert.Equal(t, 45*time.Second, cfg.Worker.WorkerIdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, 15*time.Second, cfg.Worker.ShutdownGrace)
}

func TestParseKDL_CacheSection(t *testing.T) {
	kdlContent := `
cache {
    maxMemoryEntries 5000
    defaultTTL "1h"
    maxDiskSize "256MB"
}
`
	cfg, err := parseKDL(kdlContent)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 5000, cfg.Cache.MaxMemoryEntries)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, int64(256), cfg.Cache.MaxDiskSizeMB)
}

func TestParseKDL_WatchSection(t *testing.T) {
	kdlContent := `
watch {
    enabled true
    debounce_ms 500
    max_concurrent_analysis 3
    ignore {
        "**/*.tmp"
    }
}
`
	cfg, err := parseKDL(kdlContent)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, 500, cfg.Watch.DebounceMs)
	assert.Equal(t, 3, cfg.Watch.MaxConcurrentAnalysis)
	assert.Contains(t, cfg.Watch.IgnoredGlobs, "**/*.tmp")
}

func TestParseKDL_FullConfig(t *testing.T) {
	kdlContent := `
project {
    root "."
    name "test-project"
}

index {
    max_file_size "5MB"
    max_file_count 5000
    respect_gitignore true
    include_extensions {
        ".go"
        ".md"
    }
}

worker {
    maxWorkers 4
}

cache {
    maxMemoryEntries 1000
}

schema_version 2

exclude "**/.git/**" "**/node_modules/**"
`
	cfg, err := parseKDL(kdlContent)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "test-project", cfg.Project.Name)
	assert.Equal(t, int64(5*1024*1024), cfg.Index.MaxFileSize)
	assert.Equal(t, 5000, cfg.Index.MaxFileCount)
	assert.True(t, cfg.Index.RespectGitignore)
	assert.Contains(t, cfg.Index.IncludeExtensions, ".go")
	assert.Contains(t, cfg.Index.IncludeExtensions, ".md")
	assert.Equal(t, 4, cfg.Worker.MaxWorkers)
	assert.Equal(t, 1000, cfg.Cache.MaxMemoryEntries)
	assert.Equal(t, 2, cfg.SchemaVersion)
	assert.Contains(t, cfg.Exclude, "**/.git/**")
	assert.Contains(t, cfg.Exclude, "**/node_modules/**")
}

func TestParseKDL_InvalidDocumentReturnsError(t *testing.T) {
	_, err := parseKDL("project { root ")
	assert.Error(t, err)
}

func TestToKDL_RoundTripsThroughParseKDL(t *testing.T) {
	cfg := Default(".")
	cfg.Project.Name = "roundtrip-project"
	cfg.Worker.MaxWorkers = 9

	content, err := ToKDL(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, content)

	parsed, err := parseKDL(content)
	require.NoError(t, err)

	assert.Equal(t, cfg.Project.Name, parsed.Project.Name)
	assert.Equal(t, cfg.Worker.MaxWorkers, parsed.Worker.MaxWorkers)
	assert.Equal(t, cfg.Worker.MaxQueueSize, parsed.Worker.MaxQueueSize)
	assert.Equal(t, cfg.Cache.MaxMemoryEntries, parsed.Cache.MaxMemoryEntries)
	assert.Equal(t, cfg.Cache.DefaultTTL, parsed.Cache.DefaultTTL)
	assert.Equal(t, cfg.Watch.Enabled, parsed.Watch.Enabled)
	assert.Equal(t, cfg.SchemaVersion, parsed.SchemaVersion)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// LoadKDL attempts to load configuration from a .kbindex.kdl file under
// projectRoot. A missing file is not an error: it means "use defaults."
func LoadKDL(projectRoot string) (*Config, error) {
	kdlPath := filepath.Join(projectRoot, ".kbindex.kdl")

	if _, err := os.Stat(kdlPath); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(kdlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read .kbindex.kdl: %w", err)
	}

	cfg, err := parseKDL(string(content))
	if err != nil {
		return nil, err
	}

	if cfg.Project.Root != "" {
		if filepath.IsAbs(cfg.Project.Root) {
			cfg.Project.Root = filepath.Clean(cfg.Project.Root)
		} else {
			cfg.Project.Root = filepath.Clean(filepath.Join(projectRoot, cfg.Project.Root))
		}
	} else if abs, err := filepath.Abs(projectRoot); err == nil {
		cfg.Project.Root = abs
	} else {
		cfg.Project.Root = projectRoot
	}

	return cfg, nil
}

// parseKDL parses the contents of a .kbindex.kdl document into a sparse
// Config: only fields the document sets are non-zero, so the result can
// be layered over Default() by mergeConfigs without clobbering anything
// the document left unspecified.
func parseKDL(content string) (*Config, error) {
	cfg := &Config{}

	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "project":
			for _, cn := range n.Children {
				assignSimpleString(cn, "root", func(v string) { cfg.Project.Root = v })
				assignSimpleString(cn, "name", func(v string) { cfg.Project.Name = v })
			}
		case "index":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "max_file_size":
					if s, ok := firstStringArg(cn); ok {
						if sz, err := parseSize(s); err == nil {
							cfg.Index.MaxFileSize = sz
						}
					} else if v, ok := firstIntArg(cn); ok {
						cfg.Index.MaxFileSize = int64(v)
					}
				case "max_total_size_mb":
					if v, ok := firstIntArg(cn); ok {
						cfg.Index.MaxTotalSizeMB = int64(v)
					}
				case "max_file_count":
					if v, ok := firstIntArg(cn); ok {
						cfg.Index.MaxFileCount = v
					}
				case "follow_symlinks":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Index.FollowSymlinks = b
					}
				case "respect_gitignore":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Index.RespectGitignore = b
					}
				case "include_extensions":
					cfg.Index.IncludeExtensions = collectStringArgs(cn)
				case "batch_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Index.BatchSize = v
					}
				}
			}
		case "cache":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "maxMemoryEntries":
					if v, ok := firstIntArg(cn); ok {
						cfg.Cache.MaxMemoryEntries = v
					}
				case "defaultTTL":
					if s, ok := firstStringArg(cn); ok {
						if d, err := time.ParseDuration(s); err == nil {
							cfg.Cache.DefaultTTL = d
						}
					}
				case "maxDiskSize":
					if s, ok := firstStringArg(cn); ok {
						if sz, err := parseSize(s); err == nil {
							cfg.Cache.MaxDiskSizeMB = sz / (1024 * 1024)
						}
					} else if v, ok := firstIntArg(cn); ok {
						cfg.Cache.MaxDiskSizeMB = int64(v)
					}
				}
			}
		case "worker":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "maxWorkers":
					if v, ok := firstIntArg(cn); ok {
						cfg.Worker.MaxWorkers = v
					}
				case "maxQueueSize":
					if v, ok := firstIntArg(cn); ok {
						cfg.Worker.MaxQueueSize = v
					}
				case "workerIdleTimeout":
					if s, ok := firstStringArg(cn); ok {
						if d, err := time.ParseDuration(s); err == nil {
							cfg.Worker.WorkerIdleTimeout = d
						}
					}
				case "heartbeat_interval":
					if s, ok := firstStringArg(cn); ok {
						if d, err := time.ParseDuration(s); err == nil {
							cfg.Worker.HeartbeatInterval = d
						}
					}
				case "task_timeout":
					if s, ok := firstStringArg(cn); ok {
						if d, err := time.ParseDuration(s); err == nil {
							cfg.Worker.TaskTimeout = d
						}
					}
				case "shutdown_grace":
					if s, ok := firstStringArg(cn); ok {
						if d, err := time.ParseDuration(s); err == nil {
							cfg.Worker.ShutdownGrace = d
						}
					}
				}
			}
		case "watch":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "enabled":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Watch.Enabled = b
					}
				case "debounce_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Watch.DebounceMs = v
					}
				case "max_concurrent_analysis":
					if v, ok := firstIntArg(cn); ok {
						cfg.Watch.MaxConcurrentAnalysis = v
					}
				case "ignore":
					cfg.Watch.IgnoredGlobs = collectStringArgs(cn)
				}
			}
		case "include":
			cfg.Include = append(cfg.Include, collectStringArgs(n)...)
		case "exclude":
			cfg.Exclude = collectStringArgs(n)
		case "schema_version":
			if v, ok := firstIntArg(n); ok {
				cfg.SchemaVersion = v
			}
		}
	}

	return cfg, nil
}

// ToKDL renders cfg back into .kbindex.kdl text, the inverse of
// parseKDL for the fields `init` needs to seed on disk. It is a plain
// string template rather than a round-trip through kdl-go's document
// model, the same shortcut the teacher's own configToKDL takes.
func ToKDL(cfg *Config) (string, error) {
	return fmt.Sprintf(`// kbindex configuration

project {
    name %q
    root %q
}

index {
    max_total_size_mb %d
    max_file_count %d
    follow_symlinks %t
    respect_gitignore %t
    batch_size %d
    include_extensions %s
}

cache {
    maxMemoryEntries %d
    defaultTTL %q
    maxDiskSize "%dMB"
}

worker {
    maxWorkers %d
    maxQueueSize %d
    workerIdleTimeout %q
    heartbeat_interval %q
}

watch {
    enabled %t
    debounce_ms %d
    max_concurrent_analysis %d
}

schema_version %d
`,
		cfg.Project.Name,
		cfg.Project.Root,
		cfg.Index.MaxTotalSizeMB,
		cfg.Index.MaxFileCount,
		cfg.Index.FollowSymlinks,
		cfg.Index.RespectGitignore,
		cfg.Index.BatchSize,
		quotedStringList(cfg.Index.IncludeExtensions),
		cfg.Cache.MaxMemoryEntries,
		cfg.Cache.DefaultTTL.String(),
		cfg.Cache.MaxDiskSizeMB,
		cfg.Worker.MaxWorkers,
		cfg.Worker.MaxQueueSize,
		cfg.Worker.WorkerIdleTimeout.String(),
		cfg.Worker.HeartbeatInterval.String(),
		cfg.Watch.Enabled,
		cfg.Watch.DebounceMs,
		cfg.Watch.MaxConcurrentAnalysis,
		cfg.SchemaVersion,
	), nil
}

func quotedStringList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = strconv.Quote(s)
	}
	return strings.Join(quoted, " ")
}

// Helper functions over the kdl-go document model.
func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

func collectStringArgs(n *document.Node) []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 && len(n.Children) > 0 {
		out = make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			if s, ok := firstStringArg(child); ok {
				out = append(out, s)
			} else if child.Name != nil {
				if s, ok := child.Name.Value.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func assignSimpleString(n *document.Node, target string, set func(string)) {
	if nodeName(n) == target {
		if s, ok := firstStringArg(n); ok {
			set(s)
		}
	}
}

// parseSize handles size strings like "10MB", "500KB", "1GB".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		multiplier = 1
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

func getDefaultExclusions() []string {
	return []string{
		"**/.*/**",
		"**/node_modules/**",
		"**/vendor/**",
		"**/.venv/**",
		"**/venv/**",
		"**/__pycache__/**",
		"**/dist/**",
		"**/build/**",
		"**/out/**",
		"**/target/**",
		"**/bin/**",
		"**/obj/**",
		"**/.git/**",
		"**/.cache/**",
		"**/coverage/**",
		"**/*.min.js",
		"**/*.min.css",
		"**/*.log",
		"**/.DS_Store",
	}
}

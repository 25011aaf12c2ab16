// Command kbindex is the CLI surface for the knowledge-base index
// service (spec §6): init, read, write, list, search, delete, status,
// backend {switch,info}, serve. Grounded on cmd/lci/main.go's
// urfave/cli/v2 app shape (global flags, Before hook wiring the
// indexer, cleanup funcs run on exit) adapted to this service's
// storage/cache/graph/analyzer core instead of the teacher's
// MasterIndex.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/kbindex/internal/analyzer"
	"github.com/standardbeagle/kbindex/internal/cache"
	"github.com/standardbeagle/kbindex/internal/config"
	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/graph"
	"github.com/standardbeagle/kbindex/internal/storage"
	"github.com/standardbeagle/kbindex/internal/version"
)

// appContext bundles the core collaborators every command needs,
// wired once in the Before hook and torn down by cleanupFuncs on exit,
// the same lifecycle shape as the teacher's package-level indexer var.
type appContext struct {
	cfg     *config.Config
	backend storage.Backend
	cache   *cache.Cache
	graph   *graph.Graph
	an      *analyzer.Analyzer
}

var (
	ctx          *appContext
	cleanupFuncs []func()
)

func main() {
	app := &cli.App{
		Name:    "kbindex",
		Usage:   "Knowledge-base index and code-analysis service",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Project root directory (overrides PROJECT_ROOT)",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Explicit config file path (overrides layered .kbindex.kdl lookup)",
			},
		},
		Before: setupContext,
		Commands: []*cli.Command{
			initCommand,
			readCommand,
			writeCommand,
			listCommand,
			searchCommand,
			deleteCommand,
			statusCommand,
			backendCommand,
			serveCommand,
		},
	}

	defer runCleanup()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "kbindex: %v\n", err)
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}

func runCleanup() {
	for _, fn := range cleanupFuncs {
		fn()
	}
}

// setupContext loads configuration and constructs the storage backend,
// cache, graph, and analyzer every command shares. Commands that don't
// need the full core (none currently) could skip it, mirroring the
// teacher's needsIndexer gate, but every verb this CLI exposes touches
// storage, so the wiring always runs.
func setupContext(c *cli.Context) error {
	root := c.String("root")
	if root == "" {
		root = os.Getenv("PROJECT_ROOT")
	}
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to resolve root path %q: %v", root, err), 2)
	}

	cfg, err := config.LoadWithRoot(c.String("config"), absRoot)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load config: %v", err), 1)
	}
	if c.String("root") != "" {
		cfg.Project.Root = absRoot // --root takes precedence over PROJECT_ROOT
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to initialize storage backend: %v", err), 1)
	}
	cleanupFuncs = append(cleanupFuncs, func() {
		if closer, ok := backend.(interface{ Close() error }); ok {
			closer.Close()
		}
	})

	c1 := cache.New(backend, cfg.Cache.MaxMemoryEntries, cfg.Cache.DefaultTTL)
	g := graph.New(0)

	an := analyzer.New(analyzer.Options{
		ProjectRoot:       cfg.Project.Root,
		IncludeExtensions: cfg.Index.IncludeExtensions,
		IgnoredGlobs:      cfg.Watch.IgnoredGlobs,
		SchemaVersion:     cfg.SchemaVersion,
		MaxWorkers:        cfg.Worker.MaxWorkers,
		CacheTTL:          cfg.Cache.DefaultTTL,
		TaskTimeout:       cfg.Worker.TaskTimeout,
	}, c1, g)
	cleanupFuncs = append(cleanupFuncs, func() {
		an.Shutdown(cfg.Worker.ShutdownGrace)
	})

	ctx = &appContext{cfg: cfg, backend: backend, cache: c1, graph: g, an: an}
	debug.LogCLI("context ready: root=%s backend=%T", absRoot, backend)
	return nil
}

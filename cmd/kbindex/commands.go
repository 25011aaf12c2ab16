package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/kbindex/internal/config"
	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/storage"
	"github.com/standardbeagle/kbindex/internal/storage/filetree"
	"github.com/standardbeagle/kbindex/internal/storage/graphsql"
)

// backendTypeEnv is the env var §6 names to select the storage variant.
const backendTypeEnv = "BACKEND_TYPE"

// newBackend constructs and initializes the storage.Backend named by
// BACKEND_TYPE (filesystem|graph, default filesystem), rooted at
// cfg.Project.Root.
func newBackend(cfg *config.Config) (storage.Backend, error) {
	b, err := buildBackend(cfg.Project.Root, os.Getenv(backendTypeEnv))
	if err != nil {
		return nil, err
	}
	if err := b.Init(); err != nil {
		return nil, err
	}
	return b, nil
}

func buildBackend(root, backendType string) (storage.Backend, error) {
	switch backendType {
	case "", "filesystem":
		return filetree.New(root), nil
	case "graph":
		return graphsql.New(root), nil
	default:
		return nil, kberrors.New(kberrors.InvalidArgument, "cli.new_backend", fmt.Errorf("unknown %s %q", backendTypeEnv, backendType))
	}
}

// exitForErr maps a kberrors.Kind to the spec §6 exit-code convention:
// InvalidArgument is caller misuse (2), everything else is an
// operational error (1).
func exitForErr(op string, err error) error {
	code := 1
	if kberrors.KindOf(err) == kberrors.InvalidArgument {
		code = 2
	}
	return cli.Exit(fmt.Sprintf("%s: %v", op, err), code)
}

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "Initialize a project: create the storage layout and a default config file",
	Action: func(c *cli.Context) error {
		configPath := ctx.cfg.Project.Root + string(os.PathSeparator) + ".kbindex.kdl"
		if _, err := os.Stat(configPath); err == nil {
			return cli.Exit(fmt.Sprintf("config already exists at %s", configPath), 1)
		}
		content, err := config.ToKDL(ctx.cfg)
		if err != nil {
			return exitForErr("init", err)
		}
		if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
			return exitForErr("init", err)
		}
		fmt.Printf("Initialized kbindex project at %s\n", ctx.cfg.Project.Root)
		return nil
	},
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Read a stored document",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("usage: kbindex read <path>", 2)
		}
		data, _, err := ctx.backend.Read(c.Args().First())
		if err != nil {
			return exitForErr("read", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var writeCommand = &cli.Command{
	Name:      "write",
	Usage:     "Write content to a document path",
	ArgsUsage: "<path> [content]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("usage: kbindex write <path> [content]", 2)
		}
		path := c.Args().First()

		var content string
		if c.NArg() >= 2 {
			content = strings.Join(c.Args().Slice()[1:], " ")
		} else {
			data, err := readAllStdin()
			if err != nil {
				return exitForErr("write", err)
			}
			content = string(data)
		}

		if err := ctx.backend.Write(path, []byte(content), nil); err != nil {
			return exitForErr("write", err)
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(content), path)
		return nil
	},
}

var listCommand = &cli.Command{
	Name:      "list",
	Usage:     "List documents under a directory prefix",
	ArgsUsage: "[dir]",
	Action: func(c *cli.Context) error {
		dir := c.Args().First()
		paths, err := ctx.backend.List(dir)
		if err != nil {
			return exitForErr("list", err)
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	},
}

var searchCommand = &cli.Command{
	Name:      "search",
	Usage:     "Search stored documents",
	ArgsUsage: "<query>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum hits"},
		&cli.BoolFlag{Name: "fuzzy", Usage: "enable edit-distance fuzzy matching"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("usage: kbindex search <query> [--limit N]", 2)
		}
		hits, err := ctx.backend.Search(c.Args().First(), storage.SearchOptions{
			Limit: c.Int("limit"),
			Fuzzy: c.Bool("fuzzy"),
		})
		if err != nil {
			return exitForErr("search", err)
		}
		for _, h := range hits {
			fmt.Printf("%s\t%.3f\n", h.Path, h.Score)
		}
		return nil
	},
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "Delete a document",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("usage: kbindex delete <path>", 2)
		}
		if err := ctx.backend.Delete(c.Args().First()); err != nil {
			return exitForErr("delete", err)
		}
		fmt.Printf("Deleted %s\n", c.Args().First())
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show backend health, cache metrics, and analyzer progress",
	Action: func(c *cli.Context) error {
		health, err := ctx.backend.Health()
		if err != nil {
			return exitForErr("status", err)
		}
		fmt.Printf("Backend: healthy=%t detail=%q latency=%s\n", health.Healthy, health.Detail, health.Latency)

		metrics := ctx.cache.Metrics()
		fmt.Printf("Cache: hit_rate=%.2f%%\n", metrics.HitRate()*100)

		fmt.Printf("Graph: nodes=%d schema_version=%d\n", ctx.graph.NodeCount(), ctx.graph.SchemaVersion())

		progress := ctx.an.Progress()
		fmt.Printf("Analyzer: phase=%s processed=%d/%d errors=%d warnings=%d\n",
			progress.Phase, progress.Processed, progress.Total, len(progress.Errors), len(progress.Warnings))
		return nil
	},
}

func readAllStdin() ([]byte, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return nil, kberrors.New(kberrors.InvalidArgument, "cli.read_stdin", err)
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return nil, kberrors.New(kberrors.InvalidArgument, "cli.read_stdin", fmt.Errorf("no content argument and stdin is a terminal"))
	}
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}

package toolserver

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/storage"
)

// defaultTools builds the fixed dispatch table over core: one tool per
// verb named in spec §6's CLI surface (minus init/backend/serve, which
// are process-lifecycle operations rather than storage/graph queries
// and stay CLI-only).
func defaultTools(core *Core) []Tool {
	return []Tool{
		{
			Name:        "read",
			Description: "Read a stored document by path.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"path": {Type: "string", Description: "document path"},
				},
				Required: []string{"path"},
			},
			Handler: handleRead(core),
		},
		{
			Name:        "write",
			Description: "Write content to a document path.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"path":    {Type: "string", Description: "document path"},
					"content": {Type: "string", Description: "document content"},
				},
				Required: []string{"path", "content"},
			},
			Handler: handleWrite(core),
		},
		{
			Name:        "list",
			Description: "List documents under a directory prefix.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"dir": {Type: "string", Description: "directory prefix, empty for root"},
				},
			},
			Handler: handleList(core),
		},
		{
			Name:        "search",
			Description: "Search stored documents by query, optionally fuzzy.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string", Description: "search query"},
					"limit": {Type: "integer", Description: "maximum hits"},
					"fuzzy": {Type: "boolean", Description: "enable edit-distance fuzzy matching"},
				},
				Required: []string{"query"},
			},
			Handler: handleSearch(core),
		},
		{
			Name:        "delete",
			Description: "Delete a document by path.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"path": {Type: "string", Description: "document path"},
				},
				Required: []string{"path"},
			},
			Handler: handleDelete(core),
		},
		{
			Name:        "status",
			Description: "Report analyzer progress and graph/cache health.",
			Schema: &jsonschema.Schema{
				Type: "object",
			},
			Handler: handleStatus(core),
		},
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", kberrors.New(kberrors.InvalidArgument, "toolserver.args", fmt.Errorf("missing required argument %q", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", kberrors.New(kberrors.InvalidArgument, "toolserver.args", fmt.Errorf("argument %q must be a string", key))
	}
	return s, nil
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func handleRead(core *Core) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		path, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		data, meta, err := core.Backend.Read(path)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"path":    path,
			"content": string(data),
			"meta":    meta,
		}, nil
	}
}

func handleWrite(core *Core) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		path, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		content, err := stringArg(args, "content")
		if err != nil {
			return nil, err
		}
		if err := core.Backend.Write(path, []byte(content), nil); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "written": len(content)}, nil
	}
}

func handleList(core *Core) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		dir, _ := args["dir"].(string)
		paths, err := core.Backend.List(dir)
		if err != nil {
			return nil, err
		}
		return map[string]any{"dir": dir, "paths": paths}, nil
	}
}

func handleSearch(core *Core) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, err := stringArg(args, "query")
		if err != nil {
			return nil, err
		}
		limit := intArg(args, "limit", 20)
		opts := storage.SearchOptions{Limit: limit, Fuzzy: boolArg(args, "fuzzy")}
		hits, err := core.Backend.Search(query, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"query": query, "hits": hits}, nil
	}
}

func handleDelete(core *Core) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		path, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		if err := core.Backend.Delete(path); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "deleted": true}, nil
	}
}

func handleStatus(core *Core) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		health, err := core.Backend.Health()
		if err != nil {
			return nil, err
		}
		status := map[string]any{
			"backend": health,
			"cache":   core.Cache.Metrics(),
		}
		if core.Graph != nil {
			status["graph_nodes"] = core.Graph.NodeCount()
			status["schema_version"] = core.Graph.SchemaVersion()
		}
		if core.Analyzer != nil {
			status["progress"] = core.Analyzer.Progress()
		}
		return status, nil
	}
}

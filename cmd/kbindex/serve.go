package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/kbindex/internal/toolserver"
)

// serveCommand implements spec §6's `serve [--ws-port P --sse-port P |
// --local]`: --local runs the stdio transport only (no auth, single
// client, the same shape an editor plugin launches as a subprocess);
// otherwise the WebSocket and SSE listeners are started side by side on
// their configured ports. Grounded on the teacher's serverCommand in
// main_server.go for the signal-driven graceful shutdown shape.
var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the tool-call server (stdio, WebSocket, and HTTP-SSE transports)",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "local", Usage: "serve stdio only, auth disabled"},
		&cli.IntFlag{Name: "ws-port", Usage: "WebSocket listen port"},
		&cli.IntFlag{Name: "sse-port", Usage: "HTTP-SSE listen port"},
		&cli.StringFlag{Name: "auth-keys", Usage: "comma-separated kb_-prefixed API keys accepted over WS/SSE"},
	},
	Action: func(c *cli.Context) error {
		var authKeys []string
		if raw := c.String("auth-keys"); raw != "" {
			authKeys = strings.Split(raw, ",")
		}

		core := &toolserver.Core{
			Backend:  ctx.backend,
			Cache:    ctx.cache,
			Graph:    ctx.graph,
			Analyzer: ctx.an,
		}

		srv, err := toolserver.NewServer(core, authKeys)
		if err != nil {
			return exitForErr("serve", err)
		}

		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errCh := make(chan error, 3)
		started := 0

		if c.Bool("local") {
			started++
			go func() { errCh <- srv.ServeStdio(runCtx) }()
			fmt.Println("kbindex serving stdio (local mode, auth disabled)")
		} else {
			wsPort := c.Int("ws-port")
			ssePort := c.Int("sse-port")
			if wsPort == 0 && ssePort == 0 {
				return cli.Exit("serve: --local, or at least one of --ws-port/--sse-port, is required", 2)
			}
			if wsPort != 0 {
				addr := fmt.Sprintf(":%d", wsPort)
				started++
				go func() { errCh <- srv.ServeWS(runCtx, addr) }()
				fmt.Printf("kbindex serving WebSocket on %s\n", addr)
			}
			if ssePort != 0 {
				addr := fmt.Sprintf(":%d", ssePort)
				started++
				go func() { errCh <- srv.ServeSSE(runCtx, addr) }()
				fmt.Printf("kbindex serving HTTP-SSE on %s\n", addr)
			}
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			fmt.Printf("received signal %v, shutting down...\n", sig)
		case err := <-errCh:
			if err != nil {
				cancel()
				return exitForErr("serve", err)
			}
		}

		cancel()
		for i := 0; i < started; i++ {
			select {
			case <-errCh:
			case <-time.After(10 * time.Second):
			}
		}

		fmt.Println("kbindex server shut down cleanly")
		return nil
	},
}

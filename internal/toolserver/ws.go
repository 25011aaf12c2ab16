package toolserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/kberrors"
)

// wsFrame is one request or response frame on the WebSocket transport.
// RequestID lets a client correlate a Result/Error with the Tool call
// that produced it; the server echoes it back unchanged.
type wsFrame struct {
	RequestID string         `json:"request_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	// Tool calls originate from trusted local/CI clients carrying their
	// own bearer credential; the origin header is not a meaningful
	// trust boundary for this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS runs the WebSocket transport on addr, matching the
// `serve --ws-port P` surface from spec §6. One goroutine per
// connection reads request frames and dispatches them against the
// shared table one at a time; each response is written back over the
// same connection before the next frame is read, so responses arrive
// in request order.
func (s *Server) ServeWS(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{Addr: addr, Handler: mux}
	return runHTTPServer(ctx, srv, "ws")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(r.Header.Get("Authorization"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.LogToolserver("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		var req wsFrame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		result, dispatchErr := s.Dispatch(r.Context(), user, req.Tool, req.Tool, req.Arguments)
		resp := wsFrame{RequestID: req.RequestID}
		if dispatchErr != nil {
			resp.Error = dispatchErr.Error()
			resp.ErrorKind = string(kberrors.KindOf(dispatchErr))
		} else {
			resp.Result = result
		}

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// runHTTPServer starts srv in a goroutine and shuts it down gracefully
// when ctx is cancelled, the same cooperative-shutdown shape the
// worker pool and analyzer use for their own Shutdown(timeout).
func runHTTPServer(ctx context.Context, srv *http.Server, label string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("toolserver: listen %s on %s: %w", label, srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		debug.LogToolserver("starting %s transport on %s", label, srv.Addr)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

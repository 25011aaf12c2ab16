package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/kberrors"
)

const ssePingInterval = 15 * time.Second

// sseFrame mirrors wsFrame's shape over the SSE transport so a client
// talking to either transport parses the same envelope.
type sseFrame = wsFrame

// sseConn is one open event stream: POST /sse/call results for this
// connection's id are written to out until the stream closes.
type sseConn struct {
	out chan sseFrame
}

// sseHub tracks open SSE connections by id, the same registry shape
// the worker pool uses for its workerCtx map, scoped instead to
// long-lived HTTP connections rather than goroutines.
type sseHub struct {
	mu    sync.Mutex
	conns map[string]*sseConn
}

func newSSEHub() *sseHub {
	return &sseHub{conns: make(map[string]*sseConn)}
}

func (h *sseHub) register(id string) *sseConn {
	c := &sseConn{out: make(chan sseFrame, 16)}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	return c
}

func (h *sseHub) unregister(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *sseHub) get(id string) (*sseConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

// ServeSSE runs the HTTP-SSE transport on addr, matching the
// `serve --sse-port P` surface from spec §6: GET /sse opens a
// long-lived event stream identified by a server-minted connection id;
// POST /sse/call dispatches one tool call and writes its result onto
// the matching stream, the same request/event split the MCP SDK's own
// SSE transport uses, hand-rolled here on net/http since the wire
// dispatch layer is explicitly out of scope.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	hub := newSSEHub()

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleSSEStream(hub))
	mux.HandleFunc("/sse/call", s.handleSSECall(hub))

	srv := &http.Server{Addr: addr, Handler: mux}
	return runHTTPServer(ctx, srv, "sse")
}

func (s *Server) handleSSEStream(hub *sseHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.Authenticate(r.Header.Get("Authorization")); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		connID := uuid.NewString()
		conn := hub.register(connID)
		defer hub.unregister(connID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connID)
		flusher.Flush()

		ticker := time.NewTicker(ssePingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
				flusher.Flush()
			case frame := <-conn.out:
				payload, err := json.Marshal(frame)
				if err != nil {
					debug.LogToolserver("sse marshal frame: %v", err)
					continue
				}
				fmt.Fprintf(w, "event: result\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}

type sseCallRequest struct {
	ConnectionID string         `json:"connection_id"`
	RequestID    string         `json:"request_id,omitempty"`
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments"`
}

func (s *Server) handleSSECall(hub *sseHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req sseCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		conn, ok := hub.get(req.ConnectionID)
		if !ok {
			http.Error(w, "unknown connection_id", http.StatusNotFound)
			return
		}

		go func() {
			result, dispatchErr := s.Dispatch(context.Background(), user, req.Tool, req.Tool, req.Arguments)
			frame := sseFrame{RequestID: req.RequestID}
			if dispatchErr != nil {
				frame.Error = dispatchErr.Error()
				frame.ErrorKind = string(kberrors.KindOf(dispatchErr))
			} else {
				frame.Result = result
			}
			select {
			case conn.out <- frame:
			default:
				debug.LogToolserver("sse connection %s backlogged, dropping frame", req.ConnectionID)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
	}
}

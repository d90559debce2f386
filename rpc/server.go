// Package rpc serves the lifecycle operations as JSON-RPC 2.0 over HTTP.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/projecteru2/xenops/boot"
	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/xenstore"
)

const (
	maxBody         = 1 << 20
	shutdownTimeout = 5 * time.Second
)

type method func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches JSON-RPC requests to the sessions it was built with.
type Server struct {
	hv      *hypervisor.Session
	store   *xenstore.Session
	boot    *boot.Orchestrator
	retries uint

	methods   map[string]method
	listGroup singleflight.Group
}

// New wires the method table. orch may be nil, which disables booting.
func New(hv *hypervisor.Session, store *xenstore.Session, orch *boot.Orchestrator, shutdownRetries uint) *Server {
	s := &Server{hv: hv, store: store, boot: orch, retries: shutdownRetries}
	s.methods = map[string]method{
		"host.domain-list": s.domainList,
		"vm.pause":         s.pause,
		"vm.unpause":       s.unpause,
		"vm.shutdown":      s.shutdown,
		"vm.create":        s.create,
		"vm.boot":          s.bootDomain,
		"vm.name":          s.name,
	}
	return s
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second, //nolint:mnd
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	logger := log.WithFunc("rpc.Serve")
	logger.Infof(ctx, "listening on %s", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err := g.Wait()
	logger.Infof(ctx, "stopped")
	return err
}

// ServeHTTP handles single and batch requests. CORS is open to any origin.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		http.Error(w, "Used HTTPMethod is not allowed. POST or OPTIONS is required", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, failure(nil, codeParse, "Parse error"))
		return
	}
	ctx := r.Context()

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, failure(nil, codeParse, "Parse error"))
			return
		}
		if len(batch) == 0 {
			writeJSON(w, failure(nil, codeInvalidRequest, "Invalid request"))
			return
		}
		var out []*response
		for _, raw := range batch {
			if resp := s.handle(ctx, raw); resp != nil {
				out = append(out, resp)
			}
		}
		if len(out) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, out)
		return
	}

	resp := s.handle(ctx, body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, resp)
}

// handle runs one request. It returns nil for notifications.
func (s *Server) handle(ctx context.Context, raw json.RawMessage) *response {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return failure(nil, codeParse, "Parse error")
		}
		return failure(nil, codeInvalidRequest, "Invalid request")
	}
	if req.JSONRPC != version || req.Method == "" {
		return failure(req.ID, codeInvalidRequest, "Invalid request")
	}

	m, ok := s.methods[req.Method]
	if !ok {
		if req.notification() {
			return nil
		}
		return failure(req.ID, codeMethodNotFound, "Method not found")
	}

	result, err := m(ctx, req.Params)
	if req.notification() {
		return nil
	}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			log.WithFunc("rpc.handle").Errorf(ctx, err, "%s failed", req.Method)
			rpcErr = &Error{Code: codeServer, Message: err.Error()}
		}
		return failure(req.ID, rpcErr.Code, rpcErr.Message)
	}
	return &response{JSONRPC: version, Result: result, ID: req.ID}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFunc("rpc.writeJSON").Warnf(context.TODO(), "encode response: %v", err)
	}
}

// Package control exposes the orchestrator over a local HTTP API so that
// the CLI can drive a running daemon.
//
//	GET  /api/status         current status
//	GET  /api/status/stream  status updates as server-sent events
//	POST /api/connect        connect to a ConnectRequest
//	POST /api/disconnect     disconnect
//	POST /api/reconnect      reconnect with the current params
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// Orchestrator is the part of the engine the API drives.
type Orchestrator interface {
	Connect(intent vpn.ConnectIntent) error
	Disconnect(ctx context.Context)
	ReconnectWithCurrentParams(ctx context.Context) error
	Status() vpn.Status
	WatchStatus(ctx context.Context) <-chan vpn.Status
}

// managerOrchestrator adapts *vpn.Manager.
type managerOrchestrator struct {
	*vpn.Manager
}

func (m managerOrchestrator) Status() vpn.Status {
	return m.Monitor().Status()
}

func (m managerOrchestrator) WatchStatus(ctx context.Context) <-chan vpn.Status {
	return m.Monitor().Watch(ctx)
}

// FromManager returns an Orchestrator backed by m.
func FromManager(m *vpn.Manager) Orchestrator {
	return managerOrchestrator{m}
}

// Server handles API requests.
type Server struct {
	orch Orchestrator
	Log  common.Logger
	// DisconnectTimeout bounds a disconnect requested over the API.
	DisconnectTimeout time.Duration
}

// NewServer returns an API server for orch.
func NewServer(orch Orchestrator) *Server {
	return &Server{
		orch:              orch,
		Log:               common.ComponentLogger("control"),
		DisconnectTimeout: 2 * common.DisconnectTimeout,
	}
}

// Router constructs the http.Handler with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
		api.Get("/status/stream", s.handleStream)
		api.Post("/connect", s.handleConnect)
		api.Post("/disconnect", s.handleDisconnect)
		api.Post("/reconnect", s.handleReconnect)
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Ends status streams on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("Control API listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.Log.Warn("Graceful shutdown error: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Log.Debug("%s %s %d %s [%s]", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewStatusResponse(s.orch.Status()))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	fmt.Fprintf(w, "retry: 5000\n\n")
	flusher.Flush()

	for status := range s.orch.WatchStatus(ctx) {
		data, err := json.Marshal(NewStatusResponse(status))
		if err != nil {
			s.Log.Error("Cannot encode status: %v", err)
			continue
		}
		fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
			return
		}
	}
	intent, err := req.Intent()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.orch.Connect(intent); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, common.ErrPermissionDenied) {
			status = http.StatusForbidden
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, NewStatusResponse(s.orch.Status()))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.DisconnectTimeout)
	defer cancel()
	s.orch.Disconnect(ctx)
	writeJSON(w, http.StatusOK, NewStatusResponse(s.orch.Status()))
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.ReconnectWithCurrentParams(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, common.ErrNotConnected) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, NewStatusResponse(s.orch.Status()))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Package server provides the HTTP and WebSocket surface of the bridge.
//
// Endpoints:
//
//	GET /healthz               — liveness
//	GET /status.json           — config echo and pool status
//	GET /frame/{viewId}.png    — latest frame with ETag revalidation
//	GET /frame.png?viewId=…    — legacy alias, falls back to the default view
//
// A WebSocket upgrade on any path reaches the control protocol. All
// endpoints validate the shared bearer/query token when one is configured.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tomasbasham/mxbridge/internal/config"
	"github.com/tomasbasham/mxbridge/internal/frame"
	"github.com/tomasbasham/mxbridge/internal/pool"
)

// coldStartWait bounds how long a frame request blocks waiting for the
// first frame of a freshly activated view.
const coldStartWait = 900 * time.Millisecond

// Renderer is the slice of the pool the transport layer drives.
type Renderer interface {
	Reserve(viewID string)
	Subscribe(viewID string) error
	Unsubscribe(viewID string)
	TouchHTTP(viewID string) error
	GetFrame(viewID string) (frame.Frame, bool)
	StatusSnapshot() pool.PoolStatus
}

// Server holds the dependencies shared across handlers. The pool is
// attached after construction; until then frame requests answer 503.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	hub    *hub
	wait   *frameWaiters
	mux    *http.ServeMux

	mu   sync.RWMutex
	pool Renderer
}

// New creates a Server without a renderer attached.
func New(cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		hub:    newHub(),
		wait:   newFrameWaiters(),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/status.json", s.handleStatus)
	s.mux.HandleFunc("/frame.png", s.handleLegacyFrame)
	s.mux.HandleFunc("/frame/", s.handleFrame)
	s.mux.HandleFunc("/", s.handleNotFound)

	return s
}

// AttachPool wires the renderer in once it exists.
func (s *Server) AttachPool(p Renderer) {
	s.mu.Lock()
	s.pool = p
	s.mu.Unlock()
}

func (s *Server) renderer() Renderer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// OnFrame is the pool's fan-out callback: it resolves cold-start waiters
// and pushes a frame notification to every subscriber of the view. Send
// failures are swallowed.
func (s *Server) OnFrame(f frame.Frame, viewID string) {
	s.wait.resolve(viewID)
	msg := newFrameMsg(f, viewID)
	for _, c := range s.hub.subscribers(viewID) {
		c.trySend(msg)
	}
}

// WaitForFrame reports whether a frame for the view exists now or appears
// within the timeout.
func (s *Server) WaitForFrame(viewID string, timeout time.Duration) bool {
	if p := s.renderer(); p != nil {
		if _, ok := p.GetFrame(viewID); ok {
			return true
		}
	}
	return s.wait.wait(viewID, timeout)
}

// Handler returns the root handler: WebSocket upgrades on any path are
// routed to the control protocol, everything else to the HTTP mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal_error")
			}
		}()

		if websocket.IsWebSocketUpgrade(r) {
			s.serveWS(w, r)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

// ListenAndServe runs the listener until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// authorized validates the shared token against either the query string or
// an Authorization bearer header. An empty configured token disables auth.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.AuthToken
	if token == "" {
		return true
	}
	if r.URL.Query().Get("token") == token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}

	status := map[string]any{
		"config":       s.redactedConfig(),
		"activeViewId": s.cfg.DefaultViewID(),
	}
	if p := s.renderer(); p != nil {
		status["pool"] = p.StatusSnapshot()
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": status})
}

// redactedConfig echoes the configuration with the token masked.
func (s *Server) redactedConfig() config.Config {
	cfg := *s.cfg
	if cfg.AuthToken != "" {
		cfg.AuthToken = "***"
	}
	return cfg
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/frame/")
	if !strings.HasSuffix(rest, ".png") {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	viewID, err := url.PathUnescape(strings.TrimSuffix(rest, ".png"))
	if err != nil || viewID == "" {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	s.serveFrame(w, r, viewID)
}

func (s *Server) handleLegacyFrame(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}

	viewID := r.URL.Query().Get("viewId")
	if viewID == "" {
		viewID = s.cfg.DefaultViewID()
	}
	if viewID == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_view"})
		return
	}

	s.serveFrame(w, r, viewID)
}

func (s *Server) serveFrame(w http.ResponseWriter, r *http.Request, viewID string) {
	view, ok := s.cfg.ViewByID(viewID)
	if !ok || !view.Enabled {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_view"})
		return
	}

	p := s.renderer()
	if p == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "renderer_not_ready"})
		return
	}

	p.Reserve(viewID)
	if err := p.TouchHTTP(viewID); err != nil {
		var limitErr *pool.TooManyActiveViewsError
		if errors.As(err, &limitErr) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "too_many_active_views",
				"limit":       limitErr.Limit,
				"activeViews": limitErr.ActiveViews,
				"requested":   limitErr.Requested,
			})
			return
		}
		// The view was validated above, so anything else is an internal
		// failure such as the browser refusing to launch.
		s.logger.Error("activate view for frame request", zap.String("view", viewID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
		return
	}

	f, ok := p.GetFrame(viewID)
	if !ok {
		s.wait.wait(viewID, coldStartWait)
		f, ok = p.GetFrame(viewID)
	}
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no_frame", "viewId": viewID})
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", f.ETag)
	if r.Header.Get("If-None-Match") == f.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.PNG)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	writeError(w, http.StatusNotFound, "not_found")
}

// guard enforces the method and token checks shared by every endpoint.
func (s *Server) guard(w http.ResponseWriter, r *http.Request) bool {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// Package web is the built-in terminal server: one command per client,
// bridged over a pty to a websocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/ttydeck/internal/logging"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the terminal server.
type Config struct {
	Port      int
	Interface string
	// Credential is "user:password" for basic auth.
	Credential string
	Token      string
	Writable   bool
	// Once makes the server exit after its first client disconnects.
	Once       bool
	MaxClients int
	WorkDir    string
	Command    []string
}

// Server wraps an HTTP server for one served command.
type Server struct {
	cfg        Config
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	clients  atomic.Int32
	accepted atomic.Int32
	doneOnce sync.Once
	done     chan struct{}

	addrMu sync.Mutex
	addr   string
}

// NewServer creates a server with routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.Interface == "" {
		cfg.Interface = "127.0.0.1"
	}
	s := &Server{cfg: cfg, done: make(chan struct{})}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	s.addr = net.JoinHostPort(cfg.Interface, strconv.Itoa(cfg.Port))
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          log.New(logging.NewBridgeWriter(logging.CompWeb), "", 0),
	}
	return s
}

// Addr returns the listen address. After Serve starts it is the bound one.
func (s *Server) Addr() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Done is closed when a --once server has served its client.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// ListenAndServe binds the configured address and serves until shutdown.
// Returns nil on graceful shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("termserve: listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()
	webLog.Info("termserve_listening",
		slog.String("addr", s.Addr()),
		slog.Bool("once", s.cfg.Once),
		slog.Int("max_clients", s.cfg.MaxClients),
		slog.Any("command", s.cfg.Command))

	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived websocket handlers to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Hijacked websocket connections are not tracked by Shutdown. Force
	// close so the process exits.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

// Run serves cfg until ctx ends or, with Once, the client leaves.
func Run(ctx context.Context, cfg Config) error {
	s := NewServer(cfg)
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("termserve: listen %s: %w", s.httpServer.Addr, err)
	}
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	case <-s.Done():
		webLog.Info("termserve_once_finished")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"clients":     s.clients.Load(),
		"max_clients": s.cfg.MaxClients,
		"once":        s.cfg.Once,
		"writable":    s.cfg.Writable,
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("termserve(addr=%s, once=%t, writable=%t)", s.Addr(), s.cfg.Once, s.cfg.Writable)
}

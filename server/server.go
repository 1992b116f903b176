// Package server handles HTTP endpoints: health, manual polling and the
// OAuth redirect.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"meet-notifier/pkg/notifier"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

const shutdownTimeout = 10 * time.Second

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Authenticator finishes redirect-based OAuth flows.
type Authenticator interface {
	CompleteCallback(ctx context.Context, state, code string) (int64, error)
}

// Users looks up the user an authorization belonged to.
type Users interface {
	User(ctx context.Context, userID int64) (*notifier.User, error)
}

// Replier tells the user in Telegram that authorization finished.
type Replier interface {
	SendText(ctx context.Context, chatID int64, htmlText string) error
}

// Server handles HTTP requests.
type Server struct {
	poller   Poller
	auth     Authenticator
	users    Users
	replier  Replier
	logger   *slog.Logger
	limiter  *rateLimiter
	isGone   func(error) bool
	addr     string
	listener net.Listener
}

// Config holds server configuration. Auth may be nil when OAuth is not
// configured; the callback then answers 404.
type Config struct {
	Poller  Poller
	Auth    Authenticator
	Users   Users
	Replier Replier
	Logger  *slog.Logger
	// IsStateGone reports an unknown or expired OAuth state.
	IsStateGone func(error) bool
	Port        string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	isGone := cfg.IsStateGone
	if isGone == nil {
		isGone = func(error) bool { return false }
	}
	return &Server{
		poller:  cfg.Poller,
		auth:    cfg.Auth,
		users:   cfg.Users,
		replier: cfg.Replier,
		logger:  cfg.Logger,
		limiter: newRateLimiter(callbackLimit, time.Hour),
		isGone:  isGone,
		addr:    ":" + cfg.Port,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/oauth/callback", s.handleCallback)
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // /pollz runs a full pass
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.addr)
		var err error
		if s.listener != nil {
			err = server.Serve(s.listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered", "ip", clientIP(r))

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

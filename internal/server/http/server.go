// Package httpserver exposes the worker and admin API over HTTP, plus
// the websocket heartbeat channel and static page images.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/corveehq/corvee/internal/distributor"
	"github.com/corveehq/corvee/internal/scanner"
	"github.com/corveehq/corvee/internal/suggest"
	"github.com/corveehq/corvee/internal/taskstore"
	"github.com/corveehq/corvee/internal/userstore"
	"github.com/corveehq/corvee/pkg/log"
)

// Options wires the server to its services.
type Options struct {
	Distributor *distributor.Service
	Store       *taskstore.Store
	Users       *userstore.Store
	Suggester   *suggest.Suggester
	Scanner     *scanner.Scanner
	// WorkDir is served under /static/ for page images.
	WorkDir string
	// HeartbeatGrace bounds how long a heartbeat connection may stay
	// silent before the read fails.
	HeartbeatGrace time.Duration
	// HeartbeatPing is the expected client ping interval, surfaced to
	// connecting clients.
	HeartbeatPing time.Duration
	Logger        log.Logger
}

// Server is the HTTP front of the distribution engine.
type Server struct {
	dist      *distributor.Service
	store     *taskstore.Store
	users     *userstore.Store
	suggester *suggest.Suggester
	scanner   *scanner.Scanner

	heartbeatGrace time.Duration
	heartbeatPing  time.Duration
	logger         log.Logger

	srv *http.Server
	lis net.Listener
}

// New creates the server and its route table.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		dist:           opts.Distributor,
		store:          opts.Store,
		users:          opts.Users,
		suggester:      opts.Suggester,
		scanner:        opts.Scanner,
		heartbeatGrace: opts.HeartbeatGrace,
		heartbeatPing:  opts.HeartbeatPing,
		logger:         logger.WithComponent("http"),
		srv:            &http.Server{Handler: cors(mux)},
	}

	mux.HandleFunc("/v1/healthz", s.handleHealth)

	mux.HandleFunc("/v1/auth/status", s.handleAuthStatus)
	mux.HandleFunc("/v1/auth/init", s.handleAuthInit)
	mux.HandleFunc("/v1/auth/login", s.handleAuthLogin)
	mux.HandleFunc("/v1/auth/logout", s.handleAuthLogout)

	mux.HandleFunc("/v1/tasks/fetch", s.handleTaskFetch)
	mux.HandleFunc("/v1/tasks/skip", s.handleTaskSkip)
	mux.HandleFunc("/v1/tasks/submit", s.handleTaskSubmit)
	mux.HandleFunc("/v1/tasks/projects", s.handleProjects)

	mux.HandleFunc("/v1/submissions", s.handleSubmissionsList)
	mux.HandleFunc("/v1/submissions/get", s.handleSubmissionGet)
	mux.HandleFunc("/v1/submissions/update", s.handleSubmissionUpdate)

	mux.HandleFunc("/v1/suggest", s.handleSuggest)
	mux.HandleFunc("/v1/leaderboard", s.handleLeaderboard)

	mux.HandleFunc("/v1/ws/heartbeat", s.handleHeartbeat)

	mux.HandleFunc("/v1/admin/stats", s.handleAdminStats)
	mux.HandleFunc("/v1/admin/users", s.handleAdminUsers)
	mux.HandleFunc("/v1/admin/users/create", s.handleAdminUserCreate)
	mux.HandleFunc("/v1/admin/users/delete", s.handleAdminUserDelete)
	mux.HandleFunc("/v1/admin/users/set_password", s.handleAdminSetPassword)
	mux.HandleFunc("/v1/admin/users/set_admin", s.handleAdminSetAdmin)
	mux.HandleFunc("/v1/admin/locked", s.handleAdminLocked)
	mux.HandleFunc("/v1/admin/unlock", s.handleAdminUnlock)
	mux.HandleFunc("/v1/admin/scan", s.handleAdminScan)
	mux.HandleFunc("/v1/admin/submissions", s.handleAdminSubmissions)

	if opts.WorkDir != "" {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.WorkDir))))
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func nowMs() int64 { return time.Now().UnixMilli() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionUser resolves the bearer session to a user, writing the error
// response itself when authentication fails.
func (s *Server) sessionUser(w http.ResponseWriter, r *http.Request) (*userstore.User, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing session")
		return nil, false
	}
	u, err := s.users.ValidateSession(token)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid session")
		} else {
			writeError(w, http.StatusInternalServerError, "session lookup failed")
		}
		return nil, false
	}
	return u, true
}

// adminUser is sessionUser plus the admin check.
func (s *Server) adminUser(w http.ResponseWriter, r *http.Request) (*userstore.User, bool) {
	u, ok := s.sessionUser(w, r)
	if !ok {
		return nil, false
	}
	if !u.Admin {
		writeError(w, http.StatusForbidden, "admin required")
		return nil, false
	}
	return u, true
}

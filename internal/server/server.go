// Package server is the relay's HTTP surface: account endpoints, history,
// the websocket upgrade, health, metrics and the admin views.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/petervdpas/friendrelay/internal/account"
	"github.com/petervdpas/friendrelay/internal/metrics"
	"github.com/petervdpas/friendrelay/internal/proto"
	"github.com/petervdpas/friendrelay/internal/relay"
	"github.com/petervdpas/friendrelay/internal/storage"
	"github.com/petervdpas/friendrelay/internal/transport"
	"github.com/petervdpas/friendrelay/internal/util"
)

var log = logging.Logger("server")

const maxBodyBytes = 4 << 10

// Store is what the HTTP handlers read directly.
type Store interface {
	Ping() error
	QueryConversation(ctx context.Context, a, b string, limit int) ([]storage.Message, error)
}

type Options struct {
	Addr           string
	AdminPassword  string
	AllowedOrigins []string
	HistoryLimit   int
	Transport      transport.Options
}

type Server struct {
	opts     Options
	hub      *relay.Hub
	accounts *account.Service
	store    Store
	metrics  *metrics.Metrics
	activity *Activity
	upgrader websocket.Upgrader

	srv      *http.Server
	ln       net.Listener
	stopped  chan struct{}
	sessions sync.WaitGroup
}

func New(opts Options, hub *relay.Hub, accounts *account.Service, store Store, m *metrics.Metrics, activity *Activity) *Server {
	if m == nil {
		m = metrics.New()
	}
	if activity == nil {
		activity = NewActivity(0)
	}
	return &Server{
		opts:     opts,
		hub:      hub,
		accounts: accounts,
		store:    store,
		metrics:  m,
		activity: activity,
		upgrader: transport.NewUpgrader(opts.AllowedOrigins),
		stopped:  make(chan struct{}),
	}
}

// Handler returns the full route tree wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/signup", s.handleSignup)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/get_messages", s.handleGetMessages)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	// Admin-protected endpoints
	mux.HandleFunc("/online.json", s.handleOnlineJSON)
	mux.HandleFunc("/logs.json", s.handleLogsJSON)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(mux)
}

// Start listens and serves in the background until ctx ends. Request
// contexts, websocket sessions included, derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		defer close(s.stopped)
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shctx); err != nil {
			log.Warnw("http shutdown", "err", err)
		}
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server failed", "err", err)
		}
	}()

	log.Infow("listening", "addr", ln.Addr().String())
	return nil
}

// Wait blocks until a started server has shut down and every websocket
// session it accepted has run its disconnect path.
func (s *Server) Wait() {
	<-s.stopped
	s.sessions.Wait()
}

// Addr is the bound listen address, useful when Options.Addr used port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.opts.Addr
	}
	return s.ln.Addr().String()
}

type authResponse struct {
	Status   string `json:"status"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	s.handleAuth(w, r, s.accounts.Signup)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.handleAuth(w, r, s.accounts.Login)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request, op func(context.Context, account.Credentials) (account.Session, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var c account.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := op(r.Context(), c)
	switch {
	case err == nil:
	case errors.Is(err, account.ErrInvalidInput),
		errors.Is(err, account.ErrUsernameTaken),
		errors.Is(err, account.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "account: "))
		return
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Status: "success", Username: sess.Username, Token: sess.Token})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	who, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	user1, user2 := q.Get("user1"), q.Get("user2")
	if user1 == "" || user2 == "" {
		writeError(w, http.StatusBadRequest, "user1 and user2 required")
		return
	}
	if who != user1 && who != user2 {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	msgs, err := s.store.QueryConversation(r.Context(), user1, user2, s.opts.HistoryLimit)
	if err != nil {
		log.Errorw("history query failed", "user1", user1, "user2", user2, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, proto.History(msgs))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	who, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debugw("websocket upgrade failed", "identity", who, "err", err)
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	conn := transport.New(ws, s.opts.Transport)
	err = s.hub.Serve(r.Context(), who, conn)
	log.Debugw("websocket closed", "identity", who, "remote", conn.RemoteAddr(), "err", err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	if err := s.store.Ping(); err != nil {
		log.Warnw("health check failed", "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleOnlineJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Online())
}

func (s *Server) handleLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.activity.Snapshot())
}

// authenticate resolves the caller from a bearer header or a token query
// parameter. Browsers cannot set headers on a websocket handshake, hence
// the query form.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	}
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return "", false
	}
	who, err := s.accounts.Tokens().Verify(raw)
	if err != nil {
		log.Debugw("token rejected", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return who, true
}

// requireAdmin checks HTTP Basic Auth. Returns true if authorized.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.AdminPassword == "" {
		http.Error(w, "admin disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.AdminPassword)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="friendrelay admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

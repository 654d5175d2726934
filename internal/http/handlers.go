package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/users"
)

// Server exposes health, metrics, an admin JSON view of the registry and the
// websocket flavour of the line protocol.
type Server struct {
	Registry     *registry.Registry
	Users        *users.Store
	Tracker      *dispatch.Tracker
	OutboxSize   int
	WriteTimeout time.Duration
	// Ready reports whether backing services are reachable; nil means always ready.
	Ready func(ctx context.Context) error

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(reg *registry.Registry, store *users.Store, logger *slog.Logger) *Server {
	s := &Server{
		Registry:   reg,
		Users:      store,
		Tracker:    dispatch.NewTracker(),
		OutboxSize: 256,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.adminOnly)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id:[0-9]+}", s.handleRide).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("not ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.Snapshot())
}

func (s *Server) handleRide(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ride id")
		return
	}
	rd, ok := s.Registry.Ride(id)
	if !ok {
		writeError(w, http.StatusNotFound, "ride not found")
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// adminOnly checks HTTP basic credentials against the user store.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, secret, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="ride-dispatch"`)
			writeError(w, http.StatusUnauthorized, "credentials required")
			return
		}
		u, err := s.Users.Authenticate(name, secret)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="ride-dispatch"`)
			writeError(w, http.StatusUnauthorized, apperr.Message(err))
			return
		}
		if u.Role != models.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin only")
			return
		}
		traceFrom(r.Context()).admin = u.Username
		next.ServeHTTP(w, r)
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS runs a protocol session over the upgraded connection until the
// client leaves.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	tr := traceFrom(r.Context())
	lc := dispatch.NewWSConn(conn, s.OutboxSize, s.WriteTimeout)
	sess := session.New(lc, s.Registry, s.logger.With("request_id", tr.requestID))
	tr.sessionID = sess.ID()
	s.Tracker.Add(sess.ID(), lc)
	defer s.Tracker.Remove(sess.ID())
	if err := sess.Run(r.Context()); err != nil {
		s.logger.Debug("websocket session ended with error", "session_id", sess.ID(), "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

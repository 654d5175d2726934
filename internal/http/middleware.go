package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/observability"
)

type contextKey string

const traceKey contextKey = "trace"

// trace collects what handlers learn about a request so the access log can
// name it: the admin behind an API call, or the session a websocket became.
type trace struct {
	requestID string
	admin     string
	sessionID string
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.traceMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), traceKey, &trace{requestID: reqID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func traceFrom(ctx context.Context) *trace {
	if t, ok := ctx.Value(traceKey).(*trace); ok {
		return t
	}
	return &trace{}
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeTemplate(r)
		tr := traceFrom(r.Context())

		if route == "/ws" {
			// the writer is hijacked; log once the session is over
			next.ServeHTTP(w, r)
			s.logger.Info("websocket session finished",
				"request_id", tr.requestID,
				"session_id", tr.sessionID,
				"remote_addr", remoteIP(r),
				"duration_ms", time.Since(start).Milliseconds())
			return
		}

		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		status := strconv.Itoa(ww.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())

		args := []any{
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", remoteIP(r),
			"request_id", tr.requestID,
		}
		if tr.admin != "" {
			args = append(args, "admin", tr.admin)
		}
		level := slog.LevelDebug
		if ww.status == http.StatusUnauthorized || ww.status == http.StatusForbidden {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http_request", args...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

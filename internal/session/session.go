// Package session runs the per-connection protocol state machine. A session
// starts unauthenticated, accepting only REGISTER and LOGIN, and after a
// successful LOGIN dispatches role-checked commands into the registry until the
// client disconnects or the transport fails.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/registry"
)

type Session struct {
	id   string
	conn dispatch.LineConn
	reg  *registry.Registry
	log  *slog.Logger
	user *models.User
}

func New(conn dispatch.LineConn, reg *registry.Registry, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:   id,
		conn: conn,
		reg:  reg,
		log:  logger.With("session_id", id, "remote_addr", conn.RemoteAddr()),
	}
}

func (s *Session) ID() string { return s.id }

// User returns the authenticated user, or nil before login.
func (s *Session) User() *models.User { return s.user }

// Run drives the connection to completion. It returns nil after a client
// DISCONNECT or a clean peer close, and the transport error otherwise. The
// connection is closed and the user leaves its role list either way.
func (s *Session) Run(ctx context.Context) (err error) {
	observability.ConnectionsActive.Inc()
	s.log.Info("session opened")
	defer func() {
		if s.user != nil {
			s.reg.Logout(*s.user, s.conn)
		}
		_ = s.conn.Close()
		observability.ConnectionsActive.Dec()
		s.log.Info("session closed", "error", err)
	}()

	for s.user == nil {
		line, err := s.next(ctx)
		if err != nil {
			return peerGone(err)
		}
		s.authenticate(line)
	}

	for {
		line, err := s.next(ctx)
		if err != nil {
			return peerGone(err)
		}
		if quit := s.handle(line); quit {
			return nil
		}
	}
}

func (s *Session) next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := s.conn.ReadLine()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return line, nil
}

func peerGone(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Session) reply(line string) {
	if err := s.conn.Send(line); err != nil {
		s.log.Debug("reply dropped", "error", err)
	}
}

func (s *Session) fail(err error) {
	s.reply(protocol.Error(err))
}

// authenticate handles one line of the unauthenticated phase.
func (s *Session) authenticate(line string) {
	cmd, err := protocol.Parse(line)
	if err != nil {
		s.fail(err)
		return
	}
	start := time.Now()
	switch cmd.Verb {
	case protocol.VerbRegister:
		err = s.register(cmd)
	case protocol.VerbLogin:
		err = s.login(cmd)
	default:
		err = apperr.Authentication("please LOGIN or REGISTER first")
	}
	s.observe(cmd.Verb, start, err)
	if err != nil {
		s.fail(err)
	}
}

func (s *Session) register(cmd protocol.Command) error {
	if err := cmd.Need(3, "REGISTER:username:secret:role"); err != nil {
		return err
	}
	u, err := s.reg.Register(strings.TrimSpace(cmd.Args[0]), cmd.Args[1], cmd.Args[2])
	if err != nil {
		return err
	}
	s.log.Info("user registered", "user", u.Username, "role", u.Role)
	s.reply(protocol.Registered(u.Username))
	s.reply(protocol.Info(protocol.MsgPleaseLogin))
	return nil
}

func (s *Session) login(cmd protocol.Command) error {
	if err := cmd.Need(2, "LOGIN:username:secret"); err != nil {
		return err
	}
	u, err := s.reg.Login(strings.TrimSpace(cmd.Args[0]), cmd.Args[1], s.conn)
	if err != nil {
		s.log.Info("login refused", "user", cmd.Args[0], "error", err)
		return err
	}
	s.user = &u
	s.log = s.log.With("user", u.Username, "role", u.Role)
	s.log.Info("user logged in")
	s.reply(protocol.LoggedIn(u))
	return nil
}

// handle dispatches one authenticated command and reports whether the session
// should end.
func (s *Session) handle(line string) (quit bool) {
	cmd, err := protocol.Parse(line)
	if err != nil {
		s.fail(err)
		return false
	}
	start := time.Now()
	quit, err = s.dispatch(cmd)
	s.observe(cmd.Verb, start, err)
	if err != nil {
		s.log.Debug("command failed", "verb", cmd.Verb, "error", err)
		s.fail(err)
		return false
	}
	return quit
}

func (s *Session) observe(verb protocol.Verb, start time.Time, err error) {
	label := string(verb)
	if _, known := commands[verb]; !known && verb != protocol.VerbRegister && verb != protocol.VerbLogin {
		label = "UNKNOWN"
	}
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(apperr.KindOf(err).String())
	}
	observability.CommandsTotal.WithLabelValues(label, outcome).Inc()
	observability.CommandDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

// Package server accepts TCP clients and runs one session per connection.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/session"
)

type TCPServer struct {
	Registry     *registry.Registry
	Logger       *slog.Logger
	Tracker      *dispatch.Tracker
	OutboxSize   int
	WriteTimeout time.Duration

	wg sync.WaitGroup
}

// Serve accepts until ctx is cancelled, then closes the listener and every
// open connection and waits for their sessions to finish.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	if s.Tracker == nil {
		s.Tracker = dispatch.NewTracker()
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.Logger.Info("tcp listening", "addr", ln.Addr().String())
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.Tracker.CloseAll()
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.Logger.Warn("accept error", "error", err, "retry_in", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			s.Tracker.CloseAll()
			s.wg.Wait()
			return err
		}
		tempDelay = 0
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *TCPServer) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	lc := dispatch.NewTCPConn(conn, s.OutboxSize, s.WriteTimeout)
	sess := session.New(lc, s.Registry, s.Logger)
	s.Tracker.Add(sess.ID(), lc)
	defer s.Tracker.Remove(sess.ID())
	if ctx.Err() != nil {
		_ = lc.Close()
		return
	}
	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		s.Logger.Debug("session ended with error", "session_id", sess.ID(), "error", err)
	}
}

// Package dispatch adapts client connections to the line protocol. Every
// connection gets an outbox: a bounded queue drained by one writer goroutine,
// so pushes from other sessions never block on a slow reader and each
// connection sees its lines in the order they were queued.
package dispatch

import (
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("outbound queue full")
)

// LineConn is one client connection speaking the line protocol.
type LineConn interface {
	ReadLine() (string, error)
	Send(line string) error
	Close() error
	RemoteAddr() string
}

type outbox struct {
	mu     sync.Mutex
	closed bool
	queue  chan string
	done   chan struct{}

	write    func(line string) error
	shutOnce sync.Once
	shut     func() error
}

func newOutbox(size int, write func(string) error, shut func() error) *outbox {
	if size <= 0 {
		size = 64
	}
	o := &outbox{
		queue: make(chan string, size),
		done:  make(chan struct{}),
		write: write,
		shut:  shut,
	}
	go o.run()
	return o
}

func (o *outbox) run() {
	defer close(o.done)
	defer o.closeTransport()
	for line := range o.queue {
		if err := o.write(line); err != nil {
			return
		}
	}
}

func (o *outbox) closeTransport() {
	o.shutOnce.Do(func() { _ = o.shut() })
}

// Send queues line without blocking. A full queue means the peer stopped
// reading; the line is dropped and the transport is torn down so the owning
// session ends.
func (o *outbox) Send(line string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.queue <- line:
		return nil
	default:
		observability.PushesDropped.Inc()
		go o.closeTransport()
		return ErrSlowConsumer
	}
}

// Close flushes queued lines, then closes the transport.
func (o *outbox) Close() error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	<-o.done
	return nil
}

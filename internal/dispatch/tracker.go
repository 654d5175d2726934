package dispatch

import "sync"

// Tracker holds every open connection so shutdown can close them all.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]LineConn
}

func NewTracker() *Tracker { return &Tracker{conns: make(map[string]LineConn)} }

func (t *Tracker) Add(id string, c LineConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[id] = c
}

func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CloseAll closes every tracked connection. Blocked reads return and the
// owning sessions run their teardown.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	conns := make([]LineConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

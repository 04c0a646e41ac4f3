package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	open     bool
	sent     []protocol.ClientMessage
	handlers map[int]transport.Handler
	order    []int
	nextID   int
}

func newFakeTransport(open bool) *fakeTransport {
	return &fakeTransport{open: open, handlers: make(map[int]transport.Handler)}
}

func (f *fakeTransport) Send(_ string, msg protocol.ClientMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeTransport) Subscribe(_ string, fn transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[id] = fn
	f.order = append(f.order, id)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeTransport) setOpen(open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = open
}

// deliver runs every handler like the channel reader would and returns the
// first handler error.
func (f *fakeTransport) deliver(msg protocol.ServerMessage) error {
	f.mu.Lock()
	var fns []transport.Handler
	for _, id := range f.order {
		if fn, ok := f.handlers[id]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()
	var first error
	for _, fn := range fns {
		if err := fn(msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f *fakeTransport) edits() []protocol.EditOperations {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.EditOperations
	for _, m := range f.sent {
		if eo, ok := m.(protocol.EditOperations); ok {
			out = append(out, eo)
		}
	}
	return out
}

func (f *fakeTransport) joins() []protocol.JoinSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.JoinSession
	for _, m := range f.sent {
		if j, ok := m.(protocol.JoinSession); ok {
			out = append(out, j)
		}
	}
	return out
}

type memStore struct {
	mu    sync.Mutex
	docs  map[string]Document
	loads int
	fail  bool
}

func newMemStore(docs ...Document) *memStore {
	s := &memStore{docs: make(map[string]Document)}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return s
}

func (s *memStore) Load(_ context.Context, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.fail {
		return Document{}, errors.New("store down")
	}
	d, ok := s.docs[id]
	if !ok {
		return Document{}, errors.New("not found")
	}
	return d, nil
}

func (s *memStore) Save(_ context.Context, d Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.ID] = d
	return nil
}

func (s *memStore) set(d Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.ID] = d
}

type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) after(_ time.Duration, f func()) stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{fn: f}
	m.timers = append(m.timers, t)
	return t
}

// fire runs the live timers once.
func (m *manualTimers) fire() {
	m.mu.Lock()
	var live []*manualTimer
	for _, t := range m.timers {
		if !t.stopped {
			t.stopped = true
			live = append(live, t)
		}
	}
	m.mu.Unlock()
	for _, t := range live {
		t.fn()
	}
}

func (m *manualTimers) armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

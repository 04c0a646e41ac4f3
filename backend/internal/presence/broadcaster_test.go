package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/protocol"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.ClientMessage
	down bool
}

func (s *recordingSender) Send(_ string, msg protocol.ClientMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false
	}
	s.sent = append(s.sent, msg)
	return true
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
	timers []*manualTimer
	delays []time.Duration
}

func (m *manualTimers) after(d time.Duration, f func()) stopper {
	t := &manualTimer{fn: f}
	m.timers = append(m.timers, t)
	m.delays = append(m.delays, d)
	return t
}

func (m *manualTimers) fireAll() {
	for _, t := range m.timers {
		if !t.stopped {
			t.stopped = true
			t.fn()
		}
	}
}

func TestUpdateCursor_TrailingThrottle(t *testing.T) {
	s := &recordingSender{}
	timers := &manualTimers{}
	b := NewBroadcaster(s, "main", withAfterFunc(timers.after))

	for col := 0; col < 5; col++ {
		b.UpdateCursor("doc", protocol.Cursor{Line: 1, Column: col}, nil)
	}
	b.UpdateCursor("other", protocol.Cursor{Line: 9}, nil)
	require.Len(t, timers.timers, 2, "one window per document")
	assert.Equal(t, []time.Duration{DefaultThrottle, DefaultThrottle}, timers.delays)
	assert.Empty(t, s.sent)

	timers.fireAll()
	require.Len(t, s.sent, 2)
	first := s.sent[0].(protocol.PresenceUpdate)
	assert.Equal(t, "doc", first.DocumentID)
	assert.Equal(t, 4, first.Cursor.Column, "last update wins")

	// next window opens a new timer
	b.UpdateCursor("doc", protocol.Cursor{Line: 2}, nil)
	assert.Len(t, timers.timers, 3)
}

func TestUpdateCursor_CloseCancels(t *testing.T) {
	s := &recordingSender{}
	timers := &manualTimers{}
	b := NewBroadcaster(s, "main", withAfterFunc(timers.after))
	b.UpdateCursor("doc", protocol.Cursor{}, nil)
	b.Close()
	assert.True(t, timers.timers[0].stopped)
	b.UpdateCursor("doc", protocol.Cursor{}, nil)
	assert.Len(t, timers.timers, 1)
	assert.Empty(t, s.sent)
}

func TestMerge_LastWriteWins(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	b := NewBroadcaster(&recordingSender{}, "main", WithClock(func() time.Time { return now }), WithSelf("me"))

	assert.True(t, b.Merge(protocol.PresenceUpdate{DocumentID: "d", UserID: "u1", Cursor: protocol.Cursor{Line: 1}, Timestamp: 500}))
	assert.False(t, b.Merge(protocol.PresenceUpdate{DocumentID: "d", UserID: "u1", Cursor: protocol.Cursor{Line: 2}, Timestamp: 400}))
	assert.True(t, b.Merge(protocol.PresenceUpdate{DocumentID: "d", UserID: "u1", Cursor: protocol.Cursor{Line: 3}, Timestamp: 600}))
	assert.False(t, b.Merge(protocol.PresenceUpdate{DocumentID: "d", UserID: "me", Timestamp: 700}))
	assert.True(t, b.Merge(protocol.PresenceUpdate{DocumentID: "d", UserID: "u0", Timestamp: 600}))

	peers := b.Peers("d")
	require.Len(t, peers, 2)
	assert.Equal(t, "u0", peers[0].UserID)
	assert.Equal(t, 3, peers[1].Cursor.Line)

	b.Remove("d", "u0")
	assert.Len(t, b.Peers("d"), 1)
}

func TestReap(t *testing.T) {
	now := time.Unix(100, 0)
	b := NewBroadcaster(&recordingSender{}, "main", WithClock(func() time.Time { return now }))
	b.Merge(protocol.PresenceUpdate{DocumentID: "d", UserID: "old"})
	now = now.Add(20 * time.Second)
	b.Merge(protocol.PresenceUpdate{DocumentID: "d", UserID: "fresh"})

	gone := b.Reap(now.Add(15 * time.Second))
	require.Len(t, gone, 1)
	assert.Equal(t, "old", gone[0].UserID)
	assert.Len(t, b.Peers("d"), 1)

	assert.Empty(t, b.Reap(now.Add(DefaultTimeout)))
	assert.Len(t, b.Reap(now.Add(DefaultTimeout+time.Millisecond)), 1)
	assert.Empty(t, b.Peers("d"))
}

func TestClear_DropsOneDocument(t *testing.T) {
	b := NewBroadcaster(&recordingSender{}, "main")
	b.Merge(protocol.PresenceUpdate{DocumentID: "d", UserID: "u1"})
	b.Merge(protocol.PresenceUpdate{DocumentID: "d", UserID: "u2"})
	b.Merge(protocol.PresenceUpdate{DocumentID: "e", UserID: "u1"})

	assert.Len(t, b.Clear("d"), 2)
	assert.Empty(t, b.Peers("d"))
	assert.Len(t, b.Peers("e"), 1)
	assert.Empty(t, b.Clear("d"))
}

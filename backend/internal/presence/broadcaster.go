// Package presence publishes the local cursor and tracks remote ones.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabSync/backend/internal/protocol"
)

const (
	DefaultThrottle = 50 * time.Millisecond
	DefaultTimeout  = 30 * time.Second
)

type Sender interface {
	Send(channelID string, msg protocol.ClientMessage) bool
}

// State is the last known cursor of one user in one document.
type State struct {
	DocumentID string
	UserID     string
	Cursor     protocol.Cursor
	Selection  *protocol.Selection
	Timestamp  time.Time // as stamped by the server
	Seen       time.Time // local receive time, drives reaping
}

type stopper interface{ Stop() bool }

type Broadcaster struct {
	sender    Sender
	channelID string
	self      string
	throttle  time.Duration
	timeout   time.Duration
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper

	mu     sync.Mutex
	out    map[string]*outgoing        // by document
	peers  map[string]map[string]State // document -> user -> state
	closed bool
}

type outgoing struct {
	msg   protocol.PresenceUpdate
	timer stopper
}

type Option func(*Broadcaster)

func WithThrottle(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.throttle = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(b *Broadcaster) { b.now = fn }
}

// WithSelf makes Merge ignore updates about the local user.
func WithSelf(userID string) Option {
	return func(b *Broadcaster) { b.self = userID }
}

func withAfterFunc(fn func(d time.Duration, f func()) stopper) Option {
	return func(b *Broadcaster) { b.afterFunc = fn }
}

func NewBroadcaster(sender Sender, channelID string, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sender:    sender,
		channelID: channelID,
		throttle:  DefaultThrottle,
		timeout:   DefaultTimeout,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		out:       make(map[string]*outgoing),
		peers:     make(map[string]map[string]State),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// UpdateCursor publishes the local cursor at most once per throttle window
// per document. Only the last update of a window goes out.
func (b *Broadcaster) UpdateCursor(documentID string, cursor protocol.Cursor, sel *protocol.Selection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	o, ok := b.out[documentID]
	if !ok {
		o = &outgoing{}
		b.out[documentID] = o
	}
	o.msg = protocol.PresenceUpdate{DocumentID: documentID, Cursor: cursor, Selection: sel}
	if o.timer == nil {
		o.timer = b.afterFunc(b.throttle, func() { b.fire(documentID) })
	}
}

func (b *Broadcaster) fire(documentID string) {
	b.mu.Lock()
	o, ok := b.out[documentID]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	delete(b.out, documentID)
	b.mu.Unlock()

	if !b.sender.Send(b.channelID, o.msg) {
		glog.V(2).Infof("[presence]%s cursor dropped, channel down", documentID)
	}
}

// Merge records a remote update. Older updates for the same user lose.
// It reports whether the stored state changed.
func (b *Broadcaster) Merge(u protocol.PresenceUpdate) bool {
	if u.UserID == "" || u.UserID == b.self {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	now := b.now()
	ts := now
	if u.Timestamp > 0 {
		ts = time.UnixMilli(u.Timestamp)
	}
	doc, ok := b.peers[u.DocumentID]
	if !ok {
		doc = make(map[string]State)
		b.peers[u.DocumentID] = doc
	}
	if prev, ok := doc[u.UserID]; ok && ts.Before(prev.Timestamp) {
		return false
	}
	doc[u.UserID] = State{
		DocumentID: u.DocumentID,
		UserID:     u.UserID,
		Cursor:     u.Cursor,
		Selection:  u.Selection,
		Timestamp:  ts,
		Seen:       now,
	}
	return true
}

func (b *Broadcaster) Remove(documentID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if doc, ok := b.peers[documentID]; ok {
		delete(doc, userID)
		if len(doc) == 0 {
			delete(b.peers, documentID)
		}
	}
}

// Clear forgets every remote cursor of a document, for when the connection
// that kept them fresh is gone. It returns the dropped states.
func (b *Broadcaster) Clear(documentID string) []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc := b.peers[documentID]
	delete(b.peers, documentID)
	gone := make([]State, 0, len(doc))
	for _, st := range doc {
		gone = append(gone, st)
	}
	return gone
}

// Peers lists the remote cursors of a document ordered by user id.
func (b *Broadcaster) Peers(documentID string) []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]State, 0, len(b.peers[documentID]))
	for _, st := range b.peers[documentID] {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Reap drops states not refreshed within the timeout and returns them.
func (b *Broadcaster) Reap(now time.Time) []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	var gone []State
	for docID, doc := range b.peers {
		for user, st := range doc {
			if now.Sub(st.Seen) > b.timeout {
				gone = append(gone, st)
				delete(doc, user)
			}
		}
		if len(doc) == 0 {
			delete(b.peers, docID)
		}
	}
	return gone
}

// Run reaps on a timer until ctx is done or the broadcaster is closed.
func (b *Broadcaster) Run(ctx context.Context) {
	t := time.NewTicker(b.timeout / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			for _, st := range b.Reap(b.now()) {
				glog.V(2).Infof("[presence]%s reaped %s", st.DocumentID, st.UserID)
			}
		}
	}
}

// Close cancels pending publishes; later calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, o := range b.out {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(b.out, id)
	}
}

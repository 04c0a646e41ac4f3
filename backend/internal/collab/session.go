package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabSync/backend/internal/editor"
	"collabSync/backend/internal/identity"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/presence"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/transport"
)

var (
	ErrNoStore       = errors.New("collab: no document store")
	ErrSessionClosed = errors.New("collab: session closed")
)

// Document is a stored snapshot of a document at a server version.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

// DocumentStore loads the authoritative content of a document and saves
// final content back.
type DocumentStore interface {
	Load(ctx context.Context, documentID string) (Document, error)
	Save(ctx context.Context, doc Document) error
}

// Transport is what a session needs from transport.Manager.
type Transport interface {
	Sender
	Subscribe(channelID string, fn transport.Handler) (unsubscribe func())
}

type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateJoining    SessionState = "joining"
	StateLive       SessionState = "live"
	StateResyncing  SessionState = "resync"
	StateNeedResync SessionState = "needs-resync"
	StateFailed     SessionState = "failed"
	StateClosed     SessionState = "closed"
)

type SessionConfig struct {
	SessionID  string
	DocumentID string
	ChannelID  string
	Identity   identity.Provider
	Transport  Transport
	Editor     editor.Editor
	Store      DocumentStore         // optional; without it the editor's content is version 0
	Ledger     *Ledger               // optional; shared between sessions of one client
	Presence   *presence.Broadcaster // optional
	IdleDelay  time.Duration
	// OnState observes state changes. It runs on the goroutine causing the
	// change and must not block.
	OnState func(SessionState, error)
	// OnRemote observes every applied remote batch.
	OnRemote func(protocol.FileEdit)
}

// Session binds one editor to one document on one channel: local changes
// go out through the aggregator, inbound messages are dispatched here.
type Session struct {
	cfg      SessionConfig
	clientID string
	ledger   *Ledger
	agg      *Aggregator
	applier  *Applier
	scope    RemoteScope

	// inbound dispatch, resync and state
	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	state          SessionState
	unsubscribe    func()
	removeListener func()

	// text as of the last change event, for mapping line/column
	shadowMu sync.Mutex
	shadow   string
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.DocumentID == "" || cfg.ChannelID == "" {
		return nil, errors.New("collab: session needs a document and a channel")
	}
	if cfg.Identity == nil || cfg.Transport == nil || cfg.Editor == nil {
		return nil, errors.New("collab: session needs identity, transport and editor")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = cfg.DocumentID + ":" + cfg.Identity.ClientID()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewLedger()
	}
	s := &Session{
		cfg:      cfg,
		clientID: cfg.Identity.ClientID(),
		ledger:   cfg.Ledger,
		state:    StateIdle,
	}
	s.agg = NewAggregator(cfg.DocumentID, cfg.ChannelID, s.clientID, cfg.Transport, s.ledger, WithIdleDelay(cfg.IdleDelay))
	s.applier = NewApplier(s.clientID, cfg.Editor, s.ledger, &s.scope)
	return s, nil
}

func (s *Session) DocumentID() string { return s.cfg.DocumentID }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Version() uint64 {
	v, _ := s.ledger.Version(s.cfg.DocumentID)
	return v
}

// Queued is the number of local batches not yet sent.
func (s *Session) Queued() int { return s.agg.Queued() }

// Pending is the number of sent batches still waiting for an ack.
func (s *Session) Pending() int { return len(s.ledger.Pending(s.cfg.DocumentID)) }

func (s *Session) setState(st SessionState, err error) {
	s.state = st
	glog.Infof("[collab]%s session %s", s.cfg.DocumentID, st)
	if s.cfg.OnState != nil {
		s.cfg.OnState(st, err)
	}
}

// Open loads the document, installs its content in the editor and joins
// the document's room. If the channel is not open yet the join happens
// when it opens.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("collab: session already %s", s.state)
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	doc := Document{ID: s.cfg.DocumentID, Content: s.cfg.Editor.Value()}
	if s.cfg.Store != nil {
		var err error
		if doc, err = s.cfg.Store.Load(ctx, s.cfg.DocumentID); err != nil {
			s.cancel()
			return fmt.Errorf("collab: load %s: %w", s.cfg.DocumentID, err)
		}
	}
	if err := s.install(doc); err != nil {
		s.cancel()
		return err
	}
	s.removeListener = s.cfg.Editor.OnChange(s.onChange)
	s.unsubscribe = s.cfg.Transport.Subscribe(s.cfg.ChannelID, s.handle)
	s.join()
	return nil
}

// install replaces the editor content and restarts the ledger at doc's
// version. Callers hold s.mu.
func (s *Session) install(doc Document) error {
	s.agg.Pause()
	s.agg.Discard()
	s.ledger.Open(s.cfg.DocumentID, doc.Version)
	attached := s.removeListener != nil
	if s.cfg.Editor.Value() != doc.Content {
		ed := s.cfg.Editor
		if attached {
			ed = s.scope.Editor(ed)
		}
		if err := editor.ReplaceAll(ed, editor.OriginReset, doc.Content); err != nil {
			return fmt.Errorf("collab: install %s: %w", s.cfg.DocumentID, err)
		}
	}
	if !attached {
		// once attached, the shadow follows the reset's own change event
		s.shadowMu.Lock()
		s.shadow = doc.Content
		s.shadowMu.Unlock()
	}
	return nil
}

// join asks for the room, replaying everything after the ledger version.
// Callers hold s.mu.
func (s *Session) join() {
	v, _ := s.ledger.Version(s.cfg.DocumentID)
	s.agg.Pause()
	s.setState(StateJoining, nil)
	ok := s.cfg.Transport.Send(s.cfg.ChannelID, protocol.JoinSession{
		SessionID:  s.cfg.SessionID,
		DocumentID: s.cfg.DocumentID,
		Version:    v,
	})
	if !ok {
		glog.V(1).Infof("[collab]%s join deferred until the channel opens", s.cfg.DocumentID)
	}
}

func (s *Session) onChange(ev editor.ChangeEvent) {
	origin, tagged := s.scope.Take(ev)
	if !tagged {
		origin = ev.Origin
	}

	s.shadowMu.Lock()
	before := s.shadow
	ops, err := editor.ToOperations(editor.NewLineIndex(before), ev)
	if err == nil {
		s.shadow, err = delta.Apply(before, ops)
	}
	if err != nil {
		s.shadow = s.cfg.Editor.Value()
		after := s.shadow
		s.shadowMu.Unlock()
		if origin != editor.OriginLocal || s.scope.Outstanding() > 0 {
			glog.Warningf("[collab]%s change event out of step, reloading shadow: %v", s.cfg.DocumentID, err)
			return
		}
		// the editor delivered out of order; send the net difference so
		// the local edit still goes out
		glog.Warningf("[collab]%s change event out of step, sending the difference: %v", s.cfg.DocumentID, err)
		s.agg.Enqueue(diffOperations(before, after))
		return
	}
	s.shadowMu.Unlock()

	switch origin {
	case editor.OriginLocal:
		s.agg.Enqueue(ops)
	case editor.OriginReset:
		// events delivered before the reset predate the reload
		if n := s.agg.Discard(); n > 0 {
			glog.Warningf("[collab]%s dropped %d batches made before the reload", s.cfg.DocumentID, n)
		}
	}
}

// diffOperations turns from into to with at most one delete and one insert
// around the common prefix and suffix.
func diffOperations(from, to string) []delta.Operation {
	a, b := []rune(from), []rune(to)
	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}
	ea, eb := len(a), len(b)
	for ea > p && eb > p && a[ea-1] == b[eb-1] {
		ea--
		eb--
	}
	var ops []delta.Operation
	if ea > p {
		ops = append(ops, delta.Delete(p, ea-p))
	}
	if eb > p {
		ops = append(ops, delta.Insert(p, string(b[p:eb])))
	}
	return ops
}

// handle is the transport subscriber; the channel's reader goroutine calls
// it for each inbound message in wire order.
func (s *Session) handle(msg protocol.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	doc := s.cfg.DocumentID

	switch m := msg.(type) {
	case protocol.ConnectionStatus:
		switch m.Status {
		case protocol.StatusOpen:
			if s.state == StateNeedResync {
				return s.resync(s.ctx, nil)
			}
			s.join()
		case protocol.StatusReconnecting, protocol.StatusClosed:
			s.agg.Pause()
			s.clearPresence()
			if s.state != StateNeedResync {
				s.setState(StateJoining, nil)
			}
		case protocol.StatusJoined:
			if m.DocumentID == doc {
				s.onJoined()
			}
		}
	case protocol.ConnectionFailed:
		s.agg.Pause()
		s.clearPresence()
		s.setState(StateFailed, errors.New(m.Reason))
	case protocol.EditAcknowledged:
		if m.DocumentID != doc {
			return nil
		}
		if s.state == StateJoining && s.Pending() == 0 {
			// for a batch the last resync dropped; the replay carries it if
			// the reload missed it
			glog.V(1).Infof("[collab]%s ignoring ack v%d for a dropped batch", doc, m.NewVersion)
			return nil
		}
		if _, err := s.ledger.OnAck(doc, m.NewVersion); err != nil {
			return s.recover(err)
		}
	case protocol.FileEdit:
		if m.DocumentID != doc {
			return nil
		}
		return s.onFileEdit(m)
	case protocol.PresenceUpdate:
		if m.DocumentID == doc && s.cfg.Presence != nil {
			s.cfg.Presence.Merge(m)
		}
	case protocol.UserLeft:
		if (m.DocumentID == "" || m.DocumentID == doc) && s.cfg.Presence != nil {
			s.cfg.Presence.Remove(doc, m.User.ID)
		}
	case protocol.UserJoined:
		glog.V(1).Infof("[collab]%s %s joined", doc, m.User.ID)
	case protocol.Error:
		if m.DocumentID != "" && m.DocumentID != doc {
			return nil
		}
		if m.Code == protocol.CodeRevisionConflict {
			return s.recover(&ProtocolError{DocumentID: doc, Reason: m.Message})
		}
		glog.Warningf("[collab]%s server error %s: %s", doc, m.Code, m.Message)
	case protocol.Pong:
	}
	return nil
}

func (s *Session) onJoined() {
	// anything still unacknowledged never reached the server's history,
	// otherwise the replay would have acknowledged it
	if unacked := s.ledger.Requeue(s.cfg.DocumentID); len(unacked) > 0 {
		glog.Infof("[collab]%s resending %d unacknowledged batches", s.cfg.DocumentID, len(unacked))
		s.agg.Requeue(unacked)
	}
	s.setState(StateLive, nil)
	s.agg.Resume()
}

func (s *Session) onFileEdit(m protocol.FileEdit) error {
	doc := s.cfg.DocumentID
	pending := s.Pending()
	own := m.OriginID == s.clientID
	if own && pending > 0 {
		// our own batch replayed after a rejoin: it counts as its ack
		if v, _ := s.ledger.Version(doc); m.Version <= v {
			return nil
		}
		if _, err := s.ledger.OnAck(doc, m.Version); err != nil {
			return s.recover(err)
		}
		return nil
	}
	if v, _ := s.ledger.Version(doc); m.Version <= v {
		glog.V(2).Infof("[collab]%s skip stale v%d (at v%d)", doc, m.Version, v)
		return nil
	}
	if !own && (pending > 0 || s.agg.Queued() > 0) {
		// the server put this batch ahead of local edits made without it;
		// applying both in a different order than the server did diverges
		return s.recover(&ProtocolError{DocumentID: doc, Reason: "remote batch crossed unacknowledged local edits", Got: m.Version})
	}

	apply := s.applier.Apply
	if own {
		apply = s.applier.Restore
	}
	applied, err := apply(s.ctx, doc, m.Batch(), m.Version)
	if err != nil {
		return s.recover(err)
	}
	if applied && s.cfg.OnRemote != nil {
		s.cfg.OnRemote(m)
	}
	return nil
}

func (s *Session) clearPresence() {
	if s.cfg.Presence == nil {
		return
	}
	if gone := s.cfg.Presence.Clear(s.cfg.DocumentID); len(gone) > 0 {
		glog.V(1).Infof("[collab]%s cleared %d remote cursors", s.cfg.DocumentID, len(gone))
	}
}

// recover resyncs on protocol errors and passes anything else through.
// Callers hold s.mu.
func (s *Session) recover(err error) error {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return err
	}
	glog.Warningf("[collab]%s %v, resyncing", s.cfg.DocumentID, err)
	if rerr := s.resync(s.ctx, err); rerr != nil {
		return fmt.Errorf("%w (resync failed: %v)", err, rerr)
	}
	return nil
}

// Resync reloads the document from the store, dropping local edits that
// were not acknowledged.
func (s *Session) Resync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	return s.resync(ctx, nil)
}

func (s *Session) resync(ctx context.Context, cause error) error {
	s.setState(StateResyncing, cause)
	if s.cfg.Store == nil {
		s.agg.Pause()
		s.setState(StateNeedResync, ErrNoStore)
		return ErrNoStore
	}
	doc, err := s.cfg.Store.Load(ctx, s.cfg.DocumentID)
	if err != nil {
		s.agg.Pause()
		s.setState(StateNeedResync, err)
		return err
	}
	dropped := len(s.ledger.Pending(s.cfg.DocumentID)) + s.agg.Queued()
	if err := s.install(doc); err != nil {
		s.setState(StateNeedResync, err)
		return err
	}
	if dropped > 0 {
		glog.Warningf("[collab]%s dropped %d unacknowledged batches", s.cfg.DocumentID, dropped)
	}
	s.join()
	return nil
}

// UpdateCursor publishes the local cursor through the presence broadcaster.
func (s *Session) UpdateCursor(cursor protocol.Cursor, sel *protocol.Selection) {
	if s.cfg.Presence != nil {
		s.cfg.Presence.UpdateCursor(s.cfg.DocumentID, cursor, sel)
	}
}

// Flush sends whatever local edits are waiting.
func (s *Session) Flush() []delta.Batch { return s.agg.Flush() }

// Save writes the editor's current content to the store at the current
// version.
func (s *Session) Save(ctx context.Context) error {
	if s.cfg.Store == nil {
		return ErrNoStore
	}
	s.agg.Flush()
	return s.cfg.Store.Save(ctx, Document{
		ID:      s.cfg.DocumentID,
		Content: s.cfg.Editor.Value(),
		Version: s.Version(),
	})
}

// Close flushes, leaves the room and detaches from editor and transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.agg.Flush()
	s.agg.Close()
	s.cfg.Transport.Send(s.cfg.ChannelID, protocol.LeaveSession{SessionID: s.cfg.SessionID})
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.removeListener != nil {
		s.removeListener()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ledger.Close(s.cfg.DocumentID)
	s.setState(StateClosed, nil)
	return nil
}

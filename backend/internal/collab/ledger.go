package collab

import (
	"errors"
	"fmt"
	"sync"

	"collabSync/backend/internal/ot/delta"
)

var ErrDocumentNotOpen = errors.New("collab: document not open")

// ProtocolError means the server and the local view of a document no longer
// agree. It is never retried; the session reloads the document instead.
type ProtocolError struct {
	DocumentID string
	Reason     string
	Expected   uint64
	Got        uint64
	Err        error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("collab: protocol error on %s: %s", e.DocumentID, e.Reason)
	if e.Expected != 0 || e.Got != 0 {
		msg += fmt.Sprintf(" (expected %d, got %d)", e.Expected, e.Got)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type documentState struct {
	version uint64
	pending []delta.Batch // sent, not yet acknowledged; oldest first
}

// Ledger tracks, per document, the last version the server confirmed and
// the batches still waiting for an ack. Versions never go backwards except
// through Open.
type Ledger struct {
	mu   sync.Mutex
	docs map[string]*documentState
}

func NewLedger() *Ledger {
	return &Ledger{docs: make(map[string]*documentState)}
}

// Open starts (or restarts) tracking documentID at version, dropping any
// pending batches.
func (l *Ledger) Open(documentID string, version uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.docs[documentID] = &documentState{version: version}
}

func (l *Ledger) Close(documentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.docs, documentID)
}

func (l *Ledger) Version(documentID string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.docs[documentID]
	if !ok {
		return 0, false
	}
	return st.version, true
}

func (l *Ledger) Pending(documentID string) []delta.Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.docs[documentID]
	if !ok {
		return nil
	}
	return append([]delta.Batch(nil), st.pending...)
}

// Push records b as sent.
func (l *Ledger) Push(documentID string, b delta.Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.docs[documentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, documentID)
	}
	st.pending = append(st.pending, b)
	return nil
}

// Retract undoes the Push of the newest batch when it never left the
// client. It reports whether a batch was removed.
func (l *Ledger) Retract(documentID string, clientSeq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.docs[documentID]
	if !ok || len(st.pending) == 0 {
		return false
	}
	last := len(st.pending) - 1
	if st.pending[last].ClientSeq != clientSeq {
		return false
	}
	st.pending = st.pending[:last]
	return true
}

// OnAck pops the oldest pending batch. The server handles batches one at a
// time and sends earlier remote batches first, so an ack must name exactly
// version+1; anything else leaves the state untouched.
func (l *Ledger) OnAck(documentID string, newVersion uint64) (delta.Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.docs[documentID]
	if !ok {
		return delta.Batch{}, &ProtocolError{DocumentID: documentID, Reason: "ack for unknown document", Err: ErrDocumentNotOpen}
	}
	if len(st.pending) == 0 {
		return delta.Batch{}, &ProtocolError{DocumentID: documentID, Reason: "ack without pending batch", Got: newVersion}
	}
	if newVersion != st.version+1 {
		return delta.Batch{}, &ProtocolError{DocumentID: documentID, Reason: "ack version mismatch", Expected: st.version + 1, Got: newVersion}
	}
	b := st.pending[0]
	st.pending = st.pending[1:]
	st.version = newVersion
	return b, nil
}

// AdvanceRemote moves the version forward after a remote batch.
func (l *Ledger) AdvanceRemote(documentID string, version uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.docs[documentID]
	if !ok {
		return &ProtocolError{DocumentID: documentID, Reason: "remote batch for unknown document", Err: ErrDocumentNotOpen}
	}
	if version <= st.version {
		return &ProtocolError{DocumentID: documentID, Reason: "remote version not ahead", Expected: st.version + 1, Got: version}
	}
	st.version = version
	return nil
}

// Requeue removes and returns every pending batch, oldest first, so they
// can be sent again.
func (l *Ledger) Requeue(documentID string) []delta.Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.docs[documentID]
	if !ok {
		return nil
	}
	out := st.pending
	st.pending = nil
	return out
}

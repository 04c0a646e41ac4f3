package collab

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"collabSync/backend/internal/editor"
	"collabSync/backend/internal/ot/delta"
)

// RemoteScope tags the edits the engine itself pushes into the editor.
// Each one is registered before it is applied and consumed when its change
// event comes back, so the event is recognised even from an editor that
// reports every change as local. Edits made by anyone else in the meantime
// do not match and pass through untouched.
type RemoteScope struct {
	mu      sync.Mutex
	pending []*scopedEdit
}

type scopedEdit struct {
	origin  editor.Origin
	changes []editor.Change
}

// Editor wraps ed so that every edit applied through it is tagged.
func (s *RemoteScope) Editor(ed editor.Editor) editor.Editor {
	return &scopedEditor{Editor: ed, scope: s}
}

// Take consumes the tag matching ev and returns the origin the edit was
// applied with.
func (s *RemoteScope) Take(ev editor.ChangeEvent) (editor.Origin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.pending {
		if sameChanges(e.changes, ev.Changes) {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return e.origin, true
		}
	}
	return 0, false
}

// Outstanding is the number of tagged edits whose events have not come
// back yet.
func (s *RemoteScope) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *RemoteScope) push(origin editor.Origin, changes []editor.Change) *scopedEdit {
	e := &scopedEdit{origin: origin, changes: append([]editor.Change(nil), changes...)}
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	return e
}

func (s *RemoteScope) drop(e *scopedEdit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p == e {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return
		}
	}
}

func sameChanges(a, b []editor.Change) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type scopedEditor struct {
	editor.Editor
	scope *RemoteScope
}

func (e *scopedEditor) ApplyEdits(origin editor.Origin, changes ...editor.Change) error {
	tag := e.scope.push(origin, changes)
	if err := e.Editor.ApplyEdits(origin, changes...); err != nil {
		e.scope.drop(tag)
		return err
	}
	return nil
}

// Applier pushes remote batches into one document's editor.
type Applier struct {
	clientID string
	editor   editor.Editor
	ledger   *Ledger
	scope    *RemoteScope
}

func NewApplier(clientID string, ed editor.Editor, ledger *Ledger, scope *RemoteScope) *Applier {
	if scope == nil {
		scope = &RemoteScope{}
	}
	return &Applier{clientID: clientID, editor: ed, ledger: ledger, scope: scope}
}

// Apply applies b, which the server says brings documentID to version. It
// reports false for batches it skips: our own, or ones already covered by
// the ledger.
func (a *Applier) Apply(ctx context.Context, documentID string, b delta.Batch, version uint64) (bool, error) {
	if b.OriginID == a.clientID {
		return false, nil
	}
	return a.apply(ctx, documentID, b, version)
}

// Restore applies one of our own batches that a resync dropped locally but
// the server had already accepted.
func (a *Applier) Restore(ctx context.Context, documentID string, b delta.Batch, version uint64) (bool, error) {
	return a.apply(ctx, documentID, b, version)
}

func (a *Applier) apply(ctx context.Context, documentID string, b delta.Batch, version uint64) (bool, error) {
	current, ok := a.ledger.Version(documentID)
	if !ok {
		return false, &ProtocolError{DocumentID: documentID, Reason: "remote batch for unknown document", Err: ErrDocumentNotOpen}
	}
	if version <= current {
		glog.V(2).Infof("[collab]%s skip stale remote v%d (at v%d)", documentID, version, current)
		return false, nil
	}
	if version != current+1 {
		return false, &ProtocolError{DocumentID: documentID, Reason: "remote version gap", Expected: current + 1, Got: version}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := editor.FromOperations(b.Operations, a.scope.Editor(a.editor), editor.OriginRemote); err != nil {
		return false, &ProtocolError{DocumentID: documentID, Reason: "remote batch does not apply", Err: err}
	}
	if err := a.ledger.AdvanceRemote(documentID, version); err != nil {
		return false, err
	}
	glog.V(2).Infof("[collab]%s applied remote v%d from %s (%d ops)", documentID, version, b.OriginID, len(b.Operations))
	return true, nil
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/ot/buffer"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/protocol"
)

// Service is the relay's document engine: one revision counter and one
// buffer per document, applied last writer wins.
type Service interface {
	// Submit applies b on top of the current revision. commit runs under the
	// document lock once the batch is applied, so fan-out it performs is
	// ordered by revision. A batch seen before is not applied again: the
	// recorded op comes back with Duplicate set and commit is not called.
	Submit(ctx context.Context, docID, authorID string, b delta.Batch, commit func(AppliedOp)) (AppliedOp, error)

	// Replay hands fn every op after from, under the document lock.
	Replay(ctx context.Context, docID string, from uint64, fn func(current uint64, ops []AppliedOp)) error

	OpsSince(ctx context.Context, docID string, from uint64, limit int) ([]AppliedOp, error)

	Load(ctx context.Context, docID string) (Snapshot, error)

	// Save persists content the caller holds at revision. It seeds a new
	// document; otherwise content and revision must match the relay's.
	Save(ctx context.Context, docID, content string, revision uint64) (Snapshot, error)

	SaveSnapshot(ctx context.Context, docID string) error
}

// DocumentRepo persists the latest content of each document.
type DocumentRepo interface {
	// LoadDocument returns ErrDocumentNotFound for unknown ids.
	LoadDocument(ctx context.Context, docID string) (Snapshot, error)
	SaveDocument(ctx context.Context, snap Snapshot) error
}

// SnapshotStore keeps a history of (document, revision) contents.
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error
}

// Publisher receives every applied op, e.g. the Kafka dispatcher.
type Publisher interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}

var (
	ErrRevisionConflict      = errors.New("REVISION_CONFLICT")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrDocumentNotFound      = errors.New("document not found")
	ErrHistoryTruncated      = errors.New("history no longer covers revision")
)

type Snapshot struct {
	DocumentID string
	Title      string
	Content    string
	Revision   uint64
}

type AppliedOp struct {
	OperationID  string // ulid
	DocumentID   string
	Revision     uint64
	AuthorID     string
	OriginID     string
	ClientSeq    uint64
	BaseRevision uint64
	Operations   []delta.Operation
	AppliedAt    time.Time
	Duplicate    bool
}

func (op AppliedOp) FileEdit() protocol.FileEdit {
	return protocol.FileEdit{
		DocumentID:    op.DocumentID,
		Operations:    op.Operations,
		OriginID:      op.OriginID,
		OriginVersion: op.BaseRevision,
		Version:       op.Revision,
	}
}

type docState struct {
	mu       sync.RWMutex
	title    string
	revision uint64
	// oldest revision a replay can start from
	floor   uint64
	opsRing []AppliedOp
	// last clientSeq seen per originId
	lastSeqByOrigin map[string]uint64
	buf             buffer.Buffer
}

func newDocState(snap Snapshot, capacity int) *docState {
	return &docState{
		title:           snap.Title,
		revision:        snap.Revision,
		floor:           snap.Revision,
		opsRing:         make([]AppliedOp, 0, capacity),
		lastSeqByOrigin: make(map[string]uint64),
		buf:             buffer.NewPieceTable(snap.Content),
	}
}

func (ds *docState) find(originID string, clientSeq uint64) (AppliedOp, bool) {
	for i := len(ds.opsRing) - 1; i >= 0; i-- {
		if op := ds.opsRing[i]; op.OriginID == originID && op.ClientSeq == clientSeq {
			return op, true
		}
	}
	return AppliedOp{}, false
}

func (ds *docState) snapshot(docID string) Snapshot {
	return Snapshot{DocumentID: docID, Title: ds.title, Content: ds.buf.String(), Revision: ds.revision}
}

// InMemoryService holds every open document in memory and persists through
// the optional repo and snapshot store.
type InMemoryService struct {
	mu      sync.RWMutex
	docs    map[string]*docState
	loads   singleflight.Group
	ringCap int

	repo           DocumentRepo
	snapshots      SnapshotStore
	publisher      Publisher
	publishTimeout time.Duration

	now     func() time.Time
	entropy io.Reader
}

type Option func(*InMemoryService)

func WithRingCapacity(n int) Option {
	return func(s *InMemoryService) {
		if n > 0 {
			s.ringCap = n
		}
	}
}

func WithDocumentRepo(r DocumentRepo) Option { return func(s *InMemoryService) { s.repo = r } }

func WithSnapshotStore(st SnapshotStore) Option { return func(s *InMemoryService) { s.snapshots = st } }

func WithPublisher(p Publisher, timeout time.Duration) Option {
	return func(s *InMemoryService) {
		s.publisher = p
		if timeout > 0 {
			s.publishTimeout = timeout
		}
	}
}

func WithClock(fn func() time.Time) Option { return func(s *InMemoryService) { s.now = fn } }

func NewInMemoryService(opts ...Option) *InMemoryService {
	s := &InMemoryService{
		docs:           make(map[string]*docState),
		ringCap:        1024,
		publishTimeout: 50 * time.Millisecond,
		now:            time.Now,
		entropy:        ulid.DefaultEntropy(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Service = (*InMemoryService)(nil)

// getDoc returns the in-memory state, loading it from the repo once even
// when many connections join at the same time.
func (s *InMemoryService) getDoc(ctx context.Context, docID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}
	v, err, _ := s.loads.Do(docID, func() (any, error) {
		s.mu.RLock()
		ds := s.docs[docID]
		s.mu.RUnlock()
		if ds != nil {
			return ds, nil
		}
		snap := Snapshot{DocumentID: docID}
		if s.repo != nil {
			loaded, err := s.repo.LoadDocument(ctx, docID)
			switch {
			case err == nil:
				snap = loaded
			case errors.Is(err, ErrDocumentNotFound):
				glog.Infof("[relay]%s new document", docID)
			default:
				return nil, fmt.Errorf("relay: load %s: %w", docID, err)
			}
		}
		ds = newDocState(snap, s.ringCap)
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing := s.docs[docID]; existing != nil {
			return existing, nil
		}
		s.docs[docID] = ds
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*docState), nil
}

func (s *InMemoryService) Submit(ctx context.Context, docID, authorID string, b delta.Batch, commit func(AppliedOp)) (AppliedOp, error) {
	if err := b.Validate(); err != nil {
		return AppliedOp{}, err
	}
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return AppliedOp{}, err
	}
	ds.mu.Lock()

	if b.ClientSeq > 0 {
		if last := ds.lastSeqByOrigin[b.OriginID]; b.ClientSeq <= last {
			prev, ok := ds.find(b.OriginID, b.ClientSeq)
			ds.mu.Unlock()
			if !ok {
				return AppliedOp{}, ErrDuplicateOrOutOfOrder
			}
			glog.V(1).Infof("[relay]%s duplicate batch %s#%d, re-ack r%d", docID, b.OriginID, b.ClientSeq, prev.Revision)
			prev.Duplicate = true
			return prev, nil
		}
	}
	// a client can never be ahead of the relay
	if b.OriginVersion > ds.revision {
		ds.mu.Unlock()
		return AppliedOp{}, fmt.Errorf("%w: base r%d, relay at r%d", ErrRevisionConflict, b.OriginVersion, ds.revision)
	}
	if _, err := delta.Apply(ds.buf.String(), b.Operations); err != nil {
		ds.mu.Unlock()
		return AppliedOp{}, fmt.Errorf("%w: %v", ErrRevisionConflict, err)
	}
	if err := ds.buf.ApplyOperations(b.Operations); err != nil {
		ds.mu.Unlock()
		return AppliedOp{}, err
	}

	ds.revision++
	now := s.now()
	op := AppliedOp{
		OperationID:  ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		DocumentID:   docID,
		Revision:     ds.revision,
		AuthorID:     authorID,
		OriginID:     b.OriginID,
		ClientSeq:    b.ClientSeq,
		BaseRevision: b.OriginVersion,
		Operations:   b.Operations,
		AppliedAt:    now,
	}

	// ring full: drop the oldest, replays before it are no longer possible
	if cap(ds.opsRing) > 0 && len(ds.opsRing) == cap(ds.opsRing) {
		ds.floor = ds.opsRing[0].Revision
		copy(ds.opsRing[0:], ds.opsRing[1:])
		ds.opsRing = ds.opsRing[:len(ds.opsRing)-1]
	}
	ds.opsRing = append(ds.opsRing, op)
	if b.ClientSeq > 0 {
		ds.lastSeqByOrigin[b.OriginID] = b.ClientSeq
	}
	if commit != nil {
		commit(op)
	}
	ds.mu.Unlock()

	glog.V(2).Infof("[relay]%s r%d from %s (base r%d, %d ops)", docID, op.Revision, op.OriginID, op.BaseRevision, len(op.Operations))
	s.publish(ctx, op)
	return op, nil
}

func (s *InMemoryService) publish(ctx context.Context, op AppliedOp) {
	if s.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.Enqueue(pctx, NewDocOpEvent(op)); err != nil {
		glog.Warningf("[relay]%s event for r%d dropped: %v", op.DocumentID, op.Revision, err)
	}
}

func (s *InMemoryService) Replay(ctx context.Context, docID string, from uint64, fn func(current uint64, ops []AppliedOp)) error {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	ops, err := ds.since(from, 0)
	if err != nil {
		return err
	}
	fn(ds.revision, ops)
	return nil
}

func (s *InMemoryService) OpsSince(ctx context.Context, docID string, from uint64, limit int) ([]AppliedOp, error) {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.since(from, limit)
}

func (ds *docState) since(from uint64, limit int) ([]AppliedOp, error) {
	if from > ds.revision {
		return nil, fmt.Errorf("%w: r%d is ahead of relay r%d", ErrRevisionConflict, from, ds.revision)
	}
	if from < ds.floor {
		return nil, fmt.Errorf("%w: r%d (oldest r%d)", ErrHistoryTruncated, from, ds.floor)
	}
	var out []AppliedOp
	for _, op := range ds.opsRing {
		if op.Revision > from {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryService) Load(ctx context.Context, docID string) (Snapshot, error) {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return Snapshot{}, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.snapshot(docID), nil
}

func (s *InMemoryService) Save(ctx context.Context, docID, content string, revision uint64) (Snapshot, error) {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return Snapshot{}, err
	}
	ds.mu.Lock()
	switch {
	case ds.revision == 0 && ds.buf.Len() == 0 && revision == 0:
		ds.buf = buffer.NewPieceTable(content)
	case revision != ds.revision || content != ds.buf.String():
		current := ds.revision
		ds.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: save at r%d, relay at r%d", ErrRevisionConflict, revision, current)
	}
	snap := ds.snapshot(docID)
	ds.mu.Unlock()
	return snap, s.persist(ctx, snap)
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) error {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return ErrDocumentNotFound
	}
	ds.mu.RLock()
	snap := ds.snapshot(docID)
	ds.mu.RUnlock()
	return s.persist(ctx, snap)
}

func (s *InMemoryService) persist(ctx context.Context, snap Snapshot) error {
	if s.repo != nil {
		if err := s.repo.SaveDocument(ctx, snap); err != nil {
			return fmt.Errorf("relay: save %s: %w", snap.DocumentID, err)
		}
	}
	if s.snapshots != nil {
		if err := s.snapshots.SaveDocumentSnapshot(ctx, snap.DocumentID, snap.Revision, snap.Content); err != nil {
			return fmt.Errorf("relay: snapshot %s r%d: %w", snap.DocumentID, snap.Revision, err)
		}
	}
	glog.V(1).Infof("[relay]%s saved r%d", snap.DocumentID, snap.Revision)
	return nil
}

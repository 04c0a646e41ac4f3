package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/protocol"
)

const DefaultIdleDelay = 100 * time.Millisecond

// Sender is the slice of the transport the engine writes through. Send
// reports false when the channel is not open.
type Sender interface {
	Send(channelID string, msg protocol.ClientMessage) bool
}

type stopper interface{ Stop() bool }

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }

// Aggregator coalesces local operations for one document into batches. A
// batch is sealed after the idle delay (or on Flush) and sent in FIFO order;
// while the channel is down sealed batches wait in the outbox.
type Aggregator struct {
	documentID string
	channelID  string
	originID   string
	sender     Sender
	ledger     *Ledger
	delay      time.Duration
	afterFunc  afterFunc

	mu      sync.Mutex
	pending []delta.Operation
	outbox  []delta.Batch
	seq     uint64 // last ClientSeq handed out
	timer   stopper
	paused  bool
	closed  bool
}

type AggregatorOption func(*Aggregator)

func WithIdleDelay(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.delay = d
		}
	}
}

func withAfterFunc(fn afterFunc) AggregatorOption {
	return func(a *Aggregator) { a.afterFunc = fn }
}

func NewAggregator(documentID, channelID, originID string, sender Sender, ledger *Ledger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		documentID: documentID,
		channelID:  channelID,
		originID:   originID,
		sender:     sender,
		ledger:     ledger,
		delay:      DefaultIdleDelay,
		afterFunc:  realAfterFunc,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Enqueue appends ops to the open batch and restarts the idle timer.
func (a *Aggregator) Enqueue(ops []delta.Operation) {
	if len(ops) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.pending = append(a.pending, ops...)
	a.arm()
}

// Flush seals the open batch and sends as much of the outbox as the channel
// takes. It returns the batches sent by this call.
func (a *Aggregator) Flush() []delta.Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimer()
	a.seal()
	return a.drain()
}

// Pause holds sends until Resume; edits keep accumulating.
func (a *Aggregator) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
}

func (a *Aggregator) Resume() []delta.Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = false
	a.stopTimer()
	a.seal()
	return a.drain()
}

// Requeue puts batches that were sent but never acknowledged back at the
// head of the outbox. They keep their ClientSeq so the server can spot
// duplicates.
func (a *Aggregator) Requeue(batches []delta.Batch) {
	if len(batches) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outbox = append(append([]delta.Batch(nil), batches...), a.outbox...)
}

// Discard drops everything not yet acknowledged.
func (a *Aggregator) Discard() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimer()
	n := len(a.outbox)
	if len(a.pending) > 0 {
		n++
	}
	a.pending = nil
	a.outbox = nil
	return n
}

// Queued is the number of batches waiting to be sent, counting an open one.
func (a *Aggregator) Queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.outbox)
	if len(a.pending) > 0 {
		n++
	}
	return n
}

func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.stopTimer()
}

func (a *Aggregator) arm() {
	a.stopTimer()
	a.timer = a.afterFunc(a.delay, func() { a.Flush() })
}

func (a *Aggregator) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Aggregator) seal() {
	if len(a.pending) == 0 {
		return
	}
	a.seq++
	a.outbox = append(a.outbox, delta.Batch{
		DocumentID: a.documentID,
		Operations: a.pending,
		OriginID:   a.originID,
		ClientSeq:  a.seq,
	})
	a.pending = nil
}

func (a *Aggregator) drain() []delta.Batch {
	var sent []delta.Batch
	for !a.paused && len(a.outbox) > 0 {
		b := a.outbox[0]
		version, ok := a.ledger.Version(a.documentID)
		if !ok {
			break
		}
		b.OriginVersion = version
		// pushed before the write so an ack can never beat it
		if err := a.ledger.Push(a.documentID, b); err != nil {
			glog.Warningf("[collab]%s push batch %d: %v", a.documentID, b.ClientSeq, err)
			break
		}
		if !a.sender.Send(a.channelID, protocol.EditOperationsFromBatch(b)) {
			a.ledger.Retract(a.documentID, b.ClientSeq)
			break
		}
		glog.V(2).Infof("[collab]%s sent batch %d (%d ops) at v%d", a.documentID, b.ClientSeq, len(b.Operations), b.OriginVersion)
		a.outbox = a.outbox[1:]
		sent = append(sent, b)
	}
	if len(a.outbox) > 0 && !a.paused && !a.closed {
		a.arm()
	}
	return sent
}

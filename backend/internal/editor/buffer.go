package editor

import (
	"sync"

	"collabSync/backend/internal/ot/buffer"
)

// Buffer is a headless Editor over a piece table. It backs the CLI client
// and tests.
type Buffer struct {
	mu        sync.Mutex
	pt        *buffer.PieceTable
	listeners []listener
	nextID    int

	// applied but not yet delivered, oldest first
	queue      []ChangeEvent
	delivering bool
}

type listener struct {
	id int
	fn func(ChangeEvent)
}

var _ Editor = (*Buffer)(nil)

func NewBuffer(text string) *Buffer {
	return &Buffer{pt: buffer.NewPieceTable(text)}
}

func (b *Buffer) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pt.String()
}

// ApplyEdits applies all changes or none; listeners run only on success.
// Events reach every listener in the order the edits were applied. If
// another call is already running the listeners, the event queues behind
// the one in flight and that call delivers it, so ApplyEdits can return
// before its own listeners have run.
func (b *Buffer) ApplyEdits(origin Origin, changes ...Change) error {
	b.mu.Lock()
	// ranges are checked here, so the descending ops below stay in bounds
	ops, err := ToOperations(NewLineIndex(b.pt.String()), ChangeEvent{Changes: changes})
	if err == nil {
		err = b.pt.ApplyOperations(ops)
	}
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.queue = append(b.queue, ChangeEvent{Changes: append([]Change(nil), changes...), Origin: origin})
	if b.delivering {
		b.mu.Unlock()
		return nil
	}
	b.delivering = true
	b.mu.Unlock()
	b.deliver()
	return nil
}

func (b *Buffer) deliver() {
	done := false
	defer func() {
		if !done {
			// a listener panicked; later edits must still be delivered
			b.mu.Lock()
			b.delivering = false
			b.mu.Unlock()
		}
	}()
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.delivering = false
			b.mu.Unlock()
			done = true
			return
		}
		ev := b.queue[0]
		b.queue[0] = ChangeEvent{}
		b.queue = b.queue[1:]
		fns := make([]func(ChangeEvent), len(b.listeners))
		for i, l := range b.listeners {
			fns[i] = l.fn
		}
		b.mu.Unlock()

		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (b *Buffer) OnChange(fn func(ChangeEvent)) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

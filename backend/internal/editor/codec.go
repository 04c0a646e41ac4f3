package editor

import (
	"errors"
	"fmt"
	"sort"

	"collabSync/backend/internal/ot/delta"
)

var ErrOverlappingChanges = errors.New("change ranges overlap")

type span struct {
	start, end int
	text       string
	order      int
}

// ToOperations converts a change event into operations against the text
// idx was built from. Changes are emitted from the highest offset down so
// each operation's position is still valid after the ones before it; within
// a change the delete comes before the insert.
func ToOperations(idx *LineIndex, ev ChangeEvent) ([]delta.Operation, error) {
	spans := make([]span, 0, len(ev.Changes))
	for i, c := range ev.Changes {
		start, err := idx.Offset(c.Range.Start)
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		end, err := idx.Offset(c.Range.End)
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		if end < start {
			return nil, fmt.Errorf("change %d: %w: end %s before start %s", i, ErrBadPosition, c.Range.End, c.Range.Start)
		}
		spans = append(spans, span{start: start, end: end, text: c.Text, order: i})
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start > spans[j].start })

	ops := make([]delta.Operation, 0, 2*len(spans))
	for i, s := range spans {
		if i > 0 && s.end > spans[i-1].start {
			return nil, fmt.Errorf("%w: changes %d and %d", ErrOverlappingChanges, s.order, spans[i-1].order)
		}
		if s.end > s.start {
			ops = append(ops, delta.Delete(s.start, s.end-s.start))
		}
		if s.text != "" {
			ops = append(ops, delta.Insert(s.start, s.text))
		}
	}
	return ops, nil
}

// FromOperations pushes ops into ed one at a time, each against the buffer
// state left by the previous one, tagged with origin.
func FromOperations(ops []delta.Operation, ed Editor, origin Origin) error {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		c, err := operationChange(NewLineIndex(ed.Value()), op)
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		if err := ed.ApplyEdits(origin, c); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

func operationChange(idx *LineIndex, op delta.Operation) (Change, error) {
	start, err := idx.Position(op.Position)
	if err != nil {
		return Change{}, fmt.Errorf("%w: %v", delta.ErrOutOfRange, err)
	}
	switch op.Kind {
	case delta.KindInsert:
		return Change{Range: Range{Start: start, End: start}, Text: op.Content}, nil
	case delta.KindDelete:
		end, err := idx.Position(op.Position + op.Length)
		if err != nil {
			return Change{}, fmt.Errorf("%w: %v", delta.ErrOutOfRange, err)
		}
		return Change{Range: Range{Start: start, End: end}}, nil
	}
	return Change{}, fmt.Errorf("%w: %q", delta.ErrUnknownKind, op.Kind)
}

// ReplaceAll swaps the whole content of ed for text in one edit.
func ReplaceAll(ed Editor, origin Origin, text string) error {
	idx := NewLineIndex(ed.Value())
	return ed.ApplyEdits(origin, Change{Range: Range{End: idx.End()}, Text: text})
}

package delta

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete length
	Text  string         `json:"text,omitempty"`  // insert text
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Delta is the cursor-relative form used by the relay's piece table.
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

var (
	ErrEmptyInsert     = errors.New("insert operation requires content")
	ErrInvalidLength   = errors.New("delete operation requires length > 0")
	ErrNegativeOffset  = errors.New("operation position must be >= 0")
	ErrUnknownKind     = errors.New("unknown operation kind")
	ErrOutOfRange      = errors.New("operation out of document range")
	ErrEmptyOperations = errors.New("batch has no operations")
)

// Operation is one atomic edit positioned by an absolute rune offset.
type Operation struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
	Length   int    `json:"length,omitempty"`
}

func Insert(pos int, content string) Operation {
	return Operation{Kind: KindInsert, Position: pos, Content: content}
}

func Delete(pos, length int) Operation {
	return Operation{Kind: KindDelete, Position: pos, Length: length}
}

func (o Operation) Validate() error {
	if o.Position < 0 {
		return ErrNegativeOffset
	}
	switch o.Kind {
	case KindInsert:
		if o.Content == "" {
			return ErrEmptyInsert
		}
	case KindDelete:
		if o.Length <= 0 {
			return ErrInvalidLength
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, o.Kind)
	}
	return nil
}

// Delta converts o into its retain/insert/delete form.
func (o Operation) Delta() Delta {
	d := make(Delta, 0, 2)
	if o.Position > 0 {
		d = append(d, Op{Kind: KindRetain, Count: o.Position})
	}
	switch o.Kind {
	case KindInsert:
		d = append(d, Op{Kind: KindInsert, Text: o.Content})
	case KindDelete:
		d = append(d, Op{Kind: KindDelete, Count: o.Length})
	}
	return d
}

// Batch is an ordered group of operations sent together.
type Batch struct {
	DocumentID    string      `json:"documentId"`
	OriginVersion uint64      `json:"originVersion"`
	Operations    []Operation `json:"operations"`
	OriginID      string      `json:"originId"`
	ClientSeq     uint64      `json:"clientSeq,omitempty"`
}

func (b Batch) Validate() error {
	if len(b.Operations) == 0 {
		return ErrEmptyOperations
	}
	for i, op := range b.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// Apply replays ops over text in order and returns the result.
func Apply(text string, ops []Operation) (string, error) {
	r := []rune(text)
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return "", fmt.Errorf("operation %d: %w", i, err)
		}
		switch op.Kind {
		case KindInsert:
			if op.Position > len(r) {
				return "", fmt.Errorf("operation %d: %w (insert at %d, len %d)", i, ErrOutOfRange, op.Position, len(r))
			}
			ins := []rune(op.Content)
			out := make([]rune, 0, len(r)+len(ins))
			out = append(out, r[:op.Position]...)
			out = append(out, ins...)
			r = append(out, r[op.Position:]...)
		case KindDelete:
			if op.Position+op.Length > len(r) {
				return "", fmt.Errorf("operation %d: %w (delete %d+%d, len %d)", i, ErrOutOfRange, op.Position, op.Length, len(r))
			}
			r = append(r[:op.Position], r[op.Position+op.Length:]...)
		}
	}
	return string(r), nil
}

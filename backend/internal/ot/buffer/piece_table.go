package buffer

import (
	"fmt"
	"strings"

	"collabSync/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable stores text as spans over an immutable original buffer and an
// append-only add buffer. Offsets are in runes.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Apply walks d with a cursor: retain moves it, insert/delete act at it.
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
			if pos > pt.Len() {
				return fmt.Errorf("%w: retain to %d, len %d", delta.ErrOutOfRange, pos, pt.Len())
			}
		case delta.KindInsert:
			if err := pt.insert(pos, op.Text); err != nil {
				return err
			}
			pos += len([]rune(op.Text))
		case delta.KindDelete:
			if err := pt.delete(pos, op.Count); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q", delta.ErrUnknownKind, op.Kind)
		}
	}
	return nil
}

// ApplyOperations applies absolute-offset operations in order.
func (pt *PieceTable) ApplyOperations(ops []delta.Operation) error {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		var err error
		switch op.Kind {
		case delta.KindInsert:
			err = pt.insert(op.Position, op.Content)
		case delta.KindDelete:
			err = pt.delete(op.Position, op.Length)
		}
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) error {
	if pos > pt.Len() {
		return fmt.Errorf("%w: insert at %d, len %d", delta.ErrOutOfRange, pos, pt.Len())
	}
	r := []rune(text)
	if len(r) == 0 {
		return nil
	}
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return nil
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	// only the target piece is split, the rest are copied as is
	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
	return nil
}

func (pt *PieceTable) delete(pos, count int) error {
	if pos+count > pt.Len() {
		return fmt.Errorf("%w: delete %d+%d, len %d", delta.ErrOutOfRange, pos, count, pt.Len())
	}
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// whole piece goes; idx now points at the next piece
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
	}
	return nil
}

// locate maps a logical position to a piece index and an offset inside it.
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

package editor

import (
	"errors"
	"fmt"
	"sort"
)

var ErrBadPosition = errors.New("position outside document")

// LineIndex maps between line/column positions and absolute rune offsets
// for one snapshot of the text.
type LineIndex struct {
	starts []int // rune offset where each line begins
	length int
}

func NewLineIndex(text string) *LineIndex {
	li := &LineIndex{starts: []int{0}}
	n := 0
	for _, r := range text {
		n++
		if r == '\n' {
			li.starts = append(li.starts, n)
		}
	}
	li.length = n
	return li
}

func (li *LineIndex) Len() int       { return li.length }
func (li *LineIndex) LineCount() int { return len(li.starts) }

// lineLen excludes the trailing newline.
func (li *LineIndex) lineLen(line int) int {
	if line+1 < len(li.starts) {
		return li.starts[line+1] - 1 - li.starts[line]
	}
	return li.length - li.starts[line]
}

func (li *LineIndex) Offset(p Position) (int, error) {
	if p.Line < 0 || p.Line >= len(li.starts) || p.Column < 0 || p.Column > li.lineLen(p.Line) {
		return 0, fmt.Errorf("%w: %s", ErrBadPosition, p)
	}
	return li.starts[p.Line] + p.Column, nil
}

func (li *LineIndex) Position(offset int) (Position, error) {
	if offset < 0 || offset > li.length {
		return Position{}, fmt.Errorf("%w: offset %d, len %d", ErrBadPosition, offset, li.length)
	}
	// last line whose start is <= offset
	line := sort.Search(len(li.starts), func(i int) bool { return li.starts[i] > offset }) - 1
	return Position{Line: line, Column: offset - li.starts[line]}, nil
}

// End is the position just past the last rune.
func (li *LineIndex) End() Position {
	last := len(li.starts) - 1
	return Position{Line: last, Column: li.length - li.starts[last]}
}

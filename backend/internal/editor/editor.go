// Package editor is the only coupling point between the sync engine and a
// concrete text widget: the Editor interface, line/column <-> offset mapping
// and the codec between widget change events and wire operations.
package editor

import "fmt"

// Position is 0-based; Column counts runes within the line.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Position) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Column) }

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Origin tells a change listener who produced an edit.
type Origin int

const (
	OriginLocal  Origin = iota // typed by the user
	OriginRemote               // applied from a remote batch
	OriginReset                // whole-document replacement after a resync
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginReset:
		return "reset"
	}
	return "unknown"
}

// Change replaces Range with Text. Ranges are in pre-edit coordinates.
type Change struct {
	Range Range  `json:"range"`
	Text  string `json:"text"`
}

type ChangeEvent struct {
	Changes []Change
	Origin  Origin
}

// Editor is the widget API the engine relies on. OnChange listeners run
// after the buffer is updated and must see events in the order the edits
// were applied, whichever goroutine made them. Changes are reported as they
// were passed to ApplyEdits.
type Editor interface {
	Value() string
	ApplyEdits(origin Origin, changes ...Change) error
	OnChange(fn func(ChangeEvent)) (remove func())
}

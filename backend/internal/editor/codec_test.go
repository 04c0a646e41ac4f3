package editor

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
)

func pos(line, col int) Position { return Position{Line: line, Column: col} }

func rng(sl, sc, el, ec int) Range { return Range{Start: pos(sl, sc), End: pos(el, ec)} }

// applyDirect splices changes into text without going through operations.
func applyDirect(t *testing.T, text string, changes []Change) string {
	t.Helper()
	idx := NewLineIndex(text)
	type cut struct {
		start, end int
		text       string
	}
	cuts := make([]cut, 0, len(changes))
	for _, c := range changes {
		s, err := idx.Offset(c.Range.Start)
		require.NoError(t, err)
		e, err := idx.Offset(c.Range.End)
		require.NoError(t, err)
		cuts = append(cuts, cut{s, e, c.Text})
	}
	sort.SliceStable(cuts, func(i, j int) bool { return cuts[i].start > cuts[j].start })
	r := []rune(text)
	for _, c := range cuts {
		out := append([]rune(nil), r[:c.start]...)
		out = append(out, []rune(c.text)...)
		r = append(out, r[c.end:]...)
	}
	return string(r)
}

func TestLineIndex(t *testing.T) {
	idx := NewLineIndex("ab\n你好\n")
	assert.Equal(t, 6, idx.Len())
	assert.Equal(t, 3, idx.LineCount())

	p, err := idx.Position(4)
	require.NoError(t, err)
	assert.Equal(t, pos(1, 1), p)

	off, err := idx.Offset(pos(2, 0))
	require.NoError(t, err)
	assert.Equal(t, 6, off)
	assert.Equal(t, pos(2, 0), idx.End())

	_, err = idx.Offset(pos(0, 3))
	assert.ErrorIs(t, err, ErrBadPosition)
	_, err = idx.Position(7)
	assert.ErrorIs(t, err, ErrBadPosition)
}

func TestToOperations_Order(t *testing.T) {
	idx := NewLineIndex("ab\ncd")
	ops, err := ToOperations(idx, ChangeEvent{Changes: []Change{
		{Range: rng(0, 0, 0, 0), Text: "A"},
		{Range: rng(1, 0, 1, 2), Text: "xy"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []delta.Operation{
		delta.Delete(3, 2),
		delta.Insert(3, "xy"),
		delta.Insert(0, "A"),
	}, ops)
}

func TestToOperations_Errors(t *testing.T) {
	idx := NewLineIndex("abcdef")
	_, err := ToOperations(idx, ChangeEvent{Changes: []Change{
		{Range: rng(0, 0, 0, 3)},
		{Range: rng(0, 2, 0, 4), Text: "x"},
	}})
	assert.ErrorIs(t, err, ErrOverlappingChanges)

	_, err = ToOperations(idx, ChangeEvent{Changes: []Change{{Range: rng(5, 0, 5, 0), Text: "x"}}})
	assert.ErrorIs(t, err, ErrBadPosition)

	_, err = ToOperations(idx, ChangeEvent{Changes: []Change{{Range: rng(0, 4, 0, 1)}}})
	assert.ErrorIs(t, err, ErrBadPosition)
}

func TestCodec_RoundTrip(t *testing.T) {
	const doc = "ab\ncd\nef"
	cases := []struct {
		name    string
		changes []Change
	}{
		{"insert", []Change{{Range: rng(1, 1, 1, 1), Text: "X"}}},
		{"replace and delete", []Change{
			{Range: rng(0, 0, 0, 1), Text: "Z"},
			{Range: rng(2, 0, 2, 2)},
		}},
		{"insert newline", []Change{{Range: rng(0, 2, 0, 2), Text: "\nnew\n"}}},
		{"replace across lines", []Change{{Range: rng(0, 1, 2, 1), Text: "--"}}},
		{"ascending multi cursor", []Change{
			{Range: rng(0, 0, 0, 0), Text: "1"},
			{Range: rng(1, 0, 1, 0), Text: "2"},
			{Range: rng(2, 2, 2, 2), Text: "3"},
		}},
		{"unicode", []Change{{Range: rng(1, 2, 1, 2), Text: "世界"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			want := applyDirect(t, doc, tc.changes)

			ops, err := ToOperations(NewLineIndex(doc), ChangeEvent{Changes: tc.changes})
			require.NoError(t, err)

			ed := NewBuffer(doc)
			require.NoError(t, FromOperations(ops, ed, OriginRemote))
			assert.Equal(t, want, ed.Value())

			got, err := delta.Apply(doc, ops)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestFromOperations_Sequential(t *testing.T) {
	ed := NewBuffer("hello world")
	var origins []Origin
	ed.OnChange(func(ev ChangeEvent) { origins = append(origins, ev.Origin) })

	err := FromOperations([]delta.Operation{delta.Delete(0, 5), delta.Insert(0, "howdy")}, ed, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, "howdy world", ed.Value())
	assert.Equal(t, []Origin{OriginRemote, OriginRemote}, origins)

	err = FromOperations([]delta.Operation{delta.Delete(8, 10)}, ed, OriginRemote)
	assert.ErrorIs(t, err, delta.ErrOutOfRange)
	assert.Equal(t, "howdy world", ed.Value())
}

func TestReplaceAll(t *testing.T) {
	ed := NewBuffer("one\ntwo")
	require.NoError(t, ReplaceAll(ed, OriginReset, "three"))
	assert.Equal(t, "three", ed.Value())
	require.NoError(t, ReplaceAll(ed, OriginReset, ""))
	assert.Equal(t, "", ed.Value())
}

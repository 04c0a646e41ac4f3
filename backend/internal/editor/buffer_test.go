package editor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_Listeners(t *testing.T) {
	ed := NewBuffer("abc")
	var first, second []ChangeEvent
	removeFirst := ed.OnChange(func(ev ChangeEvent) { first = append(first, ev) })
	ed.OnChange(func(ev ChangeEvent) { second = append(second, ev) })

	require.NoError(t, ed.ApplyEdits(OriginLocal, Change{Range: rng(0, 3, 0, 3), Text: "d"}))
	assert.Equal(t, "abcd", ed.Value())
	require.Len(t, first, 1)
	assert.Equal(t, OriginLocal, first[0].Origin)
	assert.Equal(t, "d", first[0].Changes[0].Text)

	removeFirst()
	removeFirst()
	require.NoError(t, ed.ApplyEdits(OriginRemote, Change{Range: rng(0, 0, 0, 1)}))
	assert.Equal(t, "bcd", ed.Value())
	assert.Len(t, first, 1)
	require.Len(t, second, 2)
	assert.Equal(t, OriginRemote, second[1].Origin)
}

func TestBuffer_FailedEditIsSilent(t *testing.T) {
	ed := NewBuffer("abc")
	called := false
	ed.OnChange(func(ChangeEvent) { called = true })

	err := ed.ApplyEdits(OriginLocal,
		Change{Range: rng(0, 0, 0, 0), Text: "x"},
		Change{Range: rng(3, 0, 3, 0), Text: "y"},
	)
	assert.ErrorIs(t, err, ErrBadPosition)
	assert.Equal(t, "abc", ed.Value())
	assert.False(t, called)
}

func TestBuffer_ListenerMayReadValue(t *testing.T) {
	ed := NewBuffer("")
	var seen string
	ed.OnChange(func(ChangeEvent) { seen = ed.Value() })
	require.NoError(t, ed.ApplyEdits(OriginLocal, Change{Text: "hi"}))
	assert.Equal(t, "hi", seen)
}

func TestBuffer_ConcurrentEditDuringDeliveryKeepsOrder(t *testing.T) {
	ed := NewBuffer("abc")
	var (
		mu   sync.Mutex
		seen []Origin
		text []string
	)
	ed.OnChange(func(ev ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Origin)
		text = append(text, ev.Changes[0].Text)
	})
	// a later listener types on another goroutine while the remote edit is
	// still being delivered, and waits for that edit to return
	fired := false
	ed.OnChange(func(ev ChangeEvent) {
		if ev.Origin != OriginRemote || fired {
			return
		}
		fired = true
		done := make(chan error)
		go func() { done <- ed.ApplyEdits(OriginLocal, Change{Range: rng(0, 0, 0, 0), Text: "L"}) }()
		require.NoError(t, <-done)
	})

	require.NoError(t, ed.ApplyEdits(OriginRemote, Change{Range: rng(0, 3, 0, 3), Text: "R"}))
	assert.Equal(t, "LabcR", ed.Value())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Origin{OriginRemote, OriginLocal}, seen)
	assert.Equal(t, []string{"R", "L"}, text)
}

func TestBuffer_ListenerPanicDoesNotWedgeDelivery(t *testing.T) {
	ed := NewBuffer("")
	calls := 0
	ed.OnChange(func(ChangeEvent) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	})
	assert.Panics(t, func() { _ = ed.ApplyEdits(OriginLocal, Change{Text: "a"}) })
	require.NoError(t, ed.ApplyEdits(OriginLocal, Change{Text: "b"}))
	assert.Equal(t, 2, calls)
	assert.Equal(t, "ba", ed.Value())
}

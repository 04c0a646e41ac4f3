package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
)

func TestEncode_Envelope(t *testing.T) {
	raw, err := Encode(EditOperations{
		DocumentID:    "doc-1",
		Operations:    []delta.Operation{delta.Delete(0, 2), delta.Insert(0, "hi")},
		OriginVersion: 7,
		OriginID:      "client-a",
		ClientSeq:     3,
	})
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "edit_operations", env["type"])
	data := env["data"].(map[string]any)
	assert.Equal(t, "doc-1", data["documentId"])
	assert.EqualValues(t, 7, data["originVersion"])
	ops := data["operations"].([]any)
	require.Len(t, ops, 2)
	assert.Equal(t, "delete", ops[0].(map[string]any)["kind"])
}

func TestDecodeServer_Types(t *testing.T) {
	msg, err := DecodeServer([]byte(`{"type":"edit_acknowledged","data":{"documentId":"d","newVersion":12}}`))
	require.NoError(t, err)
	ack, ok := msg.(EditAcknowledged)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, uint64(12), ack.NewVersion)

	msg, err = DecodeServer([]byte(`{"type":"file_edit","data":{"documentId":"d","originId":"b","version":4,"operations":[{"kind":"insert","position":1,"content":"x"}]}}`))
	require.NoError(t, err)
	fe := msg.(FileEdit)
	assert.Equal(t, "b", fe.Batch().OriginID)
	assert.Equal(t, []delta.Operation{delta.Insert(1, "x")}, fe.Operations)

	msg, err = DecodeServer([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.IsType(t, Pong{}, msg)

	msg, err = DecodeServer([]byte(`{"type":"connection_failed","data":{}}`))
	require.NoError(t, err)
	assert.IsType(t, ConnectionFailed{}, msg)
}

func TestDecodeServer_Errors(t *testing.T) {
	_, err := DecodeServer([]byte(`{"type":"nope","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeServer([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeServer([]byte(`{"type":"edit_acknowledged","data":{"newVersion":"x"}}`))
	assert.ErrorIs(t, err, ErrMalformed)

	// client-only types are not valid server frames
	_, err = DecodeServer([]byte(`{"type":"auth","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeClient_RoundTrip(t *testing.T) {
	sel := &Selection{Start: Cursor{Line: 1, Column: 2}, End: Cursor{Line: 1, Column: 5}}
	for _, in := range []ClientMessage{
		Auth{UserID: "u1", ConnectionID: "c1"},
		Ping{},
		JoinSession{SessionID: "s", DocumentID: "d"},
		LeaveSession{SessionID: "s"},
		PresenceUpdate{DocumentID: "d", Cursor: Cursor{Line: 3}, Selection: sel},
	} {
		raw, err := Encode(in)
		require.NoError(t, err)
		out, err := DecodeClient(raw)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabSync/backend/internal/ot/delta"
)

// Envelope is the frame every message travels in: {"type": ..., "data": {...}}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	// client -> server
	TypeAuth           = "auth"
	TypePing           = "ping"
	TypeEditOperations = "edit_operations"
	TypeJoinSession    = "join_session"
	TypeLeaveSession   = "leave_session"

	// both directions
	TypePresenceUpdate = "presence_update"

	// server -> client
	TypeConnectionStatus = "connection_status"
	TypeEditAcknowledged = "edit_acknowledged"
	TypeFileEdit         = "file_edit"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeConnectionFailed = "connection_failed"
	TypePong             = "pong"
	TypeError            = "error"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Message is anything that can be put in an Envelope.
type Message interface {
	MessageType() string
}

// ClientMessage is the closed set of messages a client sends.
type ClientMessage interface {
	Message
	clientMessage()
}

// ServerMessage is the closed set of messages a server sends.
type ServerMessage interface {
	Message
	serverMessage()
}

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Start Cursor `json:"start"`
	End   Cursor `json:"end"`
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Auth struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	Token        string `json:"token,omitempty"`
}

type Ping struct{}

type EditOperations struct {
	DocumentID    string            `json:"documentId"`
	Operations    []delta.Operation `json:"operations"`
	OriginVersion uint64            `json:"originVersion"`
	OriginID      string            `json:"originId"`
	ClientSeq     uint64            `json:"clientSeq,omitempty"`
}

func EditOperationsFromBatch(b delta.Batch) EditOperations {
	return EditOperations{
		DocumentID:    b.DocumentID,
		Operations:    b.Operations,
		OriginVersion: b.OriginVersion,
		OriginID:      b.OriginID,
		ClientSeq:     b.ClientSeq,
	}
}

// JoinSession asks for the document's room. With Version set the server
// replays every batch after it as file_edit, then confirms with a
// connection_status "joined".
type JoinSession struct {
	SessionID  string `json:"sessionId"`
	DocumentID string `json:"documentId"`
	Version    uint64 `json:"version,omitempty"`
}

type LeaveSession struct {
	SessionID string `json:"sessionId"`
}

// PresenceUpdate is sent by a client without UserID/Timestamp; the server
// stamps both before broadcasting.
type PresenceUpdate struct {
	DocumentID string     `json:"documentId"`
	UserID     string     `json:"userId,omitempty"`
	Cursor     Cursor     `json:"cursor"`
	Selection  *Selection `json:"selection,omitempty"`
	Timestamp  int64      `json:"timestamp,omitempty"` // unix millis
}

const (
	StatusOpen         = "open"
	StatusReconnecting = "reconnecting"
	StatusClosed       = "closed"
	StatusJoined       = "joined"
)

type ConnectionStatus struct {
	Status     string `json:"status"`
	DocumentID string `json:"documentId,omitempty"`
}

type EditAcknowledged struct {
	DocumentID string `json:"documentId"`
	NewVersion uint64 `json:"newVersion"`
}

// FileEdit is a batch applied by another client, with the version the
// document reached after applying it.
type FileEdit struct {
	DocumentID    string            `json:"documentId"`
	Operations    []delta.Operation `json:"operations"`
	OriginID      string            `json:"originId"`
	OriginVersion uint64            `json:"originVersion"`
	Version       uint64            `json:"version"`
}

func (m FileEdit) Batch() delta.Batch {
	return delta.Batch{
		DocumentID:    m.DocumentID,
		OriginVersion: m.OriginVersion,
		Operations:    m.Operations,
		OriginID:      m.OriginID,
	}
}

type UserJoined struct {
	DocumentID string `json:"documentId,omitempty"`
	User       User   `json:"user"`
}

type UserLeft struct {
	DocumentID string `json:"documentId,omitempty"`
	User       User   `json:"user"`
}

type ConnectionFailed struct {
	Reason string `json:"reason,omitempty"`
}

type Pong struct{}

const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRevisionConflict = "REVISION_CONFLICT"
	CodeNotJoined        = "NOT_JOINED"
	CodeInternal         = "INTERNAL"
)

type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
}

func (Auth) MessageType() string             { return TypeAuth }
func (Ping) MessageType() string             { return TypePing }
func (EditOperations) MessageType() string   { return TypeEditOperations }
func (JoinSession) MessageType() string      { return TypeJoinSession }
func (LeaveSession) MessageType() string     { return TypeLeaveSession }
func (PresenceUpdate) MessageType() string   { return TypePresenceUpdate }
func (ConnectionStatus) MessageType() string { return TypeConnectionStatus }
func (EditAcknowledged) MessageType() string { return TypeEditAcknowledged }
func (FileEdit) MessageType() string         { return TypeFileEdit }
func (UserJoined) MessageType() string       { return TypeUserJoined }
func (UserLeft) MessageType() string         { return TypeUserLeft }
func (ConnectionFailed) MessageType() string { return TypeConnectionFailed }
func (Pong) MessageType() string             { return TypePong }
func (Error) MessageType() string            { return TypeError }

func (Auth) clientMessage()           {}
func (Ping) clientMessage()           {}
func (EditOperations) clientMessage() {}
func (JoinSession) clientMessage()    {}
func (LeaveSession) clientMessage()   {}
func (PresenceUpdate) clientMessage() {}

func (PresenceUpdate) serverMessage()   {}
func (ConnectionStatus) serverMessage() {}
func (EditAcknowledged) serverMessage() {}
func (FileEdit) serverMessage()         {}
func (UserJoined) serverMessage()       {}
func (UserLeft) serverMessage()         {}
func (ConnectionFailed) serverMessage() {}
func (Pong) serverMessage()             {}
func (Error) serverMessage()            {}

// Encode wraps msg in an Envelope and marshals it.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msg.MessageType(), Data: data})
}

// DecodeServer parses a frame received by a client.
func DecodeServer(raw []byte) (ServerMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeConnectionStatus:
		return decodeServer[ConnectionStatus](env.Data)
	case TypeEditAcknowledged:
		return decodeServer[EditAcknowledged](env.Data)
	case TypeFileEdit:
		return decodeServer[FileEdit](env.Data)
	case TypePresenceUpdate:
		return decodeServer[PresenceUpdate](env.Data)
	case TypeUserJoined:
		return decodeServer[UserJoined](env.Data)
	case TypeUserLeft:
		return decodeServer[UserLeft](env.Data)
	case TypeConnectionFailed:
		return decodeServer[ConnectionFailed](env.Data)
	case TypePong:
		return decodeServer[Pong](env.Data)
	case TypeError:
		return decodeServer[Error](env.Data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// DecodeClient parses a frame received by a server.
func DecodeClient(raw []byte) (ClientMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeAuth:
		return decodeClient[Auth](env.Data)
	case TypePing:
		return decodeClient[Ping](env.Data)
	case TypeEditOperations:
		return decodeClient[EditOperations](env.Data)
	case TypeJoinSession:
		return decodeClient[JoinSession](env.Data)
	case TypeLeaveSession:
		return decodeClient[LeaveSession](env.Data)
	case TypePresenceUpdate:
		return decodeClient[PresenceUpdate](env.Data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func decodeData[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func decodeServer[T ServerMessage](data json.RawMessage) (ServerMessage, error) {
	v, err := decodeData[T](data)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeClient[T ClientMessage](data json.RawMessage) (ClientMessage, error) {
	v, err := decodeData[T](data)
	if err != nil {
		return nil, err
	}
	return v, nil
}

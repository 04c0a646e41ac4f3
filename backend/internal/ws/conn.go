package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/relay"
)

type Settings struct {
	SendQueue     int
	IdleTimeout   time.Duration // no frame from the client for this long closes the connection
	WriteTimeout  time.Duration
	SubmitTimeout time.Duration
	PresenceTTL   time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		SendQueue:     256,
		IdleTimeout:   90 * time.Second,
		WriteTimeout:  5 * time.Second,
		SubmitTimeout: 200 * time.Millisecond,
		PresenceTTL:   600 * time.Second,
	}
}

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	userID   string
	username string
	clientID string

	mu     sync.Mutex
	closed bool
	send   chan protocol.ServerMessage

	// sessionId -> docId; touched only by the read loop
	sessions map[string]string

	svc      relay.Service
	sem      *relay.SemaphoreControl
	settings Settings
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string, svc relay.Service, sem *relay.SemaphoreControl, settings Settings) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		send:     make(chan protocol.ServerMessage, settings.SendQueue),
		sessions: make(map[string]string),
		svc:      svc,
		sem:      sem,
		settings: settings,
	}
}

// SendMessage_Enqueue queues msg without blocking; a full queue drops it.
func (c *Conn) SendMessage_Enqueue(msg protocol.ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		glog.Warningf("[ws] user=%s send queue full, dropped %s", c.userID, msg.MessageType())
		return false
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) sendError(code, docID string, err error) {
	c.SendMessage_Enqueue(protocol.Error{Code: code, Message: err.Error(), DocumentID: docID})
}

func (c *Conn) inDoc(docID string) bool {
	for _, d := range c.sessions {
		if d == docID {
			return true
		}
	}
	return false
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	defer c.leaveAll(context.WithoutCancel(ctx))
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.IdleTimeout))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws] read (user=%s): %v", c.userID, err)
			return
		}
		msg, err := protocol.DecodeClient(raw)
		if err != nil {
			c.sendError(protocol.CodeBadRequest, "", err)
			continue
		}
		glog.V(2).Infof("[ws] user=%s <- %s", c.userID, msg.MessageType())
		c.dispatch(ctx, msg)
	}
}

func (c *Conn) dispatch(ctx context.Context, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.Auth:
		if m.UserID != "" && m.UserID != c.userID {
			glog.Warningf("[ws] auth frame for %s on a connection of %s", m.UserID, c.userID)
			c.sendError(protocol.CodeUnauthorized, "", errors.New("user does not match token"))
			return
		}
		c.clientID = m.ConnectionID
	case protocol.Ping:
		c.SendMessage_Enqueue(protocol.Pong{})
	case protocol.JoinSession:
		c.join(ctx, m)
	case protocol.LeaveSession:
		c.leave(ctx, m.SessionID)
	case protocol.EditOperations:
		c.handleEditOperations(ctx, m)
	case protocol.PresenceUpdate:
		c.handlePresence(ctx, m)
	}
}

// join replays everything after m.Version, then confirms. Both happen under
// the document lock, so no applied batch slips between replay and room
// membership.
func (c *Conn) join(ctx context.Context, m protocol.JoinSession) {
	docID := m.DocumentID
	if docID == "" {
		c.sendError(protocol.CodeBadRequest, "", errors.New("join without documentId"))
		return
	}
	sid := m.SessionID
	if sid == "" {
		sid = docID
	}
	already := c.inDoc(docID)
	replayed := 0
	err := c.svc.Replay(ctx, docID, m.Version, func(current uint64, ops []relay.AppliedOp) {
		for _, op := range ops {
			c.SendMessage_Enqueue(op.FileEdit())
		}
		replayed = len(ops)
		c.hub.Join(docID, c)
		c.SendMessage_Enqueue(protocol.ConnectionStatus{Status: protocol.StatusJoined, DocumentID: docID})
	})
	if err != nil {
		glog.Warningf("[ws]%s join from r%d (user=%s): %v", docID, m.Version, c.userID, err)
		c.sendError(errorCode(err), docID, err)
		return
	}
	c.sessions[sid] = docID
	glog.Infof("[ws]%s user=%s joined at r%d, replayed %d", docID, c.userID, m.Version, replayed)
	if already {
		return
	}
	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, docID, c.userID, c.username, c.settings.PresenceTTL); err != nil {
			glog.Warningf("[ws]%s add member: %v", docID, err)
		}
	}
	c.hub.Broadcast(docID, c, protocol.UserJoined{DocumentID: docID, User: protocol.User{ID: c.userID, Name: c.username}})
}

func (c *Conn) leave(ctx context.Context, sid string) {
	docID, ok := c.sessions[sid]
	if !ok {
		return
	}
	delete(c.sessions, sid)
	if c.inDoc(docID) {
		return
	}
	remaining := c.hub.Leave(docID, c)
	c.hub.Broadcast(docID, c, protocol.UserLeft{DocumentID: docID, User: protocol.User{ID: c.userID, Name: c.username}})
	if c.hub.presence != nil {
		if err := c.hub.presence.RemoveMember(ctx, docID, c.userID); err != nil {
			glog.Warningf("[ws]%s remove member: %v", docID, err)
		}
	}
	if remaining == 0 {
		if err := c.svc.SaveSnapshot(ctx, docID); err != nil {
			glog.Warningf("[ws]%s snapshot on last leave: %v", docID, err)
		}
	}
}

func (c *Conn) leaveAll(ctx context.Context) {
	for sid := range c.sessions {
		c.leave(ctx, sid)
	}
}

func (c *Conn) handleEditOperations(ctx context.Context, m protocol.EditOperations) {
	docID := m.DocumentID
	if !c.inDoc(docID) {
		c.sendError(protocol.CodeNotJoined, docID, errors.New("edit for a document not joined"))
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, c.settings.SubmitTimeout)
	defer cancel()
	if c.sem != nil {
		if err := c.sem.Acquire(submitCtx); err != nil {
			c.sendError(protocol.CodeInternal, docID, err)
			return
		}
		defer c.sem.Release()
	}

	b := delta.Batch{
		DocumentID:    docID,
		OriginVersion: m.OriginVersion,
		Operations:    m.Operations,
		OriginID:      m.OriginID,
		ClientSeq:     m.ClientSeq,
	}
	if b.OriginID == "" {
		b.OriginID = c.clientID
	}
	op, err := c.svc.Submit(submitCtx, docID, c.userID, b, func(op relay.AppliedOp) {
		c.SendMessage_Enqueue(protocol.EditAcknowledged{DocumentID: docID, NewVersion: op.Revision})
		c.hub.Broadcast(docID, c, op.FileEdit())
	})
	if err != nil {
		glog.Warningf("[ws]%s submit from %s#%d: %v", docID, b.OriginID, b.ClientSeq, err)
		c.sendError(errorCode(err), docID, err)
		return
	}
	if op.Duplicate {
		c.SendMessage_Enqueue(protocol.EditAcknowledged{DocumentID: docID, NewVersion: op.Revision})
	}
}

func (c *Conn) handlePresence(ctx context.Context, m protocol.PresenceUpdate) {
	if !c.inDoc(m.DocumentID) {
		c.sendError(protocol.CodeNotJoined, m.DocumentID, errors.New("presence for a document not joined"))
		return
	}
	m.UserID = c.userID
	m.Timestamp = time.Now().UnixMilli()
	c.hub.Broadcast(m.DocumentID, c, m)

	if c.hub.presence == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.hub.presence.SetCursor(ctx, m.DocumentID, c.userID, data, c.settings.PresenceTTL); err != nil {
		glog.Warningf("[ws]%s set cursor: %v", m.DocumentID, err)
	}
	if err := c.hub.presence.AddMember(ctx, m.DocumentID, c.userID, c.username, c.settings.PresenceTTL); err != nil {
		glog.Warningf("[ws]%s refresh member: %v", m.DocumentID, err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, relay.ErrRevisionConflict), errors.Is(err, relay.ErrHistoryTruncated):
		return protocol.CodeRevisionConflict
	case errors.Is(err, relay.ErrDuplicateOrOutOfOrder),
		errors.Is(err, delta.ErrEmptyOperations),
		errors.Is(err, delta.ErrEmptyInsert),
		errors.Is(err, delta.ErrInvalidLength),
		errors.Is(err, delta.ErrNegativeOffset),
		errors.Is(err, delta.ErrUnknownKind):
		return protocol.CodeBadRequest
	}
	return protocol.CodeInternal
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		data, err := protocol.Encode(msg)
		if err != nil {
			glog.Errorf("[ws] encode %s: %v", msg.MessageType(), err)
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			glog.V(1).Infof("[ws] write (user=%s): %v", c.userID, err)
			// unblocks the read loop, which closes send
			_ = c.ws.Close()
			for range c.send {
			}
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

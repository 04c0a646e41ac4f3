package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/breaker"
	"collabSync/backend/internal/identity"
	"collabSync/backend/internal/protocol"
)

// channel is one logical connection. It outlives individual sockets: when a
// socket dies the run loop dials a new one until attempts run out.
type channel struct {
	m     *Manager
	id    string
	url   string
	ident identity.Provider
	guard *breaker.Guard

	// ctx bounds the whole channel, including reconnects
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed once no goroutine of this channel reads or dials

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	attempts int

	writeMu sync.Mutex
}

func newChannel(m *Manager, ctx context.Context, id, url string, ident identity.Provider) *channel {
	cctx, cancel := context.WithCancel(ctx)
	return &channel{
		m:      m,
		id:     id,
		url:    url,
		ident:  ident,
		guard:  m.guards.Get(url),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusDisconnected,
	}
}

func (c *channel) record() ConnectionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionRecord{ChannelID: c.id, URL: c.url, Status: c.status, ReconnectAttempts: c.attempts}
}

func (c *channel) start() error {
	c.setStatus(StatusConnecting, 0, nil)
	conn, err := c.dial()
	if err != nil {
		terr := &TransportError{ChannelID: c.id, Op: "dial", Err: err}
		glog.Infof("[t]%s connect error = %s", c.id, err)
		if c.ctx.Err() != nil {
			close(c.done)
			return terr
		}
		if !recoverable(err) {
			c.fail(terr)
			close(c.done)
			return terr
		}
		go c.run(nil, terr)
		return terr
	}
	c.opened(conn)
	go c.run(conn, nil)
	return nil
}

// recoverable errors keep the reconnect loop going; an open circuit counts
// as a failed attempt rather than a terminal error.
func recoverable(err error) bool {
	var open *breaker.CircuitOpenError
	return errors.As(err, &open) || breaker.IsRetryable(err)
}

func (c *channel) run(conn *websocket.Conn, err error) {
	defer close(c.done)
	for {
		if conn == nil {
			if conn = c.reconnect(err); conn == nil {
				return
			}
			c.opened(conn)
		}
		err = c.serve(conn)
		conn = nil
		if c.ctx.Err() != nil {
			return
		}
		glog.Infof("[t]%s connection lost = %s", c.id, err)
	}
}

func (c *channel) reconnect(cause error) *websocket.Conn {
	s := c.m.settings
	bo := breaker.NewBackoff(s.ReconnectBase, s.ReconnectMax, s.ReconnectMultiplier, s.ReconnectJitter)
	err := cause
	for attempt := 1; attempt <= s.MaxReconnectAttempts; attempt++ {
		c.setStatus(StatusReconnecting, attempt, err)
		wait := bo.Next()
		glog.Infof("[t]%s reconnect %d/%d in %s", c.id, attempt, s.MaxReconnectAttempts, wait)
		select {
		case <-c.ctx.Done():
			return nil
		case <-c.m.after(wait):
		}
		conn, derr := c.dial()
		if derr == nil {
			return conn
		}
		if c.ctx.Err() != nil {
			return nil
		}
		glog.Infof("[t]%s reconnect error = %s", c.id, derr)
		err = &TransportError{ChannelID: c.id, Op: "dial", Err: derr}
		if !recoverable(derr) {
			break
		}
	}
	c.fail(err)
	return nil
}

func (c *channel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if tok := c.ident.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	var conn *websocket.Conn
	// one guarded attempt per dial; the reconnect loop owns the backoff
	err := c.guard.Try(c.ctx, func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, c.m.settings.HandshakeTimeout)
		defer cancel()
		ws, resp, err := c.m.dial(dctx, c.url, header)
		if err != nil {
			if resp != nil {
				return &breaker.StatusError{Code: resp.StatusCode, Err: err}
			}
			return err
		}
		auth := protocol.Auth{
			UserID:       c.ident.UserID(),
			ConnectionID: c.ident.ClientID(),
			Token:        c.ident.Token(),
		}
		if err := c.write(ws, auth); err != nil {
			ws.Close()
			return err
		}
		conn = ws
		return nil
	})
	return conn, err
}

func (c *channel) opened(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	glog.Infof("[t]%s open %s", c.id, c.url)
	c.setStatus(StatusOpen, 0, nil)
}

func (c *channel) fail(err error) {
	glog.Warningf("[t]%s failed = %s", c.id, err)
	c.setStatus(StatusFailed, 0, err)
}

// serve blocks until conn dies or the channel is stopped.
func (c *channel) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go c.heartbeat(ctx, conn)
	return c.read(conn)
}

func (c *channel) read(conn *websocket.Conn) error {
	// any frame proves liveness; a missing pong shows up as a read timeout
	idle := c.m.settings.HeartbeatInterval + c.m.settings.PongTimeout
	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return &TransportError{ChannelID: c.id, Op: "read", Err: err}
		}
		msg, err := protocol.DecodeServer(raw)
		if err != nil {
			glog.Warningf("[tr]%s<- bad frame = %s", c.id, err)
			continue
		}
		glog.V(2).Infof("[tr]%s<- %s", c.id, msg.MessageType())
		c.m.deliver(c.id, msg)
	}
}

func (c *channel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.m.settings.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.write(conn, protocol.Ping{}); err != nil {
				glog.Infof("[ts]%s ping error = %s", c.id, err)
				conn.Close()
				return
			}
			glog.V(2).Infof("[ts]%s-> ping", c.id)
		}
	}
}

func (c *channel) write(conn *websocket.Conn, msg protocol.ClientMessage) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.m.settings.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *channel) send(msg protocol.ClientMessage) bool {
	c.mu.Lock()
	conn, status := c.conn, c.status
	c.mu.Unlock()
	if conn == nil || status != StatusOpen {
		glog.V(2).Infof("[ts]%s-> %s dropped, channel %s", c.id, msg.MessageType(), status)
		return false
	}
	if err := c.write(conn, msg); err != nil {
		// a websocket write deadline cannot be recovered; let the reader reconnect
		glog.Infof("[ts]%s-> error = %s", c.id, err)
		conn.Close()
		return false
	}
	glog.V(2).Infof("[ts]%s-> %s", c.id, msg.MessageType())
	return true
}

func (c *channel) stop() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	c.setStatus(StatusClosed, 0, nil)
	c.cancel()
}

// wait blocks until the channel's reader and reconnect loop have exited.
// It must not be called from a handler of the same channel.
func (c *channel) wait() { <-c.done }

func (c *channel) setStatus(status Status, attempt int, err error) {
	c.mu.Lock()
	if c.status == StatusClosed || (c.ctx.Err() != nil && status != StatusClosed) {
		c.mu.Unlock()
		return
	}
	c.status = status
	if attempt > 0 {
		c.attempts = attempt
	}
	c.mu.Unlock()

	c.m.publish(Event{ChannelID: c.id, Status: status, Attempt: attempt, Err: err, At: time.Now()})
	switch status {
	case StatusOpen, StatusReconnecting, StatusClosed:
		c.m.deliver(c.id, protocol.ConnectionStatus{Status: string(status)})
	case StatusFailed:
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		c.m.deliver(c.id, protocol.ConnectionFailed{Reason: reason})
	}
}

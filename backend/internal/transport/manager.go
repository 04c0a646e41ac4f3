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

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
	StatusFailed       Status = "failed"
)

type ConnectionRecord struct {
	ChannelID         string
	URL               string
	Status            Status
	ReconnectAttempts int
}

// Event is a status transition, published for UI consumers.
type Event struct {
	ChannelID string
	Status    Status
	Attempt   int
	Err       error
	At        time.Time
}

// Handler receives inbound messages in wire order. A returned error is
// logged; it never stops delivery to the other handlers.
type Handler func(msg protocol.ServerMessage) error

type DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)

type Settings struct {
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	WriteTimeout         time.Duration
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMultiplier  float64
	ReconnectJitter      time.Duration
	EventBuffer          int
}

func DefaultSettings() *Settings {
	return &Settings{
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBase:        1 * time.Second,
		ReconnectMax:         30 * time.Second,
		ReconnectMultiplier:  2,
		ReconnectJitter:      250 * time.Millisecond,
		EventBuffer:          64,
	}
}

// Manager owns one socket per channel id and the subscribers of each
// channel. Subscribers survive reconnects and re-Connects; Disconnect
// releases them.
type Manager struct {
	settings *Settings
	guards   *breaker.Registry
	dial     DialFunc
	after    func(d time.Duration) <-chan time.Time

	mu       sync.Mutex
	channels map[string]*channel
	subs     map[string][]subscriber
	nextSub  int
	events   chan Event
	closed   bool
}

type subscriber struct {
	id int
	fn Handler
}

type Option func(*Manager)

func WithDialer(fn DialFunc) Option {
	return func(m *Manager) { m.dial = fn }
}

// WithAfter replaces the reconnect delay timer (for tests).
func WithAfter(fn func(d time.Duration) <-chan time.Time) Option {
	return func(m *Manager) { m.after = fn }
}

// WithGuards shares a breaker registry; endpoints are keyed by url.
func WithGuards(r *breaker.Registry) Option {
	return func(m *Manager) { m.guards = r }
}

func (s Settings) withDefaults() *Settings {
	d := DefaultSettings()
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.PongTimeout <= 0 {
		s.PongTimeout = d.PongTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.MaxReconnectAttempts <= 0 {
		s.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if s.ReconnectBase <= 0 {
		s.ReconnectBase = d.ReconnectBase
	}
	if s.ReconnectMax < s.ReconnectBase {
		s.ReconnectMax = s.ReconnectBase
	}
	if s.ReconnectMultiplier < 1 {
		s.ReconnectMultiplier = d.ReconnectMultiplier
	}
	if s.ReconnectJitter < 0 {
		s.ReconnectJitter = 0
	}
	if s.EventBuffer <= 0 {
		s.EventBuffer = d.EventBuffer
	}
	return &s
}

func NewManager(settings *Settings, opts ...Option) *Manager {
	if settings == nil {
		settings = DefaultSettings()
	}
	settings = settings.withDefaults()
	m := &Manager{
		settings: settings,
		after:    time.After,
		channels: make(map[string]*channel),
		subs:     make(map[string][]subscriber),
		events:   make(chan Event, settings.EventBuffer),
	}
	for _, o := range opts {
		o(m)
	}
	if m.guards == nil {
		m.guards = breaker.NewRegistry(breaker.DefaultOptions())
	}
	if m.dial == nil {
		d := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		}
		m.dial = d.DialContext
	}
	return m
}

// Events delivers status transitions. Events are dropped when nobody keeps
// up with the buffer.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		glog.Warningf("[t]%s drop status event %s", ev.ChannelID, ev.Status)
	}
}

// Connect opens channelID to url and authenticates as id. An existing
// channel with the same id is closed first, even on the same url, so a new
// identity or token always gets a fresh socket; its reader has exited before
// the new socket is dialed. If the first dial fails the channel keeps
// reconnecting in the background and the dial error is returned. Connect
// must not be called from a handler.
func (m *Manager) Connect(ctx context.Context, channelID, url string, id identity.Provider) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &TransportError{ChannelID: channelID, Op: "dial", Err: errors.New("manager closed")}
	}
	prev := m.channels[channelID]
	c := newChannel(m, ctx, channelID, url, id)
	m.channels[channelID] = c
	m.mu.Unlock()

	if prev != nil {
		prev.stop()
		prev.wait()
	}
	return c.start()
}

// Subscribe registers fn for channelID. Handlers run in registration order
// on the channel's reader goroutine.
func (m *Manager) Subscribe(channelID string, fn Handler) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[channelID] = append(m.subs[channelID], subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[channelID]
		for i, s := range list {
			if s.id == id {
				m.subs[channelID] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) deliver(channelID string, msg protocol.ServerMessage) {
	m.mu.Lock()
	list := append([]subscriber(nil), m.subs[channelID]...)
	m.mu.Unlock()
	for _, s := range list {
		callHandler(channelID, s.fn, msg)
	}
}

func callHandler(channelID string, fn Handler, msg protocol.ServerMessage) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[tr]%s handler panic on %s: %v", channelID, msg.MessageType(), r)
		}
	}()
	if err := fn(msg); err != nil {
		glog.Warningf("[tr]%s handler error on %s: %v", channelID, msg.MessageType(), err)
	}
}

// Send writes msg if the channel is open. It never blocks on a dead socket
// longer than the write timeout and never returns an error.
func (m *Manager) Send(channelID string, msg protocol.ClientMessage) bool {
	m.mu.Lock()
	c, ok := m.channels[channelID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return c.send(msg)
}

// Disconnect closes the channel and releases its subscribers. Safe to call
// more than once and from inside a handler.
func (m *Manager) Disconnect(channelID string) {
	m.mu.Lock()
	c, ok := m.channels[channelID]
	delete(m.channels, channelID)
	delete(m.subs, channelID)
	m.mu.Unlock()
	if ok {
		c.stop()
	}
}

func (m *Manager) Status(channelID string) (ConnectionRecord, bool) {
	m.mu.Lock()
	c, ok := m.channels[channelID]
	m.mu.Unlock()
	if !ok {
		return ConnectionRecord{ChannelID: channelID, Status: StatusDisconnected}, false
	}
	return c.record(), true
}

// Close disconnects every channel and closes Events.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	chans := make([]*channel, 0, len(m.channels))
	for _, c := range m.channels {
		chans = append(chans, c)
	}
	m.channels = make(map[string]*channel)
	m.subs = make(map[string][]subscriber)
	m.mu.Unlock()

	for _, c := range chans {
		c.stop()
	}

	m.mu.Lock()
	m.closed = true
	close(m.events)
	m.mu.Unlock()
}

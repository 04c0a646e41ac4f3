package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/auth"
	"collabSync/backend/internal/relay"
)

// allows local development origins and non-browser clients
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h        *Hub
	svc      relay.Service
	sem      *relay.SemaphoreControl
	settings Settings
}

func NewManager(h *Hub, svc relay.Service, sem *relay.SemaphoreControl, settings Settings) *Manager {
	return &Manager{h: h, svc: svc, sem: sem, settings: settings}
}

// WebSocketConnect upgrades a request that already passed auth.Middleware.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString(auth.CtxUserID)
	username := c.GetString(auth.CtxUsername)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("[ws] upgrade: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, userID, username, m.svc, m.sem, m.settings)
	// writer first so anything queued during the read loop goes out
	go wsConn.writeLoop()
	glog.Infof("[ws] user=%s connected", userID)
	wsConn.readLoop(c.Request.Context())
	glog.Infof("[ws] user=%s disconnected", userID)
}

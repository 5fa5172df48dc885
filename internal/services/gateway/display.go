package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

// Display presents the latest view. It has no path back into the bridge and
// must not block the control loop.
type Display interface {
	Show(v View)
}

// Displays fans a view out to several displays.
type Displays []Display

func (d Displays) Show(v View) {
	for _, disp := range d {
		disp.Show(v)
	}
}

// LogDisplay writes each view as one log line.
type LogDisplay struct {
	L hclog.Logger
}

func (d LogDisplay) Show(v View) {
	args := []interface{}{"mode", v.State.ModeName, "valve_open", v.State.LastCommand,
		"threshold", v.State.SoilThreshold, "timestamp", v.Telemetry.Timestamp}
	if v.Telemetry.Moist != nil {
		args = append(args, "moist", *v.Telemetry.Moist)
	}
	if v.Telemetry.Weather != nil {
		args = append(args, "weather", *v.Telemetry.Weather)
	}
	if v.Telemetry.Light != nil {
		args = append(args, "light", *v.Telemetry.Light)
	}
	d.L.Debug("display", args...)
}

const (
	clientBuffer = 8
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes every view as JSON to the connected websocket clients. A slow
// client misses views instead of holding up the others.
type Hub struct {
	l hclog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
}

func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{l: logger, clients: map[*client]struct{}{}}
}

func (h *Hub) Show(v View) {
	b, err := json.Marshal(v)
	if err != nil {
		h.l.Warn("view encode failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = b
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.l.Trace("slow display client, view dropped", "remote", c.conn.RemoteAddr().String())
		}
	}
}

// Clients is the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams views until the client goes
// away. A new client first receives the latest view.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.l.Debug("upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.last != nil {
		c.send <- h.last
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.l.Debug("display client connected", "remote", conn.RemoteAddr().String())

	go h.writePump(c)

	// incoming messages are ignored, reading only detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
	h.l.Debug("display client gone", "remote", conn.RemoteAddr().String())
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.l.Debug("display write failed", "error", err)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

package monitor

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// wsSendBufferSize bounds how many pending events a slow dashboard
// client can queue before it is disconnected. Grounded on the teacher's
// internal/server/hub.go WebSocketBufferSize.
const wsSendBufferSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one connected dashboard browser tab.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans monitor events out to every connected dashboard client.
// Grounded on the teacher's internal/server.Hub: register/unregister/
// broadcast methods guarded by a mutex over the client set.
type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// slow client, drop it rather than block the bus
			go h.unregister(c)
		}
	}
}

// DashboardServer exposes the monitoring Dashboard, PerformanceMetrics,
// and a live event feed over HTTP, grounded on the teacher's
// internal/server (gorilla/mux routing) and internal/server/hub.go
// (gorilla/websocket client fan-out), generalized from supervisor
// dashboard state to monitor Bus events.
type DashboardServer struct {
	bus    *Bus
	hub    *hub
	router *mux.Router
	stop   chan struct{}
}

// NewDashboardServer wires a DashboardServer against bus. Call Handler
// to obtain an http.Handler and Close to stop the event-forwarding
// subscription when the server shuts down.
func NewDashboardServer(bus *Bus) *DashboardServer {
	d := &DashboardServer{
		bus:  bus,
		hub:  newHub(),
		stop: make(chan struct{}),
	}
	d.router = mux.NewRouter()
	d.router.HandleFunc("/api/dashboard", d.handleDashboard).Methods(http.MethodGet)
	d.router.HandleFunc("/api/metrics", d.handleMetrics).Methods(http.MethodGet)
	d.router.HandleFunc("/ws", d.handleWebsocket).Methods(http.MethodGet)

	events := bus.Subscribe("", nil)
	go d.forward(events)
	return d
}

// Handler returns the HTTP handler serving the dashboard's routes.
func (d *DashboardServer) Handler() http.Handler {
	return d.router
}

// Close stops forwarding bus events to connected clients.
func (d *DashboardServer) Close() {
	close(d.stop)
}

func (d *DashboardServer) forward(events <-chan Event) {
	for {
		select {
		case <-d.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			d.hub.broadcast(data)
		}
	}
}

func (d *DashboardServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.bus.GetMonitoringDashboard())
}

func (d *DashboardServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.bus.GetPerformanceMetrics())
}

func (d *DashboardServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBufferSize)}
	d.hub.register(client)
	go client.writePump()
	client.readPump(d.hub)
}

func (c *wsClient) readPump(h *hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

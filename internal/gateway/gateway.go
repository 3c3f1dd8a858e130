// Package gateway is the transport boundary: each websocket connection owns
// one activity log, pushed to the client as change notices and driven back
// by respond envelopes. HTTP serves history fetches and account endpoints.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"parlor/internal/auth"
	"parlor/internal/lobby"
	"parlor/termlog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: Restrict in production
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// ClientEnvelope is one message from the client.
type ClientEnvelope struct {
	Kind  string `json:"kind"`
	Name  string `json:"name,omitempty"`
	Index *int   `json:"index,omitempty"`
	Value any    `json:"value,omitempty"`
	Owner string `json:"owner,omitempty"`
}

// ServerEnvelope is one message to the client. Notices carry the mutated
// entry so a synchronized copy can apply it without a round trip.
type ServerEnvelope struct {
	Kind    string         `json:"kind"`
	LogID   string         `json:"log_id,omitempty"`
	Index   int            `json:"index,omitempty"`
	Length  int            `json:"length,omitempty"`
	Entry   *termlog.Entry `json:"entry,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Connection is one websocket client: a log, its lobby session and the
// outbound send queue.
type Connection struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	gateway *Gateway
	log     *termlog.Log
	session *lobby.Session
	unsub   func()
}

// Gateway owns all live connections and the log registry served over HTTP.
type Gateway struct {
	lobby *lobby.Lobby
	auth  auth.Service

	mu    sync.Mutex
	conns map[string]*Connection
	logs  map[string]*termlog.Log
}

// New creates a gateway over the given lobby and authenticator.
func New(lby *lobby.Lobby, authSvc auth.Service) *Gateway {
	return &Gateway{
		lobby: lby,
		auth:  authSvc,
		conns: make(map[string]*Connection),
		logs:  make(map[string]*termlog.Log),
	}
}

// LogByID returns a registered log, or nil. This is the history source for
// synchronized copies.
func (g *Gateway) LogByID(id string) *termlog.Log {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.logs[id]
}

// HandleWebSocket upgrades the request and starts the connection's pumps.
// A valid session token claims the log for that account up front.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner, _ := g.auth.ResolveSession(r.URL.Query().Get("token"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade error: %v", err)
		return
	}

	tl := termlog.New(uuid.NewString())
	if owner != "" {
		tl.Claim(owner)
	}
	c := &Connection{
		id:      tl.ID(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		gateway: g,
		log:     tl,
	}
	c.unsub = tl.Subscribe(c.notify)
	c.session = g.lobby.Attach(tl)

	g.mu.Lock()
	g.conns[c.id] = c
	g.logs[c.id] = tl
	total := len(g.conns)
	g.mu.Unlock()

	log.Printf("[Gateway] Client connected: %s, total: %d", c.id, total)
	c.enqueue(ServerEnvelope{Kind: "hello", LogID: c.id, Length: tl.Len()})

	go c.readPump()
	go c.writePump()
}

// notify pushes a change notice for the mutated entry. Index -1 is the
// finish signal.
func (c *Connection) notify(index int) {
	env := ServerEnvelope{
		Kind:   "notice",
		LogID:  c.id,
		Index:  index,
		Length: c.log.Len(),
	}
	if index >= 0 {
		env.Entry = c.log.Entry(index)
	}
	c.enqueue(env)
}

func (c *Connection) enqueue(env ServerEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Gateway] marshal envelope: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer: drop the notice, the history fetch recovers it.
	}
}

func (c *Connection) sendError(msg string) {
	c.enqueue(ServerEnvelope{Kind: "error", LogID: c.id, Message: msg})
}

func (c *Connection) readPump() {
	defer func() {
		c.gateway.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.session.Touch()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] Read error: %v", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Connection) handleMessage(data []byte) {
	var env ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("invalid message format")
		return
	}
	c.session.Touch()

	var err error
	switch env.Kind {
	case "ping":
		// Touch above is the whole point.
	case "respond":
		switch {
		case env.Index != nil:
			err = c.log.RespondAt(*env.Index, env.Value)
		case env.Name != "":
			err = c.log.RespondTo(env.Name, env.Value)
		default:
			err = c.log.Respond(env.Value)
		}
	case "claim":
		c.log.Claim(env.Owner)
	default:
		c.sendError("unknown kind " + env.Kind)
		return
	}
	if err != nil {
		c.sendError(err.Error())
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// remove tears the connection down: session close cascades through the
// lobby, the log stays registered so history outlives the socket.
func (g *Gateway) remove(c *Connection) {
	g.mu.Lock()
	_, live := g.conns[c.id]
	delete(g.conns, c.id)
	total := len(g.conns)
	g.mu.Unlock()
	if !live {
		return
	}

	c.unsub()
	c.session.Close()
	log.Printf("[Gateway] Client disconnected: %s, total: %d", c.id, total)
}

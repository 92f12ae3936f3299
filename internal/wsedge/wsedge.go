// Package wsedge is the WebSocket edge (spec section 6): it implements
// sink.Sink by fanning out frame/status/error events to every subscriber
// currently joined to a stream id, and it is the only component that owns
// actual client connections. Grounded on the teacher's
// server/client.go (readPump/writePump) and server/handlers.go (the
// upgrade handler), adapted to deliver base64-in-JSON frames instead of
// binary WebSocket frames (spec section 9's resolved open question).
package wsedge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rtsprelay/rtsprelay/internal/manager"
	"github.com/rtsprelay/rtsprelay/internal/metrics"
	"github.com/rtsprelay/rtsprelay/internal/sessionerr"
	"github.com/rtsprelay/rtsprelay/internal/sink"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxReadLimit   = 512
	clientSendSize = 16
)

// wireMessage is the client protocol frame (spec section 6).
type wireMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Frame    string `json:"frame,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Client is a single subscribed WebSocket connection.
type Client struct {
	id       string
	streamID string
	conn     *websocket.Conn
	send     chan wireMessage

	mu     sync.Mutex
	closed bool
}

// Hub fans out published events to every Client subscribed to a stream id.
// It implements sink.Sink.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, clients: make(map[string]map[*Client]struct{})}
}

var _ sink.Sink = (*Hub)(nil)

// Publish implements sink.Sink: it is called from a Stream Session's pump
// and must never block on a slow client.
func (h *Hub) Publish(e sink.Event) error {
	msg := wireMessage{Type: "stream_" + string(e.Type), StreamID: e.StreamID, Frame: e.Frame, Message: e.Message}
	if e.Type == sink.EventFrame {
		metrics.FrameEmitted(e.StreamID)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[e.StreamID] {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping event for slow websocket client", "stream_id", e.StreamID, "client_id", c.id)
		}
	}
	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.streamID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.streamID] = set
	}
	set[c] = struct{}{}
	metrics.SetSubscribedClients(c.streamID, len(set))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.streamID]
	if !ok {
		return
	}
	delete(set, c)
	metrics.SetSubscribedClients(c.streamID, len(set))
	if len(set) == 0 {
		delete(h.clients, c.streamID)
	}
}

// upgrader allows any origin; rtsprelay is typically deployed behind a
// reverse proxy that owns the origin policy.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSubscribe is the gin handler for GET /ws/:streamId. It subscribes
// to the Manager, upgrades the connection, replays the last cached frame if
// one exists, and runs the client's read/write pumps until disconnect.
func HandleSubscribe(h *Hub, mgr *manager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		streamID := c.Param("streamId")

		_, lastFrame, hasLast, err := mgr.Subscribe(streamID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, sessionerr.ErrCatalogMiss) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", "stream_id", streamID, "err", err)
			_ = mgr.Unsubscribe(streamID)
			return
		}

		client := &Client{
			id:       c.ClientIP() + "-" + streamID,
			streamID: streamID,
			conn:     conn,
			send:     make(chan wireMessage, clientSendSize),
		}
		h.register(client)

		if hasLast {
			select {
			case client.send <- wireMessage{Type: "stream_frame", StreamID: streamID, Frame: lastFrame}:
			default:
			}
		}

		done := make(chan struct{})
		go func() {
			client.writePump()
			close(done)
		}()
		client.readPump()

		h.unregister(client)
		_ = mgr.Unsubscribe(streamID)
		client.closeSend()
		<-done
	}
}

// readPump blocks reading client messages, detecting disconnect and
// servicing protocol-level pong frames, mirroring the teacher's client.go.
// It also answers the client protocol's own {"type":"ping"} with
// {"type":"pong"} (spec section 6); any other message type is ignored.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in wireMessage
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		if in.Type == "ping" {
			select {
			case c.send <- wireMessage{Type: "pong", StreamID: c.streamID}:
			default:
			}
		}
	}
}

// writePump delivers queued messages and periodic pings until send is
// closed or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

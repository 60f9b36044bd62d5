package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/climb-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxRequestSize = 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Standings are public
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Request is a control message sent by a spectator
type Request struct {
	Type string     `json:"type"`
	Cup  domain.Cup `json:"cup,omitempty"`
}

// Client is one spectator connection. cups is only touched by the read
// goroutine.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	cups   map[domain.Cup]bool
	logger *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		cups:   make(map[domain.Cup]bool),
		logger: logger.With("client_id", id),
	}
}

// handle applies a request, queueing any reply before the hub's snapshot
func (c *Client) handle(req Request) {
	switch req.Type {
	case MessageTypeSubscribe, MessageTypeRefresh:
		if !req.Cup.Valid() {
			c.reply(errorMessage("unknown cup: " + string(req.Cup)))
			return
		}
		subscribed := c.cups[req.Cup]
		if req.Type == MessageTypeRefresh && !subscribed {
			c.reply(errorMessage("not subscribed to " + string(req.Cup)))
			return
		}
		if !subscribed {
			c.cups[req.Cup] = true
			c.reply(&Message{Type: MessageTypeSubscribed, Cup: req.Cup, Timestamp: time.Now()})
		}
		// Resubscribing is idempotent and makes the hub push a snapshot
		c.hub.Subscribe(c, req.Cup)

	case MessageTypeUnsubscribe:
		if !c.cups[req.Cup] {
			return
		}
		delete(c.cups, req.Cup)
		c.hub.Unsubscribe(c, req.Cup)
		c.reply(&Message{Type: MessageTypeUnsubscribed, Cup: req.Cup, Timestamp: time.Now()})

	case MessageTypePing:
		c.reply(&Message{Type: MessageTypePong, Timestamp: time.Now()})

	default:
		c.logger.Debug("ignoring request", "type", req.Type)
		c.reply(errorMessage("unsupported request type: " + req.Type))
	}
}

func errorMessage(text string) *Message {
	return &Message{
		Type:      MessageTypeError,
		Data:      map[string]string{"error": text},
		Timestamp: time.Now(),
	}
}

// reply queues msg unless the write buffer is full
func (c *Client) reply(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping reply", "type", msg.Type)
	}
}

// readPump decodes requests until the connection fails
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxRequestSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply(errorMessage("invalid message format"))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handle(req)
	}
}

// writePump owns all writes to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// ServeWs upgrades a spectator connection. Each ?cup= query value
// subscribes the client before any request is read.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	var cups []domain.Cup
	for _, name := range r.URL.Query()["cup"] {
		cup := domain.ParseCup(name)
		if !cup.Valid() {
			http.Error(w, "unknown cup: "+name, http.StatusBadRequest)
			return
		}
		cups = append(cups, cup)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(hub, conn, logger)
	hub.Register(client)
	go client.writePump()

	for _, cup := range cups {
		client.handle(Request{Type: MessageTypeSubscribe, Cup: cup})
	}
	client.logger.Debug("spectator connected", "cups", cups)

	go client.readPump()
}

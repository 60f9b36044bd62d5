package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/climb-ledger/internal/domain"
)

// Message types
const (
	MessageTypeStandingsUpdate = "standings_update"
	MessageTypeSubscribe       = "subscribe"
	MessageTypeUnsubscribe     = "unsubscribe"
	MessageTypeRefresh         = "refresh"
	MessageTypeSubscribed      = "subscribed"
	MessageTypeUnsubscribed    = "unsubscribed"
	MessageTypePing            = "ping"
	MessageTypePong            = "pong"
	MessageTypeError           = "error"
)

const snapshotTimeout = 5 * time.Second

// Message is the envelope of everything sent to spectators
type Message struct {
	Type      string      `json:"type"`
	Cup       domain.Cup  `json:"cup,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StandingsUpdate is the payload of a standings broadcast
type StandingsUpdate struct {
	Cup       domain.Cup        `json:"cup"`
	Standings []domain.Standing `json:"standings"`
}

// SnapshotFunc loads the current standings of a cup for new subscribers
type SnapshotFunc func(ctx context.Context, cup domain.Cup) ([]domain.Standing, error)

// Hub fans standings out to the spectators subscribed to each cup. All
// membership changes happen on the Run goroutine; mu only guards reads
// from other goroutines.
type Hub struct {
	mu          sync.RWMutex
	connected   map[*Client]struct{}
	subscribers map[domain.Cup]map[*Client]struct{}

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	broadcast   chan *Message

	snapshot SnapshotFunc
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	client *Client
	cup    domain.Cup
}

// NewHub creates a hub; call Run to start it
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		connected:   make(map[*Client]struct{}),
		subscribers: make(map[domain.Cup]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription, 64),
		unsubscribe: make(chan subscription, 64),
		broadcast:   make(chan *Message, 256),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetSnapshot sets the loader used to greet new subscribers. It must be
// called before Run.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.snapshot = fn
}

// Run processes hub events until Stop is called
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case sub := <-h.subscribe:
			h.addSubscription(sub)
		case sub := <-h.unsubscribe:
			h.removeSubscription(sub)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Stop ends Run. Connected clients are left to time out.
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.connected[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client registered", "client_id", c.id)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connected[c]; !ok {
		return
	}
	delete(h.connected, c)
	for cup := range h.subscribers {
		h.dropSubscriber(cup, c)
	}
	close(c.send)
	h.logger.Debug("client unregistered", "client_id", c.id)
}

func (h *Hub) addSubscription(sub subscription) {
	h.mu.Lock()
	_, ok := h.connected[sub.client]
	if ok {
		if h.subscribers[sub.cup] == nil {
			h.subscribers[sub.cup] = make(map[*Client]struct{})
		}
		h.subscribers[sub.cup][sub.client] = struct{}{}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Debug("client subscribed", "client_id", sub.client.id, "cup", sub.cup)
	if h.snapshot != nil {
		go h.sendSnapshot(sub)
	}
}

func (h *Hub) removeSubscription(sub subscription) {
	h.mu.Lock()
	h.dropSubscriber(sub.cup, sub.client)
	h.mu.Unlock()
	h.logger.Debug("client unsubscribed", "client_id", sub.client.id, "cup", sub.cup)
}

// dropSubscriber must be called with mu held
func (h *Hub) dropSubscriber(cup domain.Cup, c *Client) {
	subs, ok := h.subscribers[cup]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.subscribers, cup)
	}
}

// sendSnapshot loads a cup's standings and queues them for one subscriber
func (h *Hub) sendSnapshot(sub subscription) {
	ctx, cancel := context.WithTimeout(h.ctx, snapshotTimeout)
	defer cancel()

	standings, err := h.snapshot(ctx, sub.cup)
	if err != nil {
		h.logger.Warn("failed to load standings snapshot", "cup", sub.cup, "error", err)
		return
	}
	data, err := json.Marshal(standingsMessage(sub.cup, standings))
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "error", err)
		return
	}

	// The read lock keeps removeClient from closing send underneath us
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.connected[sub.client]; ok {
		h.enqueue(sub.client, data)
	}
}

// deliver sends msg to the subscribers of its cup, or to everyone when it
// has none
func (h *Hub) deliver(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if msg.Cup == "" {
		for c := range h.connected {
			h.enqueue(c, data)
		}
		return
	}
	for c := range h.subscribers[msg.Cup] {
		h.enqueue(c, data)
	}
}

// enqueue must be called with mu held
func (h *Hub) enqueue(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("client buffer full, skipping", "client_id", c.id)
	}
}

func standingsMessage(cup domain.Cup, standings []domain.Standing) *Message {
	return &Message{
		Type:      MessageTypeStandingsUpdate,
		Cup:       cup,
		Data:      StandingsUpdate{Cup: cup, Standings: standings},
		Timestamp: time.Now(),
	}
}

// BroadcastStandings sends a cup's standings to its subscribers
func (h *Hub) BroadcastStandings(cup domain.Cup, standings []domain.Standing) {
	select {
	case h.broadcast <- standingsMessage(cup, standings):
	default:
		h.logger.Warn("broadcast channel full, dropping message", "cup", cup)
	}
}

// Register adds a connected client
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client and closes its send channel
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Subscribe adds c to a cup's subscribers and queues a snapshot for it
func (h *Hub) Subscribe(c *Client, cup domain.Cup) {
	select {
	case h.subscribe <- subscription{client: c, cup: cup}:
	case <-h.ctx.Done():
	}
}

// Unsubscribe removes c from a cup's subscribers
func (h *Hub) Unsubscribe(c *Client, cup domain.Cup) {
	select {
	case h.unsubscribe <- subscription{client: c, cup: cup}:
	case <-h.ctx.Done():
	}
}

// SubscriberCount returns the number of subscribers of a cup
func (h *Hub) SubscriberCount(cup domain.Cup) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[cup])
}

// ConnectionCount returns the number of connected clients
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connected)
}

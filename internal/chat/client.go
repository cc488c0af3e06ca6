package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/umar/chat-receipts/internal/feed"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

var errConnectionClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection. Inbound events are handled one at a
// time on the read goroutine; each watched room has its own dispatcher
// goroutine writing into send.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      string
	send    chan []byte
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	userID  string
	watches map[string]*feed.Dispatcher
}

func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Error("websocket upgrade failed", "error", err)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		id := uuid.NewString()
		client := &Client{
			hub:     hub,
			conn:    conn,
			id:      id,
			send:    make(chan []byte, sendBuffer),
			limiter: rate.NewLimiter(hub.eventRate, hub.eventBurst),
			logger:  hub.logger.With("conn_id", id),
			ctx:     ctx,
			cancel:  cancel,
			watches: make(map[string]*feed.Dispatcher),
		}

		if !hub.addClient(client) {
			cancel()
			conn.Close()
			return
		}
		go client.writePump()

		if users, err := hub.usersWithPresence(ctx); err != nil {
			client.logger.Warn("failed to list users", "error", err)
		} else {
			client.Emit(ctx, TypeUsers, users)
		}
		go client.readPump()
	}
}

// Emit queues an event for the connection, blocking while the send buffer
// is full so events are never dropped or reordered.
func (c *Client) Emit(ctx context.Context, eventType string, payload any) error {
	data, err := NewWSMessage(eventType, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errConnectionClosed
	}
}

func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) currentUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// watch replaces the dispatcher of a room.
func (c *Client) watch(d *feed.Dispatcher) {
	c.mu.Lock()
	old := c.watches[d.RoomID()]
	c.watches[d.RoomID()] = d
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	d.Start(c.ctx)
	go c.awaitFeedEnd(d)
}

// awaitFeedEnd drops a dispatcher whose feed failed and tells the client,
// which decides whether to reopen the room.
func (c *Client) awaitFeedEnd(d *feed.Dispatcher) {
	<-d.Done()
	err := d.Err()
	if err == nil {
		return
	}

	c.mu.Lock()
	current := c.watches[d.RoomID()] == d
	if current {
		delete(c.watches, d.RoomID())
	}
	c.mu.Unlock()
	if !current {
		return
	}

	c.logger.Warn("room watch ended", "error", err, "room_id", d.RoomID(), "user_id", c.currentUser())
	c.Emit(c.ctx, TypeError, ErrorPayload{
		Message: "room updates interrupted",
		Code:    CodeFeedInterrupted,
		RoomID:  d.RoomID(),
	})
}

func (c *Client) unwatch(roomID string) bool {
	c.mu.Lock()
	d, ok := c.watches[roomID]
	delete(c.watches, roomID)
	c.mu.Unlock()
	if ok {
		d.Close()
	}
	return ok
}

func (c *Client) unwatchAll() {
	c.mu.Lock()
	watches := c.watches
	c.watches = make(map[string]*feed.Dispatcher)
	c.mu.Unlock()
	for _, d := range watches {
		d.Close()
	}
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.refreshPresence()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("ws read error", "error", err, "user_id", c.currentUser())
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("malformed event", CodeInvalidPayload)
			continue
		}
		if !c.limiter.Allow() {
			c.sendError("too many events", CodeRateLimited)
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close tears down the connection's own subscriptions and presence. Other
// connections and in-flight receipt writes are not affected.
func (c *Client) close() {
	c.unwatchAll()
	c.cancel()

	if userID := c.currentUser(); userID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.hub.presence.SetOffline(ctx, userID); err != nil {
			c.logger.Warn("failed to clear presence", "error", err, "user_id", userID)
		}
		c.hub.broadcastUsers(ctx)
		cancel()
	}

	c.hub.removeClient(c)
	c.conn.Close()
}

func (c *Client) refreshPresence() {
	userID := c.currentUser()
	if userID == "" {
		return
	}
	if err := c.hub.presence.Refresh(c.ctx, userID); err != nil {
		c.logger.Debug("failed to refresh presence", "error", err, "user_id", userID)
	}
}

func (c *Client) handleMessage(msg WSMessage) {
	switch msg.Type {
	case TypeLogin:
		var payload UserPayload
		if !c.decode(msg, &payload) {
			return
		}
		HandleLogin(c, payload)
	case TypeLogout:
		var payload UserPayload
		if !c.decode(msg, &payload) {
			return
		}
		HandleLogout(c, payload)
	case TypeGetMessages:
		var payload RoomPayload
		if !c.decode(msg, &payload) {
			return
		}
		HandleGetMessages(c, payload)
	case TypeNewMessage:
		var payload NewMessagePayload
		if !c.decode(msg, &payload) {
			return
		}
		HandleNewMessage(c, payload)
	case TypeSetInactive:
		var payload UserPayload
		if !c.decode(msg, &payload) {
			return
		}
		HandleSetInactive(c, payload)
	case TypeSetActive:
		var payload RoomPayload
		if !c.decode(msg, &payload) {
			return
		}
		HandleSetActive(c, payload)
	case TypeUnsubscribe:
		var payload RoomPayload
		if !c.decode(msg, &payload) {
			return
		}
		c.unwatch(payload.RoomID)
	case TypePing:
		c.refreshPresence()
		c.Emit(c.ctx, TypePong, nil)
	default:
		c.sendError("unknown event type "+msg.Type, CodeInvalidPayload)
	}
}

func (c *Client) decode(msg WSMessage, v any) bool {
	if len(msg.Payload) == 0 {
		c.sendError("missing payload", CodeInvalidPayload)
		return false
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		c.sendError("invalid payload", CodeInvalidPayload)
		return false
	}
	return true
}

package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/receipts"
	"github.com/umar/chat-receipts/internal/store"
	"golang.org/x/time/rate"
)

// Options configures a Hub.
type Options struct {
	Store    store.Store
	Presence store.PresenceStore
	Logger   *slog.Logger

	// EventRate and EventBurst limit inbound events per connection.
	EventRate  rate.Limit
	EventBurst int
}

// Hub tracks live connections and owns the receipt pipeline they share.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	quit       chan struct{}
	done       chan struct{}
	quitOnce   sync.Once

	store       store.Store
	presence    store.PresenceStore
	resolver    *receipts.StatusResolver
	initializer *receipts.Initializer
	updater     *receipts.Updater
	logger      *slog.Logger

	eventRate  rate.Limit
	eventBurst int
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eventRate, eventBurst := opts.EventRate, opts.EventBurst
	if eventRate <= 0 {
		eventRate = rate.Inf
	}
	if eventBurst <= 0 {
		eventBurst = 1
	}
	return &Hub{
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan []byte, 256),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		store:       opts.Store,
		presence:    opts.Presence,
		resolver:    receipts.NewStatusResolver(opts.Store, opts.Store, logger),
		initializer: receipts.NewInitializer(opts.Store, opts.Store, opts.Presence),
		updater:     receipts.NewUpdater(opts.Store, logger),
		logger:      logger,
		eventRate:   eventRate,
		eventBurst:  eventBurst,
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("client connected", "conn_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "conn_id", client.id, "user_id", client.currentUser())

		case data := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.trySend(data)
			}
			h.mu.RUnlock()

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.conn.Close()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Shutdown closes every connection and stops Run.
func (h *Hub) Shutdown() {
	h.quitOnce.Do(func() { close(h.quit) })
	<-h.done
}

func (h *Hub) addClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount reports the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// usersWithPresence lists every user together with their presence flags.
func (h *Hub) usersWithPresence(ctx context.Context) ([]models.UserWithPresence, error) {
	users, err := h.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	snap, err := h.presence.Snapshot(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.UserWithPresence, len(users))
	for i, u := range users {
		out[i] = models.UserWithPresence{User: u, Presence: snap[u.ID]}
	}
	return out, nil
}

// broadcastUsers pushes the current user list to every connection.
func (h *Hub) broadcastUsers(ctx context.Context) {
	users, err := h.usersWithPresence(ctx)
	if err != nil {
		h.logger.Warn("failed to list users for presence broadcast", "error", err)
		return
	}
	data, err := NewWSMessage(TypeUsers, users)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("broadcast queue full, dropping presence update")
	}
}

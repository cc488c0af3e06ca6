package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/store"
)

const (
	feedBuffer           = 256
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
)

// notification is the payload written by the notify_message_change trigger.
type notification struct {
	Op     store.Op `json:"op"`
	ID     string   `json:"id"`
	RoomID string   `json:"room_id"`
	Fields []string `json:"fields"`
}

type messageGetter interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
}

// Feed fans the notifications of one LISTEN connection out to per-room
// subscriptions. Each subscription looks the full message up before
// delivering it, on its own goroutine, so a slow lookup never stalls other
// rooms.
type Feed struct {
	messages messageGetter
	logger   *slog.Logger
	listener *pq.Listener

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	roomID  string
	pipe    *store.Pipe
	pending chan notification
	err     error // set before pending is closed
}

// NewFeed opens a LISTEN connection on NotifyChannel and starts fanning out
// its notifications.
func NewFeed(databaseURL string, messages messageGetter, logger *slog.Logger) (*Feed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener := pq.NewListener(databaseURL, minReconnectInterval, maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventDisconnected:
				logger.Warn("change feed disconnected", "error", err)
			case pq.ListenerEventReconnected:
				logger.Info("change feed reconnected")
			case pq.ListenerEventConnectionAttemptFailed:
				logger.Warn("change feed reconnect failed", "error", err)
			}
		})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	f := newFeed(listener.Notify, messages, logger)
	f.listener = listener
	return f, nil
}

func newFeed(notify <-chan *pq.Notification, messages messageGetter, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		messages: messages,
		logger:   logger,
		subs:     make(map[string]map[*subscription]struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go f.run(notify)
	return f
}

func (f *Feed) run(notify <-chan *pq.Notification) {
	defer close(f.done)
	for {
		select {
		case <-f.quit:
			return
		case n, ok := <-notify:
			if !ok {
				f.dropAll(store.ErrFeedInterrupted)
				return
			}
			// A nil notification follows a reconnect; anything sent while
			// the connection was down is lost.
			if n == nil {
				f.dropAll(store.ErrFeedInterrupted)
				continue
			}
			var payload notification
			if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
				f.logger.Error("malformed change notification", "error", err, "payload", n.Extra)
				continue
			}
			f.deliver(payload)
		}
	}
}

func (f *Feed) deliver(n notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs[n.RoomID] {
		select {
		case sub.pending <- n:
		default:
			f.dropLocked(sub, store.ErrSlowConsumer)
		}
	}
}

// Watch subscribes to the messages of one room.
func (f *Feed) Watch(ctx context.Context, roomID string) store.Subscription {
	sub := &subscription{
		roomID:  roomID,
		pipe:    store.NewPipe(feedBuffer, nil),
		pending: make(chan notification, feedBuffer),
	}

	f.mu.Lock()
	select {
	case <-f.quit:
		sub.err = store.ErrSubscriptionClosed
		close(sub.pending)
	default:
		if f.subs[roomID] == nil {
			f.subs[roomID] = make(map[*subscription]struct{})
		}
		f.subs[roomID][sub] = struct{}{}
	}
	f.mu.Unlock()

	go f.pump(ctx, sub)
	return sub.pipe
}

// pump is the only producer of sub.pipe.
func (f *Feed) pump(ctx context.Context, sub *subscription) {
	for {
		select {
		case n, ok := <-sub.pending:
			if !ok {
				sub.pipe.Finish(sub.err)
				return
			}
			c, found := f.lookup(ctx, n)
			if !found {
				continue
			}
			if !sub.pipe.Send(c) {
				f.drop(sub, store.ErrSubscriptionClosed)
				sub.pipe.Finish(store.ErrSubscriptionClosed)
				return
			}
		case <-sub.pipe.Done():
			f.drop(sub, store.ErrSubscriptionClosed)
			sub.pipe.Finish(store.ErrSubscriptionClosed)
			return
		case <-ctx.Done():
			f.drop(sub, ctx.Err())
			sub.pipe.Finish(ctx.Err())
			return
		}
	}
}

func (f *Feed) lookup(ctx context.Context, n notification) (store.Change, bool) {
	doc, err := f.messages.GetMessage(ctx, n.ID)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn("failed to look up changed message", "error", err, "message_id", n.ID)
		}
		return store.Change{}, false
	}
	fields := make([]string, len(n.Fields))
	for i, field := range n.Fields {
		fields[i] = store.TopLevelField(field)
	}
	return store.Change{
		Op:            n.Op,
		MessageID:     n.ID,
		RoomID:        n.RoomID,
		UpdatedFields: fields,
		FullDocument:  doc,
	}, true
}

func (f *Feed) drop(sub *subscription, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked(sub, err)
}

// dropLocked unregisters sub and closes its pending queue. Its pump then
// drains what was queued and finishes the pipe with err.
func (f *Feed) dropLocked(sub *subscription, err error) {
	set, ok := f.subs[sub.roomID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(f.subs, sub.roomID)
	}
	sub.err = err
	close(sub.pending)
}

func (f *Feed) dropAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, set := range f.subs {
		for sub := range set {
			f.dropLocked(sub, err)
		}
	}
	if errors.Is(err, store.ErrFeedInterrupted) {
		f.logger.Warn("change feed interrupted, subscriptions closed")
	}
}

// Subscribers reports the number of live subscriptions for a room.
func (f *Feed) Subscribers(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[roomID])
}

// Close ends every subscription and the LISTEN connection.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		close(f.quit)
		f.mu.Unlock()
		<-f.done
		f.dropAll(store.ErrSubscriptionClosed)
		if f.listener != nil {
			f.listener.Close()
		}
	})
}

// Package feed turns a room's change feed into client events: new messages
// become "push message" events and receipt updates become "status change"
// events, emitted in the order the store committed them.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/store"
)

const (
	EventPushMessage  = "push message"
	EventStatusChange = "status change"
)

// EventKind is what a change record turns into.
type EventKind int

const (
	KindNone EventKind = iota
	KindPushMessage
	KindStatusChange
)

// Classify maps a change record to the event it produces. Only inserts and
// updates of a receipt list produce events.
func Classify(c store.Change) EventKind {
	switch c.Op {
	case store.OpInsert:
		return KindPushMessage
	case store.OpUpdate:
		if c.Touches(models.Delivered.Field()) || c.Touches(models.Read.Field()) {
			return KindStatusChange
		}
	}
	return KindNone
}

// StatusChange is the payload of a "status change" event.
type StatusChange struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	SenderID string `json:"senderId"`
}

// Emitter delivers an event to one connection.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

// Resolver renders statuses for emitted messages.
type Resolver interface {
	Status(ctx context.Context, m *models.Message) (string, error)
	WithStatus(ctx context.Context, m *models.Message) (models.MessageWithStatus, error)
}

type State int32

const (
	Idle State = iota
	Watching
)

func (s State) String() string {
	if s == Watching {
		return "watching"
	}
	return "idle"
}

// Dispatcher owns one room subscription of one connection.
type Dispatcher struct {
	roomID   string
	sub      store.Subscription
	resolver Resolver
	emitter  Emitter
	logger   *slog.Logger

	state     atomic.Int32
	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// Open subscribes to the room's change feed. Changes committed from this
// point on are buffered until Start is called.
func Open(ctx context.Context, changes store.ChangeFeed, roomID string, resolver Resolver, emitter Emitter, logger *slog.Logger) (*Dispatcher, error) {
	sub, err := changes.Watch(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		roomID:   roomID,
		sub:      sub,
		resolver: resolver,
		emitter:  emitter,
		logger:   logger.With("room_id", roomID),
		done:     make(chan struct{}),
	}
	d.state.Store(int32(Watching))
	return d, nil
}

func (d *Dispatcher) RoomID() string { return d.roomID }

func (d *Dispatcher) State() State { return State(d.state.Load()) }

// Done is closed when the dispatch loop has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err reports why the subscription failed. It is nil until Done is closed,
// and stays nil when the dispatcher was closed or its context ended.
func (d *Dispatcher) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Start runs the dispatch loop in its own goroutine until ctx ends, Close
// is called, or the subscription fails.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		go d.run(ctx)
	})
}

// Close cancels the subscription and waits for the loop to exit. No event
// is emitted after Close returns.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		started := true
		d.startOnce.Do(func() { started = false })
		if d.cancel != nil {
			d.cancel()
		}
		d.sub.Close()
		if started {
			<-d.done
		} else {
			close(d.done)
		}
		d.state.Store(int32(Idle))
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer func() {
		d.state.Store(int32(Idle))
		d.sub.Close()
		close(d.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-d.sub.Changes():
			if !ok {
				if err := d.sub.Err(); err != nil && !errors.Is(err, store.ErrSubscriptionClosed) && ctx.Err() == nil {
					d.logger.Warn("change feed ended", "error", err)
					d.err = err
				}
				return
			}
			d.dispatch(ctx, c)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, c store.Change) {
	kind := Classify(c)
	if kind == KindNone {
		return
	}
	doc := c.FullDocument
	if doc == nil {
		d.logger.Warn("change without document", "message_id", c.MessageID, "op", string(c.Op))
		return
	}

	var (
		eventType string
		payload   any
	)
	switch kind {
	case KindPushMessage:
		msg, err := d.resolver.WithStatus(ctx, doc)
		if err != nil {
			d.logger.Error("failed to render pushed message", "error", err, "message_id", doc.ID)
			return
		}
		eventType, payload = EventPushMessage, msg
	case KindStatusChange:
		status, err := d.resolver.Status(ctx, doc)
		if err != nil {
			d.logger.Error("failed to render status change", "error", err, "message_id", doc.ID)
			return
		}
		eventType, payload = EventStatusChange, StatusChange{ID: doc.ID, Status: status, SenderID: doc.SenderID}
	}

	if err := d.emitter.Emit(ctx, eventType, payload); err != nil && ctx.Err() == nil {
		d.logger.Warn("failed to emit event", "error", err, "event", eventType, "message_id", doc.ID)
	}
}

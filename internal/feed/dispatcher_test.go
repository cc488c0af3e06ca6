package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/receipts"
	"github.com/umar/chat-receipts/internal/store"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type event struct {
	Type    string
	Payload any
}

type recorder struct {
	mu     sync.Mutex
	events []event
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) Emit(ctx context.Context, eventType string, payload any) error {
	r.mu.Lock()
	r.events = append(r.events, event{Type: eventType, Payload: payload})
	r.mu.Unlock()
	r.signal <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.events) >= n {
			out := append([]event{}, r.events...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type env struct {
	store    *store.Memory
	resolver *receipts.StatusResolver
	updater  *receipts.Updater
	room     *models.Room
	sender   *models.User
	peer     *models.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	sender, _ := s.CreateUser(ctx, "Sam")
	peer, _ := s.CreateUser(ctx, "Pat")
	room, err := s.CreateRoom(ctx, "dm", []string{sender.ID, peer.ID})
	require.NoError(t, err)
	return &env{
		store:    s,
		resolver: receipts.NewStatusResolver(s, s, nil),
		updater:  receipts.NewUpdater(s, nil),
		room:     room,
		sender:   sender,
		peer:     peer,
	}
}

func (e *env) post(t *testing.T, text string) *models.Message {
	t.Helper()
	m, err := receipts.NewInitializer(e.store, e.store, store.NewMemoryPresence()).
		Initialize(context.Background(), e.room.ID, e.sender.ID, text)
	require.NoError(t, err)
	return m
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		change store.Change
		want   EventKind
	}{
		{"insert", store.Change{Op: store.OpInsert}, KindPushMessage},
		{"delivered", store.Change{Op: store.OpUpdate, UpdatedFields: []string{"deliveredTo"}}, KindStatusChange},
		{"read", store.Change{Op: store.OpUpdate, UpdatedFields: []string{"text", "readBy"}}, KindStatusChange},
		{"other field", store.Change{Op: store.OpUpdate, UpdatedFields: []string{"text"}}, KindNone},
		{"delete", store.Change{Op: store.OpDelete}, KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.change))
		})
	}
}

func TestInsertThenDeliveredEmitsOnceEach(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := newRecorder()

	d, err := Open(ctx, e.store, e.room.ID, e.resolver, rec, nil)
	require.NoError(t, err)
	d.Start(ctx)
	defer d.Close()
	assert.Equal(t, Watching, d.State())

	m := e.post(t, "hello")
	events := rec.wait(t, 1)
	require.Equal(t, EventPushMessage, events[0].Type)
	pushed := events[0].Payload.(models.MessageWithStatus)
	assert.Equal(t, m.ID, pushed.Message.ID)
	assert.Equal(t, "Sam", pushed.Message.SenderName)
	assert.Equal(t, "sent", pushed.Status)

	_, err = e.updater.MarkDelivered(ctx, e.room.ID, e.peer.ID)
	require.NoError(t, err)
	events = rec.wait(t, 2)
	require.Equal(t, EventStatusChange, events[1].Type)
	change := events[1].Payload.(StatusChange)
	assert.Equal(t, m.ID, change.ID)
	assert.Equal(t, e.sender.ID, change.SenderID)
	assert.Contains(t, change.Status, "delivered")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestPushPrecedesStatusChangeForSameMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := newRecorder()

	d, err := Open(ctx, e.store, e.room.ID, e.resolver, rec, nil)
	require.NoError(t, err)
	defer d.Close()

	// Changes committed before Start are buffered, not lost or reordered.
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, e.post(t, "m").ID)
	}
	_, err = e.updater.MarkRead(ctx, e.room.ID, e.peer.ID)
	require.NoError(t, err)

	d.Start(ctx)
	events := rec.wait(t, 15)

	pushed := map[string]int{}
	for i, ev := range events {
		switch p := ev.Payload.(type) {
		case models.MessageWithStatus:
			pushed[p.Message.ID] = i
		case StatusChange:
			at, ok := pushed[p.ID]
			require.True(t, ok, "status change for %s before its push", p.ID)
			assert.Less(t, at, i)
		}
	}
	assert.Len(t, pushed, len(ids))

	last := events[len(events)-1].Payload.(StatusChange)
	assert.Equal(t, ids[len(ids)-1], last.ID)
	assert.Contains(t, last.Status, "read")
}

func TestOtherFieldUpdateEmitsNothing(t *testing.T) {
	pipe := store.NewPipe(8, nil)
	feed := staticFeed{pipe}
	e := newEnv(t)
	rec := newRecorder()
	ctx := context.Background()

	d, err := Open(ctx, feed, e.room.ID, e.resolver, rec, nil)
	require.NoError(t, err)
	d.Start(ctx)

	doc := &models.Message{ID: "m1", RoomID: e.room.ID, SenderID: e.sender.ID}
	pipe.TrySend(store.Change{Op: store.OpUpdate, MessageID: "m1", RoomID: e.room.ID, UpdatedFields: []string{"text"}, FullDocument: doc})
	pipe.TrySend(store.Change{Op: store.OpUpdate, MessageID: "m1", RoomID: e.room.ID, UpdatedFields: []string{"deliveredTo"}, FullDocument: doc})
	pipe.Finish(nil)

	<-d.Done()
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, Idle, d.State())
	d.Close()
}

func TestMissingRoomSkipsEmissionAndContinues(t *testing.T) {
	pipe := store.NewPipe(8, nil)
	e := newEnv(t)
	rec := newRecorder()
	ctx := context.Background()

	d, err := Open(ctx, staticFeed{pipe}, e.room.ID, e.resolver, rec, nil)
	require.NoError(t, err)
	d.Start(ctx)

	orphan := &models.Message{ID: "orphan", RoomID: "gone", SenderID: e.sender.ID}
	ok := &models.Message{ID: "ok", RoomID: e.room.ID, SenderID: e.sender.ID}
	pipe.TrySend(store.Change{Op: store.OpInsert, MessageID: "orphan", FullDocument: orphan})
	pipe.TrySend(store.Change{Op: store.OpInsert, MessageID: "ok", FullDocument: ok})
	pipe.Finish(nil)

	<-d.Done()
	events := rec.wait(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Payload.(models.MessageWithStatus).Message.ID)
	d.Close()
}

func TestSubscriptionFailureReturnsToIdle(t *testing.T) {
	pipe := store.NewPipe(1, nil)
	e := newEnv(t)
	ctx := context.Background()

	d, err := Open(ctx, staticFeed{pipe}, e.room.ID, e.resolver, newRecorder(), nil)
	require.NoError(t, err)
	d.Start(ctx)
	pipe.Finish(store.ErrFeedInterrupted)

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher kept running after feed failure")
	}
	assert.Equal(t, Idle, d.State())
	assert.ErrorIs(t, d.Err(), store.ErrFeedInterrupted)
	d.Close()
	assert.ErrorIs(t, d.Err(), store.ErrFeedInterrupted)
}

func TestCloseStopsEmissionsAndOnlyItsOwnSubscription(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first, second := newRecorder(), newRecorder()

	d1, err := Open(ctx, e.store, e.room.ID, e.resolver, first, nil)
	require.NoError(t, err)
	d1.Start(ctx)
	d2, err := Open(ctx, e.store, e.room.ID, e.resolver, second, nil)
	require.NoError(t, err)
	d2.Start(ctx)
	defer d2.Close()

	d1.Close()
	assert.Equal(t, Idle, d1.State())
	assert.NoError(t, d1.Err())
	assert.Equal(t, 1, e.store.Subscribers(e.room.ID))

	e.post(t, "after close")
	second.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, first.count())
}

func TestCloseWithoutStart(t *testing.T) {
	e := newEnv(t)
	d, err := Open(context.Background(), e.store, e.room.ID, e.resolver, newRecorder(), nil)
	require.NoError(t, err)
	d.Close()
	d.Start(context.Background())
	<-d.Done()
	assert.Equal(t, 0, e.store.Subscribers(e.room.ID))
}

func TestOpenFailure(t *testing.T) {
	_, err := Open(context.Background(), failingFeed{}, "r", nil, newRecorder(), nil)
	assert.Error(t, err)
}

type staticFeed struct{ pipe *store.Pipe }

func (f staticFeed) Watch(ctx context.Context, roomID string) (store.Subscription, error) {
	return f.pipe, nil
}

type failingFeed struct{}

func (failingFeed) Watch(ctx context.Context, roomID string) (store.Subscription, error) {
	return nil, errors.New("change source unavailable")
}

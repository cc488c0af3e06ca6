package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umar/chat-receipts/internal/models"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seedRoom(t *testing.T, s *Memory, n int) (*models.Room, []models.User) {
	t.Helper()
	ctx := context.Background()
	var users []models.User
	var ids []string
	for i := 0; i < n; i++ {
		u, err := s.CreateUser(ctx, string(rune('A'+i)))
		require.NoError(t, err)
		users = append(users, *u)
		ids = append(ids, u.ID)
	}
	room, err := s.CreateRoom(ctx, "room", ids)
	require.NoError(t, err)
	return room, users
}

func TestAppendReceiptConcurrentIsUnique(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	room, users := seedRoom(t, s, 2)

	msg, err := s.CreateMessage(ctx, &models.Message{RoomID: room.ID, SenderID: users[0].ID, Text: "hi"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	appended := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AppendReceipt(ctx, msg.ID, models.Delivered, models.Receipt{User: users[1].ID, Timestamp: time.Now()})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				appended++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, appended)
	assert.Len(t, got.DeliveredTo, 1)
}

func TestAppendReceiptRejectsSender(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	room, users := seedRoom(t, s, 2)
	msg, err := s.CreateMessage(ctx, &models.Message{RoomID: room.ID, SenderID: users[0].ID, Text: "hi"})
	require.NoError(t, err)

	ok, err := s.AppendReceipt(ctx, msg.ID, models.Read, models.Receipt{User: users[0].ID, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.AppendReceipt(ctx, "missing", models.Read, models.Receipt{User: users[1].ID})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendReceiptIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := NewMemory()
		ctx := context.Background()
		ids := []string{"sender"}
		for i := 0; i < 4; i++ {
			u, _ := s.CreateUser(ctx, "u")
			ids = append(ids, u.ID)
		}
		room, _ := s.CreateRoom(ctx, "r", ids)
		msg, err := s.CreateMessage(ctx, &models.Message{RoomID: room.ID, SenderID: "sender", Text: "x"})
		if err != nil {
			rt.Fatalf("create: %v", err)
		}

		steps := rapid.SliceOfN(rapid.IntRange(0, len(ids)*2-1), 1, 40).Draw(rt, "steps")
		for _, step := range steps {
			user := ids[step%len(ids)]
			kind := models.ReceiptKind(step / len(ids))
			if _, err := s.AppendReceipt(ctx, msg.ID, kind, models.Receipt{User: user, Timestamp: time.Now()}); err != nil {
				rt.Fatalf("append: %v", err)
			}
		}

		got, _ := s.GetMessage(ctx, msg.ID)
		for _, kind := range []models.ReceiptKind{models.Delivered, models.Read} {
			seen := map[string]bool{}
			for _, r := range got.Receipts(kind) {
				if r.User == "sender" {
					rt.Fatalf("sender has a %s receipt", kind)
				}
				if seen[r.User] {
					rt.Fatalf("duplicate %s receipt for %s", kind, r.User)
				}
				seen[r.User] = true
			}
		}
	})
}

func TestPendingReceipts(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	room, users := seedRoom(t, s, 3)

	m1, _ := s.CreateMessage(ctx, &models.Message{RoomID: room.ID, SenderID: users[0].ID, Text: "1"})
	_, _ = s.CreateMessage(ctx, &models.Message{RoomID: room.ID, SenderID: users[1].ID, Text: "2"})
	m3, _ := s.CreateMessage(ctx, &models.Message{
		RoomID: room.ID, SenderID: users[0].ID, Text: "3",
		DeliveredTo: []models.Receipt{{User: users[1].ID, Timestamp: time.Now()}},
	})

	ids, err := s.PendingReceipts(ctx, room.ID, users[1].ID, models.Delivered)
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID}, ids)

	ids, err = s.PendingReceipts(ctx, room.ID, users[1].ID, models.Read)
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID, m3.ID}, ids)
}

func TestWatchDeliversInCommitOrder(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	room, users := seedRoom(t, s, 2)
	other, _ := s.CreateRoom(ctx, "other", []string{users[0].ID, users[1].ID})

	sub, err := s.Watch(ctx, room.ID)
	require.NoError(t, err)
	defer sub.Close()

	msg, _ := s.CreateMessage(ctx, &models.Message{RoomID: room.ID, SenderID: users[0].ID, Text: "hi"})
	_, _ = s.CreateMessage(ctx, &models.Message{RoomID: other.ID, SenderID: users[0].ID, Text: "elsewhere"})
	_, _ = s.AppendReceipt(ctx, msg.ID, models.Delivered, models.Receipt{User: users[1].ID, Timestamp: time.Now()})
	_, _ = s.AppendReceipt(ctx, msg.ID, models.Read, models.Receipt{User: users[1].ID, Timestamp: time.Now()})

	var got []Change
	for len(got) < 3 {
		select {
		case c := <-sub.Changes():
			got = append(got, c)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for changes")
		}
	}
	assert.Equal(t, OpInsert, got[0].Op)
	assert.Equal(t, OpUpdate, got[1].Op)
	assert.True(t, got[1].Touches("deliveredTo"))
	assert.Len(t, got[1].FullDocument.DeliveredTo, 1)
	assert.True(t, got[2].Touches("readBy"))
	assert.Len(t, got[2].FullDocument.ReadBy, 1)
	for _, c := range got {
		assert.Equal(t, msg.ID, c.MessageID)
	}
}

func TestWatchCloseTearsDownOnlyItself(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	room, users := seedRoom(t, s, 2)

	a, err := s.Watch(ctx, room.ID)
	require.NoError(t, err)
	b, err := s.Watch(ctx, room.ID)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, 2, s.Subscribers(room.ID))

	require.NoError(t, a.Close())
	_, open := <-a.Changes()
	assert.False(t, open)
	assert.ErrorIs(t, a.Err(), ErrSubscriptionClosed)
	assert.Equal(t, 1, s.Subscribers(room.ID))

	_, _ = s.CreateMessage(ctx, &models.Message{RoomID: room.ID, SenderID: users[0].ID, Text: "hi"})
	select {
	case c := <-b.Changes():
		assert.Equal(t, OpInsert, c.Op)
	case <-time.After(time.Second):
		t.Fatal("surviving subscription got nothing")
	}
}

func TestWatchContextCancel(t *testing.T) {
	s := NewMemory()
	room, _ := seedRoom(t, s, 2)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Watch(ctx, room.ID)
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-sub.Changes():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Equal(t, 0, s.Subscribers(room.ID))
}

func TestSlowConsumerIsDropped(t *testing.T) {
	s := NewMemory()
	s.buffer = 1
	ctx := context.Background()
	room, users := seedRoom(t, s, 2)
	sub, err := s.Watch(ctx, room.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, _ = s.CreateMessage(ctx, &models.Message{RoomID: room.ID, SenderID: users[0].ID, Text: "1"})
	_, _ = s.CreateMessage(ctx, &models.Message{RoomID: room.ID, SenderID: users[0].ID, Text: "2"})

	<-sub.Changes()
	_, open := <-sub.Changes()
	assert.False(t, open)
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
}

func TestTopLevelField(t *testing.T) {
	assert.Equal(t, "deliveredTo", TopLevelField("deliveredTo.3"))
	assert.Equal(t, "readBy", TopLevelField("readBy"))
	assert.Equal(t, "readBy", TopLevelField("readBy.0.user"))
}

func TestMemoryPresence(t *testing.T) {
	p := NewMemoryPresence()
	ctx := context.Background()
	require.NoError(t, p.SetOnline(ctx, "a"))
	require.NoError(t, p.SetOnline(ctx, "b"))
	require.NoError(t, p.SetActive(ctx, "b", false))
	require.NoError(t, p.SetOffline(ctx, "a"))

	snap, err := p.Snapshot(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, models.Presence{}, snap["a"])
	assert.Equal(t, models.Presence{Online: true}, snap["b"])
	assert.Equal(t, models.Presence{}, snap["c"])

	n, err := p.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/umar/chat-receipts/internal/models"
)

const memoryFeedBuffer = 256

// Memory is an in-process document store. Every mutation and the fan-out of
// its change record happen under one lock, so subscribers observe changes in
// commit order.
type Memory struct {
	mu        sync.Mutex
	users     map[string]models.User
	userOrder []string
	rooms     map[string]models.Room
	roomOrder []string
	messages  map[string]*models.Message
	byRoom    map[string][]string
	subs      map[string]map[*Pipe]struct{}

	now    func() time.Time
	buffer int
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]models.User),
		rooms:    make(map[string]models.Room),
		messages: make(map[string]*models.Message),
		byRoom:   make(map[string][]string),
		subs:     make(map[string]map[*Pipe]struct{}),
		now:      time.Now,
		buffer:   memoryFeedBuffer,
	}
}

// --- Users ---

func (s *Memory) CreateUser(ctx context.Context, name string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := models.User{ID: uuid.NewString(), Name: name, CreatedAt: s.now()}
	s.users[u.ID] = u
	s.userOrder = append(s.userOrder, u.ID)
	return &u, nil
}

func (s *Memory) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (s *Memory) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]models.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		users = append(users, s.users[id])
	}
	return users, nil
}

func (s *Memory) UsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := make(map[string]models.User, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			found[id] = u
		}
	}
	return found, nil
}

// --- Rooms ---

func (s *Memory) CreateRoom(ctx context.Context, name string, members []string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		Members:   append([]string{}, members...),
		CreatedAt: s.now(),
	}
	s.rooms[r.ID] = r
	s.roomOrder = append(s.roomOrder, r.ID)
	return cloneRoom(r), nil
}

func (s *Memory) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	return cloneRoom(r), nil
}

func (s *Memory) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := []models.Room{}
	for _, id := range s.roomOrder {
		r := s.rooms[id]
		if r.HasMember(userID) {
			rooms = append(rooms, *cloneRoom(r))
		}
	}
	return rooms, nil
}

func cloneRoom(r models.Room) *models.Room {
	r.Members = append([]string{}, r.Members...)
	return &r
}

// --- Messages ---

func (s *Memory) CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[m.RoomID]; !ok {
		return nil, fmt.Errorf("failed to create message: room %s: %w", m.RoomID, ErrNotFound)
	}
	stored := m.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.messages[stored.ID] = stored
	s.byRoom[stored.RoomID] = append(s.byRoom[stored.RoomID], stored.ID)
	s.publishLocked(Change{Op: OpInsert, MessageID: stored.ID, RoomID: stored.RoomID, FullDocument: stored.Clone()})
	return stored.Clone(), nil
}

func (s *Memory) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *Memory) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byRoom[roomID]
	msgs := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, *s.messages[id].Clone())
	}
	return msgs, nil
}

func (s *Memory) PendingReceipts(ctx context.Context, roomID, userID string, kind models.ReceiptKind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.byRoom[roomID] {
		m := s.messages[id]
		if m.SenderID != userID && !m.HasReceipt(kind, userID) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Memory) AppendReceipt(ctx context.Context, messageID string, kind models.ReceiptKind, r models.Receipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if m.SenderID == r.User || m.HasReceipt(kind, r.User) {
		return false, nil
	}
	if kind == models.Read {
		m.ReadBy = append(m.ReadBy, r)
	} else {
		m.DeliveredTo = append(m.DeliveredTo, r)
	}
	s.publishLocked(Change{
		Op:            OpUpdate,
		MessageID:     m.ID,
		RoomID:        m.RoomID,
		UpdatedFields: []string{kind.Field()},
		FullDocument:  m.Clone(),
	})
	return true, nil
}

// --- Change feed ---

func (s *Memory) Watch(ctx context.Context, roomID string) (Subscription, error) {
	var p *Pipe
	p = NewPipe(s.buffer, func() { s.unsubscribe(roomID, p) })

	s.mu.Lock()
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[*Pipe]struct{})
	}
	s.subs[roomID][p] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.Done():
		case <-p.Ended():
		}
	}()
	return p, nil
}

func (s *Memory) unsubscribe(roomID string, p *Pipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(roomID, p, ErrSubscriptionClosed)
}

func (s *Memory) dropLocked(roomID string, p *Pipe, err error) {
	if set, ok := s.subs[roomID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(s.subs, roomID)
		}
	}
	p.Finish(err)
}

func (s *Memory) publishLocked(c Change) {
	for p := range s.subs[c.RoomID] {
		doc := c
		doc.FullDocument = c.FullDocument.Clone()
		if !p.TrySend(doc) {
			s.dropLocked(c.RoomID, p, ErrSlowConsumer)
		}
	}
}

// Subscribers reports the number of live subscriptions for a room.
func (s *Memory) Subscribers(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[roomID])
}

func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID, set := range s.subs {
		for p := range set {
			s.dropLocked(roomID, p, ErrSubscriptionClosed)
		}
	}
	return nil
}

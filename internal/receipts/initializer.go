package receipts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/store"
)

var (
	ErrNotMember = errors.New("sender is not a member of the room")
	ErrEmptyText = errors.New("message text is empty")
)

// BuildMessage creates a message whose receipt lists reflect presence at
// send time: every online member other than the sender has received it, and
// every online member whose window is focused has also read it. All receipts
// share the same timestamp.
func BuildMessage(room *models.Room, senderID, text string, snapshot map[string]models.Presence, now time.Time) *models.Message {
	m := &models.Message{
		RoomID:      room.ID,
		SenderID:    senderID,
		Text:        text,
		DeliveredTo: []models.Receipt{},
		ReadBy:      []models.Receipt{},
		CreatedAt:   now,
	}
	for _, id := range room.Members {
		if id == senderID {
			continue
		}
		p := snapshot[id]
		if !p.Online {
			continue
		}
		m.DeliveredTo = append(m.DeliveredTo, models.Receipt{User: id, Timestamp: now})
		if p.Active {
			m.ReadBy = append(m.ReadBy, models.Receipt{User: id, Timestamp: now})
		}
	}
	return m
}

// Initializer creates messages with their receipts pre-populated.
type Initializer struct {
	rooms    store.RoomStore
	messages store.MessageStore
	presence store.PresenceStore
	now      func() time.Time
}

func NewInitializer(rooms store.RoomStore, messages store.MessageStore, presence store.PresenceStore) *Initializer {
	return &Initializer{rooms: rooms, messages: messages, presence: presence, now: time.Now}
}

// Initialize builds and stores a new message from senderID in roomID. The
// message is persisted in one write together with its receipts.
func (i *Initializer) Initialize(ctx context.Context, roomID, senderID, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	room, err := i.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", roomID, err)
	}
	if !room.HasMember(senderID) {
		return nil, ErrNotMember
	}

	others := make([]string, 0, len(room.Members))
	for _, id := range room.Members {
		if id != senderID {
			others = append(others, id)
		}
	}
	snapshot, err := i.presence.Snapshot(ctx, others)
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	msg, err := i.messages.CreateMessage(ctx, BuildMessage(room, senderID, text, snapshot, i.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

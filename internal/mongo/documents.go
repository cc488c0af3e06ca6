package mongoc

import (
	"fmt"
	"time"

	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/store"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type userDoc struct {
	ID        primitive.ObjectID `bson:"_id"`
	Name      string             `bson:"name"`
	CreatedAt time.Time          `bson:"createdAt"`
}

func (d userDoc) model() models.User {
	return models.User{ID: d.ID.Hex(), Name: d.Name, CreatedAt: d.CreatedAt}
}

type roomDoc struct {
	ID        primitive.ObjectID   `bson:"_id"`
	Name      string               `bson:"name"`
	Members   []primitive.ObjectID `bson:"members"`
	CreatedAt time.Time            `bson:"createdAt"`
}

func (d roomDoc) model() models.Room {
	members := make([]string, len(d.Members))
	for i, m := range d.Members {
		members[i] = m.Hex()
	}
	return models.Room{ID: d.ID.Hex(), Name: d.Name, Members: members, CreatedAt: d.CreatedAt}
}

type receiptDoc struct {
	User      primitive.ObjectID `bson:"user"`
	Timestamp time.Time          `bson:"timestamp"`
}

type messageDoc struct {
	ID          primitive.ObjectID `bson:"_id"`
	RoomID      primitive.ObjectID `bson:"roomId"`
	SenderID    primitive.ObjectID `bson:"senderId"`
	Text        string             `bson:"text"`
	DeliveredTo []receiptDoc       `bson:"deliveredTo"`
	ReadBy      []receiptDoc       `bson:"readBy"`
	CreatedAt   time.Time          `bson:"createdAt"`
}

func (d messageDoc) model() models.Message {
	m := models.Message{
		ID:          d.ID.Hex(),
		RoomID:      d.RoomID.Hex(),
		SenderID:    d.SenderID.Hex(),
		Text:        d.Text,
		DeliveredTo: receiptModels(d.DeliveredTo),
		ReadBy:      receiptModels(d.ReadBy),
		CreatedAt:   d.CreatedAt,
	}
	m.Normalize()
	return m
}

func receiptModels(docs []receiptDoc) []models.Receipt {
	out := make([]models.Receipt, len(docs))
	for i, d := range docs {
		out[i] = models.Receipt{User: d.User.Hex(), Timestamp: d.Timestamp}
	}
	return out
}

func receiptDocs(rs []models.Receipt) ([]receiptDoc, error) {
	out := make([]receiptDoc, len(rs))
	for i, r := range rs {
		oid, err := primitive.ObjectIDFromHex(r.User)
		if err != nil {
			return nil, fmt.Errorf("receipt user %q: %w", r.User, err)
		}
		out[i] = receiptDoc{User: oid, Timestamp: r.Timestamp.UTC()}
	}
	return out, nil
}

// messageFromModel converts m for insertion. The id is left for the caller.
func messageFromModel(m *models.Message) (messageDoc, error) {
	room, err := primitive.ObjectIDFromHex(m.RoomID)
	if err != nil {
		return messageDoc{}, fmt.Errorf("room %s: %w", m.RoomID, store.ErrNotFound)
	}
	sender, err := primitive.ObjectIDFromHex(m.SenderID)
	if err != nil {
		return messageDoc{}, fmt.Errorf("sender %s: %w", m.SenderID, store.ErrNotFound)
	}
	delivered, err := receiptDocs(m.DeliveredTo)
	if err != nil {
		return messageDoc{}, err
	}
	read, err := receiptDocs(m.ReadBy)
	if err != nil {
		return messageDoc{}, err
	}
	return messageDoc{
		RoomID:      room,
		SenderID:    sender,
		Text:        m.Text,
		DeliveredTo: delivered,
		ReadBy:      read,
		CreatedAt:   m.CreatedAt.UTC(),
	}, nil
}

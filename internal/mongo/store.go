// Package mongoc keeps the chat documents in MongoDB and serves the room
// change feed from change streams. Change streams need a replica set.
package mongoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection    = "users"
	roomsCollection    = "rooms"
	messagesCollection = "messages"
)

type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	rooms    *mongo.Collection
	messages *mongo.Collection
	logger   *slog.Logger
	now      func() time.Time
}

// Connect dials uri, checks the connection and ensures indexes on dbName.
func Connect(ctx context.Context, uri, dbName string, logger *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	s := NewStore(client, dbName, logger)
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func NewStore(client *mongo.Client, dbName string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	db := client.Database(dbName)
	return &Store{
		client:   client,
		users:    db.Collection(usersCollection),
		rooms:    db.Collection(roomsCollection),
		messages: db.Collection(messagesCollection),
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "createdAt", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create message index: %w", err)
	}
	if _, err := s.rooms.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "members", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create room index: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, name string) (*models.User, error) {
	doc := userDoc{ID: primitive.NewObjectID(), Name: name, CreatedAt: s.now().UTC()}
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	u := doc.model()
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	var doc userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u := doc.model()
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.findUsers(ctx, bson.M{})
}

func (s *Store) UsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error) {
	oids := objectIDs(ids)
	found := make(map[string]models.User, len(oids))
	if len(oids) == 0 {
		return found, nil
	}
	users, err := s.findUsers(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		found[u.ID] = u
	}
	return found, nil
}

func (s *Store) findUsers(ctx context.Context, filter bson.M) ([]models.User, error) {
	cur, err := s.users.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	users := make([]models.User, len(docs))
	for i, d := range docs {
		users[i] = d.model()
	}
	return users, nil
}

// --- Rooms ---

func (s *Store) CreateRoom(ctx context.Context, name string, members []string) (*models.Room, error) {
	oids := make([]primitive.ObjectID, len(members))
	for i, id := range members {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return nil, fmt.Errorf("failed to create room: member %s: %w", id, store.ErrNotFound)
		}
		oids[i] = oid
	}
	doc := roomDoc{ID: primitive.NewObjectID(), Name: name, Members: oids, CreatedAt: s.now().UTC()}
	if _, err := s.rooms.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	r := doc.model()
	return &r, nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, store.ErrNotFound)
	}
	var doc roomDoc
	if err := s.rooms.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("room %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	r := doc.model()
	return &r, nil
}

func (s *Store) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rooms := []models.Room{}
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return rooms, nil
	}
	cur, err := s.rooms.Find(ctx, bson.M{"members": oid}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to get user rooms: %w", err)
	}
	var docs []roomDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode rooms: %w", err)
	}
	for _, d := range docs {
		rooms = append(rooms, d.model())
	}
	return rooms, nil
}

// --- Messages ---

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	doc, err := messageFromModel(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if n, err := s.rooms.CountDocuments(ctx, bson.M{"_id": doc.RoomID}); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("failed to create message: room %s: %w", m.RoomID, store.ErrNotFound)
	}
	doc.ID = primitive.NewObjectID()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now().UTC()
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	stored := doc.model()
	return &stored, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	m := doc.model()
	return &m, nil
}

func (s *Store) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	msgs := []models.Message{}
	oid, err := primitive.ObjectIDFromHex(roomID)
	if err != nil {
		return msgs, nil
	}
	cur, err := s.messages.Find(ctx, bson.M{"roomId": oid},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	for _, d := range docs {
		msgs = append(msgs, d.model())
	}
	return msgs, nil
}

// receiptFilter matches messages userID has no receipt of kind for and did
// not send.
func receiptFilter(user primitive.ObjectID, kind models.ReceiptKind) bson.M {
	filter := bson.M{"senderId": bson.M{"$ne": user}}
	filter[kind.Field()+".user"] = bson.M{"$ne": user}
	return filter
}

func (s *Store) PendingReceipts(ctx context.Context, roomID, userID string, kind models.ReceiptKind) ([]string, error) {
	room, err := primitive.ObjectIDFromHex(roomID)
	if err != nil {
		return nil, nil
	}
	user, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, nil
	}
	filter := receiptFilter(user, kind)
	filter["roomId"] = room

	cur, err := s.messages.Find(ctx, filter, options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending %s receipts: %w", kind, err)
	}
	var docs []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode pending receipts: %w", err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID.Hex()
	}
	return ids, nil
}

// AppendReceipt pushes r only when the filter still holds at write time, so
// concurrent appends for one user leave a single entry.
func (s *Store) AppendReceipt(ctx context.Context, messageID string, kind models.ReceiptKind, r models.Receipt) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(messageID)
	if err != nil {
		return false, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	user, err := primitive.ObjectIDFromHex(r.User)
	if err != nil {
		return false, nil
	}
	filter := receiptFilter(user, kind)
	filter["_id"] = oid
	update := bson.M{"$push": bson.M{kind.Field(): receiptDoc{User: user, Timestamp: r.Timestamp.UTC()}}}

	res, err := s.messages.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to append %s receipt: %w", kind, err)
	}
	return res.ModifiedCount == 1, nil
}

func objectIDs(ids []string) []primitive.ObjectID {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
	}
	return oids
}

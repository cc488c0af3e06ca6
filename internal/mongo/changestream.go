package mongoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/umar/chat-receipts/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const streamBuffer = 256

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID primitive.ObjectID `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument      *messageDoc `bson:"fullDocument"`
	UpdateDescription struct {
		UpdatedFields bson.M `bson:"updatedFields"`
	} `bson:"updateDescription"`
}

// decodeChange reads one raw change stream event. ok is false for events
// that carry no message change.
func decodeChange(raw bson.Raw) (c store.Change, ok bool, err error) {
	var ev changeEvent
	if err := bson.Unmarshal(raw, &ev); err != nil {
		return store.Change{}, false, err
	}
	c, ok = ev.change()
	return c, ok, nil
}

// change converts a change stream event. Updated field paths are reduced to
// top-level names and sorted.
func (e changeEvent) change() (store.Change, bool) {
	if e.FullDocument == nil {
		return store.Change{}, false
	}
	var op store.Op
	switch e.OperationType {
	case "insert":
		op = store.OpInsert
	case "update", "replace":
		op = store.OpUpdate
	default:
		return store.Change{}, false
	}

	seen := make(map[string]bool)
	var fields []string
	for path := range e.UpdateDescription.UpdatedFields {
		field := store.TopLevelField(path)
		if !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	doc := e.FullDocument.model()
	return store.Change{
		Op:            op,
		MessageID:     doc.ID,
		RoomID:        doc.RoomID,
		UpdatedFields: fields,
		FullDocument:  &doc,
	}, true
}

// Watch opens a change stream on the room's messages. Every event carries
// the full current document.
func (s *Store) Watch(ctx context.Context, roomID string) (store.Subscription, error) {
	room, err := primitive.ObjectIDFromHex(roomID)
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", roomID, store.ErrNotFound)
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "fullDocument.roomId", Value: room},
			{Key: "operationType", Value: bson.M{"$in": bson.A{"insert", "update", "replace"}}},
		}}},
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := s.messages.Watch(streamCtx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch room %s: %w", roomID, err)
	}

	pipe := store.NewPipe(streamBuffer, cancel)
	go stream(streamCtx, cs, pipe, s.logger.With("room_id", roomID))
	return pipe, nil
}

// stream is the only producer of pipe.
func stream(ctx context.Context, cs *mongo.ChangeStream, pipe *store.Pipe, logger *slog.Logger) {
	defer cs.Close(context.Background())

	for cs.Next(ctx) {
		c, ok, err := decodeChange(cs.Current)
		if err != nil {
			logger.Error("malformed change event", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if !pipe.Send(c) {
			pipe.Finish(store.ErrSubscriptionClosed)
			return
		}
	}

	select {
	case <-pipe.Done():
		pipe.Finish(store.ErrSubscriptionClosed)
		return
	default:
	}
	err := cs.Err()
	switch {
	case ctx.Err() != nil:
		pipe.Finish(ctx.Err())
	case err == nil, errors.Is(err, context.Canceled):
		pipe.Finish(store.ErrFeedInterrupted)
	default:
		pipe.Finish(fmt.Errorf("%w: %v", store.ErrFeedInterrupted, err))
	}
}

// Package store defines the document-store and presence collaborators the
// receipt pipeline runs against, plus in-memory implementations of both.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/umar/chat-receipts/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrSubscriptionClosed is reported by a subscription closed by its owner.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrSlowConsumer is reported when a subscriber falls far enough behind
	// that the feed drops it instead of blocking every other subscriber.
	ErrSlowConsumer = errors.New("change feed subscriber too slow")

	// ErrFeedInterrupted is reported when the underlying change source lost
	// its connection and notifications may have been missed.
	ErrFeedInterrupted = errors.New("change feed interrupted")
)

type UserStore interface {
	CreateUser(ctx context.Context, name string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	// UsersByIDs returns the users found among ids keyed by id. Unknown ids
	// are omitted.
	UsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error)
}

type RoomStore interface {
	CreateRoom(ctx context.Context, name string, members []string) (*models.Room, error)
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	RoomsForUser(ctx context.Context, userID string) ([]models.Room, error)
}

type MessageStore interface {
	// CreateMessage persists m, receipt lists included, in one atomic write
	// and returns the stored document.
	CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages returns the room's messages oldest first.
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	// PendingReceipts lists ids of messages in the room not sent by userID
	// that have no receipt of the given kind for userID yet.
	PendingReceipts(ctx context.Context, roomID, userID string, kind models.ReceiptKind) ([]string, error)
	// AppendReceipt appends r to the message's receipt list in a single
	// conditional update: nothing happens if r.User is the sender or already
	// present in the list. Reports whether the receipt was appended.
	AppendReceipt(ctx context.Context, messageID string, kind models.ReceiptKind, r models.Receipt) (bool, error)
}

// Op is the kind of mutation a change record describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one committed mutation of a message document. FullDocument is
// the document as it was when the change was looked up, never just a delta.
type Change struct {
	Op            Op
	MessageID     string
	RoomID        string
	UpdatedFields []string
	FullDocument  *models.Message
}

// Touches reports whether the change updated the named top-level field.
func (c Change) Touches(field string) bool {
	for _, f := range c.UpdatedFields {
		if f == field {
			return true
		}
	}
	return false
}

// TopLevelField strips array positions and nested paths from an updated
// field path, so "deliveredTo.3.user" becomes "deliveredTo".
func TopLevelField(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

// Subscription is a live change feed scoped to one room. Changes are
// delivered in commit order. The channel is closed when the subscription
// ends; Err then reports why.
type Subscription interface {
	Changes() <-chan Change
	Err() error
	Close() error
}

type ChangeFeed interface {
	Watch(ctx context.Context, roomID string) (Subscription, error)
}

// Store is the full document-store collaborator.
type Store interface {
	UserStore
	RoomStore
	MessageStore
	ChangeFeed
	Close() error
}

// PresenceStore holds the online/active flags of users.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	SetActive(ctx context.Context, userID string, active bool) error
	// Refresh extends the lifetime of a user's presence, for stores that
	// expire it.
	Refresh(ctx context.Context, userID string) error
	// Snapshot returns the presence of every requested user. Unknown users
	// are reported offline and inactive.
	Snapshot(ctx context.Context, userIDs []string) (map[string]models.Presence, error)
	OnlineCount(ctx context.Context) (int, error)
}

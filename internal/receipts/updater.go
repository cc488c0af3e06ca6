package receipts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/store"
)

// Updater appends catch-up receipts. Every append is a conditional update
// in the store, so concurrent calls for the same user never duplicate an
// entry and a repeated call is a no-op.
type Updater struct {
	messages store.MessageStore
	now      func() time.Time
	logger   *slog.Logger
}

func NewUpdater(messages store.MessageStore, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{messages: messages, now: time.Now, logger: logger}
}

// MarkDelivered records that userID received every message in the room it
// had not received yet. It returns how many receipts were appended.
func (u *Updater) MarkDelivered(ctx context.Context, roomID, userID string) (int, error) {
	return u.mark(ctx, roomID, userID, models.Delivered)
}

// MarkRead records that userID read every message in the room it had not
// read yet. A message read without a delivery receipt gets one first.
func (u *Updater) MarkRead(ctx context.Context, roomID, userID string) (int, error) {
	delivered, err := u.mark(ctx, roomID, userID, models.Delivered)
	if err != nil {
		return delivered, err
	}
	read, err := u.mark(ctx, roomID, userID, models.Read)
	return delivered + read, err
}

func (u *Updater) mark(ctx context.Context, roomID, userID string, kind models.ReceiptKind) (int, error) {
	ids, err := u.messages.PendingReceipts(ctx, roomID, userID, kind)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s-pending messages in room %s: %w", kind, roomID, err)
	}

	appended := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return appended, ctx.Err()
		}
		ok, err := u.messages.AppendReceipt(ctx, id, kind, models.Receipt{User: userID, Timestamp: u.now()})
		if err != nil {
			u.logger.Warn("failed to append receipt",
				"error", err,
				"kind", kind.String(),
				"message_id", id,
				"room_id", roomID,
				"user_id", userID,
			)
			continue
		}
		if ok {
			appended++
		}
	}
	return appended, nil
}

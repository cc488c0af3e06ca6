// Package receipts computes and maintains per-message delivery and read
// state: the initial receipts of a new message, catch-up receipts for users
// who come online or open a room, and the status line shown to the sender.
package receipts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/store"
	"golang.org/x/sync/errgroup"
)

const StatusSent = "sent"

// statusWorkers bounds how many statuses of one message list are resolved
// at once.
const statusWorkers = 8

// Render returns the status line of m in a room with memberCount members.
// names maps user ids to display names; missing names fall back to the id.
//
// In a direct conversation the status reports when the other party received
// or read the message. In a group it lists who read it, or failing that who
// received it.
func Render(m *models.Message, memberCount int, names map[string]string, now time.Time) string {
	if memberCount <= 2 {
		others := memberCount - 1
		if n := len(m.ReadBy); n > 0 && n == others {
			return "read " + relative(m.ReadBy[n-1].Timestamp, now)
		}
		if n := len(m.DeliveredTo); n > 0 && n == others {
			return "delivered " + relative(m.DeliveredTo[n-1].Timestamp, now)
		}
		return StatusSent
	}

	if len(m.ReadBy) > 0 {
		return "read by " + joinNames(m.ReadBy, names)
	}
	if len(m.DeliveredTo) > 0 {
		return "delivered to " + joinNames(m.DeliveredTo, names)
	}
	return StatusSent
}

func relative(then, now time.Time) string {
	return humanize.RelTime(then, now, "ago", "from now")
}

func joinNames(list []models.Receipt, names map[string]string) string {
	parts := make([]string, len(list))
	for i, r := range list {
		if name, ok := names[r.User]; ok && name != "" {
			parts[i] = name
		} else {
			parts[i] = r.User
		}
	}
	return strings.Join(parts, ", ")
}

// StatusResolver renders statuses against stored rooms and users.
type StatusResolver struct {
	rooms  store.RoomStore
	users  store.UserStore
	now    func() time.Time
	logger *slog.Logger
}

func NewStatusResolver(rooms store.RoomStore, users store.UserStore, logger *slog.Logger) *StatusResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusResolver{rooms: rooms, users: users, now: time.Now, logger: logger}
}

// Status renders the status of m. It fails if the room cannot be resolved.
func (r *StatusResolver) Status(ctx context.Context, m *models.Message) (string, error) {
	room, err := r.rooms.GetRoom(ctx, m.RoomID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve room of message %s: %w", m.ID, err)
	}

	var names map[string]string
	if !room.Direct() {
		names, err = r.names(ctx, m.ReceiptUsers())
		if err != nil {
			return "", err
		}
	}
	return Render(m, room.MemberCount(), names, r.now()), nil
}

// Statuses renders the status of every message concurrently. The result is
// index-aligned with msgs; a message whose status failed gets "" and is
// logged.
func (r *StatusResolver) Statuses(ctx context.Context, msgs []models.Message) []string {
	statuses := make([]string, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusWorkers)
	for i := range msgs {
		i := i
		g.Go(func() error {
			status, err := r.Status(gctx, &msgs[i])
			if err != nil {
				r.logger.Error("failed to render status", "error", err, "message_id", msgs[i].ID)
				return nil
			}
			statuses[i] = status
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

func (r *StatusResolver) names(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	users, err := r.users.UsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve receipt users: %w", err)
	}
	names := make(map[string]string, len(users))
	for id, u := range users {
		names[id] = u.Name
	}
	return names, nil
}

// SenderName resolves the display name of a message's sender, falling back
// to the id.
func (r *StatusResolver) SenderName(ctx context.Context, m *models.Message) string {
	u, err := r.users.GetUser(ctx, m.SenderID)
	if err != nil {
		return m.SenderID
	}
	return u.Name
}

// WithStatus pairs m with its sender name and rendered status.
func (r *StatusResolver) WithStatus(ctx context.Context, m *models.Message) (models.MessageWithStatus, error) {
	status, err := r.Status(ctx, m)
	if err != nil {
		return models.MessageWithStatus{}, err
	}
	m.Normalize()
	return models.MessageWithStatus{
		Message: models.MessageWithSender{Message: *m, SenderName: r.SenderName(ctx, m)},
		Status:  status,
	}, nil
}

// List pairs each message with its sender name and status, preserving order.
func (r *StatusResolver) List(ctx context.Context, msgs []models.Message) []models.MessageWithStatus {
	statuses := r.Statuses(ctx, msgs)

	senders := make([]string, 0, len(msgs))
	for i := range msgs {
		senders = append(senders, msgs[i].SenderID)
	}
	names, err := r.names(ctx, senders)
	if err != nil {
		r.logger.Warn("failed to resolve sender names", "error", err)
	}

	out := make([]models.MessageWithStatus, len(msgs))
	for i := range msgs {
		m := msgs[i]
		m.Normalize()
		name, ok := names[m.SenderID]
		if !ok {
			name = m.SenderID
		}
		out[i] = models.MessageWithStatus{
			Message: models.MessageWithSender{Message: m, SenderName: name},
			Status:  statuses[i],
		}
	}
	return out
}

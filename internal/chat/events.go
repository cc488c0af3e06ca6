package chat

import (
	"context"
	"errors"

	"github.com/umar/chat-receipts/internal/feed"
	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/receipts"
	"github.com/umar/chat-receipts/internal/store"
)

// HandleLogin marks the user online and active, replies with their rooms
// and delivers everything they missed while offline.
func HandleLogin(c *Client, payload UserPayload) {
	ctx := c.ctx
	user, ok := c.lookupUser(ctx, payload.UserID)
	if !ok {
		return
	}

	if prev := c.currentUser(); prev != "" && prev != user.ID {
		if err := c.hub.presence.SetOffline(ctx, prev); err != nil {
			c.logger.Warn("failed to clear previous presence", "error", err, "user_id", prev)
		}
	}
	c.setUser(user.ID)

	if err := c.hub.presence.SetOnline(ctx, user.ID); err != nil {
		c.logger.Error("failed to set presence", "error", err, "user_id", user.ID)
		c.sendError("failed to log in", CodeInternal)
		return
	}
	c.hub.broadcastUsers(ctx)

	rooms, err := c.hub.store.RoomsForUser(ctx, user.ID)
	if err != nil {
		c.logger.Error("failed to list rooms", "error", err, "user_id", user.ID)
		c.sendError("failed to list rooms", CodeInternal)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	c.Emit(ctx, TypeRooms, rooms)

	// Receipt writes outlive the connection that triggered them.
	writeCtx := context.WithoutCancel(ctx)
	for _, room := range rooms {
		if _, err := c.hub.updater.MarkDelivered(writeCtx, room.ID, user.ID); err != nil {
			c.logger.Warn("failed to mark delivered", "error", err, "room_id", room.ID, "user_id", user.ID)
		}
	}
	c.logger.Info("user logged in", "user_id", user.ID, "rooms", len(rooms))
}

func HandleLogout(c *Client, payload UserPayload) {
	userID, ok := c.actingUser(payload.UserID)
	if !ok {
		return
	}
	if err := c.hub.presence.SetOffline(c.ctx, userID); err != nil {
		c.logger.Error("failed to clear presence", "error", err, "user_id", userID)
		c.sendError("failed to log out", CodeInternal)
		return
	}
	if c.currentUser() == userID {
		c.setUser("")
	}
	c.hub.broadcastUsers(c.ctx)
	c.logger.Info("user logged out", "user_id", userID)
}

// HandleGetMessages replies with the room's messages and keeps the room
// watched for new messages and receipt changes. The subscription is opened
// before listing so nothing committed in between is missed.
func HandleGetMessages(c *Client, payload RoomPayload) {
	ctx := c.ctx
	userID, ok := c.actingUser(payload.UserID)
	if !ok {
		return
	}
	if _, ok := c.memberRoom(ctx, payload.RoomID, userID); !ok {
		return
	}

	d, err := feed.Open(ctx, c.hub.store, payload.RoomID, c.hub.resolver, c, c.logger)
	if err != nil {
		c.logger.Error("failed to watch room", "error", err, "room_id", payload.RoomID)
		c.sendError("failed to watch room", CodeInternal)
		return
	}

	msgs, err := c.hub.store.ListMessages(ctx, payload.RoomID)
	if err != nil {
		d.Close()
		c.logger.Error("failed to list messages", "error", err, "room_id", payload.RoomID)
		c.sendError("failed to load messages", CodeInternal)
		return
	}
	if err := c.Emit(ctx, TypeMessages, c.hub.resolver.List(ctx, msgs)); err != nil {
		d.Close()
		return
	}
	c.watch(d)

	if _, err := c.hub.updater.MarkRead(context.WithoutCancel(ctx), payload.RoomID, userID); err != nil {
		c.logger.Warn("failed to mark read", "error", err, "room_id", payload.RoomID, "user_id", userID)
	}
}

// HandleNewMessage stores a message with receipts taken from current
// presence. Watchers of the room, the sender included, see it as a push.
func HandleNewMessage(c *Client, payload NewMessagePayload) {
	userID, ok := c.actingUser(payload.UserID)
	if !ok {
		return
	}
	m, err := c.hub.initializer.Initialize(context.WithoutCancel(c.ctx), payload.RoomID, userID, payload.Text)
	switch {
	case err == nil:
		c.logger.Debug("message created", "message_id", m.ID, "room_id", m.RoomID)
	case errors.Is(err, store.ErrNotFound):
		c.sendError("room not found", CodeUnknownRoom)
	case errors.Is(err, receipts.ErrNotMember):
		c.sendError("not a member of this room", CodeNotMember)
	case errors.Is(err, receipts.ErrEmptyText):
		c.sendError("message text is empty", CodeInvalidPayload)
	default:
		c.logger.Error("failed to create message", "error", err, "room_id", payload.RoomID, "user_id", userID)
		c.sendError("failed to send message", CodeInternal)
	}
}

func HandleSetInactive(c *Client, payload UserPayload) {
	userID, ok := c.actingUser(payload.UserID)
	if !ok {
		return
	}
	if err := c.hub.presence.SetActive(c.ctx, userID, false); err != nil {
		c.logger.Error("failed to set inactive", "error", err, "user_id", userID)
		c.sendError("failed to update presence", CodeInternal)
		return
	}
	c.hub.broadcastUsers(c.ctx)
}

// HandleSetActive marks the user active and, when a room is given, reads
// everything in it.
func HandleSetActive(c *Client, payload RoomPayload) {
	ctx := c.ctx
	userID, ok := c.actingUser(payload.UserID)
	if !ok {
		return
	}
	if err := c.hub.presence.SetActive(ctx, userID, true); err != nil {
		c.logger.Error("failed to set active", "error", err, "user_id", userID)
		c.sendError("failed to update presence", CodeInternal)
		return
	}
	c.hub.broadcastUsers(ctx)

	if payload.RoomID == "" {
		return
	}
	if _, ok := c.memberRoom(ctx, payload.RoomID, userID); !ok {
		return
	}
	if _, err := c.hub.updater.MarkRead(context.WithoutCancel(ctx), payload.RoomID, userID); err != nil {
		c.logger.Warn("failed to mark read", "error", err, "room_id", payload.RoomID, "user_id", userID)
	}
}

func (c *Client) lookupUser(ctx context.Context, userID string) (*models.User, bool) {
	if userID == "" {
		c.sendError("user_id is required", CodeInvalidPayload)
		return nil, false
	}
	user, err := c.hub.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		c.sendError("user not found", CodeUnknownUser)
		return nil, false
	}
	if err != nil {
		c.logger.Error("failed to load user", "error", err, "user_id", userID)
		c.sendError("failed to load user", CodeInternal)
		return nil, false
	}
	return user, true
}

// actingUser picks the user an event acts for: the payload's user_id, or the
// logged-in user when it is omitted.
func (c *Client) actingUser(userID string) (string, bool) {
	if userID != "" {
		return userID, true
	}
	if current := c.currentUser(); current != "" {
		return current, true
	}
	c.sendError("log in first or pass user_id", CodeNotLoggedIn)
	return "", false
}

func (c *Client) memberRoom(ctx context.Context, roomID, userID string) (*models.Room, bool) {
	if roomID == "" {
		c.sendError("room_id is required", CodeInvalidPayload)
		return nil, false
	}
	room, err := c.hub.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		c.sendError("room not found", CodeUnknownRoom)
		return nil, false
	}
	if err != nil {
		c.logger.Error("failed to load room", "error", err, "room_id", roomID)
		c.sendError("failed to load room", CodeInternal)
		return nil, false
	}
	if !room.HasMember(userID) {
		c.sendError("not a member of this room", CodeNotMember)
		return nil, false
	}
	return room, true
}

func (c *Client) sendError(message, code string) {
	c.Emit(c.ctx, TypeError, ErrorPayload{Message: message, Code: code})
}

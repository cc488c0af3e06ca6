package chat

import (
	"encoding/json"

	"github.com/umar/chat-receipts/internal/feed"
)

const (
	TypeLogin       = "login"
	TypeLogout      = "logout"
	TypeGetMessages = "get messages"
	TypeNewMessage  = "new message"
	TypeSetInactive = "set user inactive"
	TypeSetActive   = "set user active"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"

	TypeUsers        = "users"
	TypeRooms        = "rooms"
	TypeMessages     = "messages"
	TypePushMessage  = feed.EventPushMessage
	TypeStatusChange = feed.EventStatusChange
	TypeError        = "error"
	TypePong         = "pong"
)

const (
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeUnknownUser    = "UNKNOWN_USER"
	CodeUnknownRoom    = "UNKNOWN_ROOM"
	CodeNotMember      = "NOT_MEMBER"
	CodeNotLoggedIn    = "NOT_LOGGED_IN"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL_ERROR"

	// CodeFeedInterrupted tells the client a room watch ended; it may send
	// "get messages" again to resume.
	CodeFeedInterrupted = "FEED_INTERRUPTED"
)

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type UserPayload struct {
	UserID string `json:"user_id"`
}

type RoomPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type NewMessagePayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	RoomID  string `json:"room_id,omitempty"`
}

func NewWSMessage(msgType string, payload interface{}) ([]byte, error) {
	var p json.RawMessage
	if payload != nil {
		var err error
		p, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	msg := WSMessage{Type: msgType, Payload: p}
	return json.Marshal(msg)
}

package models

import "time"

// ReceiptKind selects one of the two receipt lists of a message.
type ReceiptKind int

const (
	Delivered ReceiptKind = iota
	Read
)

// Field returns the document field name of the receipt list.
func (k ReceiptKind) Field() string {
	if k == Read {
		return "readBy"
	}
	return "deliveredTo"
}

func (k ReceiptKind) String() string {
	if k == Read {
		return "read"
	}
	return "delivered"
}

// Receipt records that User received (or read) a message at Timestamp.
type Receipt struct {
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// Message carries two append-only receipt lists. Each list holds at most one
// entry per user and never an entry for the sender.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	SenderID    string    `json:"sender_id"`
	Text        string    `json:"text"`
	DeliveredTo []Receipt `json:"delivered_to"`
	ReadBy      []Receipt `json:"read_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func (m *Message) Receipts(kind ReceiptKind) []Receipt {
	if kind == Read {
		return m.ReadBy
	}
	return m.DeliveredTo
}

func (m *Message) HasReceipt(kind ReceiptKind, userID string) bool {
	for _, r := range m.Receipts(kind) {
		if r.User == userID {
			return true
		}
	}
	return false
}

// ReceiptUsers returns the distinct users over both receipt lists, deliveries
// first, each in insertion order.
func (m *Message) ReceiptUsers() []string {
	seen := make(map[string]bool, len(m.DeliveredTo)+len(m.ReadBy))
	var ids []string
	for _, list := range [][]Receipt{m.DeliveredTo, m.ReadBy} {
		for _, r := range list {
			if !seen[r.User] {
				seen[r.User] = true
				ids = append(ids, r.User)
			}
		}
	}
	return ids
}

// Normalize replaces nil receipt lists with empty ones so an unreceipted
// message always encodes as two empty arrays.
func (m *Message) Normalize() {
	if m.DeliveredTo == nil {
		m.DeliveredTo = []Receipt{}
	}
	if m.ReadBy == nil {
		m.ReadBy = []Receipt{}
	}
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.DeliveredTo = append([]Receipt{}, m.DeliveredTo...)
	c.ReadBy = append([]Receipt{}, m.ReadBy...)
	return &c
}

type MessageWithSender struct {
	Message
	SenderName string `json:"sender_name"`
}

// MessageWithStatus pairs a message with its rendered receipt status.
type MessageWithStatus struct {
	Message MessageWithSender `json:"message"`
	Status  string            `json:"status"`
}

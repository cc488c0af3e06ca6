package models

import "time"

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Room) MemberCount() int {
	return len(r.Members)
}

func (r *Room) HasMember(userID string) bool {
	for _, id := range r.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// Direct reports whether the room is a one-to-one conversation.
func (r *Room) Direct() bool {
	return len(r.Members) <= 2
}

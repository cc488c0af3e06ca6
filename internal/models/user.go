package models

import "time"

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Presence is a user's connection state. Online means connected; Active means
// the client window currently has focus.
type Presence struct {
	Online bool `json:"online"`
	Active bool `json:"active"`
}

type UserWithPresence struct {
	User
	Presence
}

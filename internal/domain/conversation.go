package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a conversation id does not resolve
// to an existing companion.
var ErrNotFound = errors.New("domain: companion not found")

// Role identifies the author side of a Turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Companion is the persona a conversation is held with. The conversation id
// used by the chat routes is the companion id.
type Companion struct {
	ID           string
	Name         string
	Instructions string
	Src          string
}

// Turn is a single persisted message in a companion transcript. Turns are
// append-only.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	AuthorID       string    `json:"authorId"`
	CreatedAt      time.Time `json:"createdAt"`
}

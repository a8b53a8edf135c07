// Package conversation persists the turns of a voice conversation.
//
// A conversation is identified by the UUID generated when its connection was
// accepted. Turns are immutable once stored and are always listed in the
// order they occurred.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role identifies who produced a turn
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// ErrInvalidRole is returned when appending a turn with an unknown role
var ErrInvalidRole = errors.New("invalid role")

// Turn is one stored utterance or reply
type Turn struct {
	ID             int64 // assigned by the store; 0 until persisted
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
}

// Store appends and lists conversation turns
type Store interface {
	// Append stores a new turn and returns it with its ID and timestamp set
	Append(ctx context.Context, conversationID string, role Role, content string) (Turn, error)

	// List returns every turn of the conversation, oldest first
	List(ctx context.Context, conversationID string) ([]Turn, error)
}

// Pinger is implemented by stores backed by a remote service
type Pinger interface {
	Ping(ctx context.Context) error
}

func validate(conversationID string, role Role) error {
	if conversationID == "" {
		return errors.New("empty conversation id")
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return nil
}

package conversation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps turns in process memory. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	turns  map[string][]Turn
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns: make(map[string][]Turn),
		now:   time.Now,
	}
}

// Append implements Store
func (s *MemoryStore) Append(ctx context.Context, conversationID string, role Role, content string) (Turn, error) {
	if err := ctx.Err(); err != nil {
		return Turn{}, err
	}
	if err := validate(conversationID, role); err != nil {
		return Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t := Turn{
		ID:             s.nextID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}
	s.turns[conversationID] = append(s.turns[conversationID], t)
	return t, nil
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context, conversationID string) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Turn, len(s.turns[conversationID]))
	copy(out, s.turns[conversationID])
	return out, nil
}

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each conversation as a Redis list of JSON-encoded turns.
// It suits deployments that only need history for the lifetime of a session
// plus a retention window.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var (
	_ Store  = (*RedisStore)(nil)
	_ Pinger = (*RedisStore)(nil)
)

type redisTurn struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRedisStore creates a store on client. A ttl of zero keeps conversations forever.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "voice-agent:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// NewRedisClient parses a redis:// URL
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("conversation: parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore) turnsKey(conversationID string) string {
	return s.keyPrefix + "conversation:" + conversationID + ":turns"
}

func (s *RedisStore) seqKey() string {
	return s.keyPrefix + "turn_seq"
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Append implements Store
func (s *RedisStore) Append(ctx context.Context, conversationID string, role Role, content string) (Turn, error) {
	if err := validate(conversationID, role); err != nil {
		return Turn{}, fmt.Errorf("conversation: append: %w", err)
	}

	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return Turn{}, fmt.Errorf("conversation: append: %w", err)
	}

	rt := redisTurn{ID: id, Sender: string(role), Content: content, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(rt)
	if err != nil {
		return Turn{}, fmt.Errorf("conversation: marshal turn: %w", err)
	}

	key := s.turnsKey(conversationID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Turn{}, fmt.Errorf("conversation: append: %w", err)
	}

	return Turn{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      rt.Timestamp,
	}, nil
}

// List implements Store. The list is append-only so its order is occurrence order.
func (s *RedisStore) List(ctx context.Context, conversationID string) ([]Turn, error) {
	items, err := s.client.LRange(ctx, s.turnsKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}

	turns := make([]Turn, 0, len(items))
	for _, item := range items {
		var rt redisTurn
		if err := json.Unmarshal([]byte(item), &rt); err != nil {
			return nil, fmt.Errorf("conversation: decode turn: %w", err)
		}
		turns = append(turns, Turn{
			ID:             rt.ID,
			ConversationID: conversationID,
			Role:           Role(rt.Sender),
			Content:        rt.Content,
			CreatedAt:      rt.Timestamp,
		})
	}
	return turns, nil
}

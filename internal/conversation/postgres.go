package conversation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/resilience"
)

// Schema is the SQL DDL for the messages table. Execute it via
// PostgresStore.Migrate or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
    id              SERIAL PRIMARY KEY,
    conversation_id UUID NOT NULL,
    sender          VARCHAR(10) NOT NULL,
    timestamp       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    content         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp, id);
`

// DB is the database interface used by PostgresStore. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a Store backed by PostgreSQL. It is safe for concurrent
// use; connections are taken from the pool per query.
type PostgresStore struct {
	db DB
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Pinger = (*PostgresStore)(nil)
)

// NewPostgresStore creates a store over db. Call Migrate before the first query.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a pool for dsn, retrying the first ping with backoff
func Connect(ctx context.Context, dsn string, logger zerolog.Logger, rc *resilience.ReconnectConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("conversation: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("conversation: create pool: %w", err)
	}

	err = resilience.Reconnect(ctx, logger, "postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	}, rc)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate executes Schema against the database
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("conversation: migrate: %w", err)
	}
	return nil
}

// Ping checks the connection when the underlying DB supports it
func (s *PostgresStore) Ping(ctx context.Context) error {
	p, ok := s.db.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("conversation: ping: %w", err)
	}
	return nil
}

// Append implements Store
func (s *PostgresStore) Append(ctx context.Context, conversationID string, role Role, content string) (Turn, error) {
	if err := validate(conversationID, role); err != nil {
		return Turn{}, fmt.Errorf("conversation: append: %w", err)
	}
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return Turn{}, fmt.Errorf("conversation: append: bad conversation id: %w", err)
	}

	const query = `
		INSERT INTO messages (conversation_id, sender, content)
		VALUES ($1, $2, $3)
		RETURNING id, timestamp`

	turn := Turn{ConversationID: conversationID, Role: role, Content: content}
	if err := s.db.QueryRow(ctx, query, id, string(role), content).Scan(&turn.ID, &turn.CreatedAt); err != nil {
		return Turn{}, fmt.Errorf("conversation: append: %w", err)
	}
	return turn, nil
}

// List implements Store. Turns sharing a timestamp keep insertion order.
func (s *PostgresStore) List(ctx context.Context, conversationID string) ([]Turn, error) {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: bad conversation id: %w", err)
	}

	const query = `
		SELECT id, sender, content, timestamp
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY timestamp ASC, id ASC`

	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var (
			t      Turn
			sender string
		)
		if err := row.Scan(&t.ID, &sender, &t.Content, &t.CreatedAt); err != nil {
			return Turn{}, err
		}
		t.ConversationID = conversationID
		t.Role = Role(sender)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: scan rows: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/resilience"
)

// ErrDeferred reports that a turn was queued for a background write instead
// of being stored immediately
var ErrDeferred = errors.New("write deferred")

// JournalHooks observe background persistence; any field may be nil
type JournalHooks struct {
	OnRetry   func(err error)
	OnBacklog func(delta int)
}

// Journal fronts a Store for one conversation. Writes are attempted inline
// once; a failed write, and every write behind it, is retried in order by a
// background worker so the store never sees turns out of sequence. The
// journal also keeps its own copy of the history so prompt building never
// depends on the store being reachable.
type Journal struct {
	store          Store
	conversationID string
	logger         zerolog.Logger
	retry          *resilience.RetryConfig
	hooks          JournalHooks

	mu      sync.Mutex
	history []Turn
	pending []int // indexes into history, oldest first

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJournal starts a journal and its background writer
func NewJournal(store Store, conversationID string, logger zerolog.Logger, retry *resilience.RetryConfig, hooks JournalHooks) *Journal {
	if retry == nil {
		retry = &resilience.RetryConfig{
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}
	}
	// the worker retries until the journal is closed
	cfg := *retry
	cfg.MaxAttempts = 0

	ctx, cancel := context.WithCancel(context.Background())
	j := &Journal{
		store:          store,
		conversationID: conversationID,
		logger:         logger.With().Str("component", "journal").Logger(),
		retry:          &cfg,
		hooks:          hooks,
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go j.run()
	return j
}

// ConversationID returns the conversation this journal writes to
func (j *Journal) ConversationID() string {
	return j.conversationID
}

// Append records a turn. The returned turn is always usable; a non-nil
// error means the write was deferred and wraps ErrDeferred.
func (j *Journal) Append(ctx context.Context, role Role, content string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	j.mu.Lock()
	backlog := len(j.pending) > 0
	j.mu.Unlock()

	if !backlog {
		stored, err := j.store.Append(ctx, j.conversationID, role, content)
		if err == nil {
			j.mu.Lock()
			j.history = append(j.history, stored)
			j.mu.Unlock()
			return stored, nil
		}
		j.logger.Warn().Err(err).Str("role", string(role)).Msg("Store append failed, queueing for retry")
		return j.enqueue(role, content), fmt.Errorf("%w: %v", ErrDeferred, err)
	}

	return j.enqueue(role, content), fmt.Errorf("%w: %d writes ahead", ErrDeferred, j.Backlog())
}

func (j *Journal) enqueue(role Role, content string) Turn {
	t := Turn{
		ConversationID: j.conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	j.mu.Lock()
	j.history = append(j.history, t)
	j.pending = append(j.pending, len(j.history)-1)
	j.mu.Unlock()

	if j.hooks.OnBacklog != nil {
		j.hooks.OnBacklog(1)
	}
	select {
	case j.wake <- struct{}{}:
	default:
	}
	return t
}

// History returns the conversation so far, oldest first. The store is
// consulted only when nothing is waiting to be written; otherwise, or when
// the store fails, the local copy is returned along with the store error.
func (j *Journal) History(ctx context.Context) ([]Turn, error) {
	if j.Backlog() == 0 {
		turns, err := j.store.List(ctx, j.conversationID)
		if err == nil {
			return turns, nil
		}
		return j.Local(), err
	}
	return j.Local(), nil
}

// Local returns the journal's own copy of the conversation
func (j *Journal) Local() []Turn {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Turn, len(j.history))
	copy(out, j.history)
	return out
}

// Backlog returns the number of turns waiting to be written
func (j *Journal) Backlog() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		select {
		case <-j.ctx.Done():
			return
		case <-j.wake:
		}
		if !j.flush() {
			return
		}
	}
}

// flush writes pending turns in order. It returns false once the journal is closed.
func (j *Journal) flush() bool {
	for {
		j.mu.Lock()
		if len(j.pending) == 0 {
			j.mu.Unlock()
			return true
		}
		idx := j.pending[0]
		t := j.history[idx]
		j.mu.Unlock()

		var stored Turn
		err := resilience.RetryContext(j.ctx, func(ctx context.Context) error {
			var err error
			stored, err = j.store.Append(ctx, j.conversationID, t.Role, t.Content)
			return err
		}, j.retry, nil, func(attempt int, err error, wait time.Duration) {
			if j.hooks.OnRetry != nil {
				j.hooks.OnRetry(err)
			}
			j.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Retrying conversation write")
		})
		if err != nil {
			return false
		}

		j.mu.Lock()
		j.history[idx] = stored
		j.pending = j.pending[1:]
		j.mu.Unlock()

		if j.hooks.OnBacklog != nil {
			j.hooks.OnBacklog(-1)
		}
		j.logger.Debug().Int64("turn_id", stored.ID).Msg("Deferred turn stored")
	}
}

// Close waits up to timeout for queued writes, then stops the worker. It
// returns an error naming how many turns were never stored.
func (j *Journal) Close(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

wait:
	for j.Backlog() > 0 {
		select {
		case <-deadline.C:
			break wait
		case <-tick.C:
		}
	}

	j.cancel()
	<-j.done

	if lost := j.Backlog(); lost > 0 {
		if j.hooks.OnBacklog != nil {
			j.hooks.OnBacklog(-lost)
		}
		return fmt.Errorf("conversation: %d turns not stored", lost)
	}
	return nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/turnerr"
)

// errDisconnected ends a session whose client went away
var errDisconnected = errors.New("client disconnected")

var upgrader = websocket.Upgrader{
	// Browsers connect from the demo page on any host
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler accepts voice sessions on a WebSocket endpoint
type Handler struct {
	adapters Adapters
	settings Settings

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards closed and wg.Add against Close
	closed bool
	wg     sync.WaitGroup
}

// NewHandler creates a handler. Close ends every open session.
func NewHandler(adapters Adapters, settings Settings) *Handler {
	if settings.QueueSize <= 0 {
		settings.QueueSize = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{adapters: adapters, settings: settings, ctx: ctx, cancel: cancel}
}

// ServeHTTP upgrades the request and runs the session until the client leaves
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := observability.GetLogger()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	if h.settings.MaxUtteranceBytes > 0 {
		conn.SetReadLimit(h.settings.MaxUtteranceBytes)
	}

	if err := h.Serve(h.ctx, conn, r.RemoteAddr); err != nil {
		logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Session ended with error")
	}
}

// Close cancels every open session and waits for them to finish
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

// Serve runs one session on conn. It returns nil when the client
// disconnects and an error when the session had to be torn down.
func (h *Handler) Serve(ctx context.Context, conn Conn, remoteAddr string) error {
	sess := NewContext(remoteAddr, h.adapters)
	logger := sess.Logger
	sess.Metrics.RecordSessionStart()
	defer sess.Metrics.RecordSessionEnd()

	out := newWriter(conn)
	orch := NewOrchestrator(sess, h.settings, out)
	queue := make(chan []byte, h.settings.QueueSize)

	logger.Info().Msg("Session started")
	if err := out.event(Event{Type: EventSessionCreated, SessionID: sess.ID}); err != nil {
		conn.Close()
		h.closeJournal(sess)
		return fmt.Errorf("send session.created: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		return h.readLoop(gctx, sess, conn, out, queue)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case utterance, ok := <-queue:
				if !ok {
					return nil
				}
				err := orch.RunTurn(gctx, utterance)
				if turnerr.Is(err, turnerr.Connection) {
					return err
				}
			}
		}
	})

	// ReadMessage only returns once the socket is closed
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})

	err := g.Wait()
	h.closeJournal(sess)

	logger.Info().
		Int("turns", sess.Metrics.Turns()).
		Dur("duration", time.Since(sess.CreatedAt)).
		Msg("Session ended")

	if errors.Is(err, errDisconnected) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop queues binary frames as utterances. It never blocks on a busy
// turn loop: a full queue rejects the frame.
func (h *Handler) readLoop(ctx context.Context, sess *Context, conn Conn, out *writer, queue chan<- []byte) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.Logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return fmt.Errorf("%w: %v", errDisconnected, err)
		}

		switch mt {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				h.protocolError(sess, out, CodeEmptyUtterance, "binary frame carried no audio")
				continue
			}
			sess.Metrics.RecordAudioBytes("in", int64(len(data)))

			select {
			case queue <- data:
			case <-ctx.Done():
				return ctx.Err()
			default:
				h.protocolError(sess, out, CodeQueueFull, "too many utterances waiting, frame dropped")
			}

		case websocket.TextMessage:
			h.protocolError(sess, out, CodeUnexpectedText, "send audio as binary frames")
		}
	}
}

func (h *Handler) protocolError(sess *Context, out *writer, code, message string) {
	sess.Metrics.RecordError(turnerr.Protocol.String(), "session")
	sess.Logger.Warn().Str("code", code).Msg("Protocol error")
	if err := out.event(Event{Type: EventProtocolError, Code: code, Message: message}); err != nil {
		sess.Logger.Debug().Err(err).Msg("Failed to send protocol error")
	}
}

func (h *Handler) closeJournal(sess *Context) {
	if err := sess.Journal.Close(h.settings.PersistDrainTimeout); err != nil {
		sess.Logger.Error().Err(err).Msg("Conversation turns lost")
	}
}

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/opsdeck/pkg/chat/backend"
	"github.com/go-go-golems/opsdeck/pkg/metrics"
	"github.com/go-go-golems/opsdeck/pkg/persistence/chatstore"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrSendInFlight = errors.New("a message is already being sent")
)

type Mode string

const (
	ModeBackend Mode = "backend"
	ModeLocal   Mode = "local"
)

const (
	DefaultChunkSize      = 4
	DefaultRevealInterval = 15 * time.Millisecond
	DefaultSessionID      = "default"

	maxEchoRunes = 240
)

// LocalModeHint is the part of every local reply that explains how to attach
// a real backend.
const LocalModeHint = "No chat backend is connected, so this reply was generated locally. " +
	"Set chat.endpoints (or OPSDECK_CHAT_ENDPOINTS) to the URL of a chat service, " +
	"and chat.token if it requires a bearer token."

// StatusSource provides the latest backend status. *probe.Tracker implements it.
type StatusSource interface {
	Status(ctx context.Context) backend.Status
	Invalidate()
}

// Completer sends a conversation to a backend. *backend.Client implements it.
type Completer interface {
	Complete(ctx context.Context, url string, msgs []backend.Message) (string, error)
}

// Controller runs one chat session. It is the only writer of the session
// history and allows a single send at a time.
type Controller struct {
	sessionID string
	status    StatusSource
	client    Completer
	store     chatstore.HistoryStore
	chunkSize int
	interval  time.Duration
	logger    zerolog.Logger
	newID     func() string
	now       func() time.Time

	mu       sync.Mutex
	messages []chatstore.ChatMessage
	lastErr  string
	mode     Mode
	inFlight bool
	// epoch changes on Clear; a reveal from an older epoch stops writing.
	epoch    uint64
	onChange []func()
}

type Option func(*Controller)

func WithSessionID(id string) Option {
	return func(c *Controller) {
		if id = strings.TrimSpace(id); id != "" {
			c.sessionID = id
		}
	}
}

func WithStore(s chatstore.HistoryStore) Option {
	return func(c *Controller) { c.store = s }
}

// WithReveal sets the typing reveal. An interval of zero reveals the whole
// reply at once.
func WithReveal(chunkSize int, interval time.Duration) Option {
	return func(c *Controller) {
		if chunkSize > 0 {
			c.chunkSize = chunkSize
		}
		c.interval = interval
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l.With().Str("component", "chat-session").Logger() }
}

// New builds a controller and loads any stored history for the session.
func New(ctx context.Context, status StatusSource, client Completer, opts ...Option) (*Controller, error) {
	c := &Controller{
		sessionID: DefaultSessionID,
		status:    status,
		client:    client,
		chunkSize: DefaultChunkSize,
		interval:  DefaultRevealInterval,
		logger:    log.With().Str("component", "chat-session").Logger(),
		newID:     func() string { return uuid.NewString() },
		now:       time.Now,
		mode:      ModeLocal,
	}
	for _, o := range opts {
		o(c)
	}
	if c.store == nil {
		c.store = chatstore.NewInMemoryHistoryStore()
	}
	msgs, err := c.store.Load(ctx, c.sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "load history for %s", c.sessionID)
	}
	c.messages = msgs
	return c, nil
}

func (c *Controller) SessionID() string { return c.sessionID }

// Messages returns a copy of the history.
func (c *Controller) Messages() []chatstore.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chatstore.ChatMessage(nil), c.messages...)
}

// LastError returns the error recorded by the latest send, or "".
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Mode returns the mode that produced the latest reply.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// OnChange registers f to run after every history or error change. f runs
// without the controller lock held and may call the read accessors.
func (c *Controller) OnChange(f func()) {
	if f == nil {
		return
	}
	c.mu.Lock()
	c.onChange = append(c.onChange, f)
	c.mu.Unlock()
}

// Send appends content and a reply to the history. It returns once the reply
// is fully revealed, the session is cleared, or ctx is done. A backend failure
// is recorded in LastError and answered locally; it is not returned.
func (c *Controller) Send(ctx context.Context, content string) error {
	text := strings.TrimSpace(content)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	c.inFlight = true
	epoch := c.epoch
	c.lastErr = ""
	c.appendLocked(chatstore.ChatMessage{ID: c.newID(), Role: chatstore.RoleUser, Content: text, Timestamp: c.now()})
	payload := toWire(c.messages)
	placeholderID := c.newID()
	c.appendLocked(chatstore.ChatMessage{ID: placeholderID, Role: chatstore.RoleAssistant, Timestamp: c.now()})
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()
	c.changed()
	c.persist(ctx)

	reply, mode := c.resolveReply(ctx, epoch, text, payload)

	c.mu.Lock()
	if c.epoch == epoch {
		c.mode = mode
	}
	c.mu.Unlock()

	err := c.reveal(ctx, epoch, placeholderID, reply)
	c.persist(context.WithoutCancel(ctx))
	return err
}

func (c *Controller) resolveReply(ctx context.Context, epoch uint64, text string, payload []backend.Message) (string, Mode) {
	status := c.status.Status(ctx)
	if status.Kind == backend.StatusUnauthorized {
		c.recordError(epoch, status.Message)
	}
	if !status.IsConnected() {
		metrics.ObserveChatSend(string(ModeLocal), "ok")
		return LocalReply(text), ModeLocal
	}

	reply, err := c.client.Complete(ctx, status.URL, payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", status.URL).Msg("chat backend failed, replying locally")
		c.recordError(epoch, err.Error())
		c.status.Invalidate()
		metrics.ObserveChatSend(string(ModeBackend), "fallback")
		return LocalReply(text), ModeLocal
	}
	metrics.ObserveChatSend(string(ModeBackend), "ok")
	return reply, ModeBackend
}

// reveal writes text into the placeholder chunk by chunk.
func (c *Controller) reveal(ctx context.Context, epoch uint64, id, text string) error {
	if c.interval <= 0 || utf8.RuneCountInString(text) <= c.chunkSize {
		c.setContent(epoch, id, text)
		return nil
	}

	runes := []rune(text)
	shown := 0
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for shown < len(runes) {
		select {
		case <-ctx.Done():
			// the reply is kept whole even when the caller stops waiting
			c.setContent(epoch, id, text)
			return ctx.Err()
		case <-ticker.C:
		}
		shown = min(shown+c.chunkSize, len(runes))
		if !c.setContent(epoch, id, string(runes[:shown])) {
			return nil
		}
	}
	return nil
}

// setContent reports false when the session was cleared since epoch.
func (c *Controller) setContent(epoch uint64, id, content string) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			c.messages[i].Content = content
			break
		}
	}
	c.mu.Unlock()
	c.changed()
	return true
}

// Clear empties the history and the error and stops any reveal in progress.
func (c *Controller) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	c.messages = nil
	c.lastErr = ""
	c.mu.Unlock()
	c.changed()
	return c.store.Save(ctx, c.sessionID, nil)
}

func (c *Controller) appendLocked(m chatstore.ChatMessage) {
	c.messages = append(c.messages, m)
	if len(c.messages) > chatstore.MaxHistory {
		c.messages = chatstore.Cap(c.messages)
	}
}

func (c *Controller) recordError(epoch uint64, msg string) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.lastErr = msg
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) persist(ctx context.Context) {
	msgs := c.Messages()
	if err := c.store.Save(ctx, c.sessionID, msgs); err != nil {
		c.logger.Warn().Err(err).Str("session", c.sessionID).Msg("could not save history")
	}
}

func (c *Controller) changed() {
	c.mu.Lock()
	fs := append([]func(){}, c.onChange...)
	c.mu.Unlock()
	for _, f := range fs {
		f()
	}
}

// toWire skips empty assistant turns, which are placeholders left behind by an
// interrupted send.
func toWire(msgs []chatstore.ChatMessage) []backend.Message {
	out := make([]backend.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == chatstore.RoleAssistant && strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, backend.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// LocalReply builds the deterministic reply used without a backend.
func LocalReply(input string) string {
	echo := strings.TrimSpace(input)
	if utf8.RuneCountInString(echo) > maxEchoRunes {
		echo = string([]rune(echo)[:maxEchoRunes]) + "…"
	}
	return fmt.Sprintf("You said: \"%s\"\n\n%s", echo, LocalModeHint)
}

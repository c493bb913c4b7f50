// Package chat keeps the message list and typing presence of a chat
// channel.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/mossy-p/collab-relay/internal/membership"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/throttle"
	"github.com/mossy-p/collab-relay/internal/transport"
)

const (
	// DefaultTypingQuiet is how long after the last keystroke typing stops.
	DefaultTypingQuiet = 2 * time.Second
	// DefaultTypingTTL expires a remote typing flag whose stop was lost.
	DefaultTypingTTL   = 3 * time.Second
	DefaultMaxMessages = 1024
)

// ErrEmptyMessage rejects a send with neither text nor attachment.
var ErrEmptyMessage = errors.New("message needs text or an attachment")

// Config configures a chat Channel.
type Config struct {
	Tracker *membership.Tracker
	RoomID  string
	// Kind is the room kind joined when the tracker is not in RoomID yet.
	// It defaults to a chat channel; a call room carries its own chat.
	Kind models.RoomKind
	// History persists sent messages. Without it ids and timestamps are
	// assigned locally.
	History History

	TypingQuiet time.Duration
	TypingTTL   time.Duration
	// MaxMessages bounds the message list. Past it the earliest arrival
	// is dropped, together with its id.
	MaxMessages int
	Clock       clockwork.Clock
	Logger      *zerolog.Logger
}

// TypingEvent reports a remote user starting or stopping typing.
type TypingEvent struct {
	UserID   string
	UserName string
	IsTyping bool
}

type typer struct {
	event TypingEvent
	timer clockwork.Timer
	gen   uint64
}

// Channel is one joined chat channel.
type Channel struct {
	tracker *membership.Tracker
	bus     transport.Bus
	roomID  string
	history History
	self    models.User
	clock   clockwork.Clock
	ttl     time.Duration
	logger  zerolog.Logger
	typing  *throttle.Debouncer
	seen    *lru.Cache[string, struct{}]

	mu        sync.Mutex
	messages  []models.ChatMessage
	typers    map[string]*typer
	gen       uint64
	onMessage []func(models.ChatMessage)
	onTyping  []func(TypingEvent)
	closed    bool
	unsubs    []func()

	// owned is set when Join entered the room, so Close leaves it.
	owned bool
}

// Join joins the chat channel roomID. If the tracker is already in the
// room, for example a call, the channel attaches to it instead and Close
// leaves the membership alone.
func Join(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("chat: %w: no membership tracker", models.ErrNotInitialized)
	}
	if cfg.Kind == "" {
		cfg.Kind = models.RoomKindChat
	}
	if cfg.TypingQuiet == 0 {
		cfg.TypingQuiet = DefaultTypingQuiet
	}
	if cfg.TypingTTL == 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	c := &Channel{
		tracker: cfg.Tracker,
		bus:     cfg.Tracker.Bus(),
		roomID:  cfg.RoomID,
		history: cfg.History,
		self:    cfg.Tracker.Self(),
		clock:   cfg.Clock,
		ttl:     cfg.TypingTTL,
		logger:  logger.With().Str("component", "chat").Str("roomID", cfg.RoomID).Logger(),
		typers:  make(map[string]*typer),
	}
	seen, err := lru.NewWithEvict(cfg.MaxMessages, c.forget)
	if err != nil {
		return nil, fmt.Errorf("creating message index: %w", err)
	}
	c.seen = seen
	c.typing = throttle.NewDebouncer(cfg.TypingQuiet, func() { c.emitTyping(false) }, throttle.WithClock(cfg.Clock))
	c.unsubs = []func(){
		c.bus.On(models.KindMessageNew, c.onMessageNew),
		c.bus.On(models.KindTyping, c.onTypingEnv),
		c.bus.On(models.KindDisconnected, c.onDisconnected),
	}

	if c.tracker.Joined(c.roomID) {
		return c, nil
	}
	if _, err := c.tracker.Join(ctx, c.roomID, cfg.Kind); err != nil {
		c.detach()
		return nil, err
	}
	c.owned = true
	return c, nil
}

type sendOptions struct {
	replyTo    string
	attachment *models.Attachment
}

// SendOpt adjusts one Send.
type SendOpt func(*sendOptions)

// WithReplyTo marks the message as a reply to id.
func WithReplyTo(id string) SendOpt {
	return func(o *sendOptions) {
		o.replyTo = id
	}
}

// WithAttachment attaches an uploaded file.
func WithAttachment(a models.Attachment) SendOpt {
	return func(o *sendOptions) {
		o.attachment = &a
	}
}

// Send stores the message, adds it to the local list and broadcasts it.
// A message that was stored but could not be broadcast is still returned,
// together with an ErrConnection error.
func (c *Channel) Send(ctx context.Context, text string, opts ...SendOpt) (models.ChatMessage, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if strings.TrimSpace(text) == "" && o.attachment == nil {
		return models.ChatMessage{}, ErrEmptyMessage
	}
	c.stopTyping()

	msg := models.ChatMessage{
		ChannelID:  c.roomID,
		UserID:     c.self.ID,
		Username:   c.self.Name,
		Text:       text,
		ReplyTo:    o.replyTo,
		Attachment: o.attachment,
	}
	if c.history != nil {
		saved, err := c.history.Save(ctx, msg)
		if err != nil {
			return models.ChatMessage{}, err
		}
		msg = saved
	} else {
		msg.ID = ksuid.New().String()
		msg.CreatedAt = c.clock.Now().UTC()
	}
	c.add(msg)

	env, err := models.NewEnvelope(models.KindChatMessage, c.roomID, msg)
	if err != nil {
		return msg, err
	}
	if err := c.bus.Emit(env); err != nil {
		return msg, fmt.Errorf("broadcasting message: %w", errors.Join(models.ErrConnection, err))
	}
	return msg, nil
}

// Messages returns the channel's messages ordered by creation time.
func (c *Channel) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Merge adds messages, for example a polled history page, skipping those
// already seen. It returns the number added.
func (c *Channel) Merge(history []models.ChatMessage) int {
	added := 0
	for _, msg := range history {
		if c.add(msg) {
			added++
		}
	}
	return added
}

// Refresh fetches the latest history page and merges it.
func (c *Channel) Refresh(ctx context.Context, limit int) (int, error) {
	if c.history == nil {
		return 0, fmt.Errorf("chat: %w: no history", models.ErrNotInitialized)
	}
	msgs, err := c.history.List(ctx, c.roomID, limit)
	if err != nil {
		return 0, err
	}
	return c.Merge(msgs), nil
}

// OnMessage registers fn for every message added to the list. fn runs on
// the transport dispatch goroutine, or on the caller of Send and Merge.
func (c *Channel) OnMessage(fn func(models.ChatMessage)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.mu.Unlock()
}

// OnTyping registers fn for remote typing changes.
func (c *Channel) OnTyping(fn func(TypingEvent)) {
	c.mu.Lock()
	c.onTyping = append(c.onTyping, fn)
	c.mu.Unlock()
}

// Typing lists the remote users currently typing.
func (c *Channel) Typing() []TypingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TypingEvent, 0, len(c.typers))
	for _, t := range c.typers {
		out = append(out, t.event)
	}
	slices.SortFunc(out, func(a, b TypingEvent) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Keystroke marks local typing activity.
func (c *Channel) Keystroke() {
	if c.typing.Touch() {
		c.emitTyping(true)
	}
}

// Close stops typing, detaches and leaves the room if Join entered it.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for key, t := range c.typers {
		t.timer.Stop()
		delete(c.typers, key)
	}
	c.mu.Unlock()

	c.stopTyping()
	c.detach()
	if c.owned {
		c.tracker.Leave(c.roomID)
	}
}

func (c *Channel) detach() {
	c.typing.Stop()
	for _, off := range c.unsubs {
		off()
	}
	c.unsubs = nil
}

func (c *Channel) stopTyping() {
	if c.typing.Cancel() {
		c.emitTyping(false)
	}
}

func (c *Channel) emitTyping(typing bool) {
	env, err := models.NewEnvelope(models.KindTyping, c.roomID, models.TypingPayload{
		IsTyping: typing,
		UserID:   c.self.ID,
		UserName: c.self.Name,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to build typing message")
		return
	}
	if err := c.bus.Emit(env); err != nil {
		c.logger.Debug().Err(err).Bool("typing", typing).Msg("failed to send typing state")
	}
}

// add inserts msg in creation order unless it is already listed. seen
// holds exactly the ids in c.messages.
func (c *Channel) add(msg models.ChatMessage) bool {
	if msg.ID == "" {
		c.logger.Warn().Msg("dropping message without id")
		return false
	}

	c.mu.Lock()
	if c.seen.Contains(msg.ID) {
		c.mu.Unlock()
		return false
	}
	i := slices.IndexFunc(c.messages, func(m models.ChatMessage) bool { return m.CreatedAt.After(msg.CreatedAt) })
	if i < 0 {
		i = len(c.messages)
	}
	c.messages = slices.Insert(c.messages, i, msg)
	c.seen.Add(msg.ID, struct{}{})
	handlers := slices.Clone(c.onMessage)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
	return true
}

// forget drops an id evicted from seen from the list. It runs inside add
// with c.mu held.
func (c *Channel) forget(id string, _ struct{}) {
	c.messages = slices.DeleteFunc(c.messages, func(m models.ChatMessage) bool { return m.ID == id })
}

func (c *Channel) onMessageNew(env models.Envelope) {
	if env.RoomID != c.roomID {
		return
	}
	msg, err := models.DecodePayload[models.ChatMessage](env, models.KindMessageNew)
	if err != nil {
		c.logger.Warn().Err(err).Msg("skipping malformed chat message")
		return
	}
	c.add(msg)
}

func (c *Channel) onTypingEnv(env models.Envelope) {
	if env.RoomID != c.roomID || env.From == c.bus.ConnectionID() {
		return
	}
	p, err := models.DecodePayload[models.TypingPayload](env, models.KindTyping)
	if err != nil {
		c.logger.Warn().Err(err).Msg("skipping malformed typing message")
		return
	}
	key := p.UserID
	if key == "" {
		key = env.From
	}
	if key == c.self.ID {
		return
	}
	ev := TypingEvent{UserID: key, UserName: p.UserName, IsTyping: p.IsTyping}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	t, known := c.typers[key]
	if known {
		t.timer.Stop()
	}
	if !p.IsTyping {
		delete(c.typers, key)
		handlers := slices.Clone(c.onTyping)
		c.mu.Unlock()
		if known {
			notify(handlers, ev)
		}
		return
	}
	c.gen++
	gen := c.gen
	c.typers[key] = &typer{event: ev, gen: gen, timer: c.clock.AfterFunc(c.ttl, func() { c.expire(key, gen) })}
	handlers := slices.Clone(c.onTyping)
	c.mu.Unlock()
	if !known {
		notify(handlers, ev)
	}
}

func (c *Channel) expire(key string, gen uint64) {
	c.mu.Lock()
	t, ok := c.typers[key]
	if !ok || t.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.typers, key)
	handlers := slices.Clone(c.onTyping)
	c.mu.Unlock()

	ev := t.event
	ev.IsTyping = false
	notify(handlers, ev)
}

// onDisconnected clears remote typing; nobody's stop will arrive.
func (c *Channel) onDisconnected(models.Envelope) {
	c.typing.Cancel()
	c.mu.Lock()
	cleared := make([]TypingEvent, 0, len(c.typers))
	for key, t := range c.typers {
		t.timer.Stop()
		delete(c.typers, key)
		ev := t.event
		ev.IsTyping = false
		cleared = append(cleared, ev)
	}
	handlers := slices.Clone(c.onTyping)
	c.mu.Unlock()
	for _, ev := range cleared {
		notify(handlers, ev)
	}
}

func notify(handlers []func(TypingEvent), ev TypingEvent) {
	for _, fn := range handlers {
		fn(ev)
	}
}

// Package docsync keeps a local CRDT document in step with the other
// replicas of a document room through the relay.
package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/mossy-p/collab-relay/internal/membership"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/throttle"
	"github.com/mossy-p/collab-relay/internal/transport"
)

// DefaultThrottleWindow coalesces local edits into one update.
const DefaultThrottleWindow = 100 * time.Millisecond

// State is the negotiation state of a session.
type State int

const (
	Disconnected State = iota
	AwaitingSyncStep1
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingSyncStep1:
		return "awaiting-sync"
	case Synced:
		return "synced"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures a document Session.
type Config struct {
	Tracker *membership.Tracker
	RoomID  string
	// Doc is the replica to sync. A fresh one is created when nil.
	Doc    Doc
	Access models.AccessRole

	ThrottleWindow time.Duration
	Clock          clockwork.Clock
	Logger         *zerolog.Logger
}

// Peer is a remote awareness entry.
type Peer struct {
	ClientID     string
	ConnectionID string
	State        json.RawMessage
}

// Session is the sync negotiator of one document room.
type Session struct {
	tracker *membership.Tracker
	bus     transport.Bus
	roomID  string
	doc     Doc
	access  models.AccessRole
	logger  zerolog.Logger

	flusher *throttle.Throttle

	mu         sync.Mutex
	state      State
	pending    [][]byte
	origins    map[string]struct{}
	local      json.RawMessage
	peers      map[string]Peer
	watchers   []func(State)
	syncedOnce chan struct{}
	closed     bool

	unsubs []func()
}

// Open joins the document room and starts negotiating. It returns once the
// relay confirmed the join; the session is Synced after the first step2.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("docsync: %w: no membership tracker", models.ErrNotInitialized)
	}
	if cfg.ThrottleWindow == 0 {
		cfg.ThrottleWindow = DefaultThrottleWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	doc := cfg.Doc
	if doc == nil {
		doc = NewDoc(cfg.Tracker.Self().ID + "-" + ksuid.New().String())
	}

	s := &Session{
		tracker:    cfg.Tracker,
		bus:        cfg.Tracker.Bus(),
		roomID:     cfg.RoomID,
		doc:        doc,
		access:     cfg.Access,
		logger:     logger.With().Str("component", "docsync").Str("roomID", cfg.RoomID).Logger(),
		origins:    make(map[string]struct{}),
		peers:      make(map[string]Peer),
		syncedOnce: make(chan struct{}),
	}
	s.flusher = throttle.New(cfg.ThrottleWindow, s.flush, throttle.WithClock(cfg.Clock))

	s.unsubs = []func(){
		s.bus.On(models.KindDocSync, s.onSync),
		s.bus.On(models.KindDocAwareness, s.onAwareness),
		s.bus.On(models.KindDisconnected, s.onDisconnected),
		s.tracker.OnParticipantsChanged(s.roomID, s.onMembers),
		doc.OnUpdate(s.onDocUpdate),
	}

	s.setState(AwaitingSyncStep1)
	if _, err := s.tracker.Join(ctx, s.roomID, models.RoomKindDocument); err != nil {
		s.detach()
		return nil, err
	}
	s.requestState()
	s.announce()
	return s, nil
}

// Doc is the synced replica. Edit it through the session so permissions
// are enforced.
func (s *Session) Doc() Doc {
	return s.doc
}

// Text returns the current document content.
func (s *Session) Text() string {
	return s.doc.Text()
}

// State returns the sync state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReadOnly reports whether local edits are refused right now.
func (s *Session) ReadOnly() bool {
	return s.checkEditable() != nil
}

// OnStateChange registers fn for state transitions. fn must not block.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// WaitSynced blocks until the session first reaches Synced.
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-s.syncedOnce:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for document sync: %w", errors.Join(models.ErrTimeout, ctx.Err()))
	}
}

func (s *Session) checkEditable() error {
	if !s.access.CanEdit() {
		return fmt.Errorf("%w: %s access is read-only", models.ErrPermission, s.access)
	}
	if st := s.State(); st != Synced {
		return fmt.Errorf("%w: document is %s", models.ErrPermission, st)
	}
	return nil
}

// Insert adds text at pos.
func (s *Session) Insert(pos int, text string) error {
	if err := s.checkEditable(); err != nil {
		return err
	}
	s.doc.Insert(pos, text)
	return nil
}

// Delete removes length runes at pos.
func (s *Session) Delete(pos, length int) error {
	if err := s.checkEditable(); err != nil {
		return err
	}
	s.doc.Delete(pos, length)
	return nil
}

// SetAwareness publishes the local presence state (cursor, color).
func (s *Session) SetAwareness(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding awareness: %w", err)
	}
	s.mu.Lock()
	s.local = raw
	s.mu.Unlock()
	return s.emitAwareness(raw)
}

// Peers returns the awareness states of the other replicas.
func (s *Session) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Peer) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return out
}

// Close sends whatever is pending, detaches and leaves the room.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	announced := s.local != nil
	s.mu.Unlock()

	if s.State() == Synced {
		s.flusher.Flush()
	}
	s.detach()
	if announced {
		_ = s.emitAwareness(nil)
	}
	s.tracker.Leave(s.roomID)
	s.setState(Disconnected)
}

func (s *Session) detach() {
	s.flusher.Stop()
	for _, off := range s.unsubs {
		off()
	}
	s.unsubs = nil
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	if next == Synced {
		select {
		case <-s.syncedOnce:
		default:
			close(s.syncedOnce)
		}
	}
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()

	s.logger.Debug().Stringer("state", next).Msg("sync state changed")
	for _, fn := range watchers {
		fn(next)
	}
}

// origin is the tag stamped on everything this replica sends. Every
// connection id the session ever had is remembered as its own.
func (s *Session) origin() string {
	id := s.bus.ConnectionID()
	s.mu.Lock()
	s.origins[id] = struct{}{}
	s.mu.Unlock()
	return id
}

func (s *Session) ownOrigin(tag string) bool {
	if tag == "" {
		return false
	}
	if tag == s.bus.ConnectionID() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.origins[tag]
	return ok
}

// remoteOrigin is the origin applied updates are recorded with. It is
// never the local origin, so the doc observer cannot echo them.
func remoteOrigin(env models.Envelope) string {
	tag := env.Origin
	if tag == "" {
		tag = env.From
	}
	if tag == "" || tag == OriginLocal {
		tag = "remote:" + env.From
	}
	return tag
}

func (s *Session) send(step models.SyncStep, data []byte, to string) error {
	env, err := models.NewEnvelope(models.KindDocSync, s.roomID, models.SyncPayload{Step: step, Data: data})
	if err != nil {
		return err
	}
	env.To = to
	env.Origin = s.origin()
	return s.bus.Emit(env)
}

// requestState starts a negotiation round with the replica's state vector.
func (s *Session) requestState() {
	if err := s.send(models.SyncStep1, s.doc.EncodeStateVector(), ""); err != nil {
		s.logger.Warn().Err(err).Msg("failed to request document state")
	}
}

func (s *Session) announce() {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local != nil {
		_ = s.emitAwareness(local)
	}
}

func (s *Session) emitAwareness(state json.RawMessage) error {
	env, err := models.NewEnvelope(models.KindDocAwareness, s.roomID, models.AwarenessPayload{
		ClientID: s.doc.ClientID(),
		State:    state,
	})
	if err != nil {
		return err
	}
	env.Origin = s.origin()
	return s.bus.Emit(env)
}

func (s *Session) onSync(env models.Envelope) {
	if env.RoomID != s.roomID {
		return
	}
	if s.ownOrigin(env.Origin) || s.ownOrigin(env.From) {
		s.logger.Debug().Msg("discarding own sync message")
		return
	}
	p, err := models.DecodeSync(env)
	if err != nil {
		s.logger.Warn().Err(err).Msg("skipping malformed sync message")
		return
	}

	switch p.Step {
	case models.SyncStep1:
		diff, err := s.doc.EncodeDiff(p.Data)
		if err != nil {
			s.logger.Warn().Err(errors.Join(models.ErrSyncDecode, err)).Msg("skipping malformed state vector")
			return
		}
		if err := s.send(models.SyncStep2, diff, env.From); err != nil {
			s.logger.Warn().Err(err).Msg("failed to answer state request")
		}

	case models.SyncStep2:
		if _, err := s.doc.ApplyUpdate(p.Data, remoteOrigin(env)); err != nil {
			s.logger.Warn().Err(errors.Join(models.ErrSyncDecode, err)).Msg("skipping malformed document state")
			return
		}
		if s.State() == AwaitingSyncStep1 {
			s.setState(Synced)
		}

	case models.SyncUpdate:
		if _, err := s.doc.ApplyUpdate(p.Data, remoteOrigin(env)); err != nil {
			s.logger.Warn().Err(errors.Join(models.ErrSyncDecode, err)).Msg("skipping malformed update")
		}
	}
}

// onDocUpdate forwards local edits only; remote updates carry a remote
// origin and stop here.
func (s *Session) onDocUpdate(update []byte, origin string) {
	if origin != OriginLocal {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, update)
	s.mu.Unlock()
	s.flusher.Trigger()
}

// flush sends the pending local updates as one merged update.
func (s *Session) flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	state := s.state
	s.mu.Unlock()

	if len(pending) == 0 || state == Disconnected {
		return
	}
	merged, err := s.doc.MergeUpdates(pending...)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to merge local updates")
		return
	}
	if err := s.send(models.SyncUpdate, merged, ""); err != nil {
		// The next step1/step2 round carries these edits.
		s.logger.Warn().Err(err).Msg("failed to send update")
	}
}

func (s *Session) onAwareness(env models.Envelope) {
	if env.RoomID != s.roomID || s.ownOrigin(env.Origin) || s.ownOrigin(env.From) {
		return
	}
	p, err := models.DecodePayload[models.AwarenessPayload](env, models.KindDocAwareness)
	if err != nil {
		s.logger.Warn().Err(err).Msg("skipping malformed awareness")
		return
	}
	if p.ClientID == "" || p.ClientID == s.doc.ClientID() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p.State) == 0 || string(p.State) == "null" {
		delete(s.peers, p.ClientID)
		return
	}
	s.peers[p.ClientID] = Peer{ClientID: p.ClientID, ConnectionID: env.From, State: p.State}
}

func (s *Session) onMembers(ch membership.Change) {
	if len(ch.Left) > 0 {
		s.mu.Lock()
		for id, peer := range s.peers {
			for _, gone := range ch.Left {
				if peer.ConnectionID == gone.ConnectionID {
					delete(s.peers, id)
				}
			}
		}
		s.mu.Unlock()
	}

	if ch.Rejoin {
		s.setState(AwaitingSyncStep1)
		s.requestState()
		s.announce()
	}
}

// onDisconnected drops unsent edits; the rejoin negotiation carries them.
func (s *Session) onDisconnected(models.Envelope) {
	s.flusher.Cancel()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.setState(Disconnected)
}

// Package membership keeps the client's view of who else is in each room it
// joined. The local participant never appears in any view it hands out.
package membership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/transport"
)

// Change describes one update of a room's membership as seen by this
// client.
type Change struct {
	RoomID       string
	Participants []models.Participant
	Joined       []models.Participant
	Left         []models.Participant
	// Initial marks the first snapshot after a join. It lists everyone
	// present in Participants and leaves Joined empty.
	Initial bool
	// Rejoin marks the initial snapshot of an automatic rejoin after the
	// transport reconnected.
	Rejoin bool
}

// ChangeHandler runs on the transport dispatch goroutine.
type ChangeHandler func(Change)

// Config configures a Tracker. Bus and Self are required.
type Config struct {
	Bus         transport.Bus
	Self        models.User
	JoinTimeout time.Duration
	Clock       clockwork.Clock
	Logger      *zerolog.Logger
}

type joinResult struct {
	participants []models.Participant
	err          error
}

type roomState struct {
	kind    models.RoomKind
	self    models.Participant
	others  []models.Participant
	synced  bool
	rejoin  bool
	waiters []chan joinResult
}

// Tracker is the Room Membership Tracker for one transport session.
type Tracker struct {
	bus         transport.Bus
	self        models.User
	joinTimeout time.Duration
	clock       clockwork.Clock
	logger      zerolog.Logger

	mu       sync.Mutex
	rooms    map[string]*roomState
	handlers map[string][]subscription
	nextID   uint64
	unsubs   []func()
}

type subscription struct {
	id uint64
	fn ChangeHandler
}

// New subscribes a Tracker to bus. It joins nothing until Join is called.
func New(cfg Config) *Tracker {
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	t := &Tracker{
		bus:         cfg.Bus,
		self:        cfg.Self,
		joinTimeout: cfg.JoinTimeout,
		clock:       cfg.Clock,
		logger:      logger.With().Str("component", "membership").Logger(),
		rooms:       make(map[string]*roomState),
		handlers:    make(map[string][]subscription),
	}
	t.unsubs = []func(){
		cfg.Bus.On(models.KindParticipants, t.onParticipants),
		cfg.Bus.On(models.KindUserJoined, t.onUserJoined),
		cfg.Bus.On(models.KindUserLeft, t.onUserLeft),
		cfg.Bus.On(models.KindRoomError, t.onRoomError),
		cfg.Bus.On(models.KindMeetingEnded, t.onMeetingEnded),
		cfg.Bus.On(models.KindDisconnected, t.onDisconnected),
		cfg.Bus.On(models.KindReconnected, t.onReconnected),
	}
	return t
}

// Self is the local user the tracker filters out.
func (t *Tracker) Self() models.User {
	return t.self
}

// Bus is the transport the tracker joins through.
func (t *Tracker) Bus() transport.Bus {
	return t.bus
}

// Join enters roomID and returns the other participants once the relay has
// confirmed the join. It must not be called from a transport handler.
func (t *Tracker) Join(ctx context.Context, roomID string, kind models.RoomKind) ([]models.Participant, error) {
	wait := make(chan joinResult, 1)

	t.mu.Lock()
	rs, ok := t.rooms[roomID]
	if !ok {
		rs = &roomState{kind: kind}
		t.rooms[roomID] = rs
	}
	rs.kind = kind
	rs.waiters = append(rs.waiters, wait)
	t.mu.Unlock()

	if err := t.emitJoin(roomID, kind); err != nil {
		t.dropWaiter(roomID, wait)
		return nil, err
	}

	select {
	case res := <-wait:
		return res.participants, res.err
	case <-ctx.Done():
		t.dropWaiter(roomID, wait)
		return nil, ctx.Err()
	case <-t.clock.After(t.joinTimeout):
		t.dropWaiter(roomID, wait)
		return nil, fmt.Errorf("joining %s: %w", roomID, models.ErrTimeout)
	}
}

func (t *Tracker) emitJoin(roomID string, kind models.RoomKind) error {
	env, err := models.NewEnvelope(models.KindJoin, roomID, models.JoinPayload{
		Kind:        kind,
		DisplayName: t.self.Name,
		Color:       t.self.Color,
	})
	if err != nil {
		return err
	}
	return t.bus.Emit(env)
}

// dropWaiter forgets a join that gave up. A room that never completed its
// join is forgotten with it.
func (t *Tracker) dropWaiter(roomID string, wait chan joinResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	if !ok {
		return
	}
	rs.waiters = slices.DeleteFunc(rs.waiters, func(c chan joinResult) bool { return c == wait })
	if !rs.synced && len(rs.waiters) == 0 {
		delete(t.rooms, roomID)
	}
}

// Leave exits roomID. It never fails: with the transport down the relay
// has already dropped us.
func (t *Tracker) Leave(roomID string) {
	t.mu.Lock()
	rs, ok := t.rooms[roomID]
	delete(t.rooms, roomID)
	t.mu.Unlock()

	if ok {
		for _, w := range rs.waiters {
			w <- joinResult{err: fmt.Errorf("left %s before the join completed: %w", roomID, models.ErrConnection)}
		}
	}
	if err := t.bus.Emit(models.Envelope{Kind: models.KindLeave, RoomID: roomID}); err != nil {
		t.logger.Debug().Err(err).Str("roomID", roomID).Msg("leave not sent")
	}
}

// Joined reports whether the tracker holds a confirmed membership of roomID.
func (t *Tracker) Joined(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	return ok && rs.synced
}

// Others returns the other participants of roomID in relay order.
func (t *Tracker) Others(roomID string) []models.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.rooms[roomID]; ok {
		return slices.Clone(rs.others)
	}
	return nil
}

// Lookup returns the other participant holding connID in roomID.
func (t *Tracker) Lookup(roomID, connID string) (models.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.rooms[roomID]; ok {
		if i := indexOf(rs.others, connID); i >= 0 {
			return rs.others[i], true
		}
	}
	return models.Participant{}, false
}

// SelfEntry returns the relay's view of the local participant in roomID,
// including its role.
func (t *Tracker) SelfEntry(roomID string) (models.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	if !ok || rs.self.ConnectionID == "" {
		return models.Participant{}, false
	}
	return rs.self, true
}

// OnParticipantsChanged registers fn for changes of roomID. It may be
// called before Join.
func (t *Tracker) OnParticipantsChanged(roomID string, fn ChangeHandler) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[roomID] = append(t.handlers[roomID], subscription{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.handlers[roomID] = slices.DeleteFunc(t.handlers[roomID], func(s subscription) bool { return s.id == id })
		if len(t.handlers[roomID]) == 0 {
			delete(t.handlers, roomID)
		}
	}
}

// Close leaves every room and detaches from the transport.
func (t *Tracker) Close() {
	t.mu.Lock()
	rooms := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		rooms = append(rooms, id)
	}
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	for _, id := range rooms {
		t.Leave(id)
	}
	for _, off := range unsubs {
		off()
	}
}

func (t *Tracker) isSelf(p models.Participant) bool {
	if p.UserID != "" && p.UserID == t.self.ID {
		return true
	}
	connID := t.bus.ConnectionID()
	return connID != "" && p.ConnectionID == connID
}

func (t *Tracker) withoutSelf(ps []models.Participant) []models.Participant {
	out := make([]models.Participant, 0, len(ps))
	for _, p := range ps {
		if !t.isSelf(p) && indexOf(out, p.ConnectionID) < 0 {
			out = append(out, p)
		}
	}
	return out
}

func indexOf(ps []models.Participant, connID string) int {
	return slices.IndexFunc(ps, func(p models.Participant) bool { return p.ConnectionID == connID })
}

// diff reports who is in next but not in prev and the other way round.
func diff(prev, next []models.Participant) (joined, left []models.Participant) {
	for _, p := range next {
		if indexOf(prev, p.ConnectionID) < 0 {
			joined = append(joined, p)
		}
	}
	for _, p := range prev {
		if indexOf(next, p.ConnectionID) < 0 {
			left = append(left, p)
		}
	}
	return joined, left
}

// notify runs the room's handlers. Callers must not hold t.mu.
func (t *Tracker) notify(ch Change) {
	t.mu.Lock()
	subs := slices.Clone(t.handlers[ch.RoomID])
	t.mu.Unlock()

	for _, s := range subs {
		s.fn(ch)
	}
}

func (t *Tracker) onParticipants(env models.Envelope) {
	p, err := models.DecodePayload[models.ParticipantsPayload](env, models.KindParticipants)
	if err != nil {
		t.logger.Warn().Err(err).Str("roomID", env.RoomID).Msg("skipping malformed participant list")
		return
	}
	others := t.withoutSelf(p.Participants)
	connID := t.bus.ConnectionID()

	t.mu.Lock()
	rs, ok := t.rooms[env.RoomID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if i := indexOf(p.Participants, connID); i >= 0 {
		rs.self = p.Participants[i]
	}
	initial := !rs.synced
	rejoin := initial && rs.rejoin
	joined, left := diff(rs.others, others)
	unchanged := !initial && slices.Equal(rs.others, others)

	rs.others = others
	rs.synced = true
	rs.rejoin = false
	waiters := rs.waiters
	rs.waiters = nil
	t.mu.Unlock()

	for _, w := range waiters {
		w <- joinResult{participants: slices.Clone(others)}
	}
	if unchanged {
		return
	}

	ch := Change{RoomID: env.RoomID, Participants: slices.Clone(others), Initial: initial, Rejoin: rejoin}
	if !initial {
		ch.Joined, ch.Left = joined, left
	}
	t.notify(ch)
}

func (t *Tracker) onUserJoined(env models.Envelope) {
	p, err := models.DecodePayload[models.PeerPayload](env, models.KindUserJoined)
	if err != nil {
		t.logger.Warn().Err(err).Msg("skipping malformed user-joined")
		return
	}
	if t.isSelf(p.Participant) {
		return
	}

	t.mu.Lock()
	rs, ok := t.rooms[env.RoomID]
	if !ok || !rs.synced || indexOf(rs.others, p.Participant.ConnectionID) >= 0 {
		t.mu.Unlock()
		return
	}
	rs.others = append(rs.others, p.Participant)
	others := slices.Clone(rs.others)
	t.mu.Unlock()

	t.notify(Change{RoomID: env.RoomID, Participants: others, Joined: []models.Participant{p.Participant}})
}

func (t *Tracker) onUserLeft(env models.Envelope) {
	p, err := models.DecodePayload[models.PeerPayload](env, models.KindUserLeft)
	if err != nil {
		t.logger.Warn().Err(err).Msg("skipping malformed user-left")
		return
	}

	t.mu.Lock()
	rs, ok := t.rooms[env.RoomID]
	if !ok {
		t.mu.Unlock()
		return
	}
	i := indexOf(rs.others, p.Participant.ConnectionID)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	gone := rs.others[i]
	rs.others = slices.Delete(rs.others, i, i+1)
	others := slices.Clone(rs.others)
	t.mu.Unlock()

	t.notify(Change{RoomID: env.RoomID, Participants: others, Left: []models.Participant{gone}})
}

func (t *Tracker) onRoomError(env models.Envelope) {
	roomErr := models.RoomErrorFrom(env)

	t.mu.Lock()
	rs, ok := t.rooms[env.RoomID]
	if !ok || len(rs.waiters) == 0 || rs.synced {
		t.mu.Unlock()
		return
	}
	waiters := rs.waiters
	delete(t.rooms, env.RoomID)
	t.mu.Unlock()

	t.logger.Info().Err(roomErr).Msg("join refused")
	for _, w := range waiters {
		w <- joinResult{err: roomErr}
	}
}

// onMeetingEnded forgets a call the host closed. The relay has already
// removed every member.
func (t *Tracker) onMeetingEnded(env models.Envelope) {
	t.mu.Lock()
	rs, ok := t.rooms[env.RoomID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.rooms, env.RoomID)
	t.mu.Unlock()

	if len(rs.others) > 0 {
		t.notify(Change{RoomID: env.RoomID, Left: rs.others})
	}
}

// onDisconnected fails pending joins and empties every room: the relay
// forgot us, and whoever is there after the rejoin is news.
func (t *Tracker) onDisconnected(models.Envelope) {
	var changes []Change
	var waiters []chan joinResult

	t.mu.Lock()
	for id, rs := range t.rooms {
		waiters = append(waiters, rs.waiters...)
		rs.waiters = nil
		if !rs.synced {
			delete(t.rooms, id)
			continue
		}
		if len(rs.others) > 0 {
			changes = append(changes, Change{RoomID: id, Left: rs.others})
		}
		rs.others = nil
		rs.synced = false
	}
	t.mu.Unlock()

	for _, w := range waiters {
		w <- joinResult{err: fmt.Errorf("transport lost during join: %w", models.ErrConnection)}
	}
	for _, ch := range changes {
		t.notify(ch)
	}
}

// onReconnected rejoins every room held before the drop. The relay's
// answer arrives as an initial snapshot flagged Rejoin.
func (t *Tracker) onReconnected(models.Envelope) {
	type rejoin struct {
		id   string
		kind models.RoomKind
	}
	var rooms []rejoin

	t.mu.Lock()
	for id, rs := range t.rooms {
		rs.rejoin = true
		rooms = append(rooms, rejoin{id: id, kind: rs.kind})
	}
	t.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		if err := t.emitJoin(r.id, r.kind); err != nil {
			errs = append(errs, fmt.Errorf("rejoining %s: %w", r.id, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn().Err(err).Msg("rejoin failed")
	}
}

// Package mesh negotiates a full mesh of WebRTC peer connections between
// the participants of a video call, signaling through the relay.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mossy-p/collab-relay/internal/membership"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/transport"
)

// LinkState is the negotiation state of the link to one remote participant.
type LinkState string

const (
	LinkIdle          LinkState = "idle"
	LinkOfferSent     LinkState = "offer-sent"
	LinkOfferReceived LinkState = "offer-received"
	LinkConnected     LinkState = "connected"
	LinkClosed        LinkState = "closed"
)

// Link is a snapshot of one peer link.
type Link struct {
	Participant models.Participant
	State       LinkState
}

// Config configures a Signaler.
type Config struct {
	Tracker *membership.Tracker
	RoomID  string
	// Factory creates peer connections. Defaults to pion with the default
	// STUN server.
	Factory PeerFactory
	Logger  *zerolog.Logger
}

type link struct {
	participant models.Participant
	peer        Peer
	state       LinkState
	remoteSet   bool
	pendingICE  []models.ICECandidate
	// Local candidates wait until our offer or answer has gone out, so the
	// remote never sees a candidate for a peer it does not know yet.
	signaled bool
	localICE []models.ICECandidate
}

// Signaler is the WebRTC Mesh Signaler of one call.
type Signaler struct {
	tracker *membership.Tracker
	bus     transport.Bus
	roomID  string
	factory PeerFactory
	logger  zerolog.Logger

	mu       sync.Mutex
	links    map[string]*link
	watchers []func(Link)
	ended    []func(error)
	endWait  []chan error
	done     bool

	unsubs []func()
}

// Join enters the call. Links to participants already present are set up
// by their offers; participants joining later are offered to by us.
func Join(ctx context.Context, cfg Config) (*Signaler, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("mesh: %w: no membership tracker", models.ErrNotInitialized)
	}
	if cfg.Factory == nil {
		cfg.Factory = NewPionFactory(PionConfig{ICE: DefaultICEConfig()})
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &Signaler{
		tracker: cfg.Tracker,
		bus:     cfg.Tracker.Bus(),
		roomID:  cfg.RoomID,
		factory: cfg.Factory,
		logger:  logger.With().Str("component", "mesh").Str("roomID", cfg.RoomID).Logger(),
		links:   make(map[string]*link),
	}
	s.unsubs = []func(){
		s.bus.On(models.KindOffer, s.onOffer),
		s.bus.On(models.KindAnswer, s.onAnswer),
		s.bus.On(models.KindICECandidate, s.onCandidate),
		s.bus.On(models.KindMeetingEnded, s.onMeetingEnded),
		s.bus.On(models.KindRoomError, s.onRoomError),
		s.tracker.OnParticipantsChanged(s.roomID, s.onMembers),
	}

	if _, err := s.tracker.Join(ctx, s.roomID, models.RoomKindVideoCall); err != nil {
		s.detach()
		return nil, err
	}
	return s, nil
}

// Links returns the current links ordered by connection id.
func (s *Signaler) Links() []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, Link{Participant: l.participant, State: l.state})
	}
	slices.SortFunc(out, func(a, b Link) int {
		switch {
		case a.Participant.ConnectionID < b.Participant.ConnectionID:
			return -1
		case a.Participant.ConnectionID > b.Participant.ConnectionID:
			return 1
		}
		return 0
	})
	return out
}

// OnLinkChange registers fn for link state transitions.
func (s *Signaler) OnLinkChange(fn func(Link)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// OnEnded registers fn for the end of the call by the host. The error
// wraps ErrRoomEnded and carries the host's reason.
func (s *Signaler) OnEnded(fn func(error)) {
	s.mu.Lock()
	s.ended = append(s.ended, fn)
	s.mu.Unlock()
}

// EndMeeting asks the relay to end the call for everyone. Only the host may
// do that; others get ErrPermission.
func (s *Signaler) EndMeeting(ctx context.Context, reason string) error {
	if me, ok := s.tracker.SelfEntry(s.roomID); ok && me.Role != models.RoleHost {
		return fmt.Errorf("%w: only the host can end the meeting", models.ErrPermission)
	}
	env, err := models.NewEnvelope(models.KindEndMeeting, s.roomID, models.MeetingPayload{Reason: reason})
	if err != nil {
		return err
	}

	wait := make(chan error, 1)
	s.mu.Lock()
	s.endWait = append(s.endWait, wait)
	s.mu.Unlock()
	defer s.dropEndWait(wait)

	if err := s.bus.Emit(env); err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Signaler) dropEndWait(wait chan error) {
	s.mu.Lock()
	s.endWait = slices.DeleteFunc(s.endWait, func(c chan error) bool { return c == wait })
	s.mu.Unlock()
}

// Leave closes every link and leaves the call.
func (s *Signaler) Leave() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	s.detach()
	s.closeAll()
	s.tracker.Leave(s.roomID)
}

func (s *Signaler) detach() {
	for _, off := range s.unsubs {
		off()
	}
	s.unsubs = nil
}

func (s *Signaler) notify(l *link) {
	s.mu.Lock()
	snap := Link{Participant: l.participant, State: l.state}
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()
	for _, fn := range watchers {
		fn(snap)
	}
}

// peerFor returns the link to p, creating it on first use.
func (s *Signaler) peerFor(p models.Participant) (*link, bool, error) {
	s.mu.Lock()
	if l, ok := s.links[p.ConnectionID]; ok {
		s.mu.Unlock()
		return l, false, nil
	}
	s.mu.Unlock()

	peer, err := s.factory(p)
	if err != nil {
		return nil, false, err
	}
	l := &link{participant: p, peer: peer, state: LinkIdle}

	s.mu.Lock()
	if existing, ok := s.links[p.ConnectionID]; ok {
		s.mu.Unlock()
		_ = peer.Close()
		return existing, false, nil
	}
	s.links[p.ConnectionID] = l
	s.mu.Unlock()

	connID := p.ConnectionID
	peer.OnICECandidate(func(c models.ICECandidate) {
		s.mu.Lock()
		if !l.signaled {
			l.localICE = append(l.localICE, c)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.send(models.KindICECandidate, connID, models.SignalPayload{Candidate: &c})
	})
	peer.OnStateChange(func(st PeerState) {
		s.onPeerState(l, st)
	})
	return l, true, nil
}

func (s *Signaler) send(kind models.Kind, to string, payload models.SignalPayload) {
	env, err := models.NewEnvelope(kind, s.roomID, payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build signal")
		return
	}
	env.To = to
	if err := s.bus.Emit(env); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Str("to", to).Msg("failed to send signal")
	}
}

// offer starts negotiation with a participant that joined after us.
func (s *Signaler) offer(p models.Participant) {
	l, created, err := s.peerFor(p)
	if err != nil {
		s.logger.Error().Err(err).Str("connID", p.ConnectionID).Msg("failed to create peer")
		return
	}
	if !created {
		return
	}
	desc, err := l.peer.Offer()
	if err != nil {
		s.logger.Error().Err(err).Str("connID", p.ConnectionID).Msg("failed to create offer")
		s.closeLink(p.ConnectionID)
		return
	}
	s.setState(l, LinkOfferSent)
	s.send(models.KindOffer, p.ConnectionID, models.SignalPayload{Description: &desc})
	s.releaseCandidates(l)
}

// releaseCandidates sends the local candidates gathered before the description
// was sent.
func (s *Signaler) releaseCandidates(l *link) {
	s.mu.Lock()
	l.signaled = true
	pending := l.localICE
	l.localICE = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.send(models.KindICECandidate, l.participant.ConnectionID, models.SignalPayload{Candidate: &c})
	}
}

func (s *Signaler) setState(l *link, st LinkState) {
	s.mu.Lock()
	if l.state == st || l.state == LinkClosed {
		s.mu.Unlock()
		return
	}
	l.state = st
	s.mu.Unlock()
	s.notify(l)
}

func (s *Signaler) decodeSignal(env models.Envelope) (models.SignalPayload, bool) {
	if env.RoomID != s.roomID || env.From == "" || env.From == s.bus.ConnectionID() {
		return models.SignalPayload{}, false
	}
	p, err := models.DecodePayload[models.SignalPayload](env, env.Kind)
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("skipping malformed signal")
		return p, false
	}
	return p, true
}

func (s *Signaler) onOffer(env models.Envelope) {
	p, ok := s.decodeSignal(env)
	if !ok || p.Description == nil {
		return
	}
	remote, known := s.tracker.Lookup(s.roomID, env.From)
	if !known {
		remote = models.Participant{ConnectionID: env.From}
	}
	l, _, err := s.peerFor(remote)
	if err != nil {
		s.logger.Error().Err(err).Str("connID", env.From).Msg("failed to create peer")
		return
	}
	if err := s.applyRemote(l, *p.Description); err != nil {
		s.logger.Warn().Err(err).Str("connID", env.From).Msg("failed to apply offer")
		return
	}
	s.setState(l, LinkOfferReceived)

	answer, err := l.peer.Answer()
	if err != nil {
		s.logger.Error().Err(err).Str("connID", env.From).Msg("failed to create answer")
		return
	}
	s.send(models.KindAnswer, env.From, models.SignalPayload{Description: &answer})
	s.releaseCandidates(l)
}

func (s *Signaler) onAnswer(env models.Envelope) {
	p, ok := s.decodeSignal(env)
	if !ok || p.Description == nil {
		return
	}
	s.mu.Lock()
	l, known := s.links[env.From]
	s.mu.Unlock()
	if !known {
		s.logger.Debug().Str("connID", env.From).Msg("dropping answer for unknown peer")
		return
	}
	if err := s.applyRemote(l, *p.Description); err != nil {
		s.logger.Warn().Err(err).Str("connID", env.From).Msg("failed to apply answer")
	}
}

// applyRemote installs the remote description and then any candidates that
// arrived before it.
func (s *Signaler) applyRemote(l *link, desc models.SessionDescription) error {
	if err := l.peer.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.mu.Lock()
	l.remoteSet = true
	pending := l.pendingICE
	l.pendingICE = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := l.peer.AddICECandidate(c); err != nil {
			s.logger.Debug().Err(err).Msg("failed to add buffered candidate")
		}
	}
	return nil
}

func (s *Signaler) onCandidate(env models.Envelope) {
	p, ok := s.decodeSignal(env)
	if !ok || p.Candidate == nil {
		return
	}
	s.mu.Lock()
	l, known := s.links[env.From]
	if known && !l.remoteSet {
		l.pendingICE = append(l.pendingICE, *p.Candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !known {
		s.logger.Debug().Str("connID", env.From).Msg("dropping candidate for unknown peer")
		return
	}
	if err := l.peer.AddICECandidate(*p.Candidate); err != nil {
		s.logger.Debug().Err(err).Str("connID", env.From).Msg("failed to add candidate")
	}
}

func (s *Signaler) onPeerState(l *link, st PeerState) {
	s.logger.Debug().Str("connID", l.participant.ConnectionID).Stringer("state", st).Msg("peer state changed")
	switch st {
	case PeerConnected:
		s.setState(l, LinkConnected)
	case PeerFailed, PeerDisconnected, PeerClosed:
		s.mu.Lock()
		current := s.links[l.participant.ConnectionID] == l
		s.mu.Unlock()
		if current {
			s.closeLink(l.participant.ConnectionID)
		}
	}
}

func (s *Signaler) onMembers(ch membership.Change) {
	for _, p := range ch.Left {
		s.closeLink(p.ConnectionID)
	}
	if ch.Initial {
		return
	}
	for _, p := range ch.Joined {
		s.offer(p)
	}
}

// closeLink tears down the link to connID only.
func (s *Signaler) closeLink(connID string) {
	s.mu.Lock()
	l, ok := s.links[connID]
	if ok {
		delete(s.links, connID)
		l.state = LinkClosed
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := l.peer.Close(); err != nil {
		s.logger.Debug().Err(err).Str("connID", connID).Msg("closing peer")
	}
	s.notify(l)
}

func (s *Signaler) closeAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.links))
	for id := range s.links {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.closeLink(id)
	}
}

func (s *Signaler) onMeetingEnded(env models.Envelope) {
	if env.RoomID != s.roomID {
		return
	}
	var reason string
	if p, err := models.DecodePayload[models.MeetingPayload](env, models.KindMeetingEnded); err == nil {
		reason = p.Reason
	}
	ended := &models.RoomError{RoomID: s.roomID, Code: models.CodeRoomEnded, Message: reason}

	s.mu.Lock()
	s.done = true
	handlers := slices.Clone(s.ended)
	waiters := s.endWait
	s.endWait = nil
	s.mu.Unlock()

	// The tracker forgets the room by itself.
	s.detach()
	s.closeAll()

	for _, w := range waiters {
		w <- nil
	}
	s.logger.Info().Str("reason", reason).Msg("meeting ended")
	for _, fn := range handlers {
		fn(ended)
	}
}

func (s *Signaler) onRoomError(env models.Envelope) {
	if env.RoomID != s.roomID {
		return
	}
	roomErr := models.RoomErrorFrom(env)
	if !errors.Is(roomErr, models.ErrPermission) {
		return
	}
	s.mu.Lock()
	waiters := s.endWait
	s.endWait = nil
	s.mu.Unlock()
	for _, w := range waiters {
		w <- fmt.Errorf("ending meeting: %w", roomErr)
	}
}

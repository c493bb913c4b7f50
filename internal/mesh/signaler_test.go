package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/collab-relay/internal/membership"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/transport/transporttest"
)

const waitFor = 5 * time.Second

// fakePeer connects as soon as it holds both descriptions. Like a real
// peer connection it refuses candidates before the remote description.
type fakePeer struct {
	owner  string
	remote models.Participant

	mu         sync.Mutex
	local      *models.SessionDescription
	remoteDesc *models.SessionDescription
	candidates []models.ICECandidate
	closed     bool
	onICE      func(models.ICECandidate)
	onState    func(PeerState)
}

func (p *fakePeer) Offer() (models.SessionDescription, error) {
	desc := models.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer %s>%s", p.owner, p.remote.ConnectionID)}
	p.mu.Lock()
	p.local = &desc
	onICE := p.onICE
	p.mu.Unlock()
	onICE(p.candidate())
	return desc, nil
}

func (p *fakePeer) Answer() (models.SessionDescription, error) {
	p.mu.Lock()
	if p.remoteDesc == nil || p.remoteDesc.Type != "offer" {
		p.mu.Unlock()
		return models.SessionDescription{}, errors.New("no remote offer")
	}
	desc := models.SessionDescription{Type: "answer", SDP: fmt.Sprintf("answer %s>%s", p.owner, p.remote.ConnectionID)}
	p.local = &desc
	onICE := p.onICE
	p.mu.Unlock()
	onICE(p.candidate())
	p.connect()
	return desc, nil
}

func (p *fakePeer) candidate() models.ICECandidate {
	mid := "0"
	return models.ICECandidate{Candidate: "candidate:" + p.owner, SDPMid: &mid}
}

func (p *fakePeer) SetRemoteDescription(desc models.SessionDescription) error {
	p.mu.Lock()
	p.remoteDesc = &desc
	ready := p.local != nil
	p.mu.Unlock()
	if ready {
		p.connect()
	}
	return nil
}

func (p *fakePeer) connect() {
	p.mu.Lock()
	onState := p.onState
	p.mu.Unlock()
	onState(PeerConnecting)
	onState(PeerConnected)
}

func (p *fakePeer) AddICECandidate(c models.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(models.ICECandidate)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(PeerClosed)
	}
	return nil
}

func (p *fakePeer) fail() {
	p.mu.Lock()
	onState := p.onState
	p.mu.Unlock()
	onState(PeerFailed)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) received() []models.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ICECandidate(nil), p.candidates...)
}

type peers struct {
	mu  sync.Mutex
	all []*fakePeer
}

func (ps *peers) factory(owner string) PeerFactory {
	return func(remote models.Participant) (Peer, error) {
		p := &fakePeer{owner: owner, remote: remote}
		ps.mu.Lock()
		ps.all = append(ps.all, p)
		ps.mu.Unlock()
		return p, nil
	}
}

func (ps *peers) find(owner, remoteConn string) *fakePeer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i := len(ps.all) - 1; i >= 0; i-- {
		if p := ps.all[i]; p.owner == owner && p.remote.ConnectionID == remoteConn {
			return p
		}
	}
	return nil
}

type member struct {
	bus      *transporttest.Bus
	signaler *Signaler
}

func joinCall(t *testing.T, n *transporttest.Network, user string, factory PeerFactory) member {
	t.Helper()
	bus := n.Connect(user, user)
	tracker := membership.New(membership.Config{Bus: bus, Self: models.User{ID: user, Name: user}})
	t.Cleanup(tracker.Close)
	s, err := Join(context.Background(), Config{Tracker: tracker, RoomID: "call", Factory: factory})
	require.NoError(t, err)
	t.Cleanup(s.Leave)
	return member{bus: bus, signaler: s}
}

func connected(s *Signaler, want int) func() bool {
	return func() bool {
		links := s.Links()
		if len(links) != want {
			return false
		}
		for _, l := range links {
			if l.State != LinkConnected {
				return false
			}
		}
		return true
	}
}

func TestFullMesh(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	ps := &peers{}
	a := joinCall(t, n, "alice", ps.factory("alice"))
	b := joinCall(t, n, "bob", ps.factory("bob"))
	c := joinCall(t, n, "carol", ps.factory("carol"))

	for _, m := range []member{a, b, c} {
		require.Eventually(t, connected(m.signaler, 2), waitFor, time.Millisecond)
	}
	n.Settle()

	// Exactly one link per pair: the earlier member offered, the later answered.
	require.Len(t, a.bus.SentKind(models.KindOffer), 2)
	require.Len(t, b.bus.SentKind(models.KindOffer), 1)
	require.Empty(t, c.bus.SentKind(models.KindOffer))
	require.Len(t, c.bus.SentKind(models.KindAnswer), 2)

	// Candidates sent before the description were held back and applied.
	aToC := ps.find("carol", a.bus.ConnectionID())
	require.NotNil(t, aToC)
	require.Equal(t, "candidate:alice", aToC.received()[0].Candidate)

	names := []string{}
	for _, l := range c.signaler.Links() {
		names = append(names, l.Participant.UserID)
	}
	require.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestLeaveClosesOnlyThatLink(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	ps := &peers{}
	a := joinCall(t, n, "alice", ps.factory("alice"))
	b := joinCall(t, n, "bob", ps.factory("bob"))
	c := joinCall(t, n, "carol", ps.factory("carol"))
	require.Eventually(t, connected(a.signaler, 2), waitFor, time.Millisecond)
	require.Eventually(t, connected(b.signaler, 2), waitFor, time.Millisecond)

	var (
		mu     sync.Mutex
		closed []string
	)
	a.signaler.OnLinkChange(func(l Link) {
		if l.State == LinkClosed {
			mu.Lock()
			closed = append(closed, l.Participant.UserID)
			mu.Unlock()
		}
	})

	carolConn := c.bus.ConnectionID()
	c.signaler.Leave()
	require.Eventually(t, connected(a.signaler, 1), waitFor, time.Millisecond)
	require.Eventually(t, connected(b.signaler, 1), waitFor, time.Millisecond)
	require.True(t, ps.find("alice", carolConn).isClosed())
	require.False(t, ps.find("alice", b.bus.ConnectionID()).isClosed())
	require.Empty(t, c.signaler.Links())

	mu.Lock()
	require.Equal(t, []string{"carol"}, closed)
	mu.Unlock()
}

func TestFailedPeerIsRemoved(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	ps := &peers{}
	a := joinCall(t, n, "alice", ps.factory("alice"))
	b := joinCall(t, n, "bob", ps.factory("bob"))
	c := joinCall(t, n, "carol", ps.factory("carol"))
	require.Eventually(t, connected(a.signaler, 2), waitFor, time.Millisecond)

	ps.find("alice", b.bus.ConnectionID()).fail()
	links := a.signaler.Links()
	require.Len(t, links, 1)
	require.Equal(t, c.bus.ConnectionID(), links[0].Participant.ConnectionID)
}

func TestSignalsForUnknownPeersAreDropped(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	ps := &peers{}
	a := joinCall(t, n, "alice", ps.factory("alice"))

	mid := "0"
	for _, kind := range []models.Kind{models.KindICECandidate, models.KindAnswer} {
		env, err := models.NewEnvelope(kind, "call", models.SignalPayload{
			Description: &models.SessionDescription{Type: "answer", SDP: "x"},
			Candidate:   &models.ICECandidate{Candidate: "candidate:x", SDPMid: &mid},
		})
		require.NoError(t, err)
		env.From = "conn-ghost"
		a.bus.Deliver(env)
	}
	a.bus.Deliver(models.Envelope{Kind: models.KindOffer, RoomID: "call", From: "conn-ghost", Payload: []byte(`{"description":42}`)})
	a.bus.Flush()

	require.Empty(t, a.signaler.Links())
	require.Empty(t, a.bus.SentKind(models.KindOffer))
	require.Empty(t, a.bus.SentKind(models.KindAnswer))
}

func TestHostEndsMeeting(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	ps := &peers{}
	host := joinCall(t, n, "alice", ps.factory("alice"))
	guest := joinCall(t, n, "bob", ps.factory("bob"))
	require.Eventually(t, connected(guest.signaler, 1), waitFor, time.Millisecond)

	ended := make(chan error, 1)
	guest.signaler.OnEnded(func(err error) { ended <- err })

	err := guest.signaler.EndMeeting(context.Background(), "not mine to end")
	require.ErrorIs(t, err, models.ErrPermission)
	require.Empty(t, guest.bus.SentKind(models.KindEndMeeting))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, host.signaler.EndMeeting(ctx, "that's a wrap"))

	select {
	case err := <-ended:
		require.ErrorIs(t, err, models.ErrRoomEnded)
		require.True(t, strings.Contains(err.Error(), "that's a wrap"))
	case <-time.After(waitFor):
		t.Fatal("guest was not told the meeting ended")
	}
	require.Eventually(t, func() bool { return len(guest.signaler.Links()) == 0 }, waitFor, time.Millisecond)
	require.Empty(t, host.signaler.Links())
	require.Empty(t, n.Participants("call"))
}

func TestPionMesh(t *testing.T) {
	if testing.Short() {
		t.Skip("sets up real peer connections")
	}
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	factory := NewPionFactory(PionConfig{IncludeLoopback: true})
	a := joinCall(t, n, "alice", factory)
	b := joinCall(t, n, "bob", factory)

	require.Eventually(t, connected(a.signaler, 1), 20*time.Second, 10*time.Millisecond)
	require.Eventually(t, connected(b.signaler, 1), 20*time.Second, 10*time.Millisecond)

	offer, err := models.DecodePayload[models.SignalPayload](a.bus.SentKind(models.KindOffer)[0], models.KindOffer)
	require.NoError(t, err)
	require.Equal(t, "offer", offer.Description.Type)
	require.Contains(t, offer.Description.SDP, "m=video")
	require.NotEmpty(t, b.bus.SentKind(models.KindICECandidate))
}

package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/transport/transporttest"
)

var (
	alice = models.Participant{UserID: "alice", DisplayName: "Alice", ConnectionID: "conn-a"}
	bob   = models.Participant{UserID: "bob", DisplayName: "Bob", ConnectionID: "conn-b"}
	carol = models.Participant{UserID: "carol", DisplayName: "Carol", ConnectionID: "conn-c"}
)

type changes struct {
	mu  sync.Mutex
	all []Change
}

func watch(tr *Tracker, roomID string) *changes {
	c := &changes{}
	tr.OnParticipantsChanged(roomID, func(ch Change) {
		c.mu.Lock()
		c.all = append(c.all, ch)
		c.mu.Unlock()
	})
	return c
}

func (c *changes) list() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.all...)
}

func standalone(t *testing.T, cfg Config) (*Tracker, *transporttest.Bus) {
	t.Helper()
	bus := transporttest.NewBus(alice.ConnectionID)
	t.Cleanup(bus.Close)
	cfg.Bus = bus
	cfg.Self = models.User{ID: alice.UserID, Name: alice.DisplayName}
	tr := New(cfg)
	t.Cleanup(tr.Close)
	return tr, bus
}

type joinOutcome struct {
	others []models.Participant
	err    error
}

func joinAsync(t *testing.T, tr *Tracker, bus *transporttest.Bus, roomID string, kind models.RoomKind) <-chan joinOutcome {
	t.Helper()
	sent := len(bus.SentKind(models.KindJoin))
	out := make(chan joinOutcome, 1)
	go func() {
		others, err := tr.Join(context.Background(), roomID, kind)
		out <- joinOutcome{others, err}
	}()
	require.Eventually(t, func() bool { return len(bus.SentKind(models.KindJoin)) > sent }, time.Second, time.Millisecond)
	return out
}

func snapshot(roomID string, ps ...models.Participant) models.Envelope {
	env, _ := models.NewEnvelope(models.KindParticipants, roomID, models.ParticipantsPayload{Participants: ps})
	return env
}

func peerEnvelope(kind models.Kind, roomID string, p models.Participant) models.Envelope {
	env, _ := models.NewEnvelope(kind, roomID, models.PeerPayload{Participant: p})
	return env
}

func await(t *testing.T, out <-chan joinOutcome) joinOutcome {
	t.Helper()
	select {
	case res := <-out:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("join did not return")
		return joinOutcome{}
	}
}

func TestJoinFiltersSelf(t *testing.T) {
	tr, bus := standalone(t, Config{})
	seen := watch(tr, "room")

	out := joinAsync(t, tr, bus, "room", models.RoomKindVideoCall)
	join, err := models.DecodePayload[models.JoinPayload](bus.SentKind(models.KindJoin)[0], models.KindJoin)
	require.NoError(t, err)
	require.Equal(t, models.RoomKindVideoCall, join.Kind)
	require.Equal(t, "Alice", join.DisplayName)

	// Self appears under its connection id and again under a stale one.
	stale := alice
	stale.ConnectionID = "conn-old"
	bus.Deliver(snapshot("room", alice, bob, stale))

	res := await(t, out)
	require.NoError(t, res.err)
	require.Equal(t, []models.Participant{bob}, res.others)
	require.Equal(t, []models.Participant{bob}, tr.Others("room"))
	require.True(t, tr.Joined("room"))
	me, ok := tr.SelfEntry("room")
	require.True(t, ok)
	require.Equal(t, alice, me)
	_, ok = tr.SelfEntry("elsewhere")
	require.False(t, ok)

	bus.Flush()
	got := seen.list()
	require.Len(t, got, 1)
	require.True(t, got[0].Initial)
	require.Empty(t, got[0].Joined)
	require.Equal(t, []models.Participant{bob}, got[0].Participants)
}

func TestSnapshotsAreIdempotent(t *testing.T) {
	tr, bus := standalone(t, Config{})
	seen := watch(tr, "room")
	out := joinAsync(t, tr, bus, "room", models.RoomKindChat)
	bus.Deliver(snapshot("room", alice, bob))
	require.NoError(t, await(t, out).err)

	bus.Deliver(snapshot("room", alice, bob))
	bus.Deliver(snapshot("room", bob, alice))
	bus.Flush()
	require.Len(t, seen.list(), 1)
	require.Equal(t, []models.Participant{bob}, tr.Others("room"))

	bus.Deliver(snapshot("room", alice, bob, carol))
	bus.Flush()
	got := seen.list()
	require.Len(t, got, 2)
	require.False(t, got[1].Initial)
	require.Equal(t, []models.Participant{carol}, got[1].Joined)
	require.Empty(t, got[1].Left)

	bus.Deliver(snapshot("room", alice, carol))
	bus.Flush()
	got = seen.list()
	require.Len(t, got, 3)
	require.Equal(t, []models.Participant{bob}, got[2].Left)
	require.Equal(t, []models.Participant{carol}, tr.Others("room"))
}

func TestPeerEventsMergeIdempotently(t *testing.T) {
	tr, bus := standalone(t, Config{})
	seen := watch(tr, "call")
	out := joinAsync(t, tr, bus, "call", models.RoomKindVideoCall)
	bus.Deliver(snapshot("call", alice))
	require.NoError(t, await(t, out).err)

	bus.Deliver(peerEnvelope(models.KindUserJoined, "call", carol))
	bus.Deliver(peerEnvelope(models.KindUserJoined, "call", carol))
	bus.Deliver(peerEnvelope(models.KindUserJoined, "call", alice))
	bus.Deliver(snapshot("call", alice, carol))
	bus.Flush()

	got := seen.list()
	require.Len(t, got, 2)
	require.Equal(t, []models.Participant{carol}, got[1].Joined)

	bus.Deliver(peerEnvelope(models.KindUserLeft, "call", carol))
	bus.Deliver(peerEnvelope(models.KindUserLeft, "call", carol))
	bus.Deliver(snapshot("call", alice))
	bus.Flush()

	got = seen.list()
	require.Len(t, got, 3)
	require.Equal(t, []models.Participant{carol}, got[2].Left)
	require.Empty(t, tr.Others("call"))
}

func TestJoinTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, bus := standalone(t, Config{Clock: clock, JoinTimeout: time.Second})

	out := joinAsync(t, tr, bus, "room", models.RoomKindChat)
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	res := await(t, out)
	require.ErrorIs(t, res.err, models.ErrTimeout)
	require.False(t, tr.Joined("room"))

	// A late answer for an abandoned join is ignored.
	bus.Deliver(snapshot("room", alice, bob))
	bus.Flush()
	require.Nil(t, tr.Others("room"))
}

func TestJoinRefused(t *testing.T) {
	tr, bus := standalone(t, Config{})
	out := joinAsync(t, tr, bus, "call", models.RoomKindVideoCall)

	env, err := models.NewEnvelope(models.KindRoomError, "call", models.RoomErrorPayload{Code: models.CodeRoomEnded, Message: "over"})
	require.NoError(t, err)
	bus.Deliver(env)

	res := await(t, out)
	require.ErrorIs(t, res.err, models.ErrRoomEnded)
	var roomErr *models.RoomError
	require.True(t, errors.As(res.err, &roomErr))
	require.Equal(t, "call", roomErr.RoomID)
	require.False(t, tr.Joined("call"))
}

func TestJoinFailsWhenTransportDrops(t *testing.T) {
	tr, bus := standalone(t, Config{})
	out := joinAsync(t, tr, bus, "room", models.RoomKindChat)

	bus.Deliver(models.Envelope{Kind: models.KindDisconnected})
	require.ErrorIs(t, await(t, out).err, models.ErrConnection)
}

func TestJoinWithoutTransport(t *testing.T) {
	tr, bus := standalone(t, Config{})
	bus.SetConnected(false)

	_, err := tr.Join(context.Background(), "room", models.RoomKindChat)
	require.ErrorIs(t, err, models.ErrConnection)
	require.False(t, tr.Joined("room"))
}

func TestLeaveIsBestEffort(t *testing.T) {
	tr, bus := standalone(t, Config{})
	out := joinAsync(t, tr, bus, "room", models.RoomKindChat)
	bus.Deliver(snapshot("room", alice, bob))
	require.NoError(t, await(t, out).err)

	bus.SetConnected(false)
	tr.Leave("room")
	tr.Leave("never-joined")
	require.Nil(t, tr.Others("room"))
	require.False(t, tr.Joined("room"))
}

func TestMeetingEndedForgetsRoom(t *testing.T) {
	tr, bus := standalone(t, Config{})
	seen := watch(tr, "call")
	out := joinAsync(t, tr, bus, "call", models.RoomKindVideoCall)
	bus.Deliver(snapshot("call", alice, bob, carol))
	require.NoError(t, await(t, out).err)

	env, err := models.NewEnvelope(models.KindMeetingEnded, "call", models.MeetingPayload{Reason: "done"})
	require.NoError(t, err)
	bus.Deliver(env)
	bus.Flush()

	got := seen.list()
	require.Len(t, got, 2)
	require.ElementsMatch(t, []models.Participant{bob, carol}, got[1].Left)
	require.False(t, tr.Joined("call"))
}

func TestRejoinAfterReconnect(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	aBus := n.Connect("alice", "Alice")
	bBus := n.Connect("bob", "Bob")
	a := New(Config{Bus: aBus, Self: models.User{ID: "alice", Name: "Alice"}})
	b := New(Config{Bus: bBus, Self: models.User{ID: "bob", Name: "Bob"}})
	n.Settle()

	_, err := a.Join(context.Background(), "doc", models.RoomKindDocument)
	require.NoError(t, err)
	others, err := b.Join(context.Background(), "doc", models.RoomKindDocument)
	require.NoError(t, err)
	require.Len(t, others, 1)
	require.Equal(t, "alice", others[0].UserID)
	n.Settle()

	aSeen := watch(a, "doc")
	bSeen := watch(b, "doc")

	n.Drop(aBus)
	n.Settle()
	require.Len(t, aSeen.list(), 1)
	require.Len(t, aSeen.list()[0].Left, 1)
	require.False(t, a.Joined("doc"))
	require.Empty(t, b.Others("doc"))

	n.Reconnect(aBus)
	n.Settle()

	got := aSeen.list()
	require.Len(t, got, 2)
	require.True(t, got[1].Initial)
	require.True(t, got[1].Rejoin)
	require.Equal(t, "bob", got[1].Participants[0].UserID)
	require.True(t, a.Joined("doc"))

	bGot := bSeen.list()
	last := bGot[len(bGot)-1]
	require.Len(t, last.Joined, 1)
	require.Equal(t, aBus.ConnectionID(), last.Joined[0].ConnectionID)
}

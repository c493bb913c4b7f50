package transporttest

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/collab-relay/internal/models"
)

type inbox struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func listen(b *Bus, kinds ...models.Kind) *inbox {
	in := &inbox{}
	for _, kind := range kinds {
		b.On(kind, func(env models.Envelope) {
			in.mu.Lock()
			in.envs = append(in.envs, env)
			in.mu.Unlock()
		})
	}
	return in
}

func (in *inbox) of(kind models.Kind) []models.Envelope {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []models.Envelope
	for _, env := range in.envs {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func join(t *testing.T, b *Bus, roomID string, kind models.RoomKind) {
	t.Helper()
	env, err := models.NewEnvelope(models.KindJoin, roomID, models.JoinPayload{Kind: kind})
	require.NoError(t, err)
	require.NoError(t, b.Emit(env))
}

func participants(t *testing.T, env models.Envelope) []models.Participant {
	t.Helper()
	p, err := models.DecodePayload[models.ParticipantsPayload](env, models.KindParticipants)
	require.NoError(t, err)
	return p.Participants
}

func TestStandaloneBusRecords(t *testing.T) {
	b := NewBus("conn-a")
	t.Cleanup(b.Close)
	in := listen(b, models.KindTyping)

	require.NoError(t, b.Emit(models.Envelope{Kind: models.KindTyping, RoomID: "r"}))
	require.Len(t, b.SentKind(models.KindTyping), 1)
	require.Equal(t, "conn-a", b.Sent()[0].From)

	b.Deliver(models.Envelope{Kind: models.KindTyping})
	b.Flush()
	require.Len(t, in.of(models.KindTyping), 1)

	b.SetConnected(false)
	require.ErrorIs(t, b.Emit(models.Envelope{Kind: models.KindTyping}), models.ErrConnection)
	b.Reset()
	require.Empty(t, b.Sent())
}

func TestNetworkJoinAndLeave(t *testing.T) {
	n := NewNetwork()
	t.Cleanup(n.Close)
	alice := n.Connect("alice", "Alice")
	bob := n.Connect("bob", "Bob")
	aliceIn := listen(alice, models.KindParticipants, models.KindUserJoined, models.KindUserLeft)

	join(t, alice, "call", models.RoomKindVideoCall)
	join(t, bob, "call", models.RoomKindVideoCall)
	n.Settle()

	lists := aliceIn.of(models.KindParticipants)
	require.Len(t, lists, 2)
	require.Len(t, participants(t, lists[1]), 2)
	require.Equal(t, models.RoleHost, participants(t, lists[1])[0].Role)
	require.Len(t, aliceIn.of(models.KindUserJoined), 1)

	require.NoError(t, bob.Emit(models.Envelope{Kind: models.KindLeave, RoomID: "call"}))
	n.Settle()
	require.Len(t, aliceIn.of(models.KindUserLeft), 1)
	require.Len(t, n.Participants("call"), 1)
}

func TestNetworkAddressing(t *testing.T) {
	n := NewNetwork()
	t.Cleanup(n.Close)
	a := n.Connect("a", "A")
	b := n.Connect("b", "B")
	c := n.Connect("c", "C")
	for _, bus := range []*Bus{a, b, c} {
		join(t, bus, "call", models.RoomKindVideoCall)
	}
	n.Settle()
	bIn := listen(b, models.KindOffer)
	cIn := listen(c, models.KindOffer)

	require.NoError(t, a.Emit(models.Envelope{Kind: models.KindOffer, RoomID: "call", To: c.ConnectionID(), Payload: json.RawMessage(`{}`)}))
	n.Settle()
	require.Empty(t, bIn.of(models.KindOffer))
	require.Len(t, cIn.of(models.KindOffer), 1)
	require.Equal(t, a.ConnectionID(), cIn.of(models.KindOffer)[0].From)
}

func TestNetworkAnswersLoneStep1(t *testing.T) {
	n := NewNetwork()
	t.Cleanup(n.Close)
	a := n.Connect("a", "A")
	in := listen(a, models.KindDocSync)
	join(t, a, "doc", models.RoomKindDocument)

	step1, err := models.NewEnvelope(models.KindDocSync, "doc", models.SyncPayload{Step: models.SyncStep1})
	require.NoError(t, err)
	require.NoError(t, a.Emit(step1))
	n.Settle()

	got := in.of(models.KindDocSync)
	require.Len(t, got, 2)
	p, err := models.DecodeSync(got[0])
	require.NoError(t, err)
	require.Equal(t, models.SyncStep1, p.Step, "the relay asks every joiner for its state")
	p, err = models.DecodeSync(got[1])
	require.NoError(t, err)
	require.Equal(t, models.SyncStep2, p.Step)
	require.Equal(t, a.ConnectionID(), got[1].To)
}

func TestNetworkRejectsNonMembers(t *testing.T) {
	n := NewNetwork()
	t.Cleanup(n.Close)
	a := n.Connect("a", "A")
	in := listen(a, models.KindRoomError)

	require.NoError(t, a.Emit(models.Envelope{Kind: models.KindTyping, RoomID: "nowhere"}))
	n.Settle()
	errs := in.of(models.KindRoomError)
	require.Len(t, errs, 1)
	require.ErrorIs(t, models.RoomErrorFrom(errs[0]), models.ErrNotAMember)
}

func TestNetworkDropAndReconnect(t *testing.T) {
	n := NewNetwork()
	t.Cleanup(n.Close)
	a := n.Connect("a", "A")
	b := n.Connect("b", "B")
	aIn := listen(a, models.KindDisconnected, models.KindReconnected, models.KindWelcome)
	bIn := listen(b, models.KindParticipants)
	join(t, a, "room", models.RoomKindChat)
	join(t, b, "room", models.RoomKindChat)
	n.Settle()

	before := a.ConnectionID()
	n.Drop(a)
	n.Settle()
	require.Len(t, aIn.of(models.KindDisconnected), 1)
	require.ErrorIs(t, a.Emit(models.Envelope{Kind: models.KindTyping}), models.ErrConnection)
	lists := bIn.of(models.KindParticipants)
	require.Len(t, participants(t, lists[len(lists)-1]), 1)

	n.Reconnect(a)
	n.Settle()
	require.Len(t, aIn.of(models.KindReconnected), 1)
	require.NotEqual(t, before, a.ConnectionID())
	require.NoError(t, a.Emit(models.Envelope{Kind: models.KindLeave, RoomID: "room"}))
}

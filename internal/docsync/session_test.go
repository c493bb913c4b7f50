package docsync

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/collab-relay/internal/crdt"
	"github.com/mossy-p/collab-relay/internal/membership"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/relay/relaytest"
	"github.com/mossy-p/collab-relay/internal/transport"
	"github.com/mossy-p/collab-relay/internal/transport/transporttest"
)

const waitFor = 5 * time.Second

type replica struct {
	bus     *transporttest.Bus
	tracker *membership.Tracker
	session *Session
}

func open(t *testing.T, n *transporttest.Network, user string, cfg Config) replica {
	t.Helper()
	bus := n.Connect(user, user)
	tracker := membership.New(membership.Config{Bus: bus, Self: models.User{ID: user, Name: user}})
	t.Cleanup(tracker.Close)

	cfg.Tracker = tracker
	if cfg.RoomID == "" {
		cfg.RoomID = "doc"
	}
	if cfg.ThrottleWindow == 0 {
		cfg.ThrottleWindow = 5 * time.Millisecond
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.WaitSynced(ctx))
	return replica{bus: bus, tracker: tracker, session: s}
}

func textIs(t *testing.T, s *Session, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Text() == want }, waitFor, time.Millisecond, "have %q", s.Text())
}

func sentUpdates(t *testing.T, b *transporttest.Bus) int {
	t.Helper()
	count := 0
	for _, env := range b.SentKind(models.KindDocSync) {
		p, err := models.DecodeSync(env)
		require.NoError(t, err)
		if p.Step == models.SyncUpdate {
			count++
		}
	}
	return count
}

func TestOpenAlone(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{})

	require.Equal(t, Synced, a.session.State())
	require.False(t, a.session.ReadOnly())

	var step1Sent bool
	for _, env := range a.bus.SentKind(models.KindDocSync) {
		p, err := models.DecodeSync(env)
		require.NoError(t, err)
		require.NotEqual(t, models.SyncUpdate, p.Step)
		if p.Step == models.SyncStep1 {
			step1Sent = true
			require.Empty(t, env.To)
		}
	}
	require.True(t, step1Sent)
}

func TestEditsReachOtherReplicas(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{})
	b := open(t, n, "bob", Config{})

	require.NoError(t, a.session.Insert(0, "hello"))
	textIs(t, b.session, "hello")

	require.NoError(t, b.session.Insert(5, " world"))
	textIs(t, a.session, "hello world")

	require.NoError(t, a.session.Delete(0, 6))
	textIs(t, b.session, "world")
	require.Equal(t, "world", a.session.Text())
}

func TestLocalEditsAreCoalesced(t *testing.T) {
	clock := clockwork.NewFakeClock()
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{Clock: clock, ThrottleWindow: 100 * time.Millisecond})
	b := open(t, n, "bob", Config{})

	for i, r := range "abc" {
		require.NoError(t, a.session.Insert(i, string(r)))
	}
	require.Zero(t, sentUpdates(t, a.bus))

	clock.Advance(100 * time.Millisecond)
	textIs(t, b.session, "abc")
	require.Equal(t, 1, sentUpdates(t, a.bus))
}

func TestOwnUpdatesAreNotEchoed(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{})
	b := open(t, n, "bob", Config{})

	require.NoError(t, a.session.Insert(0, "x"))
	textIs(t, b.session, "x")
	n.Settle()
	sent := a.bus.SentKind(models.KindDocSync)
	last := sent[len(sent)-1]

	// Feed the replica its own update back as the relay would broadcast it.
	a.bus.Deliver(last)
	a.bus.Flush()
	n.Settle()
	require.Len(t, a.bus.SentKind(models.KindDocSync), len(sent))
	require.Equal(t, "x", a.session.Text())

	// A remote update tagged with the local origin name is still remote.
	other := crdt.New("zed")
	other.Insert(0, "!")
	update := other.EncodeStateAsUpdate(nil)
	env, err := models.NewEnvelope(models.KindDocSync, "doc", models.SyncPayload{Step: models.SyncUpdate, Data: update})
	require.NoError(t, err)
	env.From = "conn-other"
	env.Origin = "local"
	b.bus.Deliver(env)
	b.bus.Flush()
	n.Settle()
	require.Equal(t, 2, b.session.Doc().Len())
	require.Zero(t, sentUpdates(t, b.bus))
	require.Equal(t, "x", a.session.Text())
}

func TestLateJoinerReceivesState(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{})
	require.NoError(t, a.session.Insert(0, "draft"))
	require.Eventually(t, func() bool { return sentUpdates(t, a.bus) == 1 }, waitFor, time.Millisecond)

	b := open(t, n, "bob", Config{})
	textIs(t, b.session, "draft")
	require.Equal(t, Synced, b.session.State())
}

// countingDoc is a Doc that records which of its sync operations ran.
type countingDoc struct {
	Doc
	diffs   atomic.Int32
	applied atomic.Int32
}

func (d *countingDoc) EncodeDiff(sv []byte) ([]byte, error) {
	d.diffs.Add(1)
	return d.Doc.EncodeDiff(sv)
}

func (d *countingDoc) ApplyUpdate(update []byte, origin string) (bool, error) {
	d.applied.Add(1)
	return d.Doc.ApplyUpdate(update, origin)
}

func TestSessionSyncsThroughDoc(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	served := &countingDoc{Doc: NewDoc("alice-1")}
	a := open(t, n, "alice", Config{Doc: served})
	require.NoError(t, a.session.Insert(0, "draft"))
	require.Eventually(t, func() bool { return sentUpdates(t, a.bus) == 1 }, waitFor, time.Millisecond)

	joined := &countingDoc{Doc: NewDoc("bob-1")}
	b := open(t, n, "bob", Config{Doc: joined})
	textIs(t, b.session, "draft")
	require.Same(t, Doc(joined), b.session.Doc())
	require.Positive(t, served.diffs.Load(), "alice answered bob's state request")
	require.Positive(t, joined.applied.Load())
}

func TestViewerCannotEdit(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{})
	v := open(t, n, "viv", Config{Access: models.AccessViewer})

	require.True(t, v.session.ReadOnly())
	require.ErrorIs(t, v.session.Insert(0, "nope"), models.ErrPermission)
	require.ErrorIs(t, v.session.Delete(0, 1), models.ErrPermission)

	require.NoError(t, a.session.Insert(0, "read me"))
	textIs(t, v.session, "read me")
}

func TestMalformedSyncIsSkipped(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{})
	require.NoError(t, a.session.Insert(0, "ok"))

	garbage, err := models.NewEnvelope(models.KindDocSync, "doc", models.SyncPayload{Step: models.SyncUpdate, Data: []byte{0xff, 0x00, 0x13}})
	require.NoError(t, err)
	garbage.From = "conn-x"
	unknown := models.Envelope{Kind: models.KindDocSync, RoomID: "doc", From: "conn-x", Payload: json.RawMessage(`{"step":"step9"}`)}
	badVector, err := models.NewEnvelope(models.KindDocSync, "doc", models.SyncPayload{Step: models.SyncStep1, Data: []byte("zzz")})
	require.NoError(t, err)
	badVector.From = "conn-x"

	for _, env := range []models.Envelope{garbage, unknown, badVector} {
		a.bus.Deliver(env)
	}
	a.bus.Flush()

	require.Equal(t, "ok", a.session.Text())
	require.Equal(t, Synced, a.session.State())
}

func TestResyncAfterReconnect(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{})
	b := open(t, n, "bob", Config{})
	require.NoError(t, a.session.Insert(0, "hello"))
	textIs(t, b.session, "hello")

	var (
		mu     sync.Mutex
		states []State
	)
	a.session.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	n.Drop(a.bus)
	n.Settle()
	require.Equal(t, Disconnected, a.session.State())
	require.ErrorIs(t, a.session.Insert(0, "offline"), models.ErrPermission)

	require.NoError(t, b.session.Insert(5, " world"))
	n.Settle()

	n.Reconnect(a.bus)
	textIs(t, a.session, "hello world")
	require.Eventually(t, func() bool { return a.session.State() == Synced }, waitFor, time.Millisecond)
	a.bus.Flush()
	mu.Lock()
	require.Equal(t, []State{Disconnected, AwaitingSyncStep1, Synced}, states)
	mu.Unlock()

	require.NoError(t, a.session.Insert(0, ">"))
	textIs(t, b.session, ">hello world")
}

func TestAwareness(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{})
	b := open(t, n, "bob", Config{})

	require.NoError(t, a.session.SetAwareness(map[string]any{"cursor": 3, "color": "#f80"}))
	require.Eventually(t, func() bool { return len(b.session.Peers()) == 1 }, waitFor, time.Millisecond)
	peer := b.session.Peers()[0]
	require.Equal(t, a.bus.ConnectionID(), peer.ConnectionID)
	require.Equal(t, a.session.Doc().ClientID(), peer.ClientID)
	require.JSONEq(t, `{"cursor":3,"color":"#f80"}`, string(peer.State))
	require.Empty(t, a.session.Peers())

	a.session.Close()
	require.Eventually(t, func() bool { return len(b.session.Peers()) == 0 }, waitFor, time.Millisecond)
	require.Len(t, n.Participants("doc"), 1)
}

func TestAwarenessClearedWhenPeerDrops(t *testing.T) {
	n := transporttest.NewNetwork()
	t.Cleanup(n.Close)
	a := open(t, n, "alice", Config{})
	b := open(t, n, "bob", Config{})

	require.NoError(t, a.session.SetAwareness(map[string]int{"cursor": 1}))
	require.Eventually(t, func() bool { return len(b.session.Peers()) == 1 }, waitFor, time.Millisecond)

	n.Drop(a.bus)
	n.Settle()
	b.bus.Flush()
	require.Empty(t, b.session.Peers())
}

func TestOpenRequiresTracker(t *testing.T) {
	_, err := Open(context.Background(), Config{RoomID: "doc"})
	require.ErrorIs(t, err, models.ErrNotInitialized)
}

func TestSyncThroughRelay(t *testing.T) {
	srv := relaytest.Start(t)

	connect := func(user string) *Session {
		m := transport.New(transport.Config{URL: srv.URL(), DisplayName: user})
		t.Cleanup(m.Close)
		_, err := m.Connect(context.Background(), srv.Token(user))
		require.NoError(t, err)
		tracker := membership.New(membership.Config{Bus: m, Self: models.User{ID: user, Name: user}})
		t.Cleanup(tracker.Close)

		s, err := Open(context.Background(), Config{Tracker: tracker, RoomID: "notes", ThrottleWindow: 5 * time.Millisecond})
		require.NoError(t, err)
		t.Cleanup(s.Close)
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, s.WaitSynced(ctx))
		return s
	}

	a := connect("alice")
	require.NoError(t, a.Insert(0, "agenda"))

	b := connect("bob")
	textIs(t, b, "agenda")

	require.NoError(t, b.Insert(6, ": ship"))
	textIs(t, a, "agenda: ship")
}

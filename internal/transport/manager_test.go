package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/collab-relay/internal/middleware"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/relay/relaytest"
)

const waitFor = 5 * time.Second

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Millisecond
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	m := New(cfg)
	t.Cleanup(m.Close)
	return m
}

// recorder collects the envelopes of some kinds on the dispatch goroutine.
type recorder struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func record(m *Manager, kinds ...models.Kind) *recorder {
	r := &recorder{}
	for _, kind := range kinds {
		m.On(kind, func(env models.Envelope) {
			r.mu.Lock()
			r.envs = append(r.envs, env)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) kinds() []models.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Kind, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.Kind)
	}
	return out
}

func (r *recorder) count(kind models.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.envs {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind models.Kind) (models.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.envs) - 1; i >= 0; i-- {
		if r.envs[i].Kind == kind {
			return r.envs[i], true
		}
	}
	return models.Envelope{}, false
}

func TestConnectRejectsUnusableTokens(t *testing.T) {
	m := newManager(t, Config{URL: "ws://127.0.0.1:1/ws"})

	_, err := m.Connect(context.Background(), "")
	require.ErrorIs(t, err, models.ErrAuth)

	_, err = m.Connect(context.Background(), "not-a-jwt")
	require.ErrorIs(t, err, models.ErrAuth)

	expired, err := middleware.IssueToken("secret", "alice", "Alice", -time.Minute)
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), expired)
	require.ErrorIs(t, err, models.ErrAuth)
	require.False(t, m.Connected())
}

func TestConnectChecksExpiryAgainstClock(t *testing.T) {
	token, err := middleware.IssueToken("secret", "alice", "Alice", time.Hour)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Now().Add(2 * time.Hour))
	m := newManager(t, Config{URL: "ws://127.0.0.1:1/ws", Clock: clock})
	_, err = m.Connect(context.Background(), token)
	require.ErrorIs(t, err, models.ErrAuth)
}

func TestConnectWelcome(t *testing.T) {
	srv := relaytest.Start(t)
	m := newManager(t, Config{URL: srv.URL(), DisplayName: "Alice A."})
	rec := record(m, models.KindWelcome)

	h, err := m.Connect(context.Background(), srv.Token("alice"))
	require.NoError(t, err)
	require.NotEmpty(t, h.ConnectionID)
	require.Equal(t, "alice", h.UserID)
	require.Equal(t, "Alice A.", h.DisplayName)
	require.Equal(t, h.ConnectionID, m.ConnectionID())

	again, err := m.Connect(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, h, again)

	require.Eventually(t, func() bool { return rec.count(models.KindWelcome) == 1 }, waitFor, time.Millisecond)
}

func TestConnectRelayRefusesToken(t *testing.T) {
	srv := relaytest.Start(t)
	forged, err := middleware.IssueToken("some-other-secret", "mallory", "Mallory", time.Hour)
	require.NoError(t, err)

	m := newManager(t, Config{URL: srv.URL()})
	start := time.Now()
	_, err = m.Connect(context.Background(), forged)
	require.ErrorIs(t, err, models.ErrAuth)
	require.NotErrorIs(t, err, models.ErrConnection)
	require.Less(t, time.Since(start), time.Second)
}

func TestConnectGivesUp(t *testing.T) {
	srv := relaytest.Start(t)
	url, token := srv.URL(), srv.Token("alice")
	srv.HTTP.Close()

	m := newManager(t, Config{URL: url, ReconnectAttempts: 3, ReconnectDelay: time.Millisecond})
	_, err := m.Connect(context.Background(), token)
	require.ErrorIs(t, err, models.ErrConnection)
}

func TestConnectHonoursContext(t *testing.T) {
	srv := relaytest.Start(t)
	url, token := srv.URL(), srv.Token("alice")
	srv.HTTP.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newManager(t, Config{URL: url, ReconnectDelay: time.Hour})
	_, err := m.Connect(ctx, token)
	require.ErrorIs(t, err, models.ErrConnection)
}

func TestEmitRequiresConnection(t *testing.T) {
	m := newManager(t, Config{URL: "ws://127.0.0.1:1/ws"})
	err := m.Emit(models.Envelope{Kind: models.KindLeave, RoomID: "r"})
	require.ErrorIs(t, err, models.ErrConnection)
}

func TestEmitAndReceive(t *testing.T) {
	srv := relaytest.Start(t)
	alice := newManager(t, Config{URL: srv.URL()})
	bob := newManager(t, Config{URL: srv.URL()})
	aliceRec := record(alice, models.KindParticipants)
	bobRec := record(bob, models.KindParticipants, models.KindMessageNew)

	_, err := alice.Connect(context.Background(), srv.Token("alice"))
	require.NoError(t, err)
	_, err = bob.Connect(context.Background(), srv.Token("bob"))
	require.NoError(t, err)

	join, err := models.NewEnvelope(models.KindJoin, "lobby", models.JoinPayload{Kind: models.RoomKindChat})
	require.NoError(t, err)
	require.NoError(t, alice.Emit(join))
	require.Eventually(t, func() bool { return aliceRec.count(models.KindParticipants) == 1 }, waitFor, time.Millisecond)
	require.NoError(t, bob.Emit(join))
	require.Eventually(t, func() bool { return bobRec.count(models.KindParticipants) == 1 }, waitFor, time.Millisecond)

	msg, err := models.NewEnvelope(models.KindChatMessage, "lobby", models.ChatMessage{Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, alice.Emit(msg))

	require.Eventually(t, func() bool { return bobRec.count(models.KindMessageNew) == 1 }, waitFor, time.Millisecond)
	env, _ := bobRec.last(models.KindMessageNew)
	require.Equal(t, alice.ConnectionID(), env.From)
	var got models.ChatMessage
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	require.Equal(t, "hi", got.Text)
	require.Equal(t, "alice", got.UserID)
	require.NotEmpty(t, got.ID)
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := relaytest.Start(t)
	m := newManager(t, Config{URL: srv.URL()})
	rec := record(m, models.KindWelcome, models.KindDisconnected, models.KindReconnected)

	first, err := m.Connect(context.Background(), srv.Token("alice"))
	require.NoError(t, err)

	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	require.NoError(t, c.ws.Close())

	require.Eventually(t, func() bool { return rec.count(models.KindReconnected) == 1 }, waitFor, time.Millisecond)
	require.Equal(t, []models.Kind{
		models.KindWelcome,
		models.KindDisconnected,
		models.KindWelcome,
		models.KindReconnected,
	}, rec.kinds())
	require.True(t, m.Connected())
	require.NotEqual(t, first.ConnectionID, m.ConnectionID())
}

func TestReconnectExhaustionReportsError(t *testing.T) {
	srv := relaytest.Start(t)
	errs := make(chan error, 1)
	m := newManager(t, Config{
		URL:               srv.URL(),
		ReconnectAttempts: 2,
		ReconnectDelay:    time.Millisecond,
		OnError:           func(err error) { errs <- err },
	})
	rec := record(m, models.KindDisconnected, models.KindReconnected)

	_, err := m.Connect(context.Background(), srv.Token("alice"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, srv.Hub.Close(ctx))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, models.ErrConnection)
	case <-time.After(waitFor):
		t.Fatal("no error reported")
	}
	require.Equal(t, 1, rec.count(models.KindDisconnected))
	require.Zero(t, rec.count(models.KindReconnected))
	require.False(t, m.Connected())
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	srv := relaytest.Start(t)
	m := newManager(t, Config{URL: srv.URL()})
	rec := record(m, models.KindDisconnected, models.KindReconnected)

	_, err := m.Connect(context.Background(), srv.Token("alice"))
	require.NoError(t, err)

	m.Disconnect()
	m.Disconnect()
	require.False(t, m.Connected())
	require.Empty(t, m.ConnectionID())
	require.ErrorIs(t, m.Emit(models.Envelope{Kind: models.KindLeave}), models.ErrConnection)

	require.Eventually(t, func() bool { return rec.count(models.KindDisconnected) == 1 }, waitFor, time.Millisecond)
	require.Never(t, func() bool { return rec.count(models.KindReconnected) > 0 || m.Connected() }, 100*time.Millisecond, 5*time.Millisecond)

	_, err = m.Connect(context.Background(), "")
	require.NoError(t, err)
	require.True(t, m.Connected())
}

func TestHandlersRunInOrderAndUnsubscribe(t *testing.T) {
	m := newManager(t, Config{URL: "ws://127.0.0.1:1/ws"})

	var mu sync.Mutex
	var calls []string
	add := func(name string) Handler {
		return func(models.Envelope) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}
	m.On(models.KindTyping, add("first"))
	off := m.On(models.KindTyping, add("second"))
	m.On(models.KindTyping, add("third"))

	m.post(models.Envelope{Kind: models.KindTyping})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3
	}, waitFor, time.Millisecond)

	off()
	off()
	m.post(models.Envelope{Kind: models.KindTyping})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 5
	}, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second", "third", "first", "third"}, calls)
}

func TestHandlerMayDisconnect(t *testing.T) {
	srv := relaytest.Start(t)
	m := newManager(t, Config{URL: srv.URL()})
	rec := record(m, models.KindDisconnected)
	m.On(models.KindWelcome, func(models.Envelope) { m.Disconnect() })

	_, err := m.Connect(context.Background(), srv.Token("alice"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count(models.KindDisconnected) == 1 }, waitFor, time.Millisecond)
	require.False(t, m.Connected())
}

func TestBackoff(t *testing.T) {
	m := newManager(t, Config{ReconnectDelay: time.Second, MaxReconnectDelay: 5 * time.Second})
	require.Equal(t, time.Second, m.backoff(1))
	require.Equal(t, 2*time.Second, m.backoff(2))
	require.Equal(t, 4*time.Second, m.backoff(3))
	require.Equal(t, 5*time.Second, m.backoff(4))
	require.Equal(t, 5*time.Second, m.backoff(80))
}

func TestSilentConnectionIsDropped(t *testing.T) {
	release := make(chan struct{})
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		welcome, err := models.NewEnvelope(models.KindWelcome, "", models.Welcome{ConnectionID: "half-open", UserID: "alice"})
		if err != nil {
			return
		}
		_ = ws.WriteJSON(welcome)
		// Never reads again, so pings go unanswered.
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	m := newManager(t, Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), PongWait: 100 * time.Millisecond})
	rec := record(m, models.KindDisconnected)
	token, err := middleware.IssueToken("secret", "alice", "Alice", time.Hour)
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), token)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count(models.KindDisconnected) > 0 }, waitFor, 5*time.Millisecond)
}

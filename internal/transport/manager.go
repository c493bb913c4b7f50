// Package transport owns the single websocket a client session keeps to the
// relay. It authenticates, reconnects with backoff and delivers inbound
// envelopes to registered handlers on one dispatch goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mossy-p/collab-relay/internal/models"
)

const writeWait = 10 * time.Second

// Handler receives one inbound envelope. Handlers run on the dispatch
// goroutine and must not block.
type Handler func(env models.Envelope)

// Bus is the part of the transport room components depend on.
type Bus interface {
	Emit(env models.Envelope) error
	On(kind models.Kind, fn Handler) func()
	ConnectionID() string
}

// Handle describes the live session the relay acknowledged.
type Handle struct {
	ConnectionID string
	UserID       string
	DisplayName  string
}

// Config configures a Manager. Only URL is required.
type Config struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is presented on every (re)connect unless TokenSource is set.
	Token string
	// TokenSource, when set, is asked for a fresh token before every dial.
	TokenSource func(ctx context.Context) (string, error)
	DisplayName string

	Dialer            *websocket.Dialer
	HandshakeTimeout  time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	SendBuffer        int
	// PongWait is how long the connection may stay silent before it is
	// treated as lost. Pings go out at nine tenths of it.
	PongWait time.Duration

	Clock  clockwork.Clock
	Logger *zerolog.Logger
	// OnError is the top-level error boundary. It receives ErrConnection
	// once reconnection gives up and ErrAuth when the relay stops
	// accepting the token.
	OnError func(error)
}

func (c *Config) setDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 256
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

type subscription struct {
	id uint64
	fn Handler
}

// Manager is the client side of one relay session.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	// connectMu serializes dial attempts from Connect and the reconnect loop.
	connectMu sync.Mutex

	mu              sync.Mutex
	conn            *conn
	handle          Handle
	token           string
	stopped         bool
	reconnectCancel context.CancelFunc
	handlers        map[models.Kind][]subscription
	nextID          uint64

	queueMu sync.Mutex
	queue   []models.Envelope
	wake    chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

var _ Bus = (*Manager)(nil)

// New returns a disconnected Manager whose dispatch goroutine is already
// running. Call Connect to open the session.
func New(cfg Config) *Manager {
	cfg.setDefaults()
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger.With().Str("component", "transport").Logger(),
		token:    cfg.Token,
		handlers: make(map[models.Kind][]subscription),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// Connect opens the session, or returns the live one. A non-empty token
// replaces the configured one for this and later reconnects.
func (m *Manager) Connect(ctx context.Context, token string) (Handle, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.conn != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	select {
	case <-m.closed:
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: transport closed", models.ErrConnection)
	default:
	}
	if token != "" {
		m.token = token
	}
	m.stopped = false
	m.mu.Unlock()

	return m.establish(ctx, false)
}

// Disconnect closes the session without reconnecting. Handlers stay
// registered for a later Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	c := m.conn
	m.conn = nil
	m.handle = Handle{}
	m.mu.Unlock()

	if c == nil {
		return
	}
	c.close()
	m.logger.Info().Msg("disconnected")
	m.post(models.Envelope{Kind: models.KindDisconnected})
}

// Close disconnects and stops the dispatch goroutine for good.
func (m *Manager) Close() {
	m.Disconnect()
	m.closeOnce.Do(func() {
		close(m.closed)
	})
}

// Connected reports whether a session is currently live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// ConnectionID returns the relay-assigned id of the live connection, or ""
// while disconnected.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle.ConnectionID
}

// Session returns the live handle.
func (m *Manager) Session() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Emit queues env for the relay. It fails with ErrConnection while the
// session is down or its send buffer is full.
func (m *Manager) Emit(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Kind, err)
	}

	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: not connected", models.ErrConnection)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection closing", models.ErrConnection)
	default:
		return fmt.Errorf("%w: send buffer full", models.ErrConnection)
	}
}

// On registers fn for kind and returns its unsubscribe function. Handlers
// of one kind run in registration order.
func (m *Manager) On(kind models.Kind, fn Handler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[kind] = append(m.handlers[kind], subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.handlers[kind] = slices.DeleteFunc(m.handlers[kind], func(s subscription) bool {
				return s.id == id
			})
		})
	}
}

func (m *Manager) dispatchLoop() {
	for {
		select {
		case <-m.closed:
			return
		case <-m.wake:
		}

		m.queueMu.Lock()
		batch := m.queue
		m.queue = nil
		m.queueMu.Unlock()

		for _, env := range batch {
			m.deliver(env)
		}
	}
}

func (m *Manager) deliver(env models.Envelope) {
	m.mu.Lock()
	subs := slices.Clone(m.handlers[env.Kind])
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(env)
	}
}

// post queues env for the dispatch goroutine. It never blocks, so handlers
// may call back into the manager.
func (m *Manager) post(env models.Envelope) {
	m.queueMu.Lock()
	m.queue = append(m.queue, env)
	m.queueMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) report(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

func (m *Manager) currentToken(ctx context.Context) (string, error) {
	if m.cfg.TokenSource != nil {
		token, err := m.cfg.TokenSource(ctx)
		if err != nil {
			return "", errors.Join(models.ErrAuth, err)
		}
		return token, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

// checkToken rejects tokens that could never be accepted without asking the
// relay. The signature is the relay's business.
func checkToken(token string, now time.Time) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", models.ErrAuth)
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return errors.Join(models.ErrAuth, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: token expired at %s", models.ErrAuth, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}

// backoff is the wait before the attempt-th redial: the base delay doubled
// per attempt, capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.ReconnectDelay
	for i := 1; i < attempt && d < m.cfg.MaxReconnectDelay; i++ {
		d *= 2
	}
	return min(d, m.cfg.MaxReconnectDelay)
}

// establish dials until a session is up, the token is refused or the
// attempts run out. With retry set the first dial waits a backoff period
// too.
func (m *Manager) establish(ctx context.Context, retry bool) (Handle, error) {
	var lastErr error
	for attempt := range m.cfg.ReconnectAttempts {
		n := attempt
		if retry {
			n++
		}
		if n > 0 {
			select {
			case <-ctx.Done():
				return Handle{}, errors.Join(models.ErrConnection, ctx.Err())
			case <-m.closed:
				return Handle{}, fmt.Errorf("%w: transport closed", models.ErrConnection)
			case <-m.cfg.Clock.After(m.backoff(n)):
			}
		}

		token, err := m.currentToken(ctx)
		if err != nil {
			return Handle{}, err
		}
		if err := checkToken(token, m.cfg.Clock.Now()); err != nil {
			return Handle{}, err
		}

		c, h, err := m.dial(ctx, token)
		if errors.Is(err, models.ErrAuth) {
			return Handle{}, err
		}
		if err != nil {
			lastErr = err
			m.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("connection attempt failed")
			continue
		}
		if err := m.install(c, h); err != nil {
			return Handle{}, err
		}
		m.post(c.welcome)
		m.logger.Info().Str("connID", h.ConnectionID).Str("userID", h.UserID).Msg("connected")
		return h, nil
	}
	return Handle{}, errors.Join(models.ErrConnection, lastErr)
}

func (m *Manager) dialURL() (string, error) {
	if m.cfg.DisplayName == "" {
		return m.cfg.URL, nil
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("displayName", m.cfg.DisplayName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial opens the websocket and waits for the relay's welcome, both within
// the handshake timeout.
func (m *Manager) dial(ctx context.Context, token string) (*conn, Handle, error) {
	target, err := m.dialURL()
	if err != nil {
		return nil, Handle{}, fmt.Errorf("%w: bad relay url: %w", models.ErrConnection, err)
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	ws, resp, err := m.cfg.Dialer.DialContext(hctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, Handle{}, fmt.Errorf("%w: relay refused token: %s", models.ErrAuth, resp.Status)
		}
		return nil, Handle{}, fmt.Errorf("dialing relay: %w", err)
	}

	if deadline, ok := hctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	var env models.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		_ = ws.Close()
		return nil, Handle{}, fmt.Errorf("awaiting welcome: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	welcome, err := models.DecodePayload[models.Welcome](env, models.KindWelcome)
	if err != nil {
		_ = ws.Close()
		return nil, Handle{}, fmt.Errorf("awaiting welcome: %w", err)
	}

	c := &conn{
		ws:      ws,
		welcome: env,
		send:    make(chan []byte, m.cfg.SendBuffer),
		done:    make(chan struct{}),
	}
	h := Handle{ConnectionID: welcome.ConnectionID, UserID: welcome.UserID, DisplayName: welcome.DisplayName}
	return c, h, nil
}

func (m *Manager) install(c *conn, h Handle) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = c.ws.Close()
		return fmt.Errorf("%w: disconnected while connecting", models.ErrConnection)
	}
	m.conn = c
	m.handle = h
	m.reconnectCancel = nil
	m.mu.Unlock()

	go c.writeLoop(m.logger, m.cfg.PongWait*9/10)
	go m.readLoop(c)
	return nil
}

// readLoop ends when the relay closes, the socket fails or nothing at all
// (not even a ping or pong) arrives within PongWait.
func (m *Manager) readLoop(c *conn) {
	defer m.lost(c)

	wait := m.cfg.PongWait
	extend := func() error { return c.ws.SetReadDeadline(time.Now().Add(wait)) }
	_ = extend()
	c.ws.SetPongHandler(func(string) error { return extend() })
	c.ws.SetPingHandler(func(appData string) error {
		_ = extend()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &netErr) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				m.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		_ = extend()

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn().Err(err).Msg("failed to parse message")
			continue
		}
		m.post(env)
	}
}

// lost handles a connection that ended without Disconnect: it tells the
// handlers, then reconnects in the background.
func (m *Manager) lost(c *conn) {
	c.close()

	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.handle = Handle{}
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	m.mu.Unlock()

	m.post(models.Envelope{Kind: models.KindDisconnected})
	go m.reconnect(ctx, cancel)
}

func (m *Manager) reconnect(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.conn != nil || m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	h, err := m.establish(ctx, true)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Error().Err(err).Msg("giving up reconnecting")
		m.report(err)
		return
	}
	m.logger.Info().Str("connID", h.ConnectionID).Msg("reconnected")
	m.post(models.Envelope{Kind: models.KindReconnected})
}

// conn is one physical websocket.
type conn struct {
	ws        *websocket.Conn
	welcome   models.Envelope
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *conn) writeLoop(logger zerolog.Logger, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug().Err(err).Msg("failed to write message")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug().Err(err).Msg("failed to send ping")
				c.close()
				return
			}
		}
	}
}

// Package relay is the server side of the collaboration protocol: it keeps
// room membership, routes envelopes between connections and holds the
// authoritative document replica and whiteboard snapshot of each room.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mossy-p/collab-relay/internal/crdt"
	"github.com/mossy-p/collab-relay/internal/models"
)

const storeTimeout = 5 * time.Second

// RoomStore holds pre-created room metadata and live participant sets.
type RoomStore interface {
	GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	EndRoom(ctx context.Context, roomID string) error
	AddParticipant(ctx context.Context, roomID, connID string) error
	RemoveParticipant(ctx context.Context, roomID, connID string) error
}

// SnapshotStore persists room state between sessions.
type SnapshotStore interface {
	SaveDocument(ctx context.Context, roomID string, state []byte) error
	LoadDocument(ctx context.Context, roomID string) ([]byte, error)
	SaveCanvas(ctx context.Context, roomID string, snapshot []byte) error
	LoadCanvas(ctx context.Context, roomID string) ([]byte, error)
}

// Config configures a Hub. Zero limits take the defaults.
type Config struct {
	Rooms     RoomStore
	Snapshots SnapshotStore
	Logger    *zerolog.Logger

	RateLimit       rate.Limit
	RateBurst       int
	SendBuffer      int
	MaxMessageBytes int64
}

func (c *Config) setDefaults() {
	if c.RateLimit == 0 {
		c.RateLimit = 50
	}
	if c.RateBurst == 0 {
		c.RateBurst = 100
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 1 << 20
	}
}

type member struct {
	client      *Client
	participant models.Participant
}

type room struct {
	id     string
	kind   models.RoomKind
	hostID string

	// members in join order
	members []*member

	doc      *crdt.Doc
	docDirty bool

	canvas      json.RawMessage
	canvasDirty bool
}

func (r *room) member(connID string) *member {
	for _, m := range r.members {
		if m.client.ID == connID {
			return m
		}
	}
	return nil
}

func (r *room) remove(connID string) *member {
	for i, m := range r.members {
		if m.client.ID == connID {
			r.members = slices.Delete(r.members, i, i+1)
			return m
		}
	}
	return nil
}

func (r *room) participants() []models.Participant {
	out := make([]models.Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.participant)
	}
	return out
}

// Hub owns every connection and room of one relay process.
type Hub struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	rooms   map[string]*room
	closed  bool

	// pumps counts read pumps that have not unregistered yet.
	pumps sync.WaitGroup
}

// NewHub returns a Hub with no connections.
func NewHub(cfg Config) *Hub {
	cfg.setDefaults()
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger.With().Str("component", "relay").Logger(),
		clients: make(map[string]*Client),
		rooms:   make(map[string]*room),
	}
}

// ErrHubClosed refuses connections once Close was called.
var ErrHubClosed = errors.New("relay is shutting down")

// ServeConn takes ownership of an upgraded connection for an authenticated
// user and starts its pumps.
func (h *Hub) ServeConn(conn *websocket.Conn, userID, name string) error {
	c := &Client{
		ID:      uuid.New().String(),
		UserID:  userID,
		Name:    name,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst),
		hub:     h,
		rooms:   make(map[string]struct{}),
	}
	c.logger = h.logger.With().Str("connID", c.ID).Str("userID", userID).Logger()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return ErrHubClosed
	}
	h.clients[c.ID] = c
	h.pumps.Add(1)
	h.mu.Unlock()

	connectionsGauge.WithLabelValues().Inc()
	c.logger.Info().Msg("client connected")

	c.enqueue(h.envelope(models.KindWelcome, "", models.Welcome{
		ConnectionID: c.ID,
		UserID:       userID,
		DisplayName:  name,
	}))

	go c.writePump()
	go c.readPump()
	return nil
}

// Close disconnects every client and waits until each has left its rooms,
// so every room has been persisted when it returns nil. It gives up when
// ctx is done.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	drained := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections to close: %w", ctx.Err())
	}
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Participants returns the members of a live room, or nil.
func (h *Hub) Participants(roomID string) []models.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r.participants()
	}
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	h.mu.Unlock()

	for _, id := range rooms {
		h.leave(c, id)
	}

	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()

	connectionsGauge.WithLabelValues().Dec()
	c.logger.Info().Msg("client disconnected")
}

func (h *Hub) envelope(kind models.Kind, roomID string, payload any) models.Envelope {
	env, err := models.NewEnvelope(kind, roomID, payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to build envelope")
	}
	env.From = models.RelayID
	return env
}

func (h *Hub) sendError(c *Client, roomID, code, message string) {
	c.enqueue(h.envelope(models.KindRoomError, roomID, models.RoomErrorPayload{Code: code, Message: message}))
}

// broadcast sends env to every member except the connection skip.
// Callers hold h.mu.
func (r *room) broadcast(env models.Envelope, skip string) {
	for _, m := range r.members {
		if m.client.ID != skip {
			m.client.enqueue(env)
		}
	}
}

// roomState is what a room starts with when it is (re)created.
type roomState struct {
	meta   *models.RoomMetadata
	doc    []byte
	canvas []byte
}

// prepare validates a join and loads persisted state for rooms that are
// not live yet. It does the store I/O so h.mu is never held across it.
func (h *Hub) prepare(ctx context.Context, roomID string, kind models.RoomKind) (roomState, string, error) {
	var st roomState

	if kind == models.RoomKindVideoCall {
		if h.cfg.Rooms == nil {
			return st, models.CodeRoomNotFound, models.ErrRoomNotFound
		}
		meta, err := h.cfg.Rooms.GetRoom(ctx, roomID)
		if errors.Is(err, models.ErrRoomNotFound) || (err == nil && meta.ID != roomID) {
			return st, models.CodeRoomNotFound, models.ErrRoomNotFound
		}
		if err != nil {
			return st, models.CodeBadRequest, err
		}
		if meta.Ended {
			return st, models.CodeRoomEnded, models.ErrRoomEnded
		}
		st.meta = meta
	}

	h.mu.Lock()
	_, live := h.rooms[roomID]
	h.mu.Unlock()
	if live || h.cfg.Snapshots == nil {
		return st, "", nil
	}

	var err error
	switch kind {
	case models.RoomKindDocument:
		st.doc, err = h.cfg.Snapshots.LoadDocument(ctx, roomID)
	case models.RoomKindWhiteboard:
		st.canvas, err = h.cfg.Snapshots.LoadCanvas(ctx, roomID)
	}
	if err != nil {
		// A room that cannot load its history still works live.
		h.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to load room snapshot")
	}
	return st, "", nil
}

func (h *Hub) newRoom(roomID string, kind models.RoomKind, hostID string, st roomState) *room {
	r := &room{id: roomID, kind: kind, hostID: hostID}
	if st.meta != nil && st.meta.CreatorID != "" {
		r.hostID = st.meta.CreatorID
	}
	switch kind {
	case models.RoomKindDocument:
		r.doc = crdt.New(models.RelayID)
		if len(st.doc) > 0 {
			if _, err := r.doc.ApplyUpdate(st.doc, "store"); err != nil {
				h.logger.Error().Err(err).Str("roomID", roomID).Msg("stored document is corrupt, starting empty")
			}
		}
	case models.RoomKindWhiteboard:
		if len(st.canvas) > 0 {
			r.canvas = json.RawMessage(st.canvas)
		}
	}
	roomsGauge.WithLabelValues(string(kind)).Inc()
	return r
}

func (h *Hub) join(ctx context.Context, c *Client, env models.Envelope) {
	p, err := models.DecodePayload[models.JoinPayload](env, models.KindJoin)
	if err != nil || !p.Kind.Valid() || env.RoomID == "" {
		h.sendError(c, env.RoomID, models.CodeBadRequest, "invalid join request")
		return
	}

	st, code, err := h.prepare(ctx, env.RoomID, p.Kind)
	if err != nil {
		c.logger.Info().Err(err).Str("roomID", env.RoomID).Msg("join refused")
		h.sendError(c, env.RoomID, code, err.Error())
		return
	}

	name := p.DisplayName
	if name == "" {
		name = c.Name
	}

	h.mu.Lock()
	r, ok := h.rooms[env.RoomID]
	if !ok {
		r = h.newRoom(env.RoomID, p.Kind, c.UserID, st)
		h.rooms[env.RoomID] = r
	}
	if r.kind != p.Kind {
		h.mu.Unlock()
		h.sendError(c, env.RoomID, models.CodeBadRequest, "room kind mismatch")
		return
	}

	// A repeated join on the same connection changes nothing for the
	// others; the joiner only gets the room state again.
	if r.member(c.ID) != nil {
		c.enqueue(h.envelope(models.KindParticipants, r.id, models.ParticipantsPayload{Participants: r.participants()}))
		h.sendRoomState(r, c)
		h.mu.Unlock()
		c.logger.Debug().Str("roomID", r.id).Msg("repeated join")
		return
	}

	others := 0
	for _, m := range r.members {
		if m.participant.UserID != c.UserID {
			others++
		}
	}
	if st.meta != nil && st.meta.MaxParticipants > 0 && others >= st.meta.MaxParticipants {
		h.mu.Unlock()
		h.sendError(c, env.RoomID, models.CodeRoomFull, models.ErrRoomFull.Error())
		return
	}

	// One connection per user per room: a rejoin from a new connection
	// replaces the stale one.
	var replaced []*member
	for _, m := range slices.Clone(r.members) {
		if m.participant.UserID == c.UserID && m.client != c {
			r.remove(m.client.ID)
			delete(m.client.rooms, r.id)
			replaced = append(replaced, m)
		}
	}

	role := models.RoleGuest
	if c.UserID == r.hostID {
		role = models.RoleHost
	}
	m := &member{client: c, participant: models.Participant{
		UserID:       c.UserID,
		DisplayName:  name,
		ConnectionID: c.ID,
		Color:        p.Color,
		Role:         role,
	}}

	if r.kind == models.RoomKindVideoCall {
		for _, old := range replaced {
			left := h.envelope(models.KindUserLeft, r.id, models.PeerPayload{Participant: old.participant})
			left.From = old.client.ID
			r.broadcast(left, "")
		}
		joined := h.envelope(models.KindUserJoined, r.id, models.PeerPayload{Participant: m.participant})
		joined.From = c.ID
		r.broadcast(joined, c.ID)
	}

	r.members = append(r.members, m)
	c.rooms[r.id] = struct{}{}
	list := h.envelope(models.KindParticipants, r.id, models.ParticipantsPayload{Participants: r.participants()})
	r.broadcast(list, "")
	for _, old := range replaced {
		if old.client != c {
			old.client.enqueue(list)
		}
	}

	h.sendRoomState(r, c)
	count := len(r.members)
	h.mu.Unlock()

	c.logger.Info().Str("roomID", r.id).Str("kind", string(r.kind)).Int("participants", count).Msg("joined room")

	for _, old := range replaced {
		h.untrack(ctx, r.id, old.client.ID)
	}
	if h.cfg.Rooms != nil {
		if err := h.cfg.Rooms.AddParticipant(ctx, r.id, c.ID); err != nil {
			c.logger.Warn().Err(err).Msg("failed to track participant")
		}
	}
}

// sendRoomState starts the joiner's sync: a state request for documents,
// the stored snapshot for whiteboards. Callers hold h.mu.
func (h *Hub) sendRoomState(r *room, c *Client) {
	switch r.kind {
	case models.RoomKindDocument:
		step1 := h.envelope(models.KindDocSync, r.id, models.SyncPayload{
			Step: models.SyncStep1,
			Data: crdt.EncodeStateVector(r.doc.StateVector()),
		})
		step1.Origin = models.RelayID
		step1.To = c.ID
		c.enqueue(step1)
	case models.RoomKindWhiteboard:
		// Sent even for an empty board: it ends the joiner's loading state.
		c.enqueue(h.envelope(models.KindCanvasLoad, r.id, models.CanvasPayload{Snapshot: r.canvas}))
	}
}

func (h *Hub) untrack(ctx context.Context, roomID, connID string) {
	if h.cfg.Rooms == nil {
		return
	}
	if err := h.cfg.Rooms.RemoveParticipant(ctx, roomID, connID); err != nil {
		h.logger.Warn().Err(err).Str("roomID", roomID).Msg("failed to untrack participant")
	}
}

// leave removes c from a room, notifies the rest and persists the room
// when it empties.
func (h *Hub) leave(c *Client, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		delete(c.rooms, roomID)
		h.mu.Unlock()
		return
	}
	m := r.remove(c.ID)
	delete(c.rooms, roomID)
	if m == nil {
		h.mu.Unlock()
		return
	}

	if r.kind == models.RoomKindVideoCall {
		left := h.envelope(models.KindUserLeft, r.id, models.PeerPayload{Participant: m.participant})
		left.From = c.ID
		r.broadcast(left, "")
	}
	empty := len(r.members) == 0
	if empty {
		delete(h.rooms, roomID)
		roomsGauge.WithLabelValues(string(r.kind)).Dec()
	} else {
		r.broadcast(h.envelope(models.KindParticipants, r.id, models.ParticipantsPayload{Participants: r.participants()}), "")
	}
	h.mu.Unlock()

	c.logger.Info().Str("roomID", roomID).Msg("left room")
	h.untrack(ctx, roomID, c.ID)
	if empty {
		h.persist(ctx, r)
	}
}

// persist writes a closed room's state. r is no longer reachable from the
// hub, so its fields are read without h.mu.
func (h *Hub) persist(ctx context.Context, r *room) {
	if h.cfg.Snapshots == nil {
		return
	}
	log := h.logger.With().Str("roomID", r.id).Logger()
	if r.doc != nil && r.docDirty {
		if err := h.cfg.Snapshots.SaveDocument(ctx, r.id, r.doc.EncodeStateAsUpdate(nil)); err != nil {
			log.Error().Err(err).Msg("failed to persist document")
		}
	}
	if r.canvas != nil && r.canvasDirty {
		if err := h.cfg.Snapshots.SaveCanvas(ctx, r.id, r.canvas); err != nil {
			log.Error().Err(err).Msg("failed to persist canvas")
		}
	}
	log.Debug().Msg("room closed")
}

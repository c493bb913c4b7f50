package canvas

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

	"github.com/mossy-p/collab-relay/internal/membership"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/throttle"
	"github.com/mossy-p/collab-relay/internal/transport"
)

// DefaultThrottleWindow coalesces board changes into one snapshot.
const DefaultThrottleWindow = 100 * time.Millisecond

// Config configures a canvas Relay.
type Config struct {
	Tracker *membership.Tracker
	RoomID  string
	// Board is the local canvas. A fresh one attributed to the tracker's
	// user is created when nil.
	Board  *Board
	Access models.AccessRole

	ThrottleWindow time.Duration
	Clock          clockwork.Clock
	Logger         *zerolog.Logger
}

// RemoteSnapshot is a board state received from another client.
type RemoteSnapshot struct {
	UserID   string
	UserName string
	Snapshot Snapshot
	// Modified lists the objects last touched by the sender.
	Modified []Object
	// Initial marks the stored snapshot delivered on join.
	Initial bool
}

// Relay is the Canvas Snapshot Relay of one whiteboard room.
type Relay struct {
	tracker *membership.Tracker
	bus     transport.Bus
	roomID  string
	board   *Board
	access  models.AccessRole
	self    models.User
	logger  zerolog.Logger
	flusher *throttle.Throttle

	mu       sync.Mutex
	applying bool
	loaded   bool
	loadedCh chan struct{}
	handlers []func(RemoteSnapshot)
	closed   bool

	unsubs []func()
}

// Open joins the whiteboard room. Local board changes are broadcast once
// the stored snapshot has been loaded.
func Open(ctx context.Context, cfg Config) (*Relay, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("canvas: %w: no membership tracker", models.ErrNotInitialized)
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
	self := cfg.Tracker.Self()
	board := cfg.Board
	if board == nil {
		board = NewBoard(self, WithBoardClock(cfg.Clock))
	}

	r := &Relay{
		tracker:  cfg.Tracker,
		bus:      cfg.Tracker.Bus(),
		roomID:   cfg.RoomID,
		board:    board,
		access:   cfg.Access,
		self:     self,
		logger:   logger.With().Str("component", "canvas").Str("roomID", cfg.RoomID).Logger(),
		loadedCh: make(chan struct{}),
	}
	r.flusher = throttle.New(cfg.ThrottleWindow, r.send, throttle.WithClock(cfg.Clock))
	r.unsubs = []func(){
		r.bus.On(models.KindCanvasLoad, r.onLoad),
		r.bus.On(models.KindCanvasUpdate, r.onUpdate),
		r.bus.On(models.KindReconnected, r.onReconnected),
		board.OnChange(r.onBoardChange),
	}

	if _, err := r.tracker.Join(ctx, r.roomID, models.RoomKindWhiteboard); err != nil {
		r.detach()
		return nil, err
	}
	return r, nil
}

// Board returns the synced board.
func (r *Relay) Board() *Board {
	return r.board
}

// ContentLoaded reports whether the first snapshot has arrived.
func (r *Relay) ContentLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// WaitLoaded blocks until the first snapshot has been applied.
func (r *Relay) WaitLoaded(ctx context.Context) error {
	select {
	case <-r.loadedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for canvas: %w", errors.Join(models.ErrTimeout, ctx.Err()))
	}
}

// OnRemoteSnapshot registers fn for snapshots applied from other clients.
// fn runs on the transport dispatch goroutine and must not block.
func (r *Relay) OnRemoteSnapshot(fn func(RemoteSnapshot)) {
	r.mu.Lock()
	r.handlers = append(r.handlers, fn)
	r.mu.Unlock()
}

// BroadcastChange schedules a snapshot broadcast for the end of the
// current throttle window.
func (r *Relay) BroadcastChange() error {
	if !r.access.CanEdit() {
		return fmt.Errorf("%w: %s access is read-only", models.ErrPermission, r.access)
	}
	r.requestSync()
	return nil
}

// Close sends a pending snapshot, detaches and leaves the room.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.flusher.Flush()
	r.detach()
	r.tracker.Leave(r.roomID)
}

func (r *Relay) detach() {
	r.flusher.Stop()
	for _, off := range r.unsubs {
		off()
	}
	r.unsubs = nil
}

func (r *Relay) onBoardChange(Event) {
	if !r.access.CanEdit() {
		return
	}
	r.requestSync()
}

// requestSync is dropped while a remote snapshot is being applied and
// before the stored snapshot has loaded.
func (r *Relay) requestSync() {
	r.mu.Lock()
	applying, loaded := r.applying, r.loaded
	r.mu.Unlock()

	switch {
	case applying:
		r.logger.Trace().Msg("skipping sync while applying remote snapshot")
	case !loaded:
		r.logger.Trace().Msg("skipping sync before canvas loaded")
	default:
		r.flusher.Trigger()
	}
}

// send broadcasts the board as it is now, not as it was when the change
// was requested.
func (r *Relay) send() {
	raw, err := json.Marshal(r.board.Snapshot())
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode snapshot")
		return
	}
	env, err := models.NewEnvelope(models.KindCanvasUpdate, r.roomID, models.CanvasPayload{
		Snapshot: raw,
		UserID:   r.self.ID,
		UserName: r.self.Name,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to build canvas update")
		return
	}
	env.Origin = r.bus.ConnectionID()
	if err := r.bus.Emit(env); err != nil {
		r.logger.Warn().Err(err).Msg("failed to send canvas update")
		return
	}
	r.logger.Debug().Int("objects", r.board.Len()).Msg("sent canvas snapshot")
}

func (r *Relay) onLoad(env models.Envelope) {
	if env.RoomID != r.roomID {
		return
	}
	r.apply(env, models.KindCanvasLoad, true)
}

func (r *Relay) onUpdate(env models.Envelope) {
	if env.RoomID != r.roomID || env.From == r.bus.ConnectionID() {
		return
	}
	r.apply(env, models.KindCanvasUpdate, false)
}

func (r *Relay) apply(env models.Envelope, kind models.Kind, initial bool) {
	p, err := models.DecodePayload[models.CanvasPayload](env, kind)
	if err != nil {
		r.logger.Warn().Err(err).Msg("skipping malformed canvas message")
		return
	}
	var snap Snapshot
	if len(p.Snapshot) > 0 && string(p.Snapshot) != "null" {
		if err := json.Unmarshal(p.Snapshot, &snap); err != nil {
			r.logger.Warn().Err(errors.Join(models.ErrSyncDecode, err)).Msg("skipping malformed snapshot")
			return
		}
	}

	r.mu.Lock()
	r.applying = true
	r.mu.Unlock()

	// A local send still pending would re-broadcast this snapshot as ours.
	if r.flusher.Cancel() {
		r.logger.Debug().Msg("dropped pending sync superseded by remote snapshot")
	}
	r.board.Load(snap)

	r.mu.Lock()
	r.applying = false
	first := !r.loaded
	r.loaded = true
	handlers := slices.Clone(r.handlers)
	r.mu.Unlock()
	if first {
		close(r.loadedCh)
	}

	if initial && len(snap.Objects) == 0 {
		return
	}
	rs := RemoteSnapshot{UserID: p.UserID, UserName: p.UserName, Snapshot: snap, Initial: initial}
	if p.UserID != "" && p.UserID != r.self.ID {
		for _, obj := range snap.Objects {
			if obj.ModifiedBy == p.UserID {
				rs.Modified = append(rs.Modified, obj)
			}
		}
	}
	r.logger.Debug().Int("objects", len(snap.Objects)).Str("userID", p.UserID).Msg("applied canvas snapshot")
	for _, fn := range handlers {
		fn(rs)
	}
}

// onReconnected drops a broadcast scheduled on the old connection; the
// rejoin delivers the stored snapshot again.
func (r *Relay) onReconnected(models.Envelope) {
	r.flusher.Cancel()
}

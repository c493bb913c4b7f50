package relay

import (
	"context"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mossy-p/collab-relay/internal/crdt"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/telemetry"
)

func (h *Hub) dispatch(c *Client, env models.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "relay."+string(env.Kind),
		attribute.String("room.id", env.RoomID),
		attribute.String("conn.id", c.ID),
	)
	defer span.End()

	kind := string(env.Kind)
	switch env.Kind {
	case models.KindJoin:
		h.join(ctx, c, env)
	case models.KindLeave:
		h.leave(c, env.RoomID)
	case models.KindDocSync:
		h.withRoom(c, env, h.docSync)
	case models.KindDocAwareness, models.KindTyping:
		h.withRoom(c, env, h.forwardOthers)
	case models.KindCanvasUpdate:
		h.withRoom(c, env, h.canvasUpdate)
	case models.KindOffer, models.KindAnswer, models.KindICECandidate:
		h.withRoom(c, env, h.signal)
	case models.KindEndMeeting:
		h.endMeeting(ctx, c, env)
	case models.KindChatMessage:
		h.withRoom(c, env, h.chatMessage)
	default:
		c.logger.Warn().Str("kind", kind).Msg("unknown message kind")
		h.sendError(c, env.RoomID, models.CodeBadRequest, "unknown message kind")
		countMessage("unknown", resultRejected)
		return
	}
	countMessage(kind, resultRouted)
}

// withRoom runs fn with h.mu held when c is a member of env's room.
func (h *Hub) withRoom(c *Client, env models.Envelope, fn func(*room, *Client, models.Envelope)) {
	h.mu.Lock()
	r, ok := h.rooms[env.RoomID]
	if !ok || r.member(c.ID) == nil {
		h.mu.Unlock()
		countMessage(string(env.Kind), resultRejected)
		h.sendError(c, env.RoomID, models.CodeNotAMember, models.ErrNotAMember.Error())
		return
	}
	fn(r, c, env)
	h.mu.Unlock()
}

func (h *Hub) forwardOthers(r *room, c *Client, env models.Envelope) {
	r.broadcast(env, c.ID)
}

// docSync keeps the relay replica current and answers state requests from it.
func (h *Hub) docSync(r *room, c *Client, env models.Envelope) {
	if r.doc == nil {
		h.sendError(c, r.id, models.CodeBadRequest, "room has no document")
		return
	}
	p, err := models.DecodeSync(env)
	if err != nil {
		countMessage(string(env.Kind), resultDropped)
		c.logger.Warn().Err(err).Str("roomID", r.id).Msg("skipping malformed sync message")
		return
	}
	if env.Origin == "" {
		env.Origin = c.ID
	}

	switch p.Step {
	case models.SyncStep1:
		sv, err := crdt.DecodeStateVector(p.Data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed state vector")
			return
		}
		step2 := h.envelope(models.KindDocSync, r.id, models.SyncPayload{
			Step: models.SyncStep2,
			Data: r.doc.EncodeStateAsUpdate(sv),
		})
		step2.To = c.ID
		step2.Origin = models.RelayID
		c.enqueue(step2)
		// Peers may hold state the relay has not seen yet.
		r.broadcast(env, c.ID)

	case models.SyncStep2:
		changed, err := r.doc.ApplyUpdate(p.Data, env.Origin)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed sync step2")
			return
		}
		r.docDirty = r.docDirty || changed
		if env.To != "" && env.To != models.RelayID {
			if target := r.member(env.To); target != nil {
				target.client.enqueue(env)
			}
		}
		if changed {
			update := h.envelope(models.KindDocSync, r.id, models.SyncPayload{Step: models.SyncUpdate, Data: p.Data})
			update.From = c.ID
			update.Origin = env.Origin
			for _, m := range r.members {
				if m.client.ID != c.ID && m.client.ID != env.To {
					m.client.enqueue(update)
				}
			}
		}

	case models.SyncUpdate:
		changed, err := r.doc.ApplyUpdate(p.Data, env.Origin)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed sync update")
			return
		}
		r.docDirty = r.docDirty || changed
		env.To = ""
		r.broadcast(env, c.ID)
	}
}

// canvasUpdate stores the latest whiteboard snapshot and forwards it.
// The newest snapshot replaces the previous one wholesale.
func (h *Hub) canvasUpdate(r *room, c *Client, env models.Envelope) {
	p, err := models.DecodePayload[models.CanvasPayload](env, models.KindCanvasUpdate)
	if err != nil || len(p.Snapshot) == 0 {
		countMessage(string(env.Kind), resultDropped)
		c.logger.Warn().Err(err).Msg("skipping malformed canvas update")
		return
	}
	if r.kind == models.RoomKindWhiteboard {
		r.canvas = p.Snapshot
		r.canvasDirty = true
	}
	r.broadcast(env, c.ID)
}

// signal forwards WebRTC negotiation to its addressee, or to the rest of the
// room when it has none.
func (h *Hub) signal(r *room, c *Client, env models.Envelope) {
	if env.To == "" {
		r.broadcast(env, c.ID)
		return
	}
	target := r.member(env.To)
	if target == nil {
		countMessage(string(env.Kind), resultDropped)
		c.logger.Debug().Str("to", env.To).Str("roomID", r.id).Msg("signal target not in room")
		return
	}
	target.client.enqueue(env)
}

func (h *Hub) chatMessage(r *room, c *Client, env models.Envelope) {
	msg, err := models.DecodePayload[models.ChatMessage](env, models.KindChatMessage)
	if err != nil {
		countMessage(string(env.Kind), resultDropped)
		h.sendError(c, r.id, models.CodeBadRequest, "malformed chat message")
		return
	}
	if msg.ID == "" {
		msg.ID = ksuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.ChannelID = r.id
	msg.UserID = c.UserID
	if msg.Username == "" {
		msg.Username = c.Name
	}

	out := h.envelope(models.KindMessageNew, r.id, msg)
	out.From = c.ID
	r.broadcast(out, "")
}

// endMeeting lets the host close a call for everyone.
func (h *Hub) endMeeting(ctx context.Context, c *Client, env models.Envelope) {
	var reason string
	if len(env.Payload) > 0 {
		if p, err := models.DecodePayload[models.MeetingPayload](env, models.KindEndMeeting); err == nil {
			reason = p.Reason
		}
	}

	h.mu.Lock()
	r, ok := h.rooms[env.RoomID]
	if !ok || r.member(c.ID) == nil {
		h.mu.Unlock()
		h.sendError(c, env.RoomID, models.CodeNotAMember, models.ErrNotAMember.Error())
		return
	}
	if r.hostID != c.UserID {
		h.mu.Unlock()
		h.sendError(c, env.RoomID, models.CodeForbidden, "only the host can end the meeting")
		return
	}

	ended := h.envelope(models.KindMeetingEnded, r.id, models.MeetingPayload{Reason: reason})
	ended.From = c.ID
	r.broadcast(ended, "")

	members := r.members
	r.members = nil
	for _, m := range members {
		delete(m.client.rooms, r.id)
	}
	delete(h.rooms, r.id)
	roomsGauge.WithLabelValues(string(r.kind)).Dec()
	h.mu.Unlock()

	c.logger.Info().Str("roomID", r.id).Str("reason", reason).Msg("meeting ended by host")
	for _, m := range members {
		h.untrack(ctx, r.id, m.client.ID)
	}
	if r.kind == models.RoomKindVideoCall && h.cfg.Rooms != nil {
		if err := h.cfg.Rooms.EndRoom(ctx, r.id); err != nil {
			telemetry.SpanError(ctx, err)
			c.logger.Error().Err(err).Str("roomID", r.id).Msg("failed to mark room ended")
		}
	}
	h.persist(ctx, r)
}

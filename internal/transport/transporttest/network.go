package transporttest

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/mossy-p/collab-relay/internal/crdt"
	"github.com/mossy-p/collab-relay/internal/models"
)

type netMember struct {
	bus         *Bus
	participant models.Participant
}

type netRoom struct {
	kind    models.RoomKind
	hostID  string
	members []*netMember
	canvas  json.RawMessage
}

func (r *netRoom) find(connID string) *netMember {
	for _, m := range r.members {
		if m.participant.ConnectionID == connID {
			return m
		}
	}
	return nil
}

func (r *netRoom) participants() []models.Participant {
	out := make([]models.Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.participant)
	}
	return out
}

// Network is an in-process relay. It keeps rooms and routes envelopes
// between its buses with the relay's addressing rules, without a document
// replica: a step1 sent to a room nobody else is in is answered with an
// empty step2.
type Network struct {
	mu    sync.Mutex
	seq   int
	buses []*Bus
	rooms map[string]*netRoom

	pending atomic.Int64
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{rooms: make(map[string]*netRoom)}
}

func (n *Network) nextConnID() string {
	n.seq++
	return fmt.Sprintf("conn-%d", n.seq)
}

// Connect attaches a new session for userID and delivers its welcome.
func (n *Network) Connect(userID, name string) *Bus {
	n.mu.Lock()
	b := newBus(n, n.nextConnID(), userID, name)
	n.buses = append(n.buses, b)
	n.mu.Unlock()

	b.Deliver(relayEnvelope(models.KindWelcome, "", models.Welcome{
		ConnectionID: b.ConnectionID(),
		UserID:       userID,
		DisplayName:  name,
	}))
	return b
}

// Drop simulates an unexpected connection loss for b: the relay removes it
// from every room and b's handlers see session:disconnected.
func (n *Network) Drop(b *Bus) {
	b.SetConnected(false)
	connID := b.ConnectionID()

	n.mu.Lock()
	for id, r := range n.rooms {
		if r.find(connID) != nil {
			n.leaveLocked(id, r, connID)
		}
	}
	n.mu.Unlock()

	b.Deliver(models.Envelope{Kind: models.KindDisconnected})
}

// Reconnect brings a dropped bus back under a fresh connection id.
func (n *Network) Reconnect(b *Bus) {
	n.mu.Lock()
	connID := n.nextConnID()
	n.mu.Unlock()

	b.mu.Lock()
	b.connID = connID
	b.connected = true
	userID, name := b.userID, b.name
	b.mu.Unlock()

	b.Deliver(relayEnvelope(models.KindWelcome, "", models.Welcome{ConnectionID: connID, UserID: userID, DisplayName: name}))
	b.Deliver(models.Envelope{Kind: models.KindReconnected})
}

// Participants returns the network's view of a room.
func (n *Network) Participants(roomID string) []models.Participant {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.rooms[roomID]; ok {
		return r.participants()
	}
	return nil
}

// Settle waits until every bus has handled everything routed to it,
// including the traffic those handlers emitted in turn.
func (n *Network) Settle() {
	deadline := time.Now().Add(5 * time.Second)
	for n.pending.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// Close stops every bus.
func (n *Network) Close() {
	n.mu.Lock()
	buses := slices.Clone(n.buses)
	n.mu.Unlock()
	for _, b := range buses {
		b.Close()
	}
}

func relayEnvelope(kind models.Kind, roomID string, payload any) models.Envelope {
	env, _ := models.NewEnvelope(kind, roomID, payload)
	env.From = models.RelayID
	return env
}

func roomError(roomID, code string) models.Envelope {
	return relayEnvelope(models.KindRoomError, roomID, models.RoomErrorPayload{Code: code})
}

func (r *netRoom) broadcast(env models.Envelope, skip string) {
	for _, m := range r.members {
		if m.participant.ConnectionID != skip {
			m.bus.Deliver(env)
		}
	}
}

func (n *Network) route(from *Bus, env models.Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch env.Kind {
	case models.KindJoin:
		n.join(from, env)
		return
	case models.KindLeave:
		if r, ok := n.rooms[env.RoomID]; ok && r.find(env.From) != nil {
			n.leaveLocked(env.RoomID, r, env.From)
		}
		return
	}

	r, ok := n.rooms[env.RoomID]
	if !ok || r.find(env.From) == nil {
		from.Deliver(roomError(env.RoomID, models.CodeNotAMember))
		return
	}

	switch env.Kind {
	case models.KindDocSync:
		p, err := models.DecodeSync(env)
		if err != nil {
			return
		}
		if p.Step == models.SyncStep1 && len(r.members) == 1 {
			step2 := relayEnvelope(models.KindDocSync, env.RoomID, models.SyncPayload{Step: models.SyncStep2, Data: crdt.EmptyUpdate()})
			step2.To = env.From
			step2.Origin = models.RelayID
			from.Deliver(step2)
			return
		}
		// No replica here: state sent to the relay goes straight to the others.
		if p.Step == models.SyncStep2 && env.To == models.RelayID {
			update := relayEnvelope(models.KindDocSync, env.RoomID, models.SyncPayload{Step: models.SyncUpdate, Data: p.Data})
			update.From = env.From
			update.Origin = env.Origin
			r.broadcast(update, env.From)
			return
		}
		n.forward(r, env)

	case models.KindCanvasUpdate:
		if p, err := models.DecodePayload[models.CanvasPayload](env, env.Kind); err == nil {
			r.canvas = p.Snapshot
		}
		n.forward(r, env)

	case models.KindDocAwareness, models.KindTyping,
		models.KindOffer, models.KindAnswer, models.KindICECandidate:
		n.forward(r, env)

	case models.KindChatMessage:
		msg, err := models.DecodePayload[models.ChatMessage](env, env.Kind)
		if err != nil {
			from.Deliver(roomError(env.RoomID, models.CodeBadRequest))
			return
		}
		if msg.ID == "" {
			msg.ID = ksuid.New().String()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		msg.ChannelID = env.RoomID
		out := relayEnvelope(models.KindMessageNew, env.RoomID, msg)
		out.From = env.From
		r.broadcast(out, "")

	case models.KindEndMeeting:
		if r.find(env.From).participant.UserID != r.hostID {
			from.Deliver(roomError(env.RoomID, models.CodeForbidden))
			return
		}
		var reason string
		if p, err := models.DecodePayload[models.MeetingPayload](env, env.Kind); err == nil {
			reason = p.Reason
		}
		ended := relayEnvelope(models.KindMeetingEnded, env.RoomID, models.MeetingPayload{Reason: reason})
		ended.From = env.From
		r.broadcast(ended, "")
		delete(n.rooms, env.RoomID)

	default:
		from.Deliver(roomError(env.RoomID, models.CodeBadRequest))
	}
}

// forward delivers env to its addressee, or to everyone else in the room.
func (n *Network) forward(r *netRoom, env models.Envelope) {
	if env.To == "" {
		r.broadcast(env, env.From)
		return
	}
	if target := r.find(env.To); target != nil {
		target.bus.Deliver(env)
	}
}

func (n *Network) join(from *Bus, env models.Envelope) {
	p, err := models.DecodePayload[models.JoinPayload](env, models.KindJoin)
	if err != nil || !p.Kind.Valid() {
		from.Deliver(roomError(env.RoomID, models.CodeBadRequest))
		return
	}

	userID := from.UserID()
	r, ok := n.rooms[env.RoomID]
	if !ok {
		r = &netRoom{kind: p.Kind, hostID: userID}
		n.rooms[env.RoomID] = r
	}
	if r.kind != p.Kind {
		from.Deliver(roomError(env.RoomID, models.CodeBadRequest))
		return
	}
	if r.find(env.From) != nil {
		from.Deliver(relayEnvelope(models.KindParticipants, env.RoomID, models.ParticipantsPayload{Participants: r.participants()}))
		sendRoomState(r, from, env)
		return
	}

	var replaced []*netMember
	r.members = slices.DeleteFunc(r.members, func(m *netMember) bool {
		if m.participant.UserID == userID {
			replaced = append(replaced, m)
			return true
		}
		return false
	})

	name := p.DisplayName
	if name == "" {
		name = from.name
	}
	role := models.RoleGuest
	if userID == r.hostID {
		role = models.RoleHost
	}
	m := &netMember{bus: from, participant: models.Participant{
		UserID:       userID,
		DisplayName:  name,
		ConnectionID: env.From,
		Color:        p.Color,
		Role:         role,
	}}

	if r.kind == models.RoomKindVideoCall {
		for _, old := range replaced {
			left := relayEnvelope(models.KindUserLeft, env.RoomID, models.PeerPayload{Participant: old.participant})
			left.From = old.participant.ConnectionID
			r.broadcast(left, "")
		}
		joined := relayEnvelope(models.KindUserJoined, env.RoomID, models.PeerPayload{Participant: m.participant})
		joined.From = env.From
		r.broadcast(joined, "")
	}

	r.members = append(r.members, m)
	r.broadcast(relayEnvelope(models.KindParticipants, env.RoomID, models.ParticipantsPayload{Participants: r.participants()}), "")
	sendRoomState(r, from, env)
}

func sendRoomState(r *netRoom, from *Bus, env models.Envelope) {
	switch {
	case r.kind == models.RoomKindDocument:
		step1 := relayEnvelope(models.KindDocSync, env.RoomID, models.SyncPayload{Step: models.SyncStep1, Data: crdt.EncodeStateVector(nil)})
		step1.To = env.From
		step1.Origin = models.RelayID
		from.Deliver(step1)
	case r.kind == models.RoomKindWhiteboard:
		from.Deliver(relayEnvelope(models.KindCanvasLoad, env.RoomID, models.CanvasPayload{Snapshot: r.canvas}))
	}
}

func (n *Network) leaveLocked(roomID string, r *netRoom, connID string) {
	m := r.find(connID)
	r.members = slices.DeleteFunc(r.members, func(x *netMember) bool { return x == m })

	if r.kind == models.RoomKindVideoCall {
		left := relayEnvelope(models.KindUserLeft, roomID, models.PeerPayload{Participant: m.participant})
		left.From = connID
		r.broadcast(left, "")
	}
	if len(r.members) == 0 {
		// The last snapshot outlives the room, like the relay's store.
		if r.canvas == nil {
			delete(n.rooms, roomID)
		}
		return
	}
	r.broadcast(relayEnvelope(models.KindParticipants, roomID, models.ParticipantsPayload{Participants: r.participants()}), "")
}

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the discriminator of a wire Envelope.
type Kind string

const (
	KindWelcome      Kind = "session:welcome"
	KindReconnected  Kind = "session:reconnected"
	KindDisconnected Kind = "session:disconnected"

	KindJoin         Kind = "room:join"
	KindParticipants Kind = "room:participants"
	KindLeave        Kind = "room:leave"
	KindRoomError    Kind = "room:error"

	KindDocSync      Kind = "doc:sync"
	KindDocAwareness Kind = "doc:awareness"

	KindCanvasLoad   Kind = "canvas:load"
	KindCanvasUpdate Kind = "canvas:update"

	KindOffer        Kind = "webrtc:offer"
	KindAnswer       Kind = "webrtc:answer"
	KindICECandidate Kind = "webrtc:ice-candidate"
	KindUserJoined   Kind = "webrtc:user-joined"
	KindUserLeft     Kind = "webrtc:user-left"

	KindEndMeeting   Kind = "video:end-meeting"
	KindMeetingEnded Kind = "video:meeting-ended"

	KindChatMessage Kind = "chat:message"
	KindMessageNew  Kind = "message:new"
	KindTyping      Kind = "chat:typing"
)

// RelayID is the pseudo connection id the relay uses when it speaks for
// itself (for example when it answers a sync request from its replica).
const RelayID = "relay"

// Envelope is the tagged-union wire message. From is always stamped by the
// relay; clients never get to pick it.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	RoomID  string          `json:"roomId,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a room-scoped envelope. A nil payload
// produces an envelope without one.
func NewEnvelope(kind Kind, roomID string, payload any) (Envelope, error) {
	env := Envelope{Kind: kind, RoomID: roomID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	env.Payload = raw
	return env, nil
}

// Welcome is the first message a relay sends on a fresh connection.
type Welcome struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName,omitempty"`
}

// JoinPayload is sent with room:join.
type JoinPayload struct {
	Kind        RoomKind `json:"kind"`
	DisplayName string   `json:"displayName,omitempty"`
	Color       string   `json:"color,omitempty"`
}

// ParticipantsPayload is the relay's authoritative member list.
type ParticipantsPayload struct {
	Participants []Participant `json:"participants"`
}

// PeerPayload announces one participant entering or leaving a call.
type PeerPayload struct {
	Participant Participant `json:"participant"`
}

// RoomErrorPayload reports a room-level failure to a client.
type RoomErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// SyncStep is the subtype of a doc:sync message.
type SyncStep string

const (
	SyncStep1  SyncStep = "step1"
	SyncStep2  SyncStep = "step2"
	SyncUpdate SyncStep = "update"
)

// SyncPayload carries a state vector (step1), a full or delta state (step2)
// or an incremental update. Data is opaque CRDT bytes.
type SyncPayload struct {
	Step SyncStep `json:"step"`
	Data []byte   `json:"data"`
}

// AwarenessPayload carries one client's ephemeral presence state.
type AwarenessPayload struct {
	ClientID string          `json:"clientId"`
	State    json.RawMessage `json:"state,omitempty"`
}

// CanvasPayload is a whole-board snapshot with its author.
type CanvasPayload struct {
	Snapshot json.RawMessage `json:"json"`
	UserID   string          `json:"userId,omitempty"`
	UserName string          `json:"userName,omitempty"`
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalPayload is used by the three peer-addressed WebRTC kinds.
type SignalPayload struct {
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

// MeetingPayload carries a reason string for end-meeting traffic.
type MeetingPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Attachment references a blob already uploaded to the object store.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMessage is a chat line as stored and broadcast.
type ChatMessage struct {
	ID         string      `json:"id"`
	ChannelID  string      `json:"channel_id"`
	UserID     string      `json:"user_id"`
	Username   string      `json:"username"`
	AvatarURL  string      `json:"avatar_url,omitempty"`
	Text       string      `json:"text"`
	ReplyTo    string      `json:"reply_to,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// TypingPayload is sent with chat:typing.
type TypingPayload struct {
	IsTyping bool   `json:"isTyping"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
}

package models

import "time"

// RoomKind is what a room is used for.
type RoomKind string

const (
	RoomKindChat       RoomKind = "chat-channel"
	RoomKindDocument   RoomKind = "document"
	RoomKindWhiteboard RoomKind = "whiteboard"
	RoomKindVideoCall  RoomKind = "video-call"
)

// Valid reports whether k is one of the known room kinds.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindChat, RoomKindDocument, RoomKindWhiteboard, RoomKindVideoCall:
		return true
	}
	return false
}

// Participant roles.
const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

// AccessRole is what the local user may do to shared room content.
type AccessRole string

const (
	AccessOwner  AccessRole = "owner"
	AccessEditor AccessRole = "editor"
	AccessViewer AccessRole = "viewer"
)

// CanEdit reports whether the role may change content. The zero role edits.
func (r AccessRole) CanEdit() bool {
	return r != AccessViewer
}

// Participant is one member of a room, tied to one physical connection.
// ConnectionID changes across reconnects; UserID does not.
type Participant struct {
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName,omitempty"`
	ConnectionID string `json:"connectionId"`
	Color        string `json:"color,omitempty"`
	Role         string `json:"role,omitempty"`
}

// User is the local identity a client joins rooms with.
type User struct {
	ID    string
	Name  string
	Color string
}

// RoomMetadata stores information about a pre-created room
type RoomMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`      // Short, shareable room code (e.g., "ABCD23")
	Kind             RoomKind  `json:"kind"`
	CreatorID        string    `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
	Ended            bool      `json:"ended"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Kind            RoomKind `json:"kind"`
	MaxParticipants int      `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string   `json:"roomId"`
	Code   string   `json:"code"`
	Kind   RoomKind `json:"kind"`
}

package models

import (
	"errors"
	"fmt"
)

var (
	ErrAuth           = errors.New("authentication failed")
	ErrConnection     = errors.New("connection failed")
	ErrSyncDecode     = errors.New("malformed sync payload")
	ErrPermission     = errors.New("permission denied")
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomEnded      = errors.New("room has ended")
	ErrRoomFull       = errors.New("room is full")
	ErrNotAMember     = errors.New("not a member of this room")
	ErrTimeout        = errors.New("timed out")
	ErrNotInitialized = errors.New("not initialized")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// Room error codes carried in room:error payloads.
const (
	CodeRoomNotFound = "room_not_found"
	CodeRoomEnded    = "room_ended"
	CodeRoomFull     = "room_full"
	CodeNotAMember   = "not_a_member"
	CodeForbidden    = "forbidden"
	CodeBadRequest   = "bad_request"
	CodeRateLimited  = "rate_limited"
)

var codeErrors = map[string]error{
	CodeRoomNotFound: ErrRoomNotFound,
	CodeRoomEnded:    ErrRoomEnded,
	CodeRoomFull:     ErrRoomFull,
	CodeNotAMember:   ErrNotAMember,
	CodeRateLimited:  ErrRateLimited,
	CodeForbidden:    ErrPermission,
	CodeBadRequest:   ErrSyncDecode,
}

// RoomError is a room failure reported by the relay.
type RoomError struct {
	RoomID  string
	Code    string
	Message string
}

func (e *RoomError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("room %s: %s", e.RoomID, e.Code)
	}
	return fmt.Sprintf("room %s: %s: %s", e.RoomID, e.Code, e.Message)
}

// Unwrap maps the relay code back to its sentinel so callers can use errors.Is.
func (e *RoomError) Unwrap() error {
	return codeErrors[e.Code]
}

// CodeFor returns the room:error code of a sentinel, or CodeBadRequest.
func CodeFor(err error) string {
	for code, sentinel := range codeErrors {
		if sentinel == ErrSyncDecode {
			continue
		}
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeBadRequest
}

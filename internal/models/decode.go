package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodePayload decodes env's payload as T. It fails closed with
// ErrSyncDecode when the envelope is not of the expected kind or the payload
// does not parse.
func DecodePayload[T any](env Envelope, want Kind) (T, error) {
	var out T
	if env.Kind != want {
		return out, fmt.Errorf("%w: kind %q, want %q", ErrSyncDecode, env.Kind, want)
	}
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("%w: %s without payload", ErrSyncDecode, want)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, errors.Join(ErrSyncDecode, err)
	}
	return out, nil
}

// DecodeSync decodes a doc:sync payload and checks its step tag.
func DecodeSync(env Envelope) (SyncPayload, error) {
	p, err := DecodePayload[SyncPayload](env, KindDocSync)
	if err != nil {
		return p, err
	}
	switch p.Step {
	case SyncStep1, SyncStep2, SyncUpdate:
		return p, nil
	}
	return p, fmt.Errorf("%w: unknown sync step %q", ErrSyncDecode, p.Step)
}

// RoomErrorFrom converts a room:error envelope into a *RoomError.
func RoomErrorFrom(env Envelope) *RoomError {
	p, err := DecodePayload[RoomErrorPayload](env, KindRoomError)
	if err != nil {
		return &RoomError{RoomID: env.RoomID, Code: CodeBadRequest, Message: err.Error()}
	}
	return &RoomError{RoomID: env.RoomID, Code: p.Code, Message: p.Message}
}

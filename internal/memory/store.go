// Package memory is a process-local store for rooms, snapshots and chat
// history. It backs tests and single-node deployments without redis.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/mossy-p/collab-relay/internal/models"
)

const roomCodeLength = 6

type roomEntry struct {
	meta models.RoomMetadata
}

// MemStore keeps rooms, snapshots and messages in process memory.
type MemStore struct {
	mx       *sync.Mutex
	rooms    map[string]*roomEntry
	codes    map[string]string
	peers    map[string]map[string]struct{}
	docs     map[string][]byte
	canvases map[string][]byte
	messages map[string][]models.ChatMessage
}

// NewMemStore returns an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		mx:       &sync.Mutex{},
		rooms:    make(map[string]*roomEntry),
		codes:    make(map[string]string),
		peers:    make(map[string]map[string]struct{}),
		docs:     make(map[string][]byte),
		canvases: make(map[string][]byte),
		messages: make(map[string][]models.ChatMessage),
	}
}

func (ms *MemStore) CreateRoom(_ context.Context, room *models.RoomMetadata) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.rooms[room.ID] = &roomEntry{meta: *room}
	if room.Code != "" {
		ms.codes[room.Code] = room.ID
	}
	return nil
}

// GetRoom resolves a room by id or by its shareable code.
func (ms *MemStore) GetRoom(_ context.Context, identifier string) (*models.RoomMetadata, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.lookup(identifier)
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	meta := room.meta
	meta.ParticipantCount = len(ms.peers[meta.ID])
	return &meta, nil
}

func (ms *MemStore) lookup(identifier string) (*roomEntry, bool) {
	if len(identifier) == roomCodeLength {
		if id, ok := ms.codes[identifier]; ok {
			identifier = id
		}
	}
	room, ok := ms.rooms[identifier]
	return room, ok
}

func (ms *MemStore) DeleteRoom(_ context.Context, roomID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[roomID]
	if !ok {
		return models.ErrRoomNotFound
	}
	delete(ms.codes, room.meta.Code)
	delete(ms.rooms, roomID)
	delete(ms.peers, roomID)
	return nil
}

func (ms *MemStore) EndRoom(_ context.Context, roomID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[roomID]
	if !ok {
		return models.ErrRoomNotFound
	}
	room.meta.Ended = true
	return nil
}

func (ms *MemStore) AddParticipant(_ context.Context, roomID, connID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	set, ok := ms.peers[roomID]
	if !ok {
		set = make(map[string]struct{})
		ms.peers[roomID] = set
	}
	set[connID] = struct{}{}
	return nil
}

func (ms *MemStore) RemoveParticipant(_ context.Context, roomID, connID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if set, ok := ms.peers[roomID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(ms.peers, roomID)
		}
	}
	return nil
}

func (ms *MemStore) ParticipantCount(_ context.Context, roomID string) (int, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.peers[roomID]), nil
}

func (ms *MemStore) SaveDocument(_ context.Context, roomID string, state []byte) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.docs[roomID] = slices.Clone(state)
	return nil
}

func (ms *MemStore) LoadDocument(_ context.Context, roomID string) ([]byte, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return slices.Clone(ms.docs[roomID]), nil
}

func (ms *MemStore) SaveCanvas(_ context.Context, roomID string, snapshot []byte) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.canvases[roomID] = slices.Clone(snapshot)
	return nil
}

func (ms *MemStore) LoadCanvas(_ context.Context, roomID string) ([]byte, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return slices.Clone(ms.canvases[roomID]), nil
}

func (ms *MemStore) AppendMessage(_ context.Context, msg models.ChatMessage) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.messages[msg.ChannelID] = append(ms.messages[msg.ChannelID], msg)
	return nil
}

// ListMessages returns the newest limit messages of a channel, oldest first.
func (ms *MemStore) ListMessages(_ context.Context, channelID string, limit int) ([]models.ChatMessage, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	msgs := ms.messages[channelID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

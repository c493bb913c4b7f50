package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/redis/go-redis/v9"
)

const roomCodeLength = 6

// maxMessages bounds the chat history kept per channel.
const maxMessages = 500

func roomKey(id string) string { return "room:" + id }
func codeKey(code string) string { return "code:" + code }
func peersKey(id string) string { return "room:" + id + ":peers" }
func docKey(id string) string { return "doc:" + id }
func canvasKey(id string) string { return "canvas:" + id }
func messagesKey(id string) string { return "messages:" + id }

// Store keeps room metadata, live participant sets and room snapshots in
// redis. Every key expires ttl after its last write.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewStore returns a Store whose keys expire after ttl.
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// CreateRoom stores room metadata under its id and join code.
func (s *Store) CreateRoom(ctx context.Context, room *models.RoomMetadata) error {
	roomData, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", room.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), roomData, s.ttl)
	if room.Code != "" {
		// Store code-to-ID mapping for easy lookup
		pipe.Set(ctx, codeKey(room.Code), room.ID, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing room %s: %w", room.ID, err)
	}
	return nil
}

// GetRoom resolves a room by id or by its shareable code.
func (s *Store) GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier
	if len(identifier) == roomCodeLength {
		id, err := s.client.Get(ctx, codeKey(identifier)).Result()
		switch {
		case err == nil:
			roomID = id
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("resolving room code: %w", err)
		}
	}

	room, err := s.getMeta(ctx, roomID)
	if err != nil {
		return nil, err
	}

	// Get current participant count
	count, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("counting participants: %w", err)
	}
	room.ParticipantCount = int(count)
	return room, nil
}

func (s *Store) getMeta(ctx context.Context, roomID string) (*models.RoomMetadata, error) {
	roomData, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading room %s: %w", roomID, err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal(roomData, &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}
	return &room, nil
}

// DeleteRoom removes a room and its participant set.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	room, err := s.getMeta(ctx, roomID)
	if err != nil {
		return err
	}
	keys := []string{roomKey(roomID), peersKey(roomID), docKey(roomID), canvasKey(roomID)}
	if room.Code != "" {
		keys = append(keys, codeKey(room.Code))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting room %s: %w", roomID, err)
	}
	return nil
}

// EndRoom marks a room ended so later joins are refused.
func (s *Store) EndRoom(ctx context.Context, roomID string) error {
	room, err := s.getMeta(ctx, roomID)
	if err != nil {
		return err
	}
	room.Ended = true
	roomData, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", roomID, err)
	}
	if err := s.client.Set(ctx, roomKey(roomID), roomData, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("ending room %s: %w", roomID, err)
	}
	return nil
}

// AddParticipant records a live connection in a room.
func (s *Store) AddParticipant(ctx context.Context, roomID, connID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), connID)
	pipe.Expire(ctx, peersKey(roomID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("adding participant to %s: %w", roomID, err)
	}
	return nil
}

// RemoveParticipant forgets a connection.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, connID string) error {
	if err := s.client.SRem(ctx, peersKey(roomID), connID).Err(); err != nil {
		return fmt.Errorf("removing participant from %s: %w", roomID, err)
	}
	return nil
}

// ParticipantCount returns the number of live connections in a room.
func (s *Store) ParticipantCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting participants: %w", err)
	}
	return int(n), nil
}

// SaveDocument stores the encoded document state of a room.
func (s *Store) SaveDocument(ctx context.Context, roomID string, state []byte) error {
	return s.setBlob(ctx, docKey(roomID), state)
}

// LoadDocument returns the stored document state, or nil.
func (s *Store) LoadDocument(ctx context.Context, roomID string) ([]byte, error) {
	return s.getBlob(ctx, docKey(roomID))
}

// SaveCanvas stores the latest whiteboard snapshot of a room.
func (s *Store) SaveCanvas(ctx context.Context, roomID string, snapshot []byte) error {
	return s.setBlob(ctx, canvasKey(roomID), snapshot)
}

// LoadCanvas returns the stored whiteboard snapshot, or nil.
func (s *Store) LoadCanvas(ctx context.Context, roomID string) ([]byte, error) {
	return s.getBlob(ctx, canvasKey(roomID))
}

func (s *Store) setBlob(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// getBlob returns nil without error when the key does not exist.
func (s *Store) getBlob(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// AppendMessage adds msg to its channel history.
func (s *Store) AppendMessage(ctx context.Context, msg models.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}
	key := messagesKey(msg.ChannelID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxMessages, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending message to %s: %w", msg.ChannelID, err)
	}
	return nil
}

// ListMessages returns the newest limit messages of a channel, oldest first.
func (s *Store) ListMessages(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.client.LRange(ctx, messagesKey(channelID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing messages of %s: %w", channelID, err)
	}

	msgs := make([]models.ChatMessage, 0, len(raw))
	for _, r := range raw {
		var m models.ChatMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decoding message of %s: %w", channelID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/mossy-p/collab-relay/internal/middleware"
	"github.com/mossy-p/collab-relay/internal/models"
)

const (
	roomCodeLength         = 6
	codeChars              = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	defaultMaxParticipants = 8
	defaultHistoryLimit    = 50
	maxHistoryLimit        = 500
)

// RoomStore is the room metadata the REST API manages.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *models.RoomMetadata) error
	GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// MessageStore is the persistent chat history.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg models.ChatMessage) error
	ListMessages(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error)
}

// Rooms serves the room and chat history API.
type Rooms struct {
	rooms    RoomStore
	messages MessageStore
	logger   zerolog.Logger
}

// NewRooms returns the room REST handlers.
func NewRooms(rooms RoomStore, messages MessageStore, logger *zerolog.Logger) *Rooms {
	return &Rooms{
		rooms:    rooms,
		messages: messages,
		logger:   logger.With().Str("component", "rooms-api").Logger(),
	}
}

// CreateRoom creates a new room (requires authentication)
func (h *Rooms) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Kind == "" {
		req.Kind = models.RoomKindVideoCall
	}
	if !req.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown room kind"})
		return
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}

	room := models.RoomMetadata{
		ID:              uuid.New().String(),
		Code:            generateRoomCode(),
		Kind:            req.Kind,
		CreatorID:       userID,
		CreatedAt:       time.Now().UTC(),
		MaxParticipants: req.MaxParticipants,
	}

	if err := h.rooms.CreateRoom(c.Request.Context(), &room); err != nil {
		h.logger.Error().Err(err).Msg("failed to store room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.logger.Info().Str("roomID", room.ID).Str("code", room.Code).Str("userID", userID).Msg("room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
		Kind:   room.Kind,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *Rooms) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, models.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *Rooms) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	ctx := c.Request.Context()

	room, err := h.rooms.GetRoom(ctx, c.Param("roomId"))
	if errors.Is(err, models.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.rooms.DeleteRoom(ctx, room.ID); err != nil {
		h.logger.Error().Err(err).Msg("failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.logger.Info().Str("roomID", room.ID).Str("userID", userID).Msg("room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// ListMessages returns the recent history of a chat channel.
func (h *Rooms) ListMessages(c *gin.Context) {
	limit := defaultHistoryLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.messages.ListMessages(c.Request.Context(), c.Param("roomId"), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SaveMessage persists a chat message and returns it with its id and
// timestamp. Clients broadcast the saved message afterwards.
func (h *Rooms) SaveMessage(c *gin.Context) {
	var msg models.ChatMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.Text == "" && msg.Attachment == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message needs text or an attachment"})
		return
	}

	msg.ID = ksuid.New().String()
	msg.ChannelID = c.Param("roomId")
	msg.UserID = c.GetString(middleware.ContextUserID)
	if msg.Username == "" {
		msg.Username = c.GetString(middleware.ContextUserName)
	}
	msg.CreatedAt = time.Now().UTC()

	if err := h.messages.AppendMessage(c.Request.Context(), msg); err != nil {
		h.logger.Error().Err(err).Msg("failed to save message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save message"})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

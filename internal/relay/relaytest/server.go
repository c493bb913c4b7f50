// Package relaytest runs a complete relay (router, hub, in-memory store) on
// a local httptest server.
package relaytest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/collab-relay/internal/handlers"
	"github.com/mossy-p/collab-relay/internal/memory"
	"github.com/mossy-p/collab-relay/internal/middleware"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/relay"
)

// Secret signs the tokens Token issues.
const Secret = "relaytest-secret"

// Server is a running relay.
type Server struct {
	t     testing.TB
	HTTP  *httptest.Server
	Hub   *relay.Hub
	Store *memory.MemStore
}

// Start serves a relay until the test ends. opts adjust the hub config.
func Start(t testing.TB, opts ...func(*relay.Config)) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zerolog.Nop()
	store := memory.NewMemStore()
	cfg := relay.Config{Rooms: store, Snapshots: store, Logger: &logger}
	for _, opt := range opts {
		opt(&cfg)
	}
	hub := relay.NewHub(cfg)
	router := handlers.NewRouter(handlers.RouterConfig{
		Hub:            hub,
		Rooms:          store,
		Messages:       store,
		JWTSecret:      Secret,
		AllowedOrigins: []string{"*"},
		Logger:         &logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Close(ctx)
	})

	return &Server{t: t, HTTP: srv, Hub: hub, Store: store}
}

// URL is the websocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/ws"
}

// Token issues a valid token for userID.
func (s *Server) Token(userID string) string {
	s.t.Helper()
	token, err := middleware.IssueToken(Secret, userID, userID, time.Hour)
	require.NoError(s.t, err)
	return token
}

// CreateRoom pre-creates a room the way the REST API does.
func (s *Server) CreateRoom(id string, kind models.RoomKind, creatorID string, maxParticipants int) {
	s.t.Helper()
	require.NoError(s.t, s.Store.CreateRoom(context.Background(), &models.RoomMetadata{
		ID:              id,
		Code:            strings.ToUpper(id[:min(6, len(id))]),
		Kind:            kind,
		CreatorID:       creatorID,
		CreatedAt:       time.Now().UTC(),
		MaxParticipants: maxParticipants,
	}))
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/collab-relay/internal/metrics"
	"github.com/mossy-p/collab-relay/internal/middleware"
	"github.com/mossy-p/collab-relay/internal/relay"
)

// RouterConfig is everything the HTTP surface of the relay needs.
type RouterConfig struct {
	Hub            *relay.Hub
	Rooms          RoomStore
	Messages       MessageStore
	JWTSecret      string
	AllowedOrigins []string
	Logger         *zerolog.Logger
}

// NewRouter wires the REST API and the websocket endpoint.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(cfg.Logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	rooms := NewRooms(cfg.Rooms, cfg.Messages, cfg.Logger)
	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		apiGroup.POST("/rooms", auth, rooms.CreateRoom)
		apiGroup.GET("/rooms/:roomId", rooms.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", auth, rooms.DeleteRoom)

		apiGroup.GET("/rooms/:roomId/messages", auth, rooms.ListMessages)
		apiGroup.POST("/rooms/:roomId/messages", auth, rooms.SaveMessage)
	}

	// One socket per session; rooms are joined over it.
	router.GET("/ws", HandleWebSocket(cfg.Hub, cfg.JWTSecret, cfg.Logger))

	return router
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/collab-relay/internal/middleware"
	"github.com/mossy-p/collab-relay/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleWebSocket authenticates the caller and hands the upgraded
// connection to the hub. Authentication failures are answered with 401
// before the upgrade so clients can tell them from network errors.
func HandleWebSocket(hub *relay.Hub, jwtSecret string, logger *zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "ws-handler").Logger()

	return func(c *gin.Context) {
		tokenString, err := middleware.TokenFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			return
		}
		claims, err := middleware.ParseToken(jwtSecret, tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		// Optional: Get display name from query param
		name := c.Query("displayName")
		if name == "" {
			name = claims.Name
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("failed to upgrade connection")
			return
		}

		if err := hub.ServeConn(conn, claims.UserID, name); err != nil {
			log.Info().Err(err).Msg("connection refused")
		}
	}
}

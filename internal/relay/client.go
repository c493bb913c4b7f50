package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mossy-p/collab-relay/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one websocket connection. Its ID is the connection id peers
// address it by; it changes on every reconnect while UserID does not.
type Client struct {
	ID     string
	UserID string
	Name   string

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	logger  zerolog.Logger
	hub     *Hub

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	closeOnce sync.Once
}

// enqueue queues env for the write pump. A full buffer drops the message.
func (c *Client) enqueue(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Str("kind", string(env.Kind)).Msg("failed to marshal message")
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		sendDrops.WithLabelValues().Inc()
		c.logger.Warn().Str("kind", string(env.Kind)).Msg("send buffer full, dropping message")
	}
}

// close stops the write pump, which says goodbye and closes the socket.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.hub.pumps.Done()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			countMessage("", resultBadFrame)
			c.logger.Warn().Err(err).Msg("failed to parse message")
			continue
		}

		// Document updates are never dropped: peers buffer everything after
		// a missing one until the next full sync.
		if !c.limiter.Allow() && env.Kind != models.KindDocSync {
			countMessage(string(env.Kind), resultLimited)
			c.logger.Debug().Str("kind", string(env.Kind)).Msg("rate limit exceeded, dropping message")
			c.hub.sendError(c, env.RoomID, models.CodeRateLimited, models.ErrRateLimited.Error())
			continue
		}

		// The sender is always the connection the frame arrived on.
		env.From = c.ID
		c.hub.dispatch(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/peercall/internal/middleware"
	"github.com/mossy-p/peercall/internal/models"
	"github.com/mossy-p/peercall/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client represents one authenticated WebSocket connection. It
// implements relay.Handle; the identity is fixed at handshake time and
// immutable for the connection's lifetime.
type Client struct {
	connID   string
	userID   string
	username string
	conn     *websocket.Conn
	send     chan []byte

	closeOnce sync.Once
}

func (c *Client) ConnID() string   { return c.connID }
func (c *Client) UserID() string   { return c.userID }
func (c *Client) Username() string { return c.username }

// Deliver queues msg for the write pump. Delivery is best-effort: a
// full send buffer means the message is dropped, not blocked on.
func (c *Client) Deliver(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Kick tells the client why it is being disconnected, then closes the
// connection. Used when a newer connection supersedes this one.
func (c *Client) Kick(reason string) {
	_ = c.Deliver(models.SignalMessage{
		Type:  models.SignalTypeError,
		Error: reason,
	})
	// Give the write pump a moment to flush before tearing down.
	time.AfterFunc(writeWait, c.close)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// HandleSignaling upgrades an authenticated HTTP request to the
// persistent signaling channel. The access token is validated exactly
// once, here; every message on the connection afterwards is trusted to
// come from that identity.
func HandleSignaling(rl *relay.Relay, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Browsers cannot set headers on WebSocket requests, so the
		// token arrives as a query parameter.
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
			return
		}

		claims, err := middleware.ParseToken(jwtSecret, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Msg("ws: failed to upgrade connection")
			return
		}

		client := &Client{
			connID:   uuid.New().String(),
			userID:   claims.UserID,
			username: claims.Username,
			conn:     conn,
			send:     make(chan []byte, 256),
		}

		rl.Bind(context.Background(), client)

		go client.writePump()
		go client.readPump(rl)
	}
}

func (c *Client) readPump(rl *relay.Relay) {
	defer func() {
		rl.Unbind(context.Background(), c)
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("user_id", c.userID).Msg("ws: read error")
			}
			break
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn().Err(err).Str("user_id", c.userID).Msg("ws: malformed message")
			continue
		}

		rl.Route(context.Background(), c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package wsclient is the client side of the persistent signaling
// channel: it dials the server once with the user's access token and
// implements call.Signaler over the resulting connection.
package wsclient

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/peercall/internal/models"
)

const writeWait = 10 * time.Second

// Conn is one live signaling connection. The server validates the
// token during the handshake; a rejected token fails Dial.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	in        chan models.SignalMessage
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the signaling endpoint of serverURL (http, https,
// ws or wss scheme) using token for authentication.
func Dial(ctx context.Context, serverURL, token string) (*Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, errors.New("unsupported scheme: " + u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/signal"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		ws:   ws,
		in:   make(chan models.SignalMessage, 64),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes msg to the server. Implements call.Signaler.
func (c *Conn) Send(msg models.SignalMessage) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// Subscribe returns the stream of messages delivered to this client.
// The channel closes when the connection drops. Implements
// call.Signaler.
func (c *Conn) Subscribe() (<-chan models.SignalMessage, func()) {
	return c.in, func() {}
}

// Close tears the connection down. The server unregisters this
// client's presence when the socket drops.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) readLoop() {
	defer func() {
		close(c.in)
		c.Close()
	}()

	for {
		var msg models.SignalMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Msg("wsclient: read error")
			}
			return
		}

		select {
		case c.in <- msg:
		default:
			log.Warn().Str("type", string(msg.Type)).Msg("wsclient: inbound buffer full, dropping")
		}
	}
}

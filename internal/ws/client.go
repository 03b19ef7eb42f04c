// ABOUTME: Per-connection read/write pumps over a gorilla websocket.
// ABOUTME: Implements registry.Sink; outbound frames go through a bounded send channel.

package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/bazaar-relay/internal/registry"
	"github.com/2389/bazaar-relay/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameBytes = 16 * 1024
	sendBuffer    = 256

	// handleTimeout bounds how long one inbound event may hold the store
	handleTimeout = 10 * time.Second
)

var errSendBufferFull = errors.New("send buffer full")

// outFrame is the outbound envelope before encoding
type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// client owns one websocket connection for its lifetime
type client struct {
	srv    *Server
	conn   *websocket.Conn
	handle *registry.Handle
	send   chan outFrame

	closeOnce sync.Once
}

func newClient(srv *Server, conn *websocket.Conn) *client {
	return &client{
		srv:  srv,
		conn: conn,
		send: make(chan outFrame, sendBuffer),
	}
}

// Send implements registry.Sink. Non-blocking: a peer that cannot drain its
// buffer loses the event rather than stalling fan-out for everyone else.
func (c *client) Send(event string, data any) error {
	select {
	case c.send <- outFrame{Event: event, Data: data}:
		return nil
	default:
		return errSendBufferFull
	}
}

// run starts the pumps and blocks until the connection is gone
func (c *client) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// readPump decodes inbound frames into relay events and applies the
// dispatcher's deliveries. Exits on any read error, tearing the
// connection down.
func (c *client) readPump(ctx context.Context) {
	defer c.teardown()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Debug("connection read failed",
					"connection_id", c.handle.ID,
					"error", err)
			}
			return
		}

		in, err := relay.DecodeInbound(raw)
		if err != nil {
			c.handle.Deliver(relay.EventError, &relay.ErrorPayload{
				Code:    relay.CodeBadRequest,
				Message: err.Error(),
			})
			continue
		}

		handleCtx, cancel := context.WithTimeout(ctx, handleTimeout)
		deliveries := c.srv.dispatcher.Handle(handleCtx, c.handle, in)
		cancel()

		for _, delivery := range deliveries {
			// Best effort: targets mid-teardown or with full buffers drop
			delivery.Target.Deliver(delivery.Event, delivery.Data)
		}
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(out); err != nil {
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

// teardown unregisters the handle (running membership and typing cleanup)
// before the send channel closes. Unregister marks the handle closed under
// the delivery mutex, so once it returns no Deliver can reach the channel.
func (c *client) teardown() {
	c.closeOnce.Do(func() {
		c.srv.registry.Unregister(c.handle)
		close(c.send)
		c.conn.Close()
	})
}

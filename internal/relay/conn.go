package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/metrics"
	"github.com/petervdpas/callsig/internal/mq"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer. SDP bodies fit comfortably.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// conn is one authenticated websocket. The hub writes through send; only
// writePump touches the socket for writing and only readPump for reading.
type conn struct {
	hub     *Hub
	ws      *websocket.Conn
	user    calls.Caller
	send    chan mq.Frame
	limiter *rate.Limiter
	seq     atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues f for writing. A client that cannot keep up is dropped.
func (c *conn) enqueue(f mq.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		c.hub.log.Warn().Str("user", c.user.UserID).Msg("send buffer full; dropping connection")
		c.close()
		return false
	}
}

// deliver wraps payload in a msg frame stamped with from.
func (c *conn) deliver(from, topic string, payload json.RawMessage) bool {
	return c.enqueue(mq.Frame{
		Type:    mq.FrameMsg,
		ID:      uuid.NewString(),
		Seq:     c.seq.Add(1),
		Topic:   topic,
		From:    from,
		To:      c.user.UserID,
		Payload: payload,
	})
}

func (c *conn) ack(f mq.Frame) {
	c.enqueue(mq.Frame{Type: mq.FrameAck, ID: f.ID, Seq: f.Seq})
}

func (c *conn) fail(id, msg string) {
	raw, _ := json.Marshal(mq.ErrorPayload{Message: msg, ID: id})
	c.enqueue(mq.Frame{Type: mq.FrameError, ID: id, Payload: raw})
}

// readPump reads frames until the socket fails, then unregisters c.
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.ws.Close()
		c.hub.wg.Done()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f mq.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("user", c.user.UserID).Msg("read")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case mq.FrameAck:
			// Delivery confirmations for frames we wrote; nothing waits on them.
		case mq.FrameMsg:
			if !c.limiter.Allow() {
				metrics.RecordRelay(f.Topic, resultLimited)
				c.fail(f.ID, "rate limited")
				continue
			}
			if err := c.hub.route(c, f); err != nil {
				metrics.RecordRelay(f.Topic, resultRejected)
				c.hub.log.Debug().Err(err).Str("user", c.user.UserID).Str("topic", f.Topic).Msg("rejected")
				c.fail(f.ID, err.Error())
				continue
			}
			c.ack(f)
		default:
			c.fail(f.ID, "unknown frame type "+f.Type)
		}
	}
}

// writePump drains send and keeps the connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Package signal is the WebSocket side of the signaling channel: the buffered
// connection shared by client and hub, and the client bridge.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	writeWait  = 5 * time.Second
	readLimit  = 64 << 10
	sendBuffer = 64
)

// Conn wraps a websocket with a bounded outbound queue drained by WritePump.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	pumping  atomic.Bool
	pumpDone chan struct{}
	doneOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws, send: make(chan []byte, sendBuffer), pumpDone: make(chan struct{})}
}

// TrySend queues data without blocking.
func (c *Conn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

// SendJSON marshals env and queues it.
func (c *Conn) SendJSON(env core.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

// Close stops accepting sends. A running WritePump flushes what is already
// queued, bounded by writeWait, before the socket is closed.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	if c.pumping.Load() {
		t := time.NewTimer(writeWait)
		select {
		case <-c.pumpDone:
		case <-t.C:
		}
		t.Stop()
	}
	_ = c.ws.Close()
}

// Pump runs WritePump on its own goroutine. Close waits for a pump started
// this way even if it has not been scheduled yet.
func (c *Conn) Pump(ctx context.Context, logger *zerolog.Logger) {
	c.pumping.Store(true)
	go c.WritePump(ctx, logger)
}

func (c *Conn) WritePump(ctx context.Context, logger *zerolog.Logger) {
	c.pumping.Store(true)
	defer c.doneOnce.Do(func() { close(c.pumpDone) })
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

// ReadPump decodes envelopes and hands them to handle until the socket fails or ctx ends.
func (c *Conn) ReadPump(ctx context.Context, logger *zerolog.Logger, handle func(core.Envelope)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var env core.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn().Err(err).Msg("bad json")
			continue
		}
		handle(env)
	}
}

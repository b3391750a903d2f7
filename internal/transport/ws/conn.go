package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/meet-signaling/internal/protocol"
	"github.com/park285/meet-signaling/internal/runner"
)

// Conn adapts a websocket connection to runner.Conn. Liveness is checked with
// pings; two missed pongs in a row close the connection as idle.
type Conn struct {
	ws           *websocket.Conn
	pingInterval time.Duration
	pingTimeout  time.Duration

	idle     atomic.Bool
	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newConn(ws *websocket.Conn, pingInterval time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		pingInterval: pingInterval,
		pingTimeout:  3 * time.Second,
		stopCh:       make(chan struct{}),
	}
	if pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return c
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.pingTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.idle.Store(true)
				_ = c.ws.Close(websocket.StatusPolicyViolation, "idle")
				return
			}
		}
	}
}

// Receive reads one text frame. Undecodable frames are reported as
// protocol.ErrMalformed and leave the connection open.
func (c *Conn) Receive(ctx context.Context) (protocol.Incoming, error) {
	typ, raw, err := c.ws.Read(ctx)
	if err != nil {
		switch {
		case c.idle.Load():
			return protocol.Incoming{}, runner.ErrIdle
		case websocket.CloseStatus(err) != -1, c.closed.Load(), errors.Is(err, context.Canceled):
			return protocol.Incoming{}, fmt.Errorf("%w: %v", runner.ErrClosed, err)
		}
		return protocol.Incoming{}, err
	}
	if typ != websocket.MessageText {
		return protocol.Incoming{}, fmt.Errorf("%w: binary frame", protocol.ErrMalformed)
	}
	var in protocol.Incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return protocol.Incoming{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	if in.Namespace == "" {
		return protocol.Incoming{}, fmt.Errorf("%w: missing namespace", protocol.ErrMalformed)
	}
	return in, nil
}

func (c *Conn) Send(ctx context.Context, ev protocol.Outgoing) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, c.ws, ev)
}

func (c *Conn) Close(reason runner.CloseReason) error {
	c.closed.Store(true)
	c.stopOnce.Do(func() { close(c.stopCh) })
	err := c.ws.Close(statusFor(reason), string(reason))
	c.wg.Wait()
	if c.idle.Load() {
		// already closed by the ping loop
		return nil
	}
	return err
}

func statusFor(reason runner.CloseReason) websocket.StatusCode {
	switch reason {
	case runner.CloseNormal, runner.CloseRoomDeleted:
		return websocket.StatusNormalClosure
	case runner.CloseShutdown:
		return websocket.StatusGoingAway
	case runner.CloseError:
		return websocket.StatusInternalError
	default:
		return websocket.StatusPolicyViolation
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/flitsinc/go-objects/internal/actor"
	"github.com/flitsinc/go-objects/internal/gateway"
)

// HibernateReason is the close reason sent when an idle channel suspends.
// Clients reconnect on their next call.
const HibernateReason = "hibernate"

type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var errFrameTooLarge = errors.New("frame too large")

// frameConn reads whole frames but turns an oversized one into
// errFrameTooLarge, after discarding it, instead of failing the connection.
type frameConn struct {
	*websocket.Conn
}

func (c frameConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	typ, r, err := c.Reader(ctx)
	if err != nil {
		return 0, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, maxFrameBytes+1))
	if err != nil {
		return 0, nil, err
	}
	if len(data) > maxFrameBytes {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return 0, nil, err
		}
		return typ, nil, errFrameTooLarge
	}
	return typ, data, nil
}

type dispatchFunc func(ctx context.Context, req gateway.Request) gateway.Response

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, addr actor.Address, parent string) {
	if !s.Limiter.Allow(r) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(-1)

	release := s.Registry.OpenChannel(addr)
	defer release()

	log := s.log().With("kind", addr.Kind, "actor", addr.ID)
	ch := &channel{
		conn: frameConn{conn},
		dispatch: func(ctx context.Context, req gateway.Request) gateway.Response {
			return s.dispatch(ctx, addr, parent, req)
		},
		idle: s.ChannelIdleTimeout,
		log:  log,
	}
	if err := ch.serve(r.Context()); err != nil {
		log.Debugw("channel closed", "error", err)
	}
}

// channel is one duplex connection. Requests are handled concurrently and
// answered in completion order; the actor serializes the actual work.
type channel struct {
	conn     wsConn
	dispatch dispatchFunc
	idle     time.Duration
	log      *zap.SugaredLogger

	inflight   sync.WaitGroup
	pending    atomic.Int32
	lastActive atomic.Int64

	// mu orders frame admission against the suspension decision.
	mu         sync.Mutex
	suspending bool
}

func (c *channel) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// admit counts a received frame as in flight. It fails once the channel
// has decided to suspend; such a frame is never dispatched.
func (c *channel) admit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspending {
		return false
	}
	c.touch()
	c.pending.Add(1)
	c.inflight.Add(1)
	return true
}

// trySuspend commits to suspending when nothing is pending and the channel
// has been idle for the idle timeout.
func (c *channel) trySuspend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending.Load() > 0 {
		return false
	}
	if time.Since(time.Unix(0, c.lastActive.Load())) < c.idle {
		return false
	}
	c.suspending = true
	return true
}

// serve runs until the peer goes away or the channel has been idle, with
// nothing in flight, for the idle timeout.
func (c *channel) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.touch()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := c.conn.Read(ctx)
			tooLarge := errors.Is(err, errFrameTooLarge)
			if err != nil && !tooLarge {
				readErr <- err
				return
			}
			if !c.admit() {
				return
			}
			go c.handle(ctx, data, tooLarge)
		}
	}()

	var tick <-chan time.Time
	if c.idle > 0 {
		interval := c.idle / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case err := <-readErr:
			c.inflight.Wait()
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-tick:
			if !c.trySuspend() {
				continue
			}
			c.inflight.Wait()
			c.log.Debugw("channel idle, suspending")
			return c.conn.Close(websocket.StatusGoingAway, HibernateReason)
		}
	}
}

func (c *channel) handle(ctx context.Context, data []byte, tooLarge bool) {
	defer c.inflight.Done()
	defer c.pending.Add(-1)
	defer c.touch()

	var (
		req  gateway.Request
		resp gateway.Response
	)
	if tooLarge {
		resp = gateway.Response{Error: gateway.Validationf("frame exceeds %d bytes", maxFrameBytes)}
	} else if r, errFrame := gateway.DecodeRequest(data); errFrame != nil {
		resp = *errFrame
	} else {
		req = r
		resp = c.dispatch(ctx, req)
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		payload, _ = json.Marshal(gateway.Response{ID: req.ID, Error: gateway.Internal(err)})
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		c.log.Debugw("write response failed", "error", err)
	}
}

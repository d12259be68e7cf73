// Package client is the caller side of an actor's duplex channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/flitsinc/go-objects/internal/gateway"
	"github.com/flitsinc/go-objects/internal/idgen"
	"github.com/flitsinc/go-objects/internal/logging"
)

var (
	ErrClosed = errors.New("client closed")
	// ErrDisconnected means the channel closed while a call was waiting.
	// The call may or may not have run; retrying is up to the caller.
	ErrDisconnected = errors.New("channel closed before response")
)

// Client multiplexes calls over one channel, matching responses by id. A
// channel suspended by the server is re-dialed on the next call.
type Client struct {
	url string
	log *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*call
	closed  bool
}

type call struct {
	conn *websocket.Conn
	done chan result
}

type result struct {
	raw json.RawMessage
	err error
}

type Option func(*Client)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = logging.OrNop(log) }
}

// Dial connects to a channel URL such as ws://host/objects/kind/id/ws.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:     url,
		log:     zap.NewNop().Sugar(),
		pending: map[string]*call{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 20)
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

// Call sends method with args and waits for the response or ctx. A
// gateway failure is returned as *gateway.Error.
func (c *Client) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	encoded := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		encoded = append(encoded, raw)
	}
	id := idgen.Sortable()
	idJSON, _ := json.Marshal(id)
	frame, err := json.Marshal(gateway.Request{ID: idJSON, Method: method, Args: encoded})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var pc *call
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		conn, err := c.connectLocked(ctx)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		pc = &call{conn: conn, done: make(chan result, 1)}
		c.pending[id] = pc
		c.mu.Unlock()

		err = conn.Write(ctx, websocket.MessageText, frame)
		if err == nil {
			break
		}
		c.mu.Lock()
		delete(c.pending, id)
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		// A failed write never reached the server, so one redial is safe.
		if attempt > 0 || ctx.Err() != nil {
			return nil, fmt.Errorf("send %s: %w", method, err)
		}
	}

	select {
	case res := <-pc.done:
		return res.raw, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	var readErr error
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			readErr = err
			break
		}
		var resp struct {
			ID     json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *gateway.Error  `json:"error"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warnw("undecodable response frame", "error", err)
			continue
		}
		var id string
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			c.log.Warnw("response without call id", "error", resp.Error)
			continue
		}
		c.mu.Lock()
		pc, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if resp.Error != nil {
			pc.done <- result{err: resp.Error}
		} else {
			pc.done <- result{raw: resp.Result}
		}
	}

	if websocket.CloseStatus(readErr) == websocket.StatusGoingAway {
		c.log.Debugw("channel suspended by server", "url", c.url)
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, pc := range c.pending {
		if pc.conn == conn {
			delete(c.pending, id)
			pc.done <- result{err: fmt.Errorf("%w: %v", ErrDisconnected, readErr)}
		}
	}
	c.mu.Unlock()
}

// Close closes the channel and fails waiting calls with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	for id, pc := range c.pending {
		delete(c.pending, id)
		pc.done <- result{err: ErrClosed}
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closed")
}

package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-objects/internal/actor"
	"github.com/flitsinc/go-objects/internal/api"
	"github.com/flitsinc/go-objects/internal/client"
	"github.com/flitsinc/go-objects/internal/gateway"
)

func startServer(t *testing.T, idle time.Duration) string {
	t.Helper()
	reg := actor.NewRegistry(actor.Options{DataDir: t.TempDir()})
	server := &api.Server{Registry: reg, ChannelIdleTimeout: idle}
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = reg.Close(context.Background())
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCallAndErrors(t *testing.T) {
	base := startServer(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, base+"/objects/customer/acme/ws")
	require.NoError(t, err)
	defer c.Close()

	raw, err := c.Call(ctx, "customers.create", map[string]any{"name": "Acme"})
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.Equal(t, "Acme", created["name"])

	raw, err = c.Call(ctx, "customers.count")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, string(raw))

	_, err = c.Call(ctx, "customers.explode")
	var rpcErr *gateway.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, gateway.CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, "customers.explode", rpcErr.Method)
}

func TestReconnectAfterSuspension(t *testing.T) {
	base := startServer(t, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, base+"/objects/customer/acme/ws")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(ctx, "orders.create", map[string]any{"n": 1})
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	raw, err := c.Call(ctx, "orders.count")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, string(raw))
}

func TestCallerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := client.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, "system.ping")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCallAfterClose(t *testing.T) {
	base := startServer(t, time.Minute)
	c, err := client.Dial(context.Background(), base+"/objects/customer/acme/ws")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Call(context.Background(), "system.ping")
	assert.True(t, errors.Is(err, client.ErrClosed))
}

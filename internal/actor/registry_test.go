package actor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-objects/internal/state"
)

func newTestRegistry(t *testing.T, dir string, opts Options) *Registry {
	t.Helper()
	opts.DataDir = dir
	r := NewRegistry(opts)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func count(t *testing.T, r *Registry, addr Address, collection string) int {
	t.Helper()
	res, err := r.Dispatch(context.Background(), addr, "", collection+".count", nil)
	require.NoError(t, err)
	return res.(map[string]int)["count"]
}

func TestDispatchPersistsAcrossActivations(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), Options{})
	ctx := context.Background()
	acme := Address{Kind: "customer", ID: "acme"}

	created, err := r.Dispatch(ctx, acme, "", "orders.create", []json.RawMessage{raw(t, map[string]any{"total": 42})})
	require.NoError(t, err)
	id := created.(map[string]any)["id"].(string)
	assert.Equal(t, []Address{acme}, r.Active())

	require.NoError(t, r.Deactivate(acme))
	assert.Empty(t, r.Active())

	got, err := r.Dispatch(ctx, acme, "", "orders.get", []json.RawMessage{raw(t, id)})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("42"), got.(map[string]any)["total"])
}

func TestExplicitFlushReachesLocalParent(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), Options{
		Kinds: []Kind{{Name: "customer", Parent: "org/main"}, {Name: "org"}},
	})
	ctx := context.Background()
	acme := Address{Kind: "customer", ID: "acme"}
	org := Address{Kind: "org", ID: "main"}

	_, err := r.Dispatch(ctx, acme, "", "customers.create", []json.RawMessage{raw(t, map[string]any{"name": "Acme"})})
	require.NoError(t, err)

	res, err := r.Dispatch(ctx, acme, "", "cdc.flush", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"flushed": 1}, res)

	events, err := r.Dispatch(ctx, org, "", "cdc.list", nil)
	require.NoError(t, err)
	list := events.([]state.Event)
	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0].Source)
	assert.Equal(t, "customers", list[0].Collection)
	assert.False(t, list[0].Flushed)
}

func TestAutoFlush(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), Options{
		Kinds:      []Kind{{Name: "customer", Parent: "org/main"}, {Name: "org"}},
		FlushDelay: 10 * time.Millisecond,
	})
	ctx := context.Background()
	acme := Address{Kind: "customer", ID: "acme"}
	org := Address{Kind: "org", ID: "main"}

	_, err := r.Dispatch(ctx, acme, "", "customers.create", []json.RawMessage{raw(t, map[string]any{"name": "Acme"})})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := r.Dispatch(ctx, org, "", "cdc.list", nil)
		return err == nil && len(events.([]state.Event)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownKindAndBadAddresses(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), Options{Kinds: []Kind{{Name: "customer"}}})
	ctx := context.Background()

	_, err := r.Get(ctx, Address{Kind: "invoice", ID: "x"}, "")
	assert.True(t, errors.Is(err, ErrUnknownKind))

	_, err = r.Get(ctx, Address{Kind: "customer", ID: "../etc"}, "")
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = r.Get(ctx, Address{Kind: "customer", ID: "acme"}, "customer/acme")
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = r.Get(ctx, Address{Kind: "customer", ID: "acme"}, "not a ref")
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestParentIsFixedAtCreation(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), Options{})
	ctx := context.Background()
	acme := Address{Kind: "customer", ID: "acme"}

	a, err := r.Get(ctx, acme, "org/first")
	require.NoError(t, err)
	assert.Equal(t, "org/first", a.Identity().ParentRef)

	require.NoError(t, r.Deactivate(acme))
	a, err = r.Get(ctx, acme, "org/second")
	require.NoError(t, err)
	assert.Equal(t, "org/first", a.Identity().ParentRef)
}

func TestAlarmRunsGatewayMethod(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), Options{})
	ctx := context.Background()
	acme := Address{Kind: "customer", ID: "acme"}

	_, err := r.Dispatch(ctx, acme, "", "schedule", []json.RawMessage{
		raw(t, 0.05),
		raw(t, "orders.create"),
		raw(t, []any{map[string]any{"total": 1}}),
	})
	require.NoError(t, err)
	_, armed := r.AlarmAt(acme)
	assert.True(t, armed)

	require.Eventually(t, func() bool { return count(t, r, acme, "orders") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, armed := r.AlarmAt(acme)
		return !armed
	}, time.Second, 10*time.Millisecond)
}

func TestAlarmReactivatesActor(t *testing.T) {
	var fired []string
	done := make(chan struct{})
	r := newTestRegistry(t, t.TempDir(), Options{
		Kinds: []Kind{{
			Name: "customer",
			Callbacks: map[string]Callback{
				"remind": func(ctx context.Context, invoke Invoker, payload json.RawMessage, meta state.Schedule) error {
					fired = append(fired, meta.Callback)
					_, err := invoke(ctx, "reminders.create", []json.RawMessage{payload})
					close(done)
					return err
				},
			},
		}},
	})
	ctx := context.Background()
	acme := Address{Kind: "customer", ID: "acme"}

	_, err := r.Dispatch(ctx, acme, "", "schedule", []json.RawMessage{raw(t, 0.1), raw(t, "remind"), raw(t, map[string]any{"to": "ops"})})
	require.NoError(t, err)
	require.NoError(t, r.Deactivate(acme))
	assert.Empty(t, r.Active())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("alarm did not fire")
	}
	assert.Equal(t, []string{"remind"}, fired)
	assert.Equal(t, 1, count(t, r, acme, "reminders"))
}

func TestReapSkipsOpenChannels(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), Options{IdleTimeout: time.Minute})
	ctx := context.Background()
	acme := Address{Kind: "customer", ID: "acme"}
	beta := Address{Kind: "customer", ID: "beta"}

	_, err := r.Get(ctx, acme, "")
	require.NoError(t, err)
	_, err = r.Get(ctx, beta, "")
	require.NoError(t, err)

	release := r.OpenChannel(acme)
	st := r.Stats()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 1, st.Channels)
	assert.Equal(t, map[string]int{"customer": 2}, st.ByKind)
	assert.Equal(t, 0, r.Reap(time.Now()))
	assert.Equal(t, 1, r.Reap(time.Now().Add(time.Hour)))
	assert.Equal(t, []Address{acme}, r.Active())

	release()
	release()
	assert.Equal(t, 1, r.Reap(time.Now().Add(time.Hour)))
	assert.Empty(t, r.Active())
}

func TestResumeRearmsAlarms(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	acme := Address{Kind: "customer", ID: "acme"}

	first := NewRegistry(Options{DataDir: dir})
	_, err := first.Dispatch(ctx, acme, "", "schedule", []json.RawMessage{raw(t, 3600), raw(t, "cdc.flush")})
	require.NoError(t, err)
	_, err = first.Dispatch(ctx, Address{Kind: "org", ID: "main"}, "", "system.ping", nil)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := newTestRegistry(t, dir, Options{})
	n, err := second.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	at, armed := second.AlarmAt(acme)
	require.True(t, armed)
	assert.WithinDuration(t, time.Now().Add(time.Hour), at, time.Minute)
}

func TestPayloadArgs(t *testing.T) {
	args, err := payloadArgs(nil)
	require.NoError(t, err)
	assert.Nil(t, args)

	args, err = payloadArgs(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, []json.RawMessage{json.RawMessage(`{"a":1}`)}, args)

	args, err = payloadArgs(json.RawMessage(`["x", 2]`))
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.JSONEq(t, `"x"`, string(args[0]))
}

package cdc_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flitsinc/go-objects/internal/cdc"
	"github.com/flitsinc/go-objects/internal/state"
	"github.com/flitsinc/go-objects/internal/testutil"
)

type recordingDeliverer struct {
	batches []cdc.Batch
	refs    []string
	fail    func(call int) error
	calls   int
}

func (d *recordingDeliverer) Deliver(_ context.Context, parentRef string, batch cdc.Batch) error {
	d.calls++
	if d.fail != nil {
		if err := d.fail(d.calls); err != nil {
			return err
		}
	}
	d.refs = append(d.refs, parentRef)
	d.batches = append(d.batches, batch)
	return nil
}

func createN(t *testing.T, store *state.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _, err := store.Create(context.Background(), "customers", json.RawMessage(`{"i":1}`))
		require.NoError(t, err)
	}
}

func TestFlushWithoutParentIsLocallyTerminal(t *testing.T) {
	store := testutil.OpenTestStore(t, state.Identity{ID: "root", Kind: "org"})
	d := &recordingDeliverer{}
	b := cdc.NewBubbler(store, d)
	ctx := context.Background()

	n, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	createN(t, store, 2)
	n, err = b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, d.calls)

	pending, err := store.Unflushed(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlushDeliversOnceThenIsIdempotent(t *testing.T) {
	store := testutil.OpenTestStore(t, state.Identity{ID: "acme", Kind: "customer", ParentRef: "org/main"})
	d := &recordingDeliverer{}
	b := cdc.NewBubbler(store, d)
	ctx := context.Background()

	createN(t, store, 3)
	n, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, d.batches, 1)
	assert.Equal(t, "org/main", d.refs[0])
	assert.Equal(t, "acme", d.batches[0].SourceActorID)
	require.Len(t, d.batches[0].Events, 3)
	for i := 1; i < 3; i++ {
		assert.Greater(t, d.batches[0].Events[i].Seq, d.batches[0].Events[i-1].Seq)
	}

	n, err = b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, d.calls, "second flush must not deliver")
}

func TestFlushFailureLeavesEventsUnflushed(t *testing.T) {
	store := testutil.OpenTestStore(t, state.Identity{ID: "acme", Kind: "customer", ParentRef: "org/main"})
	d := &recordingDeliverer{fail: func(int) error { return errors.New("parent down") }}
	b := cdc.NewBubbler(store, d)
	ctx := context.Background()

	createN(t, store, 2)
	n, err := b.Flush(ctx)
	assert.ErrorIs(t, err, cdc.ErrDelivery)
	assert.Equal(t, 0, n)

	pending, err := store.Unflushed(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	d.fail = nil
	n, err = b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFlushOrderAcrossPartialFailures(t *testing.T) {
	store := testutil.OpenTestStore(t, state.Identity{ID: "acme", Kind: "customer", ParentRef: "org/main"})
	// Second delivery call fails once.
	d := &recordingDeliverer{fail: func(call int) error {
		if call == 2 {
			return errors.New("flaky")
		}
		return nil
	}}
	b := cdc.NewBubbler(store, d, cdc.WithMaxBatch(2))
	ctx := context.Background()

	createN(t, store, 5)
	n, err := b.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var seqs []int64
	for _, batch := range d.batches {
		for _, evt := range batch.Events {
			seqs = append(seqs, evt.Seq)
		}
	}
	require.Len(t, seqs, 5)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "delivered out of order: %v", seqs)
	}
}

func TestHTTPDeliveryCarriesTraceContext(t *testing.T) {
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() { otel.SetTextMapPropagator(prevProp) })
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceparent := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent <- r.Header.Get("traceparent")
		_, _ = w.Write([]byte(`{"result":{"accepted":1,"duplicates":0}}`))
	}))
	defer srv.Close()

	store := testutil.OpenTestStore(t, state.Identity{ID: "acme", Kind: "customer", ParentRef: srv.URL + "/objects/org/main"})
	router := &cdc.Router{HTTP: &cdc.HTTPDeliverer{Client: srv.Client()}}
	createN(t, store, 1)

	n, err := cdc.NewBubbler(store, router).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "cdc.deliver", ended[0].Name())
	assert.Contains(t, <-traceparent, ended[0].SpanContext().TraceID().String())
}

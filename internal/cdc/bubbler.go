package cdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/flitsinc/go-objects/internal/logging"
	"github.com/flitsinc/go-objects/internal/metrics"
	"github.com/flitsinc/go-objects/internal/state"
)

var ErrDelivery = errors.New("cdc delivery failed")

var tracer = otel.Tracer("github.com/flitsinc/go-objects/internal/cdc")

// Batch is the payload of a cdc.ingest call on the parent.
type Batch struct {
	SourceActorID string        `json:"sourceActorId"`
	Events        []state.Event `json:"events"`
}

// Deliverer ships a batch to the actor (or sink) addressed by parentRef.
type Deliverer interface {
	Deliver(ctx context.Context, parentRef string, batch Batch) error
}

// Bubbler moves unflushed change events to the actor's parent. It runs on
// the owning actor goroutine, next to the Store it reads.
type Bubbler struct {
	store     *state.Store
	deliverer Deliverer
	log       *zap.SugaredLogger

	maxBatch int
	timeout  time.Duration
}

type Option func(*Bubbler)

// WithMaxBatch caps the events per delivery call. Zero sends everything
// unflushed in one call.
func WithMaxBatch(n int) Option {
	return func(b *Bubbler) { b.maxBatch = n }
}

// WithTimeout bounds each delivery call.
func WithTimeout(d time.Duration) Option {
	return func(b *Bubbler) { b.timeout = d }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(b *Bubbler) { b.log = logging.OrNop(log) }
}

func NewBubbler(store *state.Store, deliverer Deliverer, opts ...Option) *Bubbler {
	b := &Bubbler{
		store:     store,
		deliverer: deliverer,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Flush delivers unflushed events in seq order and returns how many were
// marked flushed. Without a parent the events are marked flushed locally.
// A failed delivery leaves that batch and everything after it unflushed and
// returns an error wrapping ErrDelivery; batches delivered before the
// failure stay flushed.
func (b *Bubbler) Flush(ctx context.Context) (int, error) {
	identity := b.store.Identity()
	total := 0
	for {
		events, err := b.store.Unflushed(ctx, b.maxBatch)
		if err != nil {
			return total, err
		}
		if len(events) == 0 {
			return total, nil
		}
		last := events[len(events)-1].Seq

		if identity.ParentRef != "" {
			if err := b.deliver(ctx, identity, events); err != nil {
				metrics.DeliveryFailures.Inc()
				b.log.Warnw("cdc delivery failed",
					"actor", identity.ID,
					"parent", identity.ParentRef,
					"events", len(events),
					"first_seq", events[0].Seq,
					"error", err,
				)
				return total, fmt.Errorf("%w: %s: %v", ErrDelivery, identity.ParentRef, err)
			}
		}

		n, err := b.store.MarkFlushed(ctx, last)
		if err != nil {
			return total, err
		}
		metrics.FlushedEvents.Add(float64(n))
		total += n
		if b.maxBatch <= 0 || len(events) < b.maxBatch {
			return total, nil
		}
	}
}

func (b *Bubbler) deliver(ctx context.Context, identity state.Identity, events []state.Event) error {
	if b.deliverer == nil {
		return errors.New("no deliverer configured")
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "cdc.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("cdc.parent", identity.ParentRef),
		attribute.Int("cdc.events", len(events)),
		attribute.Int64("cdc.first_seq", events[0].Seq),
	)
	err := b.deliverer.Deliver(ctx, identity.ParentRef, Batch{SourceActorID: identity.ID, Events: events})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

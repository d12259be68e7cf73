package actor

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flitsinc/go-objects/internal/cdc"
	"github.com/flitsinc/go-objects/internal/eventbus"
	"github.com/flitsinc/go-objects/internal/gateway"
	"github.com/flitsinc/go-objects/internal/logging"
	"github.com/flitsinc/go-objects/internal/scheduler"
	"github.com/flitsinc/go-objects/internal/state"
)

var ErrClosed = errors.New("actor is deactivated")

const maxFlushBackoff = time.Minute

// Invoker runs a gateway method on the actor goroutine it is handed to.
type Invoker func(ctx context.Context, method string, args []json.RawMessage) (any, error)

// Callback is a kind-specific scheduled callback. It runs on the actor
// goroutine and must use invoke, not the Registry, to touch its own actor.
type Callback func(ctx context.Context, invoke Invoker, payload json.RawMessage, meta state.Schedule) error

// Address names one actor.
type Address struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (a Address) String() string { return eventbus.StreamName(a.Kind, a.ID) }

// Actor owns one actor's database. Every dispatch, alarm fire and flush
// runs on its goroutine, one at a time.
type Actor struct {
	addr     Address
	identity state.Identity
	log      *zap.SugaredLogger

	db      *sql.DB
	store   *state.Store
	sched   *scheduler.Scheduler
	bubbler *cdc.Bubbler
	gw      *gateway.Gateway

	callbacks map[string]Callback
	bus       *eventbus.Bus

	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once

	flushDelay    time.Duration
	flushTimer    *time.Timer
	flushFailures int

	pending    atomic.Int32
	lastActive atomic.Int64
	nowFn      func() time.Time
}

type actorConfig struct {
	addr       Address
	parent     string
	db         *sql.DB
	alarm      scheduler.Alarm
	deliverer  cdc.Deliverer
	callbacks  map[string]Callback
	bus        *eventbus.Bus
	log        *zap.SugaredLogger
	flushDelay time.Duration
	timeout    time.Duration
	listLimit  int
	nowFn      func() time.Time
}

func open(ctx context.Context, cfg actorConfig) (*Actor, error) {
	if cfg.nowFn == nil {
		cfg.nowFn = func() time.Time { return time.Now().UTC() }
	}
	log := logging.OrNop(cfg.log).With("kind", cfg.addr.Kind, "actor", cfg.addr.ID)
	store := state.NewStore(cfg.db, state.WithClock(cfg.nowFn))
	identity, err := store.Init(ctx, state.Identity{ID: cfg.addr.ID, Kind: cfg.addr.Kind, ParentRef: cfg.parent})
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", cfg.addr, err)
	}

	a := &Actor{
		addr:       cfg.addr,
		identity:   identity,
		log:        log,
		db:         cfg.db,
		store:      store,
		callbacks:  cfg.callbacks,
		bus:        cfg.bus,
		mailbox:    make(chan func(), 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		flushDelay: cfg.flushDelay,
		nowFn:      cfg.nowFn,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.sched = scheduler.New(store, cfg.alarm, a.lookup,
		scheduler.WithClock(cfg.nowFn),
		scheduler.WithLogger(log),
	)
	a.bubbler = cdc.NewBubbler(store, cfg.deliverer,
		cdc.WithTimeout(cfg.timeout),
		cdc.WithLogger(log),
	)
	a.gw = gateway.New(store, a.sched, a.bubbler,
		gateway.WithNamespace(cfg.addr.Kind),
		gateway.WithChangeHook(a.onChange),
		gateway.WithListLimit(cfg.listLimit),
		gateway.WithClock(cfg.nowFn),
		gateway.WithLogger(log),
	)
	if err := a.sched.Rearm(ctx); err != nil {
		return nil, fmt.Errorf("rearm %s: %w", cfg.addr, err)
	}
	backlog, err := store.Unflushed(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("check backlog %s: %w", cfg.addr, err)
	}
	if len(backlog) > 0 {
		a.armFlush(a.flushDelay)
	}
	a.touch()
	go a.run()
	return a, nil
}

func (a *Actor) Address() Address { return a.addr }

func (a *Actor) Identity() state.Identity { return a.identity }

func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case job := <-a.mailbox:
			job()
			a.touch()
		case <-a.quit:
			return
		}
	}
}

func (a *Actor) touch() { a.lastActive.Store(a.nowFn().UnixNano()) }

// idleFor reports how long the actor has had nothing queued or running.
func (a *Actor) idleFor(now time.Time) time.Duration {
	if a.pending.Load() > 0 {
		return 0
	}
	return now.Sub(time.Unix(0, a.lastActive.Load()))
}

func (a *Actor) submit(ctx context.Context, job func()) error {
	select {
	case <-a.quit:
		return ErrClosed
	default:
	}
	select {
	case a.mailbox <- job:
		return nil
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch runs method on the actor goroutine and waits for its result.
func (a *Actor) Dispatch(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	a.pending.Add(1)
	defer a.pending.Add(-1)

	out := make(chan outcome, 1)
	err := a.submit(ctx, func() {
		if err := ctx.Err(); err != nil {
			out <- outcome{err: err}
			return
		}
		result, err := a.gw.Dispatch(ctx, method, args)
		out <- outcome{result: result, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case o := <-out:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		select {
		case o := <-out:
			return o.result, o.err
		default:
			return nil, ErrClosed
		}
	}
}

// Handle is Dispatch in frame form.
func (a *Actor) Handle(ctx context.Context, req gateway.Request) gateway.Response {
	result, err := a.Dispatch(ctx, req.Method, req.Args)
	if err != nil {
		return gateway.Response{ID: req.ID, Error: gateway.AsError(err)}
	}
	return gateway.Response{ID: req.ID, Result: result}
}

// fire runs the scheduler's due callbacks. It is queued by the host alarm.
func (a *Actor) fire() error {
	return a.submit(a.ctx, func() {
		report, err := a.sched.OnFire(a.ctx)
		if err != nil {
			a.log.Errorw("schedule pass failed", "error", err)
			return
		}
		if report.Fired > 0 {
			a.log.Debugw("schedules fired", "fired", report.Fired, "failed", report.Failed)
		}
	})
}

// lookup resolves kind callbacks first, then any gateway method, which gets
// the payload as its argument list.
func (a *Actor) lookup(name string) (scheduler.Callback, bool) {
	if cb, ok := a.callbacks[name]; ok {
		return func(ctx context.Context, payload json.RawMessage, meta state.Schedule) error {
			return cb(ctx, a.gw.Dispatch, payload, meta)
		}, true
	}
	if !a.gw.Resolves(name) {
		return nil, false
	}
	return func(ctx context.Context, payload json.RawMessage, _ state.Schedule) error {
		args, err := payloadArgs(payload)
		if err != nil {
			return err
		}
		_, err = a.gw.Dispatch(ctx, name, args)
		return err
	}, true
}

func payloadArgs(payload json.RawMessage) ([]json.RawMessage, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, nil
	}
	if payload[0] != '[' {
		return []json.RawMessage{payload}, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, fmt.Errorf("decode payload args: %w", err)
	}
	return args, nil
}

// onChange runs on the actor goroutine after a committed mutation.
func (a *Actor) onChange(events []state.Event) {
	if a.bus != nil {
		a.bus.Publish(a.addr.String(), events)
	}
	a.armFlush(a.flushDelay)
}

func (a *Actor) armFlush(delay time.Duration) {
	if a.flushDelay <= 0 || a.flushTimer != nil {
		return
	}
	a.flushTimer = time.AfterFunc(delay, func() {
		if err := a.submit(a.ctx, a.autoFlush); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			a.log.Warnw("queue auto flush", "error", err)
		}
	})
}

func (a *Actor) autoFlush() {
	a.flushTimer = nil
	n, err := a.bubbler.Flush(a.ctx)
	if err != nil {
		a.flushFailures++
		backoff := a.flushDelay << min(a.flushFailures, 6)
		if backoff > maxFlushBackoff {
			backoff = maxFlushBackoff
		}
		a.log.Warnw("auto flush failed", "error", err, "retry_in", backoff.String())
		a.armFlush(backoff)
		return
	}
	a.flushFailures = 0
	if n > 0 {
		a.log.Debugw("auto flush", "flushed", n)
	}
}

// Close stops the goroutine after the running job and closes the
// database. Queued jobs fail with ErrClosed. Unflushed events stay in the
// log and are picked up on the next activation.
func (a *Actor) Close() error {
	var err error
	a.once.Do(func() {
		close(a.quit)
		<-a.done
		if a.flushTimer != nil {
			a.flushTimer.Stop()
			a.flushTimer = nil
		}
		a.cancel()
		err = a.db.Close()
	})
	return err
}

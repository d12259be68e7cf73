package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flitsinc/go-objects/internal/cdc"
	"github.com/flitsinc/go-objects/internal/eventbus"
	"github.com/flitsinc/go-objects/internal/idgen"
	"github.com/flitsinc/go-objects/internal/logging"
	"github.com/flitsinc/go-objects/internal/metrics"
	"github.com/flitsinc/go-objects/internal/state"
)

var (
	ErrUnknownKind    = errors.New("unknown actor kind")
	ErrInvalidAddress = errors.New("invalid actor address")
	ErrRegistryClosed = errors.New("registry is closed")
)

const dbSuffix = ".db"

// Kind declares an actor kind. Parent is the parentRef template for new
// actors of this kind; "{id}" is replaced by the actor id.
type Kind struct {
	Name      string
	Parent    string
	Callbacks map[string]Callback
}

type Options struct {
	DataDir string
	// Kinds restricts which kinds may be activated. Empty allows any valid
	// kind name with no parent template.
	Kinds []Kind

	IdleTimeout     time.Duration
	FlushDelay      time.Duration
	DeliveryTimeout time.Duration
	ListLimit       int

	Bus        *eventbus.Bus
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
	Clock      func() time.Time
}

// Registry activates actors on demand and deactivates idle ones. Host
// alarms live here, so a pending schedule wakes its actor even after it was
// deactivated.
type Registry struct {
	opts   Options
	kinds  map[string]Kind
	router *cdc.Router
	kafka  *cdc.KafkaDeliverer
	bus    *eventbus.Bus
	log    *zap.SugaredLogger
	nowFn  func() time.Time

	mu       sync.Mutex
	closed   bool
	actors   map[Address]*slot
	alarms   map[Address]*hostTimer
	channels map[Address]int
}

type slot struct {
	ready chan struct{}
	actor *Actor
	err   error
}

type hostTimer struct {
	timer *time.Timer
	at    time.Time
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		opts:     opts,
		kinds:    map[string]Kind{},
		kafka:    cdc.NewKafkaDeliverer(),
		bus:      opts.Bus,
		log:      logging.OrNop(opts.Logger),
		nowFn:    opts.Clock,
		actors:   map[Address]*slot{},
		alarms:   map[Address]*hostTimer{},
		channels: map[Address]int{},
	}
	if r.nowFn == nil {
		r.nowFn = func() time.Time { return time.Now().UTC() }
	}
	if r.bus == nil {
		r.bus = eventbus.NewBus()
	}
	for _, k := range opts.Kinds {
		r.kinds[k.Name] = k
	}
	r.router = &cdc.Router{
		Local: r,
		HTTP:  &cdc.HTTPDeliverer{Client: opts.HTTPClient},
		Kafka: r.kafka,
	}
	return r
}

func (r *Registry) Bus() *eventbus.Bus { return r.bus }

// Validate checks addr and returns the parentRef a new actor at addr
// would be created with. An explicit parent wins over the kind template.
func (r *Registry) Validate(addr Address, parent string) (string, error) {
	if err := idgen.ValidateActorName(addr.Kind); err != nil {
		return "", fmt.Errorf("%w: kind: %v", ErrInvalidAddress, err)
	}
	if err := idgen.ValidateActorName(addr.ID); err != nil {
		return "", fmt.Errorf("%w: id: %v", ErrInvalidAddress, err)
	}
	kind, known := r.kinds[addr.Kind]
	if len(r.kinds) > 0 && !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, addr.Kind)
	}
	parent = strings.TrimSpace(parent)
	if parent == "" && kind.Parent != "" {
		parent = strings.ReplaceAll(kind.Parent, "{id}", addr.ID)
	}
	if parent == "" {
		return "", nil
	}
	ref, err := cdc.ParseParentRef(parent)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if ref.Scheme == cdc.SchemeLocal && ref.Kind == addr.Kind && ref.ID == addr.ID {
		return "", fmt.Errorf("%w: %s cannot be its own parent", ErrInvalidAddress, addr)
	}
	return parent, nil
}

// Get returns the active actor at addr, activating it if needed. parent is
// only used when the actor's database is created.
func (r *Registry) Get(ctx context.Context, addr Address, parent string) (*Actor, error) {
	parent, err := r.Validate(addr, parent)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	s, ok := r.actors[addr]
	if ok {
		r.mu.Unlock()
		select {
		case <-s.ready:
			return s.actor, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s = &slot{ready: make(chan struct{})}
	r.actors[addr] = s
	r.mu.Unlock()

	s.actor, s.err = r.activate(ctx, addr, parent)
	close(s.ready)
	if s.err != nil {
		r.mu.Lock()
		if r.actors[addr] == s {
			delete(r.actors, addr)
		}
		r.mu.Unlock()
		return nil, s.err
	}
	metrics.ActiveActors.Inc()
	r.log.Infow("actor activated", "kind", addr.Kind, "actor", addr.ID, "parent", s.actor.Identity().ParentRef)
	return s.actor, nil
}

func (r *Registry) activate(ctx context.Context, addr Address, parent string) (*Actor, error) {
	db, err := state.Open(r.path(addr))
	if err != nil {
		return nil, err
	}
	a, err := open(ctx, actorConfig{
		addr:       addr,
		parent:     parent,
		db:         db,
		alarm:      &hostAlarm{registry: r, addr: addr},
		deliverer:  r.router,
		callbacks:  r.kinds[addr.Kind].Callbacks,
		bus:        r.bus,
		log:        r.log,
		flushDelay: r.opts.FlushDelay,
		timeout:    r.opts.DeliveryTimeout,
		listLimit:  r.opts.ListLimit,
		nowFn:      r.nowFn,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (r *Registry) path(addr Address) string {
	return filepath.Join(r.opts.DataDir, addr.Kind, addr.ID+dbSuffix)
}

// Dispatch runs method on the actor at addr. A call that races with
// deactivation is retried once on a fresh activation.
func (r *Registry) Dispatch(ctx context.Context, addr Address, parent, method string, args []json.RawMessage) (any, error) {
	for attempt := 0; ; attempt++ {
		a, err := r.Get(ctx, addr, parent)
		if err != nil {
			return nil, err
		}
		result, err := a.Dispatch(ctx, method, args)
		if errors.Is(err, ErrClosed) && attempt == 0 {
			continue
		}
		return result, err
	}
}

// DeliverLocal hands a child's batch to the parent's cdc.ingest.
func (r *Registry) DeliverLocal(ctx context.Context, kind, id string, batch cdc.Batch) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	_, err = r.Dispatch(ctx, Address{Kind: kind, ID: id}, "", "cdc.ingest", []json.RawMessage{raw})
	return err
}

// Deactivate closes the actor at addr if it is active. Its alarm stays
// armed.
func (r *Registry) Deactivate(addr Address) error {
	r.mu.Lock()
	s, ok := r.actors[addr]
	if !ok || !isReady(s) || s.actor == nil {
		r.mu.Unlock()
		return nil
	}
	delete(r.actors, addr)
	r.mu.Unlock()

	metrics.ActiveActors.Dec()
	r.log.Infow("actor deactivated", "kind", addr.Kind, "actor", addr.ID)
	return s.actor.Close()
}

func isReady(s *slot) bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Active lists the addresses of activated actors.
func (r *Registry) Active() []Address {
	r.mu.Lock()
	out := make([]Address, 0, len(r.actors))
	for addr, s := range r.actors {
		if isReady(s) && s.actor != nil {
			out = append(out, addr)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// OpenChannel marks a duplex channel open on addr; an actor with open
// channels is never reaped. Call the returned func when the channel closes.
func (r *Registry) OpenChannel(addr Address) func() {
	r.mu.Lock()
	r.channels[addr]++
	r.mu.Unlock()
	metrics.OpenChannels.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.channels[addr] <= 1 {
				delete(r.channels, addr)
			} else {
				r.channels[addr]--
			}
			r.mu.Unlock()
			metrics.OpenChannels.Dec()
		})
	}
}

// Reap deactivates actors idle for at least the idle timeout with no open
// channel. It returns how many were deactivated.
func (r *Registry) Reap(now time.Time) int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	r.mu.Lock()
	var idle []Address
	for addr, s := range r.actors {
		if !isReady(s) || s.actor == nil || r.channels[addr] > 0 {
			continue
		}
		if s.actor.idleFor(now) >= r.opts.IdleTimeout {
			idle = append(idle, addr)
		}
	}
	r.mu.Unlock()

	for _, addr := range idle {
		if err := r.Deactivate(addr); err != nil {
			r.log.Warnw("deactivate failed", "kind", addr.Kind, "actor", addr.ID, "error", err)
		}
	}
	return len(idle)
}

// Run reaps idle actors until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if r.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := r.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Reap(r.nowFn())
		}
	}
}

// Resume activates every actor found under the data directory so their
// alarms are armed again and unflushed events get delivered. Actors that
// fail to open are logged and skipped.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	kindDirs, err := os.ReadDir(r.opts.DataDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read data dir: %w", err)
	}
	resumed := 0
	for _, kd := range kindDirs {
		if !kd.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(r.opts.DataDir, kd.Name()))
		if err != nil {
			return resumed, fmt.Errorf("read kind dir %s: %w", kd.Name(), err)
		}
		for _, f := range files {
			id, ok := strings.CutSuffix(f.Name(), dbSuffix)
			if f.IsDir() || !ok {
				continue
			}
			addr := Address{Kind: kd.Name(), ID: id}
			if _, err := r.Get(ctx, addr, ""); err != nil {
				r.log.Warnw("resume failed", "kind", addr.Kind, "actor", addr.ID, "error", err)
				continue
			}
			resumed++
		}
	}
	return resumed, nil
}

// Close flushes and closes every active actor and stops all alarms.
func (r *Registry) Close(ctx context.Context) error {
	for _, addr := range r.Active() {
		if _, err := r.Dispatch(ctx, addr, "", "cdc.flush", nil); err != nil {
			r.log.Warnw("flush on shutdown failed", "kind", addr.Kind, "actor", addr.ID, "error", err)
		}
	}

	r.mu.Lock()
	r.closed = true
	for addr, t := range r.alarms {
		t.timer.Stop()
		delete(r.alarms, addr)
	}
	var actors []*Actor
	for addr, s := range r.actors {
		if isReady(s) && s.actor != nil {
			actors = append(actors, s.actor)
		}
		delete(r.actors, addr)
	}
	r.mu.Unlock()

	var errs []error
	for _, a := range actors {
		metrics.ActiveActors.Dec()
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.kafka.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time view of the registry for diagnostics.
type Stats struct {
	Active   int            `json:"active"`
	ByKind   map[string]int `json:"by_kind"`
	Alarms   int            `json:"alarms"`
	Channels int            `json:"channels"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{ByKind: map[string]int{}, Alarms: len(r.alarms)}
	for addr, s := range r.actors {
		if isReady(s) && s.actor != nil {
			st.Active++
			st.ByKind[addr.Kind]++
		}
	}
	for _, n := range r.channels {
		st.Channels += n
	}
	return st
}

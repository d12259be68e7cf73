package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/flitsinc/go-objects/internal/cdc"
	"github.com/flitsinc/go-objects/internal/idgen"
	"github.com/flitsinc/go-objects/internal/logging"
	"github.com/flitsinc/go-objects/internal/metrics"
	"github.com/flitsinc/go-objects/internal/scheduler"
	"github.com/flitsinc/go-objects/internal/state"
)

// Handler executes one resolved method.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

type collectionHandler func(ctx context.Context, collection string, args []json.RawMessage) (any, error)

// ChangeHook observes events committed by a dispatch.
type ChangeHook func(events []state.Event)

var tracer = otel.Tracer("github.com/flitsinc/go-objects/internal/gateway")

// Gateway routes method names to handlers over one actor's state. It holds
// no locks; the owning actor serializes calls.
type Gateway struct {
	store   *state.Store
	sched   *scheduler.Scheduler
	bubbler *cdc.Bubbler
	log     *zap.SugaredLogger

	fixed      map[string]Handler
	actions    map[string]collectionHandler
	namespaces []string

	onChange  ChangeHook
	listLimit int
	nowFn     func() time.Time
}

type Option func(*Gateway)

// WithNamespace adds a prefix callers may put in front of any method,
// e.g. the actor kind: "customer.identity.get".
func WithNamespace(ns string) Option {
	return func(g *Gateway) {
		if ns != "" {
			g.namespaces = append(g.namespaces, ns)
		}
	}
}

func WithChangeHook(hook ChangeHook) Option {
	return func(g *Gateway) { g.onChange = hook }
}

func WithListLimit(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.listLimit = n
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(g *Gateway) {
		if nowFn != nil {
			g.nowFn = nowFn
		}
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(g *Gateway) { g.log = logging.OrNop(log) }
}

func New(store *state.Store, sched *scheduler.Scheduler, bubbler *cdc.Bubbler, opts ...Option) *Gateway {
	g := &Gateway{
		store:      store,
		sched:      sched,
		bubbler:    bubbler,
		log:        zap.NewNop().Sugar(),
		namespaces: []string{"$"},
		listLimit:  100,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.fixed = map[string]Handler{
		"identity.get":    g.identityGet,
		"system.ping":     g.systemPing,
		"system.schema":   g.systemSchema,
		"schedule":        g.scheduleCreate,
		"schedule.cancel": g.scheduleCancel,
		"schedule.list":   g.scheduleList,
		"cdc.flush":       g.cdcFlush,
		"cdc.ingest":      g.cdcIngest,
		"cdc.list":        g.cdcList,
	}
	g.actions = map[string]collectionHandler{
		"list":   g.collectionList,
		"get":    g.collectionGet,
		"create": g.collectionCreate,
		"update": g.collectionUpdate,
		"delete": g.collectionDelete,
		"count":  g.collectionCount,
	}
	return g
}

// reservedNamespaces can never be collection names.
var reservedNamespaces = map[string]struct{}{
	"identity": {},
	"system":   {},
	"schedule": {},
	"cdc":      {},
}

// Methods lists the fixed methods and the collection action templates.
func (g *Gateway) Methods() []string {
	out := make([]string, 0, len(g.fixed)+len(g.actions))
	for name := range g.fixed {
		out = append(out, name)
	}
	for action := range g.actions {
		out = append(out, "{collection}."+action)
	}
	sort.Strings(out)
	return out
}

// Resolves reports whether method names a handler.
func (g *Gateway) Resolves(method string) bool {
	_, _, err := g.resolve(method)
	return err == nil
}

// Handle runs req and always produces a response frame.
func (g *Gateway) Handle(ctx context.Context, req Request) Response {
	result, err := g.Dispatch(ctx, req.Method, req.Args)
	if err != nil {
		return Response{ID: req.ID, Error: AsError(err)}
	}
	return Response{ID: req.ID, Result: result}
}

// Dispatch resolves method and runs it. Failures are returned as *Error.
func (g *Gateway) Dispatch(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	ctx, span := tracer.Start(ctx, "dispatch "+method)
	defer span.End()
	span.SetAttributes(attribute.String("rpc.method", method))

	family, handler, rerr := g.resolve(method)
	var result any
	var err error
	if rerr != nil {
		err = rerr
	} else {
		result, err = handler(ctx, args)
	}

	if err != nil {
		rpcErr := AsError(err)
		if rpcErr.Code == CodeMethodNotFound && rpcErr.Method == "" {
			rpcErr.Method = method
		}
		metrics.Dispatches.WithLabelValues(family, string(rpcErr.Code)).Inc()
		span.RecordError(rpcErr)
		span.SetStatus(codes.Error, rpcErr.Message)
		if rpcErr.Code == CodeInternal {
			logging.WithTrace(ctx, g.log).Errorw("dispatch failed", "method", method, "error", err)
		}
		return nil, rpcErr
	}
	metrics.Dispatches.WithLabelValues(family, "ok").Inc()
	return result, nil
}

func (g *Gateway) resolve(method string) (string, Handler, error) {
	family, h, err := g.resolveExact(method)
	if err == nil {
		return family, h, nil
	}
	for _, ns := range g.namespaces {
		if rest, ok := strings.CutPrefix(method, ns+"."); ok && rest != "" {
			if family, h, nsErr := g.resolveExact(rest); nsErr == nil {
				return family, h, nil
			}
		}
	}
	return family, nil, err
}

func (g *Gateway) resolveExact(method string) (string, Handler, error) {
	if h, ok := g.fixed[method]; ok {
		family, _, _ := strings.Cut(method, ".")
		return family, h, nil
	}
	parts := strings.Split(method, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "unknown", nil, MethodNotFound(method)
	}
	collection, action := parts[0], parts[1]
	if _, reserved := reservedNamespaces[collection]; reserved {
		return "unknown", nil, MethodNotFound(method)
	}
	fn, ok := g.actions[action]
	if !ok {
		return "unknown", nil, MethodNotFound(method)
	}
	if err := idgen.ValidateCollection(collection); err != nil {
		return "collection", nil, Validationf("%v", err)
	}
	return "collection", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return fn(ctx, collection, args)
	}, nil
}

func (g *Gateway) changed(events ...state.Event) {
	if g.onChange != nil && len(events) > 0 {
		g.onChange(events)
	}
}

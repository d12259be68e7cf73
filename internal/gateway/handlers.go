package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/flitsinc/go-objects/internal/cdc"
	"github.com/flitsinc/go-objects/internal/scheduler"
	"github.com/flitsinc/go-objects/internal/state"
)

func (g *Gateway) identityGet(_ context.Context, _ []json.RawMessage) (any, error) {
	return g.store.Identity(), nil
}

func (g *Gateway) systemPing(_ context.Context, _ []json.RawMessage) (any, error) {
	return map[string]any{"pong": g.nowFn().UTC()}, nil
}

func (g *Gateway) systemSchema(ctx context.Context, _ []json.RawMessage) (any, error) {
	collections, err := g.store.Collections(ctx)
	if err != nil {
		return nil, err
	}
	if collections == nil {
		collections = []string{}
	}
	return map[string]any{
		"methods":     g.Methods(),
		"collections": collections,
	}, nil
}

func (g *Gateway) scheduleCreate(ctx context.Context, args []json.RawMessage) (any, error) {
	if !present(args, 0) {
		return nil, Validationf("argument 0 (when) is required")
	}
	when, err := scheduler.ParseWhen(args[0])
	if err != nil {
		return nil, err
	}
	callback, err := stringArg(args, 1, "callbackName")
	if err != nil {
		return nil, err
	}
	return g.sched.Schedule(ctx, when, callback, optionalRaw(args, 2))
}

func (g *Gateway) scheduleCancel(ctx context.Context, args []json.RawMessage) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	return g.sched.Cancel(ctx, id)
}

func (g *Gateway) scheduleList(ctx context.Context, _ []json.RawMessage) (any, error) {
	return g.sched.List(ctx)
}

func (g *Gateway) cdcFlush(ctx context.Context, _ []json.RawMessage) (any, error) {
	n, err := g.bubbler.Flush(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"flushed": n}, nil
}

func (g *Gateway) cdcIngest(ctx context.Context, args []json.RawMessage) (any, error) {
	raw, err := rawArg(args, 0, "batch")
	if err != nil {
		return nil, err
	}
	var batch cdc.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, Validationf("batch: %v", err)
	}
	if batch.SourceActorID == "" {
		return nil, Validationf("batch.sourceActorId is required")
	}
	res, err := g.store.Ingest(ctx, batch.SourceActorID, batch.Events)
	if err != nil {
		return nil, err
	}
	g.changed(res.Appended...)
	return res, nil
}

func (g *Gateway) cdcList(ctx context.Context, args []json.RawMessage) (any, error) {
	limit, err := intArg(args, 0, "limit", g.listLimit)
	if err != nil {
		return nil, err
	}
	return g.store.Events(ctx, limit)
}

func (g *Gateway) collectionList(ctx context.Context, collection string, args []json.RawMessage) (any, error) {
	limit, err := intArg(args, 0, "limit", g.listLimit)
	if err != nil {
		return nil, err
	}
	records, err := g.store.List(ctx, collection, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Document())
	}
	return out, nil
}

func (g *Gateway) collectionGet(ctx context.Context, collection string, args []json.RawMessage) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	rec, err := g.store.Get(ctx, collection, id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Document(), nil
}

func (g *Gateway) collectionCreate(ctx context.Context, collection string, args []json.RawMessage) (any, error) {
	data, err := rawArg(args, 0, "data")
	if err != nil {
		return nil, err
	}
	rec, evt, err := g.store.Create(ctx, collection, data)
	if err != nil {
		return nil, err
	}
	g.changed(evt)
	return rec.Document(), nil
}

func (g *Gateway) collectionUpdate(ctx context.Context, collection string, args []json.RawMessage) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	data, err := rawArg(args, 1, "data")
	if err != nil {
		return nil, err
	}
	rec, evt, err := g.store.Update(ctx, collection, id, data)
	if err != nil {
		return nil, err
	}
	g.changed(evt)
	return rec.Document(), nil
}

func (g *Gateway) collectionDelete(ctx context.Context, collection string, args []json.RawMessage) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	ok, evt, err := g.store.Delete(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if ok {
		g.changed(evt)
	}
	return map[string]bool{"success": ok}, nil
}

func (g *Gateway) collectionCount(ctx context.Context, collection string, _ []json.RawMessage) (any, error) {
	n, err := g.store.Count(ctx, collection)
	if err != nil {
		return nil, err
	}
	return map[string]int{"count": n}, nil
}

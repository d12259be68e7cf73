package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-objects/internal/scheduler"
	"github.com/flitsinc/go-objects/internal/state"
	"github.com/flitsinc/go-objects/internal/testutil"
)

type fakeAlarm struct {
	armed bool
	at    time.Time
	sets  int
}

func (a *fakeAlarm) Set(at time.Time) {
	a.armed = true
	a.at = at
	a.sets++
}

func (a *fakeAlarm) Clear() {
	a.armed = false
	a.at = time.Time{}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	sched *scheduler.Scheduler
	store *state.Store
	alarm *fakeAlarm
	clock *fakeClock
	calls []string
	funcs map[string]scheduler.Callback
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		alarm: &fakeAlarm{},
		clock: &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		funcs: map[string]scheduler.Callback{},
	}
	h.store = testutil.OpenTestStore(t, state.Identity{})
	lookup := func(name string) (scheduler.Callback, bool) {
		fn, ok := h.funcs[name]
		return fn, ok
	}
	h.sched = scheduler.New(h.store, h.alarm, lookup, scheduler.WithClock(h.clock.Now))
	return h
}

func (h *harness) record(name string) {
	h.funcs[name] = func(_ context.Context, _ json.RawMessage, meta state.Schedule) error {
		h.calls = append(h.calls, meta.Callback)
		return nil
	}
}

func TestAlarmTracksEarliestDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.clock.now

	_, err := h.sched.Schedule(ctx, scheduler.When{Delay: 10 * time.Second}, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, start.Add(10*time.Second), h.alarm.at)

	b, err := h.sched.Schedule(ctx, scheduler.When{Delay: 5 * time.Second}, "b", nil)
	require.NoError(t, err)
	assert.True(t, h.alarm.armed)
	assert.Equal(t, start.Add(5*time.Second), h.alarm.at)

	removed, err := h.sched.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, start.Add(10*time.Second), h.alarm.at)

	list, err := h.sched.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = h.sched.Cancel(ctx, list[0].ID)
	require.NoError(t, err)
	assert.False(t, h.alarm.armed)
}

func TestScheduleThenCancelLeavesNothingArmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sched, err := h.sched.Schedule(ctx, scheduler.When{Delay: 5 * time.Second}, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, state.ScheduleDelay, sched.Kind)

	removed, err := h.sched.Cancel(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	list, err := h.sched.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.False(t, h.alarm.armed)

	removed, err = h.sched.Cancel(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestOnFireRunsOnlyDueRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.record("early")
	h.record("late")

	_, err := h.sched.Schedule(ctx, scheduler.When{Delay: 5 * time.Second}, "early", nil)
	require.NoError(t, err)
	_, err = h.sched.Schedule(ctx, scheduler.When{At: h.clock.now.Add(time.Minute)}, "late", nil)
	require.NoError(t, err)

	h.clock.Advance(6 * time.Second)
	report, err := h.sched.OnFire(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.FireReport{Fired: 1}, report)
	assert.Equal(t, []string{"early"}, h.calls)
	assert.Equal(t, h.clock.now.Add(54*time.Second), h.alarm.at)

	h.clock.Advance(time.Minute)
	_, err = h.sched.OnFire(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, h.calls)
	assert.False(t, h.alarm.armed)
}

func TestOnFireIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.record("ok")
	h.funcs["boom"] = func(context.Context, json.RawMessage, state.Schedule) error {
		return errors.New("boom")
	}
	h.funcs["panics"] = func(context.Context, json.RawMessage, state.Schedule) error {
		panic("bad callback")
	}

	for _, name := range []string{"boom", "missing", "panics", "ok"} {
		_, err := h.sched.Schedule(ctx, scheduler.When{Delay: time.Second}, name, nil)
		require.NoError(t, err)
	}

	h.clock.Advance(2 * time.Second)
	report, err := h.sched.OnFire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Fired)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, []string{"ok"}, h.calls)

	list, err := h.sched.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "failed one-shot schedules are still consumed")
	assert.False(t, h.alarm.armed)
}

func TestCronRewritesDueStrictlyForward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.record("tick")

	sched, err := h.sched.Schedule(ctx, scheduler.When{Cron: "*/5 * * * *"}, "tick", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, state.ScheduleCron, sched.Kind)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC), sched.DueAt)

	// Wake exactly at the due instant: next occurrence must not equal now.
	h.clock.now = sched.DueAt
	_, err = h.sched.OnFire(ctx)
	require.NoError(t, err)

	got, err := h.store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.DueAt.After(sched.DueAt))
	assert.Equal(t, time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC), got.DueAt)
	assert.Equal(t, got.DueAt, h.alarm.at)

	// A late wake skips missed occurrences rather than replaying them.
	h.clock.now = time.Date(2026, 3, 1, 9, 27, 30, 0, time.UTC)
	_, err = h.sched.OnFire(ctx)
	require.NoError(t, err)
	got, err = h.store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), got.DueAt)
	assert.Equal(t, []string{"tick", "tick"}, h.calls)
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, scheduler.When{Delay: time.Second}, " ", nil)
	assert.ErrorIs(t, err, scheduler.ErrInvalidSchedule)

	_, err = h.sched.Schedule(ctx, scheduler.When{Cron: "not a cron"}, "x", nil)
	assert.ErrorIs(t, err, scheduler.ErrInvalidSchedule)

	assert.Equal(t, 0, h.alarm.sets)
}

func TestScheduleRejectsUnstorableInstants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, when := range []scheduler.When{
		{At: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)},
		{At: time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Delay: time.Duration(math.MaxInt64)},
	} {
		_, err := h.sched.Schedule(ctx, when, "later", nil)
		assert.ErrorIs(t, err, scheduler.ErrInvalidSchedule, when)
	}

	list, err := h.sched.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 0, h.alarm.sets)

	edge := time.Date(2262, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, err := h.sched.Schedule(ctx, scheduler.When{At: edge}, "later", nil)
	require.NoError(t, err)
	got, err := h.store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, edge, got.DueAt)
}

func TestOnFireSkipsRowCancelledEarlierInPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.record("victim")

	victim, err := h.sched.Schedule(ctx, scheduler.When{Delay: 2 * time.Second}, "victim", nil)
	require.NoError(t, err)
	h.funcs["canceller"] = func(ctx context.Context, _ json.RawMessage, meta state.Schedule) error {
		h.calls = append(h.calls, meta.Callback)
		removed, err := h.sched.Cancel(ctx, victim.ID)
		if err != nil {
			return err
		}
		if !removed {
			return errors.New("victim already gone")
		}
		return nil
	}
	_, err = h.sched.Schedule(ctx, scheduler.When{Delay: time.Second}, "canceller", nil)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	report, err := h.sched.OnFire(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.FireReport{Fired: 1}, report)
	assert.Equal(t, []string{"canceller"}, h.calls)

	list, err := h.sched.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.False(t, h.alarm.armed)
}

func TestParseWhen(t *testing.T) {
	cases := []struct {
		in   string
		want scheduler.When
	}{
		{`5`, scheduler.When{Delay: 5 * time.Second}},
		{`0.5`, scheduler.When{Delay: 500 * time.Millisecond}},
		{`"2026-03-01T10:00:00Z"`, scheduler.When{At: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}},
		{`"@hourly"`, scheduler.When{Cron: "@hourly"}},
		{`"0 9 * * 1-5"`, scheduler.When{Cron: "0 9 * * 1-5"}},
		{`{"delay": 2}`, scheduler.When{Delay: 2 * time.Second}},
		{`{"cron": "@every 10s"}`, scheduler.When{Cron: "@every 10s"}},
	}
	for _, tc := range cases {
		got, err := scheduler.ParseWhen(json.RawMessage(tc.in))
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{``, `null`, `-1`, `""`, `{}`, `true`, `1e12`, `{"delay": 1e300}`} {
		_, err := scheduler.ParseWhen(json.RawMessage(bad))
		assert.ErrorIs(t, err, scheduler.ErrInvalidSchedule, bad)
	}
}

func TestNextCronDescriptors(t *testing.T) {
	from := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	next, err := scheduler.NextCron("@every 10s", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(10*time.Second), next)

	next, err = scheduler.NextCron("30 * * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Second), next)
}

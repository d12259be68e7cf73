package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flitsinc/go-objects/internal/idgen"
	"github.com/flitsinc/go-objects/internal/logging"
	"github.com/flitsinc/go-objects/internal/metrics"
	"github.com/flitsinc/go-objects/internal/state"
)

var (
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrCallbackNotFound = errors.New("callback not found")
)

// Alarm is the host's single wake-up timer for one actor. Set replaces any
// previously armed time.
type Alarm interface {
	Set(at time.Time)
	Clear()
}

// Callback runs when a schedule fires.
type Callback func(ctx context.Context, payload json.RawMessage, meta state.Schedule) error

// Lookup resolves a callback name.
type Lookup func(name string) (Callback, bool)

// dueAt is persisted as Unix nanoseconds, which bounds the instants a
// schedule can hold.
var (
	minDueAt = time.Unix(0, math.MinInt64).UTC()
	maxDueAt = time.Unix(0, math.MaxInt64).UTC()
)

func checkDueAt(at time.Time) error {
	if at.Before(minDueAt) || at.After(maxDueAt) {
		return fmt.Errorf("%w: %s is outside %s..%s", ErrInvalidSchedule,
			at.Format(time.RFC3339), minDueAt.Format(time.RFC3339), maxDueAt.Format(time.RFC3339))
	}
	return nil
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler keeps exactly one alarm armed at the earliest pending dueAt.
// Like the Store it wraps, it must only be used from the owning actor
// goroutine.
type Scheduler struct {
	store  *state.Store
	alarm  Alarm
	lookup Lookup
	log    *zap.SugaredLogger

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Scheduler)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Scheduler) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Scheduler) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Scheduler) {
		s.log = logging.OrNop(log)
	}
}

func New(store *state.Store, alarm Alarm, lookup Lookup, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		alarm:   alarm,
		lookup:  lookup,
		log:     zap.NewNop().Sugar(),
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Scheduler) now() time.Time { return s.nowFn().UTC() }

// Schedule stores a new pending callback and re-arms the alarm.
func (s *Scheduler) Schedule(ctx context.Context, when When, callback string, payload json.RawMessage) (state.Schedule, error) {
	callback = strings.TrimSpace(callback)
	if callback == "" {
		return state.Schedule{}, fmt.Errorf("%w: callback name is required", ErrInvalidSchedule)
	}
	now := s.now()
	sched := state.Schedule{
		ID:        s.newIDFn(),
		Callback:  callback,
		Payload:   payload,
		CreatedAt: now,
	}
	switch {
	case when.Cron != "":
		next, err := NextCron(when.Cron, now)
		if err != nil {
			return state.Schedule{}, err
		}
		sched.Kind = state.ScheduleCron
		sched.CronExpr = when.Cron
		sched.DueAt = next
	case !when.At.IsZero():
		sched.Kind = state.ScheduleAbsolute
		sched.DueAt = when.At.UTC()
	default:
		if when.Delay < 0 {
			return state.Schedule{}, fmt.Errorf("%w: negative delay", ErrInvalidSchedule)
		}
		sched.Kind = state.ScheduleDelay
		sched.DueAt = now.Add(when.Delay)
	}
	if err := checkDueAt(sched.DueAt); err != nil {
		return state.Schedule{}, err
	}

	if err := s.store.InsertSchedule(ctx, sched); err != nil {
		return state.Schedule{}, err
	}
	if err := s.Rearm(ctx); err != nil {
		return state.Schedule{}, err
	}
	return sched, nil
}

// Cancel deletes a pending schedule and re-arms. It reports whether a row
// was removed.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := s.store.DeleteSchedule(ctx, id)
	if err != nil {
		return false, err
	}
	if err := s.Rearm(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *Scheduler) List(ctx context.Context) ([]state.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Rearm points the alarm at the earliest pending dueAt, or clears it. A
// dueAt already in the past (missed while the actor was inactive) arms an
// immediate wake-up.
func (s *Scheduler) Rearm(ctx context.Context) error {
	next, ok, err := s.store.NextDue(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.alarm.Clear()
		return nil
	}
	s.alarm.Set(next)
	return nil
}

// FireReport summarizes one OnFire pass.
type FireReport struct {
	Fired  int
	Failed int
}

// OnFire runs every schedule due at or before now. A missing or failing
// callback is logged and does not stop the remaining ones. Cron rows move
// to their next occurrence, all others are deleted. Rows due at the same
// instant run in no guaranteed order.
func (s *Scheduler) OnFire(ctx context.Context) (FireReport, error) {
	var report FireReport
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return report, err
	}
	for _, listed := range due {
		// An earlier callback in this pass may have cancelled or moved it.
		sched, err := s.store.GetSchedule(ctx, listed.ID)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return report, err
		}
		if sched.DueAt.After(now) {
			continue
		}
		report.Fired++
		if err := s.invoke(ctx, sched); err != nil {
			report.Failed++
			metrics.ScheduleFires.WithLabelValues("error").Inc()
			s.log.Errorw("scheduled callback failed",
				"schedule_id", sched.ID,
				"callback", sched.Callback,
				"error", err,
			)
		} else {
			metrics.ScheduleFires.WithLabelValues("ok").Inc()
		}

		if sched.Kind == state.ScheduleCron {
			from := now
			if sched.DueAt.After(from) {
				from = sched.DueAt
			}
			next, err := NextCron(sched.CronExpr, from)
			if err == nil {
				err = checkDueAt(next)
			}
			if err == nil {
				if err := s.store.RescheduleAt(ctx, sched.ID, next); err != nil {
					return report, err
				}
				continue
			}
			s.log.Warnw("cron schedule has no next occurrence, removing", "schedule_id", sched.ID, "cron", sched.CronExpr, "error", err)
		}
		if _, err := s.store.DeleteSchedule(ctx, sched.ID); err != nil {
			return report, err
		}
	}
	if err := s.Rearm(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Scheduler) invoke(ctx context.Context, sched state.Schedule) (err error) {
	if s.lookup == nil {
		return fmt.Errorf("%w: %s", ErrCallbackNotFound, sched.Callback)
	}
	fn, ok := s.lookup(sched.Callback)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallbackNotFound, sched.Callback)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback %s panicked: %v", sched.Callback, r)
		}
	}()
	return fn(ctx, sched.Payload, sched)
}

// NextCron returns the first occurrence of expr strictly after from.
func NextCron(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron %q never fires after %s", ErrInvalidSchedule, expr, from.Format(time.RFC3339))
	}
	return next.UTC(), nil
}

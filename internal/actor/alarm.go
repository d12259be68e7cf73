package actor

import (
	"context"
	"errors"
	"time"
)

// hostAlarm is the scheduler's single timer for one actor, kept by the
// Registry rather than the actor.
type hostAlarm struct {
	registry *Registry
	addr     Address
}

func (a *hostAlarm) Set(at time.Time) { a.registry.setAlarm(a.addr, at) }
func (a *hostAlarm) Clear()           { a.registry.clearAlarm(a.addr) }

func (r *Registry) setAlarm(addr Address, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if cur, ok := r.alarms[addr]; ok {
		if cur.at.Equal(at) {
			return
		}
		cur.timer.Stop()
	}
	delay := at.Sub(r.nowFn())
	if delay < 0 {
		delay = 0
	}
	r.alarms[addr] = &hostTimer{
		at:    at,
		timer: time.AfterFunc(delay, func() { r.fireAlarm(addr, at) }),
	}
}

func (r *Registry) clearAlarm(addr Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.alarms[addr]; ok {
		cur.timer.Stop()
		delete(r.alarms, addr)
	}
}

// AlarmAt reports the armed wake-up time for addr.
func (r *Registry) AlarmAt(addr Address) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.alarms[addr]
	if !ok {
		return time.Time{}, false
	}
	return cur.at, true
}

func (r *Registry) fireAlarm(addr Address, at time.Time) {
	r.mu.Lock()
	if cur, ok := r.alarms[addr]; ok && cur.at.Equal(at) {
		delete(r.alarms, addr)
	}
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for attempt := 0; attempt < 2; attempt++ {
		a, err := r.Get(ctx, addr, "")
		if err != nil {
			r.log.Errorw("alarm activation failed", "kind", addr.Kind, "actor", addr.ID, "error", err)
			return
		}
		err = a.fire()
		if errors.Is(err, ErrClosed) {
			continue
		}
		if err != nil {
			r.log.Warnw("alarm dropped", "kind", addr.Kind, "actor", addr.ID, "error", err)
		}
		return
	}
}

package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// When is exactly one of an absolute instant, a delay from now, or a cron
// expression.
type When struct {
	At    time.Time
	Delay time.Duration
	Cron  string
}

const maxDelay = time.Duration(math.MaxInt64)

// ParseWhen decodes the wire form of a schedule time:
//
//	5                        delay in seconds
//	"2026-03-01T09:00:00Z"   absolute instant (RFC 3339)
//	"*/5 * * * *"            cron expression
//	{"at": ...} | {"delay": seconds} | {"cron": expr}
func ParseWhen(raw json.RawMessage) (When, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return When{}, fmt.Errorf("%w: when is required", ErrInvalidSchedule)
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return When{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return parseWhenString(s)
	case '{':
		var obj struct {
			At    *time.Time `json:"at"`
			Delay *float64   `json:"delay"`
			Cron  *string    `json:"cron"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return When{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		switch {
		case obj.At != nil:
			return When{At: obj.At.UTC()}, nil
		case obj.Delay != nil:
			return delaySeconds(*obj.Delay)
		case obj.Cron != nil:
			return parseCronString(*obj.Cron)
		}
		return When{}, fmt.Errorf("%w: when object needs at, delay or cron", ErrInvalidSchedule)
	default:
		var secs float64
		if err := json.Unmarshal(raw, &secs); err != nil {
			return When{}, fmt.Errorf("%w: when must be a number, string or object", ErrInvalidSchedule)
		}
		return delaySeconds(secs)
	}
}

func parseWhenString(s string) (When, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return When{}, fmt.Errorf("%w: when is empty", ErrInvalidSchedule)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return When{At: t.UTC()}, nil
	}
	return parseCronString(s)
}

func parseCronString(s string) (When, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return When{}, fmt.Errorf("%w: cron expression is empty", ErrInvalidSchedule)
	}
	return When{Cron: s}, nil
}

func delaySeconds(secs float64) (When, error) {
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return When{}, fmt.Errorf("%w: delay must be a non-negative number of seconds", ErrInvalidSchedule)
	}
	if secs >= maxDelay.Seconds() {
		return When{}, fmt.Errorf("%w: delay of %g seconds is too large", ErrInvalidSchedule, secs)
	}
	return When{Delay: time.Duration(secs * float64(time.Second))}, nil
}

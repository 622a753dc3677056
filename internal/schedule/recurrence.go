// Package schedule parses repeat_interval specifications and computes the
// next firing of a recurring notification.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a repeat specification.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

// Recurrence is a parsed repeat_interval.
//
// Supported forms:
//   - integer seconds: "3600"
//   - Go duration: "90m", "2h30m"
//   - HH:MM interval: "02:30" (2 hours 30 minutes)
//   - cron: "*/5 * * * *", "@daily", "@every 10m"
//
// "cron:" forces cron parsing, "every:" or "interval:" forces interval parsing.
type Recurrence struct {
	Kind   Kind
	Every  time.Duration
	Source string

	sched cron.Schedule
}

// ErrNoNextFiring reports a schedule that never fires after a given instant,
// such as a cron for February 30.
var ErrNoNextFiring = errors.New("schedule has no next firing")

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Parse parses a repeat_interval string.
func Parse(raw string) (*Recurrence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("repeat interval required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), raw)
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]), raw)
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]), raw)
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s, raw)
	}
	return parseInterval(s, raw)
}

// Next returns the next firing instant strictly after now. The zero time
// means the schedule never fires again.
func (r *Recurrence) Next(now time.Time) time.Time {
	if r.Kind == KindCron {
		return r.sched.Next(now)
	}
	return now.Add(r.Every)
}

// Delay returns how long to wait from now until the next firing. It returns
// ErrNoNextFiring when the schedule has no firing after now.
func (r *Recurrence) Delay(now time.Time) (time.Duration, error) {
	next := r.Next(now)
	if next.IsZero() || !next.After(now) {
		return 0, ErrNoNextFiring
	}
	return next.Sub(now), nil
}

func parseCron(expr, raw string) (*Recurrence, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required in %q", raw)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	if sched.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("cron %q never fires", expr)
	}
	return &Recurrence{Kind: KindCron, Source: expr, sched: sched}, nil
}

func parseInterval(v, raw string) (*Recurrence, error) {
	var d time.Duration
	switch {
	case v == "":
		return nil, fmt.Errorf("interval required in %q", raw)
	case reHHMM.MatchString(v):
		m := reHHMM.FindStringSubmatch(v)
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	default:
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			if secs > math.MaxInt64/int64(time.Second) {
				return nil, fmt.Errorf("repeat interval too large in %q", raw)
			}
			d = time.Duration(secs) * time.Second
			break
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid repeat interval %q (use seconds, a duration like '1h', HH:MM or cron)", raw)
		}
		d = parsed
	}
	if d <= 0 {
		return nil, fmt.Errorf("repeat interval must be > 0, got %q", raw)
	}
	return &Recurrence{Kind: KindInterval, Every: d, Source: v}, nil
}

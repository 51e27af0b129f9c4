package jobs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/robfig/cron/v3"
)

// ScheduleKind distinguishes one-shot from recurring schedules
type ScheduleKind string

const (
	KindOnce ScheduleKind = "once"
	KindCron ScheduleKind = "cron"
)

// Schedule is either a single instant or a cron expression evaluated in a timezone.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       time.Time    `json:"at,omitempty"`
	Expr     string       `json:"expr,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
}

// cronParser accepts standard 5-field specs, an optional leading seconds
// field, and descriptors such as @daily or @every 90s.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var locations sync.Map // name -> *time.Location

// Once returns a one-shot schedule
func Once(at time.Time) Schedule {
	return Schedule{Kind: KindOnce, At: at.UTC()}
}

// Cron returns a recurring schedule after validating the expression and timezone
func Cron(expr, timezone string) (Schedule, error) {
	s := Schedule{Kind: KindCron, Expr: strings.TrimSpace(expr), Timezone: timezone}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Recurring reports whether the schedule fires more than once
func (s Schedule) Recurring() bool {
	return s.Kind == KindCron
}

// Validate checks the expression and timezone
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindOnce:
		if s.At.IsZero() {
			return errors.New("one-shot schedule has no time")
		}
		return nil
	case KindCron:
		if _, err := loadLocation(s.Timezone); err != nil {
			return err
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return errors.Wrapf(err, "invalid cron expression %q", s.Expr)
		}
		return nil
	default:
		return errors.Newf("unknown schedule kind %q", s.Kind)
	}
}

// Next returns the first firing strictly after the given time for cron
// schedules, or the instant itself for one-shot schedules. ok is false when
// the schedule never fires again. Results are in UTC.
func (s Schedule) Next(after time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case KindOnce:
		if s.At.IsZero() {
			return time.Time{}, false, errors.New("one-shot schedule has no time")
		}
		return s.At.UTC(), true, nil
	case KindCron:
		loc, err := loadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, false, err
		}
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false, errors.Wrapf(err, "invalid cron expression %q", s.Expr)
		}
		next := sched.Next(after.In(loc))
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next.UTC(), true, nil
	default:
		return time.Time{}, false, errors.Newf("unknown schedule kind %q", s.Kind)
	}
}

// String renders the schedule for listings
func (s Schedule) String() string {
	switch s.Kind {
	case KindOnce:
		return "once at " + s.At.Format(time.RFC3339)
	case KindCron:
		return fmt.Sprintf("cron %q (%s)", s.Expr, s.Timezone)
	default:
		return string(s.Kind)
	}
}

var (
	relativeRe = regexp.MustCompile(`^in\s+(\d+)\s*(s|sec|secs|seconds?|m|min|mins|minutes?|h|hrs?|hours?|d|days?)$`)
	clockRe    = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)
)

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseAt parses a one-shot time. Accepted forms: RFC3339, a local
// "2006-01-02 15:04[:05]" in loc, a bare "15:04" (today, or tomorrow if it
// has passed) and "in N minutes|hours|days".
func ParseAt(text string, now time.Time, loc *time.Location) (time.Time, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return time.Time{}, errors.New("empty time")
	}
	if loc == nil {
		loc = time.UTC
	}

	if t, err := time.Parse(time.RFC3339, strings.ToUpper(text)); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t.UTC(), nil
		}
	}

	if m := clockRe.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		local := now.In(loc)
		t := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !t.After(local) {
			t = t.AddDate(0, 0, 1)
		}
		return t.UTC(), nil
	}

	if m := relativeRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, errors.Newf("invalid amount in %q", text)
		}
		var unit time.Duration
		switch m[2][0] {
		case 's':
			unit = time.Second
		case 'm':
			unit = time.Minute
		case 'h':
			unit = time.Hour
		case 'd':
			unit = 24 * time.Hour
		}
		return now.Add(time.Duration(n) * unit).UTC(), nil
	}

	return time.Time{}, errors.Newf("unrecognised time %q", text)
}

// FromHint builds a schedule from the resolver's hint. The hint's timezone
// wins over defaultTZ.
func FromHint(hint *ai.ScheduleHint, defaultTZ string, now time.Time) (Schedule, error) {
	if hint.IsZero() {
		return Schedule{}, errors.New("no schedule information")
	}
	tz := hint.Timezone
	if tz == "" {
		tz = defaultTZ
	}
	if hint.Cron != "" {
		return Cron(hint.Cron, tz)
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return Schedule{}, err
	}
	at, err := ParseAt(hint.At, now, loc)
	if err != nil {
		return Schedule{}, err
	}
	return Once(at), nil
}

// LoadLocation resolves an IANA timezone name, caching the result
func LoadLocation(name string) (*time.Location, error) {
	return loadLocation(name)
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown timezone %q", name)
	}
	locations.Store(name, loc)
	return loc, nil
}

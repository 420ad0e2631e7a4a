package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"remindflow/internal/domain"
)

// Five-field cron with an optional leading seconds field, plus descriptors
// such as @daily and @every 30s.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// maxCatchUpSteps bounds the walk over missed occurrences.
const maxCatchUpSteps = 1 << 20

// Schedule is a parsed cron expression evaluated in a fixed time zone.
type Schedule struct {
	expr  string
	loc   *time.Location
	sched cron.Schedule
}

// ParseCron parses expr in the named zone. An empty zone uses def.
func ParseCron(expr, tz string, def *time.Location) (*Schedule, error) {
	loc := def
	if loc == nil {
		loc = time.Local
	}
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, domain.Errorf(domain.ErrInvalidExpression, "unknown time zone %q", tz)
		}
		loc = l
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, domain.Errorf(domain.ErrInvalidExpression, "cron %q: %v", expr, err)
	}
	return &Schedule{expr: expr, loc: loc, sched: sched}, nil
}

func (s *Schedule) Location() *time.Location { return s.loc }

// Next returns the first occurrence strictly after t, in UTC.
func (s *Schedule) Next(t time.Time) (time.Time, error) {
	n := s.sched.Next(t.In(s.loc))
	if n.IsZero() {
		return time.Time{}, domain.Errorf(domain.ErrNoFutureOccurrence, "cron %q after %s", s.expr, t.UTC().Format(time.RFC3339))
	}
	return n.UTC(), nil
}

// Latest walks forward from the occurrence at from and returns the last
// occurrence not after now, along with how many occurrences were passed over.
func (s *Schedule) Latest(from, now time.Time) (time.Time, int) {
	cur, skipped := from, 0
	for i := 0; i < maxCatchUpSteps; i++ {
		n := s.sched.Next(cur.In(s.loc))
		if n.IsZero() || n.After(now) {
			break
		}
		cur = n.UTC()
		skipped++
	}
	return cur, skipped
}

// ValidateCron reports whether expr parses and has a future occurrence.
func ValidateCron(expr, tz string, def *time.Location, now time.Time) (time.Time, error) {
	s, err := ParseCron(expr, tz, def)
	if err != nil {
		return time.Time{}, err
	}
	next, err := s.Next(now)
	if err != nil {
		return time.Time{}, domain.Errorf(domain.ErrInvalidExpression, "cron %q never fires", expr)
	}
	return next, nil
}

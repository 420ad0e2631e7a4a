// Package resolver turns user time expressions into absolute fire instants.
//
// Two families are accepted. Relative offsets are built from integer
// components with the units d, h, m and s ("1d2h", "1h 30m", "0s"). Absolute
// expressions are calendar timestamps ("2026-02-05 15:00") or a day offset
// followed by a time of day ("明天 08:00", "3天后 下午6点半", "tomorrow 9:15").
// Every result must lie strictly after the reference instant, except the
// zero offset, and no further than the horizon.
package resolver

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"remindflow/internal/domain"
)

// DefaultHorizon is how far ahead a one-shot may be scheduled.
const DefaultHorizon = 30 * 24 * time.Hour

// Error is returned for every rejected expression. Err is one of
// domain.ErrInvalidExpression or domain.ErrHorizonExceeded.
type Error struct {
	Expr   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %q: %s", e.Err, e.Expr, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func invalid(expr, format string, args ...any) error {
	return &Error{Expr: expr, Reason: fmt.Sprintf(format, args...), Err: domain.ErrInvalidExpression}
}

type Resolver struct {
	loc     *time.Location
	horizon time.Duration
}

type Option func(*Resolver)

// WithLocation sets the zone used for absolute expressions without an offset.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithHorizon(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.horizon = d
		}
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{loc: time.Local, horizon: DefaultHorizon}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Horizon() time.Duration { return r.horizon }

// Resolve converts expr into an absolute instant relative to ref.
func (r *Resolver) Resolve(expr string, ref time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return time.Time{}, invalid(expr, "empty expression")
	}

	var (
		at       time.Time
		relative bool
		err      error
	)
	if looksRelative(trimmed) {
		var d time.Duration
		d, err = parseOffset(expr, trimmed)
		if err != nil {
			return time.Time{}, err
		}
		if d > r.horizon {
			return time.Time{}, r.exceeded(expr, d)
		}
		at, relative = ref.Add(d), true
	} else {
		at, err = r.parseAbsolute(expr, trimmed, ref)
		if err != nil {
			return time.Time{}, err
		}
	}

	if !relative && !at.After(ref) {
		return time.Time{}, invalid(expr, "%s is not in the future", at.Format(time.RFC3339))
	}
	if d := at.Sub(ref); d > r.horizon {
		return time.Time{}, r.exceeded(expr, d)
	}
	return at, nil
}

// Offset parses a relative expression alone, for callers that only accept
// durations.
func Offset(expr string) (time.Duration, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return 0, invalid(expr, "empty expression")
	}
	return parseOffset(expr, trimmed)
}

func (r *Resolver) exceeded(expr string, d time.Duration) error {
	return &Error{
		Expr:   expr,
		Reason: fmt.Sprintf("%s is beyond the %s limit by %s", d, r.horizon, d-r.horizon),
		Err:    domain.ErrHorizonExceeded,
	}
}

// looksRelative sends every digit-leading input without date or clock
// separators to the offset parser, so a malformed offset such as "1h30" is
// reported by its bad component.
func looksRelative(s string) bool {
	return unicode.IsDigit(rune(s[0])) && !strings.ContainsAny(s, "-:天点")
}

var units = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

func parseOffset(expr, s string) (time.Duration, error) {
	s = strings.ToLower(s)
	seen := make(map[byte]bool, len(units))
	var total time.Duration

	i := 0
	for i < len(s) {
		if s[i] == ' ' || s[i] == '\t' {
			i++
			continue
		}
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if start == i {
			return 0, invalid(expr, "expected a number at %q", s[start:])
		}
		if i < len(s) && (s[i] == '.' || s[i] == ',') {
			return 0, invalid(expr, "component %q is not an integer", tokenAt(s, start))
		}
		if i == len(s) {
			return 0, invalid(expr, "component %q has no unit", s[start:])
		}
		unit, ok := units[s[i]]
		if !ok {
			return 0, invalid(expr, "unknown unit in %q", tokenAt(s, start))
		}
		if seen[s[i]] {
			return 0, invalid(expr, "unit %q repeated", string(s[i]))
		}
		seen[s[i]] = true

		n, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil || n > math.MaxInt64/int64(unit) {
			return 0, &Error{Expr: expr, Reason: "offset overflows", Err: domain.ErrHorizonExceeded}
		}
		part := time.Duration(n) * unit
		if total > math.MaxInt64-part {
			return 0, &Error{Expr: expr, Reason: "offset overflows", Err: domain.ErrHorizonExceeded}
		}
		total += part
		i++
		if i < len(s) && unicode.IsLetter(rune(s[i])) {
			return 0, invalid(expr, "unknown unit in %q", tokenAt(s, start))
		}
	}
	return total, nil
}

func tokenAt(s string, start int) string {
	end := strings.IndexAny(s[start:], " \t")
	if end < 0 {
		return s[start:]
	}
	return s[start : start+end]
}

var absoluteLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

var dayOffsetRe = regexp.MustCompile(`^(明天|后天|(\d+)天后|tomorrow|in (\d+) days?)\s*(.*)$`)

func (r *Resolver) parseAbsolute(expr, s string, ref time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, r.loc); err == nil {
			return t, nil
		}
	}

	m := dayOffsetRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return time.Time{}, invalid(expr, "unsupported time format")
	}
	days := 1
	switch {
	case m[1] == "后天":
		days = 2
	case m[2] != "":
		days, _ = strconv.Atoi(m[2])
	case m[3] != "":
		days, _ = strconv.Atoi(m[3])
	}
	hour, minute, second, err := parseClock(m[4])
	if err != nil {
		return time.Time{}, invalid(expr, "%v", err)
	}
	day := ref.In(r.loc).AddDate(0, 0, days)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, second, 0, r.loc), nil
}

var (
	clockRe = regexp.MustCompile(`^(\d{1,2})(?::(\d{1,2}))?(?::(\d{1,2}))?$`)
	dotRe   = regexp.MustCompile(`^(\d{1,2})点(半|(\d{1,2})分)?$`)
)

var errNeedClock = errors.New("a day offset needs a time of day, e.g. 08:00")

// parseClock reads HH:MM[:SS], H点, H点半 or H点M分 with an optional Chinese
// period marker.
func parseClock(s string) (int, int, int, error) {
	part := strings.TrimSpace(s)
	if part == "" {
		return 0, 0, 0, errNeedClock
	}
	period := ""
	for _, token := range []string{"凌晨", "早上", "上午", "中午", "下午", "晚上", "傍晚"} {
		if strings.Contains(part, token) {
			period = token
			part = strings.TrimSpace(strings.ReplaceAll(part, token, ""))
		}
	}

	var hour, minute, second int
	if m := clockRe.FindStringSubmatch(part); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(orZero(m[2]))
		second, _ = strconv.Atoi(orZero(m[3]))
	} else if m := dotRe.FindStringSubmatch(part); m != nil {
		hour, _ = strconv.Atoi(m[1])
		switch {
		case m[2] == "半":
			minute = 30
		case m[3] != "":
			minute, _ = strconv.Atoi(m[3])
		}
	} else {
		return 0, 0, 0, fmt.Errorf("unsupported time of day %q", s)
	}

	switch period {
	case "下午", "晚上", "傍晚":
		if hour < 12 {
			hour += 12
		}
	case "中午":
		if hour >= 1 && hour < 11 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 || second > 59 {
		return 0, 0, 0, fmt.Errorf("time of day %q out of range", s)
	}
	return hour, minute, second, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

package eligibility

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lookback is a calendar window: "3y" is three calendar years, not
// 3*365 days.
type Lookback struct {
	Years  int
	Months int
	Days   int
}

// DefaultLookback is the purchase recency window used when none is configured.
var DefaultLookback = Lookback{Years: 3}

// ParseLookback parses a window such as "3y", "18m", "90d" or "1y6m".
func ParseLookback(s string) (Lookback, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Lookback{}, fmt.Errorf("empty lookback")
	}
	var lb Lookback
	rest := s
	for rest != "" {
		i := strings.IndexAny(rest, "ymd")
		if i <= 0 {
			return Lookback{}, fmt.Errorf("invalid lookback %q: expected <n>y, <n>m or <n>d", s)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil || n < 0 {
			return Lookback{}, fmt.Errorf("invalid lookback %q: bad count %q", s, rest[:i])
		}
		switch rest[i] {
		case 'y':
			lb.Years += n
		case 'm':
			lb.Months += n
		case 'd':
			lb.Days += n
		}
		rest = rest[i+1:]
	}
	if lb.IsZero() {
		return Lookback{}, fmt.Errorf("invalid lookback %q: window is empty", s)
	}
	return lb, nil
}

// IsZero reports whether the window is empty.
func (l Lookback) IsZero() bool {
	return l.Years == 0 && l.Months == 0 && l.Days == 0
}

// Since returns the start of the window ending at now.
func (l Lookback) Since(now time.Time) time.Time {
	return now.AddDate(-l.Years, -l.Months, -l.Days)
}

func (l Lookback) String() string {
	var b strings.Builder
	if l.Years != 0 {
		fmt.Fprintf(&b, "%dy", l.Years)
	}
	if l.Months != 0 {
		fmt.Fprintf(&b, "%dm", l.Months)
	}
	if l.Days != 0 {
		fmt.Fprintf(&b, "%dd", l.Days)
	}
	if b.Len() == 0 {
		return "0d"
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (l Lookback) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so config files and
// environment variables can carry "3y".
func (l *Lookback) UnmarshalText(text []byte) error {
	parsed, err := ParseLookback(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

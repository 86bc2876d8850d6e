package tenancy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Window is a half-open [Start, End) cost period aligned to UTC midnight.
type Window struct {
	Start time.Time
	End   time.Time
}

// String is the normalized form used in cache keys: "YYYY-MM-DD/YYYY-MM-DD".
func (w Window) String() string {
	return w.Start.Format(dateLayout) + "/" + w.End.Format(dateLayout)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"start": w.Start.Format(dateLayout),
		"end":   w.End.Format(dateLayout),
	})
}

func (w *Window) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := time.Parse(dateLayout, raw["start"])
	if err != nil {
		return fmt.Errorf("window start: %w", err)
	}
	end, err := time.Parse(dateLayout, raw["end"])
	if err != nil {
		return fmt.Errorf("window end: %w", err)
	}
	w.Start, w.End = start, end
	return nil
}

// UTCMidnight truncates t to 00:00 UTC of the same UTC day.
func UTCMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthToDate runs from the first of now's month to today's midnight. On
// the first of the month the window is empty.
func MonthToDate(now time.Time) Window {
	end := UTCMidnight(now)
	return Window{
		Start: time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC),
		End:   end,
	}
}

// ParsePeriod accepts "" or "MTD" (month to date), "YYYY-MM" (a calendar
// month) and "YYYY-MM-DD/YYYY-MM-DD" (explicit, end exclusive).
func ParsePeriod(period string, now time.Time) (Window, error) {
	p := strings.TrimSpace(period)
	switch {
	case p == "" || strings.EqualFold(p, "MTD"):
		return MonthToDate(now), nil

	case strings.Contains(p, "/"):
		parts := strings.SplitN(p, "/", 2)
		start, err := time.Parse(dateLayout, strings.TrimSpace(parts[0]))
		if err != nil {
			return Window{}, fmt.Errorf("period start %q: want YYYY-MM-DD", parts[0])
		}
		end, err := time.Parse(dateLayout, strings.TrimSpace(parts[1]))
		if err != nil {
			return Window{}, fmt.Errorf("period end %q: want YYYY-MM-DD", parts[1])
		}
		if !end.After(start) {
			return Window{}, fmt.Errorf("period %q: end must be after start", p)
		}
		return Window{Start: start, End: end}, nil

	default:
		month, err := time.Parse("2006-01", p)
		if err != nil {
			return Window{}, fmt.Errorf("period %q: want MTD, YYYY-MM or YYYY-MM-DD/YYYY-MM-DD", p)
		}
		return Window{Start: month, End: month.AddDate(0, 1, 0)}, nil
	}
}

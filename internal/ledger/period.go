package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/vnmchuo/llm-meter/internal/billing"
)

type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case Daily, Weekly, Monthly:
		return p, nil
	default:
		return "", fmt.Errorf("unknown budget period %q", s)
	}
}

func ParsePeriods(list []string) ([]Period, error) {
	out := make([]Period, 0, len(list))
	for _, s := range list {
		p, err := ParsePeriod(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Bucket returns the UTC calendar bucket [from, to) containing now. Weeks
// start on Monday.
func (p Period) Bucket(now time.Time) (from, to time.Time) {
	day := billing.Day(now)
	switch p {
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		from = day.AddDate(0, 0, -offset)
		return from, from.AddDate(0, 0, 7)
	case Monthly:
		from = time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 1, 0)
	default:
		return day, day.AddDate(0, 0, 1)
	}
}

// windowStart is the earliest bucket start among periods at now.
func windowStart(periods []Period, now time.Time) time.Time {
	start := billing.Day(now)
	for _, p := range periods {
		if from, _ := p.Bucket(now); from.Before(start) {
			start = from
		}
	}
	return start
}

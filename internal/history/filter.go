package history

import (
	"fmt"
	"strings"
	"time"

	"enerx-readmodel/internal/model"
)

// FilterAll matches any type or source.
const FilterAll = "all"

// Filter selects records. Empty or "all" fields match anything; zero times
// leave that side of the range open. Both bounds are inclusive.
type Filter struct {
	Type   string
	Source string
	From   time.Time
	To     time.Time
}

// Match reports whether rec satisfies every predicate of f.
func (f Filter) Match(rec model.TransactionRecord) bool {
	return f.matchType(rec) && f.matchSource(rec) && f.matchRange(rec)
}

func (f Filter) matchType(rec model.TransactionRecord) bool {
	return f.Type == "" || f.Type == FilterAll || string(rec.Type) == f.Type
}

func (f Filter) matchSource(rec model.TransactionRecord) bool {
	return f.Source == "" || f.Source == FilterAll || rec.EnergySource == f.Source
}

func (f Filter) matchRange(rec model.TransactionRecord) bool {
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Apply returns the records matching f, preserving order.
func (f Filter) Apply(records []model.TransactionRecord) []model.TransactionRecord {
	out := make([]model.TransactionRecord, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// ParseFilter builds a Filter from user input. Dates accept RFC3339 or
// YYYY-MM-DD; a bare end date covers that whole day.
func ParseFilter(txType, source, from, to string) (Filter, error) {
	f := Filter{Type: strings.ToLower(strings.TrimSpace(txType)), Source: strings.TrimSpace(source)}
	switch f.Type {
	case "", FilterAll, string(model.TransactionPurchase), string(model.TransactionSale):
	default:
		return Filter{}, fmt.Errorf("unknown transaction type %q", txType)
	}

	var err error
	if f.From, _, err = parseBound(from); err != nil {
		return Filter{}, fmt.Errorf("parse start date: %w", err)
	}
	var dateOnly bool
	if f.To, dateOnly, err = parseBound(to); err != nil {
		return Filter{}, fmt.Errorf("parse end date: %w", err)
	}
	if dateOnly {
		f.To = f.To.Add(24*time.Hour - time.Nanosecond)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return Filter{}, fmt.Errorf("end date %s is before start date %s", to, from)
	}
	return f, nil
}

func parseBound(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Package stats keeps per event type outcome counters in daily buckets.
//
// Counters are ephemeral: they live in memory, are incremented atomically
// from many handler goroutines, and are pruned after a retention window.
// They are not part of the audit trail.
package stats

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is what happened to an event.
type Outcome string

// Outcomes counted per event type.
const (
	Published Outcome = "published"
	Processed Outcome = "processed"
	Failed    Outcome = "failed"
)

// Outcomes lists every outcome in reporting order.
var Outcomes = []Outcome{Published, Processed, Failed}

// Key returns the counter name metrics:events:{eventType}:{outcome}:count.
func Key(eventType string, outcome Outcome) string {
	return fmt.Sprintf("metrics:events:%s:%s:count", eventType, outcome)
}

type counterID struct {
	day       time.Time // UTC midnight
	eventType string
	outcome   Outcome
}

// Counters holds time-bucketed atomic counters.
type Counters struct {
	counters  sync.Map // counterID -> *atomic.Int64
	retention time.Duration
	now       func() time.Time
}

// Option configures Counters.
type Option func(*Counters)

// WithRetention sets how long buckets are kept by Prune. Default: 30 days.
func WithRetention(d time.Duration) Option {
	return func(c *Counters) {
		c.retention = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Counters) {
		c.now = now
	}
}

// New creates an empty set of counters.
func New(opts ...Option) *Counters {
	c := &Counters{
		retention: 30 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Incr adds one to the counter for (eventType, outcome) in today's bucket.
func (c *Counters) Incr(eventType string, outcome Outcome) {
	c.Add(eventType, outcome, 1)
}

// Add adds n to the counter for (eventType, outcome) in today's bucket.
func (c *Counters) Add(eventType string, outcome Outcome, n int64) {
	id := counterID{day: dayOf(c.now()), eventType: eventType, outcome: outcome}
	v, ok := c.counters.Load(id)
	if !ok {
		v, _ = c.counters.LoadOrStore(id, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(n)
}

// Counts are the outcome totals for one event type.
type Counts struct {
	Published int64 `json:"published"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

func (c *Counts) add(o Outcome, n int64) {
	switch o {
	case Published:
		c.Published += n
	case Processed:
		c.Processed += n
	case Failed:
		c.Failed += n
	}
}

// Report is the result of a statistics query.
type Report struct {
	From   time.Time         `json:"from"`
	To     time.Time         `json:"to"`
	ByType map[string]Counts `json:"byType"`
	Totals Counts            `json:"totals"`
}

// Get returns the counts for one type; zero when nothing was recorded.
func (r Report) Get(eventType string) Counts {
	return r.ByType[eventType]
}

// Types returns the event types in the report, sorted.
func (r Report) Types() []string {
	return slices.Sorted(maps.Keys(r.ByType))
}

// Report sums every bucket whose day overlaps [from, to].
func (c *Counters) Report(from, to time.Time) Report {
	fromDay, toDay := dayOf(from), dayOf(to)
	rep := Report{From: from, To: to, ByType: make(map[string]Counts)}

	c.counters.Range(func(k, v any) bool {
		id := k.(counterID)
		if id.day.Before(fromDay) || id.day.After(toDay) {
			return true
		}
		n := v.(*atomic.Int64).Load()
		counts := rep.ByType[id.eventType]
		counts.add(id.outcome, n)
		rep.ByType[id.eventType] = counts
		rep.Totals.add(id.outcome, n)
		return true
	})
	return rep
}

// Snapshot returns today's counters keyed by their counter names.
func (c *Counters) Snapshot() map[string]int64 {
	today := dayOf(c.now())
	out := make(map[string]int64)
	c.counters.Range(func(k, v any) bool {
		id := k.(counterID)
		if id.day.Equal(today) {
			out[Key(id.eventType, id.outcome)] = v.(*atomic.Int64).Load()
		}
		return true
	})
	return out
}

// Prune drops buckets older than the retention window and returns how many were removed.
func (c *Counters) Prune() int {
	cutoff := dayOf(c.now().Add(-c.retention))
	removed := 0
	c.counters.Range(func(k, _ any) bool {
		if k.(counterID).day.Before(cutoff) {
			c.counters.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

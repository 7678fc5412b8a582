package odometry

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
)

// Timer accumulates the elapsed time of repeated start/stop intervals.
type Timer struct {
	clk     clock.Clock
	started time.Time
	running bool
	samples []float64
	sum     time.Duration
}

// Start begins an interval.
func (t *Timer) Start() {
	t.started = t.clk.Now()
	t.running = true
}

// Stop ends the current interval. Stopping a timer that is not running does nothing.
func (t *Timer) Stop() {
	if !t.running {
		return
	}
	d := t.clk.Since(t.started)
	t.running = false
	t.sum += d
	t.samples = append(t.samples, float64(d)/float64(time.Millisecond))
}

// Sum is the total time over all intervals.
func (t *Timer) Sum() time.Duration { return t.sum }

// Count is the number of completed intervals.
func (t *Timer) Count() int { return len(t.samples) }

func (t *Timer) reset() {
	t.running = false
	t.samples = nil
	t.sum = 0
}

// Timers is a named set of stage timers sharing one clock.
type Timers struct {
	clk    clock.Clock
	timers map[string]*Timer
}

// NewTimers creates one timer per name.
func NewTimers(clk clock.Clock, names ...string) *Timers {
	if clk == nil {
		clk = clock.New()
	}
	ts := &Timers{clk: clk, timers: make(map[string]*Timer, len(names))}
	for _, n := range names {
		ts.timers[n] = &Timer{clk: clk}
	}
	return ts
}

// Get returns the named timer, creating it on first use.
func (ts *Timers) Get(name string) *Timer {
	t, ok := ts.timers[name]
	if !ok {
		t = &Timer{clk: ts.clk}
		ts.timers[name] = t
	}
	return t
}

// Time runs f inside the named timer.
func (ts *Timers) Time(name string, f func()) {
	t := ts.Get(name)
	t.Start()
	defer t.Stop()
	f()
}

// Reset clears every timer.
func (ts *Timers) Reset() {
	for _, t := range ts.timers {
		t.reset()
	}
}

// TimerSummary describes one timer. PerUnitMs divides the total by the number of frames (or nodes)
// the summary was asked for.
type TimerSummary struct {
	Name      string
	PerUnitMs float64
	MeanMs    float64
	P95Ms     float64
	Count     int
}

// Summarize returns one entry per timer sorted by name, plus the per-unit total.
func (ts *Timers) Summarize(units int) ([]TimerSummary, float64) {
	names := make([]string, 0, len(ts.timers))
	for n := range ts.timers {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []TimerSummary
	total := 0.
	for _, n := range names {
		t := ts.timers[n]
		s := TimerSummary{Name: n, Count: t.Count()}
		if units > 0 {
			s.PerUnitMs = float64(t.sum) / float64(time.Millisecond) / float64(units)
			total += s.PerUnitMs
		}
		if len(t.samples) > 0 {
			//nolint:errcheck
			s.MeanMs, _ = stats.Mean(t.samples)
			//nolint:errcheck
			s.P95Ms, _ = stats.Percentile(t.samples, 95)
		}
		out = append(out, s)
	}
	return out, total
}

package latency

import "sync"

// Default hysteresis counts.
const (
	DefaultTriggerCount  = 3
	DefaultRecoveryCount = 3
)

// Degradation is the sticky degraded-mode flag with hysteresis. After
// trigger consecutive over-budget turns it sets the flag; while set, it
// clears only after recovery consecutive in-budget turns.
//
// Safe for concurrent use.
type Degradation struct {
	mu       sync.Mutex
	trigger  int
	recovery int

	overruns  int
	recovered int
	degraded  bool
}

// NewDegradation creates a tracker. Non-positive counts use the defaults.
func NewDegradation(trigger, recovery int) *Degradation {
	if trigger <= 0 {
		trigger = DefaultTriggerCount
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryCount
	}
	return &Degradation{trigger: trigger, recovery: recovery}
}

// Observe feeds one turn's budget result into the tracker and returns the
// resulting flag and whether it changed.
func (d *Degradation) Observe(overBudget bool) (degraded, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	before := d.degraded
	if overBudget {
		d.overruns++
		d.recovered = 0
		if d.overruns >= d.trigger {
			d.degraded = true
		}
	} else {
		d.overruns = 0
		if d.degraded {
			d.recovered++
			if d.recovered >= d.recovery {
				d.degraded = false
				d.recovered = 0
			}
		}
	}
	return d.degraded, d.degraded != before
}

// Degraded reports whether degraded mode is active.
func (d *Degradation) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

// ConsecutiveOverruns returns the current consecutive over-budget count.
func (d *Degradation) ConsecutiveOverruns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overruns
}

// Reset clears all counters and the flag.
func (d *Degradation) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overruns, d.recovered, d.degraded = 0, 0, false
}

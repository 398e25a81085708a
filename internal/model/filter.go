package model

import (
	"math"
	"strconv"
	"time"
)

// deltaPeriodFilter decides whether an accepted write is worth transmitting.
// The delta baseline updates on every accepted write, transmitted or not; an
// elapsed period overrides delta suppression.
type deltaPeriodFilter struct {
	baseline map[string]float64
	lastSent map[string]time.Time
	now      func() time.Time
}

func newDeltaPeriodFilter() deltaPeriodFilter {
	return deltaPeriodFilter{
		baseline: make(map[string]float64),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (f *deltaPeriodFilter) shouldTransmit(v *Value, data string) bool {
	if v.Delta <= 0 || v.Number == nil {
		return true
	}
	num, err := strconv.ParseFloat(data, 64)
	if err != nil {
		return true
	}
	base, seeded := f.baseline[v.ID]
	f.baseline[v.ID] = num
	if !seeded {
		return true
	}
	if math.Abs(num-base) >= v.Delta {
		return true
	}
	return f.periodElapsed(v)
}

func (f *deltaPeriodFilter) periodElapsed(v *Value) bool {
	if v.Period <= 0 {
		return false
	}
	last, ok := f.lastSent[v.ID]
	if !ok {
		return true
	}
	return f.now().Sub(last) >= v.Period
}

func (f *deltaPeriodFilter) markTransmitted(v *Value, data string) {
	f.lastSent[v.ID] = f.now()
	if v.Delta > 0 {
		if num, err := strconv.ParseFloat(data, 64); err == nil {
			f.baseline[v.ID] = num
		}
	}
}

// seed installs a baseline from a persisted report state so a restart does
// not retransmit an unchanged value.
func (f *deltaPeriodFilter) seed(v *Value, data string) {
	if num, err := strconv.ParseFloat(data, 64); err == nil {
		f.baseline[v.ID] = num
		f.lastSent[v.ID] = f.now()
	}
}

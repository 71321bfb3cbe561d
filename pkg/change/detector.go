// Package change decides whether a continuous property moved enough since
// the last replicated sample to be worth sending again.
package change

import (
	"math"
	"sync"
)

// Key identifies one tracked property of one object.
type Key struct {
	ObjectID string
	Property string
}

type tracker struct {
	baseline []float64
	epsilon  float64
}

// Detector is a hysteresis filter keyed per tracked property.
//
// The first sample for a key always emits and becomes the baseline. Later
// samples emit when any component differs from the baseline by at least
// epsilon; only an emitting sample replaces the baseline, so drift below
// epsilon accumulates unreported.
type Detector struct {
	trackers map[Key]*tracker
	mutex    sync.Mutex
}

// NewDetector creates an empty detector.
func NewDetector() *Detector {
	return &Detector{
		trackers: make(map[Key]*tracker),
	}
}

// ShouldEmit reports whether sample must be replicated.
// An epsilon <= 0 means any change emits.
func (d *Detector) ShouldEmit(key Key, sample []float64, epsilon float64) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	tr, exists := d.trackers[key]
	if !exists {
		d.trackers[key] = &tracker{baseline: clone(sample), epsilon: epsilon}
		return true
	}
	tr.epsilon = epsilon

	if !exceeds(tr.baseline, sample, epsilon) {
		return false
	}
	tr.baseline = clone(sample)
	return true
}

// Observe sets the baseline for key without emitting. Values applied from a
// peer are observed so they are not echoed back.
func (d *Detector) Observe(key Key, sample []float64, epsilon float64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.trackers[key] = &tracker{baseline: clone(sample), epsilon: epsilon}
}

// Baseline returns the last accepted sample for key.
func (d *Detector) Baseline(key Key) ([]float64, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	tr, exists := d.trackers[key]
	if !exists {
		return nil, false
	}
	return clone(tr.baseline), true
}

// Forget drops every tracker of an object; used when the object is destroyed.
func (d *Detector) Forget(objectID string) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	removed := 0
	for key := range d.trackers {
		if key.ObjectID == objectID {
			delete(d.trackers, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live trackers.
func (d *Detector) Len() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.trackers)
}

func exceeds(baseline, sample []float64, epsilon float64) bool {
	if len(baseline) != len(sample) {
		return true
	}
	for i := range sample {
		diff := math.Abs(sample[i] - baseline[i])
		if epsilon <= 0 {
			if diff != 0 {
				return true
			}
			continue
		}
		if diff >= epsilon {
			return true
		}
	}
	return false
}

func clone(sample []float64) []float64 {
	out := make([]float64, len(sample))
	copy(out, sample)
	return out
}

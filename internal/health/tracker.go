// Package health decides what /health reports: shutting down, degraded,
// overloaded, idle or healthy, from recent request outcomes and the model
// circuit breaker.
package health

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept; windows longer than this see
// only the retained part.
const retention = 30 * time.Minute

// Tracker keeps sliding windows of request outcomes. It is the single source
// for overload (all outcomes, denials), idle (served requests) and degraded
// (error rate) decisions.
type Tracker struct {
	mu        sync.Mutex
	successes []time.Time
	errors    []time.Time
	denied    []time.Time
	now       func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordSuccess records a request served without an upstream failure.
func (t *Tracker) RecordSuccess() { t.RecordSuccessN(1) }

// RecordError records an upstream error, timeout or invalid response.
func (t *Tracker) RecordError() { t.RecordErrorN(1) }

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() { t.record(&t.denied, 1) }

// RecordSuccessN records n successes at once; used for synthetic load.
func (t *Tracker) RecordSuccessN(n int) { t.record(&t.successes, n) }

// RecordErrorN records n errors at once; used for synthetic errors.
func (t *Tracker) RecordErrorN(n int) { t.record(&t.errors, n) }

func (t *Tracker) record(slice *[]time.Time, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for i := 0; i < n; i++ {
		*slice = append(*slice, now)
	}
	t.pruneLocked(now)
}

// RequestCount returns successes, errors and denials within window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return countSince(t.successes, cutoff) + countSince(t.errors, cutoff) + countSince(t.denied, cutoff)
}

// ServedCount returns successes and errors within window; denials excluded.
func (t *Tracker) ServedCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return countSince(t.successes, cutoff) + countSince(t.errors, cutoff)
}

// DenialCount returns denials within window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.denied, t.now().Add(-window))
}

// ErrorRate returns (errors, successes+errors) within window.
func (t *Tracker) ErrorRate(window time.Duration) (errs, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errs = countSince(t.errors, cutoff)
	return errs, errs + countSince(t.successes, cutoff)
}

// Reset clears every window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes, t.errors, t.denied = nil, nil, nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops outcomes older than retention. Slices are append-only in
// time order, so the expired prefix is contiguous.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for _, slice := range []*[]time.Time{&t.successes, &t.errors, &t.denied} {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
}

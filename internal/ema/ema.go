// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package ema implements an exponential moving average whose weights
// decay with the time between samples rather than the sample count.
package ema

import (
	"math"
	"time"
)

// Average is an event based exponential moving average. A sample that
// arrives one half time after the previous one moves the estimate
// one third of the way towards it. Not safe for concurrent use.
type Average struct {
	tau               float64 // milliseconds
	value             float64
	sampleVariance    float64
	estimatorVariance float64
	last              time.Time
	hasSample         bool
}

// New returns an Average with the given half time.
func New(halfTime time.Duration) *Average {
	a := &Average{}
	a.SetHalfTime(halfTime)

	return a
}

// SetHalfTime changes the half time and resets the estimate.
func (a *Average) SetHalfTime(halfTime time.Duration) {
	a.tau = float64(halfTime.Milliseconds()) / math.Ln2
	a.Reset()
}

// Reset forgets every sample.
func (a *Average) Reset() {
	a.value = math.NaN()
	a.sampleVariance = math.Inf(1)
	a.estimatorVariance = 1
	a.last = time.Time{}
	a.hasSample = false
}

// AddSample adds a sample observed at now. Samples older than the last
// one are treated as simultaneous with it.
func (a *Average) AddSample(now time.Time, sample float64) {
	if !a.hasSample {
		a.value = sample
		a.hasSample = true
		a.last = now

		return
	}

	age := float64(now.Sub(a.last).Milliseconds())
	if age < 0 {
		age = 0
	}
	e := 1.0
	if a.tau > 0 {
		e = math.Exp(-age / a.tau)
	}
	alpha := e / (1 + e)
	oneMinusAlpha := 1 - alpha
	diff := sample - a.value

	a.value = oneMinusAlpha*a.value + alpha*sample
	a.estimatorVariance = oneMinusAlpha*oneMinusAlpha*a.estimatorVariance + alpha*alpha
	if math.IsInf(a.sampleVariance, 1) {
		a.sampleVariance = diff * diff
	} else {
		a.sampleVariance = oneMinusAlpha*a.sampleVariance + alpha*diff*diff
	}
	if now.After(a.last) {
		a.last = now
	}
}

// Value returns the current estimate, NaN before the first sample.
func (a *Average) Value() float64 {
	return a.value
}

// HasSample reports whether any sample was added since the last reset.
func (a *Average) HasSample() bool {
	return a.hasSample
}

// ConfidenceInterval returns the 95% confidence interval half width.
func (a *Average) ConfidenceInterval() float64 {
	return 1.96 * math.Sqrt(a.sampleVariance*a.estimatorVariance)
}

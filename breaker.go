// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// CircuitState is a target's health state as seen by the circuit Tracker.
type CircuitState int32

const (
	// CircuitClosed means the target is healthy and routable.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the target is excluded from routing until its
	// cool-down elapses.
	CircuitOpen
	// CircuitHalfOpen permits exactly one probe request.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "invalid"
}

// Tracker owns the health state of every upstream target. It is the only
// component that transitions circuit state; everything else observes it
// through Eligible and Allow. The zero value is usable.
type Tracker struct {
	FailureThreshold int           // consecutive failures tripping the circuit
	FailureWindow    time.Duration // failures further apart than this are not consecutive
	CoolDown         time.Duration // initial Open duration
	MaxCoolDown      time.Duration // backoff cap for repeated Open transitions
	Clock            clock.Clock   // defaults to the real clock
	Events           EventSink     // health transition sink, may be nil

	mu      sync.Mutex
	targets map[string]*circuit
}

type circuit struct {
	state      CircuitState
	fails      int
	lastFail   time.Time
	openedAt   time.Time
	coolDown   time.Duration
	probing    bool
	probeStart time.Time
}

func (tr *Tracker) threshold() int {
	if tr.FailureThreshold < 1 {
		return DefaultFailureThreshold
	}
	return tr.FailureThreshold
}

func (tr *Tracker) window() time.Duration {
	if tr.FailureWindow <= 0 {
		return DefaultFailureWindow
	}
	return tr.FailureWindow
}

func (tr *Tracker) coolDown() time.Duration {
	if tr.CoolDown <= 0 {
		return DefaultCoolDown
	}
	return tr.CoolDown
}

func (tr *Tracker) maxCoolDown() time.Duration {
	if tr.MaxCoolDown <= 0 {
		return DefaultMaxCoolDown
	}
	return tr.MaxCoolDown
}

func (tr *Tracker) clock() clock.Clock {
	if tr.Clock == nil {
		return clock.New()
	}
	return tr.Clock
}

func (tr *Tracker) getLocked(addr string) *circuit {
	if tr.targets == nil {
		tr.targets = make(map[string]*circuit)
	}
	c := tr.targets[addr]
	if c == nil {
		c = &circuit{state: CircuitClosed, coolDown: tr.coolDown()}
		tr.targets[addr] = c
	}
	return c
}

func (tr *Tracker) emit(addr string, from, to CircuitState) {
	if tr.Events != nil {
		tr.Events.HealthChanged(HealthEvent{Target: addr, From: from, To: to})
	}
}

// State returns the target's current circuit state.
func (tr *Tracker) State(addr string) CircuitState {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.getLocked(addr).state
}

// Eligible reports whether the target should be considered for routing.
// An Open target becomes eligible again once its cool-down has elapsed,
// since the next Allow will then grant a probe. Eligible never changes state.
func (tr *Tracker) Eligible(addr string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	c := tr.getLocked(addr)
	if c.state != CircuitOpen {
		return true
	}
	return tr.clock().Since(c.openedAt) >= c.coolDown
}

// Allow reports whether a request may be sent to the target now. For an
// Open target whose cool-down has elapsed, Allow transitions it to
// HalfOpen and grants the single probe; further Allow calls return false
// until the probe outcome is recorded. The grant is a lease: a probe
// whose request dies before reaching the target never reports an outcome,
// so after another cool-down the grant expires and Allow hands out a
// fresh one instead of leaving the circuit wedged.
func (tr *Tracker) Allow(addr string) bool {
	tr.mu.Lock()
	c := tr.getLocked(addr)
	var from, to CircuitState
	transitioned := false
	allowed := false
	switch c.state {
	case CircuitClosed:
		allowed = true
	case CircuitOpen:
		if tr.clock().Since(c.openedAt) >= c.coolDown {
			from, to = c.state, CircuitHalfOpen
			c.state = CircuitHalfOpen
			c.probing = true
			c.probeStart = tr.clock().Now()
			transitioned = true
			allowed = true
		}
	case CircuitHalfOpen:
		if !c.probing || tr.clock().Since(c.probeStart) >= c.coolDown {
			c.probing = true
			c.probeStart = tr.clock().Now()
			allowed = true
		}
	}
	tr.mu.Unlock()
	if transitioned {
		tr.emit(addr, from, to)
	}
	return allowed
}

// Record feeds one request outcome for the target into the state machine.
func (tr *Tracker) Record(addr string, success bool) {
	tr.mu.Lock()
	c := tr.getLocked(addr)
	var from, to CircuitState
	transitioned := false
	now := tr.clock().Now()

	if success {
		switch c.state {
		case CircuitHalfOpen:
			from, to = c.state, CircuitClosed
			c.state = CircuitClosed
			c.coolDown = tr.coolDown()
			transitioned = true
		}
		c.fails = 0
		c.probing = false
	} else {
		switch c.state {
		case CircuitHalfOpen:
			// probe failed, restart the cool-down with backoff
			from, to = c.state, CircuitOpen
			c.state = CircuitOpen
			c.openedAt = now
			c.coolDown = c.coolDown * 2
			if max := tr.maxCoolDown(); c.coolDown > max {
				c.coolDown = max
			}
			c.probing = false
			transitioned = true
		case CircuitClosed:
			if !c.lastFail.IsZero() && now.Sub(c.lastFail) > tr.window() {
				c.fails = 0
			}
			c.fails++
			c.lastFail = now
			if c.fails >= tr.threshold() {
				from, to = c.state, CircuitOpen
				c.state = CircuitOpen
				c.openedAt = now
				c.coolDown = tr.coolDown()
				transitioned = true
			}
		case CircuitOpen:
			// degraded try-anyway traffic may still record failures while
			// Open; they neither extend nor restart the cool-down
		}
	}
	tr.mu.Unlock()
	if transitioned {
		tr.emit(addr, from, to)
	}
}

// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// AdmissionSlot is a ticket for one unit of in-flight concurrency.
// Release is idempotent; the capacity is returned exactly once no matter
// how many exit paths call it.
type AdmissionSlot struct {
	sems     []chan struct{}
	released uint32
}

// Release returns the slot's capacity. Safe to call more than once.
func (s *AdmissionSlot) Release() {
	if s == nil {
		return
	}
	if !atomic.CompareAndSwapUint32(&s.released, 0, 1) {
		return
	}
	for _, sem := range s.sems {
		<-sem
	}
}

// AdmissionController bounds total in-flight requests and per-route
// concurrency. Acquisition past a ceiling blocks until capacity frees or
// the deadline expires; expiry rejects the request, which is the
// load-shedding policy rather than a failure. The zero value is usable.
type AdmissionController struct {
	MaxInFlight int // global ceiling, DefaultMaxInFlight if zero

	mu       sync.Mutex
	global   chan struct{}
	perRoute map[string]chan struct{}
}

func (ac *AdmissionController) globalSem() chan struct{} {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.global == nil {
		max := ac.MaxInFlight
		if max < 1 {
			max = DefaultMaxInFlight
		}
		ac.global = make(chan struct{}, max)
	}
	return ac.global
}

func (ac *AdmissionController) routeSem(route *Route) chan struct{} {
	if route == nil || route.Policy.MaxConcurrency < 1 {
		return nil
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.perRoute == nil {
		ac.perRoute = make(map[string]chan struct{})
	}
	sem := ac.perRoute[route.Name]
	if sem == nil {
		sem = make(chan struct{}, route.Policy.MaxConcurrency)
		ac.perRoute[route.Name] = sem
	}
	return sem
}

// Acquire obtains one slot covering both the global ceiling and, when the
// route caps concurrency, the per-route ceiling. On deadline expiry it
// returns a rejection (check with IsRejected); a cancelled ctx returns its
// own error.
func (ac *AdmissionController) Acquire(ctx context.Context, route *Route) (*AdmissionSlot, error) {
	slot := &AdmissionSlot{}
	sems := []chan struct{}{ac.globalSem()}
	if rs := ac.routeSem(route); rs != nil {
		sems = append(sems, rs)
	}
	for _, sem := range sems {
		if err := acquireSem(ctx, sem); err != nil {
			slot.Release()
			return nil, err
		}
		slot.sems = append(slot.sems, sem)
	}
	return slot, nil
}

func acquireSem(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	default:
	}
	// ceiling reached; reject immediately if there is no time to wait
	if err := ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return errors.WithStack(rejectedError{})
		}
		return err
	}
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.WithStack(rejectedError{})
		}
		return ctx.Err()
	}
}

// InFlight returns the number of globally admitted requests.
func (ac *AdmissionController) InFlight() int {
	return len(ac.globalSem())
}

// RouteInFlight returns the number of admitted requests for a capped route.
func (ac *AdmissionController) RouteInFlight(name string) int {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if sem := ac.perRoute[name]; sem != nil {
		return len(sem)
	}
	return 0
}

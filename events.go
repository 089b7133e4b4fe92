// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeNoRoute      Outcome = "no_route"
	OutcomeRejected     Outcome = "rejected"
	OutcomeUpstreamErr  Outcome = "upstream_error"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeClientGone   Outcome = "client_gone"
	OutcomePartialError Outcome = "partial_response"
)

// RequestEvent describes one completed (or failed) forwarded request.
type RequestEvent struct {
	ID      uuid.UUID
	Route   string
	Target  string // empty if no target was ever selected
	Status  int    // HTTP status relayed to the client, 0 if none
	Retries int
	Latency time.Duration
	Outcome Outcome
}

// HealthEvent describes one circuit state transition for a target.
type HealthEvent struct {
	Target string
	From   CircuitState
	To     CircuitState
}

// EventSink receives observability events from the forwarding core.
// Implementations must not block; the core calls them inline.
type EventSink interface {
	RequestDone(RequestEvent)
	HealthChanged(HealthEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RequestDone(RequestEvent)  {}
func (NopSink) HealthChanged(HealthEvent) {}

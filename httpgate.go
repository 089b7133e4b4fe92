// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import "time"

const (
	// DefaultListenAddr is the address the gateway listens on if none is configured.
	DefaultListenAddr = "0.0.0.0:8080"
	// DefaultRequestTimeout bounds a whole request, including retries.
	DefaultRequestTimeout = time.Second * 30
	// DefaultRetries is the number of additional upstream targets tried after
	// a connection-establishment failure.
	DefaultRetries = 2
	// DefaultPoolSize is the per-target connection pool cap.
	DefaultPoolSize = 32
	// DefaultIdleExpiry is how long an idle pooled connection may sit unused
	// before it is discarded on the next acquire.
	DefaultIdleExpiry = time.Second * 90
	// DefaultMaxInFlight is the gateway-wide admission ceiling.
	DefaultMaxInFlight = 1024
	// DefaultFailureThreshold is the consecutive-failure count that trips a
	// target's circuit from Closed to Open.
	DefaultFailureThreshold = 5
	// DefaultFailureWindow is the sliding window within which failures are
	// counted as consecutive.
	DefaultFailureWindow = time.Second * 30
	// DefaultCoolDown is how long an Open circuit waits before permitting a probe.
	DefaultCoolDown = time.Second * 10
	// DefaultMaxCoolDown caps the exponential backoff on repeated Open transitions.
	DefaultMaxCoolDown = time.Minute * 2
	// DefaultDialTimeout bounds establishing a new upstream connection.
	DefaultDialTimeout = time.Second * 5
	// DefaultShutdownGrace bounds draining in-flight requests at shutdown.
	DefaultShutdownGrace = time.Second * 15
)

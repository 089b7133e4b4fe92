// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package httpgate implements a minimal HTTP gateway forwarding core.

The gateway accepts inbound HTTP requests, resolves each one against a
route table to an ordered set of upstream targets, and relays the request
and response over a bounded pool of reusable upstream connections.

Route tables are immutable snapshots published with an atomic swap, so a
resolution in flight always sees a consistent set of rules. In addition to
static rules, a table may resolve hosts of the form

	<uniqueID>-<port>.<domainSuffix>

dynamically through a Registry of uniqueID to namespace mappings, yielding
targets of the form <uniqueID>.<namespace>.svc.cluster.local:<port>.

Concurrency is bounded at two levels: an AdmissionController caps in-flight
requests globally and per route, shedding excess load once its bounded wait
expires, and each upstream target's connection pool caps the number of
simultaneous connections to that target. A circuit Tracker observes request
outcomes per target and removes persistently failing targets from rotation
until a cool-down elapses and a single probe request succeeds.

The Forwarder ties these together and implements http.Handler; the Server
provides the accept loop and graceful shutdown around it.
*/
package httpgate

// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// hostPattern extracts uniqueID and port from hosts like
// "my-app-8080.devbox.example.com". The uniqueID is lowercase alphanumeric
// with hyphens and may not start or end with a hyphen.
var hostPattern = regexp.MustCompile(`^([a-z0-9](?:[-a-z0-9]*[a-z0-9])?)-([0-9]+)\.`)

// resolutionCacheSize bounds the per-snapshot cache of static rule matches.
const resolutionCacheSize = 4096

// UpstreamTarget is a backend address the gateway may forward a request to.
// Health state for a target is owned by the circuit Tracker and keyed by Addr;
// the target itself is immutable.
type UpstreamTarget struct {
	Addr string // host:port
}

func (t *UpstreamTarget) String() string { return t.Addr }

// RoutePolicy is the per-route forwarding policy.
type RoutePolicy struct {
	Timeout        time.Duration // whole-request deadline, including retries
	Retries        int           // additional targets tried after a connect failure
	MaxConcurrency int           // per-route admission ceiling, 0 means unlimited
}

// Route maps a match predicate to an ordered list of upstream targets.
// Routes are immutable once published in a Table.
type Route struct {
	Name       string
	Host       string // exact host to match, empty matches any host
	PathPrefix string // "/" matches any path
	Targets    []*UpstreamTarget
	Policy     RoutePolicy

	rr uint32 // round-robin cursor, the only mutable field
}

func (r *Route) matches(host, path string) bool {
	if r.Host != "" && r.Host != host {
		return false
	}
	return strings.HasPrefix(path, r.PathPrefix)
}

// nextIndex advances the route's round-robin cursor.
func (r *Route) nextIndex() int {
	if len(r.Targets) == 0 {
		return 0
	}
	return int(atomic.AddUint32(&r.rr, 1)-1) % len(r.Targets)
}

// Table is an immutable route snapshot. Static rules are matched most
// specific path prefix first, ties broken by longest host match, then by
// registration order. If no static rule matches, hosts following the
// dynamic pattern <uniqueID>-<port>.<domainSuffix> are resolved through
// the Registry.
type Table struct {
	rules        []*Route
	domainSuffix string
	registry     *Registry
	dynPolicy    RoutePolicy
	cache        *lru.Cache[string, *Route]
}

// NewTable builds a snapshot from rules. The rules slice is copied and
// sorted; callers may not mutate routes after publishing. registry may be
// nil to disable dynamic resolution.
func NewTable(rules []*Route, domainSuffix string, registry *Registry, dynPolicy RoutePolicy) *Table {
	sorted := make([]*Route, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].PathPrefix) != len(sorted[j].PathPrefix) {
			return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
		}
		return len(sorted[i].Host) > len(sorted[j].Host)
	})
	cache, _ := lru.New[string, *Route](resolutionCacheSize)
	return &Table{
		rules:        sorted,
		domainSuffix: domainSuffix,
		registry:     registry,
		dynPolicy:    dynPolicy,
		cache:        cache,
	}
}

// Resolve returns the route for (host, path), or a no-route error.
// No-route is an expected outcome, not a fault; check it with IsNoRoute.
func (t *Table) Resolve(host, path string) (*Route, error) {
	host = stripPort(host)

	key := host + "\n" + path
	if route, ok := t.cache.Get(key); ok {
		return route, nil
	}
	for _, route := range t.rules {
		if route.matches(host, path) {
			t.cache.Add(key, route)
			return route, nil
		}
	}

	// Dynamic resolution reads the live registry, so its results are not
	// cached: an unregistered backend must stop resolving immediately.
	if t.registry != nil {
		if route := t.resolveDynamic(host); route != nil {
			return route, nil
		}
	}
	return nil, errors.WithStack(noRouteError{})
}

func (t *Table) resolveDynamic(host string) *Route {
	uniqueID, port, ok := parseHostTarget(host)
	if !ok {
		return nil
	}
	if t.domainSuffix != "" && !strings.HasSuffix(host, "."+t.domainSuffix) {
		return nil
	}
	namespace, ok := t.registry.Lookup(uniqueID)
	if !ok {
		return nil
	}
	addr := fmt.Sprintf("%s.%s.svc.cluster.local:%d", uniqueID, namespace, port)
	return &Route{
		Name:       "dynamic",
		Host:       host,
		PathPrefix: "/",
		Targets:    []*UpstreamTarget{{Addr: addr}},
		Policy:     t.dynPolicy,
	}
}

// parseHostTarget splits a dynamic host into its uniqueID and port,
// ignoring any :port suffix on the Host header itself.
func parseHostTarget(host string) (uniqueID string, port int, ok bool) {
	m := hostPattern.FindStringSubmatch(host)
	if m == nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(m[2])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return m[1], port, true
}

// stripPort drops a :port suffix, leaving IPv6 literals intact.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// RouteTable publishes immutable Table snapshots. Readers resolve against
// whatever snapshot is current when they start; an update mid-resolution
// cannot yield a mix of old and new rules because snapshots are swapped
// wholesale and never mutated.
type RouteTable struct {
	snap atomic.Pointer[Table]
}

// NewRouteTable returns a RouteTable serving the given initial snapshot.
func NewRouteTable(t *Table) *RouteTable {
	rt := &RouteTable{}
	rt.snap.Store(t)
	return rt
}

// Publish atomically replaces the current snapshot.
func (rt *RouteTable) Publish(t *Table) {
	rt.snap.Store(t)
}

// Snapshot returns the current snapshot.
func (rt *RouteTable) Snapshot() *Table {
	return rt.snap.Load()
}

// Resolve resolves against the current snapshot.
func (rt *RouteTable) Resolve(host, path string) (*Route, error) {
	return rt.Snapshot().Resolve(host, path)
}

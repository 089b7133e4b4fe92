// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// aLongTimeAgo is a non-zero deadline in the past used to interrupt
// blocked connection reads and writes when a request is cancelled.
var aLongTimeAgo = time.Unix(1, 0)

// hopHeaders are removed when forwarding, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder orchestrates one request: resolve a route, admit the request,
// acquire a pooled upstream connection, stream the request up and the
// response back, and report the outcome. It implements http.Handler.
type Forwarder struct {
	Routes    *RouteTable
	Pools     *PoolManager
	Admission *AdmissionController
	Health    *Tracker    // optional
	Events    EventSink   // optional
	Logger    *zap.Logger // optional
}

func (fw *Forwarder) logger() *zap.Logger {
	if fw.Logger == nil {
		return zap.NewNop()
	}
	return fw.Logger
}

func (fw *Forwarder) events() EventSink {
	if fw.Events == nil {
		return NopSink{}
	}
	return fw.Events
}

func (fw *Forwarder) record(target *UpstreamTarget, success bool) {
	if fw.Health != nil {
		fw.Health.Record(target.Addr, success)
	}
}

func (fw *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ev := &RequestEvent{ID: uuid.New()}
	defer func() {
		ev.Latency = time.Since(start)
		fw.events().RequestDone(*ev)
	}()

	route, err := fw.Routes.Resolve(r.Host, r.URL.Path)
	if err != nil {
		ev.Outcome = OutcomeNoRoute
		ev.Status = http.StatusNotFound
		fw.logger().Debug("no route", zap.String("host", r.Host), zap.String("path", r.URL.Path))
		http.Error(w, "no route", http.StatusNotFound)
		return
	}
	ev.Route = route.Name

	timeout := route.Policy.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	slot, err := fw.Admission.Acquire(ctx, route)
	if err != nil {
		fw.finish(w, ev, err)
		return
	}
	defer slot.Release()

	if isUpgradeRequest(r) {
		fw.tunnelUpgrade(ctx, w, r, route, ev)
		return
	}

	fw.forward(ctx, w, r, route, ev)
}

type attemptResult int

const (
	attemptDone  attemptResult = iota // response delivered, or failed past the point of retry
	attemptRetry                      // no response bytes sent, next candidate may be tried
	attemptAbort                      // terminal failure, no response bytes sent
)

func (fw *Forwarder) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, route *Route, ev *RequestEvent) {
	budget := route.Policy.Retries + 1
	if budget < 1 {
		budget = 1
	}
	order := fw.candidateOrder(route)
	if len(order) == 0 {
		fw.finish(w, ev, errors.WithStack(upstreamUnreachableError{}))
		return
	}

	attempts := 0
	var lastErr error
	pass := func(gated bool) bool {
		for _, target := range order {
			if attempts >= budget || ctx.Err() != nil {
				return false
			}
			if gated && fw.Health != nil && !fw.Health.Allow(target.Addr) {
				continue
			}
			attempts++
			ev.Retries = attempts - 1
			ev.Target = target.Addr
			res, err := fw.attempt(ctx, w, r, target, attempts > 1, ev)
			switch res {
			case attemptDone:
				return true
			case attemptAbort:
				lastErr = err
				return true
			case attemptRetry:
				lastErr = err
			}
		}
		return false
	}

	if !pass(true) && attempts == 0 && ctx.Err() == nil {
		// every candidate's circuit refused the request; availability
		// beats purity here, so try them anyway
		pass(false)
	}

	if ev.Outcome != "" {
		return
	}
	if lastErr == nil {
		lastErr = ctx.Err()
		if lastErr == nil {
			lastErr = errors.WithStack(upstreamUnreachableError{})
		}
	}
	fw.finish(w, ev, lastErr)
}

// candidateOrder returns the targets to try, first eligible ones in rule
// order, then the rest. If every target's circuit is Open the full list is
// rotated round-robin so degraded traffic still spreads out.
func (fw *Forwarder) candidateOrder(route *Route) []*UpstreamTarget {
	targets := route.Targets
	if fw.Health == nil || len(targets) < 2 {
		return targets
	}
	eligible := make([]*UpstreamTarget, 0, len(targets))
	rest := make([]*UpstreamTarget, 0, len(targets))
	for _, t := range targets {
		if fw.Health.Eligible(t.Addr) {
			eligible = append(eligible, t)
		} else {
			rest = append(rest, t)
		}
	}
	if len(eligible) > 0 {
		return append(eligible, rest...)
	}
	start := route.nextIndex()
	rotated := make([]*UpstreamTarget, 0, len(targets))
	for i := range targets {
		rotated = append(rotated, targets[(start+i)%len(targets)])
	}
	return rotated
}

// attempt forwards the request to one target. It releases every resource
// it acquires on every path, and never returns attemptRetry once a byte of
// the response has been sent to the client.
func (fw *Forwarder) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request, target *UpstreamTarget, retrying bool, ev *RequestEvent) (attemptResult, error) {
	outreq, err := fw.buildOutbound(ctx, r, target, retrying)
	if err != nil {
		return attemptAbort, err
	}

	pc, err := fw.Pools.Acquire(ctx, target)
	if err != nil {
		switch {
		case IsRejected(err), IsTimeout(err), IsClientGone(err):
			return attemptAbort, err
		default:
			fw.record(target, false)
			return attemptRetry, err
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		pc.SetDeadline(deadline)
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			pc.SetDeadline(aLongTimeAgo)
		case <-stop:
		}
	}()
	defer close(stop)

	// With a body present the request is written concurrently so upstreams
	// that stream their response before consuming the full request do not
	// deadlock against us.
	hasBody := outreq.Body != nil && outreq.Body != http.NoBody && outreq.ContentLength != 0
	var writeErr error
	var wg sync.WaitGroup
	if hasBody {
		wg.Add(1)
		go func() {
			defer wg.Done()
			writeErr = outreq.Write(pc)
		}()
	} else {
		writeErr = outreq.Write(pc)
		if writeErr != nil {
			fw.Pools.Release(pc, true)
			fw.record(target, false)
			return fw.preResponseFailure(ctx, r, writeErr)
		}
	}

	resp, err := http.ReadResponse(pc.Reader, outreq)
	if err != nil {
		// unblock the body writer before waiting for it
		pc.SetDeadline(aLongTimeAgo)
		wg.Wait()
		fw.Pools.Release(pc, true)
		fw.record(target, false)
		return fw.preResponseFailure(ctx, r, err)
	}

	copyHeader(w.Header(), resp.Header)
	removeHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	written, readErr, clientErr := flushCopy(w, resp.Body)
	resp.Body.Close()
	wg.Wait()

	broken := writeErr != nil || readErr != nil || clientErr != nil || resp.Close
	fw.Pools.Release(pc, broken)

	if readErr != nil || writeErr != nil {
		fw.record(target, false)
		if ctx.Err() == context.Canceled {
			ev.Outcome = OutcomeClientGone
			return attemptDone, nil
		}
		// bytes may already be on the wire; terminate the client
		// connection rather than deliver a corrupt response
		ev.Outcome = OutcomePartialError
		ev.Status = resp.StatusCode
		fw.logger().Warn("upstream failed mid-response",
			zap.String("target", target.Addr),
			zap.Int64("written", written),
			zap.Error(firstErr(readErr, writeErr)))
		panic(http.ErrAbortHandler)
	}
	if clientErr != nil {
		// the upstream held up its end, only the client went away
		fw.record(target, true)
		ev.Outcome = OutcomeClientGone
		ev.Status = resp.StatusCode
		return attemptDone, nil
	}

	fw.record(target, true)
	ev.Outcome = OutcomeSuccess
	ev.Status = resp.StatusCode
	return attemptDone, nil
}

// preResponseFailure classifies a transport failure that happened before
// any response bytes reached the client.
func (fw *Forwarder) preResponseFailure(ctx context.Context, r *http.Request, err error) (attemptResult, error) {
	if ctx.Err() == context.Canceled {
		return attemptAbort, ctx.Err()
	}
	if ctx.Err() == context.DeadlineExceeded || IsTimeout(err) {
		return attemptAbort, errors.WithStack(timeoutError{})
	}
	// retrying means replaying the body; refuse when that is impossible
	if bodyConsumed(r) {
		return attemptAbort, errors.Wrap(upstreamUnreachableError{}, err.Error())
	}
	return attemptRetry, errors.Wrap(upstreamUnreachableError{}, err.Error())
}

func bodyConsumed(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return false
	}
	return r.GetBody == nil
}

// buildOutbound clones the inbound request for one upstream attempt.
func (fw *Forwarder) buildOutbound(ctx context.Context, r *http.Request, target *UpstreamTarget, retrying bool) (*http.Request, error) {
	outreq := r.Clone(ctx)
	outreq.RequestURI = ""
	outreq.URL.Scheme = "http"
	outreq.URL.Host = target.Addr
	outreq.Close = false
	removeHopHeaders(outreq.Header)
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		outreq.Header.Set("X-Forwarded-For", ip)
	}
	if retrying && r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		if r.GetBody == nil {
			return nil, errors.Wrap(upstreamUnreachableError{}, "request body cannot be replayed")
		}
		body, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		outreq.Body = body
	}
	return outreq, nil
}

// finish maps a terminal error to the client-visible response.
func (fw *Forwarder) finish(w http.ResponseWriter, ev *RequestEvent, err error) {
	switch {
	case IsRejected(err):
		ev.Outcome = OutcomeRejected
		ev.Status = http.StatusServiceUnavailable
		http.Error(w, "gateway overloaded", http.StatusServiceUnavailable)
	case IsTimeout(err) || errors.Cause(err) == context.DeadlineExceeded:
		ev.Outcome = OutcomeTimeout
		ev.Status = http.StatusGatewayTimeout
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	case IsClientGone(err):
		ev.Outcome = OutcomeClientGone
	default:
		ev.Outcome = OutcomeUpstreamErr
		ev.Status = http.StatusBadGateway
		fw.logger().Warn("upstream failure", zap.String("route", ev.Route), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// removeHopHeaders strips connection-scoped headers; they describe one
// hop and must not be relayed end to end in either direction.
func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// flushCopy streams src to dst, flushing after every chunk so responses
// reach the client as the upstream produces them. Read and write errors
// are reported separately: a read error means the upstream broke off, a
// write error means the client did.
func flushCopy(dst io.Writer, src io.Reader) (written int64, readErr, writeErr error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, nil, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil, nil
			}
			return written, rerr, nil
		}
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

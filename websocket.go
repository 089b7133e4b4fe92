// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// tunnelUpgrade relays a protocol upgrade (WebSocket and friends) by
// hijacking the client connection and copying bytes in both directions.
// The upstream connection is always discarded afterwards; a tunneled
// connection cannot be reused for HTTP.
func (fw *Forwarder) tunnelUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request, route *Route, ev *RequestEvent) {
	order := fw.candidateOrder(route)
	if len(order) == 0 {
		fw.finish(w, ev, upstreamUnreachableError{})
		return
	}
	target := order[0]
	if fw.Health != nil && !fw.Health.Allow(target.Addr) {
		// degrade to try anyway; upgrades are not retried
		fw.logger().Debug("upgrade to open target", zap.String("target", target.Addr))
	}
	ev.Target = target.Addr

	pc, err := fw.Pools.Acquire(ctx, target)
	if err != nil {
		if !IsRejected(err) && !IsClientGone(err) {
			fw.record(target, false)
		}
		fw.finish(w, ev, err)
		return
	}

	if deadline, ok := ctx.Deadline(); ok {
		pc.SetDeadline(deadline)
	}

	outreq := r.Clone(ctx)
	outreq.RequestURI = ""
	outreq.URL.Scheme = "http"
	outreq.URL.Host = target.Addr
	// hop headers stay: Connection and Upgrade carry the handshake

	if err = outreq.Write(pc); err != nil {
		fw.Pools.Release(pc, true)
		fw.record(target, false)
		fw.finish(w, ev, err)
		return
	}
	resp, err := http.ReadResponse(pc.Reader, outreq)
	if err != nil {
		fw.Pools.Release(pc, true)
		fw.record(target, false)
		fw.finish(w, ev, err)
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// upstream declined the upgrade, relay its answer
		copyHeader(w.Header(), resp.Header)
		removeHopHeaders(w.Header())
		w.WriteHeader(resp.StatusCode)
		_, readErr, _ := flushCopy(w, resp.Body)
		resp.Body.Close()
		fw.Pools.Release(pc, true)
		fw.record(target, readErr == nil)
		ev.Status = resp.StatusCode
		if readErr == nil {
			ev.Outcome = OutcomeSuccess
		} else {
			ev.Outcome = OutcomePartialError
		}
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		fw.Pools.Release(pc, true)
		fw.record(target, false)
		http.Error(w, "upgrade unsupported", http.StatusInternalServerError)
		ev.Outcome = OutcomeUpstreamErr
		ev.Status = http.StatusInternalServerError
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		fw.Pools.Release(pc, true)
		fw.record(target, false)
		ev.Outcome = OutcomeClientGone
		return
	}
	defer clientConn.Close()

	// the tunnel is interactive from here on, no request deadline applies
	pc.SetDeadline(time.Time{})
	resp.Body = nil
	if err = resp.Write(clientBuf); err == nil {
		err = clientBuf.Flush()
	}
	if err != nil {
		fw.Pools.Release(pc, true)
		fw.record(target, false)
		ev.Outcome = OutcomeClientGone
		return
	}

	fw.record(target, true)
	ev.Status = http.StatusSwitchingProtocols

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// pc.Reader may hold bytes the upstream sent right after the handshake
		io.Copy(clientConn, pc.Reader)
		clientConn.Close()
	}()
	io.Copy(pc, clientBuf.Reader)
	pc.Conn.Close()
	wg.Wait()

	fw.Pools.Release(pc, true)
	ev.Outcome = OutcomeSuccess
}

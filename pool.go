// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Dialer establishes an upstream connection.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// PooledConn is one reusable upstream connection, checked out exclusively
// to a single in-flight request at a time.
type PooledConn struct {
	net.Conn
	Reader   *bufio.Reader // buffered reads from Conn
	target   *UpstreamTarget
	pool     *targetPool
	lastUsed time.Time
}

// Target returns the upstream target this connection belongs to.
func (pc *PooledConn) Target() *UpstreamTarget { return pc.target }

// PoolManager owns, per upstream target, a bounded set of reusable
// outbound connections. The zero value is usable; fields must not be
// changed after the first call to Acquire.
type PoolManager struct {
	MaxPerTarget int           // pool cap per target, DefaultPoolSize if zero
	IdleExpiry   time.Duration // idle lifetime, DefaultIdleExpiry if zero
	DialTimeout  time.Duration // new-connection timeout, DefaultDialTimeout if zero
	Dial         Dialer        // defaults to a plain TCP dialer
	Clock        clock.Clock   // defaults to the real clock

	mu       sync.Mutex
	pools    map[string]*targetPool
	doneChan chan struct{}
}

// targetPool tracks one target's connections. tokens is a semaphore on the
// number of connections in existence for the target (in use plus idle);
// a token is consumed when a connection is dialed and returned when one is
// discarded, so in-use can never exceed the cap.
type targetPool struct {
	addr   string
	idle   chan *PooledConn
	tokens chan struct{}
	pm     *PoolManager
}

func (pm *PoolManager) maxPerTarget() int {
	if pm.MaxPerTarget < 1 {
		return DefaultPoolSize
	}
	return pm.MaxPerTarget
}

func (pm *PoolManager) idleExpiry() time.Duration {
	if pm.IdleExpiry <= 0 {
		return DefaultIdleExpiry
	}
	return pm.IdleExpiry
}

func (pm *PoolManager) clock() clock.Clock {
	if pm.Clock == nil {
		return clock.New()
	}
	return pm.Clock
}

func (pm *PoolManager) dialer() Dialer {
	if pm.Dial != nil {
		return pm.Dial
	}
	timeout := pm.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	nd := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return nd.DialContext(ctx, "tcp", addr)
	}
}

func (pm *PoolManager) getDoneChanLocked() chan struct{} {
	if pm.doneChan == nil {
		pm.doneChan = make(chan struct{})
	}
	return pm.doneChan
}

func (pm *PoolManager) getPool(addr string) *targetPool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.pools == nil {
		pm.pools = make(map[string]*targetPool)
	}
	tp := pm.pools[addr]
	if tp == nil {
		max := pm.maxPerTarget()
		tp = &targetPool{
			addr:   addr,
			idle:   make(chan *PooledConn, max),
			tokens: make(chan struct{}, max),
			pm:     pm,
		}
		for i := 0; i < max; i++ {
			tp.tokens <- struct{}{}
		}
		pm.pools[addr] = tp
	}
	return tp
}

// Acquire returns a connection to target, reusing an idle one when
// available, dialing a new one below the cap, and otherwise blocking until
// a connection frees up or ctx expires. Expiry yields a pool-exhausted
// error (check with IsRejected); a cancelled ctx yields its own error.
func (pm *PoolManager) Acquire(ctx context.Context, target *UpstreamTarget) (*PooledConn, error) {
	pm.mu.Lock()
	done := pm.getDoneChanLocked()
	pm.mu.Unlock()

	tp := pm.getPool(target.Addr)
	for {
		select {
		case <-done:
			return nil, errors.WithStack(gatewayClosedError{})
		default:
		}
		if pc := tp.tryIdle(); pc != nil {
			return pc, nil
		}
		select {
		case <-tp.tokens:
			return tp.dial(ctx, target)
		default:
		}
		select {
		case pc := <-tp.idle:
			if tp.expired(pc) {
				tp.discard(pc)
				continue
			}
			return pc, nil
		case <-tp.tokens:
			return tp.dial(ctx, target)
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, errors.WithStack(poolExhaustedError{})
			}
			return nil, ctx.Err()
		case <-done:
			return nil, errors.WithStack(gatewayClosedError{})
		}
	}
}

// tryIdle returns a non-expired idle connection without blocking,
// lazily reaping any expired ones it encounters.
func (tp *targetPool) tryIdle() *PooledConn {
	for {
		select {
		case pc := <-tp.idle:
			if tp.expired(pc) {
				tp.discard(pc)
				continue
			}
			return pc
		default:
			return nil
		}
	}
}

func (tp *targetPool) expired(pc *PooledConn) bool {
	return tp.pm.clock().Since(pc.lastUsed) > tp.pm.idleExpiry()
}

// discard closes a connection and returns its capacity token.
func (tp *targetPool) discard(pc *PooledConn) {
	pc.Conn.Close()
	tp.tokens <- struct{}{}
}

// dial is called holding a capacity token, which is returned on failure.
func (tp *targetPool) dial(ctx context.Context, target *UpstreamTarget) (*PooledConn, error) {
	conn, err := tp.pm.dialer()(ctx, tp.addr)
	if err != nil {
		tp.tokens <- struct{}{}
		if ctx.Err() == context.DeadlineExceeded {
			// the request deadline expired mid-dial, not pool pressure
			return nil, errors.WithStack(timeoutError{})
		}
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(upstreamUnreachableError{}, err.Error())
	}
	return &PooledConn{
		Conn:     conn,
		Reader:   bufio.NewReader(conn),
		target:   target,
		pool:     tp,
		lastUsed: tp.pm.clock().Now(),
	}, nil
}

// Release returns pc to its pool, or discards it if broken or if the
// pool has been closed. A broken connection is never returned to the
// idle set.
func (pm *PoolManager) Release(pc *PooledConn, broken bool) {
	if pc == nil {
		return
	}
	tp := pc.pool
	if !broken {
		pc.lastUsed = pm.clock().Now()
		pc.SetDeadline(time.Time{})
		// parking under the mutex keeps Release ordered against Close,
		// which drains the idle set holding the same mutex
		pm.mu.Lock()
		select {
		case <-pm.getDoneChanLocked():
			// the pool is closed, retire the connection instead
		default:
			select {
			case tp.idle <- pc:
				pm.mu.Unlock()
				return
			default:
				// can only happen if Release is called twice for one Acquire
			}
		}
		pm.mu.Unlock()
	}
	tp.discard(pc)
}

// InUse returns the number of connections currently checked out for addr.
func (pm *PoolManager) InUse(addr string) int {
	pm.mu.Lock()
	tp := pm.pools[addr]
	pm.mu.Unlock()
	if tp == nil {
		return 0
	}
	existing := cap(tp.tokens) - len(tp.tokens)
	return existing - len(tp.idle)
}

// Close discards all idle connections and fails pending and future
// acquires with a gateway-closed error. Connections currently checked
// out are unaffected; they are closed as their requests release them.
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	select {
	case <-pm.getDoneChanLocked():
	default:
		close(pm.doneChan)
	}
	for _, tp := range pm.pools {
		for {
			select {
			case pc := <-tp.idle:
				pc.Conn.Close()
			default:
			}
			if len(tp.idle) == 0 {
				break
			}
		}
	}
	return nil
}

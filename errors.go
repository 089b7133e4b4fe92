// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

type noRouteError struct{}

func (noRouteError) Error() string { return "no route" }

type poolExhaustedError struct{}

func (poolExhaustedError) Error() string { return "pool exhausted" }

type rejectedError struct{}

func (rejectedError) Error() string { return "rejected" }

type gatewayClosedError struct{}

func (gatewayClosedError) Error() string { return "gateway closed" }

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type upstreamUnreachableError struct{}

func (upstreamUnreachableError) Error() string { return "upstream unreachable" }

type partialResponseError struct{}

func (partialResponseError) Error() string { return "upstream failed mid-response" }

// IsNoRoute reports whether err means no route matched the request.
func IsNoRoute(err error) bool { return errors.Cause(err) == noRouteError{} }

// IsRejected reports whether err is a load-shedding outcome: either the
// admission ceiling or the connection pool refused the request in time.
func IsRejected(err error) bool {
	switch errors.Cause(err) {
	case rejectedError{}, poolExhaustedError{}:
		return true
	}
	return false
}

// IsTimeout reports whether err is a deadline expiry, either our own or one
// reported by the transport or context.
func IsTimeout(err error) bool {
	cause := errors.Cause(err)
	if cause == context.DeadlineExceeded {
		return true
	}
	if ne, ok := cause.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// IsClientGone reports whether err means the inbound client went away before
// a response could be delivered.
func IsClientGone(err error) bool {
	return errors.Cause(err) == context.Canceled
}

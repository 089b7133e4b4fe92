// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package httpgate

// sanity check the defaults
func init() {
	if DefaultRequestTimeout <= 0 {
		panic("DefaultRequestTimeout <= 0")
	}
	if DefaultRetries < 0 {
		panic("DefaultRetries < 0")
	}
	if DefaultPoolSize < 1 {
		panic("DefaultPoolSize < 1")
	}
	if DefaultMaxInFlight < 1 {
		panic("DefaultMaxInFlight < 1")
	}
	if DefaultFailureThreshold < 1 {
		panic("DefaultFailureThreshold < 1")
	}
	if DefaultCoolDown <= 0 {
		panic("DefaultCoolDown <= 0")
	}
	if DefaultCoolDown > DefaultMaxCoolDown {
		panic("DefaultCoolDown > DefaultMaxCoolDown")
	}
	if DefaultDialTimeout <= 0 {
		panic("DefaultDialTimeout <= 0")
	}
	if DefaultDialTimeout > DefaultRequestTimeout {
		panic("DefaultDialTimeout > DefaultRequestTimeout")
	}
}

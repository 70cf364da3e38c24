// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package failpoint simulates crashes at operation phase boundaries.
// Tests arm a point; the executor trips it and aborts exactly as if the
// host had died there, which is how idempotent replay gets exercised
// without actually killing processes.
package failpoint

import (
	"sync"

	"github.com/juju/errors"
)

// Phase boundaries where execution can be cut.
const (
	AfterCheck   = "after-check"
	AfterUpdate  = "after-update"
	AfterAccount = "after-account"
	AfterNotify  = "after-notify"
)

// ErrTriggered is the simulated crash. The scheduler treats it like any
// transient failure: the attempt counts, the operation stays queued.
const ErrTriggered = errors.ConstError("failpoint triggered")

type point struct {
	method   string
	boundary string
}

var (
	mu    sync.Mutex
	armed map[point]int
)

// Set arms a failpoint to fire once.
func Set(method, boundary string) {
	SetN(method, boundary, 1)
}

// SetN arms a failpoint to fire the next n times it is reached.
func SetN(method, boundary string, n int) {
	mu.Lock()
	defer mu.Unlock()
	if armed == nil {
		armed = make(map[point]int)
	}
	armed[point{method, boundary}] = n
}

// Clear disarms everything.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	armed = nil
}

// Trigger fires when the named point is armed. The executor calls this
// between phases; everyone else leaves it alone.
func Trigger(method, boundary string) error {
	mu.Lock()
	defer mu.Unlock()
	p := point{method, boundary}
	n, ok := armed[p]
	if !ok || n <= 0 {
		return nil
	}
	if n == 1 {
		delete(armed, p)
	} else {
		armed[p] = n - 1
	}
	return errors.Annotatef(ErrTriggered, "%s %s", method, boundary)
}

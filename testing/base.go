// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package testing provides fixtures shared by the viewfinder test suites.
package testing

import (
	"time"

	"github.com/juju/testing"
)

// BaseSuite isolates a test from the host: no real home directory, no
// environment variables, and no leaked goroutines. Suites that touch the
// store should use StateSuite instead.
type BaseSuite struct {
	testing.IsolationSuite
}

// TestTime is the moment the test clocks start at: 2013-01-01T00:00:00Z.
// Using a fixed, round epoch keeps encoded asset ids stable in tests.
var TestTime = time.Unix(1356998400, 0).UTC()

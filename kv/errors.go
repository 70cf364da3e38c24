// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package kv

import (
	"github.com/juju/errors"
)

const (
	// ErrConditionFailed is returned when a conditional put, update or
	// delete found the row in a state the preconditions exclude. It is a
	// correctness signal, never retried by the client, and callers are
	// expected to branch on it.
	ErrConditionFailed = errors.ConstError("condition failed")

	// ErrNotFound is returned by GetItem when the row does not exist.
	ErrNotFound = errors.ConstError("item not found")

	// ErrThroughputExceeded is the store throttling writes or reads.
	// Backends retry it internally with backoff before surfacing it.
	ErrThroughputExceeded = errors.ConstError("provisioned throughput exceeded")

	// ErrLimitExceeded is the store rejecting a request for exceeding a
	// service limit (batch size, item size).
	ErrLimitExceeded = errors.ConstError("request limit exceeded")

	// ErrTableNotFound is returned for operations on unknown tables.
	ErrTableNotFound = errors.ConstError("table not found")
)

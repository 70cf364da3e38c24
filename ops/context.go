// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/notify"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// Context carries one operation's identity and bound dependencies through
// its phases. The store it exposes is swapped by the executor between
// phases: during CHECK it is the audited client, afterwards the real one.
type Context struct {
	OpID      string
	Method    string
	UserID    int64
	DeviceID  int64
	Timestamp int64
	Attempt   int64

	store    *state.Store
	notifier *notify.Manager
	clock    clock.Clock
	logger   loggo.Logger
	accum    *state.AccountingAccumulator
	locks    *lock.Manager
	held     []*lock.Lock

	checkpoint []byte
}

// Store is the entity store, audited while CHECK runs.
func (oc *Context) Store() *state.Store {
	return oc.store
}

// Clock is the executor's clock.
func (oc *Context) Clock() clock.Clock {
	return oc.clock
}

// Logger logs under the executing operation's labels.
func (oc *Context) Logger() loggo.Logger {
	return oc.logger
}

// Accounting is the operation's accumulator. Deltas added anywhere are
// applied exactly once during ACCOUNT.
func (oc *Context) Accounting() *state.AccountingAccumulator {
	return oc.accum
}

// Notifier writes notifications through the current store binding.
func (oc *Context) Notifier() *notify.Manager {
	return oc.notifier.WithState(oc.store)
}

// NotifyArgs prefills the notification fields every operation shares.
func (oc *Context) NotifyArgs() notify.Args {
	return notify.Args{
		Name:           oc.Method,
		OpID:           oc.OpID,
		SenderID:       oc.UserID,
		SenderDeviceID: oc.DeviceID,
		Timestamp:      oc.Timestamp,
	}
}

// AcquireLocks takes the named resource locks in sorted order and holds
// them until the operation finishes. Operations whose lock set is only
// known after reading state (merges, terminations) call this during
// Check; lock failure is transient and the operation retries.
func (oc *Context) AcquireLocks(ctx context.Context, resources ...string) error {
	if len(resources) == 0 {
		return nil
	}
	sorted := append([]string(nil), resources...)
	sort.Strings(sorted)
	held, err := oc.locks.AcquireAll(ctx, oc.OpID, sorted...)
	if err != nil {
		return errors.Trace(err)
	}
	oc.held = append(oc.held, held...)
	return nil
}

// releaseLocks releases everything AcquireLocks took, newest first. Runs
// on a background context so a cancelled operation still unlocks.
func (oc *Context) releaseLocks() {
	for i := len(oc.held) - 1; i >= 0; i-- {
		l := oc.held[i]
		if err := l.Release(context.Background()); err != nil {
			oc.logger.Warningf("releasing %q after %s: %v", l.Resource(), oc.OpID, err)
		}
	}
	oc.held = nil
}

// LoadCheckpoint unmarshals the checkpoint from an earlier attempt into
// v, reporting whether one exists.
func (oc *Context) LoadCheckpoint(v interface{}) (bool, error) {
	if len(oc.checkpoint) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(oc.checkpoint, v); err != nil {
		return false, errors.Annotatef(err, "operation %q checkpoint", oc.OpID)
	}
	return true, nil
}

// SaveCheckpoint persists v as the operation's checkpoint. Called during
// CHECK, before any decision in v has been acted on, so that a replay
// re-reads the same decisions.
func (oc *Context) SaveCheckpoint(ctx context.Context, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	if err := oc.store.SetOperationCheckpoint(ctx, oc.UserID, oc.OpID, blob); err != nil {
		return errors.Trace(err)
	}
	oc.checkpoint = blob
	return nil
}

// NestedOp names an operation to run to completion before the current one
// re-enters. The id is allocated by the parent during CHECK and recorded
// in its checkpoint, so a replayed parent re-issues the same child.
type NestedOp struct {
	OperationID string
	Method      string
	Args        interface{}
}

// StopError aborts the current attempt so the scheduler can run nested
// operations first. Not a failure: the parent re-enters from its
// checkpoint afterwards.
type StopError struct {
	Nested []NestedOp
}

// Error is part of the error interface.
func (e *StopError) Error() string {
	return fmt.Sprintf("operation stopped for %d nested operation(s)", len(e.Nested))
}

// Stop builds the StopError for the given nested operations.
func Stop(nested ...NestedOp) error {
	return &StopError{Nested: nested}
}

// AsStop extracts a StopError from err when present.
func AsStop(err error) (*StopError, bool) {
	var stop *StopError
	if errors.As(err, &stop) {
		return stop, true
	}
	return nil, false
}

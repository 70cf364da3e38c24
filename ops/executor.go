// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/notify"
	"github.com/viewfinderco/viewfinder-sub004/ops/failpoint"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

var logger = loggo.GetLogger("viewfinder.ops")

// ExecutorConfig holds an Executor's dependencies.
type ExecutorConfig struct {
	State    *state.Store
	Locks    *lock.Manager
	Notifier *notify.Manager
	Registry *Registry
	Clock    clock.Clock
}

// Validate is part of the config pattern.
func (config ExecutorConfig) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Locks == nil {
		return errors.NotValidf("nil Locks")
	}
	if config.Notifier == nil {
		return errors.NotValidf("nil Notifier")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Executor drives a persisted operation through its phases:
//
//	CHECK    validate, decide, checkpoint; no asset mutations
//	UPDATE   apply mutations idempotently
//	ACCOUNT  apply usage deltas exactly once
//	NOTIFY   write notification rows, send alerts
//
// A crash between any two phases leaves the operation row in place; the
// scheduler re-runs Execute and the phases replay. CHECK re-reads its
// decisions from the checkpoint, UPDATE's writes tolerate repetition, and
// ACCOUNT dedups on the operation id, so every replay converges on the
// same final state.
type Executor struct {
	st       *state.Store
	locks    *lock.Manager
	notifier *notify.Manager
	registry *Registry
	clock    clock.Clock
}

// NewExecutor returns an Executor using the given dependencies.
func NewExecutor(config ExecutorConfig) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Executor{
		st:       config.State,
		locks:    config.Locks,
		notifier: config.Notifier,
		registry: config.Registry,
		clock:    config.Clock,
	}, nil
}

// Registry returns the executor's method registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one operation to completion. The caller holds the
// submitting user's queue lock for the whole call.
//
// A *StopError return means the operation wants nested operations run
// first: the caller executes them and calls Execute again, and the
// operation re-enters from its checkpoint. A client error (see
// params.IsClientError) is permanent; anything else is transient and the
// operation stays queued for retry.
func (e *Executor) Execute(ctx context.Context, row *state.Operation) error {
	args, err := row.ArgsMap()
	if err != nil {
		return errors.Trace(err)
	}
	op, err := e.registry.Decode(row.Method(), args)
	if err != nil {
		return errors.Trace(err)
	}

	oc := &Context{
		OpID:       row.ID(),
		Method:     row.Method(),
		UserID:     row.UserID(),
		DeviceID:   row.DeviceID(),
		Timestamp:  row.Timestamp(),
		Attempt:    row.Attempts(),
		store:      e.st,
		notifier:   e.notifier,
		clock:      e.clock,
		logger:     logger,
		accum:      state.NewAccountingAccumulator(),
		locks:      e.locks,
		checkpoint: row.Checkpoint(),
	}
	defer oc.releaseLocks()

	if err := oc.AcquireLocks(ctx, op.Locks(oc)...); err != nil {
		return errors.Trace(err)
	}

	// CHECK runs against the audited store so that a misbehaving method
	// cannot mutate asset tables before its decisions are durable.
	oc.store = e.st.WithKV(newAuditClient(e.st.KV(), e.st.TablePrefix()))
	if err := op.Check(ctx, oc); err != nil {
		return errors.Trace(err)
	}
	oc.store = e.st
	if err := failpoint.Trigger(oc.Method, failpoint.AfterCheck); err != nil {
		return errors.Trace(err)
	}

	if err := op.Update(ctx, oc); err != nil {
		return errors.Trace(err)
	}
	if err := failpoint.Trigger(oc.Method, failpoint.AfterUpdate); err != nil {
		return errors.Trace(err)
	}

	if err := op.Account(ctx, oc); err != nil {
		return errors.Trace(err)
	}
	if !oc.accum.IsZero() {
		if err := oc.accum.Apply(ctx, e.st, oc.OpID); err != nil {
			return errors.Trace(err)
		}
	}
	if err := failpoint.Trigger(oc.Method, failpoint.AfterAccount); err != nil {
		return errors.Trace(err)
	}

	if err := op.Notify(ctx, oc); err != nil {
		return errors.Trace(err)
	}
	if err := failpoint.Trigger(oc.Method, failpoint.AfterNotify); err != nil {
		return errors.Trace(err)
	}
	return nil
}

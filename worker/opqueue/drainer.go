// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package opqueue

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"golang.org/x/sync/semaphore"

	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/notify"
	"github.com/viewfinderco/viewfinder-sub004/ops"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

const (
	// pendingBatch is how many operation rows one queue query returns.
	pendingBatch = 10

	// maxNestedDepth bounds how deep nested operations may stack. The
	// only nesting in practice is share -> register_prospective_user.
	maxNestedDepth = 4

	// maxBackoff caps the retry delay of a failing operation.
	maxBackoff = time.Minute
)

// queueHost is the manager surface a drainer needs: retirement
// sequencing and synchronous waiter completion.
type queueHost interface {
	drainSeq(userID int64) uint64
	retire(userID int64, seq uint64) bool
	complete(userID int64, operationID string, err error) bool
	failWaiters(userID int64, err error)
}

type drainerConfig struct {
	UserID      int64
	Wakeup      <-chan struct{}
	Host        queueHost
	State       *state.Store
	Executor    *ops.Executor
	Locks       *lock.Manager
	Notifier    *notify.Manager
	Clock       clock.Clock
	Sem         *semaphore.Weighted
	Metrics     *Collector
	MaxAttempts int64
}

// Validate returns an error if the config is incomplete.
func (config drainerConfig) Validate() error {
	if config.Wakeup == nil {
		return errors.NotValidf("nil Wakeup")
	}
	if config.Host == nil {
		return errors.NotValidf("nil Host")
	}
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Executor == nil {
		return errors.NotValidf("nil Executor")
	}
	if config.Locks == nil {
		return errors.NotValidf("nil Locks")
	}
	if config.Notifier == nil {
		return errors.NotValidf("nil Notifier")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Sem == nil {
		return errors.NotValidf("nil Sem")
	}
	if config.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if config.MaxAttempts <= 0 {
		return errors.NotValidf("MaxAttempts %d", config.MaxAttempts)
	}
	return nil
}

// drainer empties one user's operation queue. It holds the user's queue
// lock while draining and releases it before parking, so another host
// can take over between bursts. A drainer that dies with an error is
// restarted by the runner; one that retires cleanly is forgotten.
type drainer struct {
	catacomb catacomb.Catacomb
	config   drainerConfig
}

func newDrainer(config drainerConfig) (*drainer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	d := &drainer{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &d.catacomb,
		Work: d.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *drainer) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *drainer) Wait() error {
	return d.catacomb.Wait()
}

func (d *drainer) loop() error {
	ctx := d.catacomb.Context(context.Background())
	for {
		snapshot := d.config.Host.drainSeq(d.config.UserID)
		if err := d.drain(ctx); err != nil {
			return errors.Trace(err)
		}
		if d.config.Host.retire(d.config.UserID, snapshot) {
			return nil
		}
		select {
		case <-d.catacomb.Dying():
			return d.catacomb.ErrDying()
		case <-d.config.Wakeup:
		}
	}
}

// drain takes the queue lock and executes until nothing is pending. A
// denied lock is not an error: the owning host drains the shared table,
// and only this host's synchronous waiters need failing.
func (d *drainer) drain(ctx context.Context) error {
	if err := d.config.Sem.Acquire(ctx, 1); err != nil {
		return errors.Trace(err)
	}
	defer d.config.Sem.Release(1)

	userID := d.config.UserID
	l, err := d.config.Locks.Acquire(ctx, lock.OpLockID(userID), "")
	if errors.Is(err, lock.ErrLockFailed) {
		d.config.Metrics.lockDenied.Inc()
		d.config.Host.failWaiters(userID, ErrQueueBusy)
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}

	renewer, err := lock.NewRenewer(lock.RenewerConfig{
		Lock:   l,
		Clock:  d.config.Clock,
		Logger: logger,
	})
	if err != nil {
		_ = l.Release(context.Background())
		return errors.Trace(err)
	}
	lost := make(chan struct{})
	go func() {
		defer close(lost)
		_ = renewer.Wait()
	}()
	start := d.config.Clock.Now()
	defer func() {
		renewer.Kill()
		<-lost
		if err := l.Release(context.Background()); err != nil {
			logger.Warningf("releasing queue lock for user %d: %v", userID, err)
		}
		d.config.Metrics.drainSeconds.Observe(d.config.Clock.Now().Sub(start).Seconds())
	}()

	return errors.Trace(d.run(ctx, lost))
}

// run executes queued operations in id order. Quarantined rows are
// stepped over; a failing row stays at the head and its backoff stalls
// the queue behind it.
func (d *drainer) run(ctx context.Context, lost <-chan struct{}) error {
	userID := d.config.UserID
	startAfter := ""
	for {
		select {
		case <-d.catacomb.Dying():
			return d.catacomb.ErrDying()
		case <-lost:
			return errors.Annotatef(lock.ErrNotHeld, "queue lock for user %d", userID)
		default:
		}

		pending, err := d.config.State.PendingOperations(ctx, userID, startAfter, pendingBatch)
		if err != nil {
			return errors.Trace(err)
		}
		var row *state.Operation
		for _, r := range pending {
			if r.IsQuarantined() {
				startAfter = r.ID()
				continue
			}
			row = r
			break
		}
		if row == nil {
			if len(pending) < pendingBatch {
				return nil
			}
			continue
		}
		if err := d.waitBackoff(lost, row.BackoffUntil()); err != nil {
			return errors.Trace(err)
		}
		if err := d.runOne(ctx, row); err != nil {
			return errors.Trace(err)
		}
	}
}

// runOne executes a single operation and settles its row: delete on
// success, backoff on transient failure, quarantine after MaxAttempts or
// on an unwaited client error. The returned error is drainer-fatal only.
func (d *drainer) runOne(ctx context.Context, row *state.Operation) error {
	st := d.config.State
	userID := d.config.UserID
	d.config.Metrics.started.Inc()

	err := d.execute(ctx, row, 0)
	if err == nil {
		if err := st.DeleteOperation(ctx, userID, row.ID()); err != nil {
			return errors.Trace(err)
		}
		d.config.Host.complete(userID, row.ID(), nil)
		d.config.Metrics.completed.Inc()
		return nil
	}

	if params.IsClientError(err) {
		// A waiting submitter gets the rejection directly and the row is
		// dropped. Without a waiter the row is quarantined so the error
		// is not silently lost.
		if d.config.Host.complete(userID, row.ID(), err) {
			logger.Infof("operation %q (%s) for user %d rejected: %v",
				row.ID(), row.Method(), userID, err)
			return errors.Trace(st.DeleteOperation(ctx, userID, row.ID()))
		}
		return errors.Trace(d.quarantine(ctx, row, err))
	}

	if ctx.Err() != nil {
		return errors.Trace(ctx.Err())
	}
	attempts, berr := st.BumpOperationAttempts(ctx, userID, row.ID(), d.nextBackoff(row.Attempts()+1))
	if berr != nil {
		return errors.Trace(berr)
	}
	logger.Errorf("operation %q (%s) for user %d failed, attempt %d: %v",
		row.ID(), row.Method(), userID, attempts, err)
	d.config.Metrics.failed.Inc()
	if attempts >= d.config.MaxAttempts {
		return errors.Trace(d.quarantine(ctx, row, err))
	}
	return nil
}

// execute runs the operation, handling stop-and-nest: nested operations
// are persisted, run to completion inline, deleted, and the parent
// re-enters from its checkpoint.
func (d *drainer) execute(ctx context.Context, row *state.Operation, depth int) error {
	err := d.config.Executor.Execute(ctx, row)
	for {
		stop, ok := ops.AsStop(err)
		if !ok {
			return err
		}
		if depth >= maxNestedDepth {
			return errors.Errorf("operation %q exceeded nesting depth %d", row.ID(), maxNestedDepth)
		}
		for _, n := range stop.Nested {
			if err := d.runNested(ctx, row, n, depth+1); err != nil {
				return errors.Trace(err)
			}
		}
		err = d.config.Executor.Execute(ctx, row)
	}
}

func (d *drainer) runNested(ctx context.Context, parent *state.Operation, n ops.NestedOp, depth int) error {
	st := d.config.State
	blob, err := json.Marshal(n.Args)
	if err != nil {
		return errors.Trace(err)
	}
	row, err := st.InsertOperation(ctx, state.InsertOperationArgs{
		UserID:      parent.UserID(),
		OperationID: n.OperationID,
		DeviceID:    parent.DeviceID(),
		Method:      n.Method,
		JSON:        string(blob),
		Timestamp:   parent.Timestamp(),
	})
	if errors.Is(err, errors.AlreadyExists) {
		// Re-issued by a replayed parent; resume the persisted row.
		row, err = st.Operation(ctx, parent.UserID(), n.OperationID)
	}
	if err != nil {
		return errors.Trace(err)
	}
	d.config.Metrics.nested.Inc()
	logger.Debugf("running nested operation %q (%s) under %q", row.ID(), row.Method(), parent.ID())
	if err := d.execute(ctx, row, depth); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.DeleteOperation(ctx, parent.UserID(), n.OperationID))
}

func (d *drainer) quarantine(ctx context.Context, row *state.Operation, cause error) error {
	st := d.config.State
	userID := d.config.UserID
	if err := st.QuarantineOperation(ctx, userID, row.ID()); err != nil {
		return errors.Trace(err)
	}
	d.config.Metrics.quarantined.Inc()
	d.config.Host.complete(userID, row.ID(), cause)
	logger.Errorf("operation %q (%s) for user %d quarantined: %v",
		row.ID(), row.Method(), userID, cause)
	_, err := d.config.Notifier.Notify(ctx, userID, notify.Args{
		Name:           "quarantine",
		OpID:           row.ID(),
		SenderID:       userID,
		SenderDeviceID: row.DeviceID(),
		Timestamp:      d.config.Clock.Now().Unix(),
	})
	if err != nil {
		// The row is already set aside; losing the notification only
		// delays the client finding out.
		logger.Errorf("notifying user %d of quarantined %q: %v", userID, row.ID(), err)
	}
	return nil
}

func (d *drainer) waitBackoff(lost <-chan struct{}, until int64) error {
	now := d.config.Clock.Now().Unix()
	if until <= now {
		return nil
	}
	select {
	case <-d.catacomb.Dying():
		return d.catacomb.ErrDying()
	case <-lost:
		return errors.Annotatef(lock.ErrNotHeld, "queue lock for user %d", d.config.UserID)
	case <-d.config.Clock.After(time.Duration(until-now) * time.Second):
		return nil
	}
}

// nextBackoff schedules the next attempt: exponential in the attempt
// count, capped at maxBackoff, with up to a second of jitter so retries
// from parallel hosts spread out.
func (d *drainer) nextBackoff(attempts int64) int64 {
	shift := attempts
	if shift > 6 {
		shift = 6
	}
	delay := time.Second << uint(shift)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	delay += time.Duration(rand.Int63n(int64(time.Second)))
	return d.config.Clock.Now().Add(delay).Unix()
}

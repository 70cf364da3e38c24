// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package opqueue drains persisted operation queues. Each user with
// queued work gets a drainer worker that takes the user's queue lock,
// executes operations in id order through the executor, and retires when
// the queue is empty. Submissions signal the manager over a pubsub topic
// so any number of frontends can share one scheduler.
package opqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"golang.org/x/sync/semaphore"

	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/notify"
	"github.com/viewfinderco/viewfinder-sub004/ops"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

var logger = loggo.GetLogger("viewfinder.opqueue")

// SubmittedTopic carries the user id (int64) of a freshly persisted
// operation. Publishing is decoupled from draining so a frontend can
// submit without holding a reference to the scheduler.
const SubmittedTopic = "opqueue.submitted"

const (
	// ErrQueueBusy fails synchronous waiters when another host holds the
	// user's queue lock. The operation still runs, on that host; the
	// submitter falls back to polling.
	ErrQueueBusy = errors.ConstError("user queue locked by another host")

	// ErrShuttingDown fails synchronous waiters when the scheduler stops
	// before their operation completes. The operation stays queued.
	ErrShuttingDown = errors.ConstError("operation queue shutting down")
)

const (
	// DefaultMaxConcurrentUsers bounds how many user queues drain at once.
	DefaultMaxConcurrentUsers = 16

	// DefaultMaxAttempts is how many failed attempts an operation gets
	// before quarantine.
	DefaultMaxAttempts = 20
)

// Result is the terminal outcome of one submitted operation.
type Result struct {
	OperationID string
	Err         error
}

// ManagerConfig holds a Manager's dependencies.
type ManagerConfig struct {
	State    *state.Store
	Executor *ops.Executor
	Locks    *lock.Manager
	Notifier *notify.Manager
	Hub      *pubsub.SimpleHub
	Clock    clock.Clock
	Metrics  *Collector

	// MaxConcurrentUsers bounds concurrent drains; zero means
	// DefaultMaxConcurrentUsers.
	MaxConcurrentUsers int

	// MaxAttempts overrides DefaultMaxAttempts when non-zero.
	MaxAttempts int64

	// ScanAll makes the manager scan the operation table at startup and
	// wake every user with queued work, recovering queues orphaned by a
	// crash.
	ScanAll bool
}

// Validate returns an error if the config is incomplete.
func (config ManagerConfig) Validate() error {
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
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	return nil
}

// Manager runs one drainer per user with queued work. The wakeup
// bookkeeping guarantees no submission is lost between a drainer seeing
// an empty queue and the runner forgetting it: every wake bumps the
// user's sequence, and a drainer only retires when the sequence it
// started from is still current.
type Manager struct {
	catacomb catacomb.Catacomb
	config   ManagerConfig
	runner   *worker.Runner
	sem      *semaphore.Weighted

	mu      sync.Mutex
	seq     map[int64]uint64
	wakeups map[int64]chan struct{}
	waiters map[int64]map[string][]chan Result
	starts  uint64
}

// NewManager returns a running operation queue manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.MaxConcurrentUsers <= 0 {
		config.MaxConcurrentUsers = DefaultMaxConcurrentUsers
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	m := &Manager{
		config: config,
		runner: worker.NewRunner(worker.RunnerParams{
			Clock:   config.Clock,
			IsFatal: func(error) bool { return false },
			Logger:  logger,
		}),
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrentUsers)),
		seq:     make(map[int64]uint64),
		wakeups: make(map[int64]chan struct{}),
		waiters: make(map[int64]map[string][]chan Result),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
		Init: []worker.Worker{m.runner},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}

// Report is shown in the engine report.
func (m *Manager) Report() map[string]interface{} {
	return m.runner.Report()
}

func (m *Manager) loop() error {
	unsubscribe := m.config.Hub.Subscribe(SubmittedTopic, m.onSubmitted)
	defer unsubscribe()

	if m.config.ScanAll {
		ctx := m.catacomb.Context(context.Background())
		users, err := m.config.State.OperationUsers(ctx)
		if err != nil {
			return errors.Annotate(err, "scanning for queued operations")
		}
		for _, userID := range users {
			if err := m.wake(userID); err != nil {
				return errors.Trace(err)
			}
		}
	}

	<-m.catacomb.Dying()
	m.failAllWaiters(ErrShuttingDown)
	return m.catacomb.ErrDying()
}

func (m *Manager) onSubmitted(topic string, data interface{}) {
	userID, ok := data.(int64)
	if !ok {
		logger.Warningf("discarding %s payload of type %T", topic, data)
		return
	}
	if err := m.wake(userID); err != nil {
		logger.Errorf("waking queue for user %d: %v", userID, err)
	}
}

// Submit signals that an operation has been persisted for userID. When
// synchronous, the returned channel delivers the operation's terminal
// result; otherwise it is nil.
func (m *Manager) Submit(userID int64, operationID string, synchronous bool) (<-chan Result, error) {
	var ch chan Result
	if synchronous {
		ch = make(chan Result, 1)
		m.mu.Lock()
		byOp, ok := m.waiters[userID]
		if !ok {
			byOp = make(map[string][]chan Result)
			m.waiters[userID] = byOp
		}
		byOp[operationID] = append(byOp[operationID], ch)
		m.mu.Unlock()
	}
	if err := m.wake(userID); err != nil {
		if synchronous {
			m.complete(userID, operationID, err)
		}
		return nil, errors.Trace(err)
	}
	return ch, nil
}

// wake bumps the user's sequence and pokes the live drainer, starting one
// when none exists. Drainer names are unique per start so a retiring
// worker can never collide with its replacement in the runner.
func (m *Manager) wake(userID int64) error {
	m.mu.Lock()
	m.seq[userID]++
	if ch, ok := m.wakeups[userID]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{}, 1)
	m.wakeups[userID] = ch
	m.starts++
	name := fmt.Sprintf("drain-%d-%d", userID, m.starts)
	m.mu.Unlock()

	err := m.runner.StartWorker(name, func() (worker.Worker, error) {
		return newDrainer(drainerConfig{
			UserID:      userID,
			Wakeup:      ch,
			Host:        m,
			State:       m.config.State,
			Executor:    m.config.Executor,
			Locks:       m.config.Locks,
			Notifier:    m.config.Notifier,
			Clock:       m.config.Clock,
			Sem:         m.sem,
			Metrics:     m.config.Metrics,
			MaxAttempts: m.config.MaxAttempts,
		})
	})
	if err != nil {
		m.mu.Lock()
		delete(m.wakeups, userID)
		delete(m.seq, userID)
		m.mu.Unlock()
		return errors.Annotatef(err, "starting drainer for user %d", userID)
	}
	return nil
}

// drainSeq is part of the queueHost interface.
func (m *Manager) drainSeq(userID int64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq[userID]
}

// retire is part of the queueHost interface. It succeeds only when no
// wake arrived after the given sequence was read; otherwise the drainer
// must run again.
func (m *Manager) retire(userID int64, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq[userID] != seq {
		return false
	}
	delete(m.seq, userID)
	delete(m.wakeups, userID)
	return true
}

// complete is part of the queueHost interface. It delivers the terminal
// result to any synchronous waiters and reports whether there were any.
func (m *Manager) complete(userID int64, operationID string, err error) bool {
	m.mu.Lock()
	byOp := m.waiters[userID]
	chans := byOp[operationID]
	delete(byOp, operationID)
	if len(byOp) == 0 {
		delete(m.waiters, userID)
	}
	m.mu.Unlock()
	for _, ch := range chans {
		ch <- Result{OperationID: operationID, Err: err}
	}
	return len(chans) > 0
}

// failWaiters is part of the queueHost interface.
func (m *Manager) failWaiters(userID int64, err error) {
	m.mu.Lock()
	byOp := m.waiters[userID]
	delete(m.waiters, userID)
	m.mu.Unlock()
	for opID, chans := range byOp {
		for _, ch := range chans {
			ch <- Result{OperationID: opID, Err: err}
		}
	}
}

func (m *Manager) failAllWaiters(err error) {
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = make(map[int64]map[string][]chan Result)
	m.mu.Unlock()
	for _, byOp := range waiters {
		for opID, chans := range byOp {
			for _, ch := range chans {
				ch <- Result{OperationID: opID, Err: err}
			}
		}
	}
}

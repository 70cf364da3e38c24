// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package lock provides advisory locks over the shared store. A lock is a
// single row taken with a conditional put; it protects a resource only by
// convention between cooperating hosts. Holders renew periodically, and a
// lock whose expiration has passed may be stolen, so locks abandoned by
// crashed hosts recover without intervention.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

var logger = loggo.GetLogger("viewfinder.lock")

const (
	// ErrLockFailed is returned by Acquire when another live holder owns
	// the resource. Acquisition never blocks; callers wait for a signal
	// and try again.
	ErrLockFailed = errors.ConstError("lock already held")

	// ErrNotHeld is returned by Renew when the lock row no longer names
	// this owner. The holder must stop touching the resource.
	ErrNotHeld = errors.ConstError("lock not held")
)

const (
	// AbandonmentTimeout is how long a lock stays valid after its last
	// renewal. A holder that cannot renew within this window loses the
	// lock to the next claimant.
	AbandonmentTimeout = 60 * time.Second

	// RenewalInterval is how often a Renewer refreshes a held lock.
	RenewalInterval = 20 * time.Second
)

// OpLockID names the lock serializing a user's operation queue.
func OpLockID(userID int64) string {
	return fmt.Sprintf("op:%d", userID)
}

// ViewpointLockID names the lock serializing structural changes to a
// shared viewpoint.
func ViewpointLockID(viewpointID string) string {
	return "vp:" + viewpointID
}

// ManagerConfig holds a Manager's dependencies.
type ManagerConfig struct {
	Store kv.Client
	Clock clock.Clock

	// OwnerID identifies this host in lock rows, typically
	// "<hostname>:<pid>".
	OwnerID string

	// TablePrefix is prepended to the lock table name, matching the
	// prefix used for the rest of the schema.
	TablePrefix string

	// Timeout overrides AbandonmentTimeout when non-zero.
	Timeout time.Duration
}

// Validate returns an error if the config is incomplete.
func (config ManagerConfig) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.OwnerID == "" {
		return errors.NotValidf("empty OwnerID")
	}
	return nil
}

// Manager acquires and releases locks on behalf of one owner.
type Manager struct {
	store   kv.Client
	clock   clock.Clock
	ownerID string
	table   kv.Table
	timeout time.Duration
}

// NewManager returns a Manager backed by config.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = AbandonmentTimeout
	}
	return &Manager{
		store:   config.Store,
		clock:   config.Clock,
		ownerID: config.OwnerID,
		table:   kv.Table{Name: config.TablePrefix + "lock", HashKey: "lock_id"},
		timeout: timeout,
	}, nil
}

// Acquire takes the named lock, or fails immediately with ErrLockFailed
// when a live holder owns it. Expired locks, and locks left behind by a
// previous incarnation of this same owner, are taken over. The data
// payload is stored on the row; op locks record the operation id being
// run so that operators can see what a stuck queue was doing.
func (m *Manager) Acquire(ctx context.Context, resource, data string) (*Lock, error) {
	now := m.clock.Now().Unix()
	item := kv.Item{
		"lock_id":    kv.S(resource),
		"owner_id":   kv.S(m.ownerID),
		"expiration": kv.N(now + int64(m.timeout/time.Second)),
		"renewed_at": kv.N(now),
		"acquires":   kv.N(1),
	}
	if data != "" {
		item["data"] = kv.S(data)
	}
	err := m.store.PutItem(ctx, m.table, item, kv.Absent("lock_id"))
	if err == nil {
		logger.Debugf("%s acquired %q", m.ownerID, resource)
		return &Lock{manager: m, resource: resource, data: data}, nil
	}
	if !errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.Trace(err)
	}

	row, err := m.store.GetItem(ctx, m.table, kv.Key{Hash: kv.S(resource)})
	if errors.Is(err, kv.ErrNotFound) {
		// Released between our put and read; the next wakeup wins it.
		return nil, errors.Annotatef(ErrLockFailed, "%q just released", resource)
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	owner := row.Str("owner_id")
	if owner != m.ownerID && now < row.Int("expiration") {
		return nil, errors.Annotatef(ErrLockFailed, "%q held by %s", resource, owner)
	}

	// Take over, expecting exactly the row we observed so that two
	// claimants racing for an expired lock cannot both win.
	item["acquires"] = kv.N(row.Int("acquires") + 1)
	err = m.store.PutItem(ctx, m.table, item,
		kv.Equals("owner_id", row["owner_id"]),
		kv.Equals("expiration", row["expiration"]),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.Annotatef(ErrLockFailed, "%q stolen concurrently", resource)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("%s took over %q from %s", m.ownerID, resource, owner)
	return &Lock{manager: m, resource: resource, data: data}, nil
}

// AcquireAll takes every named lock, or none. Resources are deduplicated
// and acquired in sorted order so that operations contending for
// overlapping sets cannot deadlock.
func (m *Manager) AcquireAll(ctx context.Context, data string, resources ...string) ([]*Lock, error) {
	var held []*Lock
	for _, resource := range set.NewStrings(resources...).SortedValues() {
		l, err := m.Acquire(ctx, resource, data)
		if err != nil {
			for _, h := range held {
				if rerr := h.Release(ctx); rerr != nil {
					logger.Warningf("releasing %q after failed acquisition: %v", h.resource, rerr)
				}
			}
			return nil, errors.Annotatef(err, "acquiring %q", resource)
		}
		held = append(held, l)
	}
	return held, nil
}

// Lock is a held lock. Methods may be called from any goroutine, but the
// usual arrangement is a single holder plus a Renewer.
type Lock struct {
	manager  *Manager
	resource string
	data     string
}

// Resource returns the locked resource id.
func (l *Lock) Resource() string {
	return l.resource
}

// Renew pushes the expiration out by the abandonment timeout. ErrNotHeld
// means the row no longer names this owner and the holder must abort.
func (l *Lock) Renew(ctx context.Context) error {
	m := l.manager
	now := m.clock.Now().Unix()
	_, err := m.store.UpdateItem(ctx, m.table, kv.Key{Hash: kv.S(l.resource)},
		[]kv.Update{
			kv.Put("expiration", kv.N(now+int64(m.timeout/time.Second))),
			kv.Put("renewed_at", kv.N(now)),
		},
		kv.Equals("owner_id", kv.S(m.ownerID)),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.Annotatef(ErrNotHeld, "%q", l.resource)
	}
	return errors.Trace(err)
}

// Release deletes the lock row. A release that loses to a concurrent
// steal logs a warning and returns nil; the thief owns the row now.
func (l *Lock) Release(ctx context.Context) error {
	m := l.manager
	err := m.store.DeleteItem(ctx, m.table, kv.Key{Hash: kv.S(l.resource)},
		kv.Equals("owner_id", kv.S(m.ownerID)),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		logger.Warningf("%s releasing %q: lock was stolen", m.ownerID, l.resource)
		return nil
	}
	return errors.Trace(err)
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package lock_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/kv"
	"github.com/viewfinderco/viewfinder-sub004/kv/memstore"
	"github.com/viewfinderco/viewfinder-sub004/lock"
	coretesting "github.com/viewfinderco/viewfinder-sub004/testing"
)

type renewerSuite struct {
	testing.IsolationSuite

	store *memstore.Store
	clock *testclock.Clock
	lock  *lock.Lock
}

var _ = gc.Suite(&renewerSuite{})

func (s *renewerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = memstore.New()
	s.clock = testclock.NewClock(coretesting.TestTime)

	m, err := lock.NewManager(lock.ManagerConfig{
		Store:   s.store,
		Clock:   s.clock,
		OwnerID: "host-a:100",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.lock, err = m.Acquire(context.Background(), lock.OpLockID(1), "")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *renewerSuite) newRenewer(c *gc.C) *lock.Renewer {
	w, err := lock.NewRenewer(lock.RenewerConfig{
		Lock:   s.lock,
		Clock:  s.clock,
		Logger: coretesting.NewCheckLogger(c),
	})
	c.Assert(err, jc.ErrorIsNil)
	return w
}

func (s *renewerSuite) TestConfigValidate(c *gc.C) {
	_, err := lock.NewRenewer(lock.RenewerConfig{Clock: s.clock, Logger: coretesting.NoopLogger{}})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = lock.NewRenewer(lock.RenewerConfig{Lock: s.lock, Logger: coretesting.NoopLogger{}})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = lock.NewRenewer(lock.RenewerConfig{Lock: s.lock, Clock: s.clock})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *renewerSuite) TestStopsCleanly(c *gc.C) {
	w := s.newRenewer(c)
	workertest.CheckAlive(c, w)
	workertest.CleanKill(c, w)
}

func (s *renewerSuite) TestRenewsOnInterval(c *gc.C) {
	w := s.newRenewer(c)
	defer workertest.CleanKill(c, w)

	err := s.clock.WaitAdvance(20*time.Second, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	// The timer is reset only after the renewal write, so waiting for
	// the next waiter guarantees the row has been updated.
	err = s.clock.WaitAdvance(0, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	row, err := s.store.GetItem(context.Background(),
		kv.Table{Name: "lock", HashKey: "lock_id"}, kv.Key{Hash: kv.S("op:1")})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(row.Int("renewed_at"), gc.Equals, coretesting.TestTime.Unix()+20)
	c.Check(row.Int("expiration"), gc.Equals, coretesting.TestTime.Unix()+80)
}

func (s *renewerSuite) TestDiesWhenLockLost(c *gc.C) {
	w := s.newRenewer(c)
	defer workertest.DirtyKill(c, w)

	// Another host takes the row out from under us.
	err := s.store.PutItem(context.Background(),
		kv.Table{Name: "lock", HashKey: "lock_id"},
		kv.Item{
			"lock_id":    kv.S("op:1"),
			"owner_id":   kv.S("host-b:200"),
			"expiration": kv.N(s.clock.Now().Unix() + 60),
			"renewed_at": kv.N(s.clock.Now().Unix()),
			"acquires":   kv.N(1),
		})
	c.Assert(err, jc.ErrorIsNil)

	err = s.clock.WaitAdvance(20*time.Second, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	err = workertest.CheckKilled(c, w)
	c.Assert(err, jc.ErrorIs, lock.ErrNotHeld)
}

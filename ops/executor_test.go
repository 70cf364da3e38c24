// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops_test

import (
	"context"
	"sort"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/notify"
	"github.com/viewfinderco/viewfinder-sub004/ops"
	"github.com/viewfinderco/viewfinder-sub004/ops/failpoint"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
)

type executorSuite struct {
	baseSuite
}

var _ = gc.Suite(&executorSuite{})

func (s *executorSuite) TestNewExecutorValidatesConfig(c *gc.C) {
	notifier, err := notify.NewManager(notify.ManagerConfig{
		State:  s.State,
		Clock:  s.Clock,
		Alerts: s.alerts,
	})
	c.Assert(err, jc.ErrorIsNil)
	valid := ops.ExecutorConfig{
		State:    s.State,
		Locks:    s.Locks,
		Notifier: notifier,
		Registry: ops.NewRegistry(),
		Clock:    s.Clock,
	}
	_, err = ops.NewExecutor(valid)
	c.Assert(err, jc.ErrorIsNil)

	for _, broken := range []struct {
		name   string
		mutate func(*ops.ExecutorConfig)
	}{
		{"State", func(cfg *ops.ExecutorConfig) { cfg.State = nil }},
		{"Locks", func(cfg *ops.ExecutorConfig) { cfg.Locks = nil }},
		{"Notifier", func(cfg *ops.ExecutorConfig) { cfg.Notifier = nil }},
		{"Registry", func(cfg *ops.ExecutorConfig) { cfg.Registry = nil }},
		{"Clock", func(cfg *ops.ExecutorConfig) { cfg.Clock = nil }},
	} {
		cfg := valid
		broken.mutate(&cfg)
		_, err := ops.NewExecutor(cfg)
		c.Check(err, jc.ErrorIs, errors.NotValid, gc.Commentf("nil %s", broken.name))
	}
}

func (s *executorSuite) TestRegistryMethods(c *gc.C) {
	r := ops.NewRegistry()
	c.Check(r.Known("share_new"), jc.IsTrue)
	c.Check(r.Known("frobnicate"), jc.IsFalse)
	methods := r.Methods()
	c.Check(sort.StringsAreSorted(methods), jc.IsTrue)
	c.Check(methods, gc.HasLen, 22)
}

func (s *executorSuite) TestUnknownMethodIsClientError(c *gc.C) {
	s.AddUser(c, 1)
	row := s.enqueue(c, 1, 1, "frobnicate", map[string]interface{}{})
	err := s.execute(row)
	c.Assert(err, gc.ErrorMatches, `.*unknown operation method "frobnicate".*`)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodeInvalidRequest)
}

func (s *executorSuite) TestMalformedArgsIsClientError(c *gc.C) {
	s.AddUser(c, 1)
	row := s.enqueue(c, 1, 1, "share_new", map[string]interface{}{})
	err := s.execute(row)
	c.Assert(err, gc.NotNil)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodeInvalidRequest)
}

// shareArgs builds a minimal valid share_new request from user 1 to
// user 2 over the seeded library episode.
func (s *executorSuite) shareArgs(c *gc.C, viewpointID string) map[string]interface{} {
	sourceID, photoIDs := s.seedLibraryEpisode(c, 1, 11, 21)
	return map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, 1, 3),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint": map[string]interface{}{
			"viewpoint_id": viewpointID,
		},
		"episodes": []map[string]interface{}{{
			"existing_episode_id": sourceID,
			"new_episode_id":      s.newEpisodeID(c, 1, 4),
			"photo_ids":           photoIDs,
		}},
		"contacts": []map[string]interface{}{{"user_id": 2}},
	}
}

func (s *executorSuite) TestLocksReleasedAfterFailureAndSuccess(c *gc.C) {
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	ctx := context.Background()
	viewpointID := s.newViewpointID(1, 2)
	row := s.enqueue(c, 1, 1, "share_new", s.shareArgs(c, viewpointID))

	failpoint.Set("share_new", failpoint.AfterCheck)
	err := s.execute(row)
	c.Assert(err, jc.ErrorIs, failpoint.ErrTriggered)

	// An aborted attempt must not leave the viewpoint lock behind.
	held, err := s.Locks.Acquire(ctx, lock.ViewpointLockID(viewpointID), "probe")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(held.Release(ctx), jc.ErrorIsNil)

	c.Assert(s.execute(s.reload(c, row)), jc.ErrorIsNil)

	// Nor must a completed one.
	held, err = s.Locks.Acquire(ctx, lock.ViewpointLockID(viewpointID), "probe")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(held.Release(ctx), jc.ErrorIsNil)
}

func (s *executorSuite) TestLockContentionIsTransient(c *gc.C) {
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	ctx := context.Background()
	viewpointID := s.newViewpointID(1, 2)
	row := s.enqueue(c, 1, 1, "share_new", s.shareArgs(c, viewpointID))

	other, err := lock.NewManager(lock.ManagerConfig{
		Store:   s.KV,
		Clock:   s.Clock,
		OwnerID: "otherhost:9",
	})
	c.Assert(err, jc.ErrorIsNil)
	held, err := other.Acquire(ctx, lock.ViewpointLockID(viewpointID), "contender")
	c.Assert(err, jc.ErrorIsNil)

	err = s.execute(row)
	c.Assert(err, jc.ErrorIs, lock.ErrLockFailed)
	c.Assert(params.IsClientError(err), jc.IsFalse)

	c.Assert(held.Release(ctx), jc.ErrorIsNil)
	c.Assert(s.execute(s.reload(c, row)), jc.ErrorIsNil)
}

func (s *executorSuite) TestExecuteLeavesRowBookkeepingToQueue(c *gc.C) {
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	row := s.enqueue(c, 1, 1, "share_new", s.shareArgs(c, s.newViewpointID(1, 2)))
	c.Assert(s.execute(row), jc.ErrorIsNil)

	// The executor neither deletes the row nor counts the attempt; the
	// queue owns both.
	fresh := s.reload(c, row)
	c.Check(fresh.Attempts(), gc.Equals, int64(0))
	c.Check(fresh.Method(), gc.Equals, "share_new")
}

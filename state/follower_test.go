// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/kv"
	"github.com/viewfinderco/viewfinder-sub004/state"
	viewfindertesting "github.com/viewfinderco/viewfinder-sub004/testing"
)

type followerSuite struct {
	viewfindertesting.StateSuite
}

var _ = gc.Suite(&followerSuite{})

func (s *followerSuite) addFollower(c *gc.C, userID int64, labels ...string) *state.Follower {
	s.AddUser(c, userID)
	f, err := s.State.AddFollower(context.Background(), state.AddFollowerArgs{
		UserID:      userID,
		ViewpointID: "v-abc",
		Labels:      labels,
		Timestamp:   s.Clock.Now().Unix(),
	})
	c.Assert(err, jc.ErrorIsNil)
	return f
}

func (s *followerSuite) TestValidateLabels(c *gc.C) {
	for i, test := range []struct {
		labels []string
		valid  bool
	}{
		{nil, false},
		{[]string{}, false},
		{[]string{state.FollowerContribute}, true},
		{[]string{state.FollowerAdmin, state.FollowerContribute, state.FollowerPersonal}, true},
		{[]string{state.FollowerRemoved}, true},
		{[]string{state.FollowerRemoved, state.FollowerUnrevivable}, true},
		{[]string{state.FollowerUnrevivable}, false},
		{[]string{"owner"}, false},
		{[]string{state.FollowerContribute, "sticky"}, false},
	} {
		c.Logf("test %d: %v", i, test.labels)
		err := state.ValidateFollowerLabels(test.labels)
		if test.valid {
			c.Check(err, jc.ErrorIsNil)
		} else {
			c.Check(err, jc.ErrorIs, errors.NotValid)
		}
	}
}

func (s *followerSuite) TestLiveFollowerNeedsRoleLabel(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 1)

	// Creating a live follower with no role labels is malformed...
	_, err := s.State.AddFollower(ctx, state.AddFollowerArgs{
		UserID:      1,
		ViewpointID: "v-abc",
		Timestamp:   s.Clock.Now().Unix(),
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	// ...and so is stripping every label from an existing one.
	f := s.addFollower(c, 2, state.FollowerContribute)
	c.Assert(f.SetLabels(ctx, nil), jc.ErrorIs, errors.NotValid)
	reloaded, err := s.State.Follower(ctx, 2, "v-abc")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reloaded.Labels(), jc.DeepEquals, []string{state.FollowerContribute})
}

func (s *followerSuite) TestRemoveAndRevive(c *gc.C) {
	ctx := context.Background()
	f := s.addFollower(c, 1, state.FollowerContribute)

	c.Assert(f.Remove(ctx, false), jc.ErrorIsNil)
	c.Check(f.IsRemoved(), jc.IsTrue)
	c.Check(f.IsUnrevivable(), jc.IsFalse)
	// Removal hides the viewpoint but keeps the role labels.
	c.Check(f.CanContribute(), jc.IsTrue)

	c.Assert(f.Revive(ctx), jc.ErrorIsNil)
	c.Check(f.IsRemoved(), jc.IsFalse)
	c.Check(f.CanContribute(), jc.IsTrue)

	// The stored row agrees with the in-memory wrapper.
	reloaded, err := s.State.Follower(ctx, 1, "v-abc")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reloaded.Labels(), jc.DeepEquals, f.Labels())
}

func (s *followerSuite) TestReviveWithoutRolesGrantsContribute(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 1)

	// Rows holding only "removed" predate the role-label requirement;
	// reviving one grants contribute rather than resurrecting a follower
	// with no roles.
	err := s.KV.PutItem(ctx, kv.Table{
		Name:    "follower",
		HashKey: "user_id", RangeKey: "viewpoint_id",
	}, kv.Item{
		"user_id":      kv.N(1),
		"viewpoint_id": kv.S("v-abc"),
		"labels":       kv.SS(state.FollowerRemoved),
	})
	c.Assert(err, jc.ErrorIsNil)

	f, err := s.State.Follower(ctx, 1, "v-abc")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(f.Revive(ctx), jc.ErrorIsNil)
	c.Check(f.IsRemoved(), jc.IsFalse)
	c.Check(f.CanContribute(), jc.IsTrue)
}

func (s *followerSuite) TestUnrevivableIsPermanent(c *gc.C) {
	ctx := context.Background()
	f := s.addFollower(c, 1, state.FollowerContribute)

	c.Assert(f.Remove(ctx, true), jc.ErrorIsNil)
	c.Check(f.IsRemoved(), jc.IsTrue)
	c.Check(f.IsUnrevivable(), jc.IsTrue)

	c.Check(f.Revive(ctx), jc.ErrorIs, errors.NotValid)
	c.Check(f.SetLabels(ctx, []string{state.FollowerContribute}), jc.ErrorIs, errors.NotValid)

	// Restating removal is fine.
	c.Assert(f.SetLabels(ctx, []string{
		state.FollowerRemoved, state.FollowerUnrevivable,
	}), jc.ErrorIsNil)
	c.Check(f.IsUnrevivable(), jc.IsTrue)
}

func (s *followerSuite) TestSetLabelsMissingRow(c *gc.C) {
	ctx := context.Background()
	f := s.addFollower(c, 1, state.FollowerContribute)
	// Simulate a concurrent delete of the backing row.
	err := s.KV.DeleteItem(ctx, kv.Table{
		Name:    "follower",
		HashKey: "user_id", RangeKey: "viewpoint_id",
	}, kv.Key{Hash: kv.N(1), Range: kv.S("v-abc")})
	c.Assert(err, jc.ErrorIsNil)

	err = f.SetLabels(ctx, []string{state.FollowerAdmin})
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *followerSuite) TestAdvanceViewedSeqClamps(c *gc.C) {
	ctx := context.Background()
	f := s.addFollower(c, 1, state.FollowerContribute)

	got, err := f.AdvanceViewedSeq(ctx, 12, 5)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, int64(5))
	c.Check(f.ViewedSeq(), gc.Equals, int64(5))
}

func (s *followerSuite) TestAdvanceViewedSeqNeverRegresses(c *gc.C) {
	ctx := context.Background()
	f := s.addFollower(c, 1, state.FollowerContribute)

	_, err := f.AdvanceViewedSeq(ctx, 4, 10)
	c.Assert(err, jc.ErrorIsNil)

	got, err := f.AdvanceViewedSeq(ctx, 2, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, int64(4))

	reloaded, err := s.State.Follower(ctx, 1, "v-abc")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reloaded.ViewedSeq(), gc.Equals, int64(4))
}

func (s *followerSuite) TestViewpointFollowerIDs(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	for _, userID := range []int64{1, 2} {
		_, err := s.State.AddFollower(ctx, state.AddFollowerArgs{
			UserID:      userID,
			ViewpointID: "v-shared",
			Labels:      []string{state.FollowerContribute},
			Timestamp:   s.Clock.Now().Unix(),
		})
		c.Assert(err, jc.ErrorIsNil)
	}
	ids, err := s.State.ViewpointFollowerIDs(ctx, "v-shared")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ids, jc.SameContents, []int64{1, 2})
}

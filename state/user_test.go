// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/state"
	viewfindertesting "github.com/viewfinderco/viewfinder-sub004/testing"
)

type userSuite struct {
	viewfindertesting.StateSuite
}

var _ = gc.Suite(&userSuite{})

func (s *userSuite) TestAddUserDuplicate(c *gc.C) {
	s.AddUser(c, 1)
	_, err := s.State.AddUser(context.Background(), state.AddUserArgs{UserID: 1})
	c.Check(err, jc.ErrorIs, errors.AlreadyExists)
}

func (s *userSuite) TestProspectiveToRegistered(c *gc.C) {
	ctx := context.Background()
	_, err := s.State.AddUser(ctx, state.AddUserArgs{
		UserID:    5,
		Email:     "prospect@example.com",
		Timestamp: s.Clock.Now().Unix(),
	})
	c.Assert(err, jc.ErrorIsNil)

	user, err := s.State.User(ctx, 5)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(user.IsProspective(), jc.IsTrue)
	c.Check(user.IsRegistered(), jc.IsFalse)

	c.Assert(s.State.RegisterUser(ctx, 5), jc.ErrorIsNil)
	user, err = s.State.User(ctx, 5)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(user.IsRegistered(), jc.IsTrue)
}

func (s *userSuite) TestTerminate(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 1)
	c.Assert(s.State.TerminateUser(ctx, 1), jc.ErrorIsNil)

	// The row survives as a tombstone so old content keeps resolving.
	user, err := s.State.User(ctx, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(user.IsTerminated(), jc.IsTrue)
	c.Check(user.Name(), gc.Equals, "User 1")
}

func (s *userSuite) TestMerge(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	c.Assert(s.State.SetUserMergedWith(ctx, 1, 2), jc.ErrorIsNil)

	user, err := s.State.User(ctx, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(user.MergedWith(), gc.Equals, int64(2))
	c.Check(user.IsTerminated(), jc.IsTrue)
}

func (s *userSuite) TestSetUserName(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 1)
	c.Assert(s.State.SetUserName(ctx, 1, "Spencer Kimball", "Spencer", "Kimball"), jc.ErrorIsNil)

	user, err := s.State.User(ctx, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(user.Name(), gc.Equals, "Spencer Kimball")
	c.Check(user.GivenName(), gc.Equals, "Spencer")
	c.Check(user.FamilyName(), gc.Equals, "Kimball")
}

func (s *userSuite) TestAllocateAssetIDs(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 1)

	first, err := s.State.AllocateAssetIDs(ctx, 1, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(first, gc.Equals, int64(1))

	// A block allocation returns the first of n consecutive ids.
	block, err := s.State.AllocateAssetIDs(ctx, 1, 5)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(block, gc.Equals, int64(2))

	next, err := s.State.AllocateAssetIDs(ctx, 1, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(next, gc.Equals, int64(7))

	// Allocation sizes must be positive, and the user must exist.
	_, err = s.State.AllocateAssetIDs(ctx, 1, 0)
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = s.State.AllocateAssetIDs(ctx, 404, 1)
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *userSuite) TestAllocateIDs(c *gc.C) {
	ctx := context.Background()
	first, err := s.State.AllocateIDs(ctx, state.UserIDType, 3)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(first > 0, jc.IsTrue)

	second, err := s.State.AllocateIDs(ctx, state.UserIDType, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(second, gc.Equals, first+3)

	// Device ids draw from an independent sequence.
	device, err := s.State.AllocateIDs(ctx, state.DeviceIDType, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(device > 0, jc.IsTrue)
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/core/assetid"
	"github.com/viewfinderco/viewfinder-sub004/kv/memstore"
	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// StateSuite builds on BaseSuite with an in-memory store, a test clock
// pinned at TestTime and a lock manager, which is the fixture for
// everything that touches persisted state.
type StateSuite struct {
	BaseSuite

	Clock *testclock.Clock
	KV    *memstore.Store
	State *state.Store
	Locks *lock.Manager
}

func (s *StateSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.Clock = testclock.NewClock(TestTime)
	s.KV = memstore.New()

	var err error
	s.State, err = state.NewStore(state.StoreConfig{
		KV:    s.KV,
		Clock: s.Clock,
	})
	c.Assert(err, jc.ErrorIsNil)

	s.Locks, err = lock.NewManager(lock.ManagerConfig{
		Store:   s.KV,
		Clock:   s.Clock,
		OwnerID: "testhost:1",
	})
	c.Assert(err, jc.ErrorIsNil)
}

// TestDeviceID returns the id the suite assigns to a user's first mobile
// device. The scheme is arbitrary but stable, so asset ids computed from
// it stay stable across tests.
func TestDeviceID(userID int64) int64 {
	return userID*100 + 1
}

// PrivateViewpointID returns the default viewpoint id AddUser gives a
// user.
func PrivateViewpointID(userID int64) string {
	return assetid.ConstructViewpointID(uint64(TestDeviceID(userID)), 1)
}

// AddUser seeds a registered user the way registration would: user row,
// linked email identity, one mobile device, and a private viewpoint with
// its personal follower row.
func (s *StateSuite) AddUser(c *gc.C, userID int64) *state.User {
	ctx := context.Background()
	deviceID := TestDeviceID(userID)
	vpID := PrivateViewpointID(userID)
	now := s.Clock.Now().Unix()

	user, err := s.State.AddUser(ctx, state.AddUserArgs{
		UserID:      userID,
		Name:        fmt.Sprintf("User %d", userID),
		Email:       fmt.Sprintf("user%d@example.com", userID),
		PrivateVpID: vpID,
		WebappDevID: deviceID,
		Registered:  true,
		Timestamp:   now,
	})
	c.Assert(err, jc.ErrorIsNil)

	err = s.State.LinkIdentity(ctx, fmt.Sprintf("Email:user%d@example.com", userID), userID, "Viewfinder")
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.State.AddDevice(ctx, state.AddDeviceArgs{
		UserID:   userID,
		DeviceID: deviceID,
		Name:     fmt.Sprintf("Device %d", deviceID),
		Platform: "iPhone 5",
		Version:  "1.3.0",
	})
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.State.AddViewpoint(ctx, state.AddViewpointArgs{
		ViewpointID: vpID,
		OwnerID:     userID,
		Type:        state.ViewpointDefault,
		Timestamp:   now,
	})
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.State.AddFollower(ctx, state.AddFollowerArgs{
		UserID:      userID,
		ViewpointID: vpID,
		Labels:      []string{state.FollowerAdmin, state.FollowerContribute, state.FollowerPersonal},
		Timestamp:   now,
	})
	c.Assert(err, jc.ErrorIsNil)

	return user
}

// SetPushToken points a valid APNs token at the user's test device so
// alert fanout has somewhere to go.
func (s *StateSuite) SetPushToken(c *gc.C, userID int64) string {
	token := fmt.Sprintf("apns-prod:token-%d", userID)
	err := s.State.SetPushToken(context.Background(), userID, TestDeviceID(userID), token)
	c.Assert(err, jc.ErrorIsNil)
	return token
}

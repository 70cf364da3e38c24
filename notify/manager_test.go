// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package notify_test

import (
	"context"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/notify"
	"github.com/viewfinderco/viewfinder-sub004/state"
	viewfindertesting "github.com/viewfinderco/viewfinder-sub004/testing"
)

type managerSuite struct {
	viewfindertesting.StateSuite

	alerts  *viewfindertesting.SinkRecorder
	manager *notify.Manager
}

var _ = gc.Suite(&managerSuite{})

func (s *managerSuite) SetUpTest(c *gc.C) {
	s.StateSuite.SetUpTest(c)
	s.alerts = viewfindertesting.NewSinkRecorder()

	var err error
	s.manager, err = notify.NewManager(notify.ManagerConfig{
		State:  s.State,
		Clock:  s.Clock,
		Alerts: s.alerts,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *managerSuite) args(opID string) notify.Args {
	return notify.Args{
		Name:           "post_comment",
		OpID:           opID,
		SenderID:       1,
		SenderDeviceID: viewfindertesting.TestDeviceID(1),
		Timestamp:      s.Clock.Now().Unix(),
		ViewpointID:    "v-abc",
		ActivityID:     "a-1",
		UpdateSeq:      2,
		AlertText:      "User 1: hello",
	}
}

func (s *managerSuite) feed(c *gc.C, userID int64) []*state.Notification {
	notes, err := s.State.Notifications(context.Background(), userID, 0, 100)
	c.Assert(err, jc.ErrorIsNil)
	return notes
}

func (s *managerSuite) TestNotifyAssignsSequentialIDs(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 2)

	for _, opID := range []string{"o-1", "o-2", "o-3"} {
		_, err := s.manager.Notify(ctx, 2, s.args(opID))
		c.Assert(err, jc.ErrorIsNil)
	}

	notes := s.feed(c, 2)
	c.Assert(notes, gc.HasLen, 3)
	for i, note := range notes {
		c.Check(note.ID(), gc.Equals, int64(i+1))
		c.Check(note.Badge(), gc.Equals, int64(i+1))
	}
}

func (s *managerSuite) TestNotifySenderKeepsBadge(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 1)

	note, err := s.manager.Notify(ctx, 1, s.args("o-1"))
	c.Assert(err, jc.ErrorIsNil)
	// The sender caused the change; their badge must not grow.
	c.Check(note.Badge(), gc.Equals, int64(0))
}

func (s *managerSuite) TestNotifyWithoutActivityKeepsBadge(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 2)

	args := s.args("o-1")
	args.ActivityID = ""

	note, err := s.manager.Notify(ctx, 2, args)
	c.Assert(err, jc.ErrorIsNil)
	// Structural changes carry no new content, so no badge bump.
	c.Check(note.Badge(), gc.Equals, int64(0))
}

func (s *managerSuite) TestNotifyReplayAfterInterleavedWrite(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 2)

	first, err := s.manager.Notify(ctx, 2, s.args("o-1"))
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.manager.Notify(ctx, 2, s.args("o-2"))
	c.Assert(err, jc.ErrorIsNil)

	// The retry of the first operation arrives after another operation
	// already notified the same user; it must still find its own row
	// rather than write a duplicate and double the badge.
	replay, err := s.manager.Notify(ctx, 2, s.args("o-1"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(replay.ID(), gc.Equals, first.ID())
	c.Check(replay.Badge(), gc.Equals, first.Badge())
	c.Check(s.feed(c, 2), gc.HasLen, 2)
}

func (s *managerSuite) TestNotifyReplayIsDeduped(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 2)

	first, err := s.manager.Notify(ctx, 2, s.args("o-1"))
	c.Assert(err, jc.ErrorIsNil)

	// A retried operation re-notifies; the feed and badge must not
	// move.
	again, err := s.manager.Notify(ctx, 2, s.args("o-1"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(again.ID(), gc.Equals, first.ID())
	c.Check(again.Badge(), gc.Equals, first.Badge())
	c.Check(s.feed(c, 2), gc.HasLen, 1)
}

func (s *managerSuite) TestNotifyPushesToDevices(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 2)
	s.SetPushToken(c, 2)

	_, err := s.manager.Notify(ctx, 2, s.args("o-1"))
	c.Assert(err, jc.ErrorIsNil)

	pushes := s.alerts.Pushes()
	c.Assert(pushes, gc.HasLen, 1)
	c.Check(pushes[0].Badge, gc.Equals, int64(1))
	c.Check(pushes[0].Text, gc.Equals, "User 1: hello")
	c.Check(pushes[0].Sound, gc.Equals, "default")
	c.Check(pushes[0].ViewpointID, gc.Equals, "v-abc")
	c.Check(pushes[0].Token.Opaque, gc.Equals, "token-2")
}

func (s *managerSuite) TestNotifySenderDevicesStaySilent(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 1)
	s.SetPushToken(c, 1)

	args := s.args("o-1")
	args.ActivityID = ""

	_, err := s.manager.Notify(ctx, 1, args)
	c.Assert(err, jc.ErrorIsNil)
	// No badge change and no text for the sender: nothing to push.
	c.Check(s.alerts.Pushes(), gc.HasLen, 0)
}

func (s *managerSuite) TestNotifyFollowersSkipsRemoved(c *gc.C) {
	ctx := context.Background()
	for userID := int64(1); userID <= 3; userID++ {
		s.AddUser(c, userID)
		_, err := s.State.AddFollower(ctx, state.AddFollowerArgs{
			UserID:      userID,
			ViewpointID: "v-abc",
			Labels:      []string{state.FollowerContribute},
			Timestamp:   s.Clock.Now().Unix(),
		})
		c.Assert(err, jc.ErrorIsNil)
	}
	removed, err := s.State.Follower(ctx, 3, "v-abc")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(removed.Remove(ctx, false), jc.ErrorIsNil)

	c.Assert(s.manager.NotifyFollowers(ctx, "v-abc", s.args("o-1")), jc.ErrorIsNil)

	c.Check(s.feed(c, 1), gc.HasLen, 1)
	c.Check(s.feed(c, 2), gc.HasLen, 1)
	c.Check(s.feed(c, 3), gc.HasLen, 0)
}

func (s *managerSuite) TestNotifyCarriesInvalidate(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 2)

	args := s.args("o-1")
	args.Invalidate = &invalidate.Invalidate{
		Viewpoints: []invalidate.Viewpoint{{ViewpointID: "v-abc", GetActivities: true}},
	}
	note, err := s.manager.Notify(ctx, 2, args)
	c.Assert(err, jc.ErrorIsNil)

	inv, err := note.Invalidate()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(inv, jc.DeepEquals, args.Invalidate)
}

func (s *managerSuite) TestClearBadges(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 2)
	s.SetPushToken(c, 2)

	_, err := s.manager.Notify(ctx, 2, s.args("o-1"))
	c.Assert(err, jc.ErrorIsNil)
	s.alerts.Reset()

	deviceID := viewfindertesting.TestDeviceID(2)
	c.Assert(s.manager.ClearBadges(ctx, 2, deviceID), jc.ErrorIsNil)

	notes := s.feed(c, 2)
	c.Assert(notes, gc.HasLen, 2)
	c.Check(notes[1].Name(), gc.Equals, notify.ClearBadgesName)
	c.Check(notes[1].Badge(), gc.Equals, int64(0))

	pushes := s.alerts.Pushes()
	c.Assert(pushes, gc.HasLen, 1)
	c.Check(pushes[0].Badge, gc.Equals, int64(0))
	c.Check(pushes[0].Text, gc.Equals, "")

	// Already clear: no new row, no new push.
	c.Assert(s.manager.ClearBadges(ctx, 2, deviceID), jc.ErrorIsNil)
	c.Check(s.feed(c, 2), gc.HasLen, 2)
	c.Check(s.alerts.Pushes(), gc.HasLen, 1)
}

func (s *managerSuite) TestClearBadgesEmptyFeed(c *gc.C) {
	s.AddUser(c, 2)
	c.Assert(s.manager.ClearBadges(context.Background(), 2, viewfindertesting.TestDeviceID(2)), jc.ErrorIsNil)
	c.Check(s.feed(c, 2), gc.HasLen, 0)
}

func (s *managerSuite) TestTokenRemover(c *gc.C) {
	ctx := context.Background()
	s.AddUser(c, 2)
	token := s.SetPushToken(c, 2)

	remover := notify.TokenRemover{State: s.State}
	c.Assert(remover.RemoveToken(ctx, token), jc.ErrorIsNil)

	devices, err := s.State.AlertableDevices(ctx, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(devices, gc.HasLen, 0)

	// Feedback for an unknown token is ignored.
	c.Check(remover.RemoveToken(ctx, "apns-prod:ghost"), jc.ErrorIsNil)
}

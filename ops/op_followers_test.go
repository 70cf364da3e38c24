// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/kv"
	"github.com/viewfinderco/viewfinder-sub004/ops/failpoint"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
	viewfindertesting "github.com/viewfinderco/viewfinder-sub004/testing"
)

type followersSuite struct {
	baseSuite
}

var _ = gc.Suite(&followersSuite{})

func (s *followersSuite) inboxHas(c *gc.C, userID int64, viewpointID string) bool {
	rows, _, err := s.State.ListFollowed(context.Background(), userID, 100, kv.Value{})
	c.Assert(err, jc.ErrorIsNil)
	for _, row := range rows {
		if row.ViewpointID == viewpointID {
			return true
		}
	}
	return false
}

func (s *followersSuite) addFollowersOp(c *gc.C, userID int64, localID uint64, viewpointID string, contacts ...map[string]interface{}) *state.Operation {
	return s.enqueue(c, userID, localID, "add_followers", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, userID, localID*10),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint_id": viewpointID,
		"contacts":     contacts,
	})
}

func (s *followersSuite) TestAddFollowers(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)
	s.AddUser(c, 3)
	s.SetPushToken(c, 3)
	s.alerts.Reset()

	op := s.addFollowersOp(c, 1, 2, f.viewpointID, map[string]interface{}{"user_id": 3})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	ctx := context.Background()
	added := s.follower(c, 3, f.viewpointID)
	c.Check(added.CanContribute(), jc.IsTrue)
	c.Check(added.IsAdmin(), jc.IsFalse)
	c.Check(s.inboxHas(c, 3, f.viewpointID), jc.IsTrue)

	// The adder and the new follower become friends; the bystander
	// follower does not.
	_, err := s.State.Friend(ctx, 1, 3)
	c.Check(err, jc.ErrorIsNil)
	_, err = s.State.Friend(ctx, 3, 1)
	c.Check(err, jc.ErrorIsNil)
	_, err = s.State.Friend(ctx, 2, 3)
	c.Check(err, jc.ErrorIs, errors.NotFound)

	c.Check(s.viewpoint(c, f.viewpointID).UpdateSeq(), gc.Equals, int64(3))
	c.Check(s.follower(c, 1, f.viewpointID).ViewedSeq(), gc.Equals, int64(3))
	c.Check(s.accounting(c, state.OwnedByKey(3)), jc.DeepEquals,
		state.AccountingDelta{NumConversations: 1})

	// The new follower fetches everything; the bystander refetches the
	// follower list and activities.
	newNotes := s.notifications(c, 3)
	c.Assert(newNotes, gc.HasLen, 1)
	c.Check(newNotes[0].Name(), gc.Equals, "add_followers")
	c.Check(newNotes[0].Badge(), gc.Equals, int64(1))
	inv, err := newNotes[0].Invalidate()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv, gc.NotNil)
	c.Check(inv.Viewpoints, jc.DeepEquals, []invalidate.Viewpoint{{
		ViewpointID:   f.viewpointID,
		GetAttributes: true,
		GetFollowers:  true,
		GetActivities: true,
		GetEpisodes:   true,
	}})
	c.Check(inv.Users, jc.DeepEquals, []int64{1})

	oldNotes := s.notifications(c, 2)
	latest := oldNotes[len(oldNotes)-1]
	c.Check(latest.Name(), gc.Equals, "add_followers")
	inv, err = latest.Invalidate()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv, gc.NotNil)
	c.Check(inv.Viewpoints, jc.DeepEquals, []invalidate.Viewpoint{{
		ViewpointID:   f.viewpointID,
		GetFollowers:  true,
		GetActivities: true,
	}})

	var invited, bystander bool
	for _, p := range s.alerts.Pushes() {
		switch p.Token.Opaque {
		case "token-3":
			invited = true
			c.Check(p.Text, gc.Equals, "User 1 added you to a conversation")
			c.Check(p.Badge, gc.Equals, int64(1))
			c.Check(p.Sound, gc.Equals, "default")
		case "token-2":
			bystander = true
			c.Check(p.Text, gc.Equals, "")
		}
	}
	c.Check(invited, jc.IsTrue)
	c.Check(bystander, jc.IsTrue)
}

func (s *followersSuite) TestAddFollowersSerialized(c *gc.C) {
	// Two queue hosts adding different users take the viewpoint lock in
	// turn; both additions land and each bumps update_seq once.
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)
	s.AddUser(c, 3)
	s.AddUser(c, 4)

	first := s.addFollowersOp(c, 1, 2, f.viewpointID, map[string]interface{}{"user_id": 3})
	second := s.addFollowersOp(c, 2, 1, f.viewpointID, map[string]interface{}{"user_id": 4})
	c.Assert(s.execute(first), jc.ErrorIsNil)
	c.Assert(s.execute(second), jc.ErrorIsNil)

	ids, err := s.State.ViewpointFollowerIDs(context.Background(), f.viewpointID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ids, jc.SameContents, []int64{1, 2, 3, 4})
	c.Check(s.viewpoint(c, f.viewpointID).UpdateSeq(), gc.Equals, int64(4))

	for _, userID := range []int64{3, 4} {
		notes := s.notifications(c, userID)
		c.Assert(len(notes) > 0, jc.IsTrue, gc.Commentf("user %d", userID))
		c.Check(notes[0].Name(), gc.Equals, "add_followers")
		inv, err := notes[0].Invalidate()
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(inv, gc.NotNil)
		c.Assert(inv.Viewpoints, gc.HasLen, 1)
		c.Check(inv.Viewpoints[0].GetAttributes, jc.IsTrue)
		c.Check(inv.Viewpoints[0].GetEpisodes, jc.IsTrue)
	}
}

func (s *followersSuite) TestAddFollowersReplayAfterUpdate(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)
	s.AddUser(c, 3)

	op := s.addFollowersOp(c, 1, 2, f.viewpointID, map[string]interface{}{"user_id": 3})
	failpoint.Set("add_followers", failpoint.AfterUpdate)
	err := s.execute(op)
	c.Assert(err, jc.ErrorIs, failpoint.ErrTriggered)
	c.Assert(s.execute(s.reload(c, op)), jc.ErrorIsNil)

	c.Check(s.viewpoint(c, f.viewpointID).UpdateSeq(), gc.Equals, int64(3))
	c.Check(s.accounting(c, state.OwnedByKey(3)), jc.DeepEquals,
		state.AccountingDelta{NumConversations: 1})
	c.Check(s.notifications(c, 3), gc.HasLen, 1)
}

func (s *followersSuite) TestAddFollowersRevives(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	// User 2 drops the conversation, then user 1 brings them back.
	drop := s.enqueue(c, 2, 1, "remove_viewpoint", map[string]interface{}{
		"viewpoint_id": f.viewpointID,
	})
	c.Assert(s.execute(drop), jc.ErrorIsNil)
	c.Check(s.follower(c, 2, f.viewpointID).IsRemoved(), jc.IsTrue)

	op := s.addFollowersOp(c, 1, 2, f.viewpointID, map[string]interface{}{"user_id": 2})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	revived := s.follower(c, 2, f.viewpointID)
	c.Check(revived.IsRemoved(), jc.IsFalse)
	c.Check(revived.CanContribute(), jc.IsTrue)
	c.Check(s.inboxHas(c, 2, f.viewpointID), jc.IsTrue)

	// Reviving is not a new conversation for accounting purposes.
	c.Check(s.accounting(c, state.OwnedByKey(2)), jc.DeepEquals,
		state.AccountingDelta{NumConversations: 1})

	act, err := s.State.Activity(context.Background(), f.viewpointID, s.newActivityID(c, 1, 20))
	c.Assert(err, jc.ErrorIsNil)
	var payload struct {
		FollowerIDs []int64 `json:"follower_ids"`
	}
	c.Assert(act.Payload(&payload), jc.ErrorIsNil)
	c.Check(payload.FollowerIDs, jc.DeepEquals, []int64{2})
}

func (s *followersSuite) TestAddFollowersSkipsUnrevivable(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	eject := s.enqueue(c, 1, 2, "remove_followers", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, 1, 5),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint_id": f.viewpointID,
		"remove_ids":   []int64{2},
	})
	c.Assert(s.execute(eject), jc.ErrorIsNil)
	c.Check(s.follower(c, 2, f.viewpointID).IsUnrevivable(), jc.IsTrue)

	// Re-adding an ejected user silently does nothing to their row, so
	// the caller cannot probe who blocked the conversation.
	op := s.addFollowersOp(c, 1, 3, f.viewpointID, map[string]interface{}{"user_id": 2})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	again := s.follower(c, 2, f.viewpointID)
	c.Check(again.IsRemoved(), jc.IsTrue)
	c.Check(again.IsUnrevivable(), jc.IsTrue)
	c.Check(s.inboxHas(c, 2, f.viewpointID), jc.IsFalse)
}

func (s *followersSuite) TestAddFollowersExistingActiveUnchanged(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.addFollowersOp(c, 1, 2, f.viewpointID, map[string]interface{}{"user_id": 2})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	c.Check(s.accounting(c, state.OwnedByKey(2)), jc.DeepEquals,
		state.AccountingDelta{NumConversations: 1})
	act, err := s.State.Activity(context.Background(), f.viewpointID, s.newActivityID(c, 1, 20))
	c.Assert(err, jc.ErrorIsNil)
	var payload struct {
		FollowerIDs []int64 `json:"follower_ids"`
	}
	c.Assert(act.Payload(&payload), jc.ErrorIsNil)
	c.Check(payload.FollowerIDs, gc.HasLen, 0)
}

func (s *followersSuite) TestAddFollowersProspective(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)
	s.alerts.Reset()

	op := s.addFollowersOp(c, 1, 2, f.viewpointID,
		map[string]interface{}{"identity": "Email:pal@example.com", "name": "Pal"})
	c.Assert(s.run(c, op), jc.ErrorIsNil)

	ctx := context.Background()
	ident, err := s.State.Identity(ctx, "Email:pal@example.com")
	c.Assert(err, jc.ErrorIsNil)
	u, err := s.State.User(ctx, ident.UserID())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(u.IsProspective(), jc.IsTrue)

	added := s.follower(c, ident.UserID(), f.viewpointID)
	c.Check(added.CanContribute(), jc.IsTrue)
	c.Check(s.inboxHas(c, ident.UserID(), f.viewpointID), jc.IsTrue)

	emails := s.alerts.Emails()
	c.Assert(emails, gc.HasLen, 1)
	c.Check(emails[0].To, gc.Equals, "pal@example.com")
	c.Check(emails[0].ToName, gc.Equals, "Pal")
	c.Check(emails[0].Subject, gc.Equals, "User 1 added you to a conversation on Viewfinder.")
	c.Check(emails[0].Text, gc.Equals,
		"User 1 added you to a conversation on Viewfinder. Get the Viewfinder app to see them.")
}

func (s *followersSuite) TestAddFollowersToLibraryRejected(c *gc.C) {
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	op := s.addFollowersOp(c, 1, 1, viewfindertesting.PrivateViewpointID(1),
		map[string]interface{}{"user_id": 2})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodePermission)
	c.Assert(err, gc.ErrorMatches, `.*cannot add followers to a library viewpoint.*`)
}

func (s *followersSuite) removeFollowersOp(c *gc.C, userID int64, localID uint64, viewpointID string, removeIDs ...int64) *state.Operation {
	return s.enqueue(c, userID, localID, "remove_followers", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, userID, localID*10),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint_id": viewpointID,
		"remove_ids":   removeIDs,
	})
}

func (s *followersSuite) TestRemoveFollowers(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)
	s.AddUser(c, 3)
	add := s.addFollowersOp(c, 1, 2, f.viewpointID, map[string]interface{}{"user_id": 3})
	c.Assert(s.execute(add), jc.ErrorIsNil)

	op := s.removeFollowersOp(c, 1, 3, f.viewpointID, 2)
	c.Assert(s.execute(op), jc.ErrorIsNil)

	ejected := s.follower(c, 2, f.viewpointID)
	c.Check(ejected.IsRemoved(), jc.IsTrue)
	c.Check(ejected.IsUnrevivable(), jc.IsTrue)
	c.Check(s.inboxHas(c, 2, f.viewpointID), jc.IsFalse)
	c.Check(s.inboxHas(c, 3, f.viewpointID), jc.IsTrue)
	c.Check(s.viewpoint(c, f.viewpointID).UpdateSeq(), gc.Equals, int64(4))

	// The ejected user is told the viewpoint attributes changed, with no
	// badge and no activity reference.
	notes := s.notifications(c, 2)
	latest := notes[len(notes)-1]
	c.Check(latest.Name(), gc.Equals, "remove_followers")
	c.Check(latest.ActivityID(), gc.Equals, "")
	inv, err := latest.Invalidate()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv, gc.NotNil)
	c.Check(inv.Viewpoints, jc.DeepEquals, []invalidate.Viewpoint{{
		ViewpointID:   f.viewpointID,
		GetAttributes: true,
	}})

	remaining := s.notifications(c, 3)
	last := remaining[len(remaining)-1]
	c.Check(last.Name(), gc.Equals, "remove_followers")
	inv, err = last.Invalidate()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv, gc.NotNil)
	c.Check(inv.Viewpoints, jc.DeepEquals, []invalidate.Viewpoint{{
		ViewpointID:   f.viewpointID,
		GetFollowers:  true,
		GetActivities: true,
	}})
}

func (s *followersSuite) TestRemoveFollowersReplayAfterUpdate(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.removeFollowersOp(c, 1, 2, f.viewpointID, 2)
	failpoint.Set("remove_followers", failpoint.AfterUpdate)
	err := s.execute(op)
	c.Assert(err, jc.ErrorIs, failpoint.ErrTriggered)
	c.Assert(s.execute(s.reload(c, op)), jc.ErrorIsNil)

	c.Check(s.follower(c, 2, f.viewpointID).IsUnrevivable(), jc.IsTrue)
	c.Check(s.inboxHas(c, 2, f.viewpointID), jc.IsFalse)
	c.Check(s.viewpoint(c, f.viewpointID).UpdateSeq(), gc.Equals, int64(3))
}

func (s *followersSuite) TestRemoveFollowersSelfRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.removeFollowersOp(c, 1, 2, f.viewpointID, 1)
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodeInvalidRequest)
	c.Assert(err, gc.ErrorMatches, `.*use remove_viewpoint.*`)
}

func (s *followersSuite) TestRemoveFollowersRequiresAdmin(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	// User 2 can contribute but does not administer the viewpoint.
	op := s.removeFollowersOp(c, 2, 1, f.viewpointID, 1)
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrID(err), gc.Equals, params.IDNotAdmin)
}

func (s *followersSuite) TestRemoveViewpoint(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.enqueue(c, 2, 1, "remove_viewpoint", map[string]interface{}{
		"viewpoint_id": f.viewpointID,
	})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	gone := s.follower(c, 2, f.viewpointID)
	c.Check(gone.IsRemoved(), jc.IsTrue)
	c.Check(gone.IsUnrevivable(), jc.IsFalse)
	c.Check(s.inboxHas(c, 2, f.viewpointID), jc.IsFalse)

	// Hiding a conversation is silent: no activity, no seq bump.
	c.Check(s.viewpoint(c, f.viewpointID).UpdateSeq(), gc.Equals, int64(2))

	notes := s.notifications(c, 2)
	latest := notes[len(notes)-1]
	c.Check(latest.Name(), gc.Equals, "remove_viewpoint")
	c.Check(latest.Badge(), gc.Equals, int64(1))
	inv, err := latest.Invalidate()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv, gc.NotNil)
	c.Check(inv.Viewpoints, jc.DeepEquals, []invalidate.Viewpoint{{
		ViewpointID:   f.viewpointID,
		GetAttributes: true,
	}})
}

func (s *followersSuite) TestRemoveViewpointFullReplayIsNoop(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.enqueue(c, 2, 1, "remove_viewpoint", map[string]interface{}{
		"viewpoint_id": f.viewpointID,
	})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	before := s.KV.Dump()
	c.Assert(s.execute(s.reload(c, op)), jc.ErrorIsNil)
	c.Check(s.KV.Dump(), jc.DeepEquals, before)
}

func (s *followersSuite) TestRemoveViewpointLibraryRejected(c *gc.C) {
	s.AddUser(c, 1)
	op := s.enqueue(c, 1, 1, "remove_viewpoint", map[string]interface{}{
		"viewpoint_id": viewfindertesting.PrivateViewpointID(1),
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodePermission)
	c.Assert(err, gc.ErrorMatches, `.*cannot remove own library viewpoint.*`)
}

func (s *followersSuite) TestRemoveViewpointNotFollowerRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)
	s.AddUser(c, 3)

	op := s.enqueue(c, 3, 1, "remove_viewpoint", map[string]interface{}{
		"viewpoint_id": f.viewpointID,
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrID(err), gc.Equals, params.IDViewpointNotFollowed)
}

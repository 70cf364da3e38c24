// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/core/assetid"
	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/kv"
	"github.com/viewfinderco/viewfinder-sub004/ops"
	"github.com/viewfinderco/viewfinder-sub004/ops/failpoint"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

type shareSuite struct {
	baseSuite
}

var _ = gc.Suite(&shareSuite{})

// assertShared checks the complete post-share state. It holds after a
// clean run and after a replay from any crash point, which is what makes
// it the convergence oracle for the failpoint tests.
func (s *shareSuite) assertShared(c *gc.C, f *shareFixture) {
	ctx := context.Background()
	now := s.Clock.Now().Unix()

	vp := s.viewpoint(c, f.viewpointID)
	c.Check(vp.OwnerID(), gc.Equals, int64(1))
	c.Check(vp.IsDefault(), jc.IsFalse)
	c.Check(vp.Title(), gc.Equals, "Beach day")
	c.Check(vp.UpdateSeq(), gc.Equals, int64(2))
	c.Check(vp.CoverPhotoID(), gc.Equals, f.photoIDs[0])
	c.Check(vp.CoverEpisodeID(), gc.Equals, f.newEpisodeID)

	sender := s.follower(c, 1, f.viewpointID)
	c.Check(sender.IsAdmin(), jc.IsTrue)
	c.Check(sender.CanContribute(), jc.IsTrue)
	c.Check(sender.ViewedSeq(), gc.Equals, int64(2))
	receiver := s.follower(c, 2, f.viewpointID)
	c.Check(receiver.IsAdmin(), jc.IsFalse)
	c.Check(receiver.CanContribute(), jc.IsTrue)
	c.Check(receiver.ViewedSeq(), gc.Equals, int64(0))

	ep, err := s.State.Episode(ctx, f.newEpisodeID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ep.UserID(), gc.Equals, int64(1))
	c.Check(ep.ViewpointID(), gc.Equals, f.viewpointID)
	c.Check(ep.ParentEpisodeID(), gc.Equals, f.sourceID)
	posts, err := s.State.EpisodePosts(ctx, f.newEpisodeID)
	c.Assert(err, jc.ErrorIsNil)
	postPhotoIDs := make([]string, 0, len(posts))
	for _, p := range posts {
		c.Check(p.IsRemoved(), jc.IsFalse)
		c.Check(p.IsUnshared(), jc.IsFalse)
		postPhotoIDs = append(postPhotoIDs, p.PhotoID())
	}
	c.Check(postPhotoIDs, jc.SameContents, f.photoIDs)

	act, err := s.State.Activity(ctx, f.viewpointID, f.activityID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(act.UserID(), gc.Equals, int64(1))
	c.Check(act.Name(), gc.Equals, "share_new")
	c.Check(act.Timestamp(), gc.Equals, now)
	c.Check(act.UpdateSeq(), gc.Equals, int64(2))
	var payload struct {
		Episodes []struct {
			EpisodeID string   `json:"episode_id"`
			PhotoIDs  []string `json:"photo_ids"`
		} `json:"episodes"`
		FollowerIDs []int64 `json:"follower_ids"`
	}
	c.Assert(act.Payload(&payload), jc.ErrorIsNil)
	c.Check(payload.FollowerIDs, jc.DeepEquals, []int64{2})
	c.Assert(payload.Episodes, gc.HasLen, 1)
	c.Check(payload.Episodes[0].EpisodeID, gc.Equals, f.newEpisodeID)
	c.Check(payload.Episodes[0].PhotoIDs, jc.DeepEquals, f.photoIDs)

	// Both users carry the conversation in their inbox and are friends
	// now.
	for _, userID := range []int64{1, 2} {
		followed, _, err := s.State.ListFollowed(ctx, userID, 10, kv.Value{})
		c.Assert(err, jc.ErrorIsNil)
		found := false
		for _, fd := range followed {
			found = found || fd.ViewpointID == f.viewpointID
		}
		c.Check(found, jc.IsTrue, gc.Commentf("user %d inbox misses %s", userID, f.viewpointID))
	}
	_, err = s.State.Friend(ctx, 1, 2)
	c.Check(err, jc.ErrorIsNil)
	_, err = s.State.Friend(ctx, 2, 1)
	c.Check(err, jc.ErrorIsNil)

	shared := state.AccountingDelta{NumPhotos: 2, SizeBytes: 2 * testPhotoSize}
	c.Check(s.accounting(c, state.SharedByKey(f.viewpointID, 1)), jc.DeepEquals, shared)
	c.Check(s.accounting(c, state.VisibleToKey(f.viewpointID)), jc.DeepEquals, shared)
	c.Check(s.accounting(c, state.OwnedByKey(1)), jc.DeepEquals, state.AccountingDelta{NumConversations: 1})
	c.Check(s.accounting(c, state.OwnedByKey(2)), jc.DeepEquals, state.AccountingDelta{NumConversations: 1})

	notes := s.notifications(c, 2)
	c.Assert(notes, gc.HasLen, 1)
	note := notes[0]
	c.Check(note.ID(), gc.Equals, int64(1))
	c.Check(note.Name(), gc.Equals, "share_new")
	c.Check(note.OpID(), gc.Equals, f.op.ID())
	c.Check(note.SenderID(), gc.Equals, int64(1))
	c.Check(note.Badge(), gc.Equals, int64(1))
	c.Check(note.ViewpointID(), gc.Equals, f.viewpointID)
	c.Check(note.ActivityID(), gc.Equals, f.activityID)
	c.Check(note.UpdateSeq(), gc.Equals, int64(2))
	inv, err := note.Invalidate()
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

	// The sender is notified too, but silently: no badge, no alert.
	senderNotes := s.notifications(c, 1)
	c.Assert(senderNotes, gc.HasLen, 1)
	c.Check(senderNotes[0].Name(), gc.Equals, "share_new")
	c.Check(senderNotes[0].Badge(), gc.Equals, int64(0))

	pushes := s.alerts.Pushes()
	c.Assert(pushes, gc.HasLen, 1)
	push := pushes[0]
	c.Check(push.Token.Opaque, gc.Equals, "token-2")
	c.Check(push.Badge, gc.Equals, int64(1))
	c.Check(push.Text, gc.Equals, "User 1 shared 2 photos with you")
	c.Check(push.Sound, gc.Equals, "default")
	c.Check(push.ViewpointID, gc.Equals, f.viewpointID)
	c.Check(push.ActivityID, gc.Equals, f.activityID)
}

func (s *shareSuite) TestShareNew(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)
	s.assertShared(c, f)
}

// assertReplayConverges crashes the share at the named boundary, replays
// it and checks the outcome is exactly the single-run outcome.
func (s *shareSuite) assertReplayConverges(c *gc.C, boundary string) {
	f := s.newShare(c)
	failpoint.Set("share_new", boundary)
	err := s.execute(f.op)
	c.Assert(err, jc.ErrorIs, failpoint.ErrTriggered)

	c.Assert(s.execute(s.reload(c, f.op)), jc.ErrorIsNil)
	s.assertShared(c, f)
}

func (s *shareSuite) TestShareNewReplayAfterCheck(c *gc.C) {
	s.assertReplayConverges(c, failpoint.AfterCheck)
}

func (s *shareSuite) TestShareNewReplayAfterUpdate(c *gc.C) {
	s.assertReplayConverges(c, failpoint.AfterUpdate)
}

func (s *shareSuite) TestShareNewReplayAfterAccount(c *gc.C) {
	s.assertReplayConverges(c, failpoint.AfterAccount)
}

func (s *shareSuite) TestShareNewReplayAfterNotify(c *gc.C) {
	s.assertReplayConverges(c, failpoint.AfterNotify)
}

func (s *shareSuite) TestShareNewFullReplayIsNoop(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	before := s.KV.Dump()
	c.Assert(s.execute(s.reload(c, f.op)), jc.ErrorIsNil)
	c.Check(s.KV.Dump(), jc.DeepEquals, before)

	// And no duplicate alert went out.
	c.Check(s.alerts.Pushes(), gc.HasLen, 1)
}

func (s *shareSuite) TestShareNewAccountingExactlyOnce(c *gc.C) {
	f := s.newShare(c)
	failpoint.SetN("share_new", failpoint.AfterAccount, 3)

	row := f.op
	for i := 0; i < 3; i++ {
		err := s.execute(row)
		c.Assert(err, jc.ErrorIs, failpoint.ErrTriggered)
		row = s.reload(c, row)
	}
	c.Assert(s.execute(row), jc.ErrorIsNil)

	// Four executions, every counter applied once.
	s.assertShared(c, f)
}

func (s *shareSuite) TestShareNewAppendsToExistingFeed(c *gc.C) {
	f := s.newShare(c)

	// The receiver already has feed history; the share lands after it.
	_, err := s.State.InsertNotification(context.Background(), state.NotificationArgs{
		UserID:         2,
		NotificationID: 7,
		Name:           "upload_episode",
		OpID:           "op-elsewhere",
		SenderID:       2,
		Timestamp:      s.Clock.Now().Unix(),
		Badge:          3,
	})
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	notes := s.notifications(c, 2)
	c.Assert(notes, gc.HasLen, 2)
	latest := notes[len(notes)-1]
	c.Check(latest.ID(), gc.Equals, int64(8))
	c.Check(latest.Name(), gc.Equals, "share_new")
	c.Check(latest.Badge(), gc.Equals, int64(4))
}

func (s *shareSuite) TestShareNewProspectiveContact(c *gc.C) {
	s.AddUser(c, 1)
	s.SetPushToken(c, 1)
	sourceID, photoIDs := s.seedLibraryEpisode(c, 1, 11, 21, 22)
	viewpointID := s.newViewpointID(1, 2)
	op := s.enqueue(c, 1, 1, "share_new", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, 1, 3),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint": map[string]interface{}{"viewpoint_id": viewpointID},
		"episodes": []map[string]interface{}{{
			"existing_episode_id": sourceID,
			"new_episode_id":      s.newEpisodeID(c, 1, 4),
			"photo_ids":           photoIDs,
		}},
		"contacts": []map[string]interface{}{{"identity": "Email:new@example.com", "name": "Pat"}},
	})

	c.Assert(s.run(c, op), jc.ErrorIsNil)

	// The identity got a skeleton account.
	ctx := context.Background()
	ident, err := s.State.Identity(ctx, "Email:new@example.com")
	c.Assert(err, jc.ErrorIsNil)
	newUserID := ident.UserID()
	c.Assert(newUserID, gc.Equals, int64(101))

	user, err := s.State.User(ctx, newUserID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(user.IsProspective(), jc.IsTrue)
	c.Check(user.Name(), gc.Equals, "Pat")

	// With a private library of their own.
	libraryID := assetid.ConstructViewpointID(assetid.ServerDeviceID, uint64(newUserID))
	c.Check(user.PrivateViewpointID(), gc.Equals, libraryID)
	library := s.viewpoint(c, libraryID)
	c.Check(library.IsDefault(), jc.IsTrue)
	owner := s.follower(c, newUserID, libraryID)
	c.Check(owner.IsAdmin(), jc.IsTrue)

	// And a follower row on the conversation.
	f := s.follower(c, newUserID, viewpointID)
	c.Check(f.CanContribute(), jc.IsTrue)
	c.Check(s.accounting(c, state.OwnedByKey(newUserID)),
		jc.DeepEquals, state.AccountingDelta{NumConversations: 1})
	notes := s.notifications(c, newUserID)
	c.Assert(notes, gc.HasLen, 1)
	c.Check(notes[0].Badge(), gc.Equals, int64(1))

	// The invite email went to the shared address.
	emails := s.alerts.Emails()
	c.Assert(emails, gc.HasLen, 1)
	c.Check(emails[0].To, gc.Equals, "new@example.com")
	c.Check(emails[0].ToName, gc.Equals, "Pat")
	c.Check(emails[0].Subject, gc.Equals, "User 1 shared 2 photos with you on Viewfinder.")
	c.Check(emails[0].Text, gc.Equals,
		"User 1 shared 2 photos with you on Viewfinder. Get the Viewfinder app to see them.")
}

func (s *shareSuite) TestShareNewStopReissuesSameNestedOp(c *gc.C) {
	s.AddUser(c, 1)
	sourceID, photoIDs := s.seedLibraryEpisode(c, 1, 11, 21)
	op := s.enqueue(c, 1, 1, "share_new", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, 1, 3),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint": map[string]interface{}{"viewpoint_id": s.newViewpointID(1, 2)},
		"episodes": []map[string]interface{}{{
			"existing_episode_id": sourceID,
			"new_episode_id":      s.newEpisodeID(c, 1, 4),
			"photo_ids":           photoIDs,
		}},
		"contacts": []map[string]interface{}{{"identity": "Email:new@example.com"}},
	})

	err := s.execute(op)
	stop, ok := ops.AsStop(err)
	c.Assert(ok, jc.IsTrue)
	c.Assert(stop.Nested, gc.HasLen, 1)
	c.Check(stop.Nested[0].Method, gc.Equals, "register_prospective_user")

	// A crash before the nested op ran: the replayed parent re-issues the
	// identical nested op from its checkpoint, ids included.
	err = s.execute(s.reload(c, op))
	again, ok := ops.AsStop(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(again.Nested, jc.DeepEquals, stop.Nested)
}

func (s *shareSuite) TestShareNewProspectiveRacedByRegistration(c *gc.C) {
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	sourceID, photoIDs := s.seedLibraryEpisode(c, 1, 11, 21)
	viewpointID := s.newViewpointID(1, 2)
	op := s.enqueue(c, 1, 1, "share_new", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, 1, 3),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint": map[string]interface{}{"viewpoint_id": viewpointID},
		"episodes": []map[string]interface{}{{
			"existing_episode_id": sourceID,
			"new_episode_id":      s.newEpisodeID(c, 1, 4),
			"photo_ids":           photoIDs,
		}},
		"contacts": []map[string]interface{}{{"identity": "Email:late@example.com"}},
	})

	_, ok := ops.AsStop(s.execute(op))
	c.Assert(ok, jc.IsTrue)

	// While the share is stopped, the address registers for real as
	// user 2. The share must pick up the real account, not the planned
	// prospective id.
	ctx := context.Background()
	err := s.State.LinkIdentity(ctx, "Email:late@example.com", 2, "Viewfinder")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.execute(s.reload(c, op)), jc.ErrorIsNil)
	f := s.follower(c, 2, viewpointID)
	c.Check(f.CanContribute(), jc.IsTrue)
	_, err = s.State.User(ctx, 101)
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *shareSuite) TestShareExisting(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	// User 2 shares one of their own photos into the conversation.
	sourceID, photoIDs := s.seedLibraryEpisode(c, 2, 12, 31)
	newEpisodeID := s.newEpisodeID(c, 2, 5)
	activityID := s.newActivityID(c, 2, 6)
	op := s.enqueue(c, 2, 2, "share_existing", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": activityID,
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint_id": f.viewpointID,
		"episodes": []map[string]interface{}{{
			"existing_episode_id": sourceID,
			"new_episode_id":      newEpisodeID,
			"photo_ids":           photoIDs,
		}},
	})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	ctx := context.Background()
	vp := s.viewpoint(c, f.viewpointID)
	c.Check(vp.UpdateSeq(), gc.Equals, int64(3))
	ep, err := s.State.Episode(ctx, newEpisodeID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ep.UserID(), gc.Equals, int64(2))
	c.Check(ep.ViewpointID(), gc.Equals, f.viewpointID)

	// The contributor's view position advances with their own activity.
	c.Check(s.follower(c, 2, f.viewpointID).ViewedSeq(), gc.Equals, int64(3))

	oneShared := state.AccountingDelta{NumPhotos: 1, SizeBytes: testPhotoSize}
	c.Check(s.accounting(c, state.SharedByKey(f.viewpointID, 2)), jc.DeepEquals, oneShared)
	c.Check(s.accounting(c, state.VisibleToKey(f.viewpointID)),
		jc.DeepEquals, state.AccountingDelta{NumPhotos: 3, SizeBytes: 3 * testPhotoSize})

	// User 1 hears about it and badges up; invalidation is narrow.
	notes := s.notifications(c, 1)
	c.Assert(notes, gc.HasLen, 2)
	latest := notes[len(notes)-1]
	c.Check(latest.Name(), gc.Equals, "share_existing")
	c.Check(latest.Badge(), gc.Equals, int64(1))
	inv, err := latest.Invalidate()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv, gc.NotNil)
	c.Check(inv.Viewpoints, jc.DeepEquals, []invalidate.Viewpoint{{
		ViewpointID:   f.viewpointID,
		GetActivities: true,
		GetEpisodes:   true,
	}})
}

func (s *shareSuite) TestShareExistingRequiresContribute(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	// Demote user 2 to a viewer.
	err := s.follower(c, 2, f.viewpointID).SetLabels(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)

	sourceID, photoIDs := s.seedLibraryEpisode(c, 2, 12, 31)
	op := s.enqueue(c, 2, 2, "share_existing", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, 2, 6),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint_id": f.viewpointID,
		"episodes": []map[string]interface{}{{
			"existing_episode_id": sourceID,
			"new_episode_id":      s.newEpisodeID(c, 2, 5),
			"photo_ids":           photoIDs,
		}},
	})
	err = s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodePermission)
	c.Assert(params.ErrID(err), gc.Equals, params.IDCannotContribute)
}

func (s *shareSuite) TestShareNewForeignEpisodeRejected(c *gc.C) {
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	sourceID, photoIDs := s.seedLibraryEpisode(c, 1, 11, 21)

	// User 2 tries to share user 1's episode.
	op := s.enqueue(c, 2, 1, "share_new", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, 2, 3),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint": map[string]interface{}{"viewpoint_id": s.newViewpointID(2, 2)},
		"episodes": []map[string]interface{}{{
			"existing_episode_id": sourceID,
			"new_episode_id":      s.newEpisodeID(c, 2, 4),
			"photo_ids":           photoIDs,
		}},
		"contacts": []map[string]interface{}{{"user_id": 1}},
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodePermission)
	c.Assert(err, gc.ErrorMatches, `.*episode .* is not owned by user 2.*`)
}

func (s *shareSuite) TestShareNewUnsharedPhotoRejected(c *gc.C) {
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	sourceID, photoIDs := s.seedLibraryEpisode(c, 1, 11, 21)

	post, err := s.State.Post(context.Background(), sourceID, photoIDs[0])
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(post.Unshare(context.Background()), jc.ErrorIsNil)

	op := s.enqueue(c, 1, 1, "share_new", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, 1, 3),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint": map[string]interface{}{"viewpoint_id": s.newViewpointID(1, 2)},
		"episodes": []map[string]interface{}{{
			"existing_episode_id": sourceID,
			"new_episode_id":      s.newEpisodeID(c, 1, 4),
			"photo_ids":           photoIDs,
		}},
		"contacts": []map[string]interface{}{{"user_id": 2}},
	})
	err = s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodePermission)
	c.Assert(err, gc.ErrorMatches, `.*was unshared.*`)
}

func (s *shareSuite) TestShareNewForeignDeviceIDRejected(c *gc.C) {
	s.AddUser(c, 1)
	s.AddUser(c, 2)
	sourceID, photoIDs := s.seedLibraryEpisode(c, 1, 11, 21)

	// The activity id was minted by a device the submitter doesn't own.
	foreignActivity, err := assetid.NewActivityID(
		s.Clock.Now().Unix(), 999, assetid.Uniquifier{LocalID: 3})
	c.Assert(err, jc.ErrorIsNil)

	op := s.enqueue(c, 1, 1, "share_new", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": foreignActivity,
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint": map[string]interface{}{"viewpoint_id": s.newViewpointID(1, 2)},
		"episodes": []map[string]interface{}{{
			"existing_episode_id": sourceID,
			"new_episode_id":      s.newEpisodeID(c, 1, 4),
			"photo_ids":           photoIDs,
		}},
		"contacts": []map[string]interface{}{{"user_id": 2}},
	})
	err = s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrID(err), gc.Equals, params.IDBadDeviceID)
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops_test

import (
	"context"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/ops/failpoint"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

type viewpointSuite struct {
	baseSuite
}

var _ = gc.Suite(&viewpointSuite{})

func (s *viewpointSuite) updateOp(c *gc.C, userID int64, localID uint64, viewpointID string, attrs map[string]interface{}) *state.Operation {
	args := map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, userID, localID*10),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint_id": viewpointID,
	}
	for k, v := range attrs {
		args[k] = v
	}
	return s.enqueue(c, userID, localID, "update_viewpoint", args)
}

func (s *viewpointSuite) TestUpdateViewpointTitle(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 1, 2, f.viewpointID, map[string]interface{}{
		"title":       "Beach week",
		"description": "All seven days of it",
	})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	vp := s.viewpoint(c, f.viewpointID)
	c.Check(vp.Title(), gc.Equals, "Beach week")
	c.Check(vp.Description(), gc.Equals, "All seven days of it")
	c.Check(vp.UpdateSeq(), gc.Equals, int64(3))
	c.Check(s.follower(c, 1, f.viewpointID).ViewedSeq(), gc.Equals, int64(3))

	act, err := s.State.Activity(context.Background(), f.viewpointID, s.newActivityID(c, 1, 20))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(act.Name(), gc.Equals, "update_viewpoint")

	notes := s.notifications(c, 2)
	latest := notes[len(notes)-1]
	c.Check(latest.Name(), gc.Equals, "update_viewpoint")
	inv, err := latest.Invalidate()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv, gc.NotNil)
	c.Check(inv.Viewpoints, jc.DeepEquals, []invalidate.Viewpoint{{
		ViewpointID:   f.viewpointID,
		GetAttributes: true,
		GetActivities: true,
	}})
}

func (s *viewpointSuite) TestUpdateViewpointCover(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	// The share defaulted the cover to the first photo; repoint it.
	op := s.updateOp(c, 1, 2, f.viewpointID, map[string]interface{}{
		"cover_photo_id":   f.photoIDs[1],
		"cover_episode_id": f.newEpisodeID,
	})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	vp := s.viewpoint(c, f.viewpointID)
	c.Check(vp.CoverPhotoID(), gc.Equals, f.photoIDs[1])
	c.Check(vp.CoverEpisodeID(), gc.Equals, f.newEpisodeID)
}

func (s *viewpointSuite) TestUpdateViewpointReplayAfterUpdate(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 1, 2, f.viewpointID, map[string]interface{}{"title": "Renamed"})
	failpoint.Set("update_viewpoint", failpoint.AfterUpdate)
	err := s.execute(op)
	c.Assert(err, jc.ErrorIs, failpoint.ErrTriggered)
	c.Assert(s.execute(s.reload(c, op)), jc.ErrorIsNil)

	vp := s.viewpoint(c, f.viewpointID)
	c.Check(vp.Title(), gc.Equals, "Renamed")
	c.Check(vp.UpdateSeq(), gc.Equals, int64(3))
}

func (s *viewpointSuite) TestUpdateViewpointRequiresAdmin(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 2, 1, f.viewpointID, map[string]interface{}{"title": "Hijacked"})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrID(err), gc.Equals, params.IDNotAdmin)
	c.Check(s.viewpoint(c, f.viewpointID).Title(), gc.Equals, "Beach day")
}

func (s *viewpointSuite) TestUpdateViewpointCoverMustBePosted(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	// A photo that was never shared into the conversation cannot be its
	// cover, even though the caller owns it.
	_, photoIDs := s.seedLibraryEpisode(c, 1, 12, 31)
	op := s.updateOp(c, 1, 2, f.viewpointID, map[string]interface{}{
		"cover_photo_id":   photoIDs[0],
		"cover_episode_id": f.newEpisodeID,
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodeNotFound)
}

func (s *viewpointSuite) TestUpdateViewpointCoverEpisodeElsewhereRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 1, 2, f.viewpointID, map[string]interface{}{
		"cover_photo_id":   f.photoIDs[0],
		"cover_episode_id": f.sourceID,
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(err, gc.ErrorMatches, `.*is not in viewpoint.*`)
}

func (s *viewpointSuite) TestUpdateViewpointUnsharedCoverRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	unshareOp := s.enqueue(c, 1, 2, "unshare", map[string]interface{}{
		"activity": map[string]interface{}{
			"activity_id": s.newActivityID(c, 1, 5),
			"timestamp":   s.Clock.Now().Unix(),
		},
		"viewpoint_id": f.viewpointID,
		"episodes": []map[string]interface{}{{
			"episode_id": f.newEpisodeID,
			"photo_ids":  []string{f.photoIDs[0]},
		}},
	})
	c.Assert(s.execute(unshareOp), jc.ErrorIsNil)

	op := s.updateOp(c, 1, 3, f.viewpointID, map[string]interface{}{
		"cover_photo_id":   f.photoIDs[0],
		"cover_episode_id": f.newEpisodeID,
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(err, gc.ErrorMatches, `.*cannot be the cover.*`)
}

func (s *viewpointSuite) TestUpdateViewpointCoverPairRequired(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 1, 2, f.viewpointID, map[string]interface{}{
		"cover_photo_id": f.photoIDs[1],
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(err, gc.ErrorMatches, `.*must be set together.*`)
}

func (s *viewpointSuite) TestUpdateViewpointNothingToUpdate(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 1, 2, f.viewpointID, nil)
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(err, gc.ErrorMatches, `.*nothing to update.*`)
}

type followerUpdateSuite struct {
	baseSuite
}

var _ = gc.Suite(&followerUpdateSuite{})

func (s *followerUpdateSuite) updateOp(c *gc.C, userID int64, localID uint64, viewpointID string, attrs map[string]interface{}) *state.Operation {
	args := map[string]interface{}{"viewpoint_id": viewpointID}
	for k, v := range attrs {
		args[k] = v
	}
	return s.enqueue(c, userID, localID, "update_follower", args)
}

func (s *followerUpdateSuite) TestViewedSeqAdvances(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)
	c.Check(s.follower(c, 2, f.viewpointID).ViewedSeq(), gc.Equals, int64(0))

	op := s.updateOp(c, 2, 1, f.viewpointID, map[string]interface{}{"viewed_seq": 1})
	c.Assert(s.execute(op), jc.ErrorIsNil)
	c.Check(s.follower(c, 2, f.viewpointID).ViewedSeq(), gc.Equals, int64(1))

	notes := s.notifications(c, 2)
	latest := notes[len(notes)-1]
	c.Check(latest.Name(), gc.Equals, "update_follower")
	c.Check(latest.ViewedSeq(), gc.Equals, int64(1))
	inv, err := latest.Invalidate()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inv, gc.NotNil)
	c.Check(inv.Viewpoints, jc.DeepEquals, []invalidate.Viewpoint{{
		ViewpointID:  f.viewpointID,
		GetFollowers: true,
	}})
}

func (s *followerUpdateSuite) TestViewedSeqClampedToUpdateSeq(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	// The conversation is at update_seq 2; a client claiming to have read
	// further is clamped.
	op := s.updateOp(c, 2, 1, f.viewpointID, map[string]interface{}{"viewed_seq": 9})
	c.Assert(s.execute(op), jc.ErrorIsNil)
	c.Check(s.follower(c, 2, f.viewpointID).ViewedSeq(), gc.Equals, int64(2))
}

func (s *followerUpdateSuite) TestViewedSeqNeverRegresses(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	forward := s.updateOp(c, 2, 1, f.viewpointID, map[string]interface{}{"viewed_seq": 2})
	c.Assert(s.execute(forward), jc.ErrorIsNil)
	back := s.updateOp(c, 2, 2, f.viewpointID, map[string]interface{}{"viewed_seq": 1})
	c.Assert(s.execute(back), jc.ErrorIsNil)

	c.Check(s.follower(c, 2, f.viewpointID).ViewedSeq(), gc.Equals, int64(2))
}

func (s *followerUpdateSuite) TestSetLabels(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	// User 1 gives up their admin role but keeps contributing.
	op := s.updateOp(c, 1, 5, f.viewpointID, map[string]interface{}{"labels": []string{"contribute"}})
	c.Assert(s.execute(op), jc.ErrorIsNil)

	demoted := s.follower(c, 1, f.viewpointID)
	c.Check(demoted.Labels(), jc.DeepEquals, []string{state.FollowerContribute})
	c.Check(demoted.IsAdmin(), jc.IsFalse)
	c.Check(demoted.CanContribute(), jc.IsTrue)
}

func (s *followerUpdateSuite) TestEmptyLabelsRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	// A live follower must keep at least one role label; dropping them
	// all is not how you leave a conversation.
	op := s.updateOp(c, 2, 1, f.viewpointID, map[string]interface{}{"labels": []string{}})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodeInvalidRequest)
	c.Check(s.follower(c, 2, f.viewpointID).CanContribute(), jc.IsTrue)
}

func (s *followerUpdateSuite) TestUnknownLabelRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 2, 1, f.viewpointID, map[string]interface{}{
		"labels": []string{"sparkly"},
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrCode(err), gc.Equals, params.CodeInvalidRequest)
}

func (s *followerUpdateSuite) TestRemovedLabelRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 2, 1, f.viewpointID, map[string]interface{}{
		"labels": []string{"removed"},
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(err, gc.ErrorMatches, `.*use remove_viewpoint.*`)
}

func (s *followerUpdateSuite) TestSelfPromotionRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 2, 1, f.viewpointID, map[string]interface{}{
		"labels": []string{"admin", "contribute"},
	})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrID(err), gc.Equals, params.IDNotAdmin)
	c.Check(s.follower(c, 2, f.viewpointID).IsAdmin(), jc.IsFalse)
}

func (s *followerUpdateSuite) TestNotFollowerRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)
	s.AddUser(c, 3)

	op := s.updateOp(c, 3, 1, f.viewpointID, map[string]interface{}{"viewed_seq": 1})
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(params.ErrID(err), gc.Equals, params.IDViewpointNotFollowed)
}

func (s *followerUpdateSuite) TestNothingToUpdateRejected(c *gc.C) {
	f := s.newShare(c)
	c.Assert(s.execute(f.op), jc.ErrorIsNil)

	op := s.updateOp(c, 2, 1, f.viewpointID, nil)
	err := s.execute(op)
	c.Assert(params.IsClientError(err), jc.IsTrue)
	c.Assert(err, gc.ErrorMatches, `.*nothing to update.*`)
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// updateViewpoint changes conversation metadata: title, description and
// cover photo. Admin only.
type updateViewpoint struct {
	nopAccount

	activity    activityArgs
	viewpointID string
	attrs       state.UpdateViewpointAttrs
}

func newUpdateViewpoint(args map[string]interface{}) (Operation, error) {
	const method = "update_viewpoint"
	valid, err := coerceArgs(method, schema.Fields{
		"activity":         schema.StringMap(schema.Any()),
		"viewpoint_id":     schema.NonEmptyString("viewpoint_id"),
		"title":            schema.String(),
		"description":      schema.String(),
		"cover_photo_id":   schema.String(),
		"cover_episode_id": schema.String(),
	}, schema.Defaults{
		"title":            schema.Omit,
		"description":      schema.Omit,
		"cover_photo_id":   schema.Omit,
		"cover_episode_id": schema.Omit,
	}, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &updateViewpoint{
		viewpointID: valid["viewpoint_id"].(string),
		attrs: state.UpdateViewpointAttrs{
			Title:          fieldStrPtr(valid, "title"),
			Description:    fieldStrPtr(valid, "description"),
			CoverPhotoID:   fieldStrPtr(valid, "cover_photo_id"),
			CoverEpisodeID: fieldStrPtr(valid, "cover_episode_id"),
		},
	}
	if op.activity, err = parseActivity(method, valid); err != nil {
		return nil, errors.Trace(err)
	}
	if op.attrs.IsZero() {
		return nil, params.Invalidf("", "%s: nothing to update", method)
	}
	if (op.attrs.CoverPhotoID == nil) != (op.attrs.CoverEpisodeID == nil) {
		return nil, params.Invalidf("",
			"%s: cover_photo_id and cover_episode_id must be set together", method)
	}
	return op, nil
}

func (op *updateViewpoint) Locks(oc *Context) []string {
	return []string{lock.ViewpointLockID(op.viewpointID)}
}

func (op *updateViewpoint) Check(ctx context.Context, oc *Context) error {
	if err := checkActivityID(oc, op.activity.ID); err != nil {
		return errors.Trace(err)
	}
	_, follower, err := activeFollower(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := requireAdmin(follower); err != nil {
		return errors.Trace(err)
	}
	if op.attrs.CoverPhotoID != nil && *op.attrs.CoverPhotoID != "" {
		return errors.Trace(op.checkCover(ctx, oc))
	}
	return nil
}

// checkCover verifies the proposed cover photo is posted, unhidden, in an
// episode of this viewpoint.
func (op *updateViewpoint) checkCover(ctx context.Context, oc *Context) error {
	st := oc.Store()
	episodeID, photoID := *op.attrs.CoverEpisodeID, *op.attrs.CoverPhotoID
	ep, err := st.Episode(ctx, episodeID)
	if errors.Is(err, errors.NotFound) {
		return params.NotFoundf("", "episode %s not found", episodeID)
	} else if err != nil {
		return errors.Trace(err)
	}
	if ep.ViewpointID() != op.viewpointID {
		return params.Invalidf("",
			"episode %s is not in viewpoint %s", episodeID, op.viewpointID)
	}
	post, err := st.Post(ctx, episodeID, photoID)
	if errors.Is(err, errors.NotFound) {
		return params.NotFoundf("",
			"photo %s is not posted in episode %s", photoID, episodeID)
	} else if err != nil {
		return errors.Trace(err)
	}
	if post.IsRemoved() || post.IsUnshared() {
		return params.Invalidf("",
			"photo %s cannot be the cover of viewpoint %s", photoID, op.viewpointID)
	}
	return nil
}

type viewpointUpdatePayload struct {
	ViewpointID string `json:"viewpoint_id"`
}

func (op *updateViewpoint) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	if err := st.UpdateViewpoint(ctx, op.viewpointID, op.attrs); err != nil {
		return errors.Trace(err)
	}
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	act, err := ensureActivity(ctx, oc, vp, op.activity.ID,
		viewpointUpdatePayload{ViewpointID: op.viewpointID})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(markSenderViewed(ctx, oc, op.viewpointID, act.UpdateSeq()))
}

func (op *updateViewpoint) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	args.ViewpointID = op.viewpointID
	args.ActivityID = op.activity.ID
	inv := &invalidate.Invalidate{}
	inv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetAttributes: true,
		GetActivities: true,
	})
	args.Invalidate = inv
	return errors.Trace(oc.Notifier().NotifyFollowers(ctx, op.viewpointID, args))
}

// updateFollower adjusts the caller's own relationship with a
// conversation: read position and non-privileged labels.
type updateFollower struct {
	nopLocks
	nopAccount

	viewpointID string
	viewedSeq   int64
	labels      []string
	hasLabels   bool

	storedSeq int64
}

func newUpdateFollower(args map[string]interface{}) (Operation, error) {
	const method = "update_follower"
	valid, err := coerceArgs(method, schema.Fields{
		"viewpoint_id": schema.NonEmptyString("viewpoint_id"),
		"viewed_seq":   schema.ForceInt(),
		"labels":       schema.List(schema.String()),
	}, schema.Defaults{
		"viewed_seq": schema.Omit,
		"labels":     schema.Omit,
	}, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &updateFollower{
		viewpointID: valid["viewpoint_id"].(string),
		viewedSeq:   fieldInt(valid, "viewed_seq"),
	}
	if _, ok := valid["labels"]; ok {
		op.labels = fieldStrList(valid, "labels")
		op.hasLabels = true
	}
	if op.viewedSeq == 0 && !op.hasLabels {
		return nil, params.Invalidf("", "%s: nothing to update", method)
	}
	return op, nil
}

func (op *updateFollower) Check(ctx context.Context, oc *Context) error {
	follower, err := oc.Store().Follower(ctx, oc.UserID, op.viewpointID)
	if errors.Is(err, errors.NotFound) {
		return params.Permissionf(params.IDViewpointNotFollowed,
			"user %d does not follow viewpoint %s", oc.UserID, op.viewpointID)
	} else if err != nil {
		return errors.Trace(err)
	}
	if !op.hasLabels {
		return nil
	}
	if err := state.ValidateFollowerLabels(op.labels); err != nil {
		return params.Invalidf("", "update_follower: %v", err)
	}
	next := make(map[string]bool, len(op.labels))
	for _, l := range op.labels {
		next[l] = true
	}
	if next[state.FollowerRemoved] || next[state.FollowerUnrevivable] {
		return params.Invalidf("",
			"update_follower cannot remove a follower; use remove_viewpoint")
	}
	if next[state.FollowerAdmin] && !follower.IsAdmin() {
		return params.Permissionf(params.IDNotAdmin,
			"user %d cannot grant admin on viewpoint %s", oc.UserID, op.viewpointID)
	}
	return nil
}

func (op *updateFollower) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	follower, err := st.Follower(ctx, oc.UserID, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	if op.hasLabels {
		if err := follower.SetLabels(ctx, op.labels); err != nil {
			return errors.Trace(err)
		}
	}
	if op.viewedSeq > 0 {
		vp, err := loadViewpoint(ctx, oc, op.viewpointID)
		if err != nil {
			return errors.Trace(err)
		}
		op.storedSeq, err = follower.AdvanceViewedSeq(ctx, op.viewedSeq, vp.UpdateSeq())
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (op *updateFollower) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	args.ViewpointID = op.viewpointID
	args.ViewedSeq = op.storedSeq
	inv := &invalidate.Invalidate{}
	inv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:  op.viewpointID,
		GetFollowers: true,
	})
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

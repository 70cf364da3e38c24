// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// postComment appends a comment to a conversation, optionally tied to an
// asset such as a photo being discussed.
type postComment struct {
	nopAccount

	activity    activityArgs
	viewpointID string
	commentID   string
	assetID     string
	message     string
}

func newPostComment(args map[string]interface{}) (Operation, error) {
	const method = "post_comment"
	valid, err := coerceArgs(method, schema.Fields{
		"activity":     schema.StringMap(schema.Any()),
		"viewpoint_id": schema.NonEmptyString("viewpoint_id"),
		"comment_id":   schema.NonEmptyString("comment_id"),
		"asset_id":     schema.String(),
		"message":      schema.NonEmptyString("message"),
	}, schema.Defaults{
		"asset_id": schema.Omit,
	}, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &postComment{
		viewpointID: valid["viewpoint_id"].(string),
		commentID:   valid["comment_id"].(string),
		assetID:     fieldStr(valid, "asset_id"),
		message:     valid["message"].(string),
	}
	if op.activity, err = parseActivity(method, valid); err != nil {
		return nil, errors.Trace(err)
	}
	return op, nil
}

func (op *postComment) Locks(oc *Context) []string {
	return []string{lock.ViewpointLockID(op.viewpointID)}
}

func (op *postComment) Check(ctx context.Context, oc *Context) error {
	if err := checkActivityID(oc, op.activity.ID); err != nil {
		return errors.Trace(err)
	}
	if err := checkCommentID(oc, op.commentID); err != nil {
		return errors.Trace(err)
	}
	_, follower, err := activeFollower(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := requireContribute(follower); err != nil {
		return errors.Trace(err)
	}
	existing, err := oc.Store().Comment(ctx, op.viewpointID, op.commentID)
	if err == nil {
		if existing.UserID() != oc.UserID {
			return params.Permissionf("",
				"comment %s belongs to another user", op.commentID)
		}
	} else if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	return nil
}

type commentPayload struct {
	CommentID string `json:"comment_id"`
}

func (op *postComment) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	_, err := st.AddComment(ctx, state.AddCommentArgs{
		ViewpointID: op.viewpointID,
		CommentID:   op.commentID,
		UserID:      oc.UserID,
		AssetID:     op.assetID,
		Timestamp:   op.activity.Timestamp,
		Message:     op.message,
	})
	if err != nil && !errors.Is(err, errors.AlreadyExists) {
		return errors.Trace(err)
	}
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	act, err := ensureActivity(ctx, oc, vp, op.activity.ID,
		commentPayload{CommentID: op.commentID})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(markSenderViewed(ctx, oc, op.viewpointID, act.UpdateSeq()))
}

func (op *postComment) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	args.ViewpointID = op.viewpointID
	args.ActivityID = op.activity.ID
	args.AlertText = fmt.Sprintf("%s: %s", senderName(ctx, oc), op.message)
	inv := &invalidate.Invalidate{}
	inv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetActivities: true,
		GetComments:   true,
	})
	args.Invalidate = inv
	return errors.Trace(oc.Notifier().NotifyFollowers(ctx, op.viewpointID, args))
}

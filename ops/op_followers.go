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

// addFollowers brings more users into a conversation. Unknown identities
// become prospective users first; users who previously left revivably are
// brought back; unrevivable removals are skipped without complaint so a
// sharer never learns who blocked the conversation.
type addFollowers struct {
	activity    activityArgs
	viewpointID string
	contacts    []contactRef

	added       []int64
	revived     []int64
	prospective []prospectiveUser
}

func newAddFollowers(args map[string]interface{}) (Operation, error) {
	const method = "add_followers"
	valid, err := coerceArgs(method, schema.Fields{
		"activity":     schema.StringMap(schema.Any()),
		"viewpoint_id": schema.NonEmptyString("viewpoint_id"),
		"contacts":     schema.List(schema.StringMap(schema.Any())),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &addFollowers{viewpointID: valid["viewpoint_id"].(string)}
	if op.activity, err = parseActivity(method, valid); err != nil {
		return nil, errors.Trace(err)
	}
	if op.contacts, err = parseContacts(method, fieldMapList(valid, "contacts")); err != nil {
		return nil, errors.Trace(err)
	}
	if len(op.contacts) == 0 {
		return nil, params.Invalidf("", "%s: no contacts", method)
	}
	return op, nil
}

func (op *addFollowers) Locks(oc *Context) []string {
	return []string{lock.ViewpointLockID(op.viewpointID)}
}

type addFollowersCheckpoint struct {
	Added       []int64           `json:"added"`
	Revived     []int64           `json:"revived,omitempty"`
	Prospective []prospectiveUser `json:"prospective,omitempty"`
}

func (op *addFollowers) Check(ctx context.Context, oc *Context) error {
	if err := checkActivityID(oc, op.activity.ID); err != nil {
		return errors.Trace(err)
	}
	vp, follower, err := activeFollower(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := requireContribute(follower); err != nil {
		return errors.Trace(err)
	}
	if vp.IsDefault() {
		return params.Permissionf("",
			"cannot add followers to a library viewpoint")
	}

	st := oc.Store()
	var cp addFollowersCheckpoint
	loaded, err := oc.LoadCheckpoint(&cp)
	if err != nil {
		return errors.Trace(err)
	}
	if !loaded {
		resolved, unresolved, err := resolveContacts(ctx, oc, op.contacts)
		if err != nil {
			return errors.Trace(err)
		}
		for _, ref := range resolved {
			f, err := st.Follower(ctx, ref.UserID, op.viewpointID)
			switch {
			case errors.Is(err, errors.NotFound):
				cp.Added = append(cp.Added, ref.UserID)
			case err != nil:
				return errors.Trace(err)
			case f.IsUnrevivable():
				// Permanently removed; skip silently.
			case f.IsRemoved():
				cp.Revived = append(cp.Revived, ref.UserID)
			}
		}
		if cp.Prospective, err = planProspective(ctx, oc, nil, unresolved); err != nil {
			return errors.Trace(err)
		}
		if err := oc.SaveCheckpoint(ctx, &cp); err != nil {
			return errors.Trace(err)
		}
	}
	pending, err := pendingProspective(ctx, oc, cp.Prospective)
	if err != nil {
		return errors.Trace(err)
	}
	if len(pending) > 0 {
		return stopForProspective(pending)
	}
	op.added, op.revived, op.prospective = cp.Added, cp.Revived, cp.Prospective
	for _, p := range cp.Prospective {
		// Resolve rather than trust the planned id: a full account may
		// have claimed the identity while this operation was stopped.
		ident, err := st.Identity(ctx, p.Identity)
		if err != nil {
			return errors.Trace(err)
		}
		op.added = append(op.added, ident.UserID())
	}
	return nil
}

type followersPayload struct {
	FollowerIDs []int64 `json:"follower_ids"`
}

func (op *addFollowers) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	for _, uid := range op.added {
		existing, err := st.Follower(ctx, uid, op.viewpointID)
		if errors.Is(err, errors.NotFound) {
			_, err := st.AddFollower(ctx, state.AddFollowerArgs{
				UserID:       uid,
				ViewpointID:  op.viewpointID,
				Labels:       []string{state.FollowerContribute},
				AddingUserID: oc.UserID,
				Timestamp:    oc.Timestamp,
			})
			if err != nil {
				return errors.Trace(err)
			}
		} else if err != nil {
			return errors.Trace(err)
		} else if existing.IsRemoved() {
			// Removed between attempts; the removal wins.
			continue
		}
		if err := op.follow(ctx, oc, uid); err != nil {
			return errors.Trace(err)
		}
	}
	for _, uid := range op.revived {
		f, err := st.Follower(ctx, uid, op.viewpointID)
		if err != nil {
			return errors.Trace(err)
		}
		if f.IsUnrevivable() {
			continue
		}
		if err := f.Revive(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := op.follow(ctx, oc, uid); err != nil {
			return errors.Trace(err)
		}
	}
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	act, err := ensureActivity(ctx, oc, vp, op.activity.ID, followersPayload{
		FollowerIDs: append(append([]int64{}, op.added...), op.revived...),
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(markSenderViewed(ctx, oc, op.viewpointID, act.UpdateSeq()))
}

func (op *addFollowers) follow(ctx context.Context, oc *Context, uid int64) error {
	if err := oc.Store().PutFollowed(ctx, uid, op.viewpointID, oc.Timestamp); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(oc.Store().MakeFriends(ctx, oc.UserID, uid))
}

func (op *addFollowers) Account(ctx context.Context, oc *Context) error {
	for _, uid := range op.added {
		oc.Accounting().Add(state.OwnedByKey(uid), state.AccountingDelta{NumConversations: 1})
	}
	return nil
}

func (op *addFollowers) Notify(ctx context.Context, oc *Context) error {
	newIDs := append(append([]int64{}, op.added...), op.revived...)

	// New followers get the full conversation to fetch.
	full := oc.NotifyArgs()
	full.ViewpointID = op.viewpointID
	full.ActivityID = op.activity.ID
	full.AlertText = fmt.Sprintf("%s added you to a conversation", senderName(ctx, oc))
	fullInv := &invalidate.Invalidate{}
	fullInv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetAttributes: true,
		GetFollowers:  true,
		GetActivities: true,
		GetEpisodes:   true,
	})
	fullInv.AddUsers(oc.UserID)
	full.Invalidate = fullInv
	if err := oc.Notifier().NotifyUsers(ctx, newIDs, full); err != nil {
		return errors.Trace(err)
	}

	// Existing followers only refetch the follower list and the new
	// activity. New followers were just notified under the same op and
	// name, so the fanout dedups them.
	light := oc.NotifyArgs()
	light.ViewpointID = op.viewpointID
	light.ActivityID = op.activity.ID
	lightInv := &invalidate.Invalidate{}
	lightInv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetFollowers:  true,
		GetActivities: true,
	})
	light.Invalidate = lightInv
	if err := oc.Notifier().NotifyFollowers(ctx, op.viewpointID, light); err != nil {
		return errors.Trace(err)
	}

	inviteProspective(oc, op.prospective, fmt.Sprintf(
		"%s added you to a conversation on Viewfinder.", senderName(ctx, oc)))
	return nil
}

// removeFollowers ejects users from a conversation. Removal by an
// administrator is permanent: the ejected user cannot be re-added.
type removeFollowers struct {
	nopAccount

	activity    activityArgs
	viewpointID string
	removeIDs   []int64

	removed    []int64
	oldUpdated int64
}

func newRemoveFollowers(args map[string]interface{}) (Operation, error) {
	const method = "remove_followers"
	valid, err := coerceArgs(method, schema.Fields{
		"activity":     schema.StringMap(schema.Any()),
		"viewpoint_id": schema.NonEmptyString("viewpoint_id"),
		"remove_ids":   schema.List(schema.ForceInt()),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &removeFollowers{
		viewpointID: valid["viewpoint_id"].(string),
		removeIDs:   fieldIntList(valid, "remove_ids"),
	}
	if op.activity, err = parseActivity(method, valid); err != nil {
		return nil, errors.Trace(err)
	}
	if len(op.removeIDs) == 0 {
		return nil, params.Invalidf("", "%s: no users to remove", method)
	}
	return op, nil
}

func (op *removeFollowers) Locks(oc *Context) []string {
	return []string{lock.ViewpointLockID(op.viewpointID)}
}

type removeFollowersCheckpoint struct {
	Removed    []int64 `json:"removed"`
	OldUpdated int64   `json:"old_updated"`
}

func (op *removeFollowers) Check(ctx context.Context, oc *Context) error {
	if err := checkActivityID(oc, op.activity.ID); err != nil {
		return errors.Trace(err)
	}
	vp, follower, err := activeFollower(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := requireAdmin(follower); err != nil {
		return errors.Trace(err)
	}
	for _, uid := range op.removeIDs {
		if uid == oc.UserID {
			return params.Invalidf("",
				"cannot remove self from viewpoint %s; use remove_viewpoint", op.viewpointID)
		}
	}

	st := oc.Store()
	var cp removeFollowersCheckpoint
	loaded, err := oc.LoadCheckpoint(&cp)
	if err != nil {
		return errors.Trace(err)
	}
	if !loaded {
		for _, uid := range op.removeIDs {
			f, err := st.Follower(ctx, uid, op.viewpointID)
			if errors.Is(err, errors.NotFound) {
				continue
			} else if err != nil {
				return errors.Trace(err)
			}
			if !f.IsRemoved() {
				cp.Removed = append(cp.Removed, uid)
			}
		}
		cp.OldUpdated = vp.LastUpdated()
		if err := oc.SaveCheckpoint(ctx, &cp); err != nil {
			return errors.Trace(err)
		}
	}
	op.removed, op.oldUpdated = cp.Removed, cp.OldUpdated
	return nil
}

func (op *removeFollowers) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	// Record the activity while the targets are still live followers so
	// their inbox rows land in the final bucket, then delete those rows.
	act, err := ensureActivity(ctx, oc, vp, op.activity.ID, followersPayload{
		FollowerIDs: op.removed,
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, uid := range op.removed {
		f, err := st.Follower(ctx, uid, op.viewpointID)
		if err != nil {
			return errors.Trace(err)
		}
		if err := f.Remove(ctx, true); err != nil {
			return errors.Trace(err)
		}
		if err := st.RemoveFollowed(ctx, uid, op.viewpointID, oc.Timestamp); err != nil {
			return errors.Trace(err)
		}
		// A crash between the rebucket's put and delete can leave the
		// old bucket behind; clear it as well.
		if err := st.RemoveFollowed(ctx, uid, op.viewpointID, op.oldUpdated); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(markSenderViewed(ctx, oc, op.viewpointID, act.UpdateSeq()))
}

func (op *removeFollowers) Notify(ctx context.Context, oc *Context) error {
	remaining := oc.NotifyArgs()
	remaining.ViewpointID = op.viewpointID
	remaining.ActivityID = op.activity.ID
	remainingInv := &invalidate.Invalidate{}
	remainingInv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetFollowers:  true,
		GetActivities: true,
	})
	remaining.Invalidate = remainingInv
	if err := oc.Notifier().NotifyFollowers(ctx, op.viewpointID, remaining); err != nil {
		return errors.Trace(err)
	}

	// The removed users learn the viewpoint is gone for them; no badge.
	ejected := oc.NotifyArgs()
	ejected.ViewpointID = op.viewpointID
	ejectedInv := &invalidate.Invalidate{}
	ejectedInv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetAttributes: true,
	})
	ejected.Invalidate = ejectedInv
	return errors.Trace(oc.Notifier().NotifyUsers(ctx, op.removed, ejected))
}

// removeViewpoint hides a conversation from the caller's own inbox. The
// removal is revivable: a new share brings it back.
type removeViewpoint struct {
	nopAccount

	viewpointID string
	bucket      int64
}

func newRemoveViewpoint(args map[string]interface{}) (Operation, error) {
	const method = "remove_viewpoint"
	valid, err := coerceArgs(method, schema.Fields{
		"viewpoint_id": schema.NonEmptyString("viewpoint_id"),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &removeViewpoint{viewpointID: valid["viewpoint_id"].(string)}, nil
}

func (op *removeViewpoint) Locks(oc *Context) []string {
	return []string{lock.ViewpointLockID(op.viewpointID)}
}

type removeViewpointCheckpoint struct {
	Bucket int64 `json:"bucket"`
}

func (op *removeViewpoint) Check(ctx context.Context, oc *Context) error {
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	if vp.IsDefault() {
		return params.Permissionf("", "cannot remove own library viewpoint")
	}
	if _, err := oc.Store().Follower(ctx, oc.UserID, op.viewpointID); errors.Is(err, errors.NotFound) {
		return params.Permissionf(params.IDViewpointNotFollowed,
			"user %d does not follow viewpoint %s", oc.UserID, op.viewpointID)
	} else if err != nil {
		return errors.Trace(err)
	}
	var cp removeViewpointCheckpoint
	loaded, err := oc.LoadCheckpoint(&cp)
	if err != nil {
		return errors.Trace(err)
	}
	if !loaded {
		cp.Bucket = vp.LastUpdated()
		if err := oc.SaveCheckpoint(ctx, &cp); err != nil {
			return errors.Trace(err)
		}
	}
	op.bucket = cp.Bucket
	return nil
}

func (op *removeViewpoint) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	f, err := st.Follower(ctx, oc.UserID, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	if !f.IsRemoved() {
		if err := f.Remove(ctx, false); err != nil {
			return errors.Trace(err)
		}
	}
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	// The inbox row may sit in the bucket observed at Check time or, if
	// another follower updated the conversation between attempts, the
	// current one. Clear both.
	if err := st.RemoveFollowed(ctx, oc.UserID, op.viewpointID, op.bucket); err != nil {
		return errors.Trace(err)
	}
	err = st.RemoveFollowed(ctx, oc.UserID, op.viewpointID, vp.LastUpdated())
	return errors.Trace(err)
}

func (op *removeViewpoint) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	args.ViewpointID = op.viewpointID
	inv := &invalidate.Invalidate{}
	inv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetAttributes: true,
	})
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

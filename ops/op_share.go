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

// shareNew creates a conversation: a new event viewpoint seeded with
// copies of the caller's episodes and a follower per contact. Contacts
// whose identity has no account yet are registered as prospective users
// through nested operations before the share proceeds.
type shareNew struct {
	activity  activityArgs
	viewpoint shareViewpointArgs
	episodes  []shareEpisode
	contacts  []contactRef

	followerIDs []int64
	prospective []prospectiveUser
	photos      []*state.Photo
}

type shareViewpointArgs struct {
	ID          string
	Title       string
	Description string
}

var shareViewpointFields = schema.FieldMap(schema.Fields{
	"viewpoint_id": schema.String(),
	"title":        schema.String(),
	"description":  schema.String(),
}, schema.Defaults{
	"title":       schema.Omit,
	"description": schema.Omit,
})

func newShareNew(args map[string]interface{}) (Operation, error) {
	const method = "share_new"
	valid, err := coerceArgs(method, schema.Fields{
		"activity":  schema.StringMap(schema.Any()),
		"viewpoint": schema.StringMap(schema.Any()),
		"episodes":  schema.List(schema.StringMap(schema.Any())),
		"contacts":  schema.List(schema.StringMap(schema.Any())),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &shareNew{}
	if op.activity, err = parseActivity(method, valid); err != nil {
		return nil, errors.Trace(err)
	}
	coerced, err := shareViewpointFields.Coerce(fieldMap(valid, "viewpoint"), nil)
	if err != nil {
		return nil, params.Invalidf("", "%s viewpoint: %v", method, err)
	}
	vp := coerced.(map[string]interface{})
	op.viewpoint = shareViewpointArgs{
		ID:          vp["viewpoint_id"].(string),
		Title:       fieldStr(vp, "title"),
		Description: fieldStr(vp, "description"),
	}
	if op.episodes, err = parseShareEpisodes(method, fieldMapList(valid, "episodes")); err != nil {
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

func (op *shareNew) Locks(oc *Context) []string {
	return []string{lock.ViewpointLockID(op.viewpoint.ID)}
}

// shareNewCheckpoint pins the follower set and prospective allocations
// decided on the first attempt.
type shareNewCheckpoint struct {
	FollowerIDs []int64           `json:"follower_ids"`
	Prospective []prospectiveUser `json:"prospective,omitempty"`
}

func (op *shareNew) Check(ctx context.Context, oc *Context) error {
	if err := checkActivityID(oc, op.activity.ID); err != nil {
		return errors.Trace(err)
	}
	if err := checkViewpointID(oc, op.viewpoint.ID); err != nil {
		return errors.Trace(err)
	}
	st := oc.Store()
	existing, err := st.Viewpoint(ctx, op.viewpoint.ID)
	if err == nil {
		if existing.OwnerID() != oc.UserID {
			return params.Permissionf("",
				"viewpoint %s belongs to another user", op.viewpoint.ID)
		}
	} else if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}

	var cp shareNewCheckpoint
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
			cp.FollowerIDs = append(cp.FollowerIDs, ref.UserID)
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
	op.followerIDs = cp.FollowerIDs
	op.prospective = cp.Prospective
	for _, p := range cp.Prospective {
		// The identity is linked now, but possibly to a full account
		// registered while this operation was stopped, so resolve it
		// rather than trusting the planned id.
		ident, err := st.Identity(ctx, p.Identity)
		if err != nil {
			return errors.Trace(err)
		}
		op.followerIDs = append(op.followerIDs, ident.UserID())
	}

	if err := op.checkEpisodes(ctx, oc, op.viewpoint.ID); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// checkEpisodes validates source and target episodes and collects the
// shared photos. Shared by shareNew and shareExisting: the target
// viewpoint may not exist yet on a first attempt, which is fine because
// replayed target episodes are only checked for ownership collisions.
func (op *shareNew) checkEpisodes(ctx context.Context, oc *Context, viewpointID string) error {
	st := oc.Store()
	op.photos = op.photos[:0]
	for _, se := range op.episodes {
		if err := checkEpisodeID(oc, se.NewID); err != nil {
			return errors.Trace(err)
		}
		photos, err := checkShareSource(ctx, oc, se)
		if err != nil {
			return errors.Trace(err)
		}
		op.photos = append(op.photos, photos...)
		target, err := st.Episode(ctx, se.NewID)
		if err == nil {
			if target.UserID() != oc.UserID || target.ViewpointID() != viewpointID {
				return params.Permissionf("",
					"episode %s belongs to another user", se.NewID)
			}
		} else if !errors.Is(err, errors.NotFound) {
			return errors.Trace(err)
		}
	}
	return nil
}

// shareNewPayload is the share_new activity payload: the copied episodes
// plus the follower ids added at creation.
type shareNewPayload struct {
	Episodes    []activityEpisode `json:"episodes"`
	FollowerIDs []int64           `json:"follower_ids,omitempty"`
}

func (op *shareNew) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	_, err := st.AddViewpoint(ctx, state.AddViewpointArgs{
		ViewpointID: op.viewpoint.ID,
		OwnerID:     oc.UserID,
		Type:        state.ViewpointEvent,
		Title:       op.viewpoint.Title,
		Description: op.viewpoint.Description,
		Timestamp:   oc.Timestamp,
	})
	if err != nil && !errors.Is(err, errors.AlreadyExists) {
		return errors.Trace(err)
	}
	if _, err := st.Follower(ctx, oc.UserID, op.viewpoint.ID); errors.Is(err, errors.NotFound) {
		_, err := st.AddFollower(ctx, state.AddFollowerArgs{
			UserID:       oc.UserID,
			ViewpointID:  op.viewpoint.ID,
			Labels:       []string{state.FollowerAdmin, state.FollowerContribute},
			AddingUserID: oc.UserID,
			Timestamp:    oc.Timestamp,
		})
		if err != nil {
			return errors.Trace(err)
		}
	} else if err != nil {
		return errors.Trace(err)
	}
	if err := st.PutFollowed(ctx, oc.UserID, op.viewpoint.ID, oc.Timestamp); err != nil {
		return errors.Trace(err)
	}
	for _, uid := range op.followerIDs {
		existing, err := st.Follower(ctx, uid, op.viewpoint.ID)
		if errors.Is(err, errors.NotFound) {
			_, err := st.AddFollower(ctx, state.AddFollowerArgs{
				UserID:       uid,
				ViewpointID:  op.viewpoint.ID,
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
		if err := st.PutFollowed(ctx, uid, op.viewpoint.ID, oc.Timestamp); err != nil {
			return errors.Trace(err)
		}
		if err := st.MakeFriends(ctx, oc.UserID, uid); err != nil {
			return errors.Trace(err)
		}
	}
	if err := createSharedEpisodes(ctx, oc, op.viewpoint.ID, op.episodes); err != nil {
		return errors.Trace(err)
	}
	if err := op.setCover(ctx, oc); err != nil {
		return errors.Trace(err)
	}
	vp, err := loadViewpoint(ctx, oc, op.viewpoint.ID)
	if err != nil {
		return errors.Trace(err)
	}
	payload := shareNewPayload{
		Episodes:    shareActivityPayload(op.episodes).Episodes,
		FollowerIDs: op.followerIDs,
	}
	act, err := ensureActivity(ctx, oc, vp, op.activity.ID, payload)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(markSenderViewed(ctx, oc, op.viewpoint.ID, act.UpdateSeq()))
}

// setCover picks the first shared photo as the conversation cover. Only
// an empty cover is written so a replay cannot fight a later
// update_viewpoint.
func (op *shareNew) setCover(ctx context.Context, oc *Context) error {
	vp, err := loadViewpoint(ctx, oc, op.viewpoint.ID)
	if err != nil {
		return errors.Trace(err)
	}
	if vp.CoverPhotoID() != "" || len(op.episodes) == 0 {
		return nil
	}
	first := op.episodes[0]
	return errors.Trace(oc.Store().UpdateViewpoint(ctx, op.viewpoint.ID, state.UpdateViewpointAttrs{
		CoverPhotoID:   &first.PhotoIDs[0],
		CoverEpisodeID: &first.NewID,
	}))
}

func (op *shareNew) Account(ctx context.Context, oc *Context) error {
	delta := photosDelta(op.photos)
	accum := oc.Accounting()
	accum.Add(state.SharedByKey(op.viewpoint.ID, oc.UserID), delta)
	accum.Add(state.VisibleToKey(op.viewpoint.ID), delta)
	conversation := state.AccountingDelta{NumConversations: 1}
	accum.Add(state.OwnedByKey(oc.UserID), conversation)
	for _, uid := range op.followerIDs {
		accum.Add(state.OwnedByKey(uid), conversation)
	}
	return nil
}

func (op *shareNew) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	args.ViewpointID = op.viewpoint.ID
	args.ActivityID = op.activity.ID
	args.AlertText = fmt.Sprintf("%s shared %d photos with you",
		senderName(ctx, oc), len(op.photos))
	inv := &invalidate.Invalidate{}
	inv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpoint.ID,
		GetAttributes: true,
		GetFollowers:  true,
		GetActivities: true,
		GetEpisodes:   true,
	})
	inv.AddUsers(oc.UserID)
	args.Invalidate = inv
	if err := oc.Notifier().NotifyFollowers(ctx, op.viewpoint.ID, args); err != nil {
		return errors.Trace(err)
	}
	inviteProspective(oc, op.prospective, fmt.Sprintf(
		"%s shared %d photos with you on Viewfinder.", senderName(ctx, oc), len(op.photos)))
	return nil
}

// shareExisting copies more of the caller's episodes into a conversation
// they can already contribute to.
type shareExisting struct {
	activity    activityArgs
	viewpointID string
	episodes    []shareEpisode

	photos []*state.Photo
}

func newShareExisting(args map[string]interface{}) (Operation, error) {
	const method = "share_existing"
	valid, err := coerceArgs(method, schema.Fields{
		"activity":     schema.StringMap(schema.Any()),
		"viewpoint_id": schema.NonEmptyString("viewpoint_id"),
		"episodes":     schema.List(schema.StringMap(schema.Any())),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &shareExisting{viewpointID: valid["viewpoint_id"].(string)}
	if op.activity, err = parseActivity(method, valid); err != nil {
		return nil, errors.Trace(err)
	}
	if op.episodes, err = parseShareEpisodes(method, fieldMapList(valid, "episodes")); err != nil {
		return nil, errors.Trace(err)
	}
	return op, nil
}

func (op *shareExisting) Locks(oc *Context) []string {
	return []string{lock.ViewpointLockID(op.viewpointID)}
}

func (op *shareExisting) Check(ctx context.Context, oc *Context) error {
	if err := checkActivityID(oc, op.activity.ID); err != nil {
		return errors.Trace(err)
	}
	_, follower, err := activeFollower(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := requireContribute(follower); err != nil {
		return errors.Trace(err)
	}
	st := oc.Store()
	op.photos = op.photos[:0]
	for _, se := range op.episodes {
		if err := checkEpisodeID(oc, se.NewID); err != nil {
			return errors.Trace(err)
		}
		photos, err := checkShareSource(ctx, oc, se)
		if err != nil {
			return errors.Trace(err)
		}
		op.photos = append(op.photos, photos...)
		target, err := st.Episode(ctx, se.NewID)
		if err == nil {
			if target.UserID() != oc.UserID || target.ViewpointID() != op.viewpointID {
				return params.Permissionf("",
					"episode %s belongs to another user", se.NewID)
			}
		} else if !errors.Is(err, errors.NotFound) {
			return errors.Trace(err)
		}
	}
	return nil
}

func (op *shareExisting) Update(ctx context.Context, oc *Context) error {
	if err := createSharedEpisodes(ctx, oc, op.viewpointID, op.episodes); err != nil {
		return errors.Trace(err)
	}
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	act, err := ensureActivity(ctx, oc, vp, op.activity.ID, shareActivityPayload(op.episodes))
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(markSenderViewed(ctx, oc, op.viewpointID, act.UpdateSeq()))
}

func (op *shareExisting) Account(ctx context.Context, oc *Context) error {
	delta := photosDelta(op.photos)
	accum := oc.Accounting()
	accum.Add(state.SharedByKey(op.viewpointID, oc.UserID), delta)
	accum.Add(state.VisibleToKey(op.viewpointID), delta)
	return nil
}

func (op *shareExisting) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	args.ViewpointID = op.viewpointID
	args.ActivityID = op.activity.ID
	args.AlertText = fmt.Sprintf("%s shared %d photos",
		senderName(ctx, oc), len(op.photos))
	inv := &invalidate.Invalidate{}
	inv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetActivities: true,
		GetEpisodes:   true,
	})
	args.Invalidate = inv
	return errors.Trace(oc.Notifier().NotifyFollowers(ctx, op.viewpointID, args))
}

// markSenderViewed advances the acting user's viewed_seq so their own
// contribution does not read as unseen on their other devices.
func markSenderViewed(ctx context.Context, oc *Context, viewpointID string, updateSeq int64) error {
	follower, err := oc.Store().Follower(ctx, oc.UserID, viewpointID)
	if errors.Is(err, errors.NotFound) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	_, err = follower.AdvanceViewedSeq(ctx, updateSeq, updateSeq)
	return errors.Trace(err)
}

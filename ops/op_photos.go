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

// episodePhotos names photos within one episode, the unit several photo
// operations act on.
type episodePhotos struct {
	EpisodeID string   `json:"episode_id"`
	PhotoIDs  []string `json:"photo_ids"`
}

var episodePhotosFields = schema.FieldMap(schema.Fields{
	"episode_id": schema.String(),
	"photo_ids":  schema.List(schema.String()),
}, nil)

func parseEpisodePhotos(method string, raw []map[string]interface{}) ([]episodePhotos, error) {
	if len(raw) == 0 {
		return nil, params.Invalidf("", "%s: no episodes", method)
	}
	episodes := make([]episodePhotos, 0, len(raw))
	for i, source := range raw {
		coerced, err := episodePhotosFields.Coerce(source, nil)
		if err != nil {
			return nil, params.Invalidf("", "%s episode %d: %v", method, i, err)
		}
		valid := coerced.(map[string]interface{})
		ep := episodePhotos{
			EpisodeID: valid["episode_id"].(string),
			PhotoIDs:  fieldStrList(valid, "photo_ids"),
		}
		if len(ep.PhotoIDs) == 0 {
			return nil, params.Invalidf("", "%s episode %d: no photo ids", method, i)
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

func (ep episodePhotos) asActivity() activityEpisode {
	return activityEpisode{EpisodeID: ep.EpisodeID, PhotoIDs: ep.PhotoIDs}
}

// removePhotos deletes photos from the caller's library. Only episodes in
// the caller's private viewpoint qualify; shared conversations keep their
// copies until unshared.
type removePhotos struct {
	nopLocks

	activity activityArgs
	episodes []episodePhotos

	viewpointID string
	decided     []episodePhotos
}

func newRemovePhotos(args map[string]interface{}) (Operation, error) {
	const method = "remove_photos"
	valid, err := coerceArgs(method, schema.Fields{
		"activity": schema.StringMap(schema.Any()),
		"episodes": schema.List(schema.StringMap(schema.Any())),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &removePhotos{}
	if op.activity, err = parseActivity(method, valid); err != nil {
		return nil, errors.Trace(err)
	}
	if op.episodes, err = parseEpisodePhotos(method, fieldMapList(valid, "episodes")); err != nil {
		return nil, errors.Trace(err)
	}
	return op, nil
}

type removePhotosCheckpoint struct {
	Episodes []episodePhotos `json:"episodes"`
}

func (op *removePhotos) Check(ctx context.Context, oc *Context) error {
	if err := checkActivityID(oc, op.activity.ID); err != nil {
		return errors.Trace(err)
	}
	st := oc.Store()
	user, err := st.User(ctx, oc.UserID)
	if err != nil {
		return errors.Trace(err)
	}
	op.viewpointID = user.PrivateViewpointID()
	for _, ep := range op.episodes {
		episode, err := st.Episode(ctx, ep.EpisodeID)
		if errors.Is(err, errors.NotFound) {
			return params.NotFoundf("", "episode %s not found", ep.EpisodeID)
		} else if err != nil {
			return errors.Trace(err)
		}
		if episode.ViewpointID() != op.viewpointID {
			return params.Permissionf(params.IDInvalidRemovePhotosViewpoint,
				"episode %s is in viewpoint %s, not the user's library",
				ep.EpisodeID, episode.ViewpointID())
		}
	}

	var cp removePhotosCheckpoint
	loaded, err := oc.LoadCheckpoint(&cp)
	if err != nil {
		return errors.Trace(err)
	}
	if !loaded {
		for _, ep := range op.episodes {
			pending := episodePhotos{EpisodeID: ep.EpisodeID}
			for _, photoID := range ep.PhotoIDs {
				post, err := st.Post(ctx, ep.EpisodeID, photoID)
				if errors.Is(err, errors.NotFound) {
					return params.NotFoundf("",
						"photo %s is not posted in episode %s", photoID, ep.EpisodeID)
				} else if err != nil {
					return errors.Trace(err)
				}
				if !post.IsRemoved() {
					pending.PhotoIDs = append(pending.PhotoIDs, photoID)
				}
			}
			if len(pending.PhotoIDs) > 0 {
				cp.Episodes = append(cp.Episodes, pending)
			}
		}
		if err := oc.SaveCheckpoint(ctx, &cp); err != nil {
			return errors.Trace(err)
		}
	}
	op.decided = cp.Episodes
	return nil
}

func (op *removePhotos) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	for _, ep := range op.episodes {
		for _, photoID := range ep.PhotoIDs {
			post, err := st.Post(ctx, ep.EpisodeID, photoID)
			if err != nil {
				return errors.Trace(err)
			}
			if !post.IsRemoved() {
				if err := post.Remove(ctx); err != nil {
					return errors.Trace(err)
				}
			}
		}
	}
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	payload := activityEpisodes{}
	for _, ep := range op.episodes {
		payload.Episodes = append(payload.Episodes, ep.asActivity())
	}
	_, err = ensureActivity(ctx, oc, vp, op.activity.ID, payload)
	return errors.Trace(err)
}

func (op *removePhotos) Account(ctx context.Context, oc *Context) error {
	// Library accounting tracks distinct photos, so a photo posted to two
	// library episodes decrements once however many posts this removes.
	seen := make(map[string]bool)
	var ids []string
	for _, ep := range op.decided {
		for _, photoID := range ep.PhotoIDs {
			if !seen[photoID] {
				seen[photoID] = true
				ids = append(ids, photoID)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	photos, err := oc.Store().Photos(ctx, ids)
	if err != nil {
		return errors.Trace(err)
	}
	var delta state.AccountingDelta
	for _, p := range photos {
		if p == nil {
			continue
		}
		delta.SizeBytes -= p.TotalSize()
		delta.NumPhotos--
	}
	oc.Accounting().Add(state.OwnedByKey(oc.UserID), delta)
	return nil
}

func (op *removePhotos) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	args.ViewpointID = op.viewpointID
	args.ActivityID = op.activity.ID
	inv := &invalidate.Invalidate{}
	for _, ep := range op.episodes {
		inv.AddEpisode(invalidate.Episode{EpisodeID: ep.EpisodeID, GetPhotos: true})
	}
	inv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetActivities: true,
	})
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

// hidePhotos hides the caller's posts from their own library views
// without deleting anything or telling anyone.
type hidePhotos struct {
	nopLocks
	nopAccount

	episodes []episodePhotos
}

func newHidePhotos(args map[string]interface{}) (Operation, error) {
	const method = "hide_photos"
	valid, err := coerceArgs(method, schema.Fields{
		"episodes": schema.List(schema.StringMap(schema.Any())),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &hidePhotos{}
	if op.episodes, err = parseEpisodePhotos(method, fieldMapList(valid, "episodes")); err != nil {
		return nil, errors.Trace(err)
	}
	return op, nil
}

func (op *hidePhotos) Check(ctx context.Context, oc *Context) error {
	st := oc.Store()
	for _, ep := range op.episodes {
		episode, err := st.Episode(ctx, ep.EpisodeID)
		if errors.Is(err, errors.NotFound) {
			return params.NotFoundf("", "episode %s not found", ep.EpisodeID)
		} else if err != nil {
			return errors.Trace(err)
		}
		if episode.UserID() != oc.UserID {
			return params.Permissionf("",
				"episode %s is not owned by user %d", ep.EpisodeID, oc.UserID)
		}
		for _, photoID := range ep.PhotoIDs {
			if _, err := st.Post(ctx, ep.EpisodeID, photoID); errors.Is(err, errors.NotFound) {
				return params.NotFoundf("",
					"photo %s is not posted in episode %s", photoID, ep.EpisodeID)
			} else if err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

func (op *hidePhotos) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	for _, ep := range op.episodes {
		for _, photoID := range ep.PhotoIDs {
			post, err := st.Post(ctx, ep.EpisodeID, photoID)
			if err != nil {
				return errors.Trace(err)
			}
			if err := post.Hide(ctx); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

func (op *hidePhotos) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	inv := &invalidate.Invalidate{}
	for _, ep := range op.episodes {
		inv.AddEpisode(invalidate.Episode{EpisodeID: ep.EpisodeID, GetPhotos: true})
	}
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

// unshare withdraws the caller's previously shared photos from a
// conversation. The posts are marked unshared and removed so no follower
// sees them again, and shared-by accounting is reversed.
type unshare struct {
	activity    activityArgs
	viewpointID string
	episodes    []episodePhotos

	decided    []episodePhotos
	coverReset bool
}

func newUnshare(args map[string]interface{}) (Operation, error) {
	const method = "unshare"
	valid, err := coerceArgs(method, schema.Fields{
		"activity":     schema.StringMap(schema.Any()),
		"viewpoint_id": schema.NonEmptyString("viewpoint_id"),
		"episodes":     schema.List(schema.StringMap(schema.Any())),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &unshare{viewpointID: valid["viewpoint_id"].(string)}
	if op.activity, err = parseActivity(method, valid); err != nil {
		return nil, errors.Trace(err)
	}
	if op.episodes, err = parseEpisodePhotos(method, fieldMapList(valid, "episodes")); err != nil {
		return nil, errors.Trace(err)
	}
	return op, nil
}

func (op *unshare) Locks(oc *Context) []string {
	return []string{lock.ViewpointLockID(op.viewpointID)}
}

type unshareCheckpoint struct {
	Episodes   []episodePhotos `json:"episodes"`
	CoverReset bool            `json:"cover_reset,omitempty"`
}

func (op *unshare) Check(ctx context.Context, oc *Context) error {
	if err := checkActivityID(oc, op.activity.ID); err != nil {
		return errors.Trace(err)
	}
	vp, _, err := activeFollower(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	if vp.IsDefault() {
		return params.Permissionf(params.IDInvalidUnshareViewpoint,
			"cannot unshare from library viewpoint %s", op.viewpointID)
	}
	st := oc.Store()
	for _, ep := range op.episodes {
		episode, err := st.Episode(ctx, ep.EpisodeID)
		if errors.Is(err, errors.NotFound) {
			return params.NotFoundf("", "episode %s not found", ep.EpisodeID)
		} else if err != nil {
			return errors.Trace(err)
		}
		if episode.ViewpointID() != op.viewpointID {
			return params.Invalidf("",
				"episode %s is not in viewpoint %s", ep.EpisodeID, op.viewpointID)
		}
		if episode.UserID() != oc.UserID {
			return params.Permissionf("",
				"episode %s was not shared by user %d", ep.EpisodeID, oc.UserID)
		}
	}

	var cp unshareCheckpoint
	loaded, err := oc.LoadCheckpoint(&cp)
	if err != nil {
		return errors.Trace(err)
	}
	if !loaded {
		for _, ep := range op.episodes {
			pending := episodePhotos{EpisodeID: ep.EpisodeID}
			for _, photoID := range ep.PhotoIDs {
				post, err := st.Post(ctx, ep.EpisodeID, photoID)
				if errors.Is(err, errors.NotFound) {
					return params.NotFoundf("",
						"photo %s is not posted in episode %s", photoID, ep.EpisodeID)
				} else if err != nil {
					return errors.Trace(err)
				}
				if !post.IsUnshared() {
					pending.PhotoIDs = append(pending.PhotoIDs, photoID)
				}
				if vp.CoverPhotoID() == photoID {
					cp.CoverReset = true
				}
			}
			if len(pending.PhotoIDs) > 0 {
				cp.Episodes = append(cp.Episodes, pending)
			}
		}
		if err := oc.SaveCheckpoint(ctx, &cp); err != nil {
			return errors.Trace(err)
		}
	}
	op.decided, op.coverReset = cp.Episodes, cp.CoverReset
	return nil
}

func (op *unshare) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	for _, ep := range op.episodes {
		for _, photoID := range ep.PhotoIDs {
			post, err := st.Post(ctx, ep.EpisodeID, photoID)
			if err != nil {
				return errors.Trace(err)
			}
			if err := post.Unshare(ctx); err != nil {
				return errors.Trace(err)
			}
		}
	}
	if op.coverReset {
		empty := ""
		err := st.UpdateViewpoint(ctx, op.viewpointID, state.UpdateViewpointAttrs{
			CoverPhotoID:   &empty,
			CoverEpisodeID: &empty,
		})
		if err != nil {
			return errors.Trace(err)
		}
	}
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	payload := activityEpisodes{}
	for _, ep := range op.episodes {
		payload.Episodes = append(payload.Episodes, ep.asActivity())
	}
	act, err := ensureActivity(ctx, oc, vp, op.activity.ID, payload)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(markSenderViewed(ctx, oc, op.viewpointID, act.UpdateSeq()))
}

func (op *unshare) Account(ctx context.Context, oc *Context) error {
	// Shared-by and visible-to count posts, matching what share added, so
	// no photo-level deduplication here.
	var delta state.AccountingDelta
	st := oc.Store()
	for _, ep := range op.decided {
		photos, err := st.Photos(ctx, ep.PhotoIDs)
		if err != nil {
			return errors.Trace(err)
		}
		for _, p := range photos {
			if p == nil {
				continue
			}
			delta.SizeBytes -= p.TotalSize()
			delta.NumPhotos--
		}
	}
	if delta == (state.AccountingDelta{}) {
		return nil
	}
	accum := oc.Accounting()
	accum.Add(state.SharedByKey(op.viewpointID, oc.UserID), delta)
	accum.Add(state.VisibleToKey(op.viewpointID), delta)
	return nil
}

func (op *unshare) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	args.ViewpointID = op.viewpointID
	args.ActivityID = op.activity.ID
	inv := &invalidate.Invalidate{}
	inv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetActivities: true,
		GetEpisodes:   true,
	})
	args.Invalidate = inv
	return errors.Trace(oc.Notifier().NotifyFollowers(ctx, op.viewpointID, args))
}

// updatePhoto corrects photo metadata, typically md5 sums after a client
// re-upload or a fixed aspect ratio.
type updatePhoto struct {
	nopLocks
	nopAccount

	photoID string
	attrs   state.UpdatePhotoAttrs

	episodeID string
}

func newUpdatePhoto(args map[string]interface{}) (Operation, error) {
	const method = "update_photo"
	valid, err := coerceArgs(method, schema.Fields{
		"photo_id":     schema.NonEmptyString("photo_id"),
		"timestamp":    schema.ForceInt(),
		"aspect_ratio": schema.Any(),
		"tn_md5":       schema.String(),
		"med_md5":      schema.String(),
		"full_md5":     schema.String(),
		"orig_md5":     schema.String(),
	}, schema.Defaults{
		"timestamp":    schema.Omit,
		"aspect_ratio": schema.Omit,
		"tn_md5":       schema.Omit,
		"med_md5":      schema.Omit,
		"full_md5":     schema.Omit,
		"orig_md5":     schema.Omit,
	}, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &updatePhoto{photoID: valid["photo_id"].(string)}
	if _, ok := valid["timestamp"]; ok {
		ts := fieldInt(valid, "timestamp")
		op.attrs.Timestamp = &ts
	}
	if _, ok := valid["aspect_ratio"]; ok {
		ar := fieldFloat(valid, "aspect_ratio")
		op.attrs.AspectRatio = &ar
	}
	op.attrs.TnMD5 = fieldStrPtr(valid, "tn_md5")
	op.attrs.MedMD5 = fieldStrPtr(valid, "med_md5")
	op.attrs.FullMD5 = fieldStrPtr(valid, "full_md5")
	op.attrs.OrigMD5 = fieldStrPtr(valid, "orig_md5")
	if op.attrs.IsZero() {
		return nil, params.Invalidf("", "%s: nothing to update", method)
	}
	return op, nil
}

func (op *updatePhoto) Check(ctx context.Context, oc *Context) error {
	photo, err := oc.Store().Photo(ctx, op.photoID)
	if errors.Is(err, errors.NotFound) {
		return params.NotFoundf("", "photo %s not found", op.photoID)
	} else if err != nil {
		return errors.Trace(err)
	}
	if photo.UserID() != oc.UserID {
		return params.Permissionf("",
			"photo %s is not owned by user %d", op.photoID, oc.UserID)
	}
	op.episodeID = photo.EpisodeID()
	return nil
}

func (op *updatePhoto) Update(ctx context.Context, oc *Context) error {
	return errors.Trace(oc.Store().UpdatePhoto(ctx, op.photoID, op.attrs))
}

func (op *updatePhoto) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	inv := &invalidate.Invalidate{}
	inv.AddEpisode(invalidate.Episode{EpisodeID: op.episodeID, GetPhotos: true})
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

// updateUserPhoto records the caller's device-local asset keys for a
// photo so their other devices can match it against camera rolls.
type updateUserPhoto struct {
	nopLocks
	nopAccount

	photoID   string
	assetKeys []string
}

func newUpdateUserPhoto(args map[string]interface{}) (Operation, error) {
	const method = "update_user_photo"
	valid, err := coerceArgs(method, schema.Fields{
		"photo_id":   schema.NonEmptyString("photo_id"),
		"asset_keys": schema.List(schema.String()),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &updateUserPhoto{
		photoID:   valid["photo_id"].(string),
		assetKeys: fieldStrList(valid, "asset_keys"),
	}
	if len(op.assetKeys) == 0 {
		return nil, params.Invalidf("", "%s: no asset keys", method)
	}
	return op, nil
}

func (op *updateUserPhoto) Check(ctx context.Context, oc *Context) error {
	if _, err := oc.Store().Photo(ctx, op.photoID); errors.Is(err, errors.NotFound) {
		return params.NotFoundf("", "photo %s not found", op.photoID)
	} else if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (op *updateUserPhoto) Update(ctx context.Context, oc *Context) error {
	return errors.Trace(oc.Store().MergeUserPhoto(ctx, oc.UserID, op.photoID, op.assetKeys))
}

func (op *updateUserPhoto) Notify(ctx context.Context, oc *Context) error {
	// No caches to invalidate; the row itself is the sync marker for the
	// user's other devices.
	args := oc.NotifyArgs()
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

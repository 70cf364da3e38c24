// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// uploadEpisode adds an episode of new photos to the caller's private
// library. Photo content is uploaded separately to object storage; this
// operation records the metadata and owns the accounting.
type uploadEpisode struct {
	nopLocks

	activity activityArgs
	episode  uploadEpisodeArgs
	photos   []uploadPhotoArgs

	viewpointID string
	newPhotoIDs map[string]bool
}

type uploadEpisodeArgs struct {
	ID        string
	Timestamp int64
	Title     string
}

type uploadPhotoArgs struct {
	ID          string
	Timestamp   int64
	AspectRatio float64
	ContentType string
	TnSize      int64
	MedSize     int64
	FullSize    int64
	OrigSize    int64
	TnMD5       string
	MedMD5      string
	FullMD5     string
	OrigMD5     string
}

func (p uploadPhotoArgs) totalSize() int64 {
	return p.TnSize + p.MedSize + p.FullSize + p.OrigSize
}

var uploadEpisodeFields = schema.FieldMap(schema.Fields{
	"episode_id": schema.String(),
	"timestamp":  schema.ForceInt(),
	"title":      schema.String(),
}, schema.Defaults{
	"title": schema.Omit,
})

var uploadPhotoFields = schema.FieldMap(schema.Fields{
	"photo_id":     schema.String(),
	"timestamp":    schema.ForceInt(),
	"aspect_ratio": schema.Any(),
	"content_type": schema.String(),
	"tn_size":      schema.ForceInt(),
	"med_size":     schema.ForceInt(),
	"full_size":    schema.ForceInt(),
	"orig_size":    schema.ForceInt(),
	"tn_md5":       schema.String(),
	"med_md5":      schema.String(),
	"full_md5":     schema.String(),
	"orig_md5":     schema.String(),
}, schema.Defaults{
	"aspect_ratio": schema.Omit,
	"content_type": schema.Omit,
	"tn_size":      schema.Omit,
	"med_size":     schema.Omit,
	"full_size":    schema.Omit,
	"orig_size":    schema.Omit,
	"tn_md5":       schema.Omit,
	"med_md5":      schema.Omit,
	"full_md5":     schema.Omit,
	"orig_md5":     schema.Omit,
})

func newUploadEpisode(args map[string]interface{}) (Operation, error) {
	const method = "upload_episode"
	valid, err := coerceArgs(method, schema.Fields{
		"activity": schema.StringMap(schema.Any()),
		"episode":  schema.StringMap(schema.Any()),
		"photos":   schema.List(schema.StringMap(schema.Any())),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &uploadEpisode{}
	if op.activity, err = parseActivity(method, valid); err != nil {
		return nil, errors.Trace(err)
	}
	coerced, err := uploadEpisodeFields.Coerce(fieldMap(valid, "episode"), nil)
	if err != nil {
		return nil, params.Invalidf("", "%s episode: %v", method, err)
	}
	ep := coerced.(map[string]interface{})
	op.episode = uploadEpisodeArgs{
		ID:        ep["episode_id"].(string),
		Timestamp: int64(ep["timestamp"].(int)),
		Title:     fieldStr(ep, "title"),
	}
	for i, raw := range fieldMapList(valid, "photos") {
		coerced, err := uploadPhotoFields.Coerce(raw, nil)
		if err != nil {
			return nil, params.Invalidf("", "%s photo %d: %v", method, i, err)
		}
		p := coerced.(map[string]interface{})
		op.photos = append(op.photos, uploadPhotoArgs{
			ID:          p["photo_id"].(string),
			Timestamp:   int64(p["timestamp"].(int)),
			AspectRatio: fieldFloat(p, "aspect_ratio"),
			ContentType: fieldStr(p, "content_type"),
			TnSize:      fieldInt(p, "tn_size"),
			MedSize:     fieldInt(p, "med_size"),
			FullSize:    fieldInt(p, "full_size"),
			OrigSize:    fieldInt(p, "orig_size"),
			TnMD5:       fieldStr(p, "tn_md5"),
			MedMD5:      fieldStr(p, "med_md5"),
			FullMD5:     fieldStr(p, "full_md5"),
			OrigMD5:     fieldStr(p, "orig_md5"),
		})
	}
	if len(op.photos) == 0 {
		return nil, params.Invalidf("", "%s: no photos", method)
	}
	return op, nil
}

// uploadCheckpoint records which photos were new on the first attempt, so
// the accounting delta survives a replay that finds them already written.
type uploadCheckpoint struct {
	NewPhotoIDs []string `json:"new_photo_ids"`
}

func (op *uploadEpisode) Check(ctx context.Context, oc *Context) error {
	if err := checkActivityID(oc, op.activity.ID); err != nil {
		return errors.Trace(err)
	}
	if err := checkEpisodeID(oc, op.episode.ID); err != nil {
		return errors.Trace(err)
	}
	for _, p := range op.photos {
		if err := checkPhotoID(oc, p.ID); err != nil {
			return errors.Trace(err)
		}
	}
	st := oc.Store()
	user, err := st.User(ctx, oc.UserID)
	if err != nil {
		return errors.Trace(err)
	}
	op.viewpointID = user.PrivateViewpointID()

	ep, err := st.Episode(ctx, op.episode.ID)
	if err == nil {
		if ep.UserID() != oc.UserID || ep.ViewpointID() != op.viewpointID {
			return params.Permissionf("",
				"episode %s does not belong to user %d's library", op.episode.ID, oc.UserID)
		}
	} else if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}

	var cp uploadCheckpoint
	loaded, err := oc.LoadCheckpoint(&cp)
	if err != nil {
		return errors.Trace(err)
	}
	if !loaded {
		for _, p := range op.photos {
			existing, err := st.Photo(ctx, p.ID)
			if errors.Is(err, errors.NotFound) {
				cp.NewPhotoIDs = append(cp.NewPhotoIDs, p.ID)
				continue
			} else if err != nil {
				return errors.Trace(err)
			}
			if existing.UserID() != oc.UserID {
				return params.Permissionf("",
					"photo %s belongs to another user", p.ID)
			}
		}
		if err := oc.SaveCheckpoint(ctx, &cp); err != nil {
			return errors.Trace(err)
		}
	}
	op.newPhotoIDs = make(map[string]bool, len(cp.NewPhotoIDs))
	for _, id := range cp.NewPhotoIDs {
		op.newPhotoIDs[id] = true
	}
	return nil
}

func (op *uploadEpisode) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	_, err := st.AddEpisode(ctx, state.AddEpisodeArgs{
		EpisodeID:        op.episode.ID,
		UserID:           oc.UserID,
		ViewpointID:      op.viewpointID,
		Timestamp:        op.episode.Timestamp,
		PublishTimestamp: oc.Timestamp,
		Title:            op.episode.Title,
	})
	if err != nil && !errors.Is(err, errors.AlreadyExists) {
		return errors.Trace(err)
	}
	photoIDs := make([]string, 0, len(op.photos))
	for _, p := range op.photos {
		_, err := st.AddPhoto(ctx, state.AddPhotoArgs{
			PhotoID:     p.ID,
			UserID:      oc.UserID,
			EpisodeID:   op.episode.ID,
			Timestamp:   p.Timestamp,
			AspectRatio: p.AspectRatio,
			ContentType: p.ContentType,
			TnSize:      p.TnSize,
			MedSize:     p.MedSize,
			FullSize:    p.FullSize,
			OrigSize:    p.OrigSize,
			TnMD5:       p.TnMD5,
			MedMD5:      p.MedMD5,
			FullMD5:     p.FullMD5,
			OrigMD5:     p.OrigMD5,
		})
		if err != nil && !errors.Is(err, errors.AlreadyExists) {
			return errors.Trace(err)
		}
		if _, err := st.AddPost(ctx, op.episode.ID, p.ID); err != nil {
			return errors.Trace(err)
		}
		photoIDs = append(photoIDs, p.ID)
	}
	vp, err := loadViewpoint(ctx, oc, op.viewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = ensureActivity(ctx, oc, vp, op.activity.ID, activityEpisodes{
		Episodes: []activityEpisode{{EpisodeID: op.episode.ID, PhotoIDs: photoIDs}},
	})
	return errors.Trace(err)
}

func (op *uploadEpisode) Account(ctx context.Context, oc *Context) error {
	var delta state.AccountingDelta
	for _, p := range op.photos {
		if !op.newPhotoIDs[p.ID] {
			continue
		}
		delta.SizeBytes += p.totalSize()
		delta.NumPhotos++
	}
	if delta != (state.AccountingDelta{}) {
		oc.Accounting().Add(state.OwnedByKey(oc.UserID), delta)
	}
	return nil
}

func (op *uploadEpisode) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	args.ViewpointID = op.viewpointID
	args.ActivityID = op.activity.ID
	inv := &invalidate.Invalidate{}
	inv.AddEpisode(invalidate.Episode{
		EpisodeID:     op.episode.ID,
		GetAttributes: true,
		GetPhotos:     true,
	})
	inv.AddViewpoint(invalidate.Viewpoint{
		ViewpointID:   op.viewpointID,
		GetActivities: true,
	})
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

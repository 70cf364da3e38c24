// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/alert"
	"github.com/viewfinderco/viewfinder-sub004/core/assetid"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// activityArgs is the client-allocated activity header carried by every
// method that records an activity on a viewpoint.
type activityArgs struct {
	ID        string
	Timestamp int64
}

var activityFields = schema.FieldMap(schema.Fields{
	"activity_id": schema.String(),
	"timestamp":   schema.ForceInt(),
}, nil)

func parseActivity(method string, valid map[string]interface{}) (activityArgs, error) {
	raw := fieldMap(valid, "activity")
	coerced, err := activityFields.Coerce(raw, nil)
	if err != nil {
		return activityArgs{}, params.Invalidf("", "%s activity: %v", method, err)
	}
	a := coerced.(map[string]interface{})
	return activityArgs{
		ID:        a["activity_id"].(string),
		Timestamp: int64(a["timestamp"].(int)),
	}, nil
}

// checkAssetDevice rejects client-allocated ids minted by some other
// device. Server-allocated ids (device 0) and server-run operations skip
// the check.
func checkAssetDevice(oc *Context, kind string, deviceID uint64) error {
	if oc.DeviceID != 0 && deviceID != 0 && deviceID != uint64(oc.DeviceID) {
		return params.Permissionf(params.IDBadDeviceID,
			"%s id was allocated by device %d, not %d", kind, deviceID, oc.DeviceID)
	}
	return nil
}

func checkActivityID(oc *Context, id string) error {
	_, deviceID, _, err := assetid.DeconstructActivityID(id)
	if err != nil {
		return params.Invalidf("", "activity id %q: %v", id, err)
	}
	return errors.Trace(checkAssetDevice(oc, "activity", deviceID))
}

func checkEpisodeID(oc *Context, id string) error {
	_, deviceID, _, err := assetid.DeconstructEpisodeID(id)
	if err != nil {
		return params.Invalidf("", "episode id %q: %v", id, err)
	}
	return errors.Trace(checkAssetDevice(oc, "episode", deviceID))
}

func checkPhotoID(oc *Context, id string) error {
	_, deviceID, _, err := assetid.DeconstructPhotoID(id)
	if err != nil {
		return params.Invalidf("", "photo id %q: %v", id, err)
	}
	return errors.Trace(checkAssetDevice(oc, "photo", deviceID))
}

func checkCommentID(oc *Context, id string) error {
	_, deviceID, _, err := assetid.DeconstructCommentID(id)
	if err != nil {
		return params.Invalidf("", "comment id %q: %v", id, err)
	}
	return errors.Trace(checkAssetDevice(oc, "comment", deviceID))
}

func checkViewpointID(oc *Context, id string) error {
	deviceID, _, err := assetid.DeconstructViewpointID(id)
	if err != nil {
		return params.Invalidf("", "viewpoint id %q: %v", id, err)
	}
	return errors.Trace(checkAssetDevice(oc, "viewpoint", deviceID))
}

// loadViewpoint resolves the viewpoint or fails with a client error.
func loadViewpoint(ctx context.Context, oc *Context, viewpointID string) (*state.Viewpoint, error) {
	vp, err := oc.Store().Viewpoint(ctx, viewpointID)
	if errors.Is(err, errors.NotFound) {
		return nil, params.NotFoundf("", "viewpoint %s not found", viewpointID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return vp, nil
}

// activeFollower loads the caller's follower row on the viewpoint.
// Non-followers and removed followers get a permission error: they cannot
// see the viewpoint, let alone act on it.
func activeFollower(ctx context.Context, oc *Context, viewpointID string) (*state.Viewpoint, *state.Follower, error) {
	vp, err := loadViewpoint(ctx, oc, viewpointID)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	f, err := oc.Store().Follower(ctx, oc.UserID, viewpointID)
	if errors.Is(err, errors.NotFound) || (err == nil && f.IsRemoved()) {
		return nil, nil, params.Permissionf(params.IDViewpointNotFollowed,
			"user %d does not follow viewpoint %s", oc.UserID, viewpointID)
	} else if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return vp, f, nil
}

func requireContribute(f *state.Follower) error {
	if !f.CanContribute() {
		return params.Permissionf(params.IDCannotContribute,
			"user %d cannot contribute to viewpoint %s", f.UserID(), f.ViewpointID())
	}
	return nil
}

func requireAdmin(f *state.Follower) error {
	if !f.IsAdmin() {
		return params.Permissionf(params.IDNotAdmin,
			"user %d does not administer viewpoint %s", f.UserID(), f.ViewpointID())
	}
	return nil
}

// ensureActivity records the operation's activity on the viewpoint,
// bumping update_seq exactly once per activity id: a replay finds the row
// and returns it unchanged, keeping the activity's seq stable across
// retries. Every follower's inbox row is moved to the new day bucket.
func ensureActivity(ctx context.Context, oc *Context, vp *state.Viewpoint, activityID string, payload interface{}) (*state.Activity, error) {
	st := oc.Store()
	act, err := st.Activity(ctx, vp.ID(), activityID)
	replayed := err == nil
	if err != nil && !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}
	oldUpdated := vp.LastUpdated()
	if !replayed {
		seq, err := st.BumpUpdateSeq(ctx, vp.ID(), oc.Timestamp)
		if err != nil {
			return nil, errors.Trace(err)
		}
		act, err = st.AddActivity(ctx, state.AddActivityArgs{
			ViewpointID: vp.ID(),
			ActivityID:  activityID,
			UserID:      oc.UserID,
			Name:        oc.Method,
			Timestamp:   oc.Timestamp,
			UpdateSeq:   seq,
			Payload:     payload,
		})
		if errors.Is(err, errors.AlreadyExists) {
			act, err = st.Activity(ctx, vp.ID(), activityID)
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		// The first attempt already bumped; re-put the current bucket so
		// a crash mid-rebucket still converges.
		oldUpdated = oc.Timestamp
	}
	followerIDs, err := st.ViewpointFollowerIDs(ctx, vp.ID())
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, uid := range followerIDs {
		f, err := st.Follower(ctx, uid, vp.ID())
		if err != nil {
			return nil, errors.Trace(err)
		}
		if f.IsRemoved() {
			// The conversation must not resurface in a removed
			// follower's inbox.
			continue
		}
		if err := st.RebucketFollowed(ctx, uid, vp.ID(), oldUpdated, oc.Timestamp); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return act, nil
}

// contactRef is one share or follow target from a request's contact list:
// either a known user id or an identity that may not have an account yet.
type contactRef struct {
	UserID   int64
	Identity string
	Name     string
}

var contactFields = schema.FieldMap(schema.Fields{
	"user_id":  schema.ForceInt(),
	"identity": schema.String(),
	"name":     schema.String(),
}, schema.Defaults{
	"user_id":  schema.Omit,
	"identity": schema.Omit,
	"name":     schema.Omit,
})

func parseContacts(method string, raw []map[string]interface{}) ([]contactRef, error) {
	refs := make([]contactRef, 0, len(raw))
	for i, source := range raw {
		coerced, err := contactFields.Coerce(source, nil)
		if err != nil {
			return nil, params.Invalidf("", "%s contact %d: %v", method, i, err)
		}
		valid := coerced.(map[string]interface{})
		ref := contactRef{
			UserID:   fieldInt(valid, "user_id"),
			Identity: fieldStr(valid, "identity"),
			Name:     fieldStr(valid, "name"),
		}
		if (ref.UserID == 0) == (ref.Identity == "") {
			return nil, params.Invalidf("",
				"%s contact %d: exactly one of user_id and identity required", method, i)
		}
		if ref.Identity != "" {
			canonical, err := state.CanonicalizeIdentity(ref.Identity)
			if err != nil {
				return nil, params.Invalidf("", "%s contact %d: %v", method, i, err)
			}
			ref.Identity = canonical
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// resolveContacts resolves contact refs against the identity table.
// Identities without a linked account come back in unresolved: the caller
// registers prospective users for them via nested operations.
func resolveContacts(ctx context.Context, oc *Context, refs []contactRef) (resolved []contactRef, unresolved []contactRef, _ error) {
	st := oc.Store()
	for _, ref := range refs {
		if ref.UserID != 0 {
			if _, err := st.User(ctx, ref.UserID); errors.Is(err, errors.NotFound) {
				return nil, nil, params.NotFoundf("", "user %d not found", ref.UserID)
			} else if err != nil {
				return nil, nil, errors.Trace(err)
			}
			resolved = append(resolved, ref)
			continue
		}
		ident, err := st.Identity(ctx, ref.Identity)
		switch {
		case errors.Is(err, errors.NotFound):
			unresolved = append(unresolved, ref)
		case err != nil:
			return nil, nil, errors.Trace(err)
		case ident.UserID() == 0:
			unresolved = append(unresolved, ref)
		default:
			ref.UserID = ident.UserID()
			resolved = append(resolved, ref)
		}
	}
	return resolved, unresolved, nil
}

// prospectiveUser is the checkpointed record of one nested prospective
// registration. Ids are allocated on the first attempt and reused by
// every replay, so the nested operation is stable across crashes.
type prospectiveUser struct {
	Identity    string `json:"identity"`
	Name        string `json:"name,omitempty"`
	UserID      int64  `json:"user_id"`
	OperationID string `json:"op_id"`
}

// planProspective extends prior with allocations for any unresolved
// identity not yet planned. Already-planned identities keep their ids.
func planProspective(ctx context.Context, oc *Context, prior []prospectiveUser, unresolved []contactRef) ([]prospectiveUser, error) {
	planned := make(map[string]bool, len(prior))
	for _, p := range prior {
		planned[p.Identity] = true
	}
	out := prior
	for _, ref := range unresolved {
		if planned[ref.Identity] {
			continue
		}
		userID, err := oc.Store().AllocateIDs(ctx, state.UserIDType, 1)
		if err != nil {
			return nil, errors.Trace(err)
		}
		seq, err := oc.Store().AllocateAssetIDs(ctx, oc.UserID, 1)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, prospectiveUser{
			Identity:    ref.Identity,
			Name:        ref.Name,
			UserID:      userID,
			OperationID: assetid.ConstructOperationID(assetid.ServerDeviceID, uint64(seq)),
		})
		planned[ref.Identity] = true
	}
	return out, nil
}

// stopForProspective aborts the current attempt so the scheduler can run
// the nested registrations; the outer operation then re-enters from its
// checkpoint with every identity resolvable.
func stopForProspective(pending []prospectiveUser) error {
	nested := make([]NestedOp, 0, len(pending))
	for _, p := range pending {
		nested = append(nested, NestedOp{
			OperationID: p.OperationID,
			Method:      "register_prospective_user",
			Args: map[string]interface{}{
				"user_id":  p.UserID,
				"identity": p.Identity,
				"name":     p.Name,
			},
		})
	}
	return Stop(nested...)
}

// pendingProspective returns the planned registrations whose identity is
// still unlinked. Empty means every nested registration has completed.
func pendingProspective(ctx context.Context, oc *Context, plan []prospectiveUser) ([]prospectiveUser, error) {
	var pending []prospectiveUser
	for _, p := range plan {
		ident, err := oc.Store().Identity(ctx, p.Identity)
		switch {
		case errors.Is(err, errors.NotFound):
			pending = append(pending, p)
		case err != nil:
			return nil, errors.Trace(err)
		case ident.UserID() == 0:
			pending = append(pending, p)
		}
	}
	return pending, nil
}

// shareEpisode names one source episode and the photos being shared out
// of it, plus the client-allocated id of the copy.
type shareEpisode struct {
	ExistingID string   `json:"existing_episode_id"`
	NewID      string   `json:"new_episode_id"`
	PhotoIDs   []string `json:"photo_ids"`
}

var shareEpisodeFields = schema.FieldMap(schema.Fields{
	"existing_episode_id": schema.String(),
	"new_episode_id":      schema.String(),
	"photo_ids":           schema.List(schema.String()),
}, nil)

func parseShareEpisodes(method string, raw []map[string]interface{}) ([]shareEpisode, error) {
	if len(raw) == 0 {
		return nil, params.Invalidf("", "%s: no episodes to share", method)
	}
	episodes := make([]shareEpisode, 0, len(raw))
	for i, source := range raw {
		coerced, err := shareEpisodeFields.Coerce(source, nil)
		if err != nil {
			return nil, params.Invalidf("", "%s episode %d: %v", method, i, err)
		}
		valid := coerced.(map[string]interface{})
		se := shareEpisode{
			ExistingID: valid["existing_episode_id"].(string),
			NewID:      valid["new_episode_id"].(string),
			PhotoIDs:   fieldStrList(valid, "photo_ids"),
		}
		if len(se.PhotoIDs) == 0 {
			return nil, params.Invalidf("", "%s episode %d: no photo ids", method, i)
		}
		episodes = append(episodes, se)
	}
	return episodes, nil
}

// checkShareSource verifies the caller owns the source episode and every
// named photo is posted there and sharable, returning the photos for
// accounting.
func checkShareSource(ctx context.Context, oc *Context, se shareEpisode) ([]*state.Photo, error) {
	st := oc.Store()
	ep, err := st.Episode(ctx, se.ExistingID)
	if errors.Is(err, errors.NotFound) {
		return nil, params.NotFoundf("", "episode %s not found", se.ExistingID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	if ep.UserID() != oc.UserID {
		return nil, params.Permissionf("",
			"episode %s is not owned by user %d", se.ExistingID, oc.UserID)
	}
	for _, photoID := range se.PhotoIDs {
		post, err := st.Post(ctx, se.ExistingID, photoID)
		if errors.Is(err, errors.NotFound) {
			return nil, params.NotFoundf("",
				"photo %s is not posted in episode %s", photoID, se.ExistingID)
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		if post.IsUnshared() {
			return nil, params.Permissionf("",
				"photo %s was unshared from episode %s", photoID, se.ExistingID)
		}
	}
	photos, err := st.Photos(ctx, se.PhotoIDs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i, p := range photos {
		if p == nil {
			return nil, params.NotFoundf("", "photo %s not found", se.PhotoIDs[i])
		}
	}
	return photos, nil
}

// createSharedEpisodes writes the target episodes and posts during
// UPDATE. Every write tolerates replay.
func createSharedEpisodes(ctx context.Context, oc *Context, viewpointID string, episodes []shareEpisode) error {
	st := oc.Store()
	for _, se := range episodes {
		src, err := st.Episode(ctx, se.ExistingID)
		if err != nil {
			return errors.Trace(err)
		}
		_, err = st.AddEpisode(ctx, state.AddEpisodeArgs{
			EpisodeID:        se.NewID,
			UserID:           oc.UserID,
			ViewpointID:      viewpointID,
			ParentEpisodeID:  se.ExistingID,
			Timestamp:        src.Timestamp(),
			PublishTimestamp: oc.Timestamp,
			Title:            src.Title(),
		})
		if err != nil && !errors.Is(err, errors.AlreadyExists) {
			return errors.Trace(err)
		}
		for _, photoID := range se.PhotoIDs {
			if _, err := st.AddPost(ctx, se.NewID, photoID); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

// photosDelta totals photo sizes and counts for accounting.
func photosDelta(photos []*state.Photo) state.AccountingDelta {
	var d state.AccountingDelta
	for _, p := range photos {
		d.SizeBytes += p.TotalSize()
		d.NumPhotos++
	}
	return d
}

// activityEpisodes is the activity payload form of a share's episode
// list.
type activityEpisodes struct {
	Episodes []activityEpisode `json:"episodes"`
}

type activityEpisode struct {
	EpisodeID string   `json:"episode_id"`
	PhotoIDs  []string `json:"photo_ids"`
}

func shareActivityPayload(episodes []shareEpisode) activityEpisodes {
	payload := activityEpisodes{Episodes: make([]activityEpisode, 0, len(episodes))}
	for _, se := range episodes {
		payload.Episodes = append(payload.Episodes, activityEpisode{
			EpisodeID: se.NewID,
			PhotoIDs:  se.PhotoIDs,
		})
	}
	return payload
}

// senderName resolves the acting user's display name for alert text.
func senderName(ctx context.Context, oc *Context) string {
	u, err := oc.Store().User(ctx, oc.UserID)
	if err != nil || u.Name() == "" {
		return "A friend"
	}
	return u.Name()
}

// identityAddress splits a canonical identity into scheme and value.
func identityAddress(identity string) (scheme, value string) {
	scheme, value, _ = strings.Cut(identity, ":")
	return scheme, value
}

// inviteProspective alerts newly created prospective users by whatever
// channel their identity reaches. Local identities have no channel.
// Dispatch is fire-and-forget like every other alert.
func inviteProspective(oc *Context, invited []prospectiveUser, text string) {
	sink := oc.Notifier().Alerts()
	for _, p := range invited {
		scheme, address := identityAddress(p.Identity)
		switch scheme {
		case "Email":
			sink.SendEmail(alert.Email{
				To:      address,
				ToName:  p.Name,
				Subject: text,
				Text:    text + " Get the Viewfinder app to see them.",
			})
		case "Phone":
			sink.SendSMS(alert.SMS{To: address, Text: text})
		}
	}
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// Query page sizing. Requests that carry a start key page explicitly;
// collections inside a selection return their first collectionLimit rows.
const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
	collectionLimit   = 100
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultQueryLimit
	case limit > maxQueryLimit:
		return maxQueryLimit
	}
	return limit
}

// QueryFollowed pages the caller's inbox, most recently updated
// viewpoints first. The response's last key is the opaque cursor for the
// next page, empty once exhausted.
func (s *Service) QueryFollowed(ctx context.Context, userID int64, req params.QueryFollowedRequest) (params.QueryFollowedResponse, error) {
	var startAfter kv.Value
	if req.StartKey != "" {
		startAfter = kv.S(req.StartKey)
	}
	rows, last, err := s.st.ListFollowed(ctx, userID, clampLimit(req.Limit), startAfter)
	if err != nil {
		return params.QueryFollowedResponse{}, errors.Trace(err)
	}
	resp := params.QueryFollowedResponse{Viewpoints: make([]params.ViewpointMetadata, 0, len(rows))}
	seen := set.NewStrings()
	for _, row := range rows {
		// A crashed rebucketing can leave one viewpoint in two buckets.
		if seen.Contains(row.ViewpointID) {
			continue
		}
		seen.Add(row.ViewpointID)
		md, err := s.viewpointMetadata(ctx, userID, row.ViewpointID)
		if errors.Is(err, errors.NotFound) {
			// Inbox rows can outlive the follower row (terminated
			// accounts, partial rebuckets); skip them.
			continue
		} else if err != nil {
			return params.QueryFollowedResponse{}, errors.Trace(err)
		}
		resp.Viewpoints = append(resp.Viewpoints, md)
	}
	if !last.IsZero() {
		resp.LastKey = last.Str()
	}
	return resp, nil
}

// viewpointMetadata merges a viewpoint's attributes with the caller's
// follower state.
func (s *Service) viewpointMetadata(ctx context.Context, userID int64, viewpointID string) (params.ViewpointMetadata, error) {
	follower, err := s.st.Follower(ctx, userID, viewpointID)
	if err != nil {
		return params.ViewpointMetadata{}, errors.Trace(err)
	}
	vp, err := s.st.Viewpoint(ctx, viewpointID)
	if err != nil {
		return params.ViewpointMetadata{}, errors.Trace(err)
	}
	return params.ViewpointMetadata{
		ViewpointID:  vp.ID(),
		UserID:       vp.OwnerID(),
		Type:         vp.Type(),
		Title:        vp.Title(),
		Description:  vp.Description(),
		CoverPhotoID: vp.CoverPhotoID(),
		UpdateSeq:    vp.UpdateSeq(),
		LastUpdated:  vp.LastUpdated(),
		Labels:       follower.Labels(),
		ViewedSeq:    follower.ViewedSeq(),
	}, nil
}

// QueryViewpoints fetches the selected collections of each named
// viewpoint. The caller must be a live follower of every selection;
// removed followers see nothing until a fresh share revives them.
func (s *Service) QueryViewpoints(ctx context.Context, userID int64, req params.QueryViewpointsRequest) (params.QueryViewpointsResponse, error) {
	fail := func(err error) (params.QueryViewpointsResponse, error) {
		return params.QueryViewpointsResponse{}, err
	}
	resp := params.QueryViewpointsResponse{Viewpoints: make([]params.ViewpointDetails, 0, len(req.Viewpoints))}
	for _, sel := range req.Viewpoints {
		follower, err := s.st.Follower(ctx, userID, sel.ViewpointID)
		if errors.Is(err, errors.NotFound) {
			return fail(params.Permissionf(params.IDViewpointNotFollowed,
				"user %d does not follow viewpoint %q", userID, sel.ViewpointID))
		} else if err != nil {
			return fail(errors.Trace(err))
		}
		if follower.IsRemoved() {
			return fail(params.Permissionf(params.IDViewpointNotFollowed,
				"user %d does not follow viewpoint %q", userID, sel.ViewpointID))
		}
		details, err := s.viewpointDetails(ctx, userID, sel)
		if err != nil {
			return fail(errors.Trace(err))
		}
		resp.Viewpoints = append(resp.Viewpoints, details)
	}
	return resp, nil
}

func (s *Service) viewpointDetails(ctx context.Context, userID int64, sel params.ViewpointSelection) (params.ViewpointDetails, error) {
	var details params.ViewpointDetails
	vpID := sel.ViewpointID
	if sel.GetAttributes {
		md, err := s.viewpointMetadata(ctx, userID, vpID)
		if err != nil {
			return details, errors.Trace(err)
		}
		details.Metadata = &md
	}
	if sel.GetFollowers {
		ids, err := s.st.ViewpointFollowerIDs(ctx, vpID)
		if err != nil {
			return details, errors.Trace(err)
		}
		for _, id := range ids {
			f, err := s.st.Follower(ctx, id, vpID)
			if errors.Is(err, errors.NotFound) {
				continue
			} else if err != nil {
				return details, errors.Trace(err)
			}
			details.Followers = append(details.Followers, params.FollowerMetadata{
				UserID: id,
				Labels: f.Labels(),
			})
		}
	}
	if sel.GetActivities {
		activities, _, err := s.st.ViewpointActivities(ctx, vpID, collectionLimit, kv.Value{})
		if err != nil {
			return details, errors.Trace(err)
		}
		for _, a := range activities {
			var payload json.RawMessage
			if err := a.Payload(&payload); err != nil {
				return details, errors.Trace(err)
			}
			details.Activities = append(details.Activities, params.ActivityMetadata{
				ActivityID: a.ID(),
				UserID:     a.UserID(),
				Name:       a.Name(),
				Timestamp:  a.Timestamp(),
				UpdateSeq:  a.UpdateSeq(),
				Payload:    payload,
			})
		}
	}
	if sel.GetEpisodes {
		ids, err := s.st.ViewpointEpisodeIDs(ctx, vpID)
		if err != nil {
			return details, errors.Trace(err)
		}
		for _, id := range ids {
			ep, err := s.st.Episode(ctx, id)
			if errors.Is(err, errors.NotFound) {
				// Dangling index entry from a crashed creation.
				continue
			} else if err != nil {
				return details, errors.Trace(err)
			}
			details.Episodes = append(details.Episodes, params.EpisodeMetadata{
				EpisodeID:       ep.ID(),
				UserID:          ep.UserID(),
				ViewpointID:     ep.ViewpointID(),
				ParentEpisodeID: ep.ParentEpisodeID(),
				Timestamp:       ep.Timestamp(),
				Title:           ep.Title(),
			})
		}
	}
	if sel.GetComments {
		comments, _, err := s.st.ViewpointComments(ctx, vpID, collectionLimit, kv.Value{})
		if err != nil {
			return details, errors.Trace(err)
		}
		for _, c := range comments {
			details.Comments = append(details.Comments, params.CommentMetadata{
				CommentID: c.ID(),
				UserID:    c.UserID(),
				AssetID:   c.AssetID(),
				Timestamp: c.Timestamp(),
				Message:   c.Message(),
			})
		}
	}
	return details, nil
}

// QueryEpisodes fetches the selected episodes, with their photos when
// asked. The caller must be a live follower of each episode's viewpoint.
func (s *Service) QueryEpisodes(ctx context.Context, userID int64, req params.QueryEpisodesRequest) (params.QueryEpisodesResponse, error) {
	fail := func(err error) (params.QueryEpisodesResponse, error) {
		return params.QueryEpisodesResponse{}, err
	}
	resp := params.QueryEpisodesResponse{Episodes: make([]params.EpisodeMetadata, 0, len(req.Episodes))}
	for _, sel := range req.Episodes {
		ep, err := s.st.Episode(ctx, sel.EpisodeID)
		if errors.Is(err, errors.NotFound) {
			return fail(params.NotFoundf("", "episode %q", sel.EpisodeID))
		} else if err != nil {
			return fail(errors.Trace(err))
		}
		follower, err := s.st.Follower(ctx, userID, ep.ViewpointID())
		if errors.Is(err, errors.NotFound) {
			return fail(params.Permissionf(params.IDViewpointNotFollowed,
				"user %d does not follow viewpoint %q", userID, ep.ViewpointID()))
		} else if err != nil {
			return fail(errors.Trace(err))
		}
		if follower.IsRemoved() {
			return fail(params.Permissionf(params.IDViewpointNotFollowed,
				"user %d does not follow viewpoint %q", userID, ep.ViewpointID()))
		}
		md := params.EpisodeMetadata{EpisodeID: ep.ID()}
		if sel.GetAttributes {
			md.UserID = ep.UserID()
			md.ViewpointID = ep.ViewpointID()
			md.ParentEpisodeID = ep.ParentEpisodeID()
			md.Timestamp = ep.Timestamp()
			md.Title = ep.Title()
		}
		if sel.GetPhotos {
			photos, err := s.episodePhotos(ctx, ep.ID())
			if err != nil {
				return fail(errors.Trace(err))
			}
			md.Photos = photos
		}
		resp.Episodes = append(resp.Episodes, md)
	}
	return resp, nil
}

// episodePhotos joins an episode's posts with their photo rows. Unshared
// posts are omitted entirely: unsharing takes content back. Removed and
// hidden posts are returned with their labels so clients can render the
// distinction.
func (s *Service) episodePhotos(ctx context.Context, episodeID string) ([]params.PhotoMetadata, error) {
	posts, err := s.st.EpisodePosts(ctx, episodeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	kept := make([]*state.Post, 0, len(posts))
	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		if post.IsUnshared() {
			continue
		}
		kept = append(kept, post)
		ids = append(ids, post.PhotoID())
	}
	photos, err := s.st.Photos(ctx, ids)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]params.PhotoMetadata, 0, len(kept))
	for i, post := range kept {
		photo := photos[i]
		if photo == nil {
			continue
		}
		out = append(out, params.PhotoMetadata{
			PhotoID:     photo.ID(),
			Timestamp:   photo.Timestamp(),
			AspectRatio: photo.AspectRatio(),
			ContentType: photo.ContentType(),
			TnMD5:       photo.MD5("tn"),
			MedMD5:      photo.MD5("med"),
			FullMD5:     photo.MD5("full"),
			OrigMD5:     photo.MD5("orig"),
			TnSize:      photo.Size("tn"),
			MedSize:     photo.Size("med"),
			FullSize:    photo.Size("full"),
			OrigSize:    photo.Size("orig"),
			Labels:      post.Labels(),
		})
	}
	return out, nil
}

// QueryNotifications pages the caller's notification feed in id order.
// When the request asks for it, the caller's badge is cleared after the
// page is assembled.
func (s *Service) QueryNotifications(ctx context.Context, userID, deviceID int64, req params.QueryNotificationsRequest) (params.QueryNotificationsResponse, error) {
	limit := clampLimit(req.Limit)
	rows, err := s.st.Notifications(ctx, userID, req.StartKey, limit)
	if err != nil {
		return params.QueryNotificationsResponse{}, errors.Trace(err)
	}
	resp := params.QueryNotificationsResponse{Notifications: make([]params.NotificationMetadata, 0, len(rows))}
	for _, n := range rows {
		inv, err := n.Invalidate()
		if err != nil {
			return params.QueryNotificationsResponse{}, errors.Trace(err)
		}
		resp.Notifications = append(resp.Notifications, params.NotificationMetadata{
			NotificationID: n.ID(),
			Name:           n.Name(),
			OpID:           n.OpID(),
			SenderID:       n.SenderID(),
			SenderDeviceID: n.SenderDeviceID(),
			Timestamp:      n.Timestamp(),
			Badge:          n.Badge(),
			ViewpointID:    n.ViewpointID(),
			ActivityID:     n.ActivityID(),
			UpdateSeq:      n.UpdateSeq(),
			ViewedSeq:      n.ViewedSeq(),
			Invalidate:     inv,
		})
	}
	if len(rows) == limit {
		resp.LastKey = rows[len(rows)-1].ID()
	}
	if req.ClearBadges {
		if err := s.notifier.ClearBadges(ctx, userID, deviceID); err != nil {
			return params.QueryNotificationsResponse{}, errors.Trace(err)
		}
	}
	return resp, nil
}

// QueryUsers resolves user ids to profiles. Email and split names are
// private: they are returned only for the caller and the caller's
// friends. Unknown ids are dropped from the answer.
func (s *Service) QueryUsers(ctx context.Context, userID int64, req params.QueryUsersRequest) (params.QueryUsersResponse, error) {
	resp := params.QueryUsersResponse{Users: make([]params.UserMetadata, 0, len(req.UserIDs))}
	for _, id := range req.UserIDs {
		u, err := s.st.User(ctx, id)
		if errors.Is(err, errors.NotFound) {
			continue
		} else if err != nil {
			return params.QueryUsersResponse{}, errors.Trace(err)
		}
		md := params.UserMetadata{
			UserID:     u.ID(),
			Name:       u.Name(),
			Registered: u.IsRegistered(),
			Terminated: u.IsTerminated(),
		}
		private := id == userID
		if !private {
			_, err := s.st.Friend(ctx, userID, id)
			if err == nil {
				private = true
			} else if !errors.Is(err, errors.NotFound) {
				return params.QueryUsersResponse{}, errors.Trace(err)
			}
		}
		if private {
			md.GivenName = u.GivenName()
			md.FamilyName = u.FamilyName()
			md.Email = u.Email()
		}
		resp.Users = append(resp.Users, md)
	}
	return resp, nil
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package params

import (
	"encoding/json"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
)

// RequestHeaders prefix every client request.
type RequestHeaders struct {
	// Version is the client protocol version.
	Version int `json:"version"`

	// OpID is the client-allocated operation id. Resubmitting with the
	// same id is idempotent.
	OpID string `json:"op_id,omitempty"`

	// OpTimestamp is the client's wall time for the operation, unix
	// seconds. Mutations replay with this time.
	OpTimestamp int64 `json:"op_timestamp,omitempty"`

	// Synchronous asks the service to answer only after the operation
	// has executed, rather than after it has been queued.
	Synchronous bool `json:"synchronous,omitempty"`
}

// OperationRequest submits one mutating operation.
type OperationRequest struct {
	Headers RequestHeaders         `json:"headers"`
	Method  string                 `json:"method"`
	Args    map[string]interface{} `json:"args"`
}

// OperationResponse acknowledges a submitted operation.
type OperationResponse struct {
	OpID        string `json:"op_id"`
	OpTimestamp int64  `json:"op_timestamp"`
}

// AllocateIDsRequest reserves server-scoped asset ids for a device that
// cannot mint its own (the web client).
type AllocateIDsRequest struct {
	Headers    RequestHeaders `json:"headers"`
	AssetTypes []string       `json:"asset_types"`
}

// AllocateIDsResponse returns one id per requested type, all minted at
// the same timestamp.
type AllocateIDsResponse struct {
	AssetIDs  []string `json:"asset_ids"`
	Timestamp int64    `json:"timestamp"`
}

// ClientLogRequest asks for an upload slot for a device diagnostic log.
type ClientLogRequest struct {
	Headers     RequestHeaders `json:"headers"`
	Timestamp   int64          `json:"timestamp"`
	ClientLogID string         `json:"client_log_id"`
	ContentType string         `json:"content_type,omitempty"`
	NumBytes    int64          `json:"num_bytes,omitempty"`
}

// ClientLogResponse carries the signed PUT url the device uploads to.
type ClientLogResponse struct {
	ClientLogPutURL string `json:"client_log_put_url"`
}

// QueryFollowedRequest pages through the caller's inbox, most recently
// updated viewpoints first.
type QueryFollowedRequest struct {
	Headers  RequestHeaders `json:"headers"`
	Limit    int            `json:"limit,omitempty"`
	StartKey string         `json:"start_key,omitempty"`
}

// QueryFollowedResponse is one inbox page.
type QueryFollowedResponse struct {
	Viewpoints []ViewpointMetadata `json:"viewpoints"`
	LastKey    string              `json:"last_key,omitempty"`
}

// ViewpointMetadata merges viewpoint attributes with the caller's own
// follower view of it.
type ViewpointMetadata struct {
	ViewpointID  string `json:"viewpoint_id"`
	UserID       int64  `json:"user_id"`
	Type         string `json:"type"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	CoverPhotoID string `json:"cover_photo_id,omitempty"`
	UpdateSeq    int64  `json:"update_seq,omitempty"`
	LastUpdated  int64  `json:"last_updated,omitempty"`

	Labels    []string `json:"labels,omitempty"`
	ViewedSeq int64    `json:"viewed_seq,omitempty"`
}

// ViewpointSelection names a viewpoint and the collections to return.
type ViewpointSelection struct {
	ViewpointID   string `json:"viewpoint_id"`
	GetAttributes bool   `json:"get_attributes,omitempty"`
	GetFollowers  bool   `json:"get_followers,omitempty"`
	GetActivities bool   `json:"get_activities,omitempty"`
	GetEpisodes   bool   `json:"get_episodes,omitempty"`
	GetComments   bool   `json:"get_comments,omitempty"`
}

// QueryViewpointsRequest fetches viewpoint contents.
type QueryViewpointsRequest struct {
	Headers    RequestHeaders       `json:"headers"`
	Viewpoints []ViewpointSelection `json:"viewpoints"`
}

// ViewpointDetails is everything selected for one viewpoint.
type ViewpointDetails struct {
	Metadata   *ViewpointMetadata   `json:"metadata,omitempty"`
	Followers  []FollowerMetadata   `json:"followers,omitempty"`
	Activities []ActivityMetadata   `json:"activities,omitempty"`
	Episodes   []EpisodeMetadata    `json:"episodes,omitempty"`
	Comments   []CommentMetadata    `json:"comments,omitempty"`
}

// QueryViewpointsResponse answers QueryViewpointsRequest, one entry per
// selection in order.
type QueryViewpointsResponse struct {
	Viewpoints []ViewpointDetails `json:"viewpoints"`
}

// FollowerMetadata is one follower's public view.
type FollowerMetadata struct {
	UserID int64    `json:"user_id"`
	Labels []string `json:"labels,omitempty"`
}

// ActivityMetadata is one activity with its method-specific payload left
// raw for the client to interpret.
type ActivityMetadata struct {
	ActivityID string          `json:"activity_id"`
	UserID     int64           `json:"user_id"`
	Name       string          `json:"name"`
	Timestamp  int64           `json:"timestamp"`
	UpdateSeq  int64           `json:"update_seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// CommentMetadata is one comment.
type CommentMetadata struct {
	CommentID string `json:"comment_id"`
	UserID    int64  `json:"user_id"`
	AssetID   string `json:"asset_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// EpisodeSelection names an episode and what to return for it.
type EpisodeSelection struct {
	EpisodeID     string `json:"episode_id"`
	GetAttributes bool   `json:"get_attributes,omitempty"`
	GetPhotos     bool   `json:"get_photos,omitempty"`
}

// QueryEpisodesRequest fetches episode contents.
type QueryEpisodesRequest struct {
	Headers  RequestHeaders     `json:"headers"`
	Episodes []EpisodeSelection `json:"episodes"`
}

// EpisodeMetadata is one episode and, when selected, its photos.
type EpisodeMetadata struct {
	EpisodeID       string          `json:"episode_id"`
	UserID          int64           `json:"user_id,omitempty"`
	ViewpointID     string          `json:"viewpoint_id,omitempty"`
	ParentEpisodeID string          `json:"parent_ep_id,omitempty"`
	Timestamp       int64           `json:"timestamp,omitempty"`
	Title           string          `json:"title,omitempty"`
	Photos          []PhotoMetadata `json:"photos,omitempty"`
}

// QueryEpisodesResponse answers QueryEpisodesRequest, one entry per
// selection in order.
type QueryEpisodesResponse struct {
	Episodes []EpisodeMetadata `json:"episodes"`
}

// PhotoMetadata is one photo within an episode, with its post labels so
// clients can render removed or unshared states.
type PhotoMetadata struct {
	PhotoID     string   `json:"photo_id"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	AspectRatio float64  `json:"aspect_ratio,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	TnMD5       string   `json:"tn_md5,omitempty"`
	MedMD5      string   `json:"med_md5,omitempty"`
	FullMD5     string   `json:"full_md5,omitempty"`
	OrigMD5     string   `json:"orig_md5,omitempty"`
	TnSize      int64    `json:"tn_size,omitempty"`
	MedSize     int64    `json:"med_size,omitempty"`
	FullSize    int64    `json:"full_size,omitempty"`
	OrigSize    int64    `json:"orig_size,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// QueryNotificationsRequest pages the caller's notification feed.
type QueryNotificationsRequest struct {
	Headers  RequestHeaders `json:"headers"`
	StartKey int64          `json:"start_key,omitempty"`
	Limit    int            `json:"limit,omitempty"`

	// ClearBadges resets the caller's badge once the page is read.
	ClearBadges bool `json:"clear_badges,omitempty"`
}

// NotificationMetadata is one notification row.
type NotificationMetadata struct {
	NotificationID int64                  `json:"notification_id"`
	Name           string                 `json:"name"`
	OpID           string                 `json:"op_id,omitempty"`
	SenderID       int64                  `json:"sender_id"`
	SenderDeviceID int64                  `json:"sender_device_id,omitempty"`
	Timestamp      int64                  `json:"timestamp"`
	Badge          int64                  `json:"badge,omitempty"`
	ViewpointID    string                 `json:"viewpoint_id,omitempty"`
	ActivityID     string                 `json:"activity_id,omitempty"`
	UpdateSeq      int64                  `json:"update_seq,omitempty"`
	ViewedSeq      int64                  `json:"viewed_seq,omitempty"`
	Invalidate     *invalidate.Invalidate `json:"invalidate,omitempty"`
}

// QueryNotificationsResponse is one feed page.
type QueryNotificationsResponse struct {
	Notifications []NotificationMetadata `json:"notifications"`
	LastKey       int64                  `json:"last_key,omitempty"`
}

// QueryUsersRequest resolves user ids to profiles.
type QueryUsersRequest struct {
	Headers RequestHeaders `json:"headers"`
	UserIDs []int64        `json:"user_ids"`
}

// UserMetadata is one user profile as visible to other users.
type UserMetadata struct {
	UserID     int64  `json:"user_id"`
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Email      string `json:"email,omitempty"`
	Registered bool   `json:"registered,omitempty"`
	Terminated bool   `json:"terminated,omitempty"`
}

// QueryUsersResponse answers QueryUsersRequest, one entry per known user.
type QueryUsersResponse struct {
	Users []UserMetadata `json:"users"`
}

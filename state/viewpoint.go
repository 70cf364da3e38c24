// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// Viewpoint types.
const (
	// ViewpointDefault is a user's private library; every user owns
	// exactly one, created with the account.
	ViewpointDefault = "default"

	// ViewpointEvent is a shared conversation created by share_new.
	ViewpointEvent = "event"

	// ViewpointSystem is reserved for service-generated conversations
	// such as the welcome viewpoint.
	ViewpointSystem = "system"
)

type viewpointDoc struct {
	ViewpointID    string
	UserID         int64
	Type           string
	Title          string
	Description    string
	CoverPhotoID   string
	CoverEpisodeID string
	UpdateSeq      int64
	LastUpdated    int64
}

func newViewpointDoc(item kv.Item) viewpointDoc {
	return viewpointDoc{
		ViewpointID:    item.Str("viewpoint_id"),
		UserID:         item.Int("user_id"),
		Type:           item.Str("type"),
		Title:          item.Str("title"),
		Description:    item.Str("description"),
		CoverPhotoID:   item.Str("cover_photo_id"),
		CoverEpisodeID: item.Str("cover_episode_id"),
		UpdateSeq:      item.Int("update_seq"),
		LastUpdated:    item.Int("last_updated"),
	}
}

func (doc *viewpointDoc) toItem() kv.Item {
	item := kv.Item{
		"viewpoint_id": kv.S(doc.ViewpointID),
		"user_id":      kv.N(doc.UserID),
		"type":         kv.S(doc.Type),
	}
	if doc.Title != "" {
		item["title"] = kv.S(doc.Title)
	}
	if doc.Description != "" {
		item["description"] = kv.S(doc.Description)
	}
	if doc.CoverPhotoID != "" {
		item["cover_photo_id"] = kv.S(doc.CoverPhotoID)
	}
	if doc.CoverEpisodeID != "" {
		item["cover_episode_id"] = kv.S(doc.CoverEpisodeID)
	}
	if doc.UpdateSeq != 0 {
		item["update_seq"] = kv.N(doc.UpdateSeq)
	}
	if doc.LastUpdated != 0 {
		item["last_updated"] = kv.N(doc.LastUpdated)
	}
	return item
}

// Viewpoint is a container of shared content: episodes, comments and
// activities, visible to its followers.
type Viewpoint struct {
	st  *Store
	doc viewpointDoc
}

// ID returns the viewpoint id.
func (v *Viewpoint) ID() string {
	return v.doc.ViewpointID
}

// OwnerID returns the creating user's id.
func (v *Viewpoint) OwnerID() int64 {
	return v.doc.UserID
}

// Type returns the viewpoint type.
func (v *Viewpoint) Type() string {
	return v.doc.Type
}

// IsDefault reports whether this is a private library viewpoint.
func (v *Viewpoint) IsDefault() bool {
	return v.doc.Type == ViewpointDefault
}

// Title returns the display title, if set.
func (v *Viewpoint) Title() string {
	return v.doc.Title
}

// Description returns the display description, if set.
func (v *Viewpoint) Description() string {
	return v.doc.Description
}

// CoverPhotoID returns the cover photo id, or "".
func (v *Viewpoint) CoverPhotoID() string {
	return v.doc.CoverPhotoID
}

// CoverEpisodeID returns the episode the cover photo is posted in, or "".
func (v *Viewpoint) CoverEpisodeID() string {
	return v.doc.CoverEpisodeID
}

// UpdateSeq returns the viewpoint's structural version. It only grows.
func (v *Viewpoint) UpdateSeq() int64 {
	return v.doc.UpdateSeq
}

// LastUpdated returns the unix time of the last structural change.
func (v *Viewpoint) LastUpdated() int64 {
	return v.doc.LastUpdated
}

// AddViewpointArgs names the attributes of a new viewpoint row.
type AddViewpointArgs struct {
	ViewpointID string
	OwnerID     int64
	Type        string
	Title       string
	Description string
	Timestamp   int64
}

// AddViewpoint creates a viewpoint with update_seq 1, failing with
// AlreadyExists when the id is taken. Callers replaying a checkpointed
// creation treat AlreadyExists as success.
func (s *Store) AddViewpoint(ctx context.Context, args AddViewpointArgs) (*Viewpoint, error) {
	switch args.Type {
	case ViewpointDefault, ViewpointEvent, ViewpointSystem:
	default:
		return nil, errors.NotValidf("viewpoint type %q", args.Type)
	}
	doc := viewpointDoc{
		ViewpointID: args.ViewpointID,
		UserID:      args.OwnerID,
		Type:        args.Type,
		Title:       args.Title,
		Description: args.Description,
		UpdateSeq:   1,
		LastUpdated: args.Timestamp,
	}
	err := s.kv.PutItem(ctx, s.table(viewpointT), doc.toItem(), kv.Absent("viewpoint_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.AlreadyExistsf("viewpoint %q", args.ViewpointID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Viewpoint{st: s, doc: doc}, nil
}

// Viewpoint loads a viewpoint row, failing with NotFound when absent.
func (s *Store) Viewpoint(ctx context.Context, viewpointID string) (*Viewpoint, error) {
	item, err := s.kv.GetItem(ctx, s.table(viewpointT), kv.Key{Hash: kv.S(viewpointID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("viewpoint %q", viewpointID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Viewpoint{st: s, doc: newViewpointDoc(item)}, nil
}

// BumpUpdateSeq atomically increments the viewpoint's update_seq and
// returns the new value. Followers compare viewed_seq against this to
// decide what is unread.
func (s *Store) BumpUpdateSeq(ctx context.Context, viewpointID string, timestamp int64) (int64, error) {
	item, err := s.kv.UpdateItem(ctx, s.table(viewpointT), kv.Key{Hash: kv.S(viewpointID)},
		[]kv.Update{
			kv.Add("update_seq", kv.N(1)),
			kv.Put("last_updated", kv.N(timestamp)),
		},
		kv.Present("viewpoint_id"),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return 0, errors.NotFoundf("viewpoint %q", viewpointID)
	} else if err != nil {
		return 0, errors.Trace(err)
	}
	return item.Int("update_seq"), nil
}

// UpdateViewpointAttrs carries the client-mutable viewpoint attributes.
// Nil pointers leave the stored attribute alone; pointing at "" clears it.
type UpdateViewpointAttrs struct {
	Title          *string
	Description    *string
	CoverPhotoID   *string
	CoverEpisodeID *string
}

// IsZero reports whether no attribute change was requested.
func (a UpdateViewpointAttrs) IsZero() bool {
	return a.Title == nil && a.Description == nil &&
		a.CoverPhotoID == nil && a.CoverEpisodeID == nil
}

// UpdateViewpoint applies metadata changes to a viewpoint row.
func (s *Store) UpdateViewpoint(ctx context.Context, viewpointID string, attrs UpdateViewpointAttrs) error {
	put := func(updates []kv.Update, name string, value *string) []kv.Update {
		if value == nil {
			return updates
		}
		if *value == "" {
			return append(updates, kv.Delete(name))
		}
		return append(updates, kv.Put(name, kv.S(*value)))
	}
	var updates []kv.Update
	updates = put(updates, "title", attrs.Title)
	updates = put(updates, "description", attrs.Description)
	updates = put(updates, "cover_photo_id", attrs.CoverPhotoID)
	updates = put(updates, "cover_episode_id", attrs.CoverEpisodeID)
	if len(updates) == 0 {
		return nil
	}
	_, err := s.kv.UpdateItem(ctx, s.table(viewpointT), kv.Key{Hash: kv.S(viewpointID)},
		updates, kv.Present("viewpoint_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("viewpoint %q", viewpointID)
	}
	return errors.Trace(err)
}

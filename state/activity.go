// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

type activityDoc struct {
	ViewpointID string
	ActivityID  string
	UserID      int64
	Name        string
	Timestamp   int64
	UpdateSeq   int64
	JSON        string
}

func newActivityDoc(item kv.Item) activityDoc {
	return activityDoc{
		ViewpointID: item.Str("viewpoint_id"),
		ActivityID:  item.Str("activity_id"),
		UserID:      item.Int("user_id"),
		Name:        item.Str("name"),
		Timestamp:   item.Int("timestamp"),
		UpdateSeq:   item.Int("update_seq"),
		JSON:        item.Str("json"),
	}
}

func (doc *activityDoc) toItem() kv.Item {
	item := kv.Item{
		"viewpoint_id": kv.S(doc.ViewpointID),
		"activity_id":  kv.S(doc.ActivityID),
		"user_id":      kv.N(doc.UserID),
		"name":         kv.S(doc.Name),
	}
	if doc.Timestamp != 0 {
		item["timestamp"] = kv.N(doc.Timestamp)
	}
	if doc.UpdateSeq != 0 {
		item["update_seq"] = kv.N(doc.UpdateSeq)
	}
	if doc.JSON != "" {
		item["json"] = kv.S(doc.JSON)
	}
	return item
}

// Activity is a timestamped structural event on a viewpoint: a share, a
// comment, a follower change. The activity feed is what clients render as
// conversation history, and what badge counts are charged against.
type Activity struct {
	st  *Store
	doc activityDoc
}

// ViewpointID returns the containing viewpoint's id.
func (a *Activity) ViewpointID() string {
	return a.doc.ViewpointID
}

// ID returns the activity's asset id. Activity ids embed their timestamp,
// so a range scan reads in chronological order.
func (a *Activity) ID() string {
	return a.doc.ActivityID
}

// UserID returns the acting user's id.
func (a *Activity) UserID() int64 {
	return a.doc.UserID
}

// Name returns the operation method that produced the activity.
func (a *Activity) Name() string {
	return a.doc.Name
}

// Timestamp returns the activity time.
func (a *Activity) Timestamp() int64 {
	return a.doc.Timestamp
}

// UpdateSeq returns the viewpoint update_seq assigned to this activity.
func (a *Activity) UpdateSeq() int64 {
	return a.doc.UpdateSeq
}

// Payload unmarshals the activity's method-specific arguments into v.
func (a *Activity) Payload(v interface{}) error {
	if a.doc.JSON == "" {
		return nil
	}
	return errors.Annotatef(json.Unmarshal([]byte(a.doc.JSON), v), "activity %q payload", a.doc.ActivityID)
}

// AddActivityArgs names the attributes of a new activity.
type AddActivityArgs struct {
	ViewpointID string
	ActivityID  string
	UserID      int64
	Name        string
	Timestamp   int64
	UpdateSeq   int64
	Payload     interface{}
}

// AddActivity creates an activity row, failing with AlreadyExists when the
// id is taken. Callers replaying a checkpointed operation treat
// AlreadyExists as success.
func (s *Store) AddActivity(ctx context.Context, args AddActivityArgs) (*Activity, error) {
	if args.ActivityID == "" {
		return nil, errors.NotValidf("empty activity id")
	}
	doc := activityDoc{
		ViewpointID: args.ViewpointID,
		ActivityID:  args.ActivityID,
		UserID:      args.UserID,
		Name:        args.Name,
		Timestamp:   args.Timestamp,
		UpdateSeq:   args.UpdateSeq,
	}
	if args.Payload != nil {
		blob, err := json.Marshal(args.Payload)
		if err != nil {
			return nil, errors.Annotatef(err, "activity %q payload", args.ActivityID)
		}
		doc.JSON = string(blob)
	}
	err := s.kv.PutItem(ctx, s.table(activityT), doc.toItem(), kv.Absent("activity_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.AlreadyExistsf("activity %q", args.ActivityID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Activity{st: s, doc: doc}, nil
}

// Activity loads an activity, failing with NotFound when absent.
func (s *Store) Activity(ctx context.Context, viewpointID, activityID string) (*Activity, error) {
	item, err := s.kv.GetItem(ctx, s.table(activityT),
		kv.Key{Hash: kv.S(viewpointID), Range: kv.S(activityID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("activity %q/%q", viewpointID, activityID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Activity{st: s, doc: newActivityDoc(item)}, nil
}

// ViewpointActivities pages through a viewpoint's activities in id order,
// oldest first. A zero startAfter starts from the beginning.
func (s *Store) ViewpointActivities(ctx context.Context, viewpointID string, limit int, startAfter kv.Value) ([]*Activity, kv.Value, error) {
	page, err := s.kv.Query(ctx, s.table(activityT), kv.Query{
		Hash:       kv.S(viewpointID),
		Limit:      limit,
		StartAfter: startAfter,
	})
	if err != nil {
		return nil, kv.Value{}, errors.Trace(err)
	}
	activities := make([]*Activity, 0, len(page.Items))
	for _, item := range page.Items {
		activities = append(activities, &Activity{st: s, doc: newActivityDoc(item)})
	}
	return activities, page.Last, nil
}

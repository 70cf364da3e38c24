// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/kv"
)

type notificationDoc struct {
	UserID         int64
	NotificationID int64
	Name           string
	OpID           string
	SenderID       int64
	SenderDeviceID int64
	Timestamp      int64
	Badge          int64
	Invalidate     string
	ViewpointID    string
	ActivityID     string
	UpdateSeq      int64
	ViewedSeq      int64
}

func newNotificationDoc(item kv.Item) notificationDoc {
	return notificationDoc{
		UserID:         item.Int("user_id"),
		NotificationID: item.Int("notification_id"),
		Name:           item.Str("name"),
		OpID:           item.Str("op_id"),
		SenderID:       item.Int("sender_id"),
		SenderDeviceID: item.Int("sender_device_id"),
		Timestamp:      item.Int("timestamp"),
		Badge:          item.Int("badge"),
		Invalidate:     item.Str("invalidate"),
		ViewpointID:    item.Str("viewpoint_id"),
		ActivityID:     item.Str("activity_id"),
		UpdateSeq:      item.Int("update_seq"),
		ViewedSeq:      item.Int("viewed_seq"),
	}
}

func (doc *notificationDoc) toItem() kv.Item {
	item := kv.Item{
		"user_id":         kv.N(doc.UserID),
		"notification_id": kv.N(doc.NotificationID),
		"name":            kv.S(doc.Name),
		"timestamp":       kv.N(doc.Timestamp),
		"sender_id":       kv.N(doc.SenderID),
	}
	if doc.OpID != "" {
		item["op_id"] = kv.S(doc.OpID)
	}
	if doc.SenderDeviceID != 0 {
		item["sender_device_id"] = kv.N(doc.SenderDeviceID)
	}
	if doc.Badge != 0 {
		item["badge"] = kv.N(doc.Badge)
	}
	if doc.Invalidate != "" {
		item["invalidate"] = kv.S(doc.Invalidate)
	}
	if doc.ViewpointID != "" {
		item["viewpoint_id"] = kv.S(doc.ViewpointID)
	}
	if doc.ActivityID != "" {
		item["activity_id"] = kv.S(doc.ActivityID)
	}
	if doc.UpdateSeq != 0 {
		item["update_seq"] = kv.N(doc.UpdateSeq)
	}
	if doc.ViewedSeq != 0 {
		item["viewed_seq"] = kv.N(doc.ViewedSeq)
	}
	return item
}

// Notification is one entry in a user's change feed. Clients long-poll the
// feed and use the embedded invalidations to refresh stale assets; the
// badge value mirrors what the device shows on the home screen.
type Notification struct {
	st  *Store
	doc notificationDoc
}

// UserID returns the notified user.
func (n *Notification) UserID() int64 {
	return n.doc.UserID
}

// ID returns the notification's sequence number. Ids are dense and
// ascending per user; a gap tells the client it missed nothing, a repeat
// tells it the feed was re-read.
func (n *Notification) ID() int64 {
	return n.doc.NotificationID
}

// Name returns the operation method that produced the notification.
func (n *Notification) Name() string {
	return n.doc.Name
}

// OpID returns the id of the operation that produced the notification.
func (n *Notification) OpID() string {
	return n.doc.OpID
}

// SenderID returns the acting user.
func (n *Notification) SenderID() int64 {
	return n.doc.SenderID
}

// SenderDeviceID returns the acting device, or zero for server-initiated
// work.
func (n *Notification) SenderDeviceID() int64 {
	return n.doc.SenderDeviceID
}

// Timestamp returns the notification time.
func (n *Notification) Timestamp() int64 {
	return n.doc.Timestamp
}

// Badge returns the app badge value as of this notification.
func (n *Notification) Badge() int64 {
	return n.doc.Badge
}

// ViewpointID returns the viewpoint the notification concerns, if any.
func (n *Notification) ViewpointID() string {
	return n.doc.ViewpointID
}

// ActivityID returns the activity the notification concerns, if any.
func (n *Notification) ActivityID() string {
	return n.doc.ActivityID
}

// UpdateSeq returns the viewpoint update_seq as of the notification.
func (n *Notification) UpdateSeq() int64 {
	return n.doc.UpdateSeq
}

// ViewedSeq returns the sender's viewed_seq, carried on self-notifications
// so the user's other devices can follow along.
func (n *Notification) ViewedSeq() int64 {
	return n.doc.ViewedSeq
}

// Invalidate returns the notification's invalidation set, or nil when the
// notification invalidates nothing.
func (n *Notification) Invalidate() (*invalidate.Invalidate, error) {
	if n.doc.Invalidate == "" {
		return nil, nil
	}
	var inv invalidate.Invalidate
	if err := json.Unmarshal([]byte(n.doc.Invalidate), &inv); err != nil {
		return nil, errors.Annotatef(err, "notification %d/%d invalidate", n.doc.UserID, n.doc.NotificationID)
	}
	return &inv, nil
}

// NotificationArgs names the attributes of a new notification.
type NotificationArgs struct {
	UserID         int64
	NotificationID int64
	Name           string
	OpID           string
	SenderID       int64
	SenderDeviceID int64
	Timestamp      int64
	Badge          int64
	Invalidate     *invalidate.Invalidate
	ViewpointID    string
	ActivityID     string
	UpdateSeq      int64
	ViewedSeq      int64
}

// InsertNotification writes a notification at the given id, failing with
// AlreadyExists when the id is taken. Id allocation is optimistic: the
// caller reads the current maximum, tries max+1, and re-reads on collision.
func (s *Store) InsertNotification(ctx context.Context, args NotificationArgs) (*Notification, error) {
	if args.NotificationID <= 0 {
		return nil, errors.NotValidf("notification id %d", args.NotificationID)
	}
	doc := notificationDoc{
		UserID:         args.UserID,
		NotificationID: args.NotificationID,
		Name:           args.Name,
		OpID:           args.OpID,
		SenderID:       args.SenderID,
		SenderDeviceID: args.SenderDeviceID,
		Timestamp:      args.Timestamp,
		Badge:          args.Badge,
		ViewpointID:    args.ViewpointID,
		ActivityID:     args.ActivityID,
		UpdateSeq:      args.UpdateSeq,
		ViewedSeq:      args.ViewedSeq,
	}
	if args.Invalidate != nil && !args.Invalidate.IsZero() {
		blob, err := json.Marshal(args.Invalidate)
		if err != nil {
			return nil, errors.Trace(err)
		}
		doc.Invalidate = string(blob)
	}
	err := s.kv.PutItem(ctx, s.table(notificationT), doc.toItem(), kv.Absent("notification_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.AlreadyExistsf("notification %d for user %d", args.NotificationID, args.UserID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Notification{st: s, doc: doc}, nil
}

// LastNotification returns the user's highest-numbered notification, or
// NotFound when the feed is empty.
func (s *Store) LastNotification(ctx context.Context, userID int64) (*Notification, error) {
	page, err := s.kv.Query(ctx, s.table(notificationT), kv.Query{
		Hash:       kv.N(userID),
		Limit:      1,
		Descending: true,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(page.Items) == 0 {
		return nil, errors.NotFoundf("notifications for user %d", userID)
	}
	return &Notification{st: s, doc: newNotificationDoc(page.Items[0])}, nil
}

// Notifications pages through a user's feed in id order, oldest first,
// starting strictly after startAfterID (zero to start from the beginning).
func (s *Store) Notifications(ctx context.Context, userID int64, startAfterID int64, limit int) ([]*Notification, error) {
	q := kv.Query{Hash: kv.N(userID), Limit: limit}
	if startAfterID > 0 {
		q.Range = kv.RangeGreater(kv.N(startAfterID))
	}
	page, err := s.kv.Query(ctx, s.table(notificationT), q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	notifications := make([]*Notification, 0, len(page.Items))
	for _, item := range page.Items {
		notifications = append(notifications, &Notification{st: s, doc: newNotificationDoc(item)})
	}
	return notifications, nil
}

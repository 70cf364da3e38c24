// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// Follower labels.
const (
	// FollowerAdmin may change viewpoint structure: followers, metadata.
	FollowerAdmin = "admin"

	// FollowerContribute may add content: episodes, photos, comments.
	FollowerContribute = "contribute"

	// FollowerPersonal marks the owner's follower row on their private
	// viewpoint.
	FollowerPersonal = "personal"

	// FollowerRemoved hides the viewpoint from the follower's inbox. A
	// removed follower can be revived by a later share.
	FollowerRemoved = "removed"

	// FollowerUnrevivable strengthens removed: the follower was taken
	// off the viewpoint by an admin and cannot be revived.
	FollowerUnrevivable = "unrevivable"
)

var followerLabels = set.NewStrings(
	FollowerAdmin, FollowerContribute, FollowerPersonal,
	FollowerRemoved, FollowerUnrevivable,
)

// ValidateFollowerLabels rejects unknown labels and malformed label
// algebra. A live follower must hold at least one role label; only
// removed followers may carry none.
func ValidateFollowerLabels(labels []string) error {
	ls := set.NewStrings(labels...)
	if unknown := ls.Difference(followerLabels); !unknown.IsEmpty() {
		return errors.NotValidf("follower labels %v", unknown.SortedValues())
	}
	if ls.Contains(FollowerUnrevivable) && !ls.Contains(FollowerRemoved) {
		return errors.NotValidf("unrevivable follower without removed label")
	}
	if !ls.Contains(FollowerRemoved) &&
		!ls.Contains(FollowerAdmin) && !ls.Contains(FollowerContribute) && !ls.Contains(FollowerPersonal) {
		return errors.NotValidf("follower without a role label")
	}
	return nil
}

type followerDoc struct {
	UserID       int64
	ViewpointID  string
	Labels       []string
	ViewedSeq    int64
	AddingUserID int64
	Timestamp    int64
}

func newFollowerDoc(item kv.Item) followerDoc {
	return followerDoc{
		UserID:       item.Int("user_id"),
		ViewpointID:  item.Str("viewpoint_id"),
		Labels:       item.StringSet("labels"),
		ViewedSeq:    item.Int("viewed_seq"),
		AddingUserID: item.Int("adding_user_id"),
		Timestamp:    item.Int("timestamp"),
	}
}

func (doc *followerDoc) toItem() kv.Item {
	item := kv.Item{
		"user_id":      kv.N(doc.UserID),
		"viewpoint_id": kv.S(doc.ViewpointID),
	}
	if len(doc.Labels) > 0 {
		item["labels"] = kv.SS(doc.Labels...)
	}
	if doc.ViewedSeq != 0 {
		item["viewed_seq"] = kv.N(doc.ViewedSeq)
	}
	if doc.AddingUserID != 0 {
		item["adding_user_id"] = kv.N(doc.AddingUserID)
	}
	if doc.Timestamp != 0 {
		item["timestamp"] = kv.N(doc.Timestamp)
	}
	return item
}

// Follower is a user's membership in a viewpoint, carrying their role
// labels and read position.
type Follower struct {
	st  *Store
	doc followerDoc
}

// UserID returns the following user's id.
func (f *Follower) UserID() int64 {
	return f.doc.UserID
}

// ViewpointID returns the followed viewpoint's id.
func (f *Follower) ViewpointID() string {
	return f.doc.ViewpointID
}

// Labels returns the follower's labels, sorted.
func (f *Follower) Labels() []string {
	return set.NewStrings(f.doc.Labels...).SortedValues()
}

// HasLabel reports whether the follower carries the given label.
func (f *Follower) HasLabel(label string) bool {
	for _, l := range f.doc.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsRemoved reports whether the follower has removed the viewpoint.
func (f *Follower) IsRemoved() bool {
	return f.HasLabel(FollowerRemoved)
}

// IsUnrevivable reports whether the follower was removed by an admin.
func (f *Follower) IsUnrevivable() bool {
	return f.HasLabel(FollowerUnrevivable)
}

// IsAdmin reports whether the follower may change viewpoint structure.
func (f *Follower) IsAdmin() bool {
	return !f.IsRemoved() && f.HasLabel(FollowerAdmin)
}

// CanContribute reports whether the follower may add content.
func (f *Follower) CanContribute() bool {
	return !f.IsRemoved() && (f.HasLabel(FollowerContribute) || f.HasLabel(FollowerAdmin))
}

// ViewedSeq returns the follower's read position. It never exceeds the
// viewpoint's update_seq.
func (f *Follower) ViewedSeq() int64 {
	return f.doc.ViewedSeq
}

// AddFollowerArgs names the attributes of a new follower row.
type AddFollowerArgs struct {
	UserID       int64
	ViewpointID  string
	Labels       []string
	AddingUserID int64
	Timestamp    int64
}

// AddFollower writes a follower row and its reverse-index row. The write
// is a plain put so that checkpointed replays converge on the same row.
func (s *Store) AddFollower(ctx context.Context, args AddFollowerArgs) (*Follower, error) {
	if err := ValidateFollowerLabels(args.Labels); err != nil {
		return nil, errors.Trace(err)
	}
	doc := followerDoc{
		UserID:       args.UserID,
		ViewpointID:  args.ViewpointID,
		Labels:       args.Labels,
		AddingUserID: args.AddingUserID,
		Timestamp:    args.Timestamp,
	}
	if err := s.kv.PutItem(ctx, s.table(followerT), doc.toItem()); err != nil {
		return nil, errors.Trace(err)
	}
	err := s.kv.PutItem(ctx, s.table(viewpointFollowerT), kv.Item{
		"viewpoint_id": kv.S(args.ViewpointID),
		"user_id":      kv.N(args.UserID),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Follower{st: s, doc: doc}, nil
}

// Follower loads a follower row, failing with NotFound when absent.
func (s *Store) Follower(ctx context.Context, userID int64, viewpointID string) (*Follower, error) {
	item, err := s.kv.GetItem(ctx, s.table(followerT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(viewpointID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("follower %d/%q", userID, viewpointID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Follower{st: s, doc: newFollowerDoc(item)}, nil
}

// ViewpointFollowerIDs returns the user ids of every follower row on the
// viewpoint, including removed followers.
func (s *Store) ViewpointFollowerIDs(ctx context.Context, viewpointID string) ([]int64, error) {
	var ids []int64
	q := kv.Query{Hash: kv.S(viewpointID)}
	for {
		page, err := s.kv.Query(ctx, s.table(viewpointFollowerT), q)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, item := range page.Items {
			ids = append(ids, item.Int("user_id"))
		}
		if page.Last.IsZero() {
			return ids, nil
		}
		q.StartAfter = page.Last
	}
}

// UserViewpointIDs returns the viewpoint ids the user follows, including
// removed ones.
func (s *Store) UserViewpointIDs(ctx context.Context, userID int64) ([]string, error) {
	var ids []string
	q := kv.Query{Hash: kv.N(userID)}
	for {
		page, err := s.kv.Query(ctx, s.table(followerT), q)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, item := range page.Items {
			ids = append(ids, item.Str("viewpoint_id"))
		}
		if page.Last.IsZero() {
			return ids, nil
		}
		q.StartAfter = page.Last
	}
}

// SetLabels replaces the follower's labels, enforcing the label algebra:
// an unrevivable follower stays removed and unrevivable, and reviving a
// removed follower is only possible while unrevivable is absent.
func (f *Follower) SetLabels(ctx context.Context, labels []string) error {
	if err := ValidateFollowerLabels(labels); err != nil {
		return errors.Trace(err)
	}
	old := set.NewStrings(f.doc.Labels...)
	next := set.NewStrings(labels...)
	if old.Contains(FollowerUnrevivable) &&
		!(next.Contains(FollowerRemoved) && next.Contains(FollowerUnrevivable)) {
		return errors.NotValidf("reviving unrevivable follower %d/%q", f.doc.UserID, f.doc.ViewpointID)
	}
	sorted := next.SortedValues()
	_, err := f.st.kv.UpdateItem(ctx, f.st.table(followerT),
		kv.Key{Hash: kv.N(f.doc.UserID), Range: kv.S(f.doc.ViewpointID)},
		[]kv.Update{kv.Put("labels", kv.SS(sorted...))},
		kv.Present("viewpoint_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("follower %d/%q", f.doc.UserID, f.doc.ViewpointID)
	} else if err != nil {
		return errors.Trace(err)
	}
	f.doc.Labels = sorted
	return nil
}

// Remove marks the follower removed. When unrevivable is set the removal
// is permanent: no later share can bring the viewpoint back for them.
func (f *Follower) Remove(ctx context.Context, unrevivable bool) error {
	next := set.NewStrings(f.doc.Labels...)
	next.Add(FollowerRemoved)
	if unrevivable {
		next.Add(FollowerUnrevivable)
	}
	return errors.Trace(f.SetLabels(ctx, next.Values()))
}

// Revive clears the removed label after a fresh share. Fails for
// unrevivable followers.
func (f *Follower) Revive(ctx context.Context) error {
	if f.IsUnrevivable() {
		return errors.NotValidf("reviving unrevivable follower %d/%q", f.doc.UserID, f.doc.ViewpointID)
	}
	next := set.NewStrings(f.doc.Labels...)
	next.Remove(FollowerRemoved)
	if next.IsEmpty() {
		next.Add(FollowerContribute)
	}
	return errors.Trace(f.SetLabels(ctx, next.Values()))
}

// AdvanceViewedSeq moves the follower's read position forward. The value
// is clamped to maxSeq (the viewpoint's update_seq) and never moves
// backwards; the returned value is the position actually stored.
func (f *Follower) AdvanceViewedSeq(ctx context.Context, viewedSeq, maxSeq int64) (int64, error) {
	if viewedSeq > maxSeq {
		viewedSeq = maxSeq
	}
	if viewedSeq <= f.doc.ViewedSeq {
		return f.doc.ViewedSeq, nil
	}
	_, err := f.st.kv.UpdateItem(ctx, f.st.table(followerT),
		kv.Key{Hash: kv.N(f.doc.UserID), Range: kv.S(f.doc.ViewpointID)},
		[]kv.Update{kv.Put("viewed_seq", kv.N(viewedSeq))},
		kv.Present("viewpoint_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return 0, errors.NotFoundf("follower %d/%q", f.doc.UserID, f.doc.ViewpointID)
	} else if err != nil {
		return 0, errors.Trace(err)
	}
	f.doc.ViewedSeq = viewedSeq
	return viewedSeq, nil
}

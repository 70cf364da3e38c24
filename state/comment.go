// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

type commentDoc struct {
	ViewpointID string
	CommentID   string
	UserID      int64
	AssetID     string
	Timestamp   int64
	Message     string
}

func newCommentDoc(item kv.Item) commentDoc {
	return commentDoc{
		ViewpointID: item.Str("viewpoint_id"),
		CommentID:   item.Str("comment_id"),
		UserID:      item.Int("user_id"),
		AssetID:     item.Str("asset_id"),
		Timestamp:   item.Int("timestamp"),
		Message:     item.Str("message"),
	}
}

func (doc *commentDoc) toItem() kv.Item {
	item := kv.Item{
		"viewpoint_id": kv.S(doc.ViewpointID),
		"comment_id":   kv.S(doc.CommentID),
		"user_id":      kv.N(doc.UserID),
	}
	if doc.AssetID != "" {
		item["asset_id"] = kv.S(doc.AssetID)
	}
	if doc.Timestamp != 0 {
		item["timestamp"] = kv.N(doc.Timestamp)
	}
	if doc.Message != "" {
		item["message"] = kv.S(doc.Message)
	}
	return item
}

// Comment is a message posted to a viewpoint, optionally anchored to
// another asset (typically a photo).
type Comment struct {
	st  *Store
	doc commentDoc
}

// ViewpointID returns the containing viewpoint's id.
func (c *Comment) ViewpointID() string {
	return c.doc.ViewpointID
}

// ID returns the comment's asset id. Comment ids embed their timestamp,
// so a range scan of the comment table reads in chronological order.
func (c *Comment) ID() string {
	return c.doc.CommentID
}

// UserID returns the comment author's id.
func (c *Comment) UserID() int64 {
	return c.doc.UserID
}

// AssetID returns the asset the comment is anchored to, or empty.
func (c *Comment) AssetID() string {
	return c.doc.AssetID
}

// Timestamp returns the comment's post time.
func (c *Comment) Timestamp() int64 {
	return c.doc.Timestamp
}

// Message returns the comment text.
func (c *Comment) Message() string {
	return c.doc.Message
}

// AddCommentArgs names the attributes of a new comment.
type AddCommentArgs struct {
	ViewpointID string
	CommentID   string
	UserID      int64
	AssetID     string
	Timestamp   int64
	Message     string
}

// AddComment creates a comment row, failing with AlreadyExists when the
// id is taken. Callers replaying a checkpointed creation treat
// AlreadyExists as success.
func (s *Store) AddComment(ctx context.Context, args AddCommentArgs) (*Comment, error) {
	if args.CommentID == "" {
		return nil, errors.NotValidf("empty comment id")
	}
	doc := commentDoc(args)
	err := s.kv.PutItem(ctx, s.table(commentT), doc.toItem(), kv.Absent("comment_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.AlreadyExistsf("comment %q", args.CommentID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Comment{st: s, doc: doc}, nil
}

// Comment loads a comment, failing with NotFound when absent.
func (s *Store) Comment(ctx context.Context, viewpointID, commentID string) (*Comment, error) {
	item, err := s.kv.GetItem(ctx, s.table(commentT),
		kv.Key{Hash: kv.S(viewpointID), Range: kv.S(commentID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("comment %q/%q", viewpointID, commentID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Comment{st: s, doc: newCommentDoc(item)}, nil
}

// ViewpointComments pages through a viewpoint's comments in id order,
// oldest first. A zero startAfter starts from the beginning.
func (s *Store) ViewpointComments(ctx context.Context, viewpointID string, limit int, startAfter kv.Value) ([]*Comment, kv.Value, error) {
	page, err := s.kv.Query(ctx, s.table(commentT), kv.Query{
		Hash:       kv.S(viewpointID),
		Limit:      limit,
		StartAfter: startAfter,
	})
	if err != nil {
		return nil, kv.Value{}, errors.Trace(err)
	}
	comments := make([]*Comment, 0, len(page.Items))
	for _, item := range page.Items {
		comments = append(comments, &Comment{st: s, doc: newCommentDoc(item)})
	}
	return comments, page.Last, nil
}

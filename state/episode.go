// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

type episodeDoc struct {
	EpisodeID        string
	UserID           int64
	ViewpointID      string
	ParentEpisodeID  string
	Timestamp        int64
	PublishTimestamp int64
	Title            string
}

func newEpisodeDoc(item kv.Item) episodeDoc {
	return episodeDoc{
		EpisodeID:        item.Str("episode_id"),
		UserID:           item.Int("user_id"),
		ViewpointID:      item.Str("viewpoint_id"),
		ParentEpisodeID:  item.Str("parent_ep_id"),
		Timestamp:        item.Int("timestamp"),
		PublishTimestamp: item.Int("publish_timestamp"),
		Title:            item.Str("title"),
	}
}

func (doc *episodeDoc) toItem() kv.Item {
	item := kv.Item{
		"episode_id": kv.S(doc.EpisodeID),
		"user_id":    kv.N(doc.UserID),
	}
	if doc.ViewpointID != "" {
		item["viewpoint_id"] = kv.S(doc.ViewpointID)
	}
	if doc.ParentEpisodeID != "" {
		item["parent_ep_id"] = kv.S(doc.ParentEpisodeID)
	}
	if doc.Timestamp != 0 {
		item["timestamp"] = kv.N(doc.Timestamp)
	}
	if doc.PublishTimestamp != 0 {
		item["publish_timestamp"] = kv.N(doc.PublishTimestamp)
	}
	if doc.Title != "" {
		item["title"] = kv.S(doc.Title)
	}
	return item
}

// Episode is a chronological group of photos posted into a viewpoint.
// Episodes created by sharing carry the source episode in parent_ep_id.
type Episode struct {
	st  *Store
	doc episodeDoc
}

// ID returns the episode's asset id.
func (e *Episode) ID() string {
	return e.doc.EpisodeID
}

// UserID returns the id of the user who posted the episode.
func (e *Episode) UserID() int64 {
	return e.doc.UserID
}

// ViewpointID returns the viewpoint the episode was posted into.
func (e *Episode) ViewpointID() string {
	return e.doc.ViewpointID
}

// ParentEpisodeID returns the source episode this one was shared from, or
// empty for an original upload.
func (e *Episode) ParentEpisodeID() string {
	return e.doc.ParentEpisodeID
}

// Timestamp returns the episode's content time.
func (e *Episode) Timestamp() int64 {
	return e.doc.Timestamp
}

// Title returns the episode title.
func (e *Episode) Title() string {
	return e.doc.Title
}

// AddEpisodeArgs names the attributes of a new episode.
type AddEpisodeArgs struct {
	EpisodeID        string
	UserID           int64
	ViewpointID      string
	ParentEpisodeID  string
	Timestamp        int64
	PublishTimestamp int64
	Title            string
}

// AddEpisode creates an episode row and its reverse-index row, failing
// with AlreadyExists when the id is taken. Callers replaying a
// checkpointed creation treat AlreadyExists as success.
func (s *Store) AddEpisode(ctx context.Context, args AddEpisodeArgs) (*Episode, error) {
	if args.EpisodeID == "" {
		return nil, errors.NotValidf("empty episode id")
	}
	doc := episodeDoc{
		EpisodeID:        args.EpisodeID,
		UserID:           args.UserID,
		ViewpointID:      args.ViewpointID,
		ParentEpisodeID:  args.ParentEpisodeID,
		Timestamp:        args.Timestamp,
		PublishTimestamp: args.PublishTimestamp,
		Title:            args.Title,
	}
	// The index row goes first so an episode is never visible without
	// it. Readers skip dangling index entries left by a crashed attempt.
	if args.ViewpointID != "" {
		err := s.kv.PutItem(ctx, s.table(viewpointEpisodeT), kv.Item{
			"viewpoint_id": kv.S(args.ViewpointID),
			"episode_id":   kv.S(args.EpisodeID),
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	err := s.kv.PutItem(ctx, s.table(episodeT), doc.toItem(), kv.Absent("episode_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.AlreadyExistsf("episode %q", args.EpisodeID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Episode{st: s, doc: doc}, nil
}

// Episode loads an episode, failing with NotFound when absent.
func (s *Store) Episode(ctx context.Context, episodeID string) (*Episode, error) {
	item, err := s.kv.GetItem(ctx, s.table(episodeT), kv.Key{Hash: kv.S(episodeID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("episode %q", episodeID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Episode{st: s, doc: newEpisodeDoc(item)}, nil
}

// ViewpointEpisodeIDs returns the ids of every episode posted into the
// viewpoint, in episode id order.
func (s *Store) ViewpointEpisodeIDs(ctx context.Context, viewpointID string) ([]string, error) {
	var ids []string
	q := kv.Query{Hash: kv.S(viewpointID)}
	for {
		page, err := s.kv.Query(ctx, s.table(viewpointEpisodeT), q)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, item := range page.Items {
			ids = append(ids, item.Str("episode_id"))
		}
		if page.Last.IsZero() {
			return ids, nil
		}
		q.StartAfter = page.Last
	}
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// Post labels.
const (
	// PostRemoved hides the post from its episode.
	PostRemoved = "removed"

	// PostUnshared marks a post withdrawn by its sharer. Unshared posts
	// are always also removed.
	PostUnshared = "unshared"

	// PostHidden hides the post from the owner's library views without
	// removing it from the episode.
	PostHidden = "hidden"
)

type postDoc struct {
	EpisodeID string
	PhotoID   string
	Labels    []string
}

func newPostDoc(item kv.Item) postDoc {
	return postDoc{
		EpisodeID: item.Str("episode_id"),
		PhotoID:   item.Str("photo_id"),
		Labels:    item.StringSet("labels"),
	}
}

// Post is the membership of a photo in an episode.
type Post struct {
	st  *Store
	doc postDoc
}

// EpisodeID returns the containing episode's id.
func (p *Post) EpisodeID() string {
	return p.doc.EpisodeID
}

// PhotoID returns the posted photo's id.
func (p *Post) PhotoID() string {
	return p.doc.PhotoID
}

// Labels returns the post's labels, sorted.
func (p *Post) Labels() []string {
	return set.NewStrings(p.doc.Labels...).SortedValues()
}

// HasLabel reports whether the post carries the given label.
func (p *Post) HasLabel(label string) bool {
	for _, l := range p.doc.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsRemoved reports whether the post is hidden from its episode.
func (p *Post) IsRemoved() bool {
	return p.HasLabel(PostRemoved)
}

// IsUnshared reports whether the post was withdrawn by its sharer.
func (p *Post) IsUnshared() bool {
	return p.HasLabel(PostUnshared)
}

// AddPost writes a post row linking the photo into the episode. Posts are
// created without labels; re-adding an existing post revives it by
// clearing removed (but never unshared, which is permanent).
func (s *Store) AddPost(ctx context.Context, episodeID, photoID string) (*Post, error) {
	existing, err := s.Post(ctx, episodeID, photoID)
	if err == nil {
		if existing.IsUnshared() {
			return nil, errors.Forbiddenf("post %q/%q is unshared", episodeID, photoID)
		}
		if existing.IsRemoved() {
			next := set.NewStrings(existing.doc.Labels...)
			next.Remove(PostRemoved)
			if err := existing.setLabels(ctx, next); err != nil {
				return nil, errors.Trace(err)
			}
		}
		return existing, nil
	} else if !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}
	err = s.kv.PutItem(ctx, s.table(postT), kv.Item{
		"episode_id": kv.S(episodeID),
		"photo_id":   kv.S(photoID),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Post{st: s, doc: postDoc{EpisodeID: episodeID, PhotoID: photoID}}, nil
}

// Post loads a post row, failing with NotFound when absent.
func (s *Store) Post(ctx context.Context, episodeID, photoID string) (*Post, error) {
	item, err := s.kv.GetItem(ctx, s.table(postT),
		kv.Key{Hash: kv.S(episodeID), Range: kv.S(photoID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("post %q/%q", episodeID, photoID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Post{st: s, doc: newPostDoc(item)}, nil
}

// EpisodePosts returns every post in the episode in photo id order,
// including removed posts.
func (s *Store) EpisodePosts(ctx context.Context, episodeID string) ([]*Post, error) {
	var posts []*Post
	q := kv.Query{Hash: kv.S(episodeID)}
	for {
		page, err := s.kv.Query(ctx, s.table(postT), q)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, item := range page.Items {
			posts = append(posts, &Post{st: s, doc: newPostDoc(item)})
		}
		if page.Last.IsZero() {
			return posts, nil
		}
		q.StartAfter = page.Last
	}
}

// setLabels replaces the post's labels in place.
func (p *Post) setLabels(ctx context.Context, labels set.Strings) error {
	sorted := labels.SortedValues()
	var updates []kv.Update
	if len(sorted) == 0 {
		updates = []kv.Update{kv.Delete("labels")}
	} else {
		updates = []kv.Update{kv.Put("labels", kv.SS(sorted...))}
	}
	_, err := p.st.kv.UpdateItem(ctx, p.st.table(postT),
		kv.Key{Hash: kv.S(p.doc.EpisodeID), Range: kv.S(p.doc.PhotoID)},
		updates, kv.Present("episode_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("post %q/%q", p.doc.EpisodeID, p.doc.PhotoID)
	} else if err != nil {
		return errors.Trace(err)
	}
	p.doc.Labels = sorted
	return nil
}

// Remove hides the post from its episode. Removal is reversible: a later
// share of the same photo into the episode revives it.
func (p *Post) Remove(ctx context.Context) error {
	next := set.NewStrings(p.doc.Labels...)
	next.Add(PostRemoved)
	return errors.Trace(p.setLabels(ctx, next))
}

// Unshare withdraws the post permanently. Unshared implies removed.
func (p *Post) Unshare(ctx context.Context) error {
	next := set.NewStrings(p.doc.Labels...)
	next.Add(PostUnshared)
	next.Add(PostRemoved)
	return errors.Trace(p.setLabels(ctx, next))
}

// Hide marks the post hidden from the owner's library views.
func (p *Post) Hide(ctx context.Context) error {
	next := set.NewStrings(p.doc.Labels...)
	next.Add(PostHidden)
	return errors.Trace(p.setLabels(ctx, next))
}

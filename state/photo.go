// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

type photoDoc struct {
	PhotoID     string
	UserID      int64
	EpisodeID   string
	Timestamp   int64
	AspectRatio float64
	ContentType string
	TnSize      int64
	MedSize     int64
	FullSize    int64
	OrigSize    int64
	TnMD5       string
	MedMD5      string
	FullMD5     string
	OrigMD5     string
}

func newPhotoDoc(item kv.Item) photoDoc {
	return photoDoc{
		PhotoID:     item.Str("photo_id"),
		UserID:      item.Int("user_id"),
		EpisodeID:   item.Str("episode_id"),
		Timestamp:   item.Int("timestamp"),
		AspectRatio: item.Float("aspect_ratio"),
		ContentType: item.Str("content_type"),
		TnSize:      item.Int("tn_size"),
		MedSize:     item.Int("med_size"),
		FullSize:    item.Int("full_size"),
		OrigSize:    item.Int("orig_size"),
		TnMD5:       item.Str("tn_md5"),
		MedMD5:      item.Str("med_md5"),
		FullMD5:     item.Str("full_md5"),
		OrigMD5:     item.Str("orig_md5"),
	}
}

func (doc *photoDoc) toItem() kv.Item {
	item := kv.Item{
		"photo_id": kv.S(doc.PhotoID),
		"user_id":  kv.N(doc.UserID),
	}
	if doc.EpisodeID != "" {
		item["episode_id"] = kv.S(doc.EpisodeID)
	}
	if doc.Timestamp != 0 {
		item["timestamp"] = kv.N(doc.Timestamp)
	}
	if doc.AspectRatio != 0 {
		item["aspect_ratio"] = kv.NFloat(doc.AspectRatio)
	}
	if doc.ContentType != "" {
		item["content_type"] = kv.S(doc.ContentType)
	}
	if doc.TnSize != 0 {
		item["tn_size"] = kv.N(doc.TnSize)
	}
	if doc.MedSize != 0 {
		item["med_size"] = kv.N(doc.MedSize)
	}
	if doc.FullSize != 0 {
		item["full_size"] = kv.N(doc.FullSize)
	}
	if doc.OrigSize != 0 {
		item["orig_size"] = kv.N(doc.OrigSize)
	}
	if doc.TnMD5 != "" {
		item["tn_md5"] = kv.S(doc.TnMD5)
	}
	if doc.MedMD5 != "" {
		item["med_md5"] = kv.S(doc.MedMD5)
	}
	if doc.FullMD5 != "" {
		item["full_md5"] = kv.S(doc.FullMD5)
	}
	if doc.OrigMD5 != "" {
		item["orig_md5"] = kv.S(doc.OrigMD5)
	}
	return item
}

// Photo is the metadata of one image asset. The image bytes themselves
// live in object storage under keys derived from the photo id; this row
// carries sizes and digests for the four renditions (tn, med, full, orig).
type Photo struct {
	st  *Store
	doc photoDoc
}

// ID returns the photo's asset id.
func (p *Photo) ID() string {
	return p.doc.PhotoID
}

// UserID returns the owning user's id.
func (p *Photo) UserID() int64 {
	return p.doc.UserID
}

// EpisodeID returns the episode the photo was first uploaded into.
func (p *Photo) EpisodeID() string {
	return p.doc.EpisodeID
}

// Timestamp returns the photo's capture time.
func (p *Photo) Timestamp() int64 {
	return p.doc.Timestamp
}

// AspectRatio returns width divided by height.
func (p *Photo) AspectRatio() float64 {
	return p.doc.AspectRatio
}

// ContentType returns the photo's MIME type.
func (p *Photo) ContentType() string {
	return p.doc.ContentType
}

// TotalSize returns the summed byte size of all renditions. Accounting
// charges this figure per photo.
func (p *Photo) TotalSize() int64 {
	return p.doc.TnSize + p.doc.MedSize + p.doc.FullSize + p.doc.OrigSize
}

// MD5 returns the digest of the named rendition, empty if unset.
func (p *Photo) MD5(rendition string) string {
	switch rendition {
	case "tn":
		return p.doc.TnMD5
	case "med":
		return p.doc.MedMD5
	case "full":
		return p.doc.FullMD5
	case "orig":
		return p.doc.OrigMD5
	}
	return ""
}

// Size returns the byte size of the named rendition, zero if unset.
func (p *Photo) Size(rendition string) int64 {
	switch rendition {
	case "tn":
		return p.doc.TnSize
	case "med":
		return p.doc.MedSize
	case "full":
		return p.doc.FullSize
	case "orig":
		return p.doc.OrigSize
	}
	return 0
}

// AddPhotoArgs names the attributes of a new photo.
type AddPhotoArgs struct {
	PhotoID     string
	UserID      int64
	EpisodeID   string
	Timestamp   int64
	AspectRatio float64
	ContentType string
	TnSize      int64
	MedSize     int64
	FullSize    int64
	OrigSize    int64
	TnMD5       string
	MedMD5      string
	FullMD5     string
	OrigMD5     string
}

// AddPhoto creates a photo row, failing with AlreadyExists when the id is
// taken. Callers replaying a checkpointed creation treat AlreadyExists as
// success.
func (s *Store) AddPhoto(ctx context.Context, args AddPhotoArgs) (*Photo, error) {
	if args.PhotoID == "" {
		return nil, errors.NotValidf("empty photo id")
	}
	doc := photoDoc(args)
	err := s.kv.PutItem(ctx, s.table(photoT), doc.toItem(), kv.Absent("photo_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.AlreadyExistsf("photo %q", args.PhotoID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Photo{st: s, doc: doc}, nil
}

// Photo loads a photo, failing with NotFound when absent.
func (s *Store) Photo(ctx context.Context, photoID string) (*Photo, error) {
	item, err := s.kv.GetItem(ctx, s.table(photoT), kv.Key{Hash: kv.S(photoID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("photo %q", photoID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Photo{st: s, doc: newPhotoDoc(item)}, nil
}

// Photos loads several photos at once, preserving order. Missing ids
// produce nil entries.
func (s *Store) Photos(ctx context.Context, photoIDs []string) ([]*Photo, error) {
	keys := make([]kv.Key, len(photoIDs))
	for i, id := range photoIDs {
		keys[i] = kv.Key{Hash: kv.S(id)}
	}
	items, err := s.kv.BatchGetItem(ctx, s.table(photoT), keys)
	if err != nil {
		return nil, errors.Trace(err)
	}
	photos := make([]*Photo, len(items))
	for i, item := range items {
		if item != nil {
			photos[i] = &Photo{st: s, doc: newPhotoDoc(item)}
		}
	}
	return photos, nil
}

// UpdatePhotoAttrs names the photo attributes an update may change. Nil
// fields are left alone.
type UpdatePhotoAttrs struct {
	Timestamp   *int64
	AspectRatio *float64
	TnMD5       *string
	MedMD5      *string
	FullMD5     *string
	OrigMD5     *string
}

// IsZero reports whether the update changes nothing.
func (a UpdatePhotoAttrs) IsZero() bool {
	return a.Timestamp == nil && a.AspectRatio == nil &&
		a.TnMD5 == nil && a.MedMD5 == nil && a.FullMD5 == nil && a.OrigMD5 == nil
}

// UpdatePhoto applies the given attribute changes to the photo row.
func (s *Store) UpdatePhoto(ctx context.Context, photoID string, attrs UpdatePhotoAttrs) error {
	var updates []kv.Update
	if attrs.Timestamp != nil {
		updates = append(updates, kv.Put("timestamp", kv.N(*attrs.Timestamp)))
	}
	if attrs.AspectRatio != nil {
		updates = append(updates, kv.Put("aspect_ratio", kv.NFloat(*attrs.AspectRatio)))
	}
	for _, md5 := range []struct {
		attr  string
		value *string
	}{
		{"tn_md5", attrs.TnMD5},
		{"med_md5", attrs.MedMD5},
		{"full_md5", attrs.FullMD5},
		{"orig_md5", attrs.OrigMD5},
	} {
		if md5.value != nil {
			updates = append(updates, kv.Put(md5.attr, kv.S(*md5.value)))
		}
	}
	if len(updates) == 0 {
		return nil
	}
	_, err := s.kv.UpdateItem(ctx, s.table(photoT), kv.Key{Hash: kv.S(photoID)},
		updates, kv.Present("photo_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("photo %q", photoID)
	} else if err != nil {
		return errors.Trace(err)
	}
	return nil
}

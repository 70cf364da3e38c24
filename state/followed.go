// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/core/assetid"
	"github.com/viewfinderco/viewfinder-sub004/core/base64hex"
	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// followedKeyPrefix versions the followed sort key format.
const followedKeyPrefix = "ft"

// followedBucket truncates a timestamp to its UTC day so that viewpoints
// updated on the same day keep a stable inbox position instead of
// reshuffling on every write.
func followedBucket(timestamp int64) int64 {
	const day = 24 * 60 * 60
	return timestamp - timestamp%day
}

// FollowedSortKey builds the range key of a followed row. The day bucket
// is complemented against the maximum encodable timestamp so that an
// ascending range scan returns the most recently updated viewpoints
// first.
func FollowedSortKey(timestamp int64, viewpointID string) string {
	var buf [5]byte
	reversed := uint64(assetid.MaxTimestamp - followedBucket(timestamp))
	buf[0] = byte(reversed >> 32)
	binary.BigEndian.PutUint32(buf[1:], uint32(reversed))
	return followedKeyPrefix + ":" + base64hex.EncodeStripped(buf[:]) + ":" + viewpointID
}

// viewpointIDFromSortKey recovers the viewpoint id embedded in a followed
// sort key.
func viewpointIDFromSortKey(sortKey string) (string, error) {
	parts := strings.SplitN(sortKey, ":", 3)
	if len(parts) != 3 || parts[0] != followedKeyPrefix {
		return "", errors.NotValidf("followed sort key %q", sortKey)
	}
	return parts[2], nil
}

// Followed is one entry in a user's inbox ordering.
type Followed struct {
	UserID      int64
	ViewpointID string
	SortKey     string
}

// PutFollowed writes the inbox row placing the viewpoint in the day
// bucket of timestamp. Re-putting the same bucket is a no-op overwrite,
// which keeps replays cheap.
func (s *Store) PutFollowed(ctx context.Context, userID int64, viewpointID string, timestamp int64) error {
	item := kv.Item{
		"user_id":      kv.N(userID),
		"sort_key":     kv.S(FollowedSortKey(timestamp, viewpointID)),
		"viewpoint_id": kv.S(viewpointID),
	}
	return errors.Trace(s.kv.PutItem(ctx, s.table(followedT), item))
}

// RebucketFollowed moves the viewpoint's inbox row from the day bucket of
// oldTimestamp to that of newTimestamp. When both fall in the same bucket
// the row is refreshed in place and nothing is deleted.
func (s *Store) RebucketFollowed(ctx context.Context, userID int64, viewpointID string, oldTimestamp, newTimestamp int64) error {
	oldKey := FollowedSortKey(oldTimestamp, viewpointID)
	newKey := FollowedSortKey(newTimestamp, viewpointID)
	if err := s.PutFollowed(ctx, userID, viewpointID, newTimestamp); err != nil {
		return errors.Trace(err)
	}
	if oldKey == newKey {
		return nil
	}
	err := s.kv.DeleteItem(ctx, s.table(followedT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(oldKey)})
	return errors.Trace(err)
}

// RemoveFollowed deletes the inbox row for the day bucket of timestamp.
func (s *Store) RemoveFollowed(ctx context.Context, userID int64, viewpointID string, timestamp int64) error {
	err := s.kv.DeleteItem(ctx, s.table(followedT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(FollowedSortKey(timestamp, viewpointID))})
	return errors.Trace(err)
}

// ListFollowed pages through the user's inbox, most recently updated
// viewpoints first. A zero startAfter starts from the newest bucket; the
// returned last key is zero once the listing is exhausted.
func (s *Store) ListFollowed(ctx context.Context, userID int64, limit int, startAfter kv.Value) ([]Followed, kv.Value, error) {
	page, err := s.kv.Query(ctx, s.table(followedT), kv.Query{
		Hash:       kv.N(userID),
		Range:      kv.BeginsWith(followedKeyPrefix + ":"),
		Limit:      limit,
		StartAfter: startAfter,
	})
	if err != nil {
		return nil, kv.Value{}, errors.Trace(err)
	}
	result := make([]Followed, 0, len(page.Items))
	for _, item := range page.Items {
		sortKey := item.Str("sort_key")
		vpID, err := viewpointIDFromSortKey(sortKey)
		if err != nil {
			return nil, kv.Value{}, errors.Trace(err)
		}
		result = append(result, Followed{
			UserID:      userID,
			ViewpointID: vpID,
			SortKey:     sortKey,
		})
	}
	return result, page.Last, nil
}

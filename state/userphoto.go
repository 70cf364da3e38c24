// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// UserPhoto is a user's private annotations on a photo, chiefly the
// device asset keys that tie the server photo back to the images in the
// device's local camera roll.
type UserPhoto struct {
	UserID    int64
	PhotoID   string
	AssetKeys []string
}

// UserPhoto loads the row, failing with NotFound when absent.
func (s *Store) UserPhoto(ctx context.Context, userID int64, photoID string) (*UserPhoto, error) {
	item, err := s.kv.GetItem(ctx, s.table(userPhotoT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(photoID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("user photo %d/%q", userID, photoID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &UserPhoto{
		UserID:    userID,
		PhotoID:   photoID,
		AssetKeys: set.NewStrings(item.StringSet("asset_keys")...).SortedValues(),
	}, nil
}

// MergeUserPhoto unions the given asset keys into the row, creating it if
// needed. Asset keys only accumulate; a device re-reporting old keys is a
// no-op.
func (s *Store) MergeUserPhoto(ctx context.Context, userID int64, photoID string, assetKeys []string) error {
	if len(assetKeys) == 0 {
		return nil
	}
	keys := set.NewStrings(assetKeys...).SortedValues()
	_, err := s.kv.UpdateItem(ctx, s.table(userPhotoT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(photoID)},
		[]kv.Update{kv.Add("asset_keys", kv.SS(keys...))})
	return errors.Trace(err)
}

// RemoveUserPhotoAssetKeys drops the given asset keys from the row.
func (s *Store) RemoveUserPhotoAssetKeys(ctx context.Context, userID int64, photoID string, assetKeys []string) error {
	if len(assetKeys) == 0 {
		return nil
	}
	_, err := s.kv.UpdateItem(ctx, s.table(userPhotoT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(photoID)},
		[]kv.Update{kv.DeleteElems("asset_keys", assetKeys...)})
	return errors.Trace(err)
}

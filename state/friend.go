// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// Friend records that one user has interacted with another, plus any
// local overrides (a nickname). Friend rows are one-directional and
// created lazily the first time two users land in a viewpoint together.
type Friend struct {
	UserID   int64
	FriendID int64
	Nickname string
}

func newFriend(item kv.Item) Friend {
	return Friend{
		UserID:   item.Int("user_id"),
		FriendID: item.Int("friend_id"),
		Nickname: item.Str("nickname"),
	}
}

// Friend loads one friend row, failing with NotFound when absent.
func (s *Store) Friend(ctx context.Context, userID, friendID int64) (*Friend, error) {
	item, err := s.kv.GetItem(ctx, s.table(friendT),
		kv.Key{Hash: kv.N(userID), Range: kv.N(friendID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("friend %d of user %d", friendID, userID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	f := newFriend(item)
	return &f, nil
}

// MakeFriends ensures friend rows exist in both directions between two
// users. Existing rows are left alone so nicknames survive.
func (s *Store) MakeFriends(ctx context.Context, userID, otherID int64) error {
	if userID == otherID {
		return nil
	}
	for _, pair := range [][2]int64{{userID, otherID}, {otherID, userID}} {
		item := kv.Item{
			"user_id":   kv.N(pair[0]),
			"friend_id": kv.N(pair[1]),
		}
		err := s.kv.PutItem(ctx, s.table(friendT), item, kv.Absent("friend_id"))
		if err != nil && !errors.Is(err, kv.ErrConditionFailed) {
			return errors.Trace(err)
		}
	}
	return nil
}

// SetFriendNickname upserts the caller's nickname for another user.
// An empty nickname clears the override.
func (s *Store) SetFriendNickname(ctx context.Context, userID, friendID int64, nickname string) error {
	key := kv.Key{Hash: kv.N(userID), Range: kv.N(friendID)}
	var updates []kv.Update
	if nickname == "" {
		updates = []kv.Update{kv.Delete("nickname")}
	} else {
		updates = []kv.Update{kv.Put("nickname", kv.S(nickname))}
	}
	_, err := s.kv.UpdateItem(ctx, s.table(friendT), key, updates)
	return errors.Trace(err)
}

// Friends returns all of a user's friend rows, in friend id order.
func (s *Store) Friends(ctx context.Context, userID int64) ([]Friend, error) {
	page, err := s.kv.Query(ctx, s.table(friendT), kv.Query{Hash: kv.N(userID)})
	if err != nil {
		return nil, errors.Trace(err)
	}
	friends := make([]Friend, 0, len(page.Items))
	for _, item := range page.Items {
		friends = append(friends, newFriend(item))
	}
	return friends, nil
}

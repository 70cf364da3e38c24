// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package state is the entity model: thin repositories over the kv store
// that enforce per-entity invariants at write time. Entities follow the
// doc/wrapper convention: an unexported xxxDoc mirrors the stored row, and
// the exported wrapper carries accessors plus mutators that know the rules
// (follower label algebra, canonical identity keys, monotonic sequences).
//
// There are no transactions. Multi-row changes are sequences of idempotent
// single-row writes, replayable from an operation checkpoint; conditional
// writes guard the few rows where two hosts may race.
package state

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

var logger = loggo.GetLogger("viewfinder.state")

// Table names. The configured prefix is prepended to each, so several
// deployments can share one backing store.
const (
	userT              = "user"
	deviceT            = "device"
	deviceTokenT       = "device_token"
	identityT          = "identity"
	viewpointT         = "viewpoint"
	followerT          = "follower"
	viewpointFollowerT = "viewpoint_follower"
	followedT          = "followed"
	episodeT           = "episode"
	viewpointEpisodeT  = "viewpoint_episode"
	postT              = "post"
	photoT             = "photo"
	userPhotoT         = "user_photo"
	commentT           = "comment"
	activityT          = "activity"
	notificationT      = "notification"
	operationT         = "operation"
	accountingT        = "accounting"
	contactT           = "contact"
	friendT            = "friend"
	allocatorT         = "id_allocator"
)

var tableSchemas = map[string]kv.Table{
	userT:              {HashKey: "user_id"},
	deviceT:            {HashKey: "user_id", RangeKey: "device_id"},
	deviceTokenT:       {HashKey: "push_token"},
	identityT:          {HashKey: "identity_key"},
	viewpointT:         {HashKey: "viewpoint_id"},
	followerT:          {HashKey: "user_id", RangeKey: "viewpoint_id"},
	viewpointFollowerT: {HashKey: "viewpoint_id", RangeKey: "user_id"},
	followedT:          {HashKey: "user_id", RangeKey: "sort_key"},
	episodeT:           {HashKey: "episode_id"},
	viewpointEpisodeT:  {HashKey: "viewpoint_id", RangeKey: "episode_id"},
	postT:              {HashKey: "episode_id", RangeKey: "photo_id"},
	photoT:             {HashKey: "photo_id"},
	userPhotoT:         {HashKey: "user_id", RangeKey: "photo_id"},
	commentT:           {HashKey: "viewpoint_id", RangeKey: "comment_id"},
	activityT:          {HashKey: "viewpoint_id", RangeKey: "activity_id"},
	notificationT:      {HashKey: "user_id", RangeKey: "notification_id"},
	operationT:         {HashKey: "user_id", RangeKey: "operation_id"},
	accountingT:        {HashKey: "hash_key", RangeKey: "sort_key"},
	contactT:           {HashKey: "user_id", RangeKey: "contact_id"},
	friendT:            {HashKey: "user_id", RangeKey: "friend_id"},
	allocatorT:         {HashKey: "id_type"},
}

// StoreConfig holds a Store's dependencies.
type StoreConfig struct {
	KV    kv.Client
	Clock clock.Clock

	// TablePrefix is prepended to every table name.
	TablePrefix string
}

// Validate returns an error if the config is incomplete.
func (config StoreConfig) Validate() error {
	if config.KV == nil {
		return errors.NotValidf("nil KV")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Store gives access to all persisted entities.
type Store struct {
	kv     kv.Client
	clock  clock.Clock
	prefix string
}

// NewStore returns a Store backed by config.
func NewStore(config StoreConfig) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Store{
		kv:     config.KV,
		clock:  config.Clock,
		prefix: config.TablePrefix,
	}, nil
}

// KV returns the underlying store client. The executor uses this to bind
// an auditing wrapper during the read-only phase.
func (s *Store) KV() kv.Client {
	return s.kv
}

// WithKV returns a Store identical to s but reading and writing through
// the given client.
func (s *Store) WithKV(client kv.Client) *Store {
	return &Store{kv: client, clock: s.clock, prefix: s.prefix}
}

// TablePrefix returns the prefix prepended to every table name.
func (s *Store) TablePrefix() string {
	return s.prefix
}

func (s *Store) table(name string) kv.Table {
	t, ok := tableSchemas[name]
	if !ok {
		panic(errors.Errorf("unknown table %q", name))
	}
	t.Name = s.prefix + name
	return t
}

// Id allocator row types.
const (
	UserIDType   = "user_id"
	DeviceIDType = "device_id"
)

// AllocateIDs reserves n consecutive ids of the named type and returns the
// first one. Allocation is an atomic counter bump, so reserved ids are
// burned even if the caller's operation later aborts.
func (s *Store) AllocateIDs(ctx context.Context, idType string, n int64) (int64, error) {
	if n <= 0 {
		return 0, errors.NotValidf("allocation of %d ids", n)
	}
	item, err := s.kv.UpdateItem(ctx, s.table(allocatorT),
		kv.Key{Hash: kv.S(idType)},
		[]kv.Update{kv.Add("next", kv.N(n))})
	if err != nil {
		return 0, errors.Annotatef(err, "allocating %d %s ids", n, idType)
	}
	next := item.Int("next")
	return next - n + 1, nil
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// User labels.
const (
	// UserRegistered marks a user who has authenticated as themselves.
	// Users without it are prospective: created by reference from another
	// user's share and not yet signed up.
	UserRegistered = "registered"

	// UserTerminated is the account tombstone. It blocks future logins
	// but the row survives so references stay resolvable.
	UserTerminated = "terminated"
)

type userDoc struct {
	UserID      int64
	Name        string
	GivenName   string
	FamilyName  string
	Email       string
	Labels      []string
	PrivateVpID string
	WebappDevID int64
	AssetIDSeq  int64
	MergedWith  int64
	CreatedAt   int64
}

func newUserDoc(item kv.Item) userDoc {
	return userDoc{
		UserID:      item.Int("user_id"),
		Name:        item.Str("name"),
		GivenName:   item.Str("given_name"),
		FamilyName:  item.Str("family_name"),
		Email:       item.Str("email"),
		Labels:      item.StringSet("labels"),
		PrivateVpID: item.Str("private_vp_id"),
		WebappDevID: item.Int("webapp_dev_id"),
		AssetIDSeq:  item.Int("asset_id_seq"),
		MergedWith:  item.Int("merged_with"),
		CreatedAt:   item.Int("created_at"),
	}
}

func (doc *userDoc) toItem() kv.Item {
	item := kv.Item{"user_id": kv.N(doc.UserID)}
	if doc.Name != "" {
		item["name"] = kv.S(doc.Name)
	}
	if doc.GivenName != "" {
		item["given_name"] = kv.S(doc.GivenName)
	}
	if doc.FamilyName != "" {
		item["family_name"] = kv.S(doc.FamilyName)
	}
	if doc.Email != "" {
		item["email"] = kv.S(doc.Email)
	}
	if len(doc.Labels) > 0 {
		item["labels"] = kv.SS(doc.Labels...)
	}
	if doc.PrivateVpID != "" {
		item["private_vp_id"] = kv.S(doc.PrivateVpID)
	}
	if doc.WebappDevID != 0 {
		item["webapp_dev_id"] = kv.N(doc.WebappDevID)
	}
	if doc.AssetIDSeq != 0 {
		item["asset_id_seq"] = kv.N(doc.AssetIDSeq)
	}
	if doc.MergedWith != 0 {
		item["merged_with"] = kv.N(doc.MergedWith)
	}
	if doc.CreatedAt != 0 {
		item["created_at"] = kv.N(doc.CreatedAt)
	}
	return item
}

// User is a registered or prospective account.
type User struct {
	st  *Store
	doc userDoc
}

// ID returns the user id.
func (u *User) ID() int64 {
	return u.doc.UserID
}

// Name returns the user's display name.
func (u *User) Name() string {
	return u.doc.Name
}

// GivenName returns the user's given name, if known.
func (u *User) GivenName() string {
	return u.doc.GivenName
}

// FamilyName returns the user's family name, if known.
func (u *User) FamilyName() string {
	return u.doc.FamilyName
}

// Email returns the user's primary email, if known.
func (u *User) Email() string {
	return u.doc.Email
}

// PrivateViewpointID returns the id of the user's default viewpoint.
func (u *User) PrivateViewpointID() string {
	return u.doc.PrivateVpID
}

// WebappDeviceID returns the pseudo-device id used by web sessions.
func (u *User) WebappDeviceID() int64 {
	return u.doc.WebappDevID
}

// AssetIDSeq returns the last server-allocated asset id for this user.
func (u *User) AssetIDSeq() int64 {
	return u.doc.AssetIDSeq
}

// MergedWith returns the target account id after a merge, or zero.
func (u *User) MergedWith() int64 {
	return u.doc.MergedWith
}

func (u *User) hasLabel(label string) bool {
	for _, l := range u.doc.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsRegistered reports whether the user has authenticated as themselves.
func (u *User) IsRegistered() bool {
	return u.hasLabel(UserRegistered)
}

// IsProspective reports whether the user exists only by reference.
func (u *User) IsProspective() bool {
	return !u.IsRegistered()
}

// IsTerminated reports whether the account has been tombstoned.
func (u *User) IsTerminated() bool {
	return u.hasLabel(UserTerminated)
}

// AddUserArgs names the attributes of a new user row.
type AddUserArgs struct {
	UserID      int64
	Name        string
	GivenName   string
	FamilyName  string
	Email       string
	PrivateVpID string
	WebappDevID int64
	Registered  bool
	Timestamp   int64
}

// AddUser creates a user row, failing with AlreadyExists if the id is
// taken. Prospective users are added with Registered false.
func (s *Store) AddUser(ctx context.Context, args AddUserArgs) (*User, error) {
	doc := userDoc{
		UserID:      args.UserID,
		Name:        args.Name,
		GivenName:   args.GivenName,
		FamilyName:  args.FamilyName,
		Email:       args.Email,
		PrivateVpID: args.PrivateVpID,
		WebappDevID: args.WebappDevID,
		CreatedAt:   args.Timestamp,
	}
	if args.Registered {
		doc.Labels = []string{UserRegistered}
	}
	err := s.kv.PutItem(ctx, s.table(userT), doc.toItem(), kv.Absent("user_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.AlreadyExistsf("user %d", args.UserID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &User{st: s, doc: doc}, nil
}

// User loads a user row, failing with NotFound when absent.
func (s *Store) User(ctx context.Context, userID int64) (*User, error) {
	item, err := s.kv.GetItem(ctx, s.table(userT), kv.Key{Hash: kv.N(userID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("user %d", userID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &User{st: s, doc: newUserDoc(item)}, nil
}

// RegisterUser promotes a prospective user to registered.
func (s *Store) RegisterUser(ctx context.Context, userID int64) error {
	_, err := s.kv.UpdateItem(ctx, s.table(userT), kv.Key{Hash: kv.N(userID)},
		[]kv.Update{kv.Add("labels", kv.SS(UserRegistered))},
		kv.Present("user_id"),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("user %d", userID)
	}
	return errors.Trace(err)
}

// TerminateUser tombstones an account. The row remains so that shares and
// comments keep resolving, but the user can no longer log in.
func (s *Store) TerminateUser(ctx context.Context, userID int64) error {
	_, err := s.kv.UpdateItem(ctx, s.table(userT), kv.Key{Hash: kv.N(userID)},
		[]kv.Update{kv.Add("labels", kv.SS(UserTerminated))},
		kv.Present("user_id"),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("user %d", userID)
	}
	return errors.Trace(err)
}

// SetUserMergedWith records the target of an account merge on the source
// account and tombstones it.
func (s *Store) SetUserMergedWith(ctx context.Context, userID, targetID int64) error {
	_, err := s.kv.UpdateItem(ctx, s.table(userT), kv.Key{Hash: kv.N(userID)},
		[]kv.Update{
			kv.Put("merged_with", kv.N(targetID)),
			kv.Add("labels", kv.SS(UserTerminated)),
		},
		kv.Present("user_id"),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("user %d", userID)
	}
	return errors.Trace(err)
}

// SetUserName updates the user's display names.
func (s *Store) SetUserName(ctx context.Context, userID int64, name, givenName, familyName string) error {
	var updates []kv.Update
	if name != "" {
		updates = append(updates, kv.Put("name", kv.S(name)))
	}
	if givenName != "" {
		updates = append(updates, kv.Put("given_name", kv.S(givenName)))
	}
	if familyName != "" {
		updates = append(updates, kv.Put("family_name", kv.S(familyName)))
	}
	if len(updates) == 0 {
		return nil
	}
	_, err := s.kv.UpdateItem(ctx, s.table(userT), kv.Key{Hash: kv.N(userID)},
		updates, kv.Present("user_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("user %d", userID)
	}
	return errors.Trace(err)
}

// AllocateAssetIDs reserves n consecutive asset id slots for the user and
// returns the first. Allocation is an atomic counter bump, so ids are
// unique per user even across hosts.
func (s *Store) AllocateAssetIDs(ctx context.Context, userID int64, n int64) (int64, error) {
	if n <= 0 {
		return 0, errors.NotValidf("allocation of %d ids", n)
	}
	item, err := s.kv.UpdateItem(ctx, s.table(userT), kv.Key{Hash: kv.N(userID)},
		[]kv.Update{kv.Add("asset_id_seq", kv.N(n))},
		kv.Present("user_id"),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return 0, errors.NotFoundf("user %d", userID)
	} else if err != nil {
		return 0, errors.Trace(err)
	}
	return item.Int("asset_id_seq") - n + 1, nil
}

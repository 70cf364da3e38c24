// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// Identity key schemes.
const (
	IdentityEmail = "Email"
	IdentityPhone = "Phone"
	IdentityLocal = "Local"
)

// CanonicalizeIdentity normalizes an identity key of the form
// "scheme:value". Emails are lowercased, phones reduced to E.164, and
// Local identities passed through. Unknown schemes and malformed values
// are rejected.
func CanonicalizeIdentity(key string) (string, error) {
	scheme, value, ok := strings.Cut(key, ":")
	if !ok || value == "" {
		return "", errors.NotValidf("identity %q", key)
	}
	switch scheme {
	case IdentityEmail:
		value = strings.ToLower(strings.TrimSpace(value))
		local, domain, ok := strings.Cut(value, "@")
		if !ok || local == "" || domain == "" {
			return "", errors.NotValidf("email identity %q", key)
		}
	case IdentityPhone:
		var digits strings.Builder
		for _, r := range value {
			switch {
			case r >= '0' && r <= '9':
				digits.WriteRune(r)
			case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			default:
				return "", errors.NotValidf("phone identity %q", key)
			}
		}
		if !strings.HasPrefix(strings.TrimSpace(value), "+") ||
			digits.Len() == 0 || digits.Len() > 15 {
			return "", errors.NotValidf("phone identity %q", key)
		}
		value = "+" + digits.String()
	case IdentityLocal:
	default:
		return "", errors.NotValidf("identity scheme %q", scheme)
	}
	return scheme + ":" + value, nil
}

type identityDoc struct {
	Key          string
	UserID       int64
	Authority    string
	AccessToken  string
	RefreshToken string
	Expires      int64
}

func newIdentityDoc(item kv.Item) identityDoc {
	return identityDoc{
		Key:          item.Str("identity_key"),
		UserID:       item.Int("user_id"),
		Authority:    item.Str("authority"),
		AccessToken:  item.Str("access_token"),
		RefreshToken: item.Str("refresh_token"),
		Expires:      item.Int("expires"),
	}
}

func (doc *identityDoc) toItem() kv.Item {
	item := kv.Item{"identity_key": kv.S(doc.Key)}
	if doc.UserID != 0 {
		item["user_id"] = kv.N(doc.UserID)
	}
	if doc.Authority != "" {
		item["authority"] = kv.S(doc.Authority)
	}
	if doc.AccessToken != "" {
		item["access_token"] = kv.S(doc.AccessToken)
	}
	if doc.RefreshToken != "" {
		item["refresh_token"] = kv.S(doc.RefreshToken)
	}
	if doc.Expires != 0 {
		item["expires"] = kv.N(doc.Expires)
	}
	return item
}

// Identity maps an external handle (email, phone, local account) to a
// user. Identities may exist unlinked, e.g. contacts uploaded before the
// contact signs up.
type Identity struct {
	st  *Store
	doc identityDoc
}

// Key returns the canonical identity key.
func (i *Identity) Key() string {
	return i.doc.Key
}

// UserID returns the linked user id, or zero when unlinked.
func (i *Identity) UserID() int64 {
	return i.doc.UserID
}

// Authority returns the authentication authority that vouched for this
// identity, if any.
func (i *Identity) Authority() string {
	return i.doc.Authority
}

// Identity loads an identity row by its (canonicalized) key.
func (s *Store) Identity(ctx context.Context, key string) (*Identity, error) {
	canonical, err := CanonicalizeIdentity(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	item, err := s.kv.GetItem(ctx, s.table(identityT), kv.Key{Hash: kv.S(canonical)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("identity %q", canonical)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Identity{st: s, doc: newIdentityDoc(item)}, nil
}

// LinkIdentity binds an identity key to a user, creating the identity row
// if needed. Linking is idempotent for the same user and fails with
// AlreadyExists when the key belongs to someone else.
func (s *Store) LinkIdentity(ctx context.Context, key string, userID int64, authority string) error {
	canonical, err := CanonicalizeIdentity(key)
	if err != nil {
		return errors.Trace(err)
	}
	doc := identityDoc{Key: canonical, UserID: userID, Authority: authority}
	err = s.kv.PutItem(ctx, s.table(identityT), doc.toItem(), kv.Absent("identity_key"))
	if errors.Is(err, kv.ErrConditionFailed) {
		existing, err := s.Identity(ctx, canonical)
		if err != nil {
			return errors.Trace(err)
		}
		switch existing.UserID() {
		case userID:
		case 0:
			_, err := s.kv.UpdateItem(ctx, s.table(identityT), kv.Key{Hash: kv.S(canonical)},
				[]kv.Update{kv.Put("user_id", kv.N(userID))},
				kv.Absent("user_id"))
			if errors.Is(err, kv.ErrConditionFailed) {
				return errors.AlreadyExistsf("identity %q", canonical)
			} else if err != nil {
				return errors.Trace(err)
			}
		default:
			return errors.AlreadyExistsf("identity %q", canonical)
		}
	} else if err != nil {
		return errors.Trace(err)
	}

	// Track the user's identities on the user row for reverse lookup.
	_, err = s.kv.UpdateItem(ctx, s.table(userT), kv.Key{Hash: kv.N(userID)},
		[]kv.Update{kv.Add("identities", kv.SS(canonical))},
		kv.Present("user_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("user %d", userID)
	}
	return errors.Trace(err)
}

// UnlinkIdentity deletes the identity row binding key to userID. The key
// becomes claimable again. Unlinking an already-absent identity is a
// no-op; unlinking someone else's identity fails.
func (s *Store) UnlinkIdentity(ctx context.Context, key string, userID int64) error {
	canonical, err := CanonicalizeIdentity(key)
	if err != nil {
		return errors.Trace(err)
	}
	err = s.kv.DeleteItem(ctx, s.table(identityT), kv.Key{Hash: kv.S(canonical)},
		kv.Equals("user_id", kv.N(userID)))
	if errors.Is(err, kv.ErrConditionFailed) {
		_, lookupErr := s.Identity(ctx, canonical)
		switch {
		case errors.Is(lookupErr, errors.NotFound):
			// Already unlinked.
		case lookupErr != nil:
			return errors.Trace(lookupErr)
		default:
			return errors.Forbiddenf("identity %q is not linked to user %d", canonical, userID)
		}
	} else if err != nil {
		return errors.Trace(err)
	}
	_, err = s.kv.UpdateItem(ctx, s.table(userT), kv.Key{Hash: kv.N(userID)},
		[]kv.Update{kv.DeleteElems("identities", canonical)},
		kv.Present("user_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil
	}
	return errors.Trace(err)
}

// UserIdentities returns the canonical identity keys linked to a user.
func (s *Store) UserIdentities(ctx context.Context, userID int64) ([]string, error) {
	item, err := s.kv.GetItem(ctx, s.table(userT), kv.Key{Hash: kv.N(userID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("user %d", userID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return item.StringSet("identities"), nil
}

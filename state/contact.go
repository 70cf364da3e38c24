// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/core/base64hex"
	"github.com/viewfinderco/viewfinder-sub004/kv"
)

type contactDoc struct {
	UserID      int64
	ContactID   string
	IdentityKey string
	Name        string
	GivenName   string
	FamilyName  string
	Rank        int64
	Timestamp   int64
}

func newContactDoc(item kv.Item) contactDoc {
	return contactDoc{
		UserID:      item.Int("user_id"),
		ContactID:   item.Str("contact_id"),
		IdentityKey: item.Str("identity_key"),
		Name:        item.Str("name"),
		GivenName:   item.Str("given_name"),
		FamilyName:  item.Str("family_name"),
		Rank:        item.Int("rank"),
		Timestamp:   item.Int("timestamp"),
	}
}

func (doc *contactDoc) toItem() kv.Item {
	item := kv.Item{
		"user_id":      kv.N(doc.UserID),
		"contact_id":   kv.S(doc.ContactID),
		"identity_key": kv.S(doc.IdentityKey),
		"timestamp":    kv.N(doc.Timestamp),
	}
	if doc.Name != "" {
		item["name"] = kv.S(doc.Name)
	}
	if doc.GivenName != "" {
		item["given_name"] = kv.S(doc.GivenName)
	}
	if doc.FamilyName != "" {
		item["family_name"] = kv.S(doc.FamilyName)
	}
	if doc.Rank != 0 {
		item["rank"] = kv.N(doc.Rank)
	}
	return item
}

// Contact is one address-book entry uploaded by a user's device. Contacts
// are content-addressed: the id hashes the entry's fields, so re-uploading
// the same address book is a pile of no-op overwrites.
type Contact struct {
	st  *Store
	doc contactDoc
}

// UserID returns the owning user.
func (c *Contact) UserID() int64 {
	return c.doc.UserID
}

// ID returns the contact's sort key. Ids order by upload time, so clients
// fetch "everything since" with a single range scan.
func (c *Contact) ID() string {
	return c.doc.ContactID
}

// IdentityKey returns the contact's canonical identity.
func (c *Contact) IdentityKey() string {
	return c.doc.IdentityKey
}

// Name returns the contact's full name, if known.
func (c *Contact) Name() string {
	return c.doc.Name
}

// GivenName returns the contact's given name, if known.
func (c *Contact) GivenName() string {
	return c.doc.GivenName
}

// FamilyName returns the contact's family name, if known.
func (c *Contact) FamilyName() string {
	return c.doc.FamilyName
}

// Rank returns the device-computed contact rank, if any.
func (c *Contact) Rank() int64 {
	return c.doc.Rank
}

// ContactID derives the content-addressed sort key for a contact.
// The leading timestamp keeps ids roughly upload-ordered; the digest makes
// identical entries collide onto one row.
func ContactID(timestamp int64, identityKey, name string) string {
	var ts [5]byte
	ts[0] = byte(uint64(timestamp) >> 32)
	binary.BigEndian.PutUint32(ts[1:], uint32(timestamp))
	digest := sha256.Sum256([]byte(identityKey + "\x00" + name))
	return "ct:" + base64hex.EncodeStripped(ts[:]) + ":" + base64hex.EncodeStripped(digest[:8])
}

// PutContactArgs names the attributes of an uploaded contact.
type PutContactArgs struct {
	UserID      int64
	IdentityKey string
	Name        string
	GivenName   string
	FamilyName  string
	Rank        int64
	Timestamp   int64
}

// PutContact upserts one contact row and returns its id. The write is
// unconditional: identical content lands on the same id.
func (s *Store) PutContact(ctx context.Context, args PutContactArgs) (string, error) {
	identityKey, err := CanonicalizeIdentity(args.IdentityKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	doc := contactDoc{
		UserID:      args.UserID,
		ContactID:   ContactID(args.Timestamp, identityKey, args.Name),
		IdentityKey: identityKey,
		Name:        args.Name,
		GivenName:   args.GivenName,
		FamilyName:  args.FamilyName,
		Rank:        args.Rank,
		Timestamp:   args.Timestamp,
	}
	if err := s.kv.PutItem(ctx, s.table(contactT), doc.toItem()); err != nil {
		return "", errors.Trace(err)
	}
	return doc.ContactID, nil
}

// Contacts pages through a user's contacts in id order, starting at
// startKey inclusive (empty to start from the beginning).
func (s *Store) Contacts(ctx context.Context, userID int64, startKey string, limit int) ([]*Contact, error) {
	q := kv.Query{Hash: kv.N(userID), Limit: limit}
	if startKey != "" {
		q.Range = &kv.RangeCondition{Op: kv.RangeGE, Values: []kv.Value{kv.S(startKey)}}
	}
	page, err := s.kv.Query(ctx, s.table(contactT), q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	contacts := make([]*Contact, 0, len(page.Items))
	for _, item := range page.Items {
		contacts = append(contacts, &Contact{st: s, doc: newContactDoc(item)})
	}
	return contacts, nil
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// uploadContacts stores a device's address book rows so the service can
// suggest sharing targets. Contact ids are content-addressed, so
// re-uploading the same book converges on the same rows.
type uploadContacts struct {
	nopLocks
	nopAccount

	contacts []state.PutContactArgs
}

var uploadContactFields = schema.FieldMap(schema.Fields{
	"identity":    schema.NonEmptyString("identity"),
	"name":        schema.String(),
	"given_name":  schema.String(),
	"family_name": schema.String(),
	"rank":        schema.ForceInt(),
}, schema.Defaults{
	"name":        schema.Omit,
	"given_name":  schema.Omit,
	"family_name": schema.Omit,
	"rank":        schema.Omit,
})

func newUploadContacts(args map[string]interface{}) (Operation, error) {
	const method = "upload_contacts"
	valid, err := coerceArgs(method, schema.Fields{
		"contacts": schema.List(schema.StringMap(schema.Any())),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &uploadContacts{}
	for i, raw := range fieldMapList(valid, "contacts") {
		coerced, err := uploadContactFields.Coerce(raw, nil)
		if err != nil {
			return nil, params.Invalidf("", "%s contact %d: %v", method, i, err)
		}
		c := coerced.(map[string]interface{})
		identity, err := state.CanonicalizeIdentity(c["identity"].(string))
		if err != nil {
			return nil, params.Invalidf("", "%s contact %d: %v", method, i, err)
		}
		op.contacts = append(op.contacts, state.PutContactArgs{
			IdentityKey: identity,
			Name:        fieldStr(c, "name"),
			GivenName:   fieldStr(c, "given_name"),
			FamilyName:  fieldStr(c, "family_name"),
			Rank:        fieldInt(c, "rank"),
		})
	}
	if len(op.contacts) == 0 {
		return nil, params.Invalidf("", "%s: no contacts", method)
	}
	return op, nil
}

func (op *uploadContacts) Check(ctx context.Context, oc *Context) error {
	return nil
}

func (op *uploadContacts) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	for i := range op.contacts {
		args := op.contacts[i]
		args.UserID = oc.UserID
		args.Timestamp = oc.Timestamp
		if _, err := st.PutContact(ctx, args); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (op *uploadContacts) Notify(ctx context.Context, oc *Context) error {
	// Invalidate from the lowest contact id this upload could have
	// written; the ids are deterministic in the operation timestamp.
	startKey := ""
	for _, c := range op.contacts {
		id := state.ContactID(oc.Timestamp, c.IdentityKey, c.Name)
		if startKey == "" || id < startKey {
			startKey = id
		}
	}
	args := oc.NotifyArgs()
	inv := &invalidate.Invalidate{}
	inv.SetContacts(startKey)
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

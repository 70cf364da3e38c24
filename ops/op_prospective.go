// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/core/assetid"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// registerProspectiveUser creates the skeleton account a share or
// add_followers operation reserved for an unknown contact: user row,
// private library viewpoint, owner follower, and the identity link.
// It always runs as a nested operation under the sharer's user queue,
// with ids allocated by the parent, so every write here only has to
// tolerate replays of itself.
type registerProspectiveUser struct {
	nopLocks
	nopAccount
	nopNotify

	userID   int64
	identity string
	name     string
}

func newRegisterProspectiveUser(args map[string]interface{}) (Operation, error) {
	const method = "register_prospective_user"
	valid, err := coerceArgs(method, schema.Fields{
		"user_id":  schema.ForceInt(),
		"identity": schema.NonEmptyString("identity"),
		"name":     schema.String(),
	}, schema.Defaults{
		"name": schema.Omit,
	}, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	identity, err := state.CanonicalizeIdentity(fieldStr(valid, "identity"))
	if err != nil {
		return nil, params.Invalidf("", "%s: %v", method, err)
	}
	return &registerProspectiveUser{
		userID:   fieldInt(valid, "user_id"),
		identity: identity,
		name:     fieldStr(valid, "name"),
	}, nil
}

func (op *registerProspectiveUser) Check(ctx context.Context, oc *Context) error {
	if op.userID <= 0 {
		return params.Invalidf("", "register_prospective_user: bad user id %d", op.userID)
	}
	return nil
}

func (op *registerProspectiveUser) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	vpID := assetid.ConstructViewpointID(assetid.ServerDeviceID, uint64(op.userID))
	_, err := st.AddUser(ctx, state.AddUserArgs{
		UserID:      op.userID,
		Name:        op.name,
		PrivateVpID: vpID,
		Registered:  false,
		Timestamp:   oc.Timestamp,
	})
	if err != nil && !errors.Is(err, errors.AlreadyExists) {
		return errors.Trace(err)
	}
	_, err = st.AddViewpoint(ctx, state.AddViewpointArgs{
		ViewpointID: vpID,
		OwnerID:     op.userID,
		Type:        state.ViewpointDefault,
		Timestamp:   oc.Timestamp,
	})
	if err != nil && !errors.Is(err, errors.AlreadyExists) {
		return errors.Trace(err)
	}
	_, err = st.Follower(ctx, op.userID, vpID)
	if errors.Is(err, errors.NotFound) {
		_, err = st.AddFollower(ctx, state.AddFollowerArgs{
			UserID:      op.userID,
			ViewpointID: vpID,
			Labels: []string{
				state.FollowerAdmin,
				state.FollowerContribute,
				state.FollowerPersonal,
			},
			AddingUserID: op.userID,
			Timestamp:    oc.Timestamp,
		})
	}
	if err != nil {
		return errors.Trace(err)
	}
	vp, err := loadViewpoint(ctx, oc, vpID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := st.PutFollowed(ctx, op.userID, vpID, vp.LastUpdated()); err != nil {
		return errors.Trace(err)
	}
	err = st.LinkIdentity(ctx, op.identity, op.userID, "")
	if errors.Is(err, errors.AlreadyExists) {
		// A real registration claimed the identity while this operation
		// was queued. The sharer re-resolves it on re-entry, so the
		// orphaned skeleton account is harmless.
		oc.Logger().Warningf("identity %s already bound, prospective user %d left unlinked",
			op.identity, op.userID)
		return nil
	}
	return errors.Trace(err)
}

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

// linkIdentity binds another email or phone identity to the caller's
// account, letting shares addressed to it land in their inbox.
type linkIdentity struct {
	nopLocks
	nopAccount

	identity  string
	authority string
}

func newLinkIdentity(args map[string]interface{}) (Operation, error) {
	const method = "link_identity"
	valid, err := coerceArgs(method, schema.Fields{
		"identity":  schema.NonEmptyString("identity"),
		"authority": schema.String(),
	}, schema.Defaults{
		"authority": schema.Omit,
	}, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	identity, err := state.CanonicalizeIdentity(valid["identity"].(string))
	if err != nil {
		return nil, params.Invalidf("", "%s: %v", method, err)
	}
	return &linkIdentity{
		identity:  identity,
		authority: fieldStr(valid, "authority"),
	}, nil
}

func (op *linkIdentity) Check(ctx context.Context, oc *Context) error {
	ident, err := oc.Store().Identity(ctx, op.identity)
	if errors.Is(err, errors.NotFound) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	if ident.UserID() != 0 && ident.UserID() != oc.UserID {
		return params.Permissionf(params.IDIdentityAlreadyLinked,
			"identity %s is linked to another account", op.identity)
	}
	return nil
}

func (op *linkIdentity) Update(ctx context.Context, oc *Context) error {
	err := oc.Store().LinkIdentity(ctx, op.identity, oc.UserID, op.authority)
	if errors.Is(err, errors.AlreadyExists) {
		// Claimed by someone else since Check; surface as the same
		// client error a fresh submission would get.
		return params.Permissionf(params.IDIdentityAlreadyLinked,
			"identity %s is linked to another account", op.identity)
	}
	return errors.Trace(err)
}

func (op *linkIdentity) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	inv := &invalidate.Invalidate{}
	inv.AddUsers(oc.UserID)
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

// unlinkIdentity releases one of the caller's identities. The last
// identity cannot be unlinked or the account would become unreachable.
type unlinkIdentity struct {
	nopLocks
	nopAccount

	identity string
}

func newUnlinkIdentity(args map[string]interface{}) (Operation, error) {
	const method = "unlink_identity"
	valid, err := coerceArgs(method, schema.Fields{
		"identity": schema.NonEmptyString("identity"),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	identity, err := state.CanonicalizeIdentity(valid["identity"].(string))
	if err != nil {
		return nil, params.Invalidf("", "%s: %v", method, err)
	}
	return &unlinkIdentity{identity: identity}, nil
}

func (op *unlinkIdentity) Check(ctx context.Context, oc *Context) error {
	st := oc.Store()
	ident, err := st.Identity(ctx, op.identity)
	if errors.Is(err, errors.NotFound) {
		// Already unlinked; treat as replay.
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	if ident.UserID() != oc.UserID {
		return params.Permissionf("",
			"identity %s is not linked to user %d", op.identity, oc.UserID)
	}
	identities, err := st.UserIdentities(ctx, oc.UserID)
	if err != nil {
		return errors.Trace(err)
	}
	if len(identities) <= 1 {
		return params.Permissionf(params.IDLastIdentity,
			"cannot unlink the last identity of user %d", oc.UserID)
	}
	return nil
}

func (op *unlinkIdentity) Update(ctx context.Context, oc *Context) error {
	return errors.Trace(oc.Store().UnlinkIdentity(ctx, op.identity, oc.UserID))
}

func (op *unlinkIdentity) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	inv := &invalidate.Invalidate{}
	inv.AddUsers(oc.UserID)
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
)

// updateFriend sets the caller's private nickname for another user,
// creating the friendship if sharing never did.
type updateFriend struct {
	nopLocks
	nopAccount

	friendID int64
	nickname *string
}

func newUpdateFriend(args map[string]interface{}) (Operation, error) {
	const method = "update_friend"
	valid, err := coerceArgs(method, schema.Fields{
		"user_id":  schema.ForceInt(),
		"nickname": schema.String(),
	}, schema.Defaults{
		"nickname": schema.Omit,
	}, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &updateFriend{
		friendID: fieldInt(valid, "user_id"),
		nickname: fieldStrPtr(valid, "nickname"),
	}, nil
}

func (op *updateFriend) Check(ctx context.Context, oc *Context) error {
	if op.friendID == oc.UserID {
		return params.Invalidf("", "update_friend: cannot befriend self")
	}
	if _, err := oc.Store().User(ctx, op.friendID); errors.Is(err, errors.NotFound) {
		return params.NotFoundf("", "user %d not found", op.friendID)
	} else if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (op *updateFriend) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	if err := st.MakeFriends(ctx, oc.UserID, op.friendID); err != nil {
		return errors.Trace(err)
	}
	if op.nickname != nil {
		if err := st.SetFriendNickname(ctx, oc.UserID, op.friendID, *op.nickname); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (op *updateFriend) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	inv := &invalidate.Invalidate{}
	inv.AddUsers(op.friendID)
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

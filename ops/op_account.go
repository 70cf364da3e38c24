// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/core/invalidate"
	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// mergeAccounts folds a second account the caller controls into this one:
// its conversations join the caller's inbox, its identities re-link to the
// caller, and the source account is tombstoned. The identity and viewpoint
// sets are discovered during Check, so the locks on them are taken there
// rather than declared up front.
type mergeAccounts struct {
	sourceUserID int64

	newFollowed []string
	revived     []string
	identities  []mergedIdentity
}

type mergedIdentity struct {
	Key       string `json:"key"`
	Authority string `json:"authority,omitempty"`
}

func newMergeAccounts(args map[string]interface{}) (Operation, error) {
	const method = "merge_accounts"
	valid, err := coerceArgs(method, schema.Fields{
		"source_user_id": schema.ForceInt(),
	}, nil, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &mergeAccounts{sourceUserID: fieldInt(valid, "source_user_id")}, nil
}

func (op *mergeAccounts) Locks(oc *Context) []string { return nil }

type mergeCheckpoint struct {
	NewFollowed []string         `json:"new_followed,omitempty"`
	Revived     []string         `json:"revived,omitempty"`
	Identities  []mergedIdentity `json:"identities,omitempty"`
}

func (op *mergeAccounts) Check(ctx context.Context, oc *Context) error {
	if op.sourceUserID == oc.UserID {
		return params.Invalidf("", "merge_accounts: cannot merge account into itself")
	}
	st := oc.Store()
	source, err := st.User(ctx, op.sourceUserID)
	if errors.Is(err, errors.NotFound) {
		return params.NotFoundf("", "user %d not found", op.sourceUserID)
	} else if err != nil {
		return errors.Trace(err)
	}
	if merged := source.MergedWith(); merged != 0 && merged != oc.UserID {
		return params.Permissionf("",
			"user %d was already merged into another account", op.sourceUserID)
	}

	// Freeze the source's queue for the duration of the merge.
	if err := oc.AcquireLocks(ctx, lock.OpLockID(op.sourceUserID)); err != nil {
		return errors.Trace(err)
	}

	var cp mergeCheckpoint
	loaded, err := oc.LoadCheckpoint(&cp)
	if err != nil {
		return errors.Trace(err)
	}
	if !loaded {
		vpIDs, err := st.UserViewpointIDs(ctx, op.sourceUserID)
		if err != nil {
			return errors.Trace(err)
		}
		for _, vpID := range vpIDs {
			vp, err := st.Viewpoint(ctx, vpID)
			if err != nil {
				return errors.Trace(err)
			}
			if vp.IsDefault() {
				continue
			}
			sf, err := st.Follower(ctx, op.sourceUserID, vpID)
			if err != nil {
				return errors.Trace(err)
			}
			if sf.IsRemoved() {
				continue
			}
			cf, err := st.Follower(ctx, oc.UserID, vpID)
			switch {
			case errors.Is(err, errors.NotFound):
				cp.NewFollowed = append(cp.NewFollowed, vpID)
			case err != nil:
				return errors.Trace(err)
			case cf.IsUnrevivable():
				// The caller blocked this conversation; leave it.
			case cf.IsRemoved():
				cp.Revived = append(cp.Revived, vpID)
			}
		}
		keys, err := st.UserIdentities(ctx, op.sourceUserID)
		if err != nil {
			return errors.Trace(err)
		}
		for _, key := range keys {
			ident, err := st.Identity(ctx, key)
			if err != nil {
				return errors.Trace(err)
			}
			cp.Identities = append(cp.Identities, mergedIdentity{
				Key:       key,
				Authority: ident.Authority(),
			})
		}
		if err := oc.SaveCheckpoint(ctx, &cp); err != nil {
			return errors.Trace(err)
		}
	}
	op.newFollowed, op.revived, op.identities = cp.NewFollowed, cp.Revived, cp.Identities

	locks := make([]string, 0, len(op.newFollowed)+len(op.revived))
	for _, vpID := range op.newFollowed {
		locks = append(locks, lock.ViewpointLockID(vpID))
	}
	for _, vpID := range op.revived {
		locks = append(locks, lock.ViewpointLockID(vpID))
	}
	if len(locks) > 0 {
		if err := oc.AcquireLocks(ctx, locks...); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (op *mergeAccounts) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	for _, vpID := range op.newFollowed {
		f, err := st.Follower(ctx, oc.UserID, vpID)
		if errors.Is(err, errors.NotFound) {
			_, err := st.AddFollower(ctx, state.AddFollowerArgs{
				UserID:       oc.UserID,
				ViewpointID:  vpID,
				Labels:       []string{state.FollowerContribute},
				AddingUserID: op.sourceUserID,
				Timestamp:    oc.Timestamp,
			})
			if err != nil {
				return errors.Trace(err)
			}
		} else if err != nil {
			return errors.Trace(err)
		} else if f.IsRemoved() {
			continue
		}
		if err := op.follow(ctx, oc, vpID); err != nil {
			return errors.Trace(err)
		}
	}
	for _, vpID := range op.revived {
		f, err := st.Follower(ctx, oc.UserID, vpID)
		if err != nil {
			return errors.Trace(err)
		}
		if f.IsUnrevivable() {
			continue
		}
		if err := f.Revive(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := op.follow(ctx, oc, vpID); err != nil {
			return errors.Trace(err)
		}
	}
	for _, ident := range op.identities {
		if err := op.relink(ctx, oc, ident); err != nil {
			return errors.Trace(err)
		}
	}
	devices, err := st.UserDevices(ctx, op.sourceUserID)
	if err != nil {
		return errors.Trace(err)
	}
	for _, d := range devices {
		if err := st.ClearPushToken(ctx, op.sourceUserID, d.ID()); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(st.SetUserMergedWith(ctx, op.sourceUserID, oc.UserID))
}

func (op *mergeAccounts) follow(ctx context.Context, oc *Context, vpID string) error {
	vp, err := loadViewpoint(ctx, oc, vpID)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(oc.Store().PutFollowed(ctx, oc.UserID, vpID, vp.LastUpdated()))
}

// relink moves one identity from the source account to the caller. A
// replay can find the identity at any step of the move.
func (op *mergeAccounts) relink(ctx context.Context, oc *Context, ident mergedIdentity) error {
	st := oc.Store()
	existing, err := st.Identity(ctx, ident.Key)
	switch {
	case errors.Is(err, errors.NotFound):
		// Unlinked by a crashed attempt; claim it.
	case err != nil:
		return errors.Trace(err)
	case existing.UserID() == oc.UserID:
		return nil
	case existing.UserID() == op.sourceUserID:
		if err := st.UnlinkIdentity(ctx, ident.Key, op.sourceUserID); err != nil {
			return errors.Trace(err)
		}
	case existing.UserID() != 0:
		oc.Logger().Warningf("identity %s claimed by user %d during merge, leaving it",
			ident.Key, existing.UserID())
		return nil
	}
	return errors.Trace(st.LinkIdentity(ctx, ident.Key, oc.UserID, ident.Authority))
}

func (op *mergeAccounts) Account(ctx context.Context, oc *Context) error {
	if n := len(op.newFollowed); n > 0 {
		oc.Accounting().Add(state.OwnedByKey(oc.UserID),
			state.AccountingDelta{NumConversations: int64(n)})
	}
	return nil
}

func (op *mergeAccounts) Notify(ctx context.Context, oc *Context) error {
	args := oc.NotifyArgs()
	inv := &invalidate.Invalidate{}
	inv.AddUsers(oc.UserID, op.sourceUserID)
	for _, vpID := range append(append([]string{}, op.newFollowed...), op.revived...) {
		inv.AddViewpoint(invalidate.Viewpoint{
			ViewpointID:   vpID,
			GetAttributes: true,
			GetFollowers:  true,
			GetActivities: true,
			GetEpisodes:   true,
		})
	}
	args.Invalidate = inv
	_, err := oc.Notifier().Notify(ctx, oc.UserID, args)
	return errors.Trace(err)
}

// terminateAccount closes the caller's account: identities released,
// push tokens cleared, shared conversations left permanently, and the
// user row tombstoned. The library viewpoint is kept so a support-driven
// restore remains possible.
type terminateAccount struct {
	nopAccount

	viewpoints []terminatedViewpoint
	identities []string
}

type terminatedViewpoint struct {
	ID     string `json:"id"`
	Bucket int64  `json:"bucket"`
}

func newTerminateAccount(args map[string]interface{}) (Operation, error) {
	if _, err := coerceArgs("terminate_account", schema.Fields{}, nil, args); err != nil {
		return nil, errors.Trace(err)
	}
	return &terminateAccount{}, nil
}

func (op *terminateAccount) Locks(oc *Context) []string { return nil }

type terminateCheckpoint struct {
	Viewpoints []terminatedViewpoint `json:"viewpoints,omitempty"`
	Identities []string              `json:"identities,omitempty"`
}

func (op *terminateAccount) Check(ctx context.Context, oc *Context) error {
	st := oc.Store()
	if _, err := st.User(ctx, oc.UserID); err != nil {
		return errors.Trace(err)
	}
	var cp terminateCheckpoint
	loaded, err := oc.LoadCheckpoint(&cp)
	if err != nil {
		return errors.Trace(err)
	}
	if !loaded {
		vpIDs, err := st.UserViewpointIDs(ctx, oc.UserID)
		if err != nil {
			return errors.Trace(err)
		}
		for _, vpID := range vpIDs {
			vp, err := st.Viewpoint(ctx, vpID)
			if err != nil {
				return errors.Trace(err)
			}
			if vp.IsDefault() {
				continue
			}
			f, err := st.Follower(ctx, oc.UserID, vpID)
			if err != nil {
				return errors.Trace(err)
			}
			if f.IsRemoved() {
				continue
			}
			cp.Viewpoints = append(cp.Viewpoints, terminatedViewpoint{
				ID:     vpID,
				Bucket: vp.LastUpdated(),
			})
		}
		if cp.Identities, err = st.UserIdentities(ctx, oc.UserID); err != nil {
			return errors.Trace(err)
		}
		if err := oc.SaveCheckpoint(ctx, &cp); err != nil {
			return errors.Trace(err)
		}
	}
	op.viewpoints, op.identities = cp.Viewpoints, cp.Identities

	locks := make([]string, 0, len(op.viewpoints))
	for _, vp := range op.viewpoints {
		locks = append(locks, lock.ViewpointLockID(vp.ID))
	}
	if len(locks) > 0 {
		if err := oc.AcquireLocks(ctx, locks...); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (op *terminateAccount) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	for _, key := range op.identities {
		if err := st.UnlinkIdentity(ctx, key, oc.UserID); err != nil {
			return errors.Trace(err)
		}
	}
	devices, err := st.UserDevices(ctx, oc.UserID)
	if err != nil {
		return errors.Trace(err)
	}
	for _, d := range devices {
		if err := st.ClearPushToken(ctx, oc.UserID, d.ID()); err != nil {
			return errors.Trace(err)
		}
	}
	for _, tvp := range op.viewpoints {
		f, err := st.Follower(ctx, oc.UserID, tvp.ID)
		if errors.Is(err, errors.NotFound) {
			continue
		} else if err != nil {
			return errors.Trace(err)
		}
		if !f.IsRemoved() {
			if err := f.Remove(ctx, true); err != nil {
				return errors.Trace(err)
			}
		}
		if err := st.RemoveFollowed(ctx, oc.UserID, tvp.ID, tvp.Bucket); err != nil {
			return errors.Trace(err)
		}
		vp, err := loadViewpoint(ctx, oc, tvp.ID)
		if err != nil {
			return errors.Trace(err)
		}
		if err := st.RemoveFollowed(ctx, oc.UserID, tvp.ID, vp.LastUpdated()); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(st.TerminateUser(ctx, oc.UserID))
}

func (op *terminateAccount) Notify(ctx context.Context, oc *Context) error {
	for _, tvp := range op.viewpoints {
		args := oc.NotifyArgs()
		args.ViewpointID = tvp.ID
		inv := &invalidate.Invalidate{}
		inv.AddViewpoint(invalidate.Viewpoint{
			ViewpointID:  tvp.ID,
			GetFollowers: true,
		})
		inv.AddUsers(oc.UserID)
		args.Invalidate = inv
		if err := oc.Notifier().NotifyFollowers(ctx, tvp.ID, args); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

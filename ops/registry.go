// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package ops implements the queued operation methods and the executor
// that drives them through their phases. Every durable mutation of user
// data happens here, under the submitting user's queue lock, so that a
// retried operation converges on the same final state however many times
// it is attempted.
package ops

import (
	"context"
	"sort"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/service/params"
)

// Operation is one queued method. The executor drives the phases in
// order; see Executor for the replay rules each phase must obey.
type Operation interface {
	// Locks returns ids of resources the operation mutates beyond the
	// submitting user's own queue, typically "vp:<viewpoint_id>". The
	// executor acquires them in sorted order before Check and holds them
	// until the operation completes or aborts.
	Locks(oc *Context) []string

	// Check validates permissions and makes every decision the later
	// phases act on. Decisions that a replay could recompute differently
	// (because Update already ran) are persisted in the operation's
	// checkpoint. Check may not mutate asset tables; it may allocate ids
	// and write checkpoints.
	Check(ctx context.Context, oc *Context) error

	// Update applies the mutations decided by Check. Every write must
	// tolerate replay: conditional puts treat AlreadyExists as success,
	// attribute writes are absolute rather than relative.
	Update(ctx context.Context, oc *Context) error

	// Account records the operation's usage deltas on the context's
	// accumulator. The executor applies them keyed by operation id, so a
	// replayed operation never double-counts.
	Account(ctx context.Context, oc *Context) error

	// Notify writes notification rows telling affected users what to
	// refetch. Failures here are retried by the scheduler but the
	// operation's mutations are already durable.
	Notify(ctx context.Context, oc *Context) error
}

// nopLocks is embedded by operations confined to the submitting user's
// own rows, which the queue lock already serializes.
type nopLocks struct{}

func (nopLocks) Locks(oc *Context) []string { return nil }

// nopAccount is embedded by operations with no accounting impact.
type nopAccount struct{}

func (nopAccount) Account(ctx context.Context, oc *Context) error { return nil }

// nopNotify is embedded by operations whose effects are invisible to
// clients (no caches to invalidate).
type nopNotify struct{}

func (nopNotify) Notify(ctx context.Context, oc *Context) error { return nil }

// Factory builds an operation from its decoded JSON arguments. Argument
// errors are client errors: the method can never succeed, so the
// operation is rejected at submission rather than retried.
type Factory func(args map[string]interface{}) (Operation, error)

// Registry maps method names to operation factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry of every supported method.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.register("add_followers", newAddFollowers)
	r.register("hide_photos", newHidePhotos)
	r.register("link_identity", newLinkIdentity)
	r.register("merge_accounts", newMergeAccounts)
	r.register("post_comment", newPostComment)
	r.register("register_prospective_user", newRegisterProspectiveUser)
	r.register("remove_followers", newRemoveFollowers)
	r.register("remove_photos", newRemovePhotos)
	r.register("remove_viewpoint", newRemoveViewpoint)
	r.register("share_existing", newShareExisting)
	r.register("share_new", newShareNew)
	r.register("terminate_account", newTerminateAccount)
	r.register("unlink_identity", newUnlinkIdentity)
	r.register("unshare", newUnshare)
	r.register("update_device", newUpdateDevice)
	r.register("update_follower", newUpdateFollower)
	r.register("update_friend", newUpdateFriend)
	r.register("update_photo", newUpdatePhoto)
	r.register("update_user_photo", newUpdateUserPhoto)
	r.register("update_viewpoint", newUpdateViewpoint)
	r.register("upload_contacts", newUploadContacts)
	r.register("upload_episode", newUploadEpisode)
	return r
}

func (r *Registry) register(method string, f Factory) {
	if _, ok := r.factories[method]; ok {
		panic(errors.Errorf("duplicate operation method %q", method))
	}
	r.factories[method] = f
}

// Known reports whether method is a registered operation.
func (r *Registry) Known(method string) bool {
	_, ok := r.factories[method]
	return ok
}

// Methods returns the registered method names, sorted.
func (r *Registry) Methods() []string {
	methods := make([]string, 0, len(r.factories))
	for m := range r.factories {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Decode builds the operation for method from its arguments.
func (r *Registry) Decode(method string, args map[string]interface{}) (Operation, error) {
	f, ok := r.factories[method]
	if !ok {
		return nil, params.Invalidf("", "unknown operation method %q", method)
	}
	op, err := f(args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return op, nil
}

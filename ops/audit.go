// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// auditClient guards the read-only phase. Reads pass through; mutations
// are restricted to the coordination tables (locks, operations, the id
// allocator) plus single asset-id sequence bumps on the user row. Any
// other write is a programming error in the operation's Check method, so
// it panics rather than returning an error that could be swallowed.
type auditClient struct {
	kv.Client

	// tables that may be freely written during the read-only phase
	writable set.Strings
	// userTable admits only asset_id_seq Adds
	userTable string
}

func newAuditClient(client kv.Client, tablePrefix string) *auditClient {
	return &auditClient{
		Client: client,
		writable: set.NewStrings(
			tablePrefix+"lock",
			tablePrefix+"operation",
			tablePrefix+"id_allocator",
		),
		userTable: tablePrefix + "user",
	}
}

func (a *auditClient) PutItem(ctx context.Context, t kv.Table, item kv.Item, expected ...kv.Expected) error {
	a.checkWrite(t, nil)
	return a.Client.PutItem(ctx, t, item, expected...)
}

func (a *auditClient) UpdateItem(ctx context.Context, t kv.Table, key kv.Key, updates []kv.Update, expected ...kv.Expected) (kv.Item, error) {
	a.checkWrite(t, updates)
	return a.Client.UpdateItem(ctx, t, key, updates, expected...)
}

func (a *auditClient) DeleteItem(ctx context.Context, t kv.Table, key kv.Key, expected ...kv.Expected) error {
	a.checkWrite(t, nil)
	return a.Client.DeleteItem(ctx, t, key, expected...)
}

func (a *auditClient) checkWrite(t kv.Table, updates []kv.Update) {
	if a.writable.Contains(t.Name) {
		return
	}
	if t.Name == a.userTable && isAssetSeqBump(updates) {
		return
	}
	panic(errors.Errorf("mutation of table %q during read-only phase", t.Name))
}

func isAssetSeqBump(updates []kv.Update) bool {
	if len(updates) == 0 {
		return false
	}
	for _, u := range updates {
		if u.Action != kv.UpdateAdd || u.Name != "asset_id_seq" {
			return false
		}
	}
	return true
}

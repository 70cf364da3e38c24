// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// Accounting rows live under two hash prefixes: per-user totals under
// "us:<user_id>" and per-viewpoint totals under "vs:<viewpoint_id>". The
// sort key picks the scope within: "ow" for what the user owns, "sb:<uid>"
// for what a user shared into a viewpoint, "vt" for everything visible in
// a viewpoint.
const (
	userAccountingPrefix      = "us"
	viewpointAccountingPrefix = "vs"
	ownedBySort               = "ow"
	sharedBySort              = "sb"
	visibleToSort             = "vt"

	// maxAccountingOpIDs bounds the applied-operation memory per row.
	// Oldest ids fall off first; an operation reappearing after 32
	// successors have run is already far beyond the retry horizon.
	maxAccountingOpIDs = 32
)

// AccountingKey identifies one accounting row.
type AccountingKey struct {
	HashKey string
	SortKey string
}

// OwnedByKey is the accounting row for a user's own library.
func OwnedByKey(userID int64) AccountingKey {
	return AccountingKey{
		HashKey: fmt.Sprintf("%s:%d", userAccountingPrefix, userID),
		SortKey: ownedBySort,
	}
}

// SharedByKey is the accounting row for what one user shared into a
// viewpoint.
func SharedByKey(viewpointID string, userID int64) AccountingKey {
	return AccountingKey{
		HashKey: fmt.Sprintf("%s:%s", viewpointAccountingPrefix, viewpointID),
		SortKey: fmt.Sprintf("%s:%d", sharedBySort, userID),
	}
}

// VisibleToKey is the accounting row for everything visible in a
// viewpoint.
func VisibleToKey(viewpointID string) AccountingKey {
	return AccountingKey{
		HashKey: fmt.Sprintf("%s:%s", viewpointAccountingPrefix, viewpointID),
		SortKey: visibleToSort,
	}
}

// AccountingDelta is a signed change to one row's counters.
type AccountingDelta struct {
	SizeBytes        int64
	NumPhotos        int64
	NumConversations int64
}

// IsZero reports whether the delta changes nothing.
func (d AccountingDelta) IsZero() bool {
	return d.SizeBytes == 0 && d.NumPhotos == 0 && d.NumConversations == 0
}

func (d *AccountingDelta) add(o AccountingDelta) {
	d.SizeBytes += o.SizeBytes
	d.NumPhotos += o.NumPhotos
	d.NumConversations += o.NumConversations
}

// Accounting is one row's current totals.
type Accounting struct {
	Key   AccountingKey
	Total AccountingDelta
	OpIDs []string
}

// AccountingAccumulator collects counter deltas during an operation and
// applies them exactly once. Every row remembers the ids of the last
// operations applied to it, so a replay after a crash between rows skips
// the rows already counted.
type AccountingAccumulator struct {
	order  []AccountingKey
	deltas map[AccountingKey]*AccountingDelta
}

// NewAccountingAccumulator returns an empty accumulator.
func NewAccountingAccumulator() *AccountingAccumulator {
	return &AccountingAccumulator{deltas: make(map[AccountingKey]*AccountingDelta)}
}

// Add merges a delta into the pending change for key.
func (a *AccountingAccumulator) Add(key AccountingKey, delta AccountingDelta) {
	if delta.IsZero() {
		return
	}
	d, ok := a.deltas[key]
	if !ok {
		d = &AccountingDelta{}
		a.deltas[key] = d
		a.order = append(a.order, key)
	}
	d.add(delta)
}

// IsZero reports whether nothing has been accumulated.
func (a *AccountingAccumulator) IsZero() bool {
	for _, d := range a.deltas {
		if !d.IsZero() {
			return false
		}
	}
	return true
}

// Apply writes the accumulated deltas, tagging each row with opID so a
// replay of the same operation is a no-op. Rows are written in insertion
// order; a crash mid-way leaves a prefix applied, which the replay skips.
func (a *AccountingAccumulator) Apply(ctx context.Context, st *Store, opID string) error {
	for _, key := range a.order {
		delta := a.deltas[key]
		if delta.IsZero() {
			continue
		}
		if err := st.applyAccounting(ctx, key, *delta, opID); err != nil {
			return errors.Annotatef(err, "accounting %s/%s", key.HashKey, key.SortKey)
		}
	}
	return nil
}

// applyAccounting applies one row's delta under optimistic concurrency:
// re-read and retry while other operations race the same row.
func (s *Store) applyAccounting(ctx context.Context, key AccountingKey, delta AccountingDelta, opID string) error {
	const maxApplyAttempts = 5

	rowKey := kv.Key{Hash: kv.S(key.HashKey), Range: kv.S(key.SortKey)}
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		item, err := s.kv.GetItem(ctx, s.table(accountingT), rowKey)
		if errors.Is(err, kv.ErrNotFound) {
			fresh := kv.Item{
				"hash_key": kv.S(key.HashKey),
				"sort_key": kv.S(key.SortKey),
				"op_ids":   kv.S(opID),
			}
			if delta.SizeBytes != 0 {
				fresh["size_bytes"] = kv.N(delta.SizeBytes)
			}
			if delta.NumPhotos != 0 {
				fresh["num_photos"] = kv.N(delta.NumPhotos)
			}
			if delta.NumConversations != 0 {
				fresh["num_conversations"] = kv.N(delta.NumConversations)
			}
			err = s.kv.PutItem(ctx, s.table(accountingT), fresh, kv.Absent("hash_key"))
			if errors.Is(err, kv.ErrConditionFailed) {
				continue
			}
			return errors.Trace(err)
		} else if err != nil {
			return errors.Trace(err)
		}

		for _, id := range splitOpIDs(item.Str("op_ids")) {
			if id == opID {
				return nil
			}
		}

		updates := []kv.Update{
			kv.Put("op_ids", appendOpID(item.Str("op_ids"), opID)),
		}
		if delta.SizeBytes != 0 {
			updates = append(updates, kv.Add("size_bytes", kv.N(delta.SizeBytes)))
		}
		if delta.NumPhotos != 0 {
			updates = append(updates, kv.Add("num_photos", kv.N(delta.NumPhotos)))
		}
		if delta.NumConversations != 0 {
			updates = append(updates, kv.Add("num_conversations", kv.N(delta.NumConversations)))
		}
		var expected kv.Expected
		if item.Has("op_ids") {
			expected = kv.Equals("op_ids", item["op_ids"])
		} else {
			expected = kv.Absent("op_ids")
		}
		_, err = s.kv.UpdateItem(ctx, s.table(accountingT), rowKey, updates, expected)
		if errors.Is(err, kv.ErrConditionFailed) {
			continue
		}
		return errors.Trace(err)
	}
	return errors.Errorf("contention applying accounting to %s/%s", key.HashKey, key.SortKey)
}

func appendOpID(csv, opID string) kv.Value {
	if csv == "" {
		return kv.S(opID)
	}
	ids := strings.Split(csv, ",")
	ids = append(ids, opID)
	if len(ids) > maxAccountingOpIDs {
		ids = ids[len(ids)-maxAccountingOpIDs:]
	}
	return kv.S(strings.Join(ids, ","))
}

// AccountingRow reads one row's totals, failing with NotFound when the row
// has never been written.
func (s *Store) AccountingRow(ctx context.Context, key AccountingKey) (*Accounting, error) {
	item, err := s.kv.GetItem(ctx, s.table(accountingT),
		kv.Key{Hash: kv.S(key.HashKey), Range: kv.S(key.SortKey)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("accounting %s/%s", key.HashKey, key.SortKey)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Accounting{
		Key: key,
		Total: AccountingDelta{
			SizeBytes:        item.Int("size_bytes"),
			NumPhotos:        item.Int("num_photos"),
			NumConversations: item.Int("num_conversations"),
		},
		OpIDs: splitOpIDs(item.Str("op_ids")),
	}, nil
}

// ViewpointAccounting returns all accounting rows for one viewpoint.
func (s *Store) ViewpointAccounting(ctx context.Context, viewpointID string) ([]*Accounting, error) {
	hash := fmt.Sprintf("%s:%s", viewpointAccountingPrefix, viewpointID)
	page, err := s.kv.Query(ctx, s.table(accountingT), kv.Query{Hash: kv.S(hash)})
	if err != nil {
		return nil, errors.Trace(err)
	}
	rows := make([]*Accounting, 0, len(page.Items))
	for _, item := range page.Items {
		rows = append(rows, &Accounting{
			Key: AccountingKey{HashKey: item.Str("hash_key"), SortKey: item.Str("sort_key")},
			Total: AccountingDelta{
				SizeBytes:        item.Int("size_bytes"),
				NumPhotos:        item.Int("num_photos"),
				NumConversations: item.Int("num_conversations"),
			},
			OpIDs: splitOpIDs(item.Str("op_ids")),
		})
	}
	return rows, nil
}

func splitOpIDs(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

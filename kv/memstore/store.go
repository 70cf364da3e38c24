// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package memstore is an in-process kv.Client. It implements the full
// conditional-write and range-query contract atomically under one lock,
// which makes it the substrate for every test suite and for single-node
// smoke deployments. Nothing is persisted.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

// Store implements kv.Client in memory.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
}

type table struct {
	spec   kv.Table
	groups map[string]*group
}

type group struct {
	hash kv.Value
	rows []kv.Item // sorted by range key
}

// New returns an empty store. Tables are created lazily on first write, so
// no schema registration is needed.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

func (s *Store) tableFor(t kv.Table, create bool) (*table, error) {
	tbl, ok := s.tables[t.Name]
	if !ok {
		if !create {
			return nil, errors.Annotatef(kv.ErrTableNotFound, "table %q", t.Name)
		}
		tbl = &table{spec: t, groups: make(map[string]*group)}
		s.tables[t.Name] = tbl
	}
	return tbl, nil
}

// encode produces a stable map key for a hash value. Numbers are
// normalised so that equal numbers collide regardless of spelling.
func encode(v kv.Value) string {
	switch v.Kind() {
	case kv.KindString:
		return "S:" + v.Str()
	case kv.KindNumber:
		if n, err := v.Int(); err == nil {
			return "N:" + strconv.FormatInt(n, 10)
		}
		f, _ := v.Float()
		return "N:" + strconv.FormatFloat(f, 'g', -1, 64)
	case kv.KindBytes:
		return "B:" + string(v.Bytes())
	}
	return "?:" + v.String()
}

func (t *table) find(key kv.Key) (*group, int, bool) {
	g, ok := t.groups[encode(key.Hash)]
	if !ok {
		return nil, 0, false
	}
	if t.spec.RangeKey == "" {
		if len(g.rows) == 0 {
			return g, 0, false
		}
		return g, 0, true
	}
	i := sort.Search(len(g.rows), func(i int) bool {
		return !g.rows[i][t.spec.RangeKey].Less(key.Range)
	})
	if i < len(g.rows) && g.rows[i][t.spec.RangeKey].Equal(key.Range) {
		return g, i, true
	}
	return g, i, false
}

func (t *table) insert(g *group, i int, item kv.Item) *group {
	if g == nil {
		g = &group{hash: item[t.spec.HashKey]}
		t.groups[encode(g.hash)] = g
	}
	if t.spec.RangeKey == "" {
		g.rows = []kv.Item{item}
		return g
	}
	g.rows = append(g.rows, nil)
	copy(g.rows[i+1:], g.rows[i:])
	g.rows[i] = item
	return g
}

func checkExpected(item kv.Item, expected []kv.Expected) error {
	for _, e := range expected {
		if !e.Matches(item) {
			return errors.Annotatef(kv.ErrConditionFailed, "attribute %q", e.Name)
		}
	}
	return nil
}

// GetItem is part of kv.Client.
func (s *Store) GetItem(ctx context.Context, t kv.Table, key kv.Key) (kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, ok := s.tables[t.Name]
	if !ok {
		return nil, errors.Annotatef(kv.ErrNotFound, "table %q key %s", t.Name, key)
	}
	g, i, found := tbl.find(key)
	if !found {
		return nil, errors.Annotatef(kv.ErrNotFound, "table %q key %s", t.Name, key)
	}
	return g.rows[i].Clone(), nil
}

// BatchGetItem is part of kv.Client.
func (s *Store) BatchGetItem(ctx context.Context, t kv.Table, keys []kv.Key) ([]kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]kv.Item, len(keys))
	tbl, ok := s.tables[t.Name]
	if !ok {
		return out, nil
	}
	for n, key := range keys {
		if g, i, found := tbl.find(key); found {
			out[n] = g.rows[i].Clone()
		}
	}
	return out, nil
}

// PutItem is part of kv.Client.
func (s *Store) PutItem(ctx context.Context, t kv.Table, item kv.Item, expected ...kv.Expected) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := validateKey(t, item); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.tableFor(t, true)
	if err != nil {
		return errors.Trace(err)
	}
	g, i, found := tbl.find(t.Key(item))
	var existing kv.Item
	if found {
		existing = g.rows[i]
	}
	if err := checkExpected(existing, expected); err != nil {
		return errors.Trace(err)
	}
	if found {
		g.rows[i] = item.Clone()
		return nil
	}
	tbl.insert(g, i, item.Clone())
	return nil
}

// UpdateItem is part of kv.Client.
func (s *Store) UpdateItem(ctx context.Context, t kv.Table, key kv.Key, updates []kv.Update, expected ...kv.Expected) (kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	for _, u := range updates {
		if u.Name == t.HashKey || u.Name == t.RangeKey {
			return nil, errors.NotValidf("update of key attribute %q", u.Name)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.tableFor(t, true)
	if err != nil {
		return nil, errors.Trace(err)
	}
	g, i, found := tbl.find(key)
	var existing kv.Item
	if found {
		existing = g.rows[i]
	}
	if err := checkExpected(existing, expected); err != nil {
		return nil, errors.Trace(err)
	}

	var row kv.Item
	if found {
		row = existing.Clone()
	} else {
		row = t.KeyItem(key)
	}
	for _, u := range updates {
		if err := applyUpdate(row, u); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if found {
		g.rows[i] = row
	} else {
		tbl.insert(g, i, row)
	}
	return row.Clone(), nil
}

func applyUpdate(row kv.Item, u kv.Update) error {
	switch u.Action {
	case kv.UpdatePut:
		row[u.Name] = u.Value

	case kv.UpdateAdd:
		switch u.Value.Kind() {
		case kv.KindNumber:
			cur := int64(0)
			if existing, ok := row[u.Name]; ok && !existing.IsZero() {
				n, err := existing.Int()
				if err != nil {
					return errors.NotValidf("ADD to non-integer attribute %q", u.Name)
				}
				cur = n
			}
			delta, err := u.Value.Int()
			if err != nil {
				return errors.NotValidf("non-integer ADD on %q", u.Name)
			}
			row[u.Name] = kv.N(cur + delta)
		case kv.KindStringSet:
			merged := append(row[u.Name].Set(), u.Value.Set()...)
			row[u.Name] = kv.SS(merged...)
		default:
			return errors.NotValidf("ADD of %s value", u.Value.Kind())
		}

	case kv.UpdateDelete:
		if u.Value.Kind() == kv.KindStringSet {
			remove := make(map[string]bool, len(u.Value.Set()))
			for _, e := range u.Value.Set() {
				remove[e] = true
			}
			var kept []string
			for _, e := range row[u.Name].Set() {
				if !remove[e] {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				delete(row, u.Name)
			} else {
				row[u.Name] = kv.SS(kept...)
			}
			break
		}
		delete(row, u.Name)
	}
	return nil
}

// DeleteItem is part of kv.Client.
func (s *Store) DeleteItem(ctx context.Context, t kv.Table, key kv.Key, expected ...kv.Expected) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, ok := s.tables[t.Name]
	if !ok {
		if err := checkExpected(nil, expected); err != nil {
			return errors.Trace(err)
		}
		return nil
	}
	g, i, found := tbl.find(key)
	var existing kv.Item
	if found {
		existing = g.rows[i]
	}
	if err := checkExpected(existing, expected); err != nil {
		return errors.Trace(err)
	}
	if found {
		g.rows = append(g.rows[:i], g.rows[i+1:]...)
		if len(g.rows) == 0 {
			delete(tbl.groups, encode(key.Hash))
		}
	}
	return nil
}

// Query is part of kv.Client.
func (s *Store) Query(ctx context.Context, t kv.Table, q kv.Query) (kv.Page, error) {
	if err := ctx.Err(); err != nil {
		return kv.Page{}, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var page kv.Page
	tbl, ok := s.tables[t.Name]
	if !ok {
		return page, nil
	}
	g, ok := tbl.groups[encode(q.Hash)]
	if !ok {
		return page, nil
	}

	rows := g.rows
	index := make([]int, 0, len(rows))
	if q.Descending {
		for i := len(rows) - 1; i >= 0; i-- {
			index = append(index, i)
		}
	} else {
		for i := range rows {
			index = append(index, i)
		}
	}
	for _, i := range index {
		rk := rows[i][t.RangeKey]
		if !q.StartAfter.IsZero() {
			if q.Descending && !rk.Less(q.StartAfter) {
				continue
			}
			if !q.Descending && !q.StartAfter.Less(rk) {
				continue
			}
		}
		if !q.Range.Matches(rk) {
			continue
		}
		page.Items = append(page.Items, rows[i].Clone())
		if q.Limit > 0 && len(page.Items) == q.Limit {
			page.Last = rk
			break
		}
	}
	return page, nil
}

// Scan is part of kv.Client. Order is stable across calls: groups by
// encoded hash key, rows by range key.
func (s *Store) Scan(ctx context.Context, t kv.Table, sc kv.Scan) (kv.ScanPage, error) {
	if err := ctx.Err(); err != nil {
		return kv.ScanPage{}, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var page kv.ScanPage
	tbl, ok := s.tables[t.Name]
	if !ok {
		return page, nil
	}

	hashes := make([]string, 0, len(tbl.groups))
	for h := range tbl.groups {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	started := sc.StartAfter == nil
	var startHash string
	if sc.StartAfter != nil {
		startHash = encode(sc.StartAfter.Hash)
	}
	for _, h := range hashes {
		if !started && h < startHash {
			continue
		}
		g := tbl.groups[h]
		for _, row := range g.rows {
			if !started {
				// Resume by position so a deleted start key cannot
				// stall the walk.
				if h == startHash && !sc.StartAfter.Range.Less(row[t.RangeKey]) {
					continue
				}
				started = true
			}
			page.Items = append(page.Items, row.Clone())
			if sc.Limit > 0 && len(page.Items) == sc.Limit {
				last := t.Key(row)
				page.Last = &last
				return page, nil
			}
		}
	}
	return page, nil
}

// Dump returns a snapshot of every table's rows in scan order, keyed by
// table name. Tests compare dumps to prove two histories converged on the
// same store contents. Empty tables are omitted.
func (s *Store) Dump() map[string][]kv.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]kv.Item, len(s.tables))
	for name, tbl := range s.tables {
		hashes := make([]string, 0, len(tbl.groups))
		for h := range tbl.groups {
			hashes = append(hashes, h)
		}
		sort.Strings(hashes)

		var rows []kv.Item
		for _, h := range hashes {
			for _, row := range tbl.groups[h].rows {
				rows = append(rows, row.Clone())
			}
		}
		if len(rows) > 0 {
			out[name] = rows
		}
	}
	return out
}

func validateKey(t kv.Table, item kv.Item) error {
	if !item.Has(t.HashKey) {
		return errors.NotValidf("item missing hash key %q", t.HashKey)
	}
	if t.RangeKey != "" && !item.Has(t.RangeKey) {
		return errors.NotValidf("item missing range key %q", t.RangeKey)
	}
	return nil
}

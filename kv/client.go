// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package kv abstracts the key-value store the service persists to. The
// data model is DynamoDB's: tables keyed by a hash attribute and an
// optional range attribute, rows of typed attribute values, conditional
// single-item writes, and range queries in key order.
//
// There are no multi-item transactions. Conditional writes are the only
// coordination primitive, so ErrConditionFailed is part of the contract:
// callers branch on it to implement idempotent replays, optimistic id
// allocation and lock acquisition. Backends retry throttling errors
// (ErrThroughputExceeded) internally with exponential backoff, but always
// surface ErrConditionFailed unchanged.
package kv

import (
	"context"
)

// Query describes a range query within one hash key. Results come back in
// range key order (descending when Descending is set), filtered by the
// optional range condition, starting after StartAfter when given.
type Query struct {
	Hash       Value
	Range      *RangeCondition
	Limit      int
	Descending bool
	StartAfter Value
}

// Page is one page of query results. Last holds the range key of the final
// item when the page was cut short by Limit, and is passed back as
// StartAfter to continue; a zero Last means the query is exhausted.
type Page struct {
	Items []Item
	Last  Value
}

// Scan describes a whole-table walk, in unspecified but stable order.
type Scan struct {
	Limit      int
	StartAfter *Key
}

// ScanPage is one page of scan results; Last works like Page.Last.
type ScanPage struct {
	Items []Item
	Last  *Key
}

// Client is the store interface. All implementations are safe for
// concurrent use.
type Client interface {
	// GetItem reads one row, returning ErrNotFound when absent.
	GetItem(ctx context.Context, t Table, key Key) (Item, error)

	// BatchGetItem reads many rows from one table. The result has the
	// same length and order as keys, with nil entries for missing rows.
	BatchGetItem(ctx context.Context, t Table, keys []Key) ([]Item, error)

	// PutItem writes a whole row, replacing any existing one, subject to
	// the preconditions.
	PutItem(ctx context.Context, t Table, item Item, expected ...Expected) error

	// UpdateItem applies attribute updates to a row, creating it when
	// absent (unless a precondition forbids that), and returns the row's
	// new contents.
	UpdateItem(ctx context.Context, t Table, key Key, updates []Update, expected ...Expected) (Item, error)

	// DeleteItem removes a row, subject to the preconditions. Deleting an
	// absent row without preconditions is not an error.
	DeleteItem(ctx context.Context, t Table, key Key, expected ...Expected) error

	// Query returns rows under one hash key in range key order.
	Query(ctx context.Context, t Table, q Query) (Page, error)

	// Scan walks the whole table.
	Scan(ctx context.Context, t Table, s Scan) (ScanPage, error)
}

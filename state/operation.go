// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"
	"encoding/json"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

type operationDoc struct {
	UserID       int64
	OperationID  string
	DeviceID     int64
	Method       string
	JSON         string
	Timestamp    int64
	Attempts     int64
	Checkpoint   string
	BackoffUntil int64
	Quarantine   bool
}

func newOperationDoc(item kv.Item) operationDoc {
	return operationDoc{
		UserID:       item.Int("user_id"),
		OperationID:  item.Str("operation_id"),
		DeviceID:     item.Int("device_id"),
		Method:       item.Str("method"),
		JSON:         item.Str("json"),
		Timestamp:    item.Int("timestamp"),
		Attempts:     item.Int("attempts"),
		Checkpoint:   item.Str("checkpoint"),
		BackoffUntil: item.Int("backoff"),
		Quarantine:   item.Bool("quarantine"),
	}
}

func (doc *operationDoc) toItem() kv.Item {
	item := kv.Item{
		"user_id":      kv.N(doc.UserID),
		"operation_id": kv.S(doc.OperationID),
		"device_id":    kv.N(doc.DeviceID),
		"method":       kv.S(doc.Method),
		"json":         kv.S(doc.JSON),
		"timestamp":    kv.N(doc.Timestamp),
	}
	if doc.Attempts != 0 {
		item["attempts"] = kv.N(doc.Attempts)
	}
	if doc.Checkpoint != "" {
		item["checkpoint"] = kv.S(doc.Checkpoint)
	}
	if doc.BackoffUntil != 0 {
		item["backoff"] = kv.N(doc.BackoffUntil)
	}
	if doc.Quarantine {
		item["quarantine"] = kv.Bool(true)
	}
	return item
}

// Operation is one queued mutation. The row is the queue: operations for a
// user are executed in ascending id order and deleted on success, so a
// table scan finds exactly the outstanding work after a crash.
type Operation struct {
	st  *Store
	doc operationDoc
}

// UserID returns the user whose queue holds the operation.
func (o *Operation) UserID() int64 {
	return o.doc.UserID
}

// ID returns the operation's asset id. Ids embed (device, local id), so
// per-device submission order survives the sort.
func (o *Operation) ID() string {
	return o.doc.OperationID
}

// DeviceID returns the submitting device, or zero for server-initiated
// operations.
func (o *Operation) DeviceID() int64 {
	return o.doc.DeviceID
}

// Method returns the operation method name.
func (o *Operation) Method() string {
	return o.doc.Method
}

// Timestamp returns the client-supplied operation time. Mutations replay
// with this time, not the retry time, so retries are deterministic.
func (o *Operation) Timestamp() int64 {
	return o.doc.Timestamp
}

// Attempts returns how many times execution has been started.
func (o *Operation) Attempts() int64 {
	return o.doc.Attempts
}

// BackoffUntil returns the unix time before which the operation must not
// be retried, or zero.
func (o *Operation) BackoffUntil() int64 {
	return o.doc.BackoffUntil
}

// IsQuarantined reports whether the operation has been set aside after
// persistent failure. Quarantined operations block nothing; they wait for
// an operator.
func (o *Operation) IsQuarantined() bool {
	return o.doc.Quarantine
}

// RawArgs returns the operation's argument document as stored.
func (o *Operation) RawArgs() string {
	return o.doc.JSON
}

// ArgsMap unmarshals the operation's arguments into a generic map for
// schema coercion.
func (o *Operation) ArgsMap() (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(o.doc.JSON), &args); err != nil {
		return nil, errors.Annotatef(err, "operation %q args", o.doc.OperationID)
	}
	return args, nil
}

// Checkpoint returns the raw checkpoint blob written by an earlier
// attempt, or nil.
func (o *Operation) Checkpoint() []byte {
	if o.doc.Checkpoint == "" {
		return nil
	}
	return []byte(o.doc.Checkpoint)
}

// InsertOperationArgs names the attributes of a new queued operation.
type InsertOperationArgs struct {
	UserID      int64
	OperationID string
	DeviceID    int64
	Method      string
	JSON        string
	Timestamp   int64
}

// InsertOperation persists a new operation, failing with AlreadyExists
// when the id is taken. A client retrying a submission reuses its op id,
// so AlreadyExists means the earlier submission won and the caller should
// treat the insert as done.
func (s *Store) InsertOperation(ctx context.Context, args InsertOperationArgs) (*Operation, error) {
	if args.OperationID == "" {
		return nil, errors.NotValidf("empty operation id")
	}
	if args.Method == "" {
		return nil, errors.NotValidf("operation %q with empty method", args.OperationID)
	}
	doc := operationDoc{
		UserID:      args.UserID,
		OperationID: args.OperationID,
		DeviceID:    args.DeviceID,
		Method:      args.Method,
		JSON:        args.JSON,
		Timestamp:   args.Timestamp,
	}
	err := s.kv.PutItem(ctx, s.table(operationT), doc.toItem(), kv.Absent("operation_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.AlreadyExistsf("operation %q for user %d", args.OperationID, args.UserID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Operation{st: s, doc: doc}, nil
}

// Operation loads one queued operation, failing with NotFound when absent.
func (s *Store) Operation(ctx context.Context, userID int64, operationID string) (*Operation, error) {
	item, err := s.kv.GetItem(ctx, s.table(operationT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(operationID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("operation %q for user %d", operationID, userID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Operation{st: s, doc: newOperationDoc(item)}, nil
}

// PendingOperations returns a user's queued operations in execution order,
// starting strictly after startAfter (empty to start at the head).
// Quarantined operations are included; the scheduler skips them.
func (s *Store) PendingOperations(ctx context.Context, userID int64, startAfter string, limit int) ([]*Operation, error) {
	q := kv.Query{Hash: kv.N(userID), Limit: limit}
	if startAfter != "" {
		q.Range = kv.RangeGreater(kv.S(startAfter))
	}
	page, err := s.kv.Query(ctx, s.table(operationT), q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ops := make([]*Operation, 0, len(page.Items))
	for _, item := range page.Items {
		ops = append(ops, &Operation{st: s, doc: newOperationDoc(item)})
	}
	return ops, nil
}

// SetOperationCheckpoint records progress made by the current attempt so a
// retry replays the same decisions. Fails with NotFound if the operation
// row has gone away.
func (s *Store) SetOperationCheckpoint(ctx context.Context, userID int64, operationID string, checkpoint []byte) error {
	_, err := s.kv.UpdateItem(ctx, s.table(operationT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(operationID)},
		[]kv.Update{kv.Put("checkpoint", kv.S(string(checkpoint)))},
		kv.Present("operation_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("operation %q for user %d", operationID, userID)
	}
	return errors.Trace(err)
}

// BumpOperationAttempts counts a failed attempt and schedules the next one
// no earlier than backoffUntil. Returns the new attempt count.
func (s *Store) BumpOperationAttempts(ctx context.Context, userID int64, operationID string, backoffUntil int64) (int64, error) {
	item, err := s.kv.UpdateItem(ctx, s.table(operationT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(operationID)},
		[]kv.Update{
			kv.Add("attempts", kv.N(1)),
			kv.Put("backoff", kv.N(backoffUntil)),
		},
		kv.Present("operation_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return 0, errors.NotFoundf("operation %q for user %d", operationID, userID)
	} else if err != nil {
		return 0, errors.Trace(err)
	}
	return item.Int("attempts"), nil
}

// QuarantineOperation sets an operation aside after persistent failure.
// The scheduler steps over quarantined operations so the rest of the
// user's queue can drain.
func (s *Store) QuarantineOperation(ctx context.Context, userID int64, operationID string) error {
	_, err := s.kv.UpdateItem(ctx, s.table(operationT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(operationID)},
		[]kv.Update{kv.Put("quarantine", kv.Bool(true))},
		kv.Present("operation_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("operation %q for user %d", operationID, userID)
	}
	return errors.Trace(err)
}

// DeleteOperation removes a completed (or abandoned) operation. Deleting
// an already-deleted operation is not an error.
func (s *Store) DeleteOperation(ctx context.Context, userID int64, operationID string) error {
	err := s.kv.DeleteItem(ctx, s.table(operationT),
		kv.Key{Hash: kv.N(userID), Range: kv.S(operationID)})
	return errors.Trace(err)
}

// OperationUsers scans the operation table and returns the distinct user
// ids with queued work, ascending. Run at startup to resume queues
// orphaned by a crash.
func (s *Store) OperationUsers(ctx context.Context) ([]int64, error) {
	users := set.NewInts()
	var startAfter *kv.Key
	for {
		page, err := s.kv.Scan(ctx, s.table(operationT), kv.Scan{
			Limit:      100,
			StartAfter: startAfter,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, item := range page.Items {
			users.Add(int(item.Int("user_id")))
		}
		if page.Last == nil {
			break
		}
		startAfter = page.Last
	}
	sorted := users.SortedValues()
	ids := make([]int64, len(sorted))
	for i, id := range sorted {
		ids[i] = int64(id)
	}
	return ids, nil
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package dynamo is the production kv.Client, a translation layer onto
// DynamoDB. Each kv call maps to a single DynamoDB request; conditional
// writes become condition expressions, so the atomicity guarantees the
// rest of the service depends on are DynamoDB's own.
//
// Reads are strongly consistent. The operation engine re-reads rows it
// wrote moments earlier when deciding whether a phase already ran, and
// an eventually consistent read there would re-apply work.
//
// Throttled requests are retried internally with exponential backoff;
// only after the attempts are exhausted does ErrThroughputExceeded reach
// the caller. ErrConditionFailed is never retried and surfaces unchanged.
package dynamo

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

var logger = loggo.GetLogger("viewfinder.kv.dynamo")

const (
	throttleAttempts = 8
	throttleDelay    = 50 * time.Millisecond
	throttleMaxDelay = 5 * time.Second

	// batchGetLimit is the store's cap on keys per BatchGetItem request.
	batchGetLimit = 100
)

// API is the slice of the DynamoDB client the store uses. It is satisfied
// by *dynamodb.Client.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config holds a Client's dependencies.
type Config struct {
	API   API
	Clock clock.Clock
}

// Validate returns an error if the config is incomplete.
func (config Config) Validate() error {
	if config.API == nil {
		return errors.NotValidf("nil API")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Client implements kv.Client on DynamoDB.
type Client struct {
	api   API
	clock clock.Clock
}

// New returns a Client backed by the given DynamoDB API.
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Client{api: config.API, clock: config.Clock}, nil
}

// coerce maps store error types onto the kv contract's errors. Anything
// unrecognised passes through untouched.
func coerce(err error) error {
	if err == nil {
		return nil
	}
	var (
		conditionFailed *types.ConditionalCheckFailedException
		throughput      *types.ProvisionedThroughputExceededException
		requestLimit    *types.RequestLimitExceeded
		limit           *types.LimitExceededException
		noTable         *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &conditionFailed):
		return kv.ErrConditionFailed
	case errors.As(err, &throughput), errors.As(err, &requestLimit):
		return kv.ErrThroughputExceeded
	case errors.As(err, &limit):
		return kv.ErrLimitExceeded
	case errors.As(err, &noTable):
		return kv.ErrTableNotFound
	}
	return err
}

// call runs one store request, retrying throttled attempts with
// exponential backoff until the attempts run out or ctx is done.
func (c *Client) call(ctx context.Context, f func() error) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return coerce(f())
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, kv.ErrThroughputExceeded)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("throttled (attempt %d): %v", attempt, err)
			lastErr = err
		},
		Attempts:    throttleAttempts,
		Delay:       throttleDelay,
		MaxDelay:    throttleMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case retry.IsAttemptsExceeded(err):
		return errors.Annotate(lastErr, "retries exhausted")
	case retry.IsRetryStopped(err):
		return errors.Trace(ctx.Err())
	}
	return err
}

// GetItem is part of kv.Client.
func (c *Client) GetItem(ctx context.Context, t kv.Table, key kv.Key) (kv.Item, error) {
	wireKey, err := encodeKey(t, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out *dynamodb.GetItemOutput
	err = c.call(ctx, func() error {
		var err error
		out, err = c.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(t.Name),
			Key:            wireKey,
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, errors.Annotatef(err, "table %q key %s", t.Name, key)
	}
	if len(out.Item) == 0 {
		return nil, errors.Annotatef(kv.ErrNotFound, "table %q key %s", t.Name, key)
	}
	item, err := decodeItem(out.Item)
	return item, errors.Trace(err)
}

// BatchGetItem is part of kv.Client. The store returns batch results in
// arbitrary order and may leave some keys unprocessed under load, so
// results are matched back to their keys and unprocessed keys retried.
func (c *Client) BatchGetItem(ctx context.Context, t kv.Table, keys []kv.Key) ([]kv.Item, error) {
	out := make([]kv.Item, len(keys))
	slot := make(map[string]int, len(keys))
	pending := make([]map[string]types.AttributeValue, 0, len(keys))
	for i, key := range keys {
		wireKey, err := encodeKey(t, key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		slot[key.String()] = i
		pending = append(pending, wireKey)
	}

	for len(pending) > 0 {
		n := len(pending)
		if n > batchGetLimit {
			n = batchGetLimit
		}
		batch, rest := pending[:n], pending[n:]

		var out2 *dynamodb.BatchGetItemOutput
		err := c.call(ctx, func() error {
			var err error
			out2, err = c.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					t.Name: {Keys: batch, ConsistentRead: aws.Bool(true)},
				},
			})
			return err
		})
		if err != nil {
			return nil, errors.Annotatef(err, "table %q", t.Name)
		}

		for _, raw := range out2.Responses[t.Name] {
			item, err := decodeItem(raw)
			if err != nil {
				return nil, errors.Trace(err)
			}
			i, ok := slot[t.Key(item).String()]
			if !ok {
				return nil, errors.Errorf("table %q returned unrequested key %s", t.Name, t.Key(item))
			}
			out[i] = item
		}
		pending = rest
		if unprocessed, ok := out2.UnprocessedKeys[t.Name]; ok {
			pending = append(pending, unprocessed.Keys...)
		}
	}
	return out, nil
}

// PutItem is part of kv.Client.
func (c *Client) PutItem(ctx context.Context, t kv.Table, item kv.Item, expected ...kv.Expected) error {
	wireItem, err := encodeItem(item)
	if err != nil {
		return errors.Trace(err)
	}
	cond, names, values, err := buildCondition(expected)
	if err != nil {
		return errors.Trace(err)
	}
	input := &dynamodb.PutItemInput{
		TableName:                 aws.String(t.Name),
		Item:                      wireItem,
		ConditionExpression:       cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	err = c.call(ctx, func() error {
		_, err := c.api.PutItem(ctx, input)
		return err
	})
	return errors.Annotatef(err, "table %q key %s", t.Name, t.Key(item))
}

// UpdateItem is part of kv.Client.
func (c *Client) UpdateItem(ctx context.Context, t kv.Table, key kv.Key, updates []kv.Update, expected ...kv.Expected) (kv.Item, error) {
	for _, u := range updates {
		if u.Name == t.HashKey || u.Name == t.RangeKey {
			return nil, errors.NotValidf("update of key attribute %q", u.Name)
		}
	}
	wireKey, err := encodeKey(t, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	b := newExprBuilder()
	updateExpr, err := b.update(updates)
	if err != nil {
		return nil, errors.Trace(err)
	}
	condExpr := b.condition(expected)
	if b.err != nil {
		return nil, errors.Trace(b.err)
	}
	input := &dynamodb.UpdateItemInput{
		TableName:        aws.String(t.Name),
		Key:              wireKey,
		UpdateExpression: aws.String(updateExpr),
		ReturnValues:     types.ReturnValueAllNew,
	}
	if condExpr != "" {
		input.ConditionExpression = aws.String(condExpr)
	}
	if len(b.names) > 0 {
		input.ExpressionAttributeNames = b.names
	}
	if len(b.values) > 0 {
		input.ExpressionAttributeValues = b.values
	}
	var out *dynamodb.UpdateItemOutput
	err = c.call(ctx, func() error {
		var err error
		out, err = c.api.UpdateItem(ctx, input)
		return err
	})
	if err != nil {
		return nil, errors.Annotatef(err, "table %q key %s", t.Name, key)
	}
	item, err := decodeItem(out.Attributes)
	return item, errors.Trace(err)
}

// DeleteItem is part of kv.Client.
func (c *Client) DeleteItem(ctx context.Context, t kv.Table, key kv.Key, expected ...kv.Expected) error {
	wireKey, err := encodeKey(t, key)
	if err != nil {
		return errors.Trace(err)
	}
	cond, names, values, err := buildCondition(expected)
	if err != nil {
		return errors.Trace(err)
	}
	input := &dynamodb.DeleteItemInput{
		TableName:                 aws.String(t.Name),
		Key:                       wireKey,
		ConditionExpression:       cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	err = c.call(ctx, func() error {
		_, err := c.api.DeleteItem(ctx, input)
		return err
	})
	return errors.Annotatef(err, "table %q key %s", t.Name, key)
}

// Query is part of kv.Client.
func (c *Client) Query(ctx context.Context, t kv.Table, q kv.Query) (kv.Page, error) {
	b := newExprBuilder()
	keyExpr, err := b.keyCondition(t, q)
	if err != nil {
		return kv.Page{}, errors.Trace(err)
	}
	if b.err != nil {
		return kv.Page{}, errors.Trace(b.err)
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(t.Name),
		KeyConditionExpression:    aws.String(keyExpr),
		ExpressionAttributeNames:  b.names,
		ExpressionAttributeValues: b.values,
		ConsistentRead:            aws.Bool(true),
	}
	if q.Limit > 0 {
		input.Limit = aws.Int32(int32(q.Limit))
	}
	if q.Descending {
		input.ScanIndexForward = aws.Bool(false)
	}
	if !q.StartAfter.IsZero() {
		startKey, err := encodeKey(t, kv.Key{Hash: q.Hash, Range: q.StartAfter})
		if err != nil {
			return kv.Page{}, errors.Trace(err)
		}
		input.ExclusiveStartKey = startKey
	}
	var out *dynamodb.QueryOutput
	err = c.call(ctx, func() error {
		var err error
		out, err = c.api.Query(ctx, input)
		return err
	})
	if err != nil {
		return kv.Page{}, errors.Annotatef(err, "table %q hash %s", t.Name, q.Hash)
	}

	var page kv.Page
	for _, raw := range out.Items {
		item, err := decodeItem(raw)
		if err != nil {
			return kv.Page{}, errors.Trace(err)
		}
		page.Items = append(page.Items, item)
	}
	if av, ok := out.LastEvaluatedKey[t.RangeKey]; ok {
		last, err := decodeValue(av)
		if err != nil {
			return kv.Page{}, errors.Trace(err)
		}
		page.Last = last
	}
	return page, nil
}

// Scan is part of kv.Client. Scans are used by maintenance walks only,
// so eventually consistent reads are fine here.
func (c *Client) Scan(ctx context.Context, t kv.Table, s kv.Scan) (kv.ScanPage, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(t.Name),
	}
	if s.Limit > 0 {
		input.Limit = aws.Int32(int32(s.Limit))
	}
	if s.StartAfter != nil {
		startKey, err := encodeKey(t, *s.StartAfter)
		if err != nil {
			return kv.ScanPage{}, errors.Trace(err)
		}
		input.ExclusiveStartKey = startKey
	}
	var out *dynamodb.ScanOutput
	err := c.call(ctx, func() error {
		var err error
		out, err = c.api.Scan(ctx, input)
		return err
	})
	if err != nil {
		return kv.ScanPage{}, errors.Annotatef(err, "table %q", t.Name)
	}

	var page kv.ScanPage
	for _, raw := range out.Items {
		item, err := decodeItem(raw)
		if err != nil {
			return kv.ScanPage{}, errors.Trace(err)
		}
		page.Items = append(page.Items, item)
	}
	if len(out.LastEvaluatedKey) > 0 {
		last, err := decodeKey(t, out.LastEvaluatedKey)
		if err != nil {
			return kv.ScanPage{}, errors.Trace(err)
		}
		page.Last = &last
	}
	return page, nil
}

// buildCondition renders preconditions as condition expression fields,
// all nil when there are none.
func buildCondition(expected []kv.Expected) (*string, map[string]string, map[string]types.AttributeValue, error) {
	if len(expected) == 0 {
		return nil, nil, nil, nil
	}
	b := newExprBuilder()
	cond := b.condition(expected)
	if b.err != nil {
		return nil, nil, nil, errors.Trace(b.err)
	}
	var names map[string]string
	if len(b.names) > 0 {
		names = b.names
	}
	var values map[string]types.AttributeValue
	if len(b.values) > 0 {
		values = b.values
	}
	return aws.String(cond), names, values, nil
}

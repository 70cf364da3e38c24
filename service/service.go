// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package service is the client-facing surface: it validates requests,
// persists operations for the queue, and answers queries straight from
// the store. Every durable mutation flows through exactly one path
// (persist the operation, then wake the submitting user's queue);
// queries never enqueue anything.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/viewfinderco/viewfinder-sub004/core/assetid"
	"github.com/viewfinderco/viewfinder-sub004/notify"
	"github.com/viewfinderco/viewfinder-sub004/ops"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
	"github.com/viewfinderco/viewfinder-sub004/worker/opqueue"
)

var logger = loggo.GetLogger("viewfinder.service")

// clientLogURLExpiry bounds how long a device may hold a signed log
// upload slot before it must request a fresh one.
const clientLogURLExpiry = time.Hour

// URLSigner produces signed, expiring URLs for direct client access to
// blob storage.
type URLSigner interface {
	// SignPut returns a URL granting one HTTP PUT of contentType to the
	// named key, valid for expires. A positive numBytes pins the upload
	// to exactly that size.
	SignPut(ctx context.Context, key, contentType string, numBytes int64, expires time.Duration) (string, error)
}

// OperationQueue schedules persisted operations. *opqueue.Manager
// implements it.
type OperationQueue interface {
	Submit(userID int64, operationID string, synchronous bool) (<-chan opqueue.Result, error)
}

// Config holds a Service's dependencies.
type Config struct {
	State    *state.Store
	Registry *ops.Registry
	Queue    OperationQueue
	Notifier *notify.Manager
	Clock    clock.Clock
	Signer   URLSigner
}

// Validate returns an error if the config is incomplete.
func (config Config) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Queue == nil {
		return errors.NotValidf("nil Queue")
	}
	if config.Notifier == nil {
		return errors.NotValidf("nil Notifier")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Signer == nil {
		return errors.NotValidf("nil Signer")
	}
	return nil
}

// Service answers client requests.
type Service struct {
	st       *state.Store
	registry *ops.Registry
	queue    OperationQueue
	notifier *notify.Manager
	clock    clock.Clock
	signer   URLSigner
}

// NewService returns a Service backed by config.
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Service{
		st:       config.State,
		registry: config.Registry,
		queue:    config.Queue,
		notifier: config.Notifier,
		clock:    config.Clock,
		signer:   config.Signer,
	}, nil
}

// CreateAndExecute persists one operation and wakes the submitting user's
// queue. Argument errors are rejected here, before anything is persisted.
// Resubmitting an operation id is idempotent: the original submission
// wins and the duplicate acknowledges it.
//
// When the headers ask for a synchronous answer the call waits for the
// operation's terminal result. A queue held by another host or a shutdown
// mid-wait degrade to the asynchronous acknowledgement: the operation is
// persisted and will run either way.
func (s *Service) CreateAndExecute(ctx context.Context, userID, deviceID int64, req params.OperationRequest) (params.OperationResponse, error) {
	fail := func(err error) (params.OperationResponse, error) {
		return params.OperationResponse{}, err
	}
	if _, err := s.registry.Decode(req.Method, req.Args); err != nil {
		return fail(errors.Trace(err))
	}

	opID := req.Headers.OpID
	if opID == "" {
		seq, err := s.st.AllocateAssetIDs(ctx, userID, 1)
		if err != nil {
			return fail(errors.Trace(err))
		}
		opID = assetid.ConstructOperationID(assetid.ServerDeviceID, uint64(seq))
	}
	timestamp := req.Headers.OpTimestamp
	if timestamp == 0 {
		timestamp = s.clock.Now().Unix()
	}
	blob, err := json.Marshal(req.Args)
	if err != nil {
		return fail(errors.Trace(err))
	}

	_, err = s.st.InsertOperation(ctx, state.InsertOperationArgs{
		UserID:      userID,
		OperationID: opID,
		DeviceID:    deviceID,
		Method:      req.Method,
		JSON:        string(blob),
		Timestamp:   timestamp,
	})
	if errors.Is(err, errors.AlreadyExists) {
		// The first submission won; acknowledge with its timestamp. A
		// NotFound here means the operation already ran to completion.
		if existing, err := s.st.Operation(ctx, userID, opID); err == nil {
			timestamp = existing.Timestamp()
		}
	} else if err != nil {
		return fail(errors.Trace(err))
	}

	resp := params.OperationResponse{OpID: opID, OpTimestamp: timestamp}
	wait, err := s.queue.Submit(userID, opID, req.Headers.Synchronous)
	if err != nil {
		return fail(errors.Trace(err))
	}
	if wait == nil {
		return resp, nil
	}
	select {
	case <-ctx.Done():
		return fail(errors.Trace(ctx.Err()))
	case result := <-wait:
		switch {
		case result.Err == nil:
			return resp, nil
		case errors.Is(result.Err, opqueue.ErrQueueBusy),
			errors.Is(result.Err, opqueue.ErrShuttingDown):
			logger.Debugf("synchronous wait for %s abandoned: %v", opID, result.Err)
			return resp, nil
		default:
			return fail(errors.Trace(result.Err))
		}
	}
}

// AllocateIDs reserves one server-minted asset id per requested type, all
// stamped with the same server time. Devices that cannot mint ids locally
// (the web client) call this before composing operations.
func (s *Service) AllocateIDs(ctx context.Context, userID int64, req params.AllocateIDsRequest) (params.AllocateIDsResponse, error) {
	if len(req.AssetTypes) == 0 {
		return params.AllocateIDsResponse{}, params.Invalidf("", "no asset types requested")
	}
	timestamp := s.clock.Now().Unix()
	seq, err := s.st.AllocateAssetIDs(ctx, userID, int64(len(req.AssetTypes)))
	if err != nil {
		return params.AllocateIDsResponse{}, errors.Trace(err)
	}
	ids := make([]string, len(req.AssetTypes))
	for i, assetType := range req.AssetTypes {
		// A bad type burns the reserved ids, which the allocator's
		// contract already permits for aborted callers.
		id, err := mintAssetID(assetType, timestamp, uint64(seq)+uint64(i))
		if err != nil {
			return params.AllocateIDsResponse{}, errors.Trace(err)
		}
		ids[i] = id
	}
	return params.AllocateIDsResponse{AssetIDs: ids, Timestamp: timestamp}, nil
}

// mintAssetID builds one server-device asset id of the named type.
func mintAssetID(assetType string, timestamp int64, localID uint64) (string, error) {
	uniq := assetid.Uniquifier{LocalID: localID}
	switch assetType {
	case "photo":
		return assetid.NewPhotoID(timestamp, assetid.ServerDeviceID, uniq)
	case "episode":
		return assetid.NewEpisodeID(timestamp, assetid.ServerDeviceID, uniq)
	case "comment":
		return assetid.NewCommentID(timestamp, assetid.ServerDeviceID, uniq)
	case "activity":
		return assetid.NewActivityID(timestamp, assetid.ServerDeviceID, uniq)
	case "operation":
		return assetid.ConstructOperationID(assetid.ServerDeviceID, localID), nil
	case "viewpoint":
		return assetid.ConstructViewpointID(assetid.ServerDeviceID, localID), nil
	}
	return "", params.Invalidf("", "unknown asset type %q", assetType)
}

// NewClientLogURL signs an upload slot for a device diagnostic log. Logs
// land in blob storage keyed by user, day and device so support can find
// them without a database.
func (s *Service) NewClientLogURL(ctx context.Context, userID, deviceID int64, req params.ClientLogRequest) (params.ClientLogResponse, error) {
	if req.ClientLogID == "" {
		return params.ClientLogResponse{}, params.Invalidf("", "empty client log id")
	}
	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = s.clock.Now().Unix()
	}
	day := time.Unix(timestamp, 0).UTC().Format("2006-01-02")
	key := fmt.Sprintf("%d/%s/dev-%d-%s", userID, day, deviceID, req.ClientLogID)
	contentType := req.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	url, err := s.signer.SignPut(ctx, key, contentType, req.NumBytes, clientLogURLExpiry)
	if err != nil {
		return params.ClientLogResponse{}, errors.Trace(err)
	}
	return params.ClientLogResponse{ClientLogPutURL: url}, nil
}

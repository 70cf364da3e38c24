// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/alert"
	"github.com/viewfinderco/viewfinder-sub004/service/params"
	"github.com/viewfinderco/viewfinder-sub004/state"
)

// updateDevice refreshes the submitting device's own metadata and push
// token. A device may only describe itself.
type updateDevice struct {
	nopLocks
	nopAccount
	nopNotify

	deviceID  int64
	attrs     state.UpdateDeviceArgs
	pushToken string
}

func newUpdateDevice(args map[string]interface{}) (Operation, error) {
	const method = "update_device"
	valid, err := coerceArgs(method, schema.Fields{
		"device_id":  schema.ForceInt(),
		"name":       schema.String(),
		"platform":   schema.String(),
		"os":         schema.String(),
		"version":    schema.String(),
		"push_token": schema.String(),
	}, schema.Defaults{
		"name":       schema.Omit,
		"platform":   schema.Omit,
		"os":         schema.Omit,
		"version":    schema.Omit,
		"push_token": schema.Omit,
	}, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &updateDevice{
		deviceID: fieldInt(valid, "device_id"),
		attrs: state.UpdateDeviceArgs{
			Name:     fieldStr(valid, "name"),
			Platform: fieldStr(valid, "platform"),
			OS:       fieldStr(valid, "os"),
			Version:  fieldStr(valid, "version"),
		},
		pushToken: fieldStr(valid, "push_token"),
	}, nil
}

func (op *updateDevice) Check(ctx context.Context, oc *Context) error {
	if op.deviceID != oc.DeviceID {
		return params.Permissionf(params.IDBadDeviceID,
			"device %d cannot update device %d", oc.DeviceID, op.deviceID)
	}
	if _, err := oc.Store().Device(ctx, oc.UserID, op.deviceID); errors.Is(err, errors.NotFound) {
		return params.NotFoundf("", "device %d not found", op.deviceID)
	} else if err != nil {
		return errors.Trace(err)
	}
	if op.pushToken != "" {
		if _, err := alert.ParsePushToken(op.pushToken); err != nil {
			return params.Invalidf("", "update_device: %v", err)
		}
	}
	return nil
}

func (op *updateDevice) Update(ctx context.Context, oc *Context) error {
	st := oc.Store()
	attrs := op.attrs
	attrs.LastAccess = oc.Timestamp
	if err := st.UpdateDevice(ctx, oc.UserID, op.deviceID, attrs); err != nil {
		return errors.Trace(err)
	}
	if op.pushToken != "" {
		if err := st.SetPushToken(ctx, oc.UserID, op.deviceID, op.pushToken); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

type deviceDoc struct {
	UserID      int64
	DeviceID    int64
	Name        string
	Platform    string
	OS          string
	Version     string
	PushToken   string
	AlertUserID int64
	LastAccess  int64
}

func newDeviceDoc(item kv.Item) deviceDoc {
	return deviceDoc{
		UserID:      item.Int("user_id"),
		DeviceID:    item.Int("device_id"),
		Name:        item.Str("name"),
		Platform:    item.Str("platform"),
		OS:          item.Str("os"),
		Version:     item.Str("version"),
		PushToken:   item.Str("push_token"),
		AlertUserID: item.Int("alert_user_id"),
		LastAccess:  item.Int("last_access"),
	}
}

func (doc *deviceDoc) toItem() kv.Item {
	item := kv.Item{
		"user_id":   kv.N(doc.UserID),
		"device_id": kv.N(doc.DeviceID),
	}
	if doc.Name != "" {
		item["name"] = kv.S(doc.Name)
	}
	if doc.Platform != "" {
		item["platform"] = kv.S(doc.Platform)
	}
	if doc.OS != "" {
		item["os"] = kv.S(doc.OS)
	}
	if doc.Version != "" {
		item["version"] = kv.S(doc.Version)
	}
	if doc.PushToken != "" {
		item["push_token"] = kv.S(doc.PushToken)
	}
	if doc.AlertUserID != 0 {
		item["alert_user_id"] = kv.N(doc.AlertUserID)
	}
	if doc.LastAccess != 0 {
		item["last_access"] = kv.N(doc.LastAccess)
	}
	return item
}

// Device is a client installation owned by a user. The web application
// uses a pseudo-device so that operation ids stay device-scoped.
type Device struct {
	st  *Store
	doc deviceDoc
}

// UserID returns the owning user id.
func (d *Device) UserID() int64 {
	return d.doc.UserID
}

// ID returns the device id.
func (d *Device) ID() int64 {
	return d.doc.DeviceID
}

// Name returns the device's self-reported name.
func (d *Device) Name() string {
	return d.doc.Name
}

// Platform returns the device platform string.
func (d *Device) Platform() string {
	return d.doc.Platform
}

// Version returns the client version string.
func (d *Device) Version() string {
	return d.doc.Version
}

// PushToken returns the device's push token, or "".
func (d *Device) PushToken() string {
	return d.doc.PushToken
}

// AlertUserID returns the user this device currently alerts for, or zero.
func (d *Device) AlertUserID() int64 {
	return d.doc.AlertUserID
}

// LastAccess returns the unix time of the device's last contact.
func (d *Device) LastAccess() int64 {
	return d.doc.LastAccess
}

// AddDeviceArgs names the attributes of a new device row.
type AddDeviceArgs struct {
	UserID   int64
	DeviceID int64
	Name     string
	Platform string
	OS       string
	Version  string
}

// AddDevice creates a device row, failing with AlreadyExists if the id is
// taken for this user.
func (s *Store) AddDevice(ctx context.Context, args AddDeviceArgs) (*Device, error) {
	doc := deviceDoc{
		UserID:     args.UserID,
		DeviceID:   args.DeviceID,
		Name:       args.Name,
		Platform:   args.Platform,
		OS:         args.OS,
		Version:    args.Version,
		LastAccess: s.clock.Now().Unix(),
	}
	err := s.kv.PutItem(ctx, s.table(deviceT), doc.toItem(), kv.Absent("device_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, errors.AlreadyExistsf("device %d/%d", args.UserID, args.DeviceID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Device{st: s, doc: doc}, nil
}

// Device loads a device row, failing with NotFound when absent.
func (s *Store) Device(ctx context.Context, userID, deviceID int64) (*Device, error) {
	item, err := s.kv.GetItem(ctx, s.table(deviceT),
		kv.Key{Hash: kv.N(userID), Range: kv.N(deviceID)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("device %d/%d", userID, deviceID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &Device{st: s, doc: newDeviceDoc(item)}, nil
}

// UserDevices returns all of a user's devices.
func (s *Store) UserDevices(ctx context.Context, userID int64) ([]*Device, error) {
	page, err := s.kv.Query(ctx, s.table(deviceT), kv.Query{Hash: kv.N(userID)})
	if err != nil {
		return nil, errors.Trace(err)
	}
	devices := make([]*Device, 0, len(page.Items))
	for _, item := range page.Items {
		devices = append(devices, &Device{st: s, doc: newDeviceDoc(item)})
	}
	return devices, nil
}

// AlertableDevices returns the user's devices that carry a push token.
func (s *Store) AlertableDevices(ctx context.Context, userID int64) ([]*Device, error) {
	devices, err := s.UserDevices(ctx, userID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	alertable := devices[:0]
	for _, d := range devices {
		if d.doc.PushToken != "" && d.doc.AlertUserID == userID {
			alertable = append(alertable, d)
		}
	}
	return alertable, nil
}

// UpdateDeviceArgs carries the mutable device attributes. Zero values
// leave the stored attribute alone.
type UpdateDeviceArgs struct {
	Name       string
	Platform   string
	OS         string
	Version    string
	LastAccess int64
}

// UpdateDevice applies metadata changes to a device row.
func (s *Store) UpdateDevice(ctx context.Context, userID, deviceID int64, args UpdateDeviceArgs) error {
	var updates []kv.Update
	if args.Name != "" {
		updates = append(updates, kv.Put("name", kv.S(args.Name)))
	}
	if args.Platform != "" {
		updates = append(updates, kv.Put("platform", kv.S(args.Platform)))
	}
	if args.OS != "" {
		updates = append(updates, kv.Put("os", kv.S(args.OS)))
	}
	if args.Version != "" {
		updates = append(updates, kv.Put("version", kv.S(args.Version)))
	}
	if args.LastAccess != 0 {
		updates = append(updates, kv.Put("last_access", kv.N(args.LastAccess)))
	}
	if len(updates) == 0 {
		return nil
	}
	_, err := s.kv.UpdateItem(ctx, s.table(deviceT),
		kv.Key{Hash: kv.N(userID), Range: kv.N(deviceID)},
		updates, kv.Present("device_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("device %d/%d", userID, deviceID)
	}
	return errors.Trace(err)
}

// SetPushToken claims a push token for a device. A token may alert at
// most one device, so any other device currently holding it is stripped
// of the token first.
func (s *Store) SetPushToken(ctx context.Context, userID, deviceID int64, token string) error {
	prior, err := s.kv.GetItem(ctx, s.table(deviceTokenT), kv.Key{Hash: kv.S(token)})
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return errors.Trace(err)
	}
	if err == nil {
		priorUser, priorDevice := prior.Int("user_id"), prior.Int("device_id")
		if priorUser != userID || priorDevice != deviceID {
			logger.Infof("push token moves from device %d/%d to %d/%d",
				priorUser, priorDevice, userID, deviceID)
			if err := s.clearDeviceToken(ctx, priorUser, priorDevice); err != nil {
				return errors.Trace(err)
			}
		}
	}
	err = s.kv.PutItem(ctx, s.table(deviceTokenT), kv.Item{
		"push_token": kv.S(token),
		"user_id":    kv.N(userID),
		"device_id":  kv.N(deviceID),
	})
	if err != nil {
		return errors.Trace(err)
	}
	_, err = s.kv.UpdateItem(ctx, s.table(deviceT),
		kv.Key{Hash: kv.N(userID), Range: kv.N(deviceID)},
		[]kv.Update{
			kv.Put("push_token", kv.S(token)),
			kv.Put("alert_user_id", kv.N(userID)),
		},
		kv.Present("device_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		return errors.NotFoundf("device %d/%d", userID, deviceID)
	}
	return errors.Trace(err)
}

// ClearPushToken removes a device's push token, for example when the
// push provider reports it dead.
func (s *Store) ClearPushToken(ctx context.Context, userID, deviceID int64) error {
	device, err := s.Device(ctx, userID, deviceID)
	if errors.Is(err, errors.NotFound) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	if device.doc.PushToken != "" {
		err := s.kv.DeleteItem(ctx, s.table(deviceTokenT),
			kv.Key{Hash: kv.S(device.doc.PushToken)},
			kv.Equals("device_id", kv.N(deviceID)))
		if err != nil && !errors.Is(err, kv.ErrConditionFailed) {
			return errors.Trace(err)
		}
	}
	return errors.Trace(s.clearDeviceToken(ctx, userID, deviceID))
}

// DeviceByPushToken resolves the device currently holding a token, used
// when consuming push feedback.
func (s *Store) DeviceByPushToken(ctx context.Context, token string) (*Device, error) {
	index, err := s.kv.GetItem(ctx, s.table(deviceTokenT), kv.Key{Hash: kv.S(token)})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.NotFoundf("push token %q", token)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return s.Device(ctx, index.Int("user_id"), index.Int("device_id"))
}

func (s *Store) clearDeviceToken(ctx context.Context, userID, deviceID int64) error {
	_, err := s.kv.UpdateItem(ctx, s.table(deviceT),
		kv.Key{Hash: kv.N(userID), Range: kv.N(deviceID)},
		[]kv.Update{
			kv.Delete("push_token"),
			kv.Delete("alert_user_id"),
		},
		kv.Present("device_id"))
	if errors.Is(err, kv.ErrConditionFailed) {
		// Device row is gone; nothing left to clear.
		return nil
	}
	return errors.Trace(err)
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package assetid constructs and deconstructs the opaque ids that identify
// durable assets: photos, episodes, comments, activities, operations and
// viewpoints. Ids are short strings over the base64hex alphabet, so they
// can be used directly as range keys: scanning a table by id visits assets
// in timestamp order (photos are the exception, sorting newest first).
//
// Two layouts exist. Timestamp-prefixed ids carry
//
//	<prefix><ts: 7 chars><varint device_id><varint local_id>[<tag>]
//
// where ts is the 5-byte big-endian operation timestamp in seconds
// (bitwise-complemented for reverse-sorted assets) and tag is an optional
// opaque byte string supplied by the client. Device/local ids carry
//
//	<prefix><varint device_id>-<varint local_id>
//
// Varints are self-delimiting sequences of base64hex characters (small
// values are one character, larger values a length character followed by
// big-endian six-bit groups), so every id deconstructs unambiguously and
// numeric order matches string order.
package assetid

import (
	"strings"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/core/base64hex"
)

// Asset id prefixes. The prefix is the first byte of every id and selects
// the layout and sort direction.
const (
	PhotoPrefix     = 'p'
	EpisodePrefix   = 'e'
	CommentPrefix   = 'c'
	ActivityPrefix  = 'a'
	OperationPrefix = 'o'
	ViewpointPrefix = 'v'
)

// ServerDeviceID is the reserved device id used when the service itself,
// rather than a client device, allocates an asset id.
const ServerDeviceID = 0

// MaxTimestamp is the largest timestamp representable in the 5-byte
// timestamp field (some time in the year 36812).
const MaxTimestamp = int64(1)<<40 - 1

const timestampChars = 7 // EncodeStripped of 5 bytes

// Uniquifier is the device-local part of a timestamp-prefixed asset id:
// a counter allocated by the creating device, plus an optional opaque tag
// chosen by the client (arbitrary bytes, usually empty).
type Uniquifier struct {
	LocalID uint64
	Tag     string
}

// ConstructTimestamp builds a timestamp-prefixed asset id. Timestamps are
// truncated to second granularity by the caller; reverse complements the
// timestamp so that larger timestamps produce smaller ids.
func ConstructTimestamp(prefix byte, timestamp int64, deviceID uint64, uniq Uniquifier, reverse bool) (string, error) {
	if timestamp < 0 || timestamp > MaxTimestamp {
		return "", errors.NotValidf("timestamp %d", timestamp)
	}
	ts := uint64(timestamp)
	if reverse {
		ts = uint64(MaxTimestamp) - ts
	}
	packed := []byte{
		byte(ts >> 32), byte(ts >> 24), byte(ts >> 16), byte(ts >> 8), byte(ts),
	}
	var b strings.Builder
	b.WriteByte(prefix)
	b.WriteString(base64hex.EncodeStripped(packed))
	writeVarint(&b, deviceID)
	writeVarint(&b, uniq.LocalID)
	if uniq.Tag != "" {
		b.WriteString(base64hex.EncodeStripped([]byte(uniq.Tag)))
	}
	return b.String(), nil
}

// DeconstructTimestamp is the exact inverse of ConstructTimestamp.
func DeconstructTimestamp(prefix byte, id string, reverse bool) (int64, uint64, Uniquifier, error) {
	fail := func(err error) (int64, uint64, Uniquifier, error) {
		return 0, 0, Uniquifier{}, errors.Annotatef(err, "asset id %q", id)
	}
	if len(id) < 1+timestampChars || id[0] != prefix {
		return fail(errors.NotValidf("prefix"))
	}
	packed, err := base64hex.DecodeStripped(id[1 : 1+timestampChars])
	if err != nil {
		return fail(err)
	}
	ts := uint64(packed[0])<<32 | uint64(packed[1])<<24 | uint64(packed[2])<<16 |
		uint64(packed[3])<<8 | uint64(packed[4])
	if reverse {
		ts = uint64(MaxTimestamp) - ts
	}
	rest := id[1+timestampChars:]
	deviceID, rest, err := consumeVarint(rest)
	if err != nil {
		return fail(err)
	}
	localID, rest, err := consumeVarint(rest)
	if err != nil {
		return fail(err)
	}
	uniq := Uniquifier{LocalID: localID}
	if rest != "" {
		tag, err := base64hex.DecodeStripped(rest)
		if err != nil {
			return fail(err)
		}
		uniq.Tag = string(tag)
	}
	return int64(ts), deviceID, uniq, nil
}

// NewPhotoID returns a photo id. Photo ids sort newest first so that the
// natural scan order of a user's library is reverse chronological.
func NewPhotoID(timestamp int64, deviceID uint64, uniq Uniquifier) (string, error) {
	return ConstructTimestamp(PhotoPrefix, timestamp, deviceID, uniq, true)
}

// DeconstructPhotoID is the inverse of NewPhotoID.
func DeconstructPhotoID(id string) (int64, uint64, Uniquifier, error) {
	return DeconstructTimestamp(PhotoPrefix, id, true)
}

// NewEpisodeID returns an episode id, sorted oldest first.
func NewEpisodeID(timestamp int64, deviceID uint64, uniq Uniquifier) (string, error) {
	return ConstructTimestamp(EpisodePrefix, timestamp, deviceID, uniq, false)
}

// DeconstructEpisodeID is the inverse of NewEpisodeID.
func DeconstructEpisodeID(id string) (int64, uint64, Uniquifier, error) {
	return DeconstructTimestamp(EpisodePrefix, id, false)
}

// NewCommentID returns a comment id, sorted oldest first so that a range
// scan of a viewpoint's comments reads in posting order.
func NewCommentID(timestamp int64, deviceID uint64, uniq Uniquifier) (string, error) {
	return ConstructTimestamp(CommentPrefix, timestamp, deviceID, uniq, false)
}

// DeconstructCommentID is the inverse of NewCommentID.
func DeconstructCommentID(id string) (int64, uint64, Uniquifier, error) {
	return DeconstructTimestamp(CommentPrefix, id, false)
}

// NewActivityID returns an activity id, sorted oldest first.
func NewActivityID(timestamp int64, deviceID uint64, uniq Uniquifier) (string, error) {
	return ConstructTimestamp(ActivityPrefix, timestamp, deviceID, uniq, false)
}

// DeconstructActivityID is the inverse of NewActivityID.
func DeconstructActivityID(id string) (int64, uint64, Uniquifier, error) {
	return DeconstructTimestamp(ActivityPrefix, id, false)
}

// ConstructOperationID returns an operation id for the (device, local)
// pair. Operation ids for a device sort in allocation order, which is what
// gives a user's queue its submission ordering.
func ConstructOperationID(deviceID, localID uint64) string {
	return constructDevice(OperationPrefix, deviceID, localID)
}

// DeconstructOperationID is the inverse of ConstructOperationID.
func DeconstructOperationID(id string) (uint64, uint64, error) {
	return deconstructDevice(OperationPrefix, id)
}

// ConstructViewpointID returns a viewpoint id for the (device, local) pair.
func ConstructViewpointID(deviceID, localID uint64) string {
	return constructDevice(ViewpointPrefix, deviceID, localID)
}

// DeconstructViewpointID is the inverse of ConstructViewpointID.
func DeconstructViewpointID(id string) (uint64, uint64, error) {
	return deconstructDevice(ViewpointPrefix, id)
}

func constructDevice(prefix byte, deviceID, localID uint64) string {
	var b strings.Builder
	b.WriteByte(prefix)
	writeVarint(&b, deviceID)
	b.WriteByte('-')
	writeVarint(&b, localID)
	return b.String()
}

func deconstructDevice(prefix byte, id string) (uint64, uint64, error) {
	fail := func(err error) (uint64, uint64, error) {
		return 0, 0, errors.Annotatef(err, "asset id %q", id)
	}
	if len(id) < 1 || id[0] != prefix {
		return fail(errors.NotValidf("prefix"))
	}
	deviceID, rest, err := consumeVarint(id[1:])
	if err != nil {
		return fail(err)
	}
	if len(rest) < 1 || rest[0] != '-' {
		return fail(errors.NotValidf("missing separator"))
	}
	localID, rest, err := consumeVarint(rest[1:])
	if err != nil {
		return fail(err)
	}
	if rest != "" {
		return fail(errors.NotValidf("trailing characters"))
	}
	return deviceID, localID, nil
}

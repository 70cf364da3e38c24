// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package params holds the wire types of the service API: request and
// response documents and the coded errors clients branch on. Everything
// here marshals to the JSON the mobile clients speak.
package params

import (
	"errors"
	"fmt"
)

// Error codes classify failures coarsely. Clients decide retry behavior
// from the code alone; the id (when present) names the exact rule that
// fired and is stable enough to switch on.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodePermission     = "PERMISSION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeLimitExceeded  = "LIMIT_EXCEEDED"
	CodeLockFailed     = "LOCK_FAILED"
	CodeQuarantined    = "OPERATION_QUARANTINED"
	CodeServerError    = "SERVER_ERROR"
)

// Error ids for specific rules.
const (
	IDInvalidRemovePhotosViewpoint = "INVALID_REMOVE_PHOTOS_VIEWPOINT"
	IDInvalidUnshareViewpoint      = "INVALID_UNSHARE_VIEWPOINT"
	IDViewpointNotFollowed         = "VIEWPOINT_NOT_FOLLOWED"
	IDCannotContribute             = "CANNOT_CONTRIBUTE"
	IDNotAdmin                     = "NOT_ADMIN"
	IDIdentityAlreadyLinked        = "IDENTITY_ALREADY_LINKED"
	IDLastIdentity                 = "LAST_IDENTITY"
	IDBadDeviceID                  = "BAD_DEVICE_ID"
	IDAccountTerminated            = "ACCOUNT_TERMINATED"
)

// Error is the service's wire error. Code classifies, ID pins the exact
// rule, Message is for humans.
type Error struct {
	Code    string `json:"code"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// Error is part of the error interface.
func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.ID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an arbitrary coded error.
func NewError(code, id, format string, args ...interface{}) *Error {
	return &Error{Code: code, ID: id, Message: fmt.Sprintf(format, args...)}
}

// Invalidf builds an INVALID_REQUEST error.
func Invalidf(id, format string, args ...interface{}) *Error {
	return NewError(CodeInvalidRequest, id, format, args...)
}

// Permissionf builds a PERMISSION_ERROR error.
func Permissionf(id, format string, args ...interface{}) *Error {
	return NewError(CodePermission, id, format, args...)
}

// NotFoundf builds a NOT_FOUND error.
func NotFoundf(id, format string, args ...interface{}) *Error {
	return NewError(CodeNotFound, id, format, args...)
}

// LimitExceededf builds a LIMIT_EXCEEDED error.
func LimitExceededf(format string, args ...interface{}) *Error {
	return NewError(CodeLimitExceeded, "", format, args...)
}

// ErrCode extracts the error code from err, unwrapping as needed.
// Non-params errors report as SERVER_ERROR: anything uncoded is by
// definition not the client's fault.
func ErrCode(err error) string {
	if e := asError(err); e != nil {
		return e.Code
	}
	return CodeServerError
}

// ErrID extracts the fine-grained error id, or "".
func ErrID(err error) string {
	if e := asError(err); e != nil {
		return e.ID
	}
	return ""
}

// IsClientError reports whether err is a coded error attributable to the
// request rather than the service. Client errors are permanent: retrying
// the same operation yields the same answer.
func IsClientError(err error) bool {
	e := asError(err)
	return e != nil && e.Code != CodeServerError
}

func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

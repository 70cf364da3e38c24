// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package alert delivers best-effort notifications to the outside world:
// push messages to devices, email and SMS to users without devices. The
// durable record of change is the notification table; everything here may
// be dropped without losing data, so delivery is asynchronous, buffered
// and rate limited.
package alert

import (
	"context"

	"github.com/juju/errors"
)

// ErrInvalidToken marks a push rejected because the provider no longer
// recognizes the token. The gateway reacts by unregistering the token so
// the device stops being alerted.
const ErrInvalidToken = errors.ConstError("invalid push token")

// Push is one push notification to one device.
type Push struct {
	Token PushToken

	// Badge is the application badge value to display. Badge-only
	// pushes (empty Text) update the count silently.
	Badge int64

	// Text is the visible alert text, or empty for badge-only.
	Text string

	// Sound names the alert sound, or empty for silence.
	Sound string

	// ViewpointID and ActivityID let the app deep-link the alert.
	ViewpointID string
	ActivityID  string
}

// Email is one outbound email.
type Email struct {
	To      string
	ToName  string
	Subject string
	Text    string
}

// SMS is one outbound text message.
type SMS struct {
	To   string
	Text string
}

// Pusher sends push notifications. Implementations return ErrInvalidToken
// (possibly annotated) when the provider reports the token dead.
type Pusher interface {
	Push(ctx context.Context, p Push) error
}

// EmailSender sends email.
type EmailSender interface {
	SendEmail(ctx context.Context, e Email) error
}

// SMSSender sends text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, m SMS) error
}

// TokenRemover unregisters a dead push token. Implemented over the device
// table; injected so this package stays ignorant of storage.
type TokenRemover interface {
	RemoveToken(ctx context.Context, token string) error
}

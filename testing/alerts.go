// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package testing

import (
	"context"
	"sync"

	"github.com/viewfinderco/viewfinder-sub004/alert"
)

// AlertRecorder implements the alert sender interfaces and records every
// delivery, signalling on C so tests can wait for asynchronous dispatch.
type AlertRecorder struct {
	mu     sync.Mutex
	pushes []alert.Push
	emails []alert.Email
	sms    []alert.SMS

	// PushErr, when set, is returned from Push; used to exercise
	// provider feedback handling.
	PushErr error

	C chan struct{}
}

// NewAlertRecorder returns an empty recorder.
func NewAlertRecorder() *AlertRecorder {
	return &AlertRecorder{C: make(chan struct{}, 100)}
}

// Push is part of the alert.Pusher interface.
func (r *AlertRecorder) Push(_ context.Context, p alert.Push) error {
	r.mu.Lock()
	err := r.PushErr
	if err == nil {
		r.pushes = append(r.pushes, p)
	}
	r.mu.Unlock()
	r.signal()
	return err
}

// SendEmail is part of the alert.EmailSender interface.
func (r *AlertRecorder) SendEmail(_ context.Context, e alert.Email) error {
	r.mu.Lock()
	r.emails = append(r.emails, e)
	r.mu.Unlock()
	r.signal()
	return nil
}

// SendSMS is part of the alert.SMSSender interface.
func (r *AlertRecorder) SendSMS(_ context.Context, m alert.SMS) error {
	r.mu.Lock()
	r.sms = append(r.sms, m)
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *AlertRecorder) signal() {
	select {
	case r.C <- struct{}{}:
	default:
	}
}

// Pushes returns the recorded push notifications.
func (r *AlertRecorder) Pushes() []alert.Push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Push(nil), r.pushes...)
}

// Emails returns the recorded emails.
func (r *AlertRecorder) Emails() []alert.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Email(nil), r.emails...)
}

// SMSes returns the recorded text messages.
func (r *AlertRecorder) SMSes() []alert.SMS {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.SMS(nil), r.sms...)
}

// SinkRecorder records alerts handed to a synchronous sink, for tests
// that wire the notification manager straight to a recorder instead of
// going through the alert gateway.
type SinkRecorder struct {
	mu     sync.Mutex
	pushes []alert.Push
	emails []alert.Email
	sms    []alert.SMS
}

// NewSinkRecorder returns an empty recorder.
func NewSinkRecorder() *SinkRecorder {
	return &SinkRecorder{}
}

// Push records a push notification.
func (r *SinkRecorder) Push(p alert.Push) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, p)
}

// SendEmail records an email.
func (r *SinkRecorder) SendEmail(e alert.Email) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails = append(r.emails, e)
}

// SendSMS records a text message.
func (r *SinkRecorder) SendSMS(m alert.SMS) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sms = append(r.sms, m)
}

// Pushes returns the recorded push notifications.
func (r *SinkRecorder) Pushes() []alert.Push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Push(nil), r.pushes...)
}

// Emails returns the recorded emails.
func (r *SinkRecorder) Emails() []alert.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Email(nil), r.emails...)
}

// SMSes returns the recorded text messages.
func (r *SinkRecorder) SMSes() []alert.SMS {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.SMS(nil), r.sms...)
}

// Reset drops everything recorded so far.
func (r *SinkRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = nil
	r.emails = nil
	r.sms = nil
}

// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package alert

import (
	"context"
)

// LogSenders implements all three sender interfaces by logging. It is the
// backend when no provider credentials are configured: development,
// staging without push certs, tests that only care about fanout.
type LogSenders struct{}

// Push is part of the Pusher interface.
func (LogSenders) Push(_ context.Context, p Push) error {
	logger.Infof("push %s badge=%d text=%q", p.Token, p.Badge, p.Text)
	return nil
}

// SendEmail is part of the EmailSender interface.
func (LogSenders) SendEmail(_ context.Context, e Email) error {
	logger.Infof("email to=%q subject=%q", e.To, e.Subject)
	return nil
}

// SendSMS is part of the SMSSender interface.
func (LogSenders) SendSMS(_ context.Context, m SMS) error {
	logger.Infof("sms to=%q text=%q", m.To, m.Text)
	return nil
}

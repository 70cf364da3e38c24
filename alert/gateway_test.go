// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package alert_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/alert"
	viewfindertesting "github.com/viewfinderco/viewfinder-sub004/testing"
)

type gatewaySuite struct {
	viewfindertesting.BaseSuite

	clock    *testclock.Clock
	recorder *viewfindertesting.AlertRecorder
}

var _ = gc.Suite(&gatewaySuite{})

func (s *gatewaySuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(viewfindertesting.TestTime)
	s.recorder = viewfindertesting.NewAlertRecorder()
}

func (s *gatewaySuite) newGateway(c *gc.C, config alert.GatewayConfig) *alert.Gateway {
	if config.Pusher == nil {
		config.Pusher = s.recorder
	}
	if config.Email == nil {
		config.Email = s.recorder
	}
	if config.SMS == nil {
		config.SMS = s.recorder
	}
	if config.Clock == nil {
		config.Clock = s.clock
	}
	g, err := alert.NewGateway(config)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, g) })
	return g
}

func (s *gatewaySuite) waitDelivery(c *gc.C) {
	select {
	case <-s.recorder.C:
	case <-time.After(viewfindertesting.LongWait):
		c.Fatalf("timed out waiting for alert delivery")
	}
}

func (s *gatewaySuite) TestConfigValidate(c *gc.C) {
	_, err := alert.NewGateway(alert.GatewayConfig{})
	c.Check(err, gc.ErrorMatches, "nil Pusher not valid")
}

func (s *gatewaySuite) TestDispatch(c *gc.C) {
	g := s.newGateway(c, alert.GatewayConfig{})

	token, err := alert.ParsePushToken("apns-prod:tok-1")
	c.Assert(err, jc.ErrorIsNil)
	g.Push(alert.Push{Token: token, Badge: 3, Text: "hello"})
	s.waitDelivery(c)

	g.SendEmail(alert.Email{To: "user@example.com", Subject: "Invitation"})
	s.waitDelivery(c)

	g.SendSMS(alert.SMS{To: "+14251234567", Text: "join me"})
	s.waitDelivery(c)

	pushes := s.recorder.Pushes()
	c.Assert(pushes, gc.HasLen, 1)
	c.Check(pushes[0].Badge, gc.Equals, int64(3))
	c.Check(pushes[0].Token, gc.Equals, token)

	emails := s.recorder.Emails()
	c.Assert(emails, gc.HasLen, 1)
	c.Check(emails[0].To, gc.Equals, "user@example.com")

	smses := s.recorder.SMSes()
	c.Assert(smses, gc.HasLen, 1)
	c.Check(smses[0].To, gc.Equals, "+14251234567")
}

type tokenRemoverFunc func(ctx context.Context, token string) error

func (f tokenRemoverFunc) RemoveToken(ctx context.Context, token string) error {
	return f(ctx, token)
}

func (s *gatewaySuite) TestInvalidTokenFeedback(c *gc.C) {
	removed := make(chan string, 1)
	s.recorder.PushErr = alert.ErrInvalidToken
	s.newGateway(c, alert.GatewayConfig{
		Tokens: tokenRemoverFunc(func(_ context.Context, token string) error {
			removed <- token
			return nil
		}),
	}).Push(alert.Push{Token: alert.PushToken{
		Scheme: alert.SchemeAPNs, Env: alert.EnvProd, Opaque: "dead",
	}})

	select {
	case token := <-removed:
		c.Check(token, gc.Equals, "apns-prod:dead")
	case <-time.After(viewfindertesting.LongWait):
		c.Fatalf("timed out waiting for token removal")
	}
	c.Check(s.recorder.Pushes(), gc.HasLen, 0)
}

func (s *gatewaySuite) TestRateLimit(c *gc.C) {
	g := s.newGateway(c, alert.GatewayConfig{
		PushRate:  1,
		PushBurst: 1,
	})

	token, err := alert.ParsePushToken("apns-prod:tok-1")
	c.Assert(err, jc.ErrorIsNil)
	g.Push(alert.Push{Token: token, Badge: 1})
	g.Push(alert.Push{Token: token, Badge: 2})

	// The burst covers the first push; the second must wait for the
	// bucket to refill.
	s.waitDelivery(c)
	c.Assert(s.clock.WaitAdvance(time.Second, viewfindertesting.LongWait, 1), jc.ErrorIsNil)
	s.waitDelivery(c)

	pushes := s.recorder.Pushes()
	c.Assert(pushes, gc.HasLen, 2)
	c.Check(pushes[0].Badge, gc.Equals, int64(1))
	c.Check(pushes[1].Badge, gc.Equals, int64(2))
}

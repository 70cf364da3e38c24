// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package alert_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/alert"
)

type tokenSuite struct{}

var _ = gc.Suite(&tokenSuite{})

func (s *tokenSuite) TestParse(c *gc.C) {
	for i, test := range []struct {
		in   string
		want alert.PushToken
		err  bool
	}{
		{in: "apns-prod:8ba0...44c2", want: alert.PushToken{
			Scheme: alert.SchemeAPNs, Env: alert.EnvProd, Opaque: "8ba0...44c2",
		}},
		{in: "apns-dev:abc", want: alert.PushToken{
			Scheme: alert.SchemeAPNs, Env: alert.EnvDev, Opaque: "abc",
		}},
		{in: "gcm-ent:reg-id", want: alert.PushToken{
			Scheme: alert.SchemeGCM, Env: alert.EnvEnt, Opaque: "reg-id",
		}},
		// Opaque parts may themselves contain colons.
		{in: "apns-prod:a:b:c", want: alert.PushToken{
			Scheme: alert.SchemeAPNs, Env: alert.EnvProd, Opaque: "a:b:c",
		}},
		{in: "apns-prod:", err: true},
		{in: "noscheme", err: true},
		{in: "apns:abc", err: true},
		{in: "wns-prod:abc", err: true},
		{in: "apns-staging:abc", err: true},
		{in: "", err: true},
	} {
		c.Logf("test %d: %q", i, test.in)
		got, err := alert.ParsePushToken(test.in)
		if test.err {
			c.Check(err, jc.ErrorIs, errors.NotValid)
			continue
		}
		c.Assert(err, jc.ErrorIsNil)
		c.Check(got, gc.Equals, test.want)
		c.Check(got.String(), gc.Equals, test.in)
	}
}

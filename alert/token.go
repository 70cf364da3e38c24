// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package alert

import (
	"strings"

	"github.com/juju/errors"
)

// Push token schemes.
const (
	SchemeAPNs = "apns"
	SchemeGCM  = "gcm"
)

// Push token environments. Tokens are routed to the matching provider
// endpoint; a prod token sent to the sandbox is silently dropped by the
// provider, so the environment travels inside the token itself.
const (
	EnvDev  = "dev"
	EnvEnt  = "ent"
	EnvProd = "prod"
)

// PushToken is a device push address: "<scheme>-<env>:<opaque>". The
// opaque part is whatever the platform handed the device and is never
// interpreted here.
type PushToken struct {
	Scheme string
	Env    string
	Opaque string
}

// ParsePushToken validates and splits a stored token string.
func ParsePushToken(s string) (PushToken, error) {
	head, opaque, ok := strings.Cut(s, ":")
	if !ok || opaque == "" {
		return PushToken{}, errors.NotValidf("push token %q", s)
	}
	scheme, env, ok := strings.Cut(head, "-")
	if !ok {
		return PushToken{}, errors.NotValidf("push token %q", s)
	}
	switch scheme {
	case SchemeAPNs, SchemeGCM:
	default:
		return PushToken{}, errors.NotValidf("push token scheme %q", scheme)
	}
	switch env {
	case EnvDev, EnvEnt, EnvProd:
	default:
		return PushToken{}, errors.NotValidf("push token environment %q", env)
	}
	return PushToken{Scheme: scheme, Env: env, Opaque: opaque}, nil
}

// String is the stored form of the token.
func (t PushToken) String() string {
	return t.Scheme + "-" + t.Env + ":" + t.Opaque
}

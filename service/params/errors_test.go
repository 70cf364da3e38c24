// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package params_test

import (
	"encoding/json"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/service/params"
)

type errorsSuite struct{}

var _ = gc.Suite(&errorsSuite{})

func (s *errorsSuite) TestErrorString(c *gc.C) {
	err := params.Permissionf(params.IDNotAdmin, "user %d is not an admin", 7)
	c.Check(err.Error(), gc.Equals, "PERMISSION_ERROR (NOT_ADMIN): user 7 is not an admin")

	err = params.LimitExceededf("too many followers")
	c.Check(err.Error(), gc.Equals, "LIMIT_EXCEEDED: too many followers")
}

func (s *errorsSuite) TestErrCodeUnwraps(c *gc.C) {
	inner := params.Invalidf("", "bad args")
	wrapped := errors.Annotate(errors.Trace(inner), "executing operation")

	c.Check(params.ErrCode(wrapped), gc.Equals, params.CodeInvalidRequest)
	c.Check(params.IsClientError(wrapped), jc.IsTrue)
}

func (s *errorsSuite) TestErrID(c *gc.C) {
	err := params.NotFoundf(params.IDViewpointNotFollowed, "viewpoint gone")
	c.Check(params.ErrID(errors.Trace(err)), gc.Equals, params.IDViewpointNotFollowed)
	c.Check(params.ErrID(errors.New("boom")), gc.Equals, "")
}

func (s *errorsSuite) TestUncodedErrorsAreServerErrors(c *gc.C) {
	err := errors.New("disk on fire")
	c.Check(params.ErrCode(err), gc.Equals, params.CodeServerError)
	c.Check(params.IsClientError(err), jc.IsFalse)
	c.Check(params.IsClientError(nil), jc.IsFalse)
}

func (s *errorsSuite) TestServerCodedErrorIsNotClientError(c *gc.C) {
	err := params.NewError(params.CodeServerError, "", "internal")
	c.Check(params.IsClientError(err), jc.IsFalse)
}

func (s *errorsSuite) TestWireShape(c *gc.C) {
	blob, err := json.Marshal(params.Permissionf(params.IDCannotContribute, "read only"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(blob), gc.Equals,
		`{"code":"PERMISSION_ERROR","id":"CANNOT_CONTRIBUTE","message":"read only"}`)
}

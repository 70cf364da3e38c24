// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package assetid_test

import (
	"math"
	"math/rand"
	"sort"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinderco/viewfinder-sub004/core/assetid"
)

type assetidSuite struct{}

var _ = gc.Suite(&assetidSuite{})

var uniquifiers = []assetid.Uniquifier{
	{LocalID: 0},
	{LocalID: 1},
	{LocalID: 31},
	{LocalID: 32},
	{LocalID: math.MaxUint32},
	{LocalID: math.MaxUint64},
	{LocalID: 7, Tag: "t"},
	{LocalID: 7, Tag: "extra.tag-v2"},
	{LocalID: 7, Tag: "\x00\x01\xfe\xff"},
}

func (s *assetidSuite) TestTimestampRoundTrip(c *gc.C) {
	timestamps := []int64{0, 1, 1347570280, assetid.MaxTimestamp}
	devices := []uint64{assetid.ServerDeviceID, 1, 127, 1 << 40}
	for _, reverse := range []bool{false, true} {
		for _, ts := range timestamps {
			for _, dev := range devices {
				for _, uniq := range uniquifiers {
					id, err := assetid.ConstructTimestamp('p', ts, dev, uniq, reverse)
					c.Assert(err, jc.ErrorIsNil)
					gotTS, gotDev, gotUniq, err := assetid.DeconstructTimestamp('p', id, reverse)
					c.Assert(err, jc.ErrorIsNil)
					c.Check(gotTS, gc.Equals, ts)
					c.Check(gotDev, gc.Equals, dev)
					c.Check(gotUniq, gc.DeepEquals, uniq)
				}
			}
		}
	}
}

func (s *assetidSuite) TestTimestampRange(c *gc.C) {
	_, err := assetid.ConstructTimestamp('e', -1, 1, assetid.Uniquifier{}, false)
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = assetid.ConstructTimestamp('e', assetid.MaxTimestamp+1, 1, assetid.Uniquifier{}, false)
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *assetidSuite) TestEpisodesSortOldestFirst(c *gc.C) {
	var ids []string
	for _, ts := range []int64{0, 59, 60, 3600, 1347570280, assetid.MaxTimestamp} {
		id, err := assetid.NewEpisodeID(ts, 11, assetid.Uniquifier{LocalID: 5})
		c.Assert(err, jc.ErrorIsNil)
		ids = append(ids, id)
	}
	c.Check(sort.StringsAreSorted(ids), jc.IsTrue, gc.Commentf("ids %v", ids))
}

func (s *assetidSuite) TestPhotosSortNewestFirst(c *gc.C) {
	var ids []string
	for _, ts := range []int64{assetid.MaxTimestamp, 1347570280, 3600, 60, 59, 0} {
		id, err := assetid.NewPhotoID(ts, 11, assetid.Uniquifier{LocalID: 5})
		c.Assert(err, jc.ErrorIsNil)
		ids = append(ids, id)
	}
	c.Check(sort.StringsAreSorted(ids), jc.IsTrue, gc.Commentf("ids %v", ids))
}

func (s *assetidSuite) TestLocalIDBreaksTimestampTies(c *gc.C) {
	var ids []string
	for _, local := range []uint64{0, 1, 30, 31, 32, 1000, math.MaxUint32} {
		id, err := assetid.NewCommentID(1347570280, 3, assetid.Uniquifier{LocalID: local})
		c.Assert(err, jc.ErrorIsNil)
		ids = append(ids, id)
	}
	c.Check(sort.StringsAreSorted(ids), jc.IsTrue, gc.Commentf("ids %v", ids))
}

func (s *assetidSuite) TestOperationIDRoundTrip(c *gc.C) {
	for _, dev := range []uint64{0, 1, 31, 32, 1 << 20, math.MaxUint64} {
		for _, local := range []uint64{0, 1, 500, math.MaxUint64} {
			id := assetid.ConstructOperationID(dev, local)
			gotDev, gotLocal, err := assetid.DeconstructOperationID(id)
			c.Assert(err, jc.ErrorIsNil)
			c.Check(gotDev, gc.Equals, dev)
			c.Check(gotLocal, gc.Equals, local)
		}
	}
}

func (s *assetidSuite) TestOperationIDKnownForm(c *gc.C) {
	c.Check(assetid.ConstructOperationID(1, 2), gc.Equals, "o0-1")
	c.Check(assetid.ConstructOperationID(0, 0), gc.Equals, "o---")
}

func (s *assetidSuite) TestOperationIDsSortBySubmission(c *gc.C) {
	var ids []string
	for _, local := range []uint64{0, 1, 2, 31, 32, 33, 1023, 1024, math.MaxUint32} {
		ids = append(ids, assetid.ConstructOperationID(42, local))
	}
	c.Check(sort.StringsAreSorted(ids), jc.IsTrue, gc.Commentf("ids %v", ids))
}

func (s *assetidSuite) TestVarintOrderMatchesNumericOrder(c *gc.C) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		// Bias toward small values so length boundaries get heavy traffic.
		a := rng.Uint64() >> uint(rng.Intn(64))
		b := rng.Uint64() >> uint(rng.Intn(64))
		idA := assetid.ConstructOperationID(1, a)
		idB := assetid.ConstructOperationID(1, b)
		c.Assert(idA < idB, gc.Equals, a < b,
			gc.Commentf("%d -> %q, %d -> %q", a, idA, b, idB))
	}
}

func (s *assetidSuite) TestViewpointIDRoundTrip(c *gc.C) {
	id := assetid.ConstructViewpointID(9, 77)
	dev, local, err := assetid.DeconstructViewpointID(id)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(dev, gc.Equals, uint64(9))
	c.Check(local, gc.Equals, uint64(77))
}

func (s *assetidSuite) TestDeconstructRejectsMalformed(c *gc.C) {
	good, err := assetid.NewPhotoID(1347570280, 11, assetid.Uniquifier{LocalID: 5})
	c.Assert(err, jc.ErrorIsNil)

	for i, bad := range []string{
		"",             // empty
		"x" + good[1:], // wrong prefix
		"p",            // no timestamp
		good[:4],       // truncated timestamp
		good[:8],       // timestamp but no varints
		"o",            // no device varint
		"o0",           // missing separator
		"o0-",          // missing local varint
		"o0-1x",        // trailing characters
		"o*-1",         // character outside the alphabet
		"oX0",          // truncated two-group varint
	} {
		var err error
		if len(bad) > 0 && bad[0] == 'o' {
			_, _, err = assetid.DeconstructOperationID(bad)
		} else {
			_, _, _, err = assetid.DeconstructPhotoID(bad)
		}
		c.Check(err, gc.NotNil, gc.Commentf("case %d: %q", i, bad))
	}
}

func (s *assetidSuite) TestDeconstructRejectsNonMinimalVarint(c *gc.C) {
	// 'W' declares one six-bit group, but the group value 5 has a
	// single-character encoding, so accepting it would alias two spellings
	// of the same id.
	_, _, err := assetid.DeconstructOperationID("oW4-1")
	c.Check(err, jc.ErrorIs, errors.NotValid)

	// 'V' is the reserved zero-length marker.
	_, _, err = assetid.DeconstructOperationID("oV--1")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

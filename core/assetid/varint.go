// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package assetid

import (
	"strings"

	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/core/base64hex"
)

// Varints pack an unsigned integer into base64hex characters so that the
// encoded form self-delimits and string order equals numeric order. Values
// below 32 are a single character (alphabet indices 0-31). Larger values
// start with a length character (index 32+k) followed by k big-endian
// six-bit groups, minimal so that each length bracket covers a disjoint,
// increasing range. Order preservation is what makes operation ids drain
// in allocation order: a bigger value never sorts before a smaller one,
// even across encodings of different lengths.

const (
	varintGroupBits  = 6
	varintGroupMask  = 1<<varintGroupBits - 1
	varintDirectMax  = 31 // largest single-character value
	varintLengthBase = 32 // alphabet index of the k=0 length character (unused)
	varintMaxGroups  = 11 // ceil(64 / 6)
)

var varintIndex [256]int8

func init() {
	for i := range varintIndex {
		varintIndex[i] = -1
	}
	for i := 0; i < len(base64hex.Alphabet); i++ {
		varintIndex[base64hex.Alphabet[i]] = int8(i)
	}
}

func writeVarint(b *strings.Builder, n uint64) {
	if n <= varintDirectMax {
		b.WriteByte(base64hex.Alphabet[n])
		return
	}
	groups := 1
	for v := n >> varintGroupBits; v != 0; v >>= varintGroupBits {
		groups++
	}
	b.WriteByte(base64hex.Alphabet[varintLengthBase+groups])
	for i := groups - 1; i >= 0; i-- {
		g := byte(n>>(uint(i)*varintGroupBits)) & varintGroupMask
		b.WriteByte(base64hex.Alphabet[g])
	}
}

// consumeVarint decodes a varint from the front of s and returns the value
// together with the unconsumed remainder.
func consumeVarint(s string) (uint64, string, error) {
	if s == "" {
		return 0, "", errors.NotValidf("truncated varint")
	}
	c0 := varintIndex[s[0]]
	if c0 < 0 {
		return 0, "", errors.NotValidf("varint character %q", s[0])
	}
	if c0 <= varintDirectMax {
		return uint64(c0), s[1:], nil
	}
	groups := int(c0) - varintLengthBase
	if groups < 1 || groups > varintMaxGroups {
		return 0, "", errors.NotValidf("varint length")
	}
	if len(s) < 1+groups {
		return 0, "", errors.NotValidf("truncated varint")
	}
	var n uint64
	for i := 1; i <= groups; i++ {
		g := varintIndex[s[i]]
		if g < 0 {
			return 0, "", errors.NotValidf("varint character %q", s[i])
		}
		if n>>(64-varintGroupBits) != 0 {
			return 0, "", errors.NotValidf("varint overflow")
		}
		n = n<<varintGroupBits | uint64(g)
	}
	min := uint64(varintDirectMax) + 1
	if groups > 1 {
		min = 1 << (uint(groups-1) * varintGroupBits)
	}
	if n < min {
		return 0, "", errors.NotValidf("non-minimal varint")
	}
	return n, s[1+groups:], nil
}

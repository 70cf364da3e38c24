// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package base64hex implements a base64 codec whose encoded output sorts
// in the same byte-lexicographic order as its input. The standard base64
// alphabets do not have this property; here the 64 characters are remapped
// so that the alphabet itself is in ascending ASCII order. Encoded strings
// are therefore usable as range keys in stores that only understand
// byte-ordered comparison.
package base64hex

import (
	"encoding/base64"

	"github.com/juju/errors"
)

// Alphabet is the encoding alphabet in value order. It is strictly
// ascending in ASCII, which is what makes encoded output order-preserving.
const Alphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var (
	padded   = base64.NewEncoding(Alphabet)
	stripped = base64.NewEncoding(Alphabet).WithPadding(base64.NoPadding)
)

// Encode returns the padded base64hex encoding of data. The '=' padding
// character does not sort below the alphabet, so padded output is only
// order-preserving between inputs of equal length; use EncodeStripped for
// keys of varying length.
func Encode(data []byte) string {
	return padded.EncodeToString(data)
}

// EncodeStripped returns the base64hex encoding of data with padding
// removed. For any byte strings a and b,
// a < b iff EncodeStripped(a) < EncodeStripped(b).
func EncodeStripped(data []byte) string {
	return stripped.EncodeToString(data)
}

// Decode decodes a padded base64hex string.
func Decode(s string) ([]byte, error) {
	data, err := padded.DecodeString(s)
	if err != nil {
		return nil, errors.Annotatef(err, "decoding base64hex %q", s)
	}
	return data, nil
}

// DecodeStripped decodes a base64hex string whose padding has been
// stripped, restoring the padding internally.
func DecodeStripped(s string) ([]byte, error) {
	data, err := stripped.DecodeString(s)
	if err != nil {
		return nil, errors.Annotatef(err, "decoding stripped base64hex %q", s)
	}
	return data, nil
}

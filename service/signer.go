// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package service

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/juju/errors"
)

// PresignAPI is the slice of the S3 presigner the signer uses. It is
// satisfied by *s3.PresignClient.
type PresignAPI interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Signer issues presigned PUT URLs against one bucket. Signing is a
// local computation; no request leaves the host until the device uses
// the URL.
type S3Signer struct {
	presign PresignAPI
	bucket  string
}

// NewS3Signer returns a URLSigner writing into the given bucket.
func NewS3Signer(client *s3.Client, bucket string) *S3Signer {
	return &S3Signer{presign: s3.NewPresignClient(client), bucket: bucket}
}

// SignPut is part of URLSigner.
func (s *S3Signer) SignPut(ctx context.Context, key, contentType string, numBytes int64, expires time.Duration) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}
	if numBytes > 0 {
		input.ContentLength = aws.Int64(numBytes)
	}
	req, err := s.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(expires))
	if err != nil {
		return "", errors.Annotatef(err, "signing %q", key)
	}
	return req.URL, nil
}

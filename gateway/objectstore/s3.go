// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// S3 is a Store backed by an S3-compatible object store. Server-side
// encryption is delegated to the store; when a KMS key is configured on the
// bucket the gateway records phiEncrypted on the submission.
type S3 struct {
	client *minio.Client
}

// OpenS3 connects to the configured S3-compatible endpoint.
func OpenS3(ctx context.Context, config Config) (*S3, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &S3{client: client}, nil
}

// Put implements Store.
func (store *S3) Put(ctx context.Context, bucket, key string, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = store.client.PutObject(ctx, bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return Error.Wrap(err)
}

// Get implements Store.
func (store *S3) Get(ctx context.Context, bucket, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := store.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = object.Close() }()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound.New("%s/%s", bucket, key)
		}
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// PutParsed implements Store.
func (store *S3) PutParsed(ctx context.Context, bucket, tenant, submissionID string, data []byte) (string, error) {
	key := ParsedDataKey(tenant, submissionID)
	return key, store.Put(ctx, bucket, key, data)
}

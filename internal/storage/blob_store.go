// Package storage keeps uploaded claim files in a gocloud blob bucket.
package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/rpattn/claimsflow/internal/domain"
)

// BlobStore reads and writes file payloads by storage key.
type BlobStore struct {
	bucket *blob.Bucket
}

// OpenBlobStore opens the bucket at bucketURL (file://, mem://, s3://) and
// checks it is reachable.
func OpenBlobStore(ctx context.Context, bucketURL string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bucket %s", bucketURL)
	}
	ok, err := bucket.IsAccessible(ctx)
	if err != nil {
		_ = bucket.Close()
		return nil, errors.Wrapf(err, "failed to check bucket accessibility %s", bucketURL)
	} else if !ok {
		_ = bucket.Close()
		return nil, errors.Newf("bucket %s is not accessible", bucketURL)
	}
	return &BlobStore{bucket: bucket}, nil
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

// Put writes payload under key.
func (s *BlobStore) Put(ctx context.Context, key string, payload []byte, contentType string) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return errors.Wrapf(err, "failed to open writer for %s", key)
	}
	if _, err := io.Copy(w, bytes.NewReader(payload)); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "failed to write %s", key)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "failed to flush %s", key)
	}
	return nil
}

// Get reads the whole payload stored under key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, errors.Wrapf(domain.ErrNotFound, "blob %s", key)
		}
		return nil, errors.Wrapf(err, "failed to read %s", key)
	}
	return payload, nil
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

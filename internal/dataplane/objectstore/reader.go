// Package objectstore fetches file blocks as ranged reads from an S3
// compatible object store.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ZerkerEOD/otaagent/internal/config"
	"github.com/ZerkerEOD/otaagent/internal/dataplane"
	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Name is the protocol name jobs use for this channel.
const Name = "s3"

var ErrNoObject = errors.New("objectstore: job names no object")

// getRange reads length bytes at offset from bucket/key.
type getRange func(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)

// Reader reads object ranges from one bucket.
type Reader struct {
	bucket string
	get    getRange
}

// NewClient initializes the object store client.
func NewClient(cfg config.ObjectStoreConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client init error: %w", err)
	}
	debug.Info("Object store client initialized: %s", cfg.Endpoint)
	return client, nil
}

// NewReader returns a Reader for bucket using client.
func NewReader(client *minio.Client, bucket string) *Reader {
	return &Reader{
		bucket: bucket,
		get: func(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
			opts := minio.GetObjectOptions{}
			if err := opts.SetRange(offset, offset+length-1); err != nil {
				return nil, err
			}
			return client.GetObject(ctx, bucket, key, opts)
		},
	}
}

// NewChannel returns the object store data channel.
func NewChannel(client *minio.Client, bucket string) *dataplane.RangedChannel {
	return dataplane.NewRangedChannel(Name, NewReader(client, bucket))
}

// ObjectKey names the object holding the file: the stream name when the job
// has one, the file path otherwise.
func ObjectKey(t dataplane.Target) string {
	if t.StreamName != "" {
		return t.StreamName
	}
	return strings.TrimPrefix(t.FilePath, "/")
}

func (r *Reader) Check(fc *transfer.FileContext) error {
	if fc.StreamName == "" && strings.TrimPrefix(fc.FilePath, "/") == "" {
		return ErrNoObject
	}
	return nil
}

func (r *Reader) ReadRange(ctx context.Context, t dataplane.Target, offset, length int64) ([]byte, error) {
	key := ObjectKey(t)
	debug.Debug("Fetching bytes %d-%d of %s/%s", offset, offset+length-1, r.bucket, key)

	obj, err := r.get(ctx, r.bucket, key, offset, length)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, length))
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

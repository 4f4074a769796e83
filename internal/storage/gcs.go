package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSStore implements BlobStore on a Google Cloud Storage bucket. All keys
// are rooted under the configured prefix. Conditional writes map directly
// onto GCS generation preconditions, so lease claims are atomic without any
// coordination service beyond the bucket itself.
type GCSStore struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	prefix string
}

// Client exposes the underlying GCS client so source documents outside the
// workspace can be fetched over the same connection.
func (s *GCSStore) Client() *gcs.Client { return s.client }

// NewGCSStore creates a store rooted at gs://<bucket>/<prefix>.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must be provided to create a GCS store")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (s *GCSStore) object(key string) *gcs.ObjectHandle {
	return s.bucket.Object(path.Join(s.prefix, key))
}

func (s *GCSStore) Get(ctx context.Context, key string) (*Object, error) {
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to open reader for %s: %w", key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return &Object{Data: data, Generation: reader.Attrs.Generation}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	writer := s.object(key).NewWriter(ctx)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize write of %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) PutIf(ctx context.Context, key string, data []byte, generation int64) error {
	var cond gcs.Conditions
	if generation == 0 {
		cond.DoesNotExist = true
	} else {
		cond.GenerationMatch = generation
	}

	writer := s.object(key).If(cond).NewWriter(ctx)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if isPreconditionFailure(err) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailure(err) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("failed to finalize write of %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	query := &gcs.Query{Prefix: path.Join(s.prefix, prefix)}
	it := s.bucket.Objects(ctx, query)

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		name := attrs.Name
		if s.prefix != "" {
			name = name[len(s.prefix)+1:]
		}
		keys = append(keys, name)
	}
	return keys, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func isPreconditionFailure(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

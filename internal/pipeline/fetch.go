package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// Fetcher resolves a document reference to a local file path the renderer
// can open. Local paths are used in place; gs:// references are streamed to
// a temp file.
type Fetcher struct {
	gcsClient *gcs.Client
}

// NewFetcher creates a fetcher. The GCS client may be nil when every
// document reference is a local path.
func NewFetcher(gcsClient *gcs.Client) *Fetcher {
	return &Fetcher{gcsClient: gcsClient}
}

// Fetch returns a local path for the reference plus a cleanup func the
// caller must invoke when done with the file.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (string, func(), error) {
	noop := func() {}

	rest, ok := strings.CutPrefix(ref, "gs://")
	if !ok {
		if _, err := os.Stat(ref); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", noop, fmt.Errorf("source file %s does not exist", ref)
			}
			return "", noop, fmt.Errorf("failed to stat source %s: %w", ref, err)
		}
		return ref, noop, nil
	}

	if f.gcsClient == nil {
		return "", noop, fmt.Errorf("cannot fetch %s: no GCS client configured", ref)
	}
	bucket, object, found := strings.Cut(rest, "/")
	if !found || object == "" {
		return "", noop, fmt.Errorf("malformed GCS reference %s", ref)
	}

	reader, err := f.gcsClient.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", noop, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	tmp, err := os.CreateTemp("", "ocrflow-source-*.pdf")
	if err != nil {
		return "", noop, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		cleanup()
		return "", noop, fmt.Errorf("failed to download %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to finalize download of %s: %w", ref, err)
	}
	return tmp.Name(), cleanup, nil
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/metrics"
	"github.com/Lllllllleong/ocrflow/internal/models"
	"github.com/Lllllllleong/ocrflow/internal/pipeline"
	"github.com/Lllllllleong/ocrflow/internal/queue"
	"github.com/Lllllllleong/ocrflow/internal/storage"
)

// stubProcessor assembles trivial one-page documents, failing refs on a
// deny-list.
type stubProcessor struct {
	failing map[string]bool
	calls   atomic.Int64
}

func (s *stubProcessor) Process(_ context.Context, sourceRef string) (*models.Document, error) {
	s.calls.Add(1)
	if s.failing[sourceRef] {
		return nil, fmt.Errorf("unreadable source %s", sourceRef)
	}
	text := "content of " + sourceRef
	return pipeline.AssembleDocument(sourceRef, []models.PageResult{{
		SourceRef:  sourceRef,
		PageNumber: 1,
		Response:   models.PageResponse{IsRotationValid: true, NaturalText: &text},
	}}), nil
}

// failPutIfStore fails conditional writes under a key prefix, to simulate a
// workspace that rejects result uploads.
type failPutIfStore struct {
	storage.BlobStore
	prefix string
}

func (f *failPutIfStore) PutIf(ctx context.Context, key string, data []byte, generation int64) error {
	if strings.HasPrefix(key, f.prefix) {
		return fmt.Errorf("simulated write failure for %s", key)
	}
	return f.BlobStore.PutIf(ctx, key, data, generation)
}

func newWorkspace(t *testing.T, refs []string) (storage.BlobStore, *queue.WorkQueue) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = queue.Populate(context.Background(), store, logger.Nop(), refs, 1)
	require.NoError(t, err)
	q, err := queue.New(context.Background(), store, logger.Nop())
	require.NoError(t, err)
	return store, q
}

func newTestManager(cfg Config, q *queue.WorkQueue, docs DocProcessor, store storage.BlobStore) *Manager {
	if cfg.Visibility == 0 {
		cfg.Visibility = time.Minute
	}
	return NewManager(cfg, q, docs, store, "test-owner", logger.Nop(), metrics.NewSink(prometheus.NewRegistry()))
}

func TestManager_DrainsQueue(t *testing.T) {
	store, q := newWorkspace(t, []string{"a.pdf", "b.pdf", "c.pdf"})
	docs := &stubProcessor{}
	m := newTestManager(Config{NumWorkers: 2}, q, docs, store)

	require.NoError(t, m.Run(context.Background()))

	assert.Zero(t, q.Remaining())
	assert.Zero(t, m.Unrecoverable())
	assert.Equal(t, int64(3), docs.calls.Load())
	assert.Equal(t, int64(3), m.sink.Snapshot().Completed)

	results, err := store.List(context.Background(), "results/")
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Each output file holds one JSONL document record.
	obj, err := store.Get(context.Background(), results[0])
	require.NoError(t, err)
	var doc models.Document
	require.NoError(t, json.Unmarshal(obj.Data, &doc))
	assert.Contains(t, doc.Text, "content of ")
	assert.Equal(t, "ocrflow", doc.Source)
}

func TestManager_SkipsBadDocumentWithinBatch(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	// One batch holding both a good and a bad document.
	_, err = queue.Populate(context.Background(), store, logger.Nop(), []string{"good.pdf", "bad.pdf"}, 2)
	require.NoError(t, err)
	q, err := queue.New(context.Background(), store, logger.Nop())
	require.NoError(t, err)

	docs := &stubProcessor{failing: map[string]bool{"bad.pdf": true}}
	m := newTestManager(Config{NumWorkers: 1}, q, docs, store)

	require.NoError(t, m.Run(context.Background()))

	// The batch still completes, carrying only the good document.
	assert.Zero(t, q.Remaining())
	results, err := store.List(context.Background(), "results/")
	require.NoError(t, err)
	require.Len(t, results, 1)
	obj, err := store.Get(context.Background(), results[0])
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(string(obj.Data)), "\n")+1)
	assert.Contains(t, string(obj.Data), "good.pdf")
	assert.NotContains(t, string(obj.Data), "bad.pdf")
}

func TestManager_UnrecoverableBatch(t *testing.T) {
	inner, q := newWorkspace(t, []string{"a.pdf"})
	store := &failPutIfStore{BlobStore: inner, prefix: "results/"}
	docs := &stubProcessor{}
	m := newTestManager(Config{NumWorkers: 1, MaxBatchAttempts: 2}, q, docs, inner)
	m.store = store

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 1, m.Unrecoverable())
	assert.Equal(t, 1, q.Remaining(), "a failed batch is never marked done")
	assert.Equal(t, int64(2), docs.calls.Load(), "processing stops after the attempt budget")
}

func TestManager_ResultWriteIsIdempotent(t *testing.T) {
	store, q := newWorkspace(t, []string{"a.pdf"})
	ctx := context.Background()

	// Simulate a previous worker that wrote results but crashed before
	// completing the batch.
	keysBefore, err := store.List(ctx, "results/")
	require.NoError(t, err)
	require.Empty(t, keysBefore)

	docs := &stubProcessor{}
	m := newTestManager(Config{NumWorkers: 1}, q, docs, store)
	require.NoError(t, m.Run(ctx))

	keys, err := store.List(ctx, "results/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	first, err := store.Get(ctx, keys[0])
	require.NoError(t, err)

	// Re-running against a completed queue is a no-op and leaves the
	// existing output untouched.
	q2, err := queue.New(ctx, store, logger.Nop())
	require.NoError(t, err)
	m2 := newTestManager(Config{NumWorkers: 1}, q2, docs, store)
	require.NoError(t, m2.Run(ctx))

	second, err := store.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int64(1), docs.calls.Load())
}

func TestManager_MarkdownSideOutput(t *testing.T) {
	store, q := newWorkspace(t, []string{"reports/q3.pdf"})
	docs := &stubProcessor{}
	m := newTestManager(Config{NumWorkers: 1, Markdown: true}, q, docs, store)

	require.NoError(t, m.Run(context.Background()))

	obj, err := store.Get(context.Background(), "markdown/reports/q3.md")
	require.NoError(t, err)
	assert.Equal(t, "content of reports/q3.pdf", string(obj.Data))
}

func TestManager_QuiesceStopsNewLeases(t *testing.T) {
	store, q := newWorkspace(t, []string{"a.pdf", "b.pdf"})
	docs := &stubProcessor{}
	m := newTestManager(Config{NumWorkers: 1}, q, docs, store)

	m.Quiesce()
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 2, q.Remaining())
	assert.Zero(t, docs.calls.Load())
}

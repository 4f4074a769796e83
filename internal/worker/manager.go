// Package worker runs the pool of concurrent worker loops that drain the
// work queue: lease a batch, process its documents, write results, complete
// or release the lease.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/metrics"
	"github.com/Lllllllleong/ocrflow/internal/models"
	"github.com/Lllllllleong/ocrflow/internal/queue"
	"github.com/Lllllllleong/ocrflow/internal/storage"
)

// DocProcessor turns one source document reference into an assembled
// document record.
type DocProcessor interface {
	Process(ctx context.Context, sourceRef string) (*models.Document, error)
}

// Config holds worker pool settings.
type Config struct {
	NumWorkers int
	Visibility time.Duration
	// MaxBatchAttempts bounds how often this process re-leases a batch
	// that keeps failing before declaring it unrecoverable.
	MaxBatchAttempts int
	// Markdown additionally writes one .md file per document, mirroring
	// the source layout.
	Markdown bool
}

// Manager coordinates N worker loops over one shared queue.
type Manager struct {
	cfg   Config
	queue *queue.WorkQueue
	docs  DocProcessor
	store storage.BlobStore
	owner string
	log   *logger.Logger
	sink  *metrics.Sink

	quiesce     chan struct{}
	quiesceOnce sync.Once

	mu            sync.Mutex
	attempts      map[string]int
	unrecoverable map[string]bool
}

// NewManager creates a worker manager. ownerID identifies this process in
// lease records.
func NewManager(cfg Config, q *queue.WorkQueue, docs DocProcessor, store storage.BlobStore, ownerID string, log *logger.Logger, sink *metrics.Sink) *Manager {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Minute
	}
	if cfg.MaxBatchAttempts <= 0 {
		cfg.MaxBatchAttempts = 3
	}
	return &Manager{
		cfg:           cfg,
		queue:         q,
		docs:          docs,
		store:         store,
		owner:         ownerID,
		log:           log.ComponentLogger("worker"),
		sink:          sink,
		quiesce:       make(chan struct{}),
		attempts:      make(map[string]int),
		unrecoverable: make(map[string]bool),
	}
}

// Quiesce stops workers from taking new leases. Batches already in flight
// run to completion.
func (m *Manager) Quiesce() {
	m.quiesceOnce.Do(func() { close(m.quiesce) })
}

func (m *Manager) quiescing() bool {
	select {
	case <-m.quiesce:
		return true
	default:
		return false
	}
}

// Run drives the pool until the queue is drained or ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	eg, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.NumWorkers; i++ {
		workerID := i
		eg.Go(func() error {
			return m.workerLoop(gctx, workerID)
		})
	}
	return eg.Wait()
}

// Unrecoverable returns the number of batches this process gave up on.
func (m *Manager) Unrecoverable() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unrecoverable)
}

func (m *Manager) workerLoop(ctx context.Context, workerID int) error {
	log := m.log.WorkerLogger(workerID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if m.quiescing() {
			log.Info().Msg("Shutdown requested, worker taking no more leases")
			return nil
		}

		item, err := m.queue.Lease(ctx, m.ownerFor(workerID), m.cfg.Visibility)
		switch {
		case errors.Is(err, queue.ErrQueueEmpty):
			log.Info().Msg("Queue drained, worker exiting")
			return nil
		case errors.Is(err, queue.ErrNoneAvailable):
			if m.onlyUnrecoverableRemain() {
				log.Info().Msg("Only unrecoverable batches remain, worker exiting")
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d failed to lease: %w", workerID, err)
		}

		if m.pastAttemptBudget(item.ID) {
			_ = m.queue.Release(ctx, item.ID, m.ownerFor(workerID))
			if m.onlyUnrecoverableRemain() {
				log.Info().Msg("Only unrecoverable batches remain, worker exiting")
				return nil
			}
			continue
		}

		if err := m.processBatch(ctx, log, workerID, item); err != nil {
			log.Error().Str("item", item.ID).Err(err).Msg("Batch failed, releasing lease for retry")
			m.sink.ObserveBatchReleased()
			// Release must survive cancellation so other workers can take
			// the batch over without waiting out the visibility timeout.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if rerr := m.queue.Release(releaseCtx, item.ID, m.ownerFor(workerID)); rerr != nil && !errors.Is(rerr, queue.ErrLeaseLost) {
				log.Error().Str("item", item.ID).Err(rerr).Msg("Failed to release batch")
			}
			cancel()
		}
	}
}

func (m *Manager) ownerFor(workerID int) string {
	return fmt.Sprintf("%s-%d", m.owner, workerID)
}

// pastAttemptBudget counts a lease attempt and reports whether the batch has
// exhausted its allotted retries in this process.
func (m *Manager) pastAttemptBudget(itemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unrecoverable[itemID] {
		return true
	}
	m.attempts[itemID]++
	if m.attempts[itemID] > m.cfg.MaxBatchAttempts {
		m.unrecoverable[itemID] = true
		m.log.Error().Str("item", itemID).Int("attempts", m.attempts[itemID]-1).Msg("Batch exhausted its retry budget, marking unrecoverable")
		return true
	}
	return false
}

func (m *Manager) onlyUnrecoverableRemain() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unrecoverable) >= m.queue.Remaining()
}

// processBatch runs every document of one leased work item and writes the
// combined output. The lease is renewed in the background for as long as the
// batch is in flight.
func (m *Manager) processBatch(ctx context.Context, log *logger.Logger, workerID int, item *models.WorkItem) error {
	owner := m.ownerFor(workerID)
	log.Info().Str("item", item.ID).Int("documents", len(item.DocumentRefs)).Msg("Processing batch")

	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		m.renewLoop(batchCtx, cancelBatch, item.ID, owner)
	}()
	defer func() { cancelBatch(); <-renewDone }()

	var docs []*models.Document
	for _, ref := range item.DocumentRefs {
		doc, err := m.docs.Process(batchCtx, ref)
		if err != nil {
			// Bad sources are reported and skipped; retrying cannot fix a
			// structurally invalid document.
			log.Error().Str("document", ref).Err(err).Msg("Skipping document")
			continue
		}
		docs = append(docs, doc)
	}

	if batchCtx.Err() != nil && ctx.Err() == nil {
		return queue.ErrLeaseLost
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := m.writeResults(ctx, item, docs); err != nil {
		return fmt.Errorf("failed to write results for %s: %w", item.ID, err)
	}
	if err := m.queue.Complete(ctx, item.ID, owner); err != nil {
		return fmt.Errorf("failed to complete %s: %w", item.ID, err)
	}
	m.sink.ObserveBatchCompleted()
	log.Info().Str("item", item.ID).Int("documents", len(docs)).Msg("Batch complete")
	return nil
}

// renewLoop extends the lease at a third of the visibility timeout. Losing
// the lease cancels the whole batch: another worker owns it now.
func (m *Manager) renewLoop(ctx context.Context, cancelBatch context.CancelFunc, itemID, owner string) {
	ticker := time.NewTicker(m.cfg.Visibility / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.queue.Renew(ctx, itemID, owner, m.cfg.Visibility); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					m.log.Warn().Str("item", itemID).Msg("Lease lost during processing, cancelling batch")
					cancelBatch()
					return
				}
				m.log.Warn().Str("item", itemID).Err(err).Msg("Lease renewal failed, will retry")
			}
		}
	}
}

// writeResults writes one JSONL object per document under the batch's output
// key. The write is conditional on absence: a batch re-processed after a
// crash observes the previous identical output and skips the write, keeping
// output idempotent.
func (m *Manager) writeResults(ctx context.Context, item *models.WorkItem, docs []*models.Document) error {
	var sb strings.Builder
	for _, doc := range docs {
		line, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document %s: %w", doc.ID, err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	key := fmt.Sprintf("results/output_%s.jsonl", item.ID)
	if err := m.store.PutIf(ctx, key, []byte(sb.String()), 0); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			m.log.Info().Str("item", item.ID).Msg("Results already written by an earlier attempt, skipping")
		} else {
			return err
		}
	}

	if m.cfg.Markdown {
		for _, doc := range docs {
			if err := m.store.Put(ctx, markdownKey(doc.Metadata.SourceFile), []byte(doc.Text)); err != nil {
				return fmt.Errorf("failed to write markdown for %s: %w", doc.Metadata.SourceFile, err)
			}
		}
	}
	return nil
}

func markdownKey(sourceRef string) string {
	rel := strings.TrimPrefix(sourceRef, "gs://")
	rel = strings.TrimPrefix(rel, "/")
	ext := path.Ext(rel)
	return "markdown/" + strings.TrimSuffix(rel, ext) + ".md"
}

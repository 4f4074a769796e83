package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/models"
	"github.com/Lllllllleong/ocrflow/internal/storage"
)

// Populate batches document references into work items and merges them into
// the workspace index. Batch IDs are content hashes of their sorted document
// references, so populating the same inputs twice adds nothing and already
// completed batches stay completed.
func Populate(ctx context.Context, store storage.BlobStore, log *logger.Logger, refs []string, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(refs) == 0 {
		return 0, fmt.Errorf("no document references to enqueue")
	}

	// Deduplicate and sort so batch membership is deterministic.
	seen := make(map[string]bool, len(refs))
	unique := make([]string, 0, len(refs))
	for _, ref := range refs {
		if !seen[ref] {
			seen[ref] = true
			unique = append(unique, ref)
		}
	}
	sort.Strings(unique)

	existing, err := loadIndex(ctx, store)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, item := range existing {
		known[item.ID] = true
	}

	bar := progressbar.Default(int64((len(unique)+batchSize-1)/batchSize), "enqueueing batches")
	added := 0
	for start := 0; start < len(unique); start += batchSize {
		end := min(start+batchSize, len(unique))
		batch := unique[start:end]
		item := models.WorkItem{ID: batchID(batch), DocumentRefs: batch}
		_ = bar.Add(1)
		if known[item.ID] {
			continue
		}
		existing = append(existing, item)
		known[item.ID] = true
		added++
	}

	if added > 0 {
		if err := writeIndex(ctx, store, existing); err != nil {
			return 0, err
		}
	}
	log.Info().Int("new_batches", added).Int("total_batches", len(existing)).Msg("Queue populated")
	return added, nil
}

func batchID(refs []string) string {
	h := sha1.New()
	for _, ref := range refs {
		h.Write([]byte(ref))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func loadIndex(ctx context.Context, store storage.BlobStore) ([]models.WorkItem, error) {
	obj, err := store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load queue index: %w", err)
	}
	var items []models.WorkItem
	for _, line := range strings.Split(string(obj.Data), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		var item models.WorkItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("corrupt queue index entry: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func writeIndex(ctx context.Context, store storage.BlobStore, items []models.WorkItem) error {
	var sb strings.Builder
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal work item: %w", err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	if err := store.Put(ctx, indexKey, []byte(sb.String())); err != nil {
		return fmt.Errorf("failed to write queue index: %w", err)
	}
	return nil
}

// Package queue implements a durable, lease-based work queue on top of a
// blob store. Multiple worker processes can pull from the same workspace
// without duplicate processing: the store's conditional writes arbitrate
// lease ownership, and crash recovery is nothing more than lease expiry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/models"
	"github.com/Lllllllleong/ocrflow/internal/storage"
)

const (
	indexKey    = "queue/index.jsonl"
	leasePrefix = "worker_locks/"
	donePrefix  = "queue/done/"
)

var (
	// ErrQueueEmpty means every work item is done; workers should exit.
	ErrQueueEmpty = errors.New("queue: no work remaining")

	// ErrNoneAvailable means items remain but all are currently leased by
	// other owners; callers should back off and retry.
	ErrNoneAvailable = errors.New("queue: all remaining work is leased")

	// ErrLeaseLost means the caller no longer holds a valid lease on the
	// item. The safe response is to stop working on it.
	ErrLeaseLost = errors.New("queue: lease lost")
)

// WorkQueue coordinates leasing of document batches. The in-memory item list
// is a read-only snapshot of the index; all lease state lives in the store.
type WorkQueue struct {
	store storage.BlobStore
	log   *logger.Logger
	items []models.WorkItem
	now   func() time.Time

	mu   sync.Mutex
	done map[string]bool
}

// New loads the queue index and completed-batch markers from the store.
func New(ctx context.Context, store storage.BlobStore, log *logger.Logger) (*WorkQueue, error) {
	q := &WorkQueue{
		store: store,
		log:   log.ComponentLogger("queue"),
		done:  make(map[string]bool),
		now:   time.Now,
	}

	obj, err := store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, fmt.Errorf("workspace has no queue index; run populate first")
		}
		return nil, fmt.Errorf("failed to load queue index: %w", err)
	}
	for _, line := range strings.Split(string(obj.Data), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		var item models.WorkItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("corrupt queue index entry: %w", err)
		}
		q.items = append(q.items, item)
	}

	doneKeys, err := store.List(ctx, donePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed batches: %w", err)
	}
	for _, key := range doneKeys {
		q.done[strings.TrimPrefix(key, donePrefix)] = true
	}

	q.log.Info().Int("items", len(q.items)).Int("completed", len(q.done)).Msg("Queue loaded")
	return q, nil
}

// Size returns the total number of work items in the index.
func (q *WorkQueue) Size() int { return len(q.items) }

// Remaining returns the number of items not yet completed.
func (q *WorkQueue) Remaining() int {
	n := 0
	for _, item := range q.items {
		if !q.isDone(item.ID) {
			n++
		}
	}
	return n
}

func (q *WorkQueue) isDone(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done[itemID]
}

func (q *WorkQueue) markDone(itemID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done[itemID] = true
}

func leaseKey(itemID string) string { return leasePrefix + itemID + ".json" }
func doneKey(itemID string) string  { return donePrefix + itemID }

// Lease atomically claims one available work item for owner, valid for the
// visibility timeout. Items whose lease has expired are reclaimable; exactly
// one concurrent caller wins any given item.
func (q *WorkQueue) Lease(ctx context.Context, ownerID string, visibility time.Duration) (*models.WorkItem, error) {
	// Randomize claim order so concurrent workers spread across the index
	// instead of contending on the same item.
	order := rand.Perm(len(q.items))

	sawLeased := false
	for _, i := range order {
		item := q.items[i]
		if q.isDone(item.ID) {
			continue
		}

		claimed, leased, err := q.tryClaim(ctx, item.ID, ownerID, visibility)
		if err != nil {
			return nil, err
		}
		if claimed {
			q.log.Info().Str("item", item.ID).Str("owner", ownerID).Msg("Leased work item")
			return &item, nil
		}
		if leased {
			sawLeased = true
		} else {
			// Not leased and not claimable: completed by another worker
			// since our snapshot was taken.
			q.markDone(item.ID)
		}
	}

	if sawLeased {
		return nil, ErrNoneAvailable
	}
	return nil, ErrQueueEmpty
}

// tryClaim attempts the claim-if-available-or-expired transition for one
// item. Returns claimed=true on success; leased=true when a valid foreign
// lease blocks the item.
func (q *WorkQueue) tryClaim(ctx context.Context, itemID, ownerID string, visibility time.Duration) (claimed, leased bool, err error) {
	if completed, err := q.isCompleted(ctx, itemID); err != nil {
		return false, false, err
	} else if completed {
		return false, false, nil
	}

	now := q.now()
	lease := models.Lease{
		WorkItemID: itemID,
		OwnerID:    ownerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(visibility),
	}
	payload, err := json.Marshal(lease)
	if err != nil {
		return false, false, fmt.Errorf("failed to marshal lease: %w", err)
	}

	obj, err := q.store.Get(ctx, leaseKey(itemID))
	switch {
	case errors.Is(err, storage.ErrNotExist):
		err = q.store.PutIf(ctx, leaseKey(itemID), payload, 0)
	case err != nil:
		return false, false, fmt.Errorf("failed to read lease for %s: %w", itemID, err)
	default:
		var current models.Lease
		if jerr := json.Unmarshal(obj.Data, &current); jerr == nil && !current.Expired(now) {
			return false, true, nil
		}
		// Expired or corrupt lease: replace it only if it has not changed
		// since we read it.
		err = q.store.PutIf(ctx, leaseKey(itemID), payload, obj.Generation)
	}

	if errors.Is(err, storage.ErrPreconditionFailed) {
		return false, true, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to claim %s: %w", itemID, err)
	}
	return true, false, nil
}

// Renew extends the caller's lease by the visibility timeout. Fails with
// ErrLeaseLost if the lease expired or was taken over.
func (q *WorkQueue) Renew(ctx context.Context, itemID, ownerID string, visibility time.Duration) error {
	obj, err := q.store.Get(ctx, leaseKey(itemID))
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return ErrLeaseLost
		}
		return fmt.Errorf("failed to read lease for %s: %w", itemID, err)
	}

	var current models.Lease
	if err := json.Unmarshal(obj.Data, &current); err != nil {
		return ErrLeaseLost
	}
	now := q.now()
	if current.OwnerID != ownerID || current.Expired(now) {
		return ErrLeaseLost
	}

	current.ExpiresAt = now.Add(visibility)
	payload, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	if err := q.store.PutIf(ctx, leaseKey(itemID), payload, obj.Generation); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return ErrLeaseLost
		}
		return fmt.Errorf("failed to renew lease for %s: %w", itemID, err)
	}
	return nil
}

// Complete permanently marks the item done. Completing an already-completed
// item is a no-op.
func (q *WorkQueue) Complete(ctx context.Context, itemID, ownerID string) error {
	if err := q.store.Put(ctx, doneKey(itemID), []byte(ownerID)); err != nil {
		return fmt.Errorf("failed to mark %s done: %w", itemID, err)
	}
	q.markDone(itemID)

	// Best-effort cleanup of our lease; expiry handles it otherwise.
	if obj, err := q.store.Get(ctx, leaseKey(itemID)); err == nil {
		var current models.Lease
		if json.Unmarshal(obj.Data, &current) == nil && current.OwnerID == ownerID {
			_ = q.store.Delete(ctx, leaseKey(itemID))
		}
	}
	return nil
}

// Release voluntarily returns the item to the available state before expiry,
// so another worker can retry it.
func (q *WorkQueue) Release(ctx context.Context, itemID, ownerID string) error {
	obj, err := q.store.Get(ctx, leaseKey(itemID))
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read lease for %s: %w", itemID, err)
	}

	var current models.Lease
	if err := json.Unmarshal(obj.Data, &current); err != nil || current.OwnerID != ownerID {
		return ErrLeaseLost
	}

	// Expire the lease in place rather than deleting it: the conditional
	// write keeps a concurrent takeover safe.
	current.ExpiresAt = q.now()
	payload, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	if err := q.store.PutIf(ctx, leaseKey(itemID), payload, obj.Generation); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return ErrLeaseLost
		}
		return fmt.Errorf("failed to release %s: %w", itemID, err)
	}
	q.log.Info().Str("item", itemID).Msg("Released work item")
	return nil
}

func (q *WorkQueue) isCompleted(ctx context.Context, itemID string) (bool, error) {
	if q.isDone(itemID) {
		return true, nil
	}
	_, err := q.store.Get(ctx, doneKey(itemID))
	if err == nil {
		q.markDone(itemID)
		return true, nil
	}
	if errors.Is(err, storage.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check completion of %s: %w", itemID, err)
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/ocrflow/internal/logger"
	"github.com/Lllllllleong/ocrflow/internal/storage"
)

func newTestStore(t *testing.T) storage.BlobStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func populateRefs(t *testing.T, store storage.BlobStore, refs []string, batchSize int) {
	t.Helper()
	_, err := Populate(context.Background(), store, logger.Nop(), refs, batchSize)
	require.NoError(t, err)
}

// loadQueueAt opens the queue with a fixed clock so lease expiry is
// deterministic in tests.
func loadQueueAt(t *testing.T, store storage.BlobStore, clock *time.Time) *WorkQueue {
	t.Helper()
	q, err := New(context.Background(), store, logger.Nop())
	require.NoError(t, err)
	q.now = func() time.Time { return *clock }
	return q
}

func TestPopulate_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	refs := []string{"b.pdf", "a.pdf", "a.pdf", "c.pdf"}

	added, err := Populate(ctx, store, logger.Nop(), refs, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, added) // 3 unique refs in batches of 2

	added, err = Populate(ctx, store, logger.Nop(), refs, 2)
	require.NoError(t, err)
	assert.Zero(t, added)

	q, err := New(ctx, store, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, q.Size())
	assert.Equal(t, 2, q.Remaining())
}

func TestNew_MissingIndex(t *testing.T) {
	store := newTestStore(t)
	_, err := New(context.Background(), store, logger.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "populate")
}

func TestLease_Exclusive(t *testing.T) {
	store := newTestStore(t)
	populateRefs(t, store, []string{"a.pdf"}, 1)
	ctx := context.Background()
	clock := time.Now()

	q := loadQueueAt(t, store, &clock)
	item, err := q.Lease(ctx, "owner-a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf"}, item.DocumentRefs)

	// A second worker sees the item leased, not the queue empty.
	q2 := loadQueueAt(t, store, &clock)
	_, err = q2.Lease(ctx, "owner-b", time.Hour)
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestLease_ExpiryTakeover(t *testing.T) {
	store := newTestStore(t)
	populateRefs(t, store, []string{"a.pdf"}, 1)
	ctx := context.Background()
	clock := time.Now()

	q := loadQueueAt(t, store, &clock)
	_, err := q.Lease(ctx, "crashed-worker", time.Hour)
	require.NoError(t, err)

	// Before expiry the item is blocked; after expiry it is claimable.
	clock = clock.Add(30 * time.Minute)
	q2 := loadQueueAt(t, store, &clock)
	_, err = q2.Lease(ctx, "owner-b", time.Hour)
	assert.ErrorIs(t, err, ErrNoneAvailable)

	clock = clock.Add(31 * time.Minute)
	item, err := q2.Lease(ctx, "owner-b", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf"}, item.DocumentRefs)

	// The original owner's lease is gone.
	assert.ErrorIs(t, q.Renew(ctx, item.ID, "crashed-worker", time.Hour), ErrLeaseLost)
}

func TestLease_EmptyAfterComplete(t *testing.T) {
	store := newTestStore(t)
	populateRefs(t, store, []string{"a.pdf"}, 1)
	ctx := context.Background()
	clock := time.Now()

	q := loadQueueAt(t, store, &clock)
	item, err := q.Lease(ctx, "owner-a", time.Hour)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, item.ID, "owner-a"))

	_, err = q.Lease(ctx, "owner-a", time.Hour)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Zero(t, q.Remaining())

	// A fresh worker process observes the completion too.
	q2 := loadQueueAt(t, store, &clock)
	_, err = q2.Lease(ctx, "owner-b", time.Hour)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestComplete_Idempotent(t *testing.T) {
	store := newTestStore(t)
	populateRefs(t, store, []string{"a.pdf"}, 1)
	ctx := context.Background()
	clock := time.Now()

	q := loadQueueAt(t, store, &clock)
	item, err := q.Lease(ctx, "owner-a", time.Hour)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, item.ID, "owner-a"))
	require.NoError(t, q.Complete(ctx, item.ID, "owner-a"))
}

func TestRenew(t *testing.T) {
	store := newTestStore(t)
	populateRefs(t, store, []string{"a.pdf"}, 1)
	ctx := context.Background()
	clock := time.Now()

	q := loadQueueAt(t, store, &clock)
	item, err := q.Lease(ctx, "owner-a", time.Hour)
	require.NoError(t, err)

	clock = clock.Add(50 * time.Minute)
	require.NoError(t, q.Renew(ctx, item.ID, "owner-a", time.Hour))

	// Renewed past the original expiry.
	clock = clock.Add(50 * time.Minute)
	require.NoError(t, q.Renew(ctx, item.ID, "owner-a", time.Hour))

	// Someone else cannot renew our lease.
	assert.ErrorIs(t, q.Renew(ctx, item.ID, "owner-b", time.Hour), ErrLeaseLost)

	// And once expired, neither can we.
	clock = clock.Add(2 * time.Hour)
	assert.ErrorIs(t, q.Renew(ctx, item.ID, "owner-a", time.Hour), ErrLeaseLost)
}

func TestRelease(t *testing.T) {
	store := newTestStore(t)
	populateRefs(t, store, []string{"a.pdf"}, 1)
	ctx := context.Background()
	clock := time.Now()

	q := loadQueueAt(t, store, &clock)
	item, err := q.Lease(ctx, "owner-a", time.Hour)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, item.ID, "owner-a"))

	// The released item is immediately available to another worker.
	clock = clock.Add(time.Second)
	q2 := loadQueueAt(t, store, &clock)
	got, err := q2.Lease(ctx, "owner-b", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
}

func TestRelease_NotOwner(t *testing.T) {
	store := newTestStore(t)
	populateRefs(t, store, []string{"a.pdf"}, 1)
	ctx := context.Background()
	clock := time.Now()

	q := loadQueueAt(t, store, &clock)
	item, err := q.Lease(ctx, "owner-a", time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, q.Release(ctx, item.ID, "owner-b"), ErrLeaseLost)
}

func TestLease_ConcurrentSingleWinner(t *testing.T) {
	store := newTestStore(t)
	populateRefs(t, store, []string{"a.pdf"}, 1)
	ctx := context.Background()

	// Race independent queue instances at one item so exclusion comes from
	// the store's conditional writes, not in-process locking.
	const contenders = 16
	queues := make([]*WorkQueue, contenders)
	for i := range queues {
		q, err := New(ctx, store, logger.Nop())
		require.NoError(t, err)
		queues[i] = q
	}

	var won, lost atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, q := range queues {
		wg.Add(1)
		go func(i int, q *WorkQueue) {
			defer wg.Done()
			<-start
			_, err := q.Lease(ctx, fmt.Sprintf("owner-%d", i), time.Hour)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrNoneAvailable):
				lost.Add(1)
			default:
				t.Errorf("unexpected lease error: %v", err)
			}
		}(i, q)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), won.Load())
	assert.Equal(t, int64(contenders-1), lost.Load())
}

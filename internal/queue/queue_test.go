package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/podushkina/bidparse/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRepo(t *testing.T, family task.Family) (*Repository, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client, err := Connect(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return New(client, family, 24*time.Hour), mr
}

func newRecord(bid string) *task.Record {
	rec := task.NewRecord(bid)
	rec.FilePath = "/tmp/" + bid + "_" + rec.ID + "_tender.docx"
	return rec
}

func TestRepository_EnqueueAndDequeue(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyBase)
	defer mr.Close()
	ctx := context.Background()

	rec := newRecord("T-001")
	require.NoError(t, repo.Enqueue(ctx, rec))

	status, err := repo.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, status)

	id, err := repo.TaskIDByBid(ctx, "T-001")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id)

	n, err := repo.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	popped, err := repo.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, rec.ID, popped.ID)
	assert.Equal(t, rec.Bid, popped.Bid)
	assert.Equal(t, rec.FilePath, popped.FilePath)
}

func TestRepository_FIFO(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyScore)
	defer mr.Close()
	ctx := context.Background()

	first, second := newRecord("A"), newRecord("B")
	require.NoError(t, repo.Enqueue(ctx, first))
	require.NoError(t, repo.Enqueue(ctx, second))

	got, err := repo.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = repo.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestRepository_DequeueEmpty(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyBase)
	defer mr.Close()

	rec, err := repo.Dequeue(context.Background(), 100*time.Millisecond)

	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRepository_FamiliesAreIsolated(t *testing.T) {
	base, mr := setupTestRepo(t, task.FamilyBase)
	defer mr.Close()
	ctx := context.Background()

	client, err := Connect(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()
	catalogue := New(client, task.FamilyCatalogue, 0)

	require.NoError(t, base.Enqueue(ctx, newRecord("T-001")))

	_, err = catalogue.TaskIDByBid(ctx, "T-001")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, mr.Exists("task:queue"))
	assert.False(t, mr.Exists("catalogue_task:queue"))
}

func TestRepository_CompetingConsumers(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyBase)
	defer mr.Close()
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, repo.Enqueue(ctx, newRecord("bid")))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := repo.Dequeue(ctx, 100*time.Millisecond)
				if err != nil || rec == nil {
					return
				}
				mu.Lock()
				seen[rec.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s delivered more than once", id)
	}
}

func TestRepository_ResubmissionLastWriteWins(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyBase)
	defer mr.Close()
	ctx := context.Background()

	first := newRecord("T-001")
	require.NoError(t, repo.Enqueue(ctx, first))
	require.NoError(t, repo.SetStatus(ctx, first.ID, task.StatusProcessing))

	second := newRecord("T-001")
	require.NoError(t, repo.Enqueue(ctx, second))

	id, err := repo.TaskIDByBid(ctx, "T-001")
	require.NoError(t, err)
	assert.Equal(t, second.ID, id)

	// the older task stays reachable by its own id
	status, err := repo.GetStatus(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, status)
}

func TestRepository_EnqueueExclusive(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyCatalogue)
	defer mr.Close()
	ctx := context.Background()

	first := newRecord("T-002")
	id, err := repo.EnqueueExclusive(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)

	second := newRecord("T-002")
	existing, err := repo.EnqueueExclusive(ctx, second)
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, first.ID, existing)

	n, err := repo.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = repo.GetStatus(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.SetStatus(ctx, first.ID, task.StatusProcessing))
	_, err = repo.EnqueueExclusive(ctx, second)
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, repo.SetStatus(ctx, first.ID, task.StatusFailed))
	id, err = repo.EnqueueExclusive(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, id)

	mapped, err := repo.TaskIDByBid(ctx, "T-002")
	require.NoError(t, err)
	assert.Equal(t, second.ID, mapped)
	assert.True(t, mr.TTL("catalogue_task:status:"+second.ID) > 0)
}

func TestRepository_StatusIsForwardOnly(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyScore)
	defer mr.Close()
	ctx := context.Background()

	rec := newRecord("T-003")
	require.NoError(t, repo.Enqueue(ctx, rec))

	require.NoError(t, repo.SetStatus(ctx, rec.ID, task.StatusProcessing))
	require.NoError(t, repo.SetStatus(ctx, rec.ID, task.StatusProcessing))

	err := repo.SetStatus(ctx, rec.ID, task.StatusPending)
	assert.ErrorIs(t, err, ErrStaleTransition)

	require.NoError(t, repo.SetStatus(ctx, rec.ID, task.StatusSuccess))
	err = repo.SetStatus(ctx, rec.ID, task.StatusFailed)
	assert.ErrorIs(t, err, ErrStaleTransition)

	status, err := repo.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, status)

	assert.Error(t, repo.SetStatus(ctx, rec.ID, task.Status("done")))
}

func TestRepository_ResultRoundTripIsVerbatim(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyBase)
	defer mr.Close()
	ctx := context.Background()

	_, err := repo.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	result := task.Failed(task.FamilyBase, "T-004", "文件转换为PDF失败")
	require.NoError(t, repo.SetResult(ctx, "id-1", result))

	a, err := repo.GetResult(ctx, "id-1")
	require.NoError(t, err)
	b, err := repo.GetResult(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.JSONEq(t, `{"retCode":"9999","retMessage":"文件转换为PDF失败","projectInfo":{},"bidContactInfo":{},"bidBond":{}}`, string(a))
}

func TestRepository_UnknownLookups(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyBase)
	defer mr.Close()
	ctx := context.Background()

	_, err := repo.TaskIDByBid(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetStatus(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_StoreUnavailable(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyBase)
	mr.Close()

	err := repo.Enqueue(context.Background(), newRecord("T-005"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRepository_BidOf(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyCatalogue)
	defer mr.Close()
	ctx := context.Background()

	plain := newRecord("T-006")
	require.NoError(t, repo.Enqueue(ctx, plain))
	exclusive := newRecord("T-007")
	_, err := repo.EnqueueExclusive(ctx, exclusive)
	require.NoError(t, err)

	bid, err := repo.BidOf(ctx, plain.ID)
	require.NoError(t, err)
	assert.Equal(t, "T-006", bid)

	bid, err = repo.BidOf(ctx, exclusive.ID)
	require.NoError(t, err)
	assert.Equal(t, "T-007", bid)
	assert.True(t, mr.TTL("catalogue_task:task_bid:"+exclusive.ID) > 0)

	_, err = repo.BidOf(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_RequeueGoesToHead(t *testing.T) {
	repo, mr := setupTestRepo(t, task.FamilyBase)
	defer mr.Close()
	ctx := context.Background()

	first := newRecord("T-008")
	second := newRecord("T-009")
	require.NoError(t, repo.Enqueue(ctx, first))
	require.NoError(t, repo.Enqueue(ctx, second))

	popped, err := repo.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, first.ID, popped.ID)

	require.NoError(t, repo.Requeue(ctx, popped))

	again, err := repo.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.FilePath, again.FilePath)

	status, err := repo.GetStatus(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, status)
}

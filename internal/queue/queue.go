package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/podushkina/bidparse/internal/task"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInFlight        = errors.New("bid already has a task in flight")
	ErrStaleTransition = errors.New("status transition not allowed")
)

// enqueueExclusiveScript writes the bid mapping, the pending status and the
// queue entry unless the bid's current task is still pending or processing.
// Returns {1, new_id} on success and {0, existing_id} when refused.
var enqueueExclusiveScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
  local st = redis.call('GET', ARGV[3] .. current)
  if st == 'pending' or st == 'processing' then
    return {0, current}
  end
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
  redis.call('SET', ARGV[3] .. ARGV[1], 'pending', 'PX', ttl)
  redis.call('SET', KEYS[3], ARGV[5], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
  redis.call('SET', ARGV[3] .. ARGV[1], 'pending')
  redis.call('SET', KEYS[3], ARGV[5])
end
redis.call('RPUSH', KEYS[2], ARGV[2])
return {1, ARGV[1]}
`)

// setStatusScript writes ARGV[1] when the key is absent or holds one of the
// statuses in ARGV[3..]. Returns 0 when refused.
var setStatusScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local allowed = false
  for i = 3, #ARGV do
    if ARGV[i] == cur then
      allowed = true
      break
    end
  end
  if not allowed then
    return 0
  end
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Connect opens a client and verifies the server is reachable.
func Connect(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}

// Repository is the task store of one family. Every family gets its own
// queue, status, result and bid mapping keys.
type Repository struct {
	client *redis.Client
	family task.Family
	ttl    time.Duration
}

// New returns a repository for family. Status, result and mapping keys
// expire after ttl; zero keeps them forever.
func New(client *redis.Client, family task.Family, ttl time.Duration) *Repository {
	return &Repository{client: client, family: family, ttl: ttl}
}

func (r *Repository) Family() task.Family { return r.family }

func (r *Repository) queueKey() string { return r.family.KeyPrefix() + ":queue" }
func (r *Repository) statusPrefix() string { return r.family.KeyPrefix() + ":status:" }
func (r *Repository) statusKey(id string) string { return r.statusPrefix() + id }
func (r *Repository) resultKey(id string) string { return r.family.KeyPrefix() + ":result:" + id }
func (r *Repository) bidKey(bid string) string { return r.family.KeyPrefix() + ":bid:mapping:" + bid }
func (r *Repository) ownerKey(id string) string { return r.family.KeyPrefix() + ":task_bid:" + id }

// Enqueue appends rec to the queue, points the bid at it and marks it
// pending in one MULTI/EXEC round trip.
func (r *Repository) Enqueue(ctx context.Context, rec *task.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.bidKey(rec.Bid), rec.ID, r.ttl)
	pipe.Set(ctx, r.statusKey(rec.ID), string(task.StatusPending), r.ttl)
	pipe.Set(ctx, r.ownerKey(rec.ID), rec.Bid, r.ttl)
	pipe.RPush(ctx, r.queueKey(), data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}

	return nil
}

// EnqueueExclusive behaves like Enqueue but refuses when the bid's current
// task is still pending or processing. In that case nothing is written and
// the existing task id is returned together with ErrInFlight.
func (r *Repository) EnqueueExclusive(ctx context.Context, rec *task.Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}

	keys := []string{r.bidKey(rec.Bid), r.queueKey(), r.ownerKey(rec.ID)}
	res, err := enqueueExclusiveScript.Run(ctx, r.client, keys,
		rec.ID, data, r.statusPrefix(), r.ttl.Milliseconds(), rec.Bid).Slice()
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("enqueue task: unexpected script reply %v", res)
	}

	id, _ := res[1].(string)
	if ok, _ := res[0].(int64); ok == 0 {
		return id, fmt.Errorf("bid %s: %w", rec.Bid, ErrInFlight)
	}
	return id, nil
}

// Dequeue blocks up to timeout for the next record. It returns nil, nil when
// the wait expires so callers can check for cancellation.
func (r *Repository) Dequeue(ctx context.Context, timeout time.Duration) (*task.Record, error) {
	result, err := r.client.BLPop(ctx, timeout, r.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue task: %w", err)
	}

	var rec task.Record
	if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	return &rec, nil
}

// SetStatus records status for id. Moving a task backwards, or from one
// terminal status to another, fails with ErrStaleTransition.
func (r *Repository) SetStatus(ctx context.Context, id string, status task.Status) error {
	if !status.Valid() {
		return fmt.Errorf("set status: invalid status %q", status)
	}

	args := []interface{}{string(status), r.ttl.Milliseconds()}
	for _, from := range task.Statuses() {
		if from.CanTransition(status) {
			args = append(args, string(from))
		}
	}

	ok, err := setStatusScript.Run(ctx, r.client, []string{r.statusKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("set status %s for task %s: %w", status, id, ErrStaleTransition)
	}

	return nil
}

func (r *Repository) GetStatus(ctx context.Context, id string) (task.Status, error) {
	s, err := r.client.Get(ctx, r.statusKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("status of task %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("get status: %w", err)
	}
	return task.Status(s), nil
}

func (r *Repository) SetResult(ctx context.Context, id string, result task.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if err := r.client.Set(ctx, r.resultKey(id), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set result: %w", err)
	}

	return nil
}

// GetResult returns the stored envelope bytes untouched.
func (r *Repository) GetResult(ctx context.Context, id string) (json.RawMessage, error) {
	data, err := r.client.Get(ctx, r.resultKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("result of task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	return json.RawMessage(data), nil
}

func (r *Repository) TaskIDByBid(ctx context.Context, bid string) (string, error) {
	id, err := r.client.Get(ctx, r.bidKey(bid)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("task for bid %s: %w", bid, ErrNotFound)
		}
		return "", fmt.Errorf("get task id: %w", err)
	}
	return id, nil
}

// BidOf returns the bid task id was submitted for.
func (r *Repository) BidOf(ctx context.Context, id string) (string, error) {
	bid, err := r.client.Get(ctx, r.ownerKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("bid of task %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("get bid: %w", err)
	}
	return bid, nil
}

// Requeue puts rec back at the head of the queue without touching its
// status, for records a consumer popped but could not claim.
func (r *Repository) Requeue(ctx context.Context, rec *task.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := r.client.LPush(ctx, r.queueKey(), data).Err(); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// Len reports how many records wait in the queue.
func (r *Repository) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

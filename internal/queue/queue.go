package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	readyKey      = "queue:video_jobs"
	processingKey = "queue:video_jobs:processing"
	leasesKey     = "queue:video_jobs:leases"
	delayedKey    = "queue:video_jobs:delayed"
	knownKey      = "queue:known:"
	lockKey       = "queue:lock:"

	// Enqueue dedupe window per job id
	knownTTL = 7 * 24 * time.Hour

	maxRetryDelay = 30 * time.Minute
)

// Message is one delivery of a job. Attempt starts at 1.
type Message struct {
	JobID      string    `json:"job_id"`
	DeliveryID string    `json:"delivery_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`

	// payload as stored in the processing list
	raw string
}

// Options tunes retries and locking.
type Options struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	LockTTL        time.Duration
}

// Queue is a Redis-backed job queue. Dequeue moves a delivery from the ready
// list to a processing list with BRPOPLPUSH and leases it for LockTTL; a
// delivery stays there until it is acked, retried or dropped. Leases that
// expire while nobody holds the job's lock are pushed back onto the ready
// list, so a worker that dies mid-job does not lose it. Delayed retries live
// in a sorted set scored by their due time.
type Queue struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

func New(redisURL string, opts Options) (*Queue, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, opts), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	return &Queue{client: client, opts: opts, now: time.Now}
}

// Client exposes the connection for components sharing it.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue schedules jobID unless a delivery for it is already queued, in
// flight or awaiting retry. It reports false in that case, so retried
// submissions do not start a second pipeline. Once a delivery settles the id
// can be enqueued again.
func (q *Queue) Enqueue(ctx context.Context, jobID string) (bool, error) {
	fresh, err := q.client.SetNX(ctx, knownKey+jobID, 1, knownTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s: %w", jobID, err)
	}
	if !fresh {
		return false, nil
	}

	msg := Message{JobID: jobID, Attempt: 1, EnqueuedAt: q.now()}
	if err := q.push(ctx, msg, false); err != nil {
		q.client.Del(ctx, knownKey+jobID)
		return false, fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return true, nil
}

// push adds a fresh delivery of msg to the ready list. Consumers pop from the
// right, so next puts it at the head of the line.
func (q *Queue) push(ctx context.Context, msg Message, next bool) error {
	msg.DeliveryID = uuid.NewString()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if next {
		return q.client.RPush(ctx, readyKey, data).Err()
	}
	return q.client.LPush(ctx, readyKey, data).Err()
}

// Dequeue promotes due retries and reclaims expired leases, then waits up to
// timeout for the next message. It returns nil, nil when nothing arrived. The
// delivery stays in flight until Ack, Retry or Drop.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	if err := q.reclaimExpired(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.BRPopLPush(ctx, readyKey, processingKey, timeout).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	lease := &redis.Z{Score: float64(q.now().Add(q.opts.LockTTL).UnixMilli()), Member: raw}
	if err := q.client.ZAdd(ctx, leasesKey, lease).Err(); err != nil {
		return nil, fmt.Errorf("failed to lease delivery: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		q.release(ctx, raw)
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg.raw = raw
	return &msg, nil
}

// promoteDue moves retries whose delay has elapsed onto the ready list.
// ZREM decides ownership so two workers never promote the same entry.
func (q *Queue) promoteDue(ctx context.Context) error {
	until := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: until}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, readyKey, member).Err(); err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}
	}
	return nil
}

// reclaimExpired returns deliveries whose lease ran out to the ready list.
// A lease whose job lock is still held is renewed instead, since its worker
// is alive. Entries popped but never leased get a lease first.
func (q *Queue) reclaimExpired(ctx context.Context) error {
	now := q.now()
	deadline := float64(now.Add(q.opts.LockTTL).UnixMilli())

	inFlight, err := q.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read in-flight jobs: %w", err)
	}
	for _, raw := range inFlight {
		if err := q.client.ZAddNX(ctx, leasesKey, &redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
			return fmt.Errorf("failed to lease delivery: %w", err)
		}
	}

	until := strconv.FormatInt(now.UnixMilli(), 10)
	expired, err := q.client.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{Min: "-inf", Max: until}).Result()
	if err != nil {
		return fmt.Errorf("failed to read leases: %w", err)
	}
	for _, raw := range expired {
		removed, err := q.client.ZRem(ctx, leasesKey, raw).Result()
		if err != nil {
			return fmt.Errorf("failed to reclaim delivery: %w", err)
		}
		if removed == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			q.client.LRem(ctx, processingKey, 1, raw)
			continue
		}
		held, err := q.client.Exists(ctx, lockKey+msg.JobID).Result()
		if err != nil {
			return fmt.Errorf("failed to check lock for job %s: %w", msg.JobID, err)
		}
		if held > 0 {
			if err := q.client.ZAdd(ctx, leasesKey, &redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
				return fmt.Errorf("failed to renew lease for job %s: %w", msg.JobID, err)
			}
			continue
		}

		// Settled between the range read and now.
		if n, err := q.client.LRem(ctx, processingKey, 1, raw).Result(); err != nil || n == 0 {
			continue
		}
		msg.LastError = "redelivered after lease expiry"
		if err := q.push(ctx, msg, true); err != nil {
			return fmt.Errorf("failed to redeliver job %s: %w", msg.JobID, err)
		}
		q.client.Expire(ctx, knownKey+msg.JobID, knownTTL)
	}
	return nil
}

// Claim takes the processing lock for a job. It reports false when another
// worker holds it.
func (q *Queue) Claim(ctx context.Context, jobID, owner string) (bool, error) {
	ok, err := q.client.SetNX(ctx, lockKey+jobID, owner, q.opts.LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	return ok, nil
}

// Ack settles a delivery: it leaves the processing list, the lock is
// released and the job id may be enqueued again.
func (q *Queue) Ack(ctx context.Context, msg *Message) error {
	pipe := q.client.TxPipeline()
	if msg.raw != "" {
		pipe.LRem(ctx, processingKey, 1, msg.raw)
		pipe.ZRem(ctx, leasesKey, msg.raw)
	}
	pipe.Del(ctx, lockKey+msg.JobID, knownKey+msg.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release job %s: %w", msg.JobID, err)
	}
	return nil
}

// Drop forgets a delivery without touching the job's lock or dedupe mark.
// It is for duplicates of a job another worker is running.
func (q *Queue) Drop(ctx context.Context, msg *Message) error {
	if msg.raw == "" {
		return nil
	}
	if err := q.release(ctx, msg.raw); err != nil {
		return fmt.Errorf("failed to drop delivery of job %s: %w", msg.JobID, err)
	}
	return nil
}

func (q *Queue) release(ctx context.Context, raw string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, raw)
	pipe.ZRem(ctx, leasesKey, raw)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry schedules another attempt after an exponential delay and releases
// the lock. It reports false, without scheduling, once MaxAttempts is
// reached; the delivery is then settled as by Ack.
func (q *Queue) Retry(ctx context.Context, msg *Message, cause error) (bool, error) {
	if msg.Attempt >= q.opts.MaxAttempts {
		return false, q.Ack(ctx, msg)
	}

	next := Message{JobID: msg.JobID, DeliveryID: uuid.NewString(), Attempt: msg.Attempt + 1, EnqueuedAt: msg.EnqueuedAt}
	if cause != nil {
		next.LastError = cause.Error()
	}
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}

	due := q.now().Add(q.RetryDelay(msg.Attempt))
	if err := q.client.ZAdd(ctx, delayedKey, &redis.Z{Score: float64(due.UnixMilli()), Member: data}).Err(); err != nil {
		return false, fmt.Errorf("failed to schedule retry for job %s: %w", msg.JobID, err)
	}

	pipe := q.client.TxPipeline()
	if msg.raw != "" {
		pipe.LRem(ctx, processingKey, 1, msg.raw)
		pipe.ZRem(ctx, leasesKey, msg.raw)
	}
	pipe.Del(ctx, lockKey+msg.JobID)
	pipe.Expire(ctx, knownKey+msg.JobID, knownTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("failed to release job %s: %w", msg.JobID, err)
	}
	return true, nil
}

// RetryDelay is the wait after the given failed attempt. It doubles from
// the base delay per attempt and is capped at 30 minutes.
func (q *Queue) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.opts.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// MaxAttempts is the configured delivery limit per job.
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

// Backlog counts deliveries by where they sit.
type Backlog struct {
	Ready    int64
	InFlight int64
	Delayed  int64
}

// Stats reports the queue backlog.
func (q *Queue) Stats(ctx context.Context) (Backlog, error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, readyKey)
	p := pipe.LLen(ctx, processingKey)
	d := pipe.ZCard(ctx, delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Backlog{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Backlog{Ready: r.Val(), InFlight: p.Val(), Delayed: d.Val()}, nil
}

// Package admission implements the cross-process, FIFO, bounded-concurrency
// admission queue used for local GPU backend invocations. A single Lua
// script performs the head-match + capacity-check + promote sequence as one
// linearisable operation against Redis, fixing the race the pipelined
// LPOP+SADD approach had.
package admission

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrQueueTimeout is returned when acquire does not obtain a slot before the
// configured timeout elapses.
var ErrQueueTimeout = errors.New("admission: queue timeout")

const (
	queueKey  = "gpu:queue"
	activeKey = "gpu:active"
	pollEvery = 500 * time.Millisecond
)

// tryPromote is the atomic "am I at the head, and is there capacity" check.
// KEYS[1] = queue list, KEYS[2] = active set.
// ARGV[1] = my token, ARGV[2] = max concurrency.
// Returns 1 if promoted (popped from queue, added to active set), 0 otherwise.
var tryPromote = redis.NewScript(`
local head = redis.call('LINDEX', KEYS[1], 0)
if head ~= ARGV[1] then
  return 0
end
local active = redis.call('SCARD', KEYS[2])
if active >= tonumber(ARGV[2]) then
  return 0
end
redis.call('LPOP', KEYS[1])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// Queue is the GPU admission control. It runs in pass-through mode (acquire
// and release become no-ops) when the broker is unreachable at construction
// time. Once enabled it stays enabled: a failed enqueue lets that one call
// through without a slot, and broker errors while polling end in
// ErrQueueTimeout.
type Queue struct {
	client  *redis.Client
	enabled bool
	maxWork int
	timeout time.Duration
}

// Config configures a Queue.
type Config struct {
	RedisURL string
	MaxWork  int
	Timeout  time.Duration
}

// New constructs a Queue. An empty RedisURL or a failed initial ping puts
// the queue into pass-through mode rather than failing startup.
func New(cfg Config) *Queue {
	q := &Queue{maxWork: cfg.MaxWork, timeout: cfg.Timeout}
	if q.maxWork <= 0 {
		q.maxWork = 1
	}
	if q.timeout <= 0 {
		q.timeout = 60 * time.Second
	}
	if cfg.RedisURL == "" {
		return q
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("admission: invalid REDIS_URL, running pass-through: %v", err)
		return q
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("admission: redis unreachable, running pass-through: %v", err)
		return q
	}

	q.client = client
	q.enabled = true
	return q
}

// Token identifies one admission request; Release must be called exactly
// once per successful Acquire.
type Token string

// Acquire blocks until a slot is available or ctx / the configured timeout
// elapses. In pass-through mode it returns immediately.
func (q *Queue) Acquire(ctx context.Context) (Token, error) {
	if !q.enabled {
		return "", nil
	}

	token := Token(uuid.NewString())
	if err := q.client.RPush(ctx, queueKey, string(token)).Err(); err != nil {
		log.Printf("admission: enqueue failed, falling back to unadmitted: %v", err)
		return "", nil
	}

	deadline := time.Now().Add(q.timeout)
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		promoted, err := tryPromote.Run(ctx, q.client, []string{queueKey, activeKey}, string(token), q.maxWork).Int()
		if err == nil && promoted == 1 {
			return token, nil
		}

		if time.Now().After(deadline) {
			q.client.LRem(context.Background(), queueKey, 0, string(token))
			return "", ErrQueueTimeout
		}

		select {
		case <-ctx.Done():
			q.client.LRem(context.Background(), queueKey, 0, string(token))
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release frees the slot held by token. Safe to call with a pass-through
// (empty) token.
func (q *Queue) Release(token Token) {
	if !q.enabled || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.SRem(ctx, activeKey, string(token)).Err(); err != nil {
		log.Printf("admission: release failed for token %s: %v", token, err)
	}
}

// Metrics reports the current admission state.
type Metrics struct {
	Enabled    bool
	QueueDepth int64
	Active     int64
	Max        int
}

// Metrics returns {enabled, queue_depth, active, max}.
func (q *Queue) Metrics() Metrics {
	if !q.enabled {
		return Metrics{Enabled: false, Max: q.maxWork}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	depth, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return Metrics{Enabled: true, Max: q.maxWork}
	}
	active, err := q.client.SCard(ctx, activeKey).Result()
	if err != nil {
		return Metrics{Enabled: true, QueueDepth: depth, Max: q.maxWork}
	}
	return Metrics{Enabled: true, QueueDepth: depth, Active: active, Max: q.maxWork}
}

// Close releases the underlying Redis connection, if any.
func (q *Queue) Close() error {
	if q.client == nil {
		return nil
	}
	return q.client.Close()
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ReasonExceededDeliveries is recorded on jobs dropped by the poison-message guard.
const ReasonExceededDeliveries = "exceeded delivery attempts"

// KindDelivery is the failure kind recorded by the poison-message guard.
const KindDelivery = "delivery"

// maxSkips bounds how many stale entries a single Claim call will drain.
const maxSkips = 16

// ErrLeaseLost means another consumer reclaimed the job or it already
// reached a terminal state. The holder's result must be dropped.
var ErrLeaseLost = errors.New("lease lost")

// activateScript counts a delivery and marks the job active under
// ARGV[2]. Returns -1 for terminal jobs and leaves the job untouched when
// the count passes ARGV[1].
var activateScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if st == 'completed' or st == 'failed' then
  return -1
end
local n = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if n > tonumber(ARGV[1]) then
  return n
end
redis.call('HSET', KEYS[1], 'state', 'active', 'consumer', ARGV[2], 'started_at', ARGV[3])
return n
`)

// finishScript writes terminal fields and acks the entry in one step.
// A non-empty ARGV[3] requires the job to be active under that consumer.
var finishScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'state', 'consumer')
if cur[1] == 'completed' or cur[1] == 'failed' then
  return 0
end
if ARGV[3] ~= '' and (cur[1] ~= 'active' or cur[2] ~= ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('XACK', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// extendScript resets the entry's idle time only while the caller still
// owns both the job record and the pending entry.
var extendScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'state', 'consumer')
if cur[1] ~= 'active' or cur[2] ~= ARGV[3] then
  return 0
end
local p = redis.call('XPENDING', KEYS[2], ARGV[1], ARGV[2], ARGV[2], 1)
if #p == 0 or p[1][2] ~= ARGV[3] then
  return 0
end
redis.call('XCLAIM', KEYS[2], ARGV[1], ARGV[3], '0', ARGV[2], 'JUSTID')
return 1
`)

// Options configures a RedisQueue.
type Options struct {
	RedisURL      string
	Namespace     string
	Stream        string
	Group         string
	Lease         time.Duration
	MaxDeliveries int
}

// RedisQueue stores job records as hashes and delivers job ids over a
// Redis Stream consumed by a single consumer group.
type RedisQueue struct {
	client        *redis.Client
	ns            string
	stream        string
	group         string
	lease         time.Duration
	maxDeliveries int
}

// Lease is an exclusive claim on one job until it is completed, failed or
// the lease expires without a heartbeat.
type Lease struct {
	Job       Job
	MessageID string
	Consumer  string
	Reclaimed bool
}

// NewRedisQueue connects to Redis and ensures the stream and group exist.
func NewRedisQueue(opts Options) (*RedisQueue, error) {
	opt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisQueue(redis.NewClient(opt), opts)
}

func newRedisQueue(c *redis.Client, opts Options) (*RedisQueue, error) {
	if opts.Namespace == "" {
		opts.Namespace = "convert"
	}
	if opts.Stream == "" {
		opts.Stream = "file-conversions"
	}
	if opts.Group == "" {
		opts.Group = "workers"
	}
	if opts.Lease <= 0 {
		opts.Lease = 60 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	q := &RedisQueue{
		client:        c,
		ns:            opts.Namespace,
		stream:        opts.Namespace + ":" + opts.Stream,
		group:         opts.Group,
		lease:         opts.Lease,
		maxDeliveries: opts.MaxDeliveries,
	}
	// MKSTREAM creates the stream if missing
	if err := c.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		_ = c.Close()
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) jobKey(id string) string { return q.ns + ":job:" + id }

func (q *RedisQueue) Close() error { return q.client.Close() }

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue assigns a new job id, persists the record in state queued and
// publishes the id. The job is durable once Enqueue returns.
func (q *RedisQueue) Enqueue(ctx context.Context, spec Spec) (string, error) {
	n, err := q.client.Incr(ctx, q.ns+":id").Result()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	id := fmt.Sprintf("%d", n)

	fields, err := spec.fields(time.Now())
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), fields)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"job_id": id}})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return id, nil
}

// Claim hands out the next runnable job. Entries whose lease expired are
// reclaimed first, then new entries are read, blocking up to block.
// Returns nil, nil when nothing is available.
func (q *RedisQueue) Claim(ctx context.Context, consumer string, block time.Duration) (*Lease, error) {
	for i := 0; i < maxSkips; i++ {
		msg, reclaimed, err := q.next(ctx, consumer, block)
		if err != nil || msg == nil {
			return nil, err
		}
		// only the first read may block
		block = 0

		lease, err := q.activate(ctx, consumer, msg)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			lease.Reclaimed = reclaimed
			return lease, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) next(ctx context.Context, consumer string, block time.Duration) (*redis.XMessage, bool, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.lease,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(msgs) > 0 {
		return &msgs[0], true, nil
	}

	if block <= 0 {
		// go-redis sends BLOCK only for non-negative durations
		block = -1
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("xreadgroup: %w", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, false, nil
	}
	return &res[0].Messages[0], false, nil
}

// activate turns a delivered entry into a lease, or acks it and returns nil
// when the job must not run.
func (q *RedisQueue) activate(ctx context.Context, consumer string, msg *redis.XMessage) (*Lease, error) {
	id, _ := msg.Values["job_id"].(string)
	if id == "" {
		return nil, q.ack(ctx, msg.ID)
	}
	key := q.jobKey(id)

	m, err := q.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(m) == 0 {
		log.Warn().Str("job_id", id).Str("msg_id", msg.ID).Msg("Dropping stream entry without job record")
		return nil, q.ack(ctx, msg.ID)
	}
	if State(m["state"]).Terminal() {
		log.Debug().Str("job_id", id).Str("state", m["state"]).Msg("Dropping redelivery of terminal job")
		return nil, q.ack(ctx, msg.ID)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	attempts, err := activateScript.Run(ctx, q.client, []string{key}, q.maxDeliveries, consumer, now).Int64()
	if err != nil {
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}
	if attempts < 0 {
		// finished between the read above and the script
		return nil, q.ack(ctx, msg.ID)
	}
	if int(attempts) > q.maxDeliveries {
		log.Error().Str("job_id", id).Int64("attempts", attempts).Msg("Job exceeded delivery attempts")
		lease := &Lease{Job: jobFromHash(id, m), MessageID: msg.ID, Consumer: consumer}
		err := q.finish(ctx, lease, "", []any{
			"state", string(StateFailed),
			"reason", ReasonExceededDeliveries,
			"kind", KindDelivery,
		})
		if errors.Is(err, ErrLeaseLost) {
			return nil, q.ack(ctx, msg.ID)
		}
		return nil, err
	}

	m["state"] = string(StateActive)
	m["consumer"] = consumer
	m["started_at"] = now
	m["attempts"] = fmt.Sprintf("%d", attempts)

	return &Lease{Job: jobFromHash(id, m), MessageID: msg.ID, Consumer: consumer}, nil
}

func (q *RedisQueue) ack(ctx context.Context, msgID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, msgID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", msgID, err)
	}
	return nil
}

// Extend resets the idle time of the lease so it is not reclaimed while the
// holder is still working. Returns ErrLeaseLost once another consumer owns
// the entry.
func (q *RedisQueue) Extend(ctx context.Context, l *Lease) error {
	n, err := extendScript.Run(ctx, q.client,
		[]string{q.jobKey(l.Job.ID), q.stream},
		q.group, l.MessageID, l.Consumer).Int()
	if err != nil {
		return fmt.Errorf("extend lease for job %s: %w", l.Job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete records the output reference and acknowledges the delivery.
func (q *RedisQueue) Complete(ctx context.Context, l *Lease, output string) error {
	return q.finish(ctx, l, l.Consumer, []any{
		"state", string(StateCompleted),
		"output", output,
	})
}

// Fail records the failure reason and kind and acknowledges the delivery.
func (q *RedisQueue) Fail(ctx context.Context, l *Lease, reason, kind string) error {
	return q.finish(ctx, l, l.Consumer, []any{
		"state", string(StateFailed),
		"reason", reason,
		"kind", kind,
	})
}

// finish applies the terminal fields. An empty owner skips the lease check
// but a job that is already terminal is never rewritten.
func (q *RedisQueue) finish(ctx context.Context, l *Lease, owner string, fields []any) error {
	args := append([]any{q.group, l.MessageID, owner}, fields...)
	args = append(args, "finished_at", time.Now().UTC().Format(time.RFC3339Nano))
	n, err := finishScript.Run(ctx, q.client, []string{q.jobKey(l.Job.ID), q.stream}, args...).Int()
	if err != nil {
		return fmt.Errorf("finish job %s: %w", l.Job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Get returns the current record for id.
func (q *RedisQueue) Get(ctx context.Context, id string) (Job, error) {
	if id == "" {
		return Job{}, ErrJobNotFound
	}
	m, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(m) == 0 {
		return Job{}, ErrJobNotFound
	}
	return jobFromHash(id, m), nil
}

// Depths returns the stream length and the number of delivered but
// unacknowledged entries.
func (q *RedisQueue) Depths(ctx context.Context) (length int64, pending int64, err error) {
	length, err = q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, 0, err
	}
	p, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		return length, 0, err
	}
	return length, p.Count, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
)

const defaultRedisPrefix = "isn:queue"

// priorityWeight keeps any priority step ahead of every sequence number.
const priorityWeight = 1e12

// RedisConfig describes how to reach the broker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps each lane in sorted sets: ready ordered by priority then
// sequence, delayed and leased ordered by due time. Delivery fields live in a
// hash per delivery. Every multi-key transition runs as a Lua script.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	ownsRDB bool
	options
}

var _ Store = (*RedisStore)(nil)

// OpenRedis connects to the broker, verifies it with PING and returns a store
// that owns the client.
func OpenRedis(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis: address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}
	store := NewRedisStore(client, cfg.Prefix, opts...)
	store.ownsRDB = true
	return store, nil
}

// NewRedisStore builds a store on an existing client. The caller keeps
// ownership of client.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, options: buildOptions(opts)}
}

// Close releases the client when the store opened it.
func (s *RedisStore) Close() error {
	if !s.ownsRDB {
		return nil
	}
	return s.client.Close()
}

// Ping verifies the broker connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *RedisStore) deliveryKey(id string) string { return s.key("delivery", id) }

func (s *RedisStore) laneKeys(lane job.Lane) (ready, delayed, leased, dead string) {
	l := string(lane)
	return s.key("ready", l), s.key("delayed", l), s.key("leased", l), s.key("dead", l)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

// Enqueue appends d to its lane.
func (s *RedisStore) Enqueue(ctx context.Context, d Descriptor) (string, error) {
	if strings.TrimSpace(d.JobID) == "" {
		return "", errors.New("queue: descriptor without job id")
	}
	if _, ok := job.ParseLane(string(d.Lane)); !ok {
		return "", fmt.Errorf("queue: unknown lane %q", d.Lane)
	}
	payload, err := json.Marshal(d.Request)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", d.JobID, err)
	}
	id := newDeliveryID()
	ready, _, _, _ := s.laneKeys(d.Lane)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.deliveryKey(id),
			"job_id", d.JobID,
			"tenant_id", d.TenantID,
			"lane", string(d.Lane),
			"priority", d.Priority,
			"payload", string(payload),
			"attempt", 0,
			"seq", seq,
			"enqueued_at", millis(s.now()),
		)
		pipe.ZAdd(ctx, ready, redis.Z{Score: readyScore(seq, d.Priority), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", d.JobID, err)
	}
	return id, nil
}

func readyScore(seq int64, priority int) float64 {
	return float64(seq) - float64(priority)*priorityWeight
}

// reapScript releases expired leases. Deliveries that used their last attempt
// move to the dead set; their ids are returned.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local dead = {}
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local attempt = tonumber(redis.call('HGET', key, 'attempt') or '0')
  local consumer = redis.call('HGET', key, 'consumer') or ''
  if attempt >= tonumber(ARGV[2]) then
    redis.call('HSET', key, 'consumer', '', 'failed_at', ARGV[1],
      'last_error', 'lease expired on attempt ' .. attempt .. ' (consumer ' .. consumer .. ')')
    redis.call('ZADD', KEYS[3], ARGV[1], id)
    table.insert(dead, id)
  else
    local priority = tonumber(redis.call('HGET', key, 'priority') or '0')
    local seq = tonumber(redis.call('HGET', key, 'seq') or '0')
    redis.call('HSET', key, 'consumer', '', 'last_error', 'lease expired')
    redis.call('ZADD', KEYS[2], seq - priority * ` + strconv.FormatFloat(priorityWeight, 'f', 0, 64) + `, id)
  end
end
return dead
`)

// claimScript promotes due delayed deliveries and leases the head of the
// ready set.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local key = ARGV[4] .. id
  local priority = tonumber(redis.call('HGET', key, 'priority') or '0')
  local seq = tonumber(redis.call('HGET', key, 'seq') or '0')
  redis.call('ZADD', KEYS[1], seq - priority * ` + strconv.FormatFloat(priorityWeight, 'f', 0, 64) + `, id)
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
local attempt = redis.call('HINCRBY', ARGV[4] .. id, 'attempt', 1)
redis.call('HSET', ARGV[4] .. id, 'consumer', ARGV[3])
redis.call('ZADD', KEYS[3], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
return {id, attempt}
`)

// Claim leases the next ready delivery on lane.
func (s *RedisStore) Claim(ctx context.Context, lane job.Lane, consumer string) (*Delivery, error) {
	ready, delayed, leased, dead := s.laneKeys(lane)
	now := s.now()
	prefix := s.deliveryKey("")

	deadIDs, err := reapScript.Run(ctx, s.client, []string{leased, ready, dead},
		millis(now), s.policy.MaxAttempts, prefix).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reap expired leases: %w", err)
	}
	for _, id := range deadIDs {
		dl, loadErr := s.loadDeadLetter(ctx, id)
		if loadErr != nil {
			s.logger.Warn("dead letter lookup failed",
				logging.String("delivery_id", id),
				logging.Error(loadErr),
			)
			continue
		}
		s.deadLettered(ctx, *dl)
	}

	res, err := claimScript.Run(ctx, s.client, []string{ready, delayed, leased},
		millis(now), s.visibility.Milliseconds(), consumer, prefix).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", lane, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("claim %s: unexpected reply %v", lane, res)
	}
	id, _ := res[0].(string)
	attempt, _ := res[1].(int64)

	fields, err := s.client.HGetAll(ctx, s.deliveryKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load delivery %s: %w", id, err)
	}
	rec, err := decodeRedisDelivery(id, fields)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		ID:           id,
		Descriptor:   rec.descriptor,
		Attempt:      int(attempt),
		Consumer:     consumer,
		LeaseExpires: now.Add(s.visibility),
		EnqueuedAt:   rec.enqueuedAt,
	}, nil
}

// ownedGuard is shared by the scripts that act on a leased delivery.
const ownedGuard = `
local key = ARGV[1]
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then return 0 end
if redis.call('HGET', key, 'consumer') ~= ARGV[3] then return 0 end
if tonumber(redis.call('HGET', key, 'attempt') or '0') ~= tonumber(ARGV[4]) then return 0 end
`

var ackScript = redis.NewScript(ownedGuard + `
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', key)
return 1
`)

var extendScript = redis.NewScript(ownedGuard + `
redis.call('ZADD', KEYS[1], 'XX', ARGV[5], ARGV[2])
return 1
`)

var retryScript = redis.NewScript(ownedGuard + `
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HSET', key, 'consumer', '', 'last_error', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[2])
return 1
`)

var buryScript = redis.NewScript(ownedGuard + `
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HSET', key, 'consumer', '', 'last_error', ARGV[6], 'failed_at', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[2])
return 1
`)

func (s *RedisStore) ownedArgs(d *Delivery, extra ...any) []any {
	return append([]any{s.deliveryKey(d.ID), d.ID, d.Consumer, d.Attempt}, extra...)
}

func leaseResult(n int64, err error, id string) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return nil
}

// Ack deletes a delivery still leased by d's consumer.
func (s *RedisStore) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	_, _, leased, _ := s.laneKeys(d.Descriptor.Lane)
	n, err := ackScript.Run(ctx, s.client, []string{leased}, s.ownedArgs(d)...).Int64()
	if err := leaseResult(n, err, d.ID); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// Extend renews the lease on d.
func (s *RedisStore) Extend(ctx context.Context, d *Delivery) error {
	if d == nil {
		return errors.New("queue: nil delivery")
	}
	_, _, leased, _ := s.laneKeys(d.Descriptor.Lane)
	expires := s.now().Add(s.visibility)
	n, err := extendScript.Run(ctx, s.client, []string{leased}, s.ownedArgs(d, millis(expires))...).Int64()
	if err := leaseResult(n, err, d.ID); err != nil {
		return fmt.Errorf("extend %s: %w", d.ID, err)
	}
	d.LeaseExpires = expires
	return nil
}

// Release returns d to its lane through the delayed set with a due score of
// now, so the next Claim promotes it.
func (s *RedisStore) Release(ctx context.Context, d *Delivery) error {
	if d == nil {
		return errors.New("queue: nil delivery")
	}
	_, delayed, leased, _ := s.laneKeys(d.Descriptor.Lane)
	n, err := retryScript.Run(ctx, s.client, []string{leased, delayed}, s.ownedArgs(d, millis(s.now()), "released by consumer")...).Int64()
	if err := leaseResult(n, err, d.ID); err != nil {
		return fmt.Errorf("release %s: %w", d.ID, err)
	}
	return nil
}

// Nack releases d for a delayed retry or dead-letters it.
func (s *RedisStore) Nack(ctx context.Context, d *Delivery, reason string) (NackResult, error) {
	if d == nil {
		return NackResult{}, errors.New("queue: nil delivery")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "delivery failed"
	}
	_, delayed, leased, dead := s.laneKeys(d.Descriptor.Lane)
	now := s.now()

	if s.policy.Exhausted(d.Attempt) {
		n, err := buryScript.Run(ctx, s.client, []string{leased, dead}, s.ownedArgs(d, millis(now), reason)...).Int64()
		if err := leaseResult(n, err, d.ID); err != nil {
			return NackResult{}, fmt.Errorf("nack %s: %w", d.ID, err)
		}
		dl, err := s.loadDeadLetter(ctx, d.ID)
		if err != nil {
			return NackResult{}, err
		}
		s.deadLettered(ctx, *dl)
		return NackResult{Outcome: OutcomeDead, Attempt: d.Attempt}, nil
	}

	delay := s.policy.Delay(d.Attempt)
	n, err := retryScript.Run(ctx, s.client, []string{leased, delayed}, s.ownedArgs(d, millis(now.Add(delay)), reason)...).Int64()
	if err := leaseResult(n, err, d.ID); err != nil {
		return NackResult{}, fmt.Errorf("nack %s: %w", d.ID, err)
	}
	return NackResult{Outcome: OutcomeRetry, Attempt: d.Attempt, Delay: delay}, nil
}

// DeadLetters lists dead letters, newest first.
func (s *RedisStore) DeadLetters(ctx context.Context, lane job.Lane, limit int) ([]DeadLetter, error) {
	lanes := job.Lanes()
	if lane != "" {
		lanes = []job.Lane{lane}
	}
	var out []DeadLetter
	for _, l := range lanes {
		_, _, _, dead := s.laneKeys(l)
		ids, err := s.client.ZRevRange(ctx, dead, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		for _, id := range ids {
			dl, err := s.loadDeadLetter(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, *dl)
		}
	}
	sortDeadLetters(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeadLetter loads a dead letter by delivery id. Deliveries that are not in
// their lane's dead set are reported as not found.
func (s *RedisStore) DeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	dl, err := s.loadDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	_, _, _, dead := s.laneKeys(dl.Descriptor.Lane)
	err = s.client.ZScore(ctx, dead, id).Err()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter %s: %w", id, err)
	}
	return dl, nil
}

// TakeDeadLetter removes a dead letter and returns it.
func (s *RedisStore) TakeDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	dl, err := s.loadDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	_, _, _, dead := s.laneKeys(dl.Descriptor.Lane)
	removed, err := s.client.ZRem(ctx, dead, id).Result()
	if err != nil {
		return nil, fmt.Errorf("take dead letter %s: %w", id, err)
	}
	if removed == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	if err := s.client.Del(ctx, s.deliveryKey(id)).Err(); err != nil {
		s.logger.Warn("dead letter hash cleanup failed",
			logging.String("delivery_id", id),
			logging.Error(err),
		)
	}
	return dl, nil
}

// Stats counts deliveries per lane.
func (s *RedisStore) Stats(ctx context.Context) ([]LaneStats, error) {
	now := strconv.FormatInt(millis(s.now()), 10)
	lanes := job.Lanes()
	type laneCmds struct {
		readyNow, dueDelayed, delayed, leased, dead *redis.IntCmd
	}
	cmds := make([]laneCmds, len(lanes))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, lane := range lanes {
			ready, delayed, leased, dead := s.laneKeys(lane)
			cmds[i] = laneCmds{
				readyNow:   pipe.ZCard(ctx, ready),
				dueDelayed: pipe.ZCount(ctx, delayed, "-inf", now),
				delayed:    pipe.ZCount(ctx, delayed, "("+now, "+inf"),
				leased:     pipe.ZCard(ctx, leased),
				dead:       pipe.ZCard(ctx, dead),
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	stats := make([]LaneStats, len(lanes))
	for i, lane := range lanes {
		stats[i] = LaneStats{
			Lane:    lane,
			Ready:   int(cmds[i].readyNow.Val() + cmds[i].dueDelayed.Val()),
			Delayed: int(cmds[i].delayed.Val()),
			Leased:  int(cmds[i].leased.Val()),
			Dead:    int(cmds[i].dead.Val()),
		}
	}
	return stats, nil
}

func (s *RedisStore) loadDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	fields, err := s.client.HGetAll(ctx, s.deliveryKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead letter %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	rec, err := decodeRedisDelivery(id, fields)
	if err != nil {
		return nil, err
	}
	dl := rec.deadLetter()
	return &dl, nil
}

func decodeRedisDelivery(id string, fields map[string]string) (deliveryRecord, error) {
	rec := deliveryRecord{
		id:        id,
		consumer:  fields["consumer"],
		lastError: fields["last_error"],
	}
	rec.descriptor.JobID = fields["job_id"]
	rec.descriptor.TenantID = fields["tenant_id"]
	rec.descriptor.Lane = job.Lane(fields["lane"])
	rec.descriptor.Priority, _ = strconv.Atoi(fields["priority"])
	rec.attempt, _ = strconv.Atoi(fields["attempt"])
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.descriptor.Request); err != nil {
			return deliveryRecord{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		rec.enqueuedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["failed_at"], 10, 64); err == nil {
		failed := time.UnixMilli(ms).UTC()
		rec.failedAt = &failed
	}
	return rec, nil
}

func sortDeadLetters(letters []DeadLetter) {
	sort.SliceStable(letters, func(i, j int) bool {
		return letters[i].FailedAt.After(letters[j].FailedAt)
	})
}

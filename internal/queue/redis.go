package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/errors"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
)

type RedisConfig struct {
	Addr        string
	DB          int
	Password    string
	Username    string
	PoolSize    int
	PingTimeout time.Duration
}

// RedisStore is the queue store adapter. Each job kind maps to one sorted
// set; the score composes priority and a global insertion sequence so that
// ZPOPMIN yields strict priority order with FIFO inside a priority band.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

func NewRedisStore(ctx context.Context, cfg RedisConfig, log zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
		Username: cfg.Username,
		PoolSize: cfg.PoolSize,
	})

	pingTimeout := cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 5 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, &errors.StoreConnectionError{Store: "redis", Err: err}
	}

	return &RedisStore{
		client: client,
		prefix: "docjobs",
		log:    log.With().Str("component", "queue").Logger(),
	}, nil
}

// Higher priority sorts first under ZPOPMIN, ties broken by sequence. The
// 1e12 band spacing keeps composite scores exactly representable in a
// float64 while priorities stay inside job.{Min,Max}Priority and the
// sequence counter stays below 1e12.
var enqueueCmd = redis.NewScript(`
	local seq = redis.call("INCR", KEYS[2])
	local score = tonumber(ARGV[2]) * -1e12 + seq
	redis.call("ZADD", KEYS[1], score, ARGV[1])
	redis.call("SADD", KEYS[3], ARGV[3])
	return seq
`)

func (s *RedisStore) Enqueue(ctx context.Context, env *job.Envelope) error {
	if !env.Kind.Valid() {
		return &errors.StoreOperationError{
			Operation: "Enqueue",
			Err:       fmt.Errorf("unknown job kind: %s", env.Kind),
		}
	}
	if env.Priority < job.MinPriority || env.Priority > job.MaxPriority {
		return &errors.StoreOperationError{
			Operation: "Enqueue",
			Err:       fmt.Errorf("priority %d outside [%d, %d]", env.Priority, job.MinPriority, job.MaxPriority),
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return &errors.StoreOperationError{Operation: "Enqueue", Err: err}
	}

	keys := []string{s.queueKey(env.Kind), s.seqKey(), s.kindRegistryKey()}
	_, err = enqueueCmd.Run(ctx, s.client, keys, data, env.Priority, string(env.Kind)).Result()
	if err != nil {
		return &errors.StoreOperationError{Operation: "Enqueue", Err: err}
	}
	return nil
}

// DequeueNext atomically removes and returns the highest-priority, earliest
// envelope for a kind. ZPOPMIN guarantees two concurrent callers never see
// the same member. Returns nil when the queue is empty.
func (s *RedisStore) DequeueNext(ctx context.Context, kind job.Kind) (*job.Envelope, error) {
	res, err := s.client.ZPopMin(ctx, s.queueKey(kind), 1).Result()
	if err != nil && err != redis.Nil {
		return nil, &errors.StoreOperationError{Operation: "DequeueNext", Err: err}
	}
	if len(res) == 0 {
		return nil, nil
	}

	raw, ok := res[0].Member.(string)
	if !ok {
		return nil, &errors.StoreOperationError{
			Operation: "DequeueNext",
			Err:       fmt.Errorf("unexpected member type %T", res[0].Member),
		}
	}

	var env job.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, &errors.StoreOperationError{Operation: "DequeueNext", Err: err}
	}
	return &env, nil
}

func (s *RedisStore) QueueLength(ctx context.Context, kind job.Kind) (int64, error) {
	n, err := s.client.ZCard(ctx, s.queueKey(kind)).Result()
	if err != nil {
		return 0, &errors.StoreOperationError{Operation: "QueueLength", Err: err}
	}
	return n, nil
}

// AggregateDepth sums pending depth across all kinds in one round trip.
func (s *RedisStore) AggregateDepth(ctx context.Context) (int64, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(job.AllKinds()))
	for _, kind := range job.AllKinds() {
		cmds = append(cmds, pipe.ZCard(ctx, s.queueKey(kind)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, &errors.StoreOperationError{Operation: "AggregateDepth", Err: err}
	}

	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &errors.StoreConnectionError{Store: "redis", Err: err}
	}
	return nil
}

// ScheduleRetry parks an envelope in the scheduled set until readyAt. The
// promoter moves it back into its kind queue out-of-band, so re-enqueue
// never blocks a dispatcher tick.
func (s *RedisStore) ScheduleRetry(ctx context.Context, env *job.Envelope, readyAt time.Time) error {
	data, err := json.Marshal(env)
	if err != nil {
		return &errors.StoreOperationError{Operation: "ScheduleRetry", Err: err}
	}

	err = s.client.ZAdd(ctx, s.scheduledKey(), redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return &errors.StoreOperationError{Operation: "ScheduleRetry", Err: err}
	}
	return nil
}

// promoteCmd pops due members from the scheduled set and re-inserts each
// into its kind queue with a fresh sequence, preserving priority.
var promoteCmd = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	local moved = 0
	for _, data in ipairs(due) do
		redis.call("ZREM", KEYS[1], data)
		local ok, env = pcall(cjson.decode, data)
		if ok and env and env.kind then
			local seq = redis.call("INCR", KEYS[2])
			local priority = tonumber(env.priority) or 0
			local score = priority * -1e12 + seq
			redis.call("ZADD", ARGV[3] .. env.kind, score, data)
			moved = moved + 1
		end
	end
	return moved
`)

func (s *RedisStore) PromoteDue(ctx context.Context, limit int) (int, error) {
	now := time.Now().Unix()
	res, err := promoteCmd.Run(ctx, s.client,
		[]string{s.scheduledKey(), s.seqKey()},
		now, limit, s.queueKeyPrefix()).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, &errors.StoreOperationError{Operation: "PromoteDue", Err: err}
	}
	return int(res.(int64)), nil
}

func (s *RedisStore) ScheduledLength(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.scheduledKey()).Result()
	if err != nil {
		return 0, &errors.StoreOperationError{Operation: "ScheduledLength", Err: err}
	}
	return n, nil
}

// MoveToFailed records a permanently failed envelope in the kind's failed
// list, where it stays until an administrative bulk retry or inspection.
func (s *RedisStore) MoveToFailed(ctx context.Context, env *job.Envelope) error {
	env.Status = job.StatusFailed

	data, err := json.Marshal(env)
	if err != nil {
		return &errors.StoreOperationError{Operation: "MoveToFailed", Err: err}
	}

	if err := s.client.LPush(ctx, s.failedKey(env.Kind), data).Err(); err != nil {
		return &errors.StoreOperationError{Operation: "MoveToFailed", Err: err}
	}
	return nil
}

func (s *RedisStore) FailedLength(ctx context.Context, kind job.Kind) (int64, error) {
	n, err := s.client.LLen(ctx, s.failedKey(kind)).Result()
	if err != nil {
		return 0, &errors.StoreOperationError{Operation: "FailedLength", Err: err}
	}
	return n, nil
}

func (s *RedisStore) ListFailed(ctx context.Context, kind job.Kind, offset, limit int) ([]*job.Envelope, error) {
	raw, err := s.client.LRange(ctx, s.failedKey(kind), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, &errors.StoreOperationError{Operation: "ListFailed", Err: err}
	}

	envelopes := make([]*job.Envelope, 0, len(raw))
	for _, item := range raw {
		var env job.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			s.log.Warn().Err(err).Msg("skipping unreadable failed-set entry")
			continue
		}
		envelopes = append(envelopes, &env)
	}
	return envelopes, nil
}

// RetryAllFailed drains a kind's failed list back into its queue. Retry
// counts reset to zero; this is the explicit administrative re-attempt.
func (s *RedisStore) RetryAllFailed(ctx context.Context, kind job.Kind) (int64, error) {
	var moved int64
	for {
		raw, err := s.client.LPopCount(ctx, s.failedKey(kind), 50).Result()
		if err == redis.Nil || len(raw) == 0 {
			return moved, nil
		}
		if err != nil {
			return moved, &errors.StoreOperationError{Operation: "RetryAllFailed", Err: err}
		}

		for _, item := range raw {
			var env job.Envelope
			if err := json.Unmarshal([]byte(item), &env); err != nil {
				s.log.Warn().Err(err).Msg("dropping unreadable failed-set entry")
				continue
			}
			env.RetryCount = 0
			env.LastError = ""
			env.Status = job.StatusPending
			if err := s.Enqueue(ctx, &env); err != nil {
				return moved, err
			}
			moved++
		}
	}
}

func (s *RedisStore) Clear(ctx context.Context, kind job.Kind) (int64, error) {
	key := s.queueKey(kind)

	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, &errors.StoreOperationError{Operation: "Clear", Err: err}
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return 0, &errors.StoreOperationError{Operation: "Clear", Err: err}
	}
	return count, nil
}

type QueueStats struct {
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
}

func (s *RedisStore) Stats(ctx context.Context, kind job.Kind) (*QueueStats, error) {
	pipe := s.client.Pipeline()
	pendingCmd := pipe.ZCard(ctx, s.queueKey(kind))
	failedCmd := pipe.LLen(ctx, s.failedKey(kind))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, &errors.StoreOperationError{Operation: "Stats", Err: err}
	}

	return &QueueStats{
		Pending: pendingCmd.Val(),
		Failed:  failedCmd.Val(),
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) queueKey(kind job.Kind) string {
	return fmt.Sprintf("%s:queue:%s", s.prefix, kind)
}

func (s *RedisStore) queueKeyPrefix() string {
	return fmt.Sprintf("%s:queue:", s.prefix)
}

func (s *RedisStore) seqKey() string {
	return fmt.Sprintf("%s:seq", s.prefix)
}

func (s *RedisStore) scheduledKey() string {
	return fmt.Sprintf("%s:scheduled", s.prefix)
}

func (s *RedisStore) failedKey(kind job.Kind) string {
	return fmt.Sprintf("%s:failed:%s", s.prefix, kind)
}

func (s *RedisStore) kindRegistryKey() string {
	return fmt.Sprintf("%s:kinds", s.prefix)
}

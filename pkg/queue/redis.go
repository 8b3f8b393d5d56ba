package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-mta/internal/redisconn"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// Redis queue defaults.
const (
	DefaultRedisPrefix  = "polis-mta"
	DefaultPollInterval = time.Second
	popTimeout          = time.Second
)

// record is what the redis queue stores per envelope.
type record struct {
	Envelope *domain.Envelope `json:"envelope"`
	Attempts int              `json:"attempts"`
}

// Redis keeps envelopes in redis: a list of ready ids, a sorted set of ids
// waiting for a retry scored by due time, and one JSON record per id.
// Several processes may consume the same queue.
//
// A consumer moves an id from the ready list to its own processing list
// and removes it only once the attempt is settled, so an id claimed by a
// process that dies is handed back to the ready list when a consumer with
// the same name starts again. Delivery is at least once.
type Redis struct {
	core

	client       redis.Cmdable
	prefix       string
	consumer     string
	consumers    int
	pollInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
	stopped bool
}

// NewRedis reads {redis{address, db, ...}, prefix, consumer, consumers,
// poll_interval} from a queue section. consumer names the processing list
// and defaults to the host name; it must be unique per process and stable
// across restarts.
func NewRedis(sec *config.Section, opts Options) (*Redis, error) {
	client, err := redisconn.New(sec.Section("redis"))
	if err != nil {
		return nil, err
	}
	consumers, err := sec.Int("consumers", 1)
	if err != nil {
		return nil, err
	}
	if consumers <= 0 {
		return nil, domain.ConfigErrorf(sec.Path(), "consumers", "must be positive, got %d", consumers)
	}
	poll, err := sec.Float("poll_interval", DefaultPollInterval.Seconds())
	if err != nil {
		return nil, err
	}
	if poll <= 0 {
		return nil, domain.ConfigErrorf(sec.Path(), "poll_interval", "must be positive, got %v", poll)
	}
	q := NewRedisWithClient(client, sec.String("prefix", DefaultRedisPrefix), opts)
	q.consumer = sec.String("consumer", q.consumer)
	q.consumers = consumers
	q.pollInterval = time.Duration(poll * float64(time.Second))
	return q, nil
}

// NewRedisWithClient wraps an existing client with one consumer.
func NewRedisWithClient(client redis.Cmdable, prefix string, opts Options) *Redis {
	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = "default"
	}
	q := &Redis{
		client:       client,
		prefix:       prefix,
		consumer:     consumer,
		consumers:    1,
		pollInterval: DefaultPollInterval,
	}
	q.core.init(opts)
	return q
}

func (q *Redis) readyKey() string   { return q.prefix + ":" + q.name + ":ready" }
func (q *Redis) delayedKey() string { return q.prefix + ":" + q.name + ":delayed" }
func (q *Redis) processingKey() string {
	return q.prefix + ":" + q.name + ":processing:" + q.consumer
}
func (q *Redis) recordKey(id string) string {
	return q.prefix + ":" + q.name + ":env:" + id
}

// Enqueue applies the policy chain and stores every resulting envelope as
// ready.
func (q *Redis) Enqueue(ctx context.Context, env *domain.Envelope) ([]string, error) {
	envs, err := q.prepare(ctx, env)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(envs))
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range envs {
			raw, err := json.Marshal(record{Envelope: e})
			if err != nil {
				return err
			}
			pipe.Set(ctx, q.recordKey(e.ID), raw, 0)
			pipe.LPush(ctx, q.readyKey(), e.ID)
			ids = append(ids, e.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: store envelopes: %w", q.name, err)
	}
	q.metrics.ObserveEnqueued(q.name, len(ids))
	return ids, nil
}

// Start requeues ids left in this consumer's processing list, then
// launches the consumers and the retry poller.
func (q *Redis) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return domain.ErrQueueStopped
	}
	if q.cancel != nil {
		return nil
	}
	n, err := q.recover(ctx)
	if err != nil {
		return fmt.Errorf("queue %s: recover in-flight envelopes: %w", q.name, err)
	}
	if n > 0 {
		q.logger.Info("requeued in-flight envelopes", "count", n, "consumer", q.consumer)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for range q.consumers {
		q.workers.Add(1)
		go q.consume(ctx)
	}
	q.workers.Add(1)
	go q.poll(ctx)
	q.logger.Debug("redis queue started", "consumers", q.consumers, "prefix", q.prefix, "consumer", q.consumer)
	return nil
}

// recover moves every id of the processing list back to the ready list.
// Ids go back to the consuming end so they are attempted first.
func (q *Redis) recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey(), q.readyKey(), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *Redis) consume(ctx context.Context) {
	defer q.workers.Done()
	for ctx.Err() == nil {
		id, err := q.client.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", popTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("redis pop failed", "error", err)
			sleep(ctx, q.pollInterval)
			continue
		}
		q.process(ctx, id)
		if ctx.Err() != nil {
			// Interrupted attempts stay claimed and are requeued on start.
			return
		}
		if err := q.client.LRem(ctx, q.processingKey(), 1, id).Err(); err != nil {
			q.logger.Error("release envelope failed", "envelope_id", id, "error", err)
		}
	}
}

// process runs one delivery attempt for the stored id and leaves its
// record either deleted or scheduled for a retry.
func (q *Redis) process(ctx context.Context, id string) {
	raw, err := q.client.Get(ctx, q.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		q.logger.Warn("envelope record missing", "envelope_id", id)
		return
	}
	if err != nil {
		q.logger.Error("read envelope failed", "envelope_id", id, "error", err)
		q.delay(ctx, id, q.pollInterval)
		return
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Envelope == nil {
		q.logger.Error("discarding undecodable envelope", "envelope_id", id, "error", err)
		q.client.Del(ctx, q.recordKey(id))
		return
	}

	d := q.attempt(ctx, rec.Envelope, rec.Attempts)
	if d.done {
		if err := q.client.Del(ctx, q.recordKey(id)).Err(); err != nil {
			q.logger.Error("delete envelope failed", "envelope_id", id, "error", err)
		}
		return
	}
	rec.Attempts++
	if raw, err = json.Marshal(rec); err == nil {
		err = q.client.Set(ctx, q.recordKey(id), raw, 0).Err()
	}
	if err != nil {
		q.logger.Error("update envelope failed", "envelope_id", id, "error", err)
	}
	q.delay(ctx, id, d.delay)
}

func (q *Redis) delay(ctx context.Context, id string, d time.Duration) {
	due := time.Now().Add(d).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: id}).Err(); err != nil {
		q.logger.Error("schedule retry failed", "envelope_id", id, "error", err)
	}
}

// poll moves due ids from the delayed set back to the ready list.
func (q *Redis) poll(ctx context.Context) {
	defer q.workers.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promote(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("retry promotion failed", "error", err)
			}
		}
	}
}

func (q *Redis) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		// Only the process that removes the id requeues it.
		n, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		if n == 1 {
			if err := q.client.LPush(ctx, q.readyKey(), id).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop halts the consumers. Stored envelopes stay in redis for the next
// start.
func (q *Redis) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(domain.ErrQueueStopped, ctx.Err())
	}
	if c, ok := q.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

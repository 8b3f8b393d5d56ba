package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// DefaultConcurrency is the number of parallel deliveries of a memory queue.
const DefaultConcurrency = 16

type entry struct {
	env      *domain.Envelope
	attempts int
}

// Memory is an in-process queue. Envelopes live only as long as the
// process; retries are scheduled with timers.
type Memory struct {
	core

	concurrency int
	work        chan *entry

	mu      sync.Mutex
	running bool
	stopped bool
	timers  map[*time.Timer]struct{}
	// pending counts envelopes that are queued, in flight, or waiting for
	// a retry. idle is closed whenever pending drops to zero.
	pending int
	idle    chan struct{}
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewMemory creates a memory queue; concurrency <= 0 selects
// DefaultConcurrency.
func NewMemory(opts Options, concurrency int) *Memory {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	q := &Memory{
		concurrency: concurrency,
		work:        make(chan *entry, 1024),
		timers:      make(map[*time.Timer]struct{}),
		idle:        make(chan struct{}),
	}
	close(q.idle)
	q.core.init(opts)
	return q
}

// NewMemoryFromSection reads {concurrency} from a queue section.
func NewMemoryFromSection(sec *config.Section, opts Options) (*Memory, error) {
	n, err := sec.Int("concurrency", DefaultConcurrency)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, domain.ConfigErrorf(sec.Path(), "concurrency", "must be positive, got %d", n)
	}
	return NewMemory(opts, n), nil
}

// Start launches the delivery workers. It is idempotent.
func (q *Memory) Start(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return domain.ErrQueueStopped
	}
	if q.running {
		return nil
	}
	// Deliveries outlive the caller's startup context.
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	for range q.concurrency {
		q.workers.Add(1)
		go q.worker(ctx)
	}
	q.logger.Debug("memory queue started", "concurrency", q.concurrency)
	return nil
}

// Enqueue applies the policy chain and schedules every resulting envelope
// for immediate delivery.
func (q *Memory) Enqueue(ctx context.Context, env *domain.Envelope) ([]string, error) {
	if q.isStopped() {
		return nil, domain.ErrQueueStopped
	}

	envs, err := q.prepare(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := q.track(len(envs)); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(envs))
	for i, e := range envs {
		if err := q.push(ctx, &entry{env: e}); err != nil {
			for range envs[i:] {
				q.release()
			}
			return ids, err
		}
		ids = append(ids, e.ID)
	}
	q.metrics.ObserveEnqueued(q.name, len(ids))
	return ids, nil
}

func (q *Memory) isStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// track registers n envelopes as pending. It fails once the queue is
// stopped so nothing is added after Stop has settled the count.
func (q *Memory) track(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return domain.ErrQueueStopped
	}
	if n > 0 && q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending += n
	return nil
}

// release marks one envelope as finished. It is a no-op after Stop.
func (q *Memory) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.pending == 0 {
		return
	}
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}

func (q *Memory) push(ctx context.Context, e *entry) error {
	select {
	case q.work <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) worker(ctx context.Context) {
	defer q.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.work:
			q.deliver(ctx, e)
		}
	}
}

func (q *Memory) deliver(ctx context.Context, e *entry) {
	d := q.attempt(ctx, e.env, e.attempts)
	if d.done {
		q.release()
		return
	}
	e.attempts++
	q.schedule(ctx, e, d.delay)
}

func (q *Memory) schedule(ctx context.Context, e *entry, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		if err := q.push(ctx, e); err != nil {
			q.release()
		}
	})
	q.timers[t] = struct{}{}
}

// Wait blocks until every envelope enqueued so far is delivered or
// abandoned, the queue is stopped, or ctx is done.
func (q *Memory) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels pending retries and waits for in-flight deliveries. Queued
// envelopes that were not yet attempted are dropped.
func (q *Memory) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	dropped := len(q.timers)
	for t := range q.timers {
		t.Stop()
	}
	clear(q.timers)
	if q.pending > 0 {
		q.pending = 0
		close(q.idle)
	}
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
	if n := len(q.work) + dropped; n > 0 {
		q.logger.Warn("memory queue stopped with undelivered envelopes", "count", n)
	}
	return nil
}

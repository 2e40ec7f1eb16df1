package worker

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"supportchat/internal/models"
)

const (
	defaultQueueSize    = 1024
	defaultApplyTimeout = 15 * time.Second
)

// Config sizes the dispatcher and its worker pool.
type Config struct {
	MinWorkers   int
	MaxWorkers   int
	QueueSize    int
	IdleTimeout  time.Duration
	ApplyTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	running  bool // a worker holds a job of this key
	waiters  []chan struct{}
}

// Dispatcher persists conversation snapshots on a worker pool. Writes of one conversation are
// applied one at a time in enqueue order; a snapshot still waiting is replaced by a newer one.
type Dispatcher struct {
	pool   *jobChannelPool
	apply  ApplyFunc
	logger *slog.Logger

	applyTimeout time.Duration
	capacity     int

	mu        sync.Mutex
	queues    map[string]*keyQueue // pending writes per conversation
	ready     *list.List           // LRU queue of conversation ids
	positions map[string]*list.Element
	pending   int
	closed    bool

	wake chan struct{}
	done chan struct{}
	ctx  context.Context
	stop context.CancelFunc
}

// NewDispatcher starts a dispatcher that hands every job to apply.
func NewDispatcher(cfg Config, apply ApplyFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		apply:        apply,
		logger:       logger,
		applyTimeout: cfg.ApplyTimeout,
		capacity:     cfg.QueueSize,
		queues:       make(map[string]*keyQueue),
		ready:        list.New(),
		positions:    make(map[string]*list.Element),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		ctx:          ctx,
		stop:         stop,
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.handle, logger)

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Enqueue schedules a snapshot write for conv. It never blocks on the store. A full queue
// rejects conversations without a write in flight with ErrDispatcherBusy.
func (d *Dispatcher) Enqueue(conv models.Conversation) error {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	job := Job{Conversation: conv.Clone()}
	key := job.key()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q := d.queues[key]
	if q == nil {
		q = &keyQueue{}
		d.queues[key] = q
	}
	if n := len(q.jobs); n > 0 {
		// snapshots are cumulative, the newer one supersedes the waiting one
		q.jobs[n-1] = job
		return nil
	}
	// a conversation with a write in flight always gets its follow-up slot, so the last
	// snapshot of a reply is never lost to a full queue
	if d.pending >= d.capacity && !q.running {
		if len(q.waiters) == 0 {
			delete(d.queues, key)
		}
		return ErrDispatcherBusy
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	if !q.enqueued && !q.running {
		d.pushReadyLocked(key, q)
	}
	return nil
}

// Drain waits until every write enqueued for id so far has been applied.
func (d *Dispatcher) Drain(ctx context.Context, id string) error {
	d.mu.Lock()
	q := d.queues[id]
	if q == nil {
		d.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new writes, waits for pending ones until ctx is done, and stops the workers.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	keys := make([]string, 0, len(d.queues))
	for key := range d.queues {
		keys = append(keys, key)
	}
	d.mu.Unlock()

	var err error
	for _, key := range keys {
		if err = d.Drain(ctx, key); err != nil {
			break
		}
	}
	close(d.done)
	d.stop()
	d.pool.shutdown()
	return err
}

// Pending reports the number of writes waiting for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the conversation in front of the LRU queue
		if d.dispatchOne() {
			continue
		}
		select {
		case <-d.wake:
		case <-d.done:
			return
		}
	}
}

// dispatchOne waits for a worker, then hands it the first ready conversation's next job.
// Jobs stay queued while every worker is busy so newer snapshots can still replace them.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	empty := d.ready.Len() == 0
	d.mu.Unlock()
	if empty {
		return false
	}

	workerChan := d.pool.acquire()
	if workerChan == nil {
		d.dropReady()
		return false
	}

	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		d.pool.Release(workerChan)
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	d.ready.Remove(elem)
	delete(d.positions, key)
	q.enqueued = false
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	q.running = true
	d.mu.Unlock()

	debugLog(d.logger, "dispatch write", "conversation", key, "worker", d.pool.workerID(workerChan))
	select {
	case workerChan <- job:
	case <-d.pool.quit:
		d.complete(key)
	}
	return true
}

// dropReady discards writes that can no longer reach a worker
func (d *Dispatcher) dropReady() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for elem := d.ready.Front(); elem != nil; elem = d.ready.Front() {
		key := elem.Value.(string)
		d.ready.Remove(elem)
		delete(d.positions, key)
		q := d.queues[key]
		d.pending -= len(q.jobs)
		d.logger.Warn("dropping conversation writes after shutdown", "conversation", key, "count", len(q.jobs))
		for _, ch := range q.waiters {
			close(ch)
		}
		delete(d.queues, key)
	}
}

func (d *Dispatcher) handle(job Job) {
	ctx, cancel := context.WithTimeout(d.ctx, d.applyTimeout)
	err := d.apply(ctx, job)
	cancel()
	if err != nil {
		d.logger.Error("persist conversation failed", "conversation", job.key(), "err", err)
	}
	d.complete(job.key())
}

// complete releases the conversation for its next write, or wakes drainers when none is left
func (d *Dispatcher) complete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[key]
	if q == nil {
		return
	}
	q.running = false
	if len(q.jobs) > 0 {
		d.pushReadyLocked(key, q)
		return
	}
	for _, ch := range q.waiters {
		close(ch)
	}
	delete(d.queues, key)
}

func (d *Dispatcher) pushReadyLocked(key string, q *keyQueue) {
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

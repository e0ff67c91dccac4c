// Package worker provides a sharded worker pool. Jobs sharing a key always land
// on the same worker, so they run one at a time in submission order, while jobs
// with different keys run in parallel up to the number of workers.
//
// The relay keys jobs by conversation id: two messages from one chat never
// overlap, and the total number of in-flight pipelines stays bounded.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"go.uber.org/zap"
)

var (
	defaultNumWorkers   uint = 8
	defaultJobQueueSize uint = 64
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Job is a unit of work for the pool.
type Job struct {
	// Key selects the worker. Jobs with equal keys are serialized.
	Key string
	Run func()
}

// Config is the configuration options for the worker pool.
type Config struct {
	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of each worker's buffered job channel.
	QueueSize uint

	Logger *zap.Logger
}

// Pool runs jobs on a fixed set of workers, one queue per worker.
type Pool struct {
	queues []chan Job
	wg     sync.WaitGroup
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	wp := &Pool{
		queues: make([]chan Job, c.NumWorkers),
		logger: logger.Named("worker"),
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		wp.queues[i] = make(chan Job, c.QueueSize)
		go wp.worker(i, wp.queues[i])
	}

	return wp, nil
}

// Submit queues a job on the worker owning its key. It blocks while that
// worker's queue is full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	shard := p.shard(job.Key)
	select {
	case p.queues[shard] <- job:
		p.logger.Debug("job queued",
			zap.String("key", job.Key),
			zap.Int("worker_id", shard),
		)
		return nil
	case <-ctx.Done():
		p.logger.Warn("job not queued, context done",
			zap.String("key", job.Key),
			zap.Int("worker_id", shard),
			zap.Error(ctx.Err()),
		)
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued and in-flight jobs to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, queue := range p.queues {
		close(queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// worker is the inner worker thread that continuously pulls jobs off its queue
func (p *Pool) worker(id uint, queue <-chan Job) {
	defer p.wg.Done()
	p.logger.Debug("worker started", zap.Uint("worker_id", id))

	for job := range queue {
		p.run(id, job)
	}

	p.logger.Debug("worker stopped", zap.Uint("worker_id", id))
}

func (p *Pool) run(id uint, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				zap.Uint("worker_id", id),
				zap.String("key", job.Key),
				zap.Any("panic", r),
			)
		}
	}()
	job.Run()
}

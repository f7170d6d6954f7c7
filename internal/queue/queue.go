// Package queue buffers persistence work off the request path and hands it
// to a Processor in batches from a single background worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Overflow policies.
const (
	DropOldest = "drop_oldest"
	DropNewest = "drop_newest"
)

// Config controls batching and capacity.
type Config struct {
	Capacity       int           `yaml:"capacity"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	Overflow       string        `yaml:"overflow"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:       10_000,
		BatchSize:      100,
		FlushInterval:  100 * time.Millisecond,
		ProcessTimeout: 5 * time.Second,
		Overflow:       DropOldest,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, errors.New("capacity must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if c.ProcessTimeout < 0 {
		errs = append(errs, errors.New("process_timeout must not be negative"))
	}
	if c.Overflow != DropOldest && c.Overflow != DropNewest {
		errs = append(errs, fmt.Errorf("unknown overflow policy %q", c.Overflow))
	}
	return errors.Join(errs...)
}

// Processor handles one batch. A returned error is logged and the batch
// is discarded.
type Processor[T any] interface {
	Process(ctx context.Context, batch []T) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, batch []T) error

// Process calls f.
func (f ProcessorFunc[T]) Process(ctx context.Context, batch []T) error { return f(ctx, batch) }

// Queue is a bounded ring buffer drained by one worker goroutine.
type Queue[T any] struct {
	cfg    Config
	proc   Processor[T]
	logger *zap.Logger

	mu   sync.Mutex
	buf  []T
	head int
	size int

	// flushMu serializes Process calls between the worker and Flush.
	flushMu sync.Mutex

	dropped atomic.Uint64
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New validates cfg and starts the worker.
func New[T any](cfg Config, proc Processor[T], logger *zap.Logger) (*Queue[T], error) {
	if cfg.Overflow == "" {
		cfg.Overflow = DropOldest
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queue.New: %w", err)
	}
	if proc == nil {
		return nil, errors.New("queue.New: nil processor")
	}
	q := &Queue[T]{
		cfg:    cfg,
		proc:   proc,
		logger: logger,
		buf:    make([]T, cfg.Capacity),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q, nil
}

// Enqueue adds item without blocking. When the queue is full one item is
// dropped according to the overflow policy.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	if q.size == len(q.buf) {
		q.dropped.Add(1)
		if q.cfg.Overflow == DropNewest {
			q.mu.Unlock()
			q.logger.Warn("queue full, dropping newest task", zap.Int("capacity", len(q.buf)))
			return
		}
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.logger.Warn("queue full, dropping oldest task", zap.Int("capacity", len(q.buf)))
	}
	q.buf[(q.head+q.size)%len(q.buf)] = item
	q.size++
	full := q.size >= q.cfg.BatchSize
	q.mu.Unlock()

	if full {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// Size returns the number of pending items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many items overflow has discarded.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Flush processes every pending item synchronously, in batches.
func (q *Queue[T]) Flush() {
	for q.processBatch() {
	}
}

// Stop halts the worker. Pending items stay buffered for a later Flush.
// Safe to call more than once.
func (q *Queue[T]) Stop() {
	q.once.Do(func() { close(q.stop) })
	<-q.done
}

// Close stops the worker and drains what is left.
func (q *Queue[T]) Close() {
	q.Stop()
	q.Flush()
}

func (q *Queue[T]) run() {
	defer close(q.done)

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
			for q.Size() >= q.cfg.BatchSize && q.processBatch() {
			}
		case <-ticker.C:
			q.Flush()
		}
	}
}

func (q *Queue[T]) take(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		n = q.size
	}
	if n == 0 {
		return nil
	}
	var zero T
	batch := make([]T, n)
	for i := range batch {
		batch[i] = q.buf[q.head]
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	return batch
}

// processBatch hands at most one batch to the processor and reports
// whether there was anything to process.
func (q *Queue[T]) processBatch() bool {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	batch := q.take(q.cfg.BatchSize)
	if len(batch) == 0 {
		return false
	}

	ctx := context.Background()
	if q.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.ProcessTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := q.safeProcess(ctx, batch); err != nil {
		q.logger.Error("queue batch failed, discarding",
			zap.Int("batch_size", len(batch)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
	return true
}

func (q *Queue[T]) safeProcess(ctx context.Context, batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return q.proc.Process(ctx, batch)
}

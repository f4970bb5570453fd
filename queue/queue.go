// Package queue implements the Priority Queue and Dispatcher (spec.md
// §4.9): a strictly-higher-priority-first, FIFO-within-priority queue
// with a concurrency cap, retry/backoff, and per-item lifecycle
// tracking.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Priority orders items; higher values run first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Status is the lifecycle state of a queued item.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ItemType distinguishes what kind of work an item represents, used for
// stats breakdowns.
type ItemType string

// Request is the opaque payload a Processor consumes. The queue never
// inspects it beyond passing it to the Processor.
type Request any

// Processor executes a queued request and returns its result.
type Processor func(ctx context.Context, request Request) (any, error)

// Item tracks one enqueued unit of work through its lifecycle.
type Item struct {
	ID          string
	BatchID     string
	Request     Request
	Context     context.Context
	Priority    Priority
	Type        ItemType
	MaxAttempts int

	Status     Status
	Attempts   int
	Result     any
	Err        error
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	cancel bool
	index  int // heap index, maintained by container/heap
}

// Stats summarizes the queue's current state.
type Stats struct {
	TotalQueued     int
	TotalProcessing int
	TotalCompleted  int
	TotalFailed     int
	TotalCancelled  int
	ByPriority      map[Priority]int
	ByType          map[ItemType]int
	AvgProcessTime  time.Duration
}

// Config bounds the queue and dispatcher.
type Config struct {
	MaxConcurrentValidations int
	MaxQueueSize             int
	RetryAttempts            uint64
	RetryDelay               time.Duration
	ProcessingInterval       time.Duration
	EnablePriorityProcessing bool
	EnableRetryMechanism     bool
}

// DefaultConfig returns spec-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentValidations: 4,
		MaxQueueSize:             10000,
		RetryAttempts:            3,
		RetryDelay:               500 * time.Millisecond,
		ProcessingInterval:       50 * time.Millisecond,
		EnablePriorityProcessing: true,
		EnableRetryMechanism:     true,
	}
}

// ErrQueueFull is returned by Enqueue when the queue is at MaxQueueSize.
var ErrQueueFull = fmt.Errorf("queue: at capacity")

// Queue is a priority heap of Items plus a dispatcher goroutine that
// pulls from it, runs a Processor with bounded concurrency, and handles
// retry/backoff on failure.
type Queue struct {
	cfg       Config
	processor Processor

	mu      sync.Mutex
	heap    *itemHeap
	items   map[string]*Item // all known items, queued or not, for getStats/cancel
	totalProcessTime time.Duration
	totalCompleted   int

	slots chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Queue that dispatches to processor.
func New(cfg Config, processor Processor) *Queue {
	if cfg.MaxConcurrentValidations <= 0 {
		cfg.MaxConcurrentValidations = 1
	}
	return &Queue{
		cfg:       cfg,
		processor: processor,
		heap:      newItemHeap(),
		items:     make(map[string]*Item),
		slots:     make(chan struct{}, cfg.MaxConcurrentValidations),
	}
}

// Start launches the dispatcher loop in the background. Call Stop to
// shut it down.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.dispatchLoop(ctx)
}

// Stop signals the dispatcher to stop accepting new dispatch cycles and
// waits for in-flight items to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	if q.done != nil {
		<-q.done
	}
	q.wg.Wait()
}

// Enqueue adds a request to the queue and returns its item id.
// Rejects with ErrQueueFull if the queue is at MaxQueueSize.
func (q *Queue) Enqueue(ctx context.Context, request Request, priority Priority, itemType ItemType, maxAttempts int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaxQueueSize > 0 && q.heap.Len() >= q.cfg.MaxQueueSize {
		return "", ErrQueueFull
	}

	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	item := &Item{
		ID:          uuid.NewString(),
		Request:     request,
		Context:     ctx,
		Priority:    priority,
		Type:        itemType,
		MaxAttempts: maxAttempts,
		Status:      StatusQueued,
		CreatedAt:   time.Now(),
	}

	heap.Push(q.heap, item)
	q.items[item.ID] = item

	return item.ID, nil
}

// Cancel transitions a queued item to cancelled. A processing item is
// marked for cancellation and stops at its next boundary rather than
// being preempted immediately.
func (q *Queue) Cancel(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return false
	}

	switch item.Status {
	case StatusQueued:
		q.heap.remove(item)
		item.Status = StatusCancelled
		item.FinishedAt = time.Now()
		return true
	case StatusProcessing, StatusRetrying:
		item.cancel = true
		return true
	default:
		return false
	}
}

// CancelBatch cancels every item sharing batchID.
func (q *Queue) CancelBatch(batchID string) int {
	q.mu.Lock()
	ids := make([]string, 0)
	for id, item := range q.items {
		if item.BatchID == batchID {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if q.Cancel(id) {
			cancelled++
		}
	}
	return cancelled
}

// GetStats returns a snapshot of queue composition and throughput.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		ByPriority: make(map[Priority]int),
		ByType:     make(map[ItemType]int),
	}

	for _, item := range q.items {
		switch item.Status {
		case StatusQueued:
			stats.TotalQueued++
		case StatusProcessing, StatusRetrying:
			stats.TotalProcessing++
		case StatusCompleted:
			stats.TotalCompleted++
		case StatusFailed:
			stats.TotalFailed++
		case StatusCancelled:
			stats.TotalCancelled++
		}
		stats.ByPriority[item.Priority]++
		stats.ByType[item.Type]++
	}

	if q.totalCompleted > 0 {
		stats.AvgProcessTime = q.totalProcessTime / time.Duration(q.totalCompleted)
	}

	return stats
}

// Item returns the current snapshot of a tracked item, if known.
func (q *Queue) Item(itemID string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// dispatchLoop implements spec.md §4.9's scheduling contract: while
// processing.size < maxConcurrent, peek the highest-priority queued
// item (ties by oldest createdAt) and hand it a slot.
func (q *Queue) dispatchLoop(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchReady(ctx)
		}
	}
}

func (q *Queue) tickInterval() time.Duration {
	if q.cfg.ProcessingInterval > 0 {
		return q.cfg.ProcessingInterval
	}
	return 50 * time.Millisecond
}

// dispatchReady fills every free slot with the next highest-priority
// item, without blocking the dispatch tick if no slot is free.
func (q *Queue) dispatchReady(ctx context.Context) {
	for {
		select {
		case q.slots <- struct{}{}:
		default:
			return
		}

		item := q.popNext()
		if item == nil {
			<-q.slots
			return
		}

		q.wg.Add(1)
		go q.run(ctx, item)
	}
}

func (q *Queue) popNext() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}
	item := heap.Pop(q.heap).(*Item)
	item.Status = StatusProcessing
	item.StartedAt = time.Now()
	return item
}

func (q *Queue) run(ctx context.Context, item *Item) {
	defer q.wg.Done()
	defer func() { <-q.slots }()

	itemCtx := item.Context
	if itemCtx == nil {
		itemCtx = ctx
	}

	result, err := q.attempt(itemCtx, item)

	q.mu.Lock()
	defer q.mu.Unlock()

	item.Attempts++
	item.FinishedAt = time.Now()
	q.totalProcessTime += item.FinishedAt.Sub(item.StartedAt)

	if item.cancel {
		item.Status = StatusCancelled
		return
	}

	if err == nil {
		item.Status = StatusCompleted
		item.Result = result
		q.totalCompleted++
		return
	}

	if q.cfg.EnableRetryMechanism && item.Attempts < item.MaxAttempts {
		item.Status = StatusRetrying
		item.Err = err
		q.wg.Add(1)
		go q.scheduleRetry(ctx, item)
		return
	}

	item.Status = StatusFailed
	item.Err = err
}

// attempt invokes the processor once, recovering a nil processor as a
// configuration error rather than a panic.
func (q *Queue) attempt(ctx context.Context, item *Item) (any, error) {
	if q.processor == nil {
		return nil, fmt.Errorf("queue: no processor configured")
	}
	return q.processor(ctx, item.Request)
}

// scheduleRetry waits out the backoff delay for this attempt, then
// re-enqueues the item at its original priority. Backoff is
// exponential with jitter per spec.md §9's explicit widening of the
// "fixed-delay" contract baseline.
func (q *Queue) scheduleRetry(ctx context.Context, item *Item) {
	defer q.wg.Done()

	base, err := retry.NewExponential(q.retryBaseDelay())
	if err != nil {
		// retryBaseDelay is always positive, so NewExponential cannot
		// fail in practice; fall back to a fixed delay if it ever does.
		select {
		case <-ctx.Done():
		case <-time.After(q.retryBaseDelay()):
		}
		q.requeue(item)
		return
	}
	backoff := retry.WithJitter(q.retryBaseDelay()/2, base)

	// item.Attempts already reflects the attempt that just failed, so the
	// Nth retry gets the Nth exponential step.
	var delay time.Duration
	for i := 0; i < item.Attempts; i++ {
		delay, _ = backoff.Next()
	}

	select {
	case <-ctx.Done():
		q.mu.Lock()
		item.Status = StatusCancelled
		q.mu.Unlock()
		return
	case <-time.After(delay):
	}

	q.requeue(item)
}

// requeue pushes item back onto the heap as StatusQueued, unless it was
// cancelled while waiting out its backoff.
func (q *Queue) requeue(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.cancel {
		item.Status = StatusCancelled
		return
	}
	item.Status = StatusQueued
	heap.Push(q.heap, item)
}

func (q *Queue) retryBaseDelay() time.Duration {
	if q.cfg.RetryDelay > 0 {
		return q.cfg.RetryDelay
	}
	return 500 * time.Millisecond
}

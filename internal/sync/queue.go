package sync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const defaultQueueBuffer = 256

var (
	// ErrQueueClosed indicates a publish after the queue was closed.
	ErrQueueClosed = errors.New("sync: stale queue closed")
)

// StaleQueue carries stale marks from the write path to a background
// worker. Propagation is intentionally asynchronous: the contract is
// eventual consistency before the next scheduled reconciliation pass, not
// synchronous visibility with the triggering write.
type StaleQueue struct {
	mu     sync.Mutex
	events chan StaleMark
	done   chan struct{}
	closed bool
}

// NewStaleQueue constructs a queue with the given buffer, using a default
// when the value is not positive.
func NewStaleQueue(buffer int) *StaleQueue {
	if buffer <= 0 {
		buffer = defaultQueueBuffer
	}
	return &StaleQueue{
		events: make(chan StaleMark, buffer),
		done:   make(chan struct{}),
	}
}

// Publish enqueues a stale mark, blocking while the buffer is full until
// the queue closes or the context is done. The events channel is only
// ever sent on, never closed, so a publish racing Close cannot panic.
func (q *StaleQueue) Publish(ctx context.Context, mark StaleMark) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.events <- mark:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports how many marks are waiting to be applied.
func (q *StaleQueue) Depth() int {
	return len(q.events)
}

// Close stops the queue. Publishers unblock with ErrQueueClosed; the
// worker drains what was already enqueued and then returns.
func (q *StaleQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// StaleApplier applies one stale mark to durable state.
type StaleApplier interface {
	ApplyStaleMark(ctx context.Context, mark StaleMark) (int64, error)
}

// StaleWorkerConfig configures a StaleWorker.
type StaleWorkerConfig struct {
	Queue   *StaleQueue
	Applier StaleApplier
	Logger  *zap.Logger
}

// StaleWorker consumes the stale queue and fans each mark out through the
// store. A failed application is logged and dropped; the affected objects
// are still re-offered once their own commits move, and the worker must
// not wedge the queue behind one bad mark.
type StaleWorker struct {
	queue   *StaleQueue
	applier StaleApplier
	logger  *zap.Logger
}

// NewStaleWorker constructs a StaleWorker.
func NewStaleWorker(cfg StaleWorkerConfig) (*StaleWorker, error) {
	if cfg.Queue == nil {
		return nil, errors.New("stale queue is required")
	}
	if cfg.Applier == nil {
		return nil, errors.New("stale applier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &StaleWorker{queue: cfg.Queue, applier: cfg.Applier, logger: logger}, nil
}

// Run consumes marks until the queue closes or the context is done. A
// close still drains whatever was enqueued before it.
func (w *StaleWorker) Run(ctx context.Context) {
	for {
		select {
		case mark := <-w.queue.events:
			w.apply(ctx, mark)
		case <-w.queue.done:
			for {
				select {
				case mark := <-w.queue.events:
					w.apply(ctx, mark)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *StaleWorker) apply(ctx context.Context, mark StaleMark) {
	marked, err := w.applier.ApplyStaleMark(ctx, mark)
	if err != nil {
		w.logger.Error("stale mark application failed",
			zap.String("collection_type", mark.Type.String()),
			zap.Int64("last_commit_id", mark.LastCommitID),
			zap.Int64("new_commit_id", mark.NewCommitID),
			zap.Error(err))
		return
	}
	w.logger.Debug("stale mark applied",
		zap.String("collection_type", mark.Type.String()),
		zap.Int64("last_commit_id", mark.LastCommitID),
		zap.Int64("new_commit_id", mark.NewCommitID),
		zap.Int64("entries_marked", marked))
}

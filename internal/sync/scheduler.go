package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPassInterval = time.Minute
	defaultBatchTimeout = 30 * time.Second
)

var (
	// ErrPassInFlight indicates a reconciliation pass for the collection
	// is already running; passes on one collection never overlap.
	ErrPassInFlight = errors.New("sync: reconciliation pass already in flight")
	// ErrUnknownCollection indicates no reconciler is registered for the id.
	ErrUnknownCollection = errors.New("sync: no reconciler registered for collection")
)

// Reconciler runs one full reconciliation pass for one collection. The
// pass must be safely interruptible between batches; the scheduler
// enforces a deadline per invocation and simply re-invokes on the next
// tick.
type Reconciler interface {
	CollectionID() string
	Reconcile(ctx context.Context) error
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Interval     time.Duration
	BatchTimeout time.Duration
	Logger       *zap.Logger
}

// Scheduler runs registered reconcilers periodically. Different
// collections reconcile in parallel; per collection a mutex guarantees
// export and import never race against the same watermark, including when
// an operator triggers a pass while a scheduled one is in flight.
type Scheduler struct {
	interval     time.Duration
	batchTimeout time.Duration
	logger       *zap.Logger

	mu          sync.Mutex
	reconcilers map[string]Reconciler
	passLocks   map[string]*sync.Mutex
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPassInterval
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{
		interval:     interval,
		batchTimeout: batchTimeout,
		logger:       logger,
		reconcilers:  make(map[string]Reconciler),
		passLocks:    make(map[string]*sync.Mutex),
	}
}

// Register adds or replaces the reconciler for a collection.
func (s *Scheduler) Register(reconciler Reconciler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := reconciler.CollectionID()
	s.reconcilers[id] = reconciler
	if _, ok := s.passLocks[id]; !ok {
		s.passLocks[id] = &sync.Mutex{}
	}
}

// Trigger runs one pass for the collection immediately, returning
// ErrPassInFlight when a pass is already running.
func (s *Scheduler) Trigger(ctx context.Context, collectionID string) error {
	s.mu.Lock()
	reconciler, ok := s.reconcilers[collectionID]
	lock := s.passLocks[collectionID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownCollection
	}
	if !lock.TryLock() {
		return ErrPassInFlight
	}
	defer lock.Unlock()
	return s.runPass(ctx, reconciler)
}

// Run executes passes for every registered reconciler at the configured
// interval until the context is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context) {
	s.mu.Lock()
	reconcilers := make([]Reconciler, 0, len(s.reconcilers))
	locks := make([]*sync.Mutex, 0, len(s.reconcilers))
	for id, reconciler := range s.reconcilers {
		reconcilers = append(reconcilers, reconciler)
		locks = append(locks, s.passLocks[id])
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := range reconcilers {
		reconciler := reconcilers[i]
		lock := locks[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !lock.TryLock() {
				return
			}
			defer lock.Unlock()
			if err := s.runPass(ctx, reconciler); err != nil {
				s.logger.Error("reconciliation pass failed",
					zap.String("collection_id", reconciler.CollectionID()),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

func (s *Scheduler) runPass(ctx context.Context, reconciler Reconciler) error {
	passCtx, cancel := context.WithTimeout(ctx, s.batchTimeout)
	defer cancel()
	return reconciler.Reconcile(passCtx)
}

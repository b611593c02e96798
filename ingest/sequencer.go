package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JiscSD/rdss-dataverse-ingest/blocking"
	"github.com/JiscSD/rdss-dataverse-ingest/events"
)

const (
	// DefaultRecheckDelay separates the attempts to read the blocked state
	// of a target after the registry failed.
	DefaultRecheckDelay = 30 * time.Second

	// maxRechecks bounds those attempts. The deposit is then left in the
	// inbox for the next rescan.
	maxRechecks = 5
)

// Sequencer runs tasks on a pool of workers so that tasks of the same
// target never run concurrently and run in the order their deposits were
// created. Targets with a failed deposit are blocked until an operator
// unblocks them.
type Sequencer struct {
	logger   logrus.FieldLogger
	ing      *Ingester
	registry blocking.Registry
	workers  int
	metrics  *Metrics
	queue    *deque

	recheckDelay time.Duration

	takeMu sync.Mutex
	mu     sync.Mutex

	// known holds the directories submitted and not yet moved out of the
	// inbox, parked ones included.
	known map[string]struct{}

	// inFlight holds the targets with a running task.
	inFlight map[string]struct{}

	// pending holds, per target, the tasks deferred behind the running
	// one.
	pending map[string][]*Task

	// parked holds, per blocked target, the directories left in the inbox.
	parked map[string][]string

	// active counts the tasks submitted and not yet finished or parked.
	active  int
	waiters []chan struct{}
}

func NewSequencer(logger logrus.FieldLogger, ing *Ingester, registry blocking.Registry, workers int, metrics *Metrics) *Sequencer {
	if workers < 1 {
		workers = 1
	}
	if metrics == nil {
		metrics = ing.metrics
	}
	return &Sequencer{
		logger:   logger,
		ing:      ing,
		registry: registry,
		workers:  workers,
		metrics:  metrics,
		queue:    newDeque(),
		known:    map[string]struct{}{},
		inFlight: map[string]struct{}{},
		pending:  map[string][]*Task{},
		parked:   map[string][]string{},

		recheckDelay: DefaultRecheckDelay,
	}
}

// Submit queues the deposit found at dir. It reports false when the
// directory is already known.
func (s *Sequencer) Submit(dir string) bool {
	s.mu.Lock()
	if _, ok := s.known[dir]; ok {
		s.mu.Unlock()
		return false
	}
	s.known[dir] = struct{}{}
	s.active++
	s.mu.Unlock()

	t := s.ing.NewTask(dir)
	t.logger.Debug("Task queued.")
	s.queue.PushOrdered(t)
	return true
}

// Consume submits the directories received from in until it is closed or
// ctx is done.
func (s *Sequencer) Consume(ctx context.Context, in <-chan string) error {
	for {
		select {
		case dir, ok := <-in:
			if !ok {
				return nil
			}
			s.Submit(dir)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run starts the workers and blocks until ctx is done and the running
// tasks have returned.
func (s *Sequencer) Run(ctx context.Context) error {
	s.refreshBlocked(ctx)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Drain blocks until every submitted task has finished or has been parked
// behind a blocked target.
func (s *Sequencer) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unblock lifts the block on target and resubmits the deposits parked
// behind it.
func (s *Sequencer) Unblock(ctx context.Context, target string) error {
	if err := s.registry.Unblock(ctx, target); err != nil {
		return err
	}
	s.refreshBlocked(ctx)

	s.mu.Lock()
	dirs := s.parked[target]
	delete(s.parked, target)
	for _, dir := range dirs {
		delete(s.known, dir)
	}
	s.mu.Unlock()

	for _, dir := range dirs {
		s.Submit(dir)
	}
	s.logger.WithFields(logrus.Fields{"target": target, "resubmitted": len(dirs)}).Info("Target unblocked.")
	return nil
}

// Resume resubmits the deposits parked behind targets that are no longer
// blocked, e.g. after the registry was changed by another process. It
// returns the number of resubmitted deposits.
func (s *Sequencer) Resume(ctx context.Context) (int, error) {
	s.mu.Lock()
	targets := make([]string, 0, len(s.parked))
	for target := range s.parked {
		targets = append(targets, target)
	}
	s.mu.Unlock()

	var dirs []string
	for _, target := range targets {
		blocked, err := s.registry.IsBlocked(ctx, target)
		if err != nil {
			return 0, err
		}
		if blocked {
			continue
		}
		s.mu.Lock()
		for _, dir := range s.parked[target] {
			delete(s.known, dir)
			dirs = append(dirs, dir)
		}
		delete(s.parked, target)
		s.mu.Unlock()
	}
	s.refreshBlocked(ctx)

	n := 0
	for _, dir := range dirs {
		if s.Submit(dir) {
			n++
		}
	}
	return n, nil
}

// Block blocks target on behalf of an operator.
func (s *Sequencer) Block(ctx context.Context, target, reason string) error {
	if err := s.registry.Block(ctx, target, reason); err != nil {
		return err
	}
	s.refreshBlocked(ctx)
	return nil
}

// Blocked lists the blocked targets.
func (s *Sequencer) Blocked(ctx context.Context) ([]blocking.Entry, error) {
	return s.registry.List(ctx)
}

// Parked returns the directories waiting behind target.
func (s *Sequencer) Parked(target string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.parked[target]...)
}

func (s *Sequencer) work(ctx context.Context) {
	for {
		t, err := s.next(ctx)
		if err != nil {
			return
		}
		s.dispatch(ctx, t)
	}
}

// next takes the oldest task whose target is idle and claims the target.
// Workers take one at a time so that claims follow the queue order.
func (s *Sequencer) next(ctx context.Context) (*Task, error) {
	s.takeMu.Lock()
	defer s.takeMu.Unlock()
	for {
		t, err := s.queue.Take(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if _, busy := s.inFlight[t.Target]; busy {
			s.pending[t.Target] = append(s.pending[t.Target], t)
			s.mu.Unlock()
			t.logger.Debug("Task deferred, target is busy.")
			continue
		}
		s.inFlight[t.Target] = struct{}{}
		s.mu.Unlock()
		return t, nil
	}
}

func (s *Sequencer) dispatch(ctx context.Context, t *Task) {
	blocked, err := s.registry.IsBlocked(ctx, t.Target)
	if err != nil {
		t.rechecks++
		if t.rechecks >= maxRechecks {
			t.logger.WithError(err).Error("Cannot check whether the target is blocked, deposit left in the inbox.")
			s.release(t, func() { delete(s.known, t.Dir) })
			return
		}
		t.logger.WithError(err).Warn("Cannot check whether the target is blocked, retrying later.")
		// The task stays active while it waits.
		s.release(t, func() { s.active++ })
		go s.recheck(ctx, t)
		return
	}
	if blocked {
		t.logger.Warn("Target is blocked, deposit left in the inbox.")
		s.metrics.Skipped.Inc()
		s.release(t, func() { s.parked[t.Target] = append(s.parked[t.Target], t.Dir) })
		return
	}

	out := t.process(ctx)
	if out.Result == events.ResultFailed {
		s.block(t, out.Message)
	}
	s.release(t, func() { delete(s.known, t.Dir) })
}

// block runs detached from ctx: a task failing because of shutdown must
// still block its target.
func (s *Sequencer) block(t *Task, reason string) {
	err := s.registry.Block(context.Background(), t.Target, reason)
	var already *blocking.TargetAlreadyBlockedError
	switch {
	case errors.As(err, &already):
	case err != nil:
		t.logger.WithError(err).Error("Cannot block target.")
	default:
		t.logger.Warn("Target blocked.")
		s.refreshBlocked(context.Background())
	}
}

// recheck queues t again after the recheck delay.
func (s *Sequencer) recheck(ctx context.Context, t *Task) {
	timer := time.NewTimer(s.recheckDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.queue.PushOrdered(t)
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.known, t.Dir)
		s.finished()
	}
}

// release frees the target of t and hands its next deferred task to the
// workers.
func (s *Sequencer) release(t *Task, update func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	update()
	delete(s.inFlight, t.Target)
	if next := s.pending[t.Target]; len(next) > 0 {
		if len(next) == 1 {
			delete(s.pending, t.Target)
		} else {
			s.pending[t.Target] = next[1:]
		}
		s.queue.PushFront(next[0])
	}
	s.finished()
}

// finished accounts for a task that left the sequencer. s.mu must be held.
func (s *Sequencer) finished() {
	s.active--
	if s.active == 0 {
		for _, ch := range s.waiters {
			close(ch)
		}
		s.waiters = nil
	}
}

func (s *Sequencer) refreshBlocked(ctx context.Context) {
	entries, err := s.registry.List(ctx)
	if err != nil {
		s.logger.WithError(err).Debug("Cannot list blocked targets.")
		return
	}
	s.metrics.BlockedTargets.Set(float64(len(entries)))
}

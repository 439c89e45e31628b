// Package scheduler runs the per-device sync tasks on an interval and on
// demand. Runs are coalesced per (device, task): a run requested while
// another is in flight is dropped, not queued. With a shared cache.KV the
// guard also holds across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/madflojo/tasks"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/stbgate/internal/cache"
	"github.com/voyagen/stbgate/internal/store"
)

// ErrUnknownTask is returned for a task name with no registered Runner.
var ErrUnknownTask = errors.New("unknown task")

// Runner performs one task run for one device.
type Runner func(ctx context.Context, deviceUID uuid.UUID) error

// DefaultLockTTL bounds how long a crashed process can block a (device, task) pair.
const DefaultLockTTL = 30 * time.Minute

// triggerDelay is the smallest interval the task library accepts for one-shot runs.
const triggerDelay = time.Millisecond

// Scheduler wraps a tasks.Scheduler with per-device job naming and coalescing.
type Scheduler struct {
	tasks   *tasks.Scheduler
	kv      cache.KV
	lockTTL time.Duration
	log     *logrus.Entry

	mu      sync.RWMutex
	runners map[string]Runner
	running sync.Map // jobID -> struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	stopped bool
}

// New creates a scheduler. kv may be nil, in which case coalescing is
// process-local only. lockTTL <= 0 uses DefaultLockTTL.
func New(kv cache.KV, lockTTL time.Duration, log *logrus.Entry) *Scheduler {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:   tasks.New(),
		kv:      kv,
		lockTTL: lockTTL,
		log:     log,
		runners: make(map[string]Runner),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handle registers the runner for a task name.
func (s *Scheduler) Handle(task string, run Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[task] = run
}

// JobID names a device's interval job for a task.
func JobID(deviceUID uuid.UUID, task string) string {
	return deviceUID.String() + ":" + task
}

// Register schedules task for the device every interval and triggers a
// first run immediately. Registering the same pair again replaces the job.
func (s *Scheduler) Register(deviceUID uuid.UUID, task string, interval time.Duration) error {
	if _, ok := s.runner(task); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	if interval <= 0 {
		return fmt.Errorf("register %s: interval must be positive", JobID(deviceUID, task))
	}
	id := JobID(deviceUID, task)
	s.tasks.Del(id)
	err := s.tasks.AddWithID(id, &tasks.Task{
		Interval: interval,
		TaskFunc: func() error {
			return s.fire(deviceUID, task)
		},
		ErrFunc: func(err error) {
			s.log.WithFields(logrus.Fields{"device_uid": deviceUID, "task": task}).WithError(err).Error("scheduled run failed")
		},
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	s.log.WithFields(logrus.Fields{"device_uid": deviceUID, "task": task, "interval": interval.String()}).Info("task registered")
	return s.Trigger(deviceUID, task)
}

// Unregister removes every interval job of the device.
func (s *Scheduler) Unregister(deviceUID uuid.UUID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for task := range s.runners {
		s.tasks.Del(JobID(deviceUID, task))
	}
}

// Registered reports whether the device has an interval job for task.
func (s *Scheduler) Registered(deviceUID uuid.UUID, task string) bool {
	_, err := s.tasks.Lookup(JobID(deviceUID, task))
	return err == nil
}

// Trigger requests an immediate background run. It returns without waiting;
// the run is dropped if one is already in flight.
func (s *Scheduler) Trigger(deviceUID uuid.UUID, task string) error {
	if _, ok := s.runner(task); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("trigger %s: scheduler stopped", JobID(deviceUID, task))
	}
	_, err := s.tasks.Add(&tasks.Task{
		Interval: triggerDelay,
		RunOnce:  true,
		TaskFunc: func() error {
			return s.fire(deviceUID, task)
		},
		ErrFunc: func(err error) {
			s.log.WithFields(logrus.Fields{"device_uid": deviceUID, "task": task}).WithError(err).Error("triggered run failed")
		},
	})
	if err != nil {
		return fmt.Errorf("trigger %s: %w", JobID(deviceUID, task), err)
	}
	return nil
}

// RunNow runs the task in the calling goroutine unless a run for the same
// (device, task) is in flight, in which case it returns false immediately.
// A store.ErrDeviceGone from the runner ends the run cleanly.
func (s *Scheduler) RunNow(ctx context.Context, deviceUID uuid.UUID, task string) (bool, error) {
	run, ok := s.runner(task)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	id := JobID(deviceUID, task)
	log := s.log.WithFields(logrus.Fields{"device_uid": deviceUID, "task": task})

	if _, busy := s.running.LoadOrStore(id, struct{}{}); busy {
		log.Debug("run already in flight, skipping")
		return false, nil
	}
	defer s.running.Delete(id)

	if s.kv != nil {
		unlock, err := cache.TryLock(ctx, s.kv, cache.SyncLockKey(deviceUID.String(), task), s.lockTTL)
		switch {
		case errors.Is(err, cache.ErrLocked):
			log.Debug("run in flight elsewhere, skipping")
			return false, nil
		case err != nil:
			log.WithError(err).Warn("sync lock unavailable, running unguarded")
		default:
			defer unlock()
		}
	}

	err := run(ctx, deviceUID)
	if errors.Is(err, store.ErrDeviceGone) {
		log.WithError(err).Warn("device removed during run, aborted")
		return true, nil
	}
	return true, err
}

// Stop cancels in-flight runs, stops the timers and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.stopMu.Lock()
	s.stopped = true
	s.stopMu.Unlock()

	s.cancel()
	s.tasks.Stop()
	s.wg.Wait()
}

// fire is the body of every timer callback.
func (s *Scheduler) fire(deviceUID uuid.UUID, task string) error {
	s.stopMu.Lock()
	if s.stopped {
		s.stopMu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.stopMu.Unlock()
	defer s.wg.Done()

	_, err := s.RunNow(s.ctx, deviceUID, task)
	return err
}

func (s *Scheduler) runner(task string) (Runner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[task]
	return r, ok
}

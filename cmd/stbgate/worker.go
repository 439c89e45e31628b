package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/stbgate/internal/cache"
	"github.com/voyagen/stbgate/internal/portal"
	"github.com/voyagen/stbgate/internal/scheduler"
	"github.com/voyagen/stbgate/internal/store"
)

// queueTrigger hands on-demand runs to whichever instance is consuming the queue.
type queueTrigger struct {
	rds *cache.Redis
}

func (q queueTrigger) Trigger(uid uuid.UUID, task string) error {
	return cache.EnqueueSync(context.Background(), q.rds, cache.DefaultQueue, cache.SyncRequest{
		DeviceUID:   uid.String(),
		Task:        task,
		RequestedAt: time.Now().UTC(),
	})
}

// runSyncWorker continuously dequeues sync requests from Redis and hands
// them to the scheduler. It stops when ctx is cancelled (graceful shutdown).
func runSyncWorker(ctx context.Context, rds *cache.Redis, sched *scheduler.Scheduler, log *logrus.Entry) {
	log.Info("sync worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("sync worker stopping")
			return
		default:
		}

		req, err := cache.DequeueSync(ctx, rds, cache.DefaultQueue, 5*time.Second)
		if err != nil {
			log.WithError(err).Warn("dequeue failed")
			time.Sleep(2 * time.Second)
			continue
		}
		if req == nil {
			continue // timeout, loop back to check ctx
		}

		uid, err := uuid.Parse(req.DeviceUID)
		if err != nil {
			log.WithField("device_uid", req.DeviceUID).Warn("dropping sync request with invalid device")
			continue
		}
		log.WithFields(logrus.Fields{"device_uid": uid, "task": req.Task, "queued_for": time.Since(req.RequestedAt).String()}).
			Info("sync requested")
		if err := sched.Trigger(uid, req.Task); err != nil {
			log.WithError(err).Warn("trigger failed")
		}
	}
}

// deviceWatcher keeps one set of interval jobs per stored device profile.
type deviceWatcher struct {
	store     store.Store
	sched     *scheduler.Scheduler
	registry  *portal.Registry
	intervals map[string]time.Duration
	log       *logrus.Entry

	known map[uuid.UUID]bool
}

func (d *deviceWatcher) scan(ctx context.Context) error {
	devices, err := d.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	if d.known == nil {
		d.known = make(map[uuid.UUID]bool)
	}

	seen := make(map[uuid.UUID]bool, len(devices))
	for _, dev := range devices {
		seen[dev.UID] = true
		if d.known[dev.UID] {
			d.registry.Revalidate(dev)
			continue
		}
		for task, interval := range d.intervals {
			if err := d.sched.Register(dev.UID, task, interval); err != nil {
				return fmt.Errorf("device %s: %w", dev.UID, err)
			}
		}
		d.known[dev.UID] = true
	}
	for uid := range d.known {
		if !seen[uid] {
			d.sched.Unregister(uid)
			d.registry.Forget(uid)
			delete(d.known, uid)
			d.log.WithField("device_uid", uid).Info("device removed, jobs unregistered")
		}
	}
	return nil
}

func (d *deviceWatcher) watch(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.scan(ctx); err != nil {
				d.log.WithError(err).Warn("device scan failed")
			}
		}
	}
}

// Package service holds the background sync tasks that reconcile the
// portal catalog and programme guide into storage.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/stbgate/internal/metrics"
	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/store"
)

// Portal is the subset of the portal client the sync tasks need.
type Portal interface {
	Device() models.DeviceProfile
	FetchGenres(ctx context.Context) (json.RawMessage, error)
	FetchChannels(ctx context.Context) (json.RawMessage, error)
	ShortEPGURL(channelID int64) string
	GetBatch(ctx context.Context, urls []string) []json.RawMessage
}

// Options tune the sync tasks.
type Options struct {
	GuideBatchSize     int
	GuideBatchMaxDelay time.Duration
	GuideRoundTimes    bool
}

// Syncer runs catalog and guide syncs against a store.
type Syncer struct {
	store store.Store
	opts  Options
	log   *logrus.Entry

	// overridable in tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
	now    func() time.Time
}

// NewSyncer returns a Syncer writing to s.
func NewSyncer(s store.Store, opts Options, log *logrus.Entry) *Syncer {
	if opts.GuideBatchSize <= 0 {
		opts.GuideBatchSize = 3
	}
	return &Syncer{
		store:  s,
		opts:   opts,
		log:    log.WithField("component", "sync"),
		sleep:  sleepCtx,
		jitter: randomDelay,
		now:    time.Now,
	}
}

// finish completes the task log on success and records run metrics.
func (s *Syncer) finish(ctx context.Context, task string, logUID uuid.UUID, started time.Time, err error) error {
	if err == nil && logUID != uuid.Nil {
		err = s.store.CompleteTaskLog(ctx, logUID)
	}
	metrics.SyncDuration.WithLabelValues(task).Observe(s.now().Sub(started).Seconds())
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDeviceGone):
		result = "aborted"
	default:
		result = "failed"
	}
	metrics.SyncRuns.WithLabelValues(task, result).Inc()
	return err
}

func (s *Syncer) reportRejections(log *logrus.Entry, task string, rejections []Rejection) {
	if len(rejections) == 0 {
		return
	}
	byKind := make(map[string]int)
	for _, r := range rejections {
		byKind[r.Kind]++
		metrics.SyncRejections.WithLabelValues(task, r.Kind).Inc()
		log.WithField("kind", r.Kind).Debug(r.Reason)
	}
	fields := logrus.Fields{"rejected": len(rejections)}
	for k, n := range byKind {
		fields["rejected_"+k] = n
	}
	log.WithFields(fields).Warn("portal entries dropped")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomDelay(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit + 1)
}

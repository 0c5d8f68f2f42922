package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"

	"github.com/noah-isme/aegis-gateway/internal/models"
	"github.com/noah-isme/aegis-gateway/pkg/jobs"
)

const reconcilerLockKey = "lock:request-reconciler"

type stuckRequestResumer interface {
	ListStuck(ctx context.Context, staleAfter time.Duration, limit int) ([]models.ProvisioningRequest, error)
	ResumeApply(ctx context.Context, id string) (*models.ProvisioningRequest, bool, error)
}

type leaderLocker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// ReconcilerSettings tunes the sweep over approved requests that never finished applying.
type ReconcilerSettings struct {
	Interval   time.Duration
	StaleAfter time.Duration
	LockTTL    time.Duration
	Workers    int
	Retries    int
	BatchSize  int
}

// Reconciler periodically re-applies approved requests whose apply lease expired.
// With a locker only the instance holding the lock sweeps.
type Reconciler struct {
	requests stuckRequestResumer
	locker   leaderLocker
	metrics  *MetricsService
	logger   *zap.Logger
	settings ReconcilerSettings
	queue    *jobs.Queue

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler constructs a reconciler. locker may be nil on single-instance deployments.
func NewReconciler(requests stuckRequestResumer, locker leaderLocker, metrics *MetricsService, settings ReconcilerSettings, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Interval <= 0 {
		settings.Interval = time.Minute
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = settings.Interval
	}
	if settings.Workers <= 0 {
		settings.Workers = 2
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = 50
	}
	r := &Reconciler{
		requests: requests,
		locker:   locker,
		metrics:  metrics,
		logger:   logger,
		settings: settings,
	}
	r.queue = jobs.NewQueue("request-reconciler", r.handle, jobs.QueueConfig{
		Workers:    settings.Workers,
		BufferSize: settings.BatchSize,
		MaxRetries: settings.Retries,
		Logger:     logger,
	})
	return r
}

// Start launches the workers and the sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.queue.Start(loopCtx)
	go r.loop(loopCtx)
	r.logger.Info("request reconciler started", zap.Duration("interval", r.settings.Interval))
}

// Stop ends the sweep loop and drains the workers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.queue.Stop()
	r.logger.Info("request reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.settings.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn("reconcile sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep enqueues every stuck request and returns how many were queued. An instance
// that cannot obtain the leader lock queues nothing.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	if r.locker != nil {
		lock, err := r.locker.Obtain(ctx, reconcilerLockKey, r.settings.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			r.metrics.RecordReconcile("not_leader")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer func() {
			if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
				r.logger.Warn("failed to release reconciler lock", zap.Error(releaseErr))
			}
		}()
	}

	stuck, err := r.requests.ListStuck(ctx, r.settings.StaleAfter, r.settings.BatchSize)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, req := range stuck {
		err := r.queue.TryEnqueue(jobs.Job{ID: req.ID, Type: "resume_apply"})
		switch {
		case err == nil:
			queued++
		case errors.Is(err, jobs.ErrDuplicate):
			r.metrics.RecordReconcile("in_flight")
		case errors.Is(err, jobs.ErrQueueFull):
			r.metrics.RecordReconcile("queue_full")
			r.logger.Warn("reconciler queue full", zap.Int("queued", queued), zap.Int("stuck", len(stuck)))
			return queued, nil
		default:
			return queued, err
		}
	}
	if queued > 0 {
		r.logger.Info("stuck requests queued for apply", zap.Int("count", queued))
	}
	return queued, nil
}

func (r *Reconciler) handle(ctx context.Context, job jobs.Job) error {
	req, claimed, err := r.requests.ResumeApply(ctx, job.ID)
	switch {
	case err != nil && req == nil:
		r.metrics.RecordReconcile("error")
		return err
	case !claimed:
		r.metrics.RecordReconcile("skipped")
	case err != nil:
		r.metrics.RecordReconcile("failed")
		r.logger.Warn("resumed request failed to apply", zap.String("request_id", job.ID), zap.Error(err))
	default:
		r.metrics.RecordReconcile("applied")
	}
	return nil
}

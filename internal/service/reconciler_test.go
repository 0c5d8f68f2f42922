package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

type resumerStub struct {
	mu      sync.Mutex
	stuck   []models.ProvisioningRequest
	listed  int
	resumed []string
	err     error
}

func (r *resumerStub) ListStuck(ctx context.Context, staleAfter time.Duration, limit int) ([]models.ProvisioningRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listed++
	return r.stuck, nil
}

func (r *resumerStub) ResumeApply(ctx context.Context, id string) (*models.ProvisioningRequest, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, id)
	if r.err != nil {
		return &models.ProvisioningRequest{ID: id, Status: models.RequestStatusFailed}, true, r.err
	}
	return &models.ProvisioningRequest{ID: id, Status: models.RequestStatusCompleted}, true, nil
}

func (r *resumerStub) resumedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resumed...)
}

type lockerStub struct {
	err   error
	calls int
}

func (l *lockerStub) Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error) {
	l.calls++
	return nil, l.err
}

func TestReconcilerSweepQueuesStuckRequests(t *testing.T) {
	resumer := &resumerStub{stuck: []models.ProvisioningRequest{{ID: "req-1"}, {ID: "req-2"}}}
	reconciler := NewReconciler(resumer, nil, NewMetricsService(), ReconcilerSettings{Interval: time.Hour, Workers: 2}, nil)
	reconciler.Start(context.Background())
	defer reconciler.Stop()

	queued, err := reconciler.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, queued)

	require.Eventually(t, func() bool {
		return len(resumer.resumedIDs()) == 2
	}, time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"req-1", "req-2"}, resumer.resumedIDs())
}

func TestReconcilerApplyFailureIsNotRetried(t *testing.T) {
	resumer := &resumerStub{stuck: []models.ProvisioningRequest{{ID: "req-1"}}, err: errors.New("identity store down")}
	reconciler := NewReconciler(resumer, nil, nil, ReconcilerSettings{Interval: time.Hour, Retries: 3}, nil)
	reconciler.Start(context.Background())
	defer reconciler.Stop()

	_, err := reconciler.Sweep(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return reconciler.queue.InFlight() == 0 && len(resumer.resumedIDs()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestReconcilerSkipsWithoutLeaderLock(t *testing.T) {
	resumer := &resumerStub{stuck: []models.ProvisioningRequest{{ID: "req-1"}}}
	locker := &lockerStub{err: redislock.ErrNotObtained}
	reconciler := NewReconciler(resumer, locker, nil, ReconcilerSettings{Interval: time.Hour}, nil)
	reconciler.Start(context.Background())
	defer reconciler.Stop()

	queued, err := reconciler.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, queued)
	require.Equal(t, 1, locker.calls)
	require.Equal(t, 0, resumer.listed)
}

func TestReconcilerSweepRequiresStart(t *testing.T) {
	resumer := &resumerStub{stuck: []models.ProvisioningRequest{{ID: "req-1"}}}
	reconciler := NewReconciler(resumer, nil, nil, ReconcilerSettings{}, nil)

	_, err := reconciler.Sweep(context.Background())
	require.Error(t, err)
}

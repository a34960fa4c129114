// Package dispatch delivers billing status changes to the tenant-facing
// side of the platform (service-access toggling, notifications). Delivery is
// best-effort and decoupled from the reconciliation transaction: a committed
// transition is never rolled back because a notification failed, and
// handlers must tolerate duplicate deliveries for the same transition.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// QueueKey is the Redis list carrying pending status-change jobs.
	QueueKey = "billing:dispatch:status_changes"

	popTimeout     = 5 * time.Second
	handlerTimeout = 30 * time.Second
)

// Job is one committed status change awaiting side-effect delivery.
type Job struct {
	ID         string    `json:"id"`
	TenantID   uint      `json:"tenant_id"`
	OldStatus  string    `json:"old_status"`
	NewStatus  string    `json:"new_status"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// StatusChangeHandler applies the side effect for one job. It must be
// idempotent per (tenant, old, new) transition.
type StatusChangeHandler func(ctx context.Context, job Job) error

// Queue is a Redis-list backed dispatcher with a small worker pool. It
// implements reconcile.Dispatcher on the enqueue side.
type Queue struct {
	client  *redis.Client
	handler StatusChangeHandler
	workers int
	log     zerolog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewQueue creates a dispatcher queue. workers defaults to 2.
func NewQueue(client *redis.Client, handler StatusChangeHandler, workers int, log zerolog.Logger) *Queue {
	if workers <= 0 {
		workers = 2
	}
	return &Queue{
		client:  client,
		handler: handler,
		workers: workers,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// BillingStatusChanged enqueues one notification job. Errors are returned so
// the engine can log them, but the engine treats enqueue as fire-and-forget.
func (q *Queue) BillingStatusChanged(ctx context.Context, tenantID uint, oldStatus, newStatus string) error {
	job := Job{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, QueueKey, data).Err()
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true

	q.log.Info().Int("workers", q.workers).Msg("dispatch queue starting")
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop drains the workers. In-flight handlers finish their current job.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	q.log.Info().Msg("dispatch queue stopped")
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		res, err := q.client.BRPop(ctx, popTimeout, QueueKey).Result()
		if err != nil {
			if err != redis.Nil {
				q.log.Error().Err(err).Int("worker", id).Msg("dispatch pop failed")
				time.Sleep(time.Second)
			}
			continue
		}
		// BRPop returns [key, value].
		if len(res) < 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.log.Error().Err(err).Int("worker", id).Msg("dispatch job unmarshal failed, dropping")
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
		if err := q.handler(jobCtx, job); err != nil {
			q.log.Error().Err(err).
				Str("job_id", job.ID).
				Uint("tenant_id", job.TenantID).
				Str("new_status", job.NewStatus).
				Msg("status change handler failed")
		} else {
			q.log.Info().
				Str("job_id", job.ID).
				Uint("tenant_id", job.TenantID).
				Str("old_status", job.OldStatus).
				Str("new_status", job.NewStatus).
				Msg("status change dispatched")
		}
		cancel()
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/CrewDesk/internal/pkg/env"
)

const isolatedDispatchTestRedisDB = 13

func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 4, 4},
		{"Zero workers", 0, 2},
		{"Negative workers", -1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, nil, tt.workers, zerolog.Nop())

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
		})
	}
}

func TestJob_JSONShape(t *testing.T) {
	job := Job{
		ID:         "a4c135de-0000-0000-0000-000000000000",
		TenantID:   42,
		OldStatus:  "trial_active",
		NewStatus:  "active",
		EnqueuedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	// Redis payloads are consumed by workers from older deployments too, so
	// the field names are part of the contract.
	assert.Contains(t, string(data), `"tenant_id":42`)
	assert.Contains(t, string(data), `"old_status":"trial_active"`)
	assert.Contains(t, string(data), `"new_status":"active"`)

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, job, decoded)
}

// resolveTestRedis returns a client against an isolated Redis DB, skipping
// the test when no endpoint is reachable.
func resolveTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	hosts := []string{
		env.GetEnv("CACHE_HOST", ""),
		"localhost",
		"127.0.0.1",
	}
	port := env.GetEnv("CACHE_PORT", "6379")

	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}
		client := redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%s", host, port),
			DB:   isolatedDispatchTestRedisDB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			return client
		}
		lastErr = err
		_ = client.Close()
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return nil
}

func TestQueue_EnqueueAndDispatch(t *testing.T) {
	client := resolveTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Del(ctx, QueueKey).Err())

	var (
		mu       sync.Mutex
		received []Job
	)
	handler := func(_ context.Context, job Job) error {
		mu.Lock()
		received = append(received, job)
		mu.Unlock()
		return nil
	}

	queue := NewQueue(client, handler, 2, zerolog.Nop())
	queue.Start()
	defer queue.Stop()

	require.NoError(t, queue.BillingStatusChanged(ctx, 42, "trial_active", "active"))
	require.NoError(t, queue.BillingStatusChanged(ctx, 7, "active", "past_due"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	tenants := map[uint]string{}
	for _, job := range received {
		assert.NotEmpty(t, job.ID)
		tenants[job.TenantID] = job.NewStatus
	}
	assert.Equal(t, "active", tenants[42])
	assert.Equal(t, "past_due", tenants[7])
}

func TestQueue_StopBeforeStartIsNoop(t *testing.T) {
	queue := NewQueue(nil, nil, 1, zerolog.Nop())

	// Stop before Start must not close a never-opened stop channel.
	queue.Stop()
	queue.Stop()
	assert.False(t, queue.running)
}

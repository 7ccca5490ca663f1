// Package storagetest holds the behaviour tests every storage.Store implementation must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/storage"
)

// Run executes the shared store tests against stores built by newStore
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("create and get", func(t *testing.T) {
		testCreateAndGet(t, newStore(t))
	})
	t.Run("get unknown job", func(t *testing.T) {
		_, err := newStore(t).Get(context.Background(), "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
	t.Run("transition lifecycle", func(t *testing.T) {
		testTransitionLifecycle(t, newStore(t))
	})
	t.Run("transition conflicts", func(t *testing.T) {
		testTransitionConflicts(t, newStore(t))
	})
	t.Run("transition checks the expected attempt", func(t *testing.T) {
		testTransitionExpectAttempt(t, newStore(t))
	})
	t.Run("concurrent claim has one winner", func(t *testing.T) {
		testConcurrentClaim(t, newStore(t))
	})
	t.Run("heartbeat", func(t *testing.T) {
		testHeartbeat(t, newStore(t))
	})
	t.Run("list stale", func(t *testing.T) {
		testListStale(t, newStore(t))
	})
	t.Run("list pages", func(t *testing.T) {
		testListPages(t, newStore(t))
	})
}

func testCreateAndGet(t *testing.T, store storage.Store) {
	ctx := context.Background()
	payload := json.RawMessage(`{"data":"hello"}`)

	created, err := store.Create(ctx, domain.JobTypeData, payload)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, domain.StatePending, created.State)
	assert.Equal(t, 0, created.Attempt)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, domain.JobTypeData, got.JobType)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Equal(t, domain.StatePending, got.State)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.Error)

	other, err := store.Create(ctx, domain.JobTypeData, payload)
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)
}

func testTransitionLifecycle(t *testing.T, store storage.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
	require.NoError(t, err)

	running, err := store.Transition(ctx, job.ID, domain.StatePending, domain.StateRunning, domain.Change{
		IncrementAttempt: true,
		WorkerID:         "worker-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, running.State)
	assert.Equal(t, 1, running.Attempt)
	assert.Equal(t, "worker-1", running.WorkerID)
	assert.NotNil(t, running.HeartbeatAt)

	retrying, err := store.Transition(ctx, job.ID, domain.StateRunning, domain.StateRetrying, domain.Change{Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRetrying, retrying.State)
	assert.Equal(t, "boom", retrying.Error)
	assert.Equal(t, 1, retrying.Attempt)

	pending, err := store.Transition(ctx, job.ID, domain.StateRetrying, domain.StatePending, domain.Change{})
	require.NoError(t, err)
	assert.Empty(t, pending.Error)

	_, err = store.Transition(ctx, job.ID, domain.StatePending, domain.StateRunning, domain.Change{IncrementAttempt: true, WorkerID: "worker-2"})
	require.NoError(t, err)

	done, err := store.Transition(ctx, job.ID, domain.StateRunning, domain.StateSucceeded, domain.Change{
		Result: json.RawMessage(`"Processed data: X"`),
		Error:  "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, done.State)
	assert.Equal(t, 2, done.Attempt)
	assert.Equal(t, "worker-2", done.WorkerID)
	assert.JSONEq(t, `"Processed data: X"`, string(done.Result))
	assert.Empty(t, done.Error)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.State, got.State)
	assert.JSONEq(t, string(done.Result), string(got.Result))
}

func testTransitionConflicts(t *testing.T, store storage.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      string
		from    domain.State
		to      domain.State
		wantErr error
	}{
		{
			name:    "edge outside the state machine",
			id:      job.ID,
			from:    domain.StatePending,
			to:      domain.StateSucceeded,
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name:    "terminal state has no exit",
			id:      job.ID,
			from:    domain.StateFailed,
			to:      domain.StatePending,
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name:    "record is not in the expected state",
			id:      job.ID,
			from:    domain.StateRunning,
			to:      domain.StateSucceeded,
			wantErr: domain.ErrStateConflict,
		},
		{
			name:    "unknown record",
			id:      "00000000-0000-0000-0000-000000000000",
			from:    domain.StatePending,
			to:      domain.StateRunning,
			wantErr: domain.ErrJobNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Transition(ctx, tt.id, tt.from, tt.to, domain.Change{})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, 0, got.Attempt)
}

func testTransitionExpectAttempt(t *testing.T, store storage.Store) {
	ctx := context.Background()

	job, err := store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
	require.NoError(t, err)
	first, err := store.Transition(ctx, job.ID, domain.StatePending, domain.StateRunning, domain.Change{IncrementAttempt: true})
	require.NoError(t, err)
	_, err = store.Transition(ctx, job.ID, domain.StateRunning, domain.StateRetrying, domain.Change{ExpectAttempt: first.Attempt, Error: "worker lost"})
	require.NoError(t, err)
	_, err = store.Transition(ctx, job.ID, domain.StateRetrying, domain.StatePending, domain.Change{})
	require.NoError(t, err)
	second, err := store.Transition(ctx, job.ID, domain.StatePending, domain.StateRunning, domain.Change{IncrementAttempt: true})
	require.NoError(t, err)
	require.Equal(t, 2, second.Attempt)

	_, err = store.Transition(ctx, job.ID, domain.StateRunning, domain.StateSucceeded, domain.Change{
		ExpectAttempt: first.Attempt,
		Result:        json.RawMessage(`"stale"`),
	})
	require.ErrorIs(t, err, domain.ErrStateConflict)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, got.State)
	assert.Nil(t, got.Result)

	done, err := store.Transition(ctx, job.ID, domain.StateRunning, domain.StateSucceeded, domain.Change{
		ExpectAttempt: second.Attempt,
		Result:        json.RawMessage(`"fresh"`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(done.Result))
}

func testConcurrentClaim(t *testing.T, store storage.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
	require.NoError(t, err)

	const claimers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, job.ID, domain.StatePending, domain.StateRunning, domain.Change{IncrementAttempt: true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, domain.ErrStateConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, claimers-1, conflicts)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempt)
}

func testHeartbeat(t *testing.T, store storage.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
	require.NoError(t, err)

	err = store.Heartbeat(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	running, err := store.Transition(ctx, job.ID, domain.StatePending, domain.StateRunning, domain.Change{IncrementAttempt: true})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Heartbeat(ctx, job.ID))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(running.UpdatedAt))
	require.NotNil(t, got.HeartbeatAt)

	err = store.Heartbeat(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func testListStale(t *testing.T, store storage.Store) {
	ctx := context.Background()

	var running []string
	for i := 0; i < 3; i++ {
		job, err := store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
		require.NoError(t, err)
		_, err = store.Transition(ctx, job.ID, domain.StatePending, domain.StateRunning, domain.Change{IncrementAttempt: true})
		require.NoError(t, err)
		running = append(running, job.ID)
	}
	_, err := store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
	require.NoError(t, err)

	stale, err := store.ListStale(ctx, domain.StateRunning, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 3)
	for _, job := range stale {
		assert.Contains(t, running, job.ID)
		assert.Equal(t, domain.StateRunning, job.State)
	}

	limited, err := store.ListStale(ctx, domain.StateRunning, time.Now().Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := store.ListStale(ctx, domain.StateRunning, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListPages(t *testing.T, store storage.Store) {
	ctx := context.Background()

	created := make(map[string]bool)
	for i := 0; i < 5; i++ {
		job, err := store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
		require.NoError(t, err)
		created[job.ID] = true
		time.Sleep(2 * time.Millisecond)
	}
	image, err := store.Create(ctx, domain.JobTypeImage, json.RawMessage(`{"image_url":"https://example.com/a.png"}`))
	require.NoError(t, err)

	seen := make(map[string]bool)
	var cursor *storage.JobCursor
	pages := 0
	for {
		jobs, next, err := store.List(ctx, storage.JobFilter{JobType: domain.JobTypeData, PageSize: 2, Cursor: cursor})
		require.NoError(t, err)
		pages++
		for i, job := range jobs {
			assert.Equal(t, domain.JobTypeData, job.JobType)
			assert.False(t, seen[job.ID], "job listed twice")
			seen[job.ID] = true
			if i > 0 {
				assert.False(t, job.CreatedAt.After(jobs[i-1].CreatedAt), "page not ordered newest first")
			}
		}
		if next == nil {
			break
		}
		cursor = next
		require.Less(t, pages, 10)
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, created, seen)

	pending, _, err := store.List(ctx, storage.JobFilter{State: domain.StatePending})
	require.NoError(t, err)
	assert.Len(t, pending, 6)
	assert.Equal(t, image.ID, pending[0].ID)

	running, next, err := store.List(ctx, storage.JobFilter{State: domain.StateRunning})
	require.NoError(t, err)
	assert.Empty(t, running)
	assert.Nil(t, next)
}

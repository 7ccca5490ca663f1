package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StatePending, StateRunning}:   true,
		{StateRunning, StateSucceeded}: true,
		{StateRunning, StateRetrying}:  true,
		{StateRunning, StateFailed}:    true,
		{StateRetrying, StatePending}:  true,
	}

	for _, from := range AllStates() {
		for _, to := range AllStates() {
			t.Run(fmt.Sprintf("%s to %s", from, to), func(t *testing.T) {
				assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to))
			})
		}
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range AllStates() {
		if s.Terminal() {
			for _, to := range AllStates() {
				assert.False(t, CanTransition(s, to), "terminal state %s must have no exit", s)
			}
		}
	}
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRetrying.Terminal())
}

func TestParseState(t *testing.T) {
	tests := []struct {
		input   string
		want    State
		wantErr bool
	}{
		{input: "PENDING", want: StatePending},
		{input: "RUNNING", want: StateRunning},
		{input: "SUCCEEDED", want: StateSucceeded},
		{input: "FAILED", want: StateFailed},
		{input: "RETRYING", want: StateRetrying},
		{input: "pending", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseState(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJob_Apply(t *testing.T) {
	now := time.Now().UTC()

	t.Run("claim increments attempt and records worker", func(t *testing.T) {
		job := &Job{State: StatePending}
		job.Apply(StateRunning, Change{IncrementAttempt: true, WorkerID: "w1"}, now)

		assert.Equal(t, StateRunning, job.State)
		assert.Equal(t, 1, job.Attempt)
		assert.Equal(t, "w1", job.WorkerID)
		require.NotNil(t, job.HeartbeatAt)
		assert.Equal(t, now, *job.HeartbeatAt)
	})

	t.Run("result only survives into succeeded", func(t *testing.T) {
		job := &Job{State: StateRunning, Attempt: 1}
		job.Apply(StateSucceeded, Change{Result: json.RawMessage(`"ok"`), Error: "stale"}, now)

		assert.Equal(t, json.RawMessage(`"ok"`), job.Result)
		assert.Empty(t, job.Error)
		assert.Equal(t, 1, job.Attempt)
	})

	t.Run("error only survives into failed or retrying", func(t *testing.T) {
		job := &Job{State: StateRunning, Result: json.RawMessage(`"old"`)}
		job.Apply(StateRetrying, Change{Error: "boom", Result: json.RawMessage(`"x"`)}, now)
		assert.Nil(t, job.Result)
		assert.Equal(t, "boom", job.Error)

		job.Apply(StatePending, Change{}, now)
		assert.Empty(t, job.Error)
	})
}

func TestJob_Status(t *testing.T) {
	tests := []struct {
		name       string
		job        *Job
		wantResult json.RawMessage
		wantError  string
	}{
		{
			name:       "succeeded exposes result",
			job:        &Job{ID: "a", State: StateSucceeded, Result: json.RawMessage(`"done"`)},
			wantResult: json.RawMessage(`"done"`),
		},
		{
			name:      "failed exposes error",
			job:       &Job{ID: "b", State: StateFailed, Error: "boom"},
			wantError: "boom",
		},
		{
			name:      "retrying exposes error",
			job:       &Job{ID: "c", State: StateRetrying, Error: "boom"},
			wantError: "boom",
		},
		{
			name: "running exposes nothing",
			job:  &Job{ID: "d", State: StateRunning, Result: json.RawMessage(`"x"`), Error: "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.job.Status()
			assert.Equal(t, tt.job.ID, st.ID)
			assert.Equal(t, tt.job.State, st.State)
			assert.Equal(t, tt.wantResult, st.Result)
			assert.Equal(t, tt.wantError, st.Error)
		})
	}
}

func TestErrors(t *testing.T) {
	cause := errors.New("connection refused")

	storageErr := NewStorageError("get", cause)
	assert.ErrorIs(t, storageErr, cause)
	assert.True(t, IsInfrastructure(storageErr))
	assert.True(t, IsInfrastructure(fmt.Errorf("wrapped: %w", NewQueueError("enqueue", cause))))

	handlerErr := NewHandlerError(JobTypeData, cause)
	assert.False(t, IsInfrastructure(handlerErr))
	assert.Equal(t, "handler data failed: connection refused", handlerErr.Error())

	var validationErr *ValidationError
	require.ErrorAs(t, NewValidationError("job_type", "is required", ErrUnknownJobType), &validationErr)
	assert.Equal(t, "job_type", validationErr.Field)
	assert.ErrorIs(t, validationErr, ErrUnknownJobType)
}

package domain

import (
	"encoding/json"
	"time"
)

// Job is the durable record of one submitted job
type Job struct {
	ID          string
	JobType     string
	Payload     json.RawMessage
	State       State
	Attempt     int
	Result      json.RawMessage // set only when State is SUCCEEDED
	Error       string          // set only when State is FAILED or RETRYING
	WorkerID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	HeartbeatAt *time.Time
}

// Clone returns a deep copy so callers never share a record with the store
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	if j.HeartbeatAt != nil {
		hb := *j.HeartbeatAt
		c.HeartbeatAt = &hb
	}
	return &c
}

// Apply writes the fields carried by a transition into the record.
// Result survives only into SUCCEEDED and Error only into FAILED or RETRYING.
func (j *Job) Apply(to State, change Change, now time.Time) {
	j.State = to
	j.UpdatedAt = now
	if change.IncrementAttempt {
		j.Attempt++
	}
	if change.WorkerID != "" {
		j.WorkerID = change.WorkerID
	}
	if to == StateRunning {
		hb := now
		j.HeartbeatAt = &hb
	}

	j.Result = nil
	if to == StateSucceeded {
		j.Result = cloneRaw(change.Result)
	}

	j.Error = ""
	if to == StateFailed || to == StateRetrying {
		j.Error = change.Error
	}
}

// Status projects the record onto the read-only view served to clients
func (j *Job) Status() *Status {
	st := &Status{
		ID:    j.ID,
		State: j.State,
	}
	if j.State == StateSucceeded {
		st.Result = cloneRaw(j.Result)
	}
	if j.State == StateFailed || j.State == StateRetrying {
		st.Error = j.Error
	}
	return st
}

// Change carries the fields written together with a state transition
type Change struct {
	// ExpectAttempt, when positive, makes the transition also require the record to be
	// on that attempt, so an execution that was given up on cannot overwrite a newer one
	ExpectAttempt    int
	IncrementAttempt bool
	Result           json.RawMessage
	Error            string
	WorkerID         string
}

// Status is the client-facing projection of a job record
type Status struct {
	ID     string
	State  State
	Result json.RawMessage
	Error  string
}

// JobMessage is the broker message body referencing a job record
type JobMessage struct {
	JobID string `json:"job_id"`
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

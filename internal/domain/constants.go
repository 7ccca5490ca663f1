package domain

// Job states
const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateRetrying  State = "RETRYING"
)

// Built-in job types
const (
	JobTypeData  = "data"
	JobTypeImage = "image"
)

// Acknowledgement modes for the worker pool
const (
	// AckModeLate acknowledges a delivery only after its outcome is recorded.
	AckModeLate = "late"
	// AckModeEarly acknowledges a delivery right after the job is claimed.
	AckModeEarly = "early"
)

// Retry delay strategies
const (
	RetryStrategyFixed       = "fixed"
	RetryStrategyExponential = "exponential"
)

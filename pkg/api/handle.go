package api

import "time"

type (
	// Handle is an opaque identifier for an execution started by an
	// executor. Handles are ephemeral and never persisted beyond the run's
	// exit code
	Handle string

	// HandleState is the coarse execution state reported by a status probe
	HandleState string

	// HandleStatus is the polled status of a started execution
	HandleStatus struct {
		State      HandleState `json:"state"`
		ExitCode   *int        `json:"exit_code,omitempty"`
		StartedAt  time.Time   `json:"started_at,omitzero"`
		FinishedAt time.Time   `json:"finished_at,omitzero"`
	}
)

const (
	HandleRunning HandleState = "running"
	HandleExited  HandleState = "exited"
	HandleUnknown HandleState = "unknown"
)

package api

import "time"

type (
	// MissionStage is the lifecycle stage of a mission, advanced along the
	// edges of the stage transition table
	MissionStage string

	// MissionStatus is the step-level status driving mission continuation
	MissionStatus string

	// Mission is one instance of a multi-step workflow being executed. It
	// is exclusively owned and mutated by the engine via merge-patches
	Mission struct {
		ID          MissionID     `json:"id"`
		Title       string        `json:"title"`
		WorkflowID  WorkflowID    `json:"workflow_id"`
		Stage       MissionStage  `json:"stage"`
		Status      MissionStatus `json:"status"`
		CurrentStep int           `json:"current_step"`
		CreatedAt   time.Time     `json:"created_at"`
		UpdatedAt   time.Time     `json:"updated_at"`
		LastError   string        `json:"last_error,omitempty"`

		// Bounded auto-iteration. RalphCurrentIteration is nil, not zero,
		// when ralph mode is off
		RalphMode             bool `json:"ralph_mode,omitempty"`
		RalphMaxIterations    int  `json:"ralph_max_iterations,omitempty"`
		RalphCurrentIteration *int `json:"ralph_current_iteration,omitempty"`
	}

	// MissionPatch is a partial-merge update for a mission. Nil fields are
	// left untouched by the store
	MissionPatch struct {
		Title                 *string        `json:"title,omitempty"`
		Stage                 *MissionStage  `json:"stage,omitempty"`
		Status                *MissionStatus `json:"status,omitempty"`
		CurrentStep           *int           `json:"current_step,omitempty"`
		LastError             *string        `json:"last_error,omitempty"`
		RalphCurrentIteration *int           `json:"ralph_current_iteration,omitempty"`
	}

	// Run is one execution attempt of a single agent step within a mission.
	// The run list is append-only and ordered by start time; at most one
	// run per mission may be unfinished
	Run struct {
		ID         RunID     `json:"id"`
		MissionID  MissionID `json:"mission_id"`
		StepID     StepID    `json:"step_id"`
		StartedAt  time.Time `json:"started_at"`
		FinishedAt time.Time `json:"finished_at,omitzero"`
		ExitCode   *int      `json:"exit_code,omitempty"`
		LogTail    string    `json:"log_tail,omitempty"`
	}

	// RunPatch is a partial-merge update for a run
	RunPatch struct {
		FinishedAt *time.Time `json:"finished_at,omitempty"`
		ExitCode   *int       `json:"exit_code,omitempty"`
		LogTail    *string    `json:"log_tail,omitempty"`
	}
)

const (
	StageDraft            MissionStage = "draft"
	StageGeneratingPRD    MissionStage = "generating_prd"
	StagePRDReview        MissionStage = "prd_review"
	StagePreparingTasks   MissionStage = "preparing_tasks"
	StageTasksReview      MissionStage = "tasks_review"
	StageInProgress       MissionStage = "in_progress"
	StageCompletedSuccess MissionStage = "completed_success"
	StageCompletedFailed  MissionStage = "completed_failed"
)

const (
	StatusReady            MissionStatus = "ready"
	StatusWaitingHuman     MissionStatus = "waiting_human"
	StatusRunningCodeAgent MissionStatus = "running_code_agent"
	StatusFailed           MissionStatus = "failed"
	StatusCompleted        MissionStatus = "completed"
)

// Finished returns whether the run has recorded its completion
func (r *Run) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// Ptr returns a pointer to v, for building patches
func Ptr[T any](v T) *T {
	return &v
}

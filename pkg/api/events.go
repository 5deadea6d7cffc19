package api

type (
	// EventType identifies the kind of a mission event
	EventType string

	// MissionEvent is the envelope published to live subscribers. RunID is
	// empty for mission-level events
	MissionEvent struct {
		Type      EventType `json:"type"`
		MissionID MissionID `json:"mission_id"`
		RunID     RunID     `json:"run_id,omitempty"`
		Data      any       `json:"data,omitempty"`
	}

	// StatusChangedEvent is emitted whenever a mission's status or step
	// index changes
	StatusChangedEvent struct {
		Status      MissionStatus `json:"status"`
		CurrentStep int           `json:"current_step"`
		LastError   string        `json:"last_error,omitempty"`
	}

	// StageChangedEvent is emitted on a lifecycle stage transition
	StageChangedEvent struct {
		From MissionStage `json:"from"`
		To   MissionStage `json:"to"`
	}

	// RunStartedEvent is emitted when an agent step run begins
	RunStartedEvent struct {
		StepID StepID `json:"step_id"`
		RunID  RunID  `json:"run_id"`
	}

	// RunFinishedEvent is emitted when an agent step run records its exit
	RunFinishedEvent struct {
		StepID   StepID `json:"step_id"`
		RunID    RunID  `json:"run_id"`
		ExitCode int    `json:"exit_code"`
	}

	// RunLogEvent carries a recent slice of a running step's output
	RunLogEvent struct {
		RunID RunID  `json:"run_id"`
		Tail  string `json:"tail"`
	}
)

const (
	EventTypeStatusChanged EventType = "mission.status_changed"
	EventTypeStageChanged  EventType = "mission.stage_changed"
	EventTypeRunStarted    EventType = "run.started"
	EventTypeRunFinished   EventType = "run.finished"
	EventTypeRunLog        EventType = "run.log"
)

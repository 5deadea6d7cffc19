package api

type (
	// CreateMissionRequest contains parameters for creating a mission
	CreateMissionRequest struct {
		Title              string     `json:"title"`
		WorkflowID         WorkflowID `json:"workflow_id"`
		RalphMode          bool       `json:"ralph_mode,omitempty"`
		RalphMaxIterations int        `json:"ralph_max_iterations,omitempty"`
	}

	// TransitionRequest asks for a lifecycle stage transition
	TransitionRequest struct {
		Stage MissionStage `json:"stage"`
	}

	// QuickCommandRequest runs a code-review quick command with a caller
	// supplied timeout in milliseconds
	QuickCommandRequest struct {
		Command   string `json:"command"`
		TimeoutMS int64  `json:"timeout_ms"`
	}

	// QuickCommandResponse reports the outcome of a quick command
	QuickCommandResponse struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exit_code"`
		TimedOut bool   `json:"timed_out"`
	}

	// SaveArtifactRequest stores an artifact body for a mission
	SaveArtifactRequest struct {
		Content string `json:"content"`
	}

	// ArtifactResponse returns an artifact body
	ArtifactResponse struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}

	// MissionsListResponse contains mission summaries
	MissionsListResponse struct {
		Missions []*Mission `json:"missions"`
		Count    int        `json:"count"`
	}

	// RunsListResponse contains a mission's runs ordered by start time
	RunsListResponse struct {
		Runs  []*Run `json:"runs"`
		Count int    `json:"count"`
	}

	// LogTailResponse returns the live tail of an in-flight run
	LogTailResponse struct {
		RunID RunID  `json:"run_id"`
		Tail  string `json:"tail"`
	}

	// HealthResponse provides service health information
	HealthResponse struct {
		Service          string `json:"service"`
		Version          string `json:"version"`
		SandboxAvailable bool   `json:"sandbox_available"`
	}

	// MessageResponse contains a simple message string
	MessageResponse struct {
		Message string `json:"message"`
	}

	// ErrorResponse contains error details for failed requests
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
)

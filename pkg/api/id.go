package api

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type (
	// MissionID is a unique identifier for a mission
	MissionID string

	// RunID is a unique identifier for a single run of an agent step
	RunID string

	// WorkflowID identifies a workflow definition
	WorkflowID string

	// StepID identifies a step within a workflow definition
	StepID string
)

// InvalidIDChars matches characters not permitted in mission and workflow
// IDs. Valid characters are: letters, digits, underscore, dot, hyphen, plus,
// space
var InvalidIDChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-+ ]`)

// RunIDPattern matches identifiers produced by NewRunID
var RunIDPattern = regexp.MustCompile(
	`^run-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`,
)

// NewMissionID generates a fresh mission identifier
func NewMissionID() MissionID {
	return MissionID("mission-" + uuid.New().String())
}

// NewRunID generates a fresh run identifier
func NewRunID() RunID {
	return RunID("run-" + uuid.New().String())
}

// SanitizeID lowercases an ID, removes invalid characters, replaces spaces
// with hyphens, and trims leading and trailing hyphens
func SanitizeID[T ~string](id T) T {
	lower := strings.ToLower(string(id))
	sanitized := InvalidIDChars.ReplaceAllString(lower, "")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	return T(strings.Trim(sanitized, "-"))
}

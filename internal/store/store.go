// Package store provides mission, run, artifact, and log persistence behind
// a narrow interface. Mission and run records are updated by partial merge:
// nil patch fields are left untouched
package store

import (
	"context"
	"errors"

	"github.com/kode4food/sortie/pkg/api"
)

type (
	// Store is the persistence interface consumed by the mission engine.
	// All operations are keyed by mission and run identifiers
	Store interface {
		CreateMission(context.Context, *api.Mission) error
		GetMeta(context.Context, api.MissionID) (*api.Mission, error)
		UpdateMeta(
			context.Context, api.MissionID, api.MissionPatch,
		) (*api.Mission, error)
		ListMissions(context.Context) ([]*api.Mission, error)

		CreateRun(context.Context, *api.Run) error
		LoadRuns(context.Context, api.MissionID) ([]*api.Run, error)
		UpdateRun(
			context.Context, api.MissionID, api.RunID, api.RunPatch,
		) (*api.Run, error)

		GetArtifact(
			context.Context, api.MissionID, string,
		) (string, error)
		SaveArtifact(context.Context, api.MissionID, string, string) error

		AppendLog(context.Context, api.MissionID, api.RunID, []byte) error
		GetLogTail(
			context.Context, api.MissionID, api.RunID, int,
		) (string, error)
	}
)

var (
	ErrMissionNotFound  = errors.New("mission not found")
	ErrMissionExists    = errors.New("mission exists")
	ErrRunNotFound      = errors.New("run not found")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// applyMissionPatch merges non-nil patch fields into a mission record
func applyMissionPatch(m *api.Mission, patch api.MissionPatch) {
	if patch.Title != nil {
		m.Title = *patch.Title
	}
	if patch.Stage != nil {
		m.Stage = *patch.Stage
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.CurrentStep != nil {
		m.CurrentStep = *patch.CurrentStep
	}
	if patch.LastError != nil {
		m.LastError = *patch.LastError
	}
	if patch.RalphCurrentIteration != nil {
		m.RalphCurrentIteration = patch.RalphCurrentIteration
	}
}

// applyRunPatch merges non-nil patch fields into a run record
func applyRunPatch(r *api.Run, patch api.RunPatch) {
	if patch.FinishedAt != nil {
		r.FinishedAt = *patch.FinishedAt
	}
	if patch.ExitCode != nil {
		r.ExitCode = patch.ExitCode
	}
	if patch.LogTail != nil {
		r.LogTail = *patch.LogTail
	}
}

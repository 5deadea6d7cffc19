package engine

import (
	"github.com/kode4food/sortie/internal/util"
	"github.com/kode4food/sortie/pkg/api"
)

// StateTransitions maps states to their set of valid next states
//
// A generic transition table validates mission stage changes before any
// write happens
type StateTransitions[T comparable] map[T]util.Set[T]

var stageTransitions = StateTransitions[api.MissionStage]{
	api.StageDraft: util.SetOf(
		api.StageGeneratingPRD,
	),
	api.StageGeneratingPRD: util.SetOf(
		api.StagePRDReview,
		api.StageDraft,
	),
	api.StagePRDReview: util.SetOf(
		api.StagePreparingTasks,
		api.StageDraft,
	),
	api.StagePreparingTasks: util.SetOf(
		api.StageTasksReview,
		api.StageDraft,
	),
	api.StageTasksReview: util.SetOf(
		api.StageInProgress,
		api.StageDraft,
	),
	api.StageInProgress: util.SetOf(
		api.StageCompletedSuccess,
		api.StageCompletedFailed,
		api.StageDraft,
	),
	api.StageCompletedSuccess: util.SetOf(
		api.StageDraft,
	),
	api.StageCompletedFailed: util.SetOf(
		api.StageDraft,
	),
}

// CanTransition returns whether transition from one state to another is valid
func (t StateTransitions[T]) CanTransition(from, to T) bool {
	allowed, ok := t[from]
	if !ok {
		return false
	}
	return allowed.Contains(to)
}

// IsTerminal returns true if the state has no valid transitions
func (t StateTransitions[T]) IsTerminal(state T) bool {
	allowed, ok := t[state]
	return ok && allowed.IsEmpty()
}

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/sortie/pkg/api"
)

var allStages = []api.MissionStage{
	api.StageDraft,
	api.StageGeneratingPRD,
	api.StagePRDReview,
	api.StagePreparingTasks,
	api.StageTasksReview,
	api.StageInProgress,
	api.StageCompletedSuccess,
	api.StageCompletedFailed,
}

func TestStageTransitionTable(t *testing.T) {
	allowed := map[api.MissionStage][]api.MissionStage{
		api.StageDraft: {api.StageGeneratingPRD},
		api.StageGeneratingPRD: {
			api.StagePRDReview, api.StageDraft,
		},
		api.StagePRDReview: {
			api.StagePreparingTasks, api.StageDraft,
		},
		api.StagePreparingTasks: {
			api.StageTasksReview, api.StageDraft,
		},
		api.StageTasksReview: {
			api.StageInProgress, api.StageDraft,
		},
		api.StageInProgress: {
			api.StageCompletedSuccess,
			api.StageCompletedFailed,
			api.StageDraft,
		},
		api.StageCompletedSuccess: {api.StageDraft},
		api.StageCompletedFailed:  {api.StageDraft},
	}

	for _, from := range allStages {
		for _, to := range allStages {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
					break
				}
			}
			assert.Equal(t, want,
				stageTransitions.CanTransition(from, to),
				"%s -> %s", from, to)
		}
	}
}

func TestNoStageIsTerminal(t *testing.T) {
	// every stage can at least rewind to draft
	for _, stage := range allStages {
		assert.False(t, stageTransitions.IsTerminal(stage), string(stage))
	}
}

func TestTransitionStageUpdatesMission(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	updated, err := e.TransitionStage(ctx, m.ID, api.StageGeneratingPRD)
	require.NoError(t, err)
	assert.Equal(t, api.StageGeneratingPRD, updated.Stage)
}

func TestInvalidTransitionLeavesStateUntouched(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.TransitionStage(ctx, m.ID, api.StageInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	fresh, err := e.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StageDraft, fresh.Stage)
}

func TestRewindToDraftResetsProgress(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.TransitionStage(ctx, m.ID, api.StageGeneratingPRD)
	require.NoError(t, err)
	_, err = e.store.UpdateMeta(ctx, m.ID, api.MissionPatch{
		Status:      api.Ptr(api.StatusFailed),
		CurrentStep: api.Ptr(4),
		LastError:   api.Ptr("boom"),
	})
	require.NoError(t, err)

	updated, err := e.TransitionStage(ctx, m.ID, api.StageDraft)
	require.NoError(t, err)
	assert.Equal(t, api.StageDraft, updated.Stage)
	assert.Equal(t, api.StatusReady, updated.Status)
	assert.Zero(t, updated.CurrentStep)
	assert.Empty(t, updated.LastError)
}

func TestTransitionStageNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.TransitionStage(
		context.Background(), "mission-none", api.StageGeneratingPRD)
	assert.Error(t, err)
}

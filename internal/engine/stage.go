package engine

import (
	"context"
	"fmt"

	"github.com/kode4food/sortie/pkg/api"
	"github.com/kode4food/sortie/pkg/log"
)

// TransitionStage moves the mission's lifecycle stage along the
// transition table. The check runs against freshly read state and an
// illegal transition leaves the record untouched
func (e *Engine) TransitionStage(
	ctx context.Context, id api.MissionID, to api.MissionStage,
) (*api.Mission, error) {
	m, err := e.store.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	if !stageTransitions.CanTransition(m.Stage, to) {
		return nil, fmt.Errorf("%w: %s -> %s",
			ErrInvalidTransition, m.Stage, to)
	}

	patch := api.MissionPatch{Stage: &to}
	if to == api.StageDraft {
		// returning to draft rewinds step progress
		patch.Status = api.Ptr(api.StatusReady)
		patch.CurrentStep = api.Ptr(0)
		patch.LastError = api.Ptr("")
	}
	updated, err := e.store.UpdateMeta(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	e.publishStage(id, m.Stage, to)
	e.logger.Info("mission stage changed",
		log.MissionID(id),
		log.Status(string(to)))
	return updated, nil
}

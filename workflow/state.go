package workflow

import (
	"errors"
	"fmt"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// StageStatus is the derived display status of one stage.
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageCurrent   StageStatus = "current"
	StagePending   StageStatus = "pending"
	StageSkipped   StageStatus = "skipped"
	StageRejected  StageStatus = "rejected"
)

func (s StageStatus) String() string {
	return string(s)
}

// StageView is a stage together with its derived status and decision.
type StageView struct {
	Stage    types.StageDefinition `json:"stage"`
	Index    int                   `json:"index"`
	Status   StageStatus           `json:"status"`
	Progress *types.StageProgress  `json:"progress,omitempty"`
}

// DeriveStageStatus computes the status of the stage at index from the
// instance's overall status, stage pointer and history. It never mutates inst.
func DeriveStageStatus(stage types.StageDefinition, index int, inst *types.ApprovalInstance) (StageStatus, error) {
	if inst == nil {
		return "", errors.New("instance cannot be nil")
	}
	progress, found := inst.Progress(stage.ID)

	switch inst.OverallStatus {
	case types.StatusRejected:
		if found && progress.Status == types.ProgressRejected {
			return StageRejected, nil
		}
		if index <= inst.CurrentStageIndex {
			return StageCompleted, nil
		}
		return StagePending, nil

	case types.StatusApproved, types.StatusConfirmed:
		return StageCompleted, nil

	case types.StatusPending:
		if found {
			switch progress.Status {
			case types.ProgressSkipped:
				return StageSkipped, nil
			case types.ProgressApproved:
				return StageCompleted, nil
			case types.ProgressRejected:
				return "", fmt.Errorf("%w: document %s: stage %q rejected but instance still pending",
					ErrDataIntegrity, inst.DocumentID, stage.ID)
			default:
				return "", fmt.Errorf("%w: document %s: stage %q has unknown decision %v",
					ErrDataIntegrity, inst.DocumentID, stage.ID, progress.Status)
			}
		}
		switch {
		case index == inst.CurrentStageIndex:
			return StageCurrent, nil
		case index < inst.CurrentStageIndex:
			return "", fmt.Errorf("%w: document %s: stage %q at index %d is below the current stage %d but has no decision",
				ErrDataIntegrity, inst.DocumentID, stage.ID, index, inst.CurrentStageIndex)
		default:
			return StagePending, nil
		}

	default:
		return "", fmt.Errorf("%w: document %s: unknown overall status %q",
			ErrDataIntegrity, inst.DocumentID, inst.OverallStatus)
	}
}

// DeriveStages returns the derived view of every required stage.
func DeriveStages(inst *types.ApprovalInstance) ([]StageView, error) {
	if inst == nil {
		return nil, errors.New("instance cannot be nil")
	}
	views := make([]StageView, 0, len(inst.RequiredStages))
	for i, stage := range inst.RequiredStages {
		status, err := DeriveStageStatus(stage, i, inst)
		if err != nil {
			return nil, err
		}
		view := StageView{Stage: stage, Index: i, Status: status}
		if p, ok := inst.Progress(stage.ID); ok {
			view.Progress = &p
		}
		views = append(views, view)
	}
	return views, nil
}

// DeriveOverallProgress counts the completed stages of inst.
func DeriveOverallProgress(inst *types.ApprovalInstance) (completed, total int, err error) {
	views, err := DeriveStages(inst)
	if err != nil {
		return 0, 0, err
	}
	for _, v := range views {
		if v.Status == StageCompleted {
			completed++
		}
	}
	return completed, len(views), nil
}

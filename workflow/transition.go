package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// Decision carries the input of an approve, reject or skip call.
type Decision struct {
	StageID string
	Actor   string
	At      time.Time
	// Reason is the rejection reason, or the justification of a skip.
	Reason string
}

// NewInstance creates a pending instance positioned at the first stage.
func NewInstance(documentID string, docType types.DocumentType, stages []types.StageDefinition, at time.Time) (*types.ApprovalInstance, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: document ID is required", ErrValidation)
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: document %s", ErrNoStages, documentID)
	}
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: duplicate stage ID %q", ErrValidation, s.ID)
		}
		seen[s.ID] = true
	}

	now := at.UnixMilli()
	return &types.ApprovalInstance{
		DocumentID:        documentID,
		DocumentType:      docType,
		RequiredStages:    append([]types.StageDefinition(nil), stages...),
		CurrentStageIndex: 0,
		OverallStatus:     types.StatusPending,
		History:           []types.StageProgress{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Approve records an approval of the current stage and advances the instance.
// Approving the last stage approves the whole document.
func Approve(inst *types.ApprovalInstance, d Decision) error {
	stage, err := checkDecision(inst, d)
	if err != nil {
		return err
	}

	at := d.At
	inst.History = append(inst.History, types.StageProgress{
		StageID:    stage.ID,
		StageName:  stage.Name,
		Status:     types.ProgressApproved,
		ApprovedBy: d.Actor,
		ApprovedAt: &at,
		DecidedAt:  d.At,
	})
	advance(inst, d.At)
	return nil
}

// Reject records a rejection of the current stage and rejects the whole
// document. The stage pointer stays on the rejected stage.
func Reject(inst *types.ApprovalInstance, d Decision, requireReason bool) error {
	stage, err := checkDecision(inst, d)
	if err != nil {
		return err
	}
	if requireReason && strings.TrimSpace(d.Reason) == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	inst.History = append(inst.History, types.StageProgress{
		StageID:        stage.ID,
		StageName:      stage.Name,
		Status:         types.ProgressRejected,
		RejectedBy:     d.Actor,
		RejectedReason: d.Reason,
		DecidedAt:      d.At,
	})
	inst.OverallStatus = types.StatusRejected
	inst.UpdatedAt = d.At.UnixMilli()
	return nil
}

// Skip is an administrative override that moves past the current stage
// without an approval. It progresses exactly like Approve.
func Skip(inst *types.ApprovalInstance, d Decision) error {
	stage, err := checkDecision(inst, d)
	if err != nil {
		return err
	}

	inst.History = append(inst.History, types.StageProgress{
		StageID:       stage.ID,
		StageName:     stage.Name,
		Status:        types.ProgressSkipped,
		SkippedBy:     d.Actor,
		Justification: d.Reason,
		DecidedAt:     d.At,
	})
	advance(inst, d.At)
	return nil
}

// Confirm finalizes an approved instance, e.g. once the payment was executed.
func Confirm(inst *types.ApprovalInstance, at time.Time) error {
	if inst == nil {
		return fmt.Errorf("%w: instance cannot be nil", ErrValidation)
	}
	if inst.OverallStatus != types.StatusApproved {
		return fmt.Errorf("%w: document %s: cannot confirm from status %s",
			ErrInvalidState, inst.DocumentID, inst.OverallStatus)
	}
	inst.OverallStatus = types.StatusConfirmed
	inst.UpdatedAt = at.UnixMilli()
	return nil
}

// checkDecision validates that d may be applied to inst and returns the
// current stage. It does not modify inst.
func checkDecision(inst *types.ApprovalInstance, d Decision) (types.StageDefinition, error) {
	if inst == nil {
		return types.StageDefinition{}, fmt.Errorf("%w: instance cannot be nil", ErrValidation)
	}
	if inst.OverallStatus != types.StatusPending {
		return types.StageDefinition{}, fmt.Errorf("%w: document %s is %s",
			ErrInvalidState, inst.DocumentID, inst.OverallStatus)
	}
	if d.Actor == "" {
		return types.StageDefinition{}, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if d.At.IsZero() {
		return types.StageDefinition{}, fmt.Errorf("%w: decision time is required", ErrValidation)
	}

	stage, ok := inst.CurrentStage()
	if !ok {
		return types.StageDefinition{}, fmt.Errorf("%w: document %s: current stage index %d out of range",
			ErrDataIntegrity, inst.DocumentID, inst.CurrentStageIndex)
	}
	if d.StageID != stage.ID {
		return types.StageDefinition{}, fmt.Errorf("%w: document %s: expected stage %q, got %q",
			ErrStageMismatch, inst.DocumentID, stage.ID, d.StageID)
	}

	views, err := DeriveStages(inst)
	if err != nil {
		return types.StageDefinition{}, err
	}
	if views[inst.CurrentStageIndex].Status != StageCurrent {
		return types.StageDefinition{}, fmt.Errorf("%w: document %s: stage %q already decided",
			ErrDataIntegrity, inst.DocumentID, stage.ID)
	}
	return stage, nil
}

func advance(inst *types.ApprovalInstance, at time.Time) {
	if inst.CurrentStageIndex == len(inst.RequiredStages)-1 {
		inst.OverallStatus = types.StatusApproved
	} else {
		inst.CurrentStageIndex++
	}
	inst.UpdatedAt = at.UnixMilli()
}

// IsExpected reports whether err is one of the recoverable, user-facing
// workflow errors as opposed to an internal failure.
func IsExpected(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrStageMismatch)
}

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// Errors
var (
	ErrConfigNotFound   = errors.New("workflow config not found")
	ErrInstanceNotFound = errors.New("approval instance not found")
	ErrAlreadyExists    = errors.New("approval instance already exists")
	// ErrVersionConflict is returned when the stored instance was modified
	// after the caller loaded it.
	ErrVersionConflict = errors.New("approval instance version conflict")
)

// InstanceFilter narrows ListInstances. Zero fields match everything.
type InstanceFilter struct {
	DocumentType types.DocumentType
	Status       types.OverallStatus
}

func (f InstanceFilter) match(inst types.ApprovalInstance) bool {
	if f.DocumentType != "" && inst.DocumentType != f.DocumentType {
		return false
	}
	if f.Status != "" && inst.OverallStatus != f.Status {
		return false
	}
	return true
}

// Store persists workflow configs and approval instances.
//
// Instances are versioned: CreateInstance stores version 1 and UpdateInstance
// only succeeds if the stored version equals expectedVersion, bumping it by one.
// Both set inst.Version to the stored value on success.
type Store interface {
	SaveConfig(ctx context.Context, cfg types.WorkflowConfig) error
	GetConfig(ctx context.Context, docType types.DocumentType) (types.WorkflowConfig, error)

	CreateInstance(ctx context.Context, inst *types.ApprovalInstance) error
	GetInstance(ctx context.Context, documentID string) (types.ApprovalInstance, error)
	UpdateInstance(ctx context.Context, inst *types.ApprovalInstance, expectedVersion int64) error
	DeleteInstance(ctx context.Context, documentID string) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]types.ApprovalInstance, error)

	// ClearTerminal removes terminal instances last updated before the cutoff
	// and returns how many were removed.
	ClearTerminal(ctx context.Context, before time.Time) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func clearable(inst types.ApprovalInstance, before time.Time) bool {
	return inst.OverallStatus.IsTerminal() && inst.UpdatedAt < before.UnixMilli()
}

func cloneConfig(cfg types.WorkflowConfig) types.WorkflowConfig {
	out := cfg
	out.Stages = append([]types.StageDefinition(nil), cfg.Stages...)
	out.ExemptTypes = append([]string(nil), cfg.ExemptTypes...)
	return out
}

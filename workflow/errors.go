package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when caller input violates a workflow policy,
	// e.g. a missing rejection reason.
	ErrValidation = errors.New("validation failed")

	// ErrStageMismatch is returned when a decision targets a stage other than
	// the current one, or the instance was advanced by a concurrent writer.
	ErrStageMismatch = errors.New("stage mismatch")

	// ErrInvalidState is returned for decisions on a terminal instance.
	// It matches ErrStageMismatch with errors.Is.
	ErrInvalidState = fmt.Errorf("%w: instance is not pending", ErrStageMismatch)

	// ErrDataIntegrity is returned when an instance is inconsistent, e.g. a stage
	// below the current pointer has no history entry.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrNoStages is returned when an instance would be created without stages.
	ErrNoStages = errors.New("no stages required")
)

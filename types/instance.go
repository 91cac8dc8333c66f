package types

import (
	"fmt"
	"time"
)

// OverallStatus is the document-level outcome of a workflow.
type OverallStatus string

const (
	StatusPending   OverallStatus = "pending"
	StatusApproved  OverallStatus = "approved"
	StatusRejected  OverallStatus = "rejected"
	StatusConfirmed OverallStatus = "confirmed"
)

var terminalStatuses = map[OverallStatus]bool{
	StatusApproved:  true,
	StatusRejected:  true,
	StatusConfirmed: true,
}

// IsTerminal reports whether no further decision can be recorded.
func (s OverallStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsValid reports whether s is a known status.
func (s OverallStatus) IsValid() bool {
	return s == StatusPending || terminalStatuses[s]
}

func (s OverallStatus) String() string {
	return string(s)
}

// ProgressStatus is the decision recorded for a stage. The zero value is not a
// valid decision; only the three constants below can be stored.
type ProgressStatus uint8

const (
	ProgressApproved ProgressStatus = iota + 1
	ProgressRejected
	ProgressSkipped
)

func (p ProgressStatus) String() string {
	switch p {
	case ProgressApproved:
		return "approved"
	case ProgressRejected:
		return "rejected"
	case ProgressSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("ProgressStatus(%d)", uint8(p))
	}
}

// IsValid reports whether p is one of the recorded decisions.
func (p ProgressStatus) IsValid() bool {
	return p >= ProgressApproved && p <= ProgressSkipped
}

// MarshalText implements encoding.TextMarshaler.
func (p ProgressStatus) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid progress status %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ProgressStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "approved":
		*p = ProgressApproved
	case "rejected":
		*p = ProgressRejected
	case "skipped":
		*p = ProgressSkipped
	default:
		return fmt.Errorf("unknown progress status %q", text)
	}
	return nil
}

// StageProgress is one entry of the audit trail. Entries are never modified
// after they are appended.
type StageProgress struct {
	StageID   string         `json:"stage_id"`
	StageName string         `json:"stage_name"`
	Status    ProgressStatus `json:"status"`

	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	RejectedBy     string `json:"rejected_by,omitempty"`
	RejectedReason string `json:"rejected_reason,omitempty"`

	SkippedBy     string `json:"skipped_by,omitempty"`
	Justification string `json:"justification,omitempty"`

	DecidedAt time.Time `json:"decided_at"`
}

// ApprovalInstance is the workflow state of a single document.
type ApprovalInstance struct {
	ID                uint64            `json:"id"`
	DocumentID        string            `json:"document_id"`
	DocumentType      DocumentType      `json:"document_type"`
	Metric            float64           `json:"metric"`
	RequiredStages    []StageDefinition `json:"required_stages"`
	CurrentStageIndex int               `json:"current_stage_index"`
	OverallStatus     OverallStatus     `json:"overall_status"`
	History           []StageProgress   `json:"history"`
	SubmittedBy       string            `json:"submitted_by,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         int64             `json:"created_at"`
	UpdatedAt         int64             `json:"updated_at"`
}

// Progress returns the history entry for a stage, if any.
func (inst *ApprovalInstance) Progress(stageID string) (StageProgress, bool) {
	for _, p := range inst.History {
		if p.StageID == stageID {
			return p, true
		}
	}
	return StageProgress{}, false
}

// CurrentStage returns the stage awaiting a decision.
func (inst *ApprovalInstance) CurrentStage() (StageDefinition, bool) {
	if inst.OverallStatus != StatusPending {
		return StageDefinition{}, false
	}
	if inst.CurrentStageIndex < 0 || inst.CurrentStageIndex >= len(inst.RequiredStages) {
		return StageDefinition{}, false
	}
	return inst.RequiredStages[inst.CurrentStageIndex], true
}

// Clone returns a deep copy so stores never share slices with callers.
func (inst ApprovalInstance) Clone() ApprovalInstance {
	out := inst
	if inst.RequiredStages != nil {
		out.RequiredStages = append([]StageDefinition(nil), inst.RequiredStages...)
	}
	if inst.History != nil {
		out.History = make([]StageProgress, len(inst.History))
		for i, p := range inst.History {
			if p.ApprovedAt != nil {
				t := *p.ApprovedAt
				p.ApprovedAt = &t
			}
			out.History[i] = p
		}
	}
	return out
}

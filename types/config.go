package types

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidConfig is returned by WorkflowConfig.Validate.
var ErrInvalidConfig = errors.New("invalid workflow config")

// DocumentType identifies the kind of business record under approval.
type DocumentType string

const (
	DocumentAbsence       DocumentType = "absence"
	DocumentExpense       DocumentType = "expense"
	DocumentTravelExpense DocumentType = "travel_expense"
)

// StageDefinition is one configured approval step of a document type.
type StageDefinition struct {
	ID   string `json:"id" mapstructure:"id"`
	Name string `json:"name" mapstructure:"name"`
	// Threshold is the minimum decisive metric for the stage to apply. Zero means always.
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
	Order     int     `json:"order" mapstructure:"order"`
	// Condition is an optional boolean expression over the document attributes.
	Condition string `json:"condition,omitempty" mapstructure:"condition"`
}

// WorkflowConfig holds the approval policy of one document type.
type WorkflowConfig struct {
	DocumentType           DocumentType      `json:"document_type" mapstructure:"document_type"`
	Enabled                bool              `json:"enabled" mapstructure:"enabled"`
	Stages                 []StageDefinition `json:"stages" mapstructure:"stages"`
	RequireRejectionReason bool              `json:"require_rejection_reason" mapstructure:"require_rejection_reason"`
	ExemptTypes            []string          `json:"exempt_types,omitempty" mapstructure:"exempt_types"`
}

// IsExempt reports whether documents of the given sub-type bypass the workflow.
func (c WorkflowConfig) IsExempt(subType string) bool {
	if subType == "" {
		return false
	}
	for _, t := range c.ExemptTypes {
		if t == subType {
			return true
		}
	}
	return false
}

// OrderedStages returns a copy of the stages sorted by ascending Order.
// Stages sharing an Order keep their configured position.
func (c WorkflowConfig) OrderedStages() []StageDefinition {
	stages := make([]StageDefinition, len(c.Stages))
	copy(stages, c.Stages)
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Order < stages[j].Order
	})
	return stages
}

// Validate checks the structural rules of the configuration.
func (c WorkflowConfig) Validate() error {
	if c.DocumentType == "" {
		return fmt.Errorf("%w: document type is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Stages))
	for _, s := range c.Stages {
		if s.ID == "" {
			return fmt.Errorf("%w: %s: stage ID cannot be empty", ErrInvalidConfig, c.DocumentType)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s: duplicate stage ID %q", ErrInvalidConfig, c.DocumentType, s.ID)
		}
		seen[s.ID] = true
		if s.Threshold < 0 {
			return fmt.Errorf("%w: %s: stage %q has negative threshold", ErrInvalidConfig, c.DocumentType, s.ID)
		}
	}
	return nil
}

// Document is the part of a business record the engine needs to route it.
type Document struct {
	ID      string       `json:"id"`
	Type    DocumentType `json:"type"`
	SubType string       `json:"sub_type,omitempty"` // e.g. absence type
	// Metric is the decisive value: elapsed days for absences, amount for expenses and travel.
	Metric     float64                `json:"metric"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

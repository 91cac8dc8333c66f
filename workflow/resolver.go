package workflow

import (
	"errors"
	"fmt"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/rules"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// ResolveStages returns the stages of cfg that apply to a document with the
// given sub-type and decisive metric, in ascending Order. An empty result means
// the document needs no workflow and is approved immediately. A stage with
// threshold 0 applies to every document of an active workflow, including
// negative metrics such as credit notes.
func ResolveStages(subType string, metric float64, cfg types.WorkflowConfig) []types.StageDefinition {
	if !cfg.Enabled || cfg.IsExempt(subType) {
		return nil
	}

	var resolved []types.StageDefinition
	for _, stage := range cfg.OrderedStages() {
		if stage.Threshold == 0 || stage.Threshold <= metric {
			resolved = append(resolved, stage)
		}
	}
	return resolved
}

// Resolver resolves stages and additionally evaluates stage conditions.
type Resolver struct {
	evaluator rules.Evaluator
}

// NewResolver creates a Resolver. evaluator may be nil when no configured
// stage carries a condition.
func NewResolver(evaluator rules.Evaluator) *Resolver {
	return &Resolver{evaluator: evaluator}
}

// Resolve applies ResolveStages to doc and then drops stages whose condition
// evaluates to false.
func (r *Resolver) Resolve(doc types.Document, cfg types.WorkflowConfig) ([]types.StageDefinition, error) {
	stages := ResolveStages(doc.SubType, doc.Metric, cfg)
	if len(stages) == 0 {
		return nil, nil
	}

	var env map[string]interface{}
	resolved := stages[:0]
	for _, stage := range stages {
		if stage.Condition == "" {
			resolved = append(resolved, stage)
			continue
		}
		if r.evaluator == nil {
			return nil, errors.New("stage condition configured but no evaluator set")
		}
		if env == nil {
			env = conditionEnv(doc)
		}
		ok, err := r.evaluator.Evaluate(stage.Condition, env)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate condition of stage %q: %w", stage.ID, err)
		}
		if ok {
			resolved = append(resolved, stage)
		}
	}
	if len(resolved) == 0 {
		return nil, nil
	}
	return resolved, nil
}

func conditionEnv(doc types.Document) map[string]interface{} {
	env := make(map[string]interface{}, len(doc.Attributes)+4)
	for k, v := range doc.Attributes {
		env[k] = v
	}
	env["document_id"] = doc.ID
	env["document_type"] = string(doc.Type)
	env["sub_type"] = doc.SubType
	env["metric"] = doc.Metric
	return env
}

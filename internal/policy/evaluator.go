package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

//go:embed resize.rego
var policyContent string

// Config holds the tunable knobs the policy reads from data.config.
type Config struct {
	MaxSizeSteps            int      `json:"max_size_steps"            yaml:"max_size_steps"`
	DeniedFamilies          []string `json:"denied_families"           yaml:"denied_families"`
	RequireDistinctApprover bool     `json:"require_distinct_approver" yaml:"require_distinct_approver"`
}

// Input describes a proposed resize.
type Input struct {
	InstanceID            string `json:"instance_id"            yaml:"instance_id"`
	CurrentType           string `json:"current_type"           yaml:"current_type"`
	TargetType            string `json:"target_type"            yaml:"target_type"`
	TargetFamily          string `json:"target_family"          yaml:"target_family"`
	Architecture          string `json:"architecture"           yaml:"architecture"`
	ArchitectureSupported bool   `json:"architecture_supported" yaml:"architecture_supported"`
	SizeSteps             int    `json:"size_steps"             yaml:"size_steps"`
	Requester             string `json:"requester"              yaml:"requester"`
	Approver              string `json:"approver"               yaml:"approver"`
}

type Result struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// Evaluator evaluates the embedded resize policy against a fixed Config.
type Evaluator struct {
	allow      rego.PreparedEvalQuery
	violations rego.PreparedEvalQuery
}

func NewEvaluator(ctx context.Context, config Config) (*Evaluator, error) {
	if config.DeniedFamilies == nil {
		config.DeniedFamilies = []string{}
	}
	data, err := toObject(map[string]any{"config": config})
	if err != nil {
		return nil, err
	}
	store := inmem.NewFromObject(data)

	allow, err := rego.New(
		rego.Query("data.resize.allow"),
		rego.Module("resize.rego", policyContent),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy query: %w", err)
	}

	violations, err := rego.New(
		rego.Query("data.resize.violations"),
		rego.Module("resize.rego", policyContent),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare violations query: %w", err)
	}

	return &Evaluator{
		allow:      allow,
		violations: violations,
	}, nil
}

func (e *Evaluator) Evaluate(ctx context.Context, input Input) (*Result, error) {
	in, err := toObject(input)
	if err != nil {
		return nil, err
	}

	results, err := e.allow.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 {
		return &Result{
			Allowed:    false,
			Violations: []string{"policy evaluation returned no results"},
		}, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return &Result{
			Allowed:    false,
			Violations: []string{"policy evaluation returned non-boolean result"},
		}, nil
	}

	result := &Result{Allowed: allowed}
	if !allowed {
		violations, err := e.getViolations(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to get violations: %w", err)
		}
		result.Violations = violations
	}
	return result, nil
}

func (e *Evaluator) getViolations(ctx context.Context, input map[string]any) ([]string, error) {
	results, err := e.violations.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate violations: %w", err)
	}

	if len(results) == 0 || results[0].Expressions[0].Value == nil {
		return []string{"unknown policy violation"}, nil
	}

	var violations []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, violation := range v {
			if str, ok := violation.(string); ok {
				violations = append(violations, str)
			}
		}
	case map[string]interface{}:
		// sets may come back keyed by value
		for violation := range v {
			violations = append(violations, violation)
		}
	}

	if len(violations) == 0 {
		return []string{"policy denied the resize but reported no violations"}, nil
	}
	sort.Strings(violations)
	return violations, nil
}

// toObject converts v to the JSON-shaped map OPA expects.
func toObject(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy document: %w", err)
	}
	return out, nil
}

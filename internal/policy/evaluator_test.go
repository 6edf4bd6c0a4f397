package policy

import (
	"context"
	"testing"
)

func TestEvaluator_Evaluate(t *testing.T) {
	evaluator, err := NewEvaluator(context.Background(), Config{
		MaxSizeSteps:            2,
		DeniedFamilies:          []string{"p4d"},
		RequireDistinctApprover: true,
	})
	if err != nil {
		t.Fatalf("Failed to create evaluator: %v", err)
	}

	base := Input{
		InstanceID:            "i-0123456789abcdef0",
		CurrentType:           "t3.medium",
		TargetType:            "t3.large",
		TargetFamily:          "t3",
		Architecture:          "x86_64",
		ArchitectureSupported: true,
		SizeSteps:             1,
		Requester:             "dev@example.com",
		Approver:              "lead@example.com",
	}

	tests := []struct {
		name        string
		mutate      func(in *Input)
		expectAllow bool
		violation   string
	}{
		{
			name:        "allowed",
			mutate:      func(in *Input) {},
			expectAllow: true,
		},
		{
			name:        "two steps is the limit",
			mutate:      func(in *Input) { in.SizeSteps = -2 },
			expectAllow: true,
		},
		{
			name:        "no approver yet",
			mutate:      func(in *Input) { in.Approver = "" },
			expectAllow: true,
		},
		{
			name:      "same approver",
			mutate:    func(in *Input) { in.Approver = "DEV@example.com" },
			violation: "approver DEV@example.com must differ from requester",
		},
		{
			name:      "denied family",
			mutate:    func(in *Input) { in.TargetType, in.TargetFamily = "p4d.24xlarge", "p4d" },
			violation: "instance family p4d is denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := base
			tt.mutate(&input)

			result, err := evaluator.Evaluate(context.Background(), input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.expectAllow {
				t.Fatalf("Allowed = %v, want %v (violations: %v)", result.Allowed, tt.expectAllow, result.Violations)
			}
			if tt.violation != "" && (len(result.Violations) != 1 || result.Violations[0] != tt.violation) {
				t.Errorf("Violations = %v, want [%s]", result.Violations, tt.violation)
			}
		})
	}
}

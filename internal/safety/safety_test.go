package safety

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/metrics"
	"github.com/savaki/ec2-resizer/internal/policy"
	"github.com/savaki/ec2-resizer/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

type mockMachine struct {
	describeInstanceFunc     func(ctx context.Context, instanceID string) (*services.Instance, error)
	describeInstanceTypeFunc func(ctx context.Context, name string) (*services.InstanceTypeInfo, error)
	dryRunModifyFunc         func(ctx context.Context, instanceID, instanceType string) error
}

func (m *mockMachine) DescribeInstance(ctx context.Context, instanceID string) (*services.Instance, error) {
	if m.describeInstanceFunc != nil {
		return m.describeInstanceFunc(ctx, instanceID)
	}
	return nil, errors.New("describeInstanceFunc not set")
}

func (m *mockMachine) DescribeInstanceType(ctx context.Context, name string) (*services.InstanceTypeInfo, error) {
	if m.describeInstanceTypeFunc != nil {
		return m.describeInstanceTypeFunc(ctx, name)
	}
	return nil, errors.New("describeInstanceTypeFunc not set")
}

func (m *mockMachine) DryRunModify(ctx context.Context, instanceID, instanceType string) error {
	if m.dryRunModifyFunc != nil {
		return m.dryRunModifyFunc(ctx, instanceID, instanceType)
	}
	return errors.New("dryRunModifyFunc not set")
}

type mockPolicy struct {
	evaluateFunc func(ctx context.Context, input policy.Input) (*policy.Result, error)
}

func (m *mockPolicy) Evaluate(ctx context.Context, input policy.Input) (*policy.Result, error) {
	if m.evaluateFunc != nil {
		return m.evaluateFunc(ctx, input)
	}
	return nil, errors.New("evaluateFunc not set")
}

func newMachine() *mockMachine {
	return &mockMachine{
		describeInstanceFunc: func(ctx context.Context, instanceID string) (*services.Instance, error) {
			return &services.Instance{
				ID:           instanceID,
				Region:       "us-east-1",
				InstanceType: "t3.medium",
				Architecture: "x86_64",
				State:        "running",
			}, nil
		},
		describeInstanceTypeFunc: func(ctx context.Context, name string) (*services.InstanceTypeInfo, error) {
			switch name {
			case "t4g.medium":
				return &services.InstanceTypeInfo{Name: name, Architectures: []string{"arm64"}}, nil
			case "t3.unavailable":
				return nil, fmt.Errorf("%w: %s", apperrors.ErrInstanceTypeUnavailable, name)
			}
			return &services.InstanceTypeInfo{Name: name, Architectures: []string{"i386", "x86_64"}}, nil
		},
		dryRunModifyFunc: func(ctx context.Context, instanceID, instanceType string) error {
			return nil
		},
	}
}

func allowAll() *mockPolicy {
	return &mockPolicy{
		evaluateFunc: func(ctx context.Context, input policy.Input) (*policy.Result, error) {
			return &policy.Result{Allowed: true}, nil
		},
	}
}

func TestChecker_Check(t *testing.T) {
	plan := Plan{InstanceID: "i-0123456789abcdef0", TargetType: "t3.large", Requester: "dev@example.com"}

	t.Run("all pass", func(t *testing.T) {
		var captured policy.Input
		evaluator := &mockPolicy{
			evaluateFunc: func(ctx context.Context, input policy.Input) (*policy.Result, error) {
				captured = input
				return &policy.Result{Allowed: true}, nil
			},
		}

		report, err := NewChecker(newMachine(), evaluator, nil).Check(testContext(), plan)
		require.NoError(t, err)
		assert.True(t, report.Passed)
		assert.Equal(t, "t3.medium", report.CurrentType)

		var names []string
		for _, c := range report.Checks {
			assert.True(t, c.Passed)
			names = append(names, c.Name)
		}
		assert.Equal(t, []string{CheckNoChange, CheckTypeAvailable, CheckArchitecture, CheckPolicy, CheckDryRun}, names)

		assert.Equal(t, "t3", captured.TargetFamily)
		assert.Equal(t, 1, captured.SizeSteps)
		assert.True(t, captured.ArchitectureSupported)
		assert.Equal(t, "dev@example.com", captured.Requester)
	})

	t.Run("nil policy skips policy check", func(t *testing.T) {
		report, err := NewChecker(newMachine(), nil, nil).Check(testContext(), plan)
		require.NoError(t, err)
		assert.Len(t, report.Checks, 4)
	})

	tests := []struct {
		name     string
		target   string
		machine  func(m *mockMachine)
		policy   *mockPolicy
		check    string
		sentinel error
		countsAs float64
	}{
		{
			name:     "no change",
			target:   "t3.medium",
			check:    CheckNoChange,
			sentinel: apperrors.ErrNoChangeRequired,
		},
		{
			name:     "type unavailable",
			target:   "t3.unavailable",
			check:    CheckTypeAvailable,
			sentinel: apperrors.ErrInstanceTypeUnavailable,
			countsAs: 1,
		},
		{
			name:     "architecture mismatch",
			target:   "t4g.medium",
			check:    CheckArchitecture,
			sentinel: apperrors.ErrArchitectureMismatch,
			countsAs: 1,
		},
		{
			name:   "policy denied",
			target: "t3.large",
			policy: &mockPolicy{
				evaluateFunc: func(ctx context.Context, input policy.Input) (*policy.Result, error) {
					return &policy.Result{Violations: []string{"instance family t3 is denied"}}, nil
				},
			},
			check:    CheckPolicy,
			sentinel: apperrors.ErrPolicyDenied,
			countsAs: 1,
		},
		{
			name:   "dry run failed",
			target: "t3.large",
			machine: func(m *mockMachine) {
				m.dryRunModifyFunc = func(ctx context.Context, instanceID, instanceType string) error {
					return fmt.Errorf("%w: UnauthorizedOperation", apperrors.ErrDryRunFailed)
				}
			},
			check:    CheckDryRun,
			sentinel: apperrors.ErrDryRunFailed,
			countsAs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine := newMachine()
			if tt.machine != nil {
				tt.machine(machine)
			}
			evaluator := tt.policy
			if evaluator == nil {
				evaluator = allowAll()
			}
			recorder := metrics.New()

			report, err := NewChecker(machine, evaluator, recorder).Check(testContext(), Plan{
				InstanceID: "i-0123456789abcdef0",
				TargetType: tt.target,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var checkErr *CheckError
			require.ErrorAs(t, err, &checkErr)
			assert.Equal(t, tt.check, checkErr.Check)

			require.NotNil(t, report)
			assert.False(t, report.Passed)
			last := report.Checks[len(report.Checks)-1]
			assert.Equal(t, tt.check, last.Name)
			assert.False(t, last.Passed)

			failures, err := testutil.GatherAndCount(recorder.Registry(), "ec2_resizer_safety_check_failures_total")
			require.NoError(t, err)
			assert.Equal(t, int(tt.countsAs), failures)
		})
	}
}

func TestChecker_Check_Errors(t *testing.T) {
	machine := newMachine()
	machine.describeInstanceFunc = func(ctx context.Context, instanceID string) (*services.Instance, error) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInstanceNotFound, instanceID)
	}

	report, err := NewChecker(machine, nil, nil).Check(testContext(), Plan{InstanceID: "i-missing0", TargetType: "t3.large"})
	assert.Nil(t, report)
	assert.ErrorIs(t, err, apperrors.ErrInstanceNotFound)

	_, err = NewChecker(newMachine(), nil, nil).Check(testContext(), Plan{InstanceID: "i-0123456789abcdef0", TargetType: "large"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInstanceType)
}

func TestCheckError(t *testing.T) {
	err := &CheckError{Check: CheckPolicy, Err: apperrors.ErrPolicyDenied, Violations: []string{"a", "b"}}
	assert.Equal(t, "safety check policy failed: resize denied by policy: a; b", err.Error())
	assert.True(t, errors.Is(err, apperrors.ErrPolicyDenied))
}

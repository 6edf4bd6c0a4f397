// Package safety runs the pre-resize checks. Checks run in order and stop
// at the first failure.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/instancetype"
	"github.com/savaki/ec2-resizer/internal/metrics"
	"github.com/savaki/ec2-resizer/internal/policy"
	"github.com/savaki/ec2-resizer/internal/services"
)

// Check names, in execution order.
const (
	CheckNoChange      = "no-change"
	CheckTypeAvailable = "type-available"
	CheckArchitecture  = "architecture"
	CheckPolicy        = "policy"
	CheckDryRun        = "dry-run"
)

// Machine is the EC2 surface the checks need. services.EC2Service
// implements it.
type Machine interface {
	DescribeInstance(ctx context.Context, instanceID string) (*services.Instance, error)
	DescribeInstanceType(ctx context.Context, name string) (*services.InstanceTypeInfo, error)
	DryRunModify(ctx context.Context, instanceID, instanceType string) error
}

// PolicyEvaluator evaluates the resize policy.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (*policy.Result, error)
}

// Plan is the resize being checked.
type Plan struct {
	InstanceID string
	TargetType string
	Requester  string
	Approver   string
}

type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

type Report struct {
	InstanceID   string        `json:"instance_id"`
	Region       string        `json:"region"`
	CurrentType  string        `json:"current_instance_type"`
	TargetType   string        `json:"target_instance_type"`
	Architecture string        `json:"architecture"`
	State        string        `json:"state"`
	Passed       bool          `json:"passed"`
	Checks       []CheckResult `json:"checks"`
}

// CheckError reports the failed check. It unwraps to the sentinel for the
// check, e.g. errors.ErrPolicyDenied.
type CheckError struct {
	Check      string
	Violations []string
	Err        error
}

func (e *CheckError) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("safety check %s failed: %v: %s", e.Check, e.Err, strings.Join(e.Violations, "; "))
	}
	return fmt.Sprintf("safety check %s failed: %v", e.Check, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

type Checker struct {
	machine  Machine
	policy   PolicyEvaluator
	recorder *metrics.Recorder
}

// NewChecker returns a Checker. A nil policy skips the policy check.
func NewChecker(machine Machine, policy PolicyEvaluator, recorder *metrics.Recorder) *Checker {
	return &Checker{
		machine:  machine,
		policy:   policy,
		recorder: recorder,
	}
}

// Check returns the report and, when a check fails, a *CheckError. Errors
// that prevent checking at all, such as a missing instance, are returned
// as-is with a nil report.
func (c *Checker) Check(ctx context.Context, plan Plan) (*Report, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("instance_id", plan.InstanceID).
		Str("target", plan.TargetType).
		Logger()

	if _, err := instancetype.Parse(plan.TargetType); err != nil {
		return nil, err
	}

	instance, err := c.machine.DescribeInstance(ctx, plan.InstanceID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		InstanceID:   instance.ID,
		Region:       instance.Region,
		CurrentType:  instance.InstanceType,
		TargetType:   plan.TargetType,
		Architecture: instance.Architecture,
		State:        instance.State,
	}

	pass := func(name, message string) {
		report.Checks = append(report.Checks, CheckResult{Name: name, Passed: true, Message: message})
		logger.Debug().Str("check", name).Msg("Safety check passed")
	}
	fail := func(name string, err error, violations ...string) (*Report, error) {
		checkErr := &CheckError{Check: name, Err: err, Violations: violations}
		report.Checks = append(report.Checks, CheckResult{Name: name, Message: checkErr.Error()})
		if !errors.Is(err, apperrors.ErrNoChangeRequired) {
			c.recorder.SafetyFailure(name)
			logger.Warn().Str("check", name).Err(checkErr).Msg("Safety check failed")
		}
		return report, checkErr
	}

	if instance.InstanceType == plan.TargetType {
		return fail(CheckNoChange, apperrors.ErrNoChangeRequired)
	}
	pass(CheckNoChange, fmt.Sprintf("%s -> %s", instance.InstanceType, plan.TargetType))

	info, err := c.machine.DescribeInstanceType(ctx, plan.TargetType)
	if err != nil {
		if errors.Is(err, apperrors.ErrInstanceTypeUnavailable) {
			return fail(CheckTypeAvailable, err)
		}
		return nil, err
	}
	pass(CheckTypeAvailable, fmt.Sprintf("%s is offered in %s", plan.TargetType, instance.Region))

	archSupported := info.SupportsArchitecture(instance.Architecture)
	if !archSupported {
		return fail(CheckArchitecture, fmt.Errorf("%w: %s supports %v, instance is %s",
			apperrors.ErrArchitectureMismatch, plan.TargetType, info.Architectures, instance.Architecture))
	}
	pass(CheckArchitecture, instance.Architecture)

	if c.policy != nil {
		input := policy.Input{
			InstanceID:            instance.ID,
			CurrentType:           instance.InstanceType,
			TargetType:            plan.TargetType,
			Architecture:          instance.Architecture,
			ArchitectureSupported: archSupported,
			Requester:             plan.Requester,
			Approver:              plan.Approver,
		}
		if target, err := instancetype.Parse(plan.TargetType); err == nil {
			input.TargetFamily = target.Family
		}
		if cmp, err := instancetype.Compare(instance.InstanceType, plan.TargetType); err == nil {
			input.SizeSteps = cmp.Steps
		}

		result, err := c.policy.Evaluate(ctx, input)
		if err != nil {
			return nil, err
		}
		if !result.Allowed {
			return fail(CheckPolicy, apperrors.ErrPolicyDenied, result.Violations...)
		}
		pass(CheckPolicy, "allowed")
	}

	if err := c.machine.DryRunModify(ctx, instance.ID, plan.TargetType); err != nil {
		return fail(CheckDryRun, err)
	}
	pass(CheckDryRun, "DryRunOperation")

	report.Passed = true
	logger.Info().Msg("All safety checks passed")
	return report, nil
}

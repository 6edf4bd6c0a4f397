// Package analyzer turns CloudWatch CPU utilization into a resize
// recommendation and validates operator-requested target types.
package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/advisor"
	"github.com/savaki/ec2-resizer/internal/instancetype"
	"github.com/savaki/ec2-resizer/internal/metrics"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/services"
)

// Instances describes EC2 instances.
type Instances interface {
	DescribeInstance(ctx context.Context, instanceID string) (*services.Instance, error)
}

// Catalog lists the instance types offered for an architecture.
type Catalog interface {
	List(ctx context.Context, arch string) ([]string, error)
}

// CPUReader reads CPU utilization statistics.
type CPUReader interface {
	CPUStats(ctx context.Context, instanceID string, window time.Duration) (*services.CPUStats, error)
}

// Thresholds split average CPU into a decision.
type Thresholds struct {
	Downgrade float64
	Upgrade   float64
}

// DefaultThresholds are 30% and 50%.
var DefaultThresholds = Thresholds{
	Downgrade: services.DefaultDowngradeThreshold,
	Upgrade:   services.DefaultUpgradeThreshold,
}

// Decide classifies an average CPU percentage.
func (t Thresholds) Decide(avg float64) models.Decision {
	switch {
	case avg < t.Downgrade:
		return models.DecisionDowngrade
	case avg > t.Upgrade:
		return models.DecisionUpgrade
	default:
		return models.DecisionRetain
	}
}

type Analyzer struct {
	instances  Instances
	catalog    Catalog
	cpu        CPUReader
	advisor    advisor.Advisor
	thresholds Thresholds
	window     time.Duration
	recorder   *metrics.Recorder
}

type Option func(*Analyzer)

func WithThresholds(t Thresholds) Option {
	return func(a *Analyzer) {
		a.thresholds = t
	}
}

func WithWindow(window time.Duration) Option {
	return func(a *Analyzer) {
		a.window = window
	}
}

func WithRecorder(recorder *metrics.Recorder) Option {
	return func(a *Analyzer) {
		a.recorder = recorder
	}
}

// New returns an analyzer. A nil advisor uses advisor.RuleAdvisor.
func New(instances Instances, catalog Catalog, cpu CPUReader, adv advisor.Advisor, opts ...Option) *Analyzer {
	if adv == nil {
		adv = advisor.RuleAdvisor{}
	}
	a := &Analyzer{
		instances:  instances,
		catalog:    catalog,
		cpu:        cpu,
		advisor:    adv,
		thresholds: DefaultThresholds,
		window:     services.DefaultMetricWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze recommends a target type for the instance from its CPU usage.
// A suggestion that is not in the region's catalog leaves Validated false.
func (a *Analyzer) Analyze(ctx context.Context, instanceID string) (*models.Recommendation, error) {
	logger := zerolog.Ctx(ctx).With().Str("instance_id", instanceID).Logger()

	instance, err := a.instances.DescribeInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	valid, err := a.catalog.List(ctx, instance.Architecture)
	if err != nil {
		return nil, err
	}

	stats, err := a.cpu.CPUStats(ctx, instanceID, a.window)
	if err != nil {
		return nil, err
	}
	if stats.Datapoints == 0 {
		logger.Warn().Dur("window", a.window).Msg("No CPU datapoints found, treating average as 0")
	}

	decision := a.thresholds.Decide(stats.Average)
	rec := &models.Recommendation{
		InstanceID:             instanceID,
		Region:                 instance.Region,
		CurrentInstanceType:    instance.InstanceType,
		Architecture:           instance.Architecture,
		AverageCPUUsagePercent: models.Round2(stats.Average),
		PeakCPUUsagePercent:    models.Round2(stats.Peak),
		Datapoints:             stats.Datapoints,
		Decision:               decision,
	}
	a.recorder.Recommendation(instance.Region, instanceID, string(decision), rec.AverageCPUUsagePercent)

	logger.Info().
		Str("instance_type", instance.InstanceType).
		Float64("average_cpu", rec.AverageCPUUsagePercent).
		Float64("peak_cpu", rec.PeakCPUUsagePercent).
		Str("decision", string(decision)).
		Msg("Analyzed CPU utilization")

	if decision == models.DecisionRetain {
		return rec, nil
	}

	shortlist, err := instancetype.Shortlist(instance.InstanceType, valid)
	if err != nil {
		return nil, err
	}
	if len(shortlist) > advisor.MaxCandidates {
		shortlist = shortlist[:advisor.MaxCandidates]
	}

	input := advisor.SuggestInput{
		CurrentType:  instance.InstanceType,
		Architecture: instance.Architecture,
		Decision:     decision,
		Candidates:   shortlist,
	}
	suggestion, err := a.advisor.Suggest(ctx, input)
	rec.SuggestedBy = a.advisor.Name()
	if err != nil {
		logger.Warn().Err(err).Str("advisor", a.advisor.Name()).Msg("Advisor failed, falling back to rules")
		fallback := advisor.RuleAdvisor{}
		suggestion, _ = fallback.Suggest(ctx, input)
		rec.SuggestedBy = fallback.Name()
	}
	if suggestion == "" {
		logger.Info().Msg("No suggestion available")
		return rec, nil
	}

	rec.AISuggestedInstanceType = &suggestion
	rec.Validated = suggestion != instance.InstanceType && contains(valid, suggestion)
	rec.ActionRequired = rec.Validated

	if !rec.Validated {
		logger.Warn().Str("suggested", suggestion).Msg("Suggested type is not valid for this region and architecture, aborting")
	}
	return rec, nil
}

// Validate assesses an operator-requested target type.
func (a *Analyzer) Validate(ctx context.Context, instanceID, requested string) (*models.ValidationReport, error) {
	logger := zerolog.Ctx(ctx).With().Str("instance_id", instanceID).Str("requested", requested).Logger()

	instance, err := a.instances.DescribeInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	valid, err := a.catalog.List(ctx, instance.Architecture)
	if err != nil {
		return nil, err
	}

	input := advisor.AssessInput{
		CurrentType:      instance.InstanceType,
		RequestedType:    requested,
		Architecture:     instance.Architecture,
		OperatingSystem:  instance.Platform,
		AvailableForArch: contains(valid, requested),
	}
	if cmp, err := instancetype.Compare(instance.InstanceType, requested); err == nil {
		input.SizeIncrease = cmp.SizeIncrease
		input.SameFamily = cmp.SameFamily
	}

	assessment, err := a.advisor.Assess(ctx, input)
	assessedBy := a.advisor.Name()
	if err != nil {
		logger.Warn().Err(err).Str("advisor", a.advisor.Name()).Msg("Advisor failed, falling back to rules")
		fallback := advisor.RuleAdvisor{}
		if assessment, err = fallback.Assess(ctx, input); err != nil {
			return nil, fmt.Errorf("failed to assess %s: %w", requested, err)
		}
		assessedBy = fallback.Name()
	}

	logger.Info().
		Str("decision", assessment.Decision).
		Str("reason", assessment.Reason).
		Msg("Assessed requested instance type")

	return &models.ValidationReport{
		InstanceID:            instanceID,
		Region:                instance.Region,
		CurrentInstanceType:   instance.InstanceType,
		RequestedInstanceType: requested,
		Architecture:          instance.Architecture,
		OperatingSystem:       instance.Platform,
		CompatibilityDecision: assessment.Decision,
		Reason:                assessment.Reason,
		IsValidUpgrade:        assessment.Valid,
		AssessedBy:            assessedBy,
	}, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

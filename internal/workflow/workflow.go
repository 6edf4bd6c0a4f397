// Package workflow runs the "EC2 Safe Resizer" and "EC2 Rollback" flows
// in-process, the way the state machines run them step by step.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/constants"
	"github.com/savaki/ec2-resizer/internal/dao/lockdao"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/metrics"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/notify"
	"github.com/savaki/ec2-resizer/internal/resizer"
	"github.com/savaki/ec2-resizer/internal/safety"
	"github.com/segmentio/ksuid"
)

type Planner interface {
	Analyze(ctx context.Context, instanceID string) (*models.Recommendation, error)
	Validate(ctx context.Context, instanceID, requested string) (*models.ValidationReport, error)
}

type SafetyChecker interface {
	Check(ctx context.Context, plan safety.Plan) (*safety.Report, error)
}

type Executor interface {
	Resize(ctx context.Context, plan resizer.Plan) (*resizer.Result, error)
	Rollback(ctx context.Context, region, instanceID string) (*resizer.Result, error)
}

type Artifacts interface {
	PutArtifact(ctx context.Context, region, instanceID, resizeID, name string, v any) error
}

// Records is the resize history. resizedao.DAO implements it.
type Records interface {
	Create(ctx context.Context, input resizedao.CreateInput) (resizedao.Record, error)
	UpdateStatus(ctx context.Context, input resizedao.UpdateInput) error
	SetTarget(ctx context.Context, id resizedao.ID, fromType, toType, decision string) error
}

// Locks serializes resizes of one instance. lockdao.DAO implements it.
type Locks interface {
	Acquire(ctx context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error)
	Release(ctx context.Context, input lockdao.ReleaseInput) error
}

type RunOptions struct {
	DryRun      bool
	AutoApprove bool
}

// Outcome summarizes a run. Fields are filled as far as the run got.
type Outcome struct {
	ResizeID       string                   `json:"resize_id"`
	Status         resizedao.Status         `json:"status"`
	Message        string                   `json:"message,omitempty"`
	Recommendation *models.Recommendation   `json:"recommendation,omitempty"`
	Validation     *models.ValidationReport `json:"validation,omitempty"`
	Safety         *safety.Report           `json:"safety,omitempty"`
	Result         *resizer.Result          `json:"result,omitempty"`
}

type Runner struct {
	planner   Planner
	checker   SafetyChecker
	executor  Executor
	artifacts Artifacts
	approver  Approver
	records   Records
	locks     Locks
	notifier  notify.Notifier
	recorder  *metrics.Recorder
}

type Option func(*Runner)

func WithApprover(approver Approver) Option {
	return func(r *Runner) {
		r.approver = approver
	}
}

// WithRecords writes each run to the resize history table.
func WithRecords(records Records) Option {
	return func(r *Runner) {
		r.records = records
	}
}

// WithLocks holds the per-instance lock around the stop/modify/start cycle.
func WithLocks(locks Locks) Option {
	return func(r *Runner) {
		r.locks = locks
	}
}

func WithNotifier(notifier notify.Notifier) Option {
	return func(r *Runner) {
		r.notifier = notifier
	}
}

func WithRecorder(recorder *metrics.Recorder) Option {
	return func(r *Runner) {
		r.recorder = recorder
	}
}

func New(planner Planner, checker SafetyChecker, executor Executor, artifacts Artifacts, opts ...Option) *Runner {
	r := &Runner{
		planner:   planner,
		checker:   checker,
		executor:  executor,
		artifacts: artifacts,
		notifier:  notify.LogNotifier{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// execution carries the state of one execution.
type execution struct {
	*Runner
	req     models.ResizeRequest
	id      resizedao.ID
	logger  zerolog.Logger
	outcome *Outcome
}

func (r *Runner) begin(ctx context.Context, req models.ResizeRequest, kind resizedao.Kind) (*execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	status := resizedao.StatusPendingApproval
	if kind == resizedao.KindRollback {
		status = resizedao.StatusInProgress
	}

	id := resizedao.NewID(resizedao.NewPK(req.Region, req.InstanceID), ksuid.New().String())
	if r.records != nil {
		record, err := r.records.Create(ctx, resizedao.CreateInput{
			Kind:       kind,
			Region:     req.Region,
			InstanceID: req.InstanceID,
			ToType:     req.DesiredInstanceType,
			Requester:  req.RequesterEmail,
			Approver:   req.ApproverEmail,
			Status:     status,
		})
		if err != nil {
			return nil, err
		}
		id = record.GetID()
	}

	return &execution{
		Runner: r,
		req:    req,
		id:     id,
		logger: zerolog.Ctx(ctx).With().
			Str("resize_id", id.String()).
			Str("instance_id", req.InstanceID).
			Str("region", req.Region).
			Logger(),
		outcome: &Outcome{ResizeID: id.String()},
	}, nil
}

func (r *execution) event(eventType notify.EventType, from, to, actor, message string) notify.Event {
	return notify.Event{
		Type:       eventType,
		ResizeID:   r.id.String(),
		InstanceID: r.req.InstanceID,
		Region:     r.req.Region,
		From:       from,
		To:         to,
		Actor:      actor,
		Message:    message,
	}
}

// finish records the terminal status and returns the outcome with err.
func (r *execution) finish(ctx context.Context, status resizedao.Status, message string, err error) (*Outcome, error) {
	r.outcome.Status = status
	r.outcome.Message = message
	r.setStatus(ctx, status, "", message, err)
	return r.outcome, err
}

func (r *execution) setStatus(ctx context.Context, status resizedao.Status, approver, message string, cause error) {
	if r.records == nil {
		return
	}

	input := resizedao.UpdateInput{ID: r.id, Status: status, Approver: approver}
	if cause != nil {
		msg := cause.Error()
		input.ErrorMsg = &msg
	} else if message != "" && status.Terminal() {
		input.ErrorMsg = &message
	}
	if err := r.records.UpdateStatus(ctx, input); err != nil {
		r.logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to update resize record")
	}
}

func (r *execution) putArtifact(ctx context.Context, name string, v any) {
	if err := r.artifacts.PutArtifact(ctx, r.req.Region, r.req.InstanceID, r.id.String(), name, v); err != nil {
		r.logger.Warn().Err(err).Str("artifact", name).Msg("Failed to store artifact")
	}
}

// Resize runs analysis or validation, the safety checks, the approval
// gate and finally the resize.
func (r *Runner) Resize(ctx context.Context, req models.ResizeRequest, options RunOptions) (*Outcome, error) {
	run, err := r.begin(ctx, req, resizedao.KindResize)
	if err != nil {
		return nil, err
	}
	ctx = run.logger.WithContext(ctx)

	res, err := run.target(ctx)
	if err != nil {
		r.recorder.Resize(metrics.OutcomeFailed)
		return run.finish(ctx, resizedao.StatusFailed, "", err)
	}
	target, fromType, reason := res.Target, res.FromType, res.Reason
	if target == "" {
		r.recorder.Resize(metrics.OutcomeSkipped)
		run.logger.Info().Str("reason", reason).Msg("No action required")
		return run.finish(ctx, resizedao.StatusSkipped, reason, nil)
	}

	report, err := r.checker.Check(ctx, safety.Plan{
		InstanceID: req.InstanceID,
		TargetType: target,
		Requester:  req.RequesterEmail,
		Approver:   req.ApproverEmail,
	})
	run.outcome.Safety = report
	if report != nil {
		run.putArtifact(ctx, "safety", report)
		fromType = report.CurrentType
	}
	if r.records != nil {
		if err := r.records.SetTarget(ctx, run.id, fromType, target, res.Decision()); err != nil {
			run.logger.Warn().Err(err).Msg("Failed to record target")
		}
	}
	switch {
	case errors.Is(err, apperrors.ErrNoChangeRequired):
		r.recorder.Resize(metrics.OutcomeSkipped)
		return run.finish(ctx, resizedao.StatusSkipped, err.Error(), nil)
	case err != nil:
		r.recorder.Resize(metrics.OutcomeRejected)
		notify.Send(ctx, r.notifier, run.event(notify.EventResizeFailed, fromType, target, "", err.Error()))
		return run.finish(ctx, resizedao.StatusFailed, "", err)
	}

	if options.DryRun {
		r.recorder.Resize(metrics.OutcomeSkipped)
		run.logger.Info().Str("target", target).Msg("Dry run complete, safety checks passed")
		return run.finish(ctx, resizedao.StatusSkipped, "dry run: safety checks passed", nil)
	}

	approval, err := run.approve(ctx, options, fromType, target, reason)
	if err != nil {
		r.recorder.Resize(metrics.OutcomeFailed)
		return run.finish(ctx, resizedao.StatusFailed, "", err)
	}
	if !approval.Approved {
		r.recorder.Resize(metrics.OutcomeRejected)
		notify.Send(ctx, r.notifier, run.event(notify.EventRejected, fromType, target, approval.Approver, "Resize rejected"))
		return run.finish(ctx, resizedao.StatusRejected, "rejected", apperrors.ErrApprovalRejected)
	}
	run.setStatus(ctx, resizedao.StatusApproved, approval.Approver, "", nil)
	notify.Send(ctx, r.notifier, run.event(notify.EventApproved, fromType, target, approval.Approver, "Resize approved"))

	release, err := run.lock(ctx)
	if err != nil {
		r.recorder.Resize(metrics.OutcomeFailed)
		return run.finish(ctx, resizedao.StatusFailed, "", err)
	}
	defer release()

	run.setStatus(ctx, resizedao.StatusInProgress, "", "", nil)
	notify.Send(ctx, r.notifier, run.event(notify.EventResizeStarted, fromType, target, approval.Approver, "Resize started"))

	result, err := r.executor.Resize(ctx, resizer.Plan{
		ResizeID:   run.id.String(),
		InstanceID: req.InstanceID,
		TargetType: target,
		Snapshot:   req.Snapshot,
	})
	if err != nil {
		r.recorder.Resize(metrics.OutcomeFailed)
		notify.Send(ctx, r.notifier, run.event(notify.EventResizeFailed, fromType, target, approval.Approver, err.Error()))
		return run.finish(ctx, resizedao.StatusFailed, "", err)
	}
	run.outcome.Result = result

	r.recorder.Resize(metrics.OutcomeSucceeded)
	notify.Send(ctx, r.notifier, run.event(notify.EventResizeSucceeded, result.FromType, result.ToType, approval.Approver,
		fmt.Sprintf("Resize complete in %s", result.Duration.Round(time.Second))))
	return run.finish(ctx, resizedao.StatusSucceeded, "", nil)
}

// Resolution is the target picked by analysis or validation. An empty
// Target means there is nothing to do and Reason says why.
type Resolution struct {
	Target         string
	FromType       string
	Reason         string
	Recommendation *models.Recommendation
	Validation     *models.ValidationReport
}

// Decision names how the target was chosen.
func (r *Resolution) Decision() string {
	switch {
	case r == nil:
		return ""
	case r.Recommendation != nil:
		return string(r.Recommendation.Decision)
	case r.Validation != nil:
		return "override"
	default:
		return ""
	}
}

// Resolve validates the requested type for overrides and analyzes CPU
// usage otherwise.
func Resolve(ctx context.Context, planner Planner, req models.ResizeRequest) (*Resolution, error) {
	if req.IsOverride() {
		report, err := planner.Validate(ctx, req.InstanceID, req.DesiredInstanceType)
		if err != nil {
			return nil, err
		}

		res := &Resolution{FromType: report.CurrentInstanceType, Validation: report, Reason: report.Reason}
		if !report.IsValidUpgrade {
			res.Reason = fmt.Sprintf("%s: %s", report.CompatibilityDecision, report.Reason)
			return res, nil
		}
		res.Target = report.RequestedInstanceType
		return res, nil
	}

	rec, err := planner.Analyze(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		FromType:       rec.CurrentInstanceType,
		Recommendation: rec,
		Reason:         Summary(rec),
	}
	if !rec.ActionRequired {
		res.Reason = apperrors.ErrNoRecommendation.Error() + ": " + res.Reason
		return res, nil
	}
	res.Target = rec.TargetType()
	return res, nil
}

// Summary is the one line description of a recommendation used in
// notifications and approval prompts.
func Summary(rec *models.Recommendation) string {
	return fmt.Sprintf("average CPU %.2f%% (peak %.2f%%), decision %s", rec.AverageCPUUsagePercent, rec.PeakCPUUsagePercent, rec.Decision)
}

// target resolves the type to move to and stores the report behind it.
func (r *execution) target(ctx context.Context) (*Resolution, error) {
	res, err := Resolve(ctx, r.planner, r.req)
	if err != nil {
		return nil, err
	}

	r.outcome.Recommendation = res.Recommendation
	r.outcome.Validation = res.Validation
	if res.Validation != nil {
		r.putArtifact(ctx, constants.ValidationFile, res.Validation)
	}
	if rec := res.Recommendation; rec != nil {
		r.putArtifact(ctx, constants.RecommendationFile, rec)
		notify.Send(ctx, r.notifier, r.event(notify.EventRecommendation, rec.CurrentInstanceType, rec.TargetType(), "", Summary(rec)))
	}
	return res, nil
}

func (r *execution) approve(ctx context.Context, options RunOptions, fromType, target, summary string) (Approval, error) {
	approver := r.approver
	if options.AutoApprove || approver == nil {
		approver = AutoApprover{Approver: r.req.ApproverEmail}
	}

	notify.Send(ctx, r.notifier, r.event(notify.EventApprovalRequested, fromType, target, r.req.RequesterEmail, summary))
	return approver.Approve(ctx, ApprovalRequest{
		ResizeID:   r.id.String(),
		InstanceID: r.req.InstanceID,
		Region:     r.req.Region,
		FromType:   fromType,
		ToType:     target,
		Requester:  r.req.RequesterEmail,
		Summary:    summary,
	})
}

// lock acquires the per-instance lock and returns its release func.
func (r *execution) lock(ctx context.Context) (func(), error) {
	if r.locks == nil {
		return func() {}, nil
	}

	holder, acquired, err := r.locks.Acquire(ctx, lockdao.AcquireInput{
		Region:     r.req.Region,
		InstanceID: r.req.InstanceID,
		ResizeID:   r.id.String(),
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		heldBy := ""
		if holder != nil {
			heldBy = holder.ResizeID
		}
		return nil, fmt.Errorf("%w: %s", apperrors.ErrLockHeld, heldBy)
	}

	return func() {
		err := r.locks.Release(context.WithoutCancel(ctx), lockdao.ReleaseInput{
			ID:       lockdao.NewID(r.req.Region, r.req.InstanceID),
			ResizeID: r.id.String(),
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("Failed to release lock")
		}
	}, nil
}

// Rollback restores the type recorded before the last resize of the
// instance.
func (r *Runner) Rollback(ctx context.Context, req models.ResizeRequest) (*Outcome, error) {
	run, err := r.begin(ctx, req, resizedao.KindRollback)
	if err != nil {
		return nil, err
	}
	ctx = run.logger.WithContext(ctx)

	release, err := run.lock(ctx)
	if err != nil {
		r.recorder.Rollback(metrics.OutcomeFailed)
		return run.finish(ctx, resizedao.StatusFailed, "", err)
	}
	defer release()

	result, err := r.executor.Rollback(ctx, req.Region, req.InstanceID)
	if err != nil {
		r.recorder.Rollback(metrics.OutcomeFailed)
		notify.Send(ctx, r.notifier, run.event(notify.EventRollbackFailed, "", "", req.RequesterEmail, err.Error()))
		return run.finish(ctx, resizedao.StatusFailed, "", err)
	}
	run.outcome.Result = result

	if r.records != nil {
		if err := r.records.SetTarget(ctx, run.id, result.FromType, result.ToType, string(resizedao.KindRollback)); err != nil {
			run.logger.Warn().Err(err).Msg("Failed to record target")
		}
	}

	if !result.Changed {
		r.recorder.Rollback(metrics.OutcomeSkipped)
		return run.finish(ctx, resizedao.StatusSkipped, "instance already runs the previous type", nil)
	}

	// mark the resize that was undone
	if r.records != nil {
		if _, _, err := resizedao.ParseID(resizedao.ID(result.ResizeID)); err == nil {
			err := r.records.UpdateStatus(ctx, resizedao.UpdateInput{ID: resizedao.ID(result.ResizeID), Status: resizedao.StatusRolledBack})
			if err != nil {
				run.logger.Warn().Err(err).Str("rolled_back", result.ResizeID).Msg("Failed to mark resize as rolled back")
			}
		}
	}

	r.recorder.Rollback(metrics.OutcomeSucceeded)
	notify.Send(ctx, r.notifier, run.event(notify.EventRollbackSucceeded, result.FromType, result.ToType, req.RequesterEmail, "Rollback complete"))
	return run.finish(ctx, resizedao.StatusSucceeded, "", nil)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
)

// RejectedError is the error name the approval task fails with.
const RejectedError = "Rejected"

// SFNAPI is the subset of the Step Functions client used here.
type SFNAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// Records is the resize history surface. resizedao.DAO implements it.
type Records interface {
	Find(ctx context.Context, id resizedao.ID) (resizedao.Record, error)
	SetExecution(ctx context.Context, id resizedao.ID, executionArn string) error
	UpdateStatus(ctx context.Context, input resizedao.UpdateInput) error
}

// Orchestrator starts the resize and rollback state machines and resolves
// their approval tasks.
type Orchestrator struct {
	client      SFNAPI
	resizeArn   string
	rollbackArn string
	records     Records
}

func New(client SFNAPI, resizeArn, rollbackArn string, records Records) *Orchestrator {
	return &Orchestrator{
		client:      client,
		resizeArn:   resizeArn,
		rollbackArn: rollbackArn,
		records:     records,
	}
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ExecutionName derives the execution name from the resize ID. Names are
// limited to 80 characters from [A-Za-z0-9_-].
func ExecutionName(input models.WorkflowInput, kind string) (string, error) {
	_, sk, err := resizedao.ParseID(resizedao.ID(input.ResizeID))
	if err != nil {
		return "", err
	}

	name := input.InstanceID + "-" + sk
	if kind != "" {
		name = input.InstanceID + "-" + kind + "-" + sk
	}
	name = invalidNameChars.ReplaceAllString(name, "-")
	if len(name) > 80 {
		name = name[:80]
	}
	return name, nil
}

// StartResize starts the "EC2 Safe Resizer" state machine and records the
// execution on the resize record.
func (o *Orchestrator) StartResize(ctx context.Context, input models.WorkflowInput) (string, error) {
	return o.start(ctx, o.resizeArn, "", input)
}

// StartRollback starts the "EC2 Rollback" state machine.
func (o *Orchestrator) StartRollback(ctx context.Context, input models.WorkflowInput) (string, error) {
	return o.start(ctx, o.rollbackArn, "rollback", input)
}

func (o *Orchestrator) start(ctx context.Context, stateMachineArn, kind string, input models.WorkflowInput) (string, error) {
	if stateMachineArn == "" {
		return "", apperrors.ErrStateMachineARNRequired
	}

	name, err := ExecutionName(input, kind)
	if err != nil {
		return "", err
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal step function input: %w", err)
	}

	result, err := o.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(stateMachineArn),
		Name:            aws.String(name),
		Input:           aws.String(string(inputJSON)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start step function execution: %w", err)
	}

	executionArn := aws.ToString(result.ExecutionArn)
	if err := o.records.SetExecution(ctx, resizedao.ID(input.ResizeID), executionArn); err != nil {
		return "", fmt.Errorf("failed to record execution: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("execution_arn", executionArn).
		Str("resize_id", input.ResizeID).
		Msg("Started execution")
	return executionArn, nil
}

func (o *Orchestrator) pendingToken(ctx context.Context, id resizedao.ID) (string, error) {
	record, err := o.records.Find(ctx, id)
	if err != nil {
		return "", err
	}
	if record.Status != resizedao.StatusPendingApproval || record.TaskToken == nil || *record.TaskToken == "" {
		return "", fmt.Errorf("%w: %s is %s", apperrors.ErrTaskTokenMissing, id, record.Status)
	}
	return *record.TaskToken, nil
}

// Approve resumes the waiting execution.
func (o *Orchestrator) Approve(ctx context.Context, id resizedao.ID, approver string) error {
	token, err := o.pendingToken(ctx, id)
	if err != nil {
		return err
	}

	output, err := json.Marshal(models.ApprovalOutput{Approved: true, Approver: approver})
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}

	_, err = o.client.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(token),
		Output:    aws.String(string(output)),
	})
	if err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	return o.markDecided(ctx, resizedao.UpdateInput{
		ID:       id,
		Status:   resizedao.StatusApproved,
		Approver: approver,
	})
}

// markDecided records an approval decision unless the workflow has already
// moved the record past PENDING_APPROVAL.
func (o *Orchestrator) markDecided(ctx context.Context, input resizedao.UpdateInput) error {
	input.ExpectedStatus = resizedao.StatusPendingApproval
	err := o.records.UpdateStatus(ctx, input)
	if errors.Is(err, apperrors.ErrStatusChanged) {
		zerolog.Ctx(ctx).Info().
			Str("resize_id", input.ID.String()).
			Str("status", string(input.Status)).
			Msg("Resize already progressed, keeping its status")
		return nil
	}
	return err
}

// Reject fails the waiting approval task, which ends the execution.
func (o *Orchestrator) Reject(ctx context.Context, id resizedao.ID, approver, reason string) error {
	token, err := o.pendingToken(ctx, id)
	if err != nil {
		return err
	}

	if reason == "" {
		reason = "rejected by " + approver
	}

	_, err = o.client.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(token),
		Error:     aws.String(RejectedError),
		Cause:     aws.String(reason),
	})
	if err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}

	return o.markDecided(ctx, resizedao.UpdateInput{
		ID:       id,
		Status:   resizedao.StatusRejected,
		Approver: approver,
		ErrorMsg: &reason,
	})
}

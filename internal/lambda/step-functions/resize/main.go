package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	"github.com/savaki/ec2-resizer/internal/di"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/notify"
	"github.com/savaki/ec2-resizer/internal/resizer"
	"github.com/savaki/ec2-resizer/internal/store"
	"github.com/savaki/ec2-resizer/internal/workflow"
	"github.com/urfave/cli/v2"
)

const resultArtifact = "result"

type Records interface {
	UpdateStatus(ctx context.Context, input resizedao.UpdateInput) error
}

type Handler struct {
	executor  workflow.Executor
	artifacts workflow.Artifacts
	records   Records
	notifier  notify.Notifier
}

func NewHandler(container di.Container) (*Handler, error) {
	var h *Handler
	err := container.Invoke(func(e *resizer.Executor, s store.Store, dao *resizedao.DAO, n notify.Notifier) {
		h = &Handler{
			executor:  e,
			artifacts: s,
			records:   dao,
			notifier:  n,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}
	return h, nil
}

// HandleResize stops the instance, changes its type and starts it again.
// A failed resize stops the execution rather than failing it so the lock is
// still released.
func (h *Handler) HandleResize(ctx context.Context, input *models.StepState) (*models.StepState, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("resize_id", input.ResizeID).
		Str("instance_id", input.InstanceID).
		Str("target", input.TargetInstanceType).
		Logger()

	state := *input
	if input.Approval != nil && !input.Approval.Approved {
		return state.Stop(string(resizedao.StatusRejected), apperrors.ErrApprovalRejected.Error()), nil
	}

	approver := input.Approver
	if input.Approval != nil && input.Approval.Approver != "" {
		approver = input.Approval.Approver
	}
	state.Approver = approver

	err := h.records.UpdateStatus(ctx, resizedao.UpdateInput{
		ID:       resizedao.ID(input.ResizeID),
		Status:   resizedao.StatusInProgress,
		Approver: approver,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to update resize record")
	}

	notify.Send(ctx, h.notifier, notify.Event{
		Type:       notify.EventResizeStarted,
		ResizeID:   input.ResizeID,
		InstanceID: input.InstanceID,
		Region:     input.Region,
		From:       input.FromInstanceType,
		To:         input.TargetInstanceType,
		Actor:      approver,
		Message:    "Resize started",
	})

	logger.Info().Msg("Resizing instance")

	result, err := h.executor.Resize(ctx, resizer.Plan{
		ResizeID:   input.ResizeID,
		InstanceID: input.InstanceID,
		TargetType: input.TargetInstanceType,
		Snapshot:   input.Snapshot,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Resize failed")
		return state.Stop(string(resizedao.StatusFailed), err.Error()), nil
	}

	if err := h.artifacts.PutArtifact(ctx, input.Region, input.InstanceID, input.ResizeID, resultArtifact, result); err != nil {
		logger.Warn().Err(err).Msg("Failed to store resize result")
	}

	state.FromInstanceType = result.FromType
	message := fmt.Sprintf("Resize complete in %s", result.Duration.Round(time.Second))
	if !result.Changed {
		message = "instance already runs the target type"
	}

	logger.Info().
		Str("from", result.FromType).
		Str("to", result.ToType).
		Bool("changed", result.Changed).
		Msg(message)

	return state.Stop(string(resizedao.StatusSucceeded), message), nil
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "resize").Logger()
	env := c.String("env")

	wrappedHandler := func(ctx context.Context, input *models.StepState) (*models.StepState, error) {
		ctx = logger.WithContext(ctx)
		container, err := di.ForWorkflow(ctx, env, input.WorkflowInput)
		if err != nil {
			return nil, err
		}
		handler, err := NewHandler(container)
		if err != nil {
			return nil, err
		}
		return handler.HandleResize(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "resize").Logger()
	ctx := logger.WithContext(context.Background())

	// CLI mode for testing
	input := &models.StepState{
		WorkflowInput: models.WorkflowInput{
			ResizeID:           c.String("resize-id"),
			InstanceID:         c.String("instance-id"),
			Region:             c.String("region"),
			TargetInstanceType: c.String("target-instance-type"),
			Approver:           c.String("approver"),
			Snapshot:           c.Bool("snapshot"),
			Env:                c.String("env"),
		},
	}

	container, err := di.ForWorkflow(ctx, c.String("env"), input.WorkflowInput)
	if err != nil {
		return err
	}
	handler, err := NewHandler(container)
	if err != nil {
		return err
	}

	result, err := handler.HandleResize(ctx, input)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func main() {
	app := &cli.App{
		Name:           "resize",
		Usage:          "Change the instance type of an approved resize",
		DefaultCommand: "lambda",
		Commands: []*cli.Command{
			{
				Name:   "lambda",
				Usage:  "Start Lambda handler",
				Action: lambdaAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "env",
						Usage:   "Environment",
						EnvVars: []string{"ENV"},
						Value:   "dev",
					},
				},
			},
			{
				Name:  "run",
				Usage: "Run locally for testing",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "env",
						Usage:   "Environment",
						EnvVars: []string{"ENV"},
						Value:   "dev",
					},
					&cli.StringFlag{
						Name:     "resize-id",
						Usage:    "Resize ID",
						EnvVars:  []string{"RESIZE_ID"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "instance-id",
						Usage:    "EC2 instance ID",
						EnvVars:  []string{"INSTANCE_ID"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "region",
						Usage:    "Instance region",
						EnvVars:  []string{"AWS_REGION"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "target-instance-type",
						Usage:    "Instance type to move to",
						EnvVars:  []string{"TARGET_INSTANCE_TYPE"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "approver",
						Usage:   "Approver email",
						EnvVars: []string{"APPROVER"},
					},
					&cli.BoolFlag{
						Name:    "snapshot",
						Usage:   "Snapshot attached volumes first",
						EnvVars: []string{"SNAPSHOT"},
					},
				},
				Action: runAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	"github.com/savaki/ec2-resizer/internal/di"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/safety"
	"github.com/savaki/ec2-resizer/internal/store"
	"github.com/savaki/ec2-resizer/internal/workflow"
	"github.com/urfave/cli/v2"
)

const safetyArtifact = "safety"

type Handler struct {
	checker   workflow.SafetyChecker
	artifacts workflow.Artifacts
}

func NewHandler(container di.Container) (*Handler, error) {
	var h *Handler
	err := container.Invoke(func(c *safety.Checker, s store.Store) {
		h = &Handler{
			checker:   c,
			artifacts: s,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}
	return h, nil
}

// HandleSafetyCheck runs the pre-resize checks against the selected target.
// A failed check stops the execution and update-status reports it. Errors
// that prevent checking are returned so the state machine can retry them.
func (h *Handler) HandleSafetyCheck(ctx context.Context, input *models.StepState) (*models.StepState, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("resize_id", input.ResizeID).
		Str("instance_id", input.InstanceID).
		Str("target", input.TargetInstanceType).
		Logger()

	logger.Info().Msg("Running safety checks")

	state := *input
	report, err := h.checker.Check(ctx, safety.Plan{
		InstanceID: input.InstanceID,
		TargetType: input.TargetInstanceType,
		Requester:  input.Requester,
		Approver:   input.Approver,
	})
	if report != nil {
		state.FromInstanceType = report.CurrentType
		if err := h.artifacts.PutArtifact(ctx, input.Region, input.InstanceID, input.ResizeID, safetyArtifact, report); err != nil {
			logger.Warn().Err(err).Msg("Failed to store safety report")
		}
	}

	var checkErr *safety.CheckError
	switch {
	case errors.Is(err, apperrors.ErrNoChangeRequired):
		logger.Info().Msg("Instance already runs the target type")
		return state.Stop(string(resizedao.StatusSkipped), err.Error()), nil

	case errors.As(err, &checkErr):
		logger.Warn().
			Str("check", checkErr.Check).
			Strs("violations", checkErr.Violations).
			Msg("Safety check failed")
		return state.Stop(string(resizedao.StatusFailed), err.Error()), nil

	case err != nil:
		return nil, fmt.Errorf("failed to run safety checks: %w", err)
	}

	if input.DryRun {
		logger.Info().Msg("Dry run complete, safety checks passed")
		return state.Stop(string(resizedao.StatusSkipped), "dry run: safety checks passed"), nil
	}

	logger.Info().Msg("Safety checks passed")
	state.Proceed = true
	return &state, nil
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "safety-check").Logger()
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
		return handler.HandleSafetyCheck(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "safety-check").Logger()
	ctx := logger.WithContext(context.Background())

	// CLI mode for testing
	input := &models.StepState{
		WorkflowInput: models.WorkflowInput{
			ResizeID:           c.String("resize-id"),
			InstanceID:         c.String("instance-id"),
			Region:             c.String("region"),
			TargetInstanceType: c.String("target-instance-type"),
			Requester:          c.String("requester"),
			Approver:           c.String("approver"),
			DryRun:             true,
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

	result, err := handler.HandleSafetyCheck(ctx, input)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func main() {
	app := &cli.App{
		Name:           "safety-check",
		Usage:          "Run the pre-resize safety checks",
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
				Usage: "Run locally for testing, always as a dry run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "env",
						Usage:   "Environment",
						EnvVars: []string{"ENV"},
						Value:   "dev",
					},
					&cli.StringFlag{
						Name:    "resize-id",
						Usage:   "Resize ID",
						EnvVars: []string{"RESIZE_ID"},
						Value:   "local",
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
						Usage:    "Instance type to check",
						EnvVars:  []string{"TARGET_INSTANCE_TYPE"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "requester",
						Usage:   "Requester email",
						EnvVars: []string{"REQUESTER"},
					},
					&cli.StringFlag{
						Name:    "approver",
						Usage:   "Approver email",
						EnvVars: []string{"APPROVER"},
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

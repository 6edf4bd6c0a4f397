package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/analyzer"
	"github.com/savaki/ec2-resizer/internal/constants"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	"github.com/savaki/ec2-resizer/internal/di"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/notify"
	"github.com/savaki/ec2-resizer/internal/store"
	"github.com/savaki/ec2-resizer/internal/workflow"
	"github.com/urfave/cli/v2"
)

// Records is the part of the resize history this step writes.
type Records interface {
	SetTarget(ctx context.Context, id resizedao.ID, fromType, toType, decision string) error
}

type Handler struct {
	planner   workflow.Planner
	artifacts workflow.Artifacts
	records   Records
	notifier  notify.Notifier
}

func NewHandler(container di.Container) (*Handler, error) {
	var h *Handler
	err := container.Invoke(func(a *analyzer.Analyzer, s store.Store, dao *resizedao.DAO, n notify.Notifier) {
		h = &Handler{
			planner:   a,
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

// HandleAnalyze picks the target type. Overrides are validated, everything
// else is analyzed from CPU usage.
func (h *Handler) HandleAnalyze(ctx context.Context, input *models.StepState) (*models.StepState, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("resize_id", input.ResizeID).
		Str("instance_id", input.InstanceID).
		Str("region", input.Region).
		Logger()

	logger.Info().
		Str("desired_instance_type", input.DesiredInstanceType).
		Msg("Analyzing instance")

	res, err := workflow.Resolve(ctx, h.planner, input.Request())
	if err != nil {
		return nil, fmt.Errorf("failed to analyze %s: %w", input.InstanceID, err)
	}

	state := *input
	state.FromInstanceType = res.FromType
	state.TargetInstanceType = res.Target
	state.Decision = res.Decision()

	if res.Validation != nil {
		h.putArtifact(ctx, logger, input, constants.ValidationFile, res.Validation)
	}
	if rec := res.Recommendation; rec != nil {
		h.putArtifact(ctx, logger, input, constants.RecommendationFile, rec)
		notify.Send(ctx, h.notifier, notify.Event{
			Type:       notify.EventRecommendation,
			ResizeID:   input.ResizeID,
			InstanceID: input.InstanceID,
			Region:     input.Region,
			From:       rec.CurrentInstanceType,
			To:         rec.TargetType(),
			Message:    workflow.Summary(rec),
		})
	}

	if err := h.records.SetTarget(ctx, resizedao.ID(input.ResizeID), res.FromType, res.Target, res.Decision()); err != nil {
		logger.Warn().Err(err).Msg("Failed to record target")
	}

	if res.Target == "" {
		logger.Info().Str("reason", res.Reason).Msg("No action required")
		return state.Stop(string(resizedao.StatusSkipped), res.Reason), nil
	}

	logger.Info().
		Str("from", res.FromType).
		Str("to", res.Target).
		Str("decision", state.Decision).
		Msg("Target selected")

	state.Proceed = true
	state.Message = res.Reason
	return &state, nil
}

func (h *Handler) putArtifact(ctx context.Context, logger zerolog.Logger, input *models.StepState, name string, v any) {
	if err := h.artifacts.PutArtifact(ctx, input.Region, input.InstanceID, input.ResizeID, name, v); err != nil {
		logger.Warn().Err(err).Str("artifact", name).Msg("Failed to store artifact")
	}
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "analyze").Logger()
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
		return handler.HandleAnalyze(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "analyze").Logger()
	ctx := logger.WithContext(context.Background())

	// CLI mode for testing
	input := &models.StepState{
		WorkflowInput: models.WorkflowInput{
			ResizeID:            c.String("resize-id"),
			InstanceID:          c.String("instance-id"),
			Region:              c.String("region"),
			DesiredInstanceType: c.String("desired-instance-type"),
			RoleARN:             c.String("role-arn"),
			Env:                 c.String("env"),
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

	result, err := handler.HandleAnalyze(ctx, input)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func main() {
	app := &cli.App{
		Name:           "analyze",
		Usage:          "Pick the target instance type for a resize",
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
						Name:    "desired-instance-type",
						Usage:   "Requested instance type; empty asks for a recommendation",
						EnvVars: []string{"DESIRED_INSTANCE_TYPE"},
					},
					&cli.StringFlag{
						Name:    "role-arn",
						Usage:   "Role to assume in the instance's account",
						EnvVars: []string{"ROLE_ARN"},
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

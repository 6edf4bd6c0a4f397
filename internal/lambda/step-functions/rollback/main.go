package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	"github.com/savaki/ec2-resizer/internal/di"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/resizer"
	"github.com/urfave/cli/v2"
)

type Executor interface {
	Rollback(ctx context.Context, region, instanceID string) (*resizer.Result, error)
}

type Records interface {
	UpdateStatus(ctx context.Context, input resizedao.UpdateInput) error
	SetTarget(ctx context.Context, id resizedao.ID, fromType, toType, decision string) error
}

type Handler struct {
	executor Executor
	records  Records
}

func NewHandler(container di.Container) (*Handler, error) {
	var h *Handler
	err := container.Invoke(func(e *resizer.Executor, dao *resizedao.DAO) {
		h = &Handler{
			executor: e,
			records:  dao,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}
	return h, nil
}

// HandleRollback restores the type saved before the instance's last resize
// and marks that resize as rolled back.
func (h *Handler) HandleRollback(ctx context.Context, input *models.StepState) (*models.StepState, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("resize_id", input.ResizeID).
		Str("instance_id", input.InstanceID).
		Str("region", input.Region).
		Logger()

	logger.Info().Msg("Rolling back instance")

	state := *input
	result, err := h.executor.Rollback(ctx, input.Region, input.InstanceID)
	if err != nil {
		logger.Error().Err(err).Msg("Rollback failed")
		return state.Stop(string(resizedao.StatusFailed), err.Error()), nil
	}

	state.FromInstanceType = result.FromType
	state.TargetInstanceType = result.ToType

	err = h.records.SetTarget(ctx, resizedao.ID(input.ResizeID), result.FromType, result.ToType, string(resizedao.KindRollback))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to record target")
	}

	if !result.Changed {
		logger.Info().Str("instance_type", result.ToType).Msg("Instance already runs the previous type")
		return state.Stop(string(resizedao.StatusSkipped), "instance already runs the previous type"), nil
	}

	if _, _, err := resizedao.ParseID(resizedao.ID(result.ResizeID)); err == nil {
		err := h.records.UpdateStatus(ctx, resizedao.UpdateInput{
			ID:     resizedao.ID(result.ResizeID),
			Status: resizedao.StatusRolledBack,
		})
		if err != nil {
			logger.Warn().Err(err).Str("rolled_back", result.ResizeID).Msg("Failed to mark resize as rolled back")
		}
	}

	logger.Info().
		Str("from", result.FromType).
		Str("to", result.ToType).
		Msg("Rollback complete")

	return state.Stop(string(resizedao.StatusSucceeded), "Rollback complete"), nil
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "rollback").Logger()
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
		return handler.HandleRollback(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "rollback").Logger()
	ctx := logger.WithContext(context.Background())

	// CLI mode for testing
	input := &models.StepState{
		WorkflowInput: models.WorkflowInput{
			ResizeID:   c.String("resize-id"),
			Kind:       models.KindRollback,
			InstanceID: c.String("instance-id"),
			Region:     c.String("region"),
			Env:        c.String("env"),
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

	result, err := handler.HandleRollback(ctx, input)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func main() {
	app := &cli.App{
		Name:           "rollback",
		Usage:          "Restore the instance type saved before the last resize",
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
						Usage:    "ID of the rollback record",
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
				},
				Action: runAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

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
	"github.com/savaki/ec2-resizer/internal/dao/lockdao"
	"github.com/savaki/ec2-resizer/internal/di"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/urfave/cli/v2"
)

type Locks interface {
	Release(ctx context.Context, input lockdao.ReleaseInput) error
}

type Handler struct {
	locks Locks
}

func NewHandler(container di.Container) (*Handler, error) {
	dao, err := di.Get[*lockdao.DAO](container)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}
	return &Handler{locks: dao}, nil
}

// HandleReleaseLock releases the instance lock held by this resize. A lock
// that expired and was taken by another resize is left alone.
func (h *Handler) HandleReleaseLock(ctx context.Context, input *models.StepState) (*models.StepState, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("resize_id", input.ResizeID).
		Str("instance_id", input.InstanceID).
		Str("region", input.Region).
		Logger()

	state := *input
	if !input.LockAcquired {
		logger.Info().Msg("Lock not held, nothing to release")
		return &state, nil
	}

	logger.Info().Msg("Releasing instance lock")

	err := h.locks.Release(ctx, lockdao.ReleaseInput{
		ID:       lockdao.NewID(input.Region, input.InstanceID),
		ResizeID: input.ResizeID,
	})
	switch {
	case errors.Is(err, apperrors.ErrLockNotHeld):
		logger.Warn().Err(err).Msg("Lock was taken over by another resize")
	case err != nil:
		logger.Error().Err(err).Msg("Failed to release lock")
		return nil, fmt.Errorf("failed to release lock: %w", err)
	default:
		logger.Info().Msg("Lock released successfully")
	}

	state.LockAcquired = false
	return &state, nil
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "release-lock").Logger()
	ctx := logger.WithContext(context.Background())

	container, err := di.New(c.String("env"), di.WithContext(ctx))
	if err != nil {
		return err
	}
	handler, err := NewHandler(container)
	if err != nil {
		return err
	}

	wrappedHandler := func(ctx context.Context, input *models.StepState) (*models.StepState, error) {
		ctx = logger.WithContext(ctx)
		return handler.HandleReleaseLock(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "release-lock").Logger()
	ctx := logger.WithContext(context.Background())

	container, err := di.New(c.String("env"), di.WithContext(ctx))
	if err != nil {
		return err
	}
	handler, err := NewHandler(container)
	if err != nil {
		return err
	}

	// CLI mode for testing
	input := &models.StepState{
		WorkflowInput: models.WorkflowInput{
			ResizeID:   c.String("resize-id"),
			InstanceID: c.String("instance-id"),
			Region:     c.String("region"),
			Env:        c.String("env"),
		},
		LockAcquired: true,
	}

	result, err := handler.HandleReleaseLock(ctx, input)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func main() {
	app := &cli.App{
		Name:           "release-lock",
		Usage:          "Release the per-instance resize lock",
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
				},
				Action: runAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

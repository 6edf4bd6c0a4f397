package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/lockdao"
	"github.com/savaki/ec2-resizer/internal/di"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/urfave/cli/v2"
)

// maxRetries with the state machine's 30 second wait gives a competing
// resize about five minutes to finish.
const maxRetries = 10

type Locks interface {
	Acquire(ctx context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error)
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

// HandleAcquireLock takes the per-instance lock. While another resize holds
// it the state machine waits and calls again with ShouldRetry set.
func (h *Handler) HandleAcquireLock(ctx context.Context, input *models.StepState) (*models.StepState, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("resize_id", input.ResizeID).
		Str("instance_id", input.InstanceID).
		Str("region", input.Region).
		Int("retry_count", input.RetryCount).
		Logger()

	logger.Info().Msg("Attempting to acquire instance lock")

	holder, acquired, err := h.locks.Acquire(ctx, lockdao.AcquireInput{
		Region:       input.Region,
		InstanceID:   input.InstanceID,
		ResizeID:     input.ResizeID,
		ExecutionArn: input.ExecutionArn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to try acquire lock: %w", err)
	}

	state := *input
	if acquired {
		logger.Info().Msg("Lock acquired successfully")
		state.LockAcquired = true
		state.ShouldRetry = false
		return &state, nil
	}

	lockHolder := "unknown"
	if holder != nil {
		lockHolder = holder.ResizeID
	}

	state.RetryCount = input.RetryCount + 1
	state.ShouldRetry = state.RetryCount < maxRetries

	logger.Warn().
		Str("lock_holder", lockHolder).
		Bool("should_retry", state.ShouldRetry).
		Msg("Lock held by another resize")

	if !state.ShouldRetry {
		return nil, fmt.Errorf("failed to acquire lock after %d retries (held by resize %s)", maxRetries, lockHolder)
	}

	state.Message = fmt.Sprintf("Lock held by resize %s, retry %d/%d", lockHolder, state.RetryCount, maxRetries)
	return &state, nil
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "acquire-lock").Logger()
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
		return handler.HandleAcquireLock(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "acquire-lock").Logger()
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
		RetryCount: c.Int("retry-count"),
	}

	result, err := handler.HandleAcquireLock(ctx, input)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func main() {
	app := &cli.App{
		Name:           "acquire-lock",
		Usage:          "Acquire the per-instance resize lock",
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
					&cli.IntFlag{
						Name:    "retry-count",
						Usage:   "Retry count",
						EnvVars: []string{"RETRY_COUNT"},
						Value:   0,
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

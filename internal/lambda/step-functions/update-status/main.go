package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	"github.com/savaki/ec2-resizer/internal/di"
	"github.com/savaki/ec2-resizer/internal/metrics"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/notify"
	"github.com/savaki/ec2-resizer/internal/orchestrator"
	"github.com/savaki/ec2-resizer/internal/services"
	"github.com/urfave/cli/v2"
)

const metricsJob = "ec2-resizer"

type Records interface {
	UpdateStatus(ctx context.Context, input resizedao.UpdateInput) error
}

type Handler struct {
	records  Records
	notifier notify.Notifier
	recorder *metrics.Recorder
	pushURL  string
}

func NewHandler(container di.Container) (*Handler, error) {
	var h *Handler
	err := container.Invoke(func(dao *resizedao.DAO, n notify.Notifier, r *metrics.Recorder, config *services.Config) {
		h = &Handler{
			records:  dao,
			notifier: n,
			recorder: r,
			pushURL:  config.PushgatewayURL,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}
	return h, nil
}

// finalStatus reads the outcome left by the previous steps. A caught error
// wins over any status already set.
func finalStatus(input *models.StepState) (resizedao.Status, string) {
	if input.Error != nil {
		message := input.Error.Cause
		if message == "" {
			message = input.Error.Error
		}
		if input.Error.Error == orchestrator.RejectedError {
			return resizedao.StatusRejected, message
		}
		return resizedao.StatusFailed, message
	}

	if input.Status == "" {
		return resizedao.StatusFailed, "execution ended without a status"
	}
	return resizedao.Status(input.Status), input.Message
}

func eventFor(kind string, status resizedao.Status) (notify.EventType, bool) {
	if kind == models.KindRollback {
		switch status {
		case resizedao.StatusSucceeded:
			return notify.EventRollbackSucceeded, true
		case resizedao.StatusFailed:
			return notify.EventRollbackFailed, true
		}
		return "", false
	}

	switch status {
	case resizedao.StatusSucceeded:
		return notify.EventResizeSucceeded, true
	case resizedao.StatusFailed:
		return notify.EventResizeFailed, true
	case resizedao.StatusRejected:
		return notify.EventRejected, true
	}
	return "", false
}

// HandleUpdateStatus is the last step of both state machines. It records
// the final status, sends the closing notification and pushes metrics.
func (h *Handler) HandleUpdateStatus(ctx context.Context, input *models.StepState) (*models.StepState, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("resize_id", input.ResizeID).
		Str("instance_id", input.InstanceID).
		Str("kind", input.Kind).
		Logger()

	status, message := finalStatus(input)

	update := resizedao.UpdateInput{
		ID:       resizedao.ID(input.ResizeID),
		Status:   status,
		Approver: input.Approver,
	}
	if status != resizedao.StatusSucceeded && message != "" {
		update.ErrorMsg = &message
	}
	if err := h.records.UpdateStatus(ctx, update); err != nil {
		logger.Error().Err(err).Msg("Failed to update resize status")
		return nil, fmt.Errorf("failed to update resize status: %w", err)
	}

	logger.Info().
		Str("status", string(status)).
		Str("message", message).
		Msg("Resize status updated")

	if eventType, ok := eventFor(input.Kind, status); ok {
		notify.Send(ctx, h.notifier, notify.Event{
			Type:       eventType,
			ResizeID:   input.ResizeID,
			InstanceID: input.InstanceID,
			Region:     input.Region,
			From:       input.FromInstanceType,
			To:         input.TargetInstanceType,
			Actor:      input.Approver,
			Message:    message,
		})
	}

	outcome := strings.ToLower(string(status))
	if input.Kind == models.KindRollback {
		h.recorder.Rollback(outcome)
	} else {
		h.recorder.Resize(outcome)
	}
	if err := h.recorder.Push(ctx, h.pushURL, metricsJob); err != nil {
		logger.Warn().Err(err).Msg("Failed to push metrics")
	}

	state := *input
	state.Proceed = false
	state.Status = string(status)
	state.Message = message
	return &state, nil
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "update-status").Logger()
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
		return handler.HandleUpdateStatus(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "update-status").Logger()
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
			Kind:       c.String("kind"),
			InstanceID: c.String("instance-id"),
			Region:     c.String("region"),
			Env:        c.String("env"),
		},
		Status:  c.String("status"),
		Message: c.String("message"),
	}

	result, err := handler.HandleUpdateStatus(ctx, input)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func main() {
	app := &cli.App{
		Name:           "update-status",
		Usage:          "Record the final status of a resize or rollback",
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
						Name:    "kind",
						Usage:   "resize or rollback",
						EnvVars: []string{"KIND"},
						Value:   models.KindResize,
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
						Name:     "status",
						Usage:    "Final status (SUCCEEDED, FAILED, SKIPPED, REJECTED)",
						EnvVars:  []string{"STATUS"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "message",
						Usage:   "Status message",
						EnvVars: []string{"MESSAGE"},
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

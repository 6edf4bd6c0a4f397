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
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/notify"
	"github.com/urfave/cli/v2"
)

// Records stores the token approve and reject resume the execution with.
type Records interface {
	SetTaskToken(ctx context.Context, id resizedao.ID, taskToken string) error
}

type Handler struct {
	records  Records
	notifier notify.Notifier
}

func NewHandler(container di.Container) (*Handler, error) {
	var h *Handler
	err := container.Invoke(func(dao *resizedao.DAO, n notify.Notifier) {
		h = &Handler{
			records:  dao,
			notifier: n,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}
	return h, nil
}

// HandleRequestApproval runs as a waitForTaskToken task. It stores the task
// token on the resize record and asks for approval. The execution waits
// until approve or reject sends the token back.
func (h *Handler) HandleRequestApproval(ctx context.Context, input *models.StepState) (*models.StepState, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("resize_id", input.ResizeID).
		Str("instance_id", input.InstanceID).
		Logger()

	if input.TaskToken == "" {
		return nil, apperrors.ErrTaskTokenMissing
	}

	if err := h.records.SetTaskToken(ctx, resizedao.ID(input.ResizeID), input.TaskToken); err != nil {
		return nil, fmt.Errorf("failed to store task token: %w", err)
	}

	notify.Send(ctx, h.notifier, notify.Event{
		Type:       notify.EventApprovalRequested,
		ResizeID:   input.ResizeID,
		InstanceID: input.InstanceID,
		Region:     input.Region,
		From:       input.FromInstanceType,
		To:         input.TargetInstanceType,
		Actor:      input.Requester,
		Message:    approvalMessage(input),
	})

	logger.Info().
		Str("from", input.FromInstanceType).
		Str("to", input.TargetInstanceType).
		Msg("Waiting for approval")

	state := *input
	state.TaskToken = ""
	return &state, nil
}

func approvalMessage(input *models.StepState) string {
	msg := fmt.Sprintf("Approve with `ec2-resizer --env %s approve --id %s` or reject with `ec2-resizer --env %s reject --id %s`",
		input.Env, input.ResizeID, input.Env, input.ResizeID)
	if input.Message != "" {
		msg = input.Message + "\n\n" + msg
	}
	return msg
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "request-approval").Logger()
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
		return handler.HandleRequestApproval(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "request-approval").Logger()
	ctx := logger.WithContext(context.Background())

	// CLI mode for testing
	input := &models.StepState{
		WorkflowInput: models.WorkflowInput{
			ResizeID:           c.String("resize-id"),
			InstanceID:         c.String("instance-id"),
			Region:             c.String("region"),
			TargetInstanceType: c.String("target-instance-type"),
			Env:                c.String("env"),
		},
		TaskToken: c.String("task-token"),
	}

	container, err := di.ForWorkflow(ctx, c.String("env"), input.WorkflowInput)
	if err != nil {
		return err
	}
	handler, err := NewHandler(container)
	if err != nil {
		return err
	}

	result, err := handler.HandleRequestApproval(ctx, input)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func main() {
	app := &cli.App{
		Name:           "request-approval",
		Usage:          "Store the approval task token and ask for approval",
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
						Name:    "target-instance-type",
						Usage:   "Instance type awaiting approval",
						EnvVars: []string{"TARGET_INSTANCE_TYPE"},
					},
					&cli.StringFlag{
						Name:     "task-token",
						Usage:    "Step Functions task token",
						EnvVars:  []string{"TASK_TOKEN"},
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

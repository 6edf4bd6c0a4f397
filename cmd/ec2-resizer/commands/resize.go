package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/analyzer"
	"github.com/savaki/ec2-resizer/internal/dao/lockdao"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	"github.com/savaki/ec2-resizer/internal/di"
	"github.com/savaki/ec2-resizer/internal/metrics"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/notify"
	"github.com/savaki/ec2-resizer/internal/orchestrator"
	"github.com/savaki/ec2-resizer/internal/resizer"
	"github.com/savaki/ec2-resizer/internal/safety"
	"github.com/savaki/ec2-resizer/internal/store"
	"github.com/savaki/ec2-resizer/internal/workflow"
	"github.com/urfave/cli/v2"
)

// ResizeCommand runs the "EC2 Safe Resizer" workflow.
func ResizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resize",
		Usage: "Resize an instance behind safety checks and approval",
		Description: `Resize the instance in the request file.

Without desired_instance_type the target comes from the CPU analysis. With
it the requested type is validated instead. Safety checks run before the
approval prompt. The instance is stopped, modified and started, and a
rollback point is recorded first.

With --remote the "EC2 Safe Resizer" state machine runs the workflow and
waits for 'ec2-resizer approve' or 'ec2-resizer reject'.`,
		Flags: []cli.Flag{
			configFlag(),
			approverFlag(),
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Approve without prompting",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Stop after the safety checks",
			},
			&cli.BoolFlag{
				Name:  "remote",
				Usage: "Start the state machine instead of running locally",
			},
		},
		Action: resizeAction,
	}
}

// RollbackCommand runs the "EC2 Rollback" workflow.
func RollbackCommand() *cli.Command {
	return &cli.Command{
		Name:  "rollback",
		Usage: "Restore the type recorded before the last resize",
		Description: `Restore the instance type saved in the instance's rollback point.

With --remote the "EC2 Rollback" state machine runs the workflow.`,
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "remote",
				Usage: "Start the state machine instead of running locally",
			},
		},
		Action: rollbackAction,
	}
}

func resizeAction(c *cli.Context) error {
	req, err := loadRequest(c)
	if err != nil {
		return err
	}

	container, err := newContainer(c, req.Region, req.RoleARN)
	if err != nil {
		return err
	}

	if c.Bool("remote") {
		return startRemote(c, container, req, models.KindResize)
	}

	runner, err := newRunner(c, container)
	if err != nil {
		return err
	}

	outcome, err := runner.Resize(c.Context, req, workflow.RunOptions{
		DryRun:      c.Bool("dry-run"),
		AutoApprove: c.Bool("yes"),
	})
	pushMetrics(c.Context, container)
	if outcome != nil {
		if err := writeJSON(os.Stdout, outcome); err != nil {
			return err
		}
	}
	return err
}

func rollbackAction(c *cli.Context) error {
	req, err := loadRequest(c)
	if err != nil {
		return err
	}

	container, err := newContainer(c, req.Region, req.RoleARN)
	if err != nil {
		return err
	}

	if c.Bool("remote") {
		return startRemote(c, container, req, models.KindRollback)
	}

	runner, err := newRunner(c, container)
	if err != nil {
		return err
	}

	outcome, err := runner.Rollback(c.Context, req)
	pushMetrics(c.Context, container)
	if outcome != nil {
		if err := writeJSON(os.Stdout, outcome); err != nil {
			return err
		}
	}
	return err
}

func newRunner(c *cli.Context, container di.Container) (*workflow.Runner, error) {
	var runner *workflow.Runner
	err := container.Invoke(func(
		planner *analyzer.Analyzer,
		checker *safety.Checker,
		executor *resizer.Executor,
		points store.Store,
		records *resizedao.DAO,
		locks *lockdao.DAO,
		notifier notify.Notifier,
		recorder *metrics.Recorder,
	) {
		runner = workflow.New(planner, checker, executor, points,
			workflow.WithApprover(workflow.PromptApprover{
				In:       os.Stdin,
				Out:      os.Stderr,
				Approver: c.String("approver"),
			}),
			workflow.WithRecords(records),
			workflow.WithLocks(locks),
			workflow.WithNotifier(notifier),
			workflow.WithRecorder(recorder),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}
	return runner, nil
}

// RemoteRecords is the subset of resizedao.DAO used to start executions.
type RemoteRecords interface {
	Create(ctx context.Context, input resizedao.CreateInput) (resizedao.Record, error)
	UpdateStatus(ctx context.Context, input resizedao.UpdateInput) error
}

type Executions interface {
	StartResize(ctx context.Context, input models.WorkflowInput) (string, error)
	StartRollback(ctx context.Context, input models.WorkflowInput) (string, error)
}

func startRemote(c *cli.Context, container di.Container, req models.ResizeRequest, kind string) error {
	var (
		records    *resizedao.DAO
		executions *orchestrator.Orchestrator
	)
	err := container.Invoke(func(dao *resizedao.DAO, o *orchestrator.Orchestrator) {
		records = dao
		executions = o
	})
	if err != nil {
		return err
	}

	started, err := start(c.Context, records, executions, remoteRequest{
		Env:     c.String("env"),
		Kind:    kind,
		Request: req,
		DryRun:  c.Bool("dry-run"),
	})
	if err != nil {
		return err
	}

	printStarted(os.Stdout, c.String("env"), started)
	return nil
}

type remoteRequest struct {
	Env     string
	Kind    string
	Request models.ResizeRequest
	DryRun  bool
}

type startedExecution struct {
	Kind         string
	ResizeID     string
	ExecutionArn string
}

// start records the attempt and starts its execution. A record whose
// execution could not be started is marked FAILED.
func start(ctx context.Context, records RemoteRecords, executions Executions, r remoteRequest) (*startedExecution, error) {
	logger := zerolog.Ctx(ctx)
	req := r.Request

	status := resizedao.StatusPendingApproval
	if r.Kind == models.KindRollback {
		status = resizedao.StatusInProgress
	}

	record, err := records.Create(ctx, resizedao.CreateInput{
		Kind:       resizedao.Kind(r.Kind),
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
	id := record.GetID()

	input := models.NewWorkflowInput(r.Env, id.String(), req)
	input.Kind = r.Kind
	input.DryRun = r.DryRun

	startFn := executions.StartResize
	if r.Kind == models.KindRollback {
		startFn = executions.StartRollback
	}

	executionArn, err := startFn(ctx, input)
	if err != nil {
		msg := err.Error()
		if updateErr := records.UpdateStatus(ctx, resizedao.UpdateInput{ID: id, Status: resizedao.StatusFailed, ErrorMsg: &msg}); updateErr != nil {
			logger.Warn().Err(updateErr).Str("resize_id", id.String()).Msg("Failed to mark resize as failed")
		}
		return nil, err
	}

	return &startedExecution{
		Kind:         r.Kind,
		ResizeID:     id.String(),
		ExecutionArn: executionArn,
	}, nil
}

func printStarted(w io.Writer, env string, started *startedExecution) {
	fmt.Fprintf(w, "✓ Started %s %s\n", started.Kind, started.ResizeID)
	fmt.Fprintf(w, "✓ Execution: %s\n", started.ExecutionArn)
	if started.Kind == models.KindResize {
		fmt.Fprintf(w, "\nOnce the safety checks pass, approve with:\n")
		fmt.Fprintf(w, "  ec2-resizer --env %s approve --id %s\n", env, started.ResizeID)
	}
}

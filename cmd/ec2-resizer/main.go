package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/cmd/ec2-resizer/commands"
	"github.com/savaki/ec2-resizer/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "ec2-resizer",
		Usage: "Rightsize EC2 instances from CPU utilization",
		Description: `Analyze, validate and resize EC2 instances behind safety checks and a
manual approval gate.

This tool provides commands for:
  - Recommending an instance type from CloudWatch CPU utilization
  - Validating a requested instance type against the instance
  - Resizing locally or through the "EC2 Safe Resizer" state machine
  - Rolling back to the type recorded before the last resize
  - Approving or rejecting resizes waiting on the approval gate`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Usage:   "Environment",
				EnvVars: []string{"ENV"},
				Value:   "dev",
			},
			&cli.StringFlag{
				Name:    "region",
				Usage:   "Instance region when the request file has none",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{
				Name:    "role-arn",
				Usage:   "Role to assume in the instance's account",
				EnvVars: []string{"RESIZER_ROLE_ARN"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				verbose := di.NewLogger(zerolog.DebugLevel)
				c.Context = verbose.WithContext(c.Context)
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.AnalyzeCommand(),
			commands.ValidateCommand(),
			commands.ResizeCommand(),
			commands.RollbackCommand(),
			commands.ApproveCommand(),
			commands.RejectCommand(),
			commands.HistoryCommand(),
			commands.ReportCommand(),
			commands.SetupCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}

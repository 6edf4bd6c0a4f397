package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	"github.com/savaki/ec2-resizer/internal/di"
	"github.com/savaki/ec2-resizer/internal/orchestrator"
	"github.com/urfave/cli/v2"
)

func idFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    "Resize ID, {region}/{instance_id}:{ksuid}",
		Required: true,
		EnvVars:  []string{"RESIZE_ID"},
	}
}

// ApproveCommand resumes a resize waiting on the approval gate.
func ApproveCommand() *cli.Command {
	return &cli.Command{
		Name:   "approve",
		Usage:  "Approve a resize waiting for approval",
		Flags:  []cli.Flag{idFlag(), approverFlag()},
		Action: approveAction,
	}
}

// RejectCommand ends a resize waiting on the approval gate.
func RejectCommand() *cli.Command {
	return &cli.Command{
		Name:  "reject",
		Usage: "Reject a resize waiting for approval",
		Flags: []cli.Flag{
			idFlag(),
			approverFlag(),
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Why the resize was rejected",
			},
		},
		Action: rejectAction,
	}
}

func approval(c *cli.Context) (resizedao.ID, string, *orchestrator.Orchestrator, error) {
	id := resizedao.ID(c.String("id"))
	if _, _, err := resizedao.ParseID(id); err != nil {
		return "", "", nil, err
	}

	approver := c.String("approver")
	if approver == "" {
		return "", "", nil, fmt.Errorf("approver is required")
	}

	container, err := di.New(c.String("env"), di.WithContext(c.Context))
	if err != nil {
		return "", "", nil, err
	}
	o, err := di.Get[*orchestrator.Orchestrator](container)
	if err != nil {
		return "", "", nil, err
	}
	return id, approver, o, nil
}

func approveAction(c *cli.Context) error {
	id, approver, o, err := approval(c)
	if err != nil {
		return err
	}

	if err := o.Approve(c.Context, id, approver); err != nil {
		return fmt.Errorf("failed to approve %s: %w", id, err)
	}

	zerolog.Ctx(c.Context).Info().
		Str("resize_id", id.String()).
		Str("approver", approver).
		Msg("Approved resize")

	fmt.Printf("✓ Approved %s\n", id)
	return nil
}

func rejectAction(c *cli.Context) error {
	id, approver, o, err := approval(c)
	if err != nil {
		return err
	}

	if err := o.Reject(c.Context, id, approver, c.String("reason")); err != nil {
		return fmt.Errorf("failed to reject %s: %w", id, err)
	}

	zerolog.Ctx(c.Context).Info().
		Str("resize_id", id.String()).
		Str("approver", approver).
		Msg("Rejected resize")

	fmt.Printf("✓ Rejected %s\n", id)
	return nil
}

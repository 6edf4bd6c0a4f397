package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/analyzer"
	"github.com/savaki/ec2-resizer/internal/constants"
	"github.com/savaki/ec2-resizer/internal/di"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/store"
	"github.com/urfave/cli/v2"
)

// AnalyzeCommand writes a recommendation for the instance in the request.
func AnalyzeCommand() *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "Recommend an instance type from CPU utilization",
		Description: `Read the instance's CPU utilization from CloudWatch and recommend a
smaller or larger type of the same architecture.

The recommendation is written to resize_recommendation.json unless --output
names another file.`,
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Recommendation file",
				Value:   constants.RecommendationFile,
			},
		},
		Action: analyzeAction,
	}
}

// ValidateCommand checks the requested type for an override request.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check desired_instance_type against the instance",
		Description: `Check that the desired_instance_type in the request is offered in the
region and is compatible with the instance's architecture and operating
system.

The report is written to resize_validation.json unless --output names
another file.`,
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Validation report file",
				Value:   constants.ValidationFile,
			},
		},
		Action: validateAction,
	}
}

func analyzeAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	req, err := loadRequest(c)
	if err != nil {
		return err
	}

	container, err := newContainer(c, req.Region, req.RoleARN)
	if err != nil {
		return err
	}
	a, err := di.Get[*analyzer.Analyzer](container)
	if err != nil {
		return err
	}

	rec, err := a.Analyze(c.Context, req.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to analyze %s: %w", req.InstanceID, err)
	}
	pushMetrics(c.Context, container)

	output := c.String("output")
	if err := store.WriteJSON(output, rec); err != nil {
		return err
	}

	logger.Info().
		Str("output", output).
		Str("decision", string(rec.Decision)).
		Msg("Wrote recommendation")

	printRecommendation(os.Stdout, rec)
	return nil
}

func validateAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	req, err := loadRequest(c)
	if err != nil {
		return err
	}
	if !req.IsOverride() {
		return apperrors.ErrDesiredTypeRequired
	}

	container, err := newContainer(c, req.Region, req.RoleARN)
	if err != nil {
		return err
	}
	a, err := di.Get[*analyzer.Analyzer](container)
	if err != nil {
		return err
	}

	report, err := a.Validate(c.Context, req.InstanceID, req.DesiredInstanceType)
	if err != nil {
		return fmt.Errorf("failed to validate %s: %w", req.DesiredInstanceType, err)
	}

	output := c.String("output")
	if err := store.WriteJSON(output, report); err != nil {
		return err
	}

	logger.Info().
		Str("output", output).
		Str("compatibility", report.CompatibilityDecision).
		Msg("Wrote validation report")

	printValidation(os.Stdout, report)
	return nil
}

func printRecommendation(w io.Writer, rec *models.Recommendation) {
	fmt.Fprintf(w, "Instance:     %s (%s)\n", rec.InstanceID, rec.Region)
	fmt.Fprintf(w, "Current type: %s (%s)\n", rec.CurrentInstanceType, rec.Architecture)
	fmt.Fprintf(w, "CPU:          average %.2f%%, peak %.2f%% over %d datapoints\n",
		rec.AverageCPUUsagePercent, rec.PeakCPUUsagePercent, rec.Datapoints)
	fmt.Fprintf(w, "Decision:     %s\n", rec.Decision)

	switch {
	case rec.TargetType() == "":
		fmt.Fprintf(w, "Suggested:    none\n")
	case rec.Validated:
		fmt.Fprintf(w, "Suggested:    %s (by %s)\n", rec.TargetType(), rec.SuggestedBy)
	default:
		fmt.Fprintf(w, "Suggested:    %s (not valid for this instance)\n", rec.TargetType())
	}
}

func printValidation(w io.Writer, report *models.ValidationReport) {
	fmt.Fprintf(w, "Instance:  %s (%s)\n", report.InstanceID, report.Region)
	fmt.Fprintf(w, "Change:    %s -> %s\n", report.CurrentInstanceType, report.RequestedInstanceType)
	fmt.Fprintf(w, "Platform:  %s, %s\n", report.Architecture, report.OperatingSystem)
	fmt.Fprintf(w, "Verdict:   %s\n", report.CompatibilityDecision)
	if report.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", report.Reason)
	}
}

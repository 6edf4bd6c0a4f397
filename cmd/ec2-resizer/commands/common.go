package commands

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/di"
	"github.com/savaki/ec2-resizer/internal/metrics"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/services"
	"github.com/urfave/cli/v2"
)

const metricsJob = "ec2-resizer"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Request file (JSON, or YAML by extension)",
		Value:   "input.json",
		EnvVars: []string{"RESIZE_CONFIG"},
	}
}

func approverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "approver",
		Aliases: []string{"a"},
		Usage:   "Name or email recorded as the approver",
		EnvVars: []string{"RESIZER_APPROVER", "USER"},
	}
}

// loadRequest reads the file named by --config. The global --region and
// --role-arn fill fields the file leaves empty.
func loadRequest(c *cli.Context) (models.ResizeRequest, error) {
	return loadRequestFile(c.String("config"), c.String("region"), c.String("role-arn"))
}

func loadRequestFile(path, region, roleARN string) (models.ResizeRequest, error) {
	req, err := models.LoadResizeRequest(path)
	if err != nil {
		return models.ResizeRequest{}, err
	}
	return withDefaults(req, region, roleARN)
}

func withDefaults(req models.ResizeRequest, region, roleARN string) (models.ResizeRequest, error) {
	if req.Region == "" {
		req.Region = region
	}
	if req.RoleARN == "" {
		req.RoleARN = roleARN
	}
	if err := req.Validate(); err != nil {
		return models.ResizeRequest{}, err
	}
	return req, nil
}

// newContainer targets region and roleARN for EC2 and CloudWatch. Tables,
// buckets and state machines stay in the home account.
func newContainer(c *cli.Context, region, roleARN string) (di.Container, error) {
	return di.New(c.String("env"),
		di.WithContext(c.Context),
		di.WithTarget(region, roleARN),
	)
}

// pushMetrics sends the run's metrics when a Pushgateway is configured.
// Failures are logged only.
func pushMetrics(ctx context.Context, container di.Container) {
	logger := zerolog.Ctx(ctx)

	err := container.Invoke(func(recorder *metrics.Recorder, config *services.Config) {
		if err := recorder.Push(ctx, config.PushgatewayURL, metricsJob); err != nil {
			logger.Warn().Err(err).Msg("Failed to push metrics")
		}
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Metrics unavailable")
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

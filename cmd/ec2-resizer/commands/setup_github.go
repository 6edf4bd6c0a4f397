package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/constants"
	"github.com/savaki/ec2-resizer/internal/di"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/services"
	"github.com/urfave/cli/v2"
)

// SetupCommand groups one-time setup tasks.
func SetupCommand() *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "One-time setup tasks",
		Subcommands: []*cli.Command{
			SetupGitHubCommand(),
		},
	}
}

// SetupGitHubCommand returns the github command for creating GitHub OIDC roles
func SetupGitHubCommand() *cli.Command {
	return &cli.Command{
		Name:  "github",
		Usage: "Create an IAM role for GitHub Actions OIDC authentication",
		Description: `Configure a GitHub repository to run the resize workflows with AWS OIDC
authentication.

This command creates an IAM role that GitHub Actions can assume, with the EC2,
CloudWatch, S3, DynamoDB and Step Functions permissions the workflows need, and
stores AWS_ROLE_ARN, RESIZER_S3_BUCKET and AI_API_KEY as repository secrets.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "role-name",
				Aliases: []string{"n"},
				Usage:   "IAM role name to create (defaults to 'github-{repo}' if not provided)",
				EnvVars: []string{"GITHUB_ROLE_NAME"},
			},
			&cli.StringFlag{
				Name:     "repo",
				Aliases:  []string{"r"},
				Usage:    "Repository in format 'owner/repo'",
				Required: true,
				EnvVars:  []string{"GITHUB_REPO"},
			},
			&cli.StringFlag{
				Name:    "bucket",
				Aliases: []string{"b"},
				Usage:   "S3 bucket for rollback points and reports (defaults to the configured bucket)",
				EnvVars: []string{"RESIZER_S3_BUCKET"},
			},
			&cli.StringFlag{
				Name:    "github-token",
				Usage:   "GitHub token (defaults to github_token in the resizer secret)",
				EnvVars: []string{"GITHUB_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "ai-api-key",
				Usage:   "AI provider key (defaults to ai_api_key in the resizer secret)",
				EnvVars: []string{"AI_API_KEY"},
			},
		},
		Action: setupGitHubAction,
	}
}

type repoSecret struct {
	Name  string
	Value string
}

// repoSecrets lists the secrets written to the repository. AI_API_KEY is
// only written when a key is known.
func repoSecrets(roleARN, bucket, aiKey string) []repoSecret {
	secrets := []repoSecret{
		{Name: constants.SecretRoleARN, Value: roleARN},
		{Name: constants.SecretS3Bucket, Value: bucket},
	}
	if aiKey != "" {
		secrets = append(secrets, repoSecret{Name: constants.SecretAIAPIKey, Value: aiKey})
	}
	return secrets
}

func stateMachineArns(config *services.Config) []string {
	var arns []string
	for _, arn := range []string{config.ResizeStateMachineArn, config.RollbackStateMachineArn} {
		if arn != "" {
			arns = append(arns, arn)
		}
	}
	return arns
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// setupGitHubAction creates an IAM role for GitHub Actions OIDC authentication
func setupGitHubAction(c *cli.Context) error {
	ctx := c.Context
	logger := zerolog.Ctx(ctx)

	owner, repo, err := services.SplitRepo(c.String("repo"))
	if err != nil {
		return err
	}

	roleName := c.String("role-name")
	if roleName == "" {
		roleName = fmt.Sprintf("github-%s", repo)
		logger.Info().
			Str("role_name", roleName).
			Msg("No role name provided, using default")
	}

	container, err := di.New(c.String("env"), di.WithContext(ctx))
	if err != nil {
		return err
	}

	var (
		iamService *services.IAMService
		config     *services.Config
		secrets    *services.Secrets
	)
	err = container.Invoke(func(i *services.IAMService, cfg *services.Config, s *services.Secrets) {
		iamService = i
		config = cfg
		secrets = s
	})
	if err != nil {
		return err
	}

	bucket := firstNonEmpty(c.String("bucket"), config.S3Bucket)
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	token := firstNonEmpty(c.String("github-token"), secrets.GitHubToken)
	if token == "" {
		return apperrors.ErrGitHubTokenRequired
	}
	aiKey := firstNonEmpty(c.String("ai-api-key"), secrets.AIAPIKey)

	logger.Info().
		Str("role_name", roleName).
		Str("owner", owner).
		Str("repo", repo).
		Str("bucket", bucket).
		Msg("Creating GitHub OIDC role")

	roleARN, err := iamService.CreateGitHubOIDCRole(ctx, services.GitHubRoleInput{
		RoleName:         roleName,
		Owner:            owner,
		Repo:             repo,
		Bucket:           bucket,
		Env:              c.String("env"),
		StateMachineArns: stateMachineArns(config),
	})
	if err != nil {
		return fmt.Errorf("failed to create/update GitHub OIDC role: %w", err)
	}

	logger.Info().
		Str("role_name", roleName).
		Str("role_arn", roleARN).
		Msg("Successfully created/updated GitHub OIDC role")

	github := services.NewGitHubService(token)
	written := repoSecrets(roleARN, bucket, aiKey)
	for _, secret := range written {
		logger.Info().
			Str("owner", owner).
			Str("repo", repo).
			Str("secret", secret.Name).
			Msg("Creating/updating secret in GitHub")
		if err := github.CreateOrUpdateSecret(ctx, owner, repo, secret.Name, secret.Value); err != nil {
			return fmt.Errorf("failed to create/update %s secret: %w", secret.Name, err)
		}
	}

	fmt.Printf("✓ IAM role %s created/updated successfully\n", roleName)
	fmt.Printf("✓ Role ARN: %s\n", roleARN)
	fmt.Printf("✓ IAM policy grants S3 access to: %s\n", bucket)
	fmt.Printf("✓ Trust policy allows GitHub Actions from: %s/%s\n", owner, repo)
	fmt.Printf("✓ GitHub secrets created/updated in: %s/%s\n", owner, repo)
	for _, secret := range written {
		fmt.Printf("  - %s\n", secret.Name)
	}
	if aiKey == "" {
		fmt.Printf("\nNo AI key found, workflows will use the rule advisor\n")
	}

	fmt.Printf("\n")
	fmt.Printf("🔐 Using OIDC authentication (no long-lived credentials needed)\n")
	fmt.Printf("ℹ️  This tool is idempotent - safe to run multiple times\n")

	return nil
}

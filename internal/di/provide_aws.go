package di

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	"github.com/savaki/ec2-resizer/internal/orchestrator"
	"github.com/savaki/ec2-resizer/internal/services"
)

// TargetConfig is the AWS config for the region and role being resized.
type TargetConfig struct {
	aws.Config
}

// ProvideAWSConfig loads the home config. Tables, buckets, topics and state
// machines live here.
func ProvideAWSConfig(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}

// ProvideTargetConfig assumes target.RoleARN when set. Otherwise the home
// credentials are reused with the target region.
func ProvideTargetConfig(ctx context.Context, cfg aws.Config, client *sts.Client, target Target) TargetConfig {
	if target.RoleARN != "" {
		zerolog.Ctx(ctx).Info().
			Str("role_arn", target.RoleARN).
			Str("region", target.Region).
			Msg("Assuming role for target")
		return TargetConfig{Config: services.AssumeRoleConfig(cfg, client, target.RoleARN, target.Region)}
	}

	targetCfg := cfg.Copy()
	if target.Region != "" {
		targetCfg.Region = target.Region
	}
	return TargetConfig{Config: targetCfg}
}

func ProvideDynamoDB(config aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(config)
}

func ProvideStepFunctions(config aws.Config) *sfn.Client {
	return sfn.NewFromConfig(config)
}

func ProvideS3Client(config aws.Config) *s3.Client {
	return s3.NewFromConfig(config)
}

func ProvideSNSClient(config aws.Config) *sns.Client {
	return sns.NewFromConfig(config)
}

func ProvideSTSClient(config aws.Config) *sts.Client {
	return sts.NewFromConfig(config)
}

func ProvideIAMClient(config aws.Config) *iam.Client {
	return iam.NewFromConfig(config)
}

func ProvideEC2Service(target TargetConfig) *services.EC2Service {
	return services.NewEC2Service(ec2.NewFromConfig(target.Config), target.Region)
}

func ProvideMetricsService(target TargetConfig) *services.MetricsService {
	return services.NewMetricsService(cloudwatch.NewFromConfig(target.Config))
}

func ProvideIdentityService(client *sts.Client) *services.IdentityService {
	return services.NewIdentityService(client)
}

func ProvideIAMService(client *iam.Client, identity *services.IdentityService) *services.IAMService {
	return services.NewIAMService(client, identity)
}

func ProvideSecretsManagerService(config aws.Config) *services.SecretsManagerService {
	return services.NewSecretsManagerService(secretsmanager.NewFromConfig(config))
}

// ProvideSecrets loads the AI key and GitHub token. A missing secret only
// disables the features that need it.
func ProvideSecrets(ctx context.Context, sm *services.SecretsManagerService, config *services.Config) *services.Secrets {
	secrets, err := sm.GetSecrets(ctx, config.SecretName)
	if err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("secret_name", config.SecretName).
			Msg("Secrets unavailable, continuing without AI advisor or GitHub")
		return &services.Secrets{}
	}
	return secrets
}

func ProvideHTTPClient() *http.Client {
	return &http.Client{Timeout: time.Minute}
}

func ProvideGitHubService(secrets *services.Secrets) *services.GitHubService {
	return services.NewGitHubService(secrets.GitHubToken)
}

func ProvideOrchestrator(sfnClient *sfn.Client, dao *resizedao.DAO, config *services.Config) *orchestrator.Orchestrator {
	return orchestrator.New(sfnClient, config.ResizeStateMachineArn, config.RollbackStateMachineArn, dao)
}

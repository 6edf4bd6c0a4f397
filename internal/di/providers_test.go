package di

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/advisor"
	"github.com/savaki/ec2-resizer/internal/notify"
	"github.com/savaki/ec2-resizer/internal/services"
	"github.com/savaki/ec2-resizer/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

type mockSecretsManagerClient struct {
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func (m *mockSecretsManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if m.GetSecretValueFunc == nil {
		return nil, errors.New("GetSecretValueFunc not set")
	}
	return m.GetSecretValueFunc(ctx, params, optFns...)
}

func TestProvideTargetConfig(t *testing.T) {
	home := aws.Config{Region: "us-east-1"}
	client := sts.NewFromConfig(home)

	t.Run("same account", func(t *testing.T) {
		got := ProvideTargetConfig(testContext(), home, client, Target{Region: "eu-west-1"})
		assert.Equal(t, "eu-west-1", got.Region)
		assert.Nil(t, got.Credentials)
		assert.Equal(t, "us-east-1", home.Region)
	})

	t.Run("home region", func(t *testing.T) {
		got := ProvideTargetConfig(testContext(), home, client, Target{})
		assert.Equal(t, "us-east-1", got.Region)
	})

	t.Run("assumed role", func(t *testing.T) {
		got := ProvideTargetConfig(testContext(), home, client, Target{
			Region:  "ap-southeast-2",
			RoleARN: "arn:aws:iam::123456789012:role/resizer",
		})
		assert.Equal(t, "ap-southeast-2", got.Region)
		assert.NotNil(t, got.Credentials)
	})
}

func TestProvideSecrets(t *testing.T) {
	config := &services.Config{SecretName: "ec2-resizer/dev/secrets"}

	sm := services.NewSecretsManagerService(&mockSecretsManagerClient{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			assert.Equal(t, "ec2-resizer/dev/secrets", aws.ToString(params.SecretId))
			return &secretsmanager.GetSecretValueOutput{
				SecretString: aws.String(`{"ai_api_key":"gsk-1","github_token":"ghp-2"}`),
			}, nil
		},
	})
	secrets := ProvideSecrets(testContext(), sm, config)
	assert.Equal(t, "gsk-1", secrets.AIAPIKey)
	assert.Equal(t, "ghp-2", secrets.GitHubToken)

	// a failure leaves the optional features off
	secrets = ProvideSecrets(testContext(), services.NewSecretsManagerService(&mockSecretsManagerClient{}), config)
	assert.Equal(t, &services.Secrets{}, secrets)
}

func TestProvideAdvisor(t *testing.T) {
	tests := []struct {
		name     string
		config   services.Config
		secrets  services.Secrets
		wantName string
	}{
		{
			name:     "no provider",
			secrets:  services.Secrets{AIAPIKey: "key"},
			wantName: advisor.RuleAdvisor{}.Name(),
		},
		{
			name:     "no key",
			config:   services.Config{AIProvider: advisor.ProviderGroq},
			wantName: advisor.RuleAdvisor{}.Name(),
		},
		{
			name:     "azure without endpoint",
			config:   services.Config{AIProvider: advisor.ProviderAzure},
			secrets:  services.Secrets{AIAPIKey: "key"},
			wantName: advisor.RuleAdvisor{}.Name(),
		},
		{
			name:     "groq",
			config:   services.Config{AIProvider: advisor.ProviderGroq},
			secrets:  services.Secrets{AIAPIKey: "key"},
			wantName: "groq",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProvideAdvisor(testContext(), &tt.config, &tt.secrets, ProvideHTTPClient())
			assert.Contains(t, got.Name(), tt.wantName)
		})
	}
}

func TestProvideStore(t *testing.T) {
	client := s3.NewFromConfig(aws.Config{Region: "us-east-1"})

	got := ProvideStore(testContext(), client, &services.Config{})
	assert.IsType(t, &store.FileStore{}, got)

	got = ProvideStore(testContext(), client, &services.Config{S3Bucket: "resizer"})
	assert.IsType(t, &store.S3Store{}, got)
}

func TestLocalDir(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")
	assert.Equal(t, ".", localDir(""))
	assert.Equal(t, "/var/cache/resizer", localDir("/var/cache/resizer"))

	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:9001")
	assert.Equal(t, os.TempDir(), localDir(""))
	assert.Equal(t, "/var/cache/resizer", localDir("/var/cache/resizer"))
}

func TestProvideNotifier(t *testing.T) {
	client := sns.NewFromConfig(aws.Config{Region: "us-east-1"})
	github := services.NewGitHubService("ghp")

	tests := []struct {
		name    string
		config  services.Config
		secrets services.Secrets
		want    int
	}{
		{
			name: "log only",
			want: 1,
		},
		{
			name:   "sns",
			config: services.Config{SNSTopicArn: "arn:aws:sns:us-east-1:123456789012:resizer"},
			want:   2,
		},
		{
			name:    "github",
			config:  services.Config{GitHubRepo: "acme/infra", GitHubIssue: 7},
			secrets: services.Secrets{GitHubToken: "ghp"},
			want:    2,
		},
		{
			name:   "github without token",
			config: services.Config{GitHubRepo: "acme/infra", GitHubIssue: 7},
			want:   1,
		},
		{
			name:    "invalid repo",
			config:  services.Config{GitHubRepo: "acme", GitHubIssue: 7},
			secrets: services.Secrets{GitHubToken: "ghp"},
			want:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProvideNotifier(testContext(), client, github, &tt.secrets, &tt.config)
			multi, ok := got.(notify.Multi)
			require.True(t, ok)
			assert.Len(t, multi, tt.want)
		})
	}
}

func TestProvidePolicy(t *testing.T) {
	evaluator, err := ProvidePolicy(testContext(), &services.Config{MaxSizeSteps: 2})
	require.NoError(t, err)
	assert.NotNil(t, evaluator)
}

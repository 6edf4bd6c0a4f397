package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client in use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerService struct {
	client SecretsManagerAPI
}

// Secrets are the credentials the resizer needs beyond its AWS role.
type Secrets struct {
	AIAPIKey    string `json:"ai_api_key"`
	GitHubToken string `json:"github_token"`
}

// DefaultSecretName returns ec2-resizer/{env}/secrets.
func DefaultSecretName(env string) string {
	return fmt.Sprintf("ec2-resizer/%s/secrets", env)
}

func NewSecretsManagerService(client SecretsManagerAPI) *SecretsManagerService {
	return &SecretsManagerService{
		client: client,
	}
}

// GetSecret retrieves a secret value by path from AWS Secrets Manager
func (s *SecretsManagerService) GetSecret(ctx context.Context, secretPath string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretPath, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretPath)
	}

	return *result.SecretString, nil
}

// GetSecrets reads the JSON secret at secretPath. An empty path falls back
// to the AI_API_KEY and GITHUB_TOKEN environment variables.
func (s *SecretsManagerService) GetSecrets(ctx context.Context, secretPath string) (*Secrets, error) {
	if secretPath == "" {
		return &Secrets{
			AIAPIKey:    os.Getenv("AI_API_KEY"),
			GitHubToken: os.Getenv("GITHUB_TOKEN"),
		}, nil
	}

	value, err := s.GetSecret(ctx, secretPath)
	if err != nil {
		return nil, err
	}

	var secrets Secrets
	if err := json.Unmarshal([]byte(value), &secrets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret %s: %w", secretPath, err)
	}
	return &secrets, nil
}

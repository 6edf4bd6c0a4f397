package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Config holds all application configuration values from Parameter Store
type Config struct {
	ResizeStateMachineArn   string
	RollbackStateMachineArn string
	S3Bucket                string
	SNSTopicArn             string
	GitHubRepo              string // owner/repo for status comments
	GitHubIssue             int    // issue or PR number receiving comments
	SecretName              string // Secrets Manager secret holding ai_api_key and github_token
	AIProvider              string // groq, openai, azure; empty disables the AI advisor
	AIModel                 string
	AIBaseURL               string
	AIAPIVersion            string
	DowngradeThreshold      float64
	UpgradeThreshold        float64
	MetricWindowDays        int
	MaxSizeSteps            int
	DeniedFamilies          []string
	RequireDistinctApprover bool
	CacheDir                string
	PushgatewayURL          string
}

// Defaults for values missing from Parameter Store.
const (
	DefaultDowngradeThreshold = 30.0
	DefaultUpgradeThreshold   = 50.0
	DefaultMetricWindowDays   = 7
	DefaultMaxSizeSteps       = 2
)

// configKeys maps parameter names under /{env}/ec2-resizer/ to environment
// variable names used when SSM is disabled.
var configKeys = map[string]string{
	"resize-state-machine-arn":   "RESIZE_STATE_MACHINE_ARN",
	"rollback-state-machine-arn": "ROLLBACK_STATE_MACHINE_ARN",
	"s3-bucket":                  "S3_BUCKET_NAME",
	"sns-topic-arn":              "SNS_TOPIC_ARN",
	"github-repo":                "GITHUB_REPO",
	"github-issue":               "GITHUB_ISSUE",
	"secret-name":                "SECRET_NAME",
	"ai-provider":                "AI_PROVIDER",
	"ai-model":                   "AI_MODEL",
	"ai-base-url":                "AI_BASE_URL",
	"ai-api-version":             "AI_API_VERSION",
	"downgrade-threshold":        "DOWNGRADE_THRESHOLD",
	"upgrade-threshold":          "UPGRADE_THRESHOLD",
	"metric-window-days":         "METRIC_WINDOW_DAYS",
	"max-size-steps":             "MAX_SIZE_STEPS",
	"denied-families":            "DENIED_FAMILIES",
	"require-distinct-approver":  "REQUIRE_DISTINCT_APPROVER",
	"cache-dir":                  "CACHE_DIR",
	"pushgateway-url":            "PUSHGATEWAY_URL",
}

// ParameterStore defines the interface for accessing configuration parameters
type ParameterStore interface {
	// GetParameter retrieves a single parameter by name
	GetParameter(ctx context.Context, name string) (string, error)

	// GetConfig loads all application configuration from Parameter Store
	GetConfig(ctx context.Context) (*Config, error)
}

// SSMAPI is the subset of the SSM client used by SSMParameterStore.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SSMParameterStore implements ParameterStore using AWS Systems Manager Parameter Store
type SSMParameterStore struct {
	client SSMAPI
	env    string
	mu     sync.RWMutex
	cache  map[string]string
}

// NewSSMParameterStore creates a new SSM-backed parameter store
func NewSSMParameterStore(client SSMAPI, env string) *SSMParameterStore {
	return &SSMParameterStore{
		client: client,
		env:    env,
		cache:  make(map[string]string),
	}
}

// GetParameter retrieves a single parameter from SSM Parameter Store
func (s *SSMParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s not found", name)
	}

	value := *result.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

// GetConfig loads all application configuration from Parameter Store
func (s *SSMParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	path := fmt.Sprintf("/%s/ec2-resizer", s.env)

	params := make(map[string]string)
	var nextToken *string
	for {
		result, err := s.client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           &path,
			Recursive:      boolPtr(true),
			WithDecryption: boolPtr(true),
			NextToken:      nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get parameters by path %s: %w", path, err)
		}
		for _, param := range result.Parameters {
			if param.Name != nil && param.Value != nil {
				params[*param.Name] = *param.Value
			}
		}
		if result.NextToken == nil || *result.NextToken == "" {
			break
		}
		nextToken = result.NextToken
	}

	s.mu.Lock()
	for k, v := range params {
		s.cache[k] = v
	}
	s.mu.Unlock()

	return buildConfig(s.env, func(key string) string {
		return params[path+"/"+key]
	})
}

// EnvParameterStore implements ParameterStore using environment variables
// This is a NoOp implementation for local development without AWS connection
type EnvParameterStore struct {
	env string
}

// NewEnvParameterStore creates a new environment variable-backed parameter store
func NewEnvParameterStore(env string) *EnvParameterStore {
	return &EnvParameterStore{
		env: env,
	}
}

// GetParameter retrieves a parameter from environment variables
func (e *EnvParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	return os.Getenv(name), nil
}

// GetConfig loads all application configuration from environment variables
func (e *EnvParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	config, err := buildConfig(e.env, func(key string) string {
		return os.Getenv(configKeys[key])
	})
	if err != nil {
		return nil, err
	}

	// credentials in the environment replace the default secret locally
	if os.Getenv(configKeys["secret-name"]) == "" && (os.Getenv("AI_API_KEY") != "" || os.Getenv("GITHUB_TOKEN") != "") {
		config.SecretName = ""
	}
	return config, nil
}

// buildConfig reads every value through get. The secret name defaults to
// DefaultSecretName(env).
func buildConfig(env string, get func(key string) string) (*Config, error) {
	config := &Config{
		ResizeStateMachineArn:   get("resize-state-machine-arn"),
		RollbackStateMachineArn: get("rollback-state-machine-arn"),
		S3Bucket:                get("s3-bucket"),
		SNSTopicArn:             get("sns-topic-arn"),
		GitHubRepo:              get("github-repo"),
		SecretName:              get("secret-name"),
		AIProvider:              strings.ToLower(get("ai-provider")),
		AIModel:                 get("ai-model"),
		AIBaseURL:               get("ai-base-url"),
		AIAPIVersion:            get("ai-api-version"),
		CacheDir:                get("cache-dir"),
		PushgatewayURL:          get("pushgateway-url"),
		DowngradeThreshold:      DefaultDowngradeThreshold,
		UpgradeThreshold:        DefaultUpgradeThreshold,
		MetricWindowDays:        DefaultMetricWindowDays,
		MaxSizeSteps:            DefaultMaxSizeSteps,
	}

	if config.SecretName == "" {
		config.SecretName = DefaultSecretName(env)
	}

	var err error
	if config.GitHubIssue, err = parseInt(get("github-issue"), 0); err != nil {
		return nil, fmt.Errorf("invalid github-issue: %w", err)
	}
	if config.DowngradeThreshold, err = parseFloat(get("downgrade-threshold"), DefaultDowngradeThreshold); err != nil {
		return nil, fmt.Errorf("invalid downgrade-threshold: %w", err)
	}
	if config.UpgradeThreshold, err = parseFloat(get("upgrade-threshold"), DefaultUpgradeThreshold); err != nil {
		return nil, fmt.Errorf("invalid upgrade-threshold: %w", err)
	}
	if config.MetricWindowDays, err = parseInt(get("metric-window-days"), DefaultMetricWindowDays); err != nil {
		return nil, fmt.Errorf("invalid metric-window-days: %w", err)
	}
	if config.MaxSizeSteps, err = parseInt(get("max-size-steps"), DefaultMaxSizeSteps); err != nil {
		return nil, fmt.Errorf("invalid max-size-steps: %w", err)
	}
	if v := get("require-distinct-approver"); v != "" {
		if config.RequireDistinctApprover, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid require-distinct-approver: %w", err)
		}
	}
	for _, family := range strings.Split(get("denied-families"), ",") {
		if family = strings.TrimSpace(family); family != "" {
			config.DeniedFamilies = append(config.DeniedFamilies, family)
		}
	}

	if config.DowngradeThreshold >= config.UpgradeThreshold {
		return nil, fmt.Errorf("downgrade threshold %.1f must be below upgrade threshold %.1f", config.DowngradeThreshold, config.UpgradeThreshold)
	}
	return config, nil
}

func parseFloat(s string, def float64) (float64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func boolPtr(b bool) *bool {
	return &b
}

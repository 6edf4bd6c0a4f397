package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/savaki/ec2-resizer/internal/constants"
)

const (
	GitHubOIDCProviderURL = "token.actions.githubusercontent.com"
	GitHubOIDCAudience    = "sts.amazonaws.com"
)

// IAMAPI is the subset of the IAM client used by IAMService.
type IAMAPI interface {
	GetOpenIDConnectProvider(ctx context.Context, params *iam.GetOpenIDConnectProviderInput, optFns ...func(*iam.Options)) (*iam.GetOpenIDConnectProviderOutput, error)
	CreateOpenIDConnectProvider(ctx context.Context, params *iam.CreateOpenIDConnectProviderInput, optFns ...func(*iam.Options)) (*iam.CreateOpenIDConnectProviderOutput, error)
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	UpdateAssumeRolePolicy(ctx context.Context, params *iam.UpdateAssumeRolePolicyInput, optFns ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
}

type IAMService struct {
	client   IAMAPI
	identity *IdentityService
}

// GitHubRoleInput describes the role GitHub Actions assumes to run the
// resize workflows.
type GitHubRoleInput struct {
	RoleName         string
	Owner            string
	Repo             string
	Bucket           string
	Env              string
	StateMachineArns []string
}

func NewIAMService(client IAMAPI, identity *IdentityService) *IAMService {
	return &IAMService{
		client:   client,
		identity: identity,
	}
}

// GetOrCreateGitHubOIDCProvider ensures GitHub OIDC provider exists and returns its ARN
func (s *IAMService) GetOrCreateGitHubOIDCProvider(ctx context.Context, accountID string) (string, error) {
	providerARN := fmt.Sprintf("arn:aws:iam::%s:oidc-provider/%s", accountID, GitHubOIDCProviderURL)

	_, err := s.client.GetOpenIDConnectProvider(ctx, &iam.GetOpenIDConnectProviderInput{
		OpenIDConnectProviderArn: aws.String(providerARN),
	})
	if err == nil {
		return providerARN, nil
	}

	var noSuchEntity *types.NoSuchEntityException
	if !errors.As(err, &noSuchEntity) && ErrorCode(err) != "NoSuchEntity" {
		return "", fmt.Errorf("failed to check OIDC provider: %w", err)
	}

	_, err = s.client.CreateOpenIDConnectProvider(ctx, &iam.CreateOpenIDConnectProviderInput{
		Url:            aws.String("https://" + GitHubOIDCProviderURL),
		ClientIDList:   []string{GitHubOIDCAudience},
		ThumbprintList: []string{"6938fd4d98bab03faadb97b34396831e3780aea1"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	return providerARN, nil
}

// CreateGitHubOIDCRole creates or updates the GitHub Actions role and its
// inline resize policy. It returns the role ARN.
func (s *IAMService) CreateGitHubOIDCRole(ctx context.Context, input GitHubRoleInput) (string, error) {
	identity, err := s.identity.CallerIdentity(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get AWS account ID: %w", err)
	}

	providerARN, err := s.GetOrCreateGitHubOIDCProvider(ctx, identity.Account)
	if err != nil {
		return "", fmt.Errorf("failed to get/create OIDC provider: %w", err)
	}

	trustPolicy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {
        "Federated": "%s"
      },
      "Action": "sts:AssumeRoleWithWebIdentity",
      "Condition": {
        "StringEquals": {
          "%s:aud": "%s"
        },
        "StringLike": {
          "%s:sub": "repo:%s/%s:*"
        }
      }
    }
  ]
}`, providerARN, GitHubOIDCProviderURL, GitHubOIDCAudience, GitHubOIDCProviderURL, input.Owner, input.Repo)

	getResult, err := s.client.GetRole(ctx, &iam.GetRoleInput{
		RoleName: aws.String(input.RoleName),
	})
	roleExists := err == nil && getResult.Role != nil

	if !roleExists {
		_, err = s.client.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(input.RoleName),
			AssumeRolePolicyDocument: aws.String(trustPolicy),
			Description:              aws.String(fmt.Sprintf("GitHub Actions EC2 resize role for %s/%s", input.Owner, input.Repo)),
		})
		if err != nil {
			return "", fmt.Errorf("failed to create role: %w", err)
		}
	} else {
		_, err = s.client.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       aws.String(input.RoleName),
			PolicyDocument: aws.String(trustPolicy),
		})
		if err != nil {
			return "", fmt.Errorf("failed to update trust policy: %w", err)
		}
	}

	policyDocument, err := ResizePolicyDocument(identity.Account, input)
	if err != nil {
		return "", err
	}

	// PutRolePolicy is idempotent
	_, err = s.client.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(input.RoleName),
		PolicyName:     aws.String(constants.GitHubPolicyName),
		PolicyDocument: aws.String(policyDocument),
	})
	if err != nil {
		return "", fmt.Errorf("failed to attach/update policy to role: %w", err)
	}

	return fmt.Sprintf("arn:aws:iam::%s:role/%s", identity.Account, input.RoleName), nil
}

type policyStatement struct {
	Effect    string         `json:"Effect"`
	Action    []string       `json:"Action"`
	Resource  any            `json:"Resource"`
	Condition map[string]any `json:"Condition,omitempty"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// ResizePolicyDocument builds the inline policy for the GitHub Actions role.
func ResizePolicyDocument(accountID string, input GitHubRoleInput) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect: "Allow",
				Action: []string{
					"ec2:DescribeInstances",
					"ec2:DescribeInstanceTypes",
					"ec2:DescribeSnapshots",
					"cloudwatch:GetMetricStatistics",
				},
				Resource: "*",
			},
			{
				Effect: "Allow",
				Action: []string{
					"ec2:StopInstances",
					"ec2:StartInstances",
					"ec2:ModifyInstanceAttribute",
					"ec2:CreateSnapshot",
					"ec2:CreateTags",
				},
				Resource: "*",
				Condition: map[string]any{
					"StringEquals": map[string]string{"aws:ResourceAccount": accountID},
				},
			},
			{
				Effect:   "Allow",
				Action:   []string{"s3:GetObject", "s3:PutObject"},
				Resource: fmt.Sprintf("arn:aws:s3:::%s/*", input.Bucket),
			},
			{
				Effect: "Allow",
				Action: []string{
					"dynamodb:GetItem",
					"dynamodb:PutItem",
					"dynamodb:UpdateItem",
					"dynamodb:DeleteItem",
					"dynamodb:Query",
				},
				Resource: []string{
					fmt.Sprintf("arn:aws:dynamodb:*:%s:table/%s-%s-*", accountID, input.Env, constants.AppName),
				},
			},
		},
	}

	if len(input.StateMachineArns) > 0 {
		doc.Statement = append(doc.Statement, policyStatement{
			Effect:   "Allow",
			Action:   []string{"states:StartExecution"},
			Resource: input.StateMachineArns,
		})
	}
	doc.Statement = append(doc.Statement, policyStatement{
		Effect:   "Allow",
		Action:   []string{"states:SendTaskSuccess", "states:SendTaskFailure"},
		Resource: "*",
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy: %w", err)
	}
	return string(data), nil
}

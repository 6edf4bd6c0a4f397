package services

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSAPI is the subset of the STS client used here. It is also accepted by
// stscreds.NewAssumeRoleProvider.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Identity is the principal the resizer runs as.
type Identity struct {
	Account string
	ARN     string
	UserID  string
}

type IdentityService struct {
	client STSAPI
}

func NewIdentityService(client STSAPI) *IdentityService {
	return &IdentityService{client: client}
}

// CallerIdentity returns the account and ARN of the current credentials.
func (s *IdentityService) CallerIdentity(ctx context.Context) (*Identity, error) {
	result, err := s.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get caller identity: %w", err)
	}
	if result.Account == nil {
		return nil, fmt.Errorf("account ID is nil")
	}
	return &Identity{
		Account: aws.ToString(result.Account),
		ARN:     aws.ToString(result.Arn),
		UserID:  aws.ToString(result.UserId),
	}, nil
}

// AssumeRoleConfig returns a copy of cfg whose credentials come from
// assuming roleARN, optionally in another region.
func AssumeRoleConfig(cfg aws.Config, client stscreds.AssumeRoleAPIClient, roleARN, region string) aws.Config {
	creds := stscreds.NewAssumeRoleProvider(client, roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = "ec2-resizer"
	})

	target := cfg.Copy()
	target.Credentials = aws.NewCredentialsCache(creds)
	if region != "" {
		target.Region = region
	}
	return target
}

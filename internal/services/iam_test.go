package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSTSClient struct {
	getCallerIdentityFunc func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

func (m *mockSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if m.getCallerIdentityFunc != nil {
		return m.getCallerIdentityFunc(ctx, params, optFns...)
	}
	return nil, errors.New("getCallerIdentityFunc not set")
}

func (m *mockSTSClient) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	return nil, errors.New("AssumeRole not supported")
}

type mockIAMClient struct {
	existingProvider bool
	existingRole     bool

	createdProvider bool
	createdRole     *iam.CreateRoleInput
	updatedTrust    *iam.UpdateAssumeRolePolicyInput
	putPolicy       *iam.PutRolePolicyInput
}

func (m *mockIAMClient) GetOpenIDConnectProvider(ctx context.Context, params *iam.GetOpenIDConnectProviderInput, optFns ...func(*iam.Options)) (*iam.GetOpenIDConnectProviderOutput, error) {
	if m.existingProvider {
		return &iam.GetOpenIDConnectProviderOutput{}, nil
	}
	return nil, &iamtypes.NoSuchEntityException{Message: aws.String("not found")}
}

func (m *mockIAMClient) CreateOpenIDConnectProvider(ctx context.Context, params *iam.CreateOpenIDConnectProviderInput, optFns ...func(*iam.Options)) (*iam.CreateOpenIDConnectProviderOutput, error) {
	m.createdProvider = true
	return &iam.CreateOpenIDConnectProviderOutput{}, nil
}

func (m *mockIAMClient) GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	if m.existingRole {
		return &iam.GetRoleOutput{Role: &iamtypes.Role{RoleName: params.RoleName}}, nil
	}
	return nil, &iamtypes.NoSuchEntityException{Message: aws.String("not found")}
}

func (m *mockIAMClient) CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	m.createdRole = params
	return &iam.CreateRoleOutput{}, nil
}

func (m *mockIAMClient) UpdateAssumeRolePolicy(ctx context.Context, params *iam.UpdateAssumeRolePolicyInput, optFns ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error) {
	m.updatedTrust = params
	return &iam.UpdateAssumeRolePolicyOutput{}, nil
}

func (m *mockIAMClient) PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	m.putPolicy = params
	return &iam.PutRolePolicyOutput{}, nil
}

func testIdentity() *IdentityService {
	return NewIdentityService(&mockSTSClient{
		getCallerIdentityFunc: func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
			return &sts.GetCallerIdentityOutput{
				Account: aws.String("123456789012"),
				Arn:     aws.String("arn:aws:iam::123456789012:user/ops"),
			}, nil
		},
	})
}

func TestIAMService_CreateGitHubOIDCRole(t *testing.T) {
	input := GitHubRoleInput{
		RoleName:         "github-actions-ec2-resizer",
		Owner:            "acme",
		Repo:             "infra",
		Bucket:           "resizer-artifacts",
		Env:              "prd",
		StateMachineArns: []string{"arn:aws:states:us-east-1:123456789012:stateMachine:ec2-safe-resizer"},
	}

	t.Run("new role", func(t *testing.T) {
		client := &mockIAMClient{}
		roleARN, err := NewIAMService(client, testIdentity()).CreateGitHubOIDCRole(context.Background(), input)
		require.NoError(t, err)

		assert.Equal(t, "arn:aws:iam::123456789012:role/github-actions-ec2-resizer", roleARN)
		assert.True(t, client.createdProvider)
		require.NotNil(t, client.createdRole)
		assert.Contains(t, aws.ToString(client.createdRole.AssumeRolePolicyDocument), "repo:acme/infra:*")
		assert.Nil(t, client.updatedTrust)
		require.NotNil(t, client.putPolicy)
		assert.Equal(t, "ec2-resizer-access", aws.ToString(client.putPolicy.PolicyName))
	})

	t.Run("existing role", func(t *testing.T) {
		client := &mockIAMClient{existingProvider: true, existingRole: true}
		_, err := NewIAMService(client, testIdentity()).CreateGitHubOIDCRole(context.Background(), input)
		require.NoError(t, err)

		assert.False(t, client.createdProvider)
		assert.Nil(t, client.createdRole)
		require.NotNil(t, client.updatedTrust)
		require.NotNil(t, client.putPolicy)
	})

	t.Run("identity failure", func(t *testing.T) {
		identity := NewIdentityService(&mockSTSClient{})
		_, err := NewIAMService(&mockIAMClient{}, identity).CreateGitHubOIDCRole(context.Background(), input)
		assert.ErrorContains(t, err, "failed to get AWS account ID")
	})
}

func TestResizePolicyDocument(t *testing.T) {
	doc, err := ResizePolicyDocument("123456789012", GitHubRoleInput{Bucket: "resizer-artifacts", Env: "dev"})
	require.NoError(t, err)

	var parsed policyDocument
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))

	var actions []string
	for _, statement := range parsed.Statement {
		actions = append(actions, statement.Action...)
	}
	assert.Contains(t, actions, "ec2:ModifyInstanceAttribute")
	assert.Contains(t, actions, "cloudwatch:GetMetricStatistics")
	assert.Contains(t, actions, "states:SendTaskSuccess")
	assert.NotContains(t, actions, "states:StartExecution")
	assert.Contains(t, doc, "arn:aws:s3:::resizer-artifacts/*")
	assert.Contains(t, doc, "table/dev-ec2-resizer-*")
}

package constants

const (
	// AppName prefixes parameter paths, secret names and table names.
	AppName = "ec2-resizer"

	// ResizeStateMachineName is the "EC2 Safe Resizer" workflow.
	ResizeStateMachineName = "ec2-safe-resizer"

	// RollbackStateMachineName is the "EC2 Rollback" workflow.
	RollbackStateMachineName = "ec2-rollback"

	// GitHubPolicyName is the inline policy attached to the GitHub Actions role.
	GitHubPolicyName = "ec2-resizer-access"
)

// GitHub Actions secrets written by `setup github`.
const (
	SecretRoleARN  = "AWS_ROLE_ARN"
	SecretS3Bucket = "RESIZER_S3_BUCKET"
	SecretAIAPIKey = "AI_API_KEY"
)

// Default output file names, matching the artifacts the workflows upload.
const (
	RecommendationFile = "resize_recommendation.json"
	ValidationFile     = "resize_validation.json"
	RollbackFile       = "rollback.json"
)

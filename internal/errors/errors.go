package errors

import "errors"

var (
	ErrInstanceIDRequired       = errors.New("instance_id is required")
	ErrInvalidInstanceID        = errors.New("invalid instance id")
	ErrRegionRequired           = errors.New("region is required")
	ErrInstanceNotFound         = errors.New("instance not found")
	ErrInvalidInstanceType      = errors.New("invalid instance type")
	ErrNoChangeRequired         = errors.New("instance already runs the requested type")
	ErrInstanceTypeUnavailable  = errors.New("instance type is not offered in this region")
	ErrArchitectureMismatch     = errors.New("instance type does not support the instance architecture")
	ErrPolicyDenied             = errors.New("resize denied by policy")
	ErrDryRunFailed             = errors.New("dry run failed")
	ErrNoRecommendation         = errors.New("no validated recommendation")
	ErrApprovalRejected         = errors.New("resize was not approved")
	ErrRollbackPointNotFound    = errors.New("rollback point not found")
	ErrInvalidRollbackPoint     = errors.New("rollback point has no previous instance type")
	ErrLockHeld                 = errors.New("instance is locked by another resize")
	ErrLockNotHeld              = errors.New("lock is not held by this resize")
	ErrResizeNotFound           = errors.New("resize record not found")
	ErrInvalidResizeID          = errors.New("invalid resize id")
	ErrTaskTokenMissing         = errors.New("resize is not waiting for approval")
	ErrStatusChanged            = errors.New("resize status changed concurrently")
	ErrStateMachineARNRequired  = errors.New("state machine ARN is required")
	ErrAdvisorEmptyResponse     = errors.New("advisor returned no choices")
	ErrUnsupportedRequestFormat = errors.New("unsupported request file format")
	ErrDesiredTypeRequired      = errors.New("desired_instance_type is required")
	ErrGitHubTokenRequired      = errors.New("github token is required")
)

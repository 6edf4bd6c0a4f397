package models

// Workflow kinds carried in WorkflowInput.Kind.
const (
	KindResize   = "resize"
	KindRollback = "rollback"
)

// WorkflowInput is the execution input for both state machines. Step
// handlers read the subset they need and pass the rest through.
type WorkflowInput struct {
	ResizeID            string `json:"resize_id"`
	Kind                string `json:"kind,omitempty"`
	InstanceID          string `json:"instance_id"`
	Region              string `json:"region"`
	DesiredInstanceType string `json:"desired_instance_type,omitempty"`
	TargetInstanceType  string `json:"target_instance_type,omitempty"`
	Requester           string `json:"requester,omitempty"`
	Approver            string `json:"approver,omitempty"`
	Snapshot            bool   `json:"snapshot"`
	DryRun              bool   `json:"dry_run,omitempty"`
	RoleARN             string `json:"role_arn,omitempty"`
	Env                 string `json:"env"`
}

// NewWorkflowInput builds the execution input for a request.
func NewWorkflowInput(env, resizeID string, req ResizeRequest) WorkflowInput {
	return WorkflowInput{
		ResizeID:            resizeID,
		Kind:                KindResize,
		InstanceID:          req.InstanceID,
		Region:              req.Region,
		DesiredInstanceType: req.DesiredInstanceType,
		TargetInstanceType:  req.DesiredInstanceType,
		Requester:           req.RequesterEmail,
		Approver:            req.ApproverEmail,
		Snapshot:            req.Snapshot,
		RoleARN:             req.RoleARN,
		Env:                 env,
	}
}

// Request recovers the request the input was built from.
func (w WorkflowInput) Request() ResizeRequest {
	return ResizeRequest{
		InstanceID:          w.InstanceID,
		Region:              w.Region,
		DesiredInstanceType: w.DesiredInstanceType,
		RequesterEmail:      w.Requester,
		ApproverEmail:       w.Approver,
		Snapshot:            w.Snapshot,
		RoleARN:             w.RoleARN,
	}
}

// ApprovalOutput is the result of the approval task, sent with the task
// token by approve and reject.
type ApprovalOutput struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
}

// StepError is what a Catch with ResultPath "$.error" leaves in the state.
type StepError struct {
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

// StepState is passed from step to step. Each handler returns it with the
// fields it owns updated. Proceed false sends the execution straight to
// release-lock and update-status with Status and Message set.
type StepState struct {
	WorkflowInput

	ExecutionArn     string          `json:"execution_arn,omitempty"`
	FromInstanceType string          `json:"from_instance_type,omitempty"`
	Decision         string          `json:"decision,omitempty"`
	Proceed          bool            `json:"proceed"`
	Status           string          `json:"status,omitempty"`
	Message          string          `json:"message,omitempty"`
	TaskToken        string          `json:"task_token,omitempty"`
	Approval         *ApprovalOutput `json:"approval,omitempty"`
	LockAcquired     bool            `json:"lock_acquired"`
	RetryCount       int             `json:"retry_count"`
	ShouldRetry      bool            `json:"should_retry"`
	Error            *StepError      `json:"error,omitempty"`
}

// Stop ends the execution with status and message.
func (s *StepState) Stop(status, message string) *StepState {
	s.Proceed = false
	s.Status = status
	s.Message = message
	return s
}

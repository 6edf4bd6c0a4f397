package resizedao

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/ec2-resizer/internal/constants"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/gox/slicex"
	"github.com/segmentio/ksuid"
)

const latest = "latest"

// TableName returns the resize history table for env.
func TableName(env string) string {
	return fmt.Sprintf("%s-%s-resizes", env, constants.AppName)
}

// PK represents a DynamoDB partition key in format {region}/{instance_id}
// Example: us-east-1/i-0123456789abcdef0
type PK string

// NewPK creates a new partition key from region and instance id
func NewPK(region, instanceID string) PK {
	return PK(fmt.Sprintf("%s/%s", region, instanceID))
}

// ParsePK parses a partition key into its region and instance id
func ParsePK(pk PK) (region, instanceID string, err error) {
	region, instanceID, ok := strings.Cut(string(pk), "/")
	if !ok || region == "" || instanceID == "" || strings.Contains(instanceID, "/") {
		return "", "", fmt.Errorf("%w: %s, expected {region}/{instance_id}", apperrors.ErrInvalidResizeID, pk)
	}
	return region, instanceID, nil
}

func (pk PK) String() string {
	return string(pk)
}

// ID identifies one resize: {region}/{instance_id}:{ksuid}
type ID string

func (id ID) String() string {
	return string(id)
}

// NewID constructs an ID from partition key and sort key
func NewID(pk PK, sk string) ID {
	return ID(fmt.Sprintf("%s:%s", pk, sk))
}

// ParseID splits a resize ID into its partition key and sort key
func ParseID(id ID) (pk PK, sk string, err error) {
	head, sk, ok := strings.Cut(string(id), ":")
	if !ok || sk == "" || strings.Contains(sk, ":") {
		return "", "", fmt.Errorf("%w: %s, expected {region}/{instance_id}:{ksuid}", apperrors.ErrInvalidResizeID, id)
	}
	if _, _, err := ParsePK(PK(head)); err != nil {
		return "", "", err
	}
	return PK(head), sk, nil
}

type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailed          Status = "FAILED"
	StatusRolledBack      Status = "ROLLED_BACK"
	StatusSkipped         Status = "SKIPPED"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusSucceeded, StatusFailed, StatusRolledBack, StatusSkipped:
		return true
	default:
		return false
	}
}

// Kind distinguishes resize records from rollback records.
type Kind string

const (
	KindResize   Kind = "resize"
	KindRollback Kind = "rollback"
)

// Record is one resize or rollback attempt
type Record struct {
	PK           PK      `ddb:"hash" dynamodbav:"pk"`  // {region}/{instance_id}
	SK           string  `ddb:"range" dynamodbav:"sk"` // KSUID
	ID           ID      `dynamodbav:"id,omitempty"`   // only set on latest entries
	Kind         Kind    `dynamodbav:"kind,omitempty"`
	Region       string  `dynamodbav:"region,omitempty"`
	InstanceID   string  `dynamodbav:"instance_id,omitempty"`
	FromType     string  `dynamodbav:"from_instance_type,omitempty"`
	ToType       string  `dynamodbav:"to_instance_type,omitempty"`
	Decision     string  `dynamodbav:"decision,omitempty"`
	Requester    string  `dynamodbav:"requester,omitempty"`
	Approver     string  `dynamodbav:"approver,omitempty"`
	Status       Status  `dynamodbav:"status,omitempty"`
	ExecutionArn *string `dynamodbav:"execution_arn,omitempty"`
	TaskToken    *string `dynamodbav:"task_token,omitempty"`
	ErrorMsg     *string `dynamodbav:"error_msg,omitempty"`
	CreatedAt    int64   `dynamodbav:"created_at,omitempty"`
	FinishedAt   *int64  `dynamodbav:"finished_at,omitempty"`
	UpdatedAt    int64   `dynamodbav:"updated_at,omitempty"`
}

// GetID returns the full resize ID
func (r *Record) GetID() ID {
	if r.ID != "" {
		return r.ID
	}
	return NewID(r.PK, r.SK)
}

type CreateInput struct {
	Kind       Kind
	Region     string
	InstanceID string
	SK         string // KSUID; generated when empty
	FromType   string
	ToType     string
	Decision   string
	Requester  string
	Approver   string
	Status     Status // defaults to PENDING_APPROVAL
}

type UpdateInput struct {
	ID       ID
	Status   Status
	Approver string  // optional
	ErrorMsg *string // optional

	// ExpectedStatus, when set, applies the update only while the record
	// still has this status. Otherwise ErrStatusChanged is returned.
	ExpectedStatus Status
}

type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
	now   func() time.Time
}

func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
		now:   time.Now,
	}
}

// Create writes a new record and returns it with its ID populated.
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	if input.SK == "" {
		input.SK = ksuid.New().String()
	}
	if input.Status == "" {
		input.Status = StatusPendingApproval
	}
	if input.Kind == "" {
		input.Kind = KindResize
	}

	now := d.now().Unix()
	record := Record{
		PK:         NewPK(input.Region, input.InstanceID),
		SK:         input.SK,
		Kind:       input.Kind,
		Region:     input.Region,
		InstanceID: input.InstanceID,
		FromType:   input.FromType,
		ToType:     input.ToType,
		Decision:   input.Decision,
		Requester:  input.Requester,
		Approver:   input.Approver,
		Status:     input.Status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := d.table.Put(&record).RunWithContext(ctx); err != nil {
		return Record{}, fmt.Errorf("failed to create resize record: %w", err)
	}
	return record, nil
}

// Find retrieves a resize record by ID
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	pk, sk, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	var record Record
	err = d.table.Get(pk.String()).
		Range(sk).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return Record{}, fmt.Errorf("%w: %s", apperrors.ErrResizeNotFound, id)
		}
		return Record{}, fmt.Errorf("failed to find resize record: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return Record{}, fmt.Errorf("%w: %s", apperrors.ErrResizeNotFound, id)
	}
	return record, nil
}

func (d *DAO) Delete(ctx context.Context, id ID) error {
	pk, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	if err := d.table.Delete(pk.String()).Range(sk).RunWithContext(ctx); err != nil {
		return fmt.Errorf("failed to delete resize record: %w", err)
	}
	return nil
}

// UpdateStatus sets the status of a record and refreshes the "latest"
// record for the instance in the same transaction. The latest record has
// pk=latest/{region} and sk={region}/{instance_id}.
func (d *DAO) UpdateStatus(ctx context.Context, input UpdateInput) error {
	if input.Status == "" {
		return fmt.Errorf("status is required")
	}

	pk, sk, err := ParseID(input.ID)
	if err != nil {
		return err
	}
	region, instanceID, _ := ParsePK(pk)

	now := d.now().Unix()
	update := d.table.Update(pk.String()).
		Range(sk).
		Set("#Status = ?", string(input.Status)).
		Set("#UpdatedAt = ?", now)

	if input.Status.Terminal() {
		update = update.Set("#FinishedAt = ?", now)
	}
	if input.Approver != "" {
		update = update.Set("#Approver = ?", input.Approver)
	}
	if input.ErrorMsg != nil {
		update = update.Set("#ErrorMsg = ?", *input.ErrorMsg)
	}
	if input.ExpectedStatus != "" {
		update = update.Condition("#Status = ?", string(input.ExpectedStatus))
	}

	put := d.table.Put(&Record{
		PK:         NewPK(latest, region),
		SK:         pk.String(),
		ID:         input.ID,
		Region:     region,
		InstanceID: instanceID,
		Status:     input.Status,
		UpdatedAt:  now,
	})

	if _, err := d.db.TransactWriteItemsWithContext(ctx, update, put); err != nil {
		if input.ExpectedStatus != "" && isConditionFailed(err) {
			return fmt.Errorf("%w: %s is no longer %s", apperrors.ErrStatusChanged, input.ID, input.ExpectedStatus)
		}
		return fmt.Errorf("failed to update resize status: %w", err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return strings.Contains(err.Error(), "ConditionalCheckFailed")
}

// SetExecution records the Step Functions execution driving the resize.
func (d *DAO) SetExecution(ctx context.Context, id ID, executionArn string) error {
	return d.set(ctx, id, "#ExecutionArn = ?", executionArn)
}

// SetTaskToken stores the token the approval step waits on.
func (d *DAO) SetTaskToken(ctx context.Context, id ID, taskToken string) error {
	return d.set(ctx, id, "#TaskToken = ?", taskToken)
}

// SetTarget records the resolved target type once analysis completes.
func (d *DAO) SetTarget(ctx context.Context, id ID, fromType, toType, decision string) error {
	pk, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	err = d.table.Update(pk.String()).
		Range(sk).
		Set("#FromType = ?", fromType).
		Set("#ToType = ?", toType).
		Set("#Decision = ?", decision).
		Set("#UpdatedAt = ?", d.now().Unix()).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to set resize target: %w", err)
	}
	return nil
}

func (d *DAO) set(ctx context.Context, id ID, expr string, value string) error {
	pk, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	err = d.table.Update(pk.String()).
		Range(sk).
		Set(expr, value).
		Set("#UpdatedAt = ?", d.now().Unix()).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update resize record: %w", err)
	}
	return nil
}

// Query returns the history of one instance, newest first.
func (d *DAO) Query(ctx context.Context, region, instanceID string) ([]Record, error) {
	var records []Record

	err := d.table.Query("#PK = ?", NewPK(region, instanceID).String()).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query resizes: %w", err)
	}

	slices.Reverse(records)
	return records, nil
}

// QueryLatest returns the most recent resize of every instance in region,
// most recently updated first.
func (d *DAO) QueryLatest(ctx context.Context, region string) ([]Record, error) {
	var latestRecords []Record

	err := d.table.Query("#PK = ?", NewPK(latest, region).String()).
		FindAllWithContext(ctx, &latestRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest resizes: %w", err)
	}

	slices.SortStableFunc(latestRecords, func(a, b Record) int {
		return int(b.UpdatedAt - a.UpdatedAt)
	})

	ids := slicex.Map(latestRecords, func(r Record) ID { return r.GetID() })

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		record, err := d.Find(ctx, id)
		if err != nil {
			// deleted since the latest entry was written
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

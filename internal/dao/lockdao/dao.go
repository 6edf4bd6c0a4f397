package lockdao

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/ec2-resizer/internal/constants"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
)

const (
	lockSK  = "LOCK"
	lockTTL = 4 * time.Hour // locks left behind by a crashed resize expire
)

// TableName returns the lock table for env.
func TableName(env string) string {
	return fmt.Sprintf("%s-%s-locks", env, constants.AppName)
}

// PK represents the partition key: {region}/{instance_id}
type PK string

func NewPK(region, instanceID string) PK {
	return PK(fmt.Sprintf("%s/%s", region, instanceID))
}

func ParsePK(pk PK) (region, instanceID string, err error) {
	region, instanceID, ok := strings.Cut(string(pk), "/")
	if !ok || region == "" || instanceID == "" {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {region}/{instance_id}", pk)
	}
	return region, instanceID, nil
}

func (pk PK) String() string {
	return string(pk)
}

// ID represents a lock ID in format {region}/{instance_id}:LOCK
type ID string

func NewID(region, instanceID string) ID {
	return ID(fmt.Sprintf("%s:%s", NewPK(region, instanceID), lockSK))
}

func ParseID(id ID) (region, instanceID string, err error) {
	head, sk, ok := strings.Cut(string(id), ":")
	if !ok || sk != lockSK {
		return "", "", fmt.Errorf("invalid ID format: %s, expected {region}/{instance_id}:LOCK", id)
	}
	return ParsePK(PK(head))
}

func (id ID) String() string {
	return string(id)
}

// Record represents a per-instance resize lock
type Record struct {
	PK           PK     `ddb:"hash" dynamodbav:"pk"`  // {region}/{instance_id}
	SK           string `ddb:"range" dynamodbav:"sk"` // always LOCK
	ResizeID     string `dynamodbav:"resize_id"`      // resize holding the lock
	ExecutionArn string `dynamodbav:"execution_arn,omitempty"`
	AcquiredAt   int64  `dynamodbav:"acquired_at"`
	TTL          int64  `dynamodbav:"ttl"` // DynamoDB TTL expiry
}

func (r *Record) GetID() ID {
	region, instanceID, _ := ParsePK(r.PK)
	return NewID(region, instanceID)
}

type AcquireInput struct {
	Region       string
	InstanceID   string
	ResizeID     string
	ExecutionArn string
}

type ReleaseInput struct {
	ID       ID
	ResizeID string // must match the holder
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

// Acquire takes the lock for input.ResizeID. It returns false when another
// resize holds the lock; the same resize acquiring twice succeeds. An
// expired lock whose TTL has not yet been reaped is treated as free. The
// write is conditional so concurrent callers cannot both win.
func (d *DAO) Acquire(ctx context.Context, input AcquireInput) (*Record, bool, error) {
	id := NewID(input.Region, input.InstanceID)
	now := d.now()

	existing, err := d.Find(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check existing lock: %w", err)
	}

	if existing != nil && existing.TTL > now.Unix() {
		if existing.ResizeID == input.ResizeID {
			return existing, true, nil
		}
		return existing, false, nil
	}

	record := &Record{
		PK:           NewPK(input.Region, input.InstanceID),
		SK:           lockSK,
		ResizeID:     input.ResizeID,
		ExecutionArn: input.ExecutionArn,
		AcquiredAt:   now.Unix(),
		TTL:          now.Add(lockTTL).Unix(),
	}

	err = d.table.Put(record).
		Condition("attribute_not_exists(#PK) OR #TTL <= ? OR #ResizeID = ?", now.Unix(), input.ResizeID).
		RunWithContext(ctx)
	if err != nil {
		if !isConditionFailed(err) {
			return nil, false, fmt.Errorf("failed to create lock: %w", err)
		}
		holder, findErr := d.Find(ctx, id)
		if findErr != nil {
			return nil, false, fmt.Errorf("failed to read lock holder: %w", findErr)
		}
		return holder, false, nil
	}
	return record, true, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	return strings.Contains(err.Error(), "ConditionalCheckFailed")
}

// Find returns the lock or nil when there is none.
func (d *DAO) Find(ctx context.Context, id ID) (*Record, error) {
	region, instanceID, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	var record Record
	err = d.table.Get(NewPK(region, instanceID).String()).
		Range(lockSK).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return nil, nil
	}
	return &record, nil
}

// Release removes the lock if input.ResizeID holds it. Releasing a lock
// that no longer exists is not an error.
func (d *DAO) Release(ctx context.Context, input ReleaseInput) error {
	existing, err := d.Find(ctx, input.ID)
	if err != nil {
		return fmt.Errorf("failed to check lock: %w", err)
	}
	if existing == nil {
		return nil
	}

	if existing.ResizeID != input.ResizeID {
		return fmt.Errorf("%w: %s (held by %s)", apperrors.ErrLockNotHeld, input.ResizeID, existing.ResizeID)
	}

	return d.Delete(ctx, input.ID)
}

// Delete removes a lock regardless of holder.
func (d *DAO) Delete(ctx context.Context, id ID) error {
	region, instanceID, err := ParseID(id)
	if err != nil {
		return err
	}

	err = d.table.Delete(NewPK(region, instanceID).String()).
		Range(lockSK).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	return nil
}

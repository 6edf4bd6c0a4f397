package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
)

// EC2 API error codes the resizer reacts to.
const (
	CodeDryRunOperation     = "DryRunOperation"
	CodeInstanceNotFound    = "InvalidInstanceID.NotFound"
	CodeInstanceIDMalformed = "InvalidInstanceID.Malformed"
	CodeInvalidInstanceType = "InvalidInstanceType"
)

// EC2API is the subset of the EC2 client used by EC2Service. It also
// satisfies the SDK waiter and paginator client interfaces.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
}

// Instance is the view of an EC2 instance the resizer works with.
type Instance struct {
	ID           string            `json:"instance_id"`
	Region       string            `json:"region"`
	InstanceType string            `json:"instance_type"`
	Architecture string            `json:"architecture"`
	Platform     string            `json:"platform"`
	State        string            `json:"state"`
	VolumeIDs    []string          `json:"volume_ids,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// InstanceTypeInfo describes an instance type offering.
type InstanceTypeInfo struct {
	Name          string
	Architectures []string
	VCPUs         int32
	MemoryMiB     int64
}

// SupportsArchitecture reports whether arch is among the supported architectures.
func (i InstanceTypeInfo) SupportsArchitecture(arch string) bool {
	for _, a := range i.Architectures {
		if a == arch {
			return true
		}
	}
	return false
}

// EC2Service wraps the EC2 calls used to inspect and resize instances.
type EC2Service struct {
	client EC2API
	region string
}

// NewEC2Service creates a service bound to the client's region.
func NewEC2Service(client EC2API, region string) *EC2Service {
	return &EC2Service{
		client: client,
		region: region,
	}
}

// Region returns the region the service operates in.
func (s *EC2Service) Region() string {
	return s.region
}

// DescribeInstance returns a single instance.
func (s *EC2Service) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	out, err := s.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if code := ErrorCode(err); code == CodeInstanceNotFound || code == CodeInstanceIDMalformed {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrInstanceNotFound, instanceID)
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) == instanceID {
				return s.toInstance(instance), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrInstanceNotFound, instanceID)
}

// FindInstances lists instances matching the EC2 filters, e.g.
// {"tag:env": {"prod"}}. Terminated instances are excluded.
func (s *EC2Service) FindInstances(ctx context.Context, filters map[string][]string) ([]Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{"pending", "running", "stopping", "stopped"},
			},
		},
	}
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   aws.String(name),
			Values: filters[name],
		})
	}

	var instances []Instance
	paginator := ec2.NewDescribeInstancesPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				instances = append(instances, *s.toInstance(instance))
			}
		}
	}
	return instances, nil
}

// DescribeInstanceType returns the offering for name, or
// ErrInstanceTypeUnavailable when the region does not offer it.
func (s *EC2Service) DescribeInstanceType(ctx context.Context, name string) (*InstanceTypeInfo, error) {
	out, err := s.client.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
		InstanceTypes: []ec2types.InstanceType{ec2types.InstanceType(name)},
	})
	if err != nil {
		if ErrorCode(err) == CodeInvalidInstanceType {
			return nil, fmt.Errorf("%w: %s in %s", apperrors.ErrInstanceTypeUnavailable, name, s.region)
		}
		return nil, fmt.Errorf("failed to describe instance type %s: %w", name, err)
	}
	if len(out.InstanceTypes) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", apperrors.ErrInstanceTypeUnavailable, name, s.region)
	}
	return toInstanceTypeInfo(out.InstanceTypes[0]), nil
}

// ListInstanceTypes returns every instance type that supports arch.
func (s *EC2Service) ListInstanceTypes(ctx context.Context, arch string) ([]string, error) {
	paginator := ec2.NewDescribeInstanceTypesPaginator(s.client, &ec2.DescribeInstanceTypesInput{
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("processor-info.supported-architecture"),
				Values: []string{arch},
			},
		},
	})

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list instance types for %s: %w", arch, err)
		}
		for _, t := range page.InstanceTypes {
			names = append(names, string(t.InstanceType))
		}
	}
	sort.Strings(names)
	return names, nil
}

// DryRunModify asks EC2 whether the caller could change the instance type.
// A DryRunOperation response means yes.
func (s *EC2Service) DryRunModify(ctx context.Context, instanceID, instanceType string) error {
	_, err := s.client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId:   aws.String(instanceID),
		InstanceType: &ec2types.AttributeValue{Value: aws.String(instanceType)},
		DryRun:       aws.Bool(true),
	})
	if err == nil {
		// EC2 always answers a dry run with an error; treat silence as success.
		return nil
	}
	if ErrorCode(err) == CodeDryRunOperation {
		return nil
	}
	return fmt.Errorf("%w: %w", apperrors.ErrDryRunFailed, err)
}

// ModifyInstanceType changes the type of a stopped instance.
func (s *EC2Service) ModifyInstanceType(ctx context.Context, instanceID, instanceType string) error {
	_, err := s.client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId:   aws.String(instanceID),
		InstanceType: &ec2types.AttributeValue{Value: aws.String(instanceType)},
	})
	if err != nil {
		return fmt.Errorf("failed to modify instance type of %s to %s: %w", instanceID, instanceType, err)
	}
	return nil
}

// StopInstance stops the instance and blocks until it is stopped.
func (s *EC2Service) StopInstance(ctx context.Context, instanceID string, maxWait time.Duration) error {
	logger := zerolog.Ctx(ctx)

	if _, err := s.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		return fmt.Errorf("failed to stop instance %s: %w", instanceID, err)
	}

	logger.Info().Str("instance_id", instanceID).Dur("max_wait", maxWait).Msg("Waiting for instance to stop")

	waiter := ec2.NewInstanceStoppedWaiter(s.client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, maxWait); err != nil {
		return fmt.Errorf("failed waiting for instance %s to stop: %w", instanceID, err)
	}
	return nil
}

// StartInstance starts the instance and blocks until it is running.
func (s *EC2Service) StartInstance(ctx context.Context, instanceID string, maxWait time.Duration) error {
	logger := zerolog.Ctx(ctx)

	if _, err := s.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		return fmt.Errorf("failed to start instance %s: %w", instanceID, err)
	}

	logger.Info().Str("instance_id", instanceID).Dur("max_wait", maxWait).Msg("Waiting for instance to run")

	waiter := ec2.NewInstanceRunningWaiter(s.client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, maxWait); err != nil {
		return fmt.Errorf("failed waiting for instance %s to run: %w", instanceID, err)
	}
	return nil
}

// SnapshotVolumes snapshots every EBS volume attached to the instance and
// waits for all snapshots to complete.
func (s *EC2Service) SnapshotVolumes(ctx context.Context, instance *Instance, maxWait time.Duration) ([]string, error) {
	logger := zerolog.Ctx(ctx)

	if len(instance.VolumeIDs) == 0 {
		return nil, nil
	}

	description := fmt.Sprintf("Rollback snapshot for %s", instance.ID)
	snapshotIDs := make([]string, 0, len(instance.VolumeIDs))
	for _, volumeID := range instance.VolumeIDs {
		out, err := s.client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
			VolumeId:    aws.String(volumeID),
			Description: aws.String(description),
			TagSpecifications: []ec2types.TagSpecification{
				{
					ResourceType: ec2types.ResourceTypeSnapshot,
					Tags: []ec2types.Tag{
						{Key: aws.String("ec2-resizer:instance-id"), Value: aws.String(instance.ID)},
						{Key: aws.String("ec2-resizer:instance-type"), Value: aws.String(instance.InstanceType)},
					},
				},
			},
		})
		if err != nil {
			return snapshotIDs, fmt.Errorf("failed to snapshot volume %s: %w", volumeID, err)
		}

		snapshotID := aws.ToString(out.SnapshotId)
		snapshotIDs = append(snapshotIDs, snapshotID)
		logger.Info().
			Str("instance_id", instance.ID).
			Str("volume_id", volumeID).
			Str("snapshot_id", snapshotID).
			Msg("Created rollback snapshot")
	}

	waiter := ec2.NewSnapshotCompletedWaiter(s.client)
	if err := waiter.Wait(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: snapshotIDs}, maxWait); err != nil {
		return snapshotIDs, fmt.Errorf("failed waiting for snapshots to complete: %w", err)
	}
	return snapshotIDs, nil
}

func (s *EC2Service) toInstance(in ec2types.Instance) *Instance {
	instance := &Instance{
		ID:           aws.ToString(in.InstanceId),
		Region:       s.region,
		InstanceType: string(in.InstanceType),
		Architecture: string(in.Architecture),
		Platform:     aws.ToString(in.PlatformDetails),
	}
	if in.State != nil {
		instance.State = string(in.State.Name)
	}
	for _, mapping := range in.BlockDeviceMappings {
		if mapping.Ebs != nil && mapping.Ebs.VolumeId != nil {
			instance.VolumeIDs = append(instance.VolumeIDs, aws.ToString(mapping.Ebs.VolumeId))
		}
	}
	if len(in.Tags) > 0 {
		instance.Tags = make(map[string]string, len(in.Tags))
		for _, tag := range in.Tags {
			instance.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
	}
	return instance
}

func toInstanceTypeInfo(in ec2types.InstanceTypeInfo) *InstanceTypeInfo {
	info := &InstanceTypeInfo{Name: string(in.InstanceType)}
	if in.ProcessorInfo != nil {
		for _, arch := range in.ProcessorInfo.SupportedArchitectures {
			info.Architectures = append(info.Architectures, string(arch))
		}
	}
	if in.VCpuInfo != nil {
		info.VCPUs = aws.ToInt32(in.VCpuInfo.DefaultVCpus)
	}
	if in.MemoryInfo != nil {
		info.MemoryMiB = aws.ToInt64(in.MemoryInfo.SizeInMiB)
	}
	return info
}

// ErrorCode returns the AWS API error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

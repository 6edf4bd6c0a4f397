package resizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

// fakeMachine tracks one instance's type and state and records calls.
type fakeMachine struct {
	instance  services.Instance
	calls     []string
	modifyErr error
	stopErr   error
}

func (f *fakeMachine) DescribeInstance(ctx context.Context, instanceID string) (*services.Instance, error) {
	f.calls = append(f.calls, "describe")
	if instanceID != f.instance.ID {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInstanceNotFound, instanceID)
	}
	instance := f.instance
	return &instance, nil
}

func (f *fakeMachine) StopInstance(ctx context.Context, instanceID string, maxWait time.Duration) error {
	f.calls = append(f.calls, "stop")
	if f.stopErr != nil {
		return f.stopErr
	}
	f.instance.State = "stopped"
	return nil
}

func (f *fakeMachine) StartInstance(ctx context.Context, instanceID string, maxWait time.Duration) error {
	f.calls = append(f.calls, "start")
	f.instance.State = "running"
	return nil
}

func (f *fakeMachine) ModifyInstanceType(ctx context.Context, instanceID, instanceType string) error {
	f.calls = append(f.calls, "modify:"+instanceType)
	if f.modifyErr != nil {
		return f.modifyErr
	}
	if f.instance.State != "stopped" {
		return errors.New("IncorrectInstanceState")
	}
	f.instance.InstanceType = instanceType
	return nil
}

func (f *fakeMachine) SnapshotVolumes(ctx context.Context, instance *services.Instance, maxWait time.Duration) ([]string, error) {
	f.calls = append(f.calls, "snapshot")
	var ids []string
	for i := range instance.VolumeIDs {
		ids = append(ids, fmt.Sprintf("snap-%d", i))
	}
	return ids, nil
}

type memoryPoints struct {
	points map[string]models.RollbackPoint
	putErr error
}

func (m *memoryPoints) PutRollbackPoint(ctx context.Context, point models.RollbackPoint) error {
	if m.putErr != nil {
		return m.putErr
	}
	if m.points == nil {
		m.points = map[string]models.RollbackPoint{}
	}
	m.points[point.Region+"/"+point.InstanceID] = point
	return nil
}

func (m *memoryPoints) GetRollbackPoint(ctx context.Context, region, instanceID string) (*models.RollbackPoint, error) {
	point, ok := m.points[region+"/"+instanceID]
	if !ok {
		return nil, apperrors.ErrRollbackPointNotFound
	}
	return &point, nil
}

func newFake(state string) *fakeMachine {
	return &fakeMachine{
		instance: services.Instance{
			ID:           "i-0123456789abcdef0",
			Region:       "us-east-1",
			InstanceType: "t3.medium",
			Architecture: "x86_64",
			State:        state,
			VolumeIDs:    []string{"vol-a", "vol-b"},
		},
	}
}

func fixedClock() func() time.Time {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
}

func TestExecutor_Resize(t *testing.T) {
	tests := []struct {
		name     string
		state    string
		snapshot bool
		calls    []string
	}{
		{
			name:  "running",
			state: "running",
			calls: []string{"describe", "stop", "modify:t3.small", "start"},
		},
		{
			name:  "already stopped",
			state: "stopped",
			calls: []string{"describe", "modify:t3.small", "start"},
		},
		{
			name:     "with snapshots",
			state:    "running",
			snapshot: true,
			calls:    []string{"describe", "snapshot", "stop", "modify:t3.small", "start"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine := newFake(tt.state)
			points := &memoryPoints{}

			result, err := New(machine, points, WithClock(fixedClock())).Resize(testContext(), Plan{
				ResizeID:   "r1",
				InstanceID: "i-0123456789abcdef0",
				TargetType: "t3.small",
				Snapshot:   tt.snapshot,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.calls, machine.calls)
			assert.True(t, result.Changed)
			assert.Equal(t, "t3.medium", result.FromType)
			assert.Equal(t, "t3.small", result.ToType)
			assert.Equal(t, time.Minute, result.Duration)
			assert.Equal(t, "t3.small", machine.instance.InstanceType)
			assert.Equal(t, "running", machine.instance.State)

			point := points.points["us-east-1/i-0123456789abcdef0"]
			assert.Equal(t, "t3.medium", point.PreviousInstanceType)
			assert.Equal(t, "t3.small", point.NewInstanceType)
			assert.Equal(t, "r1", point.ResizeID)
			if tt.snapshot {
				assert.Equal(t, []string{"snap-0", "snap-1"}, point.SnapshotIDs)
			} else {
				assert.Empty(t, point.SnapshotIDs)
			}
		})
	}
}

func TestExecutor_Resize_SameType(t *testing.T) {
	machine := newFake("running")
	points := &memoryPoints{}

	result, err := New(machine, points).Resize(testContext(), Plan{InstanceID: "i-0123456789abcdef0", TargetType: "t3.medium"})
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, []string{"describe"}, machine.calls)
	assert.Empty(t, points.points)
}

func TestExecutor_Resize_ModifyFailureRestarts(t *testing.T) {
	machine := newFake("running")
	machine.modifyErr = errors.New("InsufficientInstanceCapacity")

	_, err := New(machine, &memoryPoints{}).Resize(testContext(), Plan{InstanceID: "i-0123456789abcdef0", TargetType: "t3.small"})
	assert.ErrorContains(t, err, "InsufficientInstanceCapacity")
	assert.Equal(t, []string{"describe", "stop", "modify:t3.small", "start"}, machine.calls)
	assert.Equal(t, "t3.medium", machine.instance.InstanceType)
	assert.Equal(t, "running", machine.instance.State)
}

func TestExecutor_Resize_ModifyFailureLeavesStoppedInstance(t *testing.T) {
	machine := newFake("stopped")
	machine.modifyErr = errors.New("InsufficientInstanceCapacity")

	_, err := New(machine, &memoryPoints{}).Resize(testContext(), Plan{InstanceID: "i-0123456789abcdef0", TargetType: "t3.small"})
	assert.ErrorContains(t, err, "InsufficientInstanceCapacity")
	assert.Equal(t, []string{"describe", "modify:t3.small"}, machine.calls)
	assert.NotContains(t, machine.calls, "start")
	assert.Equal(t, "stopped", machine.instance.State)
}

func TestExecutor_Resize_RollbackPointFirst(t *testing.T) {
	machine := newFake("running")

	_, err := New(machine, &memoryPoints{putErr: errors.New("bucket missing")}).Resize(testContext(), Plan{InstanceID: "i-0123456789abcdef0", TargetType: "t3.small"})
	assert.ErrorContains(t, err, "failed to save rollback point")
	assert.Equal(t, []string{"describe"}, machine.calls)
}

func TestExecutor_Resize_StopFailure(t *testing.T) {
	machine := newFake("running")
	machine.stopErr = errors.New("waiter timed out")

	_, err := New(machine, &memoryPoints{}).Resize(testContext(), Plan{InstanceID: "i-0123456789abcdef0", TargetType: "t3.small"})
	assert.ErrorContains(t, err, "waiter timed out")
	assert.Equal(t, []string{"describe", "stop"}, machine.calls)
}

func TestExecutor_Rollback(t *testing.T) {
	machine := newFake("running")
	points := &memoryPoints{}
	executor := New(machine, points)

	_, err := executor.Rollback(testContext(), "us-east-1", "i-0123456789abcdef0")
	assert.ErrorIs(t, err, apperrors.ErrRollbackPointNotFound)

	_, err = executor.Resize(testContext(), Plan{ResizeID: "r1", InstanceID: "i-0123456789abcdef0", TargetType: "t3.large"})
	require.NoError(t, err)
	machine.calls = nil

	result, err := executor.Rollback(testContext(), "us-east-1", "i-0123456789abcdef0")
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, "r1", result.ResizeID)
	assert.Equal(t, "t3.large", result.FromType)
	assert.Equal(t, "t3.medium", result.ToType)
	assert.Equal(t, []string{"describe", "stop", "modify:t3.medium", "start"}, machine.calls)

	// a second rollback finds the instance already restored
	machine.calls = nil
	result, err = executor.Rollback(testContext(), "us-east-1", "i-0123456789abcdef0")
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, []string{"describe"}, machine.calls)
}

func TestExecutor_Rollback_InvalidPoint(t *testing.T) {
	points := &memoryPoints{points: map[string]models.RollbackPoint{
		"us-east-1/i-0123456789abcdef0": {InstanceID: "i-0123456789abcdef0", Region: "us-east-1"},
	}}

	_, err := New(newFake("running"), points).Rollback(testContext(), "us-east-1", "i-0123456789abcdef0")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRollbackPoint)
}

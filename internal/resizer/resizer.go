// Package resizer changes an instance's type and restores it from a
// rollback point.
package resizer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/services"
)

const (
	DefaultStopWait     = 10 * time.Minute
	DefaultStartWait    = 10 * time.Minute
	DefaultSnapshotWait = 60 * time.Minute

	stateStopped = "stopped"
)

// Machine is the EC2 surface the executor drives. services.EC2Service
// implements it.
type Machine interface {
	DescribeInstance(ctx context.Context, instanceID string) (*services.Instance, error)
	StopInstance(ctx context.Context, instanceID string, maxWait time.Duration) error
	StartInstance(ctx context.Context, instanceID string, maxWait time.Duration) error
	ModifyInstanceType(ctx context.Context, instanceID, instanceType string) error
	SnapshotVolumes(ctx context.Context, instance *services.Instance, maxWait time.Duration) ([]string, error)
}

// RollbackPoints persists rollback points. store.Store implements it.
type RollbackPoints interface {
	PutRollbackPoint(ctx context.Context, point models.RollbackPoint) error
	GetRollbackPoint(ctx context.Context, region, instanceID string) (*models.RollbackPoint, error)
}

type Plan struct {
	ResizeID   string
	InstanceID string
	TargetType string
	Snapshot   bool
}

type Result struct {
	ResizeID    string        `json:"resize_id,omitempty"`
	InstanceID  string        `json:"instance_id"`
	Region      string        `json:"region"`
	FromType    string        `json:"from_instance_type"`
	ToType      string        `json:"to_instance_type"`
	SnapshotIDs []string      `json:"snapshot_ids,omitempty"`
	Changed     bool          `json:"changed"`
	Duration    time.Duration `json:"duration"`
}

type Executor struct {
	machine      Machine
	points       RollbackPoints
	stopWait     time.Duration
	startWait    time.Duration
	snapshotWait time.Duration
	now          func() time.Time
}

type Option func(*Executor)

// WithWaits overrides the stop, start and snapshot wait limits.
func WithWaits(stop, start, snapshot time.Duration) Option {
	return func(e *Executor) {
		e.stopWait = stop
		e.startWait = start
		e.snapshotWait = snapshot
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

func New(machine Machine, points RollbackPoints, opts ...Option) *Executor {
	e := &Executor{
		machine:      machine,
		points:       points,
		stopWait:     DefaultStopWait,
		startWait:    DefaultStartWait,
		snapshotWait: DefaultSnapshotWait,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resize moves the instance to plan.TargetType. The rollback point is
// saved before the instance is touched. If the modify call fails an
// instance stopped here is started again on its original type.
func (e *Executor) Resize(ctx context.Context, plan Plan) (*Result, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("instance_id", plan.InstanceID).
		Str("resize_id", plan.ResizeID).
		Logger()
	started := e.now()

	instance, err := e.machine.DescribeInstance(ctx, plan.InstanceID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ResizeID:   plan.ResizeID,
		InstanceID: instance.ID,
		Region:     instance.Region,
		FromType:   instance.InstanceType,
		ToType:     plan.TargetType,
	}

	if instance.InstanceType == plan.TargetType {
		logger.Info().Str("instance_type", instance.InstanceType).Msg("Instance already runs the target type, nothing to do")
		return result, nil
	}

	if plan.Snapshot {
		logger.Info().Int("volumes", len(instance.VolumeIDs)).Msg("Snapshotting volumes before resize")
		snapshotIDs, err := e.machine.SnapshotVolumes(ctx, instance, e.snapshotWait)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot volumes: %w", err)
		}
		result.SnapshotIDs = snapshotIDs
	}

	point := models.RollbackPoint{
		InstanceID:           instance.ID,
		Region:               instance.Region,
		PreviousInstanceType: instance.InstanceType,
		NewInstanceType:      plan.TargetType,
		SnapshotIDs:          result.SnapshotIDs,
		ResizeID:             plan.ResizeID,
		CreatedAt:            started.UTC(),
	}
	if err := e.points.PutRollbackPoint(ctx, point); err != nil {
		return nil, fmt.Errorf("failed to save rollback point: %w", err)
	}
	logger.Info().Str("previous_instance_type", instance.InstanceType).Msg("Saved rollback point")

	stoppedHere := instance.State != stateStopped
	if stoppedHere {
		logger.Info().Str("state", instance.State).Msg("Stopping instance")
		if err := e.machine.StopInstance(ctx, instance.ID, e.stopWait); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("from", instance.InstanceType).
		Str("to", plan.TargetType).
		Msg("Modifying instance type")
	if err := e.machine.ModifyInstanceType(ctx, instance.ID, plan.TargetType); err != nil {
		if !stoppedHere {
			logger.Error().Err(err).Msg("Modify failed, instance left stopped")
			return nil, err
		}
		logger.Error().Err(err).Msg("Modify failed, restarting on original type")
		if startErr := e.machine.StartInstance(ctx, instance.ID, e.startWait); startErr != nil {
			logger.Error().Err(startErr).Msg("Failed to restart instance after failed modify")
			return nil, fmt.Errorf("%w (restart also failed: %v)", err, startErr)
		}
		return nil, err
	}

	if err := e.machine.StartInstance(ctx, instance.ID, e.startWait); err != nil {
		return nil, err
	}

	result.Changed = true
	result.Duration = e.now().Sub(started)
	logger.Info().Dur("duration", result.Duration).Msg("Resize complete")
	return result, nil
}

// Rollback restores the type recorded in the instance's rollback point.
func (e *Executor) Rollback(ctx context.Context, region, instanceID string) (*Result, error) {
	logger := zerolog.Ctx(ctx).With().Str("instance_id", instanceID).Logger()
	started := e.now()

	point, err := e.points.GetRollbackPoint(ctx, region, instanceID)
	if err != nil {
		return nil, err
	}
	if point.PreviousInstanceType == "" {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidRollbackPoint, instanceID)
	}

	instance, err := e.machine.DescribeInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ResizeID:    point.ResizeID,
		InstanceID:  instance.ID,
		Region:      instance.Region,
		FromType:    instance.InstanceType,
		ToType:      point.PreviousInstanceType,
		SnapshotIDs: point.SnapshotIDs,
	}

	if instance.InstanceType == point.PreviousInstanceType {
		logger.Info().Str("instance_type", instance.InstanceType).Msg("Instance already runs the previous type, nothing to roll back")
		return result, nil
	}

	logger.Info().
		Str("from", instance.InstanceType).
		Str("to", point.PreviousInstanceType).
		Msg("Rolling back instance type")

	if instance.State != stateStopped {
		if err := e.machine.StopInstance(ctx, instance.ID, e.stopWait); err != nil {
			return nil, err
		}
	}

	if err := e.machine.ModifyInstanceType(ctx, instance.ID, point.PreviousInstanceType); err != nil {
		return nil, err
	}

	if err := e.machine.StartInstance(ctx, instance.ID, e.startWait); err != nil {
		return nil, err
	}

	result.Changed = true
	result.Duration = e.now().Sub(started)
	logger.Info().Dur("duration", result.Duration).Msg("Rollback complete")
	return result, nil
}

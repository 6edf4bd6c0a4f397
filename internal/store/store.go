// Package store persists rollback points and per-resize artifacts such as
// the recommendation and validation reports.
package store

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/savaki/ec2-resizer/internal/constants"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
)

type Store interface {
	PutRollbackPoint(ctx context.Context, point models.RollbackPoint) error
	GetRollbackPoint(ctx context.Context, region, instanceID string) (*models.RollbackPoint, error)
	PutArtifact(ctx context.Context, region, instanceID, resizeID, name string, v any) error
}

// RollbackKey is the object key of an instance's rollback point.
func RollbackKey(region, instanceID string) string {
	return path.Join(region, instanceID, constants.RollbackFile)
}

// ArtifactKey is the object key of a named artifact for one resize. A
// trailing .json on name is optional.
func ArtifactKey(region, instanceID, resizeID, name string) string {
	name = strings.TrimSuffix(name, ".json")
	return path.Join(region, instanceID, resizeID, name+".json")
}

func validatePoint(point *models.RollbackPoint) error {
	if point.PreviousInstanceType == "" {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidRollbackPoint, point.InstanceID)
	}
	return nil
}

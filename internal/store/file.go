package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
)

// FileStore keeps the same key layout as S3Store under a local directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) PutRollbackPoint(ctx context.Context, point models.RollbackPoint) error {
	if err := validatePoint(&point); err != nil {
		return err
	}
	return WriteJSON(filepath.Join(s.dir, filepath.FromSlash(RollbackKey(point.Region, point.InstanceID))), point)
}

func (s *FileStore) GetRollbackPoint(ctx context.Context, region, instanceID string) (*models.RollbackPoint, error) {
	filename := filepath.Join(s.dir, filepath.FromSlash(RollbackKey(region, instanceID)))

	data, err := os.ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRollbackPointNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rollback point: %w", err)
	}

	var point models.RollbackPoint
	if err := json.Unmarshal(data, &point); err != nil {
		return nil, fmt.Errorf("failed to parse rollback point: %w", err)
	}
	if err := validatePoint(&point); err != nil {
		return nil, err
	}
	return &point, nil
}

func (s *FileStore) PutArtifact(ctx context.Context, region, instanceID, resizeID, name string, v any) error {
	return WriteJSON(filepath.Join(s.dir, filepath.FromSlash(ArtifactKey(region, instanceID, resizeID, name))), v)
}

// WriteJSON atomically replaces filename with the indented JSON of v,
// creating parent directories as needed.
func WriteJSON(filename string, v any) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", filename, err)
	}

	pendingFile, err := renameio.NewPendingFile(filename)
	if err != nil {
		return fmt.Errorf("failed to create pending file %s: %w", filename, err)
	}
	defer pendingFile.Cleanup()

	encoder := json.NewEncoder(pendingFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filename, err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filename, err)
	}
	return nil
}

package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryS3 keeps objects in a map keyed by "bucket/key".
type memoryS3 struct {
	objects map[string][]byte
	putErr  error
}

func (m *memoryS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memoryS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func samplePoint() models.RollbackPoint {
	return models.RollbackPoint{
		InstanceID:           "i-0123456789abcdef0",
		Region:               "us-east-1",
		PreviousInstanceType: "t3.medium",
		NewInstanceType:      "t3.small",
		SnapshotIDs:          []string{"snap-1"},
		ResizeID:             "2bGkpmjVDSgaHdqF0qLaAKVjJeO",
		CreatedAt:            time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "us-east-1/i-1/rollback.json", RollbackKey("us-east-1", "i-1"))
	assert.Equal(t, "us-east-1/i-1/r1/resize_recommendation.json", ArtifactKey("us-east-1", "i-1", "r1", "resize_recommendation.json"))
	assert.Equal(t, "us-east-1/i-1/r1/safety.json", ArtifactKey("us-east-1", "i-1", "r1", "safety"))
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) (Store, *memoryS3){
		"s3": func(t *testing.T) (Store, *memoryS3) {
			client := &memoryS3{}
			return NewS3Store(client, "resizer-artifacts", "/resizer/"), client
		},
		"file": func(t *testing.T) (Store, *memoryS3) {
			return NewFileStore(t.TempDir()), nil
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, client := newStore(t)

			_, err := s.GetRollbackPoint(ctx, "us-east-1", "i-0123456789abcdef0")
			assert.ErrorIs(t, err, apperrors.ErrRollbackPointNotFound)

			point := samplePoint()
			require.NoError(t, s.PutRollbackPoint(ctx, point))

			got, err := s.GetRollbackPoint(ctx, "us-east-1", "i-0123456789abcdef0")
			require.NoError(t, err)
			assert.Equal(t, point, *got)

			point.PreviousInstanceType = ""
			assert.ErrorIs(t, s.PutRollbackPoint(ctx, point), apperrors.ErrInvalidRollbackPoint)

			require.NoError(t, s.PutArtifact(ctx, "us-east-1", "i-0123456789abcdef0", "r1", "resize_validation.json", map[string]string{"reason": "ok"}))
			if client != nil {
				_, ok := client.objects["resizer-artifacts/resizer/us-east-1/i-0123456789abcdef0/r1/resize_validation.json"]
				assert.True(t, ok)
			}
		})
	}
}

func TestFileStore_InvalidPointOnDisk(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "us-east-1", "i-1", "rollback.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(filename), 0o755))
	require.NoError(t, os.WriteFile(filename, []byte(`{"instance_id": "i-1"}`), 0o644))

	_, err := NewFileStore(dir).GetRollbackPoint(context.Background(), "us-east-1", "i-1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRollbackPoint)
}

func TestS3Store_PutError(t *testing.T) {
	s := NewS3Store(&memoryS3{putErr: errors.New("access denied")}, "bucket", "")
	err := s.PutRollbackPoint(context.Background(), samplePoint())
	assert.ErrorContains(t, err, "s3://bucket/us-east-1/i-0123456789abcdef0/rollback.json")
}

func TestWriteJSON(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "nested", "out.json")
	require.NoError(t, WriteJSON(filename, map[string]int{"a": 1}))

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}\n", string(data))
}

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store stores objects in bucket under an optional key prefix.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Store) PutRollbackPoint(ctx context.Context, point models.RollbackPoint) error {
	if err := validatePoint(&point); err != nil {
		return err
	}
	return s.putJSON(ctx, RollbackKey(point.Region, point.InstanceID), point)
}

func (s *S3Store) GetRollbackPoint(ctx context.Context, region, instanceID string) (*models.RollbackPoint, error) {
	key := s.prefix + RollbackKey(region, instanceID)

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: s3://%s/%s", apperrors.ErrRollbackPointNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err)
	}
	//goland:noinspection GoUnhandledErrorResult
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rollback point: %w", err)
	}

	var point models.RollbackPoint
	if err := json.Unmarshal(body, &point); err != nil {
		return nil, fmt.Errorf("failed to parse rollback point: %w", err)
	}
	if err := validatePoint(&point); err != nil {
		return nil, err
	}
	return &point, nil
}

func (s *S3Store) PutArtifact(ctx context.Context, region, instanceID, resizeID, name string, v any) error {
	return s.putJSON(ctx, ArtifactKey(region, instanceID, resizeID, name), v)
}

func (s *S3Store) putJSON(ctx context.Context, key string, v any) error {
	logger := zerolog.Ctx(ctx)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	key = s.prefix + key
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, key, err)
	}

	logger.Debug().Str("bucket", s.bucket).Str("key", key).Msg("Stored object")
	return nil
}

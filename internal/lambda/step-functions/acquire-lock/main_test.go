package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/lockdao"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

type mockLocks struct {
	AcquireFunc func(ctx context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error)
}

func (m *mockLocks) Acquire(ctx context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error) {
	if m.AcquireFunc == nil {
		return nil, false, errors.New("AcquireFunc not set")
	}
	return m.AcquireFunc(ctx, input)
}

func testState(retryCount int) *models.StepState {
	return &models.StepState{
		WorkflowInput: models.WorkflowInput{
			ResizeID:   "us-east-1/i-1234abcd:2bGkpmjVDSgaHdqF0qLaAKVjJeO",
			InstanceID: "i-1234abcd",
			Region:     "us-east-1",
		},
		ExecutionArn: "arn:aws:states:us-east-1:123456789012:execution:resizer:i-1234abcd",
		Proceed:      true,
		RetryCount:   retryCount,
	}
}

func TestHandleAcquireLock(t *testing.T) {
	holder := &lockdao.Record{ResizeID: "us-east-1/i-1234abcd:other"}

	tests := []struct {
		name         string
		retryCount   int
		acquired     bool
		wantAcquired bool
		wantRetry    bool
		wantCount    int
		wantErr      string
	}{
		{
			name:         "acquired",
			acquired:     true,
			wantAcquired: true,
		},
		{
			name:       "held",
			retryCount: 2,
			wantRetry:  true,
			wantCount:  3,
		},
		{
			name:       "held after max retries",
			retryCount: maxRetries - 1,
			wantErr:    "held by resize us-east-1/i-1234abcd:other",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Handler{
				locks: &mockLocks{
					AcquireFunc: func(ctx context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error) {
						assert.Equal(t, lockdao.AcquireInput{
							Region:       "us-east-1",
							InstanceID:   "i-1234abcd",
							ResizeID:     "us-east-1/i-1234abcd:2bGkpmjVDSgaHdqF0qLaAKVjJeO",
							ExecutionArn: "arn:aws:states:us-east-1:123456789012:execution:resizer:i-1234abcd",
						}, input)
						if tt.acquired {
							return &lockdao.Record{ResizeID: input.ResizeID}, true, nil
						}
						return holder, false, nil
					},
				},
			}

			got, err := h.HandleAcquireLock(testContext(), testState(tt.retryCount))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAcquired, got.LockAcquired)
			assert.Equal(t, tt.wantRetry, got.ShouldRetry)
			assert.Equal(t, tt.wantCount, got.RetryCount)
			assert.True(t, got.Proceed)
		})
	}
}

func TestHandleAcquireLock_Error(t *testing.T) {
	h := &Handler{locks: &mockLocks{}}
	_, err := h.HandleAcquireLock(testContext(), testState(0))
	assert.ErrorContains(t, err, "AcquireFunc not set")
}

package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/dao/lockdao"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

type mockLocks struct {
	ReleaseFunc func(ctx context.Context, input lockdao.ReleaseInput) error
}

func (m *mockLocks) Release(ctx context.Context, input lockdao.ReleaseInput) error {
	if m.ReleaseFunc == nil {
		return errors.New("ReleaseFunc not set")
	}
	return m.ReleaseFunc(ctx, input)
}

func testState(acquired bool) *models.StepState {
	return &models.StepState{
		WorkflowInput: models.WorkflowInput{
			ResizeID:   "us-east-1/i-1234abcd:2bGkpmjVDSgaHdqF0qLaAKVjJeO",
			InstanceID: "i-1234abcd",
			Region:     "us-east-1",
		},
		Status:       "SUCCEEDED",
		LockAcquired: acquired,
	}
}

func TestHandleReleaseLock(t *testing.T) {
	tests := []struct {
		name       string
		acquired   bool
		releaseErr error
		wantCalls  int
		wantErr    bool
	}{
		{name: "released", acquired: true, wantCalls: 1},
		{name: "never acquired", acquired: false, wantCalls: 0},
		{name: "taken over", acquired: true, releaseErr: apperrors.ErrLockNotHeld, wantCalls: 1},
		{name: "failure", acquired: true, releaseErr: errors.New("boom"), wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			h := &Handler{
				locks: &mockLocks{
					ReleaseFunc: func(ctx context.Context, input lockdao.ReleaseInput) error {
						calls++
						assert.Equal(t, lockdao.NewID("us-east-1", "i-1234abcd"), input.ID)
						assert.Equal(t, "us-east-1/i-1234abcd:2bGkpmjVDSgaHdqF0qLaAKVjJeO", input.ResizeID)
						return tt.releaseErr
					},
				},
			}

			got, err := h.HandleReleaseLock(testContext(), testState(tt.acquired))
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.False(t, got.LockAcquired)
			assert.Equal(t, "SUCCEEDED", got.Status)
		})
	}
}

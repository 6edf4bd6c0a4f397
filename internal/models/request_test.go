package models

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResizeRequest(t *testing.T) {
	tests := []struct {
		name     string
		ext      string
		data     string
		want     ResizeRequest
		wantErr  error
		override bool
	}{
		{
			name: "json recommendation request",
			ext:  ".json",
			data: `{"instance_id": "i-0abc1234def567890", "region": "us-east-1"}`,
			want: ResizeRequest{InstanceID: "i-0abc1234def567890", Region: "us-east-1"},
		},
		{
			name: "json override request",
			ext:  ".json",
			data: `{
				"instance_id": "i-0abc1234def567890",
				"region": "eu-west-1",
				"desired_instance_type": " t3.large ",
				"requester_email": "dev@example.com",
				"approver_email": "lead@example.com"
			}`,
			want: ResizeRequest{
				InstanceID:          "i-0abc1234def567890",
				Region:              "eu-west-1",
				DesiredInstanceType: "t3.large",
				RequesterEmail:      "dev@example.com",
				ApproverEmail:       "lead@example.com",
			},
			override: true,
		},
		{
			name: "yaml request",
			ext:  ".yaml",
			data: "instance_id: i-1234abcd\nregion: us-west-2\nsnapshot: true\n",
			want: ResizeRequest{InstanceID: "i-1234abcd", Region: "us-west-2", Snapshot: true},
		},
		{
			name:    "missing instance id",
			ext:     ".json",
			data:    `{"region": "us-east-1"}`,
			wantErr: apperrors.ErrInstanceIDRequired,
		},
		{
			name:    "malformed instance id",
			ext:     ".json",
			data:    `{"instance_id": "web-01", "region": "us-east-1"}`,
			wantErr: apperrors.ErrInvalidInstanceID,
		},
		{
			name:    "missing region",
			ext:     ".json",
			data:    `{"instance_id": "i-1234abcd"}`,
			wantErr: apperrors.ErrRegionRequired,
		},
		{
			name:    "unsupported extension",
			ext:     ".toml",
			data:    `instance_id = "i-1234abcd"`,
			wantErr: apperrors.ErrUnsupportedRequestFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResizeRequest(tt.ext, []byte(tt.data))
			if err == nil {
				err = got.Validate()
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseResizeRequest() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.override, got.IsOverride())
		})
	}
}

func TestParseResizeRequest_UnknownField(t *testing.T) {
	_, err := ParseResizeRequest(".json", []byte(`{"instance_id": "i-1234abcd", "region": "us-east-1", "instance": "x"}`))
	assert.Error(t, err)
}

func TestLoadResizeRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	err := os.WriteFile(path, []byte(`{"instance_id": "i-1234abcd", "region": "us-east-1"}`), 0o644)
	require.NoError(t, err)

	req, err := LoadResizeRequest(path)
	require.NoError(t, err)
	assert.Equal(t, "i-1234abcd", req.InstanceID)

	_, err = LoadResizeRequest(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadResizeRequest_LeavesValidationToCaller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	err := os.WriteFile(path, []byte(`{"instance_id": "i-1234abcd"}`), 0o644)
	require.NoError(t, err)

	req, err := LoadResizeRequest(path)
	require.NoError(t, err)
	assert.Empty(t, req.Region)
	assert.ErrorIs(t, req.Validate(), apperrors.ErrRegionRequired)
}

func TestRound2(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{in: 12.3456, want: 12.35},
		{in: 0, want: 0},
		{in: 99.994, want: 99.99},
	}
	for _, tt := range tests {
		if got := Round2(tt.in); got != tt.want {
			t.Errorf("Round2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRecommendation_TargetType(t *testing.T) {
	var nilRec *Recommendation
	assert.Equal(t, "", nilRec.TargetType())

	target := "t3.small"
	rec := &Recommendation{AISuggestedInstanceType: &target}
	assert.Equal(t, "t3.small", rec.TargetType())
}

func TestWorkflowInput_Request(t *testing.T) {
	req := ResizeRequest{
		InstanceID:          "i-1234abcd",
		Region:              "us-east-1",
		DesiredInstanceType: "t3.large",
		RequesterEmail:      "dev@example.com",
		ApproverEmail:       "lead@example.com",
		Snapshot:            true,
		RoleARN:             "arn:aws:iam::123456789012:role/resizer",
	}

	input := NewWorkflowInput("dev", "us-east-1/i-1234abcd:abc", req)
	assert.Equal(t, KindResize, input.Kind)
	assert.Equal(t, "t3.large", input.TargetInstanceType)
	assert.Equal(t, req, input.Request())
}

func TestStepState_Stop(t *testing.T) {
	state := &StepState{Proceed: true}
	got := state.Stop("SKIPPED", "dry run")
	assert.Same(t, state, got)
	assert.False(t, state.Proceed)
	assert.Equal(t, "SKIPPED", state.Status)
	assert.Equal(t, "dry run", state.Message)
}

package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"gopkg.in/yaml.v3"
)

var instanceIDPattern = regexp.MustCompile(`^i-[0-9a-f]{8}([0-9a-f]{9})?$`)

// ResizeRequest is the operator supplied configuration for a single instance.
// It is read from input.json (or YAML) by the CLI and forwarded to the
// workflows unchanged.
type ResizeRequest struct {
	InstanceID          string `json:"instance_id" yaml:"instance_id"`
	Region              string `json:"region" yaml:"region"`
	DesiredInstanceType string `json:"desired_instance_type,omitempty" yaml:"desired_instance_type,omitempty"`
	RequesterEmail      string `json:"requester_email,omitempty" yaml:"requester_email,omitempty"`
	ApproverEmail       string `json:"approver_email,omitempty" yaml:"approver_email,omitempty"`
	Snapshot            bool   `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	RoleARN             string `json:"role_arn,omitempty" yaml:"role_arn,omitempty"`
}

// IsOverride reports whether the operator pinned the target type instead of
// asking for a recommendation.
func (r ResizeRequest) IsOverride() bool {
	return strings.TrimSpace(r.DesiredInstanceType) != ""
}

// Validate checks the fields every workflow needs.
func (r ResizeRequest) Validate() error {
	if r.InstanceID == "" {
		return apperrors.ErrInstanceIDRequired
	}
	if !instanceIDPattern.MatchString(r.InstanceID) {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidInstanceID, r.InstanceID)
	}
	if r.Region == "" {
		return apperrors.ErrRegionRequired
	}
	return nil
}

// LoadResizeRequest reads a request file. The format is chosen by extension;
// .yaml and .yml are YAML, everything else is JSON.
func LoadResizeRequest(path string) (ResizeRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ResizeRequest{}, fmt.Errorf("failed to read request file %s: %w", path, err)
	}
	return ParseResizeRequest(filepath.Ext(path), data)
}

// ParseResizeRequest decodes a request from data in the format named by ext.
// It does not validate; callers fill defaults first and then call Validate.
func ParseResizeRequest(ext string, data []byte) (ResizeRequest, error) {
	var req ResizeRequest

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &req); err != nil {
			return ResizeRequest{}, fmt.Errorf("failed to parse YAML request: %w", err)
		}
	case ".json", "":
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			return ResizeRequest{}, fmt.Errorf("failed to parse JSON request: %w", err)
		}
	default:
		return ResizeRequest{}, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedRequestFormat, ext)
	}

	req.InstanceID = strings.TrimSpace(req.InstanceID)
	req.Region = strings.TrimSpace(req.Region)
	req.DesiredInstanceType = strings.TrimSpace(req.DesiredInstanceType)
	return req, nil
}

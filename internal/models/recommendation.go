package models

import (
	"math"
	"time"
)

// Decision is the direction suggested by CPU utilization.
type Decision string

const (
	DecisionDowngrade Decision = "downgrade"
	DecisionUpgrade   Decision = "upgrade"
	DecisionRetain    Decision = "retain"
)

// Compatibility verdicts returned by the advisor.
const (
	CompatibilityValid    = "VALID"
	CompatibilityNotValid = "NOT_VALID"
)

// Recommendation is written to resize_recommendation.json.
type Recommendation struct {
	InstanceID              string   `json:"instance_id"`
	Region                  string   `json:"region"`
	CurrentInstanceType     string   `json:"current_instance_type"`
	Architecture            string   `json:"architecture"`
	AverageCPUUsagePercent  float64  `json:"average_cpu_usage_percent"`
	PeakCPUUsagePercent     float64  `json:"peak_cpu_usage_percent"`
	Datapoints              int      `json:"datapoints"`
	Decision                Decision `json:"decision"`
	AISuggestedInstanceType *string  `json:"ai_suggested_instance_type"`
	SuggestedBy             string   `json:"suggested_by,omitempty"`
	Validated               bool     `json:"validated"`
	ActionRequired          bool     `json:"action_required"`
}

// TargetType returns the suggested type, or "" when there is none.
func (r *Recommendation) TargetType() string {
	if r == nil || r.AISuggestedInstanceType == nil {
		return ""
	}
	return *r.AISuggestedInstanceType
}

// ValidationReport is written to resize_validation.json for override requests.
type ValidationReport struct {
	InstanceID            string `json:"instance_id"`
	Region                string `json:"region"`
	CurrentInstanceType   string `json:"current_instance_type"`
	RequestedInstanceType string `json:"requested_instance_type"`
	Architecture          string `json:"architecture"`
	OperatingSystem       string `json:"operating_system"`
	CompatibilityDecision string `json:"compatibility_decision"`
	Reason                string `json:"reason"`
	IsValidUpgrade        bool   `json:"is_valid_upgrade"`
	AssessedBy            string `json:"assessed_by,omitempty"`
}

// RollbackPoint captures what is needed to undo a resize.
type RollbackPoint struct {
	InstanceID           string    `json:"instance_id"`
	Region               string    `json:"region"`
	PreviousInstanceType string    `json:"previous_instance_type"`
	NewInstanceType      string    `json:"new_instance_type,omitempty"`
	SnapshotIDs          []string  `json:"snapshot_ids,omitempty"`
	ResizeID             string    `json:"resize_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Package advisor picks target instance types and judges override requests,
// either through an OpenAI-compatible chat model or deterministic rules.
package advisor

import (
	"context"
	"strings"

	"github.com/savaki/ec2-resizer/internal/models"
)

// MaxCandidates caps the shortlist sent to a model.
const MaxCandidates = 20

// Advisor suggests resize targets and assesses requested ones.
type Advisor interface {
	// Name identifies the advisor in recommendation and validation output.
	Name() string
	Suggest(ctx context.Context, input SuggestInput) (string, error)
	Assess(ctx context.Context, input AssessInput) (*Assessment, error)
}

type SuggestInput struct {
	CurrentType  string
	Architecture string
	Decision     models.Decision
	Candidates   []string
}

// AssessInput carries the facts established before asking the advisor.
type AssessInput struct {
	CurrentType      string
	RequestedType    string
	Architecture     string
	OperatingSystem  string
	AvailableForArch bool
	SizeIncrease     bool
	SameFamily       bool
}

type Assessment struct {
	Decision string
	Reason   string
	Valid    bool
}

// ParseAssessment reads a "VALID. reason" or "NOT_VALID. reason" answer.
func ParseAssessment(text string) *Assessment {
	head, reason, _ := strings.Cut(strings.TrimSpace(text), ".")
	decision := strings.ToUpper(strings.TrimSpace(head))
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "No reason provided."
	}
	return &Assessment{
		Decision: decision,
		Reason:   reason,
		Valid:    decision == models.CompatibilityValid,
	}
}

func trimCandidates(candidates []string) []string {
	if len(candidates) > MaxCandidates {
		return candidates[:MaxCandidates]
	}
	return candidates
}

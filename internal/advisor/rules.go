package advisor

import (
	"context"
	"fmt"

	"github.com/savaki/ec2-resizer/internal/instancetype"
	"github.com/savaki/ec2-resizer/internal/models"
)

// RuleAdvisor answers without a model: next size in the decided direction,
// and compatibility from family and size rules.
type RuleAdvisor struct{}

func (RuleAdvisor) Name() string {
	return "rules"
}

// Suggest returns the nearest size in the decided direction, or "" when
// the candidates offer none.
func (RuleAdvisor) Suggest(_ context.Context, input SuggestInput) (string, error) {
	switch input.Decision {
	case models.DecisionUpgrade:
		name, _ := instancetype.Step(input.CurrentType, input.Candidates, true)
		return name, nil
	case models.DecisionDowngrade:
		name, _ := instancetype.Step(input.CurrentType, input.Candidates, false)
		return name, nil
	default:
		return "", nil
	}
}

func (RuleAdvisor) Assess(_ context.Context, input AssessInput) (*Assessment, error) {
	notValid := func(reason string) (*Assessment, error) {
		return &Assessment{Decision: models.CompatibilityNotValid, Reason: reason}, nil
	}

	if !input.AvailableForArch {
		return notValid(fmt.Sprintf("%s is not available for the %s architecture.", input.RequestedType, input.Architecture))
	}

	cmp, err := instancetype.Compare(input.CurrentType, input.RequestedType)
	if err != nil {
		return notValid(fmt.Sprintf("%s is not a recognized instance type.", input.RequestedType))
	}

	switch {
	case !cmp.CompatibleFamily:
		return notValid(fmt.Sprintf("%s is in a family that is not a logical progression from %s.", input.RequestedType, input.CurrentType))
	case cmp.SizeDecrease:
		return notValid(fmt.Sprintf("%s is a downgrade in size from %s.", input.RequestedType, input.CurrentType))
	case cmp.SameFamily && !cmp.SizeIncrease:
		return notValid(fmt.Sprintf("%s does not add resources over %s.", input.RequestedType, input.CurrentType))
	case cmp.SameFamily:
		return &Assessment{
			Decision: models.CompatibilityValid,
			Reason:   fmt.Sprintf("%s offers more resources within the same instance family.", input.RequestedType),
			Valid:    true,
		}, nil
	default:
		return &Assessment{
			Decision: models.CompatibilityValid,
			Reason:   fmt.Sprintf("%s is a compatible family for %s and is not smaller.", input.RequestedType, input.CurrentType),
			Valid:    true,
		}, nil
	}
}

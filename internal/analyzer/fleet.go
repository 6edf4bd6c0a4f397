package analyzer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/savaki/ec2-resizer/internal/services"
	"github.com/savaki/gox/slicex"
	"golang.org/x/time/rate"
)

// DefaultFleetConcurrency bounds concurrent instance analyses.
const DefaultFleetConcurrency = 8

// InstanceFinder lists instances matching EC2 filters.
type InstanceFinder interface {
	FindInstances(ctx context.Context, filters map[string][]string) ([]services.Instance, error)
}

// FleetResult is one instance's outcome. Exactly one of Recommendation and
// Error is set.
type FleetResult struct {
	InstanceID     string                 `json:"instance_id"`
	Recommendation *models.Recommendation `json:"recommendation,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// Fleet analyzes many instances concurrently.
type Fleet struct {
	analyzer    *Analyzer
	finder      InstanceFinder
	limiter     *rate.Limiter
	concurrency int
}

// NewFleet limits CloudWatch-heavy analyses to rps per second.
func NewFleet(analyzer *Analyzer, finder InstanceFinder, rps float64) *Fleet {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Fleet{
		analyzer:    analyzer,
		finder:      finder,
		limiter:     rate.NewLimiter(limit, 1),
		concurrency: DefaultFleetConcurrency,
	}
}

// Analyze returns a result for every instance matching filters, in the
// order EC2 listed them. Per-instance failures are reported in the result.
func (f *Fleet) Analyze(ctx context.Context, filters map[string][]string) ([]FleetResult, error) {
	logger := zerolog.Ctx(ctx)

	instances, err := f.finder.FindInstances(ctx, filters)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("count", len(instances)).Msg("Analyzing fleet")

	callback := func(ctx context.Context, instance services.Instance) (*FleetResult, error) {
		result := &FleetResult{InstanceID: instance.ID}
		if err := f.limiter.Wait(ctx); err != nil {
			result.Error = err.Error()
			return result, nil
		}
		rec, err := f.analyzer.Analyze(ctx, instance.ID)
		if err != nil {
			logger.Warn().Err(err).Str("instance_id", instance.ID).Msg("Failed to analyze instance")
			result.Error = err.Error()
			return result, nil
		}
		result.Recommendation = rec
		return result, nil
	}

	results, err := slicex.MapConcurrent(callback).
		Concurrency(f.concurrency).
		CollectErrors().
		DoValues(ctx, instances...)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze fleet: %w", err)
	}

	out := make([]FleetResult, 0, len(results))
	for i, result := range results {
		if result == nil {
			out = append(out, FleetResult{InstanceID: instances[i].ID, Error: "no result"})
			continue
		}
		out = append(out, *result)
	}
	return out, nil
}

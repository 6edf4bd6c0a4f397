package services

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const (
	// DefaultMetricWindow is how far back CPU utilization is averaged.
	DefaultMetricWindow = 7 * 24 * time.Hour

	// DefaultMetricPeriod is the CloudWatch aggregation period.
	DefaultMetricPeriod = time.Hour
)

// CloudWatchAPI is the subset of the CloudWatch client used by MetricsService.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// CPUStats summarizes CPUUtilization over a window.
type CPUStats struct {
	Average    float64
	Peak       float64
	Datapoints int
	Start      time.Time
	End        time.Time
}

// MetricsService reads instance metrics from CloudWatch.
type MetricsService struct {
	client CloudWatchAPI
	period time.Duration
	now    func() time.Time
}

// NewMetricsService creates a MetricsService with an hourly period.
func NewMetricsService(client CloudWatchAPI) *MetricsService {
	return &MetricsService{
		client: client,
		period: DefaultMetricPeriod,
		now:    time.Now,
	}
}

// CPUStats returns the mean of hourly averages and the highest hourly
// maximum for the window ending now. With no datapoints both are zero.
func (s *MetricsService) CPUStats(ctx context.Context, instanceID string, window time.Duration) (*CPUStats, error) {
	if window <= 0 {
		window = DefaultMetricWindow
	}

	end := s.now().UTC()
	start := end.Add(-window)

	out, err := s.client.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String("AWS/EC2"),
		MetricName: aws.String("CPUUtilization"),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("InstanceId"), Value: aws.String(instanceID)},
		},
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(int32(s.period / time.Second)),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage, cwtypes.StatisticMaximum},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU utilization for %s: %w", instanceID, err)
	}

	stats := &CPUStats{Start: start, End: end}
	var sum float64
	for _, dp := range out.Datapoints {
		if dp.Average == nil {
			continue
		}
		sum += *dp.Average
		stats.Datapoints++
		if dp.Maximum != nil && *dp.Maximum > stats.Peak {
			stats.Peak = *dp.Maximum
		}
	}
	if stats.Datapoints > 0 {
		stats.Average = sum / float64(stats.Datapoints)
	}
	return stats, nil
}

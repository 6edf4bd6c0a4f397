package di

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/savaki/ec2-resizer/internal/advisor"
	"github.com/savaki/ec2-resizer/internal/analyzer"
	"github.com/savaki/ec2-resizer/internal/catalog"
	"github.com/savaki/ec2-resizer/internal/metrics"
	"github.com/savaki/ec2-resizer/internal/notify"
	"github.com/savaki/ec2-resizer/internal/policy"
	"github.com/savaki/ec2-resizer/internal/resizer"
	"github.com/savaki/ec2-resizer/internal/safety"
	"github.com/savaki/ec2-resizer/internal/services"
	"github.com/savaki/ec2-resizer/internal/store"
)

// FleetRequestsPerSecond bounds fleet analyses started per second.
const FleetRequestsPerSecond = 5

// localDir returns dir when set. Otherwise it is the working directory, or
// the temp dir under Lambda where only /tmp is writable.
func localDir(dir string) string {
	switch {
	case dir != "":
		return dir
	case os.Getenv("AWS_LAMBDA_RUNTIME_API") != "":
		return os.TempDir()
	default:
		return "."
	}
}

// ProvideStore keeps rollback points in S3 when a bucket is configured and
// on local disk otherwise.
func ProvideStore(ctx context.Context, client *s3.Client, config *services.Config) store.Store {
	if config.S3Bucket == "" {
		dir := localDir("")
		zerolog.Ctx(ctx).Info().Str("dir", dir).Msg("No S3 bucket configured, storing rollback points locally")
		return store.NewFileStore(dir)
	}
	return store.NewS3Store(client, config.S3Bucket, "")
}

func ProvideRecorder() *metrics.Recorder {
	return metrics.New()
}

func ProvideCatalog(ec2svc *services.EC2Service, config *services.Config) *catalog.Catalog {
	return catalog.New(ec2svc, ec2svc.Region(), localDir(config.CacheDir))
}

// ProvideAdvisor returns the chat advisor when a provider and key are
// configured. Any problem falls back to the rule advisor.
func ProvideAdvisor(ctx context.Context, config *services.Config, secrets *services.Secrets, httpClient *http.Client) advisor.Advisor {
	logger := zerolog.Ctx(ctx)

	if config.AIProvider == "" || secrets.AIAPIKey == "" {
		logger.Info().Msg("AI advisor disabled, using rule advisor")
		return advisor.RuleAdvisor{}
	}

	chat, err := advisor.NewChatAdvisor(advisor.ChatConfig{
		Provider:   config.AIProvider,
		Model:      config.AIModel,
		BaseURL:    config.AIBaseURL,
		APIVersion: config.AIAPIVersion,
		APIKey:     secrets.AIAPIKey,
	}, httpClient)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid AI advisor configuration, using rule advisor")
		return advisor.RuleAdvisor{}
	}
	return chat
}

func ProvideAnalyzer(
	ec2svc *services.EC2Service,
	cat *catalog.Catalog,
	cpu *services.MetricsService,
	adv advisor.Advisor,
	recorder *metrics.Recorder,
	config *services.Config,
) *analyzer.Analyzer {
	return analyzer.New(ec2svc, cat, cpu, adv,
		analyzer.WithThresholds(analyzer.Thresholds{
			Downgrade: config.DowngradeThreshold,
			Upgrade:   config.UpgradeThreshold,
		}),
		analyzer.WithWindow(time.Duration(config.MetricWindowDays)*24*time.Hour),
		analyzer.WithRecorder(recorder),
	)
}

func ProvideFleet(a *analyzer.Analyzer, ec2svc *services.EC2Service) *analyzer.Fleet {
	return analyzer.NewFleet(a, ec2svc, FleetRequestsPerSecond)
}

func ProvidePolicy(ctx context.Context, config *services.Config) (*policy.Evaluator, error) {
	return policy.NewEvaluator(ctx, policy.Config{
		MaxSizeSteps:            config.MaxSizeSteps,
		DeniedFamilies:          config.DeniedFamilies,
		RequireDistinctApprover: config.RequireDistinctApprover,
	})
}

func ProvideChecker(ec2svc *services.EC2Service, evaluator *policy.Evaluator, recorder *metrics.Recorder) *safety.Checker {
	return safety.NewChecker(ec2svc, evaluator, recorder)
}

func ProvideExecutor(ec2svc *services.EC2Service, points store.Store) *resizer.Executor {
	return resizer.New(ec2svc, points)
}

// ProvideNotifier always logs. SNS and GitHub are added when configured.
func ProvideNotifier(ctx context.Context, client *sns.Client, github *services.GitHubService, secrets *services.Secrets, config *services.Config) notify.Notifier {
	logger := zerolog.Ctx(ctx)

	notifiers := notify.Multi{notify.LogNotifier{}}
	if config.SNSTopicArn != "" {
		notifiers = append(notifiers, notify.NewSNSNotifier(client, config.SNSTopicArn))
	}
	if config.GitHubRepo != "" && config.GitHubIssue > 0 && secrets.GitHubToken != "" {
		owner, repo, err := services.SplitRepo(config.GitHubRepo)
		if err != nil {
			logger.Warn().Err(err).Msg("Ignoring invalid GitHub repo")
		} else {
			notifiers = append(notifiers, notify.NewGitHubNotifier(github, owner, repo, config.GitHubIssue))
		}
	}
	return notifiers
}

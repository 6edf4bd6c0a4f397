// Package di provides a lightweight wrapper around uber's dig dependency injection framework.
// It simplifies container setup and provides type-safe dependency retrieval with generics.
package di

import (
	"context"

	"github.com/savaki/ec2-resizer/internal/models"
	"go.uber.org/dig"
)

// Container defines a dependency injection container based on uber's dig.
// This interface allows for easy testing and mocking of the DI container.
type Container interface {
	// Invoke executes a function, injecting its dependencies from the container.
	Invoke(function any, opts ...dig.InvokeOption) error

	// Provide registers a constructor function in the container.
	Provide(constructor any, opts ...dig.ProvideOption) error

	// Scope creates a scoped sub-container with its own set of values.
	Scope(name string, opts ...dig.ScopeOption) *dig.Scope
}

// MustGet returns an instance constructed via dependency injection or panics.
// This is a convenience function for retrieving a dependency from the container
// when you're certain it exists. If the dependency cannot be resolved, it will panic.
//
// Example:
//
//	db := MustGet[*Database](container)
func MustGet[T any](container Container) (want T) {
	callback := func(got T) {
		want = got
	}
	if err := container.Invoke(callback); err != nil {
		panic(err)
	}
	return want
}

// Get is MustGet that returns the resolution error instead of panicking.
func Get[T any](container Container) (want T, err error) {
	err = container.Invoke(func(got T) {
		want = got
	})
	return want, err
}

// New creates a new dependency injection container for the given environment.
// The environment string, the context and the Target are registered so
// providers can take them as parameters.
//
// Example:
//
//	container, err := New("production",
//	    WithContext(ctx),
//	    WithTarget("eu-west-1", ""),
//	)
func New(env string, opts ...Option) (Container, error) {
	o := options{ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}

	container := dig.New()
	if err := container.Provide(func() string { return env }); err != nil {
		return nil, err
	}
	if err := container.Provide(func() context.Context { return o.ctx }); err != nil {
		return nil, err
	}
	if err := container.Provide(func() Target { return o.target }); err != nil {
		return nil, err
	}

	for _, provider := range core {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	for _, provider := range o.providers {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	return container, nil
}

var core = []any{
	ProvideAWSConfig,
	ProvideTargetConfig,
	ProvideSSMClient,
	ProvideParameterStore,
	ProvideAppConfig,
	ProvideSecretsManagerService,
	ProvideSecrets,
	ProvideDynamoDB,
	ProvideStepFunctions,
	ProvideS3Client,
	ProvideSNSClient,
	ProvideSTSClient,
	ProvideIAMClient,
	ProvideEC2Service,
	ProvideMetricsService,
	ProvideIdentityService,
	ProvideIAMService,
	ProvideHTTPClient,
	ProvideGitHubService,
	ProvideResizeDAO,
	ProvideLockDAO,
	ProvideOrchestrator,
	ProvideStore,
	ProvideRecorder,
	ProvideCatalog,
	ProvideAdvisor,
	ProvideAnalyzer,
	ProvideFleet,
	ProvidePolicy,
	ProvideChecker,
	ProvideExecutor,
	ProvideNotifier,
}

// ForWorkflow builds a container whose target is the workflow's region and
// role. Step handlers build one per invocation.
func ForWorkflow(ctx context.Context, env string, input models.WorkflowInput, opts ...Option) (Container, error) {
	opts = append([]Option{WithContext(ctx), WithTarget(input.Region, input.RoleARN)}, opts...)
	return New(env, opts...)
}

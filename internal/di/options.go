package di

import "context"

// Target is the region, and optionally the role, whose instances are being
// resized. It may differ from the home region holding tables and buckets.
type Target struct {
	Region  string
	RoleARN string
}

// Option is a function that configures the dependency injection container.
type Option func(*options)

// WithContext sets the context handed to providers. It should carry the
// logger.
func WithContext(ctx context.Context) Option {
	return func(opts *options) {
		opts.ctx = ctx
	}
}

// WithTarget selects the region and role used for EC2 and CloudWatch.
func WithTarget(region, roleARN string) Option {
	return func(opts *options) {
		opts.target = Target{Region: region, RoleARN: roleARN}
	}
}

// WithProviders adds constructor functions to the dependency injection container.
// Each provider should be a constructor function that returns one or more values.
// Providers can declare dependencies as function parameters, which will be
// automatically resolved by the container.
//
// Example:
//
//	WithProviders(
//	    func() *Database { return &Database{} },
//	    func(db *Database) *Service { return &Service{DB: db} },
//	)
func WithProviders(providers ...any) Option {
	return func(opts *options) {
		opts.providers = append(opts.providers, providers...)
	}
}

type options struct {
	ctx       context.Context
	target    Target
	providers []any
}

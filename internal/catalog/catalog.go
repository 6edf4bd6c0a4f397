// Package catalog lists the instance types a region offers per
// architecture, backed by a JSON file cache shared across runs.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultFile is the cache file name inside the cache directory.
	DefaultFile = "instance_types_cache.json"

	// DefaultTTL is how long a cached listing stays fresh.
	DefaultTTL = 23 * time.Hour

	timeLayout = "2006-01-02T15:04:05Z"
)

// Lister fetches every instance type supporting an architecture.
// services.EC2Service implements it.
type Lister interface {
	ListInstanceTypes(ctx context.Context, arch string) ([]string, error)
}

type entry struct {
	LastUpdated   string   `json:"last_updated"`
	InstanceTypes []string `json:"instance_types"`
}

// Catalog caches instance type listings keyed by "{region}_{arch}".
type Catalog struct {
	lister Lister
	region string
	path   string
	ttl    time.Duration
	now    func() time.Time

	mu sync.Mutex
}

type Option func(*Catalog)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) {
		c.ttl = ttl
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

// New returns a catalog for region whose cache lives in dir. An empty dir
// uses the working directory.
func New(lister Lister, region, dir string, opts ...Option) *Catalog {
	c := &Catalog{
		lister: lister,
		region: region,
		path:   filepath.Join(dir, DefaultFile),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the cache file location.
func (c *Catalog) Path() string {
	return c.path
}

func cacheKey(region, arch string) string {
	return region + "_" + arch
}

// List returns the instance types for arch, from cache when fresh.
func (c *Catalog) List(ctx context.Context, arch string) ([]string, error) {
	logger := zerolog.Ctx(ctx).With().Str("region", c.region).Str("architecture", arch).Logger()

	c.mu.Lock()
	defer c.mu.Unlock()

	cache, err := c.load()
	if err != nil {
		logger.Warn().Err(err).Str("path", c.path).Msg("Ignoring unreadable instance type cache")
		cache = map[string]entry{}
	}

	key := cacheKey(c.region, arch)
	if e, ok := cache[key]; ok && c.fresh(e) {
		logger.Debug().Int("count", len(e.InstanceTypes)).Msg("Using cached instance types")
		return e.InstanceTypes, nil
	}

	types, err := c.lister.ListInstanceTypes(ctx, arch)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh instance types: %w", err)
	}

	cache[key] = entry{
		LastUpdated:   c.now().UTC().Format(timeLayout),
		InstanceTypes: types,
	}
	if err := c.save(cache); err != nil {
		// a stale cache only costs another API call next time
		logger.Warn().Err(err).Str("path", c.path).Msg("Failed to write instance type cache")
	}

	logger.Info().Int("count", len(types)).Msg("Refreshed instance types")
	return types, nil
}

// Contains reports whether instanceType supports arch in the region.
func (c *Catalog) Contains(ctx context.Context, arch, instanceType string) (bool, error) {
	types, err := c.List(ctx, arch)
	if err != nil {
		return false, err
	}
	for _, t := range types {
		if t == instanceType {
			return true, nil
		}
	}
	return false, nil
}

func (c *Catalog) fresh(e entry) bool {
	updated, err := time.Parse(timeLayout, e.LastUpdated)
	if err != nil {
		return false
	}
	return c.now().Sub(updated) < c.ttl
}

func (c *Catalog) load() (map[string]entry, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	cache := map[string]entry{}
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", c.path, err)
	}
	return cache, nil
}

func (c *Catalog) save(cache map[string]entry) error {
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache dir: %w", err)
		}
	}

	pendingFile, err := renameio.NewPendingFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to create pending cache file: %w", err)
	}
	defer pendingFile.Cleanup()

	encoder := json.NewEncoder(pendingFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cache); err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

package source

import (
	"context"
	"log"
)

// Cache stores resolution results keyed by identifier.
type Cache interface {
	Get(ctx context.Context, identifier string) (Result, bool, error)
	Put(ctx context.Context, identifier string, res Result) error
}

// Resolver resolves identifiers into results.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (Result, error)
}

// CachedResolver consults cache before delegating to next. Empty and error
// results are never cached.
type CachedResolver struct {
	next   Resolver
	cache  Cache
	logger *log.Logger
}

// NewCachedResolver wraps next. A nil cache disables caching.
func NewCachedResolver(next Resolver, cache Cache, logger *log.Logger) *CachedResolver {
	if logger == nil {
		logger = log.Default()
	}
	return &CachedResolver{next: next, cache: cache, logger: logger}
}

func (c *CachedResolver) Resolve(ctx context.Context, identifier string) (Result, error) {
	if c.cache != nil {
		res, ok, err := c.cache.Get(ctx, identifier)
		if err != nil {
			c.logger.Printf("[Source] cache lookup failed for %q: %v", identifier, err)
		} else if ok {
			return res, nil
		}
	}

	res, err := c.next.Resolve(ctx, identifier)
	if err != nil || c.cache == nil {
		return res, err
	}
	if res.LoadType == LoadEmpty || res.LoadType == LoadError {
		return res, nil
	}
	if err := c.cache.Put(ctx, identifier, res); err != nil {
		c.logger.Printf("[Source] cache store failed for %q: %v", identifier, err)
	}
	return res, nil
}

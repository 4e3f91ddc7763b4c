package validity

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachingChecker remembers definite answers from the wrapped Checker for a fixed time. Transient failures are
// never cached.
type CachingChecker struct {
	delegate Checker
	cache    *cache.Cache
}

func NewCachingChecker(delegate Checker, expiry time.Duration) *CachingChecker {
	return &CachingChecker{
		delegate: delegate,
		cache:    cache.New(expiry, 2*expiry),
	}
}

func (c *CachingChecker) Check(ctx context.Context, targetReference string) (Result, error) {
	if cached, ok := c.cache.Get(targetReference); ok {
		return cached.(Result), nil
	}
	result, err := c.delegate.Check(ctx, targetReference)
	if err != nil {
		return Result{}, err
	}
	c.cache.Set(targetReference, result, cache.DefaultExpiration)
	return result, nil
}

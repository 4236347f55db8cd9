package oidc

import (
	"context"
	"fmt"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultDiscoveryTTL bounds how long a provider's discovery document is reused.
const DefaultDiscoveryTTL = time.Hour

// DiscoveryCache memoizes provider discovery per issuer and proxy, so a login
// does not fetch the well-known document on both legs.
type DiscoveryCache struct {
	lru *expirable.LRU[string, *gooidc.Provider]
}

// NewDiscoveryCache creates a cache holding at most size providers.
func NewDiscoveryCache(size int, ttl time.Duration) *DiscoveryCache {
	if size <= 0 {
		size = 32
	}
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	return &DiscoveryCache{lru: expirable.NewLRU[string, *gooidc.Provider](size, nil, ttl)}
}

// Provider returns the cached provider for issuer or performs discovery.
// ctx must carry the HTTP client to use (see gooidc.ClientContext).
func (c *DiscoveryCache) Provider(ctx context.Context, issuer, proxy string) (*gooidc.Provider, error) {
	key := issuer + "\x00" + proxy
	if c != nil {
		if p, ok := c.lru.Get(key); ok {
			return p, nil
		}
	}
	p, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	if c != nil {
		c.lru.Add(key, p)
	}
	return p, nil
}

// Len reports the number of cached providers.
func (c *DiscoveryCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Purge drops every cached provider.
func (c *DiscoveryCache) Purge() {
	if c != nil {
		c.lru.Purge()
	}
}

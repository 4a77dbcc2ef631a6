package apikey

import (
	"context"
	"log/slog"
)

// Service resolves raw keys with get-or-validate semantics: consult the cache
// first, fall back to the validation client on a miss, and cache only
// positive results. All errors from the client surface to the caller so the
// admission pipeline can apply its fail-closed policy.
type Service struct {
	client       Client
	cache        *Cache
	defaultLimit int
}

// NewService wires a validation client and cache together. defaultLimit is
// applied when the key-management service omits a rate limit for a key; the
// reference value is 100 requests per minute.
func NewService(client Client, cache *Cache, defaultLimit int) *Service {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	return &Service{
		client:       client,
		cache:        cache,
		defaultLimit: defaultLimit,
	}
}

// Validate resolves rawKey to metadata. Returns (nil, nil) for a key the
// key-management service rejected, and (nil, err) when no authoritative
// answer was obtained. Negative results are never cached, so a just-issued
// key becomes valid on the very next call.
func (s *Service) Validate(ctx context.Context, rawKey string) (*Metadata, error) {
	if meta, ok := s.cache.Get(rawKey); ok {
		return meta, nil
	}

	meta, err := s.client.Validate(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	if meta.RateLimit <= 0 {
		meta.RateLimit = s.defaultLimit
	}

	s.cache.Put(rawKey, meta)
	slog.Debug("cached validated key",
		"key", Mask(rawKey), "customer", meta.CustomerID, "rate_limit", meta.RateLimit)

	return meta, nil
}

// Evict removes one key's cached metadata. The next Validate for that key
// always consults the key-management service.
func (s *Service) Evict(rawKey string) bool {
	return s.cache.Evict(rawKey)
}

// Clear drops all cached metadata and returns the number of entries removed.
func (s *Service) Clear() int {
	return s.cache.Clear()
}

// CacheStats exposes cache counters for the diagnostics endpoint.
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

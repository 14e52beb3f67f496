// Package insight is a read-through TTL cache in front of the analytics
// computations. A cached payload is returned verbatim; a miss or expired row
// triggers recompute and upsert.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TTLs by payload class. Raw distributions move fast, recommendations are
// stable for hours.
const (
	TTLDistribution   = time.Hour
	TTLRecommendation = 4 * time.Hour
	TTLDefault        = 24 * time.Hour
)

// Backend stores cached payloads keyed by (tenant, kind, period).
type Backend interface {
	Get(ctx context.Context, tenantID int64, kind, period string) ([]byte, bool, error)
	Put(ctx context.Context, tenantID int64, kind, period string, payload []byte, ttl time.Duration) error
	InvalidateTenant(ctx context.Context, tenantID int64) error
}

// Cache wraps a backend with the read-through protocol.
type Cache struct {
	backend Backend
}

// New creates a cache over the given backend.
func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// Fetch returns the cached payload for the key, or computes, stores, and
// returns a fresh one. cached reports which path was taken. Backend read
// errors degrade to a recompute rather than failing the request.
func (c *Cache) Fetch(ctx context.Context, tenantID int64, kind, period string,
	ttl time.Duration, compute func(ctx context.Context) (any, error)) (json.RawMessage, bool, error) {

	if payload, ok, err := c.backend.Get(ctx, tenantID, kind, period); err == nil && ok {
		return payload, true, nil
	}

	value, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("marshal insight %s: %w", kind, err)
	}
	if err := c.backend.Put(ctx, tenantID, kind, period, payload, ttl); err != nil {
		return nil, false, fmt.Errorf("store insight %s: %w", kind, err)
	}
	return payload, false, nil
}

// InvalidateTenant drops every cached payload for the tenant.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID int64) error {
	return c.backend.InvalidateTenant(ctx, tenantID)
}

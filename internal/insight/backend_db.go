package insight

import (
	"context"
	"errors"
	"time"

	"github.com/deepclaw/deepclaw/internal/store"
)

// DBBackend keeps cached insights in the relational store. This is the
// default when no Redis URL is configured.
type DBBackend struct {
	store *store.Store
}

// NewDBBackend creates a store-backed cache backend.
func NewDBBackend(st *store.Store) *DBBackend {
	return &DBBackend{store: st}
}

func (b *DBBackend) Get(ctx context.Context, tenantID int64, kind, period string) ([]byte, bool, error) {
	ins, err := b.store.GetInsight(ctx, tenantID, kind, period)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if ins.ExpiresAt <= time.Now().Unix() {
		return nil, false, nil // stale row, recompute overwrites it
	}
	return ins.Payload, true, nil
}

func (b *DBBackend) Put(ctx context.Context, tenantID int64, kind, period string, payload []byte, ttl time.Duration) error {
	now := time.Now().Unix()
	return b.store.PutInsight(ctx, &store.Insight{
		TenantID:     tenantID,
		Kind:         kind,
		Period:       period,
		Payload:      payload,
		CalculatedAt: now,
		ExpiresAt:    now + int64(ttl.Seconds()),
	})
}

func (b *DBBackend) InvalidateTenant(ctx context.Context, tenantID int64) error {
	return b.store.DeleteInsights(ctx, tenantID)
}

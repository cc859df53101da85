package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// DefaultInflightTTL bounds how long a leaked concurrency slot is held when a
// worker dies without releasing it. It must exceed the longest execution
// timeout or live executions stop counting against the limit.
const DefaultInflightTTL = 15 * time.Minute

const (
	dailyQuotaTTL   = 48 * time.Hour
	monthlyQuotaTTL = 32 * 24 * time.Hour
)

// QuotaGuard enforces per-plugin request quotas and per-provider concurrency
// limits on the shared counter store, so the limits hold across every worker
// process on the host.
type QuotaGuard struct {
	counters    driven.CounterStore
	concurrency map[string]int
	inflightTTL time.Duration
	now         func() time.Time
	newID       func() string
}

// NewQuotaGuard creates a QuotaGuard. concurrency maps normalized provider
// keys to the maximum number of in-flight executions; missing or zero
// entries are unlimited.
func NewQuotaGuard(counters driven.CounterStore, concurrency map[string]int, inflightTTL time.Duration) *QuotaGuard {
	if inflightTTL <= 0 {
		inflightTTL = DefaultInflightTTL
	}
	limits := make(map[string]int, len(concurrency))
	for k, v := range concurrency {
		limits[model.NormalizeProvider(k)] = v
	}
	return &QuotaGuard{
		counters:    counters,
		concurrency: limits,
		inflightTTL: inflightTTL,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// inflightPrefix is the key prefix of provider's concurrency slots. Every
// lease owns one key under it with its own expiry.
func inflightPrefix(provider string) string {
	return "inflight:" + provider + ":"
}

// Lease is a granted execution slot. Release returns the concurrency slot;
// request quota is never refunded once the execution ran.
type Lease struct {
	counters driven.CounterStore
	slots    []string
	once     sync.Once
}

// Release frees the lease's concurrency slot. It is safe to call more than
// once and on a nil lease.
func (l *Lease) Release(ctx context.Context) {
	if l == nil {
		return
	}
	l.once.Do(func() {
		for _, slot := range l.slots {
			if err := l.counters.Delete(ctx, slot); err != nil {
				slog.Error("releasing concurrency slot", "key", slot, "error", err)
			}
		}
	})
}

// Acquire counts one request against the plugin's daily and monthly quota
// and takes a concurrency slot for provider. On rejection nothing stays
// counted. provider may be empty for operations without auth. A nil guard
// grants everything.
func (g *QuotaGuard) Acquire(ctx context.Context, m model.Manifest, provider string) (*Lease, error) {
	if g == nil {
		return &Lease{}, nil
	}
	now := g.now().UTC()
	var taken []string

	refund := func() {
		for _, key := range taken {
			if _, err := g.counters.Decr(ctx, key); err != nil {
				slog.Error("refunding quota", "key", key, "error", err)
			}
		}
	}

	take := func(key string, limit int, ttl time.Duration, limitErr error) error {
		n, err := g.counters.Incr(ctx, key, ttl)
		if err != nil {
			refund()
			return fmt.Errorf("counting %s: %w", key, err)
		}
		taken = append(taken, key)
		if int(n) > limit {
			refund()
			return limitErr
		}
		return nil
	}

	if m.Quota.Daily > 0 {
		key := fmt.Sprintf("quota:daily:%s:%s", m.Name, now.Format("2006-01-02"))
		err := take(key, m.Quota.Daily, dailyQuotaTTL,
			fmt.Errorf("%s daily limit %d: %w", m.Name, m.Quota.Daily, model.ErrQuotaExceeded))
		if err != nil {
			return nil, err
		}
	}
	if m.Quota.Monthly > 0 {
		key := fmt.Sprintf("quota:monthly:%s:%s", m.Name, now.Format("2006-01"))
		err := take(key, m.Quota.Monthly, monthlyQuotaTTL,
			fmt.Errorf("%s monthly limit %d: %w", m.Name, m.Quota.Monthly, model.ErrQuotaExceeded))
		if err != nil {
			return nil, err
		}
	}

	lease := &Lease{counters: g.counters}
	provider = model.NormalizeProvider(provider)
	if limit := g.concurrency[provider]; provider != "" && limit > 0 {
		slot, err := g.takeSlot(ctx, provider, limit)
		if err != nil {
			refund()
			return nil, err
		}
		lease.slots = append(lease.slots, slot)
	}
	return lease, nil
}

// takeSlot writes the lease's slot key and then counts the provider's live
// slots. Two racing workers may both see the other and both back off, but
// the limit is never exceeded. A slot whose worker died expires on its own.
func (g *QuotaGuard) takeSlot(ctx context.Context, provider string, limit int) (string, error) {
	slot := inflightPrefix(provider) + g.newID()
	if err := g.counters.Set(ctx, slot, 1, g.inflightTTL); err != nil {
		return "", fmt.Errorf("taking %s slot: %w", provider, err)
	}

	n, err := g.counters.CountLive(ctx, inflightPrefix(provider))
	if err == nil && int(n) <= limit {
		return slot, nil
	}
	if derr := g.counters.Delete(ctx, slot); derr != nil {
		slog.Error("releasing concurrency slot", "key", slot, "error", derr)
	}
	if err != nil {
		return "", fmt.Errorf("counting %s slots: %w", provider, err)
	}
	return "", fmt.Errorf("%s limit %d: %w", provider, limit, model.ErrConcurrencyLimit)
}

// Inflight returns the number of live concurrency slots held for provider.
func (g *QuotaGuard) Inflight(ctx context.Context, provider string) (int64, error) {
	return g.counters.CountLive(ctx, inflightPrefix(model.NormalizeProvider(provider)))
}

// Usage returns the plugin's request counts for the current day and month.
func (g *QuotaGuard) Usage(ctx context.Context, plugin string) (daily, monthly int64, err error) {
	now := g.now().UTC()
	daily, err = g.counters.Get(ctx, fmt.Sprintf("quota:daily:%s:%s", plugin, now.Format("2006-01-02")))
	if err != nil {
		return 0, 0, err
	}
	monthly, err = g.counters.Get(ctx, fmt.Sprintf("quota:monthly:%s:%s", plugin, now.Format("2006-01")))
	if err != nil {
		return 0, 0, err
	}
	return daily, monthly, nil
}

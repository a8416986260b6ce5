package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func newTestRecord(id string, createdAt time.Time) *domain.DeliveryRecord {
	return &domain.DeliveryRecord{
		ID:              id,
		Channel:         domain.ChannelSMS,
		Recipient:       "+905551112233",
		RenderedContent: "hello",
		Priority:        domain.PriorityNormal,
		Status:          domain.StatusPending,
		MaxRetries:      3,
		Cost:            decimal.Zero,
		Metadata:        domain.Metadata{domain.MetaOrderID: "o-1"},
		CreatedAt:       createdAt,
	}
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := NewRedisStore(rdb)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	return store
}

func TestStores(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		store func(t *testing.T) Store
	}{
		{name: "memory", store: func(*testing.T) Store { return NewMemoryStore() }},
		{name: "redis", store: func(t *testing.T) Store { return newTestRedisStore(t) }},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runStoreContract(t, tc.store(t))
		})
	}
}

func runStoreContract(t *testing.T, store Store) {
	t.Helper()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	record := newTestRecord("d-1", base)
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if record.Version != 1 {
		t.Fatalf("Put() version = %d, want 1", record.Version)
	}
	if err := store.Put(ctx, newTestRecord("d-1", base)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Put() duplicate error = %v, want ErrConflict", err)
	}

	got, err := store.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Recipient != record.Recipient || got.Metadata[domain.MetaOrderID] != "o-1" || !got.CreatedAt.Equal(base) {
		t.Fatalf("Get() = %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() missing error = %v, want ErrNotFound", err)
	}

	got.Status = domain.StatusSent
	got.ProviderMessageID = "pm-1"
	got.Cost = decimal.RequireFromString("0.0075")
	if err := store.CompareAndSwap(ctx, got); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("CompareAndSwap() version = %d, want 2", got.Version)
	}

	stale := record.Clone()
	stale.Status = domain.StatusFailed
	if err := store.CompareAndSwap(ctx, stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("CompareAndSwap() stale error = %v, want ErrConflict", err)
	}

	byPMID, err := store.FindByProviderMessageID(ctx, "pm-1")
	if err != nil {
		t.Fatalf("FindByProviderMessageID() error = %v", err)
	}
	if byPMID.ID != "d-1" || byPMID.Status != domain.StatusSent || !byPMID.Cost.Equal(decimal.RequireFromString("0.0075")) {
		t.Fatalf("FindByProviderMessageID() = %+v", byPMID)
	}

	for i := 2; i <= 4; i++ {
		r := newTestRecord(fmt.Sprintf("d-%d", i), base.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			due := base
			r.NextRetryAt = &due
		}
		if err := store.Put(ctx, r); err != nil {
			t.Fatalf("Put(%s) error = %v", r.ID, err)
		}
	}

	pending, err := store.List(ctx, domain.DeliveryFilter{Statuses: []domain.Status{domain.StatusPending}})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(pending) != 3 || pending[0].ID != "d-2" {
		t.Fatalf("List(pending) = %d records, first %v", len(pending), pending)
	}

	now := base.Add(time.Hour)
	due, err := store.List(ctx, domain.DeliveryFilter{RetryDueBefore: &now})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != "d-3" {
		t.Fatalf("List(due) = %v, want d-3", due)
	}

	limited, _ := store.List(ctx, domain.DeliveryFilter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("List(limit 2) = %d records", len(limited))
	}

	if err := store.Delete(ctx, "d-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.FindByProviderMessageID(ctx, "pm-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("FindByProviderMessageID() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "d-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Delete() twice error = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreConcurrentCompareAndSwap(t *testing.T) {
	t.Parallel()

	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, newTestRecord("d-1", time.Now().UTC())); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	loaded, err := store.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r := loaded.Clone()
			r.Attempts = n
			results <- store.CompareAndSwap(ctx, r)
		}(i + 1)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("CompareAndSwap() unexpected error = %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("CompareAndSwap() winners = %d, want exactly 1", wins)
	}
}

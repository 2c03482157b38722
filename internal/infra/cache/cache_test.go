package cache_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/cache"
)

// fakeNow даёт управляемые часы для проверки TTL.
type fakeNow struct {
	t time.Time
}

func (f *fakeNow) Now() time.Time          { return f.t }
func (f *fakeNow) Advance(d time.Duration) { f.t = f.t.Add(d) }

func openCache(t *testing.T, now *fakeNow) *cache.Cache {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "state.db"), now.Now)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOrderCacheTTL(t *testing.T) {
	t.Parallel()

	now := &fakeNow{t: time.Unix(1766000000, 0)}
	c := openCache(t, now)

	order := market.Order{
		ID:            "A1B2C3D4",
		Status:        market.OrderStatusPaid,
		Title:         "Золото, 1000 шт.",
		BuyerUsername: "buyer1",
		Price:         decimal.NewFromInt(500),
		Currency:      market.CurrencyRUB,
		Review:        &market.Review{Stars: 5, Text: "Отлично"},
	}
	if err := c.PutOrder(order); err != nil {
		t.Fatalf("PutOrder() error: %v", err)
	}

	got, ok := c.GetOrder("A1B2C3D4", time.Hour)
	if !ok {
		t.Fatal("GetOrder() miss right after put")
	}
	if got.ID != order.ID || got.Title != order.Title || got.Review == nil || got.Review.Stars != 5 {
		t.Fatalf("GetOrder() = %+v", got)
	}
	if !got.Price.Equal(order.Price) {
		t.Fatalf("GetOrder() price = %s, want %s", got.Price, order.Price)
	}

	now.Advance(time.Hour + time.Second)
	if _, ok := c.GetOrder("A1B2C3D4", time.Hour); ok {
		t.Fatal("GetOrder() hit after TTL expiry")
	}
}

func TestDeleteOrder(t *testing.T) {
	t.Parallel()

	now := &fakeNow{t: time.Unix(1766000000, 0)}
	c := openCache(t, now)

	if err := c.PutOrder(market.Order{ID: "AAAA1111"}); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteOrder("AAAA1111"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.GetOrder("AAAA1111", time.Hour); ok {
		t.Fatal("GetOrder() hit after delete")
	}
	// Удаление отсутствующего заказа — не ошибка.
	if err := c.DeleteOrder("BBBB2222"); err != nil {
		t.Fatal(err)
	}
}

func TestRatePairs(t *testing.T) {
	t.Parallel()

	now := &fakeNow{t: time.Unix(1766000000, 0)}
	c := openCache(t, now)

	rate := decimal.RequireFromString("97.53")
	if err := c.PutRate(market.CurrencyRUB, market.CurrencyUSD, rate); err != nil {
		t.Fatal(err)
	}

	got, at, ok := c.GetRate(market.CurrencyRUB, market.CurrencyUSD)
	if !ok || !got.Equal(rate) {
		t.Fatalf("GetRate() = (%s, %v), want %s", got, ok, rate)
	}
	if !at.Equal(now.Now()) {
		t.Fatalf("GetRate() storedAt = %v, want %v", at, now.Now())
	}

	// Обратная пара — отдельная запись.
	if _, _, ok := c.GetRate(market.CurrencyUSD, market.CurrencyRUB); ok {
		t.Fatal("reverse pair is expected to miss until stored")
	}
}

func TestRaiseDeadlines(t *testing.T) {
	t.Parallel()

	now := &fakeNow{t: time.Unix(1766000000, 0)}
	c := openCache(t, now)

	if _, ok := c.GetRaiseDeadline(41); ok {
		t.Fatal("GetRaiseDeadline() hit on empty store")
	}
	deadline := now.Now().Add(2 * time.Hour)
	if err := c.PutRaiseDeadline(41, deadline); err != nil {
		t.Fatal(err)
	}
	got, ok := c.GetRaiseDeadline(41)
	if !ok || got.Unix() != deadline.Unix() {
		t.Fatalf("GetRaiseDeadline() = (%v, %v), want %v", got, ok, deadline)
	}
}

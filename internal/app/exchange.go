// Сверка курсов валют. Биржа не отдаёт курс напрямую: он извлекается из
// предупреждения при пробной смене валюты выплат. Пара кэшируется, свежий
// кэш переспрашивать нельзя; при несовпадении направления пробы курс
// восстанавливается из обратной пары.
package app

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"funpay-agent/internal/adapters/funpay"
	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/cache"
	"funpay-agent/internal/infra/clock"
	"funpay-agent/internal/infra/logger"
)

const (
	// ratePairMinAge — младше этого кэш пары считается свежим.
	ratePairMinAge = 60 * time.Second
	// rateAttempts — попыток сверки.
	rateAttempts = 3
)

// RateSource — проба курса у биржи.
type RateSource interface {
	GetExchangeRate(ctx context.Context, target market.Currency) (funpay.ExchangeRate, error)
	SetCurrency(cur market.Currency)
}

// RateService — сверка и кэш котировок пар.
type RateService struct {
	source RateSource
	cache  *cache.Cache
	now    clock.Func
	sleep  func(ctx context.Context, d time.Duration)
}

// NewRateService создаёт сервис котировок.
func NewRateService(source RateSource, c *cache.Cache, now clock.Func) *RateService {
	if now == nil {
		now = clock.System()
	}
	return &RateService{source: source, cache: c, now: now, sleep: sleepCtx}
}

// Rate возвращает, сколько единиц from стоит одна единица to.
func (r *RateService) Rate(ctx context.Context, from, to market.Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if r.cache != nil {
		if rate, at, ok := r.cache.GetRate(from, to); ok && r.now().Sub(at) < ratePairMinAge {
			return rate, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= rateAttempts; attempt++ {
		rate, err := r.probe(ctx, from, to)
		if err == nil {
			r.store(from, to, rate)
			return rate, nil
		}
		lastErr = err
		var unauthorized *market.UnauthorizedError
		if errors.As(err, &unauthorized) {
			return decimal.Zero, err
		}
		logger.Warnf("rate %s>%s: attempt %d failed: %v", from.Code(), to.Code(), attempt, err)
	}
	return decimal.Zero, errors.Wrap(lastErr, "exchange rate reconcile")
}

// probe делает до двух проб: прямую на to и, если биржа назвала не ту пару,
// обратную на from. Между пробами — пауза 0.5–1.0 с.
func (r *RateService) probe(ctx context.Context, from, to market.Currency) (decimal.Decimal, error) {
	direct, err := r.source.GetExchangeRate(ctx, to)
	if err != nil {
		return decimal.Zero, err
	}
	r.source.SetCurrency(direct.From)
	if direct.From == from && direct.To == to {
		return direct.Rate, nil
	}

	r.sleep(ctx, time.Duration((0.5+rand.Float64()*0.5)*float64(time.Second)))

	reverse, err := r.source.GetExchangeRate(ctx, from)
	if err != nil {
		return decimal.Zero, err
	}
	if reverse.From == to && reverse.To == from && !reverse.Rate.IsZero() {
		return decimal.NewFromInt(1).Div(reverse.Rate), nil
	}
	return decimal.Zero, errors.Errorf("probes named pair %s>%s, want %s>%s",
		direct.From.Code(), direct.To.Code(), from.Code(), to.Code())
}

// store кладёт в кэш обе стороны пары.
func (r *RateService) store(from, to market.Currency, rate decimal.Decimal) {
	if r.cache == nil || rate.IsZero() {
		return
	}
	if err := r.cache.PutRate(from, to, rate); err != nil {
		logger.Warnf("rate cache write failed: %v", err)
	}
	if err := r.cache.PutRate(to, from, decimal.NewFromInt(1).Div(rate)); err != nil {
		logger.Warnf("rate cache write failed: %v", err)
	}
}

// Package cache — постоянный кэш состояния на bbolt: разрешённые заказы
// (для ответов на отзывы), котировки валютных пар и расписание поднятия
// категорий. Файл один, бакет на каждую заботу.
package cache

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/clock"
)

var (
	bucketOrders = []byte("orders")
	bucketRates  = []byte("exchange_rates")
	bucketRaise  = []byte("raise_schedule")
)

// Cache — обёртка над файлом состояния.
type Cache struct {
	db  *bolt.DB
	now clock.Func
}

// Open открывает (или создаёт) файл состояния и бакеты.
func Open(path string, now clock.Func) (*Cache, error) {
	if now == nil {
		now = clock.System()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open state db")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOrders, bucketRates, bucketRaise} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init buckets")
	}
	return &Cache{db: db, now: now}, nil
}

// Close закрывает файл состояния.
func (c *Cache) Close() error { return c.db.Close() }

// --- кэш заказов ---

type orderEntry struct {
	Order    market.Order `json:"order"`
	StoredAt int64        `json:"stored_at"`
}

// PutOrder сохраняет разрешённый заказ.
func (c *Cache) PutOrder(o market.Order) error {
	data, err := json.Marshal(orderEntry{Order: o, StoredAt: c.now().Unix()})
	if err != nil {
		return errors.Wrap(err, "marshal order")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrders).Put([]byte(o.ID), data)
	})
}

// GetOrder возвращает заказ не старше ttl.
func (c *Cache) GetOrder(id string, ttl time.Duration) (market.Order, bool) {
	var e orderEntry
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOrders).Get([]byte(id))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found || c.now().Sub(time.Unix(e.StoredAt, 0)) > ttl {
		return market.Order{}, false
	}
	return e.Order, true
}

// DeleteOrder выбрасывает заказ из кэша (смена статуса делает снимок
// недостоверным).
func (c *Cache) DeleteOrder(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrders).Delete([]byte(id))
	})
}

// --- котировки пар ---

type rateEntry struct {
	Rate     string `json:"rate"`
	StoredAt int64  `json:"stored_at"`
}

func pairKey(from, to market.Currency) []byte {
	return []byte(from.Code() + ">" + to.Code())
}

// PutRate сохраняет котировку пары с текущим временем.
func (c *Cache) PutRate(from, to market.Currency, rate decimal.Decimal) error {
	data, err := json.Marshal(rateEntry{Rate: rate.String(), StoredAt: c.now().Unix()})
	if err != nil {
		return errors.Wrap(err, "marshal rate")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRates).Put(pairKey(from, to), data)
	})
}

// GetRate возвращает котировку пары и момент её сохранения.
func (c *Cache) GetRate(from, to market.Currency) (decimal.Decimal, time.Time, bool) {
	var e rateEntry
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRates).Get(pairKey(from, to))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return decimal.Zero, time.Time{}, false
	}
	rate, err := decimal.NewFromString(e.Rate)
	if err != nil {
		return decimal.Zero, time.Time{}, false
	}
	return rate, time.Unix(e.StoredAt, 0), true
}

// --- расписание поднятия ---

// PutRaiseDeadline сохраняет момент, раньше которого категорию поднимать
// бессмысленно. Переживает перезапуск: кулдауны биржи не сбрасываются.
func (c *Cache) PutRaiseDeadline(gameID int64, next time.Time) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRaise).Put(
			[]byte(strconv.FormatInt(gameID, 10)),
			[]byte(strconv.FormatInt(next.Unix(), 10)),
		)
	})
}

// GetRaiseDeadline возвращает сохранённый дедлайн категории.
func (c *Cache) GetRaiseDeadline(gameID int64) (time.Time, bool) {
	var next time.Time
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRaise).Get([]byte(strconv.FormatInt(gameID, 10)))
		if data == nil {
			return nil
		}
		sec, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil
		}
		next, found = time.Unix(sec, 0), true
		return nil
	})
	return next, found
}

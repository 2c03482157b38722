// Package handlers — прикладные обработчики событий: приветствия, автоответ,
// автовыдача, ответы на отзывы, благодарности и поддержание состояния лотов.
// Обработчики регистрируются в диспетчере цепочками; побочные эффекты идут
// через узкие интерфейсы, чтобы тесты обходились подделками.
package handlers

import (
	"context"
	"sync"
	"time"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/clock"
	"funpay-agent/internal/infra/config"
	"funpay-agent/internal/infra/stores"
)

// Sender отправляет текст в чат биржи (водяной знак и разбивку берёт на себя).
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
	// SendPlain отправляет без водяного знака.
	SendPlain(ctx context.Context, chatID int64, text string) error
}

// Market — операции биржи, нужные обработчикам.
type Market interface {
	GetOrder(ctx context.Context, orderID string) (market.Order, error)
	SendFeedbackReply(ctx context.Context, orderID, text string) error
	GetProfile(ctx context.Context) (*market.Profile, error)
	GetLotFields(ctx context.Context, lotID int64) (market.LotFields, error)
	SaveLot(ctx context.Context, fields market.LotFields) error
	Username() string
}

// Inventory — операции над файлами товаров.
type Inventory interface {
	Count(path string) (int, error)
	Draw(path string, n int) (drawn []string, remaining int, err error)
	PushFront(path string, lines []string) error
}

// OrderResolver — кэш разрешённых заказов с TTL.
type OrderResolver interface {
	PutOrder(o market.Order) error
	GetOrder(id string, ttl time.Duration) (market.Order, bool)
	DeleteOrder(id string) error
}

// Notifier доставляет уведомления в контрольный канал.
type Notifier interface {
	Notify(kind stores.NotificationKind, text string)
}

// OrderSink принимает синтетические события заказов обратно в диспетчер:
// тестовая автовыдача проходит ту же цепочку, что и боевой заказ.
type OrderSink interface {
	Dispatch(ev market.Event)
}

// Deps — зависимости обработчиков.
type Deps struct {
	Cfg       *config.Manager
	Sender    Sender
	Client    Market
	Inventory Inventory
	Cache     OrderResolver
	Blacklist *stores.Blacklist
	Greeted   *stores.GreetedUsers
	Notify    Notifier
	Orders    OrderSink
	Paths     config.Paths
	Now       clock.Func
}

// Handlers — состояние обработчиков поверх зависимостей.
type Handlers struct {
	Deps

	greetMu sync.Mutex

	testMu   sync.Mutex
	testKeys map[string]string // одноразовый ключ -> имя лота

	lotMu      sync.Mutex
	lotLastTag string
}

// New создаёт обработчики. Nil-поля Deps допустимы для выключенных забот
// (например, Notify у запуска без контрольного канала).
func New(deps Deps) *Handlers {
	if deps.Now == nil {
		deps.Now = clock.System()
	}
	return &Handlers{Deps: deps, testKeys: make(map[string]string)}
}

// notify шлёт уведомление, если контрольный канал подключён.
func (h *Handlers) notify(kind stores.NotificationKind, text string) {
	if h.Notify != nil {
		h.Notify.Notify(kind, text)
	}
}

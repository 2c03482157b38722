// Package dispatch — раздача событий раннера по упорядоченным цепочкам
// обработчиков. Порядок внутри цепочки фиксирован регистрацией: ранние
// обработчики пишут side-channel состояние, поздние его читают. Цепочка
// одного события выполняется целиком одной задачей пула воркеров, поэтому
// порядок внутри события сохраняется, а разные события идут параллельно.
package dispatch

import (
	"context"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/concurrency"
	"funpay-agent/internal/infra/logger"
)

// InitialChatHandler обрабатывает чат посевного цикла.
type InitialChatHandler func(ctx context.Context, ev market.InitialChatEvent) error

// NewMessageHandler обрабатывает новое сообщение.
type NewMessageHandler func(ctx context.Context, ev *market.NewMessageEvent) error

// LastChatMessageChangedHandler обрабатывает смену последнего сообщения чата.
type LastChatMessageChangedHandler func(ctx context.Context, ev market.LastChatMessageChangedEvent) error

// InitialOrderHandler обрабатывает заказ посевного цикла.
type InitialOrderHandler func(ctx context.Context, ev market.InitialOrderEvent) error

// NewOrderHandler обрабатывает новый заказ.
type NewOrderHandler func(ctx context.Context, ev *market.NewOrderEvent) error

// OrderStatusChangedHandler обрабатывает смену статуса заказа.
type OrderStatusChangedHandler func(ctx context.Context, ev market.OrderStatusChangedEvent) error

// OrdersListChangedHandler обрабатывает смену счётчиков заказов.
type OrdersListChangedHandler func(ctx context.Context, ev market.OrdersListChangedEvent) error

// Dispatcher — маршрутизатор событий по цепочкам.
type Dispatcher struct {
	pool *concurrency.Pool

	initialChat     []InitialChatHandler
	newMessage      []NewMessageHandler
	lastChatMessage []LastChatMessageChangedHandler
	initialOrder    []InitialOrderHandler
	newOrder        []NewOrderHandler
	orderStatus     []OrderStatusChangedHandler
	ordersList      []OrdersListChangedHandler
}

// New создаёт диспетчер поверх пула воркеров.
func New(pool *concurrency.Pool) *Dispatcher {
	return &Dispatcher{pool: pool}
}

// OnInitialChat добавляет обработчик в конец цепочки посевных чатов.
func (d *Dispatcher) OnInitialChat(h InitialChatHandler) { d.initialChat = append(d.initialChat, h) }

// OnNewMessage добавляет обработчик в конец цепочки новых сообщений.
func (d *Dispatcher) OnNewMessage(h NewMessageHandler) { d.newMessage = append(d.newMessage, h) }

// OnLastChatMessageChanged добавляет обработчик смены последнего сообщения.
func (d *Dispatcher) OnLastChatMessageChanged(h LastChatMessageChangedHandler) {
	d.lastChatMessage = append(d.lastChatMessage, h)
}

// OnInitialOrder добавляет обработчик посевных заказов.
func (d *Dispatcher) OnInitialOrder(h InitialOrderHandler) {
	d.initialOrder = append(d.initialOrder, h)
}

// OnNewOrder добавляет обработчик новых заказов.
func (d *Dispatcher) OnNewOrder(h NewOrderHandler) { d.newOrder = append(d.newOrder, h) }

// OnOrderStatusChanged добавляет обработчик смены статуса заказа.
func (d *Dispatcher) OnOrderStatusChanged(h OrderStatusChangedHandler) {
	d.orderStatus = append(d.orderStatus, h)
}

// OnOrdersListChanged добавляет обработчик смены счётчиков заказов.
func (d *Dispatcher) OnOrdersListChanged(h OrdersListChangedHandler) {
	d.ordersList = append(d.ordersList, h)
}

// Run читает события из канала до его закрытия или отмены контекста.
func (d *Dispatcher) Run(ctx context.Context, events <-chan market.Event) {
	logger.Debug("dispatcher: started")
	defer logger.Debug("dispatcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Dispatch(ev)
		}
	}
}

// Dispatch отправляет цепочку события в пул. Ошибка обработчика логируется,
// цепочка продолжается: сбой уведомления не должен останавливать выдачу.
func (d *Dispatcher) Dispatch(ev market.Event) {
	name := "event:" + ev.Kind().String()
	submitted := d.pool.Submit(name, func(ctx context.Context) {
		d.runChain(ctx, ev)
	})
	if !submitted {
		logger.Warnf("dispatcher: pool closed, %s dropped", name)
	}
}

func (d *Dispatcher) runChain(ctx context.Context, ev market.Event) {
	run := func(err error) {
		if err != nil && ctx.Err() == nil {
			logger.Errorf("dispatcher: %s handler failed: %v", ev.Kind(), err)
		}
	}
	switch e := ev.(type) {
	case market.InitialChatEvent:
		for _, h := range d.initialChat {
			run(h(ctx, e))
		}
	case *market.NewMessageEvent:
		for _, h := range d.newMessage {
			run(h(ctx, e))
		}
	case market.LastChatMessageChangedEvent:
		for _, h := range d.lastChatMessage {
			run(h(ctx, e))
		}
	case market.InitialOrderEvent:
		for _, h := range d.initialOrder {
			run(h(ctx, e))
		}
	case *market.NewOrderEvent:
		for _, h := range d.newOrder {
			run(h(ctx, e))
		}
	case market.OrderStatusChangedEvent:
		for _, h := range d.orderStatus {
			run(h(ctx, e))
		}
	case market.OrdersListChangedEvent:
		for _, h := range d.ordersList {
			run(h(ctx, e))
		}
	}
}

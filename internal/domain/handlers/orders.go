// Обработчики цепочки заказов: сопоставление с конфигом автовыдачи, выдача
// товара, благодарность при подтверждении и сброс кэша заказа.
package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"

	"funpay-agent/internal/domain/expander"
	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/config"
	"funpay-agent/internal/infra/logger"
	"funpay-agent/internal/infra/stores"
)

// testOrderID — сигнальный id синтетического заказа тестовой автовыдачи.
const testOrderID = "ADTEST00"

// ClassifyOrder сопоставляет новый заказ с правилами автовыдачи и пишет
// результат в side-channel состояние цепочки. Самих действий не выполняет:
// выдача и уведомления — дело поздних обработчиков.
func (h *Handlers) ClassifyOrder(_ context.Context, ev *market.NewOrderEvent) error {
	rule, ok := h.Cfg.DeliveryRuleFor(ev.Order.Description)
	if !ok {
		return nil
	}
	ev.State.RuleMatched = true
	ev.State.RuleLotTitle = rule.LotTitle
	logger.Debugf("order #%s matched delivery rule %q", ev.Order.ID, rule.LotTitle)
	return nil
}

// DeliverOrder выдаёт товар по новому заказу, если правило совпало и выдача
// не отключена ни глобально, ни правилом, ни чёрным списком. Синтетический
// тестовый заказ выдаётся мимо глобального флага и чёрного списка: продавец
// сам его запросил.
func (h *Handlers) DeliverOrder(ctx context.Context, ev *market.NewOrderEvent) error {
	if !ev.State.RuleMatched {
		return nil
	}
	test := ev.Order.ID == testOrderID
	cfg := h.Cfg.Main()
	if !cfg.FunPay.AutoDelivery && !test {
		return nil
	}
	rule, ok := h.Cfg.DeliveryRuleFor(ev.State.RuleLotTitle)
	if !ok || (rule.Disable && !test) {
		return nil
	}
	if !test && cfg.BlockList.BlockDelivery && h.Blacklist != nil && h.Blacklist.Has(ev.Order.BuyerUsername) {
		logger.Infof("order #%s: buyer %s is blacklisted, delivery skipped",
			ev.Order.ID, ev.Order.BuyerUsername)
		return nil
	}
	return h.deliver(ctx, ev.Order, rule, ev.State)
}

// deliver — общий путь боевой и тестовой выдачи. Товар из файла изымается
// до отправки; при неудачной отправке изъятые строки возвращаются в начало
// файла, чтобы следующий заказ получил их первыми.
func (h *Handlers) deliver(ctx context.Context, order market.OrderShortcut,
	rule config.DeliveryRule, state *market.OrderEventState) error {

	cfg := h.Cfg.Main()
	amount := 1
	if cfg.FunPay.MultiDelivery && !rule.DisableMultiDelivery && order.Amount > 1 {
		amount = order.Amount
	}

	response := rule.Response
	var drawn []string
	if rule.InventoryBacked() {
		path := h.Paths.ProductFile(rule.ProductsFileName)
		var remaining int
		var err error
		drawn, remaining, err = h.Inventory.Draw(path, amount)
		if err != nil {
			state.Error = true
			state.ErrorText = err.Error()
			logger.Errorf("order #%s: delivery failed: %v", order.ID, err)
			h.notify(stores.NotifyDelivery,
				fmt.Sprintf("⛔ Не удалось выдать товар по заказу #%s: %v", order.ID, err))
			return err
		}
		goods := make([]string, len(drawn))
		for i, line := range drawn {
			goods[i] = expander.UnescapeProduct(line)
		}
		response = strings.ReplaceAll(response, "$product", strings.Join(goods, "\n"))
		state.GoodsDelivered = amount
		state.GoodsLeft = remaining
	} else {
		state.GoodsLeft = -1
	}

	text := expander.FormatOrderText(response, expander.ViewFromShortcut(order), h.Now())
	if err := h.Sender.Send(ctx, order.ChatID, text); err != nil {
		state.Error = true
		state.ErrorText = err.Error()
		if len(drawn) > 0 {
			if pushErr := h.Inventory.PushFront(h.Paths.ProductFile(rule.ProductsFileName), drawn); pushErr != nil {
				logger.Errorf("order #%s: failed to return goods to %s: %v",
					order.ID, rule.ProductsFileName, pushErr)
			}
		}
		h.notify(stores.NotifyDelivery,
			fmt.Sprintf("⛔ Не удалось отправить товар по заказу #%s: %v", order.ID, err))
		return errors.Wrap(err, "send delivery")
	}

	state.Delivered = true
	state.DeliveryText = text
	logger.Infof("order #%s: delivered lot %q to %s", order.ID, rule.LotTitle, order.BuyerUsername)

	note := fmt.Sprintf("✅ Выдан товар по заказу #%s (%s) покупателю %s.",
		order.ID, rule.LotTitle, order.BuyerUsername)
	if state.GoodsLeft >= 0 {
		note += fmt.Sprintf("\nОсталось товара: %d.", state.GoodsLeft)
	}
	h.notify(stores.NotifyDelivery, note)
	return nil
}

// NotifyNewOrder шлёт уведомление о новом заказе с исходом автовыдачи.
func (h *Handlers) NotifyNewOrder(_ context.Context, ev *market.NewOrderEvent) error {
	cfg := h.Cfg.Main()
	if cfg.BlockList.BlockNewOrderNotification && h.Blacklist != nil && h.Blacklist.Has(ev.Order.BuyerUsername) {
		return nil
	}
	o := ev.Order
	note := fmt.Sprintf("🛒 Новый заказ #%s\n%s\nПокупатель: %s\nСумма: %s %s",
		o.ID, o.Description, o.BuyerUsername, o.Price.String(), o.Currency.String())
	switch {
	case ev.State.Error:
		note += "\n\n⛔ Автовыдача не удалась: " + ev.State.ErrorText
	case ev.State.Delivered:
		note += "\n\n✅ Товар выдан автоматически."
	case ev.State.RuleMatched:
		note += "\n\nℹ️ Правило найдено, выдача отключена."
	}
	h.notify(stores.NotifyNewOrder, note)
	return nil
}

// ThankOnConfirm отвечает благодарностью на подтверждение заказа и
// выбрасывает заказ из кэша: снимок со старым статусом недостоверен.
func (h *Handlers) ThankOnConfirm(ctx context.Context, ev market.OrderStatusChangedEvent) error {
	if h.Cache != nil {
		_ = h.Cache.DeleteOrder(ev.Order.ID)
	}
	if ev.Order.Status != market.OrderStatusClosed {
		return nil
	}
	cfg := h.Cfg.Main()
	if !cfg.OrderConfirm.SendReply || strings.TrimSpace(cfg.OrderConfirm.ReplyText) == "" {
		return nil
	}
	text := expander.FormatOrderText(cfg.OrderConfirm.ReplyText,
		expander.ViewFromShortcut(ev.Order), h.Now())
	logger.Infof("order #%s confirmed, sending reply to %s", ev.Order.ID, ev.Order.BuyerUsername)
	if cfg.OrderConfirm.Watermark {
		return h.Sender.Send(ctx, ev.Order.ChatID, text)
	}
	return h.Sender.SendPlain(ctx, ev.Order.ChatID, text)
}

// Обработчики цепочки новых сообщений: журнал, приветствия, автоответ и
// тестовая автовыдача по одноразовому ключу.
package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"funpay-agent/internal/domain/expander"
	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/config"
	"funpay-agent/internal/infra/logger"
	"funpay-agent/internal/infra/stores"
)

// testCommand — команда тестовой автовыдачи в чате биржи.
const testCommand = "!автовыдача"

// greetKey — ключ знакомства в хранилище. Ключ — id чата, а не имя:
// собеседник может переименоваться, чат остаётся тем же.
func greetKey(chatID int64) string { return strconv.FormatInt(chatID, 10) }

// LogMessage пишет входящее сообщение в журнал. Соседи по пачке одного чата
// логируются без повторного заголовка чата.
func (h *Handlers) LogMessage(_ context.Context, ev *market.NewMessageEvent) error {
	m := ev.Message
	text := m.Text
	if m.ImageLink != "" {
		text = m.ImageLink
	}
	logger.Infof("chat %d (%s) | %s: %s", m.ChatID, m.ChatName, m.Author, text)
	return nil
}

// Greet отвечает приветствием на первое сообщение незнакомого пользователя.
// Собственное сообщение в чате помечает пользователя знакомым без отправки:
// диалог уже идёт. Ворота одиночные: отметка ставится под mutex до отправки,
// поэтому пачка одновременных сообщений порождает не больше одного приветствия.
func (h *Handlers) Greet(ctx context.Context, ev *market.NewMessageEvent) error {
	cfg := h.Cfg.Main()
	if !cfg.Greetings.SendGreetings || strings.TrimSpace(cfg.Greetings.GreetingsText) == "" {
		return nil
	}
	m := ev.Message

	if m.ByBot || m.Author == h.Client.Username() {
		h.greetMu.Lock()
		defer h.greetMu.Unlock()
		if _, known := h.Greeted.LastGreeted(greetKey(m.ChatID)); !known {
			return h.Greeted.MarkGreeted(greetKey(m.ChatID), h.Now())
		}
		return nil
	}

	switch m.Type {
	case market.MessageOrderPurchased, market.MessageDearVendors, market.MessageOrderConfirmedByAdmin:
		return nil
	}
	if m.IsSystem() && cfg.Greetings.IgnoreSystemMessages {
		return nil
	}
	if m.Badge != "" {
		return nil
	}

	cooldown := time.Duration(cfg.Greetings.GreetingsCooldown * 24 * float64(time.Hour))

	h.greetMu.Lock()
	if last, known := h.Greeted.LastGreeted(greetKey(m.ChatID)); known && h.Now().Sub(last) < cooldown {
		h.greetMu.Unlock()
		return nil
	}
	if err := h.Greeted.MarkGreeted(greetKey(m.ChatID), h.Now()); err != nil {
		h.greetMu.Unlock()
		return err
	}
	h.greetMu.Unlock()

	text := expander.FormatMessageText(cfg.Greetings.GreetingsText, m, h.Now())
	logger.Infof("greeting %s (chat %d)", m.ChatName, m.ChatID)
	return h.Sender.Send(ctx, m.ChatID, text)
}

// MarkKnownChat помечает собеседника знакомым по чату первого цикла:
// диалог существовал до запуска агента, приветствовать его не нужно.
func (h *Handlers) MarkKnownChat(_ context.Context, ev market.InitialChatEvent) error {
	h.greetMu.Lock()
	defer h.greetMu.Unlock()
	if _, known := h.Greeted.LastGreeted(greetKey(ev.Chat.ID)); known {
		return nil
	}
	return h.Greeted.MarkGreeted(greetKey(ev.Chat.ID), h.Now())
}

// LogChatActivity пишет в журнал смену последнего сообщения чата.
func (h *Handlers) LogChatActivity(_ context.Context, ev market.LastChatMessageChangedEvent) error {
	logger.Debugf("chat %d (%s): last message changed: %s",
		ev.Chat.ID, ev.Chat.Name, ev.Chat.LastMessageText)
	return nil
}

// LogOrdersCounters пишет в журнал свежие счётчики заказов.
func (h *Handlers) LogOrdersCounters(_ context.Context, ev market.OrdersListChangedEvent) error {
	logger.Debugf("orders counters changed: buyer %d, seller %d", ev.Buyer, ev.Seller)
	return nil
}

// AutoReply отвечает на команду из конфига автоответа. Команда — весь текст
// сообщения после нормализации; пользователи из чёрного списка отсекаются
// флагом blockResponse.
func (h *Handlers) AutoReply(ctx context.Context, ev *market.NewMessageEvent) error {
	cfg := h.Cfg.Main()
	if !cfg.FunPay.AutoResponse {
		return nil
	}
	m := ev.Message
	if m.ByBot || m.IsSystem() || m.Text == "" || m.Author == h.Client.Username() {
		return nil
	}
	rule, ok := h.Cfg.AutoReplyRule(config.NormalizeCommand(m.Text))
	if !ok {
		return nil
	}
	if cfg.BlockList.BlockResponse && h.Blacklist != nil && h.Blacklist.Has(m.Author) {
		logger.Debugf("auto-reply: %s is blacklisted, command ignored", m.Author)
		return nil
	}

	logger.Infof("auto-reply: command %q from %s (chat %d)", m.Text, m.Author, m.ChatID)
	text := expander.FormatMessageText(rule.Response, m, h.Now())
	if err := h.Sender.Send(ctx, m.ChatID, text); err != nil {
		return err
	}
	if rule.TelegramNotification {
		note := rule.NotificationText
		if note == "" {
			note = fmt.Sprintf("Команда %q от %s", m.Text, m.Author)
		}
		if !(cfg.BlockList.BlockCommandNotification && h.Blacklist != nil && h.Blacklist.Has(m.Author)) {
			h.notify(stores.NotifyCommand, expander.FormatMessageText(note, m, h.Now()))
		}
	}
	return nil
}

// NotifyNewMessage шлёт сообщение чата в контрольный канал с учётом фильтров
// просмотра: чьи сообщения включать и чьи считать поводом для уведомления.
func (h *Handlers) NotifyNewMessage(_ context.Context, ev *market.NewMessageEvent) error {
	cfg := h.Cfg.Main()
	m := ev.Message

	if cfg.BlockList.BlockNewMessageNotification && h.Blacklist != nil && h.Blacklist.Has(m.Author) {
		return nil
	}

	view := cfg.NewMessageView
	mine := m.Author == h.Client.Username() && !m.ByBot
	bot := m.ByBot || m.ByVertex
	system := m.IsSystem() || m.AuthorID == 0

	switch {
	case mine && !view.IncludeMyMessages:
		return nil
	case bot && !view.IncludeBotMessages:
		return nil
	case system && !view.IncludeFPMessages:
		return nil
	}
	// Фильтры «уведомлять только о ...» объединяются по ИЛИ.
	if view.NotifyOnlyMyMessages || view.NotifyOnlyFPMessages || view.NotifyOnlyBotMessages {
		trigger := (view.NotifyOnlyMyMessages && mine) ||
			(view.NotifyOnlyFPMessages && system) ||
			(view.NotifyOnlyBotMessages && bot)
		if !trigger {
			return nil
		}
	}

	text := m.Text
	if m.ImageLink != "" {
		if view.ShowImageName {
			text = m.ImageLink
		} else {
			text = "[Изображение]"
		}
	}
	h.notify(stores.NotifyNewMessage,
		fmt.Sprintf("💬 %s (чат %d):\n%s", m.Author, m.ChatID, text))
	return nil
}

// RegisterTestKey генерирует одноразовый ключ тестовой автовыдачи лота.
// Ключ вводится в чате биржи командой "!автовыдача <ключ>".
func (h *Handlers) RegisterTestKey(lotTitle string) (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := hex.EncodeToString(raw)
	h.testMu.Lock()
	h.testKeys[key] = lotTitle
	h.testMu.Unlock()
	return key, nil
}

// TestDelivery выполняет тестовую автовыдачу по одноразовому ключу: строится
// синтетический заказ с сигнальным id и прогоняется через цепочку новых
// заказов, как будто отправитель оплатил лот. Без диспетчера (sink не
// подключён) выдача идёт напрямую.
func (h *Handlers) TestDelivery(ctx context.Context, ev *market.NewMessageEvent) error {
	m := ev.Message
	if m.ByBot || m.IsSystem() || !strings.HasPrefix(m.Text, testCommand) {
		return nil
	}
	key := strings.TrimSpace(strings.TrimPrefix(m.Text, testCommand))
	if key == "" {
		return nil
	}

	h.testMu.Lock()
	lotTitle, ok := h.testKeys[key]
	if ok {
		delete(h.testKeys, key)
	}
	h.testMu.Unlock()
	if !ok {
		logger.Warnf("test delivery: unknown key from %s (chat %d)", m.Author, m.ChatID)
		return nil
	}

	rule, ok := h.Cfg.DeliveryRuleFor(lotTitle)
	if !ok {
		return h.Sender.Send(ctx, m.ChatID, "Лот «"+lotTitle+"» не найден в конфиге автовыдачи.")
	}
	logger.Infof("test delivery: lot %q for %s (chat %d)", lotTitle, m.Author, m.ChatID)

	order := market.OrderShortcut{
		ID:            testOrderID,
		Description:   lotTitle,
		BuyerUsername: m.Author,
		BuyerID:       m.AuthorID,
		ChatID:        m.ChatID,
		Amount:        1,
	}
	if h.Orders != nil {
		h.Orders.Dispatch(&market.NewOrderEvent{
			EventBase: market.EventBase{Tag: ev.RunnerTag()},
			Order:     order,
			State:     &market.OrderEventState{GoodsLeft: -1},
		})
		return nil
	}
	state := &market.OrderEventState{RuleMatched: true, RuleLotTitle: rule.LotTitle, GoodsLeft: -1}
	return h.deliver(ctx, order, rule, state)
}

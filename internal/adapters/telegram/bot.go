// Package telegram — контрольный канал агента поверх Bot API: авторизация
// чатов по секретному ключу, команды управления и веер уведомлений с
// помарочной маршрутизацией по чатам.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/crypto/bcrypt"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/config"
	"funpay-agent/internal/infra/logger"
	"funpay-agent/internal/infra/stores"
)

// Agent — действия агента, доступные из контрольного канала.
type Agent interface {
	SendToChat(ctx context.Context, chatID int64, text string) error
	Refund(ctx context.Context, orderID string) error
	Balance(ctx context.Context) (market.Balance, error)
	Forecast(ctx context.Context) (string, error)
	RegisterTestKey(lotTitle string) (string, error)
	UpdateGoldenKey(ctx context.Context, key string) error
	UpdateProxy(ctx context.Context, raw string) error
	Status() string
}

// Bot — контрольный канал.
type Bot struct {
	api       *tgbotapi.BotAPI
	cfg       *config.Manager
	agent     Agent
	auth      *stores.AuthorizedChats
	routing   *stores.NotificationRouting
	templates *stores.Templates
	blacklist *stores.Blacklist
}

// Options — зависимости контрольного канала.
type Options struct {
	Token     string
	Cfg       *config.Manager
	Agent     Agent
	Auth      *stores.AuthorizedChats
	Routing   *stores.NotificationRouting
	Templates *stores.Templates
	Blacklist *stores.Blacklist
}

// New подключается к Bot API и собирает контрольный канал.
func New(opts Options) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(opts.Token)
	if err != nil {
		return nil, err
	}
	logger.Infof("control channel connected as @%s", api.Self.UserName)
	return &Bot{
		api:       api,
		cfg:       opts.Cfg,
		agent:     opts.Agent,
		auth:      opts.Auth,
		routing:   opts.Routing,
		templates: opts.Templates,
		blacklist: opts.Blacklist,
	}, nil
}

// Run читает обновления до отмены контекста.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	logger.Debug("control channel: update loop started")
	defer logger.Debug("control channel: update loop stopped")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if upd.Message == nil || upd.Message.Text == "" {
				continue
			}
			b.handleMessage(ctx, upd.Message)
		}
	}
}

// reply отправляет текст в чат контрольного канала.
func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		logger.Errorf("control channel: send to %d failed: %v", chatID, err)
	}
}

// Notify рассылает уведомление по авторизованным чатам с учётом
// маршрутизации вида.
func (b *Bot) Notify(kind stores.NotificationKind, text string) {
	for _, chatID := range b.auth.All() {
		if !b.routing.Enabled(chatID, kind) {
			continue
		}
		b.reply(chatID, text)
	}
}

// NotifyRaise — адаптер уведомлений планировщика поднятия.
func (b *Bot) NotifyRaise(text string) { b.Notify(stores.NotifyRaise, text) }

// handleMessage — авторизация и разбор команд.
func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	if !b.auth.Has(chatID) {
		b.handleLogin(chatID, m.Text)
		return
	}
	cmd, args := splitCommand(m.Text)
	switch cmd {
	case "/start", "/help":
		b.reply(chatID, helpText)
	case "/status":
		b.reply(chatID, b.agent.Status())
	case "/balance":
		b.cmdBalance(ctx, chatID)
	case "/forecast":
		b.cmdForecast(ctx, chatID)
	case "/send":
		b.cmdSend(ctx, chatID, args)
	case "/refund":
		b.cmdRefund(ctx, chatID, args)
	case "/test":
		b.cmdTest(chatID, args)
	case "/templates":
		b.cmdTemplates(chatID)
	case "/template_add":
		b.cmdTemplateAdd(chatID, args)
	case "/template_del":
		b.cmdTemplateDel(chatID, args)
	case "/blacklist":
		b.cmdBlacklist(chatID)
	case "/block":
		b.cmdBlock(chatID, args, true)
	case "/unblock":
		b.cmdBlock(chatID, args, false)
	case "/toggle":
		b.cmdToggle(chatID, args)
	case "/golden_key":
		b.cmdGoldenKey(ctx, chatID, args)
	case "/proxy":
		b.cmdProxy(ctx, chatID, args)
	case "/autoraise":
		b.cmdFlag(chatID, "autoRaise")
	case "/autoresponse":
		b.cmdFlag(chatID, "autoResponse")
	case "/autodelivery":
		b.cmdFlag(chatID, "autoDelivery")
	case "/logout":
		if err := b.auth.Remove(chatID); err == nil {
			b.reply(chatID, "Чат отключён от контрольного канала.")
		}
	default:
		b.reply(chatID, "Неизвестная команда. /help — список команд.")
	}
}

// handleLogin сверяет присланный текст с хэшем секретного ключа.
func (b *Bot) handleLogin(chatID int64, text string) {
	cfg := b.cfg.Main()
	if cfg.Telegram.BlockLogin {
		b.reply(chatID, "Авторизация новых чатов отключена.")
		return
	}
	if cfg.Telegram.SecretKeyHash == "" {
		b.reply(chatID, "Секретный ключ не настроен; авторизация невозможна.")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.Telegram.SecretKeyHash),
		[]byte(strings.TrimSpace(text))); err != nil {
		logger.Warnf("control channel: failed login attempt from chat %d", chatID)
		b.reply(chatID, "Неверный секретный ключ.")
		return
	}
	if err := b.auth.Add(chatID); err != nil {
		b.reply(chatID, "Не удалось сохранить авторизацию: "+err.Error())
		return
	}
	logger.Infof("control channel: chat %d authorized", chatID)
	b.reply(chatID, "Чат авторизован. /help — список команд.")
}

const helpText = `Команды:
/status — состояние агента
/balance — баланс аккаунта
/forecast — прогноз вывода средств
/send <чат> <текст> — ответить в чат биржи
/refund <заказ> — вернуть деньги по заказу
/test <лот> — одноразовый ключ тестовой автовыдачи
/templates, /template_add <текст>, /template_del <№> — шаблоны
/blacklist, /block <ник>, /unblock <ник> — чёрный список
/golden_key <ключ> — сменить golden key без перезапуска
/proxy <адрес|off> — сменить или выключить прокси
/toggle <вид> — вкл/выкл вид уведомлений в этом чате
/autoraise, /autoresponse, /autodelivery — переключатели функций
/logout — отключить этот чат`

func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, ' '); idx >= 0 {
		return text[:idx], strings.TrimSpace(text[idx+1:])
	}
	return text, ""
}

func (b *Bot) cmdBalance(ctx context.Context, chatID int64) {
	bal, err := b.agent.Balance(ctx)
	if err != nil {
		b.reply(chatID, "Не удалось получить баланс: "+err.Error())
		return
	}
	b.reply(chatID, fmt.Sprintf(
		"Баланс:\n₽ %s (доступно %s)\n$ %s (доступно %s)\n€ %s (доступно %s)",
		bal.TotalRUB, bal.AvailableRUB, bal.TotalUSD, bal.AvailableUSD, bal.TotalEUR, bal.AvailableEUR))
}

func (b *Bot) cmdForecast(ctx context.Context, chatID int64) {
	text, err := b.agent.Forecast(ctx)
	if err != nil {
		b.reply(chatID, "Не удалось построить прогноз: "+err.Error())
		return
	}
	b.reply(chatID, text)
}

func (b *Bot) cmdSend(ctx context.Context, chatID int64, args string) {
	target, text := splitCommand(args)
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil || text == "" {
		b.reply(chatID, "Формат: /send <id чата> <текст>")
		return
	}
	if err := b.agent.SendToChat(ctx, id, text); err != nil {
		b.reply(chatID, "Не отправлено: "+err.Error())
		return
	}
	b.reply(chatID, "Отправлено.")
}

func (b *Bot) cmdRefund(ctx context.Context, chatID int64, args string) {
	orderID := strings.TrimPrefix(strings.TrimSpace(args), "#")
	if orderID == "" {
		b.reply(chatID, "Формат: /refund <id заказа>")
		return
	}
	if err := b.agent.Refund(ctx, orderID); err != nil {
		b.reply(chatID, "Возврат не выполнен: "+err.Error())
		return
	}
	b.reply(chatID, "Возврат по заказу #"+orderID+" выполнен.")
}

func (b *Bot) cmdTest(chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Формат: /test <название лота>")
		return
	}
	key, err := b.agent.RegisterTestKey(args)
	if err != nil {
		b.reply(chatID, "Не удалось создать ключ: "+err.Error())
		return
	}
	b.reply(chatID, "Отправьте в чат биржи:\n!автовыдача "+key)
}

// cmdGoldenKey заменяет golden key. Сообщение с ключом остаётся в истории
// чата, поэтому в ответе — напоминание его удалить.
func (b *Bot) cmdGoldenKey(ctx context.Context, chatID int64, args string) {
	key := strings.TrimSpace(args)
	if key == "" {
		b.reply(chatID, "Формат: /golden_key <ключ>")
		return
	}
	if err := b.agent.UpdateGoldenKey(ctx, key); err != nil {
		b.reply(chatID, "Ключ не применён: "+err.Error())
		return
	}
	b.reply(chatID, "Ключ применён, сессия обновлена. Удалите сообщение с ключом из чата.")
}

func (b *Bot) cmdProxy(ctx context.Context, chatID int64, args string) {
	raw := strings.TrimSpace(args)
	if raw == "" {
		b.reply(chatID, "Формат: /proxy <[логин:пароль@]адрес:порт> или /proxy off")
		return
	}
	if err := b.agent.UpdateProxy(ctx, raw); err != nil {
		b.reply(chatID, "Прокси не применён: "+err.Error())
		return
	}
	if raw == "off" {
		b.reply(chatID, "Прокси выключен.")
		return
	}
	b.reply(chatID, "Прокси применён, сессия обновлена.")
}

func (b *Bot) cmdTemplates(chatID int64) {
	all := b.templates.All()
	if len(all) == 0 {
		b.reply(chatID, "Шаблонов нет.")
		return
	}
	var sb strings.Builder
	for i, t := range all {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, t)
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) cmdTemplateAdd(chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Формат: /template_add <текст>")
		return
	}
	if err := b.templates.Add(args); err != nil {
		b.reply(chatID, "Не сохранено: "+err.Error())
		return
	}
	b.reply(chatID, "Шаблон добавлен.")
}

func (b *Bot) cmdTemplateDel(chatID int64, args string) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil || n < 1 {
		b.reply(chatID, "Формат: /template_del <номер>")
		return
	}
	if err := b.templates.Delete(n - 1); err != nil {
		b.reply(chatID, "Не удалено: "+err.Error())
		return
	}
	b.reply(chatID, "Шаблон удалён.")
}

func (b *Bot) cmdBlacklist(chatID int64) {
	all := b.blacklist.All()
	if len(all) == 0 {
		b.reply(chatID, "Чёрный список пуст.")
		return
	}
	b.reply(chatID, "Чёрный список:\n"+strings.Join(all, "\n"))
}

func (b *Bot) cmdBlock(chatID int64, args string, block bool) {
	name := strings.TrimSpace(args)
	if name == "" {
		b.reply(chatID, "Укажите ник покупателя.")
		return
	}
	var err error
	if block {
		err = b.blacklist.Add(name)
	} else {
		err = b.blacklist.Remove(name)
	}
	if err != nil {
		b.reply(chatID, "Не сохранено: "+err.Error())
		return
	}
	if block {
		b.reply(chatID, name+" занесён в чёрный список.")
	} else {
		b.reply(chatID, name+" убран из чёрного списка.")
	}
}

func (b *Bot) cmdToggle(chatID int64, args string) {
	kind := stores.NotificationKind(strings.TrimSpace(args))
	switch kind {
	case stores.NotifyNewMessage, stores.NotifyCommand, stores.NotifyNewOrder,
		stores.NotifyDelivery, stores.NotifyRaise, stores.NotifyReview,
		stores.NotifyLotsRestore, stores.NotifyLotsDisable,
		stores.NotifyCritical, stores.NotifyAnnouncement:
	default:
		b.reply(chatID, "Неизвестный вид уведомлений: "+args)
		return
	}
	state, err := b.routing.Toggle(chatID, kind)
	if err != nil {
		b.reply(chatID, "Не сохранено: "+err.Error())
		return
	}
	if state {
		b.reply(chatID, "Уведомления «"+string(kind)+"» включены.")
	} else {
		b.reply(chatID, "Уведомления «"+string(kind)+"» выключены.")
	}
}

// cmdFlag переключает функциональный флаг основного конфига.
func (b *Bot) cmdFlag(chatID int64, flag string) {
	var state bool
	err := b.cfg.UpdateMain(func(cfg *config.MainConfig) {
		switch flag {
		case "autoRaise":
			cfg.FunPay.AutoRaise = !cfg.FunPay.AutoRaise
			state = cfg.FunPay.AutoRaise
		case "autoResponse":
			cfg.FunPay.AutoResponse = !cfg.FunPay.AutoResponse
			state = cfg.FunPay.AutoResponse
		case "autoDelivery":
			cfg.FunPay.AutoDelivery = !cfg.FunPay.AutoDelivery
			state = cfg.FunPay.AutoDelivery
		}
	})
	if err != nil {
		b.reply(chatID, "Не сохранено: "+err.Error())
		return
	}
	if state {
		b.reply(chatID, flag+" включён.")
	} else {
		b.reply(chatID, flag+" выключен.")
	}
}

// Package app — верхний уровень сборки агента. Здесь связываются клиент
// биржи, раннер событий, диспетчер с цепочками обработчиков, планировщик
// поднятия, контрольный канал и инфраструктурные сервисы; отсюда стартуют
// циклы и обеспечивается корректный shutdown.
package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/kr/pretty"

	"funpay-agent/internal/adapters/funpay"
	"funpay-agent/internal/adapters/telegram"
	"funpay-agent/internal/domain/dispatch"
	"funpay-agent/internal/domain/handlers"
	"funpay-agent/internal/domain/inventory"
	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/domain/raise"
	"funpay-agent/internal/domain/runner"
	"funpay-agent/internal/infra/cache"
	"funpay-agent/internal/infra/clock"
	"funpay-agent/internal/infra/concurrency"
	"funpay-agent/internal/infra/config"
	"funpay-agent/internal/infra/logger"
	"funpay-agent/internal/infra/stores"
)

const (
	// dedupWindowSec — окно идемпотентности событий сообщений.
	dedupWindowSec = 3600
	// poolWorkers — воркеров пула цепочек событий.
	poolWorkers = 20
	// poolQueue — ёмкость очереди пула.
	poolQueue = 64
)

// App агрегирует зависимости агента и управляет их связью.
type App struct {
	cfg        *config.Manager
	mainCtx    context.Context
	mainCancel context.CancelFunc

	client     *funpay.Client
	sender     *Sender
	dedup      *concurrency.Deduplicator
	pool       *concurrency.Pool
	events     *runner.Runner
	dispatcher *dispatch.Dispatcher
	handlers   *handlers.Handlers
	raise      *raise.Scheduler
	rates      *RateService
	supervisor *Supervisor
	state      *cache.Cache

	blacklist *stores.Blacklist
	greeted   *stores.GreetedUsers
	templates *stores.Templates
	auth      *stores.AuthorizedChats
	routing   *stores.NotificationRouting
	proxies   *stores.ProxyList

	bot *telegram.Bot // nil — контрольный канал выключен
}

// NewApp создаёт каркас приложения; фактическая сборка — в Run.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, cfg *config.Manager) *App {
	return &App{cfg: cfg, mainCtx: mainCtx, mainCancel: mainCancel}
}

// Run собирает агента, запускает сервисы и блокируется до завершения.
func (a *App) Run() error {
	logger.Info("agent initializing...")
	paths := a.cfg.Paths()

	if err := a.openStores(paths); err != nil {
		return err
	}
	defer func() {
		if a.state != nil {
			_ = a.state.Close()
		}
	}()

	main := a.cfg.Main()
	dumpConfig(main)
	proxyURL, err := a.buildProxy(main)
	if err != nil {
		return err
	}
	a.client = funpay.NewClient(funpay.Options{
		GoldenKey:     main.FunPay.GoldenKey,
		UserAgent:     main.FunPay.UserAgent,
		RequestsDelay: main.Other.RequestsDelay,
		Proxy:         proxyURL,
	})

	if err := a.initialSetup(); err != nil {
		return err
	}
	logger.Infof("logged in as %s (id %d)", a.client.Username(), a.client.UserID())

	a.dedup = concurrency.NewDeduplicator(dedupWindowSec)
	a.pool = concurrency.NewPool(poolWorkers, poolQueue)
	a.events = runner.New(runner.Options{
		Source:        a.client,
		Dedup:         a.dedup,
		RequestsDelay: float64(main.Other.RequestsDelay),
	})
	a.sender = NewSender(a.client, a.cfg, a.events)
	a.rates = NewRateService(a.client, a.state, nil)

	// Контрольный канал поднимается до обработчиков: он же их нотификатор.
	var notify handlers.Notifier
	if main.Telegram.Enabled && main.Telegram.Token != "" {
		bot, err := telegram.New(telegram.Options{
			Token:     main.Telegram.Token,
			Cfg:       a.cfg,
			Agent:     a,
			Auth:      a.auth,
			Routing:   a.routing,
			Templates: a.templates,
			Blacklist: a.blacklist,
		})
		if err != nil {
			return errors.Wrap(err, "init control channel")
		}
		a.bot = bot
		notify = bot
	}

	a.dispatcher = dispatch.New(a.pool)
	a.handlers = handlers.New(handlers.Deps{
		Cfg:       a.cfg,
		Sender:    a.sender,
		Client:    a.client,
		Inventory: inventory.NewEngine(),
		Cache:     a.state,
		Blacklist: a.blacklist,
		Greeted:   a.greeted,
		Notify:    notify,
		Orders:    a.dispatcher,
		Paths:     paths,
	})
	a.wireChains()

	var raiseNotify raise.Notifier
	if a.bot != nil {
		raiseNotify = a.bot
	}
	a.raise = raise.New(a.client, a.state, raiseNotify,
		func() bool { return a.cfg.Main().FunPay.AutoRaise }, nil)

	var supNotify SupervisorNotifier
	if a.bot != nil {
		supNotify = a.bot
	}
	a.supervisor = NewSupervisor(a.client, a.events, a.raise, supNotify, clock.System())

	return a.runServices()
}

// openStores открывает файл состояния и JSON-хранилища.
func (a *App) openStores(paths config.Paths) error {
	var err error
	if a.state, err = cache.Open(paths.StateDB(), nil); err != nil {
		return errors.Wrap(err, "open state")
	}
	if a.blacklist, err = stores.OpenBlacklist(paths.CacheFile("blacklist.json")); err != nil {
		return errors.Wrap(err, "open blacklist")
	}
	if a.greeted, err = stores.OpenGreetedUsers(paths.CacheFile("old_users.json")); err != nil {
		return errors.Wrap(err, "open greeted users")
	}
	if a.templates, err = stores.OpenTemplates(paths.CacheFile("answer_templates.json")); err != nil {
		return errors.Wrap(err, "open templates")
	}
	if a.auth, err = stores.OpenAuthorizedChats(paths.CacheFile("tg_authorized_users.json")); err != nil {
		return errors.Wrap(err, "open authorized chats")
	}
	if a.routing, err = stores.OpenNotificationRouting(paths.CacheFile("notifications.json")); err != nil {
		return errors.Wrap(err, "open notification routing")
	}
	if a.proxies, err = stores.OpenProxyList(paths.CacheFile("proxy_dict.json")); err != nil {
		return errors.Wrap(err, "open proxy list")
	}
	return nil
}

// buildProxy выбирает прокси: выбранный в хранилище имеет приоритет над
// статической настройкой конфига.
func (a *App) buildProxy(main config.MainConfig) (*url.URL, error) {
	raw := a.proxies.Current()
	if raw == "" && main.Proxy.Enable && main.Proxy.IP != "" {
		raw = main.Proxy.IP + ":" + main.Proxy.Port
		if main.Proxy.Login != "" {
			raw = main.Proxy.Login + ":" + main.Proxy.Password + "@" + raw
		}
	}
	if raw == "" {
		return nil, nil
	}
	if !hasScheme(raw) {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse proxy")
	}
	return u, nil
}

func hasScheme(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i+2 < len(s) && s[i+1] == '/' && s[i+2] == '/'
		}
		if s[i] == '@' || s[i] == '.' {
			return false
		}
	}
	return false
}

// initialSetup выполняет первичный вход: транспортные сбои терпятся,
// недействительный ключ фатален на старте.
func (a *App) initialSetup() error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		lastErr = a.client.Setup(a.mainCtx)
		if lastErr == nil {
			return nil
		}
		if isUnauthorized(lastErr) {
			return errors.Wrap(lastErr, "golden key rejected")
		}
		logger.Warnf("initial login attempt %d failed: %v", attempt, lastErr)
		sleepCtx(a.mainCtx, 5*time.Second)
	}
	return errors.Wrap(lastErr, "initial login")
}

// wireChains регистрирует цепочки обработчиков. Порядок регистрации — это
// порядок выполнения внутри события.
func (a *App) wireChains() {
	h := a.handlers
	a.dispatcher.OnInitialChat(h.MarkKnownChat)
	a.dispatcher.OnLastChatMessageChanged(h.LogChatActivity)
	a.dispatcher.OnOrdersListChanged(h.LogOrdersCounters)

	a.dispatcher.OnNewMessage(h.LogMessage)
	a.dispatcher.OnNewMessage(h.Greet)
	a.dispatcher.OnNewMessage(h.AutoReply)
	a.dispatcher.OnNewMessage(h.TestDelivery)
	a.dispatcher.OnNewMessage(h.ProcessReview)
	a.dispatcher.OnNewMessage(h.NotifyNewMessage)

	a.dispatcher.OnNewOrder(h.ClassifyOrder)
	a.dispatcher.OnNewOrder(h.DeliverOrder)
	a.dispatcher.OnNewOrder(h.UpdateLotStates)
	a.dispatcher.OnNewOrder(h.NotifyNewOrder)

	a.dispatcher.OnOrderStatusChanged(h.ThankOnConfirm)
}

// runServices запускает сервисы в прямом порядке, блокируется на
// супервизоре и останавливает всё в обратном порядке.
func (a *App) runServices() error {
	ctx, cancel := context.WithCancel(a.mainCtx)
	defer cancel()

	logger.Debug("starting service deduplicator")
	a.dedup.Start(ctx)
	logger.Debug("service deduplicator started")

	logger.Debug("starting service worker_pool")
	a.pool.Start(ctx)
	logger.Debug("service worker_pool started")

	logger.Debug("starting service dispatcher")
	go a.dispatcher.Run(ctx, a.events.Events())
	logger.Debug("service dispatcher started")

	if a.bot != nil {
		logger.Debug("starting service control_channel")
		go func() {
			if err := a.bot.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("control channel stopped: %v", err)
			}
		}()
		logger.Debug("service control_channel started")
	}

	logger.Debug("starting service backup")
	go backupLoop(ctx, a.cfg.Paths())
	logger.Debug("service backup started")

	if a.cfg.Main().Proxy.Check {
		logger.Debug("starting service proxy_check")
		go a.proxyCheckLoop(ctx)
		logger.Debug("service proxy_check started")
	}

	logger.Info("agent running...")
	err := a.supervisor.Run(ctx)
	cancel()

	logger.Debug("stopping service worker_pool")
	a.pool.Stop()
	logger.Debug("service worker_pool stopped")

	logger.Debug("stopping service deduplicator")
	a.dedup.Stop()
	logger.Debug("service deduplicator stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// proxyCheckLoop периодически проверяет работоспособность прокси.
// IP в журнале маскируется до первых двух октетов.
func (a *App) proxyCheckLoop(ctx context.Context) {
	main := a.cfg.Main()
	interval := time.Duration(main.Proxy.CheckInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			proxyURL, err := a.buildProxy(a.cfg.Main())
			if err != nil || proxyURL == nil {
				continue
			}
			ip, err := funpay.CheckProxy(ctx, proxyURL)
			if err != nil {
				logger.Errorf("proxy check failed: %v", err)
				if a.bot != nil {
					a.bot.Notify(stores.NotifyCritical, "⚠️ Прокси не отвечает: "+err.Error())
				}
				continue
			}
			logger.Debugf("proxy alive, external ip %s", maskIP(ip))
		}
	}
}

// dumpConfig пишет действующий конфиг в debug-лог с замазанными секретами.
func dumpConfig(main config.MainConfig) {
	main.FunPay.GoldenKey = "***"
	main.Telegram.Token = "***"
	main.Telegram.SecretKeyHash = "***"
	main.Proxy.Password = "***"
	logger.Debugf("effective config: %# v", pretty.Formatter(main))
}

// maskIP оставляет от адреса два первых октета.
func maskIP(ip string) string {
	parts := 0
	for i := 0; i < len(ip); i++ {
		if ip[i] == '.' {
			parts++
			if parts == 2 {
				return ip[:i] + ".*.*"
			}
		}
	}
	return "*"
}

// --- действия контрольного канала ---

// SendToChat отвечает в чат биржи от имени агента.
func (a *App) SendToChat(ctx context.Context, chatID int64, text string) error {
	return a.sender.Send(ctx, chatID, text)
}

// Refund возвращает деньги по заказу.
func (a *App) Refund(ctx context.Context, orderID string) error {
	return a.client.Refund(ctx, orderID)
}

// Balance возвращает баланс аккаунта.
func (a *App) Balance(ctx context.Context) (market.Balance, error) {
	return a.client.GetBalance(ctx)
}

// RegisterTestKey создаёт одноразовый ключ тестовой автовыдачи.
func (a *App) RegisterTestKey(lotTitle string) (string, error) {
	return a.handlers.RegisterTestKey(lotTitle)
}

// Forecast строит прогноз вывода средств; суммы разных валют сводятся к
// валюте аккаунта по сверенному курсу.
func (a *App) Forecast(ctx context.Context) (string, error) {
	return WithdrawalForecast(ctx, a.client, a.rates, a.client.Currency())
}

// Status описывает состояние агента.
func (a *App) Status() string {
	return fmt.Sprintf("Агент %s (id %d): %s",
		a.client.Username(), a.client.UserID(), a.supervisor.State())
}

// UpdateGoldenKey заменяет golden key на лету: новый ключ пишется в конфиг,
// клиент перелогинивается, курсоры раннера пересеваются.
func (a *App) UpdateGoldenKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("empty golden key")
	}
	if err := a.cfg.UpdateMain(func(cfg *config.MainConfig) {
		cfg.FunPay.GoldenKey = key
	}); err != nil {
		return errors.Wrap(err, "persist golden key")
	}
	a.client.SetGoldenKey(key)
	if err := a.client.Setup(ctx); err != nil {
		return errors.Wrap(err, "login with new key")
	}
	a.events.Reset()
	logger.Info("golden key replaced, session re-established")
	return nil
}

// UpdateProxy переключает прокси на лету: адрес попадает в список прокси и
// выбирается текущим, клиент пересобирает транспорт и перелогинивается.
// "off" выключает прокси.
func (a *App) UpdateProxy(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty proxy address")
	}
	if raw == "off" {
		if err := a.proxies.Select(-1); err != nil {
			return errors.Wrap(err, "persist proxy choice")
		}
		a.client.SetProxy(nil)
		logger.Info("proxy disabled")
		return nil
	}
	if !hasScheme(raw) {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "parse proxy")
	}
	if err := a.proxies.Add(raw); err != nil {
		return errors.Wrap(err, "persist proxy")
	}
	if err := a.proxies.Select(len(a.proxies.All()) - 1); err != nil {
		return errors.Wrap(err, "persist proxy choice")
	}
	a.client.SetProxy(u)
	if err := a.client.Setup(ctx); err != nil {
		return errors.Wrap(err, "login through new proxy")
	}
	a.events.Reset()
	logger.Infof("proxy switched to %s", maskIP(u.Hostname()))
	return nil
}

package handlers_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"funpay-agent/internal/domain/handlers"
	"funpay-agent/internal/domain/inventory"
	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/config"
	"funpay-agent/internal/infra/stores"
)

// mainCfgBase — минимальный валидный _main.cfg; тесты включают нужные
// функции через UpdateMain.
const mainCfgBase = `[FunPay]
golden_key: testkey
user_agent: Mozilla/5.0
autoRaise: 0
autoResponse: 0
autoDelivery: 0
multiDelivery: 0
autoRestore: 0
autoDisable: 0

[Telegram]
enabled: 0
token:
secretKeyHash:

[BlockList]
blockDelivery: 0
blockResponse: 0
blockNewMessageNotification: 0
blockNewOrderNotification: 0
blockCommandNotification: 0

[NewMessageView]
includeMyMessages: 0
includeFPMessages: 0
includeBotMessages: 0
notifyOnlyMyMessages: 0
notifyOnlyFPMessages: 0
notifyOnlyBotMessages: 0

[Greetings]
sendGreetings: 0
greetingsText:

[OrderConfirm]
sendReply: 0
replyText:

[ReviewReply]
star1Reply: 0
star1ReplyText:
star2Reply: 0
star2ReplyText:
star3Reply: 0
star3ReplyText:
star4Reply: 0
star4ReplyText:
star5Reply: 0
star5ReplyText:

[Proxy]
enable: 0
ip:
port:
login:
password:
check: 0

[Other]
requestsDelay: 1
`

type sentMessage struct {
	chatID int64
	text   string
	plain  bool
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (s *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	return s.record(chatID, text, false)
}

func (s *fakeSender) SendPlain(_ context.Context, chatID int64, text string) error {
	return s.record(chatID, text, true)
}

func (s *fakeSender) record(chatID int64, text string, plain bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("send failed")
	}
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text, plain: plain})
	return nil
}

func (s *fakeSender) all() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type fakeMarket struct {
	username string

	order      market.Order
	orderCalls int

	feedbackReplies []string

	profile      *market.Profile
	profileCalls int

	lotFields map[int64]market.LotFields
	savedLots []market.LotFields
}

func (m *fakeMarket) GetOrder(context.Context, string) (market.Order, error) {
	m.orderCalls++
	return m.order, nil
}

func (m *fakeMarket) SendFeedbackReply(_ context.Context, _, text string) error {
	m.feedbackReplies = append(m.feedbackReplies, text)
	return nil
}

func (m *fakeMarket) GetProfile(context.Context) (*market.Profile, error) {
	m.profileCalls++
	return m.profile, nil
}

func (m *fakeMarket) GetLotFields(_ context.Context, lotID int64) (market.LotFields, error) {
	return m.lotFields[lotID], nil
}

func (m *fakeMarket) SaveLot(_ context.Context, fields market.LotFields) error {
	m.savedLots = append(m.savedLots, fields)
	return nil
}

func (m *fakeMarket) Username() string { return m.username }

type fakeResolver struct {
	orders map[string]market.Order
}

func (r *fakeResolver) PutOrder(o market.Order) error {
	r.orders[o.ID] = o
	return nil
}

func (r *fakeResolver) GetOrder(id string, _ time.Duration) (market.Order, bool) {
	o, ok := r.orders[id]
	return o, ok
}

func (r *fakeResolver) DeleteOrder(id string) error {
	delete(r.orders, id)
	return nil
}

type notification struct {
	kind stores.NotificationKind
	text string
}

type fakeNotifier struct {
	notes []notification
}

func (n *fakeNotifier) Notify(kind stores.NotificationKind, text string) {
	n.notes = append(n.notes, notification{kind: kind, text: text})
}

type env struct {
	h      *handlers.Handlers
	cfg    *config.Manager
	sender *fakeSender
	client *fakeMarket
	cache  *fakeResolver
	notify *fakeNotifier
	black  *stores.Blacklist
	paths  config.Paths
}

// newEnv поднимает обработчики поверх временного каталога с конфигами.
// deliveryCfg — содержимое auto_delivery.cfg, products — файлы товаров,
// которые должны существовать до загрузки конфига.
func newEnv(t *testing.T, deliveryCfg string, products map[string]string) *env {
	t.Helper()

	paths, err := config.NewPaths(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, paths.MainConfig(), mainCfgBase)
	if deliveryCfg != "" {
		writeFile(t, paths.AutoDelivery(), deliveryCfg)
	}
	for name, content := range products {
		writeFile(t, paths.ProductFile(name), content)
	}

	cfg, err := config.Load(paths)
	if err != nil {
		t.Fatalf("config.Load() error: %v", err)
	}

	greeted, err := stores.OpenGreetedUsers(paths.CacheFile("old_users.json"))
	if err != nil {
		t.Fatal(err)
	}
	black, err := stores.OpenBlacklist(paths.CacheFile("blacklist.json"))
	if err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	client := &fakeMarket{username: "seller9"}
	cache := &fakeResolver{orders: make(map[string]market.Order)}
	notify := &fakeNotifier{}

	h := handlers.New(handlers.Deps{
		Cfg:       cfg,
		Sender:    sender,
		Client:    client,
		Inventory: inventory.NewEngine(),
		Cache:     cache,
		Blacklist: black,
		Greeted:   greeted,
		Notify:    notify,
		Paths:     paths,
		Now:       func() time.Time { return time.Unix(1766000000, 0) },
	})
	return &env{h: h, cfg: cfg, sender: sender, client: client, cache: cache,
		notify: notify, black: black, paths: paths}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func update(t *testing.T, cfg *config.Manager, mutate func(*config.MainConfig)) {
	t.Helper()
	if err := cfg.UpdateMain(mutate); err != nil {
		t.Fatalf("UpdateMain() error: %v", err)
	}
}

func messageEvent(m market.Message) *market.NewMessageEvent {
	return &market.NewMessageEvent{EventBase: market.EventBase{Tag: "t"}, Message: m}
}

func orderEvent(tag string, o market.OrderShortcut) *market.NewOrderEvent {
	return &market.NewOrderEvent{
		EventBase: market.EventBase{Tag: tag},
		Order:     o,
		State:     &market.OrderEventState{GoodsLeft: -1},
	}
}

// --- приветствия ---

func TestGreetFirstMessageOnly(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.Greetings.SendGreetings = true
		c.Greetings.GreetingsText = "Привет, $chat_id!"
	})

	msg := market.Message{ID: 1, ChatID: 5001, ChatName: "buyer1", Author: "buyer1", AuthorID: 200, Text: "здравствуйте"}
	if err := e.h.Greet(context.Background(), messageEvent(msg)); err != nil {
		t.Fatalf("Greet() error: %v", err)
	}
	sent := e.sender.all()
	if len(sent) != 1 || sent[0].chatID != 5001 || sent[0].text != "Привет, 5001!" {
		t.Fatalf("greeting = %+v", sent)
	}

	// Повтор в пределах кулдауна молчит.
	msg.ID = 2
	if err := e.h.Greet(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 1 {
		t.Fatalf("second message produced another greeting: %+v", got)
	}
}

func TestGreetOwnMessageMarksKnown(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.Greetings.SendGreetings = true
		c.Greetings.GreetingsText = "Привет!"
	})

	// Своё сообщение в чате: диалог уже идёт, приветствие не нужно.
	own := market.Message{ID: 1, ChatID: 5001, ChatName: "buyer1", Author: "seller9", AuthorID: 100, Text: "добрый день", ByBot: true}
	if err := e.h.Greet(context.Background(), messageEvent(own)); err != nil {
		t.Fatal(err)
	}
	foreign := market.Message{ID: 2, ChatID: 5001, ChatName: "buyer1", Author: "buyer1", AuthorID: 200, Text: "здравствуйте"}
	if err := e.h.Greet(context.Background(), messageEvent(foreign)); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 0 {
		t.Fatalf("known user got greeted: %+v", got)
	}
}

func TestGreetKeyedByChat(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.Greetings.SendGreetings = true
		c.Greetings.GreetingsText = "Привет!"
	})

	msg := market.Message{ID: 1, ChatID: 5001, ChatName: "buyer1", Author: "buyer1", AuthorID: 200, Text: "привет"}
	if err := e.h.Greet(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}

	// Собеседник переименовался: чат тот же, повторного приветствия нет.
	renamed := market.Message{ID: 2, ChatID: 5001, ChatName: "buyer1_new", Author: "buyer1_new", AuthorID: 200, Text: "ещё раз привет"}
	if err := e.h.Greet(context.Background(), messageEvent(renamed)); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 1 {
		t.Fatalf("renamed user got greeted again: %+v", got)
	}

	// Другой чат с тем же именем — другой собеседник.
	other := market.Message{ID: 3, ChatID: 5002, ChatName: "buyer1", Author: "buyer1", AuthorID: 201, Text: "привет"}
	if err := e.h.Greet(context.Background(), messageEvent(other)); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 2 || got[1].chatID != 5002 {
		t.Fatalf("second chat was not greeted: %+v", got)
	}
}

func TestMarkKnownChatSuppressesGreeting(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.Greetings.SendGreetings = true
		c.Greetings.GreetingsText = "Привет!"
	})

	// Чат первого цикла: диалог существовал до запуска агента.
	ev := market.InitialChatEvent{
		EventBase: market.EventBase{Tag: "t"},
		Chat:      market.ChatShortcut{ID: 5001, Name: "buyer1"},
	}
	if err := e.h.MarkKnownChat(context.Background(), ev); err != nil {
		t.Fatalf("MarkKnownChat() error: %v", err)
	}

	msg := market.Message{ID: 1, ChatID: 5001, ChatName: "buyer1", Author: "buyer1", AuthorID: 200, Text: "здравствуйте"}
	if err := e.h.Greet(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 0 {
		t.Fatalf("pre-existing chat got greeted: %+v", got)
	}
}

func TestGreetSkipsPurchaseNotice(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.Greetings.SendGreetings = true
		c.Greetings.GreetingsText = "Привет!"
	})

	msg := market.Message{ID: 1, ChatID: 5001, ChatName: "buyer1", Author: "FunPay",
		Text: "Покупатель buyer1 оплатил заказ #A1B2C3D4.", Type: market.MessageOrderPurchased}
	if err := e.h.Greet(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 0 {
		t.Fatalf("purchase notice got greeted: %+v", got)
	}
}

// --- автоответ ---

const autoReplyCfg = `[!команды]
response: Доступные команды: !помощь
`

func TestAutoReplyCommand(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	writeFile(t, e.paths.AutoResponse(), autoReplyCfg)
	cfg, err := config.Load(e.paths)
	if err != nil {
		t.Fatal(err)
	}
	e.h.Cfg = cfg
	update(t, cfg, func(c *config.MainConfig) { c.FunPay.AutoResponse = true })

	// Команда нормализуется: регистр и края не важны.
	msg := market.Message{ID: 1, ChatID: 5001, Author: "buyer1", AuthorID: 200, Text: "  !Команды  "}
	if err := e.h.AutoReply(context.Background(), messageEvent(msg)); err != nil {
		t.Fatalf("AutoReply() error: %v", err)
	}
	sent := e.sender.all()
	if len(sent) != 1 || sent[0].text != "Доступные команды: !помощь" {
		t.Fatalf("auto-reply = %+v", sent)
	}

	// Не-команда игнорируется.
	msg.Text = "а когда будет выдача?"
	if err := e.h.AutoReply(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 1 {
		t.Fatalf("non-command answered: %+v", got)
	}
}

func TestAutoReplyBlacklist(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	writeFile(t, e.paths.AutoResponse(), autoReplyCfg)
	cfg, err := config.Load(e.paths)
	if err != nil {
		t.Fatal(err)
	}
	e.h.Cfg = cfg
	update(t, cfg, func(c *config.MainConfig) {
		c.FunPay.AutoResponse = true
		c.BlockList.BlockResponse = true
	})
	if err := e.black.Add("cheater1"); err != nil {
		t.Fatal(err)
	}

	msg := market.Message{ID: 1, ChatID: 5001, Author: "cheater1", AuthorID: 300, Text: "!команды"}
	if err := e.h.AutoReply(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 0 {
		t.Fatalf("blacklisted user got an answer: %+v", got)
	}
}

// --- автовыдача ---

const steamDeliveryCfg = `[Ключи Steam]
response: Ваш товар: $product
productsFileName: steam.txt
`

func TestDeliverOrderFromFile(t *testing.T) {
	t.Parallel()

	e := newEnv(t, steamDeliveryCfg, map[string]string{"steam.txt": "key1\nkey2\n"})
	update(t, e.cfg, func(c *config.MainConfig) { c.FunPay.AutoDelivery = true })

	ev := orderEvent("t1", market.OrderShortcut{
		ID: "AAAA1111", Description: "Ключи Steam", BuyerUsername: "buyer1", ChatID: 5001, Amount: 1,
	})
	if err := e.h.ClassifyOrder(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if !ev.State.RuleMatched || ev.State.RuleLotTitle != "Ключи Steam" {
		t.Fatalf("classify state = %+v", ev.State)
	}
	if err := e.h.DeliverOrder(context.Background(), ev); err != nil {
		t.Fatalf("DeliverOrder() error: %v", err)
	}

	sent := e.sender.all()
	if len(sent) != 1 || sent[0].text != "Ваш товар: key1" {
		t.Fatalf("delivery message = %+v", sent)
	}
	if !ev.State.Delivered || ev.State.GoodsDelivered != 1 || ev.State.GoodsLeft != 1 {
		t.Fatalf("delivery state = %+v", ev.State)
	}

	data, err := os.ReadFile(e.paths.ProductFile("steam.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "key2\n" {
		t.Fatalf("products file after delivery = %q", data)
	}

	if len(e.notify.notes) != 1 || e.notify.notes[0].kind != stores.NotifyDelivery {
		t.Fatalf("notifications = %+v", e.notify.notes)
	}
}

func TestDeliverMultiAmount(t *testing.T) {
	t.Parallel()

	e := newEnv(t, steamDeliveryCfg, map[string]string{"steam.txt": "key1\nkey2\nkey3\n"})
	update(t, e.cfg, func(c *config.MainConfig) {
		c.FunPay.AutoDelivery = true
		c.FunPay.MultiDelivery = true
	})

	ev := orderEvent("t1", market.OrderShortcut{
		ID: "AAAA1111", Description: "Ключи Steam", BuyerUsername: "buyer1", ChatID: 5001, Amount: 2,
	})
	if err := e.h.ClassifyOrder(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := e.h.DeliverOrder(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	sent := e.sender.all()
	if len(sent) != 1 || sent[0].text != "Ваш товар: key1\nkey2" {
		t.Fatalf("multi delivery message = %+v", sent)
	}
	if ev.State.GoodsDelivered != 2 || ev.State.GoodsLeft != 1 {
		t.Fatalf("multi delivery state = %+v", ev.State)
	}
}

func TestDeliverSendFailureReturnsGoods(t *testing.T) {
	t.Parallel()

	e := newEnv(t, steamDeliveryCfg, map[string]string{"steam.txt": "key1\nkey2\n"})
	update(t, e.cfg, func(c *config.MainConfig) { c.FunPay.AutoDelivery = true })
	e.sender.fail = true

	ev := orderEvent("t1", market.OrderShortcut{
		ID: "AAAA1111", Description: "Ключи Steam", BuyerUsername: "buyer1", ChatID: 5001, Amount: 1,
	})
	if err := e.h.ClassifyOrder(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := e.h.DeliverOrder(context.Background(), ev); err == nil {
		t.Fatal("DeliverOrder() = nil, want send error")
	}
	if !ev.State.Error {
		t.Fatalf("state after failed send = %+v", ev.State)
	}

	// Изъятый товар вернулся в начало файла.
	data, err := os.ReadFile(e.paths.ProductFile("steam.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "key1\nkey2\n" {
		t.Fatalf("products file after failed send = %q", data)
	}
}

func TestDeliverBlacklistedBuyer(t *testing.T) {
	t.Parallel()

	e := newEnv(t, steamDeliveryCfg, map[string]string{"steam.txt": "key1\n"})
	update(t, e.cfg, func(c *config.MainConfig) {
		c.FunPay.AutoDelivery = true
		c.BlockList.BlockDelivery = true
	})
	if err := e.black.Add("cheater1"); err != nil {
		t.Fatal(err)
	}

	ev := orderEvent("t1", market.OrderShortcut{
		ID: "AAAA1111", Description: "Ключи Steam", BuyerUsername: "cheater1", ChatID: 5001, Amount: 1,
	})
	if err := e.h.ClassifyOrder(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := e.h.DeliverOrder(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 0 {
		t.Fatalf("blacklisted buyer got delivery: %+v", got)
	}
	if ev.State.Delivered {
		t.Fatal("state marked delivered for skipped delivery")
	}
}

func TestTestDeliveryOneTimeKey(t *testing.T) {
	t.Parallel()

	e := newEnv(t, steamDeliveryCfg, map[string]string{"steam.txt": "key1\nkey2\n"})

	key, err := e.h.RegisterTestKey("Ключи Steam")
	if err != nil {
		t.Fatalf("RegisterTestKey() error: %v", err)
	}

	msg := market.Message{ID: 1, ChatID: 7007, Author: "tester1", AuthorID: 400, Text: "!автовыдача " + key}
	if err := e.h.TestDelivery(context.Background(), messageEvent(msg)); err != nil {
		t.Fatalf("TestDelivery() error: %v", err)
	}
	sent := e.sender.all()
	if len(sent) != 1 || sent[0].chatID != 7007 || sent[0].text != "Ваш товар: key1" {
		t.Fatalf("test delivery = %+v", sent)
	}

	// Ключ одноразовый.
	msg.ID = 2
	if err := e.h.TestDelivery(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 1 {
		t.Fatalf("reused key delivered again: %+v", got)
	}
}

type fakeOrderSink struct {
	events []market.Event
}

func (s *fakeOrderSink) Dispatch(ev market.Event) { s.events = append(s.events, ev) }

func TestTestDeliveryFeedsOrderChain(t *testing.T) {
	t.Parallel()

	e := newEnv(t, steamDeliveryCfg, map[string]string{"steam.txt": "key1\n"})
	sink := &fakeOrderSink{}
	e.h.Orders = sink

	key, err := e.h.RegisterTestKey("Ключи Steam")
	if err != nil {
		t.Fatal(err)
	}
	msg := market.Message{ID: 1, ChatID: 7007, Author: "tester1", AuthorID: 400, Text: "!автовыдача " + key}
	if err := e.h.TestDelivery(context.Background(), messageEvent(msg)); err != nil {
		t.Fatalf("TestDelivery() error: %v", err)
	}

	// Прямой выдачи нет: синтетический заказ ушёл в диспетчер.
	if got := e.sender.all(); len(got) != 0 {
		t.Fatalf("test delivery bypassed the order chain: %+v", got)
	}
	if len(sink.events) != 1 {
		t.Fatalf("dispatched events = %+v", sink.events)
	}
	ev, ok := sink.events[0].(*market.NewOrderEvent)
	if !ok {
		t.Fatalf("dispatched event = %T", sink.events[0])
	}
	if ev.Order.ID != "ADTEST00" || ev.Order.Description != "Ключи Steam" ||
		ev.Order.ChatID != 7007 || ev.Order.BuyerUsername != "tester1" {
		t.Fatalf("synthetic order = %+v", ev.Order)
	}

	// Цепочка заказов выдаёт тестовый заказ даже при выключенной автовыдаче.
	if err := e.h.ClassifyOrder(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := e.h.DeliverOrder(context.Background(), ev); err != nil {
		t.Fatalf("DeliverOrder() error: %v", err)
	}
	sent := e.sender.all()
	if len(sent) != 1 || sent[0].chatID != 7007 || sent[0].text != "Ваш товар: key1" {
		t.Fatalf("test delivery via chain = %+v", sent)
	}
}

// --- подтверждение заказа ---

func TestThankOnConfirm(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.OrderConfirm.SendReply = true
		c.OrderConfirm.ReplyText = "Спасибо за подтверждение, $order_id!"
	})
	if err := e.cache.PutOrder(market.Order{ID: "AAAA1111"}); err != nil {
		t.Fatal(err)
	}

	ev := market.OrderStatusChangedEvent{
		EventBase: market.EventBase{Tag: "t"},
		Order: market.OrderShortcut{ID: "AAAA1111", BuyerUsername: "buyer1",
			ChatID: 5001, Status: market.OrderStatusClosed},
	}
	if err := e.h.ThankOnConfirm(context.Background(), ev); err != nil {
		t.Fatalf("ThankOnConfirm() error: %v", err)
	}

	sent := e.sender.all()
	if len(sent) != 1 || sent[0].text != "Спасибо за подтверждение, AAAA1111!" {
		t.Fatalf("confirm reply = %+v", sent)
	}
	// Дефолт конфига — с водяным знаком.
	if sent[0].plain {
		t.Fatal("confirm reply went without watermark")
	}
	// Кэшированный снимок со старым статусом выброшен.
	if _, ok := e.cache.GetOrder("AAAA1111", time.Hour); ok {
		t.Fatal("order cache survived status change")
	}
}

func TestThankOnConfirmIgnoresOtherStatuses(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.OrderConfirm.SendReply = true
		c.OrderConfirm.ReplyText = "Спасибо!"
	})
	if err := e.cache.PutOrder(market.Order{ID: "AAAA1111"}); err != nil {
		t.Fatal(err)
	}

	ev := market.OrderStatusChangedEvent{
		EventBase: market.EventBase{Tag: "t"},
		Order:     market.OrderShortcut{ID: "AAAA1111", ChatID: 5001, Status: market.OrderStatusRefunded},
	}
	if err := e.h.ThankOnConfirm(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if got := e.sender.all(); len(got) != 0 {
		t.Fatalf("refund thanked: %+v", got)
	}
	// Кэш сбрасывается при любой смене статуса.
	if _, ok := e.cache.GetOrder("AAAA1111", time.Hour); ok {
		t.Fatal("order cache survived status change")
	}
}

// --- отзывы ---

func TestProcessReviewRepliesAndCaches(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.ReviewReply.StarReply[5] = true
		c.ReviewReply.StarReplyText[5] = "Спасибо за отзыв к заказу $order_id!"
	})
	e.client.order = market.Order{
		ID: "A1B2C3D4", BuyerUsername: "buyer1", ChatID: 5001,
		Review: &market.Review{Stars: 5, Text: "Всё отлично"},
	}

	msg := market.Message{ID: 1, ChatID: 5001, AuthorID: 0, Author: "FunPay",
		Text: "Покупатель buyer1 написал отзыв к заказу #A1B2C3D4.",
		Type: market.MessageNewFeedback}
	if err := e.h.ProcessReview(context.Background(), messageEvent(msg)); err != nil {
		t.Fatalf("ProcessReview() error: %v", err)
	}

	if len(e.client.feedbackReplies) != 1 ||
		e.client.feedbackReplies[0] != "Спасибо за отзыв к заказу A1B2C3D4!" {
		t.Fatalf("feedback replies = %+v", e.client.feedbackReplies)
	}
	if len(e.notify.notes) != 1 || e.notify.notes[0].kind != stores.NotifyReview {
		t.Fatalf("notifications = %+v", e.notify.notes)
	}
	if !strings.HasPrefix(e.notify.notes[0].text, "⭐⭐⭐⭐⭐") {
		t.Fatalf("review notification = %q", e.notify.notes[0].text)
	}

	// Правка отзыва в течение часа идёт из кэша, страница заказа не дёргается.
	edited := msg
	edited.ID = 2
	edited.Text = "Покупатель buyer1 изменил отзыв к заказу #A1B2C3D4."
	edited.Type = market.MessageFeedbackChanged
	if err := e.h.ProcessReview(context.Background(), messageEvent(edited)); err != nil {
		t.Fatal(err)
	}
	if e.client.orderCalls != 1 {
		t.Fatalf("order page fetched %d times, want 1", e.client.orderCalls)
	}
}

func TestProcessReviewStarNotConfigured(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	e.client.order = market.Order{
		ID: "A1B2C3D4", BuyerUsername: "buyer1",
		Review: &market.Review{Stars: 2, Text: "Долго"},
	}

	msg := market.Message{ID: 1, ChatID: 5001, Author: "FunPay",
		Text: "Покупатель buyer1 написал отзыв к заказу #A1B2C3D4.",
		Type: market.MessageNewFeedback}
	if err := e.h.ProcessReview(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}
	if len(e.client.feedbackReplies) != 0 {
		t.Fatalf("unconfigured star replied: %+v", e.client.feedbackReplies)
	}
	// Уведомление о отзыве уходит и без ответа.
	if len(e.notify.notes) != 1 || e.notify.notes[0].kind != stores.NotifyReview {
		t.Fatalf("notifications = %+v", e.notify.notes)
	}
}

func TestProcessReviewIgnoresOwnActions(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.ReviewReply.StarReply[5] = true
		c.ReviewReply.StarReplyText[5] = "Спасибо!"
	})

	// Собственный ответ на отзыв порождает такое же событие; реагировать
	// на него нельзя.
	msg := market.Message{ID: 1, ChatID: 5001, Author: "seller9", AuthorID: 100,
		Text: "Продавец seller9 ответил на отзыв к заказу #A1B2C3D4.",
		Type: market.MessageNewFeedback}
	if err := e.h.ProcessReview(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}
	if e.client.orderCalls != 0 || len(e.client.feedbackReplies) != 0 {
		t.Fatalf("own feedback action processed: calls=%d replies=%+v",
			e.client.orderCalls, e.client.feedbackReplies)
	}
	if len(e.notify.notes) != 0 {
		t.Fatalf("notifications = %+v", e.notify.notes)
	}
}

func TestProcessReviewKeepsTextOnLineLimit(t *testing.T) {
	t.Parallel()

	lines := make([]string, 12)
	for i := range lines {
		lines[i] = fmt.Sprintf("строка %d", i+1)
	}

	e := newEnv(t, "", nil)
	update(t, e.cfg, func(c *config.MainConfig) {
		c.ReviewReply.StarReply[5] = true
		c.ReviewReply.StarReplyText[5] = strings.Join(lines, "\n")
	})
	e.client.order = market.Order{
		ID: "A1B2C3D4", BuyerUsername: "buyer1", ChatID: 5001,
		Review: &market.Review{Stars: 5, Text: "Отлично"},
	}

	msg := market.Message{ID: 1, ChatID: 5001, Author: "FunPay",
		Text: "Покупатель buyer1 написал отзыв к заказу #A1B2C3D4.",
		Type: market.MessageNewFeedback}
	if err := e.h.ProcessReview(context.Background(), messageEvent(msg)); err != nil {
		t.Fatal(err)
	}
	if len(e.client.feedbackReplies) != 1 {
		t.Fatalf("feedback replies = %+v", e.client.feedbackReplies)
	}
	reply := e.client.feedbackReplies[0]
	// Лишние переводы строк схлопнуты в пробелы, сам текст цел.
	want := strings.Join(lines[:9], "\n") + "\n" + strings.Join(lines[9:], " ")
	if reply != want {
		t.Fatalf("reply = %q, want %q", reply, want)
	}
	if got := strings.Count(reply, "\n"); got > 9 {
		t.Fatalf("reply has %d newlines", got)
	}
}

// --- состояние лотов ---

const lotStatesCfg = `[Ключи Steam]
response: Ваш товар: $product
productsFileName: steam.txt

[Гемы]
response: Ваши гемы: $product
productsFileName: gems.txt
`

func TestUpdateLotStates(t *testing.T) {
	t.Parallel()

	e := newEnv(t, lotStatesCfg, map[string]string{
		"steam.txt": "", // товар кончился, лот активен
		"gems.txt":  "g1\n",
	})
	update(t, e.cfg, func(c *config.MainConfig) {
		c.FunPay.AutoRestore = true
		c.FunPay.AutoDisable = true
	})

	e.client.profile = &market.Profile{
		UserID: 100, Username: "seller9",
		Categories: []market.Category{{
			ID: 1, Name: "Steam",
			Subcategories: []market.Subcategory{{
				ID: 11, Name: "Ключи", Type: market.SubcategoryCommon,
				Lots: []market.Lot{
					{ID: 7, Title: "Ключи Steam", Active: true},
					{ID: 8, Title: "Гемы", Active: false},
				},
			}},
		}},
	}
	e.client.lotFields = map[int64]market.LotFields{
		7: {LotID: 7, Fields: map[string]string{"active": "on", "csrf_token": "x"}},
		8: {LotID: 8, Fields: map[string]string{"csrf_token": "x"}},
	}

	ev := orderEvent("cycle1", market.OrderShortcut{ID: "AAAA1111", Description: "Ключи Steam"})
	if err := e.h.UpdateLotStates(context.Background(), ev); err != nil {
		t.Fatalf("UpdateLotStates() error: %v", err)
	}

	if len(e.client.savedLots) != 2 {
		t.Fatalf("saved lots = %+v", e.client.savedLots)
	}
	byID := map[int64]market.LotFields{}
	for _, f := range e.client.savedLots {
		byID[f.LotID] = f
	}
	if byID[7].Active() {
		t.Fatal("lot with empty products stayed active")
	}
	if !byID[8].Active() {
		t.Fatal("lot with restocked products stayed inactive")
	}

	kinds := map[stores.NotificationKind]bool{}
	for _, n := range e.notify.notes {
		kinds[n.kind] = true
	}
	if !kinds[stores.NotifyLotsDisable] || !kinds[stores.NotifyLotsRestore] {
		t.Fatalf("notifications = %+v", e.notify.notes)
	}

	// Повтор в той же пачке раннера не дёргает профиль ещё раз.
	ev2 := orderEvent("cycle1", market.OrderShortcut{ID: "BBBB2222", Description: "Гемы"})
	if err := e.h.UpdateLotStates(context.Background(), ev2); err != nil {
		t.Fatal(err)
	}
	if e.client.profileCalls != 1 {
		t.Fatalf("profile fetched %d times, want 1", e.client.profileCalls)
	}
}

func TestUpdateLotStatesRestoresUnlistedLot(t *testing.T) {
	t.Parallel()

	// В конфиге автовыдачи лота нет: гасить его не за что, а погашенный
	// руками или биржей лот должен подняться.
	e := newEnv(t, steamDeliveryCfg, map[string]string{"steam.txt": "key1\n"})
	update(t, e.cfg, func(c *config.MainConfig) {
		c.FunPay.AutoRestore = true
		c.FunPay.AutoDisable = true
	})

	e.client.profile = &market.Profile{
		UserID: 100, Username: "seller9",
		Categories: []market.Category{{
			ID: 1, Name: "Steam",
			Subcategories: []market.Subcategory{{
				ID: 11, Name: "Ключи", Type: market.SubcategoryCommon,
				Lots: []market.Lot{
					{ID: 7, Title: "Аккаунт с играми", Active: false},
					{ID: 8, Title: "Подарки Steam", Active: true},
				},
			}},
		}},
	}
	e.client.lotFields = map[int64]market.LotFields{
		7: {LotID: 7, Fields: map[string]string{"csrf_token": "x"}},
		8: {LotID: 8, Fields: map[string]string{"active": "on", "csrf_token": "x"}},
	}

	ev := orderEvent("cycle1", market.OrderShortcut{ID: "AAAA1111", Description: "Ключи Steam"})
	if err := e.h.UpdateLotStates(context.Background(), ev); err != nil {
		t.Fatalf("UpdateLotStates() error: %v", err)
	}

	// Поднялся только погашенный лот; активный без правила не тронут.
	if len(e.client.savedLots) != 1 || e.client.savedLots[0].LotID != 7 {
		t.Fatalf("saved lots = %+v", e.client.savedLots)
	}
	if !e.client.savedLots[0].Active() {
		t.Fatal("unlisted lot was not restored")
	}
}

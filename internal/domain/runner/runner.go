// Package runner — long-poll цикл источника событий. Раннер опрашивает биржу
// по интересам (счётчики заказов, закладки чатов), ведёт курсоры последних
// сообщений и превращает сырые ответы в типизированные события, которые
// уходят в ограниченный канал. Первый цикл только сеет курсоры: история не
// загружается, заказы помечаются как начальные.
package runner

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"funpay-agent/internal/adapters/funpay"
	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/clock"
	"funpay-agent/internal/infra/concurrency"
	"funpay-agent/internal/infra/logger"
)

const (
	// historyPack — сколько чатов обслуживается одной пачкой выборки истории.
	historyPack = 10
	// historyAttempts — попыток выборки истории одного чата.
	historyAttempts = 3
	// historyRetryGap — пауза между попытками выборки истории.
	historyRetryGap = time.Second
	// maxConsecutiveErrors — после стольких подряд неудачных циклов раннер
	// сдаётся и возвращает ошибку супервизору.
	maxConsecutiveErrors = 5
	// networkRetryGap — пауза после транспортной ошибки цикла.
	networkRetryGap = 5 * time.Second
)

// Source — операции биржи, нужные раннеру.
type Source interface {
	RunnerRequest(ctx context.Context, objects []funpay.RunnerObject, request any) (funpay.RunnerResponse, error)
	GetChatHistory(ctx context.Context, chatID int64, chatName string, interlocutorID, fromID int64) ([]market.Message, error)
	GetSales(ctx context.Context, cursor string) (string, []market.OrderShortcut, error)
	UserID() int64
}

// chatCursor — сохранённые курсоры одного чата.
type chatCursor struct {
	nodeMsgID int64
	userMsgID int64
	name      string
}

// Options — параметры раннера.
type Options struct {
	Source Source
	Dedup  *concurrency.Deduplicator
	// RequestsDelay — базовая пауза между циклами, секунды.
	RequestsDelay float64
	// EventsBuffer — ёмкость канала событий; 0 — значение по умолчанию.
	EventsBuffer int
	// Now — источник времени (для тестов).
	Now clock.Func
}

// Runner — long-poll цикл с курсорами и дедупликацией.
type Runner struct {
	source Source
	dedup  *concurrency.Deduplicator
	delay  float64
	now    clock.Func
	sleep  func(ctx context.Context, d time.Duration)

	events chan market.Event

	mu          sync.Mutex
	first       bool
	tags        map[string]string
	chats       map[int64]chatCursor
	orders      map[string]market.OrderStatus
	byBot       map[string]struct{} // "<chatID>:<msgID>" собственных отправок
	lastCounter funpay.OrdersCounters

	lastActivity atomic.Int64 // unix-секунды последнего завершённого цикла
}

// New создаёт раннер. Канал событий у раннера собственный; потребитель
// читает его через Events.
func New(opts Options) *Runner {
	buffer := opts.EventsBuffer
	if buffer <= 0 {
		buffer = 512
	}
	now := opts.Now
	if now == nil {
		now = clock.System()
	}
	delay := opts.RequestsDelay
	if delay <= 0 {
		delay = 4
	}
	return &Runner{
		source: opts.Source,
		dedup:  opts.Dedup,
		delay:  delay,
		now:    now,
		sleep:  sleepCtx,
		events: make(chan market.Event, buffer),
		first:  true,
		tags:   make(map[string]string),
		chats:  make(map[int64]chatCursor),
		orders: make(map[string]market.OrderStatus),
		byBot:  make(map[string]struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Events возвращает канал событий раннера.
func (r *Runner) Events() <-chan market.Event { return r.events }

// LastActivity возвращает момент последнего завершённого цикла.
// По нему сторожевой таймер отличает зависший цикл от живого.
func (r *Runner) LastActivity() time.Time {
	return time.Unix(r.lastActivity.Load(), 0)
}

// UpdateLastMessage продвигает курсор чата после собственной отправки:
// своё сообщение не должно порождать событие смены последнего сообщения.
func (r *Runner) UpdateLastMessage(chatID, msgID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.chats[chatID]
	if msgID > c.nodeMsgID {
		c.nodeMsgID = msgID
	}
	r.chats[chatID] = c
	r.byBot[byBotKey(chatID, msgID)] = struct{}{}
}

// Reset сбрасывает курсоры: следующий цикл снова будет посевным.
// Вызывается после восстановления из деградации.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.first = true
	r.tags = make(map[string]string)
	r.chats = make(map[int64]chatCursor)
	r.orders = make(map[string]market.OrderStatus)
}

func byBotKey(chatID, msgID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(msgID, 10)
}

// Listen крутит циклы до отмены контекста. Ошибка авторизации возвращается
// немедленно; прочие ошибки терпятся до maxConsecutiveErrors подряд.
func (r *Runner) Listen(ctx context.Context) error {
	logger.Debug("runner: listen loop started")
	defer logger.Debug("runner: listen loop stopped")

	consecutive := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.cycle(ctx)
		r.lastActivity.Store(r.now().Unix())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var unauthorized *market.UnauthorizedError
			if errors.As(err, &unauthorized) {
				return err
			}
			consecutive++
			logger.Errorf("runner: cycle failed (%d in a row): %v", consecutive, err)
			if consecutive >= maxConsecutiveErrors {
				return errors.Wrap(err, "too many consecutive runner errors")
			}
			var netErr *market.NetworkError
			if errors.As(err, &netErr) {
				r.sleep(ctx, networkRetryGap)
				continue
			}
		} else {
			consecutive = 0
		}
		r.sleep(ctx, r.cycleDelay())
	}
}

// cycleDelay возвращает паузу между циклами с лёгким дрожанием, чтобы
// запросы не шли с машинной регулярностью.
func (r *Runner) cycleDelay() time.Duration {
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(r.delay * jitter * float64(time.Second))
}

// cycle выполняет один опрос: собирает интересы, шлёт запрос, обновляет теги
// и раздаёт объекты ответа. Счётчики заказов обрабатываются раньше закладок
// чатов: события заказов должны опережать сообщения о них.
func (r *Runner) cycle(ctx context.Context) error {
	resp, err := r.source.RunnerRequest(ctx, r.interests(), nil)
	if err != nil {
		return err
	}

	var counters []funpay.RunnerUpdate
	var bookmarks []funpay.RunnerUpdate
	for _, upd := range resp.Objects {
		r.storeTag(upd)
		switch upd.Type {
		case "orders_counters":
			counters = append(counters, upd)
		case "chat_bookmarks":
			bookmarks = append(bookmarks, upd)
		}
	}

	for _, upd := range counters {
		if err := r.processOrdersCounters(ctx, upd); err != nil {
			return err
		}
	}
	for _, upd := range bookmarks {
		if err := r.processChatBookmarks(ctx, upd); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.first = false
	r.mu.Unlock()
	return nil
}

// interests собирает объекты интереса цикла: счётчики заказов, закладки
// чатов и просмотры покупателей по известным чатам.
func (r *Runner) interests() []funpay.RunnerObject {
	uid := strconv.FormatInt(r.source.UserID(), 10)
	r.mu.Lock()
	defer r.mu.Unlock()
	objs := []funpay.RunnerObject{
		{Type: "orders_counters", ID: uid, Tag: r.tagLocked("orders_counters"), Data: false},
		{Type: "chat_bookmarks", ID: uid, Tag: r.tagLocked("chat_bookmarks"), Data: false},
	}
	for chatID := range r.chats {
		id := strconv.FormatInt(chatID, 10)
		objs = append(objs, funpay.RunnerObject{
			Type: "c-p-u", ID: id, Tag: r.tagLocked("c-p-u:" + id), Data: false,
		})
	}
	return objs
}

// tagLocked возвращает сохранённый тег интереса или генерирует новый.
func (r *Runner) tagLocked(key string) string {
	if t, ok := r.tags[key]; ok {
		return t
	}
	t := randomTag()
	r.tags[key] = t
	return t
}

func (r *Runner) storeTag(upd funpay.RunnerUpdate) {
	key := upd.Type
	if upd.Type == "c-p-u" {
		var id json.Number
		_ = json.Unmarshal(upd.ID, &id)
		key += ":" + id.String()
	}
	if upd.Tag == "" {
		return
	}
	r.mu.Lock()
	r.tags[key] = upd.Tag
	r.mu.Unlock()
}

const tagAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// randomTag генерирует тег интереса в формате раннера биржи.
func randomTag() string {
	b := make([]byte, 10)
	for i := range b {
		b[i] = tagAlphabet[rand.Intn(len(tagAlphabet))]
	}
	return string(b)
}

// emit отдаёт событие в канал; при отмене контекста событие теряется вместе
// с остановкой раннера.
func (r *Runner) emit(ctx context.Context, ev market.Event) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// --- заказы ---

// processOrdersCounters обрабатывает объект счётчиков заказов: на посевном
// цикле заказы запоминаются как начальные, дальше изменение счётчиков
// порождает событие и сверку списка продаж.
func (r *Runner) processOrdersCounters(ctx context.Context, upd funpay.RunnerUpdate) error {
	var counters funpay.OrdersCounters
	if len(upd.Data) > 0 && string(upd.Data) != "false" {
		if err := json.Unmarshal(upd.Data, &counters); err != nil {
			return errors.Wrap(err, "decode orders counters")
		}
	}

	r.mu.Lock()
	first := r.first
	changed := counters != r.lastCounter
	r.lastCounter = counters
	r.mu.Unlock()

	if first {
		return r.seedOrders(ctx, upd.Tag)
	}
	if !changed {
		return nil
	}
	r.emit(ctx, market.OrdersListChangedEvent{
		EventBase: market.EventBase{Tag: upd.Tag},
		Buyer:     counters.Buyer,
		Seller:    counters.Seller,
	})
	return r.diffOrders(ctx, upd.Tag)
}

// seedOrders запоминает текущий список продаж и раздаёт начальные события.
func (r *Runner) seedOrders(ctx context.Context, tag string) error {
	_, orders, err := r.source.GetSales(ctx, "")
	if err != nil {
		return errors.Wrap(err, "seed sales list")
	}
	r.mu.Lock()
	for _, o := range orders {
		r.orders[o.ID] = o.Status
	}
	r.mu.Unlock()
	for _, o := range orders {
		r.emit(ctx, market.InitialOrderEvent{EventBase: market.EventBase{Tag: tag}, Order: o})
	}
	return nil
}

// diffOrders сверяет первую страницу продаж с сохранённым состоянием.
// Новый заказ сразу в закрытом статусе дополнительно порождает событие смены
// статуса: покупатель успел подтвердить выполнение между циклами.
func (r *Runner) diffOrders(ctx context.Context, tag string) error {
	_, orders, err := r.source.GetSales(ctx, "")
	if err != nil {
		return errors.Wrap(err, "refresh sales list")
	}
	for _, o := range orders {
		r.mu.Lock()
		prev, known := r.orders[o.ID]
		r.orders[o.ID] = o.Status
		r.mu.Unlock()

		base := market.EventBase{Tag: tag}
		switch {
		case !known:
			r.emit(ctx, &market.NewOrderEvent{
				EventBase: base,
				Order:     o,
				State:     &market.OrderEventState{GoodsLeft: -1},
			})
			if o.Status == market.OrderStatusClosed {
				r.emit(ctx, market.OrderStatusChangedEvent{EventBase: base, Order: o})
			}
		case prev != o.Status:
			r.emit(ctx, market.OrderStatusChangedEvent{EventBase: base, Order: o})
		}
	}
	return nil
}

// --- чаты ---

// processChatBookmarks обрабатывает объект закладок чатов: сверяет курсоры,
// раздаёт события смены последнего сообщения и собирает чаты, которым нужна
// выборка истории.
func (r *Runner) processChatBookmarks(ctx context.Context, upd funpay.RunnerUpdate) error {
	var bookmarks funpay.ChatBookmarks
	if err := json.Unmarshal(upd.Data, &bookmarks); err != nil {
		return errors.Wrap(err, "decode chat bookmarks")
	}
	chats, err := funpay.ParseContactItems([]byte(bookmarks.HTML))
	if err != nil {
		return errors.Wrap(err, "parse contact items")
	}

	r.mu.Lock()
	first := r.first
	r.mu.Unlock()

	if first {
		for _, c := range chats {
			r.mu.Lock()
			r.chats[c.ID] = chatCursor{nodeMsgID: c.LastNodeMsgID, userMsgID: c.LastUserMsgID, name: c.Name}
			r.mu.Unlock()
			r.emit(ctx, market.InitialChatEvent{EventBase: market.EventBase{Tag: upd.Tag}, Chat: c})
		}
		return nil
	}

	type pending struct {
		chat   market.ChatShortcut
		fromID int64
	}
	var queue []pending

	changed := false
	for _, c := range chats {
		r.mu.Lock()
		prev, known := r.chats[c.ID]
		r.mu.Unlock()
		if known && prev.nodeMsgID == c.LastNodeMsgID {
			continue
		}
		changed = true
		r.emit(ctx, market.LastChatMessageChangedEvent{EventBase: market.EventBase{Tag: upd.Tag}, Chat: c})
		fromID := prev.nodeMsgID
		r.mu.Lock()
		r.chats[c.ID] = chatCursor{nodeMsgID: c.LastNodeMsgID, userMsgID: c.LastUserMsgID, name: c.Name}
		r.mu.Unlock()
		queue = append(queue, pending{chat: c, fromID: fromID})
	}
	if changed {
		r.emit(ctx, market.ChatsListChangedEvent{EventBase: market.EventBase{Tag: upd.Tag}})
	}

	// Истории выбираются пачками, чтобы один цикл не висел на длинном
	// списке изменившихся чатов.
	for start := 0; start < len(queue); start += historyPack {
		end := start + historyPack
		if end > len(queue) {
			end = len(queue)
		}
		for _, p := range queue[start:end] {
			r.fetchHistory(ctx, upd.Tag, p.chat, p.fromID)
		}
	}
	return nil
}

// fetchHistory выбирает новые сообщения чата и раздаёт события пачкой.
// После historyAttempts неудач чат пропускается: курсор уже продвинут, пачка
// считается потерянной (дежурный компромисс против вечного перезапроса).
func (r *Runner) fetchHistory(ctx context.Context, tag string, chat market.ChatShortcut, fromID int64) {
	var messages []market.Message
	var err error
	for attempt := 1; attempt <= historyAttempts; attempt++ {
		messages, err = r.source.GetChatHistory(ctx, chat.ID, chat.Name, chat.ID, fromID)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("runner: chat %d history attempt %d failed: %v", chat.ID, attempt, err)
		if attempt < historyAttempts {
			r.sleep(ctx, historyRetryGap)
		}
	}
	if err != nil {
		logger.Errorf("runner: chat %d history dropped after %d attempts", chat.ID, historyAttempts)
		return
	}

	stack := market.NewMessageEventsStack(strconv.FormatInt(chat.ID, 10) + ":" + tag)
	for i := range messages {
		m := messages[i]
		if r.dedup != nil && r.dedup.DedupSeen(m.ChatID, m.ID) {
			continue
		}
		r.mu.Lock()
		if _, own := r.byBot[byBotKey(m.ChatID, m.ID)]; own {
			m.ByBot = true
			delete(r.byBot, byBotKey(m.ChatID, m.ID))
		}
		r.mu.Unlock()

		ev := &market.NewMessageEvent{
			EventBase: market.EventBase{Tag: tag},
			Message:   m,
			Stack:     stack,
		}
		stack.Add(ev)
		r.emit(ctx, ev)
	}
}

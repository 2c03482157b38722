package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"funpay-agent/internal/adapters/funpay"
	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/concurrency"
)

// fakeSource подменяет биржу в тестах цикла.
type fakeSource struct {
	runnerFn  func(objects []funpay.RunnerObject) (funpay.RunnerResponse, error)
	historyFn func(chatID, fromID int64) ([]market.Message, error)
	salesFn   func(cursor string) (string, []market.OrderShortcut, error)
}

func (f *fakeSource) RunnerRequest(_ context.Context, objects []funpay.RunnerObject, _ any) (funpay.RunnerResponse, error) {
	return f.runnerFn(objects)
}

func (f *fakeSource) GetChatHistory(_ context.Context, chatID int64, _ string, _, fromID int64) ([]market.Message, error) {
	if f.historyFn == nil {
		return nil, nil
	}
	return f.historyFn(chatID, fromID)
}

func (f *fakeSource) GetSales(_ context.Context, cursor string) (string, []market.OrderShortcut, error) {
	if f.salesFn == nil {
		return "", nil, nil
	}
	return f.salesFn(cursor)
}

func (f *fakeSource) UserID() int64 { return 100 }

func newTestRunner(src *fakeSource) *Runner {
	r := New(Options{Source: src, Dedup: concurrency.NewDeduplicator(3600)})
	r.sleep = func(context.Context, time.Duration) {}
	return r
}

func countersUpdate(tag string, buyer, seller int) funpay.RunnerUpdate {
	data, _ := json.Marshal(funpay.OrdersCounters{Buyer: buyer, Seller: seller})
	return funpay.RunnerUpdate{Type: "orders_counters", ID: json.RawMessage(`"100"`), Tag: tag, Data: data}
}

func bookmarksUpdate(tag, html string) funpay.RunnerUpdate {
	data, _ := json.Marshal(funpay.ChatBookmarks{HTML: html})
	return funpay.RunnerUpdate{Type: "chat_bookmarks", ID: json.RawMessage(`"100"`), Tag: tag, Data: data}
}

func contactItem(chatID, nodeMsgID int64, name, lastText string) string {
	return fmt.Sprintf(`<a class="contact-item" data-id="%d" data-node-msg="%d" data-user-msg="%d">`+
		`<div class="media-user-name">%s</div>`+
		`<div class="contact-item-message">%s</div></a>`,
		chatID, nodeMsgID, nodeMsgID, name, lastText)
}

// drainEvents вычитывает накопленные события без блокировки.
func drainEvents(r *Runner) []market.Event {
	var out []market.Event
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []market.Event) []market.EventKind {
	out := make([]market.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind())
	}
	return out
}

func TestFirstCycleSeedsWithoutHistory(t *testing.T) {
	t.Parallel()

	historyCalls := 0
	src := &fakeSource{
		runnerFn: func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
			return funpay.RunnerResponse{Objects: []funpay.RunnerUpdate{
				countersUpdate("tag1", 0, 1),
				bookmarksUpdate("tag1", contactItem(5001, 10, "buyer1", "привет")),
			}}, nil
		},
		historyFn: func(int64, int64) ([]market.Message, error) {
			historyCalls++
			return nil, nil
		},
		salesFn: func(string) (string, []market.OrderShortcut, error) {
			return "", []market.OrderShortcut{{ID: "AAAA1111", Status: market.OrderStatusPaid}}, nil
		},
	}
	r := newTestRunner(src)

	if err := r.cycle(context.Background()); err != nil {
		t.Fatalf("cycle() error: %v", err)
	}
	if historyCalls != 0 {
		t.Fatalf("seeding cycle fetched history %d times, want 0", historyCalls)
	}

	events := drainEvents(r)
	got := kinds(events)
	want := []market.EventKind{market.EventInitialOrder, market.EventInitialChat}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("seeding events = %v, want %v", got, want)
	}
}

func TestUnchangedChatSkipsHistory(t *testing.T) {
	t.Parallel()

	historyCalls := 0
	html := contactItem(5001, 10, "buyer1", "привет")
	src := &fakeSource{
		historyFn: func(int64, int64) ([]market.Message, error) {
			historyCalls++
			return nil, nil
		},
	}
	src.runnerFn = func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
		return funpay.RunnerResponse{Objects: []funpay.RunnerUpdate{
			countersUpdate("t", 0, 0),
			bookmarksUpdate("t", html),
		}}, nil
	}
	r := newTestRunner(src)

	for i := 0; i < 2; i++ {
		if err := r.cycle(context.Background()); err != nil {
			t.Fatalf("cycle() error: %v", err)
		}
	}
	if historyCalls != 0 {
		t.Fatalf("unchanged chat fetched history %d times, want 0", historyCalls)
	}

	events := drainEvents(r)
	for _, ev := range events {
		if ev.Kind() == market.EventLastChatMessageChanged {
			t.Fatal("unchanged chat produced LAST_CHAT_MESSAGE_CHANGED")
		}
	}
}

func TestChangedChatEmitsMessages(t *testing.T) {
	t.Parallel()

	node := int64(10)
	var fromSeen int64 = -1
	src := &fakeSource{
		historyFn: func(_ int64, fromID int64) ([]market.Message, error) {
			fromSeen = fromID
			return []market.Message{
				{ID: 11, ChatID: 5001, Author: "buyer1", AuthorID: 200, Text: "это ещё актуально?"},
				{ID: 12, ChatID: 5001, Author: "buyer1", AuthorID: 200, Text: "ау"},
			}, nil
		},
	}
	src.runnerFn = func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
		return funpay.RunnerResponse{Objects: []funpay.RunnerUpdate{
			countersUpdate("t", 0, 0),
			bookmarksUpdate("t", contactItem(5001, node, "buyer1", "ау")),
		}}, nil
	}
	r := newTestRunner(src)

	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	drainEvents(r)

	node = 12
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fromSeen != 10 {
		t.Fatalf("history fromID = %d, want 10 (previous cursor)", fromSeen)
	}

	events := drainEvents(r)
	var messages []*market.NewMessageEvent
	for _, ev := range events {
		if m, ok := ev.(*market.NewMessageEvent); ok {
			messages = append(messages, m)
		}
	}
	if len(messages) != 2 {
		t.Fatalf("got %d NEW_MESSAGE events, want 2", len(messages))
	}
	if messages[0].Message.ID != 11 || messages[1].Message.ID != 12 {
		t.Fatalf("message ids = %d,%d", messages[0].Message.ID, messages[1].Message.ID)
	}
	if messages[0].Stack != messages[1].Stack {
		t.Fatal("messages of one fetch are expected to share a stack")
	}
	if got := len(messages[0].Stack.Events()); got != 2 {
		t.Fatalf("stack size = %d, want 2", got)
	}

	// Повторная выдача тех же сообщений подавляется дедупликатором.
	node = 13
	src.historyFn = func(int64, int64) ([]market.Message, error) {
		return []market.Message{
			{ID: 12, ChatID: 5001, Author: "buyer1", AuthorID: 200, Text: "ау"},
			{ID: 13, ChatID: 5001, Author: "buyer1", AuthorID: 200, Text: "новое"},
		}, nil
	}
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	messages = nil
	for _, ev := range drainEvents(r) {
		if m, ok := ev.(*market.NewMessageEvent); ok {
			messages = append(messages, m)
		}
	}
	if len(messages) != 1 || messages[0].Message.ID != 13 {
		t.Fatalf("after dedup got %d messages (first id %v), want only id 13",
			len(messages), messages)
	}
}

func TestOwnSendMarksByBot(t *testing.T) {
	t.Parallel()

	node := int64(10)
	src := &fakeSource{}
	src.runnerFn = func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
		return funpay.RunnerResponse{Objects: []funpay.RunnerUpdate{
			bookmarksUpdate("t", contactItem(5001, node, "buyer1", "x")),
		}}, nil
	}
	r := newTestRunner(src)
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	drainEvents(r)

	// Собственная отправка продвигает курсор: сообщение 11 уже учтено.
	r.UpdateLastMessage(5001, 11, "ответ")

	node = 12
	src.historyFn = func(int64, int64) ([]market.Message, error) {
		return []market.Message{
			{ID: 11, ChatID: 5001, AuthorID: 100, Author: "seller", Text: "ответ"},
			{ID: 12, ChatID: 5001, AuthorID: 200, Author: "buyer1", Text: "спасибо"},
		}, nil
	}
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	var own, foreign *market.NewMessageEvent
	for _, ev := range drainEvents(r) {
		if m, ok := ev.(*market.NewMessageEvent); ok {
			switch m.Message.ID {
			case 11:
				own = m
			case 12:
				foreign = m
			}
		}
	}
	if own == nil || !own.Message.ByBot {
		t.Fatalf("own message not marked ByBot: %+v", own)
	}
	if foreign == nil || foreign.Message.ByBot {
		t.Fatalf("foreign message wrongly marked ByBot: %+v", foreign)
	}
}

func TestOrderDiff(t *testing.T) {
	t.Parallel()

	sales := []market.OrderShortcut{{ID: "AAAA1111", Status: market.OrderStatusPaid}}
	counters := funpay.OrdersCounters{Seller: 1}
	src := &fakeSource{
		salesFn: func(string) (string, []market.OrderShortcut, error) {
			return "", sales, nil
		},
	}
	src.runnerFn = func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
		return funpay.RunnerResponse{Objects: []funpay.RunnerUpdate{
			countersUpdate("t", counters.Buyer, counters.Seller),
		}}, nil
	}
	r := newTestRunner(src)
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	drainEvents(r)

	// Новый заказ + смена статуса старого.
	sales = []market.OrderShortcut{
		{ID: "AAAA1111", Status: market.OrderStatusClosed},
		{ID: "BBBB2222", Status: market.OrderStatusPaid},
	}
	counters.Seller = 2
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	var newOrders, statusChanges int
	for _, ev := range drainEvents(r) {
		switch e := ev.(type) {
		case *market.NewOrderEvent:
			newOrders++
			if e.Order.ID != "BBBB2222" {
				t.Fatalf("NewOrderEvent for %s, want BBBB2222", e.Order.ID)
			}
			if e.State == nil || e.State.GoodsLeft != -1 {
				t.Fatalf("NewOrderEvent state not initialized: %+v", e.State)
			}
		case market.OrderStatusChangedEvent:
			statusChanges++
			if e.Order.ID != "AAAA1111" {
				t.Fatalf("OrderStatusChangedEvent for %s, want AAAA1111", e.Order.ID)
			}
		}
	}
	if newOrders != 1 || statusChanges != 1 {
		t.Fatalf("got %d new orders and %d status changes, want 1 and 1", newOrders, statusChanges)
	}
}

func TestNewOrderAlreadyClosedEmitsBothEvents(t *testing.T) {
	t.Parallel()

	sales := []market.OrderShortcut{}
	counters := funpay.OrdersCounters{}
	src := &fakeSource{
		salesFn: func(string) (string, []market.OrderShortcut, error) {
			return "", sales, nil
		},
	}
	src.runnerFn = func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
		return funpay.RunnerResponse{Objects: []funpay.RunnerUpdate{
			countersUpdate("t", counters.Buyer, counters.Seller),
		}}, nil
	}
	r := newTestRunner(src)
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	drainEvents(r)

	sales = []market.OrderShortcut{{ID: "CCCC3333", Status: market.OrderStatusClosed}}
	counters.Seller = 1
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := kinds(drainEvents(r))
	want := []market.EventKind{
		market.EventOrdersListChanged,
		market.EventNewOrder,
		market.EventOrderStatusChanged,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestHistoryRetryThenDrop(t *testing.T) {
	t.Parallel()

	node := int64(10)
	attempts := 0
	src := &fakeSource{
		historyFn: func(int64, int64) ([]market.Message, error) {
			attempts++
			return nil, errors.New("boom")
		},
	}
	src.runnerFn = func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
		return funpay.RunnerResponse{Objects: []funpay.RunnerUpdate{
			bookmarksUpdate("t", contactItem(5001, node, "buyer1", "x")),
		}}, nil
	}
	r := newTestRunner(src)
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	drainEvents(r)

	node = 11
	if err := r.cycle(context.Background()); err != nil {
		t.Fatalf("history failure is expected to be swallowed, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("history attempts = %d, want 3", attempts)
	}
	for _, ev := range drainEvents(r) {
		if ev.Kind() == market.EventNewMessage {
			t.Fatal("dropped history still produced NEW_MESSAGE")
		}
	}

	// Курсор продвинут: без новых изменений история не перезапрашивается.
	attempts = 0
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if attempts != 0 {
		t.Fatalf("dropped pack is expected to stay dropped, got %d new attempts", attempts)
	}
}

func TestListenStopsOnUnauthorized(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		runnerFn: func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
			return funpay.RunnerResponse{}, &market.UnauthorizedError{Status: 403}
		},
	}
	r := newTestRunner(src)

	err := r.Listen(context.Background())
	var unauthorized *market.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("Listen() = %v, want UnauthorizedError", err)
	}
}

func TestListenGivesUpAfterConsecutiveErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	src := &fakeSource{
		runnerFn: func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
			calls++
			return funpay.RunnerResponse{}, errors.New("boom")
		},
	}
	r := newTestRunner(src)

	if err := r.Listen(context.Background()); err == nil {
		t.Fatal("Listen() = nil, want error after consecutive failures")
	}
	if calls != maxConsecutiveErrors {
		t.Fatalf("cycles before giving up = %d, want %d", calls, maxConsecutiveErrors)
	}
}

func TestResetReseeds(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		salesFn: func(string) (string, []market.OrderShortcut, error) {
			return "", []market.OrderShortcut{{ID: "AAAA1111", Status: market.OrderStatusPaid}}, nil
		},
	}
	src.runnerFn = func([]funpay.RunnerObject) (funpay.RunnerResponse, error) {
		return funpay.RunnerResponse{Objects: []funpay.RunnerUpdate{
			countersUpdate("t", 0, 1),
		}}, nil
	}
	r := newTestRunner(src)
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	drainEvents(r)

	r.Reset()
	if err := r.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	events := drainEvents(r)
	if len(events) != 1 || events[0].Kind() != market.EventInitialOrder {
		t.Fatalf("post-reset events = %v, want single INITIAL_ORDER", kinds(events))
	}
}

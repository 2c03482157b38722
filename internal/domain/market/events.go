// События long-poll источника. Каждое событие несёт runner-тег своего цикла;
// аннотации обработчиков живут в типизированных side-channel структурах,
// а не в произвольных атрибутах.
package market

// EventKind — вид события.
type EventKind int

const (
	EventInitialChat EventKind = iota
	EventChatsListChanged
	EventLastChatMessageChanged
	EventNewMessage
	EventInitialOrder
	EventOrdersListChanged
	EventNewOrder
	EventOrderStatusChanged
)

func (k EventKind) String() string {
	switch k {
	case EventInitialChat:
		return "INITIAL_CHAT"
	case EventChatsListChanged:
		return "CHATS_LIST_CHANGED"
	case EventLastChatMessageChanged:
		return "LAST_CHAT_MESSAGE_CHANGED"
	case EventNewMessage:
		return "NEW_MESSAGE"
	case EventInitialOrder:
		return "INITIAL_ORDER"
	case EventOrdersListChanged:
		return "ORDERS_LIST_CHANGED"
	case EventNewOrder:
		return "NEW_ORDER"
	case EventOrderStatusChanged:
		return "ORDER_STATUS_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Event — общий интерфейс событий раннера.
type Event interface {
	Kind() EventKind
	// RunnerTag — тег long-poll цикла, породившего событие; по нему
	// обработчики коррелируют производные события одного цикла.
	RunnerTag() string
}

// EventBase встраивается во все события и несёт тег цикла.
type EventBase struct {
	Tag string
}

func (e EventBase) RunnerTag() string { return e.Tag }

// InitialChatEvent — чат, увиденный на первом цикле (посев курсоров).
type InitialChatEvent struct {
	EventBase
	Chat ChatShortcut
}

func (InitialChatEvent) Kind() EventKind { return EventInitialChat }

// ChatsListChangedEvent — в списке чатов что-то сдвинулось.
type ChatsListChangedEvent struct {
	EventBase
}

func (ChatsListChangedEvent) Kind() EventKind { return EventChatsListChanged }

// LastChatMessageChangedEvent — у чата изменилось последнее сообщение.
type LastChatMessageChangedEvent struct {
	EventBase
	Chat ChatShortcut
}

func (LastChatMessageChangedEvent) Kind() EventKind { return EventLastChatMessageChanged }

// MessageEventsStack — контейнер «соседних» NewMessage одного чата,
// полученных одной выборкой истории. Обработчики могут смотреть на соседей,
// чтобы не дублировать лог и уведомления.
type MessageEventsStack struct {
	id     string
	events []*NewMessageEvent
}

// NewMessageEventsStack создаёт контейнер с идентификатором id.
func NewMessageEventsStack(id string) *MessageEventsStack {
	return &MessageEventsStack{id: id}
}

// ID возвращает идентификатор пачки.
func (s *MessageEventsStack) ID() string { return s.id }

// Add кладёт событие в пачку.
func (s *MessageEventsStack) Add(e *NewMessageEvent) { s.events = append(s.events, e) }

// Events возвращает события пачки в порядке возрастания id сообщений.
func (s *MessageEventsStack) Events() []*NewMessageEvent { return s.events }

// NewMessageEvent — новое сообщение в чате.
type NewMessageEvent struct {
	EventBase
	Message Message
	Stack   *MessageEventsStack
}

func (*NewMessageEvent) Kind() EventKind { return EventNewMessage }

// InitialOrderEvent — заказ, увиденный на первом цикле.
type InitialOrderEvent struct {
	EventBase
	Order OrderShortcut
}

func (InitialOrderEvent) Kind() EventKind { return EventInitialOrder }

// OrdersListChangedEvent — изменились счётчики заказов.
type OrdersListChangedEvent struct {
	EventBase
	Buyer  int
	Seller int
}

func (OrdersListChangedEvent) Kind() EventKind { return EventOrdersListChanged }

// OrderEventState — side-channel цепочки NewOrder: классификация против
// конфига автовыдачи и исход выдачи. Поля пишут ранние обработчики цепочки,
// читают поздние (уведомления, обновление состояния лотов).
type OrderEventState struct {
	RuleMatched    bool
	RuleLotTitle   string // имя секции auto_delivery.cfg
	Delivered      bool
	DeliveryText   string
	GoodsDelivered int
	GoodsLeft      int // -1, если выдача не из файла
	Error          bool
	ErrorText      string
}

// NewOrderEvent — новый заказ. State разделяется всеми обработчиками цепочки.
type NewOrderEvent struct {
	EventBase
	Order OrderShortcut
	State *OrderEventState
}

func (*NewOrderEvent) Kind() EventKind { return EventNewOrder }

// OrderStatusChangedEvent — заказ сменил статус.
type OrderStatusChangedEvent struct {
	EventBase
	Order OrderShortcut
}

func (OrderStatusChangedEvent) Kind() EventKind { return EventOrderStatusChanged }

// Package market — доменная модель биржи: чаты, сообщения, заказы, лоты,
// профиль продавца и типизированные события long-poll источника.
// Пакет не делает I/O; транспорт живёт в adapters/funpay.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency — валюта цены заказа или баланса.
type Currency int

const (
	CurrencyUnknown Currency = iota
	CurrencyRUB
	CurrencyUSD
	CurrencyEUR
)

// String возвращает символ валюты, как его показывает биржа.
func (c Currency) String() string {
	switch c {
	case CurrencyRUB:
		return "₽"
	case CurrencyUSD:
		return "$"
	case CurrencyEUR:
		return "€"
	default:
		return "¤"
	}
}

// Code возвращает ISO-код валюты.
func (c Currency) Code() string {
	switch c {
	case CurrencyRUB:
		return "RUB"
	case CurrencyUSD:
		return "USD"
	case CurrencyEUR:
		return "EUR"
	default:
		return "UNKNOWN"
	}
}

// ParseCurrency распознаёт символ валюты из разметки биржи.
// «¤» — заглушка, которую биржа показывает для рублей в части локалей.
func ParseCurrency(s string) Currency {
	switch s {
	case "₽", "¤":
		return CurrencyRUB
	case "€":
		return CurrencyEUR
	case "$":
		return CurrencyUSD
	default:
		return CurrencyUnknown
	}
}

// ParseCurrencyCode распознаёт ISO-код валюты.
func ParseCurrencyCode(s string) Currency {
	switch s {
	case "RUB":
		return CurrencyRUB
	case "USD":
		return CurrencyUSD
	case "EUR":
		return CurrencyEUR
	default:
		return CurrencyUnknown
	}
}

// OrderStatus — статус заказа в разделе продаж.
type OrderStatus int

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPaid
	OrderStatusClosed
	OrderStatusRefunded
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPaid:
		return "PAID"
	case OrderStatusClosed:
		return "CLOSED"
	case OrderStatusRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// SubcategoryType — тип подкатегории: обычные лоты или валютные.
type SubcategoryType int

const (
	SubcategoryCommon SubcategoryType = iota
	SubcategoryCurrency
)

// ChatShortcut — строка списка чатов из chat_bookmarks.
type ChatShortcut struct {
	ID               int64
	Name             string // имя собеседника
	LastMessageText  string
	LastNodeMsgID    int64 // id последнего сообщения узла чата
	LastUserMsgID    int64 // id последнего сообщения собеседника
	Unread           bool
	LastMessageImage bool // последнее сообщение — картинка (по тексту-заглушке)
}

// Message — одно сообщение чата.
type Message struct {
	ID             int64
	ChatID         int64
	ChatName       string
	AuthorID       int64
	Author         string
	Text           string
	ImageLink      string // ссылка на вложение, если сообщение — картинка
	Type           MessageType
	Badge          string // пометка "автоответ"/"сотрудник"; пустая у обычных сообщений
	ByBot          bool   // отправлено этим агентом (маркер-символ в начале текста)
	ByVertex       bool   // отправлено сторонним ботом с тем же маркером
	InterlocutorID int64
}

// IsSystem сообщает, что сообщение — служебное уведомление биржи.
func (m Message) IsSystem() bool { return m.Type != MessageNonSystem }

// OrderShortcut — заказ из списка продаж.
type OrderShortcut struct {
	ID              string // 8 символов [A-Z0-9]
	Description     string
	SubcategoryName string
	Price           decimal.Decimal
	Currency        Currency
	BuyerUsername   string
	BuyerID         int64
	ChatID          int64
	Status          OrderStatus
	Date            time.Time
	Amount          int // количество товара, минимум 1
}

// OrderParam — пара «параметр лота: значение» на странице заказа.
type OrderParam struct {
	Name  string
	Value string
}

// Review — отзыв покупателя к заказу.
type Review struct {
	Stars int // 1..5
	Text  string
	Reply string // ответ продавца, если есть
}

// Order — полная страница заказа.
type Order struct {
	ID               string
	Status           OrderStatus
	Title            string
	ShortDescription string
	FullDescription  string
	Params           []OrderParam
	Subcategory      string
	Game             string
	Price            decimal.Decimal
	Currency         Currency
	Sum              decimal.Decimal // сумма в валюте продавца
	BuyerID          int64
	BuyerUsername    string
	ChatID           int64
	Amount           int
	Review           *Review
}

// Lot — собственный лот продавца.
type Lot struct {
	ID              int64
	Title           string
	Description     string
	Server          string
	SubcategoryID   int64
	SubcategoryName string
	SubcategoryType SubcategoryType
	Active          bool
}

// Subcategory — подкатегория внутри категории профиля.
type Subcategory struct {
	ID   int64
	Name string
	Type SubcategoryType
	Lots []Lot
}

// Category — категория (игра) в порядке следования на странице профиля.
type Category struct {
	ID            int64
	Name          string
	Position      int
	Subcategories []Subcategory
}

// Profile — снимок собственных лотов продавца.
type Profile struct {
	UserID     int64
	Username   string
	Categories []Category // в порядке страницы профиля
	FetchedAt  time.Time
}

// Lots возвращает все лоты профиля в порядке обхода категорий.
func (p *Profile) Lots() []Lot {
	var out []Lot
	for _, c := range p.Categories {
		for _, s := range c.Subcategories {
			out = append(out, s.Lots...)
		}
	}
	return out
}

// CommonLots возвращает лоты обычных (не валютных) подкатегорий.
func (p *Profile) CommonLots() []Lot {
	var out []Lot
	for _, c := range p.Categories {
		for _, s := range c.Subcategories {
			if s.Type != SubcategoryCommon {
				continue
			}
			out = append(out, s.Lots...)
		}
	}
	return out
}

// ActiveLotIDs возвращает множество id активных лотов.
func (p *Profile) ActiveLotIDs() map[int64]struct{} {
	out := make(map[int64]struct{})
	for _, l := range p.Lots() {
		if l.Active {
			out[l.ID] = struct{}{}
		}
	}
	return out
}

// CommonSubcategoryIDs возвращает уникальные id обычных подкатегорий
// категории, в которых есть хотя бы один лот.
func (c Category) CommonSubcategoryIDs() []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, s := range c.Subcategories {
		if s.Type != SubcategoryCommon || len(s.Lots) == 0 {
			continue
		}
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s.ID)
	}
	return out
}

// LotFields — непрозрачный набор полей формы редактирования лота.
// Ядро трогает только active и auto_delivery; остальное сохраняется как есть.
type LotFields struct {
	LotID  int64
	Fields map[string]string
}

// Active сообщает, активен ли лот по состоянию полей.
func (f LotFields) Active() bool { return f.Fields["active"] == "on" }

// SetActive включает или выключает лот.
func (f LotFields) SetActive(v bool) {
	if v {
		f.Fields["active"] = "on"
		return
	}
	delete(f.Fields, "active")
}

// DisableAutoDelivery снимает флаг автовыдачи биржи. Применяется при
// конфликте пустых секретов во время сохранения лота.
func (f LotFields) DisableAutoDelivery() {
	delete(f.Fields, "auto_delivery")
}

// Balance — баланс аккаунта по трём валютам.
type Balance struct {
	TotalRUB     decimal.Decimal
	AvailableRUB decimal.Decimal
	TotalUSD     decimal.Decimal
	AvailableUSD decimal.Decimal
	TotalEUR     decimal.Decimal
	AvailableEUR decimal.Decimal
}

// Классификация служебных сообщений биржи. Тексты локализованы (ru/uk/en),
// поэтому детект работает по фиксированным альтернациям — они повторяют
// строки апстрима дословно и не подлежат «упрощению» токенизацией.
package market

import (
	"regexp"
	"sync"
)

// MessageType — закрытый перечень типов сообщений чата.
type MessageType int

const (
	MessageNonSystem MessageType = iota
	MessageOrderPurchased
	MessageOrderConfirmed
	MessageNewFeedback
	MessageFeedbackChanged
	MessageFeedbackDeleted
	MessageNewFeedbackAnswer
	MessageFeedbackAnswerChanged
	MessageFeedbackAnswerDeleted
	MessageOrderReopened
	MessageRefund
	MessageRefundByAdmin
	MessagePartialRefund
	MessageOrderConfirmedByAdmin
	MessageDiscord
	MessageDearVendors
)

func (t MessageType) String() string {
	switch t {
	case MessageOrderPurchased:
		return "ORDER_PURCHASED"
	case MessageOrderConfirmed:
		return "ORDER_CONFIRMED"
	case MessageNewFeedback:
		return "NEW_FEEDBACK"
	case MessageFeedbackChanged:
		return "FEEDBACK_CHANGED"
	case MessageFeedbackDeleted:
		return "FEEDBACK_DELETED"
	case MessageNewFeedbackAnswer:
		return "NEW_FEEDBACK_ANSWER"
	case MessageFeedbackAnswerChanged:
		return "FEEDBACK_ANSWER_CHANGED"
	case MessageFeedbackAnswerDeleted:
		return "FEEDBACK_ANSWER_DELETED"
	case MessageOrderReopened:
		return "ORDER_REOPENED"
	case MessageRefund:
		return "REFUND"
	case MessageRefundByAdmin:
		return "REFUND_BY_ADMIN"
	case MessagePartialRefund:
		return "PARTIAL_REFUND"
	case MessageOrderConfirmedByAdmin:
		return "ORDER_CONFIRMED_BY_ADMIN"
	case MessageDiscord:
		return "DISCORD"
	case MessageDearVendors:
		return "DEAR_VENDORS"
	default:
		return "NON_SYSTEM"
	}
}

// Patterns — скомпилированные шаблоны служебных текстов биржи.
type Patterns struct {
	OrderPurchased        *regexp.Regexp
	OrderPurchased2       *regexp.Regexp
	OrderConfirmed        *regexp.Regexp
	NewFeedback           *regexp.Regexp
	FeedbackChanged       *regexp.Regexp
	FeedbackDeleted       *regexp.Regexp
	NewFeedbackAnswer     *regexp.Regexp
	FeedbackAnswerChanged *regexp.Regexp
	FeedbackAnswerDeleted *regexp.Regexp
	OrderReopened         *regexp.Regexp
	Refund                *regexp.Regexp
	RefundByAdmin         *regexp.Regexp
	PartialRefund         *regexp.Regexp
	OrderConfirmedByAdmin *regexp.Regexp
	OrderID               *regexp.Regexp
	Discord               *regexp.Regexp
	DearVendors           *regexp.Regexp
	ProductsAmount        *regexp.Regexp
	ProductsAmountOrder   *regexp.Regexp
	ExchangeRate          *regexp.Regexp
}

var (
	patternsOnce sync.Once
	patterns     *Patterns
)

// Regexps возвращает singleton со скомпилированными шаблонами.
func Regexps() *Patterns {
	patternsOnce.Do(func() {
		patterns = &Patterns{
			OrderPurchased: regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (оплатил заказ|has paid for order) #[A-Z0-9]{8}\.`),
			OrderPurchased2: regexp.MustCompile(`[a-zA-Z0-9]+, (не забудьте потом нажать кнопку («Подтвердить выполнение заказа»|«Подтвердить получение валюты»)\.|do not forget to press the («Confirm order fulfilment»|«Confirm currency receipt») button once you finish\.)`),
			OrderConfirmed: regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (подтвердил успешное выполнение заказа|has confirmed that order) #[A-Z0-9]{8} (и отправил деньги продавцу|has been fulfilled successfully and that the seller) [a-zA-Z0-9]+( has been paid)?\.`),
			NewFeedback: regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (написал отзыв к заказу|has given feedback to the order) #[A-Z0-9]{8}\.`),
			FeedbackChanged: regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (изменил отзыв к заказу|has edited their feedback to the order) #[A-Z0-9]{8}\.`),
			FeedbackDeleted: regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (удалил отзыв к заказу|has deleted their feedback to the order) #[A-Z0-9]{8}\.`),
			NewFeedbackAnswer: regexp.MustCompile(`(Продавец|The seller) [a-zA-Z0-9]+ (ответил на отзыв к заказу|has replied to their feedback to the order) #[A-Z0-9]{8}\.`),
			FeedbackAnswerChanged: regexp.MustCompile(`(Продавец|The seller) [a-zA-Z0-9]+ (изменил ответ на отзыв к заказу|has edited a reply to their feedback to the order) #[A-Z0-9]{8}\.`),
			FeedbackAnswerDeleted: regexp.MustCompile(`(Продавец|The seller) [a-zA-Z0-9]+ (удалил ответ на отзыв к заказу|has deleted a reply to their feedback to the order) #[A-Z0-9]{8}\.`),
			OrderReopened: regexp.MustCompile(`(Заказ|Order) #[A-Z0-9]{8} (открыт повторно|has been reopened)\.`),
			Refund: regexp.MustCompile(`(Продавец|The seller) [a-zA-Z0-9]+ (вернул деньги покупателю|has refunded the buyer) [a-zA-Z0-9]+ (по заказу|on order) #[A-Z0-9]{8}\.`),
			RefundByAdmin: regexp.MustCompile(`(Администратор|The administrator) [a-zA-Z0-9]+ (вернул деньги покупателю|has refunded the buyer) [a-zA-Z0-9]+ (по заказу|on order) #[A-Z0-9]{8}\.`),
			PartialRefund: regexp.MustCompile(`(Часть средств по заказу|A part of the funds pertaining to the order) #[A-Z0-9]{8} (возвращена покупателю|has been refunded)\.`),
			OrderConfirmedByAdmin: regexp.MustCompile(`(Администратор|The administrator) [a-zA-Z0-9]+ (подтвердил успешное выполнение заказа|has confirmed that order) #[A-Z0-9]{8} (и отправил деньги продавцу|has been fulfilled successfully and that the seller) [a-zA-Z0-9]+( has been paid)?\.`),
			OrderID: regexp.MustCompile(`#[A-Z0-9]{8}`),
			Discord: regexp.MustCompile(`(You can switch to|Вы можете перейти в) Discord\. (However, note that friending someone is considered a violation rules|Внимание: общение за пределами сервера FunPay считается нарушением правил)\.`),
			DearVendors: regexp.MustCompile(`(Уважаемые продавцы|Dear vendors), (не доверяйте сообщениям в чате|do not rely on chat messages)! (Перед выполнением заказа всегда проверяйте наличие оплаты в разделе «Мои продажи»|Before you process an order, you should always check whether you've been paid in «My sales» section)\.`),
			ProductsAmount:      regexp.MustCompile(`,\s(\d{1,3}(?:\s?\d{3})*)\s(шт|pcs)\.`),
			ProductsAmountOrder: regexp.MustCompile(`(\d{1,3}(?:\s?\d{3})*)\s(шт|pcs)\.`),
			ExchangeRate: regexp.MustCompile(`(You will receive payment in|Вы начнёте получать оплату в|Ви почнете одержувати оплату в)\s*(USD|RUB|EUR)\.\s*(Your offers prices will be calculated based on the exchange rate:|Цены ваших предложений будут пересчитаны по курсу|Ціни ваших пропозицій будуть перераховані за курсом)\s*([\d.,]+)\s*(₽|€|\$)\s*(за|for)\s*([\d.,]+)\s*(₽|€|\$)\.`),
		}
	})
	return patterns
}

// imagePlaceholders — тексты-заглушки «картинка» в списке чатов по локалям.
var imagePlaceholders = map[string]struct{}{
	"Изображение": {},
	"Зображення":  {},
	"Image":       {},
}

// IsImagePlaceholder сообщает, что текст последнего сообщения — заглушка вложения.
func IsImagePlaceholder(text string) bool {
	_, ok := imagePlaceholders[text]
	return ok
}

// ClassifyMessage определяет тип служебного сообщения по тексту.
// Порядок проверок важен: «подтверждено администратором» должно выигрывать
// у обычного подтверждения, возврат администратором — у возврата продавцом.
func ClassifyMessage(text string) MessageType {
	re := Regexps()
	switch {
	case re.OrderPurchased.MatchString(text):
		return MessageOrderPurchased
	case re.OrderConfirmedByAdmin.MatchString(text):
		return MessageOrderConfirmedByAdmin
	case re.OrderConfirmed.MatchString(text):
		return MessageOrderConfirmed
	case re.NewFeedback.MatchString(text):
		return MessageNewFeedback
	case re.FeedbackChanged.MatchString(text):
		return MessageFeedbackChanged
	case re.FeedbackDeleted.MatchString(text):
		return MessageFeedbackDeleted
	case re.NewFeedbackAnswer.MatchString(text):
		return MessageNewFeedbackAnswer
	case re.FeedbackAnswerChanged.MatchString(text):
		return MessageFeedbackAnswerChanged
	case re.FeedbackAnswerDeleted.MatchString(text):
		return MessageFeedbackAnswerDeleted
	case re.OrderReopened.MatchString(text):
		return MessageOrderReopened
	case re.RefundByAdmin.MatchString(text):
		return MessageRefundByAdmin
	case re.Refund.MatchString(text):
		return MessageRefund
	case re.PartialRefund.MatchString(text):
		return MessagePartialRefund
	case re.Discord.MatchString(text):
		return MessageDiscord
	case re.DearVendors.MatchString(text):
		return MessageDearVendors
	default:
		return MessageNonSystem
	}
}

// ExtractOrderID возвращает первый встретившийся id заказа вида #XXXXXXXX
// без решётки; пустая строка, если id нет.
func ExtractOrderID(text string) string {
	m := Regexps().OrderID.FindString(text)
	if m == "" {
		return ""
	}
	return m[1:]
}

// Обработчик отзывов: разрешение заказа через кэш, ответ на отзыв по числу
// звёзд и уведомление контрольного канала.
package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"funpay-agent/internal/domain/expander"
	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/logger"
	"funpay-agent/internal/infra/stores"
)

const (
	// orderCacheTTL — срок доверия кэшированному снимку заказа.
	orderCacheTTL = 3600 * time.Second
	// reviewReplyAttempts — попыток отправки ответа на отзыв.
	reviewReplyAttempts = 3
	// reviewReplyGap — пауза между попытками.
	reviewReplyGap = 3 * time.Second
	// reviewReplyMaxLen — лимит длины ответа на отзыв у биржи.
	reviewReplyMaxLen = 999
	// reviewReplyMaxLines — лимит переводов строк в ответе на отзыв.
	reviewReplyMaxLines = 9
)

// ProcessReview отвечает на новый или изменённый отзыв согласно настройке
// звёзд. Заказ разрешается через кэш: повторная правка отзыва в течение часа
// не дёргает страницу заказа ещё раз.
func (h *Handlers) ProcessReview(ctx context.Context, ev *market.NewMessageEvent) error {
	m := ev.Message
	if m.Type != market.MessageNewFeedback && m.Type != market.MessageFeedbackChanged {
		return nil
	}
	// Свои действия с отзывами (ответ, правка ответа) повода не дают.
	if m.ByBot || m.Author == h.Client.Username() {
		return nil
	}
	orderID := market.ExtractOrderID(m.Text)
	if orderID == "" {
		return nil
	}

	order, err := h.resolveOrder(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "resolve order")
	}
	if order.Review == nil || order.Review.Stars < 1 || order.Review.Stars > 5 {
		logger.Debugf("order #%s: feedback event without readable review", orderID)
		return nil
	}
	stars := order.Review.Stars

	var sendErrs []string
	cfg := h.Cfg.Main()
	if cfg.ReviewReply.StarReply[stars] && strings.TrimSpace(cfg.ReviewReply.StarReplyText[stars]) != "" {
		reply := expander.FormatOrderText(cfg.ReviewReply.StarReplyText[stars],
			expander.ViewFromOrder(order), h.Now())
		reply = truncateReply(reply)

		var lastErr error
		for attempt := 1; attempt <= reviewReplyAttempts; attempt++ {
			lastErr = h.Client.SendFeedbackReply(ctx, orderID, reply)
			if lastErr == nil {
				logger.Infof("order #%s: replied to %d-star review", orderID, stars)
				break
			}
			logger.Warnf("order #%s: review reply attempt %d failed: %v", orderID, attempt, lastErr)
			if attempt < reviewReplyAttempts {
				sleepFor(ctx, reviewReplyGap)
			}
		}
		if lastErr != nil {
			sendErrs = append(sendErrs, lastErr.Error())
		}
	}

	note := fmt.Sprintf("%s Отзыв к заказу #%s от %s:\n%s",
		strings.Repeat("⭐", stars), orderID, order.BuyerUsername, order.Review.Text)
	if len(sendErrs) > 0 {
		note += "\n\n⛔ Ответ не отправлен: " + strings.Join(sendErrs, "; ")
	}
	h.notify(stores.NotifyReview, note)

	if len(sendErrs) > 0 {
		return errors.Errorf("review reply for #%s failed: %s", orderID, strings.Join(sendErrs, "; "))
	}
	return nil
}

// resolveOrder возвращает страницу заказа из кэша или с биржи.
func (h *Handlers) resolveOrder(ctx context.Context, orderID string) (market.Order, error) {
	if h.Cache != nil {
		if order, ok := h.Cache.GetOrder(orderID, orderCacheTTL); ok {
			return order, nil
		}
	}
	order, err := h.Client.GetOrder(ctx, orderID)
	if err != nil {
		return market.Order{}, err
	}
	if h.Cache != nil {
		if err := h.Cache.PutOrder(order); err != nil {
			logger.Warnf("order #%s: cache write failed: %v", orderID, err)
		}
	}
	return order, nil
}

// truncateReply приводит ответ к лимитам биржи: не длиннее reviewReplyMaxLen
// символов и не больше reviewReplyMaxLines переводов строк. Лишние переводы
// строк схлопываются в пробелы, текст при этом не теряется.
func truncateReply(text string) string {
	runes := []rune(text)
	if len(runes) > reviewReplyMaxLen {
		text = string(runes[:reviewReplyMaxLen])
	}
	lines := strings.Split(text, "\n")
	if len(lines) > reviewReplyMaxLines+1 {
		tail := strings.Join(lines[reviewReplyMaxLines:], " ")
		text = strings.Join(append(lines[:reviewReplyMaxLines:reviewReplyMaxLines], tail), "\n")
	}
	return text
}

func sleepFor(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

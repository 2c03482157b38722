// Отправитель исходящих сообщений: водяной знак, маркер-символ, разбор
// управляющих токенов и повторы с обновлением сессии. Все автоматические
// ответы агента проходят через него.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"

	"funpay-agent/internal/adapters/funpay"
	"funpay-agent/internal/domain/expander"
	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/config"
	"funpay-agent/internal/infra/logger"
)

const (
	// sendAttempts — попыток отправки одной сущности.
	sendAttempts = 3
	// sendRetryGap — пауза между попытками.
	sendRetryGap = time.Second
)

// SendTransport — операции биржи, нужные отправителю.
type SendTransport interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	SendImage(ctx context.Context, chatID int64, imageID int64) (int64, error)
	Setup(ctx context.Context) error
}

// CursorTracker продвигает курсор раннера после собственной отправки.
type CursorTracker interface {
	UpdateLastMessage(chatID, msgID int64, text string)
}

// Sender собирает и отправляет последовательность сущностей сообщения.
type Sender struct {
	transport SendTransport
	cfg       *config.Manager
	tracker   CursorTracker // nil — без продвижения курсора
	sleep     func(ctx context.Context, d time.Duration)
}

// NewSender создаёт отправителя.
func NewSender(transport SendTransport, cfg *config.Manager, tracker CursorTracker) *Sender {
	return &Sender{
		transport: transport,
		cfg:       cfg,
		tracker:   tracker,
		sleep:     sleepCtx,
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

// Send разбирает текст на сущности и проигрывает их по порядку: текстовые
// куски уходят сообщениями с маркером и водяным знаком, $photo — картинкой,
// $sleep — паузой. Текст из одних пауз (или пустой) не отправляется.
func (s *Sender) Send(ctx context.Context, chatID int64, text string) error {
	return s.send(ctx, chatID, text, true)
}

// SendPlain отправляет без водяного знака (маркер-символ остаётся:
// собственные сообщения должны распознаваться раннером).
func (s *Sender) SendPlain(ctx context.Context, chatID int64, text string) error {
	return s.send(ctx, chatID, text, false)
}

func (s *Sender) send(ctx context.Context, chatID int64, text string, withWatermark bool) error {
	entities := expander.ParseEntities(text)
	if expander.OnlySleeps(entities) {
		return nil
	}

	watermark := ""
	if withWatermark && !strings.HasPrefix(strings.TrimSpace(text), "$photo=") {
		watermark = s.cfg.Main().Other.Watermark
	}

	refreshed := false
	firstText := true
	for _, e := range entities {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch e.Kind {
		case expander.EntitySleep:
			s.sleep(ctx, time.Duration(e.Sleep*float64(time.Second)))
		case expander.EntityPhoto:
			err := s.sendWithRetry(ctx, chatID, "", e.PhotoID, &refreshed)
			if err != nil {
				return errors.Wrap(err, "send photo")
			}
		case expander.EntityText:
			content := funpay.BotCharacter
			if watermark != "" && firstText {
				content += watermark + "\n"
			}
			firstText = false
			content += e.Text
			if err := s.sendWithRetry(ctx, chatID, content, 0, &refreshed); err != nil {
				return errors.Wrap(err, "send text")
			}
		}
	}
	return nil
}

// sendWithRetry отправляет одну сущность с повторами. Ответ 400 «обновите
// страницу» один раз лечится обновлением сессии, после чего попытка
// повторяется; ошибка авторизации пробрасывается сразу.
func (s *Sender) sendWithRetry(ctx context.Context, chatID int64, content string, photoID int64, refreshed *bool) error {
	operation := func() error {
		var msgID int64
		var err error
		if photoID != 0 {
			msgID, err = s.transport.SendImage(ctx, chatID, photoID)
		} else {
			msgID, err = s.transport.SendMessage(ctx, chatID, content)
		}
		if err == nil {
			if msgID > 0 && s.tracker != nil {
				s.tracker.UpdateLastMessage(chatID, msgID, content)
			}
			return nil
		}

		var unauthorized *market.UnauthorizedError
		if errors.As(err, &unauthorized) {
			return backoff.Permanent(err)
		}
		var failed *market.RequestFailedError
		if errors.As(err, &failed) && failed.SessionStale() && !*refreshed {
			*refreshed = true
			logger.Warnf("sender: stale session on chat %d, refreshing", chatID)
			if setupErr := s.transport.Setup(ctx); setupErr != nil {
				return backoff.Permanent(setupErr)
			}
			s.sleep(ctx, sendRetryGap)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(sendRetryGap), sendAttempts-1), ctx)
	return backoff.Retry(operation, policy)
}

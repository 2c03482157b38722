// Package raise — планировщик поднятия категорий. Категории обходятся в
// порядке страницы профиля; отказ биржи с названным временем ожидания
// превращается в дедлайн категории, успех — в штатный кулдаун. Дедлайны
// переживают перезапуск в файле состояния.
package raise

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/clock"
	"funpay-agent/internal/infra/logger"
)

const (
	// cooldown — штатный интервал после успешного поднятия.
	cooldown = 7200 * time.Second
	// minWait — нижняя граница ожидания после отказа.
	minWait = 60 * time.Second
	// idleCheck — пауза цикла, когда поднимать нечего.
	idleCheck = 10 * time.Second
	// maxIdle — верхняя граница паузы цикла: конфиг и профиль могли
	// измениться, реже раза в десять минут сверяться не стоит.
	maxIdle = 10 * time.Minute
)

// Lister — операции биржи, нужные планировщику.
type Lister interface {
	GetProfile(ctx context.Context) (*market.Profile, error)
	RaiseLots(ctx context.Context, gameID int64, categoryName string, subcategoryIDs []int64) error
}

// Schedule — персист дедлайнов поднятия.
type Schedule interface {
	PutRaiseDeadline(gameID int64, next time.Time) error
	GetRaiseDeadline(gameID int64) (time.Time, bool)
}

// Notifier получает сообщения об успешных поднятиях.
type Notifier interface {
	NotifyRaise(text string)
}

// Scheduler — цикл поднятия категорий.
type Scheduler struct {
	client   Lister
	schedule Schedule
	notify   Notifier // nil — без уведомлений
	enabled  func() bool
	now      clock.Func
	sleep    func(ctx context.Context, d time.Duration)
}

// New создаёт планировщик. enabled опрашивается каждый цикл: флаг autoRaise
// переключается на лету через контрольный канал.
func New(client Lister, schedule Schedule, notify Notifier, enabled func() bool, now clock.Func) *Scheduler {
	if now == nil {
		now = clock.System()
	}
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Scheduler{
		client:   client,
		schedule: schedule,
		notify:   notify,
		enabled:  enabled,
		now:      now,
		sleep:    sleepCtx,
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

// Run крутит цикл поднятия до отмены контекста. Ошибка авторизации
// возвращается супервизору; прочие ошибки логируются, цикл продолжается.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Debug("raise: loop started")
	defer logger.Debug("raise: loop stopped")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.enabled() {
			s.sleep(ctx, idleCheck)
			continue
		}
		wait, err := s.pass(ctx)
		if err != nil {
			var unauthorized *market.UnauthorizedError
			if errors.As(err, &unauthorized) {
				return err
			}
			logger.Errorf("raise: pass failed: %v", err)
			wait = minWait
		}
		s.sleep(ctx, wait)
	}
}

// pass выполняет один обход категорий и возвращает, сколько спать до
// следующего: минимум из дедлайнов, зажатый в [idleCheck, maxIdle].
func (s *Scheduler) pass(ctx context.Context) (time.Duration, error) {
	profile, err := s.client.GetProfile(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "get profile")
	}

	var raised []string
	nextWake := s.now().Add(maxIdle)

	for _, cat := range profile.Categories {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		subcats := cat.CommonSubcategoryIDs()
		if len(subcats) == 0 {
			continue
		}
		if deadline, ok := s.schedule.GetRaiseDeadline(cat.ID); ok && s.now().Before(deadline) {
			if deadline.Before(nextWake) {
				nextWake = deadline
			}
			continue
		}

		err := s.client.RaiseLots(ctx, cat.ID, cat.Name, subcats)
		var deadline time.Time
		switch {
		case err == nil:
			deadline = s.now().Add(cooldown)
			raised = append(raised, cat.Name)
			logger.Infof("raise: %q raised, next in %s", cat.Name, cooldown)
		default:
			var raiseErr *market.RaiseError
			if !errors.As(err, &raiseErr) {
				return 0, err
			}
			wait := time.Duration(raiseErr.WaitTime) * time.Second
			if wait < minWait {
				wait = minWait
			}
			deadline = s.now().Add(wait)
			logger.Debugf("raise: %q rejected, retry in %s", cat.Name, wait)
		}
		if saveErr := s.schedule.PutRaiseDeadline(cat.ID, deadline); saveErr != nil {
			logger.Warnf("raise: persist deadline for %q failed: %v", cat.Name, saveErr)
		}
		if deadline.Before(nextWake) {
			nextWake = deadline
		}

		// Пауза между категориями, чтобы не частить запросами.
		s.sleep(ctx, time.Duration((0.5+rand.Float64())*float64(time.Second)))
	}

	if len(raised) > 0 && s.notify != nil {
		s.notify.NotifyRaise(fmt.Sprintf("📈 Подняты категории:\n%s", strings.Join(raised, "\n")))
	}

	wait := nextWake.Sub(s.now())
	if wait < idleCheck {
		wait = idleCheck
	}
	if wait > maxIdle {
		wait = maxIdle
	}
	return wait, nil
}

// Супервизор: машина состояний агента. Держит цикл раннера и планировщик
// поднятия, переводит агента в деградацию при протухшем ключе, шлёт
// однократные уведомления о смене состояния, обновляет сессию раз в час и
// сторожевым таймером перезапускает процесс при зависшем цикле.
package app

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/clock"
	"funpay-agent/internal/infra/logger"
	"funpay-agent/internal/infra/stores"
)

const (
	// sessionRefreshInterval — период планового обновления сессии.
	sessionRefreshInterval = 3600 * time.Second
	// watchdogInterval — период проверки живости цикла раннера.
	watchdogInterval = 10 * time.Second
	// watchdogStall — порог молчания раннера, после которого процесс
	// перезапускается.
	watchdogStall = 100 * time.Second
	// degradedRetryGap — период попыток восстановления в деградации.
	degradedRetryGap = 5 * time.Minute
	// degradedDeadline — максимум жизни в деградации, дальше выход.
	degradedDeadline = 3 * time.Hour
)

// supervisorState — состояние машины.
type supervisorState int

const (
	stateStarting supervisorState = iota
	stateRunning
	stateDegraded
)

func (s supervisorState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateDegraded:
		return "degraded"
	default:
		return "starting"
	}
}

// Session — операции сессии, нужные супервизору.
type Session interface {
	Setup(ctx context.Context) error
}

// EventLoop — раннер глазами супервизора.
type EventLoop interface {
	Listen(ctx context.Context) error
	LastActivity() time.Time
	Reset()
}

// RaiseLoop — планировщик поднятия глазами супервизора.
type RaiseLoop interface {
	Run(ctx context.Context) error
}

// SupervisorNotifier — канал однократных уведомлений о смене состояния.
type SupervisorNotifier interface {
	Notify(kind stores.NotificationKind, text string)
}

// Supervisor — машина состояний поверх циклов агента.
type Supervisor struct {
	session Session
	events  EventLoop
	raise   RaiseLoop // nil — поднятие выключено навсегда
	notify  SupervisorNotifier
	now     clock.Func

	mu             sync.Mutex
	state          supervisorState
	degradedSince  time.Time
	degradedReason string
	startedAt      time.Time
}

// NewSupervisor создаёт супервизор.
func NewSupervisor(session Session, events EventLoop, raise RaiseLoop,
	notify SupervisorNotifier, now clock.Func) *Supervisor {
	if now == nil {
		now = clock.System()
	}
	return &Supervisor{
		session: session,
		events:  events,
		raise:   raise,
		notify:  notify,
		now:     now,
	}
}

// State возвращает человекочитаемое состояние для /status.
func (s *Supervisor) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state.String()
	if s.state == stateDegraded {
		out += fmt.Sprintf(" [%s] (%s)", s.degradedReason,
			s.now().Sub(s.degradedSince).Round(time.Second))
	}
	if !s.startedAt.IsZero() {
		out += fmt.Sprintf(", uptime %s", s.now().Sub(s.startedAt).Round(time.Second))
	}
	return out
}

func (s *Supervisor) setState(st supervisorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if st == stateDegraded {
		s.degradedSince = s.now()
	}
}

// Run блокируется до отмены контекста или фатальной ошибки.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = s.now()
	s.mu.Unlock()

	// Выход по фатальной ошибке обязан погасить фоновые циклы до wg.Wait.
	ctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watchdog(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sessionRefresher(ctx)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.runServices(ctx)
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			return ctx.Err()
		case isUnauthorized(err), isProxyBlocked(err), isProxyDead(err):
			if recErr := s.degradedLoop(ctx, err); recErr != nil {
				return recErr
			}
			// Восстановились: курсоры пересеваются, циклы стартуют заново.
			s.events.Reset()
		default:
			return err
		}
	}
}

// runServices запускает циклы и ждёт первой ошибки любого из них.
func (s *Supervisor) runServices(ctx context.Context) error {
	s.setState(stateRunning)
	logger.Info("supervisor: services starting")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- s.events.Listen(runCtx)
	}()
	if s.raise != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.raise.Run(runCtx)
		}()
	}

	err := <-errCh
	cancel()
	wg.Wait()
	return err
}

// degradedLoop — жизнь без рабочего апстрима: однократное уведомление с
// причиной, попытки восстановления раз в degradedRetryGap, выход через
// degradedDeadline.
func (s *Supervisor) degradedLoop(ctx context.Context, cause error) error {
	reason, text := degradedCause(cause)
	s.setState(stateDegraded)
	s.mu.Lock()
	s.degradedReason = reason
	s.mu.Unlock()
	logger.Errorf("supervisor: degraded (%s): %v", reason, cause)
	if s.notify != nil {
		s.notify.Notify(stores.NotifyCritical, text+"\n"+cause.Error())
	}

	ticker := time.NewTicker(degradedRetryGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.now().Sub(s.degradedSinceTime()) > degradedDeadline {
				return errors.Errorf("degraded for more than %s, giving up", degradedDeadline)
			}
			if err := s.session.Setup(ctx); err != nil {
				logger.Debugf("supervisor: recovery attempt failed: %v", err)
				continue
			}
			logger.Info("supervisor: session recovered")
			if s.notify != nil {
				s.notify.Notify(stores.NotifyCritical, "✅ Сессия восстановлена, агент снова работает.")
			}
			return nil
		}
	}
}

func (s *Supervisor) degradedSinceTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degradedSince
}

// sessionRefresher обновляет сессию раз в sessionRefreshInterval; в
// деградации плановое обновление не нужно — там свой цикл восстановления.
func (s *Supervisor) sessionRefresher(ctx context.Context) {
	ticker := time.NewTicker(sessionRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			degraded := s.state == stateDegraded
			s.mu.Unlock()
			if degraded {
				continue
			}
			if err := s.session.Setup(ctx); err != nil {
				logger.Warnf("supervisor: scheduled session refresh failed: %v", err)
			}
		}
	}
}

// watchdog перезапускает процесс, если цикл раннера молчит дольше порога.
// Перезапуск — exec самого себя: файловые замки снимутся с процессом.
func (s *Supervisor) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			running := s.state == stateRunning
			s.mu.Unlock()
			if !running {
				continue
			}
			last := s.events.LastActivity()
			if last.IsZero() || last.Unix() == 0 {
				continue
			}
			if s.now().Sub(last) > watchdogStall {
				logger.Errorf("supervisor: runner silent for %s, restarting process",
					s.now().Sub(last).Round(time.Second))
				restartSelf()
			}
		}
	}
}

// restartSelf запускает копию текущего процесса и завершает этот.
func restartSelf() {
	exe, err := os.Executable()
	if err != nil {
		logger.Fatal("watchdog: cannot locate own executable: " + err.Error())
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		logger.Fatal("watchdog: restart failed: " + err.Error())
	}
	os.Exit(1)
}

// degradedCause сводит ошибку к причине деградации и тексту уведомления.
func degradedCause(err error) (reason, text string) {
	switch {
	case isUnauthorized(err):
		return "credentials",
			"⛔ Golden key недействителен. Агент в деградации: обновите ключ."
	case isProxyBlocked(err):
		return "proxy-blocked",
			"⛔ Прокси заблокирован площадкой. Агент в деградации: смените прокси."
	default:
		return "proxy-dead",
			"⛔ Прокси не отвечает. Агент в деградации: проверьте прокси."
	}
}

func isUnauthorized(err error) bool {
	var unauthorized *market.UnauthorizedError
	return errors.As(err, &unauthorized)
}

func isProxyBlocked(err error) bool {
	var failed *market.RequestFailedError
	return errors.As(err, &failed) && failed.ProxyBlocked()
}

func isProxyDead(err error) bool {
	var netErr *market.NetworkError
	return errors.As(err, &netErr)
}

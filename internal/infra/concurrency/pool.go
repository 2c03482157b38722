// В этом файле реализован Pool — ограниченный пул воркеров для side-effect
// задач обработчиков (отправка сообщений, выдача товаров, сохранение лотов).
// Обработчики не имеют права плодить горутины в горячем пути: вся фоновая
// работа проходит через именованные точки Submit.
package concurrency

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"funpay-agent/internal/infra/logger"
)

// poolTask — единица работы с именем точки постановки для логов.
type poolTask struct {
	name string
	fn   func(ctx context.Context)
}

// Pool — пул воркеров фиксированного размера с ограниченной очередью.
// После Stop новые задачи не принимаются; запущенным передаётся отменённый
// контекст через закрытие runCtx.
type Pool struct {
	size  int
	tasks chan poolTask

	mu     sync.Mutex
	closed bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool создаёт пул на size воркеров с очередью queueCap задач.
func NewPool(size, queueCap int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueCap < 0 {
		queueCap = 0
	}
	return &Pool{
		size:  size,
		tasks: make(chan poolTask, queueCap),
	}
}

// Start запускает воркеров. Повторные вызовы игнорируются.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.once.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				for task := range p.tasks {
					task.fn(p.runCtx)
				}
			}()
		}
		logger.Debug("worker pool started", zap.Int("workers", p.size))
	})
}

// Submit ставит задачу в очередь. Блокируется, пока в очереди нет места —
// это и есть backpressure на обработчики. Возвращает false, если пул
// остановлен и задача не принята.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) bool {
	if fn == nil {
		return false
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		logger.Warn("task rejected, pool stopped", zap.String("task", name))
		return false
	}
	// Отправляем под мьютексом: Stop закрывает канал только после того,
	// как выставлен closed, поэтому send на закрытый канал невозможен.
	p.tasks <- poolTask{name: name, fn: fn}
	p.mu.Unlock()
	return true
}

// TrySubmit — неблокирующий вариант Submit; false при полной очереди.
func (p *Pool) TrySubmit(name string, fn func(ctx context.Context)) bool {
	if fn == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- poolTask{name: name, fn: fn}:
		return true
	default:
		logger.Warn("task dropped, queue full", zap.String("task", name))
		return false
	}
}

// Stop прекращает приём задач, отменяет контекст запущенных и дожидается воркеров.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logger.Debug("worker pool stopped")
}

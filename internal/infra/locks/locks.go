// Package locks — эксклюзивные блокировки для файлового состояния.
// Две зоны ответственности:
//   - ProcessLock — advisory-блокировка на storage/cache/process.lock,
//     защищающая от двойного запуска агента на одном каталоге;
//   - PathLocks — карта mutex'ов по пути + flock на сам файл, сериализующая
//     read-modify-write операции над файлами товаров.
package locks

import (
	"os"
	"strconv"
	"sync"

	"github.com/go-faster/errors"
	"golang.org/x/sys/unix"
)

// ErrAlreadyLocked возвращается, когда блокировку процесса уже держит другая копия.
var ErrAlreadyLocked = errors.New("process lock is held by another instance")

// ProcessLock — удерживаемая блокировка единственного экземпляра.
type ProcessLock struct {
	file *os.File
}

// AcquireProcessLock захватывает эксклюзивную неблокирующую flock на path
// и записывает в файл PID текущего процесса. Возвращает ErrAlreadyLocked,
// если блокировка занята другой копией.
func AcquireProcessLock(path string) (*ProcessLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyLocked
		}
		return nil, errors.Wrap(err, "flock")
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	return &ProcessLock{file: f}, nil
}

// Release снимает блокировку и закрывает файл. Повторный вызов безопасен.
func (l *ProcessLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}

// PathLocks сериализует доступ к файлам по их пути.
// Внутрипроцессная часть — ленивый map mutex'ов (дешевле, чем каждый раз
// дёргать flock при конкуренции внутри одного процесса); межпроцессная —
// flock на сам файл на время критической секции.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocks создаёт пустую карту блокировок.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *PathLocks) pathMutex(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.locks[path]
	if !ok {
		m = &sync.Mutex{}
		p.locks[path] = m
	}
	return m
}

// WithLock выполняет fn под эксклюзивной блокировкой пути.
// Файл создаётся, если отсутствует; flock снимается при выходе из fn.
func (p *PathLocks) WithLock(path string, fn func() error) error {
	m := p.pathMutex(path)
	m.Lock()
	defer m.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return errors.Wrap(err, "open for flock")
	}
	defer func() { _ = f.Close() }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrap(err, "flock")
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	return fn()
}

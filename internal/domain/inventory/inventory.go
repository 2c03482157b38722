// Package inventory — движок файлов товаров. Файл — единственный источник
// истины о запасе: выдача срезает первые N непустых строк и атомарно
// переписывает остаток. Конкурентные выдачи сериализуются эксклюзивной
// блокировкой пути (flock + внутрипроцессный mutex на путь).
package inventory

import (
	"os"
	"regexp"
	"strings"

	"github.com/go-faster/errors"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/locks"
	"funpay-agent/internal/infra/storage"
)

// fileNameRe ограничивает имена файлов товаров безопасным алфавитом.
var fileNameRe = regexp.MustCompile(`^[А-Яа-яЁёA-Za-z0-9_\- .]+$`)

// Engine выполняет операции над файлами товаров.
type Engine struct {
	locks *locks.PathLocks
}

// NewEngine создаёт движок с собственной картой блокировок путей.
func NewEngine() *Engine {
	return &Engine{locks: locks.NewPathLocks()}
}

// ValidFileName проверяет имя файла товаров (без каталога).
func ValidFileName(name string) bool {
	return fileNameRe.MatchString(name)
}

// NormalizeFileName добавляет расширение .txt, если его нет.
// Применяется при создании файла через контрольный канал.
func NormalizeFileName(name string) string {
	if !strings.HasSuffix(name, ".txt") {
		return name + ".txt"
	}
	return name
}

// readLines читает непустые строки файла. Возвращает ProductsFileNotFoundError,
// если файла нет.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &market.ProductsFileNotFoundError{Path: path}
		}
		return nil, errors.Wrap(err, "read products file")
	}
	raw := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines, nil
}

// writeLines атомарно переписывает файл списком строк (LF, завершающий перевод).
func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return storage.AtomicWriteFile(path, []byte(b.String()))
}

// Count возвращает число непустых строк файла. Отсутствующий файл — 0 товаров
// без ошибки: правило с несозданным файлом трактуется как пустой запас.
func (e *Engine) Count(path string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	var n int
	err := e.locks.WithLock(path, func() error {
		lines, err := readLines(path)
		if err != nil {
			return err
		}
		n = len(lines)
		return nil
	})
	return n, err
}

// Draw атомарно изымает первые n непустых строк.
// Возвращает изъятые строки и остаток. Если строк меньше n, файл не меняется
// и возвращается NotEnoughProductsError.
func (e *Engine) Draw(path string, n int) (drawn []string, remaining int, err error) {
	if n <= 0 {
		return nil, 0, errors.Errorf("draw amount must be positive, got %d", n)
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return nil, 0, &market.ProductsFileNotFoundError{Path: path}
	}
	err = e.locks.WithLock(path, func() error {
		lines, err := readLines(path)
		if err != nil {
			return err
		}
		if len(lines) < n {
			return &market.NotEnoughProductsError{Path: path, Want: n, Have: len(lines)}
		}
		if err := writeLines(path, lines[n:]); err != nil {
			return err
		}
		drawn = append([]string(nil), lines[:n]...)
		remaining = len(lines) - n
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return drawn, remaining, nil
}

// PushFront возвращает строки в начало файла. Используется после неудачной
// отправки: товар снова будет первым кандидатом на выдачу.
func (e *Engine) PushFront(path string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	return e.locks.WithLock(path, func() error {
		current, err := readLines(path)
		if err != nil {
			var notFound *market.ProductsFileNotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
			current = nil
		}
		return writeLines(path, append(append([]string(nil), lines...), current...))
	})
}

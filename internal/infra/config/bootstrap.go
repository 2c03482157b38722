// Пакет config отвечает за сбор и предоставление конфигурации всего приложения.
// Он:
//  1. читает операционные переменные окружения из .env (через godotenv),
//  2. загружает и валидирует три ini-конфига биржи (_main.cfg,
//     auto_response.cfg, auto_delivery.cfg),
//  3. нормализует входные значения и накапливает предупреждения,
//  4. предоставляет потокобезопасный доступ через R/W мьютекс — контрольный
//     канал (Telegram-бот) правит конфиги на лету, каждая мутация
//     сериализуется и атомарно сбрасывается на диск.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: базовый каталог данных и лог-уровень.
// Всё остальное живёт в ini-конфигах и может меняться в рантайме.
type EnvConfig struct {
	BasePath string
	LogLevel string
	Timezone string // пусто — таймзона процесса не меняется
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel = "info"
)

// LoadEnv читает .env (отсутствие файла не ошибка) и собирает EnvConfig.
// Базовый каталог по умолчанию — каталог исполняемого файла.
func LoadEnv(envPath string) (EnvConfig, []string, error) {
	_ = godotenv.Load(envPath)

	var warnings []string

	base := strings.TrimSpace(os.Getenv("FPA_BASE_PATH"))
	if base == "" {
		exe, err := os.Executable()
		if err != nil {
			return EnvConfig{}, nil, fmt.Errorf("resolve executable path: %w", err)
		}
		base = filepath.Dir(exe)
		warnings = append(warnings, fmt.Sprintf("env FPA_BASE_PATH is not set; using %q", base))
	}

	level := sanitizeLogLevel(os.Getenv("FPA_LOG_LEVEL"), defaultLogLevel, &warnings)
	tz := strings.TrimSpace(os.Getenv("FPA_TIMEZONE"))

	return EnvConfig{BasePath: base, LogLevel: level, Timezone: tz}, warnings, nil
}

// utcOffsetRe распознаёт смещения вида "+03:00", "-0700", "UTC+3", "GMT-04:30".
var utcOffsetRe = regexp.MustCompile(`^(?:UTC|GMT)?([+-])(\d{1,2})(?::?(\d{2}))?$`)

// ParseLocation принимает имя IANA ("Europe/Moscow") либо смещение от UTC.
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, fmt.Errorf("empty timezone")
	}
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	up := strings.ToUpper(v)
	if up == "Z" || up == "UTC" || up == "GMT" {
		return time.UTC, nil
	}
	m := utcOffsetRe.FindStringSubmatch(up)
	if m == nil {
		return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
	}
	hours, _ := strconv.Atoi(m[2])
	minutes := 0
	if m[3] != "" {
		minutes, _ = strconv.Atoi(m[3])
	}
	if hours > 14 || minutes > 59 {
		return nil, fmt.Errorf("invalid timezone offset %q", value)
	}
	offset := hours*3600 + minutes*60
	if m[1] == "-" {
		offset = -offset
	}
	return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", m[1], hours, minutes), offset), nil
}

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения
// набором {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env FPA_LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// appendWarningf — служебная функция для накопления предупреждений о
// некорректных значениях конфигурации.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// Paths — раскладка файлов процесса относительно базового каталога.
type Paths struct {
	Base string
}

// NewPaths создаёт раскладку и гарантирует наличие всех рабочих каталогов.
func NewPaths(base string) (Paths, error) {
	p := Paths{Base: base}
	for _, dir := range []string{
		p.ConfigsDir(), p.LogsDir(), p.StorageDir(), p.CacheDir(), p.ProductsDir(),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Paths{}, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return p, nil
}

func (p Paths) ConfigsDir() string  { return filepath.Join(p.Base, "configs") }
func (p Paths) LogsDir() string     { return filepath.Join(p.Base, "logs") }
func (p Paths) StorageDir() string  { return filepath.Join(p.Base, "storage") }
func (p Paths) CacheDir() string    { return filepath.Join(p.Base, "storage", "cache") }
func (p Paths) ProductsDir() string { return filepath.Join(p.Base, "storage", "products") }

func (p Paths) MainConfig() string   { return filepath.Join(p.ConfigsDir(), "_main.cfg") }
func (p Paths) AutoResponse() string { return filepath.Join(p.ConfigsDir(), "auto_response.cfg") }
func (p Paths) AutoDelivery() string { return filepath.Join(p.ConfigsDir(), "auto_delivery.cfg") }
func (p Paths) LogFile() string      { return filepath.Join(p.LogsDir(), "log.log") }
func (p Paths) ProcessLock() string  { return filepath.Join(p.CacheDir(), "process.lock") }
func (p Paths) PIDFile() string      { return filepath.Join(p.CacheDir(), "pid.txt") }
func (p Paths) StateDB() string      { return filepath.Join(p.CacheDir(), "state.db") }
func (p Paths) BackupFile() string   { return filepath.Join(p.Base, "backup.zip") }

// CacheFile возвращает путь JSON-кеша под storage/cache.
func (p Paths) CacheFile(name string) string { return filepath.Join(p.CacheDir(), name) }

// ProductFile возвращает путь файла товаров по его имени из конфига.
func (p Paths) ProductFile(name string) string { return filepath.Join(p.ProductsDir(), name) }

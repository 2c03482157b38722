// Package clock — источник времени приложения.
// Компоненты с таймерами принимают clock.Func, чтобы тесты могли подменить время.
package clock

import "time"

// Func возвращает текущее время; в тестах подменяется фейком.
type Func func() time.Time

// Now возвращает текущее время приложения.
func Now() time.Time {
	return time.Now()
}

// System — штатный источник времени для продакшена.
func System() Func {
	return time.Now
}

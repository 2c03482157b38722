// Типизированные ошибки биржи. Клиент возвращает их как есть; супервизор и
// обработчики различают виды через errors.As.
package market

import (
	"fmt"
	"strings"
)

// UnauthorizedError — сессия недействительна (401/403 или редирект на логин).
type UnauthorizedError struct {
	Status int
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized (status %d): golden key is invalid or expired", e.Status)
}

// RequestFailedError — прочие неуспешные ответы апстрима.
type RequestFailedError struct {
	Status int
	URL    string
	Body   string
}

func (e *RequestFailedError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("request to %s failed with status %d: %s", e.URL, e.Status, body)
}

// ProxyBlocked сообщает, что тело ответа похоже на обрыв со стороны
// прокси (биржа закрыла соединение, не ответив).
func (e *RequestFailedError) ProxyBlocked() bool {
	return strings.Contains(e.Body, "EOF") || strings.Contains(e.Body, "RemoteDisconnected")
}

// SessionStale сообщает, что ответ 400 требует обновить страницу:
// после одного обновления сессии отправку можно повторить.
func (e *RequestFailedError) SessionStale() bool {
	if e.Status != 400 {
		return false
	}
	return strings.Contains(e.Body, "Обновите страницу") ||
		strings.Contains(e.Body, "Оновіть сторінку") ||
		strings.Contains(e.Body, "Refresh the page")
}

// NetworkError — транспортная ошибка до получения HTTP-статуса
// (таймаут соединения, ошибка прокси, DNS).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// RaiseError — биржа отказала в поднятии категории и назвала время ожидания.
type RaiseError struct {
	CategoryName string
	Message      string
	// WaitTime — распарсенный кулдаун в секундах; 0, если из текста
	// извлечь его не удалось.
	WaitTime int
}

func (e *RaiseError) Error() string {
	return fmt.Sprintf("raise %q rejected: %s (wait %ds)", e.CategoryName, e.Message, e.WaitTime)
}

// LotSavingError — сохранение полей лота отклонено с ошибками по полям.
type LotSavingError struct {
	LotID  int64
	Status int
	Errors map[string]string // имя поля -> текст ошибки
}

func (e *LotSavingError) Error() string {
	return fmt.Sprintf("save lot %d failed (status %d): %v", e.LotID, e.Status, e.Errors)
}

// MentionsSecrets сообщает о конфликте пустых секретов: биржа не даёт
// сохранить лот с включённой автовыдачей без товаров. Обход — снять
// auto_delivery и сохранить ещё раз.
func (e *LotSavingError) MentionsSecrets() bool {
	for field := range e.Errors {
		if strings.Contains(field, "secrets") {
			return true
		}
	}
	return false
}

// FeedbackEditingError — не удалось отправить или изменить ответ на отзыв.
type FeedbackEditingError struct {
	OrderID string
	Err     error
}

func (e *FeedbackEditingError) Error() string {
	return fmt.Sprintf("feedback reply for order #%s failed: %v", e.OrderID, e.Err)
}

func (e *FeedbackEditingError) Unwrap() error { return e.Err }

// NotEnoughProductsError — в файле товаров меньше позиций, чем требует заказ.
type NotEnoughProductsError struct {
	Path string
	Want int
	Have int
}

func (e *NotEnoughProductsError) Error() string {
	return fmt.Sprintf("not enough products in %s: want %d, have %d", e.Path, e.Want, e.Have)
}

// ProductsFileNotFoundError — файл товаров из правила автовыдачи отсутствует.
type ProductsFileNotFoundError struct {
	Path string
}

func (e *ProductsFileNotFoundError) Error() string {
	return "products file not found: " + e.Path
}

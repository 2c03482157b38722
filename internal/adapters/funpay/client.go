// Package funpay — типизированный фасад над HTTP/HTML-транспортом биржи.
// Все методы блокирующие; вызывающий сам решает, уносить ли их в пул воркеров.
// Клиент держит состояние сессии (golden key, PHPSESSID, CSRF) и частотный
// лимитер, общий для всех запросов.
package funpay

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/logger"
)

const (
	// BaseURL — адрес биржи.
	BaseURL = "https://funpay.com/"
	// requestTimeout — таймаут любого не-long-poll запроса.
	requestTimeout = 30 * time.Second
	// BotCharacter — маркер-символ, которым агент помечает свои сообщения.
	BotCharacter = "⁤"
	// VertexCharacter — маркер стороннего бота прошлого поколения.
	VertexCharacter = "⁡"
)

// Client — аутентифицированная сессия биржи.
type Client struct {
	httpc   *http.Client
	limiter *rate.Limiter
	baseURL string

	goldenKey string
	userAgent string

	mu        sync.RWMutex
	csrfToken string
	sessionID string // PHPSESSID
	userID    int64
	username  string
	currency  market.Currency
	lastFetch time.Time // момент последнего обновления сессии
}

// Options — параметры создания клиента.
type Options struct {
	GoldenKey     string
	UserAgent     string
	RequestsDelay int      // секунды между запросами (частота лимитера)
	Proxy         *url.URL // nil — без прокси
	BaseURL       string   // пусто — BaseURL по умолчанию
}

// NewClient собирает клиента с лимитером и (опционально) прокси.
func NewClient(opts Options) *Client {
	transport := &http.Transport{}
	if opts.Proxy != nil {
		transport.Proxy = http.ProxyURL(opts.Proxy)
	}
	delay := opts.RequestsDelay
	if delay <= 0 {
		delay = 1
	}
	base := opts.BaseURL
	if base == "" {
		base = BaseURL
	}
	return &Client{
		httpc:     &http.Client{Transport: transport, Timeout: requestTimeout},
		limiter:   rate.NewLimiter(rate.Every(time.Duration(delay)*time.Second), 1),
		baseURL:   base,
		goldenKey: opts.GoldenKey,
		userAgent: opts.UserAgent,
	}
}

// UserID возвращает id аккаунта (0 до первого Setup).
func (c *Client) UserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Username возвращает отображаемое имя аккаунта.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Currency возвращает валюту аккаунта, наблюдавшуюся при последнем запросе.
func (c *Client) Currency() market.Currency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currency
}

// SetCurrency запоминает валюту аккаунта, установленную сверкой курса.
func (c *Client) SetCurrency(cur market.Currency) {
	c.mu.Lock()
	c.currency = cur
	c.mu.Unlock()
}

// CSRFToken возвращает текущий CSRF-токен сессии.
func (c *Client) CSRFToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.csrfToken
}

// SetProxy заменяет прокси на лету (смена через контрольный канал).
func (c *Client) SetProxy(proxy *url.URL) {
	transport := &http.Transport{}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	c.mu.Lock()
	c.httpc = &http.Client{Transport: transport, Timeout: requestTimeout}
	c.mu.Unlock()
}

// SetGoldenKey заменяет учётные данные (восстановление из degraded).
func (c *Client) SetGoldenKey(key string) {
	c.mu.Lock()
	c.goldenKey = key
	c.sessionID = ""
	c.mu.Unlock()
}

// do выполняет запрос с кукой сессии, UA и частотным лимитом.
// Транспортные сбои заворачиваются в NetworkError, 401/403 — в
// UnauthorizedError; при raiseNot200 любой другой не-200 статус — в
// RequestFailedError с телом ответа.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string,
	form url.Values, raiseNot200 bool) (int, []byte, error) {

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, errors.Wrap(err, "rate limiter")
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build request")
	}

	c.mu.RLock()
	golden, session, ua, httpc := c.goldenKey, c.sessionID, c.userAgent, c.httpc
	c.mu.RUnlock()

	cookie := "golden_key=" + golden
	if session != "" {
		cookie += "; PHPSESSID=" + session
	}
	req.Header.Set("cookie", cookie)
	if ua != "" {
		req.Header.Set("user-agent", ua)
	}
	if form != nil {
		req.Header.Set("content-type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return 0, nil, &market.NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	for _, ck := range resp.Cookies() {
		if ck.Name == "PHPSESSID" && ck.Value != "" {
			c.mu.Lock()
			c.sessionID = ck.Value
			c.mu.Unlock()
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &market.NetworkError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, data, &market.UnauthorizedError{Status: resp.StatusCode}
	case raiseNot200 && resp.StatusCode != http.StatusOK:
		return resp.StatusCode, data, &market.RequestFailedError{
			Status: resp.StatusCode,
			URL:    c.baseURL + path,
			Body:   string(data),
		}
	}
	return resp.StatusCode, data, nil
}

// Setup обновляет сессию: забирает главную страницу, выставляет CSRF-токен,
// id и имя аккаунта. Идемпотентен; вызывается при старте и из цикла
// обновления сессии (раз в час).
func (c *Client) Setup(ctx context.Context) error {
	_, data, err := c.do(ctx, http.MethodGet, "", nil, nil, true)
	if err != nil {
		return err
	}
	app, err := parseAppData(data)
	if err != nil {
		return errors.Wrap(err, "parse app data")
	}
	if app.UserID == 0 {
		// Страница отдалась, но мы на ней гость: ключ мёртв.
		return &market.UnauthorizedError{Status: http.StatusOK}
	}
	username := parseUsername(data)

	c.mu.Lock()
	c.csrfToken = app.CSRFToken
	c.userID = app.UserID
	if username != "" {
		c.username = username
	}
	c.lastFetch = time.Now()
	c.mu.Unlock()

	logger.Debug("session refreshed")
	return nil
}

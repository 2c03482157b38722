package funpay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/logger"
)

// ajaxHeaders — заголовки AJAX-запросов биржи.
func ajaxHeaders() map[string]string {
	return map[string]string{
		"accept":           "*/*",
		"x-requested-with": "XMLHttpRequest",
	}
}

// --- long-poll раннер ---

// RunnerObject — один интерес в запросе long-poll цикла.
type RunnerObject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Tag  string `json:"tag"`
	Data bool   `json:"data"`
}

// RunnerUpdate — один объект ответа раннера.
type RunnerUpdate struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id"`
	Tag  string          `json:"tag"`
	Data json.RawMessage `json:"data"`
}

// RunnerResponse — ответ раннера целиком.
type RunnerResponse struct {
	Objects  []RunnerUpdate  `json:"objects"`
	Response json.RawMessage `json:"response"`
}

// OrdersCounters — содержимое объекта orders_counters.
type OrdersCounters struct {
	Buyer  int `json:"buyer"`
	Seller int `json:"seller"`
}

// ChatBookmarks — содержимое объекта chat_bookmarks: HTML списка чатов.
type ChatBookmarks struct {
	HTML string `json:"html"`
}

// RunnerRequest выполняет один цикл long-poll. objects — интересы цикла,
// request — действие (nil, если цикл только опрашивает).
func (c *Client) RunnerRequest(ctx context.Context, objects []RunnerObject, request any) (RunnerResponse, error) {
	objectsJSON, err := json.Marshal(objects)
	if err != nil {
		return RunnerResponse{}, errors.Wrap(err, "marshal objects")
	}
	requestJSON := []byte("false")
	if request != nil {
		if requestJSON, err = json.Marshal(request); err != nil {
			return RunnerResponse{}, errors.Wrap(err, "marshal request")
		}
	}
	form := url.Values{
		"objects":    {string(objectsJSON)},
		"request":    {string(requestJSON)},
		"csrf_token": {c.CSRFToken()},
	}
	_, data, err := c.do(ctx, http.MethodPost, "runner/", ajaxHeaders(), form, true)
	if err != nil {
		return RunnerResponse{}, err
	}
	var resp RunnerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return RunnerResponse{}, errors.Wrap(err, "decode runner response")
	}
	return resp, nil
}

// --- чаты и сообщения ---

// GetChatHistory возвращает сообщения чата новее fromID (по возрастанию id).
func (c *Client) GetChatHistory(ctx context.Context, chatID int64, chatName string,
	interlocutorID, fromID int64) ([]market.Message, error) {

	path := fmt.Sprintf("chat/history?node=%d&last_message=%d", chatID, fromID)
	_, data, err := c.do(ctx, http.MethodGet, path, ajaxHeaders(), nil, true)
	if err != nil {
		return nil, err
	}
	messages, err := parseChatMessages(data, chatID, chatName, interlocutorID)
	if err != nil {
		return nil, err
	}
	filtered := messages[:0]
	for _, m := range messages {
		if m.ID > fromID {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// chatAction — тело действия chat_message раннера.
type chatAction struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// SendMessage отправляет текст в чат через действие раннера. Текст уходит
// как есть; водяной знак и маркер добавляет отправитель уровнем выше.
// Возвращает id созданного сообщения (0, если биржа его не назвала).
// При 400 «обновите страницу» вызывающий решает, обновлять ли сессию.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	return c.sendChatAction(ctx, chatID, map[string]any{
		"node":         chatID,
		"last_message": -1,
		"content":      text,
	})
}

// SendImage отправляет ранее загруженную картинку по её id.
func (c *Client) SendImage(ctx context.Context, chatID int64, imageID int64) (int64, error) {
	return c.sendChatAction(ctx, chatID, map[string]any{
		"node":         chatID,
		"last_message": -1,
		"content":      "",
		"image_id":     imageID,
	})
}

func (c *Client) sendChatAction(ctx context.Context, chatID int64, payload map[string]any) (int64, error) {
	resp, err := c.RunnerRequest(ctx, nil, chatAction{Action: "chat_message", Data: payload})
	if err != nil {
		return 0, err
	}
	if len(resp.Response) == 0 || string(resp.Response) == "null" {
		return 0, nil
	}
	var re struct {
		Error   json.RawMessage `json:"error"`
		Message struct {
			ID int64 `json:"id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(resp.Response, &re); err != nil {
		return 0, nil
	}
	if len(re.Error) > 0 && string(re.Error) != "null" {
		return 0, errors.Errorf("chat %d: send rejected: %s", chatID, re.Error)
	}
	return re.Message.ID, nil
}

// --- продажи и заказы ---

// GetSales возвращает страницу списка продаж и курсор продолжения.
// Пустой cursor — первая страница; пустой next — страниц больше нет.
func (c *Client) GetSales(ctx context.Context, cursor string) (next string, orders []market.OrderShortcut, err error) {
	path := "orders/trade"
	if cursor != "" {
		path += "?continue=" + url.QueryEscape(cursor)
	}
	_, data, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return "", nil, err
	}
	return parseSales(data)
}

// GetOrder возвращает полную страницу заказа.
func (c *Client) GetOrder(ctx context.Context, orderID string) (market.Order, error) {
	_, data, err := c.do(ctx, http.MethodGet, "orders/"+orderID+"/", nil, nil, true)
	if err != nil {
		return market.Order{}, err
	}
	return parseOrderPage(data, orderID)
}

// Refund возвращает деньги покупателю по заказу.
func (c *Client) Refund(ctx context.Context, orderID string) error {
	form := url.Values{
		"id":         {orderID},
		"csrf_token": {c.CSRFToken()},
	}
	_, data, err := c.do(ctx, http.MethodPost, "orders/refund", ajaxHeaders(), form, true)
	if err != nil {
		return err
	}
	var resp struct {
		Error json.RawMessage `json:"error"`
		Msg   string          `json:"msg"`
	}
	if err := json.Unmarshal(data, &resp); err == nil &&
		len(resp.Error) > 0 && string(resp.Error) != "null" && string(resp.Error) != "0" && string(resp.Error) != "false" {
		return errors.Errorf("refund order #%s rejected: %s", orderID, resp.Msg)
	}
	return nil
}

// SendFeedbackReply отправляет (или заменяет) ответ продавца на отзыв.
func (c *Client) SendFeedbackReply(ctx context.Context, orderID, text string) error {
	form := url.Values{
		"authorId":   {strconv.FormatInt(c.UserID(), 10)},
		"orderId":    {orderID},
		"text":       {text},
		"rating":     {"5"},
		"csrf_token": {c.CSRFToken()},
	}
	_, _, err := c.do(ctx, http.MethodPost, "orders/review", ajaxHeaders(), form, true)
	if err != nil {
		return &market.FeedbackEditingError{OrderID: orderID, Err: err}
	}
	return nil
}

// --- профиль и лоты ---

// GetProfile возвращает снимок собственных лотов продавца.
func (c *Client) GetProfile(ctx context.Context) (*market.Profile, error) {
	uid := c.UserID()
	if uid == 0 {
		return nil, errors.New("profile requested before session setup")
	}
	_, data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/%d/", uid), nil, nil, true)
	if err != nil {
		return nil, err
	}
	p, err := parseProfileLots(data, uid)
	if err != nil {
		return nil, err
	}
	p.FetchedAt = time.Now()
	return p, nil
}

// RaiseLots поднимает все обычные подкатегории категории одним запросом.
// Отказ биржи возвращается как RaiseError с распарсенным временем ожидания.
func (c *Client) RaiseLots(ctx context.Context, gameID int64, categoryName string, subcategoryIDs []int64) error {
	if len(subcategoryIDs) == 0 {
		return nil
	}
	form := url.Values{
		"game_id":    {strconv.FormatInt(gameID, 10)},
		"node_id":    {strconv.FormatInt(subcategoryIDs[0], 10)},
		"csrf_token": {c.CSRFToken()},
	}
	for _, id := range subcategoryIDs {
		form.Add("node_ids[]", strconv.FormatInt(id, 10))
	}
	_, data, err := c.do(ctx, http.MethodPost, "lots/raise", ajaxHeaders(), form, true)
	if err != nil {
		return err
	}
	var resp struct {
		Msg   string `json:"msg"`
		Error any    `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return errors.Wrap(err, "decode raise response")
	}
	if truthy(resp.Error) {
		return &market.RaiseError{
			CategoryName: categoryName,
			Message:      resp.Msg,
			WaitTime:     market.ParseWaitTime(resp.Msg),
		}
	}
	logger.Debugf("raised category %q: %s", categoryName, resp.Msg)
	return nil
}

// truthy трактует error-поле JSON-ответов биржи: число 0, false, null и
// пустая строка — успех, всё остальное — отказ.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0"
	default:
		return true
	}
}

// GetLotFields возвращает поля формы редактирования лота.
func (c *Client) GetLotFields(ctx context.Context, lotID int64) (market.LotFields, error) {
	path := fmt.Sprintf("lots/offerEdit?offer=%d", lotID)
	_, data, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return market.LotFields{}, err
	}
	fields, err := parseLotFields(data, lotID)
	if err != nil {
		return market.LotFields{}, err
	}
	fields.Fields["csrf_token"] = c.CSRFToken()
	return fields, nil
}

// SaveLot сохраняет поля лота. Отказ с ошибками по полям возвращается как
// LotSavingError (по нему распознаётся конфликт пустых секретов).
func (c *Client) SaveLot(ctx context.Context, fields market.LotFields) error {
	form := url.Values{}
	for k, v := range fields.Fields {
		form.Set(k, v)
	}
	form.Set("csrf_token", c.CSRFToken())
	status, data, err := c.do(ctx, http.MethodPost, "lots/offerSave", ajaxHeaders(), form, false)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	var resp struct {
		Errors map[string]string `json:"errors"`
		Error  string            `json:"error"`
	}
	if jsonErr := json.Unmarshal(data, &resp); jsonErr == nil && (len(resp.Errors) > 0 || resp.Error != "") {
		if resp.Errors == nil {
			resp.Errors = map[string]string{"": resp.Error}
		}
		return &market.LotSavingError{LotID: fields.LotID, Status: status, Errors: resp.Errors}
	}
	return &market.RequestFailedError{Status: status, URL: c.baseURL + "lots/offerSave", Body: string(data)}
}

// --- баланс и курс ---

// GetBalance возвращает баланс аккаунта по трём валютам.
func (c *Client) GetBalance(ctx context.Context) (market.Balance, error) {
	_, data, err := c.do(ctx, http.MethodGet, "account/balance", nil, nil, true)
	if err != nil {
		return market.Balance{}, err
	}
	return parseBalance(data)
}

// ExchangeRate — результат пробы смены валюты: биржа называет курс пересчёта
// цен из текущей валюты в запрошенную.
type ExchangeRate struct {
	From market.Currency
	To   market.Currency
	// Rate — сколько единиц From стоит одна единица To.
	Rate decimal.Decimal
}

// GetExchangeRate пробует сменить валюту выплат на target без подтверждения
// и извлекает названный биржей курс из текста предупреждения.
func (c *Client) GetExchangeRate(ctx context.Context, target market.Currency) (ExchangeRate, error) {
	form := url.Values{
		"cy":         {target.Code()},
		"csrf_token": {c.CSRFToken()},
	}
	_, data, err := c.do(ctx, http.MethodPost, "account/currency", ajaxHeaders(), form, true)
	if err != nil {
		return ExchangeRate{}, err
	}
	m := market.Regexps().ExchangeRate.FindStringSubmatch(string(data))
	if m == nil {
		return ExchangeRate{}, errors.Errorf("exchange rate to %s: warning text not found", target.Code())
	}
	// Группы: 4 — сумма в старой валюте (символ 5), 7 — за сумму в новой
	// валюте (символ 8).
	from := market.ParseCurrency(m[5])
	to := market.ParseCurrency(m[8])
	left, err := decimal.NewFromString(normalizeNumber(m[4]))
	if err != nil {
		return ExchangeRate{}, errors.Wrap(err, "parse rate amount")
	}
	right, err := decimal.NewFromString(normalizeNumber(m[7]))
	if err != nil {
		return ExchangeRate{}, errors.Wrap(err, "parse rate base")
	}
	if right.IsZero() {
		return ExchangeRate{}, errors.New("exchange rate base is zero")
	}
	return ExchangeRate{From: from, To: to, Rate: left.Div(right)}, nil
}

func normalizeNumber(s string) string {
	return strings.ReplaceAll(s, ",", ".")
}

// CheckProxy проверяет работоспособность прокси внешним echo-сервисом.
// Возвращает внешний IP (замаскированный до двух первых октетов в логах —
// маскирует вызывающий).
func CheckProxy(ctx context.Context, proxy *url.URL) (string, error) {
	transport := &http.Transport{}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.ipify.org", nil)
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &market.NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n]), nil
}

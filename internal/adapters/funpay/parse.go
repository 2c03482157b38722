// Разбор HTML-страниц биржи. Все парсеры принимают сырые байты ответа и
// возвращают доменные типы; селекторы собраны здесь, чтобы смена вёрстки
// чинилась в одном файле.
package funpay

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"funpay-agent/internal/domain/market"
)

// --- мелкие помощники обхода дерева ---

func attrVal(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// hasAttr проверяет наличие атрибута; булевы атрибуты (checked, selected)
// в разметке идут без значения.
func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrVal(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// findAll возвращает все узлы-элементы, удовлетворяющие предикату.
func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// findFirst возвращает первый подходящий узел или nil.
func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	var out *html.Node
	walk(root, func(n *html.Node) bool {
		if out != nil {
			return false
		}
		if n.Type == html.ElementNode && match(n) {
			out = n
			return false
		}
		return true
	})
	return out
}

func byClass(tag, class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return (tag == "" || n.Data == tag) && hasClass(n, class)
	}
}

// nodeText собирает текст всех текстовых потомков.
func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return strings.TrimSpace(b.String())
}

func parseDoc(data []byte) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, errors.Wrap(err, "parse html")
	}
	return doc, nil
}

// idFromUserLink вытаскивает id из ссылки вида https://funpay.com/users/123/.
func idFromUserLink(href string) int64 {
	href = strings.TrimSuffix(href, "/")
	idx := strings.LastIndex(href, "/")
	if idx < 0 {
		return 0
	}
	id, _ := strconv.ParseInt(href[idx+1:], 10, 64)
	return id
}

// parseMoney разбирает строку цены «1 000.50 ₽» в сумму и валюту.
func parseMoney(s string) (decimal.Decimal, market.Currency) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, market.CurrencyUnknown
	}
	runes := []rune(s)
	cur := market.ParseCurrency(string(runes[len(runes)-1]))
	num := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.':
			return r
		case r == ',':
			return '.'
		default:
			return -1
		}
	}, s)
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, cur
	}
	return d, cur
}

// --- данные приложения ---

type appData struct {
	UserID    int64
	CSRFToken string
	Locale    string
}

// parseAppData читает JSON из атрибута data-app-data на body.
func parseAppData(data []byte) (appData, error) {
	doc, err := parseDoc(data)
	if err != nil {
		return appData{}, err
	}
	body := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "body" && attrVal(n, "data-app-data") != ""
	})
	if body == nil {
		return appData{}, errors.New("app data attribute not found")
	}
	var raw struct {
		UserID    int64  `json:"userId"`
		CSRFToken string `json:"csrf-token"`
		Locale    string `json:"locale"`
	}
	if err := json.Unmarshal([]byte(attrVal(body, "data-app-data")), &raw); err != nil {
		return appData{}, errors.Wrap(err, "decode app data")
	}
	return appData{UserID: raw.UserID, CSRFToken: raw.CSRFToken, Locale: raw.Locale}, nil
}

// parseUsername достаёт имя аккаунта из шапки страницы.
func parseUsername(data []byte) string {
	doc, err := parseDoc(data)
	if err != nil {
		return ""
	}
	return nodeText(findFirst(doc, byClass("div", "user-link-name")))
}

// --- список чатов ---

// ParseContactItems разбирает строки списка чатов (закладки чатов).
// Маркер-символ бота в начале текста последнего сообщения срезается,
// заглушка «Изображение» распознаётся как вложение.
func ParseContactItems(data []byte) ([]market.ChatShortcut, error) {
	doc, err := parseDoc(data)
	if err != nil {
		return nil, err
	}
	var out []market.ChatShortcut
	for _, item := range findAll(doc, byClass("a", "contact-item")) {
		id, _ := strconv.ParseInt(attrVal(item, "data-id"), 10, 64)
		nodeMsg, _ := strconv.ParseInt(attrVal(item, "data-node-msg"), 10, 64)
		userMsg, _ := strconv.ParseInt(attrVal(item, "data-user-msg"), 10, 64)
		text := nodeText(findFirst(item, byClass("div", "contact-item-message")))
		text, _, _ = stripBotMarker(text)
		cs := market.ChatShortcut{
			ID:              id,
			Name:            nodeText(findFirst(item, byClass("div", "media-user-name"))),
			LastMessageText: text,
			LastNodeMsgID:   nodeMsg,
			LastUserMsgID:   userMsg,
			Unread:          hasClass(item, "unread"),
		}
		if market.IsImagePlaceholder(cs.LastMessageText) {
			cs.LastMessageImage = true
		}
		out = append(out, cs)
	}
	return out, nil
}

// stripBotMarker срезает маркер-символ агента или стороннего бота
// из начала текста.
func stripBotMarker(text string) (clean string, byBot, byVertex bool) {
	switch {
	case strings.HasPrefix(text, BotCharacter):
		return strings.TrimPrefix(text, BotCharacter), true, false
	case strings.HasPrefix(text, VertexCharacter):
		return strings.TrimPrefix(text, VertexCharacter), false, true
	default:
		return text, false, false
	}
}

// --- история чата ---

// parseChatMessages разбирает блок истории чата. Сообщения без собственного
// заголовка автора наследуют автора предыдущего (биржа схлопывает подряд
// идущие сообщения одного отправителя).
func parseChatMessages(data []byte, chatID int64, chatName string, interlocutorID int64) ([]market.Message, error) {
	doc, err := parseDoc(data)
	if err != nil {
		return nil, err
	}
	var (
		out        []market.Message
		lastAuthor string
		lastID     int64
		lastBadge  string
	)
	for _, item := range findAll(doc, byClass("div", "chat-msg-item")) {
		idAttr := strings.TrimPrefix(attrVal(item, "id"), "message-")
		msgID, _ := strconv.ParseInt(idAttr, 10, 64)

		msg := market.Message{
			ID:             msgID,
			ChatID:         chatID,
			ChatName:       chatName,
			InterlocutorID: interlocutorID,
		}
		if authorLink := findFirst(item, func(n *html.Node) bool {
			return n.Data == "a" && strings.Contains(attrVal(n, "href"), "/users/")
		}); authorLink != nil {
			msg.Author = nodeText(authorLink)
			msg.AuthorID = idFromUserLink(attrVal(authorLink, "href"))
			msg.Badge = nodeText(findFirst(item, byClass("span", "chat-msg-author-label")))
			lastAuthor, lastID, lastBadge = msg.Author, msg.AuthorID, msg.Badge
		} else {
			msg.Author, msg.AuthorID, msg.Badge = lastAuthor, lastID, lastBadge
		}

		if img := findFirst(item, byClass("a", "chat-img-link")); img != nil {
			msg.ImageLink = attrVal(img, "href")
		} else {
			text := nodeText(findFirst(item, byClass("div", "chat-msg-text")))
			text, byBot, byVertex := stripBotMarker(text)
			msg.Text, msg.ByBot, msg.ByVertex = text, byBot, byVertex
		}
		// Служебные уведомления биржа шлёт от своего системного аккаунта.
		if msg.AuthorID == 0 {
			msg.Type = market.ClassifyMessage(msg.Text)
		}
		out = append(out, msg)
	}
	return out, nil
}

// --- список продаж ---

// statusTexts — подписи статусов заказов по локалям.
var statusTexts = map[string]market.OrderStatus{
	"Оплачен":   market.OrderStatusPaid,
	"Оплачено":  market.OrderStatusPaid,
	"Paid":      market.OrderStatusPaid,
	"Закрыт":    market.OrderStatusClosed,
	"Закрито":   market.OrderStatusClosed,
	"Closed":    market.OrderStatusClosed,
	"Возврат":   market.OrderStatusRefunded,
	"Повернення": market.OrderStatusRefunded,
	"Refunded":  market.OrderStatusRefunded,
}

// parseSales разбирает страницу «Мои продажи»: строки заказов и курсор
// продолжения для следующей страницы (пустой — страниц больше нет).
func parseSales(data []byte) (next string, orders []market.OrderShortcut, err error) {
	doc, err := parseDoc(data)
	if err != nil {
		return "", nil, err
	}
	if cont := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "input" && attrVal(n, "name") == "continue"
	}); cont != nil {
		next = attrVal(cont, "value")
	}

	re := market.Regexps()
	for _, row := range findAll(doc, byClass("a", "tc-item")) {
		var o market.OrderShortcut
		o.ID = strings.TrimPrefix(nodeText(findFirst(row, byClass("div", "tc-order"))), "#")

		if desc := findFirst(row, byClass("div", "order-desc")); desc != nil {
			var parts []string
			for c := desc.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode {
					parts = append(parts, nodeText(c))
				}
			}
			if len(parts) > 0 {
				o.Description = parts[0]
			}
			if len(parts) > 1 {
				o.SubcategoryName = parts[1]
			}
		}

		o.Amount = 1
		if m := re.ProductsAmountOrder.FindStringSubmatch(o.Description); m != nil {
			if n, convErr := strconv.Atoi(strings.ReplaceAll(m[1], " ", "")); convErr == nil && n > 0 {
				o.Amount = n
			}
		}

		if user := findFirst(row, byClass("div", "tc-user")); user != nil {
			o.BuyerUsername = nodeText(findFirst(user, byClass("div", "media-user-name")))
			if link := findFirst(user, func(n *html.Node) bool {
				return n.Data == "span" && attrVal(n, "data-href") != ""
			}); link != nil {
				o.BuyerID = idFromUserLink(attrVal(link, "data-href"))
			}
		}
		o.ChatID = o.BuyerID // личный чат с покупателем адресуется его id

		o.Price, o.Currency = parseMoney(nodeText(findFirst(row, byClass("div", "tc-price"))))
		o.Status = statusTexts[nodeText(findFirst(row, byClass("div", "tc-status")))]
		orders = append(orders, o)
	}
	return next, orders, nil
}

// --- страница заказа ---

// parseOrderPage разбирает полную страницу заказа.
func parseOrderPage(data []byte, orderID string) (market.Order, error) {
	doc, err := parseDoc(data)
	if err != nil {
		return market.Order{}, err
	}
	o := market.Order{ID: orderID, Amount: 1}
	o.Status = statusTexts[nodeText(findFirst(doc, byClass("span", "order-status")))]

	if h := findFirst(doc, byClass("div", "order-title")); h != nil {
		o.Title = nodeText(h)
		o.ShortDescription = o.Title
	}
	if d := findFirst(doc, byClass("div", "order-full-desc")); d != nil {
		o.FullDescription = nodeText(d)
	}

	re := market.Regexps()
	for _, p := range findAll(doc, byClass("div", "param-item")) {
		name := nodeText(findFirst(p, func(n *html.Node) bool { return n.Data == "h5" }))
		value := nodeText(findFirst(p, func(n *html.Node) bool { return n != p && n.Data == "div" }))
		switch name {
		case "Игра", "Гра", "Game":
			o.Game = value
		case "Категория", "Категорія", "Category":
			o.Subcategory = value
		case "Сумма", "Сума", "Total", "Сумма заказа":
			o.Sum, o.Currency = parseMoney(value)
		case "Количество", "Кількість", "Quantity":
			if m := re.ProductsAmountOrder.FindStringSubmatch(value); m != nil {
				if n, convErr := strconv.Atoi(strings.ReplaceAll(m[1], " ", "")); convErr == nil && n > 0 {
					o.Amount = n
				}
			}
		default:
			if name != "" {
				o.Params = append(o.Params, market.OrderParam{Name: name, Value: value})
			}
		}
	}

	if buyer := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "a" && hasClass(n, "user-link-name")
	}); buyer != nil {
		o.BuyerUsername = nodeText(buyer)
		o.BuyerID = idFromUserLink(attrVal(buyer, "href"))
		o.ChatID = o.BuyerID
	}

	if rev := findFirst(doc, byClass("div", "review-container")); rev != nil {
		r := &market.Review{}
		if stars := findFirst(rev, func(n *html.Node) bool {
			return n.Data == "div" && strings.HasPrefix(attrVal(n, "class"), "rating")
		}); stars != nil {
			n, _ := strconv.Atoi(strings.TrimPrefix(attrVal(stars, "class"), "rating"))
			r.Stars = n
		}
		r.Text = nodeText(findFirst(rev, byClass("div", "review-item-text")))
		r.Reply = nodeText(findFirst(rev, byClass("div", "review-item-answer")))
		o.Review = r
	}
	return o, nil
}

// --- профиль: собственные лоты ---

// parseProfileLots разбирает страницу профиля продавца: секции игр в порядке
// следования, внутри — блоки подкатегорий со строками лотов. Валютные
// подкатегории распознаются по ссылке /chips/, деактивированные лоты — по
// классу warning на строке.
func parseProfileLots(data []byte, userID int64) (*market.Profile, error) {
	doc, err := parseDoc(data)
	if err != nil {
		return nil, err
	}
	p := &market.Profile{UserID: userID, Username: parseUsername(data)}

	position := 0
	for _, game := range findAll(doc, byClass("div", "promo-game-item")) {
		title := findFirst(game, byClass("div", "game-title"))
		if title == nil {
			continue
		}
		gameID, _ := strconv.ParseInt(attrVal(title, "data-id"), 10, 64)
		cat := market.Category{
			ID:       gameID,
			Name:     nodeText(title),
			Position: position,
		}
		position++

		for _, offer := range findAll(game, byClass("div", "offer")) {
			header := findFirst(offer, func(n *html.Node) bool {
				return n.Data == "a" && (strings.Contains(attrVal(n, "href"), "/lots/") ||
					strings.Contains(attrVal(n, "href"), "/chips/"))
			})
			if header == nil {
				continue
			}
			href := attrVal(header, "href")
			sub := market.Subcategory{
				ID:   idFromUserLink(href),
				Name: nodeText(header),
				Type: market.SubcategoryCommon,
			}
			if strings.Contains(href, "/chips/") {
				sub.Type = market.SubcategoryCurrency
			}

			for _, row := range findAll(offer, byClass("a", "tc-item")) {
				lotID, _ := strconv.ParseInt(attrVal(row, "data-offer"), 10, 64)
				if lotID == 0 {
					if u, parseErr := strconv.ParseInt(offerIDFromHref(attrVal(row, "href")), 10, 64); parseErr == nil {
						lotID = u
					}
				}
				sub.Lots = append(sub.Lots, market.Lot{
					ID:              lotID,
					Title:           nodeText(findFirst(row, byClass("div", "tc-desc-text"))),
					Server:          nodeText(findFirst(row, byClass("div", "tc-server"))),
					SubcategoryID:   sub.ID,
					SubcategoryName: sub.Name,
					SubcategoryType: sub.Type,
					Active:          !hasClass(row, "warning"),
				})
			}
			cat.Subcategories = append(cat.Subcategories, sub)
		}
		p.Categories = append(p.Categories, cat)
	}
	return p, nil
}

// offerIDFromHref достаёт id лота из ссылки вида /lots/offer?id=123.
func offerIDFromHref(href string) string {
	idx := strings.Index(href, "id=")
	if idx < 0 {
		return ""
	}
	id := href[idx+3:]
	if amp := strings.IndexByte(id, '&'); amp >= 0 {
		id = id[:amp]
	}
	return id
}

// --- форма редактирования лота ---

// parseLotFields собирает все поля формы редактирования лота как есть:
// input (чекбоксы — только отмеченные, как «on»), select (выбранный option),
// textarea. Ядро меняет active и auto_delivery, остальное возвращает бирже
// нетронутым.
func parseLotFields(data []byte, lotID int64) (market.LotFields, error) {
	doc, err := parseDoc(data)
	if err != nil {
		return market.LotFields{}, err
	}
	form := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "form" && strings.Contains(attrVal(n, "action"), "offerSave")
	})
	if form == nil {
		return market.LotFields{}, errors.Errorf("lot %d: edit form not found", lotID)
	}

	fields := make(map[string]string)
	walk(form, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		name := attrVal(n, "name")
		if name == "" {
			return true
		}
		switch n.Data {
		case "input":
			switch attrVal(n, "type") {
			case "checkbox":
				if hasAttr(n, "checked") {
					fields[name] = "on"
				}
			case "radio":
				if hasAttr(n, "checked") {
					fields[name] = attrVal(n, "value")
				}
			default:
				fields[name] = attrVal(n, "value")
			}
		case "textarea":
			fields[name] = nodeText(n)
		case "select":
			for _, opt := range findAll(n, func(o *html.Node) bool { return o.Data == "option" }) {
				if hasAttr(opt, "selected") {
					fields[name] = attrVal(opt, "value")
				}
			}
			if _, ok := fields[name]; !ok {
				if opt := findFirst(n, func(o *html.Node) bool { return o.Data == "option" }); opt != nil {
					fields[name] = attrVal(opt, "value")
				}
			}
		}
		return true
	})
	return market.LotFields{LotID: lotID, Fields: fields}, nil
}

// --- баланс ---

// parseBalance разбирает страницу баланса: по блоку на валюту с полной и
// доступной к выводу суммами.
func parseBalance(data []byte) (market.Balance, error) {
	doc, err := parseDoc(data)
	if err != nil {
		return market.Balance{}, err
	}
	var b market.Balance
	for _, item := range findAll(doc, byClass("div", "balances-item")) {
		total, _ := parseMoney(nodeText(findFirst(item, byClass("span", "balances-value"))))
		avail, _ := parseMoney(nodeText(findFirst(item, byClass("span", "balances-available"))))
		switch market.ParseCurrencyCode(strings.ToUpper(attrVal(item, "data-currency"))) {
		case market.CurrencyRUB:
			b.TotalRUB, b.AvailableRUB = total, avail
		case market.CurrencyUSD:
			b.TotalUSD, b.AvailableUSD = total, avail
		case market.CurrencyEUR:
			b.TotalEUR, b.AvailableEUR = total, avail
		}
	}
	return b, nil
}

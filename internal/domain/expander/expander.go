// Package expander — подстановка переменных и разбивка исходящих текстов.
// Текст ответа может содержать переменные ($username, $order_id, ...) и
// управляющие токены: $photo=<id> (отправить картинку), $sleep=<сек> (пауза),
// $new или [a][/a] (принудительный разрыв абзаца). Между токенами текст
// режется на куски не длиннее 20 строк и уходит отдельными сообщениями.
package expander

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"funpay-agent/internal/domain/market"
)

// entityRe повторяет грамматику управляющих токенов апстрима.
var entityRe = regexp.MustCompile(`\$photo=\d+|\$new|(\$sleep=(\d+\.\d+|\d+))`)

// maxChunkLines — максимум строк в одном исходящем сообщении.
const maxChunkLines = 20

// paragraphBreak — маркер принудительного разрыва, который пропускается
// при разбивке на куски.
const paragraphBreak = "[a][/a]"

// EntityKind — вид элемента разобранного сообщения.
type EntityKind int

const (
	EntityText EntityKind = iota
	EntityPhoto
	EntitySleep
)

// Entity — один элемент исходящей последовательности.
type Entity struct {
	Kind    EntityKind
	Text    string
	PhotoID int64
	Sleep   float64 // секунды
}

// monthNames — русские названия месяцев для $date_text.
var monthNames = [...]string{
	"Января", "Февраля", "Марта",
	"Апреля", "Мая", "Июня",
	"Июля", "Августа", "Сентября",
	"Октября", "Ноября", "Декабря",
}

func monthName(m time.Month) string { return monthNames[int(m)-1] }

// SafeText вставляет невидимый разделитель между символами имени, чтобы
// подстановка чужого ника в исходящий текст не срабатывала как команда
// и не кликалась как упоминание.
func SafeText(text string) string {
	return strings.Join(strings.Split(text, ""), "⁣")
}

// dateVars — общие временные переменные обоих словарей подстановки.
func dateVars(now time.Time) map[string]string {
	strDate := fmt.Sprintf("%d %s", now.Day(), monthName(now.Month()))
	return map[string]string{
		"$full_date_text": fmt.Sprintf("%s %d года", strDate, now.Year()),
		"$date_text":      strDate,
		"$date":           now.Format("02.01.2006"),
		"$time":           now.Format("15:04"),
		"$full_time":      now.Format("15:04:05"),
	}
}

// replaceAll применяет словарь подстановок. Длинные ключи подставляются
// первыми, чтобы $full_date_text не разрушался заменой $date.
var varOrder = []string{
	"$full_date_text", "$date_text", "$date", "$time", "$full_time",
	"$username", "$message_text", "$chat_id", "$chat_name",
	"$order_desc_and_params", "$order_desc_or_params", "$order_desc",
	"$order_title", "$order_params", "$order_id", "$order_link",
	"$category_fullname", "$category", "$game",
}

func replaceAll(text string, vars map[string]string) string {
	for _, key := range varOrder {
		if val, ok := vars[key]; ok {
			text = strings.ReplaceAll(text, key, val)
		}
	}
	return text
}

// FormatMessageText подставляет переменные контекста сообщения.
func FormatMessageText(text string, msg market.Message, now time.Time) string {
	vars := dateVars(now)
	vars["$username"] = SafeText(msg.Author)
	vars["$message_text"] = msg.Text
	vars["$chat_id"] = strconv.FormatInt(msg.ChatID, 10)
	vars["$chat_name"] = SafeText(msg.ChatName)
	return replaceAll(text, vars)
}

// FormatChatText подставляет переменные контекста чата (для приветствий,
// когда полного сообщения под рукой нет).
func FormatChatText(text string, chat market.ChatShortcut, now time.Time) string {
	vars := dateVars(now)
	vars["$username"] = SafeText(chat.Name)
	vars["$message_text"] = chat.LastMessageText
	vars["$chat_id"] = strconv.FormatInt(chat.ID, 10)
	vars["$chat_name"] = SafeText(chat.Name)
	return replaceAll(text, vars)
}

// OrderView — проекция заказа для подстановки: работает и для ярлыка из
// списка продаж, и для полной страницы заказа.
type OrderView struct {
	ID            string
	BuyerUsername string
	Description   string
	Params        string
	Game          string
	Subcategory   string
}

// ViewFromShortcut строит проекцию из ярлыка. Игра и подкатегория
// восстанавливаются из "Игра, Подкатегория" последним разделителем.
func ViewFromShortcut(o market.OrderShortcut) OrderView {
	v := OrderView{
		ID:            o.ID,
		BuyerUsername: o.BuyerUsername,
		Description:   o.Description,
	}
	if idx := strings.LastIndex(o.SubcategoryName, ", "); idx >= 0 {
		v.Game = o.SubcategoryName[:idx]
		v.Subcategory = o.SubcategoryName[idx+2:]
	} else {
		v.Subcategory = o.SubcategoryName
	}
	return v
}

// ViewFromOrder строит проекцию из полной страницы заказа.
func ViewFromOrder(o market.Order) OrderView {
	var params []string
	for _, p := range o.Params {
		params = append(params, p.Name+": "+p.Value)
	}
	return OrderView{
		ID:            o.ID,
		BuyerUsername: o.BuyerUsername,
		Description:   o.ShortDescription,
		Params:        strings.Join(params, ", "),
		Game:          o.Game,
		Subcategory:   o.Subcategory,
	}
}

// FormatOrderText подставляет переменные контекста заказа.
func FormatOrderText(text string, v OrderView, now time.Time) string {
	vars := dateVars(now)
	descAndParams := v.Description + v.Params
	if v.Description != "" && v.Params != "" {
		descAndParams = v.Description + ", " + v.Params
	}
	descOrParams := v.Description
	if descOrParams == "" {
		descOrParams = v.Params
	}
	fullname := ""
	if v.Subcategory != "" || v.Game != "" {
		fullname = strings.TrimSpace(v.Subcategory + " " + v.Game)
	}
	vars["$username"] = SafeText(v.BuyerUsername)
	vars["$order_desc_and_params"] = descAndParams
	vars["$order_desc_or_params"] = descOrParams
	vars["$order_desc"] = v.Description
	vars["$order_title"] = v.Description
	vars["$order_params"] = v.Params
	vars["$order_id"] = v.ID
	vars["$order_link"] = "https://funpay.com/orders/" + v.ID + "/"
	vars["$category_fullname"] = fullname
	vars["$category"] = v.Subcategory
	vars["$game"] = v.Game
	return replaceAll(text, vars)
}

// SplitText режет текст на куски: маркер разрыва завершает текущий кусок и
// выбрасывается, кусок длиннее maxChunkLines строк режется принудительно.
// Пустые куски не попадают в выдачу.
func SplitText(text string) []string {
	var output []string
	var chunk []string
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		sub := strings.Join(chunk, "\n")
		chunk = chunk[:0]
		if s := strings.TrimSpace(sub); s != "" {
			output = append(output, sub)
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == paragraphBreak {
			flush()
			continue
		}
		chunk = append(chunk, line)
		if len(chunk) == maxChunkLines {
			flush()
		}
	}
	flush()
	return output
}

// ParseEntities разбирает текст в последовательность сущностей отправки.
// Пустые строки превращаются в принудительные разрывы абзацев, токены
// $photo/$sleep становятся отдельными сущностями, $new — только точка
// разреза. Текстовые промежутки прогоняются через SplitText.
func ParseEntities(text string) []Entity {
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	normalized := strings.Join(lines, "\n")
	for strings.Contains(normalized, "\n\n") {
		normalized = strings.ReplaceAll(normalized, "\n\n", "\n"+paragraphBreak+"\n")
	}

	var entities []Entity
	appendText := func(chunk string) {
		if s := strings.TrimSpace(chunk); s != "" {
			for _, part := range SplitText(s) {
				entities = append(entities, Entity{Kind: EntityText, Text: part})
			}
		}
	}

	pos := 0
	for {
		loc := entityRe.FindStringIndex(normalized[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		appendText(normalized[pos:start])
		token := normalized[start:end]
		switch {
		case strings.HasPrefix(token, "$photo"):
			id, err := strconv.ParseInt(token[len("$photo="):], 10, 64)
			if err == nil {
				entities = append(entities, Entity{Kind: EntityPhoto, PhotoID: id})
			}
		case strings.HasPrefix(token, "$sleep"):
			sec, err := strconv.ParseFloat(token[len("$sleep="):], 64)
			if err == nil {
				entities = append(entities, Entity{Kind: EntitySleep, Sleep: sec})
			}
		}
		pos = end
	}
	appendText(normalized[pos:])
	return entities
}

// OnlySleeps сообщает, что отправлять нечего: одни паузы или пусто.
func OnlySleeps(entities []Entity) bool {
	for _, e := range entities {
		if e.Kind != EntitySleep {
			return false
		}
	}
	return true
}

// UnescapeProduct превращает литеральные \n внутри строки товара в реальные
// переводы строк.
func UnescapeProduct(line string) string {
	return strings.ReplaceAll(line, `\n`, "\n")
}

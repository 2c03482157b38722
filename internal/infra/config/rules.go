// Загрузка конфигов автоответчика (auto_response.cfg) и автовыдачи
// (auto_delivery.cfg). Оба файла правятся операторами руками и через бота,
// поэтому ошибка парсинга не валит процесс: модуль продолжает работать с
// пустым набором правил, а оператор получает критический лог.
package config

import (
	"os"
	"strings"

	"github.com/go-faster/errors"
	"gopkg.in/ini.v1"

	"funpay-agent/internal/infra/logger"
)

// AutoReplyRule — правило автоответчика. Ключ правила — нормализованная
// команда (trim + lower + без переводов строк).
type AutoReplyRule struct {
	Command              string // исходное имя секции
	Response             string
	TelegramNotification bool
	NotificationText     string
}

// DeliveryRule — правило автовыдачи, секция по точному названию лота.
type DeliveryRule struct {
	LotTitle             string
	Response             string
	ProductsFileName     string
	Disable              bool
	DisableMultiDelivery bool
	DisableAutoRestore   bool
	DisableAutoDisable   bool
}

// InventoryBacked сообщает, выдаёт ли правило товары из файла.
func (r DeliveryRule) InventoryBacked() bool { return r.ProductsFileName != "" }

// NormalizeCommand приводит текст сообщения к ключу автоответчика.
func NormalizeCommand(text string) string {
	return strings.TrimSpace(strings.ToLower(strings.ReplaceAll(text, "\n", "")))
}

// loadAutoReply читает auto_response.cfg. Секция вида "cmd1|cmd2" раскрывается
// в отдельные правила с общими параметрами; готовая команда не может совпадать
// с уже объявленной секцией.
func loadAutoReply(path string) (map[string]AutoReplyRule, []string, error) {
	rules := make(map[string]AutoReplyRule)
	var order []string

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return rules, order, nil
	}

	f, err := ini.LoadSources(iniLoadOptions(), path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load auto_response config")
	}

	add := func(command string, sec *ini.Section) error {
		response := sec.Key("response").String()
		if strings.TrimSpace(response) == "" {
			return &ParseError{Path: path, Section: sec.Name(), Param: "response", Reason: "value is required"}
		}
		notify := false
		if raw := strings.TrimSpace(sec.Key("telegramNotification").String()); raw != "" {
			switch raw {
			case "0":
			case "1":
				notify = true
			default:
				return &ParseError{Path: path, Section: sec.Name(), Param: "telegramNotification",
					Reason: "value must be 0 or 1"}
			}
		}
		key := NormalizeCommand(command)
		if _, dup := rules[key]; dup {
			return &ParseError{Path: path, Section: sec.Name(), Param: command, Reason: "duplicate command"}
		}
		rules[key] = AutoReplyRule{
			Command:              command,
			Response:             response,
			TelegramNotification: notify,
			NotificationText:     sec.Key("notificationText").String(),
		}
		order = append(order, command)
		return nil
	}

	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		if strings.Contains(sec.Name(), "|") {
			for _, alias := range strings.Split(sec.Name(), "|") {
				alias = strings.TrimSpace(alias)
				if alias == "" {
					continue
				}
				if err := add(alias, sec); err != nil {
					return nil, nil, err
				}
			}
			continue
		}
		if err := add(sec.Name(), sec); err != nil {
			return nil, nil, err
		}
	}
	return rules, order, nil
}

// loadAutoDelivery читает auto_delivery.cfg. Для правил с файлом товаров
// проверяется существование файла и наличие токена $product в ответе.
func loadAutoDelivery(path string, paths Paths) ([]DeliveryRule, error) {
	var rules []DeliveryRule

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return rules, nil
	}

	f, err := ini.LoadSources(iniLoadOptions(), path)
	if err != nil {
		return nil, errors.Wrap(err, "load auto_delivery config")
	}

	boolOpt := func(sec *ini.Section, key string) (bool, error) {
		raw := strings.TrimSpace(sec.Key(key).String())
		switch raw {
		case "", "0":
			return false, nil
		case "1":
			return true, nil
		default:
			return false, &ParseError{Path: path, Section: sec.Name(), Param: key, Reason: "value must be 0 or 1"}
		}
	}

	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		rule := DeliveryRule{LotTitle: sec.Name()}
		rule.Response = sec.Key("response").String()
		if strings.TrimSpace(rule.Response) == "" {
			return nil, &ParseError{Path: path, Section: sec.Name(), Param: "response", Reason: "value is required"}
		}
		rule.ProductsFileName = strings.TrimSpace(sec.Key("productsFileName").String())
		if rule.Disable, err = boolOpt(sec, "disable"); err != nil {
			return nil, err
		}
		if rule.DisableMultiDelivery, err = boolOpt(sec, "disableMultiDelivery"); err != nil {
			return nil, err
		}
		if rule.DisableAutoRestore, err = boolOpt(sec, "disableAutoRestore"); err != nil {
			return nil, err
		}
		if rule.DisableAutoDisable, err = boolOpt(sec, "disableAutoDisable"); err != nil {
			return nil, err
		}

		if rule.InventoryBacked() {
			file := paths.ProductFile(rule.ProductsFileName)
			if _, err := os.Stat(file); os.IsNotExist(err) {
				return nil, &ParseError{Path: path, Section: sec.Name(), Param: "productsFileName",
					Reason: "products file not found: " + file}
			}
			if !strings.Contains(rule.Response, "$product") {
				return nil, &ParseError{Path: path, Section: sec.Name(), Param: "response",
					Reason: "response must contain $product"}
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// logRulesFallback пишет критический лог о переходе на пустую конфигурацию.
func logRulesFallback(what string, err error) {
	logger.Errorf("не удалось прочитать %s: %v", what, err)
	logger.Warnf("модуль %q будет работать с пустой конфигурацией; исправьте файл или настройте правила заново через бота", what)
}

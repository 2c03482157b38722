// Manager — владелец всех трёх ini-конфигов в рантайме.
// Чтение — снапшоты под RLock; мутации от контрольного канала сериализуются
// мьютексом и атомарно сбрасываются на диск (temp → fsync → rename).
package config

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"gopkg.in/ini.v1"

	"funpay-agent/internal/infra/logger"
	"funpay-agent/internal/infra/storage"
)

// Manager хранит актуальное состояние конфигурации.
type Manager struct {
	mu    sync.RWMutex
	paths Paths

	main     MainConfig
	mainFile *ini.File

	autoReply      map[string]AutoReplyRule
	autoReplyOrder []string
	arFile         *ini.File
	// ARLoadFailed выставляется, когда auto_response.cfg существует, но не
	// распарсился: бот предупреждает оператора перед перезаписью файла.
	ARLoadFailed bool

	delivery []DeliveryRule
	adFile   *ini.File
	// ADLoadFailed — то же для auto_delivery.cfg.
	ADLoadFailed bool

	warnings []string
}

// Load читает все конфиги. Ошибка в _main.cfg фатальна; ошибки в конфигах
// правил переводят соответствующий модуль на пустой набор.
func Load(paths Paths) (*Manager, error) {
	m := &Manager{paths: paths}

	var warnings []string
	mainFile, mainCfg, err := loadMainFile(paths.MainConfig(), &warnings)
	if err != nil {
		return nil, err
	}
	m.mainFile = mainFile
	m.main = mainCfg

	m.autoReply, m.autoReplyOrder, err = loadAutoReply(paths.AutoResponse())
	if err != nil {
		logRulesFallback("auto_response.cfg", err)
		m.autoReply = map[string]AutoReplyRule{}
		m.autoReplyOrder = nil
		m.ARLoadFailed = true
	}
	m.arFile = loadOrEmpty(paths.AutoResponse())

	m.delivery, err = loadAutoDelivery(paths.AutoDelivery(), paths)
	if err != nil {
		logRulesFallback("auto_delivery.cfg", err)
		m.delivery = nil
		m.ADLoadFailed = true
	}
	m.adFile = loadOrEmpty(paths.AutoDelivery())

	m.warnings = warnings
	for _, w := range warnings {
		logger.Warn(w)
	}
	return m, nil
}

// loadOrEmpty возвращает файл как есть либо пустой ini при любой ошибке.
func loadOrEmpty(path string) *ini.File {
	f, err := ini.LoadSources(iniLoadOptions(), path)
	if err != nil {
		return ini.Empty(iniLoadOptions())
	}
	return f
}

// Paths возвращает раскладку файлов процесса.
func (m *Manager) Paths() Paths { return m.paths }

// Warnings возвращает копию предупреждений, накопленных при загрузке.
func (m *Manager) Warnings() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.warnings))
	copy(out, m.warnings)
	return out
}

// Main возвращает снапшот основного конфига.
func (m *Manager) Main() MainConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.main
}

// UpdateMain применяет мутацию к основному конфигу и сохраняет файл.
func (m *Manager) UpdateMain(mutate func(*MainConfig)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.main
	mutate(&next)
	syncMainToFile(m.mainFile, &next)
	if err := m.saveFileLocked(m.mainFile, m.paths.MainConfig()); err != nil {
		return err
	}
	m.main = next
	return nil
}

// AutoReplyRule ищет правило по нормализованному ключу команды.
func (m *Manager) AutoReplyRule(key string) (AutoReplyRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.autoReply[key]
	return r, ok
}

// AutoReplyCommands возвращает команды в порядке объявления.
func (m *Manager) AutoReplyCommands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.autoReplyOrder))
	copy(out, m.autoReplyOrder)
	return out
}

// SetAutoReplyRule добавляет или заменяет правило автоответчика и сохраняет файл.
func (m *Manager) SetAutoReplyRule(rule AutoReplyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sec := m.arFile.Section(rule.Command)
	sec.Key("response").SetValue(rule.Response)
	sec.Key("telegramNotification").SetValue(boolStr(rule.TelegramNotification))
	if rule.NotificationText != "" {
		sec.Key("notificationText").SetValue(rule.NotificationText)
	} else {
		sec.DeleteKey("notificationText")
	}
	if err := m.saveFileLocked(m.arFile, m.paths.AutoResponse()); err != nil {
		return err
	}
	return m.reloadAutoReplyLocked()
}

// DeleteAutoReplyRule удаляет секцию команды и сохраняет файл.
func (m *Manager) DeleteAutoReplyRule(command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.arFile.DeleteSection(command)
	if err := m.saveFileLocked(m.arFile, m.paths.AutoResponse()); err != nil {
		return err
	}
	return m.reloadAutoReplyLocked()
}

func (m *Manager) reloadAutoReplyLocked() error {
	rules, order, err := loadAutoReply(m.paths.AutoResponse())
	if err != nil {
		return errors.Wrap(err, "reload auto_response")
	}
	m.autoReply = rules
	m.autoReplyOrder = order
	m.ARLoadFailed = false
	return nil
}

// DeliveryRules возвращает копию правил автовыдачи в порядке объявления.
func (m *Manager) DeliveryRules() []DeliveryRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeliveryRule, len(m.delivery))
	copy(out, m.delivery)
	return out
}

// DeliveryRuleFor подбирает правило для названия лота в три прохода:
// точное совпадение, префикс, вхождение. Порядок проходов важен — точное
// совпадение всегда выигрывает у частичного.
func (m *Manager) DeliveryRuleFor(lotTitle string) (DeliveryRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.delivery {
		if r.LotTitle == lotTitle {
			return r, true
		}
	}
	for _, r := range m.delivery {
		if strings.HasPrefix(lotTitle, r.LotTitle) {
			return r, true
		}
	}
	for _, r := range m.delivery {
		if strings.Contains(lotTitle, r.LotTitle) {
			return r, true
		}
	}
	return DeliveryRule{}, false
}

// SetDeliveryRule добавляет или заменяет правило автовыдачи и сохраняет файл.
func (m *Manager) SetDeliveryRule(rule DeliveryRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sec := m.adFile.Section(rule.LotTitle)
	sec.Key("response").SetValue(rule.Response)
	setOrDelete(sec, "productsFileName", rule.ProductsFileName)
	sec.Key("disable").SetValue(boolStr(rule.Disable))
	sec.Key("disableMultiDelivery").SetValue(boolStr(rule.DisableMultiDelivery))
	sec.Key("disableAutoRestore").SetValue(boolStr(rule.DisableAutoRestore))
	sec.Key("disableAutoDisable").SetValue(boolStr(rule.DisableAutoDisable))
	if err := m.saveFileLocked(m.adFile, m.paths.AutoDelivery()); err != nil {
		return err
	}
	return m.reloadDeliveryLocked()
}

// DeleteDeliveryRule удаляет секцию лота и сохраняет файл.
func (m *Manager) DeleteDeliveryRule(lotTitle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.adFile.DeleteSection(lotTitle)
	if err := m.saveFileLocked(m.adFile, m.paths.AutoDelivery()); err != nil {
		return err
	}
	return m.reloadDeliveryLocked()
}

func (m *Manager) reloadDeliveryLocked() error {
	rules, err := loadAutoDelivery(m.paths.AutoDelivery(), m.paths)
	if err != nil {
		return errors.Wrap(err, "reload auto_delivery")
	}
	m.delivery = rules
	m.ADLoadFailed = false
	return nil
}

// saveFileLocked сериализует ini-файл и атомарно пишет его на диск.
func (m *Manager) saveFileLocked(f *ini.File, path string) error {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return errors.Wrap(err, "serialize config")
	}
	if err := storage.AtomicWriteFile(path, buf.Bytes()); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

// syncMainToFile переносит типизированный снимок обратно в ini-структуру.
func syncMainToFile(f *ini.File, c *MainConfig) {
	fp := f.Section("FunPay")
	fp.Key("golden_key").SetValue(c.FunPay.GoldenKey)
	fp.Key("user_agent").SetValue(c.FunPay.UserAgent)
	fp.Key("autoRaise").SetValue(boolStr(c.FunPay.AutoRaise))
	fp.Key("autoResponse").SetValue(boolStr(c.FunPay.AutoResponse))
	fp.Key("autoDelivery").SetValue(boolStr(c.FunPay.AutoDelivery))
	fp.Key("multiDelivery").SetValue(boolStr(c.FunPay.MultiDelivery))
	fp.Key("autoRestore").SetValue(boolStr(c.FunPay.AutoRestore))
	fp.Key("autoDisable").SetValue(boolStr(c.FunPay.AutoDisable))
	fp.Key("oldMsgGetMode").SetValue(boolStr(c.FunPay.OldMsgGetMode))
	fp.Key("keepSentMessagesUnread").SetValue(boolStr(c.FunPay.KeepSentMessagesUnread))
	fp.Key("locale").SetValue(c.FunPay.Locale)

	tg := f.Section("Telegram")
	tg.Key("enabled").SetValue(boolStr(c.Telegram.Enabled))
	tg.Key("token").SetValue(c.Telegram.Token)
	tg.Key("secretKeyHash").SetValue(c.Telegram.SecretKeyHash)
	tg.Key("blockLogin").SetValue(boolStr(c.Telegram.BlockLogin))

	bl := f.Section("BlockList")
	bl.Key("blockDelivery").SetValue(boolStr(c.BlockList.BlockDelivery))
	bl.Key("blockResponse").SetValue(boolStr(c.BlockList.BlockResponse))
	bl.Key("blockNewMessageNotification").SetValue(boolStr(c.BlockList.BlockNewMessageNotification))
	bl.Key("blockNewOrderNotification").SetValue(boolStr(c.BlockList.BlockNewOrderNotification))
	bl.Key("blockCommandNotification").SetValue(boolStr(c.BlockList.BlockCommandNotification))

	mv := f.Section("NewMessageView")
	mv.Key("includeMyMessages").SetValue(boolStr(c.NewMessageView.IncludeMyMessages))
	mv.Key("includeFPMessages").SetValue(boolStr(c.NewMessageView.IncludeFPMessages))
	mv.Key("includeBotMessages").SetValue(boolStr(c.NewMessageView.IncludeBotMessages))
	mv.Key("notifyOnlyMyMessages").SetValue(boolStr(c.NewMessageView.NotifyOnlyMyMessages))
	mv.Key("notifyOnlyFPMessages").SetValue(boolStr(c.NewMessageView.NotifyOnlyFPMessages))
	mv.Key("notifyOnlyBotMessages").SetValue(boolStr(c.NewMessageView.NotifyOnlyBotMessages))
	mv.Key("showImageName").SetValue(boolStr(c.NewMessageView.ShowImageName))

	gr := f.Section("Greetings")
	gr.Key("ignoreSystemMessages").SetValue(boolStr(c.Greetings.IgnoreSystemMessages))
	gr.Key("sendGreetings").SetValue(boolStr(c.Greetings.SendGreetings))
	gr.Key("greetingsText").SetValue(c.Greetings.GreetingsText)
	gr.Key("greetingsCooldown").SetValue(strconv.FormatFloat(c.Greetings.GreetingsCooldown, 'f', -1, 64))

	oc := f.Section("OrderConfirm")
	oc.Key("watermark").SetValue(boolStr(c.OrderConfirm.Watermark))
	oc.Key("sendReply").SetValue(boolStr(c.OrderConfirm.SendReply))
	oc.Key("replyText").SetValue(c.OrderConfirm.ReplyText)

	rr := f.Section("ReviewReply")
	for i := 1; i <= 5; i++ {
		n := strconv.Itoa(i)
		rr.Key("star" + n + "Reply").SetValue(boolStr(c.ReviewReply.StarReply[i]))
		rr.Key("star" + n + "ReplyText").SetValue(c.ReviewReply.StarReplyText[i])
	}

	px := f.Section("Proxy")
	px.Key("enable").SetValue(boolStr(c.Proxy.Enable))
	px.Key("ip").SetValue(c.Proxy.IP)
	px.Key("port").SetValue(c.Proxy.Port)
	px.Key("login").SetValue(c.Proxy.Login)
	px.Key("password").SetValue(c.Proxy.Password)
	px.Key("check").SetValue(boolStr(c.Proxy.Check))
	px.Key("checkInterval").SetValue(strconv.Itoa(c.Proxy.CheckInterval))

	ot := f.Section("Other")
	ot.Key("watermark").SetValue(c.Other.Watermark)
	ot.Key("requestsDelay").SetValue(strconv.Itoa(c.Other.RequestsDelay))
	ot.Key("language").SetValue(c.Other.Language)
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func setOrDelete(sec *ini.Section, key, value string) {
	if value == "" {
		sec.DeleteKey(key)
		return
	}
	sec.Key(key).SetValue(value)
}

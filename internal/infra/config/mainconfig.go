// Загрузка и валидация основного конфига configs/_main.cfg.
// Формат — ini с разделителем ":", ключи регистрозависимые. Недостающие
// ключи обратной совместимости дозаполняются дефолтами и дописываются в файл.
package config

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"gopkg.in/ini.v1"
)

// MainConfig — типизированный снимок _main.cfg. Читается целиком под RLock,
// мутируется только через Manager.UpdateMain.
type MainConfig struct {
	FunPay struct {
		GoldenKey              string
		UserAgent              string
		AutoRaise              bool
		AutoResponse           bool
		AutoDelivery           bool
		MultiDelivery          bool
		AutoRestore            bool
		AutoDisable            bool
		OldMsgGetMode          bool
		KeepSentMessagesUnread bool
		Locale                 string
	}
	Telegram struct {
		Enabled       bool
		Token         string
		SecretKeyHash string
		BlockLogin    bool
	}
	BlockList struct {
		BlockDelivery               bool
		BlockResponse               bool
		BlockNewMessageNotification bool
		BlockNewOrderNotification   bool
		BlockCommandNotification    bool
	}
	NewMessageView struct {
		IncludeMyMessages    bool
		IncludeFPMessages    bool
		IncludeBotMessages   bool
		NotifyOnlyMyMessages bool
		NotifyOnlyFPMessages bool
		NotifyOnlyBotMessages bool
		ShowImageName        bool
	}
	Greetings struct {
		IgnoreSystemMessages bool
		SendGreetings        bool
		GreetingsText        string
		GreetingsCooldown    float64 // в днях, допускаются дроби
	}
	OrderConfirm struct {
		Watermark bool
		SendReply bool
		ReplyText string
	}
	ReviewReply struct {
		// Индексы 1..5 соответствуют числу звёзд; нулевой не используется.
		StarReply     [6]bool
		StarReplyText [6]string
	}
	Proxy struct {
		Enable        bool
		IP            string
		Port          string
		Login         string
		Password      string
		Check         bool
		CheckInterval int
	}
	Other struct {
		Watermark     string
		RequestsDelay int
		Language      string
	}
}

// iniLoadOptions — общие настройки чтения ini-файлов биржи.
// Разделитель ":" как в исходных конфигах, "=" принимаем для совместимости.
func iniLoadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		KeyValueDelimiters:         ":=",
		AllowPythonMultilineValues: true,
		IgnoreInlineComment:        true,
	}
}

// ParseError — ошибка валидации конфига с указанием файла/секции/параметра.
type ParseError struct {
	Path    string
	Section string
	Param   string
	Reason  string
}

func (e *ParseError) Error() string {
	return "config " + e.Path + ": section [" + e.Section + "], param " + e.Param + ": " + e.Reason
}

// loadMainFile читает _main.cfg, дозаполняет недостающие ключи дефолтами
// и возвращает типизированный снимок вместе с *ini.File для последующих правок.
func loadMainFile(path string, warnings *[]string) (*ini.File, MainConfig, error) {
	f, err := ini.LoadSources(iniLoadOptions(), path)
	if err != nil {
		return nil, MainConfig{}, errors.Wrap(err, "load main config")
	}

	dirty := fillMainDefaults(f, warnings)

	var cfg MainConfig
	v := &mainValidator{file: f, path: path}

	fp := f.Section("FunPay")
	cfg.FunPay.GoldenKey = fp.Key("golden_key").String()
	cfg.FunPay.UserAgent = fp.Key("user_agent").String()
	cfg.FunPay.AutoRaise = v.boolKey(fp, "autoRaise")
	cfg.FunPay.AutoResponse = v.boolKey(fp, "autoResponse")
	cfg.FunPay.AutoDelivery = v.boolKey(fp, "autoDelivery")
	cfg.FunPay.MultiDelivery = v.boolKey(fp, "multiDelivery")
	cfg.FunPay.AutoRestore = v.boolKey(fp, "autoRestore")
	cfg.FunPay.AutoDisable = v.boolKey(fp, "autoDisable")
	cfg.FunPay.OldMsgGetMode = v.boolKey(fp, "oldMsgGetMode")
	cfg.FunPay.KeepSentMessagesUnread = v.boolKey(fp, "keepSentMessagesUnread")
	cfg.FunPay.Locale = v.enumKey(fp, "locale", []string{"ru"})

	tg := f.Section("Telegram")
	cfg.Telegram.Enabled = v.boolKey(tg, "enabled")
	cfg.Telegram.Token = tg.Key("token").String()
	cfg.Telegram.SecretKeyHash = tg.Key("secretKeyHash").String()
	cfg.Telegram.BlockLogin = v.boolKey(tg, "blockLogin")

	bl := f.Section("BlockList")
	cfg.BlockList.BlockDelivery = v.boolKey(bl, "blockDelivery")
	cfg.BlockList.BlockResponse = v.boolKey(bl, "blockResponse")
	cfg.BlockList.BlockNewMessageNotification = v.boolKey(bl, "blockNewMessageNotification")
	cfg.BlockList.BlockNewOrderNotification = v.boolKey(bl, "blockNewOrderNotification")
	cfg.BlockList.BlockCommandNotification = v.boolKey(bl, "blockCommandNotification")

	mv := f.Section("NewMessageView")
	cfg.NewMessageView.IncludeMyMessages = v.boolKey(mv, "includeMyMessages")
	cfg.NewMessageView.IncludeFPMessages = v.boolKey(mv, "includeFPMessages")
	cfg.NewMessageView.IncludeBotMessages = v.boolKey(mv, "includeBotMessages")
	cfg.NewMessageView.NotifyOnlyMyMessages = v.boolKey(mv, "notifyOnlyMyMessages")
	cfg.NewMessageView.NotifyOnlyFPMessages = v.boolKey(mv, "notifyOnlyFPMessages")
	cfg.NewMessageView.NotifyOnlyBotMessages = v.boolKey(mv, "notifyOnlyBotMessages")
	cfg.NewMessageView.ShowImageName = v.boolKey(mv, "showImageName")

	gr := f.Section("Greetings")
	cfg.Greetings.IgnoreSystemMessages = v.boolKey(gr, "ignoreSystemMessages")
	cfg.Greetings.SendGreetings = v.boolKey(gr, "sendGreetings")
	cfg.Greetings.GreetingsText = gr.Key("greetingsText").String()
	cfg.Greetings.GreetingsCooldown = v.floatKey(gr, "greetingsCooldown", 2)

	oc := f.Section("OrderConfirm")
	cfg.OrderConfirm.Watermark = v.boolKey(oc, "watermark")
	cfg.OrderConfirm.SendReply = v.boolKey(oc, "sendReply")
	cfg.OrderConfirm.ReplyText = oc.Key("replyText").String()

	rr := f.Section("ReviewReply")
	for i := 1; i <= 5; i++ {
		n := strconv.Itoa(i)
		cfg.ReviewReply.StarReply[i] = v.boolKey(rr, "star"+n+"Reply")
		cfg.ReviewReply.StarReplyText[i] = rr.Key("star" + n + "ReplyText").String()
	}

	px := f.Section("Proxy")
	cfg.Proxy.Enable = v.boolKey(px, "enable")
	cfg.Proxy.IP = px.Key("ip").String()
	cfg.Proxy.Port = px.Key("port").String()
	cfg.Proxy.Login = px.Key("login").String()
	cfg.Proxy.Password = px.Key("password").String()
	cfg.Proxy.Check = v.boolKey(px, "check")
	cfg.Proxy.CheckInterval = v.intKeyRange(px, "checkInterval", 3600, 10, 86400)

	ot := f.Section("Other")
	cfg.Other.Watermark = ot.Key("watermark").String()
	cfg.Other.RequestsDelay = v.intKeyRange(ot, "requestsDelay", 1, 1, 100)
	cfg.Other.Language = v.enumKey(ot, "language", []string{"ru"})

	if v.err != nil {
		return nil, MainConfig{}, v.err
	}
	if dirty {
		if err := f.SaveTo(path); err != nil {
			appendWarningf(warnings, "failed to write back main config defaults: %v", err)
		}
	}
	return f, cfg, nil
}

// fillMainDefaults дозаполняет ключи, появившиеся в новых версиях конфига.
// Возвращает true, если файл нужно переписать.
func fillMainDefaults(f *ini.File, warnings *[]string) bool {
	defaults := []struct {
		section, key, value string
	}{
		{"FunPay", "oldMsgGetMode", "0"},
		{"FunPay", "keepSentMessagesUnread", "0"},
		{"FunPay", "locale", "ru"},
		{"Telegram", "blockLogin", "0"},
		{"Greetings", "ignoreSystemMessages", "0"},
		{"Greetings", "greetingsCooldown", "2"},
		{"OrderConfirm", "watermark", "1"},
		{"NewMessageView", "showImageName", "1"},
		{"Proxy", "checkInterval", "3600"},
		{"Other", "watermark", ""},
		{"Other", "language", "ru"},
	}

	dirty := false
	for _, d := range defaults {
		sec := f.Section(d.section)
		if !sec.HasKey(d.key) {
			sec.Key(d.key).SetValue(d.value)
			appendWarningf(warnings, "main config: [%s] %s missing; defaulted to %q", d.section, d.key, d.value)
			dirty = true
		}
	}
	// Язык интерфейса и локаль биржи принудительно ru.
	for _, pair := range [][2]string{{"Other", "language"}, {"FunPay", "locale"}} {
		sec := f.Section(pair[0])
		if sec.Key(pair[1]).String() != "ru" {
			sec.Key(pair[1]).SetValue("ru")
			dirty = true
		}
	}
	return dirty
}

// mainValidator накапливает первую ошибку валидации вместо паники на каждом ключе.
type mainValidator struct {
	file *ini.File
	path string
	err  error
}

func (v *mainValidator) fail(section *ini.Section, key, reason string) {
	if v.err == nil {
		v.err = &ParseError{Path: v.path, Section: section.Name(), Param: key, Reason: reason}
	}
}

func (v *mainValidator) boolKey(section *ini.Section, key string) bool {
	raw := strings.TrimSpace(section.Key(key).String())
	switch raw {
	case "0":
		return false
	case "1":
		return true
	default:
		v.fail(section, key, "value must be 0 or 1, got "+strconv.Quote(raw))
		return false
	}
}

func (v *mainValidator) enumKey(section *ini.Section, key string, allowed []string) string {
	raw := strings.TrimSpace(section.Key(key).String())
	for _, a := range allowed {
		if raw == a {
			return raw
		}
	}
	v.fail(section, key, "value "+strconv.Quote(raw)+" is not allowed")
	return ""
}

func (v *mainValidator) floatKey(section *ini.Section, key string, fallback float64) float64 {
	raw := strings.TrimSpace(section.Key(key).String())
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		v.fail(section, key, "value must be a non-negative number, got "+strconv.Quote(raw))
		return fallback
	}
	return f
}

func (v *mainValidator) intKeyRange(section *ini.Section, key string, fallback, min, max int) int {
	raw := strings.TrimSpace(section.Key(key).String())
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		v.fail(section, key, "value must be an integer in ["+strconv.Itoa(min)+", "+strconv.Itoa(max)+"]")
		return fallback
	}
	return n
}

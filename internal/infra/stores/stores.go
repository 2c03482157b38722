// Package stores — именованные JSON-хранилища на диске: чёрный список,
// поприветствованные пользователи, шаблоны ответов, авторизованные чаты
// контрольного канала, настройки маршрутизации уведомлений и список прокси.
// Каждое хранилище — один файл; битый JSON лечится перезаписью значением
// по умолчанию, записи атомарные.
package stores

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"funpay-agent/internal/infra/logger"
	"funpay-agent/internal/infra/storage"
)

// jsonFile — общий каркас хранилища: файл, mutex, значение в памяти.
type jsonFile[T any] struct {
	path string
	mu   sync.Mutex
	data T
}

// openJSON читает файл в значение по умолчанию def; отсутствие файла или
// битый JSON приводят к записи def на диск.
func openJSON[T any](path string, def T) (*jsonFile[T], error) {
	clean := filepath.Clean(path)
	s := &jsonFile[T]{path: clean, data: def}

	raw, err := os.ReadFile(clean)
	switch {
	case os.IsNotExist(err) || (err == nil && len(raw) == 0):
		if err := s.saveLocked(); err != nil {
			return nil, errors.Wrap(err, "init store file")
		}
		logger.Debugf("stores: created %s", clean)
	case err != nil:
		return nil, errors.Wrap(err, "read store file")
	default:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			logger.Warnf("stores: failed to decode %s: %v; rewriting default", clean, err)
			s.data = def
			if err := s.saveLocked(); err != nil {
				return nil, errors.Wrap(err, "rewrite store file")
			}
		}
	}
	return s, nil
}

func (s *jsonFile[T]) saveLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode store")
	}
	return storage.AtomicWriteFile(s.path, data)
}

// update выполняет мутацию под замком и сохраняет результат.
func (s *jsonFile[T]) update(mutate func(*T)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.data)
	return s.saveLocked()
}

// view выполняет чтение под замком.
func (s *jsonFile[T]) view(read func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	read(s.data)
}

// --- чёрный список ---

// Blacklist — имена покупателей, которых автоответ и автовыдача игнорируют
// (какие именно функции — решают флаги основного конфига).
type Blacklist struct {
	f *jsonFile[[]string]
}

// OpenBlacklist открывает файл чёрного списка.
func OpenBlacklist(path string) (*Blacklist, error) {
	f, err := openJSON(path, []string{})
	if err != nil {
		return nil, err
	}
	return &Blacklist{f: f}, nil
}

// Has сообщает, занесено ли имя в список.
func (b *Blacklist) Has(username string) bool {
	found := false
	b.f.view(func(list []string) {
		for _, name := range list {
			if name == username {
				found = true
				return
			}
		}
	})
	return found
}

// Add заносит имя в список (идемпотентно).
func (b *Blacklist) Add(username string) error {
	if b.Has(username) {
		return nil
	}
	return b.f.update(func(list *[]string) { *list = append(*list, username) })
}

// Remove убирает имя из списка.
func (b *Blacklist) Remove(username string) error {
	return b.f.update(func(list *[]string) {
		out := (*list)[:0]
		for _, name := range *list {
			if name != username {
				out = append(out, name)
			}
		}
		*list = out
	})
}

// All возвращает копию списка.
func (b *Blacklist) All() []string {
	var out []string
	b.f.view(func(list []string) { out = append(out, list...) })
	return out
}

// --- поприветствованные пользователи ---

// GreetedUsers — когда пользователю в последний раз уходило приветствие.
// По этой отметке работает кулдаун приветствий в днях.
type GreetedUsers struct {
	f *jsonFile[map[string]int64]
}

// OpenGreetedUsers открывает файл поприветствованных.
func OpenGreetedUsers(path string) (*GreetedUsers, error) {
	f, err := openJSON(path, map[string]int64{})
	if err != nil {
		return nil, err
	}
	return &GreetedUsers{f: f}, nil
}

// LastGreeted возвращает момент последнего приветствия пользователя.
func (g *GreetedUsers) LastGreeted(username string) (time.Time, bool) {
	var ts int64
	ok := false
	g.f.view(func(m map[string]int64) { ts, ok = m[username] })
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

// MarkGreeted запоминает момент приветствия.
func (g *GreetedUsers) MarkGreeted(username string, at time.Time) error {
	return g.f.update(func(m *map[string]int64) { (*m)[username] = at.Unix() })
}

// --- шаблоны ответов ---

// Templates — заготовки ответов для контрольного канала.
type Templates struct {
	f *jsonFile[[]string]
}

// OpenTemplates открывает файл шаблонов.
func OpenTemplates(path string) (*Templates, error) {
	f, err := openJSON(path, []string{})
	if err != nil {
		return nil, err
	}
	return &Templates{f: f}, nil
}

// All возвращает копию шаблонов.
func (t *Templates) All() []string {
	var out []string
	t.f.view(func(list []string) { out = append(out, list...) })
	return out
}

// Add добавляет шаблон.
func (t *Templates) Add(text string) error {
	return t.f.update(func(list *[]string) { *list = append(*list, text) })
}

// Delete удаляет шаблон по индексу; выход за границы — без эффекта.
func (t *Templates) Delete(index int) error {
	return t.f.update(func(list *[]string) {
		if index < 0 || index >= len(*list) {
			return
		}
		*list = append((*list)[:index], (*list)[index+1:]...)
	})
}

// --- авторизованные чаты контрольного канала ---

// AuthorizedChats — id чатов, прошедших авторизацию по секретному ключу.
type AuthorizedChats struct {
	f *jsonFile[map[int64]bool]
}

// OpenAuthorizedChats открывает файл авторизованных чатов.
func OpenAuthorizedChats(path string) (*AuthorizedChats, error) {
	f, err := openJSON(path, map[int64]bool{})
	if err != nil {
		return nil, err
	}
	return &AuthorizedChats{f: f}, nil
}

// Has сообщает, авторизован ли чат.
func (a *AuthorizedChats) Has(chatID int64) bool {
	ok := false
	a.f.view(func(m map[int64]bool) { ok = m[chatID] })
	return ok
}

// Add авторизует чат.
func (a *AuthorizedChats) Add(chatID int64) error {
	return a.f.update(func(m *map[int64]bool) { (*m)[chatID] = true })
}

// Remove отзывает авторизацию чата.
func (a *AuthorizedChats) Remove(chatID int64) error {
	return a.f.update(func(m *map[int64]bool) { delete(*m, chatID) })
}

// All возвращает id всех авторизованных чатов.
func (a *AuthorizedChats) All() []int64 {
	var out []int64
	a.f.view(func(m map[int64]bool) {
		for id, ok := range m {
			if ok {
				out = append(out, id)
			}
		}
	})
	return out
}

// --- маршрутизация уведомлений ---

// NotificationKind — вид уведомления контрольного канала.
type NotificationKind string

const (
	NotifyNewMessage   NotificationKind = "new_message"
	NotifyCommand      NotificationKind = "command"
	NotifyNewOrder     NotificationKind = "new_order"
	NotifyDelivery     NotificationKind = "delivery"
	NotifyRaise        NotificationKind = "raise"
	NotifyReview       NotificationKind = "review"
	NotifyLotsRestore  NotificationKind = "lots_restore"
	NotifyLotsDisable  NotificationKind = "lots_disable"
	NotifyCritical     NotificationKind = "critical"
	NotifyAnnouncement NotificationKind = "announcement"
)

// NotificationRouting — какие виды уведомлений включены в каком чате.
// Отсутствие записи трактуется как «включено»: новый чат получает всё.
type NotificationRouting struct {
	f *jsonFile[map[int64]map[NotificationKind]bool]
}

// OpenNotificationRouting открывает файл маршрутизации.
func OpenNotificationRouting(path string) (*NotificationRouting, error) {
	f, err := openJSON(path, map[int64]map[NotificationKind]bool{})
	if err != nil {
		return nil, err
	}
	return &NotificationRouting{f: f}, nil
}

// Enabled сообщает, включён ли вид уведомления в чате.
func (n *NotificationRouting) Enabled(chatID int64, kind NotificationKind) bool {
	enabled := true
	n.f.view(func(m map[int64]map[NotificationKind]bool) {
		chat, ok := m[chatID]
		if !ok {
			return
		}
		if v, ok := chat[kind]; ok {
			enabled = v
		}
	})
	return enabled
}

// Toggle переключает вид уведомления в чате и возвращает новое состояние.
func (n *NotificationRouting) Toggle(chatID int64, kind NotificationKind) (bool, error) {
	state := false
	err := n.f.update(func(m *map[int64]map[NotificationKind]bool) {
		chat, ok := (*m)[chatID]
		if !ok {
			chat = make(map[NotificationKind]bool)
			(*m)[chatID] = chat
		}
		cur, ok := chat[kind]
		if !ok {
			cur = true
		}
		chat[kind] = !cur
		state = !cur
	})
	return state, err
}

// --- прокси ---

// ProxyList — список прокси и индекс выбранного.
type ProxyList struct {
	f *jsonFile[proxyState]
}

type proxyState struct {
	Proxies  []string `json:"proxies"`
	Selected int      `json:"selected"` // -1 — прокси выключен
}

// OpenProxyList открывает файл прокси.
func OpenProxyList(path string) (*ProxyList, error) {
	f, err := openJSON(path, proxyState{Selected: -1})
	if err != nil {
		return nil, err
	}
	return &ProxyList{f: f}, nil
}

// Current возвращает выбранный прокси ("" — прокси выключен).
func (p *ProxyList) Current() string {
	out := ""
	p.f.view(func(s proxyState) {
		if s.Selected >= 0 && s.Selected < len(s.Proxies) {
			out = s.Proxies[s.Selected]
		}
	})
	return out
}

// All возвращает копию списка прокси.
func (p *ProxyList) All() []string {
	var out []string
	p.f.view(func(s proxyState) { out = append(out, s.Proxies...) })
	return out
}

// Add добавляет прокси в список.
func (p *ProxyList) Add(proxy string) error {
	return p.f.update(func(s *proxyState) { s.Proxies = append(s.Proxies, proxy) })
}

// Select выбирает прокси по индексу; -1 выключает прокси.
func (p *ProxyList) Select(index int) error {
	return p.f.update(func(s *proxyState) {
		if index < -1 || index >= len(s.Proxies) {
			return
		}
		s.Selected = index
	})
}

// Delete удаляет прокси по индексу, поправляя выбранный.
func (p *ProxyList) Delete(index int) error {
	return p.f.update(func(s *proxyState) {
		if index < 0 || index >= len(s.Proxies) {
			return
		}
		s.Proxies = append(s.Proxies[:index], s.Proxies[index+1:]...)
		switch {
		case s.Selected == index:
			s.Selected = -1
		case s.Selected > index:
			s.Selected--
		}
	})
}

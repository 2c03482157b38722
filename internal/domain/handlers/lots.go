// Поддержание состояния лотов: восстановление после выдачи и деактивация
// при исчерпании товара. Работает по свежему снимку профиля; в пределах
// одной пачки событий раннера снимок берётся один раз.
package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/logger"
	"funpay-agent/internal/infra/stores"
)

const (
	// lotSaveAttempts — попыток сохранения полей одного лота.
	lotSaveAttempts = 3
	// profileAttempts — попыток выборки снимка профиля.
	profileAttempts = 3
)

// UpdateLotStates сверяет лоты профиля с конфигом автовыдачи после нового
// заказа: кончился товар — лот гасится, появился — включается обратно.
// События одной пачки раннера несут один тег, сверка по нему выполняется
// один раз.
func (h *Handlers) UpdateLotStates(ctx context.Context, ev *market.NewOrderEvent) error {
	cfg := h.Cfg.Main()
	if !cfg.FunPay.AutoRestore && !cfg.FunPay.AutoDisable {
		return nil
	}

	h.lotMu.Lock()
	if ev.RunnerTag() != "" && ev.RunnerTag() == h.lotLastTag {
		h.lotMu.Unlock()
		return nil
	}
	h.lotLastTag = ev.RunnerTag()
	defer h.lotMu.Unlock()

	profile, err := h.fetchProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch profile")
	}

	var restored, disabled, failed []string
	for _, lot := range profile.CommonLots() {
		rule, ok := h.Cfg.DeliveryRuleFor(lot.Title)
		backed := ok && rule.InventoryBacked()
		count := -1
		if backed {
			var err error
			count, err = h.Inventory.Count(h.Paths.ProductFile(rule.ProductsFileName))
			if err != nil {
				logger.Errorf("lot %q: products count failed: %v", lot.Title, err)
				continue
			}
		}

		switch {
		case backed && count == 0 && lot.Active:
			if !cfg.FunPay.AutoDisable || rule.DisableAutoDisable {
				continue
			}
			if err := h.setLotActive(ctx, lot, false); err != nil {
				logger.Errorf("lot %q: deactivate failed: %v", lot.Title, err)
				failed = append(failed, lot.Title)
				continue
			}
			disabled = append(disabled, lot.Title)
		case !lot.Active && (!backed || count > 0):
			// Погасший лот без файла товаров (или вовсе без правила) тоже
			// поднимается: гасить его было не за что.
			if !cfg.FunPay.AutoRestore || (ok && rule.DisableAutoRestore) {
				continue
			}
			if err := h.setLotActive(ctx, lot, true); err != nil {
				logger.Errorf("lot %q: restore failed: %v", lot.Title, err)
				failed = append(failed, lot.Title)
				continue
			}
			restored = append(restored, lot.Title)
		}
	}

	if len(restored) > 0 {
		logger.Infof("lots restored: %s", strings.Join(restored, ", "))
		h.notify(stores.NotifyLotsRestore, "✅ Лоты восстановлены:\n"+strings.Join(restored, "\n"))
	}
	if len(disabled) > 0 {
		logger.Infof("lots disabled: %s", strings.Join(disabled, ", "))
		h.notify(stores.NotifyLotsDisable, "💤 Лоты деактивированы (товар кончился):\n"+strings.Join(disabled, "\n"))
	}
	if len(failed) > 0 {
		return errors.Errorf("lot state update failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}

// fetchProfile выбирает снимок профиля с нарастающей паузой между попытками.
func (h *Handlers) fetchProfile(ctx context.Context) (*market.Profile, error) {
	var lastErr error
	for attempt := 1; attempt <= profileAttempts; attempt++ {
		profile, err := h.Client.GetProfile(ctx)
		if err == nil {
			return profile, nil
		}
		lastErr = err
		var unauthorized *market.UnauthorizedError
		if errors.As(err, &unauthorized) {
			return nil, err
		}
		logger.Warnf("profile fetch attempt %d failed: %v", attempt, err)
		if attempt < profileAttempts {
			sleepFor(ctx, time.Duration(attempt)*3*time.Second)
		}
	}
	return nil, lastErr
}

// setLotActive переключает активность лота через форму редактирования.
// Конфликт пустых секретов (биржа не сохраняет лот с включённой своей
// автовыдачей без товаров) лечится однократным снятием флага автовыдачи.
func (h *Handlers) setLotActive(ctx context.Context, lot market.Lot, active bool) error {
	fields, err := h.Client.GetLotFields(ctx, lot.ID)
	if err != nil {
		return errors.Wrap(err, "get lot fields")
	}
	fields.SetActive(active)

	secretsWorkaround := false
	var lastErr error
	for attempt := 1; attempt <= lotSaveAttempts; attempt++ {
		lastErr = h.Client.SaveLot(ctx, fields)
		if lastErr == nil {
			return nil
		}
		var saveErr *market.LotSavingError
		if errors.As(lastErr, &saveErr) && saveErr.MentionsSecrets() && !secretsWorkaround {
			secretsWorkaround = true
			fields.DisableAutoDelivery()
			logger.Warnf("lot %q: empty secrets conflict, retrying without exchange auto-delivery", lot.Title)
			continue
		}
		if attempt < lotSaveAttempts {
			sleepFor(ctx, time.Duration(attempt)*3*time.Second)
		}
	}
	return fmt.Errorf("save lot after %d attempts: %w", lotSaveAttempts, lastErr)
}

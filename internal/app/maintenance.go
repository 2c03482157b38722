// Обслуживание: ежедневный архив конфигов и хранилищ, прогноз вывода
// средств по неподтверждённым заказам.
package app

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/config"
	"funpay-agent/internal/infra/logger"
)

const (
	// backupInterval — период создания архива.
	backupInterval = 24 * time.Hour
	// forecastPages — сколько страниц продаж просматривает прогноз.
	forecastPages = 10
	// withdrawalHold — задержка вывода после подтверждения заказа.
	withdrawalHold = 48 * time.Hour
)

// backupLoop раз в сутки переписывает backup.zip. Первый архив — сразу при
// старте: самый частый сценарий потери данных — кривой ручной правкой
// конфига вскоре после запуска.
func backupLoop(ctx context.Context, paths config.Paths) {
	if err := writeBackup(paths); err != nil {
		logger.Errorf("backup: %v", err)
	}
	ticker := time.NewTicker(backupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeBackup(paths); err != nil {
				logger.Errorf("backup: %v", err)
			}
		}
	}
}

// writeBackup собирает архив конфигов, файлов товаров и JSON-хранилищ.
// Файл состояния и замки не архивируются: state.db открыт процессом,
// а замки вне процесса бессмысленны.
func writeBackup(paths config.Paths) error {
	tmp := paths.BackupFile() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create backup")
	}
	zw := zip.NewWriter(f)

	add := func(root string) error {
		return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			switch info.Name() {
			case "state.db", "process.lock", "pid.txt":
				return nil
			}
			rel, err := filepath.Rel(paths.Base, path)
			if err != nil {
				return err
			}
			w, err := zw.Create(filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			src, err := os.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()
			_, err = io.Copy(w, src)
			return err
		})
	}

	for _, dir := range []string{paths.ConfigsDir(), paths.StorageDir()} {
		if err := add(dir); err != nil {
			_ = zw.Close()
			_ = f.Close()
			_ = os.Remove(tmp)
			return errors.Wrap(err, "archive "+dir)
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "finish archive")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close archive")
	}
	if err := os.Rename(tmp, paths.BackupFile()); err != nil {
		return errors.Wrap(err, "replace archive")
	}
	logger.Debug("backup: archive refreshed")
	return nil
}

// SalesSource — страницы продаж для прогноза.
type SalesSource interface {
	GetSales(ctx context.Context, cursor string) (string, []market.OrderShortcut, error)
}

// RateConverter сводит суммы разных валют к одной по сверенному курсу.
type RateConverter interface {
	Rate(ctx context.Context, from, to market.Currency) (decimal.Decimal, error)
}

// WithdrawalForecast суммирует оплаченные, но не подтверждённые заказы:
// эти деньги станут доступны к выводу после подтверждения и задержки биржи.
// При нескольких валютах общий итог пересчитывается в target через rates.
func WithdrawalForecast(ctx context.Context, source SalesSource,
	rates RateConverter, target market.Currency) (string, error) {
	sums := map[market.Currency]decimal.Decimal{}
	count := 0

	cursor := ""
	for page := 0; page < forecastPages; page++ {
		next, orders, err := source.GetSales(ctx, cursor)
		if err != nil {
			return "", errors.Wrap(err, "fetch sales")
		}
		for _, o := range orders {
			if o.Status != market.OrderStatusPaid {
				continue
			}
			sums[o.Currency] = sums[o.Currency].Add(o.Price)
			count++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if count == 0 {
		return "Неподтверждённых заказов нет; поступлений не ожидается.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ожидается по %d заказам (доступно через ~%.0f ч после подтверждения):\n",
		count, withdrawalHold.Hours())
	nonZero := 0
	for _, cur := range []market.Currency{market.CurrencyRUB, market.CurrencyUSD, market.CurrencyEUR} {
		if sum, ok := sums[cur]; ok && !sum.IsZero() {
			fmt.Fprintf(&sb, "%s %s\n", sum.String(), cur.String())
			nonZero++
		}
	}
	if nonZero > 1 && rates != nil && target != market.CurrencyUnknown {
		if total, err := convertSums(ctx, rates, sums, target); err == nil {
			fmt.Fprintf(&sb, "Итого ≈ %s %s\n", total.Round(2).String(), target.String())
		} else {
			logger.Warnf("forecast: currency conversion skipped: %v", err)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// convertSums пересчитывает посуммированные валюты в target. Rate отдаёт,
// сколько единиц from стоит одна единица to, поэтому сумма делится на курс.
func convertSums(ctx context.Context, rates RateConverter,
	sums map[market.Currency]decimal.Decimal, target market.Currency) (decimal.Decimal, error) {

	total := decimal.Zero
	for cur, sum := range sums {
		if sum.IsZero() {
			continue
		}
		if cur == target {
			total = total.Add(sum)
			continue
		}
		rate, err := rates.Rate(ctx, cur, target)
		if err != nil {
			return decimal.Zero, err
		}
		if rate.IsZero() {
			return decimal.Zero, errors.Errorf("zero rate for %s>%s", cur.Code(), target.Code())
		}
		total = total.Add(sum.Div(rate))
	}
	return total, nil
}

package market

import (
	"strconv"
	"strings"
	"unicode"
)

// ParseWaitTime извлекает из человекочитаемого отказа биржи время ожидания
// в секундах. Число — конкатенация всех цифр строки; единица определяется
// по вхождению ключевого слова любой локали. «4 минуты» биржа показывает
// уже после начала отсчёта, поэтому минуты считаются как (N-1)·60, а часы —
// как (N-0.5)·3600. Без распознанной единицы возвращается 10.
func ParseWaitTime(response string) int {
	var digits strings.Builder
	for _, r := range response {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	n, hasN := 0, false
	if digits.Len() > 0 {
		if v, err := strconv.Atoi(digits.String()); err == nil {
			n, hasN = v, true
		}
	}

	switch {
	case strings.Contains(response, "секунд") || strings.Contains(response, "second"):
		if hasN {
			return n
		}
		return 2
	case strings.Contains(response, "минут") || strings.Contains(response, "хвилин") ||
		strings.Contains(response, "minute"):
		if hasN {
			return (n - 1) * 60
		}
		return 60
	case strings.Contains(response, "час") || strings.Contains(response, "годин") ||
		strings.Contains(response, "hour"):
		if hasN {
			return int((float64(n) - 0.5) * 3600)
		}
		return 3600
	default:
		return 10
	}
}

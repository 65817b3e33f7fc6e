package call

import (
	"strings"

	"github.com/pkg/errors"
)

// NormalizeNumber убирает из набранного номера разделители " -().".
// Допустимы цифры, '*', '#' и ведущий '+'. Адреса вида
// "sip:user@host" принимаются без изменений.
func NormalizeNumber(number string) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return "", ErrInvalidNumber
	}
	if strings.HasPrefix(number, "sip:") || strings.HasPrefix(number, "sips:") {
		if !strings.Contains(number, "@") || strings.ContainsAny(number, " \t") {
			return "", errors.Wrapf(ErrInvalidNumber, "%q", number)
		}
		return number, nil
	}

	var b strings.Builder
	for i, r := range number {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case strings.ContainsRune(" -().", r):
		default:
			return "", errors.Wrapf(ErrInvalidNumber, "%q", number)
		}
	}

	out := b.String()
	if out == "" || out == "+" {
		return "", errors.Wrapf(ErrInvalidNumber, "%q", number)
	}
	return out, nil
}

package sip_gateway

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// formatDTMFRelay тело INFO в формате application/dtmf-relay
func formatDTMFRelay(digit string, duration time.Duration) []byte {
	return []byte(fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", digit, duration.Milliseconds()))
}

// parseDTMFRelay извлекает Signal из тела application/dtmf-relay
func parseDTMFRelay(body []byte) (string, error) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "signal") {
			continue
		}
		digit := strings.TrimSpace(value)
		if len(digit) != 1 || !strings.ContainsAny(digit, "0123456789*#ABCDabcd") {
			return "", errors.Errorf("invalid dtmf signal %q", digit)
		}
		return strings.ToUpper(digit), nil
	}
	return "", errors.New("no dtmf signal in body")
}

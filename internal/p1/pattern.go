package p1

import (
	"regexp"
	"strconv"
	"time"
)

// pattern is one row of decoder dispatch table.
// window>1 matches against that many consecutive lines joined with CRLF.
type pattern struct {
	name   string
	re     *regexp.Regexp
	window int
	apply  func(t *Telegram, m []string) error
}

var (
	reTimestamp   = regexp.MustCompile(`^(0-0:1\.0\.0)\(([0-9]{12})([SW])\)`)
	reElectricity = regexp.MustCompile(`^(1-0:1\.(?:8\.1|8\.2|7\.0))\(([0-9.]+)\*kW`)
	reGasV4       = regexp.MustCompile(`^(0-1:24\.2\.1)\(([0-9]{12})([SW])\)\(([0-9.]+)\*m3\)`)
	reGasV2       = regexp.MustCompile(`^(0-1:24\.3\.0)\(([0-9]{12}).*\r\n\(([0-9.]+)\)`)
)

var (
	patTimestamp   = pattern{name: "timestamp", re: reTimestamp, window: 1, apply: applyTimestamp}
	patElectricity = pattern{name: "electricity", re: reElectricity, window: 1, apply: applyElectricity}
	patGasV4       = pattern{name: "gas4", re: reGasV4, window: 1, apply: applyGas(4)}
	patGasV2       = pattern{name: "gas2", re: reGasV2, window: 2, apply: applyGas(3)}
)

func patternTable(p Protocol) []pattern {
	switch p {
	case ProtocolV2:
		return []pattern{patTimestamp, patElectricity, patGasV2}
	case ProtocolV4:
		return []pattern{patTimestamp, patElectricity, patGasV4}
	}
	return nil
}

// Meter clock is naive local time, S/W flag tells offset to UTC.
func timezoneOffset(flag string) time.Duration {
	if flag == "W" {
		return 2 * time.Hour
	}
	return 1 * time.Hour
}

func applyTimestamp(t *Telegram, m []string) error {
	value, flag := m[2], m[3]
	naive, err := time.ParseInLocation(LocalLayout, value, time.UTC)
	if err != nil {
		return MalformedError{Reason: "timestamp " + err.Error(), Line: m[0]}
	}
	t.LocalTimestamp = value
	t.Epoch = naive.Add(-timezoneOffset(flag)).Unix()
	return nil
}

func applyElectricity(t *Telegram, m []string) error {
	v, err := parseDecimal(m[0], m[2])
	if err != nil {
		return err
	}
	switch m[1] {
	case CodeActual:
		t.Actual = v
	case CodeTariff1:
		t.Tariff1 = v
	case CodeTariff2:
		t.Tariff2 = v
	}
	return nil
}

func applyGas(group int) func(*Telegram, []string) error {
	return func(t *Telegram, m []string) error {
		v, err := parseDecimal(m[0], m[group])
		if err != nil {
			return err
		}
		t.Gas = v
		return nil
	}
}

func parseDecimal(line, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, MalformedError{Reason: "decimal value=" + s, Line: line}
	}
	return v, nil
}

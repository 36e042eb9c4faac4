package p1

import (
	"fmt"
	"time"
)

// OBIS codes of the readings a Telegram carries.
const (
	CodeTimestamp = "0-0:1.0.0"
	CodeTariff1   = "1-0:1.8.1"
	CodeTariff2   = "1-0:1.8.2"
	CodeActual    = "1-0:1.7.0"
	CodeGasV4     = "0-1:24.2.1"
	CodeGasV2     = "0-1:24.3.0"
)

// Meter clock layout, YYMMDDHHMMSS.
const LocalLayout = "060102150405"

// Telegram is one decoded meter reading.
// Decoder builds it once; after that it is passed around by value and never changed.
type Telegram struct {
	LocalTimestamp string  // YYMMDDHHMMSS as reported by meter
	Epoch          int64   // UTC unix seconds
	Actual         float64 // kW
	Tariff1        float64 // kWh
	Tariff2        float64 // kWh
	Gas            float64 // m3
}

// NewTelegram returns readings all zero, stamped with now.
func NewTelegram(now time.Time) Telegram {
	return Telegram{
		LocalTimestamp: now.Format(LocalLayout),
		Epoch:          now.Unix(),
	}
}

func (t Telegram) Time() time.Time { return time.Unix(t.Epoch, 0).UTC() }

// Total is the sum of both tariff counters, kWh.
func (t Telegram) Total() float64 { return t.Tariff1 + t.Tariff2 }

func (t Telegram) String() string {
	return fmt.Sprintf("Timestamp: %s\r\nActual: %v\r\nTariff 1: %v\r\nTariff 2: %v\r\nGas: %v\r\n",
		t.LocalTimestamp, t.Actual, t.Tariff1, t.Tariff2, t.Gas)
}
